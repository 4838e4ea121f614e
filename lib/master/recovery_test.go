package master

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/larchdb/larch/lib/cluster"
	"github.com/larchdb/larch/lib/log"
	"github.com/larchdb/larch/rpc/common"
)

// flightTracker counts concurrently outstanding getRecoveryData RPCs
// across all fake backups.
type flightTracker struct {
	current atomic.Int32
	max     atomic.Int32
}

func (f *flightTracker) enter() {
	n := f.current.Add(1)
	for {
		m := f.max.Load()
		if n <= m || f.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (f *flightTracker) leave() {
	f.current.Add(-1)
}

// fakeBackup serves scripted segment data over the mock locator scheme.
type fakeBackup struct {
	mu       sync.Mutex
	segments map[uint64][]byte
	fail     map[uint64]bool
	calls    map[uint64]int
	delay    time.Duration
	tracker  *flightTracker
}

func newFakeBackup(tracker *flightTracker) *fakeBackup {
	return &fakeBackup{
		segments: make(map[uint64][]byte),
		fail:     make(map[uint64]bool),
		calls:    make(map[uint64]int),
		tracker:  tracker,
	}
}

func (b *fakeBackup) OpenSegment(context.Context, uint64, uint64) error {
	return nil
}

func (b *fakeBackup) WriteSegment(context.Context, uint64, uint64, uint32, []byte, bool) error {
	return nil
}

func (b *fakeBackup) GetRecoveryData(_ context.Context, _ uint64, segmentID uint64) ([]byte, error) {
	if b.tracker != nil {
		b.tracker.enter()
		defer b.tracker.leave()
	}
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[segmentID]++
	if b.fail[segmentID] {
		return nil, errors.New("backup storage error")
	}
	data, ok := b.segments[segmentID]
	if !ok {
		return nil, errors.New("no such segment")
	}
	return data, nil
}

func (b *fakeBackup) callCount(segmentID uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[segmentID]
}

// registerMockBackups wires fake backups into the service's session
// manager under "mock:name=<name>" locators.
func registerMockBackups(svc *Service, backups map[string]*fakeBackup) {
	svc.sessions.RegisterScheme("mock", func(locator common.Locator) (cluster.BackupSession, error) {
		b, ok := backups[locator.Option("name", "")]
		if !ok {
			return nil, errors.Errorf("unknown mock backup %q", locator.Raw)
		}
		return b, nil
	})
}

// buildSegment produces a raw segment image carrying the given entries.
func buildSegment(t *testing.T, build func(scratch *log.Log)) []byte {
	t.Helper()
	scratch := log.NewLog(99, 8192, nil)
	build(scratch)
	if scratch.Head() == nil {
		t.Fatal("buildSegment: no entries appended")
	}
	return append([]byte(nil), scratch.Head().Contents()...)
}

func appendObject(t *testing.T, l *log.Log, tableID uint32, objectID, version uint64, data string) {
	t.Helper()
	if _, err := l.Append(log.EntryObject, log.EncodeObject(log.Object{
		TableID:  tableID,
		ObjectID: objectID,
		Version:  version,
		Data:     []byte(data),
	}), false); err != nil {
		t.Fatalf("append object: %v", err)
	}
}

func appendTombstone(t *testing.T, l *log.Log, tableID uint32, objectID, version uint64) {
	t.Helper()
	if _, err := l.Append(log.EntryTombstone, log.EncodeTombstone(log.Tombstone{
		TableID:  tableID,
		ObjectID: objectID,
		Version:  version,
	}), false); err != nil {
		t.Fatalf("append tombstone: %v", err)
	}
}

func recoveringTablet(tableID uint32) []common.Tablet {
	return []common.Tablet{{
		TableID: tableID,
		StartID: 0,
		EndID:   ^uint64(0),
		State:   common.TabletRecovering,
	}}
}

// --------------------------------------------------------------------------
// detectSegmentRecoveryFailure
// --------------------------------------------------------------------------

func TestDetectSegmentRecoveryFailure(t *testing.T) {
	backups := []common.RecoveryEntry{
		{SegmentID: 87, Locator: "mock:name=backup1"},
		{SegmentID: 88, Locator: "mock:name=backup1"},
		{SegmentID: 89, Locator: "mock:name=backup1"},
		{SegmentID: 88, Locator: "mock:name=backup2"},
		{SegmentID: 87, Locator: "mock:name=backup1"},
	}

	t.Run("success", func(t *testing.T) {
		// 87 failed on one replica but succeeded on another.
		states := []recStatus{recFailed, recOK, recOK, recOK, recOK}
		if err := detectSegmentRecoveryFailure(states, backups); err != nil {
			t.Errorf("unexpected failure: %v", err)
		}
	})

	t.Run("activeKeepsSegmentAlive", func(t *testing.T) {
		states := []recStatus{recFailed, recOK, recOK, recOK, recActive}
		if err := detectSegmentRecoveryFailure(states, backups); err != nil {
			t.Errorf("unexpected failure: %v", err)
		}
	})

	t.Run("failure", func(t *testing.T) {
		states := []recStatus{recFailed, recOK, recOK, recOK, recFailed}
		if err := detectSegmentRecoveryFailure(states, backups); err == nil {
			t.Error("expected SEGMENT_RECOVERY_FAILED, got nil")
		}
	})
}

// --------------------------------------------------------------------------
// Full recovery
// --------------------------------------------------------------------------

func TestRecoverBasics(t *testing.T) {
	svc, coord := newTestService(t)
	tracker := &flightTracker{}
	backup1 := newFakeBackup(tracker)
	backup1.segments[87] = buildSegment(t, func(l *log.Log) {
		appendObject(t, l, 123, 4, 3, "recovered")
	})
	registerMockBackups(svc, map[string]*fakeBackup{"backup1": backup1})

	st := svc.Recover(123, 0, recoveringTablet(123), []common.RecoveryEntry{
		{SegmentID: 87, Locator: "mock:name=backup1"},
	})
	if st != common.StatusOK {
		t.Fatalf("recover: status %s", st)
	}

	checkRead(t, svc, 123, 4, "recovered", 3)

	// The tablet transitioned to NORMAL and was announced.
	if len(coord.recovered) != 1 {
		t.Fatalf("tabletsRecovered called %d times, want 1", len(coord.recovered))
	}
	for _, tablet := range coord.recovered[0] {
		if tablet.State != common.TabletNormal {
			t.Errorf("recovered tablet still %v", tablet.State)
		}
	}

	// Post-recovery versions continue above everything replayed.
	version, st := svc.Write(123, 4, []byte("after"), common.RejectRules{})
	if st != common.StatusOK {
		t.Fatal(st)
	}
	if version <= 3 {
		t.Errorf("post-recovery version %d not above replayed version 3", version)
	}
}

// List (s87@B1),(s88@B1),(s88@B2) with 3 channels and B1
// healthy. s87 and s88 are fetched once each from B1; B2 is never queried
// for s88 because its entry is satisfied by B1's success.
func TestRecoverDedup(t *testing.T) {
	svc, _ := newTestService(t)
	tracker := &flightTracker{}
	backup1 := newFakeBackup(tracker)
	backup2 := newFakeBackup(tracker)
	backup1.segments[87] = buildSegment(t, func(l *log.Log) { appendObject(t, l, 123, 1, 1, "a") })
	backup1.segments[88] = buildSegment(t, func(l *log.Log) { appendObject(t, l, 123, 2, 1, "b") })
	backup2.segments[88] = backup1.segments[88]
	registerMockBackups(svc, map[string]*fakeBackup{"backup1": backup1, "backup2": backup2})

	st := svc.Recover(123, 0, recoveringTablet(123), []common.RecoveryEntry{
		{SegmentID: 87, Locator: "mock:name=backup1"},
		{SegmentID: 88, Locator: "mock:name=backup1"},
		{SegmentID: 88, Locator: "mock:name=backup2"},
	})
	if st != common.StatusOK {
		t.Fatalf("recover: status %s", st)
	}
	if got := backup1.callCount(87); got != 1 {
		t.Errorf("segment 87 fetched %d times from backup1, want 1", got)
	}
	if got := backup1.callCount(88); got != 1 {
		t.Errorf("segment 88 fetched %d times from backup1, want 1", got)
	}
	if got := backup2.callCount(88); got != 0 {
		t.Errorf("segment 88 fetched %d times from backup2, want 0", got)
	}
	if max := tracker.max.Load(); max > 3 {
		t.Errorf("%d RPCs in flight, channel cap is 3", max)
	}
}

// A failed fetch fails over to a later list entry for the same segment;
// bad locators count as immediate failures and the scan moves on.
func TestRecoverFailover(t *testing.T) {
	svc, _ := newTestService(t)
	tracker := &flightTracker{}
	backup1 := newFakeBackup(tracker)
	backup2 := newFakeBackup(tracker)
	backup1.fail[87] = true
	backup2.segments[87] = buildSegment(t, func(l *log.Log) { appendObject(t, l, 123, 1, 1, "a") })
	backup1.segments[88] = buildSegment(t, func(l *log.Log) { appendObject(t, l, 123, 2, 1, "b") })
	backup2.segments[90] = buildSegment(t, func(l *log.Log) { appendObject(t, l, 123, 3, 1, "c") })
	registerMockBackups(svc, map[string]*fakeBackup{"backup1": backup1, "backup2": backup2})

	st := svc.Recover(123, 0, recoveringTablet(123), []common.RecoveryEntry{
		// Fails; the second entry for 87 takes over.
		{SegmentID: 87, Locator: "mock:name=backup1"},
		{SegmentID: 87, Locator: "mock:name=backup2"},
		{SegmentID: 88, Locator: "mock:name=backup1"},
		// Unresolvable locator; the second entry for 90 takes over.
		{SegmentID: 90, Locator: "bad:host=backup3"},
		{SegmentID: 90, Locator: "mock:name=backup2"},
	})
	if st != common.StatusOK {
		t.Fatalf("recover: status %s", st)
	}
	if got := backup2.callCount(87); got != 1 {
		t.Errorf("segment 87 fetched %d times from backup2 after failover, want 1", got)
	}
	checkRead(t, svc, 123, 1, "a", 1)
	checkRead(t, svc, 123, 2, "b", 1)
	checkRead(t, svc, 123, 3, "c", 1)
}

// List (s87@B1 fails),(s88@B1 ok) has no surviving replica for
// s87 and must fail the whole recovery.
func TestRecoverFailure(t *testing.T) {
	svc, _ := newTestService(t)
	backup1 := newFakeBackup(nil)
	backup1.fail[87] = true
	backup1.segments[88] = buildSegment(t, func(l *log.Log) { appendObject(t, l, 123, 2, 1, "b") })
	registerMockBackups(svc, map[string]*fakeBackup{"backup1": backup1})

	st := svc.Recover(123, 0, recoveringTablet(123), []common.RecoveryEntry{
		{SegmentID: 87, Locator: "mock:name=backup1"},
		{SegmentID: 88, Locator: "mock:name=backup1"},
	})
	if st != common.StatusSegmentRecoveryFailed {
		t.Fatalf("recover: status %s, want SEGMENT_RECOVERY_FAILED", st)
	}
}

// At most `channels` RPCs are in flight at any moment.
func TestRecoverChannelCap(t *testing.T) {
	svc, _ := newTestService(t) // RecoveryChannels: 3
	tracker := &flightTracker{}
	backup1 := newFakeBackup(tracker)
	backup1.delay = 5 * time.Millisecond
	var list []common.RecoveryEntry
	for seg := uint64(100); seg < 110; seg++ {
		backup1.segments[seg] = buildSegment(t, func(l *log.Log) {
			appendObject(t, l, 123, seg, 1, "x")
		})
		list = append(list, common.RecoveryEntry{SegmentID: seg, Locator: "mock:name=backup1"})
	}
	registerMockBackups(svc, map[string]*fakeBackup{"backup1": backup1})

	if st := svc.Recover(123, 0, recoveringTablet(123), list); st != common.StatusOK {
		t.Fatalf("recover: status %s", st)
	}
	if max := tracker.max.Load(); max > 3 {
		t.Errorf("observed %d in-flight RPCs, channel cap is 3", max)
	}
}

// --------------------------------------------------------------------------
// Segment replay version ordering
// --------------------------------------------------------------------------

// replay pushes one segment image through the replay path.
func replay(t *testing.T, svc *Service, data []byte) {
	t.Helper()
	if err := svc.replaySegment(0, data); err != nil {
		t.Fatalf("replaySegment: %v", err)
	}
}

func entryIsTombstone(svc *Service, tableID uint32, objectID uint64) (bool, uint64) {
	h, ok := svc.currentEntry(tableID, objectID)
	if !ok || h.Type() != log.EntryTombstone {
		return false, 0
	}
	tomb, err := log.DecodeTombstone(h.UserData())
	if err != nil {
		return false, 0
	}
	return true, tomb.Version
}

func TestRecoverSegmentObjectOrdering(t *testing.T) {
	svc, _ := newTestService(t)
	svc.SetTablets(recoveringTablet(0))

	// Case 1a: newer object already there; ignore the older one.
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendObject(t, l, 0, 2000, 1, "newer guy") }))
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendObject(t, l, 0, 2000, 0, "older guy") }))
	checkRead(t, svc, 0, 2000, "newer guy", 1)

	// Case 1b: older object already there; replace it.
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendObject(t, l, 0, 2001, 0, "older guy") }))
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendObject(t, l, 0, 2001, 1, "newer guy") }))
	checkRead(t, svc, 0, 2001, "newer guy", 1)

	// Case 2a: equal tombstone already there; ignore the object.
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendTombstone(t, l, 0, 2002, 1) }))
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendObject(t, l, 0, 2002, 1, "equal guy") }))
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendObject(t, l, 0, 2002, 0, "older guy") }))
	if isTomb, _ := entryIsTombstone(svc, 0, 2002); !isTomb {
		t.Error("tombstone for 2002 should have survived the replayed objects")
	}

	// Case 2b: lesser tombstone; the object wins.
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendTombstone(t, l, 0, 2003, 10) }))
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendObject(t, l, 0, 2003, 11, "newer guy") }))
	checkRead(t, svc, 0, 2003, "newer guy", 11)

	// Case 3: nothing there; the object is always added.
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendObject(t, l, 0, 2004, 0, "only guy") }))
	checkRead(t, svc, 0, 2004, "only guy", 0)

	// The sweep clears surviving tombstones from the index.
	svc.removeTombstones()
	if _, _, st := svc.Read(0, 2002, common.RejectRules{}); st != common.StatusObjectDoesntExist {
		t.Errorf("read of swept key: status %s, want OBJECT_DOESNT_EXIST", st)
	}
}

func TestRecoverSegmentTombstoneOrdering(t *testing.T) {
	svc, _ := newTestService(t)
	svc.SetTablets(recoveringTablet(0))

	// Case 1a: newer object; ignore the tombstone.
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendObject(t, l, 0, 2005, 1, "newer guy") }))
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendTombstone(t, l, 0, 2005, 0) }))
	checkRead(t, svc, 0, 2005, "newer guy", 1)

	// Case 1b: equal object; the tombstone wins.
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendObject(t, l, 0, 2006, 0, "equal guy") }))
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendTombstone(t, l, 0, 2006, 0) }))
	if isTomb, _ := entryIsTombstone(svc, 0, 2006); !isTomb {
		t.Error("equal-version tombstone should displace the object")
	}

	// ... and an older object also loses.
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendObject(t, l, 0, 2007, 0, "older guy") }))
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendTombstone(t, l, 0, 2007, 1) }))
	if isTomb, _ := entryIsTombstone(svc, 0, 2007); !isTomb {
		t.Error("newer tombstone should displace the older object")
	}

	// Case 2a: newer tombstone already there; ignore.
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendTombstone(t, l, 0, 2008, 1) }))
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendTombstone(t, l, 0, 2008, 0) }))
	if _, version := entryIsTombstone(svc, 0, 2008); version != 1 {
		t.Errorf("tombstone version %d, want the newer 1", version)
	}

	// Case 2b: older tombstone already there; replace.
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendTombstone(t, l, 0, 2009, 0) }))
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendTombstone(t, l, 0, 2009, 1) }))
	if _, version := entryIsTombstone(svc, 0, 2009); version != 1 {
		t.Errorf("tombstone version %d, want the replaced 1", version)
	}

	// Case 3: nothing there; the tombstone is always added.
	replay(t, svc, buildSegment(t, func(l *log.Log) { appendTombstone(t, l, 0, 2010, 0) }))
	if isTomb, _ := entryIsTombstone(svc, 0, 2010); !isTomb {
		t.Error("tombstone for an empty slot should be installed")
	}

	svc.removeTombstones()
	for _, id := range []uint64{2006, 2007, 2010} {
		if _, _, st := svc.Read(0, id, common.RejectRules{}); st != common.StatusObjectDoesntExist {
			t.Errorf("read of removed key %d: status %s, want OBJECT_DOESNT_EXIST", id, st)
		}
	}
}

// Replaying any permutation of the segment set yields the same final
// contents.
func TestRecoveryEquivalence(t *testing.T) {
	type keyState struct {
		data    []byte
		version uint64
		ok      bool
	}

	// Build a history across three segments: writes, overwrites, removes.
	segments := [][]byte{
		buildSegment(t, func(l *log.Log) {
			appendObject(t, l, 0, 1, 1, "one-v1")
			appendObject(t, l, 0, 2, 2, "two-v2")
			appendObject(t, l, 0, 3, 3, "three-v3")
		}),
		buildSegment(t, func(l *log.Log) {
			appendObject(t, l, 0, 1, 4, "one-v4")
			appendTombstone(t, l, 0, 2, 5)
			appendObject(t, l, 0, 4, 6, "four-v6")
		}),
		buildSegment(t, func(l *log.Log) {
			appendTombstone(t, l, 0, 3, 7)
			appendObject(t, l, 0, 3, 8, "three-v8")
			appendObject(t, l, 0, 5, 9, "five-v9")
		}),
	}

	finalState := func(order []int) map[uint64]keyState {
		svc, _ := newTestService(t)
		svc.SetTablets(recoveringTablet(0))
		for _, i := range order {
			replay(t, svc, segments[i])
		}
		svc.removeTombstones()
		state := make(map[uint64]keyState)
		for id := uint64(1); id <= 5; id++ {
			data, version, st := svc.Read(0, id, common.RejectRules{})
			state[id] = keyState{data: data, version: version, ok: st == common.StatusOK}
		}
		return state
	}

	reference := finalState([]int{0, 1, 2})
	orders := [][]int{{2, 1, 0}, {1, 0, 2}, {0, 2, 1}, {2, 0, 1}, {1, 2, 0}}
	for _, order := range orders {
		got := finalState(order)
		for id, want := range reference {
			g := got[id]
			if g.ok != want.ok || g.version != want.version || !bytes.Equal(g.data, want.data) {
				t.Errorf("order %v key %d: got %+v, want %+v", order, id, g, want)
			}
		}
	}

	// Sanity-check the reference itself.
	if !reference[1].ok || string(reference[1].data) != "one-v4" {
		t.Errorf("key 1: %+v", reference[1])
	}
	if reference[2].ok {
		t.Errorf("key 2 should be deleted: %+v", reference[2])
	}
	if !reference[3].ok || string(reference[3].data) != "three-v8" {
		t.Errorf("key 3: %+v", reference[3])
	}
}

// Random histories replayed in random segment orders stay equivalent.
func TestRecoveryEquivalenceRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 5; round++ {
		var segs [][]byte
		version := uint64(0)
		for s := 0; s < 4; s++ {
			segs = append(segs, buildSegment(t, func(l *log.Log) {
				for e := 0; e < 10; e++ {
					id := uint64(rng.Intn(6))
					version++
					if rng.Intn(4) == 0 {
						appendTombstone(t, l, 0, id, version)
					} else {
						appendObject(t, l, 0, id, version, fmt.Sprintf("v%d", version))
					}
				}
			}))
		}

		run := func(order []int) map[uint64]string {
			svc, _ := newTestService(t)
			svc.SetTablets(recoveringTablet(0))
			for _, i := range order {
				replay(t, svc, segs[i])
			}
			svc.removeTombstones()
			out := make(map[uint64]string)
			for id := uint64(0); id < 6; id++ {
				data, v, st := svc.Read(0, id, common.RejectRules{})
				if st == common.StatusOK {
					out[id] = fmt.Sprintf("%s@%d", data, v)
				}
			}
			return out
		}

		reference := run([]int{0, 1, 2, 3})
		order := rng.Perm(4)
		got := run(order)
		if len(got) != len(reference) {
			t.Fatalf("round %d order %v: %v vs %v", round, order, got, reference)
		}
		for id, want := range reference {
			if got[id] != want {
				t.Errorf("round %d order %v key %d: got %s, want %s", round, order, id, got[id], want)
			}
		}
	}
}
