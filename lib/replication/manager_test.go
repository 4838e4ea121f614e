package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/larchdb/larch/lib/cluster"
	"github.com/larchdb/larch/rpc/common"
)

// fakeSession records segment traffic for one fake backup.
type fakeSession struct {
	mu       sync.Mutex
	opened   []uint64
	written  map[uint64][]byte // segment id -> highest contiguous image
	failures int               // fail this many WriteSegment calls, then recover
	slow     time.Duration
}

func newFakeSession() *fakeSession {
	return &fakeSession{written: make(map[uint64][]byte)}
}

func (s *fakeSession) OpenSegment(_ context.Context, _ uint64, segmentID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, segmentID)
	return nil
}

func (s *fakeSession) WriteSegment(_ context.Context, _ uint64, segmentID uint64, offset uint32, data []byte, _ bool) error {
	if s.slow > 0 {
		time.Sleep(s.slow)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("injected backup failure")
	}
	img := s.written[segmentID]
	need := int(offset) + len(data)
	if len(img) < need {
		img = append(img, make([]byte, need-len(img))...)
	}
	copy(img[offset:], data)
	s.written[segmentID] = img
	return nil
}

func (s *fakeSession) GetRecoveryData(_ context.Context, _ uint64, segmentID uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written[segmentID], nil
}

// newTestManager wires fake sessions under mock locators.
func newTestManager(t *testing.T, retries int, sessions map[string]*fakeSession) *Manager {
	t.Helper()
	mgr := cluster.NewSessionManager()
	mgr.RegisterScheme("mock", func(locator common.Locator) (cluster.BackupSession, error) {
		s, ok := sessions[locator.Option("name", "")]
		if !ok {
			return nil, errors.Errorf("unknown backup %s", locator.Raw)
		}
		return s, nil
	})
	locators := make([]string, 0, len(sessions))
	for name := range sessions {
		locators = append(locators, "mock:name="+name)
	}
	m := NewManager(1, mgr, locators, retries, time.Second)
	t.Cleanup(m.Close)
	return m
}

func TestWritesReachEveryReplica(t *testing.T) {
	backups := map[string]*fakeSession{
		"b1": newFakeSession(),
		"b2": newFakeSession(),
		"b3": newFakeSession(),
	}
	m := newTestManager(t, 1, backups)

	m.OpenSegment(5)
	if err := m.WriteSegment(5, 0, []byte("hello "), false); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteSegment(5, 6, []byte("world"), true); err != nil {
		t.Fatal(err)
	}
	if err := m.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	for name, b := range backups {
		b.mu.Lock()
		img := string(b.written[5])
		opened := len(b.opened)
		b.mu.Unlock()
		if img != "hello world" {
			t.Errorf("backup %s stored %q", name, img)
		}
		if opened != 1 {
			t.Errorf("backup %s saw %d opens", name, opened)
		}
	}
}

func TestSyncWaitsForSlowReplica(t *testing.T) {
	slow := newFakeSession()
	slow.slow = 20 * time.Millisecond
	backups := map[string]*fakeSession{"b1": newFakeSession(), "b2": slow}
	m := newTestManager(t, 1, backups)

	m.OpenSegment(1)
	if err := m.WriteSegment(1, 0, []byte("data"), false); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := m.Sync(); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("Sync returned before the slow replica acknowledged")
	}
	slow.mu.Lock()
	defer slow.mu.Unlock()
	if string(slow.written[1]) != "data" {
		t.Error("slow replica missed the write")
	}
}

func TestTransientFailureRetried(t *testing.T) {
	flaky := newFakeSession()
	flaky.failures = 2
	m := newTestManager(t, 5, map[string]*fakeSession{"b1": flaky})

	m.OpenSegment(1)
	if err := m.WriteSegment(1, 0, []byte("x"), false); err != nil {
		t.Fatal(err)
	}
	if err := m.Sync(); err != nil {
		t.Fatalf("sync after transient failures: %v", err)
	}
	flaky.mu.Lock()
	defer flaky.mu.Unlock()
	if string(flaky.written[1]) != "x" {
		t.Error("write lost across retries")
	}
}

func TestDeadReplicaFailsSync(t *testing.T) {
	dead := newFakeSession()
	dead.failures = 1 << 30
	m := newTestManager(t, 2, map[string]*fakeSession{"b1": dead})

	m.OpenSegment(1)
	if err := m.WriteSegment(1, 0, []byte("x"), false); err != nil {
		t.Fatal(err)
	}
	if err := m.Sync(); err == nil {
		t.Fatal("Sync succeeded against a dead replica")
	}
}

func TestProbeReachesEveryReplica(t *testing.T) {
	backups := map[string]*fakeSession{"b1": newFakeSession(), "b2": newFakeSession()}
	m := newTestManager(t, 1, backups)

	if err := m.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
}

func TestProbeReportsUnreachableReplica(t *testing.T) {
	mgr := cluster.NewSessionManager()
	mgr.RegisterScheme("mock", func(locator common.Locator) (cluster.BackupSession, error) {
		if locator.Option("name", "") == "down" {
			return nil, errors.New("connection refused")
		}
		return newFakeSession(), nil
	})
	m := NewManager(1, mgr, []string{"mock:name=up", "mock:name=down"}, 1, time.Second)
	t.Cleanup(m.Close)

	if err := m.Probe(context.Background()); err == nil {
		t.Fatal("probe succeeded with an unreachable replica")
	}
}
