package master

import (
	"context"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"

	"github.com/larchdb/larch/lib/log"
	"github.com/larchdb/larch/lib/table"
	"github.com/larchdb/larch/rpc/common"
)

var (
	recoveredSegmentsTotal = metrics.NewCounter("larch_recovery_segments_total")
	recoveryFailuresTotal  = metrics.NewCounter("larch_recovery_failures_total")
)

// errSegmentRecoveryFailed aborts a recovery when some segment has no
// surviving replica.
var errSegmentRecoveryFailed = errors.New("segment recovery failed")

// Per-entry recovery state. Entries start in recNotStarted; at most one
// entry per segment id is recActive at any time.
type recStatus uint8

const (
	recNotStarted recStatus = iota
	recActive
	recOK
	recFailed
)

// fetchResult is what a recovery channel delivers when its RPC completes.
type fetchResult struct {
	idx     int
	channel int
	data    []byte
	err     error
}

// Recover rebuilds the given tablets of a crashed master by fetching every
// distinct segment from some listed backup and replaying it. The tablets
// are served (state NORMAL) only after every segment has been replayed and
// the rebuilt log has been re-replicated.
func (s *Service) Recover(crashedMasterID, partitionID uint64, tablets []common.Tablet, backups []common.RecoveryEntry) common.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	Logger.Infof("recover: Starting recovery of %d tablets on masterId %d", len(tablets), s.cfg.MasterID)

	installed := make([]*tabletRef, 0, len(tablets))
	for _, t := range tablets {
		t.State = common.TabletRecovering
		installed = append(installed, &tabletRef{wire: t, tablet: s.tablets.Add(t)})
	}

	if err := s.fetchAndReplay(crashedMasterID, partitionID, backups); err != nil {
		recoveryFailuresTotal.Inc()
		Logger.Errorf("recover: recovery of master %d failed: %v", crashedMasterID, err)
		return common.StatusSegmentRecoveryFailed
	}

	s.removeTombstones()

	if err := s.log.Sync(); err != nil {
		Logger.Errorf("recover: final sync failed: %v", err)
		return common.StatusInternalError
	}

	recovered := make([]common.Tablet, 0, len(installed))
	for _, ref := range installed {
		ref.tablet.State = common.TabletNormal
		ref.wire.State = common.TabletNormal
		recovered = append(recovered, ref.wire)
		Logger.Infof("recover: set tablet %d %d %d to masterId %d",
			ref.wire.TableID, ref.wire.StartID, ref.wire.EndID, s.cfg.MasterID)
	}
	if err := s.coord.TabletsRecovered(context.Background(), s.cfg.MasterID, recovered); err != nil {
		Logger.Errorf("recover: tabletsRecovered failed: %v", err)
		return common.StatusInternalError
	}
	return common.StatusOK
}

type tabletRef struct {
	wire   common.Tablet
	tablet *table.Tablet
}

// fetchAndReplay runs the channelled fetch algorithm over the backup list.
// Channels fill strictly in list order in the initial round; afterwards a
// completed channel is reused for the first list entry whose segment is
// neither satisfied nor in flight. Bad locators count as immediate
// failures and advance to the next candidate in the same step.
func (s *Service) fetchAndReplay(crashedMasterID, partitionID uint64, backups []common.RecoveryEntry) error {
	channels := s.cfg.RecoveryChannels
	if channels < 1 {
		channels = 1
	}
	Logger.Infof("recover: Recovering master %d, partition %d, %d list entries",
		crashedMasterID, partitionID, len(backups))

	states := make([]recStatus, len(backups))
	inFlight := make(map[uint64]bool, len(backups)) // segment id -> RPC outstanding
	satisfied := make(map[uint64]bool, len(backups))
	done := make(chan fetchResult, channels)
	active := 0

	freeChannels := make([]int, 0, channels)
	for ch := channels - 1; ch >= 0; ch-- {
		freeChannels = append(freeChannels, ch)
	}

	// startEntry launches the RPC for one list entry on a free channel.
	// It returns false when the locator cannot be resolved, in which case
	// the entry is already marked failed.
	startEntry := func(idx int, initial bool) bool {
		entry := backups[idx]
		session, err := s.sessions.GetSession(entry.Locator)
		if err != nil {
			Logger.Warningf("recover: %v", err)
			states[idx] = recFailed
			return false
		}
		ch := freeChannels[len(freeChannels)-1]
		freeChannels = freeChannels[:len(freeChannels)-1]
		round := "after RPC completion"
		if initial {
			round = "initial round of RPCs"
		}
		Logger.Infof("recover: Starting getRecoveryData from %s for segment %d on channel %d (%s)",
			entry.Locator, entry.SegmentID, ch, round)
		states[idx] = recActive
		inFlight[entry.SegmentID] = true
		active++
		go func() {
			data, err := session.GetRecoveryData(context.Background(), crashedMasterID, entry.SegmentID)
			done <- fetchResult{idx: idx, channel: ch, data: data, err: err}
		}()
		return true
	}

	// startNext scans the list in order for the next candidate entry and
	// starts it. Failed locators are consumed without using the channel.
	startNext := func(initial bool) error {
		for idx := range backups {
			if states[idx] != recNotStarted {
				continue
			}
			seg := backups[idx].SegmentID
			if satisfied[seg] || inFlight[seg] {
				continue
			}
			if startEntry(idx, initial) {
				return nil
			}
			if err := detectSegmentRecoveryFailure(states, backups); err != nil {
				return err
			}
		}
		return nil
	}

	// Initial round: fill every channel in list order.
	for active < channels {
		before := active
		if err := startNext(true); err != nil {
			return err
		}
		if active == before {
			break // no candidates left
		}
	}
	if err := detectSegmentRecoveryFailure(states, backups); err != nil {
		return err
	}

	for active > 0 {
		result := <-done
		active--
		entry := backups[result.idx]
		delete(inFlight, entry.SegmentID)
		freeChannels = append(freeChannels, result.channel)

		if result.err != nil {
			Logger.Warningf("recover: getRecoveryData for segment %d from %s failed: %v",
				entry.SegmentID, entry.Locator, result.err)
			states[result.idx] = recFailed
			if err := detectSegmentRecoveryFailure(states, backups); err != nil {
				return err
			}
		} else {
			states[result.idx] = recOK
			satisfied[entry.SegmentID] = true
			for idx := range backups {
				if backups[idx].SegmentID == entry.SegmentID && states[idx] == recNotStarted {
					Logger.Infof("recover: Checking %s off the list for %d", backups[idx].Locator, entry.SegmentID)
					states[idx] = recOK
				}
			}
			if err := s.replaySegment(entry.SegmentID, result.data); err != nil {
				return err
			}
		}
		if err := startNext(false); err != nil {
			return err
		}
	}

	return detectSegmentRecoveryFailure(states, backups)
}

// detectSegmentRecoveryFailure checks liveness of the fetch algorithm: a
// segment is lost iff every list entry for it has failed. It is invoked
// after every state change.
func detectSegmentRecoveryFailure(states []recStatus, backups []common.RecoveryEntry) error {
	verdict := make(map[uint64]bool, len(backups)) // segment -> lost so far
	for idx, entry := range backups {
		lost, seen := verdict[entry.SegmentID]
		if !seen {
			lost = true
		}
		if states[idx] != recFailed {
			lost = false
		}
		verdict[entry.SegmentID] = lost
	}
	for seg, lost := range verdict {
		if lost {
			return errors.Wrapf(errSegmentRecoveryFailed, "segment %d has no surviving replica", seg)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Segment Replay
// --------------------------------------------------------------------------

// replaySegment applies the entries of one fetched segment through the
// version-ordered recovery rules.
func (s *Service) replaySegment(segmentID uint64, data []byte) error {
	Logger.Infof("recover: Recovering segment %d with size %d", segmentID, len(data))
	recoveredSegmentsTotal.Inc()
	s.stats.RecoveredSegments++
	s.stats.RecoveredBytes += uint64(len(data))
	err := log.ForEachEntry(data, func(t log.EntryType, payload []byte) error {
		return s.recoverSegmentEntry(t, payload)
	})
	return errors.Wrapf(err, "replaying segment %d", segmentID)
}

// recoverSegmentEntry applies one replayed entry. Replay order across
// segments is arbitrary, so every decision is by version comparison
// against what the index already holds.
func (s *Service) recoverSegmentEntry(t log.EntryType, payload []byte) error {
	switch t {
	case log.EntryObject:
		o, err := log.DecodeObject(payload)
		if err != nil {
			return err
		}
		return s.recoverObject(o)
	case log.EntryTombstone:
		tomb, err := log.DecodeTombstone(payload)
		if err != nil {
			return err
		}
		return s.recoverTombstone(tomb)
	default:
		// Segment headers and footers carry no object state.
		return nil
	}
}

// recoverObject installs a replayed object unless the index already holds
// a same-or-newer object or tombstone for the key. A displaced tombstone
// stays in the index until the removeTombstones sweep.
func (s *Service) recoverObject(o log.Object) error {
	if h, ok := s.currentEntry(o.TableID, o.ObjectID); ok {
		switch h.Type() {
		case log.EntryObject:
			cur, err := log.DecodeObject(h.UserData())
			if err != nil {
				return err
			}
			if cur.Version >= o.Version {
				return nil
			}
		case log.EntryTombstone:
			cur, err := log.DecodeTombstone(h.UserData())
			if err != nil {
				return err
			}
			if cur.Version >= o.Version {
				return nil
			}
		}
	}
	h, err := s.log.Append(log.EntryObject, log.EncodeObject(o), false)
	if err != nil {
		return err
	}
	s.index.Replace(uint64(h.Address()))
	s.observeRecoveredVersion(o.TableID, o.ObjectID, o.Version)
	return nil
}

// recoverTombstone installs a replayed tombstone unless the index holds a
// strictly newer object or a same-or-newer tombstone.
func (s *Service) recoverTombstone(tomb log.Tombstone) error {
	if h, ok := s.currentEntry(tomb.TableID, tomb.ObjectID); ok {
		switch h.Type() {
		case log.EntryObject:
			cur, err := log.DecodeObject(h.UserData())
			if err != nil {
				return err
			}
			if cur.Version > tomb.Version {
				return nil
			}
		case log.EntryTombstone:
			cur, err := log.DecodeTombstone(h.UserData())
			if err != nil {
				return err
			}
			if cur.Version >= tomb.Version {
				return nil
			}
		}
	}
	h, err := s.log.Append(log.EntryTombstone, log.EncodeTombstone(tomb), false)
	if err != nil {
		return err
	}
	s.index.Replace(uint64(h.Address()))
	s.observeRecoveredVersion(tomb.TableID, tomb.ObjectID, tomb.Version)
	return nil
}

// observeRecoveredVersion seeds the per-table version counter so versions
// assigned after recovery stay above everything replayed.
func (s *Service) observeRecoveredVersion(tableID uint32, objectID uint64, version uint64) {
	if tablet, ok := s.tablets.Find(tableID, objectID); ok {
		tablet.Table.ObserveVersion(version)
		tablet.Table.AdvanceIDCursor(objectID)
	}
}

// removeTombstones clears every index slot that points at a tombstone. The
// tombstones stay in the log for the cleaner.
func (s *Service) removeTombstones() {
	var stale []uint64
	s.index.ForEach(func(ptr uint64) {
		if h, ok := s.log.Resolve(log.Address(ptr)); ok && h.Type() == log.EntryTombstone {
			stale = append(stale, ptr)
		}
	})
	for _, ptr := range stale {
		s.index.RemoveAddress(ptr)
	}
}
