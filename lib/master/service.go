// Package master implements the storage master: the object operations over
// the log and index, the reject-rules protocol, and the recovery engine
// that rebuilds a crashed master's tablets from backup segment replicas.
package master

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/larchdb/larch/lib/cluster"
	"github.com/larchdb/larch/lib/index"
	"github.com/larchdb/larch/lib/log"
	"github.com/larchdb/larch/lib/perfstats"
	"github.com/larchdb/larch/lib/table"
	"github.com/larchdb/larch/rpc/common"
)

var Logger = logger.GetLogger("master")

var (
	readsTotal   = metrics.NewCounter("larch_read_total")
	writesTotal  = metrics.NewCounter("larch_write_total")
	removesTotal = metrics.NewCounter("larch_remove_total")
	createsTotal = metrics.NewCounter("larch_create_total")
)

// Config carries the master's storage parameters.
type Config struct {
	MasterID         uint64
	LogID            uint64
	SegmentSize      int
	HashTableBuckets int

	// RecoveryChannels bounds in-flight getRecoveryData RPCs.
	RecoveryChannels int
}

// generateSeed produces the per-instance hash seed for the index.
func generateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x9e3779b97f4a7c15
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Service is one master. The log is the source of truth for object bytes;
// the index maps keys to log addresses; the tablet map scopes which keys
// this master serves.
//
// Thread-safety: in the production configuration the dispatcher admits one
// master RPC at a time, making the mutating path single-writer. The
// internal lock keeps the state consistent when a larger thread cap is
// configured.
type Service struct {
	cfg Config

	mu      sync.Mutex
	log     *log.Log
	index   *index.HashTable
	tablets *table.Map

	coord    cluster.Coordinator
	sessions *cluster.SessionManager
	stats    perfstats.Stats
}

// NewService builds a master over the given collaborators. sink receives
// the log's replication stream; pass nil to disable replication.
func NewService(cfg Config, coord cluster.Coordinator, sessions *cluster.SessionManager, sink log.BackupSink) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		tablets:  table.NewMap(),
		coord:    coord,
		sessions: sessions,
	}
	s.log = log.NewLog(cfg.LogID, cfg.SegmentSize, sink)
	idx, err := index.NewHashTable(cfg.HashTableBuckets, generateSeed(), func(ptr uint64) (uint32, uint64, bool) {
		return s.log.EntryKey(log.Address(ptr))
	})
	if err != nil {
		return nil, err
	}
	s.index = idx
	perfstats.Register(&s.stats)
	return s, nil
}

// SetCoordinator installs the coordinator after construction. The
// in-process coordinator needs the master first (it assigns tablets to
// it), so the reference is closed in a second step.
func (s *Service) SetCoordinator(c cluster.Coordinator) { s.coord = c }

// Tablets exposes the tablet map for tests and the serve command.
func (s *Service) Tablets() *table.Map { return s.tablets }

// ProbeStats exposes the index probe distribution.
func (s *Service) ProbeStats() index.ProbeSnapshot { return s.index.ProbeStats() }

// --------------------------------------------------------------------------
// Tablet assignment (cluster.TabletOwner)
// --------------------------------------------------------------------------

// AddTablet starts serving one tablet.
func (s *Service) AddTablet(t common.Tablet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tablets.Add(t)
}

// DropTablets stops serving every tablet of a table. Objects of the table
// stay in the log for the cleaner; their index entries are cleared.
func (s *Service) DropTablets(tableID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []uint64
	s.index.ForEach(func(ptr uint64) {
		if tbl, _, ok := s.resolveKey(ptr); ok && tbl == tableID {
			stale = append(stale, ptr)
		}
	})
	for _, ptr := range stale {
		s.index.RemoveAddress(ptr)
	}
	s.tablets.DropTable(tableID)
}

func (s *Service) resolveKey(ptr uint64) (uint32, uint64, bool) {
	return s.log.EntryKey(log.Address(ptr))
}

// --------------------------------------------------------------------------
// Lookup helpers
// --------------------------------------------------------------------------

// currentEntry returns the index entry for a key, if any.
func (s *Service) currentEntry(tableID uint32, objectID uint64) (log.Handle, bool) {
	ptr, ok := s.index.Lookup(tableID, objectID)
	if !ok {
		return log.Handle{}, false
	}
	return s.log.Resolve(log.Address(ptr))
}

// currentObject returns the live object for a key. A tombstone in the
// index (possible only mid-recovery) reads as absent.
func (s *Service) currentObject(tableID uint32, objectID uint64) (log.Object, log.Handle, bool) {
	h, ok := s.currentEntry(tableID, objectID)
	if !ok || h.Type() != log.EntryObject {
		return log.Object{}, log.Handle{}, false
	}
	o, err := log.DecodeObject(h.UserData())
	if err != nil {
		Logger.Errorf("corrupt object entry for (%d,%d): %v", tableID, objectID, err)
		return log.Object{}, log.Handle{}, false
	}
	return o, h, true
}

// --------------------------------------------------------------------------
// Object Operations
// --------------------------------------------------------------------------

// Read returns the bytes and version of one object. On a rules rejection
// the version found is returned alongside the rejection status.
func (s *Service) Read(tableID uint32, objectID uint64, rules common.RejectRules) ([]byte, uint64, common.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	readsTotal.Inc()
	s.stats.ReadCount++

	if _, ok := s.tablets.Find(tableID, objectID); !ok {
		return nil, 0, common.StatusTableDoesntExist
	}
	o, _, ok := s.currentObject(tableID, objectID)
	if !ok {
		return nil, common.VersionNonexistent, common.StatusObjectDoesntExist
	}
	if st := rejectOperation(rules, o.Version); st != common.StatusOK {
		return nil, o.Version, st
	}
	data := make([]byte, len(o.Data))
	copy(data, o.Data)
	return data, o.Version, common.StatusOK
}

// Write stores a new version of one object. The reply is not produced
// until the log append has been replicated to the full replica set.
func (s *Service) Write(tableID uint32, objectID uint64, data []byte, rules common.RejectRules) (uint64, common.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writesTotal.Inc()
	s.stats.WriteCount++

	tablet, ok := s.tablets.Find(tableID, objectID)
	if !ok {
		return 0, common.StatusTableDoesntExist
	}
	prior := common.VersionNonexistent
	if o, _, ok := s.currentObject(tableID, objectID); ok {
		prior = o.Version
	}
	if st := rejectOperation(rules, prior); st != common.StatusOK {
		return prior, st
	}
	version := tablet.Table.NextVersion(prior)
	h, err := s.log.Append(log.EntryObject, log.EncodeObject(log.Object{
		TableID:  tableID,
		ObjectID: objectID,
		Version:  version,
		Data:     data,
	}), true)
	if err != nil {
		Logger.Errorf("write (%d,%d): log append failed: %v", tableID, objectID, err)
		return prior, common.StatusInternalError
	}
	s.index.Replace(uint64(h.Address()))
	return version, common.StatusOK
}

// Create stores a new object under a freshly allocated id. Ids are handed
// out sequentially per tablet, skipping any already in use.
func (s *Service) Create(tableID uint32, data []byte) (uint64, uint64, common.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	createsTotal.Inc()
	s.stats.WriteCount++

	tablets := s.tablets.TabletsOf(tableID)
	if len(tablets) == 0 {
		return 0, 0, common.StatusTableDoesntExist
	}
	for _, tablet := range tablets {
		id := tablet.Table.IDCursor()
		if id < tablet.StartID {
			id = tablet.StartID
		}
		for ; id <= tablet.EndID; id++ {
			if _, ok := s.index.Lookup(tableID, id); ok {
				continue
			}
			version := tablet.Table.NextVersion(common.VersionNonexistent)
			h, err := s.log.Append(log.EntryObject, log.EncodeObject(log.Object{
				TableID:  tableID,
				ObjectID: id,
				Version:  version,
				Data:     data,
			}), true)
			if err != nil {
				Logger.Errorf("create in table %d: log append failed: %v", tableID, err)
				return 0, 0, common.StatusInternalError
			}
			s.index.Replace(uint64(h.Address()))
			tablet.Table.AdvanceIDCursor(id)
			return id, version, common.StatusOK
		}
	}
	// Every id of every served tablet is in use.
	Logger.Errorf("create in table %d: id space exhausted", tableID)
	return 0, 0, common.StatusInternalError
}

// Remove deletes one object, appending a tombstone one version past the
// object. Removing a missing object succeeds with version 0 unless the
// rules forbid it.
func (s *Service) Remove(tableID uint32, objectID uint64, rules common.RejectRules) (uint64, common.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removesTotal.Inc()
	s.stats.RemoveCount++

	_, ok := s.tablets.Find(tableID, objectID)
	if !ok {
		return 0, common.StatusTableDoesntExist
	}
	o, h, ok := s.currentObject(tableID, objectID)
	if !ok {
		if st := rejectOperation(rules, common.VersionNonexistent); st != common.StatusOK {
			return common.VersionNonexistent, st
		}
		return common.VersionNonexistent, common.StatusOK
	}
	if st := rejectOperation(rules, o.Version); st != common.StatusOK {
		return o.Version, st
	}
	tomb := log.Tombstone{
		TableID:   tableID,
		ObjectID:  objectID,
		Version:   o.Version + 1,
		SegmentID: h.SegmentID(),
	}
	if _, err := s.log.Append(log.EntryTombstone, log.EncodeTombstone(tomb), true); err != nil {
		Logger.Errorf("remove (%d,%d): log append failed: %v", tableID, objectID, err)
		return o.Version, common.StatusInternalError
	}
	if tablet, ok := s.tablets.Find(tableID, objectID); ok {
		tablet.Table.ObserveVersion(tomb.Version)
	}
	s.index.Remove(tableID, objectID)
	return o.Version, common.StatusOK
}

// MultiRead looks up a batch of objects. Every request gets its own
// status; ordering across requests is unspecified.
func (s *Service) MultiRead(requests []common.ReadObject) []common.ReadResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]common.ReadResult, len(requests))
	for i, req := range requests {
		s.stats.ReadCount++
		readsTotal.Inc()
		if _, ok := s.tablets.Find(req.TableID, req.ObjectID); !ok {
			results[i] = common.ReadResult{Status: common.StatusTableDoesntExist}
			continue
		}
		o, _, ok := s.currentObject(req.TableID, req.ObjectID)
		if !ok {
			results[i] = common.ReadResult{Status: common.StatusObjectDoesntExist}
			continue
		}
		data := make([]byte, len(o.Data))
		copy(data, o.Data)
		results[i] = common.ReadResult{
			Status:  common.StatusOK,
			Version: o.Version,
			Data:    data,
		}
	}
	return results
}

// --------------------------------------------------------------------------
// Table Operations (delegated to the coordinator)
// --------------------------------------------------------------------------

func statusFromError(err error) common.Status {
	if err == nil {
		return common.StatusOK
	}
	if st, ok := err.(common.Status); ok {
		return st
	}
	return common.StatusInternalError
}

// OpenTable resolves a table name through the coordinator.
func (s *Service) OpenTable(ctx context.Context, name string) (uint32, common.Status) {
	id, err := s.coord.OpenTable(ctx, name)
	return id, statusFromError(err)
}

// CreateTable registers a table through the coordinator.
func (s *Service) CreateTable(ctx context.Context, name string) common.Status {
	return statusFromError(s.coord.CreateTable(ctx, name))
}

// DropTable removes a table through the coordinator.
func (s *Service) DropTable(ctx context.Context, name string) common.Status {
	return statusFromError(s.coord.DropTable(ctx, name))
}

// SetTablets replaces the whole tablet map, preserving per-table state for
// tables that remain.
func (s *Service) SetTablets(tablets []common.Tablet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tablets.Set(tablets)
	for _, t := range s.tablets.All() {
		Logger.Infof("setTablets: table %d, start %d, end %d", t.TableID, t.StartID, t.EndID)
	}
}
