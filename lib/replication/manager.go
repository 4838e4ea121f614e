// Package replication streams fresh log bytes to a master's replica set.
// Each replica gets its own pipeline goroutine so a slow backup does not
// stall the others; Sync blocks the calling worker until every replica has
// acknowledged everything pushed so far.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/larchdb/larch/lib/cluster"
)

var Logger = logger.GetLogger("replication")

type opKind uint8

const (
	opOpen opKind = iota
	opWrite
)

type replicaOp struct {
	kind      opKind
	segmentID uint64
	offset    int
	data      []byte
	closed    bool
}

// replica is one backup in the replica set with its in-order pipeline.
type replica struct {
	locator string
	ops     chan replicaOp
}

// Manager implements log.BackupSink against a set of backup locators.
//
// Thread-safety: the log serializes OpenSegment/WriteSegment; Sync may be
// called from any worker blocked on replication.
type Manager struct {
	masterID   uint64
	sessions   *cluster.SessionManager
	replicas   []*replica
	retryCount int
	timeout    time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	pending int
	failed  error

	wg sync.WaitGroup
}

// NewManager starts one pipeline per locator. An empty locator list yields
// a manager whose Sync never waits; callers normally use log.DiscardSink
// instead in that case.
func NewManager(masterID uint64, sessions *cluster.SessionManager, locators []string, retryCount int, timeout time.Duration) *Manager {
	if retryCount < 1 {
		retryCount = 1
	}
	m := &Manager{
		masterID:   masterID,
		sessions:   sessions,
		retryCount: retryCount,
		timeout:    timeout,
	}
	m.cond = sync.NewCond(&m.mu)
	for _, locator := range locators {
		r := &replica{
			locator: locator,
			ops:     make(chan replicaOp, 128),
		}
		m.replicas = append(m.replicas, r)
		m.wg.Add(1)
		go m.run(r)
	}
	return m
}

// OpenSegment announces a new segment to every replica.
func (m *Manager) OpenSegment(segmentID uint64) {
	m.push(replicaOp{kind: opOpen, segmentID: segmentID})
}

// WriteSegment pushes a dirty byte range to every replica. The data slice
// aliases the segment buffer; entries are never rewritten, so no copy is
// taken.
func (m *Manager) WriteSegment(segmentID uint64, offset int, data []byte, closed bool) error {
	m.mu.Lock()
	err := m.failed
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.push(replicaOp{
		kind:      opWrite,
		segmentID: segmentID,
		offset:    offset,
		data:      data,
		closed:    closed,
	})
	return nil
}

func (m *Manager) push(op replicaOp) {
	if len(m.replicas) == 0 {
		return
	}
	m.mu.Lock()
	m.pending += len(m.replicas)
	m.mu.Unlock()
	for _, r := range m.replicas {
		r.ops <- op
	}
}

// Sync blocks until every replica has acknowledged all pushed bytes, or
// until a replica has permanently failed.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.pending > 0 && m.failed == nil {
		m.cond.Wait()
	}
	return m.failed
}

// Close drains and stops the pipelines.
func (m *Manager) Close() {
	for _, r := range m.replicas {
		close(r.ops)
	}
	m.wg.Wait()
}

func (m *Manager) run(r *replica) {
	defer m.wg.Done()
	for op := range r.ops {
		err := m.apply(r, op)
		m.mu.Lock()
		m.pending--
		if err != nil && m.failed == nil {
			m.failed = err
		}
		m.cond.Broadcast()
		m.mu.Unlock()
	}
}

// apply performs one op against a replica, retrying with backoff.
// Transport failures are retried until the retry budget is spent; the
// backup is then considered dead and the manager fails permanently (the
// coordinator owns replacing dead backups).
func (m *Manager) apply(r *replica, op replicaOp) error {
	backoff := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < m.retryCount; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
			m.sessions.Evict(r.locator)
		}
		session, err := m.sessions.GetSession(r.locator)
		if err != nil {
			lastErr = err
			continue
		}
		ctx := context.Background()
		var cancel context.CancelFunc
		if m.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, m.timeout)
		}
		switch op.kind {
		case opOpen:
			err = session.OpenSegment(ctx, m.masterID, op.segmentID)
		case opWrite:
			err = session.WriteSegment(ctx, m.masterID, op.segmentID, uint32(op.offset), op.data, op.closed)
		}
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err
		Logger.Warningf("replica %s failed op on segment %d (attempt %d/%d): %v",
			r.locator, op.segmentID, attempt+1, m.retryCount, err)
	}
	return errors.Wrapf(lastErr, "replica %s declared dead", r.locator)
}

// Probe dials every replica in parallel and fails if any backup in the
// set is unreachable. The serve command runs this at startup so a
// misconfigured or dead backup surfaces before the master takes traffic
// rather than on the first write.
func (m *Manager) Probe(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, r := range m.replicas {
		r := r
		g.Go(func() error {
			_, err := m.sessions.GetSession(r.locator)
			return errors.Wrapf(err, "probing replica %s", r.locator)
		})
	}
	return g.Wait()
}
