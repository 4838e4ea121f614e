package cluster

import (
	"context"
	"sync"

	"github.com/larchdb/larch/rpc/common"
)

// TabletOwner is the slice of the master the local coordinator drives:
// tablet assignment for created and dropped tables.
type TabletOwner interface {
	AddTablet(t common.Tablet)
	DropTablets(tableID uint32)
}

// LocalCoordinator is an in-process coordinator for single-node
// deployments and tests. Every created table gets one tablet covering the
// full id space, assigned to the owning master.
type LocalCoordinator struct {
	mu        sync.Mutex
	names     map[string]uint32
	nextID    uint32
	maxTables uint32
	owner     TabletOwner
}

// NewLocalCoordinator returns a coordinator with room for maxTables
// tables.
func NewLocalCoordinator(owner TabletOwner, maxTables uint32) *LocalCoordinator {
	return &LocalCoordinator{
		names:     make(map[string]uint32),
		maxTables: maxTables,
		owner:     owner,
	}
}

func (c *LocalCoordinator) CreateTable(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.names[name]; ok {
		return nil
	}
	if c.nextID >= c.maxTables {
		return common.StatusNoTableSpace
	}
	id := c.nextID
	c.nextID++
	c.names[name] = id
	c.owner.AddTablet(common.Tablet{
		TableID: id,
		StartID: 0,
		EndID:   ^uint64(0),
		State:   common.TabletNormal,
	})
	Logger.Infof("created table %q with id %d", name, id)
	return nil
}

func (c *LocalCoordinator) OpenTable(_ context.Context, name string) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.names[name]
	if !ok {
		return 0, common.StatusTableDoesntExist
	}
	return id, nil
}

func (c *LocalCoordinator) DropTable(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.names[name]
	if !ok {
		return nil
	}
	delete(c.names, name)
	c.owner.DropTablets(id)
	Logger.Infof("dropped table %q (id %d)", name, id)
	return nil
}

func (c *LocalCoordinator) TabletsRecovered(_ context.Context, masterID uint64, tablets []common.Tablet) error {
	Logger.Infof("tabletsRecovered: called by masterId %d with %d tablets", masterID, len(tablets))
	return nil
}
