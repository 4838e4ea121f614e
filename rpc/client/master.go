package client

import (
	"github.com/larchdb/larch/rpc/common"
	"github.com/larchdb/larch/rpc/transport"
)

// MasterClient issues RPCs against one master server. Errors that
// correspond to wire statuses are returned as common.Status values, so
// callers can test err == common.StatusObjectDoesntExist and the like.
type MasterClient struct {
	transport transport.IRPCClientTransport
}

// NewMasterClient wraps a connected client transport.
func NewMasterClient(t transport.IRPCClientTransport) *MasterClient {
	return &MasterClient{transport: t}
}

// Ping checks server liveness.
func (c *MasterClient) Ping() error {
	return call(c.transport, &common.PingRequest{}, &common.PingResponse{})
}

// OpenTable resolves a table name to its id.
func (c *MasterClient) OpenTable(name string) (uint32, error) {
	var resp common.OpenTableResponse
	err := call(c.transport, &common.OpenTableRequest{Name: name}, &resp)
	return resp.TableID, err
}

// CreateTable registers a new table.
func (c *MasterClient) CreateTable(name string) error {
	return call(c.transport, &common.CreateTableRequest{Name: name}, &common.CreateTableResponse{})
}

// DropTable removes a table.
func (c *MasterClient) DropTable(name string) error {
	return call(c.transport, &common.DropTableRequest{Name: name}, &common.DropTableResponse{})
}

// Create stores a new object under a freshly allocated id and returns the
// id and the assigned version.
func (c *MasterClient) Create(tableID uint32, data []byte) (uint64, uint64, error) {
	var resp common.CreateResponse
	err := call(c.transport, &common.CreateRequest{TableID: tableID, Data: data}, &resp)
	return resp.ObjectID, resp.Version, err
}

// Read fetches one object. On a rules rejection the returned version is
// the version found and the error is the rejection status.
func (c *MasterClient) Read(tableID uint32, objectID uint64, rules common.RejectRules) ([]byte, uint64, error) {
	var resp common.ReadResponse
	err := call(c.transport, &common.ReadRequest{
		TableID:  tableID,
		ObjectID: objectID,
		Rules:    rules,
	}, &resp)
	return resp.Data, resp.Version, err
}

// Write stores a new version of one object.
func (c *MasterClient) Write(tableID uint32, objectID uint64, data []byte, rules common.RejectRules) (uint64, error) {
	var resp common.WriteResponse
	err := call(c.transport, &common.WriteRequest{
		TableID:  tableID,
		ObjectID: objectID,
		Rules:    rules,
		Data:     data,
	}, &resp)
	return resp.Version, err
}

// Remove deletes one object and returns the version it had.
func (c *MasterClient) Remove(tableID uint32, objectID uint64, rules common.RejectRules) (uint64, error) {
	var resp common.RemoveResponse
	err := call(c.transport, &common.RemoveRequest{
		TableID:  tableID,
		ObjectID: objectID,
		Rules:    rules,
	}, &resp)
	return resp.Version, err
}

// MultiRead looks up a batch of objects; per-request statuses live in the
// results.
func (c *MasterClient) MultiRead(requests []common.ReadObject) ([]common.ReadResult, error) {
	var resp common.MultiReadResponse
	err := call(c.transport, &common.MultiReadRequest{Requests: requests}, &resp)
	return resp.Results, err
}

// SetTablets replaces the master's tablet map (coordinator use).
func (c *MasterClient) SetTablets(tablets []common.Tablet) error {
	return call(c.transport, &common.SetTabletsRequest{Tablets: tablets}, &common.SetTabletsResponse{})
}

// Recover asks the master to take over the given tablets of a crashed
// master by replaying segments from the listed backups.
func (c *MasterClient) Recover(crashedMasterID, partitionID uint64, tablets []common.Tablet, backups []common.RecoveryEntry) error {
	return call(c.transport, &common.RecoverRequest{
		CrashedMasterID: crashedMasterID,
		PartitionID:     partitionID,
		Tablets:         tablets,
		Backups:         backups,
	}, &common.RecoverResponse{})
}
