package client

import (
	"context"

	"github.com/larchdb/larch/lib/cluster"
	"github.com/larchdb/larch/rpc/common"
	"github.com/larchdb/larch/rpc/transport"
)

// BackupClient implements cluster.BackupSession over a client transport.
// The transport carries the timeout; contexts are honored only between
// RPCs (an in-flight RPC runs to its transport timeout).
type BackupClient struct {
	transport transport.IRPCClientTransport
}

// NewBackupClient wraps a connected client transport.
func NewBackupClient(t transport.IRPCClientTransport) *BackupClient {
	return &BackupClient{transport: t}
}

func (c *BackupClient) OpenSegment(ctx context.Context, masterID, segmentID uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return call(c.transport, &common.BackupOpenSegmentRequest{
		MasterID:  masterID,
		SegmentID: segmentID,
	}, &common.BackupOpenSegmentResponse{})
}

func (c *BackupClient) WriteSegment(ctx context.Context, masterID, segmentID uint64, offset uint32, data []byte, closed bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return call(c.transport, &common.BackupWriteSegmentRequest{
		MasterID:  masterID,
		SegmentID: segmentID,
		Offset:    offset,
		Closed:    closed,
		Data:      data,
	}, &common.BackupWriteSegmentResponse{})
}

func (c *BackupClient) GetRecoveryData(ctx context.Context, masterID, segmentID uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var resp common.BackupGetRecoveryDataResponse
	err := call(c.transport, &common.BackupGetRecoveryDataRequest{
		MasterID:  masterID,
		SegmentID: segmentID,
	}, &resp)
	return resp.Data, err
}

// NewBackupDialer builds a session-manager dialer that connects one client
// transport per locator. newTransport must return a fresh transport whose
// scheme matches the locators it will be handed.
func NewBackupDialer(newTransport func() transport.IRPCClientTransport, config common.ClientConfig) cluster.Dialer {
	return func(locator common.Locator) (cluster.BackupSession, error) {
		t := newTransport()
		cfg := config
		cfg.Transport.Locators = []string{locator.Raw}
		if err := t.Connect(cfg); err != nil {
			return nil, err
		}
		return NewBackupClient(t), nil
	}
}
