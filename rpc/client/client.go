// Package client provides the client stubs: MasterClient for application
// traffic and control operations, BackupClient for the master-to-backup
// RPCs used by replication and recovery.
package client

import (
	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"

	"github.com/larchdb/larch/rpc/common"
	"github.com/larchdb/larch/rpc/transport"
)

var Logger = logger.GetLogger("rpc")

// call issues one request and decodes the reply. The response body is
// decoded even for non-OK statuses: rejected reads and writes still carry
// the version they lost against. The returned error is the non-OK status
// itself, or the transport failure.
func call(t transport.IRPCClientTransport, req common.Request, resp common.Message) error {
	out, err := t.Send(common.EncodeRequest(req))
	if err != nil {
		return errors.Wrapf(err, "%s RPC failed", req.Opcode())
	}
	status, body, err := common.DecodeResponseHeader(out)
	if err != nil {
		return errors.Wrapf(err, "%s RPC returned garbage", req.Opcode())
	}
	if resp != nil && len(body) > 0 {
		if err := resp.Decode(body); err != nil {
			return errors.Wrapf(err, "%s RPC response undecodable", req.Opcode())
		}
	}
	if status != common.StatusOK {
		return status
	}
	return nil
}
