package server

import (
	"github.com/larchdb/larch/rpc/common"
)

// Adapter is the handler side of one registered service. HandleRPC runs on
// a worker thread and returns the fully encoded response (status header
// plus body). Adapters may block (e.g. on replication); they must not
// panic past the call.
type Adapter interface {
	HandleRPC(op common.Opcode, body []byte) []byte
}

// ServerRpc is one incoming request travelling from a transport through
// the dispatcher to a worker and back.
type ServerRpc struct {
	op      common.Opcode
	service common.Service
	body    []byte

	// reply is written by the worker and sent by the dispatch thread.
	reply []byte

	// respond hands the encoded reply back to the transport. It must not
	// block indefinitely.
	respond func([]byte)
}
