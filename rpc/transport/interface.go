// Package transport defines the framed byte transports RPCs travel over.
// A frame is opaque to the transport; the server side hands request
// payloads to the dispatcher, the client side multiplexes in-flight
// requests over shared connections by request id.
package transport

import (
	"github.com/larchdb/larch/rpc/common"
)

// ServerHandleFunc is called by a server transport for every received
// request. respond may be invoked later from another goroutine (the
// dispatch thread); the transport routes the reply back onto the right
// connection.
type ServerHandleFunc func(req []byte, respond func(resp []byte))

// IRPCServerTransport is the interface of the server-side transport layer.
type IRPCServerTransport interface {
	// RegisterHandler installs the request handler. Must be called before
	// Listen.
	RegisterHandler(handler ServerHandleFunc)
	// Listen blocks, accepting connections on the configured locator.
	Listen(config common.ServerConfig) error
	// Close stops the listener.
	Close() error
}

// IRPCClientTransport is the interface of the client-side transport layer.
type IRPCClientTransport interface {
	// Connect establishes the configured connections.
	Connect(config common.ClientConfig) error
	// Send issues one request and blocks for its response.
	Send(req []byte) (resp []byte, err error)
	// Close tears down all connections.
	Close() error
}
