// Package tcp provides the TCP transport. Locator form:
// "tcp:host=<address>,port=<port>".
package tcp

import (
	"net"

	"github.com/larchdb/larch/rpc/common"
	"github.com/larchdb/larch/rpc/transport"
	"github.com/larchdb/larch/rpc/transport/base"
)

// serverConnector implements base.IServerConnector for TCP sockets.
type serverConnector struct{}

func (c *serverConnector) GetName() string {
	return "tcp"
}

func (c *serverConnector) Listen(locator common.Locator, _ common.ServerConfig) (net.Listener, error) {
	addr := net.JoinHostPort(locator.Option("host", "0.0.0.0"), locator.Option("port", "8090"))
	return net.Listen("tcp", addr)
}

func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.ServerConfig) error {
	return tuneConn(conn, config.Transport.SocketConf, config.Transport.TCPConf)
}

// NewTCPServerTransport creates a new TCP server transport.
func NewTCPServerTransport() transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{})
}
