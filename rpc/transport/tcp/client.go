package tcp

import (
	"net"

	"github.com/larchdb/larch/rpc/common"
	"github.com/larchdb/larch/rpc/transport"
	"github.com/larchdb/larch/rpc/transport/base"
)

// clientConnector implements base.IClientConnector for TCP sockets.
type clientConnector struct{}

func (c *clientConnector) GetName() string {
	return "tcp"
}

func (c *clientConnector) Connect(locator common.Locator) (net.Conn, error) {
	addr := net.JoinHostPort(locator.Option("host", "localhost"), locator.Option("port", "8090"))
	return net.Dial("tcp", addr)
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.ClientConfig) error {
	return tuneConn(conn, config.Transport.SocketConf, config.Transport.TCPConf)
}

// NewTCPClientTransport creates a new TCP client transport.
func NewTCPClientTransport() transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&clientConnector{})
}
