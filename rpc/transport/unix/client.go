package unix

import (
	"net"

	"github.com/larchdb/larch/rpc/common"
	"github.com/larchdb/larch/rpc/transport"
	"github.com/larchdb/larch/rpc/transport/base"
)

// clientConnector implements base.IClientConnector for Unix sockets.
type clientConnector struct{}

func (c *clientConnector) GetName() string {
	return "unix"
}

func (c *clientConnector) Connect(locator common.Locator) (net.Conn, error) {
	return net.Dial("unix", locator.Option("path", "/tmp/larch.sock"))
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.ClientConfig) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	if config.Transport.WriteBufferSize > 0 {
		if err := unixConn.SetWriteBuffer(config.Transport.WriteBufferSize); err != nil {
			return err
		}
	}
	if config.Transport.ReadBufferSize > 0 {
		if err := unixConn.SetReadBuffer(config.Transport.ReadBufferSize); err != nil {
			return err
		}
	}
	return nil
}

// NewUnixClientTransport creates a new Unix socket client transport.
func NewUnixClientTransport() transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&clientConnector{})
}
