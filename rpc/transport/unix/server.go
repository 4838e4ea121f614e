// Package unix provides the Unix domain socket transport. Locator form:
// "unix:path=<socket path>".
package unix

import (
	"net"
	"os"

	"github.com/larchdb/larch/rpc/common"
	"github.com/larchdb/larch/rpc/transport"
	"github.com/larchdb/larch/rpc/transport/base"
)

// serverConnector implements base.IServerConnector for Unix sockets.
type serverConnector struct{}

func (c *serverConnector) GetName() string {
	return "unix"
}

func (c *serverConnector) Listen(locator common.Locator, _ common.ServerConfig) (net.Listener, error) {
	path := locator.Option("path", "/tmp/larch.sock")
	// A previous instance may have left the socket file behind.
	_ = os.Remove(path)
	return net.Listen("unix", path)
}

func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.ServerConfig) error {
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

// NewUnixServerTransport creates a new Unix socket server transport.
func NewUnixServerTransport() transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{})
}
