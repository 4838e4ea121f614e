package tcp

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/larchdb/larch/rpc/common"
)

// tuneConn applies the configured socket and TCP knobs to one connection.
// Both sides of the transport funnel through here so server and client
// connections get identical treatment. Non-TCP connections pass
// untouched.
func tuneConn(conn net.Conn, sock common.SocketConf, tcpOpts common.TCPConf) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	steps := []struct {
		name  string
		apply func(*net.TCPConn) error
	}{
		{"read buffer", func(c *net.TCPConn) error {
			if sock.ReadBufferSize <= 0 {
				return nil
			}
			return c.SetReadBuffer(sock.ReadBufferSize)
		}},
		{"write buffer", func(c *net.TCPConn) error {
			if sock.WriteBufferSize <= 0 {
				return nil
			}
			return c.SetWriteBuffer(sock.WriteBufferSize)
		}},
		{"nodelay", func(c *net.TCPConn) error {
			return c.SetNoDelay(tcpOpts.TCPNoDelay)
		}},
		{"linger", func(c *net.TCPConn) error {
			if tcpOpts.TCPLingerSec < 0 {
				return nil
			}
			return c.SetLinger(tcpOpts.TCPLingerSec)
		}},
		{"keepalive", func(c *net.TCPConn) error {
			if tcpOpts.TCPKeepAliveSec <= 0 {
				return nil
			}
			if err := c.SetKeepAlive(true); err != nil {
				return err
			}
			return c.SetKeepAlivePeriod(time.Duration(tcpOpts.TCPKeepAliveSec) * time.Second)
		}},
	}
	for _, step := range steps {
		if err := step.apply(tcpConn); err != nil {
			return errors.Wrapf(err, "tuning %s", step.name)
		}
	}
	return nil
}
