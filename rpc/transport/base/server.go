// Package base implements the transport mechanics shared by the tcp and
// unix transports: frame reading/writing, connection handling on the
// server, and request multiplexing with reconnect on the client. The
// scheme-specific packages contribute only connectors.
package base

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"

	"github.com/larchdb/larch/rpc/common"
	"github.com/larchdb/larch/rpc/transport"
)

var Logger = logger.GetLogger("transport/rpc")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector provides the scheme-specific server operations.
type IServerConnector interface {
	// Listen creates a listener for the parsed locator.
	Listen(locator common.Locator, config common.ServerConfig) (net.Listener, error)

	// GetName returns the locator scheme this connector serves.
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted
	// connection.
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error
}

// -----------------------------------------------------------
// Server Transport
// -----------------------------------------------------------

type serverTransport struct {
	connector IServerConnector
	handler   transport.ServerHandleFunc
	config    common.ServerConfig
	listener  net.Listener
	closed    atomic.Bool
}

// NewBaseServerTransport wraps a connector into a full server transport.
func NewBaseServerTransport(connector IServerConnector) transport.IRPCServerTransport {
	return &serverTransport{connector: connector}
}

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) Listen(config common.ServerConfig) error {
	t.config = config

	locator, err := common.ParseLocator(config.Transport.Locator)
	if err != nil {
		return err
	}
	if locator.Scheme != t.connector.GetName() {
		return errors.Errorf("locator %s does not match %s transport",
			locator, t.connector.GetName())
	}

	listener, err := t.connector.Listen(locator, config)
	if err != nil {
		return errors.Wrap(err, "failed to create listener")
	}
	t.listener = listener

	Logger.Infof("Starting %s server on %s", t.connector.GetName(), locator)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.closed.Load() {
				return nil
			}
			Logger.Errorf("Accept error: %v", err)
			continue
		}
		if err := t.connector.UpgradeConnection(conn, config); err != nil {
			Logger.Warningf("Failed to upgrade connection: %v", err)
		}
		go t.handleConnection(conn)
	}
}

func (t *serverTransport) Close() error {
	t.closed.Store(true)
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// handleConnection reads request frames until EOF. Replies are written by
// whichever goroutine completes them (the dispatch thread), serialized by
// a per-connection mutex.
func (t *serverTransport) handleConnection(conn net.Conn) {
	defer conn.Close()

	timeout := time.Duration(t.config.TimeoutSecond) * time.Second
	var connMu sync.Mutex

	for {
		if timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				Logger.Errorf("Failed to set read deadline: %v", err)
				return
			}
		}

		requestID, data, err := readFrame(conn)
		if err == io.EOF {
			Logger.Infof("Connection closed by client")
			return
		}
		if err != nil {
			Logger.Errorf("Error reading request: %v", err)
			return
		}

		respond := func(resp []byte) {
			connMu.Lock()
			defer connMu.Unlock()
			if timeout > 0 {
				if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
					Logger.Errorf("Failed to set write deadline: %v", err)
					return
				}
			}
			if err := writeFrame(conn, requestID, resp); err != nil {
				Logger.Errorf("Failed to write response: %v", err)
			}
		}

		t.handler(data, respond)
	}
}
