package base

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/larchdb/larch/rpc/common"
	"github.com/larchdb/larch/rpc/transport"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector provides the scheme-specific connection operations.
type IClientConnector interface {
	// Connect establishes a single connection to the parsed locator.
	Connect(locator common.Locator) (net.Conn, error)

	// GetName returns the locator scheme this connector serves.
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an
	// established connection.
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult carries one completed response to its waiting request.
type responseResult struct {
	data []byte
	err  error
}

// clientConnection is one net connection with its in-flight request map.
type clientConnection struct {
	conn         net.Conn
	locator      common.Locator
	stopCh       chan struct{}
	requestChans *xsync.MapOf[uint64, chan responseResult]
	connMu       sync.Mutex // protects the connection itself
	parent       *clientTransport
}

// clientTransport implements the client transport independent of the
// transport medium.
type clientTransport struct {
	connector     IClientConnector
	config        common.ClientConfig
	connections   []*clientConnection
	connectionsMu sync.RWMutex
	nextConnIndex uint64 // round robin counter
	nextRequestID uint64
	stopping      atomic.Bool
}

// NewBaseClientTransport wraps a connector into a full client transport.
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector:     connector,
		nextRequestID: 1,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Locators) == 0 {
		return errors.New("no locators provided")
	}
	t.config = config
	t.stopping.Store(false)
	t.closeConnections()

	connectionsPerLocator := max(1, config.Transport.ConnectionsPerLocator)
	for _, raw := range config.Transport.Locators {
		locator, err := common.ParseLocator(raw)
		if err != nil {
			return err
		}
		if locator.Scheme != t.connector.GetName() {
			return errors.Errorf("locator %s does not match %s transport", raw, t.connector.GetName())
		}
		for i := 0; i < connectionsPerLocator; i++ {
			clientConn := &clientConnection{
				locator:      locator,
				stopCh:       make(chan struct{}),
				requestChans: xsync.NewMapOf[uint64, chan responseResult](),
				parent:       t,
			}
			if err := clientConn.reconnect(); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v",
					raw, i+1, connectionsPerLocator, err)
				continue
			}
			t.connectionsMu.Lock()
			t.connections = append(t.connections, clientConn)
			t.connectionsMu.Unlock()
			go clientConn.readResponses()
		}
	}

	t.connectionsMu.RLock()
	count := len(t.connections)
	t.connectionsMu.RUnlock()
	if count == 0 {
		return errors.New("failed to connect to any locator")
	}
	Logger.Infof("Connected %d connections to %d locators using %s transport",
		count, len(config.Transport.Locators), t.connector.GetName())
	return nil
}

func (t *clientTransport) Send(req []byte) ([]byte, error) {
	requestID := atomic.AddUint64(&t.nextRequestID, 1)

	send := func(connection *clientConnection) ([]byte, error) {
		if connection.conn == nil {
			return nil, errors.New("connection is closed")
		}
		respCh := make(chan responseResult, 1)
		connection.requestChans.Store(requestID, respCh)
		defer connection.requestChans.Delete(requestID)

		timeout := time.Duration(t.config.TimeoutSecond) * time.Second

		connection.connMu.Lock()
		if timeout > 0 {
			connection.conn.SetWriteDeadline(time.Now().Add(timeout))
		}
		err := writeFrame(connection.conn, requestID, req)
		connection.connMu.Unlock()
		if err != nil {
			return nil, err
		}

		var timeoutCh <-chan time.Time
		if timeout > 0 {
			timeoutCh = time.After(timeout)
		} else {
			timeoutCh = make(chan time.Time) // never fires
		}
		select {
		case result := <-respCh:
			return result.data, result.err
		case <-timeoutCh:
			return nil, errors.New("request timed out")
		}
	}

	maxRetries := max(1, t.config.Transport.RetryCount)
	backoffMs := 50
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		conn := t.getNextConnection()
		if conn == nil {
			return nil, errors.New("no active connections available")
		}
		data, err := send(conn)
		if err == nil {
			return data, nil
		}
		lastErr = err
		Logger.Debugf("Request attempt %d/%d failed: %v", i+1, maxRetries, err)
		if i+1 < maxRetries {
			// Exponential backoff with a small random jitter.
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			time.Sleep(time.Duration(jitter) * time.Millisecond)
			backoffMs *= 2
		}
	}
	return nil, errors.Wrapf(lastErr, "failed to send request after %d attempts", maxRetries)
}

func (t *clientTransport) Close() error {
	t.stopping.Store(true)
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// getNextConnection selects the next connection via round robin.
func (t *clientTransport) getNextConnection() *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()
	if len(t.connections) == 0 {
		return nil
	}
	if len(t.connections) == 1 {
		return t.connections[0]
	}
	index := atomic.AddUint64(&t.nextConnIndex, 1) % uint64(len(t.connections))
	return t.connections[index]
}

func (t *clientTransport) closeConnections() {
	t.connectionsMu.Lock()
	defer t.connectionsMu.Unlock()
	for _, conn := range t.connections {
		close(conn.stopCh)
		if conn.conn != nil {
			conn.conn.Close()
		}
	}
	t.connections = nil
}

// readResponses delivers response frames to their waiting requests.
func (c *clientConnection) readResponses() {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		requestID, data, err := readFrame(c.conn)

		respCh, found := c.requestChans.Load(requestID)
		switch {
		case found && err != nil:
			respCh <- responseResult{nil, errors.Wrap(err, "error reading response")}
		case found:
			respCh <- responseResult{data, nil}
		case err != nil:
			if c.parent.stopping.Load() {
				return
			}
			Logger.Errorf("Error reading response from %s: %v", c.locator, err)
			if err := c.reconnect(); err != nil {
				Logger.Errorf("Failed to reconnect to %s: %v", c.locator, err)
				return
			}
		default:
			Logger.Warningf("Received response for unknown request ID %d", requestID)
		}
	}
}

// reconnect establishes or restores the connection to the locator.
func (c *clientConnection) reconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	conn, err := c.parent.connector.Connect(c.locator)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", c.locator)
	}
	if err := c.parent.connector.UpgradeConnection(conn, c.parent.config); err != nil {
		conn.Close()
		return errors.Wrapf(err, "failed to upgrade connection to %s", c.locator)
	}
	c.conn = conn
	return nil
}
