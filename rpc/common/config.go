package common

import (
	"fmt"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Socket / TCP tuning knobs (shared between server and client transports)
// --------------------------------------------------------------------------

type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

type ServerTransportConf struct {
	// Locator is the service locator this server listens on, e.g.
	// "tcp:host=0.0.0.0,port=8090" or "unix:path=/tmp/larch.sock".
	Locator string
	SocketConf
	TCPConf
}

// ServerConfig holds all configuration parameters for a master server.
type ServerConfig struct {
	// MasterID is the cluster-unique id of this master.
	MasterID uint64

	// LogID identifies this master's append log on its backups.
	LogID uint64

	// SegmentSize is the size of one log segment in bytes (power of two).
	SegmentSize int

	// HashTableBuckets is the initial bucket count of the object index
	// (power of two).
	HashTableBuckets int

	// MasterThreads caps concurrently running master-service RPCs. The
	// production default is 1, which makes the log/index mutators
	// single-writer.
	MasterThreads int

	// PingThreads caps concurrently running ping RPCs.
	PingThreads int

	// RecoveryChannels bounds in-flight getRecoveryData RPCs during a
	// recovery.
	RecoveryChannels int

	// Backups lists the service locators of this master's replica set.
	// Empty means no replication (test and single-node use).
	Backups []string

	// MetricsEndpoint, if set, serves Prometheus-format metrics over HTTP.
	MetricsEndpoint string

	Transport ServerTransportConf

	// TimeoutSecond bounds per-connection read/write waits.
	TimeoutSecond int64

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Master")
	addField("Master ID", strconv.FormatUint(c.MasterID, 10))
	addField("Log ID", strconv.FormatUint(c.LogID, 10))
	addField("Segment Size", fmt.Sprintf("%d bytes", c.SegmentSize))
	addField("Hash Table Buckets", strconv.Itoa(c.HashTableBuckets))
	addField("Master Threads", strconv.Itoa(c.MasterThreads))
	addField("Recovery Channels", strconv.Itoa(c.RecoveryChannels))

	addSection("RPC Server")
	addField("Locator", c.Transport.Locator)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	addSection("Replication")
	if len(c.Backups) == 0 {
		addField("Backups", "none (replication disabled)")
	}
	for i, locator := range c.Backups {
		addField(strconv.Itoa(i), locator)
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	if c.MetricsEndpoint != "" {
		addSection("Metrics")
		addField("Endpoint", c.MetricsEndpoint)
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

type ClientTransportConf struct {
	// Locators name the servers to connect to. Transports that support
	// load balancing rotate over all of them.
	Locators               []string
	RetryCount             int
	ConnectionsPerLocator  int
	SocketConf
	TCPConf
}

type ClientConfig struct {
	TimeoutSecond int
	Transport     ClientTransportConf
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Locator", strconv.Itoa(max(1, c.Transport.ConnectionsPerLocator)))

	addSection("Locators")
	for i, locator := range c.Transport.Locators {
		addField(strconv.Itoa(i), locator)
	}

	return sb.String()
}
