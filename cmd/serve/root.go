// Package serve implements the larch serve command: it wires the storage
// engine, the replication manager, the dispatcher, and the transport into
// one running master.
package serve

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/larchdb/larch/cmd/util"
	"github.com/larchdb/larch/lib/cluster"
	liblog "github.com/larchdb/larch/lib/log"
	"github.com/larchdb/larch/lib/master"
	"github.com/larchdb/larch/lib/replication"
	"github.com/larchdb/larch/rpc/client"
	"github.com/larchdb/larch/rpc/common"
	"github.com/larchdb/larch/rpc/server"
	"github.com/larchdb/larch/rpc/transport"
	"github.com/larchdb/larch/rpc/transport/tcp"
	"github.com/larchdb/larch/rpc/transport/unix"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a larch master server",
		Long:    `Start a larch master server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is LARCH_<flag> (e.g. LARCH_SEGMENT_SIZE=8388608)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitClientConfig)

	key := "master-id"
	ServeCmd.PersistentFlags().Uint64(key, 1, cmdUtil.WrapString("Cluster-unique id of this master"))

	key = "log-id"
	ServeCmd.PersistentFlags().Uint64(key, 1, cmdUtil.WrapString("Id of this master's append log on its backups"))

	key = "segment-size"
	ServeCmd.PersistentFlags().Int(key, 8*1024*1024, cmdUtil.WrapString("Size of one log segment in bytes (power of two)"))

	key = "hash-buckets"
	ServeCmd.PersistentFlags().Int(key, 1024, cmdUtil.WrapString("Initial bucket count of the object index (power of two, 8 entries per bucket)"))

	key = "master-threads"
	ServeCmd.PersistentFlags().Int(key, 1, cmdUtil.WrapString("Concurrently running master-service RPCs. 1 keeps the mutating path single-writer"))

	key = "ping-threads"
	ServeCmd.PersistentFlags().Int(key, 2, cmdUtil.WrapString("Concurrently running ping RPCs"))

	key = "recovery-channels"
	ServeCmd.PersistentFlags().Int(key, 4, cmdUtil.WrapString("In-flight getRecoveryData RPCs during a recovery"))

	key = "backups"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Service locators of the backup replica set, comma-separated. Empty disables replication"))

	key = "locator"
	ServeCmd.PersistentFlags().String(key, "tcp:host=0.0.0.0,port=8090", cmdUtil.WrapString("Service locator this server listens on (tcp:host=...,port=... or unix:path=...)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional host:port to serve Prometheus metrics on (e.g. localhost:9090)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 30, cmdUtil.WrapString("Per-connection read/write timeout in seconds"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("Level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.MasterID = viper.GetUint64("master-id")
	serveCmdConfig.LogID = viper.GetUint64("log-id")
	serveCmdConfig.SegmentSize = viper.GetInt("segment-size")
	serveCmdConfig.HashTableBuckets = viper.GetInt("hash-buckets")
	serveCmdConfig.MasterThreads = viper.GetInt("master-threads")
	serveCmdConfig.PingThreads = viper.GetInt("ping-threads")
	serveCmdConfig.RecoveryChannels = viper.GetInt("recovery-channels")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.Transport.Locator = viper.GetString("locator")

	if backups := strings.TrimSpace(viper.GetString("backups")); backups != "" {
		serveCmdConfig.Backups = cmdUtil.SplitLocators(backups)
	}

	if s := serveCmdConfig.SegmentSize; s <= 0 || s&(s-1) != 0 {
		return errors.Errorf("segment-size %d is not a power of two", s)
	}
	if b := serveCmdConfig.HashTableBuckets; b <= 0 || b&(b-1) != 0 {
		return errors.Errorf("hash-buckets %d is not a power of two", b)
	}
	return nil
}

func serverTransport(locator string) (transport.IRPCServerTransport, error) {
	parsed, err := common.ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "tcp":
		return tcp.NewTCPServerTransport(), nil
	case "unix":
		return unix.NewUnixServerTransport(), nil
	default:
		return nil, errors.Errorf("unsupported locator scheme %q", parsed.Scheme)
	}
}

func run(_ *cobra.Command, _ []string) error {
	common.InitLoggers(*serveCmdConfig)

	// Backup sessions are dialed by locator scheme.
	sessions := cluster.NewSessionManager()
	backupClientConf := common.ClientConfig{TimeoutSecond: int(serveCmdConfig.TimeoutSecond)}
	sessions.RegisterScheme("tcp", client.NewBackupDialer(tcp.NewTCPClientTransport, backupClientConf))
	sessions.RegisterScheme("unix", client.NewBackupDialer(unix.NewUnixClientTransport, backupClientConf))

	var sink liblog.BackupSink = liblog.DiscardSink{}
	if len(serveCmdConfig.Backups) > 0 {
		manager := replication.NewManager(
			serveCmdConfig.MasterID,
			sessions,
			serveCmdConfig.Backups,
			3,
			time.Duration(serveCmdConfig.TimeoutSecond)*time.Second,
		)
		// Surface unreachable backups now, not on the first write.
		if err := manager.Probe(context.Background()); err != nil {
			return err
		}
		sink = manager
	}

	// The master registers its tablets with the in-process coordinator;
	// a real cluster replaces this with the coordinator service.
	svc, err := newMaster(serveCmdConfig, sessions, sink)
	if err != nil {
		return err
	}

	tr, err := serverTransport(serveCmdConfig.Transport.Locator)
	if err != nil {
		return err
	}

	s := server.NewRPCServer(*serveCmdConfig, tr)
	s.RegisterService(common.ServiceMaster, svc, serveCmdConfig.MasterThreads)
	s.RegisterService(common.ServicePing, server.PingAdapter{}, serveCmdConfig.PingThreads)
	return s.Serve()
}

// newMaster builds the service and its coordinator, resolving the mutual
// reference between them (the coordinator assigns tablets to the master).
func newMaster(cfg *common.ServerConfig, sessions *cluster.SessionManager, sink liblog.BackupSink) (*master.Service, error) {
	svc, err := master.NewService(master.Config{
		MasterID:         cfg.MasterID,
		LogID:            cfg.LogID,
		SegmentSize:      cfg.SegmentSize,
		HashTableBuckets: cfg.HashTableBuckets,
		RecoveryChannels: cfg.RecoveryChannels,
	}, nil, sessions, sink)
	if err != nil {
		return nil, err
	}
	svc.SetCoordinator(cluster.NewLocalCoordinator(svc, 1<<20))
	return svc, nil
}
