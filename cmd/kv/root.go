// Package kv implements the client-side CLI commands: table management,
// object operations, and a perf load generator.
package kv

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/larchdb/larch/cmd/util"
	"github.com/larchdb/larch/rpc/client"
)

var (
	KeyValueCommands = &cobra.Command{
		Use:   "kv",
		Short: "Issue operations against a larch server",
	}
)

func init() {
	cobra.OnInitialize(util.InitClientConfig)
	util.SetupRPCClientFlags(KeyValueCommands)

	KeyValueCommands.AddCommand(pingCmd)
	KeyValueCommands.AddCommand(createTableCmd)
	KeyValueCommands.AddCommand(openTableCmd)
	KeyValueCommands.AddCommand(dropTableCmd)
	KeyValueCommands.AddCommand(createCmd)
	KeyValueCommands.AddCommand(readCmd)
	KeyValueCommands.AddCommand(writeCmd)
	KeyValueCommands.AddCommand(removeCmd)
	KeyValueCommands.AddCommand(mreadCmd)
	KeyValueCommands.AddCommand(perfCmd)
}

// connect binds the flags, opens the configured transport, and returns a
// master client over it.
func connect(cmd *cobra.Command) (*client.MasterClient, func(), error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return nil, nil, err
	}
	config := util.GetClientConfig()
	transport, err := util.GetClientTransport(config)
	if err != nil {
		return nil, nil, err
	}
	if err := transport.Connect(*config); err != nil {
		return nil, nil, err
	}
	closer := func() { _ = transport.Close() }
	return client.NewMasterClient(transport), closer, nil
}
