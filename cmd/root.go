package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/larchdb/larch/cmd/kv"
	"github.com/larchdb/larch/cmd/serve"
)

const (
	Version = "0.3.1"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "larch",
		Short: "in-memory master storage server",
		Long: fmt.Sprintf(`larch (v%s)

A master storage server for a distributed in-memory key-value store.
Durability comes from streaming the append-only log to backup servers;
a crashed master is rebuilt by replaying its segments from backups.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of larch",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("larch v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
