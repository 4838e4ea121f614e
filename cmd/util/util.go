// Package util holds the configuration plumbing shared by the CLI
// commands: flag helpers, viper/env wiring, and transport selection.
package util

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/larchdb/larch/rpc/common"
	"github.com/larchdb/larch/rpc/transport"
	"github.com/larchdb/larch/rpc/transport/tcp"
	"github.com/larchdb/larch/rpc/transport/unix"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}
	return strings.Join(wrappedLines, "\n")
}

// SetupRPCClientFlags adds common RPC connection flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	key := "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of the client"))

	key = "locators"
	cmd.PersistentFlags().String(key, "tcp:host=localhost,port=8090", WrapString("Service locators of the larch servers, comma-separated (e.g. tcp:host=localhost,port=8090 or unix:path=/tmp/larch.sock). All locators must share one scheme"))

	key = "conn-per-locator"
	cmd.PersistentFlags().Int(key, 1, WrapString("Simultaneous connections per locator"))

	key = "retries"
	cmd.PersistentFlags().Int(key, 3, WrapString("How many attempts to make per request, the first included"))

	key = "write-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the socket write buffer (in KB)"))

	key = "read-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the socket read buffer (in KB)"))

	key = "tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY (tcp only)"))
}

// InitClientConfig initializes configuration from environment variables
func InitClientConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("larch")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() *common.ClientConfig {
	return &common.ClientConfig{
		TimeoutSecond: viper.GetInt("timeout"),
		Transport: common.ClientTransportConf{
			RetryCount:            viper.GetInt("retries"),
			Locators:              SplitLocators(viper.GetString("locators")),
			ConnectionsPerLocator: viper.GetInt("conn-per-locator"),
			SocketConf: common.SocketConf{
				WriteBufferSize: viper.GetInt("write-buffer") * 1024,
				ReadBufferSize:  viper.GetInt("read-buffer") * 1024,
			},
			TCPConf: common.TCPConf{
				TCPNoDelay: viper.GetBool("tcp-nodelay"),
			},
		},
	}
}

// SplitLocators splits a comma-separated locator list. Commas inside a
// locator's options are told apart from list separators by the scheme
// colon that starts every locator.
func SplitLocators(s string) []string {
	var out []string
	var current strings.Builder
	for _, part := range strings.Split(s, ",") {
		if strings.Contains(part, ":") && current.Len() > 0 {
			out = append(out, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(",")
		}
		current.WriteString(part)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

// GetClientTransport selects the client transport from the scheme of the
// first configured locator.
func GetClientTransport(config *common.ClientConfig) (transport.IRPCClientTransport, error) {
	if len(config.Transport.Locators) == 0 {
		return nil, errors.New("no locators configured")
	}
	locator, err := common.ParseLocator(config.Transport.Locators[0])
	if err != nil {
		return nil, err
	}
	switch locator.Scheme {
	case "tcp":
		return tcp.NewTCPClientTransport(), nil
	case "unix":
		return unix.NewUnixClientTransport(), nil
	default:
		return nil, errors.Errorf("unsupported locator scheme %q", locator.Scheme)
	}
}
