// ABOUTME: Root cobra command and flags shared by every sacmes-agent subcommand
// ABOUTME: Resolves the identity file and builds the logger

package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/2389/sacmes-gateway/internal/identity"
	"github.com/2389/sacmes-gateway/internal/logging"
)

// Global flags
var (
	identityPath string
	configPath   string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "sacmes-agent",
	Short: "Stream instrument files to a sacmes gateway",
	Long: `sacmes-agent watches a directory of instrument output and streams the
files a viewer asks for to the gateway, under this machine's tenant ID.

The tenant ID is generated on first use and stored in
$XDG_CONFIG_HOME/sacmes/agent.toml. Share it with the people who should
be able to view this instrument; anyone holding it can subscribe.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&identityPath, "identity", identity.DefaultPath(), "identity file holding the tenant ID")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "agent settings file (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func newLogger(level string) *slog.Logger {
	return logging.New(os.Stderr, level, "text")
}
