// ABOUTME: run command: connects to the gateway and streams requested files
// ABOUTME: Settings layer as file, then environment, then changed flags

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/sacmes-gateway/internal/agentclient"
	"github.com/2389/sacmes-gateway/internal/identity"
	"github.com/2389/sacmes-gateway/internal/tenant"
)

var (
	runGatewayFlag   string
	runDirFlag       string
	runCompressFlag  int
	runAttemptsFlag  int
	runRetryWaitFlag time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the gateway and stream files on request",
	Long: `Connect to the gateway and wait for a viewer to start an analysis session.

Once filters arrive, matching files already in the watch directory are sent
in file-number order, then new files are picked up as they appear.

The secret is read from SACMES_AGENT_SECRET or the settings file; it is
never accepted as a flag.

Examples:
  sacmes-agent run --gateway https://sacmes.example.ts.net --dir /data/run42
  SACMES_AGENT_SECRET=... sacmes-agent run`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runGatewayFlag, "gateway", "", "gateway base URL (env SACMES_GATEWAY_URL)")
	runCmd.Flags().StringVar(&runDirFlag, "dir", "", "directory to watch for instrument files (default: current directory)")
	runCmd.Flags().IntVar(&runCompressFlag, "compress-threshold", agentclient.DefaultCompressThreshold, "compress files larger than this many bytes (-1 disables)")
	runCmd.Flags().IntVar(&runAttemptsFlag, "reconnect-attempts", agentclient.DefaultReconnectAttempts, "reconnect attempts before giving up")
	runCmd.Flags().DurationVar(&runRetryWaitFlag, "reconnect-delay", agentclient.DefaultReconnectDelay, "delay between reconnect attempts")
}

// resolveConfig layers flags and environment over the settings file.
func resolveConfig(cmd *cobra.Command) (*Config, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if env := os.Getenv("SACMES_GATEWAY_URL"); env != "" {
		cfg.Gateway.URL = env
	}
	if env := os.Getenv("SACMES_AGENT_SECRET"); env != "" {
		cfg.Gateway.Secret = env
	}

	flags := cmd.Flags()
	if flags.Changed("gateway") {
		cfg.Gateway.URL = runGatewayFlag
	}
	if flags.Changed("dir") {
		cfg.Watch.Dir = runDirFlag
	}
	if flags.Changed("compress-threshold") || cfg.Client.CompressThreshold == 0 {
		cfg.Client.CompressThreshold = runCompressFlag
	}
	if flags.Changed("reconnect-attempts") || cfg.Client.ReconnectAttempts == 0 {
		cfg.Client.ReconnectAttempts = runAttemptsFlag
	}
	if flags.Changed("reconnect-delay") || cfg.Client.ReconnectDelay == 0 {
		cfg.Client.ReconnectDelay = runRetryWaitFlag
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	return cfg, cfg.Validate()
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging.Level)
	if cfg.Watch.Dir == "" {
		cfg.Watch.Dir = "."
	}

	id, created, err := identity.LoadOrCreate(identityPath)
	if err != nil {
		return err
	}
	if created {
		color.Green("Generated tenant ID %s (saved to %s)", id.TenantID, identityPath)
	}

	client, err := agentclient.New(agentclient.Config{
		GatewayURL:        cfg.Gateway.URL,
		TenantID:          id.TenantID,
		Secret:            []byte(cfg.Gateway.Secret),
		WatchDir:          cfg.Watch.Dir,
		PollInterval:      cfg.Watch.PollInterval,
		SendDelay:         cfg.Watch.SendDelay,
		CompressThreshold: cfg.Client.CompressThreshold,
		ReconnectAttempts: cfg.Client.ReconnectAttempts,
		ReconnectDelay:    cfg.Client.ReconnectDelay,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	logger.Info("starting sacmes-agent",
		"gateway", cfg.Gateway.URL,
		"tenant", tenant.Fingerprint(id.TenantID),
		"session_id", client.SessionID(),
		"dir", cfg.Watch.Dir,
	)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := client.Run(ctx); err != nil {
		return fmt.Errorf("agent stopped: %w", err)
	}
	return nil
}
