// ABOUTME: Entry point for sacmes-gateway, the multi-tenant session broker
// ABOUTME: Admits instrument agents and fans their data out to subscribed viewers

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/sacmes-gateway/internal/auth"
	"github.com/2389/sacmes-gateway/internal/config"
	"github.com/2389/sacmes-gateway/internal/gateway"
	"github.com/2389/sacmes-gateway/internal/logging"
)

// version is set via -ldflags at build time.
var version = "dev"

const banner = `
  ___  __ _  ___ _ __ ___   ___  ___
 / __|/ _' |/ __| '_ ' _ \ / _ \/ __|
 \__ \ (_| | (__| | | | | |  __/\__ \
 |___/\__,_|\___|_| |_| |_|\___||___/  gateway
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: sacmes-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                 Start the gateway server")
		fmt.Println("  health                Check gateway health")
		fmt.Println("  stats                 Print connection and delivery counters")
		fmt.Println("  token TENANT_ID       Mint an agent token for a tenant")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "stats":
		err = runStats(ctx)
	case "token":
		err = runToken()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Instance:  %s\n", cfg.Server.InstanceID)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Mirror:    %s (%s)\n", cfg.Database.Path, cfg.Mirror.Hash)
	green.Print("    ▶ ")
	if cfg.Agents.ReconnectGracePeriod > 0 {
		fmt.Printf("Grace:     %s\n", cfg.Agents.ReconnectGracePeriod)
	} else {
		fmt.Println("Grace:     off")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting sacmes-gateway",
		"config", configPath,
		"instance_id", cfg.Server.InstanceID,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// get fetches path from the configured HTTP address.
func get(ctx context.Context, path string) (*http.Response, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	resp, err := get(ctx, "/health/ready")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	color.Green("healthy: %s", body)
	return nil
}

func runStats(ctx context.Context) error {
	resp, err := get(ctx, "/api/stats")
	if err != nil {
		return fmt.Errorf("stats request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stats: status %d", resp.StatusCode)
	}

	var stats gateway.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decoding stats: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("  %s", stats.InstanceID)
	fmt.Printf("  up %s\n\n", time.Duration(stats.UptimeSeconds)*time.Second)
	fmt.Printf("  Agents:    %d live, %d detached, %d remote\n",
		stats.Broker.Agents.Live, stats.Broker.Agents.Detached, stats.Broker.Agents.Remote)
	fmt.Printf("  Viewers:   %d across %d tenants\n", stats.Broker.Viewers.Viewers, stats.Broker.Viewers.Tenants)
	fmt.Printf("  Sockets:   %d\n", stats.Sockets)
	fmt.Printf("  Delivered: %d  Dropped: %d  Rejected: %d\n",
		stats.Broker.Delivered, stats.Broker.Dropped, stats.Broker.Rejected)
	fmt.Printf("  Mirror:    %d bindings, %d writes, %d failures, %d dropped\n",
		stats.Mirrored, stats.Mirror.Writes, stats.Mirror.Failures, stats.Mirror.Dropped)
	return nil
}

// runToken prints a bearer token an agent can present for one tenant.
func runToken() error {
	if len(os.Args) < 3 || os.Args[2] == "" {
		return fmt.Errorf("usage: sacmes-gateway token TENANT_ID")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.AgentSecret)).Generate(os.Args[2], auth.DefaultTokenLifetime)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}
