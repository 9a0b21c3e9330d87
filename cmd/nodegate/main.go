// Package main is the entry point for NodeGate, an admission-control reverse
// proxy that shields a distributed-ledger node's RPC endpoint from abusive
// traffic.
//
// NodeGate sits directly in front of the node and provides:
//   - Per-client spam and error-rate tracking over sliding windows
//   - TTL blocklists for direct connections and proxied client identities
//   - Optional delegation of blocks to an external node firewall, with a
//     dead-man's switch fallback when the firewall stops responding
//   - Optional shared blocklists across gateway replicas via Redis
//   - Multi-protocol proxying: HTTP, gRPC, SSE, WebSocket
//   - Full observability: Prometheus metrics, health checks, structured logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nodegate/nodegate/internal/config"
	"github.com/nodegate/nodegate/internal/observability"
	"github.com/nodegate/nodegate/internal/redis"
	"github.com/nodegate/nodegate/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("nodegate %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger.
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting nodegate", "version", version)

	// Route go-redis internal logs (pool errors, failover events) through slog.
	redis.InitLogger(logger)

	// Create root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create and start the server.
	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start the config file watcher for hot-reload.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	// Watch TLS certificate files for rotation (e.g. cert-manager renewals).
	if cfg.Server.TLS.Enabled {
		certWatcher := config.NewCertWatcher(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, srv.ReloadCerts, logger)
		go func() {
			if watchErr := certWatcher.Start(ctx); watchErr != nil {
				logger.Error("certificate watcher error", "error", watchErr)
			}
		}()
		defer certWatcher.Stop()
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("nodegate shut down gracefully")
}
