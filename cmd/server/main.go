// Settlement engine for the task marketplace: wallets, escrow,
// gateway reconciliation, referral commissions, subscriptions.
package main

import (
	"context"
	"os"

	"github.com/ccmarketers/settlement/internal/config"
	"github.com/ccmarketers/settlement/internal/logging"
	"github.com/ccmarketers/settlement/internal/server"
	"github.com/ccmarketers/settlement/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, "text")

	logger.Info("starting settlement engine",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"gateway", cfg.GatewayName,
		"currency", cfg.GatewayCurrency,
	)

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTraces(context.Background())

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
