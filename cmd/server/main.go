// Command server runs the Neptu API gateway: credential checks, rate limits,
// credit metering, OAuth client management and webhook delivery.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sudigital/neptu-api/internal/config"
	"github.com/sudigital/neptu-api/internal/logging"
	"github.com/sudigital/neptu-api/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print build info and exit")
	checkConfig := flag.Bool("check-config", false, "load and validate configuration, then exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("neptu-api %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return
	}

	// Bootstrap logger until the configured level is known
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *checkConfig {
		logger.Info("configuration ok", "env", cfg.Env, "rate_limit_store", cfg.RateLimitStore)
		return
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting neptu-api",
		"version", Version,
		"commit", Commit,
		"env", cfg.Env,
		"database", cfg.DatabaseURL != "",
		"rate_limit_store", cfg.RateLimitStore,
		"webhook_max_attempts", cfg.WebhookMaxAttempts,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}
