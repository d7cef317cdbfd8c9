// Command migrate applies the embedded goose migrations for the gateway
// schema: API credentials and subscriptions, usage records, OAuth clients
// with their codes and tokens, and webhook subscriptions and deliveries.
//
// Usage:
//
//	migrate [-timeout 2m] <command> [version]
//
// Commands are goose's: up, down, status, version, redo, up-to, down-to.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/sudigital/neptu-api/internal/logging"
	"github.com/sudigital/neptu-api/migrations"
)

// tables lists what the migrations own, for the usage text.
var tables = []string{
	"api_credentials", "api_subscriptions", "api_usage",
	"oauth_clients", "oauth_authorization_codes", "oauth_access_tokens", "oauth_refresh_tokens",
	"oauth_webhooks", "oauth_webhook_deliveries",
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintln(out, "Usage: migrate [flags] <command> [version]")
	_, _ = fmt.Fprintln(out, "\nCommands:")
	_, _ = fmt.Fprintln(out, "  up                 apply all pending migrations")
	_, _ = fmt.Fprintln(out, "  down               roll back the last migration")
	_, _ = fmt.Fprintln(out, "  redo               roll back and re-apply the last migration")
	_, _ = fmt.Fprintln(out, "  status             list applied and pending migrations")
	_, _ = fmt.Fprintln(out, "  version            print the current schema version")
	_, _ = fmt.Fprintln(out, "  up-to <version>    migrate up to a version")
	_, _ = fmt.Fprintln(out, "  down-to <version>  roll back to a version")
	_, _ = fmt.Fprintln(out, "\nTables:")
	for _, t := range tables {
		_, _ = fmt.Fprintln(out, "  "+t)
	}
	_, _ = fmt.Fprintln(out, "\nFlags:")
	flag.PrintDefaults()
	_, _ = fmt.Fprintln(out, "\nDATABASE_URL is read from the environment or .env.")
}

func main() {
	timeout := flag.Duration("timeout", 2*time.Minute, "abort the migration after this long")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	_ = godotenv.Load()
	logger := logging.WithComponent(logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")), "migrate")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	command, args := flag.Arg(0), flag.Args()[1:]
	start := time.Now()
	if err := migrations.Run(ctx, db, command, args...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete", "command", command, "duration", time.Since(start).Round(time.Millisecond))
}
