// ABOUTME: Entry point for the calendar sync service, CLI and MCP server
// ABOUTME: Loads configuration, wires the service graph and routes to subcommands
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/harperreed/calsync/cli"
	"github.com/harperreed/calsync/config"
	"github.com/harperreed/calsync/logging"
)

const version = "0.2.0"

func main() {
	// Global flags
	showVersion := flag.Bool("version", false, "Show version and exit")
	dbPath := flag.String("db-path", "", "SQLite database path (default: ~/.local/share/calsync/calsync.db)")
	initOnly := flag.Bool("init", false, "Initialize database and exit")

	// Parse global flags but don't fail on unknown (for subcommands)
	_ = flag.CommandLine.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("calsync version %s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 && !*initOnly {
		printUsage()
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *dbPath != "" {
		cfg.DatabaseDriver = "sqlite3"
		cfg.DatabaseURL = *dbPath
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	app, err := cli.NewApp(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer func() { _ = app.Close() }()

	if *initOnly {
		log.Printf("Database initialized successfully (%s)", cfg.DatabaseDriver)
		return
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "serve":
		err = cli.ServeCommand(app, commandArgs)
	case "sync":
		err = cli.SyncCommand(app, commandArgs)
	case "cleanup":
		err = cli.CleanupCommand(app, commandArgs)
	case "renew-webhooks":
		err = cli.RenewWebhooksCommand(app, commandArgs)
	case "accounts":
		err = cli.AccountsCommand(app, commandArgs)
	case "mcp":
		err = cli.MCPCommand(app, version)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		_ = app.Close()
		os.Exit(1)
	}

	if err != nil {
		_ = app.Close()
		log.Fatalf("Error: %v", err)
	}
}

func printUsage() {
	fmt.Printf(`calsync v%s - two-way calendar sync for Google and Outlook

USAGE:
  calsync [global flags] <command> [flags]

GLOBAL FLAGS:
  --version              Show version and exit
  --db-path <path>       SQLite database path (overrides CALSYNC_DATABASE_URL)
  --init                 Initialize database and exit

COMMANDS:
  serve                  Run webhooks, OAuth endpoints and scheduled jobs
    --addr <addr>          Listen address (default: CALSYNC_HTTP_ADDR)
    --no-jobs              Do not run the cron schedule

  sync                   Run a sync pass now
    --account <id>         Only this account
    --user <id>            Only this user's accounts

  cleanup                Delete provider events past the retention window
    --days <n>             Retention in days (default: CALSYNC_RETENTION_DAYS)

  renew-webhooks         Renew push channels that are missing, failed or expiring
    --within <duration>    Look-ahead window (default: 24h)

  accounts               List connected calendar accounts
    --user <id>            Only this user's accounts
    --active               Only active accounts
    --disconnect <id>      Stop the account's channel and delete it

  mcp                    Start MCP server on stdio

CONFIGURATION:
  Settings come from CALSYNC_* environment variables, a .env file, or
  ~/.config/calsync/config.yaml. At minimum set CALSYNC_WEBHOOK_SECRET,
  CALSYNC_ENCRYPTION_KEY and one provider's client id and secret.

EXAMPLES:
  # Run the service
  calsync serve

  # Sync one user's calendars now
  calsync sync --user u-123

  # Start MCP server for Claude Desktop
  calsync mcp

`, version)
}
