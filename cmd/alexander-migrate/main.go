// Package main is the entry point for the Alexander uploads database migration tool.
// It applies the embedded schema migrations to PostgreSQL or SQLite.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-uploads/internal/app"
	"github.com/prn-tf/alexander-uploads/internal/config"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	fs := flag.NewFlagSet("alexander-migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Usage = printUsage

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}

	switch command {
	case "version":
		fmt.Printf("Alexander Uploads Migration Tool\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)

	case "up":
		if err := run(*configPath, true); err != nil {
			fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
			os.Exit(1)
		}

	case "status":
		if err := run(*configPath, false); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func run(configPath string, apply bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, migrator, _, err := app.Database(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	before, err := migrator.MigrationVersion(ctx)
	if err != nil {
		return err
	}

	if !apply {
		fmt.Printf("Driver: %s\nSchema version: %d\n", cfg.Database.Driver, before)
		return nil
	}

	if err := migrator.Migrate(ctx); err != nil {
		return err
	}
	after, err := migrator.MigrationVersion(ctx)
	if err != nil {
		return err
	}

	if after == before {
		fmt.Printf("Schema is up to date at version %d\n", after)
	} else {
		fmt.Printf("Migrated schema from version %d to %d\n", before, after)
	}
	return nil
}

func printUsage() {
	fmt.Println(`Alexander Uploads Migration Tool

Usage:
  alexander-migrate <command> [-config path]

Commands:
  up          Run all pending migrations
  status      Show current schema version
  version     Print version information
  help        Show this help message

Environment Variables:
  ALEXANDER_DATABASE_DRIVER    postgres or sqlite
  ALEXANDER_DATABASE_PATH      SQLite database file
  ALEXANDER_DATABASE_HOST      PostgreSQL host`)
}
