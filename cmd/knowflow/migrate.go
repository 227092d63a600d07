package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/knowflow-io/knowflow/config"
	"github.com/knowflow-io/knowflow/internal/migration"
)

// runMigrate dispatches the migrate subcommands.
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	subargs := args[1:]

	switch subcommand {
	case "up":
		runMigrateUp(subargs)
	case "down":
		runMigrateDown(subargs)
	case "status":
		runMigrateStatus(subargs)
	case "version":
		runMigrateVersion(subargs)
	case "goto":
		runMigrateGoto(subargs)
	case "force":
		runMigrateForce(subargs)
	case "reset":
		runMigrateReset(subargs)
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  knowflow migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all for every migration)
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  knowflow migrate up
  knowflow migrate up --config /etc/knowflow/config.yaml
  knowflow migrate down
  knowflow migrate status
  knowflow migrate goto 1
  knowflow migrate force 0
  knowflow migrate reset`)
}

// migrateFlags holds the connection flags shared by every subcommand.
type migrateFlags struct {
	configPath *string
	dbType     *string
	dbURL      *string
}

func registerMigrateFlags(fs *flag.FlagSet) migrateFlags {
	return migrateFlags{
		configPath: fs.String("config", "", "Path to config file"),
		dbType:     fs.String("db-type", "", "Database type (postgres, mysql, sqlite)"),
		dbURL:      fs.String("db-url", "", "Database connection URL"),
	}
}

// newMigrator builds a migrator from parsed flags: an explicit type+URL
// pair wins, otherwise the config file (with an optional type override).
func (f migrateFlags) newMigrator() (*migration.DefaultMigrator, error) {
	if *f.dbType != "" && *f.dbURL != "" {
		return migration.NewMigratorFromURL(*f.dbType, *f.dbURL)
	}

	loader := config.NewLoader()
	if *f.configPath != "" {
		loader = loader.WithConfigPath(*f.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *f.dbType != "" {
		cfg.Database.Driver = *f.dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

// withMigrator parses args, builds the migrator and hands it to fn,
// exiting non-zero on any failure.
func withMigrator(name string, fs *flag.FlagSet, args []string, fn func(*migration.CLI) error) {
	flags := registerMigrateFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	migrator, err := flags.newMigrator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := fn(migration.NewCLI(migrator)); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", name, err)
		os.Exit(1)
	}
}

func runMigrateUp(args []string) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	withMigrator("Migration", fs, args, func(cli *migration.CLI) error {
		return cli.RunUp(context.Background())
	})
}

func runMigrateDown(args []string) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	all := fs.Bool("all", false, "Rollback all migrations")
	withMigrator("Rollback", fs, args, func(cli *migration.CLI) error {
		if *all {
			return cli.RunDownAll(context.Background())
		}
		return cli.RunDown(context.Background())
	})
}

func runMigrateStatus(args []string) {
	fs := flag.NewFlagSet("migrate status", flag.ExitOnError)
	withMigrator("Status", fs, args, func(cli *migration.CLI) error {
		return cli.RunStatus(context.Background())
	})
}

func runMigrateVersion(args []string) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	withMigrator("Version", fs, args, func(cli *migration.CLI) error {
		return cli.RunVersion(context.Background())
	})
}

func runMigrateGoto(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: knowflow migrate goto <version>\n")
		os.Exit(1)
	}
	version, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	fs := flag.NewFlagSet("migrate goto", flag.ExitOnError)
	withMigrator("Migration", fs, args[1:], func(cli *migration.CLI) error {
		return cli.RunGoto(context.Background(), uint(version))
	})
}

func runMigrateForce(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: knowflow migrate force <version>\n")
		os.Exit(1)
	}
	version, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	withMigrator("Force", fs, args[1:], func(cli *migration.CLI) error {
		return cli.RunForce(context.Background(), int(version))
	})
}

func runMigrateReset(args []string) {
	fs := flag.NewFlagSet("migrate reset", flag.ExitOnError)
	withMigrator("Reset", fs, args, func(cli *migration.CLI) error {
		return cli.RunDownAll(context.Background())
	})
}
