// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/holologin/internal/store"
)

// migrator is the subset of store.Migrator the migrate commands use.
type migrator interface {
	Up() error
	Down() error
	Version() (uint, bool, error)
	Force(version int) error
	PendingMigrations() ([]uint, error)
	Close() error
}

// newMigrator opens the migrator; tests replace it.
var newMigrator = func(databaseURL string) (migrator, error) {
	return store.NewMigrator(databaseURL)
}

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Run all pending accounts schema migrations against the PostgreSQL
database named by DATABASE_URL. The SQLite store creates its schema itself.`,
		RunE: withMigrator(func(cmd *cobra.Command, m migrator, _ []string) error {
			cmd.Println("Running migrations...")
			if err := m.Up(); err != nil {
				return oops.Code("MIGRATION_FAILED").With("operation", "run migrations").Wrap(err)
			}
			return printVersion(cmd, m)
		}),
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the applied schema version and pending migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m migrator, _ []string) error {
			if err := printVersion(cmd, m); err != nil {
				return err
			}
			pending, err := m.PendingMigrations()
			if err != nil {
				return err //nolint:wrapcheck // already coded by store
			}
			if len(pending) == 0 {
				cmd.Println("No pending migrations")
				return nil
			}
			for _, v := range pending {
				name, err := store.MigrationName(v)
				if err != nil {
					return err //nolint:wrapcheck // already coded by store
				}
				if name == "" {
					name = fmt.Sprintf("%06d", v)
				}
				cmd.Printf("pending: %s\n", name)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration (drops the accounts table)",
		RunE: withMigrator(func(cmd *cobra.Command, m migrator, _ []string) error {
			if err := m.Down(); err != nil {
				return oops.Code("MIGRATION_FAILED").With("operation", "roll back migrations").Wrap(err)
			}
			cmd.Println("All migrations rolled back")
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Set the schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: withMigrator(func(cmd *cobra.Command, m migrator, args []string) error {
			version, err := parseForceVersion(args[0])
			if err != nil {
				return err
			}
			if err := m.Force(version); err != nil {
				return err //nolint:wrapcheck // already coded by store
			}
			cmd.Printf("Forced schema version %d\n", version)
			return nil
		}),
	})

	return cmd
}

func withMigrator(fn func(*cobra.Command, migrator, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		databaseURL, err := getDatabaseURL()
		if err != nil {
			return err
		}
		m, err := newMigrator(databaseURL)
		if err != nil {
			return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
		}
		defer func() {
			if closeErr := m.Close(); closeErr != nil {
				cmd.PrintErrln("warning: closing migrator:", closeErr)
			}
		}()
		return fn(cmd, m, args)
	}
}

func printVersion(cmd *cobra.Command, m migrator) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err //nolint:wrapcheck // already coded by store
	}
	if dirty {
		cmd.Printf("Schema version: %d (dirty)\n", version)
		return nil
	}
	cmd.Printf("Schema version: %d\n", version)
	return nil
}

func getDatabaseURL() (string, error) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return "", oops.Code("CONFIG_INVALID").Errorf("DATABASE_URL environment variable is required")
	}
	return databaseURL, nil
}

// parseForceVersion reads the leading integer of s.
func parseForceVersion(s string) (int, error) {
	if strings.TrimSpace(s) == "" {
		return 0, oops.Code("INVALID_VERSION").Errorf("version is required")
	}
	var version int
	if _, err := fmt.Sscanf(s, "%d", &version); err != nil {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Wrap(err)
	}
	return version, nil
}
