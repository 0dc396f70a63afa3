// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package main

import (
	"os"
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/composebot/composebot/internal/config"
	"github.com/composebot/composebot/internal/store"
)

// Migrator wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Version() (uint, bool, error)
	Force(version int) error
	Pending() ([]uint, error)
	Close() error
}

// MigratorFactory opens a migrator for a database URL.
type MigratorFactory func(databaseURL string) (Migrator, error)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	return newMigrateCmd(func(url string) (Migrator, error) {
		m, err := store.NewMigrator(url)
		if err != nil {
			return nil, err
		}
		return m, nil
	})
}

func newMigrateCmd(factory MigratorFactory) *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres KV schema",
		Long: `Apply, roll back, or inspect the migrations of the Postgres plugin KV
backend. The database URL comes from --database-url or ` + config.EnvDatabaseURL + `.`,
	}
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "PostgreSQL URL (default: $"+config.EnvDatabaseURL+")")

	open := func() (Migrator, error) {
		url := databaseURL
		if url == "" {
			url = os.Getenv(config.EnvDatabaseURL)
		}
		if url == "" {
			return nil, oops.Code(config.CodeInvalid).
				Hint("pass --database-url or set " + config.EnvDatabaseURL).
				Errorf("database url is required")
		}
		return factory(url)
	}
	withMigrator := func(fn func(*cobra.Command, Migrator, []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			m, err := open()
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := m.Close(); closeErr != nil {
					cmd.PrintErrf("warning: close migrator: %v\n", closeErr)
				}
			}()
			return fn(cmd, m, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator, _ []string) error {
			if err := m.Up(); err != nil {
				return err
			}
			cmd.Println("Migrations applied")
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration, dropping plugin data",
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator, _ []string) error {
			if err := m.Down(); err != nil {
				return err
			}
			cmd.Println("Migrations rolled back")
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the applied version and pending migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator, _ []string) error {
			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			pending, err := m.Pending()
			if err != nil {
				return err
			}
			cmd.Printf("version: %d\n", version)
			cmd.Printf("dirty:   %t\n", dirty)
			cmd.Printf("pending: %v\n", pending)
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Mark a version as applied without running it",
		Args:  cobra.ExactArgs(1),
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return oops.Code("INVALID_VERSION").With("version", args[0]).Wrapf(err, "parse version")
			}
			if err := m.Force(v); err != nil {
				return err
			}
			cmd.Printf("Forced version %d\n", v)
			return nil
		}),
	})
	return cmd
}
