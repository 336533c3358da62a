// Command gpuscaler-migrate applies or rolls back the control plane's
// Postgres schema. It is a dev-only tool: the core process never runs
// migrations itself.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
)

var (
	databaseURL   string
	migrationsDir string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gpuscaler-migrate",
	Short: "Apply or roll back the gpuscaler schema",
}

func init() {
	defaultMigrations := os.Getenv("MIGRATIONS_PATH")
	if defaultMigrations == "" {
		defaultMigrations = "migrations"
	}

	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string (defaults to $DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", defaultMigrations, "directory of .up.sql/.down.sql migration files")

	rootCmd.AddCommand(upCmd, downCmd, versionCmd)
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrator()
		if err != nil {
			return err
		}
		defer m.Close()

		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				fmt.Println("no pending migrations")
				return nil
			}
			return fmt.Errorf("applying migrations: %w", err)
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recently applied migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrator()
		if err != nil {
			return err
		}
		defer m.Close()

		if err := m.Steps(-1); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				fmt.Println("nothing to roll back")
				return nil
			}
			return fmt.Errorf("rolling back migration: %w", err)
		}
		fmt.Println("rolled back one migration")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the currently applied schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrator()
		if err != nil {
			return err
		}
		defer m.Close()

		version, dirty, err := m.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Println("no migrations applied")
				return nil
			}
			return fmt.Errorf("reading schema version: %w", err)
		}
		fmt.Printf("version %d (dirty=%v)\n", version, dirty)
		return nil
	},
}

func newMigrator() (*migrate.Migrate, error) {
	if databaseURL == "" {
		return nil, errors.New("--database-url (or DATABASE_URL) is required")
	}
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsDir), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}
