// cmd/scoutflow-migrate/main.go
package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/ignatij/scoutflow/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "scoutflow-migrate"}

func newMigrate(cmd *cobra.Command) *migrate.Migrate {
	connStr, _ := cmd.Flags().GetString("db")
	if connStr == "" {
		// Fallback to DATABASE_URL or the DB_* env vars, .env included
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		connStr = cfg.DBURL
	}
	if connStr == "" {
		fmt.Println("Error: --db flag, DATABASE_URL or DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		os.Exit(1)
	}
	source, _ := cmd.Flags().GetString("path")
	m, err := migrate.New("file://"+source, connStr)
	if err != nil {
		fmt.Printf("Failed to initialize migrations: %v\n", err)
		os.Exit(1)
	}
	return m
}

var upCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply all pending database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrate(cmd)
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrate(cmd)
		if err := m.Steps(-1); err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to roll back migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Rolled back one migration")
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DATABASE_URL or DB_* env vars are set)")
	rootCmd.PersistentFlags().String("path", "migrations", "Directory holding the migration files")
	rootCmd.AddCommand(upCmd, downCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
