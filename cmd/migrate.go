package cmd

import (
	"errors"
	"fmt"

	"github.com/kozaktomas/sightline/internal/config"
	"github.com/kozaktomas/sightline/internal/database/postgres"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  "Apply pending PostgreSQL migrations and print row counts of every table.",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	pool, err := postgres.NewPool(&cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	defer pool.Close()

	applied, err := pool.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	if len(applied) == 0 {
		fmt.Println("Database is up to date")
	}
	for _, name := range applied {
		fmt.Printf("Applied %s\n", name)
	}

	stats, err := pool.Stats(ctx)
	if err != nil {
		return fmt.Errorf("counting rows: %w", err)
	}
	fmt.Printf("\nCases:      %d\n", stats.Cases)
	fmt.Printf("Footage:    %d\n", stats.Footage)
	fmt.Printf("Matches:    %d\n", stats.Matches)
	fmt.Printf("Detections: %d\n", stats.Detections)
	fmt.Printf("References: %d\n", stats.References)
	return nil
}
