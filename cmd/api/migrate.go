package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaidashi/failure-recovery/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|status|reset]",
	Short:     "Manage the database schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "status", "reset"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, l, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := database.New(cfg, l)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()

	switch args[0] {
	case "up":
		return db.RunMigrations(ctx)
	case "status":
		return db.MigrationStatus(ctx)
	default:
		return db.ResetMigrations(ctx)
	}
}
