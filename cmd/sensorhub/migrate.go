package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/sensorhub/internal/infrastructure/config"
	"github.com/nerrad567/sensorhub/internal/infrastructure/database"
	"github.com/nerrad567/sensorhub/migrations"
)

// migrateTimeout bounds a single migrate invocation.
const migrateTimeout = 30 * time.Second

// Migration actions.
const (
	migrateUp     = "up"
	migrateDown   = "down"
	migrateStatus = "status"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the sensor catalogue schema",
	Long: `Apply, roll back or list the catalogue migrations embedded in the binary.

serve applies pending migrations on startup, so "up" is only needed to
prepare a database ahead of time. "down" undoes the most recent migration.`,
}

func newMigrateAction(action, short string) *cobra.Command {
	c := &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), cmd.OutOrStdout(), configPath(cmd), action)
		},
	}
	c.Flags().StringP("config", "c", "", "path to config file")
	return c
}

func init() {
	migrateCmd.AddCommand(
		newMigrateAction(migrateUp, "Apply pending migrations"),
		newMigrateAction(migrateDown, "Roll back the most recent migration"),
		newMigrateAction(migrateStatus, "List applied and pending migrations"),
	)
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(ctx context.Context, out io.Writer, path, action string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, migrateTimeout)
	defer cancel()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // read-mostly CLI, nothing to flush

	switch action {
	case migrateUp:
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	case migrateDown:
		if err := db.MigrateDown(ctx, migrations.FS); err != nil {
			return fmt.Errorf("rolling back migration: %w", err)
		}
	case migrateStatus:
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}

	applied, pending, err := db.MigrationStatus(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	fmt.Fprintf(out, "Database: %s\n", cfg.Database.Path)
	for _, r := range applied {
		fmt.Fprintf(out, "  applied  %s  %s\n", r.Version, r.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range pending {
		fmt.Fprintf(out, "  pending  %s  %s\n", m.Version, m.Name)
	}
	fmt.Fprintf(out, "%d applied, %d pending\n", len(applied), len(pending))
	return nil
}
