package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"briefcanvas/api/internal/config"
	"briefcanvas/api/internal/logging"
	"briefcanvas/api/internal/store"
)

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the PostgreSQL schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrateUp(cmd.Context(), cfg)
		},
	})

	var confirm bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Drop every table created by the migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return errors.New("refusing to drop the schema without --yes")
			}
			return migrateDown(cmd.Context(), cfg)
		},
	}
	down.Flags().BoolVar(&confirm, "yes", false, "confirm the rollback")
	cmd.AddCommand(down)
	return cmd
}

func migrateUp(ctx context.Context, cfg *config.Config) error {
	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, store.Migrations())
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	log.Info().Strs("applied", applied).Msg("schema up to date")
	return nil
}

func migrateDown(ctx context.Context, cfg *config.Config) error {
	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.RollbackMigrations(ctx, db, store.Migrations()); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	log.Warn().Msg("schema rolled back")
	return nil
}
