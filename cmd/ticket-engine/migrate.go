package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"qms/ticket-engine/internal/config"
	"qms/ticket-engine/internal/logger"
	"qms/ticket-engine/internal/store/postgres"
)

func newMigrateCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
		Long:  `Apply or inspect the embedded schema migrations of the postgres store.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Run all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withPool(cmd.Context(), *configFile, func(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) error {
					if err := postgres.Migrate(ctx, pool); err != nil {
						return err
					}
					version, err := postgres.SchemaVersion(ctx, pool)
					if err != nil {
						return err
					}
					log.Info("migrations applied", "version", version)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withPool(cmd.Context(), *configFile, func(ctx context.Context, pool *pgxpool.Pool, _ *slog.Logger) error {
					return postgres.MigrationStatus(ctx, pool)
				})
			},
		},
	)
	return cmd
}

func withPool(ctx context.Context, configFile string, fn func(context.Context, *pgxpool.Pool, *slog.Logger) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DB_DSN is required for migrations")
	}
	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()
	return fn(ctx, pool, log)
}
