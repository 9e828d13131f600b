package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/splax/exoframed/internal/app/migrate"
	"github.com/splax/exoframed/internal/repository/postgres"
	"github.com/splax/exoframed/pkg/config"
	"github.com/splax/exoframed/pkg/logger"
)

func newMigrateCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres token registry schema",
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "command timeout")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRunner(cmd.Context(), timeout, func(ctx context.Context, r migrate.Runner) error {
				return r.Ensure(ctx)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print migration status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRunner(cmd.Context(), timeout, func(ctx context.Context, r migrate.Runner) error {
				return r.Status(ctx)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down [target-version]",
		Short: "Roll back one migration, or down to target-version",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target int64
			if len(args) == 1 {
				v, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid target version %q: %w", args[0], err)
				}
				target = v
			}
			return withRunner(cmd.Context(), timeout, func(ctx context.Context, r migrate.Runner) error {
				return r.Down(ctx, target)
			})
		},
	})
	return cmd
}

func withRunner(parent context.Context, timeout time.Duration, fn func(context.Context, migrate.Runner) error) error {
	cfg, err := config.ReadServerConfig()
	if err != nil {
		return err
	}
	log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, postgres.Migrations, postgres.MigrationsDir, log)
	if err != nil {
		return err
	}
	if err := fn(ctx, runner); err != nil {
		return err
	}
	log.Info("migration command completed")
	return nil
}
