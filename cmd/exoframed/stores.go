package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/exoframed/internal/app/migrate"
	"github.com/splax/exoframed/internal/repository"
	badgerstore "github.com/splax/exoframed/internal/repository/badger"
	"github.com/splax/exoframed/internal/repository/postgres"
	redisstore "github.com/splax/exoframed/internal/repository/redis"
	"github.com/splax/exoframed/pkg/config"
)

// stores holds the persistence backends selected by configuration. Each
// backend is opened once and closed on shutdown.
type stores struct {
	challenges repository.ChallengeStore
	tokens     repository.TokenRegistry
	checks     map[string]func(context.Context) error
	closers    []func()
}

func openStores(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) (*stores, error) {
	s := &stores{checks: make(map[string]func(context.Context) error)}

	if cfg.TokenStore == config.BackendBadger || cfg.ChallengeStore == config.BackendBadger {
		db, err := badgerstore.Open(badgerstore.Config{
			Path:       cfg.DataDir,
			SyncWrites: true,
			Logger:     log,
			GCInterval: badgerstore.DefaultConfig(cfg.DataDir).GCInterval,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() {
			if err := db.Close(); err != nil {
				log.Error("close badger store", "error", err)
			}
		})
		s.checks["badger"] = db.Ping
		if cfg.TokenStore == config.BackendBadger {
			s.tokens = db
		}
		if cfg.ChallengeStore == config.BackendBadger {
			s.challenges = db
		}
	}

	if cfg.ChallengeStore == config.BackendRedis {
		rdb, err := redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open redis challenge store: %w", err)
		}
		s.closers = append(s.closers, func() { _ = rdb.Close() })
		s.checks["redis"] = rdb.Ping
		s.challenges = rdb
	}

	if cfg.TokenStore == config.BackendPostgres {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		runner, err := migrate.New(pool, cfg.DatabaseURL, postgres.Migrations, postgres.MigrationsDir, log)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := runner.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("database ping: %w", err)
		}
		if err := runner.Ensure(ctx); err != nil {
			s.Close()
			return nil, err
		}
		repo := postgres.New(pool)
		s.checks["postgres"] = repo.Ping
		s.tokens = repo
	}

	return s, nil
}

// Close releases backends in reverse opening order.
func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
