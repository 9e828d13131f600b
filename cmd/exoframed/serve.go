package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	httpx "github.com/splax/exoframed/internal/http"
	"github.com/splax/exoframed/internal/runtime/docker"
	"github.com/splax/exoframed/internal/service/auth"
	"github.com/splax/exoframed/internal/service/deploy"
	"github.com/splax/exoframed/internal/tasks"
	"github.com/splax/exoframed/internal/template"
	"github.com/splax/exoframed/internal/workspace"
	"github.com/splax/exoframed/pkg/config"
	"github.com/splax/exoframed/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the deployment server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides EXOFRAME_ADDR)")
	return cmd
}

func serve(parent context.Context, cfg config.ServerConfig) error {
	log := logger.New("exoframed", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	rt, err := docker.New(cfg.DockerHost, cfg.Network)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.Ping(ctx); err != nil {
		log.Warn("docker daemon unreachable at startup", "error", err)
	}

	ws, err := workspace.New(cfg.Workdir)
	if err != nil {
		return err
	}

	executor := tasks.New(log)
	resolver := template.NewResolver(template.Builtins()...)
	deploySvc := deploy.New(resolver, rt, ws, executor, log, cfg, deploy.WithRegisterer(prometheus.DefaultRegisterer))
	authSvc := auth.New(auth.KeyFile{Path: cfg.AuthorizedKeysFile()}, st.challenges, st.tokens, log, cfg)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	checks := map[string]func(context.Context) error{"docker": deploySvc.Health}
	for name, check := range st.checks {
		checks[name] = check
	}
	router := httpx.NewRouter(log, authSvc, deploySvc, limiter, httpx.Options{
		LoginRateLimit: cfg.LoginRateLimit,
		TrustedProxies: cfg.TrustedProxies,
		Registerer:     prometheus.DefaultRegisterer,
		Gatherer:       prometheus.DefaultGatherer,
		HealthChecks:   checks,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("exoframe server starting",
			"addr", cfg.Addr,
			"token_store", cfg.TokenStore,
			"challenge_store", cfg.ChallengeStore,
			"templates", strings.Join(resolver.Names(), ","),
		)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := executor.Close(shutdownCtx); err != nil {
			log.Error("background tasks did not stop", "error", err)
		}
		log.Info("exoframe server stopped")
		return nil
	case err := <-errorCh:
		_ = executor.Close(context.Background())
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}
