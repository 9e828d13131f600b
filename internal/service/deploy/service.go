// Package deploy runs deployments and retires the previous generation of
// containers on update.
package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/exoframed/internal/domain"
	"github.com/splax/exoframed/internal/runtime"
	"github.com/splax/exoframed/internal/stream"
	"github.com/splax/exoframed/internal/tasks"
	"github.com/splax/exoframed/internal/template"
	"github.com/splax/exoframed/internal/workspace"
	"github.com/splax/exoframed/pkg/config"
)

// Scheduler runs background work on a server-lifetime context.
type Scheduler interface {
	Submit(name string, fn tasks.Func) error
	Context() context.Context
}

// Workspace unpacks uploads into temporary folders.
type Workspace interface {
	Unpack(r io.Reader, identifier string) (string, error)
	Cleanup(path string) error
}

// Service coordinates deploy and update requests.
type Service struct {
	pipeline  Pipeline
	runtime   runtime.Facade
	workspace Workspace
	tasks     Scheduler
	logger    *slog.Logger
	cfg       config.ServerConfig
	metrics   metrics
	after     func(time.Duration) <-chan time.Time
	now       func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces the timer and clock used by the rollout loop.
func WithClock(after func(time.Duration) <-chan time.Time, now func() time.Time) Option {
	return func(s *Service) {
		if after != nil {
			s.after = after
		}
		if now != nil {
			s.now = now
		}
	}
}

// WithRegisterer registers the service's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) {
		s.metrics = newMetrics(reg)
	}
}

// New constructs a Service.
func New(resolver Resolver, rt runtime.Facade, ws Workspace, sched Scheduler, logger *slog.Logger, cfg config.ServerConfig, opts ...Option) *Service {
	s := &Service{
		pipeline:  NewPipeline(resolver, logger),
		runtime:   rt,
		workspace: ws,
		tasks:     sched,
		logger:    logger,
		cfg:       cfg,
		metrics:   newMetrics(nil),
		after:     time.After,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deploy unpacks archive and starts a fresh deployment. Progress is
// reported on the returned stream; the deployment keeps running if the
// caller stops reading, as long as it drains the stream.
func (s *Service) Deploy(ctx context.Context, user domain.User, archive io.Reader) (*stream.Stream, error) {
	tc, err := s.prepare(ctx, user, archive)
	if err != nil {
		return nil, err
	}
	err = s.tasks.Submit("deploy:"+tc.Project, func(taskCtx context.Context) error {
		s.runPipeline(taskCtx, "deploy", tc)
		s.cleanupFolder(tc)
		s.schedulePrune()
		return nil
	})
	if err != nil {
		s.cleanupFolder(tc)
		return nil, fmt.Errorf("schedule deploy: %w", err)
	}
	return tc.Stream, nil
}

// Update deploys a new generation next to the running one and, once the
// stream ends, retires the containers that existed before the update.
func (s *Service) Update(ctx context.Context, user domain.User, archive io.Reader) (*stream.Stream, error) {
	tc, err := s.prepare(ctx, user, archive)
	if err != nil {
		return nil, err
	}

	existing, err := s.runtime.List(ctx, runtime.ListOptions{All: true, Labels: runtime.ProjectLabels(user.Username, tc.Project)})
	if err != nil {
		s.cleanupFolder(tc)
		return nil, fmt.Errorf("snapshot existing containers: %w", err)
	}
	tc.Existing = existing
	attempt := domain.RolloutAttempt{
		Username:  user.Username,
		Project:   tc.Project,
		Remaining: existing,
		State:     domain.RolloutSnapshotTaken,
	}
	s.logger.Info("update started", "user", user.Username, "project", tc.Project, "existing", len(existing))

	err = s.tasks.Submit("update:"+tc.Project, func(taskCtx context.Context) error {
		attempt.State = domain.RolloutDeploying
		s.runPipeline(taskCtx, "update", tc)
		s.cleanupFolder(tc)
		attempt.State = domain.RolloutCleanupWait
		return s.tasks.Submit("rollout:"+tc.Project, func(rolloutCtx context.Context) error {
			_, err := s.runRollout(rolloutCtx, attempt)
			return err
		})
	})
	if err != nil {
		s.cleanupFolder(tc)
		return nil, fmt.Errorf("schedule update: %w", err)
	}
	return tc.Stream, nil
}

func (s *Service) prepare(_ context.Context, user domain.User, archive io.Reader) (*template.Context, error) {
	folder, err := workspace.FolderName(user.Username)
	if err != nil {
		return nil, err
	}
	dir, err := s.workspace.Unpack(archive, folder)
	if err != nil {
		return nil, err
	}
	cfg, err := domain.LoadProjectConfig(dir)
	if err != nil {
		_ = s.workspace.Cleanup(dir)
		return nil, err
	}
	return &template.Context{
		Config:   cfg,
		Server:   s.cfg,
		Username: user.Username,
		Folder:   dir,
		Project:  domain.ProjectID(user.Username, cfg),
		Stream:   stream.New(),
		Runtime:  s.runtime,
		Logger:   s.logger,
	}, nil
}

func (s *Service) runPipeline(ctx context.Context, kind string, tc *template.Context) {
	outcome := s.pipeline.run(ctx, tc)
	s.metrics.deploys.WithLabelValues(kind, outcome).Inc()
	s.logger.Info("pipeline finished", "kind", kind, "user", tc.Username, "project", tc.Project, "outcome", outcome)
}

func (s *Service) cleanupFolder(tc *template.Context) {
	if err := s.workspace.Cleanup(tc.Folder); err != nil {
		s.logger.Warn("temp folder cleanup failed", "folder", tc.Folder, "error", err)
	}
}

func (s *Service) schedulePrune() {
	if !s.cfg.Autoprune {
		return
	}
	err := s.tasks.Submit("prune", func(ctx context.Context) error {
		report, err := s.runtime.Prune(ctx)
		if err != nil {
			return err
		}
		s.logger.Info("runtime pruned",
			"containers", report.ContainersDeleted,
			"images", report.ImagesDeleted,
			"reclaimed_bytes", report.SpaceReclaimed,
		)
		return nil
	})
	if err != nil {
		s.logger.Warn("prune not scheduled", "error", err)
	}
}

// Health checks the container runtime.
func (s *Service) Health(ctx context.Context) error {
	return s.runtime.Ping(ctx)
}
