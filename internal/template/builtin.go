package template

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/splax/exoframed/internal/domain"
	"github.com/splax/exoframed/internal/runtime"
)

// Builtins returns the default registry order.
func Builtins() []Template {
	return []Template{Image{}, Dockerfile{}, Node{}, Static{}}
}

// Image starts a prebuilt image named by config.image.
type Image struct{}

func (Image) Name() string { return "image" }

func (Image) Matches(_ context.Context, tc *Context) bool {
	return strings.TrimSpace(tc.Config.Image) != ""
}

func (Image) Execute(ctx context.Context, tc *Context) error {
	ref := strings.TrimSpace(tc.Config.Image)
	if ref == "" {
		return fmt.Errorf("image template requires config.image")
	}
	tc.Stream.Info("pulling")
	if err := tc.Runtime.Pull(ctx, ref, verbose(tc)); err != nil {
		return err
	}
	return start(ctx, tc, ref, tc.Config)
}

// Dockerfile builds the project's own Dockerfile.
type Dockerfile struct{}

func (Dockerfile) Name() string { return "dockerfile" }

func (Dockerfile) Matches(_ context.Context, tc *Context) bool {
	return hasDockerfile(tc.Folder)
}

func (Dockerfile) Execute(ctx context.Context, tc *Context) error {
	return buildAndStart(ctx, tc, tc.Config)
}

// Node builds a Node.js project with a generated Dockerfile.
type Node struct{}

func (Node) Name() string { return "node" }

func (Node) Matches(_ context.Context, tc *Context) bool {
	return fileExists(filepath.Join(tc.Folder, "package.json"))
}

func (Node) Execute(ctx context.Context, tc *Context) error {
	if !hasDockerfile(tc.Folder) {
		pm := detectNodePackageManager(tc.Folder)
		if err := writeDockerfile(tc.Folder, renderNodeDockerfile(pm)); err != nil {
			return err
		}
		tc.Stream.Verbose("generated Dockerfile for %s", pm)
	}
	cfg := tc.Config
	if cfg.Port == 0 {
		cfg.Port = nodePort
	}
	return buildAndStart(ctx, tc, cfg)
}

// Static serves the project directory with nginx.
type Static struct{}

func (Static) Name() string { return "static" }

func (Static) Matches(_ context.Context, tc *Context) bool {
	return fileExists(filepath.Join(tc.Folder, "index.html"))
}

func (Static) Execute(ctx context.Context, tc *Context) error {
	if !hasDockerfile(tc.Folder) {
		if err := writeDockerfile(tc.Folder, renderStaticDockerfile()); err != nil {
			return err
		}
	}
	cfg := tc.Config
	if cfg.Port == 0 {
		cfg.Port = staticPort
	}
	return buildAndStart(ctx, tc, cfg)
}

func buildAndStart(ctx context.Context, tc *Context, cfg domain.ProjectConfig) error {
	tag := domain.ImageTag(tc.Username, tc.Config)
	tc.Stream.Info("building")
	err := tc.Runtime.Build(ctx, runtime.BuildRequest{
		Dir:      tc.Folder,
		Tag:      tag,
		Labels:   runtime.ProjectLabels(tc.Username, tc.Project),
		OnOutput: verbose(tc),
	})
	if err != nil {
		return err
	}
	return start(ctx, tc, tag, cfg)
}

func start(ctx context.Context, tc *Context, image string, cfg domain.ProjectConfig) error {
	name := domain.ContainerName(tc.Username, tc.Config, uuid.NewString()[:8])
	started, err := tc.Runtime.Start(ctx, runtime.StartRequest{
		Image:    image,
		Name:     name,
		Username: tc.Username,
		Project:  tc.Project,
		Config:   cfg,
		Network:  tc.Server.Network,
	})
	if err != nil {
		return err
	}
	data := map[string]any{"name": started.Name, "id": started.ID}
	if cfg.Domain != "" {
		data["domain"] = cfg.Domain
	}
	tc.Stream.Send(domain.Event{Message: "started", Level: domain.LevelInfo, Data: data})
	if tc.Logger != nil {
		tc.Logger.Info("container started", "user", tc.Username, "project", tc.Project, "container_id", started.ID, "name", started.Name)
	}
	return nil
}

func verbose(tc *Context) runtime.OutputFunc {
	return func(line string) {
		tc.Stream.Verbose("%s", line)
	}
}

func writeDockerfile(dir, content string) error {
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write dockerfile: %w", err)
	}
	return nil
}
