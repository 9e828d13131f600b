// Package runtime defines the container runtime operations the deploy
// service depends on.
package runtime

import (
	"context"

	"github.com/splax/exoframed/internal/domain"
)

// OutputFunc receives incremental build or pull output.
type OutputFunc func(string)

// ListOptions filters container listings.
type ListOptions struct {
	// All includes stopped containers.
	All bool
	// Labels must all match exactly.
	Labels map[string]string
}

// BuildRequest describes an image build from a directory.
type BuildRequest struct {
	Dir      string
	Tag      string
	Labels   map[string]string
	OnOutput OutputFunc
}

// StartRequest describes a container to create and start.
type StartRequest struct {
	Image    string
	Name     string
	Username string
	Project  string
	Config   domain.ProjectConfig
	// Network overrides the configured default network when set.
	Network string
}

// PruneReport summarizes a prune pass.
type PruneReport struct {
	ContainersDeleted int
	ImagesDeleted     int
	SpaceReclaimed    uint64
}

// Facade is the container runtime surface used by templates and the
// rollout loop. Remove must treat a missing container as success.
type Facade interface {
	List(ctx context.Context, opts ListOptions) ([]domain.Container, error)
	Build(ctx context.Context, req BuildRequest) error
	Pull(ctx context.Context, image string, onOutput OutputFunc) error
	Start(ctx context.Context, req StartRequest) (domain.Container, error)
	Remove(ctx context.Context, id string) error
	Prune(ctx context.Context) (PruneReport, error)
	Ping(ctx context.Context) error
}

// ProjectLabels returns the label filter selecting a user's project.
func ProjectLabels(username, project string) map[string]string {
	return map[string]string{
		domain.LabelUser:    username,
		domain.LabelProject: project,
	}
}
