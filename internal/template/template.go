// Package template selects and runs the build strategy for an unpacked
// project.
package template

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/splax/exoframed/internal/domain"
	"github.com/splax/exoframed/internal/runtime"
	"github.com/splax/exoframed/internal/stream"
	"github.com/splax/exoframed/pkg/config"
)

// Context bundles what a template needs to inspect and deploy a project.
type Context struct {
	Config   domain.ProjectConfig
	Server   config.ServerConfig
	Username string
	// Folder is the directory the project archive was unpacked into.
	Folder string
	// Project is the label value shared by all generations of the project.
	Project  string
	Existing []domain.Container
	Stream   *stream.Stream
	Runtime  runtime.Facade
	Logger   *slog.Logger
}

// Template is one build/run strategy.
type Template interface {
	Name() string
	// Matches reports whether the template can deploy the project. It may
	// probe the filesystem and is never called concurrently.
	Matches(ctx context.Context, tc *Context) bool
	Execute(ctx context.Context, tc *Context) error
}

// NotFoundError reports that no template could be resolved. Name is empty
// when no template matched.
type NotFoundError struct {
	Name string
}

func (e NotFoundError) Error() string {
	if e.Name == "" {
		return "template: no template matches the project"
	}
	return fmt.Sprintf("template: %q not found", e.Name)
}

// Resolver picks a template from a fixed, ordered registry.
type Resolver struct {
	templates []Template
}

// NewResolver registers templates in priority order.
func NewResolver(templates ...Template) Resolver {
	return Resolver{templates: append([]Template(nil), templates...)}
}

// Names lists registered template names in priority order.
func (r Resolver) Names() []string {
	names := make([]string, 0, len(r.templates))
	for _, t := range r.templates {
		names = append(names, t.Name())
	}
	return names
}

// Resolve returns the template named by the project config, or else the
// first registered template whose Matches reports true.
func (r Resolver) Resolve(ctx context.Context, tc *Context) (Template, error) {
	if name := tc.Config.Template; name != "" {
		for _, t := range r.templates {
			if t.Name() == name {
				return t, nil
			}
		}
		return nil, NotFoundError{Name: name}
	}
	for _, t := range r.templates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t.Matches(ctx, tc) {
			return t, nil
		}
	}
	return nil, NotFoundError{}
}
