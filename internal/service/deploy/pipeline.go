package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/splax/exoframed/internal/template"
)

// Resolver selects the template for a project.
type Resolver interface {
	Resolve(ctx context.Context, tc *template.Context) (template.Template, error)
}

// Pipeline runs one deployment attempt and reports progress on the
// context's stream.
type Pipeline struct {
	resolver Resolver
	logger   *slog.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(resolver Resolver, logger *slog.Logger) Pipeline {
	return Pipeline{resolver: resolver, logger: logger}
}

const (
	outcomeSuccess          = "success"
	outcomeFailed           = "failed"
	outcomeTemplateNotFound = "template_not_found"
)

// Run resolves and executes the project's template. Every failure becomes
// a terminal error event, and the stream is always closed on return.
func (p Pipeline) Run(ctx context.Context, tc *template.Context) {
	p.run(ctx, tc)
}

func (p Pipeline) run(ctx context.Context, tc *template.Context) (outcome string) {
	defer tc.Stream.Close()

	tmpl, err := p.resolver.Resolve(ctx, tc)
	if err != nil {
		var nf template.NotFoundError
		if errors.As(err, &nf) {
			p.logger.Warn("template not found", "user", tc.Username, "project", tc.Project, "template", nf.Name)
			tc.Stream.Error("%s", notFoundMessage(nf))
			return outcomeTemplateNotFound
		}
		p.logger.Error("template resolution failed", "user", tc.Username, "project", tc.Project, "error", err)
		tc.Stream.Error("Build failed! %v", err)
		return outcomeFailed
	}

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("template panicked", "template", tmpl.Name(), "user", tc.Username, "panic", fmt.Sprint(rec))
			tc.Stream.Error("Deployment failed! %v", rec)
			outcome = outcomeFailed
		}
	}()

	p.logger.Debug("using template", "template", tmpl.Name(), "user", tc.Username, "project", tc.Project)
	if err := tmpl.Execute(ctx, tc); err != nil {
		p.logger.Error("deployment failed", "template", tmpl.Name(), "user", tc.Username, "project", tc.Project, "error", err)
		tc.Stream.Error("Deployment failed! %v", err)
		return outcomeFailed
	}
	return outcomeSuccess
}

func notFoundMessage(nf template.NotFoundError) string {
	if nf.Name == "" {
		return "Build failed! Couldn't find a template for this project!"
	}
	return fmt.Sprintf("Build failed! Couldn't find template: %s!", nf.Name)
}
