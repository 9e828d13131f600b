// Package runtimetest provides an in-memory runtime.Facade for tests.
package runtimetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/splax/exoframed/internal/domain"
	"github.com/splax/exoframed/internal/runtime"
)

// Fake records calls and keeps a container table. Func fields override the
// default behaviour when set.
type Fake struct {
	mu         sync.Mutex
	containers []domain.Container
	seq        int

	Builds  []runtime.BuildRequest
	Pulls   []string
	Starts  []runtime.StartRequest
	Removed []string
	Prunes  int

	ListFunc   func(ctx context.Context, opts runtime.ListOptions) ([]domain.Container, error)
	BuildFunc  func(ctx context.Context, req runtime.BuildRequest) error
	StartFunc  func(ctx context.Context, req runtime.StartRequest) (domain.Container, error)
	RemoveFunc func(ctx context.Context, id string) error
	PingFunc   func(ctx context.Context) error
}

var _ runtime.Facade = (*Fake)(nil)

// Add seeds containers.
func (f *Fake) Add(containers ...domain.Container) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers = append(f.containers, containers...)
}

// Set replaces the state and status of the container with id.
func (f *Fake) Set(id, state, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.containers {
		if f.containers[i].ID == id {
			f.containers[i].State = state
			f.containers[i].Status = status
		}
	}
}

// Containers returns a snapshot of the container table.
func (f *Fake) Containers() []domain.Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Container(nil), f.containers...)
}

// RemovedIDs returns a snapshot of removed container ids.
func (f *Fake) RemovedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Removed...)
}

func (f *Fake) List(ctx context.Context, opts runtime.ListOptions) ([]domain.Container, error) {
	if f.ListFunc != nil {
		return f.ListFunc(ctx, opts)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Container
	for _, c := range f.containers {
		if !opts.All && c.State != domain.ContainerStateRunning {
			continue
		}
		if matchesLabels(c, opts.Labels) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *Fake) Build(ctx context.Context, req runtime.BuildRequest) error {
	f.mu.Lock()
	f.Builds = append(f.Builds, req)
	f.mu.Unlock()
	if f.BuildFunc != nil {
		return f.BuildFunc(ctx, req)
	}
	return nil
}

func (f *Fake) Pull(_ context.Context, image string, _ runtime.OutputFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pulls = append(f.Pulls, image)
	return nil
}

func (f *Fake) Start(ctx context.Context, req runtime.StartRequest) (domain.Container, error) {
	f.mu.Lock()
	f.Starts = append(f.Starts, req)
	f.mu.Unlock()
	if f.StartFunc != nil {
		return f.StartFunc(ctx, req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	c := domain.Container{
		ID:     fmt.Sprintf("new-%d", f.seq),
		Name:   req.Name,
		Image:  req.Image,
		State:  domain.ContainerStateRunning,
		Status: "Up 1 second",
		Labels: map[string]string{
			domain.LabelUser:    req.Username,
			domain.LabelProject: req.Project,
			domain.LabelName:    req.Name,
		},
	}
	f.containers = append(f.containers, c)
	return c, nil
}

func (f *Fake) Remove(ctx context.Context, id string) error {
	if f.RemoveFunc != nil {
		if err := f.RemoveFunc(ctx, id); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Removed = append(f.Removed, id)
	kept := f.containers[:0]
	for _, c := range f.containers {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	f.containers = kept
	return nil
}

func (f *Fake) Prune(context.Context) (runtime.PruneReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Prunes++
	return runtime.PruneReport{}, nil
}

// PruneCount returns how many prune passes ran.
func (f *Fake) PruneCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Prunes
}

func (f *Fake) Ping(ctx context.Context) error {
	if f.PingFunc != nil {
		return f.PingFunc(ctx)
	}
	return nil
}

func matchesLabels(c domain.Container, labels map[string]string) bool {
	for k, v := range labels {
		if c.Label(k) != v {
			return false
		}
	}
	return true
}
