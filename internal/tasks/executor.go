// Package tasks runs fire-and-forget background work owned by the server.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("tasks: executor closed")

// Func is a unit of background work. ctx is cancelled on shutdown.
type Func func(ctx context.Context) error

// Executor runs submitted tasks on their own goroutines. Task errors and
// panics are logged and never reach the submitter.
type Executor struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New returns an Executor whose tasks share a server-lifetime context.
func New(logger *slog.Logger) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{ctx: ctx, cancel: cancel, logger: logger}
}

// Submit starts fn in the background.
func (e *Executor) Submit(name string, fn Func) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.wg.Add(1)
	go e.run(name, fn)
	return nil
}

// Context returns the server-lifetime context shared by tasks.
func (e *Executor) Context() context.Context {
	return e.ctx
}

func (e *Executor) run(name string, fn Func) {
	defer e.wg.Done()
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("background task panicked", "task", name, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
		}
	}()
	if err := fn(e.ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			e.logger.Info("background task cancelled", "task", name)
			return
		}
		e.logger.Error("background task failed", "task", name, "error", err, "duration", time.Since(start))
		return
	}
	e.logger.Debug("background task finished", "task", name, "duration", time.Since(start))
}

// Close stops accepting tasks, cancels running ones and waits for them
// until ctx is done.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for background tasks: %w", ctx.Err())
	}
}
