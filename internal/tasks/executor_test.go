package tasks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecutorRunsAndSurvivesFailures(t *testing.T) {
	e := New(newLogger())
	var ran atomic.Int32
	if err := e.Submit("ok", func(context.Context) error { ran.Add(1); return nil }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.Submit("fails", func(context.Context) error { ran.Add(1); return errors.New("boom") }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.Submit("panics", func(context.Context) error { ran.Add(1); panic("kaboom") }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ran.Load() != 3 {
		t.Fatalf("expected 3 tasks to run, got %d", ran.Load())
	}
}

func TestCloseCancelsRunningTasks(t *testing.T) {
	e := New(newLogger())
	started := make(chan struct{})
	if err := e.Submit("waits", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Submit("late", func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
