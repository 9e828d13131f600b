// Package stream carries deploy progress events from the pipeline to the
// HTTP response.
package stream

import (
	"fmt"
	"sync"

	"github.com/splax/exoframed/internal/domain"
)

const defaultBuffer = 64

// Stream is a single-producer event channel with an explicit end. Sends
// after Close are dropped. The consumer must drain Events until it closes.
type Stream struct {
	mu     sync.RWMutex
	closed bool
	once   sync.Once
	events chan domain.Event
	done   chan struct{}
}

// New returns an open stream.
func New() *Stream {
	return &Stream{
		events: make(chan domain.Event, defaultBuffer),
		done:   make(chan struct{}),
	}
}

// Send writes e to the stream and reports whether it was accepted.
func (s *Stream) Send(e domain.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	if e.Level == "" {
		e.Level = domain.LevelInfo
	}
	s.events <- e
	return true
}

// Info sends an info event.
func (s *Stream) Info(format string, args ...any) {
	s.Send(domain.Event{Message: fmt.Sprintf(format, args...), Level: domain.LevelInfo})
}

// Verbose sends a verbose event.
func (s *Stream) Verbose(format string, args ...any) {
	s.Send(domain.Event{Message: fmt.Sprintf(format, args...), Level: domain.LevelVerbose})
}

// Error sends an error event.
func (s *Stream) Error(format string, args ...any) {
	s.Send(domain.Event{Message: fmt.Sprintf(format, args...), Level: domain.LevelError})
}

// Close ends the stream. It is safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
		close(s.done)
	})
}

// Events returns the channel of events, closed when the stream ends.
func (s *Stream) Events() <-chan domain.Event {
	return s.events
}

// Done is closed once the stream has ended.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Drain discards remaining events until the stream ends.
func (s *Stream) Drain() {
	for range s.events {
	}
}
