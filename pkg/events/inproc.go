package events

import (
	"context"
	"sync"

	"github.com/entitygraph/entitygraph/pkg/entity"
)

// InprocSink buffers events in memory behind a bounded channel. It backs
// single-process deployments and tests; consumers drain Events().
type InprocSink struct {
	ch     chan ChangeEvent
	mu     sync.Mutex
	closed bool
}

// NewInprocSink creates a sink with the given buffer capacity.
func NewInprocSink(capacity int) *InprocSink {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InprocSink{ch: make(chan ChangeEvent, capacity)}
}

var _ Sink = (*InprocSink)(nil)

// Publish enqueues the event. A full buffer is a retryable condition, not
// a blocking one: the write path must never stall on event delivery.
func (s *InprocSink) Publish(ctx context.Context, ev ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return entity.NewTransientError("event sink closed", nil)
	}
	select {
	case s.ch <- ev:
		return nil
	default:
		return entity.NewTransientError("event buffer full", nil)
	}
}

// Events returns the consumer side of the buffer.
func (s *InprocSink) Events() <-chan ChangeEvent { return s.ch }

func (s *InprocSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
