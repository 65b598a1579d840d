package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/entitygraph/entitygraph/pkg/entity"
)

// FileSink appends events as JSON lines to a file. Useful for local
// development and as a poor man's change log.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// NewFileSink opens (or creates) the file at path in append mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening event log %q: %w", path, err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f), path: path}, nil
}

var _ Sink = (*FileSink)(nil)

func (s *FileSink) Publish(ctx context.Context, ev ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return entity.NewTransientError("event sink closed", nil)
	}
	if err := s.enc.Encode(ev); err != nil {
		return entity.NewTransientError("appending event to "+s.path, err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
