// Package audit provides append-only sinks for invocation audit records.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrClosed is returned when appending to a closed sink.
var ErrClosed = errors.New("audit: sink is closed")

// Phase is the point in an invocation a record describes.
type Phase string

const (
	PhaseEnter Phase = "enter"
	PhaseExit  Phase = "exit"
)

// Record is one audit entry.
type Record struct {
	InvocationID string    `json:"invocation_id,omitempty"`
	ToolID       string    `json:"tool_id"`
	Caller       string    `json:"caller,omitempty"`
	Phase        Phase     `json:"phase"`
	Depth        int       `json:"depth"`
	Outcome      string    `json:"outcome,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Sink receives audit records.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Ordering: records appended by one goroutine keep their order.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append stores rec.
func (s *MemorySink) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

// Records returns a copy of all stored records.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// WriterSink writes records as JSON lines.
type WriterSink struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
	closed bool
}

// NewWriterSink creates a sink writing to w. If w is an io.Closer it is
// closed by Close.
func NewWriterSink(w io.Writer) *WriterSink {
	s := &WriterSink{enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Append writes rec as one JSON line.
func (s *WriterSink) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("audit: write record: %w", err)
	}
	return nil
}

// Close closes the underlying writer if it is closable.
func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Discard drops every record.
type Discard struct{}

// Append drops rec.
func (Discard) Append(context.Context, Record) error { return nil }

// Ensure sinks implement Sink
var (
	_ Sink = (*MemorySink)(nil)
	_ Sink = (*WriterSink)(nil)
	_ Sink = Discard{}
)
