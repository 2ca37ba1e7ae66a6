package usage

import (
	"context"
	"sync"
)

// MemorySink keeps the most recent records in a ring buffer. It backs tests
// and deployments with no DSN that still want the recent-usage debug view.
type MemorySink struct {
	mu   sync.Mutex
	buf  []Record
	next int
	full bool
}

// NewMemorySink creates a ring holding up to capacity records.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemorySink{buf: make([]Record, capacity)}
}

// Write implements Sink.
func (s *MemorySink) Write(_ context.Context, batch []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range batch {
		s.buf[s.next] = r
		s.next = (s.next + 1) % len(s.buf)
		if s.next == 0 {
			s.full = true
		}
	}
	return nil
}

// Close implements Sink.
func (s *MemorySink) Close() error { return nil }

// Recent returns the buffered records, oldest first.
func (s *MemorySink) Recent() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.full {
		out := make([]Record, s.next)
		copy(out, s.buf[:s.next])
		return out
	}
	out := make([]Record, 0, len(s.buf))
	out = append(out, s.buf[s.next:]...)
	out = append(out, s.buf[:s.next]...)
	return out
}
