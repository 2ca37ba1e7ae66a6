package usage

import (
	"context"
	"strconv"
	"sync"
	"testing"
)

// blockingSink refuses to drain until released, to force backpressure.
type blockingSink struct {
	mu       sync.Mutex
	released bool
	got      []Record
}

func (s *blockingSink) Write(_ context.Context, batch []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, batch...)
	return nil
}

func (s *blockingSink) Close() error { return nil }

func TestRecorderFlushesOnClose(t *testing.T) {
	sink := &blockingSink{}
	r := NewRecorder(context.Background(), sink, nil)

	for i := 0; i < 250; i++ {
		r.Record(Record{Provider: "groq", Model: "fast-chat", InputTokens: 1})
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got) != 250 {
		t.Errorf("flushed %d records, want 250", len(sink.got))
	}
	if sink.got[0].ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("records must get an id assigned")
	}
	if sink.got[0].CreatedAt.IsZero() {
		t.Error("records must get a timestamp assigned")
	}
}

func TestRecorderEvictsOldestWhenFull(t *testing.T) {
	// A recorder whose flush goroutine never gets scheduled still never
	// blocks; overflow evicts from the front of the queue.
	r := &Recorder{
		ch:   make(chan Record, 2),
		done: make(chan struct{}),
		sink: &blockingSink{},
	}

	for i := 0; i < 5; i++ {
		r.Record(Record{Provider: "p", RequestID: "req-" + strconv.Itoa(i)})
	}
	if got := r.Dropped(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}

	// The two newest records survive; req-0 through req-2 were evicted.
	var queued []string
	for len(r.ch) > 0 {
		queued = append(queued, (<-r.ch).RequestID)
	}
	if len(queued) != 2 || queued[0] != "req-3" || queued[1] != "req-4" {
		t.Errorf("surviving queue = %v, want [req-3 req-4]", queued)
	}
}

func TestMemorySinkRing(t *testing.T) {
	s := NewMemorySink(3)

	var batch []Record
	for i := 0; i < 5; i++ {
		batch = append(batch, Record{InputTokens: uint32(i)})
	}
	if err := s.Write(context.Background(), batch); err != nil {
		t.Fatal(err)
	}

	recent := s.Recent()
	if len(recent) != 3 {
		t.Fatalf("len = %d, want 3", len(recent))
	}
	// Oldest first: records 2, 3, 4 survive.
	for i, r := range recent {
		if r.InputTokens != uint32(i+2) {
			t.Errorf("recent[%d].InputTokens = %d, want %d", i, r.InputTokens, i+2)
		}
	}
}
