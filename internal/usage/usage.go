// Package usage implements the non-blocking, batched usage recorder.
//
// Usage records are written to an internal buffered channel and flushed in
// batches by a background goroutine, so recording never blocks the request
// hot path. When the channel is full the oldest queued record is evicted to
// make room for the new one; every eviction is counted.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 1024
	batchSize     = 100
	flushInterval = time.Second
)

// Record is one completed (or failed) gateway request.
type Record struct {
	ID        uuid.UUID
	RequestID string
	TenantID  string
	UserID    string

	Provider  string
	Model     string // canonical id
	ModelPath string // provider-native name actually invoked
	Endpoint  string

	InputTokens  uint32
	OutputTokens uint32
	CostUSD      float64

	Status    uint16
	ErrorKind string
	LatencyMs uint32
	Stream    bool
	Attempts  uint8

	CreatedAt time.Time
}

// Sink persists flushed batches. Implementations must tolerate being called
// from a single background goroutine.
type Sink interface {
	Write(ctx context.Context, batch []Record) error
	Close() error
}

// Recorder buffers records and flushes them to a Sink in batches.
type Recorder struct {
	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64
	onDrop  func()

	sink    Sink
	baseCtx context.Context
	log     *slog.Logger
}

// SetDropHook registers an observer called once per dropped record (metrics).
func (r *Recorder) SetDropHook(fn func()) { r.onDrop = fn }

// NewRecorder starts the flush goroutine. A nil sink records to the log only.
func NewRecorder(ctx context.Context, sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = &logSink{log: log}
	}

	r := &Recorder{
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		sink:    sink,
		baseCtx: ctx,
		log:     log,
	}

	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues one usage record; never blocks. On a full buffer the
// oldest queued record is evicted so recent traffic always lands.
func (r *Recorder) Record(rec Record) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case r.ch <- rec:
		return
	default:
	}

	select {
	case <-r.ch:
		r.noteDrop()
	default:
		// Flusher drained a slot in the meantime; nothing to evict.
	}

	select {
	case r.ch <- rec:
	default:
		// Filled again before we could enqueue; the new record is the loss.
		r.noteDrop()
	}
}

func (r *Recorder) noteDrop() {
	atomic.AddInt64(&r.dropped, 1)
	if r.onDrop != nil {
		r.onDrop()
	}
}

// Dropped returns how many records were lost to backpressure.
func (r *Recorder) Dropped() int64 { return atomic.LoadInt64(&r.dropped) }

// Close drains the channel, flushes the final batch, and closes the sink.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return r.sink.Close()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.sink.Write(r.baseCtx, batch); err != nil {
			r.log.Error("usage_flush_failed",
				slog.Int("batch", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case rec := <-r.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// logSink writes each record as a structured log line. Used when no DSN is
// configured.
type logSink struct {
	log *slog.Logger
}

func (s *logSink) Write(ctx context.Context, batch []Record) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "usage",
			slog.String("id", e.ID.String()),
			slog.String("request_id", e.RequestID),
			slog.String("tenant", e.TenantID),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.String("endpoint", e.Endpoint),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Float64("cost_usd", e.CostUSD),
			slog.Uint64("status", uint64(e.Status)),
			slog.String("error_kind", e.ErrorKind),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Bool("stream", e.Stream),
			slog.Time("created_at", e.CreatedAt),
		)
	}
	return nil
}

func (s *logSink) Close() error { return nil }
