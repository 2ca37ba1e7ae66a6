// Package quota enforces per-provider RPM/TPM limits over a sliding
// 60-second window.
//
// Check is consulted before each attempt and never mutates the window;
// Record appends after tokens are known. Counters are approximate by
// contract — the invariant is that no provider is admitted more than its
// limit per strict window by more than a bounded fraction.
//
// Two backends: an in-process tracker (single replica) and a Redis-backed
// tracker sharing the window across replicas.
package quota

import (
	"context"
	"sync"
	"time"
)

// Window is the sliding-window length for both RPM and TPM.
const Window = time.Minute

// warnFraction is the utilisation at which Decision.Warning turns on.
const warnFraction = 0.8

// Limits carries the provider's configured rate limits; nil means unlimited.
type Limits struct {
	RPM *int
	TPM *int
}

// Decision is the admission result for one provider.
type Decision struct {
	Allowed bool

	// Warning is set when utilisation is at or above 80% of either limit.
	Warning bool

	// Utilisation is the higher of the request and token window fractions,
	// in [0,1]. Zero when the provider has no limits.
	Utilisation float64
}

// Tracker is the admission and recording interface consumed by the router.
type Tracker interface {
	// Check reports whether providerKey may receive another request under
	// limits. Errors indicate backend trouble; callers degrade to admit.
	Check(ctx context.Context, providerKey string, limits Limits) (Decision, error)

	// Record appends a completed request with its token count to the window.
	Record(ctx context.Context, providerKey string, inputTokens, outputTokens int) error
}

type sample struct {
	at     time.Time
	tokens int
}

type window struct {
	mu      sync.Mutex
	samples []sample
}

// prune drops samples older than the window. Caller holds mu.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for ; i < len(w.samples); i++ {
		if w.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
}

// MemoryTracker is the in-process Tracker.
type MemoryTracker struct {
	mu      sync.RWMutex
	windows map[string]*window

	now func() time.Time
}

// NewMemoryTracker creates an empty MemoryTracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (t *MemoryTracker) get(providerKey string) *window {
	t.mu.RLock()
	w := t.windows[providerKey]
	t.mu.RUnlock()
	if w != nil {
		return w
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if w = t.windows[providerKey]; w == nil {
		w = &window{}
		t.windows[providerKey] = w
	}
	return w
}

// Check implements Tracker.
func (t *MemoryTracker) Check(_ context.Context, providerKey string, limits Limits) (Decision, error) {
	if limits.RPM == nil && limits.TPM == nil {
		return Decision{Allowed: true}, nil
	}

	w := t.get(providerKey)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(t.now())

	requests := len(w.samples)
	tokens := 0
	for _, s := range w.samples {
		tokens += s.tokens
	}

	return decide(requests, tokens, limits), nil
}

// Record implements Tracker.
func (t *MemoryTracker) Record(_ context.Context, providerKey string, inputTokens, outputTokens int) error {
	w := t.get(providerKey)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := t.now()
	w.prune(now)
	w.samples = append(w.samples, sample{at: now, tokens: inputTokens + outputTokens})
	return nil
}

// SetNowFunc overrides the tracker's clock. Tests only.
func (t *MemoryTracker) SetNowFunc(now func() time.Time) { t.now = now }

// decide converts window occupancy into an admission decision.
func decide(requests, tokens int, limits Limits) Decision {
	util := 0.0

	if limits.RPM != nil && *limits.RPM > 0 {
		if requests >= *limits.RPM {
			return Decision{Allowed: false, Warning: true, Utilisation: 1}
		}
		if u := float64(requests) / float64(*limits.RPM); u > util {
			util = u
		}
	}
	if limits.TPM != nil && *limits.TPM > 0 {
		if tokens >= *limits.TPM {
			return Decision{Allowed: false, Warning: true, Utilisation: 1}
		}
		if u := float64(tokens) / float64(*limits.TPM); u > util {
			util = u
		}
	}

	return Decision{
		Allowed:     true,
		Warning:     util >= warnFraction,
		Utilisation: util,
	}
}
