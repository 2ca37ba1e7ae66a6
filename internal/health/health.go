// Package health tracks per-provider success/failure counters and cooldown
// windows. A provider inside its cooldown window is skipped by the
// orchestrator; the window grows exponentially under sustained failure.
//
// Records are keyed by provider and guarded by per-record mutexes — a
// read-modify-write on one provider never blocks another.
package health

import (
	"sync"
	"time"
)

const (
	// DefaultCooldown is applied on the first failures.
	DefaultCooldown = 30 * time.Second

	// MaxCooldown caps the exponential backoff.
	MaxCooldown = 10 * time.Minute

	// backoffThreshold is the consecutive-failure count after which the
	// cooldown starts doubling.
	backoffThreshold = 5
)

// Record is the health state of one provider.
type Record struct {
	ConsecutiveFailures int
	LastFailureAt       time.Time
	CooldownUntil       time.Time
	SuccessCount        int64
	FailureCount        int64
}

// Healthy reports whether the record's cooldown has elapsed at now.
func (r Record) Healthy(now time.Time) bool {
	return !now.Before(r.CooldownUntil)
}

type entry struct {
	mu  sync.Mutex
	rec Record
}

// Store is an in-memory health store safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (s *Store) get(providerKey string) *entry {
	s.mu.RLock()
	e := s.entries[providerKey]
	s.mu.RUnlock()
	if e != nil {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.entries[providerKey]; e == nil {
		e = &entry{}
		s.entries[providerKey] = e
	}
	return e
}

// IsHealthy reports whether providerKey is outside its cooldown window.
// Unknown providers are healthy.
func (s *Store) IsHealthy(providerKey string) bool {
	s.mu.RLock()
	e := s.entries[providerKey]
	s.mu.RUnlock()
	if e == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Healthy(s.now())
}

// MarkSuccess resets the consecutive-failure counter and closes any open
// cooldown window.
func (s *Store) MarkSuccess(providerKey string) {
	e := s.get(providerKey)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.ConsecutiveFailures = 0
	e.rec.CooldownUntil = time.Time{}
	e.rec.SuccessCount++
}

// MarkFailure increments the failure counters and opens a cooldown window.
// A zero cooldown selects the default; after five consecutive failures the
// effective cooldown doubles per failure, capped at ten minutes.
func (s *Store) MarkFailure(providerKey string, cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	e := s.get(providerKey)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now()
	e.rec.ConsecutiveFailures++
	e.rec.FailureCount++
	e.rec.LastFailureAt = now

	effective := cooldown
	if extra := e.rec.ConsecutiveFailures - backoffThreshold; extra > 0 {
		for i := 0; i < extra && effective < MaxCooldown; i++ {
			effective *= 2
		}
	}
	if effective > MaxCooldown {
		effective = MaxCooldown
	}

	e.rec.CooldownUntil = now.Add(effective)
}

// Snapshot returns a copy of every record, keyed by provider.
func (s *Store) Snapshot() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Record, len(s.entries))
	for k, e := range s.entries {
		e.mu.Lock()
		out[k] = e.rec
		e.mu.Unlock()
	}
	return out
}

// AnyHealthy reports whether at least one of the given providers is healthy.
func (s *Store) AnyHealthy(providerKeys []string) bool {
	for _, k := range providerKeys {
		if s.IsHealthy(k) {
			return true
		}
	}
	return false
}

// SetNowFunc overrides the store's clock. Tests only.
func (s *Store) SetNowFunc(now func() time.Time) { s.now = now }
