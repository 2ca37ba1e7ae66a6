// Package cost resolves per-(provider, canonical model) pricing from the
// active configuration snapshot.
package cost

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/synaxis-dev/synaxis/internal/cache"
	"github.com/synaxis-dev/synaxis/internal/config"
)

// CacheTTL is how long a resolved cost entry may be served without consulting
// the snapshot again. The floor is 60 seconds by contract.
const CacheTTL = time.Minute

// Entry is the resolved cost view used by routing. A nil lookup result means
// "unknown": treated as infinitely expensive and not free.
type Entry struct {
	InputCostPerToken  float64
	OutputCostPerToken float64
	FreeTier           bool
}

// PerToken returns the effective per-token cost used for ordering: the output
// cost, or +Inf for unknown entries.
func (e *Entry) PerToken() float64 {
	if e == nil {
		return math.Inf(1)
	}
	return e.OutputCostPerToken
}

// Free reports the entry's free-tier flag; unknown entries are not free.
func (e *Entry) Free() bool { return e != nil && e.FreeTier }

// Service caches cost lookups against the snapshot store.
type Service struct {
	store *config.Store
	cache *cache.TTL[*Entry]
}

// NewService creates a cost service over the given snapshot store.
func NewService(ctx context.Context, store *config.Store) *Service {
	return &Service{
		store: store,
		cache: cache.NewTTL[*Entry](ctx, CacheTTL),
	}
}

// Lookup returns the cost entry for (providerKey, canonicalID), or nil when
// no cost is configured. Results are cached, keyed to the snapshot version so
// a reload invalidates prices immediately.
func (s *Service) Lookup(providerKey, canonicalID string) *Entry {
	snap := s.store.Current()
	key := cacheKey(snap.Version, providerKey, canonicalID)

	if e, ok := s.cache.Get(key); ok {
		return e
	}

	var e *Entry
	if mc := snap.Cost(providerKey, canonicalID); mc != nil {
		e = &Entry{
			InputCostPerToken:  mc.InputCostPerToken,
			OutputCostPerToken: mc.OutputCostPerToken,
			FreeTier:           mc.FreeTier,
		}
	}
	s.cache.Set(key, e)
	return e
}

// Close releases the cache's cleanup goroutine.
func (s *Service) Close() { s.cache.Close() }

func cacheKey(version int64, providerKey, canonicalID string) string {
	var b strings.Builder
	b.Grow(len(providerKey) + len(canonicalID) + 24)
	b.WriteString(providerKey)
	b.WriteByte(0)
	b.WriteString(strings.ToLower(canonicalID))
	b.WriteByte(0)
	// Snapshot version folds reloads into the key.
	for v := version; v > 0; v /= 10 {
		b.WriteByte(byte('0' + v%10))
	}
	return b.String()
}
