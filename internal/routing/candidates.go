package routing

import (
	"context"
	"sort"

	"github.com/synaxis-dev/synaxis/internal/config"
	"github.com/synaxis-dev/synaxis/internal/cost"
	"github.com/synaxis-dev/synaxis/internal/quota"
	"github.com/synaxis-dev/synaxis/internal/resolve"
)

// Tier indexes the orchestrator's attempt buckets.
const (
	TierPreferred = iota // explicitly preferred by the effective policy
	TierFree             // free candidates
	TierPaid             // paid candidates
	TierEmergency        // every candidate, quota checks bypassed
)

// Enriched is one resolver candidate decorated with the routing signals:
// score, cost, and the quota decision observed at enrichment time.
type Enriched struct {
	resolve.Candidate

	Score        float64
	CostPerToken float64
	Free         bool
	Quota        quota.Decision

	// declIndex preserves resolver order for the final tiebreak.
	declIndex int
}

// Limits returns the candidate provider's configured rate limits.
func (e *Enriched) Limits() quota.Limits {
	return quota.Limits{RPM: e.Provider.RateLimitRPM, TPM: e.Provider.RateLimitTPM}
}

// Enrich decorates resolver candidates with score, cost, and quota signals
// under the given policy. Quota backend errors degrade to admit.
func Enrich(ctx context.Context, cands []resolve.Candidate, policy config.Policy,
	costs *cost.Service, tracker quota.Tracker) []Enriched {

	out := make([]Enriched, 0, len(cands))
	for i, c := range cands {
		e := Enriched{Candidate: c, declIndex: i}

		entry := costs.Lookup(c.Provider.Key, c.Model.ID)
		e.CostPerToken = entry.PerToken()
		e.Free = c.Provider.IsFree || entry.Free()

		dec, err := tracker.Check(ctx, c.Provider.Key, e.Limits())
		if err != nil {
			dec = quota.Decision{Allowed: true}
		}
		e.Quota = dec

		e.Score = Score(policy, ScoreInput{
			Quality:        c.Provider.QualityScore,
			QuotaRemaining: c.Provider.EstimatedQuotaRemaining,
			Utilisation:    dec.Utilisation,
			AvgLatencyMs:   c.Provider.AverageLatencyMs,
		})
		out = append(out, e)
	}

	// Score descending, then config tier ascending, then cost ascending,
	// then declaration order.
	sort.SliceStable(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Provider.Tier != b.Provider.Tier {
			return a.Provider.Tier < b.Provider.Tier
		}
		if a.CostPerToken != b.CostPerToken {
			return a.CostPerToken < b.CostPerToken
		}
		return a.declIndex < b.declIndex
	})
	return out
}

// Partition splits enriched candidates into the four attempt tiers. Each
// slice keeps the enriched ordering; candidates appear in every tier they
// qualify for (the orchestrator deduplicates attempts).
func Partition(cands []Enriched, preferred []string) [4][]*Enriched {
	prefSet := make(map[string]bool, len(preferred))
	for _, k := range preferred {
		prefSet[k] = true
	}

	var tiers [4][]*Enriched
	for i := range cands {
		c := &cands[i]
		if prefSet[c.Provider.Key] {
			tiers[TierPreferred] = append(tiers[TierPreferred], c)
		}
		if c.Free {
			tiers[TierFree] = append(tiers[TierFree], c)
		} else {
			tiers[TierPaid] = append(tiers[TierPaid], c)
		}
		tiers[TierEmergency] = append(tiers[TierEmergency], c)
	}
	return tiers
}
