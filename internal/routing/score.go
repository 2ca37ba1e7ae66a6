// Package routing scores provider candidates and drives the tiered fallback
// loop that picks which upstream serves a request.
package routing

import "github.com/synaxis-dev/synaxis/internal/config"

// ScoreInput carries the per-candidate signals consumed by the calculator.
// All component scores live on a 0–100 scale before weighting.
type ScoreInput struct {
	// Quality ∈ [0,10] from the provider config.
	Quality int

	// QuotaRemaining ∈ [0,100] from the provider config.
	QuotaRemaining int

	// Utilisation ∈ [0,1] is the observed rate-limit window occupancy.
	Utilisation float64

	// AvgLatencyMs is nil when the provider has no latency estimate.
	AvgLatencyMs *int
}

// Score computes the routing score for one candidate under a policy,
// clamped to [0,100]. Weights are normalized to sum to 1; a policy with all
// weights zero falls back to the default weights.
func Score(p config.Policy, in ScoreInput) float64 {
	total := p.QualityWeight + p.QuotaWeight + p.RateLimitWeight + p.LatencyWeight
	if total <= 0 {
		p = config.DefaultPolicy
		total = p.QualityWeight + p.QuotaWeight + p.RateLimitWeight + p.LatencyWeight
	}

	quality := float64(in.Quality) * 10
	quotaRemaining := float64(in.QuotaRemaining)
	headroom := 100 * (1 - in.Utilisation)

	// A provider with no latency estimate takes no latency penalty.
	latency := 100.0
	if in.AvgLatencyMs != nil {
		latency = 100 - float64(*in.AvgLatencyMs)/10
		if latency < 0 {
			latency = 0
		}
	}

	score := (quality*p.QualityWeight +
		quotaRemaining*p.QuotaWeight +
		headroom*p.RateLimitWeight +
		latency*p.LatencyWeight) / total

	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}
