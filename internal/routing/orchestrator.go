package routing

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/synaxis-dev/synaxis/internal/config"
	"github.com/synaxis-dev/synaxis/internal/cost"
	"github.com/synaxis-dev/synaxis/internal/health"
	"github.com/synaxis-dev/synaxis/internal/metrics"
	"github.com/synaxis-dev/synaxis/internal/providers"
	"github.com/synaxis-dev/synaxis/internal/quota"
	"github.com/synaxis-dev/synaxis/internal/resolve"
	"github.com/synaxis-dev/synaxis/pkg/apierr"
)

const (
	// DefaultOrchestrationTimeout bounds the whole fallback loop when the
	// request carries no deadline of its own.
	DefaultOrchestrationTimeout = 60 * time.Second

	// maxRetries is the per-candidate retry budget for rate-limit and
	// unavailable errors; unclassified provider errors get one retry only.
	maxRetries = 3

	// retryBackoffBase doubles per retry; jitter is added on top.
	retryBackoffBase = 100 * time.Millisecond
)

// Outcome is a successful routing decision.
type Outcome struct {
	Result   *providers.Result
	Provider *config.Provider
	Model    *config.Model

	// Attempts counts upstream calls made, including retries and failovers.
	Attempts int

	// QuotaWarning is set when the winning provider was at ≥80% of a limit.
	QuotaWarning bool
}

// Orchestrator runs the tiered attempt loop: preferred → free → paid →
// emergency. It owns every routing side effect — health marks, quota
// admission, attempt metrics — so adapters stay routing-blind.
type Orchestrator struct {
	health   *health.Store
	quota    quota.Tracker
	costs    *cost.Service
	registry *providers.Registry
	metrics  *metrics.Registry
	log      *slog.Logger

	// sleep and jitter are swappable for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// NewOrchestrator wires the routing side-effect stores together.
func NewOrchestrator(hs *health.Store, qt quota.Tracker, cs *cost.Service,
	reg *providers.Registry, m *metrics.Registry, log *slog.Logger) *Orchestrator {

	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		health:   hs,
		quota:    qt,
		costs:    cs,
		registry: reg,
		metrics:  m,
		log:      log,
		sleep:    sleepCtx,
		jitter: func() time.Duration {
			return time.Duration(100+rand.IntN(701)) * time.Millisecond
		},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute resolves which provider serves req and returns its result.
//
// Candidates are enriched, scored, and partitioned into tiers; within each
// tier the loop skips providers in cooldown, consults quota (bypassed in the
// emergency tier), and runs one attempt with a bounded retry policy.
// Exhaustion surfaces an aggregate error naming every provider and its
// failure kind. Caller cancellation stops the loop before the next attempt.
func (o *Orchestrator) Execute(ctx context.Context, policy config.Policy,
	cands []resolve.Candidate, req *providers.Request) (*Outcome, error) {

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultOrchestrationTimeout)
		defer cancel()
	}

	enriched := Enrich(ctx, cands, policy, o.costs, o.quota)
	tiers := Partition(enriched, policy.Preferred)

	attempts := 0
	visited := make(map[string]bool, len(enriched))
	failures := make(map[string]string, len(enriched))

	for tier := TierPreferred; tier <= TierEmergency; tier++ {
		for _, c := range tiers[tier] {
			key := c.Provider.Key

			if err := ctx.Err(); err != nil {
				return nil, o.deadlineError(err, failures)
			}
			if visited[key] {
				continue
			}

			if !o.health.IsHealthy(key) {
				if _, noted := failures[key]; !noted {
					failures[key] = "cooldown"
				}
				continue
			}

			quotaWarning := false
			if tier != TierEmergency {
				dec, err := o.quota.Check(ctx, key, c.Limits())
				if err != nil {
					dec = quota.Decision{Allowed: true}
				}
				if !dec.Allowed {
					o.metrics.RecordQuota(key, "denied")
					failures[key] = "quota"
					continue
				}
				if dec.Warning {
					o.metrics.RecordQuota(key, "warned")
					o.log.Warn("quota_warning",
						slog.String("provider", key),
						slog.Float64("utilisation", dec.Utilisation),
					)
				} else {
					o.metrics.RecordQuota(key, "allowed")
				}
				quotaWarning = dec.Warning
			}

			visited[key] = true

			adapter := o.registry.For(c.Provider.Type)
			if adapter == nil {
				failures[key] = string(apierr.KindProviderError)
				o.log.Error("no_adapter",
					slog.String("provider", key),
					slog.String("type", string(c.Provider.Type)),
				)
				continue
			}

			result, tried, err := o.attempt(ctx, adapter, c, tier, req)
			attempts += tried
			if err != nil {
				kind := apierr.KindOf(err)
				failures[key] = string(kind)
				o.health.MarkFailure(key, 0)
				o.metrics.RecordCooldown(key)
				o.metrics.SetProviderHealth(key, false)
				o.log.Warn("provider_failed",
					slog.String("request_id", req.RequestID),
					slog.String("provider", key),
					slog.String("kind", string(kind)),
					slog.Int("tier", tier),
					slog.String("error", err.Error()),
				)
				continue
			}

			o.health.MarkSuccess(key)
			o.metrics.SetProviderHealth(key, true)
			o.recordUnaryQuota(ctx, key, result)
			o.log.Info("routed",
				slog.String("request_id", req.RequestID),
				slog.String("provider", key),
				slog.String("model", c.Model.ID),
				slog.Int("tier", tier),
				slog.Int("attempts", attempts),
				slog.Float64("score", c.Score),
			)
			return &Outcome{
				Result:       result,
				Provider:     c.Provider,
				Model:        c.Model,
				Attempts:     attempts,
				QuotaWarning: quotaWarning,
			}, nil
		}
	}

	if req.Model != "" {
		o.metrics.RecordExhausted(req.Model)
	}
	return nil, exhaustionError(failures)
}

// attempt runs one candidate with the retry policy: up to maxRetries extra
// tries on retryable kinds, exponential backoff plus jitter between tries.
func (o *Orchestrator) attempt(ctx context.Context, adapter providers.Adapter,
	c *Enriched, tier int, req *providers.Request) (*providers.Result, int, error) {

	tried := 0
	for retry := 0; ; retry++ {
		tried++
		start := time.Now()
		result, err := adapter.Invoke(ctx, c.Provider, c.Model.ModelPath, req)
		dur := time.Since(start)

		if err == nil {
			o.metrics.ObserveAttempt(c.Provider.Key, tier, "ok", dur)
			return result, tried, nil
		}
		o.metrics.ObserveAttempt(c.Provider.Key, tier, "error", dur)

		kind := apierr.KindOf(err)
		if !kind.Retryable() || retry >= retryLimit(kind) {
			return nil, tried, err
		}

		backoff := retryBackoffBase<<retry + o.jitter()
		o.log.Debug("retrying",
			slog.String("provider", c.Provider.Key),
			slog.Int("retry", retry+1),
			slog.Duration("backoff", backoff),
		)
		if serr := o.sleep(ctx, backoff); serr != nil {
			return nil, tried, err
		}
	}
}

// retryLimit bounds same-candidate retries per error kind. Unclassified
// provider errors are tried once more at most; transient kinds get the
// full budget.
func retryLimit(kind apierr.Kind) int {
	if kind == apierr.KindProviderError {
		return 1
	}
	return maxRetries
}

// recordUnaryQuota appends a unary result to the quota window immediately.
// Streaming usage is unknown until the stream drains; the HTTP surface
// records it at stream end instead.
func (o *Orchestrator) recordUnaryQuota(ctx context.Context, key string, result *providers.Result) {
	if result == nil {
		return
	}
	var u providers.Usage
	switch {
	case result.Response != nil:
		u = result.Response.Usage
	case result.Embedding != nil:
		u = result.Embedding.Usage
	default:
		return
	}
	if err := o.quota.Record(ctx, key, u.InputTokens, u.OutputTokens); err != nil {
		o.log.Warn("quota_record_failed",
			slog.String("provider", key),
			slog.String("error", err.Error()),
		)
	}
}

// RecordStreamUsage appends a drained stream's token usage to the quota
// window. Called by the HTTP surface once the final chunk carried usage.
func (o *Orchestrator) RecordStreamUsage(ctx context.Context, providerKey string, u providers.Usage) {
	if err := o.quota.Record(ctx, providerKey, u.InputTokens, u.OutputTokens); err != nil {
		o.log.Warn("quota_record_failed",
			slog.String("provider", providerKey),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) deadlineError(ctxErr error, failures map[string]string) error {
	if ctxErr == context.DeadlineExceeded {
		return apierr.New(apierr.KindTimeout, "routing deadline exceeded; %s", failureSummary(failures))
	}
	return apierr.Wrap(apierr.KindTimeout, ctxErr, "request cancelled")
}

// exhaustionError names every provider considered and its failure kind.
func exhaustionError(failures map[string]string) error {
	if len(failures) == 0 {
		return apierr.New(apierr.KindNoProvidersAvailable, "no candidate providers")
	}
	return apierr.New(apierr.KindNoProvidersAvailable,
		"all providers failed: %s", failureSummary(failures))
}

func failureSummary(failures map[string]string) string {
	keys := make([]string, 0, len(failures))
	for k := range failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(failures[k])
	}
	return b.String()
}
