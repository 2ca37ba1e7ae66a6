// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// synaxis_inflight_requests
	inFlight prometheus.Gauge

	// synaxis_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// synaxis_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// synaxis_upstream_attempts_total{provider,tier,outcome}
	upstreamAttempts *prometheus.CounterVec

	// synaxis_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// synaxis_route_exhausted_total{model}
	routeExhausted *prometheus.CounterVec

	// synaxis_quota_decisions_total{provider,result}
	quotaDecisions *prometheus.CounterVec

	// synaxis_provider_cooldowns_total{provider}
	cooldowns *prometheus.CounterVec

	// synaxis_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// synaxis_tokens_total{provider,model,direction}
	tokensTotal *prometheus.CounterVec

	// synaxis_usage_records_dropped_total
	usageDropped prometheus.Counter

	// synaxis_config_reloads_total{outcome}
	configReloads *prometheus.CounterVec

	// synaxis_streams_active
	streamsActive prometheus.Gauge

	// synaxis_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "synaxis_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synaxis_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "synaxis_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes routing + upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synaxis_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes failovers and retries)",
			},
			[]string{"provider", "tier", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "synaxis_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		routeExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synaxis_route_exhausted_total",
				Help: "Requests that exhausted every candidate provider",
			},
			[]string{"model"},
		),

		quotaDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synaxis_quota_decisions_total",
				Help: "Quota admission decisions per provider",
			},
			[]string{"provider", "result"},
		),

		cooldowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synaxis_provider_cooldowns_total",
				Help: "Cooldowns placed on providers after failed attempts",
			},
			[]string{"provider"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "synaxis_provider_health",
				Help: "Provider health status (1=ok, 0=cooling down)",
			},
			[]string{"provider"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synaxis_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "model", "direction"},
		),

		usageDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synaxis_usage_records_dropped_total",
			Help: "Usage records dropped because the recorder buffer was full",
		}),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synaxis_config_reloads_total",
				Help: "Configuration reload attempts by outcome",
			},
			[]string{"outcome"},
		),

		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "synaxis_streams_active",
			Help: "Currently open SSE streams",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "synaxis_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.routeExhausted,
		r.quotaDecisions,
		r.cooldowns,
		r.providerHealth,
		r.tokensTotal,
		r.usageDropped,
		r.configReloads,
		r.streamsActive,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveAttempt records one upstream provider attempt.
func (r *Registry) ObserveAttempt(provider string, tier int, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, strconv.Itoa(tier), outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordExhausted(model string) {
	r.routeExhausted.WithLabelValues(model).Inc()
}

func (r *Registry) RecordQuota(provider, result string) {
	r.quotaDecisions.WithLabelValues(provider, result).Inc()
}

func (r *Registry) RecordCooldown(provider string) {
	r.cooldowns.WithLabelValues(provider).Inc()
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) AddTokens(provider, model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) RecordUsageDropped() { r.usageDropped.Inc() }

func (r *Registry) RecordReload(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "rejected"
	}
	r.configReloads.WithLabelValues(outcome).Inc()
}

func (r *Registry) StreamOpened() { r.streamsActive.Inc() }
func (r *Registry) StreamClosed() { r.streamsActive.Dec() }

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
