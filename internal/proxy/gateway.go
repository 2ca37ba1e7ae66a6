// Package proxy is the OpenAI-compatible HTTP surface: request parsing and
// validation, SSE egress, routing metadata headers, and usage recording.
//
// Handlers never pick providers themselves — they build a canonical request,
// hand it to the routing orchestrator, and translate the outcome back to the
// OpenAI wire format.
package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/synaxis-dev/synaxis/internal/config"
	"github.com/synaxis-dev/synaxis/internal/cost"
	"github.com/synaxis-dev/synaxis/internal/health"
	"github.com/synaxis-dev/synaxis/internal/metrics"
	"github.com/synaxis-dev/synaxis/internal/resolve"
	"github.com/synaxis-dev/synaxis/internal/routing"
	"github.com/synaxis-dev/synaxis/internal/usage"
	"github.com/synaxis-dev/synaxis/pkg/apierr"
)

// Routing metadata returned on every proxied response.
const (
	headerProvider      = "x-synaxis-provider"
	headerResolvedModel = "x-synaxis-resolved-model"
)

// Identity headers supplied by the fronting auth layer.
const (
	headerTenant = "x-tenant-id"
	headerUser   = "x-user-id"
)

// Gateway holds the HTTP surface's collaborators.
type Gateway struct {
	store        *config.Store
	resolver     *resolve.Resolver
	orchestrator *routing.Orchestrator
	healthStore  *health.Store
	costs        *cost.Service
	recorder     *usage.Recorder
	metrics      *metrics.Registry
	log          *slog.Logger

	baseCtx context.Context

	requestDeadline time.Duration
	maxBodyBytes    int
	corsOrigins     []string
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	Store        *config.Store
	Resolver     *resolve.Resolver
	Orchestrator *routing.Orchestrator
	Health       *health.Store
	Costs        *cost.Service
	Recorder     *usage.Recorder
	Metrics      *metrics.Registry
	Logger       *slog.Logger

	RequestDeadline time.Duration
	MaxBodyBytes    int
	CORSOrigins     []string
}

// NewGateway creates a fully configured Gateway.
func NewGateway(baseCtx context.Context, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	deadline := opts.RequestDeadline
	if deadline <= 0 {
		deadline = routing.DefaultOrchestrationTimeout
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}

	return &Gateway{
		store:           opts.Store,
		resolver:        opts.Resolver,
		orchestrator:    opts.Orchestrator,
		healthStore:     opts.Health,
		costs:           opts.Costs,
		recorder:        opts.Recorder,
		metrics:         opts.Metrics,
		log:             log,
		baseCtx:         baseCtx,
		requestDeadline: deadline,
		maxBodyBytes:    maxBody,
		corsOrigins:     opts.CORSOrigins,
	}
}

// identity reads the tenant/user identity headers.
func identity(ctx *fasthttp.RequestCtx) (tenantID, userID string) {
	return string(ctx.Request.Header.Peek(headerTenant)),
		string(ctx.Request.Header.Peek(headerUser))
}

// requestIDOf returns the request id set by the requestID middleware.
func requestIDOf(ctx *fasthttp.RequestCtx) string {
	if v, ok := ctx.UserValue("request_id").(string); ok {
		return v
	}
	return ""
}

// checkBody enforces the configured body-size cap before parsing.
func (g *Gateway) checkBody(ctx *fasthttp.RequestCtx) ([]byte, bool) {
	body := ctx.PostBody()
	if len(body) > g.maxBodyBytes {
		apierr.WriteKind(ctx, apierr.KindPayloadTooLarge, "request body exceeds the size limit")
		return nil, false
	}
	return body, true
}

// requestCtx derives the per-request context: bounded by the deadline,
// parented on the base context so server shutdown stops in-flight attempts,
// and cancelled early when the client's connection goes away.
func (g *Gateway) requestCtx(rctx *fasthttp.RequestCtx) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(g.baseCtx, g.requestDeadline)
	bridgeCancel(connDone(rctx), ctx, cancel)
	return ctx, cancel
}

// connDone returns the connection-scoped done channel, or nil when rctx is
// not attached to a live server connection (handlers invoked directly).
func connDone(rctx *fasthttp.RequestCtx) <-chan struct{} {
	if rctx == nil || rctx.Conn() == nil {
		return nil
	}
	return rctx.Done()
}

// bridgeCancel cancels the request context as soon as done closes, so a
// client disconnect aborts routing and upstream calls instead of letting
// them run out the deadline. The goroutine exits with whichever side
// finishes first.
func bridgeCancel(done <-chan struct{}, ctx context.Context, cancel context.CancelFunc) {
	if done == nil {
		return
	}
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
}
