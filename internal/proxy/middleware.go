package proxy

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// middleware wraps a fasthttp handler.
type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

const headerRequestID = "X-Request-ID"

const panicBody = `{"error":{"message":"internal server error","type":"server_error","code":"internal_error"}}`

// recovery turns a handler panic into a 500 error envelope. Whatever partial
// body the handler wrote before panicking is discarded.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			slog.Error("panic_recovered",
				slog.Any("value", r),
				slog.String("method", string(ctx.Method())),
				slog.String("path", string(ctx.Path())),
				slog.String("request_id", requestIDOf(ctx)),
			)
			ctx.ResetBody()
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(panicBody)
		}()
		next(ctx)
	}
}

// requestID assigns every request an id for log correlation: the client's
// X-Request-ID when supplied, a fresh UUID otherwise. The id is echoed on
// the response and exposed to handlers via the "request_id" user value.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.SetUserValue("request_id", id)
		ctx.Response.Header.Set(headerRequestID, id)
		next(ctx)
	}
}

// timing reports the handler's wall time in X-Response-Time.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// observe feeds the in-flight gauge and per-route latency histograms.
func (g *Gateway) observe(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if g.metrics == nil {
			next(ctx)
			return
		}
		g.metrics.IncInFlight()
		start := time.Now()
		next(ctx)
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(string(ctx.Path()), ctx.Response.StatusCode(), time.Since(start))
	}
}

// hardeningHeaders are attached to every response. The gateway serves JSON
// only, so the CSP denies all resource loads outright.
var hardeningHeaders = [...][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "0"}, // deprecated mechanism; CSP covers it
	{"Content-Security-Policy", "default-src 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "geolocation=(), camera=(), microphone=()"},
}

func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		for _, kv := range hardeningHeaders {
			ctx.Response.Header.Set(kv[0], kv[1])
		}
	}
}

// corsHandler builds the CORS middleware. An empty or {"*"} allowlist opens
// the surface to any origin; anything else is sent verbatim as the joined
// allowlist. Preflight OPTIONS requests short-circuit with 204.
func corsHandler(origins []string) middleware {
	allowed := "*"
	if len(origins) > 0 && (len(origins) != 1 || origins[0] != "*") {
		allowed = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+headerRequestID)

			if ctx.IsOptions() {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware composes the chain around h; the first entry runs
// outermost: applyMiddleware(h, a, b) handles a request as a → b → h.
func applyMiddleware(h fasthttp.RequestHandler, chain ...middleware) fasthttp.RequestHandler {
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	return h
}
