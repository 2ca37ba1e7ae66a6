package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

const serverName = "synaxis"

// Handler builds the route table with the full middleware chain applied.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.HandleChat)
	r.POST("/v1/completions", g.HandleCompletions)
	r.POST("/v1/responses", g.HandleResponses)
	r.POST("/v1/embeddings", g.HandleEmbeddings)

	r.GET("/v1/models", g.HandleModels)
	r.GET("/v1/models/{id}", g.HandleModelByID)

	r.GET("/health/liveness", g.HandleLiveness)
	r.GET("/health/readiness", g.HandleReadiness)

	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":{"message":"not found","type":"invalid_request_error","code":"unknown_url"}}`)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
		g.observe,
	)
}

// NewServer builds the fasthttp server around the gateway handler.
//
// WriteTimeout stays zero: SSE streams outlive any fixed per-response budget
// and are bounded by the per-request context instead. The body-size cap is
// enforced at the handler with a typed 413; the server limit sits above it
// so fasthttp's own rejection never races ours.
func (g *Gateway) NewServer() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            g.Handler(),
		Name:               serverName,
		ReadTimeout:        60 * time.Second,
		IdleTimeout:        120 * time.Second,
		MaxRequestBodySize: g.maxBodyBytes + 1<<20,
		CloseOnShutdown:    true,
	}
}
