package proxy

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/synaxis-dev/synaxis/internal/config"
	"github.com/synaxis-dev/synaxis/internal/providers"
	"github.com/synaxis-dev/synaxis/internal/resolve"
	"github.com/synaxis-dev/synaxis/internal/routing"
	"github.com/synaxis-dev/synaxis/internal/usage"
	"github.com/synaxis-dev/synaxis/pkg/apierr"
)

// OpenAI response envelopes.
type (
	wireUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	chatChoice struct {
		Index        int         `json:"index"`
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}
	chatResponse struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []chatChoice `json:"choices"`
		Usage   wireUsage    `json:"usage"`
	}

	textChoice struct {
		Text         string `json:"text"`
		Index        int    `json:"index"`
		FinishReason string `json:"finish_reason"`
	}
	textResponse struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []textChoice `json:"choices"`
		Usage   wireUsage    `json:"usage"`
	}

	responsesContent struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	responsesOutput struct {
		Type    string             `json:"type"`
		Role    string             `json:"role"`
		Content []responsesContent `json:"content"`
	}
	responsesUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}
	responsesResponse struct {
		ID        string            `json:"id"`
		Object    string            `json:"object"`
		CreatedAt int64             `json:"created_at"`
		Model     string            `json:"model"`
		Status    string            `json:"status"`
		Output    []responsesOutput `json:"output"`
		Usage     responsesUsage    `json:"usage"`
	}

	embeddingDatum struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}
	embeddingsResponse struct {
		Object string           `json:"object"`
		Data   []embeddingDatum `json:"data"`
		Model  string           `json:"model"`
		Usage  wireUsage        `json:"usage"`
	}

	modelDatum struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	modelsResponse struct {
		Object string       `json:"object"`
		Data   []modelDatum `json:"data"`
	}
)

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindProviderError, "response serialization failed")
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// requestMeta is the telemetry context threaded through one proxied request.
type requestMeta struct {
	requestID   string
	tenantID    string
	userID      string
	canonicalID string
	endpoint    config.EndpointKind
	stream      bool
	start       time.Time
}

// costUSD prices a finished request against the configured per-token costs.
func (g *Gateway) costUSD(providerKey, canonicalID string, u providers.Usage) float64 {
	if g.costs == nil {
		return 0
	}
	e := g.costs.Lookup(providerKey, canonicalID)
	if e == nil {
		return 0
	}
	return float64(u.InputTokens)*e.InputCostPerToken + float64(u.OutputTokens)*e.OutputCostPerToken
}

// recordOutcome emits the usage record for a finished request, success or
// failure alike.
func (g *Gateway) recordOutcome(meta requestMeta, out *routing.Outcome, u providers.Usage, err error) {
	if g.recorder == nil {
		return
	}

	rec := usage.Record{
		RequestID:    meta.requestID,
		TenantID:     meta.tenantID,
		UserID:       meta.userID,
		Model:        meta.canonicalID,
		Endpoint:     string(meta.endpoint),
		InputTokens:  uint32(u.InputTokens),
		OutputTokens: uint32(u.OutputTokens),
		Status:       fasthttp.StatusOK,
		LatencyMs:    uint32(time.Since(meta.start).Milliseconds()),
		Stream:       meta.stream,
	}
	if out != nil {
		rec.Provider = out.Provider.Key
		rec.ModelPath = out.Model.ModelPath
		rec.Attempts = uint8(min(out.Attempts, 255))
		rec.CostUSD = g.costUSD(out.Provider.Key, meta.canonicalID, u)
	}
	if err != nil {
		kind := apierr.KindOf(err)
		rec.Status = uint16(kind.HTTPStatus())
		rec.ErrorKind = string(kind)
		if p := apierr.ProviderOf(err); p != "" && rec.Provider == "" {
			rec.Provider = p
		}
	}
	g.recorder.Record(rec)

	if g.metrics != nil && rec.Provider != "" {
		g.metrics.AddTokens(rec.Provider, meta.canonicalID, u.InputTokens, u.OutputTokens)
	}
}

// parser decodes one endpoint's body into the canonical request.
type parser func(body []byte) (*providers.Request, error)

// HandleChat serves POST /v1/chat/completions.
func (g *Gateway) HandleChat(ctx *fasthttp.RequestCtx) {
	g.proxyRequest(ctx, config.EndpointChat, parseChat)
}

// HandleCompletions serves POST /v1/completions.
func (g *Gateway) HandleCompletions(ctx *fasthttp.RequestCtx) {
	g.proxyRequest(ctx, config.EndpointCompletions, parseCompletions)
}

// HandleResponses serves POST /v1/responses.
func (g *Gateway) HandleResponses(ctx *fasthttp.RequestCtx) {
	g.proxyRequest(ctx, config.EndpointResponses, parseResponses)
}

// HandleEmbeddings serves POST /v1/embeddings.
func (g *Gateway) HandleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.proxyRequest(ctx, config.EndpointEmbeddings, parseEmbeddings)
}

// requirements derives the capability filter from the parsed request.
func requirements(kind config.EndpointKind, req *providers.Request) resolve.Requirements {
	r := resolve.Requirements{Endpoint: kind}
	if kind == config.EndpointEmbeddings {
		r.Capabilities = append(r.Capabilities, config.CapEmbeddings)
		return r
	}
	if len(req.Tools) > 0 {
		r.Capabilities = append(r.Capabilities, config.CapTools)
	}
	if req.Stream {
		r.Capabilities = append(r.Capabilities, config.CapStreaming)
	}
	return r
}

// proxyRequest is the shared pipeline: parse → resolve → route → respond.
func (g *Gateway) proxyRequest(ctx *fasthttp.RequestCtx, kind config.EndpointKind, parse parser) {
	body, ok := g.checkBody(ctx)
	if !ok {
		return
	}

	req, err := parse(body)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}

	tenantID, userID := identity(ctx)
	req.RequestID = requestIDOf(ctx)
	req.TenantID = tenantID
	req.UserID = userID

	meta := requestMeta{
		requestID: req.RequestID,
		tenantID:  tenantID,
		userID:    userID,
		endpoint:  kind,
		stream:    req.Stream,
		start:     time.Now(),
	}

	canonicalID, err := g.resolver.CanonicalID(req.Model)
	if err != nil {
		g.recordOutcome(meta, nil, providers.Usage{}, err)
		apierr.Write(ctx, err)
		return
	}
	meta.canonicalID = canonicalID

	cands, err := g.resolver.Resolve(req.Model, requirements(kind, req))
	if err != nil {
		g.recordOutcome(meta, nil, providers.Usage{}, err)
		apierr.Write(ctx, err)
		return
	}

	policy := g.store.Current().EffectivePolicy(tenantID, userID)

	reqCtx, cancel := g.requestCtx(ctx)

	out, err := g.orchestrator.Execute(reqCtx, policy, cands, req)
	if err != nil {
		cancel()
		g.recordOutcome(meta, nil, providers.Usage{}, err)
		apierr.Write(ctx, err)
		return
	}

	ctx.Response.Header.Set(headerProvider, out.Provider.Key)
	ctx.Response.Header.Set(headerResolvedModel, canonicalID)

	if out.Result.Stream != nil {
		// The stream writer owns cancel: it runs after this handler returns.
		g.streamResponse(ctx, meta, out, cancel)
		return
	}
	cancel()

	switch {
	case out.Result.Embedding != nil:
		g.writeEmbeddings(ctx, meta, out)
	case kind == config.EndpointCompletions:
		g.writeCompletion(ctx, meta, out)
	case kind == config.EndpointResponses:
		g.writeResponses(ctx, meta, out)
	default:
		g.writeChat(ctx, meta, out)
	}
}

func responseID(out *routing.Outcome, prefix string) string {
	if out.Result.Response != nil && out.Result.Response.ID != "" {
		return out.Result.Response.ID
	}
	return prefix + uuid.New().String()
}

func (g *Gateway) writeChat(ctx *fasthttp.RequestCtx, meta requestMeta, out *routing.Outcome) {
	resp := out.Result.Response
	msg := wireMessage{Role: "assistant", Content: messageContent(resp.Content)}
	for _, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, wireToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: wireToolCallFunction{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}

	writeJSON(ctx, fasthttp.StatusOK, chatResponse{
		ID:      responseID(out, "chatcmpl-"),
		Object:  "chat.completion",
		Created: meta.start.Unix(),
		Model:   meta.canonicalID,
		Choices: []chatChoice{{Message: msg, FinishReason: resp.FinishReason}},
		Usage: wireUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	})
	g.recordOutcome(meta, out, resp.Usage, nil)
}

func (g *Gateway) writeCompletion(ctx *fasthttp.RequestCtx, meta requestMeta, out *routing.Outcome) {
	resp := out.Result.Response
	writeJSON(ctx, fasthttp.StatusOK, textResponse{
		ID:      responseID(out, "cmpl-"),
		Object:  "text_completion",
		Created: meta.start.Unix(),
		Model:   meta.canonicalID,
		Choices: []textChoice{{Text: resp.Content, FinishReason: resp.FinishReason}},
		Usage: wireUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	})
	g.recordOutcome(meta, out, resp.Usage, nil)
}

func (g *Gateway) writeResponses(ctx *fasthttp.RequestCtx, meta requestMeta, out *routing.Outcome) {
	resp := out.Result.Response
	writeJSON(ctx, fasthttp.StatusOK, responsesResponse{
		ID:        responseID(out, "resp-"),
		Object:    "response",
		CreatedAt: meta.start.Unix(),
		Model:     meta.canonicalID,
		Status:    "completed",
		Output: []responsesOutput{{
			Type:    "message",
			Role:    "assistant",
			Content: []responsesContent{{Type: "output_text", Text: resp.Content}},
		}},
		Usage: responsesUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	})
	g.recordOutcome(meta, out, resp.Usage, nil)
}

func (g *Gateway) writeEmbeddings(ctx *fasthttp.RequestCtx, meta requestMeta, out *routing.Outcome) {
	emb := out.Result.Embedding
	data := make([]embeddingDatum, 0, len(emb.Vectors))
	for _, v := range emb.Vectors {
		data = append(data, embeddingDatum{
			Object:    "embedding",
			Index:     v.Index,
			Embedding: v.Embedding,
		})
	}
	writeJSON(ctx, fasthttp.StatusOK, embeddingsResponse{
		Object: "list",
		Data:   data,
		Model:  meta.canonicalID,
		Usage: wireUsage{
			PromptTokens: emb.Usage.InputTokens,
			TotalTokens:  emb.Usage.InputTokens,
		},
	})
	g.recordOutcome(meta, out, emb.Usage, nil)
}

// HandleModels serves GET /v1/models: every canonical model id, deduplicated.
// owned_by is always the gateway itself; the backing provider never leaks.
func (g *Gateway) HandleModels(ctx *fasthttp.RequestCtx) {
	snap := g.store.Current()

	seen := make(map[string]bool)
	var data []modelDatum
	for _, m := range snap.Models() {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		data = append(data, modelDatum{
			ID:      m.ID,
			Object:  "model",
			Created: snap.Version,
			OwnedBy: "synaxis",
		})
	}
	if data == nil {
		data = []modelDatum{}
	}
	writeJSON(ctx, fasthttp.StatusOK, modelsResponse{Object: "list", Data: data})
}

// HandleModelByID serves GET /v1/models/{id}; aliases resolve too.
func (g *Gateway) HandleModelByID(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	snap := g.store.Current()

	m := snap.ModelByID(id)
	if m == nil {
		m = snap.ModelByAlias(id)
	}
	if m == nil {
		apierr.WriteKind(ctx, apierr.KindModelNotFound, "model not found")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, modelDatum{
		ID:      m.ID,
		Object:  "model",
		Created: snap.Version,
		OwnedBy: "synaxis",
	})
}

// HandleLiveness serves GET /health/liveness: always 200 while the process
// accepts connections.
func (g *Gateway) HandleLiveness(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadiness serves GET /health/readiness: 200 iff a configuration is
// loaded and at least one enabled provider is out of cooldown.
func (g *Gateway) HandleReadiness(ctx *fasthttp.RequestCtx) {
	snap := g.store.Current()
	if snap == nil || len(snap.Providers()) == 0 {
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "no configuration loaded",
		})
		return
	}

	healthy := 0
	for _, key := range snap.Providers() {
		p := snap.Provider(key)
		if p == nil || !p.Enabled {
			continue
		}
		if g.healthStore == nil || g.healthStore.IsHealthy(key) {
			healthy++
		}
	}
	if healthy == 0 {
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "no healthy providers",
		})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status":            "ok",
		"config_version":    snap.Version,
		"healthy_providers": healthy,
	})
}
