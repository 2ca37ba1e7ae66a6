// Package azureopenai adapts the canonical model to Azure OpenAI. Azure uses
// deployment-based URLs and either the "api-key" header or an Entra ID
// bearer token obtained via the OAuth2 client-credentials flow.
package azureopenai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/synaxis-dev/synaxis/internal/config"
	"github.com/synaxis-dev/synaxis/internal/providers"
	"github.com/synaxis-dev/synaxis/internal/translate"
	"github.com/synaxis-dev/synaxis/pkg/apierr"
)

const (
	defaultAPIVersion = "2024-10-21"
	defaultTokenScope = "https://cognitiveservices.azure.com/.default"
	tokenURLFormat    = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

	streamBuffer = 64
)

// Wire DTOs for the Azure chat completions surface (OpenAI dialect).
type (
	chatMessage struct {
		Role       string          `json:"role"`
		Content    string          `json:"content,omitempty"`
		Name       string          `json:"name,omitempty"`
		ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
		ToolCallID string          `json:"tool_call_id,omitempty"`
	}
	wireToolCall struct {
		ID       string       `json:"id"`
		Type     string       `json:"type"`
		Function wireFunction `json:"function"`
	}
	wireFunction struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}
	wireTool struct {
		Type     string       `json:"type"`
		Function wireToolSpec `json:"function"`
	}
	wireToolSpec struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}
	chatRequest struct {
		Messages      []chatMessage  `json:"messages"`
		Tools         []wireTool     `json:"tools,omitempty"`
		Stream        bool           `json:"stream,omitempty"`
		StreamOptions *streamOptions `json:"stream_options,omitempty"`
		Temperature   *float64       `json:"temperature,omitempty"`
		TopP          *float64       `json:"top_p,omitempty"`
		MaxTokens     int            `json:"max_tokens,omitempty"`
	}
	streamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	}
	chatResponse struct {
		ID      string   `json:"id"`
		Choices []choice `json:"choices"`
		Usage   usage    `json:"usage"`
		Error   *apiErr  `json:"error,omitempty"`
	}
	choice struct {
		Message      *chatMessage `json:"message,omitempty"`
		FinishReason string       `json:"finish_reason"`
	}
	usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	}
	apiErr struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	embeddingRequest struct {
		Input []string `json:"input"`
	}
	embeddingResponse struct {
		Model string `json:"model"`
		Data  []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage usage   `json:"usage"`
		Error *apiErr `json:"error,omitempty"`
	}
)

// Adapter speaks the Azure OpenAI dialect.
type Adapter struct {
	client *http.Client
	log    *slog.Logger

	// tokens caches one client-credentials token source per provider key.
	// oauth2 refreshes the token transparently before expiry.
	tokenMu sync.Mutex
	tokens  map[string]oauth2.TokenSource
}

// New creates the adapter.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		client: &http.Client{},
		log:    log,
		tokens: make(map[string]oauth2.TokenSource),
	}
}

// Invoke implements providers.Adapter.
func (a *Adapter) Invoke(ctx context.Context, prov *config.Provider, modelPath string, req *providers.Request) (*providers.Result, error) {
	if req.EndpointKind == config.EndpointEmbeddings {
		emb, err := a.Embed(ctx, prov, modelPath, req)
		if err != nil {
			return nil, err
		}
		return &providers.Result{Embedding: emb}, nil
	}

	body, err := buildBody(req)
	if err != nil {
		return nil, apierr.Tagged(apierr.KindValidation, prov.Key, err, "invalid request for upstream")
	}

	resp, err := a.post(ctx, prov, a.deploymentURL(prov, modelPath, "chat/completions"), body, req.Stream)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		return a.handleStream(prov, resp)
	}
	defer resp.Body.Close()
	return a.handleUnary(prov, resp)
}

// deploymentURL builds the deployment-scoped operation URL. The model path
// in the configuration is the Azure deployment name.
func (a *Adapter) deploymentURL(prov *config.Provider, deployment, op string) string {
	apiVersion := prov.Azure.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	return fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		strings.TrimRight(prov.Endpoint, "/"), deployment, op, apiVersion)
}

func buildBody(req *providers.Request) ([]byte, error) {
	cr := chatRequest{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		wm := chatMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		cr.Messages = append(cr.Messages, wm)
	}
	for _, t := range req.Tools {
		cr.Tools = append(cr.Tools, wireTool{
			Type: "function",
			Function: wireToolSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.Stream {
		cr.Stream = true
		cr.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return json.Marshal(cr)
}

func (a *Adapter) post(ctx context.Context, prov *config.Provider, url string, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Tagged(apierr.KindProviderError, prov.Key, err, "build upstream request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range prov.CustomHeaders {
		httpReq.Header.Set(k, v)
	}
	if err := a.authorize(prov, httpReq); err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apierr.Tagged(apierr.KindTimeout, prov.Key, err, "upstream attempt timed out")
		}
		return nil, apierr.Tagged(apierr.KindProviderUnavailable, prov.Key, err, "upstream unreachable")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, a.parseError(prov.Key, resp)
	}
	return resp, nil
}

// authorize attaches either the resource api-key or an Entra ID bearer token.
func (a *Adapter) authorize(prov *config.Provider, req *http.Request) error {
	if prov.Azure.TenantID == "" {
		req.Header.Set("api-key", prov.Secret)
		return nil
	}

	tok, err := a.tokenSource(prov).Token()
	if err != nil {
		return apierr.Tagged(apierr.KindAuth, prov.Key, err, "token acquisition failed")
	}
	tok.SetAuthHeader(req)
	return nil
}

func (a *Adapter) tokenSource(prov *config.Provider) oauth2.TokenSource {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	if ts, ok := a.tokens[prov.Key]; ok {
		return ts
	}

	scope := prov.Azure.TokenScope
	if scope == "" {
		scope = defaultTokenScope
	}
	cfg := &clientcredentials.Config{
		ClientID:     prov.Azure.ClientID,
		ClientSecret: prov.Azure.ClientSecret,
		TokenURL:     fmt.Sprintf(tokenURLFormat, prov.Azure.TenantID),
		Scopes:       []string{scope},
	}
	ts := cfg.TokenSource(context.Background())
	a.tokens[prov.Key] = ts
	return ts
}

func (a *Adapter) handleUnary(prov *config.Provider, resp *http.Response) (*providers.Result, error) {
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, apierr.Tagged(apierr.KindProviderError, prov.Key, err, "decode upstream response")
	}

	out := &providers.Response{
		ID: cr.ID,
		Usage: providers.Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
		},
	}
	if len(cr.Choices) > 0 {
		c := cr.Choices[0]
		out.FinishReason = c.FinishReason
		if c.Message != nil {
			out.Content = c.Message.Content
			for _, tc := range c.Message.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: json.RawMessage(tc.Function.Arguments),
				})
			}
		}
	}
	return &providers.Result{Response: out}, nil
}

func (a *Adapter) handleStream(prov *config.Provider, resp *http.Response) (*providers.Result, error) {
	ch := make(chan providers.Chunk, streamBuffer)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		st := translate.NewOpenAIStream()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

		for scanner.Scan() {
			payload, done, ok := translate.ParseSSELine(scanner.Text())
			if !ok {
				continue
			}
			if done {
				break
			}

			decoded, derr := translate.DecodeOpenAIChunk([]byte(payload))
			if derr != nil {
				continue
			}
			canonical, terr := st.Translate(decoded)
			for _, c := range canonical {
				ch <- c
			}
			if terr != nil {
				ch <- providers.Chunk{Err: apierr.Tagged(apierr.KindOf(terr), prov.Key, terr, "stream translation failed")}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- providers.Chunk{Err: apierr.Tagged(apierr.KindProviderUnavailable, prov.Key, err, "stream interrupted")}
			return
		}
		if err := st.Finish(); err != nil {
			ch <- providers.Chunk{Err: apierr.Tagged(apierr.KindOf(err), prov.Key, err, "stream ended mid tool call")}
		}
	}()

	return &providers.Result{Stream: ch}, nil
}

// Embed implements providers.Embedder.
func (a *Adapter) Embed(ctx context.Context, prov *config.Provider, modelPath string, req *providers.Request) (*providers.EmbeddingResult, error) {
	body, err := json.Marshal(embeddingRequest{Input: req.Inputs})
	if err != nil {
		return nil, apierr.Tagged(apierr.KindValidation, prov.Key, err, "invalid request for upstream")
	}

	resp, err := a.post(ctx, prov, a.deploymentURL(prov, modelPath, "embeddings"), body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, apierr.Tagged(apierr.KindProviderError, prov.Key, err, "decode upstream response")
	}

	out := &providers.EmbeddingResult{
		Model: er.Model,
		Usage: providers.Usage{InputTokens: er.Usage.PromptTokens},
	}
	for _, d := range er.Data {
		out.Vectors = append(out.Vectors, providers.EmbeddingVector{
			Index:     d.Index,
			Embedding: d.Embedding,
		})
	}
	return out, nil
}

func (a *Adapter) parseError(providerKey string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	kind := apierr.FromHTTPStatus(resp.StatusCode)
	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		a.log.Warn("upstream_error",
			slog.String("provider", providerKey),
			slog.Int("status", resp.StatusCode),
			slog.String("type", cr.Error.Type),
			slog.String("code", cr.Error.Code),
		)
		return apierr.Tagged(kind, providerKey, fmt.Errorf("azure: %s", cr.Error.Message), "upstream rejected the request")
	}

	a.log.Warn("upstream_error",
		slog.String("provider", providerKey),
		slog.Int("status", resp.StatusCode),
	)
	return apierr.Tagged(kind, providerKey, fmt.Errorf("azure: status %d", resp.StatusCode), "upstream rejected the request")
}
