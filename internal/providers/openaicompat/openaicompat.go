// Package openaicompat adapts the canonical model to any OpenAI-compatible
// chat completions API (OpenAI itself, Groq, DeepSeek, Together AI,
// Hugging Face routers, and arbitrary custom endpoints).
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/synaxis-dev/synaxis/internal/config"
	"github.com/synaxis-dev/synaxis/internal/providers"
	"github.com/synaxis-dev/synaxis/internal/translate"
	"github.com/synaxis-dev/synaxis/pkg/apierr"
)

// streamBuffer is the canonical-chunk channel depth per stream.
const streamBuffer = 64

// Adapter speaks the OpenAI-compatible dialect. One instance serves every
// provider of this dialect; per-provider identity arrives with each call.
type Adapter struct {
	httpClient *http.Client
	log        *slog.Logger
}

// New creates the adapter. The HTTP client carries no timeout of its own;
// attempts are bounded by the request context.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		httpClient: &http.Client{},
		log:        log,
	}
}

func (a *Adapter) client(prov *config.Provider) openaiSDK.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(prov.Secret),
		option.WithHTTPClient(a.httpClient),
	}
	if prov.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(prov.Endpoint))
	}
	for k, v := range prov.CustomHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}
	return openaiSDK.NewClient(opts...)
}

// Invoke implements providers.Adapter. Each endpoint kind addresses its own
// upstream surface: embeddings → /embeddings, legacy completions →
// /completions, everything else → /chat/completions.
func (a *Adapter) Invoke(ctx context.Context, prov *config.Provider, modelPath string, req *providers.Request) (*providers.Result, error) {
	switch req.EndpointKind {
	case config.EndpointEmbeddings:
		emb, err := a.Embed(ctx, prov, modelPath, req)
		if err != nil {
			return nil, err
		}
		return &providers.Result{Embedding: emb}, nil
	case config.EndpointCompletions:
		return a.invokeText(ctx, prov, modelPath, req)
	}

	params, err := buildParams(modelPath, req)
	if err != nil {
		return nil, apierr.Tagged(apierr.KindValidation, prov.Key, err, "invalid request for upstream")
	}

	client := a.client(prov)
	if req.Stream {
		return a.stream(ctx, client, prov, params)
	}
	return a.unary(ctx, client, prov, params)
}

func buildParams(modelPath string, req *providers.Request) (openaiSDK.ChatCompletionNewParams, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    modelPath,
	}

	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.Stream {
		params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
			IncludeUsage: openaiSDK.Bool(true),
		}
	}

	for _, t := range req.Tools {
		var schema map[string]any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return params, err
			}
		}
		fn := shared.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: shared.FunctionParameters(schema),
		}
		if t.Description != "" {
			fn.Description = openaiSDK.String(t.Description)
		}
		params.Tools = append(params.Tools, openaiSDK.ChatCompletionFunctionTool(fn))
	}

	return params, nil
}

func toSDKMessage(m providers.Message) openaiSDK.ChatCompletionMessageParamUnion {
	switch m.Role {
	case "system", "developer":
		return openaiSDK.SystemMessage(m.Content)
	case "assistant":
		if len(m.ToolCalls) == 0 {
			return openaiSDK.AssistantMessage(m.Content)
		}
		assistant := openaiSDK.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			assistant.Content.OfString = openaiSDK.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls,
				openaiSDK.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openaiSDK.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openaiSDK.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					},
				})
		}
		return openaiSDK.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
	case "tool":
		return openaiSDK.ToolMessage(m.Content, m.ToolCallID)
	default:
		return openaiSDK.UserMessage(m.Content)
	}
}

func (a *Adapter) unary(ctx context.Context, client openaiSDK.Client, prov *config.Provider,
	params openaiSDK.ChatCompletionNewParams) (*providers.Result, error) {

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.mapError(prov.Key, err)
	}

	out := &providers.Response{
		ID: resp.ID,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		out.Content = c.Message.Content
		out.FinishReason = string(c.FinishReason)
		for _, tc := range c.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
	}
	return &providers.Result{Response: out}, nil
}

func (a *Adapter) stream(ctx context.Context, client openaiSDK.Client, prov *config.Provider,
	params openaiSDK.ChatCompletionNewParams) (*providers.Result, error) {

	sdkStream := client.Chat.Completions.NewStreaming(ctx, params)
	ch := make(chan providers.Chunk, streamBuffer)

	go func() {
		defer close(ch)

		st := translate.NewOpenAIStream()
		for sdkStream.Next() {
			chunk := sdkStream.Current()
			decoded := toTranslateChunk(&chunk)

			canonical, terr := st.Translate(decoded)
			for _, c := range canonical {
				ch <- c
			}
			if terr != nil {
				ch <- providers.Chunk{Err: apierr.Tagged(apierr.KindOf(terr), prov.Key, terr, "stream translation failed")}
				return
			}
		}

		if err := sdkStream.Err(); err != nil {
			ch <- providers.Chunk{Err: a.mapError(prov.Key, err)}
			return
		}
		if err := st.Finish(); err != nil {
			ch <- providers.Chunk{Err: apierr.Tagged(apierr.KindOf(err), prov.Key, err, "stream ended mid tool call")}
		}
	}()

	return &providers.Result{Stream: ch}, nil
}

// toTranslateChunk maps one SDK chunk to the dialect-neutral form consumed
// by the translation state machine.
func toTranslateChunk(chunk *openaiSDK.ChatCompletionChunk) *translate.OpenAIChunk {
	out := &translate.OpenAIChunk{}
	if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
		out.Usage = &providers.Usage{
			InputTokens:  int(chunk.Usage.PromptTokens),
			OutputTokens: int(chunk.Usage.CompletionTokens),
		}
	}
	if len(chunk.Choices) == 0 {
		return out
	}
	c := chunk.Choices[0]
	out.Role = c.Delta.Role
	out.ContentDelta = c.Delta.Content
	out.FinishReason = string(c.FinishReason)
	for _, tc := range c.Delta.ToolCalls {
		out.ToolDeltas = append(out.ToolDeltas, translate.ToolDelta{
			Index:             int(tc.Index),
			ID:                tc.ID,
			Name:              tc.Function.Name,
			ArgumentsFragment: tc.Function.Arguments,
		})
	}
	return out
}

// invokeText serves legacy completions against the upstream /completions
// path. The canonical form carries the prompt as user turns; tool calls do
// not exist on this surface.
func (a *Adapter) invokeText(ctx context.Context, prov *config.Provider, modelPath string, req *providers.Request) (*providers.Result, error) {
	params := openaiSDK.CompletionNewParams{
		Model: openaiSDK.CompletionNewParamsModel(modelPath),
		Prompt: openaiSDK.CompletionNewParamsPromptUnion{
			OfString: openaiSDK.String(promptOf(req)),
		},
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	client := a.client(prov)
	if req.Stream {
		params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
			IncludeUsage: openaiSDK.Bool(true),
		}
		return a.streamText(ctx, client, prov, params)
	}

	resp, err := client.Completions.New(ctx, params)
	if err != nil {
		return nil, a.mapError(prov.Key, err)
	}
	out := &providers.Response{
		ID: resp.ID,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Text
		out.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return &providers.Result{Response: out}, nil
}

func (a *Adapter) streamText(ctx context.Context, client openaiSDK.Client, prov *config.Provider,
	params openaiSDK.CompletionNewParams) (*providers.Result, error) {

	sdkStream := client.Completions.NewStreaming(ctx, params)
	ch := make(chan providers.Chunk, streamBuffer)

	go func() {
		defer close(ch)

		var usage *providers.Usage
		finish := ""
		for sdkStream.Next() {
			chunk := sdkStream.Current()
			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				usage = &providers.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.FinishReason != "" {
				finish = string(c.FinishReason)
			}
			if c.Text != "" {
				ch <- providers.Chunk{ContentDelta: c.Text}
			}
		}
		if err := sdkStream.Err(); err != nil {
			ch <- providers.Chunk{Err: a.mapError(prov.Key, err)}
			return
		}
		if finish != "" || usage != nil {
			ch <- providers.Chunk{FinishReason: finish, Usage: usage}
		}
	}()

	return &providers.Result{Stream: ch}, nil
}

// promptOf flattens the canonical user turns back into a single prompt.
func promptOf(req *providers.Request) string {
	var b strings.Builder
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// Embed implements providers.Embedder.
func (a *Adapter) Embed(ctx context.Context, prov *config.Provider, modelPath string, req *providers.Request) (*providers.EmbeddingResult, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(modelPath),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Inputs,
		},
	}

	client := a.client(prov)
	resp, err := client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, a.mapError(prov.Key, err)
	}

	out := &providers.EmbeddingResult{
		Model: resp.Model,
		Usage: providers.Usage{InputTokens: int(resp.Usage.PromptTokens)},
	}
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out.Vectors = append(out.Vectors, providers.EmbeddingVector{
			Index:     int(d.Index),
			Embedding: vec,
		})
	}
	return out, nil
}

// mapError classifies an SDK error into the gateway's typed kinds. Upstream
// bodies are logged, never forwarded.
func (a *Adapter) mapError(providerKey string, err error) error {
	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) {
		a.log.Warn("upstream_error",
			slog.String("provider", providerKey),
			slog.Int("status", sdkErr.StatusCode),
		)
		return apierr.Tagged(apierr.FromHTTPStatus(sdkErr.StatusCode), providerKey, err, "upstream rejected the request")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Tagged(apierr.KindTimeout, providerKey, err, "upstream attempt timed out")
	}
	return apierr.Tagged(apierr.KindProviderUnavailable, providerKey, err, "upstream unreachable")
}
