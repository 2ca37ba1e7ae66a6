// Package anthropic adapts the canonical model to the Anthropic messages
// API. System messages are hoisted into the system prompt, tool calls map to
// tool_use blocks, and streaming events run through the shared translation
// state machine.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/synaxis-dev/synaxis/internal/config"
	"github.com/synaxis-dev/synaxis/internal/providers"
	"github.com/synaxis-dev/synaxis/internal/translate"
	"github.com/synaxis-dev/synaxis/pkg/apierr"
)

const (
	// defaultMaxTokens applies when the client sets no limit; the messages
	// API requires one.
	defaultMaxTokens = 4096

	streamBuffer = 64
)

// Adapter speaks the Anthropic messages dialect.
type Adapter struct {
	httpClient *http.Client
	log        *slog.Logger
}

// New creates the adapter. Attempts are bounded by the request context, not
// a client timeout.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		httpClient: &http.Client{},
		log:        log,
	}
}

func (a *Adapter) client(prov *config.Provider) anthropicSDK.Client {
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
	return anthropicSDK.NewClient(opts...)
}

// Invoke implements providers.Adapter.
func (a *Adapter) Invoke(ctx context.Context, prov *config.Provider, modelPath string, req *providers.Request) (*providers.Result, error) {
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

// buildParams hoists system/developer messages into the system prompt and
// converts the rest of the conversation to message params.
func buildParams(modelPath string, req *providers.Request) (anthropicSDK.MessageNewParams, error) {
	var system string
	msgs := make([]anthropicSDK.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if system != "" {
				system += "\n"
			}
			system += m.Content
		case "assistant":
			msgs = append(msgs, assistantMessage(m))
		case "tool":
			msgs = append(msgs, anthropicSDK.NewUserMessage(
				anthropicSDK.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		default:
			msgs = append(msgs, anthropicSDK.NewUserMessage(
				anthropicSDK.NewTextBlock(m.Content),
			))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(modelPath),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropicSDK.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropicSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropicSDK.Float(*req.TopP)
	}

	for _, t := range req.Tools {
		var schema anthropicSDK.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return params, err
			}
		}
		tool := anthropicSDK.ToolParam{
			Name:        t.Name,
			InputSchema: schema,
		}
		if t.Description != "" {
			tool.Description = anthropicSDK.String(t.Description)
		}
		params.Tools = append(params.Tools, anthropicSDK.ToolUnionParam{OfTool: &tool})
	}

	return params, nil
}

func assistantMessage(m providers.Message) anthropicSDK.MessageParam {
	var blocks []anthropicSDK.ContentBlockParamUnion
	if m.Content != "" {
		blocks = append(blocks, anthropicSDK.NewTextBlock(m.Content))
	}
	for _, tc := range m.ToolCalls {
		var input any
		if len(tc.Arguments) > 0 {
			_ = json.Unmarshal(tc.Arguments, &input)
		}
		blocks = append(blocks, anthropicSDK.NewToolUseBlock(tc.ID, input, tc.Name))
	}
	return anthropicSDK.NewAssistantMessage(blocks...)
}

func (a *Adapter) unary(ctx context.Context, client anthropicSDK.Client, prov *config.Provider,
	params anthropicSDK.MessageNewParams) (*providers.Result, error) {

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.mapError(prov.Key, err)
	}

	out := &providers.Response{
		ID: msg.ID,
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropicSDK.TextBlock:
			out.Content += v.Text
		case anthropicSDK.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
				ID:        v.ID,
				Name:      v.Name,
				Arguments: json.RawMessage(v.Input),
			})
		}
	}
	out.FinishReason = finishReason(string(msg.StopReason))
	return &providers.Result{Response: out}, nil
}

// finishReason maps Anthropic stop reasons onto OpenAI finish reasons.
func finishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return stop
	}
}

func (a *Adapter) stream(ctx context.Context, client anthropicSDK.Client, prov *config.Provider,
	params anthropicSDK.MessageNewParams) (*providers.Result, error) {

	sdkStream := client.Messages.NewStreaming(ctx, params)
	ch := make(chan providers.Chunk, streamBuffer)

	go func() {
		defer close(ch)

		st := translate.NewAnthropicStream()
		for sdkStream.Next() {
			ev := sdkStream.Current()

			// Events are re-decoded from their raw payload so the stream
			// state machine sees the exact wire shape.
			decoded, derr := translate.DecodeAnthropicEvent([]byte(ev.RawJSON()))
			if derr != nil {
				ch <- providers.Chunk{Err: apierr.Tagged(apierr.KindProviderError, prov.Key, derr, "malformed stream event")}
				return
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

func (a *Adapter) mapError(providerKey string, err error) error {
	var sdkErr *anthropicSDK.Error
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
