// Package providers defines the canonical request/response model shared by
// all upstream adapters, and the Adapter interface each wire dialect
// implements (OpenAI-compatible, Anthropic, Azure OpenAI).
//
// Adapters translate between the canonical schema and their provider's wire
// dialect. They know nothing about routing, health, or quota: they receive a
// concrete provider config plus a canonical request and produce a canonical
// response or a channel of canonical chunks.
package providers

import (
	"context"
	"encoding/json"

	"github.com/synaxis-dev/synaxis/internal/config"
)

type (
	// ToolCall is the canonical tool invocation: arguments are a complete
	// JSON object, regardless of how the upstream chunked them.
	ToolCall struct {
		ID        string
		Name      string
		Arguments json.RawMessage
	}

	// Tool is a tool definition passed through to the upstream.
	Tool struct {
		Name        string
		Description string
		Parameters  json.RawMessage
	}

	// Message is one turn in a conversation.
	Message struct {
		Role       string // system | user | assistant | tool
		Content    string
		Name       string
		ToolCalls  []ToolCall
		ToolCallID string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Request is the canonical request built by the HTTP surface. Model is
	// the canonical id; adapters receive the provider-native path separately.
	Request struct {
		Model        string
		EndpointKind config.EndpointKind
		Messages     []Message
		Tools        []Tool
		Temperature  *float64
		TopP         *float64
		MaxTokens    int
		Stream       bool

		// Inputs is set for embeddings requests; always ≥ 1 element.
		Inputs []string

		// Telemetry identity — never sent upstream.
		RequestID string
		TenantID  string
		UserID    string
	}

	// Response is the canonical unary response.
	Response struct {
		ID           string
		Content      string
		ToolCalls    []ToolCall
		FinishReason string
		Usage        Usage
	}

	// Chunk is one canonical streaming delta. Role is set only on the first
	// chunk of a stream; FinishReason only on the last; Usage, when the
	// upstream supplies it, rides the final chunk. Err is a terminal
	// sentinel: the channel closes right after a chunk carrying it.
	Chunk struct {
		Role          string
		ContentDelta  string
		ToolCallDelta *ToolCall
		FinishReason  string
		Usage         *Usage
		Err           error
	}

	// Result carries exactly one of: a unary Response, a live Stream, or an
	// Embedding result.
	Result struct {
		Response  *Response
		Stream    <-chan Chunk
		Embedding *EmbeddingResult
	}

	// EmbeddingVector is one embedding with its input index.
	EmbeddingVector struct {
		Index     int
		Embedding []float32
	}

	// EmbeddingResult is the canonical embeddings response.
	EmbeddingResult struct {
		Model   string
		Vectors []EmbeddingVector
		Usage   Usage
	}
)

// Adapter translates canonical chat/completions/responses requests for one
// wire dialect. Implementations must tag every error with the provider key
// (pkg/apierr.Tagged) before returning.
type Adapter interface {
	// Invoke sends req to the provider, addressing modelPath (the
	// provider-native model name or Azure deployment id). Streaming results
	// hold an open channel that is always closed, on every exit path.
	Invoke(ctx context.Context, prov *config.Provider, modelPath string, req *Request) (*Result, error)
}

// Embedder is implemented by adapters whose dialect has an embeddings
// surface. Check with a type assertion before calling.
type Embedder interface {
	Embed(ctx context.Context, prov *config.Provider, modelPath string, req *Request) (*EmbeddingResult, error)
}

// Registry maps provider types to adapter implementations. The set is closed
// over the known wire dialects; unknown or unimplemented types resolve to nil.
type Registry struct {
	openAI    Adapter
	anthropic Adapter
	azure     Adapter
}

// NewRegistry builds a registry from the three concrete adapters.
func NewRegistry(openAI, anthropic, azure Adapter) *Registry {
	return &Registry{openAI: openAI, anthropic: anthropic, azure: azure}
}

// For returns the adapter for a provider type. HuggingFace and custom
// endpoints speak the OpenAI-compatible dialect. GitHub Copilot's
// session-based protocol is not implemented; it resolves to nil and the
// orchestrator surfaces a provider error for it at attempt time.
func (r *Registry) For(t config.ProviderType) Adapter {
	switch t {
	case config.TypeOpenAICompatible, config.TypeHuggingFace, config.TypeCustom:
		return r.openAI
	case config.TypeAnthropic:
		return r.anthropic
	case config.TypeAzureOpenAI:
		return r.azure
	default:
		return nil
	}
}
