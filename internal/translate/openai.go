package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/synaxis-dev/synaxis/internal/providers"
)

// SSE line framing shared by the OpenAI dialect and our own egress.
const (
	ssePrefix = "data: "
	sseDone   = "[DONE]"
)

// ParseSSELine extracts the JSON payload from one "data: ..." line.
// Returns (payload, done, ok): done is set for the [DONE] terminator and ok
// is false for non-data lines (comments, blank keep-alives).
func ParseSSELine(line string) (payload string, done bool, ok bool) {
	if !strings.HasPrefix(line, ssePrefix) {
		return "", false, false
	}
	data := strings.TrimPrefix(line, ssePrefix)
	if data == sseDone {
		return "", true, true
	}
	return data, false, true
}

// Wire DTOs for the OpenAI chat-completions dialect. Shared by the Azure
// adapter (hand-rolled HTTP) and the transcript tests.
type (
	openAIWireToolFn struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}
	openAIWireToolCall struct {
		Index    int              `json:"index"`
		ID       string           `json:"id"`
		Type     string           `json:"type"`
		Function openAIWireToolFn `json:"function"`
	}
	openAIWireDelta struct {
		Role      string               `json:"role"`
		Content   string               `json:"content"`
		ToolCalls []openAIWireToolCall `json:"tool_calls"`
	}
	openAIWireChoice struct {
		Index        int              `json:"index"`
		Delta        *openAIWireDelta `json:"delta"`
		FinishReason string           `json:"finish_reason"`
	}
	openAIWireUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	}
	openAIWireChunk struct {
		ID      string             `json:"id"`
		Choices []openAIWireChoice `json:"choices"`
		Usage   *openAIWireUsage   `json:"usage"`
	}
)

// ToolDelta is one piecewise tool-call fragment in dialect-neutral form.
type ToolDelta struct {
	Index             int
	ID                string
	Name              string
	ArgumentsFragment string
}

// OpenAIChunk is the decoded view of one OpenAI-dialect stream chunk, the
// input to OpenAIStream.Translate. SDK-based adapters build it from typed
// chunk values; the Azure adapter and tests decode raw JSON.
type OpenAIChunk struct {
	Role         string
	ContentDelta string
	ToolDeltas   []ToolDelta
	FinishReason string
	Usage        *providers.Usage
}

// DecodeOpenAIChunk parses one OpenAI-dialect chunk JSON payload.
func DecodeOpenAIChunk(data []byte) (*OpenAIChunk, error) {
	var wc openAIWireChunk
	if err := json.Unmarshal(data, &wc); err != nil {
		return nil, fmt.Errorf("translate: decode openai chunk: %w", err)
	}

	out := &OpenAIChunk{}
	if wc.Usage != nil {
		out.Usage = &providers.Usage{
			InputTokens:  wc.Usage.PromptTokens,
			OutputTokens: wc.Usage.CompletionTokens,
		}
	}
	if len(wc.Choices) == 0 {
		return out, nil
	}

	c := wc.Choices[0]
	out.FinishReason = c.FinishReason
	if c.Delta != nil {
		out.Role = c.Delta.Role
		out.ContentDelta = c.Delta.Content
		for _, tc := range c.Delta.ToolCalls {
			out.ToolDeltas = append(out.ToolDeltas, ToolDelta{
				Index:             tc.Index,
				ID:                tc.ID,
				Name:              tc.Function.Name,
				ArgumentsFragment: tc.Function.Arguments,
			})
		}
	}
	return out, nil
}

// OpenAIStream is the per-stream translation state machine for the OpenAI
// dialect: initial → streaming text → streaming tool call → done. Partial
// tool calls are absorbed until their JSON balances.
type OpenAIStream struct {
	assembler   *ToolCallAssembler
	emittedRole bool
	finished    bool
}

// NewOpenAIStream creates a fresh stream state.
func NewOpenAIStream() *OpenAIStream {
	return &OpenAIStream{assembler: NewToolCallAssembler()}
}

// Translate converts one decoded chunk into zero or more canonical chunks.
// Chunks that only extend a partial tool call produce no output. The error
// is terminal (ToolCallParseError at a finish boundary).
func (s *OpenAIStream) Translate(c *OpenAIChunk) ([]providers.Chunk, error) {
	if s.finished || c == nil {
		return nil, nil
	}

	var out []providers.Chunk

	role := ""
	if !s.emittedRole {
		role = c.Role
		if role == "" {
			role = "assistant"
		}
	}

	if c.ContentDelta != "" {
		out = append(out, providers.Chunk{Role: role, ContentDelta: c.ContentDelta})
		s.emittedRole = true
		role = ""
	}

	for _, td := range c.ToolDeltas {
		if call := s.assembler.Feed(td.Index, td.ID, td.Name, td.ArgumentsFragment); call != nil {
			out = append(out, providers.Chunk{Role: role, ToolCallDelta: call})
			s.emittedRole = true
			role = ""
		}
	}

	if c.FinishReason != "" {
		s.finished = true
		flushed, err := s.assembler.Flush()
		if err != nil {
			return out, err
		}
		for i := range flushed {
			out = append(out, providers.Chunk{ToolCallDelta: &flushed[i]})
		}
		out = append(out, providers.Chunk{
			Role:         role,
			FinishReason: c.FinishReason,
			Usage:        c.Usage,
		})
		s.emittedRole = true
		return out, nil
	}

	// Usage-only trailer chunks (stream_options include_usage) ride after the
	// finish chunk on some providers; forward them as a bare usage chunk.
	if len(out) == 0 && c.Usage != nil {
		out = append(out, providers.Chunk{Usage: c.Usage})
	}

	return out, nil
}

// Finish validates end-of-stream: an upstream that closed mid tool call
// yields a ToolCallParseError.
func (s *OpenAIStream) Finish() error {
	if s.finished {
		return nil
	}
	s.finished = true
	_, err := s.assembler.Flush()
	return err
}
