package translate

import (
	"encoding/json"
	"fmt"

	"github.com/synaxis-dev/synaxis/internal/providers"
)

// Wire DTOs for the Anthropic messages streaming dialect.
type (
	anthropicContentBlock struct {
		Type  string          `json:"type"` // text | tool_use
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}
	anthropicDelta struct {
		Type        string `json:"type"` // text_delta | input_json_delta
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	}
	anthropicUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}
	anthropicMessage struct {
		Role  string          `json:"role"`
		Usage *anthropicUsage `json:"usage"`
	}
	anthropicWireEvent struct {
		Type         string                 `json:"type"`
		Index        int                    `json:"index"`
		Message      *anthropicMessage      `json:"message"`
		ContentBlock *anthropicContentBlock `json:"content_block"`
		Delta        *anthropicDelta        `json:"delta"`
		Usage        *anthropicUsage        `json:"usage"`
	}
)

// AnthropicEvent is the decoded view of one Anthropic stream event, the input
// to AnthropicStream.Translate.
type AnthropicEvent struct {
	Type  string // message_start | content_block_start | content_block_delta | content_block_stop | message_delta | message_stop
	Index int

	Role string

	// Block fields, set on content_block_start.
	BlockType string // text | tool_use
	ToolID    string
	ToolName  string
	ToolInput json.RawMessage // non-empty when the block arrives complete

	// Delta fields, set on content_block_delta.
	TextDelta   string
	PartialJSON string

	// Message-level fields.
	StopReason string
	Usage      *providers.Usage
}

// DecodeAnthropicEvent parses one Anthropic SSE event payload.
func DecodeAnthropicEvent(data []byte) (*AnthropicEvent, error) {
	var we anthropicWireEvent
	if err := json.Unmarshal(data, &we); err != nil {
		return nil, fmt.Errorf("translate: decode anthropic event: %w", err)
	}

	ev := &AnthropicEvent{Type: we.Type, Index: we.Index}
	if we.Message != nil {
		ev.Role = we.Message.Role
		if we.Message.Usage != nil {
			ev.Usage = &providers.Usage{
				InputTokens:  we.Message.Usage.InputTokens,
				OutputTokens: we.Message.Usage.OutputTokens,
			}
		}
	}
	if we.ContentBlock != nil {
		ev.BlockType = we.ContentBlock.Type
		ev.ToolID = we.ContentBlock.ID
		ev.ToolName = we.ContentBlock.Name
		if len(we.ContentBlock.Input) > 0 && string(we.ContentBlock.Input) != "{}" {
			ev.ToolInput = we.ContentBlock.Input
		}
	}
	if we.Delta != nil {
		ev.TextDelta = we.Delta.Text
		ev.PartialJSON = we.Delta.PartialJSON
		ev.StopReason = we.Delta.StopReason
	}
	if we.Usage != nil {
		ev.Usage = &providers.Usage{
			InputTokens:  we.Usage.InputTokens,
			OutputTokens: we.Usage.OutputTokens,
		}
	}
	return ev, nil
}

// AnthropicStream translates Anthropic message events into canonical chunks.
// tool_use blocks stream their input through input_json_delta fragments;
// those go through the same assembler as the OpenAI dialect and surface as
// one finalized tool-call chunk at content_block_stop.
type AnthropicStream struct {
	assembler   *ToolCallAssembler
	emittedRole bool
	finished    bool

	usage      *providers.Usage
	stopReason string
}

// NewAnthropicStream creates a fresh stream state.
func NewAnthropicStream() *AnthropicStream {
	return &AnthropicStream{assembler: NewToolCallAssembler()}
}

// mapStopReason converts Anthropic stop reasons to OpenAI-style finish
// reasons used by the canonical model.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// Translate converts one decoded event into zero or more canonical chunks.
func (s *AnthropicStream) Translate(ev *AnthropicEvent) ([]providers.Chunk, error) {
	if s.finished || ev == nil {
		return nil, nil
	}

	role := ""
	if !s.emittedRole {
		role = "assistant"
	}

	switch ev.Type {
	case "message_start":
		if ev.Usage != nil {
			s.usage = ev.Usage
		}
		return nil, nil

	case "content_block_start":
		if ev.BlockType != "tool_use" {
			return nil, nil
		}
		// Structured input arriving whole maps 1-to-1; streamed input opens
		// an assembler slot keyed by block index.
		if len(ev.ToolInput) > 0 {
			call := providers.ToolCall{ID: ev.ToolID, Name: ev.ToolName, Arguments: ev.ToolInput}
			s.emittedRole = true
			return []providers.Chunk{{Role: role, ToolCallDelta: &call}}, nil
		}
		s.assembler.Feed(ev.Index, ev.ToolID, ev.ToolName, "")
		return nil, nil

	case "content_block_delta":
		if ev.TextDelta != "" {
			s.emittedRole = true
			return []providers.Chunk{{Role: role, ContentDelta: ev.TextDelta}}, nil
		}
		if ev.PartialJSON != "" {
			if call := s.assembler.Feed(ev.Index, "", "", ev.PartialJSON); call != nil {
				s.emittedRole = true
				return []providers.Chunk{{Role: role, ToolCallDelta: call}}, nil
			}
		}
		return nil, nil

	case "content_block_stop":
		// An empty-input tool call never accumulates JSON; close it here.
		flushed, err := s.assembler.Flush()
		if err != nil {
			return nil, err
		}
		var out []providers.Chunk
		for i := range flushed {
			out = append(out, providers.Chunk{Role: role, ToolCallDelta: &flushed[i]})
			s.emittedRole = true
			role = ""
		}
		return out, nil

	case "message_delta":
		if ev.StopReason != "" {
			s.stopReason = mapStopReason(ev.StopReason)
		}
		if ev.Usage != nil {
			if s.usage == nil {
				s.usage = ev.Usage
			} else {
				s.usage.OutputTokens = ev.Usage.OutputTokens
			}
		}
		return nil, nil

	case "message_stop":
		s.finished = true
		if err := s.checkPending(); err != nil {
			return nil, err
		}
		finish := s.stopReason
		if finish == "" {
			finish = "stop"
		}
		return []providers.Chunk{{Role: role, FinishReason: finish, Usage: s.usage}}, nil
	}

	return nil, nil
}

// Finish validates end-of-stream for streams that never saw message_stop.
func (s *AnthropicStream) Finish() error {
	if s.finished {
		return nil
	}
	s.finished = true
	return s.checkPending()
}

func (s *AnthropicStream) checkPending() error {
	if !s.assembler.Pending() {
		return nil
	}
	_, err := s.assembler.Flush()
	return err
}
