package translate

import (
	"errors"
	"strings"
	"testing"

	"github.com/synaxis-dev/synaxis/internal/providers"
	"github.com/synaxis-dev/synaxis/pkg/apierr"
)

// runOpenAITranscript feeds a recorded SSE transcript through the OpenAI
// stream state machine and collects the canonical chunks.
func runOpenAITranscript(t *testing.T, transcript []string) ([]providers.Chunk, error) {
	t.Helper()
	s := NewOpenAIStream()
	var out []providers.Chunk
	for _, line := range transcript {
		payload, done, ok := ParseSSELine(line)
		if !ok {
			continue
		}
		if done {
			break
		}
		c, err := DecodeOpenAIChunk([]byte(payload))
		if err != nil {
			return out, err
		}
		chunks, err := s.Translate(c)
		out = append(out, chunks...)
		if err != nil {
			return out, err
		}
	}
	return out, s.Finish()
}

func TestParseSSELine(t *testing.T) {
	payload, done, ok := ParseSSELine(`data: {"id":"x"}`)
	if !ok || done || payload != `{"id":"x"}` {
		t.Fatalf("data line: payload=%q done=%v ok=%v", payload, done, ok)
	}
	if _, done, ok := ParseSSELine("data: [DONE]"); !ok || !done {
		t.Fatalf("[DONE] not recognized")
	}
	if _, _, ok := ParseSSELine(": keep-alive"); ok {
		t.Fatalf("comment line should not parse")
	}
	if _, _, ok := ParseSSELine(""); ok {
		t.Fatalf("blank line should not parse")
	}
}

func TestOpenAIStreamText(t *testing.T) {
	transcript := []string{
		`data: {"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`data: {"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":2}}`,
		`data: [DONE]`,
	}

	chunks, err := runOpenAITranscript(t, transcript)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("want 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Role != "assistant" || chunks[0].ContentDelta != "Hel" {
		t.Errorf("first chunk: %+v", chunks[0])
	}
	if chunks[1].Role != "" || chunks[1].ContentDelta != "lo" {
		t.Errorf("role must appear only once: %+v", chunks[1])
	}
	last := chunks[2]
	if last.FinishReason != "stop" {
		t.Errorf("finish reason: %+v", last)
	}
	if last.Usage == nil || last.Usage.InputTokens != 4 || last.Usage.OutputTokens != 2 {
		t.Errorf("usage: %+v", last.Usage)
	}
}

func TestOpenAIStreamToolCallFragments(t *testing.T) {
	// Arguments arrive in three fragments; the call must surface exactly once,
	// with the complete JSON object.
	transcript := []string{
		`data: {"choices":[{"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Oslo\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	}

	chunks, err := runOpenAITranscript(t, transcript)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}

	var calls []*providers.ToolCall
	for _, c := range chunks {
		if c.ToolCallDelta != nil {
			calls = append(calls, c.ToolCallDelta)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("want exactly 1 finalized tool call, got %d", len(calls))
	}
	call := calls[0]
	if call.ID != "call_1" || call.Name != "get_weather" {
		t.Errorf("call identity: %+v", call)
	}
	if string(call.Arguments) != `{"city":"Oslo"}` {
		t.Errorf("arguments: %s", call.Arguments)
	}
	if chunks[len(chunks)-1].FinishReason != "tool_calls" {
		t.Errorf("finish reason: %+v", chunks[len(chunks)-1])
	}
}

func TestOpenAIStreamParallelToolCalls(t *testing.T) {
	transcript := []string{
		`data: {"choices":[{"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"a","function":{"name":"f0","arguments":"{\"x\":1}"}},{"index":1,"id":"b","function":{"name":"f1","arguments":"{\"y\""}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"arguments":":2}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	}

	chunks, err := runOpenAITranscript(t, transcript)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	var names []string
	for _, c := range chunks {
		if c.ToolCallDelta != nil {
			names = append(names, c.ToolCallDelta.Name)
		}
	}
	if len(names) != 2 || names[0] != "f0" || names[1] != "f1" {
		t.Fatalf("want calls [f0 f1], got %v", names)
	}
}

func TestOpenAIStreamEmptyArgumentsCall(t *testing.T) {
	// A no-argument tool call never accumulates JSON; the finish signal
	// finalizes it with an empty object.
	transcript := []string{
		`data: {"choices":[{"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"c","function":{"name":"ping","arguments":""}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	}

	chunks, err := runOpenAITranscript(t, transcript)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	var call *providers.ToolCall
	for _, c := range chunks {
		if c.ToolCallDelta != nil {
			call = c.ToolCallDelta
		}
	}
	if call == nil || string(call.Arguments) != "{}" {
		t.Fatalf("want empty-object arguments, got %+v", call)
	}
}

func TestOpenAIStreamTruncatedToolCall(t *testing.T) {
	// Stream ends mid tool call with no finish chunk.
	transcript := []string{
		`data: {"choices":[{"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"c","function":{"name":"f","arguments":"{\"a\":"}}]}}]}`,
	}

	_, err := runOpenAITranscript(t, transcript)
	if err == nil {
		t.Fatal("want ToolCallParseError for truncated stream")
	}
	if apierr.KindOf(err) != apierr.KindToolCallParseError {
		t.Fatalf("kind = %v, want ToolCallParseError", apierr.KindOf(err))
	}
}

func TestOpenAIStreamUnbalancedAtFinish(t *testing.T) {
	transcript := []string{
		`data: {"choices":[{"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"c","function":{"name":"f","arguments":"{\"a\":"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	}

	_, err := runOpenAITranscript(t, transcript)
	if apierr.KindOf(err) != apierr.KindToolCallParseError {
		t.Fatalf("kind = %v, want ToolCallParseError", apierr.KindOf(err))
	}

	var e *apierr.Error
	if !errors.As(err, &e) || !strings.Contains(e.Message, "unbalanced") {
		t.Errorf("message should name the unbalanced arguments: %v", err)
	}
}

func TestDecodeOpenAIChunkMalformed(t *testing.T) {
	if _, err := DecodeOpenAIChunk([]byte("{not json")); err == nil {
		t.Fatal("want decode error")
	}
}

func runAnthropicTranscript(t *testing.T, events []string) ([]providers.Chunk, error) {
	t.Helper()
	s := NewAnthropicStream()
	var out []providers.Chunk
	for _, raw := range events {
		ev, err := DecodeAnthropicEvent([]byte(raw))
		if err != nil {
			return out, err
		}
		chunks, err := s.Translate(ev)
		out = append(out, chunks...)
		if err != nil {
			return out, err
		}
	}
	return out, s.Finish()
}

func TestAnthropicStreamText(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"role":"assistant","usage":{"input_tokens":9,"output_tokens":0}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`,
		`{"type":"message_stop"}`,
	}

	chunks, err := runAnthropicTranscript(t, events)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("want 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Role != "assistant" || chunks[0].ContentDelta != "Hi" {
		t.Errorf("first chunk: %+v", chunks[0])
	}
	if chunks[1].Role != "" {
		t.Errorf("role must appear only once: %+v", chunks[1])
	}
	last := chunks[2]
	if last.FinishReason != "stop" {
		t.Errorf("end_turn must map to stop: %+v", last)
	}
	if last.Usage == nil || last.Usage.InputTokens != 9 || last.Usage.OutputTokens != 3 {
		t.Errorf("usage: %+v", last.Usage)
	}
}

func TestAnthropicStreamToolUse(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"role":"assistant"}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"Oslo\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		`{"type":"message_stop"}`,
	}

	chunks, err := runAnthropicTranscript(t, events)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	var calls []*providers.ToolCall
	for _, c := range chunks {
		if c.ToolCallDelta != nil {
			calls = append(calls, c.ToolCallDelta)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("want exactly 1 tool call, got %d", len(calls))
	}
	call := calls[0]
	if call.ID != "toolu_1" || call.Name != "get_weather" {
		t.Errorf("call identity: %+v", call)
	}
	if string(call.Arguments) != `{"city":"Oslo"}` {
		t.Errorf("arguments: %s", call.Arguments)
	}
	if chunks[len(chunks)-1].FinishReason != "tool_calls" {
		t.Errorf("tool_use must map to tool_calls: %+v", chunks[len(chunks)-1])
	}
}

func TestAnthropicStreamEmptyInputTool(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"role":"assistant"}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_2","name":"ping","input":{}}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		`{"type":"message_stop"}`,
	}

	chunks, err := runAnthropicTranscript(t, events)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	var call *providers.ToolCall
	for _, c := range chunks {
		if c.ToolCallDelta != nil {
			call = c.ToolCallDelta
		}
	}
	if call == nil || call.Name != "ping" || string(call.Arguments) != "{}" {
		t.Fatalf("want empty-object arguments, got %+v", call)
	}
}

func TestAnthropicStreamTruncated(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"role":"assistant"}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_3","name":"f","input":{}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"a\":"}}`,
	}

	_, err := runAnthropicTranscript(t, events)
	if apierr.KindOf(err) != apierr.KindToolCallParseError {
		t.Fatalf("kind = %v, want ToolCallParseError", apierr.KindOf(err))
	}
}

func TestMapStopReason(t *testing.T) {
	cases := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"tool_use":      "tool_calls",
		"other":         "other",
	}
	for in, want := range cases {
		if got := mapStopReason(in); got != want {
			t.Errorf("mapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}
