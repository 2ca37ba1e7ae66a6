package proxy

import (
	"testing"

	"github.com/synaxis-dev/synaxis/internal/config"
	"github.com/synaxis-dev/synaxis/pkg/apierr"
)

func TestParseChatStructuredContent(t *testing.T) {
	body := `{"model":"m","messages":[
		{"role":"user","content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]}
	]}`

	req, err := parseChat([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Messages[0].Content != "part one part two" {
		t.Errorf("content = %q", req.Messages[0].Content)
	}
}

func TestParseChatRejectsImageParts(t *testing.T) {
	body := `{"model":"m","messages":[
		{"role":"user","content":[{"type":"image_url","text":""}]}
	]}`

	if _, err := parseChat([]byte(body)); apierr.KindOf(err) != apierr.KindValidation {
		t.Errorf("expected Validation, got %v", err)
	}
}

func TestParseChatToolMessages(t *testing.T) {
	body := `{"model":"m","messages":[
		{"role":"user","content":"check the weather"},
		{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"weather","arguments":"{\"city\":\"Oslo\"}"}}]},
		{"role":"tool","tool_call_id":"call_1","content":"rainy"}
	]}`

	req, err := parseChat([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d", len(req.Messages))
	}
	tc := req.Messages[1].ToolCalls
	if len(tc) != 1 || tc[0].Name != "weather" || string(tc[0].Arguments) != `{"city":"Oslo"}` {
		t.Errorf("tool call mapping: %+v", tc)
	}
	if req.Messages[2].ToolCallID != "call_1" {
		t.Errorf("tool_call_id = %q", req.Messages[2].ToolCallID)
	}
}

func TestParseChatToolMessageRequiresCallID(t *testing.T) {
	body := `{"model":"m","messages":[{"role":"tool","content":"x"}]}`
	if _, err := parseChat([]byte(body)); apierr.KindOf(err) != apierr.KindValidation {
		t.Errorf("expected Validation, got %v", err)
	}
}

func TestParseChatToolDefinitions(t *testing.T) {
	body := `{"model":"m","messages":[{"role":"user","content":"x"}],
		"tools":[{"type":"function","function":{"name":"lookup","description":"d","parameters":{"type":"object"}}}]}`

	req, err := parseChat([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "lookup" {
		t.Errorf("tools: %+v", req.Tools)
	}

	bad := `{"model":"m","messages":[{"role":"user","content":"x"}],
		"tools":[{"type":"retrieval","function":{"name":"n"}}]}`
	if _, err := parseChat([]byte(bad)); apierr.KindOf(err) != apierr.KindValidation {
		t.Errorf("unsupported tool type must fail validation, got %v", err)
	}
}

func TestParseCompletionsStringPrompt(t *testing.T) {
	req, err := parseCompletions([]byte(`{"model":"m","prompt":"just text"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.EndpointKind != config.EndpointCompletions {
		t.Errorf("endpoint = %q", req.EndpointKind)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "just text" {
		t.Errorf("messages: %+v", req.Messages)
	}
}

func TestParseResponsesInputForms(t *testing.T) {
	req, err := parseResponses([]byte(`{"model":"m","input":[{"role":"user","content":"a"},{"role":"assistant","content":"b"},{"role":"user","content":"c"}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(req.Messages) != 3 || req.Messages[1].Role != "assistant" {
		t.Errorf("messages: %+v", req.Messages)
	}

	if _, err := parseResponses([]byte(`{"model":"m"}`)); apierr.KindOf(err) != apierr.KindValidation {
		t.Errorf("missing input must fail validation, got %v", err)
	}
}

func TestParseEmbeddingsInputForms(t *testing.T) {
	req, err := parseEmbeddings([]byte(`{"model":"m","input":["a","b"]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(req.Inputs) != 2 {
		t.Errorf("inputs: %v", req.Inputs)
	}

	single, err := parseEmbeddings([]byte(`{"model":"m","input":"solo"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(single.Inputs) != 1 || single.Inputs[0] != "solo" {
		t.Errorf("inputs: %v", single.Inputs)
	}

	if _, err := parseEmbeddings([]byte(`{"model":"m","input":[]}`)); apierr.KindOf(err) != apierr.KindValidation {
		t.Errorf("empty input must fail validation, got %v", err)
	}
	if _, err := parseEmbeddings([]byte(`{"model":"m","input":[""]}`)); apierr.KindOf(err) != apierr.KindValidation {
		t.Errorf("empty element must fail validation, got %v", err)
	}
}
