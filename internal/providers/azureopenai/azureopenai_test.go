package azureopenai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/synaxis-dev/synaxis/internal/config"
	"github.com/synaxis-dev/synaxis/internal/providers"
	"github.com/synaxis-dev/synaxis/pkg/apierr"
)

func azureProvider(endpoint string) *config.Provider {
	return &config.Provider{
		Key:      "azure-eu",
		Type:     config.TypeAzureOpenAI,
		Endpoint: endpoint,
		Secret:   "resource-key",
		Enabled:  true,
		Azure:    config.AzureAuth{APIVersion: "2024-10-21"},
	}
}

func chatReq(stream bool) *providers.Request {
	return &providers.Request{
		Model:        "gpt-4o",
		EndpointKind: config.EndpointChat,
		Messages:     []providers.Message{{Role: "user", Content: "hi"}},
		Stream:       stream,
	}
}

func TestUnaryRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/openai/deployments/gpt4o-prod/chat/completions" {
			t.Errorf("path = %s", got)
		}
		if got := r.URL.Query().Get("api-version"); got != "2024-10-21" {
			t.Errorf("api-version = %s", got)
		}
		if got := r.Header.Get("api-key"); got != "resource-key" {
			t.Errorf("api-key header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "cmpl-1",
			"choices": [{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 2}
		}`))
	}))
	defer srv.Close()

	a := New(nil)
	res, err := a.Invoke(context.Background(), azureProvider(srv.URL), "gpt4o-prod", chatReq(false))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	resp := res.Response
	if resp.Content != "hello" || resp.FinishReason != "stop" {
		t.Errorf("response: %+v", resp)
	}
	if resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 2 {
		t.Errorf("usage: %+v", resp.Usage)
	}
}

func TestUnaryToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"id": "cmpl-2",
			"choices": [{"message":{"role":"assistant","tool_calls":[
				{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":\"go\"}"}}
			]},"finish_reason":"tool_calls"}],
			"usage": {"prompt_tokens": 8, "completion_tokens": 4}
		}`))
	}))
	defer srv.Close()

	a := New(nil)
	res, err := a.Invoke(context.Background(), azureProvider(srv.URL), "gpt4o-prod", chatReq(false))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	calls := res.Response.ToolCalls
	if len(calls) != 1 || calls[0].Name != "lookup" || string(calls[0].Arguments) != `{"q":"go"}` {
		t.Errorf("tool calls: %+v", calls)
	}
}

func TestStreamingTranslation(t *testing.T) {
	transcript := strings.Join([]string{
		`data: {"choices":[{"delta":{"role":"assistant","content":"He"}}]}`,
		`data: {"choices":[{"delta":{"content":"y"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`,
		`data: [DONE]`,
		``,
	}, "\n\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("accept header = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(transcript))
	}))
	defer srv.Close()

	a := New(nil)
	res, err := a.Invoke(context.Background(), azureProvider(srv.URL), "gpt4o-prod", chatReq(true))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	var content strings.Builder
	var finish string
	var usage *providers.Usage
	for c := range res.Stream {
		if c.Err != nil {
			t.Fatalf("stream error: %v", c.Err)
		}
		content.WriteString(c.ContentDelta)
		if c.FinishReason != "" {
			finish = c.FinishReason
			usage = c.Usage
		}
	}
	if content.String() != "Hey" {
		t.Errorf("content = %q", content.String())
	}
	if finish != "stop" {
		t.Errorf("finish = %q", finish)
	}
	if usage == nil || usage.OutputTokens != 1 {
		t.Errorf("usage: %+v", usage)
	}
}

func TestErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited","type":"requests","code":"429"}}`))
	}))
	defer srv.Close()

	a := New(nil)
	_, err := a.Invoke(context.Background(), azureProvider(srv.URL), "gpt4o-prod", chatReq(false))
	if apierr.KindOf(err) != apierr.KindRateLimit {
		t.Fatalf("kind = %v, want RateLimit", apierr.KindOf(err))
	}
	if apierr.ProviderOf(err) != "azure-eu" {
		t.Errorf("provider tag = %q", apierr.ProviderOf(err))
	}
}

func TestEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/openai/deployments/embed-prod/embeddings" {
			t.Errorf("path = %s", got)
		}
		w.Write([]byte(`{
			"model": "text-embedding-3-small",
			"data": [{"index":0,"embedding":[0.1,0.2]},{"index":1,"embedding":[0.3]}],
			"usage": {"prompt_tokens": 5}
		}`))
	}))
	defer srv.Close()

	a := New(nil)
	out, err := a.Embed(context.Background(), azureProvider(srv.URL), "embed-prod", &providers.Request{
		EndpointKind: config.EndpointEmbeddings,
		Inputs:       []string{"one", "two"},
	})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(out.Vectors) != 2 || len(out.Vectors[0].Embedding) != 2 {
		t.Errorf("vectors: %+v", out.Vectors)
	}
	if out.Usage.InputTokens != 5 {
		t.Errorf("usage: %+v", out.Usage)
	}
}
