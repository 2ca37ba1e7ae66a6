package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/synaxis-dev/synaxis/internal/config"
	"github.com/synaxis-dev/synaxis/internal/providers"
	"github.com/synaxis-dev/synaxis/pkg/apierr"
)

func testProvider(endpoint string) *config.Provider {
	return &config.Provider{
		Key:      "up",
		Type:     config.TypeOpenAICompatible,
		Endpoint: endpoint,
		Secret:   "test-key",
		Enabled:  true,
	}
}

// upstream records the paths hit and serves a canned body per path.
func upstream(t *testing.T, bodies map[string]string) (*httptest.Server, *[]string) {
	t.Helper()
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		body, ok := bodies[r.URL.Path]
		if !ok {
			t.Errorf("unexpected upstream path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &paths
}

func TestChatAddressesChatCompletionsPath(t *testing.T) {
	srv, paths := upstream(t, map[string]string{
		"/chat/completions": `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "ok"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
		}`,
	})

	a := New(nil)
	res, err := a.Invoke(context.Background(), testProvider(srv.URL), "gpt-4o-mini", &providers.Request{
		EndpointKind: config.EndpointChat,
		Messages:     []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(*paths) != 1 || (*paths)[0] != "/chat/completions" {
		t.Errorf("paths hit = %v", *paths)
	}
	if res.Response.Content != "ok" || res.Response.Usage.InputTokens != 3 {
		t.Errorf("response: %+v", res.Response)
	}
}

func TestLegacyCompletionsAddressesCompletionsPath(t *testing.T) {
	srv, paths := upstream(t, map[string]string{
		"/completions": `{
			"id": "cmpl-1",
			"object": "text_completion",
			"choices": [{"index": 0, "text": "done", "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 2, "completion_tokens": 1, "total_tokens": 3}
		}`,
	})

	a := New(nil)
	res, err := a.Invoke(context.Background(), testProvider(srv.URL), "gpt-3.5-turbo-instruct", &providers.Request{
		EndpointKind: config.EndpointCompletions,
		Messages: []providers.Message{
			{Role: "user", Content: "first"},
			{Role: "user", Content: "second"},
		},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(*paths) != 1 || (*paths)[0] != "/completions" {
		t.Errorf("legacy completions must not go through /chat/completions: %v", *paths)
	}
	if res.Response.Content != "done" || res.Response.FinishReason != "stop" {
		t.Errorf("response: %+v", res.Response)
	}
}

func TestPromptFlattensUserTurns(t *testing.T) {
	req := &providers.Request{Messages: []providers.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "first"},
		{Role: "user", Content: "second"},
	}}
	if got := promptOf(req); got != "first\nsecond" {
		t.Errorf("prompt = %q", got)
	}
}

func TestEmbedAddressesEmbeddingsPath(t *testing.T) {
	srv, paths := upstream(t, map[string]string{
		"/embeddings": `{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [
				{"object": "embedding", "index": 0, "embedding": [0.25, 0.5]},
				{"object": "embedding", "index": 1, "embedding": [0.75, 1.0]}
			],
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`,
	})

	a := New(nil)
	res, err := a.Invoke(context.Background(), testProvider(srv.URL), "text-embedding-3-small", &providers.Request{
		EndpointKind: config.EndpointEmbeddings,
		Inputs:       []string{"alpha", "beta"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(*paths) != 1 || (*paths)[0] != "/embeddings" {
		t.Errorf("paths hit = %v", *paths)
	}
	emb := res.Embedding
	if emb == nil || len(emb.Vectors) != 2 {
		t.Fatalf("embedding result: %+v", emb)
	}
	if emb.Vectors[1].Index != 1 || emb.Vectors[1].Embedding[0] != 0.75 {
		t.Errorf("vector mapping: %+v", emb.Vectors[1])
	}
	if emb.Usage.InputTokens != 4 {
		t.Errorf("usage: %+v", emb.Usage)
	}
}

func TestUpstreamStatusMapsToTypedKinds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "slow down", "type": "rate_limit_error"},
		})
	}))
	t.Cleanup(srv.Close)

	a := New(nil)
	_, err := a.Invoke(context.Background(), testProvider(srv.URL), "gpt-4o-mini", &providers.Request{
		EndpointKind: config.EndpointChat,
		Messages:     []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("want error on 429")
	}
	if kind := apierr.KindOf(err); kind != apierr.KindRateLimit {
		t.Errorf("kind = %v, want RateLimit", kind)
	}
	if apierr.ProviderOf(err) != "up" {
		t.Errorf("error must carry the provider key: %v", err)
	}
}
