package cost

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/synaxis-dev/synaxis/internal/config"
)

const testYAML = `
providers:
  - key: groq
    type: openai-compatible
    endpoint: https://api.groq.com/openai/v1
    enabled: true
  - key: openai
    type: openai-compatible
    endpoint: https://api.openai.com/v1
    enabled: true

costs:
  - provider: openai
    model: Fast-Chat
    input_cost_per_token: 0.00000015
    output_cost_per_token: 0.0000006
  - provider: groq
    model: fast-chat
    free_tier: true
`

func newService(t *testing.T) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synaxis.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := config.NewStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(context.Background(), st)
	t.Cleanup(svc.Close)
	return svc, path
}

func TestLookupCaseInsensitive(t *testing.T) {
	svc, _ := newService(t)

	e := svc.Lookup("openai", "fast-chat")
	if e == nil {
		t.Fatal("cost entry not found")
	}
	if e.OutputCostPerToken != 0.0000006 {
		t.Errorf("output cost = %v", e.OutputCostPerToken)
	}
	if e.Free() {
		t.Error("priced entry must not be free")
	}
}

func TestUnknownEntryIsInfinitelyExpensive(t *testing.T) {
	svc, _ := newService(t)

	e := svc.Lookup("openai", "no-such-model")
	if e != nil {
		t.Fatalf("expected nil entry, got %+v", e)
	}
	if !math.IsInf(e.PerToken(), 1) {
		t.Error("nil entry must price as +Inf")
	}
	if e.Free() {
		t.Error("nil entry must not be free")
	}
}

func TestFreeTierFlag(t *testing.T) {
	svc, _ := newService(t)

	e := svc.Lookup("groq", "fast-chat")
	if e == nil || !e.Free() {
		t.Errorf("groq free tier entry: %+v", e)
	}
	if e.PerToken() != 0 {
		t.Errorf("free tier per-token = %v", e.PerToken())
	}
}

func TestCachedAcrossCalls(t *testing.T) {
	svc, _ := newService(t)

	a := svc.Lookup("openai", "fast-chat")
	b := svc.Lookup("openai", "fast-chat")
	if a != b {
		t.Error("second lookup must hit the cache and return the same entry")
	}
}
