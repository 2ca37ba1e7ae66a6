package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
providers:
  - key: groq
    type: openai-compatible
    endpoint: https://api.groq.com/openai/v1
    enabled: true
    is_free: true
    rate_limit_rpm: 30
  - key: claude
    type: anthropic
    endpoint: https://api.anthropic.com
    enabled: true
    quality_score: 9

models:
  - id: fast-chat
    provider: groq
    model_path: llama-3.1-8b-instant
    capabilities: [streaming, tools]
    aliases: [fast]
  - id: deep-think
    provider: claude
    model_path: claude-sonnet-4-20250514
    capabilities: [streaming, reasoning]

costs:
  - provider: claude
    model: deep-think
    input_cost_per_token: 0.000003
    output_cost_per_token: 0.000015

policies:
  - scope: global
    quality_weight: 0.5
    quota_weight: 0.2
    rate_limit_weight: 0.2
    latency_weight: 0.1
  - scope: tenant
    tenant_id: acme
    quality_weight: 1
  - scope: user
    user_id: u-42
    latency_weight: 1
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synaxis.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStoreLoadsValidConfig(t *testing.T) {
	st, err := NewStore(writeConfig(t, validYAML), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	snap := st.Current()
	if snap.Version != 1 {
		t.Errorf("version = %d", snap.Version)
	}
	if len(snap.Providers()) != 2 {
		t.Errorf("providers = %v", snap.Providers())
	}
	if snap.ModelByID("FAST-CHAT") == nil {
		t.Error("model lookup must be case-insensitive")
	}
	if snap.ModelByAlias("fast") == nil {
		t.Error("alias lookup failed")
	}
	if snap.DefaultModel().ID != "fast-chat" {
		t.Errorf("default model = %q", snap.DefaultModel().ID)
	}
	if c := snap.Cost("claude", "deep-think"); c == nil || c.OutputCostPerToken != 0.000015 {
		t.Errorf("cost lookup: %+v", c)
	}
}

func TestQualityScoreDefaultsToFive(t *testing.T) {
	st, err := NewStore(writeConfig(t, validYAML), nil)
	if err != nil {
		t.Fatal(err)
	}
	if q := st.Current().Provider("groq").QualityScore; q != 5 {
		t.Errorf("omitted quality_score = %d, want 5", q)
	}
	if q := st.Current().Provider("claude").QualityScore; q != 9 {
		t.Errorf("explicit quality_score = %d, want 9", q)
	}
}

func TestValidationRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			"duplicate provider",
			"providers:\n  - {key: a, type: custom, endpoint: 'https://x', enabled: true}\n  - {key: a, type: custom, endpoint: 'https://x', enabled: true}\n",
			"duplicate provider",
		},
		{
			"unknown type",
			"providers:\n  - {key: a, type: carrier-pigeon, enabled: false}\n",
			"unknown type",
		},
		{
			"enabled without endpoint",
			"providers:\n  - {key: a, type: custom, enabled: true}\n",
			"without endpoint",
		},
		{
			"model with unknown provider",
			"models:\n  - {id: m, provider: ghost, model_path: x}\n",
			"unknown provider",
		},
		{
			"negative cost",
			"providers:\n  - {key: a, type: custom, enabled: false}\ncosts:\n  - {provider: a, model: m, input_cost_per_token: -1}\n",
			"negative cost",
		},
		{
			"tenant policy without id",
			"policies:\n  - {scope: tenant, quality_weight: 1}\n",
			"without tenant_id",
		},
		{
			"negative weight",
			"policies:\n  - {scope: global, quality_weight: -0.5}\n",
			"non-negative",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewStore(writeConfig(t, tc.yaml), nil)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestFirstDeclarationWins(t *testing.T) {
	yaml := `
providers:
  - {key: a, type: custom, endpoint: 'https://a', enabled: true}
  - {key: b, type: custom, endpoint: 'https://b', enabled: true}
models:
  - {id: m, provider: a, model_path: first, aliases: [x]}
  - {id: other, provider: b, model_path: second, aliases: [x]}
`
	st, err := NewStore(writeConfig(t, yaml), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := st.Current().ModelByAlias("x").ModelPath; got != "first" {
		t.Errorf("alias x resolves to %q, want first declaration", got)
	}
}

func TestEffectivePolicyPrecedence(t *testing.T) {
	st, err := NewStore(writeConfig(t, validYAML), nil)
	if err != nil {
		t.Fatal(err)
	}
	snap := st.Current()

	if p := snap.EffectivePolicy("", ""); p.Scope != ScopeGlobal || p.QualityWeight != 0.5 {
		t.Errorf("anonymous request must get the global policy: %+v", p)
	}
	if p := snap.EffectivePolicy("acme", ""); p.Scope != ScopeTenant {
		t.Errorf("tenant policy must shadow global: %+v", p)
	}
	if p := snap.EffectivePolicy("acme", "u-42"); p.Scope != ScopeUser {
		t.Errorf("user policy must shadow tenant: %+v", p)
	}
	if p := snap.EffectivePolicy("other-corp", "stranger"); p.Scope != ScopeGlobal {
		t.Errorf("unmatched identities fall through to global: %+v", p)
	}
}

func TestDefaultPolicyInjectedWhenNoGlobal(t *testing.T) {
	yaml := "providers:\n  - {key: a, type: custom, endpoint: 'https://a', enabled: true}\n"
	st, err := NewStore(writeConfig(t, yaml), nil)
	if err != nil {
		t.Fatal(err)
	}
	p := st.Current().EffectivePolicy("", "")
	if p.QualityWeight != DefaultPolicy.QualityWeight {
		t.Errorf("expected default policy, got %+v", p)
	}
}

func TestReloadKeepsPreviousSnapshotOnError(t *testing.T) {
	path := writeConfig(t, validYAML)
	st, err := NewStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	var outcomes []bool
	st.SetOnReload(func(ok bool) { outcomes = append(outcomes, ok) })

	// Break the file: reload must fail and keep version 1.
	if err := os.WriteFile(path, []byte("providers:\n  - {key: a, type: bogus}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := st.Reload(context.Background()); err == nil {
		t.Fatal("reload of a broken file must fail")
	}
	if st.Current().Version != 1 {
		t.Errorf("version after failed reload = %d, want 1", st.Current().Version)
	}

	// Fix it: version bumps.
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := st.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if st.Current().Version != 2 {
		t.Errorf("version after reload = %d, want 2", st.Current().Version)
	}
}

func TestWatchPicksUpFileChange(t *testing.T) {
	path := writeConfig(t, validYAML)
	st, err := NewStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		st.Watch(ctx, 10*time.Millisecond)
		close(done)
	}()

	// Touch the file with new content and a future mtime.
	updated := strings.Replace(validYAML, "quality_score: 9", "quality_score: 7", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for st.Current().Version < 2 {
		select {
		case <-deadline:
			t.Fatal("watcher did not pick up the change")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if q := st.Current().Provider("claude").QualityScore; q != 7 {
		t.Errorf("reloaded quality_score = %d, want 7", q)
	}

	cancel()
	<-done
}
