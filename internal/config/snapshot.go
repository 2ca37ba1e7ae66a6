package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ProviderType identifies an upstream wire dialect. The set is closed:
// routing decisions are switch statements over these values, not an open
// adapter registry.
type ProviderType string

const (
	TypeOpenAICompatible ProviderType = "openai-compatible"
	TypeAnthropic        ProviderType = "anthropic"
	TypeAzureOpenAI      ProviderType = "azure-openai"
	TypeHuggingFace      ProviderType = "huggingface"
	TypeGitHubCopilot    ProviderType = "github-copilot"
	TypeCustom           ProviderType = "custom"
)

func (t ProviderType) valid() bool {
	switch t {
	case TypeOpenAICompatible, TypeAnthropic, TypeAzureOpenAI,
		TypeHuggingFace, TypeGitHubCopilot, TypeCustom:
		return true
	}
	return false
}

// EndpointKind is one of the four canonical API surfaces.
type EndpointKind string

const (
	EndpointChat        EndpointKind = "chat"
	EndpointCompletions EndpointKind = "completions"
	EndpointResponses   EndpointKind = "responses"
	EndpointEmbeddings  EndpointKind = "embeddings"
)

// SupportsEndpoint reports whether the provider type can serve the given
// endpoint kind. Anthropic's messages API backs chat, legacy completions and
// responses but has no embeddings surface; Copilot sessions are chat-only.
func (t ProviderType) SupportsEndpoint(kind EndpointKind) bool {
	switch t {
	case TypeAnthropic:
		return kind != EndpointEmbeddings
	case TypeGitHubCopilot:
		return kind == EndpointChat
	default:
		return true
	}
}

// Capability is a canonical-model feature flag.
type Capability string

const (
	CapStreaming        Capability = "streaming"
	CapTools            Capability = "tools"
	CapVision           Capability = "vision"
	CapReasoning        Capability = "reasoning"
	CapStructuredOutput Capability = "structured_output"
	CapEmbeddings       Capability = "embeddings"
)

func (c Capability) valid() bool {
	switch c {
	case CapStreaming, CapTools, CapVision, CapReasoning, CapStructuredOutput, CapEmbeddings:
		return true
	}
	return false
}

// AzureAuth holds the Azure OpenAI specifics: the API version query parameter
// and the optional OAuth2 client-credentials identity. When TenantID is empty
// the provider's Secret is sent as the "api-key" header instead.
type AzureAuth struct {
	APIVersion   string `mapstructure:"api_version"`
	TenantID     string `mapstructure:"tenant_id"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TokenScope   string `mapstructure:"token_scope"`
}

// Provider is the identity and tuning of one upstream.
type Provider struct {
	Key           string            `mapstructure:"key"`
	Type          ProviderType      `mapstructure:"type"`
	Endpoint      string            `mapstructure:"endpoint"`
	Secret        string            `mapstructure:"secret"`
	CustomHeaders map[string]string `mapstructure:"custom_headers"`
	Enabled       bool              `mapstructure:"enabled"`

	// Tier breaks score ties; lower is more preferred.
	Tier int `mapstructure:"tier"`

	IsFree bool `mapstructure:"is_free"`

	// QualityScore ∈ [0,10]; defaults to 5 when omitted.
	QualityScore int `mapstructure:"quality_score"`

	// EstimatedQuotaRemaining ∈ [0,100].
	EstimatedQuotaRemaining int `mapstructure:"estimated_quota_remaining"`

	// AverageLatencyMs is nil when unmeasured.
	AverageLatencyMs *int `mapstructure:"average_latency_ms"`

	RateLimitRPM *int `mapstructure:"rate_limit_rpm"`
	RateLimitTPM *int `mapstructure:"rate_limit_tpm"`

	Azure AzureAuth `mapstructure:"azure"`
}

// Model is a canonical model id visible to clients, bound to one provider's
// native model path.
type Model struct {
	ID           string       `mapstructure:"id"`
	Provider     string       `mapstructure:"provider"`
	ModelPath    string       `mapstructure:"model_path"`
	Capabilities []Capability `mapstructure:"capabilities"`
	Aliases      []string     `mapstructure:"aliases"`
}

// HasCapability reports whether the model declares cap.
func (m *Model) HasCapability(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// ModelCost prices one (provider, canonical model) pair per token.
type ModelCost struct {
	Provider           string  `mapstructure:"provider"`
	Model              string  `mapstructure:"model"`
	InputCostPerToken  float64 `mapstructure:"input_cost_per_token"`
	OutputCostPerToken float64 `mapstructure:"output_cost_per_token"`
	FreeTier           bool    `mapstructure:"free_tier"`
}

// PolicyScope is the routing-policy lookup scope.
type PolicyScope string

const (
	ScopeGlobal PolicyScope = "global"
	ScopeTenant PolicyScope = "tenant"
	ScopeUser   PolicyScope = "user"
)

// Policy holds the scoring weights for one scope. Weights that do not sum to
// one are normalized by the score calculator; negative weights are rejected
// at validation time.
type Policy struct {
	Scope    PolicyScope `mapstructure:"scope"`
	TenantID string      `mapstructure:"tenant_id"`
	UserID   string      `mapstructure:"user_id"`

	QualityWeight   float64 `mapstructure:"quality_weight"`
	QuotaWeight     float64 `mapstructure:"quota_weight"`
	RateLimitWeight float64 `mapstructure:"rate_limit_weight"`
	LatencyWeight   float64 `mapstructure:"latency_weight"`

	// Preferred providers form the orchestrator's first tier.
	Preferred []string `mapstructure:"preferred"`
}

// DefaultPolicy is applied when the configuration declares no global policy.
var DefaultPolicy = Policy{
	Scope:           ScopeGlobal,
	QualityWeight:   0.4,
	QuotaWeight:     0.3,
	RateLimitWeight: 0.2,
	LatencyWeight:   0.1,
}

// Snapshot is an immutable, validated view of the routing configuration.
// Readers that obtained a snapshot keep using it until their request ends;
// reloads publish a fresh snapshot instead of mutating this one.
type Snapshot struct {
	Version int64

	providers     map[string]*Provider
	providerOrder []string

	// models in declaration order; the first entry is the "default" model.
	models  []*Model
	byID    map[string]*Model
	byAlias map[string]*Model

	costs map[string]*ModelCost // key: providerKey + "\x00" + canonicalID

	policies []Policy
}

// ValidateError is returned when a candidate configuration violates an
// invariant. The previous snapshot stays in force.
type ValidateError struct {
	Reason string
}

func (e *ValidateError) Error() string { return "config: " + e.Reason }

// fileConfig mirrors the YAML layout of the SYNAXIS_CONFIG file.
type fileConfig struct {
	Providers []Provider  `mapstructure:"providers"`
	Models    []Model     `mapstructure:"models"`
	Costs     []ModelCost `mapstructure:"costs"`
	Policies  []Policy    `mapstructure:"policies"`
}

func costKey(providerKey, canonicalID string) string {
	return providerKey + "\x00" + canonicalID
}

// buildSnapshot validates fc and assembles the lookup indexes.
func buildSnapshot(fc *fileConfig, version int64) (*Snapshot, error) {
	s := &Snapshot{
		Version:   version,
		providers: make(map[string]*Provider, len(fc.Providers)),
		byID:      make(map[string]*Model, len(fc.Models)),
		byAlias:   make(map[string]*Model),
		costs:     make(map[string]*ModelCost, len(fc.Costs)),
	}

	for i := range fc.Providers {
		p := &fc.Providers[i]
		if p.Key == "" {
			return nil, &ValidateError{Reason: "provider with empty key"}
		}
		if _, dup := s.providers[p.Key]; dup {
			return nil, &ValidateError{Reason: fmt.Sprintf("duplicate provider key %q", p.Key)}
		}
		if !p.Type.valid() {
			return nil, &ValidateError{Reason: fmt.Sprintf("provider %q: unknown type %q", p.Key, p.Type)}
		}
		if p.Enabled {
			if p.Endpoint == "" {
				return nil, &ValidateError{Reason: fmt.Sprintf("provider %q: enabled without endpoint", p.Key)}
			}
			if _, err := url.Parse(p.Endpoint); err != nil {
				return nil, &ValidateError{Reason: fmt.Sprintf("provider %q: invalid endpoint: %v", p.Key, err)}
			}
		}
		if p.QualityScore == 0 {
			p.QualityScore = 5
		}
		if p.QualityScore < 0 || p.QualityScore > 10 {
			return nil, &ValidateError{Reason: fmt.Sprintf("provider %q: quality_score must be in [0,10]", p.Key)}
		}
		if p.EstimatedQuotaRemaining < 0 || p.EstimatedQuotaRemaining > 100 {
			return nil, &ValidateError{Reason: fmt.Sprintf("provider %q: estimated_quota_remaining must be in [0,100]", p.Key)}
		}
		s.providers[p.Key] = p
		s.providerOrder = append(s.providerOrder, p.Key)
	}

	for i := range fc.Models {
		m := &fc.Models[i]
		if m.ID == "" {
			return nil, &ValidateError{Reason: "model with empty id"}
		}
		if _, ok := s.providers[m.Provider]; !ok {
			return nil, &ValidateError{Reason: fmt.Sprintf("model %q references unknown provider %q", m.ID, m.Provider)}
		}
		for _, c := range m.Capabilities {
			if !c.valid() {
				return nil, &ValidateError{Reason: fmt.Sprintf("model %q: unknown capability %q", m.ID, c)}
			}
		}
		id := strings.ToLower(m.ID)
		// First declaration wins: later duplicates of an id or alias never
		// shadow earlier ones, keeping resolution deterministic.
		if _, dup := s.byID[id]; !dup {
			s.byID[id] = m
		}
		for _, a := range m.Aliases {
			alias := strings.ToLower(a)
			if _, dup := s.byAlias[alias]; !dup {
				s.byAlias[alias] = m
			}
		}
		s.models = append(s.models, m)
	}

	for i := range fc.Costs {
		c := &fc.Costs[i]
		if _, ok := s.providers[c.Provider]; !ok {
			return nil, &ValidateError{Reason: fmt.Sprintf("cost entry references unknown provider %q", c.Provider)}
		}
		if c.InputCostPerToken < 0 || c.OutputCostPerToken < 0 {
			return nil, &ValidateError{Reason: fmt.Sprintf("cost entry %q/%q: negative cost", c.Provider, c.Model)}
		}
		s.costs[costKey(c.Provider, strings.ToLower(c.Model))] = c
	}

	sawGlobal := false
	for _, p := range fc.Policies {
		switch p.Scope {
		case ScopeGlobal:
			sawGlobal = true
		case ScopeTenant:
			if p.TenantID == "" {
				return nil, &ValidateError{Reason: "tenant-scoped policy without tenant_id"}
			}
		case ScopeUser:
			if p.UserID == "" {
				return nil, &ValidateError{Reason: "user-scoped policy without user_id"}
			}
		default:
			return nil, &ValidateError{Reason: fmt.Sprintf("unknown policy scope %q", p.Scope)}
		}
		if p.QualityWeight < 0 || p.QuotaWeight < 0 || p.RateLimitWeight < 0 || p.LatencyWeight < 0 {
			return nil, &ValidateError{Reason: "policy weights must be non-negative"}
		}
		s.policies = append(s.policies, p)
	}
	if !sawGlobal {
		s.policies = append(s.policies, DefaultPolicy)
	}

	return s, nil
}

// Provider returns the provider for key, or nil.
func (s *Snapshot) Provider(key string) *Provider { return s.providers[key] }

// Providers returns provider keys in declaration order.
func (s *Snapshot) Providers() []string { return s.providerOrder }

// ModelByID returns the canonical model with the (lowercased) id, or nil.
func (s *Snapshot) ModelByID(id string) *Model { return s.byID[strings.ToLower(id)] }

// ModelByAlias returns the canonical model carrying the alias, or nil.
func (s *Snapshot) ModelByAlias(alias string) *Model { return s.byAlias[strings.ToLower(alias)] }

// DefaultModel returns the first model in declaration order, or nil.
func (s *Snapshot) DefaultModel() *Model {
	if len(s.models) == 0 {
		return nil
	}
	return s.models[0]
}

// Models returns all canonical models in declaration order.
func (s *Snapshot) Models() []*Model { return s.models }

// ModelsFor returns every canonical model bound to canonicalID across
// providers: the model itself plus sibling declarations sharing the id.
func (s *Snapshot) ModelsFor(canonicalID string) []*Model {
	id := strings.ToLower(canonicalID)
	var out []*Model
	for _, m := range s.models {
		if strings.ToLower(m.ID) == id {
			out = append(out, m)
		}
	}
	return out
}

// Cost returns the cost entry for (providerKey, canonicalID), or nil.
func (s *Snapshot) Cost(providerKey, canonicalID string) *ModelCost {
	return s.costs[costKey(providerKey, strings.ToLower(canonicalID))]
}

// EffectivePolicy resolves the scoring policy with precedence
// User > Tenant > Global.
func (s *Snapshot) EffectivePolicy(tenantID, userID string) Policy {
	var tenant, global *Policy
	for i := range s.policies {
		p := &s.policies[i]
		switch p.Scope {
		case ScopeUser:
			if userID != "" && p.UserID == userID {
				return *p
			}
		case ScopeTenant:
			if tenantID != "" && p.TenantID == tenantID && tenant == nil {
				tenant = p
			}
		case ScopeGlobal:
			if global == nil {
				global = p
			}
		}
	}
	if tenant != nil {
		return *tenant
	}
	if global != nil {
		return *global
	}
	return DefaultPolicy
}
