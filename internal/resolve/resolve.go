// Package resolve maps client-supplied model names to concrete
// (provider, model) candidates for one request.
package resolve

import (
	"strings"

	"github.com/synaxis-dev/synaxis/internal/config"
	"github.com/synaxis-dev/synaxis/pkg/apierr"
)

// Candidate is one concrete (provider, model) pair able to serve a request.
type Candidate struct {
	Provider *config.Provider
	Model    *config.Model
}

// Resolver turns model names into candidate lists against the live snapshot.
type Resolver struct {
	store *config.Store
}

// New creates a resolver over the given snapshot store.
func New(store *config.Store) *Resolver {
	return &Resolver{store: store}
}

// Requirements narrow the candidate set beyond the model name.
type Requirements struct {
	Endpoint     config.EndpointKind
	Capabilities []config.Capability
}

// Resolve maps a client model name to the ordered candidate list.
//
// Lookup is case-insensitive: exact canonical id first, then alias. An empty
// name and the reserved name "default" both select the first declared model.
// Candidates keep declaration order; disabled providers and providers whose
// type cannot serve the endpoint are dropped, as are sibling models missing
// a required capability.
func (r *Resolver) Resolve(name string, reqs Requirements) ([]Candidate, error) {
	snap := r.store.Current()

	var target *config.Model
	switch {
	case isDefaultName(name):
		target = snap.DefaultModel()
	default:
		target = snap.ModelByID(name)
		if target == nil {
			target = snap.ModelByAlias(name)
		}
	}
	if target == nil {
		return nil, apierr.New(apierr.KindModelNotFound, "model %q is not configured", name)
	}

	var out []Candidate
	for _, m := range snap.ModelsFor(target.ID) {
		if !hasAll(m, reqs.Capabilities) {
			continue
		}
		p := snap.Provider(m.Provider)
		if p == nil || !p.Enabled {
			continue
		}
		if reqs.Endpoint != "" && !p.Type.SupportsEndpoint(reqs.Endpoint) {
			continue
		}
		out = append(out, Candidate{Provider: p, Model: m})
	}
	if len(out) == 0 {
		return nil, apierr.New(apierr.KindModelNotFound,
			"model %q has no enabled provider for this endpoint", target.ID)
	}
	return out, nil
}

// CanonicalID returns the canonical id a client name resolves to, preserving
// the configured casing. Used for response bodies and telemetry.
func (r *Resolver) CanonicalID(name string) (string, error) {
	snap := r.store.Current()
	if isDefaultName(name) {
		if m := snap.DefaultModel(); m != nil {
			return m.ID, nil
		}
		return "", apierr.New(apierr.KindModelNotFound, "no models configured")
	}
	if m := snap.ModelByID(name); m != nil {
		return m.ID, nil
	}
	if m := snap.ModelByAlias(name); m != nil {
		return m.ID, nil
	}
	return "", apierr.New(apierr.KindModelNotFound, "model %q is not configured", name)
}

// isDefaultName reports whether name asks for the first declared model.
// "default" is reserved and never matches a configured id or alias.
func isDefaultName(name string) bool {
	return name == "" || strings.EqualFold(name, "default")
}

func hasAll(m *config.Model, caps []config.Capability) bool {
	for _, c := range caps {
		if !m.HasCapability(c) {
			return false
		}
	}
	return true
}

// NormalizeName lowercases and trims a client model name for logging keys.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
