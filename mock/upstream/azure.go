package main

import (
	"net/http"
	"strings"
)

// newAzureHandler simulates the Azure OpenAI deployments surface: the same
// wire format as OpenAI, addressed by deployment id with an api-version
// query parameter and api-key header auth.
func newAzureHandler(cfg Config) http.Handler {
	inner := http.NewServeMux()
	registerOpenAIRoutes(inner, cfg, "")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") == "" && r.Header.Get("Authorization") == "" {
			writeError(w, http.StatusUnauthorized, "missing api-key header", "authentication_error")
			return
		}
		if r.URL.Query().Get("api-version") == "" {
			writeError(w, http.StatusBadRequest, "api-version query parameter is required", "invalid_request")
			return
		}

		// Path shape: /openai/deployments/{deployment}/{operation}
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
		if len(parts) < 4 || parts[0] != "openai" || parts[1] != "deployments" {
			writeError(w, http.StatusNotFound, "unknown deployment path", "not_found")
			return
		}
		op := strings.Join(parts[3:], "/")

		// Rewrite onto the shared OpenAI-dialect routes.
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/" + op
		inner.ServeHTTP(w, r2)
	})
}
