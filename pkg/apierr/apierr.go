// Package apierr defines the gateway's typed error kinds and the single
// boundary where they are mapped to OpenAI-format HTTP error responses.
//
// Every component returns plain error values wrapping a Kind; nothing below
// the HTTP surface writes a status code. Provider adapters additionally tag
// errors with the provider key (see Tagged).
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind classifies a gateway error. The zero value is KindProviderError.
type Kind string

const (
	KindValidation           Kind = "Validation"
	KindAuth                 Kind = "Auth"
	KindModelNotFound        Kind = "ModelNotFound"
	KindPayloadTooLarge      Kind = "PayloadTooLarge"
	KindRateLimit            Kind = "RateLimit"
	KindProviderUnavailable  Kind = "ProviderUnavailable"
	KindNoProvidersAvailable Kind = "NoProvidersAvailable"
	KindTimeout              Kind = "Timeout"
	KindProviderError        Kind = "ProviderError"
	KindToolCallParseError   Kind = "ToolCallParseError"
)

// HTTPStatus returns the HTTP status code for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return fasthttp.StatusBadRequest
	case KindAuth:
		return fasthttp.StatusUnauthorized
	case KindModelNotFound:
		return fasthttp.StatusNotFound
	case KindPayloadTooLarge:
		return fasthttp.StatusRequestEntityTooLarge
	case KindRateLimit:
		return fasthttp.StatusTooManyRequests
	case KindNoProvidersAvailable:
		return fasthttp.StatusServiceUnavailable
	case KindTimeout:
		return fasthttp.StatusGatewayTimeout
	default:
		// ProviderUnavailable, ProviderError, ToolCallParseError.
		return fasthttp.StatusBadGateway
	}
}

// Retryable reports whether the orchestrator may move to the next candidate
// after an error of this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindProviderUnavailable, KindProviderError:
		return true
	default:
		return false
	}
}

// code maps a kind to the "code" field of the OpenAI error envelope.
func (k Kind) code() string {
	switch k {
	case KindValidation, KindPayloadTooLarge, KindToolCallParseError:
		return "invalid_request"
	case KindAuth:
		return "invalid_api_key"
	case KindModelNotFound:
		return "model_not_found"
	case KindRateLimit:
		return "rate_limit_exceeded"
	case KindTimeout:
		return "request_timeout"
	default:
		return "provider_error"
	}
}

// Error is a typed gateway error. Provider is empty for errors raised before
// a provider was chosen.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	// cause is the wrapped upstream error; logged but never sent to clients.
	cause error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a typed error with no provider attribution.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error preserving the cause chain.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Tagged creates a typed error attributed to a provider.
func Tagged(kind Kind, provider string, cause error, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindProviderError for
// untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProviderError
}

// ProviderOf extracts the provider key from err, or "" when untagged.
func ProviderOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Provider
	}
	return ""
}

// FromHTTPStatus maps an upstream HTTP status to an error kind per the
// adapter contract: 400 Validation, 401/403 Auth, 404 ModelNotFound,
// 429 RateLimit, 5xx ProviderUnavailable, everything else ProviderError.
func FromHTTPStatus(status int) Kind {
	switch {
	case status == fasthttp.StatusBadRequest:
		return KindValidation
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		return KindAuth
	case status == fasthttp.StatusNotFound:
		return KindModelNotFound
	case status == fasthttp.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindProviderUnavailable
	default:
		return KindProviderError
	}
}

type (
	// APIError is the structured error body returned to clients.
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write serializes err to the fasthttp response using the kind's HTTP status.
// Upstream error bodies are never leaked: only the typed message is sent.
func Write(ctx *fasthttp.RequestCtx, err error) {
	kind := KindOf(err)
	msg := "internal error"
	var e *Error
	if errors.As(err, &e) {
		msg = e.Message
	} else if err != nil {
		msg = err.Error()
	}
	WriteKind(ctx, kind, msg)
}

// WriteKind writes an error of the given kind with an explicit message.
func WriteKind(ctx *fasthttp.RequestCtx, kind Kind, message string) {
	if kind == KindRateLimit {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	ctx.SetStatusCode(kind.HTTPStatus())
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    string(kind),
		Code:    kind.code(),
	}})
	ctx.SetBody(body)
}
