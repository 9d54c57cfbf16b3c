// Package ctxerr defines the non-policy error taxonomy that the invoke
// pipeline and auth gate return: validation, authentication, budget, rate
// limit, model/provider configuration, and resource-not-ready errors. Every
// type here satisfies providers.StatusCoder so the HTTP edge can map it to a
// wire response without a type switch per call site.
package ctxerr

import "fmt"

// OpenAI-style (type, code) pairs attached to every error so pkg/apierr can
// build the wire envelope without re-deriving them.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypeRateLimit      = "rate_limit_error"
	TypeNotFound       = "not_found_error"
	TypeUnavailable    = "service_unavailable_error"
)

// ValidationError maps to HTTP 422. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}
func (e *ValidationError) HTTPStatus() int { return 422 }
func (e *ValidationError) Code() string    { return "validation_error" }
func (e *ValidationError) Type() string    { return TypeInvalidRequest }

// AuthError covers missing, malformed, unknown, or expired bearer tokens.
// Maps to HTTP 401.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string     { return "auth: " + e.Reason }
func (e *AuthError) HTTPStatus() int   { return 401 }
func (e *AuthError) Code() string      { return "invalid_api_key" }
func (e *AuthError) Type() string      { return TypeAuthentication }

// ErrTooManyRequests is returned by the rate limiter; RetryAfter is in
// seconds and must be surfaced as a Retry-After header.
type ErrTooManyRequests struct {
	RetryAfter float64
}

func (e *ErrTooManyRequests) Error() string {
	return fmt.Sprintf("rate limited, retry after %.3fs", e.RetryAfter)
}
func (e *ErrTooManyRequests) HTTPStatus() int { return 429 }
func (e *ErrTooManyRequests) Code() string    { return "rate_limit_exceeded" }
func (e *ErrTooManyRequests) Type() string    { return TypeRateLimit }

// ErrUnbudgetedAPIKey is returned when the caller's key is suspended until a
// future time. Delta is the remaining suspension in seconds.
type ErrUnbudgetedAPIKey struct {
	Delta float64
}

func (e *ErrUnbudgetedAPIKey) Error() string {
	return fmt.Sprintf("api key unbudgeted for %.3fs", e.Delta)
}
func (e *ErrUnbudgetedAPIKey) HTTPStatus() int { return 429 }
func (e *ErrUnbudgetedAPIKey) Code() string    { return "budget_suspended" }
func (e *ErrUnbudgetedAPIKey) Type() string    { return TypeRateLimit }

// ErrUnbudgetedLLM is the provider-side equivalent of ErrUnbudgetedAPIKey,
// raised during pipeline preflight when the selected provider document is
// suspended.
type ErrUnbudgetedLLM struct {
	Delta float64
}

func (e *ErrUnbudgetedLLM) Error() string {
	return fmt.Sprintf("provider unbudgeted for %.3fs", e.Delta)
}
func (e *ErrUnbudgetedLLM) HTTPStatus() int { return 429 }
func (e *ErrUnbudgetedLLM) Code() string    { return "provider_budget_suspended" }
func (e *ErrUnbudgetedLLM) Type() string    { return TypeRateLimit }

// ErrPromptLimit is raised during pipeline preflight when the estimated
// prompt token count exceeds the caller's configured maximum.
type ErrPromptLimit struct {
	Limit int
}

func (e *ErrPromptLimit) Error() string {
	return fmt.Sprintf("prompt exceeds max_prompt_tokens=%d", e.Limit)
}
func (e *ErrPromptLimit) HTTPStatus() int { return 422 }
func (e *ErrPromptLimit) Code() string    { return "prompt_too_long" }
func (e *ErrPromptLimit) Type() string    { return TypeInvalidRequest }

// ErrUnlistedModel is raised when a model alias resolves to no provider at
// all — neither directly permitted nor via a pool.
type ErrUnlistedModel struct {
	Alias      string
	KnownAlias []string
}

func (e *ErrUnlistedModel) Error() string {
	return fmt.Sprintf("unlisted model %q, known: %v", e.Alias, e.KnownAlias)
}
func (e *ErrUnlistedModel) HTTPStatus() int { return 404 }
func (e *ErrUnlistedModel) Code() string    { return "model_not_found" }
func (e *ErrUnlistedModel) Type() string    { return TypeNotFound }

// ErrUnknownProvider is raised by the provider-prefixed lookup
// ("provider_name/alias") when no permitted provider matches the prefix.
type ErrUnknownProvider struct {
	Provider string
}

func (e *ErrUnknownProvider) Error() string     { return fmt.Sprintf("unknown provider %q", e.Provider) }
func (e *ErrUnknownProvider) HTTPStatus() int   { return 404 }
func (e *ErrUnknownProvider) Code() string      { return "provider_not_found" }
func (e *ErrUnknownProvider) Type() string      { return TypeNotFound }

// ErrUnsupportedFeatures is raised by ModelPool.FeaturesOnly when no entry
// supports the requested feature set.
type ErrUnsupportedFeatures struct {
	Features []string
}

func (e *ErrUnsupportedFeatures) Error() string {
	return fmt.Sprintf("no provider supports features %v", e.Features)
}
func (e *ErrUnsupportedFeatures) HTTPStatus() int { return 404 }
func (e *ErrUnsupportedFeatures) Code() string    { return "unsupported_features" }
func (e *ErrUnsupportedFeatures) Type() string    { return TypeNotFound }

// ErrResourceNotReady covers transient unavailability — a model file being
// downloaded, a hook whose backing service has not warmed up. Retryable.
type ErrResourceNotReady struct {
	Resource string
}

func (e *ErrResourceNotReady) Error() string   { return fmt.Sprintf("resource not ready: %s", e.Resource) }
func (e *ErrResourceNotReady) HTTPStatus() int { return 503 }
func (e *ErrResourceNotReady) Code() string    { return "resource_not_ready" }
func (e *ErrResourceNotReady) Type() string    { return TypeUnavailable }

// FirstOf walks err's Unwrap chain and returns the first error assignable to
// T, mirroring the source's find_first_exception walk over __context__.
func FirstOf[T error](err error) (T, bool) {
	var zero T
	for err != nil {
		if t, ok := err.(T); ok {
			return t, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return zero, false
}
