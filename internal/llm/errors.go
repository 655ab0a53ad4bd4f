package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for the provider-agnostic taxonomy. Callers match with
// errors.Is; the typed wrappers below attach detail while unwrapping to one
// of these.
var (
	ErrAuthentication     = errors.New("authentication failed")
	ErrForbidden          = errors.New("access forbidden")
	ErrRateLimit          = errors.New("rate limit exceeded")
	ErrModelNotFound      = errors.New("model not found")
	ErrUnsupportedFeature = errors.New("feature not supported by provider")
	ErrContextLength      = errors.New("context length exceeded")
	ErrSessionNotFound    = errors.New("session not found")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrDuplicateAgent     = errors.New("agent already exists")
	ErrConcurrencyLimit   = errors.New("concurrent session limit reached")
	ErrJSONParse          = errors.New("structured output is not valid JSON")
	ErrConnection         = errors.New("connection failed")
	ErrTimeout            = errors.New("request timed out")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrProviderDisabled   = errors.New("provider is disabled")
	ErrInvalidRequest     = errors.New("invalid request")
)

// Normalized provider error codes. Every adapter maps its native error
// payloads onto these before anything leaves the adapter layer.
const (
	CodeAuthentication = "AUTHENTICATION_ERROR"
	CodeRateLimit      = "RATE_LIMIT_ERROR"
	CodeNotFound       = "NOT_FOUND_ERROR"
	CodeForbidden      = "FORBIDDEN_ERROR"
	CodeInvalidRequest = "INVALID_REQUEST_ERROR"
	CodeUnknown        = "UNKNOWN_ERROR"
)

// ProviderError is a normalized provider-side failure: the provider it came
// from, a normalized code, and the HTTP-equivalent status. The raw message is
// kept for humans; credentials never appear in it because adapters never put
// them there.
type ProviderError struct {
	Provider string
	Code     string
	Status   int
	Message  string

	// RetryAfter is the provider's retry hint for rate-limit errors, zero
	// when absent.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Code)
}

// Unwrap maps the normalized code onto the matching sentinel so callers can
// use errors.Is without inspecting codes.
func (e *ProviderError) Unwrap() error {
	switch e.Code {
	case CodeAuthentication:
		return ErrAuthentication
	case CodeRateLimit:
		return ErrRateLimit
	case CodeNotFound:
		return ErrModelNotFound
	case CodeForbidden:
		return ErrForbidden
	case CodeInvalidRequest:
		return ErrInvalidRequest
	default:
		return ErrConnection
	}
}

// Retryable reports whether the failure is transient. Authentication,
// forbidden and not-found errors fail immediately; everything else may be
// retried with backoff.
func (e *ProviderError) Retryable() bool {
	switch e.Code {
	case CodeAuthentication, CodeForbidden, CodeNotFound, CodeInvalidRequest:
		return false
	}
	return true
}

// ClassifyError normalizes a provider failure from its HTTP-equivalent
// status and message. Status wins when recognized; otherwise well-known
// message substrings decide.
func ClassifyError(provider string, status int, message string) *ProviderError {
	code := CodeUnknown
	lower := strings.ToLower(message)

	switch {
	case status == 401, strings.Contains(lower, "unauthorized"), strings.Contains(lower, "invalid api key"):
		code = CodeAuthentication
	case status == 429, strings.Contains(lower, "rate limit"), strings.Contains(lower, "quota exceeded"):
		code = CodeRateLimit
	case status == 404, strings.Contains(lower, "not found"):
		code = CodeNotFound
	case status == 403, strings.Contains(lower, "forbidden"):
		code = CodeForbidden
	}

	return &ProviderError{
		Provider: provider,
		Code:     code,
		Status:   status,
		Message:  message,
	}
}

// ModelNotFoundError carries the offending model name.
type ModelNotFoundError struct {
	Provider string
	Model    string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model %q not available on provider %s", e.Model, e.Provider)
}

func (e *ModelNotFoundError) Unwrap() error { return ErrModelNotFound }

// UnsupportedFeatureError names the capability a request needed but the
// provider does not declare.
type UnsupportedFeatureError struct {
	Provider string
	Feature  string
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("provider %s does not support %s", e.Provider, e.Feature)
}

func (e *UnsupportedFeatureError) Unwrap() error { return ErrUnsupportedFeature }

// ContextLengthExceededError reports a pre-flight token estimate above the
// provider's declared context window.
type ContextLengthExceededError struct {
	Provider  string
	Estimated int
	Limit     int
}

func (e *ContextLengthExceededError) Error() string {
	return fmt.Sprintf("estimated %d tokens exceeds %s context window of %d", e.Estimated, e.Provider, e.Limit)
}

func (e *ContextLengthExceededError) Unwrap() error { return ErrContextLength }
