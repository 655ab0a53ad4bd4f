package llm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel0/kestrel/internal/llm"
)

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		message  string
		wantCode string
	}{
		{"401 status", 401, "bad key", llm.CodeAuthentication},
		{"unauthorized substring", 0, "request was Unauthorized", llm.CodeAuthentication},
		{"invalid api key substring", 400, "Invalid API key provided", llm.CodeAuthentication},
		{"429 status", 429, "slow down", llm.CodeRateLimit},
		{"rate limit substring", 0, "Rate limit reached for model", llm.CodeRateLimit},
		{"quota substring", 500, "quota exceeded for project", llm.CodeRateLimit},
		{"404 status", 404, "no such model", llm.CodeNotFound},
		{"not found substring", 0, "model not found", llm.CodeNotFound},
		{"403 status", 403, "nope", llm.CodeForbidden},
		{"forbidden substring", 0, "Forbidden", llm.CodeForbidden},
		{"500 is unknown", 500, "internal error", llm.CodeUnknown},
		{"plain network error", 0, "connection refused", llm.CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			perr := llm.ClassifyError("openai", tt.status, tt.message)
			assert.Equal(t, tt.wantCode, perr.Code)
			assert.Equal(t, "openai", perr.Provider)
			assert.Equal(t, tt.status, perr.Status)
		})
	}
}

func TestProviderError_Retryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      string
		retryable bool
	}{
		{llm.CodeAuthentication, false},
		{llm.CodeForbidden, false},
		{llm.CodeNotFound, false},
		{llm.CodeRateLimit, true},
		{llm.CodeUnknown, true},
	}

	for _, tt := range tests {
		err := &llm.ProviderError{Code: tt.code}
		assert.Equal(t, tt.retryable, err.Retryable(), "code %s", tt.code)
	}
}

func TestProviderError_UnwrapsToSentinel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code     string
		sentinel error
	}{
		{llm.CodeAuthentication, llm.ErrAuthentication},
		{llm.CodeRateLimit, llm.ErrRateLimit},
		{llm.CodeNotFound, llm.ErrModelNotFound},
		{llm.CodeForbidden, llm.ErrForbidden},
		{llm.CodeUnknown, llm.ErrConnection},
	}

	for _, tt := range tests {
		err := llm.ClassifyError("gemini", 0, "")
		err.Code = tt.code
		assert.ErrorIs(t, err, tt.sentinel, "code %s", tt.code)
	}
}

func TestProviderError_MessageNeverEmpty(t *testing.T) {
	t.Parallel()

	err := llm.ClassifyError("ollama", 500, "model exploded")
	require.Contains(t, err.Error(), "ollama")
	require.Contains(t, err.Error(), "model exploded")
	require.Contains(t, err.Error(), llm.CodeUnknown)
}

func TestTypedErrors_CarryDetail(t *testing.T) {
	t.Parallel()

	var err error = &llm.ModelNotFoundError{Provider: "ollama", Model: "llama3.3"}
	assert.ErrorIs(t, err, llm.ErrModelNotFound)
	assert.Contains(t, err.Error(), "llama3.3")

	err = &llm.ContextLengthExceededError{Provider: "gemini", Estimated: 2000, Limit: 1000}
	assert.ErrorIs(t, err, llm.ErrContextLength)
	assert.Contains(t, err.Error(), "2000")
}
