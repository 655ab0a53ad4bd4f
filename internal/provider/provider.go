// Package provider defines the adapter contract between the unified llm
// contract and concrete backend providers, plus the shared plumbing every
// adapter uses: retry with backoff, circuit breaking, and HTTP client
// construction.
//
// Concrete adapters live in subpackages (gemini, openai, ollama); the
// factory subpackage is the switchboard that constructs and caches them.
// Adding a provider means one new subpackage plus one new case in the
// factory, never a change to dispatch sites.
package provider

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/kestrel0/kestrel/internal/llm"
)

// Provider identifiers. This is a closed set: the factory dispatches on it
// and the session layer validates against it.
const (
	Gemini = "gemini"
	OpenAI = "openai"
	Ollama = "ollama"
)

// Known lists the supported provider ids.
func Known() []string {
	return []string{Gemini, OpenAI, Ollama}
}

// IsKnown reports whether id names a supported provider.
func IsKnown(id string) bool {
	switch id {
	case Gemini, OpenAI, Ollama:
		return true
	}
	return false
}

// DefaultModel returns the model used when a config does not name one.
func DefaultModel(id string) string {
	switch id {
	case Gemini:
		return "gemini-2.5-flash"
	case OpenAI:
		return "gpt-4o-mini"
	case Ollama:
		return "llama3.3"
	}
	return ""
}

// Client is the adapter contract. One instance is bound to one provider and
// one validated Config; instances are safe for concurrent use and reusable
// across sessions (the factory caches them by config identity).
//
// Every generation method runs llm.ValidateRequest before touching the
// network, so capability violations surface synchronously and typed.
type Client interface {
	// Provider returns the provider id this adapter serves.
	Provider() string

	// Capabilities returns the static capability declaration.
	Capabilities() llm.Capabilities

	// GenerateContent performs one blocking generation.
	GenerateContent(ctx context.Context, req *llm.Request) (*llm.Response, error)

	// GenerateContentStream starts a streaming generation. The returned
	// channel delivers incremental deltas and is closed by the producer once
	// the stream ends, fails, or ctx is cancelled. Single consumer.
	GenerateContentStream(ctx context.Context, req *llm.Request) (<-chan llm.StreamDelta, error)

	// CountTokens counts tokens for the given turns, via the provider API
	// when one exists and local estimation otherwise.
	CountTokens(ctx context.Context, turns []llm.Turn) (int, error)

	// GenerateEmbedding embeds the given text with the provider's embedding
	// endpoint. Providers without one return llm.ErrUnsupportedFeature.
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)

	// AvailableModels lists models reachable with the current credentials.
	AvailableModels(ctx context.Context) ([]string, error)

	// ValidateConfig re-checks the adapter's configuration without network
	// traffic.
	ValidateConfig() error

	// TestConnection verifies the provider endpoint is reachable and the
	// credential is accepted.
	TestConnection(ctx context.Context) error

	// Close releases network resources. The adapter is unusable afterwards.
	Close() error
}

// StructuredClient is implemented by adapters whose wire protocol enforces a
// response schema natively. The session layer uses it when present and falls
// back to instruction injection plus parsing otherwise.
type StructuredClient interface {
	GenerateStructured(ctx context.Context, req *llm.Request, schema *jsonschema.Schema) (*llm.Response, error)
}
