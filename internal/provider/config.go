package provider

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kestrel0/kestrel/internal/llm"
)

// Auth method tags accepted in Config.AuthMethod.
const (
	AuthAPIKey = "api-key"
	AuthNone   = "none"
)

// Config describes one provider binding: which backend, which model, how to
// authenticate, and the generation knobs. It is immutable once handed to an
// adapter; the owning agent (or quick session) keeps the only mutable copy.
type Config struct {
	Provider   string
	Model      string
	AuthMethod string

	// APIKey is the credential for hosted providers. Never logged; LogValue
	// masks it.
	APIKey string

	// Endpoint overrides the provider's default base URL. Required for
	// ollama only when the daemon is not on localhost.
	Endpoint string

	// Proxy routes adapter HTTP traffic through an http(s):// or socks5://
	// proxy when set.
	Proxy string

	Enabled bool

	Temperature *float32
	TopP        *float32
	MaxTokens   int32
}

// Validate checks config shape. A disabled config is an error by design:
// adapter construction must fail rather than produce a half-usable client.
func (c Config) Validate() error {
	if !IsKnown(c.Provider) {
		return fmt.Errorf("%w: %q", llm.ErrUnknownProvider, c.Provider)
	}
	if !c.Enabled {
		return fmt.Errorf("%w: %s", llm.ErrProviderDisabled, c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: config for %s has no model", llm.ErrInvalidRequest, c.Provider)
	}

	switch c.Provider {
	case Gemini, OpenAI:
		if c.AuthMethod != AuthNone && c.APIKey == "" {
			return fmt.Errorf("%w: %s requires an API key", llm.ErrAuthentication, c.Provider)
		}
	case Ollama:
		// Local daemon, no credential.
	}

	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("%w: temperature %v out of range [0, 2]", llm.ErrInvalidRequest, *c.Temperature)
	}
	if c.TopP != nil && (*c.TopP < 0 || *c.TopP > 1) {
		return fmt.Errorf("%w: topP %v out of range [0, 1]", llm.ErrInvalidRequest, *c.TopP)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("%w: maxTokens must not be negative", llm.ErrInvalidRequest)
	}

	return nil
}

// CacheKey derives the composite identity used by the factory cache. Two
// configs with the same key can share one adapter (same provider, model,
// auth shape, endpoint). The credential itself is not part of the key, only
// its presence.
func (c Config) CacheKey() string {
	hasKey := "no-key"
	if c.APIKey != "" {
		hasKey = "key"
	}
	return strings.Join([]string{c.Provider, c.Model, c.AuthMethod, hasKey, c.Endpoint}, "|")
}

// LogValue masks the credential so a Config attached to a log record never
// leaks it.
func (c Config) LogValue() slog.Value {
	key := ""
	if c.APIKey != "" {
		key = "***"
	}
	return slog.GroupValue(
		slog.String("provider", c.Provider),
		slog.String("model", c.Model),
		slog.String("auth_method", c.AuthMethod),
		slog.String("api_key", key),
		slog.String("endpoint", c.Endpoint),
		slog.Bool("enabled", c.Enabled),
	)
}
