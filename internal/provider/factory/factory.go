// Package factory constructs and caches provider adapters. It is the only
// place that knows every concrete adapter; everything above it works against
// provider.Client.
package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/kestrel0/kestrel/internal/llm"
	"github.com/kestrel0/kestrel/internal/log"
	"github.com/kestrel0/kestrel/internal/provider"
	"github.com/kestrel0/kestrel/internal/provider/gemini"
	"github.com/kestrel0/kestrel/internal/provider/ollama"
	"github.com/kestrel0/kestrel/internal/provider/openai"
)

// Options applies shared resilience settings to every adapter the factory
// builds. Zero values use each adapter's defaults.
type Options struct {
	Retry          provider.RetryConfig
	CircuitBreaker provider.CircuitBreakerConfig

	// HTTPClient overrides adapter transport construction, for tests that
	// point adapters at an httptest server.
	HTTPClient *http.Client
}

// Factory builds provider adapters and caches them by config identity, so
// repeated requests for the same configuration share one adapter (and its
// connection pool). The cache is never invalidated automatically: after a
// credential rotation the caller must remove the stale entry.
type Factory struct {
	logger log.Logger
	opts   Options

	mu    sync.Mutex
	cache map[string]provider.Client
}

// New creates a Factory.
func New(logger log.Logger, opts Options) *Factory {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Factory{
		logger: logger.With("component", "provider.factory"),
		opts:   opts,
		cache:  make(map[string]provider.Client),
	}
}

// CreateClient returns an adapter for cfg, reusing a cached one when the
// composite key (provider, model, auth shape, endpoint) matches. A disabled
// config fails here, before any caching.
func (f *Factory) CreateClient(ctx context.Context, cfg provider.Config) (provider.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	key := cfg.CacheKey()

	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.cache[key]; ok {
		return client, nil
	}

	client, err := f.newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	f.cache[key] = client
	f.logger.Debug("created provider client", "provider", cfg.Provider, "model", cfg.Model)
	return client, nil
}

// newClient is the closed dispatch over the provider enum. Adding a provider
// means one new case here, nothing elsewhere.
func (f *Factory) newClient(ctx context.Context, cfg provider.Config) (provider.Client, error) {
	switch cfg.Provider {
	case provider.Gemini:
		return gemini.New(ctx, cfg, f.logger, gemini.Options{
			Retry:          f.opts.Retry,
			CircuitBreaker: f.opts.CircuitBreaker,
		})
	case provider.OpenAI:
		return openai.New(cfg, f.logger, openai.Options{
			Retry:          f.opts.Retry,
			CircuitBreaker: f.opts.CircuitBreaker,
			HTTPClient:     f.opts.HTTPClient,
		})
	case provider.Ollama:
		return ollama.New(cfg, f.logger, ollama.Options{
			Retry:          f.opts.Retry,
			CircuitBreaker: f.opts.CircuitBreaker,
			HTTPClient:     f.opts.HTTPClient,
		})
	default:
		return nil, fmt.Errorf("%w: %q", llm.ErrUnknownProvider, cfg.Provider)
	}
}

// CreateClients builds adapters for each config, best-effort: a failing
// config is logged and skipped so one bad entry cannot sink the batch. The
// result maps provider id to client for the configs that succeeded.
func (f *Factory) CreateClients(ctx context.Context, cfgs []provider.Config) map[string]provider.Client {
	clients := make(map[string]provider.Client, len(cfgs))
	for _, cfg := range cfgs {
		client, err := f.CreateClient(ctx, cfg)
		if err != nil {
			f.logger.Warn("skipping provider config",
				"provider", cfg.Provider,
				"error", err,
			)
			continue
		}
		clients[cfg.Provider] = client
	}
	return clients
}

// RemoveCachedClient drops (and closes) the cached adapter for cfg, if any.
// Call after rotating a credential or changing an endpoint.
func (f *Factory) RemoveCachedClient(cfg provider.Config) {
	key := cfg.CacheKey()

	f.mu.Lock()
	client, ok := f.cache[key]
	delete(f.cache, key)
	f.mu.Unlock()

	if ok {
		if err := client.Close(); err != nil {
			f.logger.Warn("closing removed client", "provider", cfg.Provider, "error", err)
		}
	}
}

// ClearCache drops and closes every cached adapter.
func (f *Factory) ClearCache() {
	f.mu.Lock()
	cached := f.cache
	f.cache = make(map[string]provider.Client)
	f.mu.Unlock()

	for key, client := range cached {
		if err := client.Close(); err != nil {
			f.logger.Warn("closing cached client", "key", key, "error", err)
		}
	}
}

// CachedCount returns the number of live cache entries.
func (f *Factory) CachedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cache)
}

// TestResult is the outcome of a pre-flight config check.
type TestResult struct {
	Valid        bool
	Err          error
	Capabilities *llm.Capabilities
}

// TestProviderConfig builds a throwaway adapter for cfg, validates it and
// probes the connection, without touching the cache. Diagnostics only.
func (f *Factory) TestProviderConfig(ctx context.Context, cfg provider.Config) TestResult {
	client, err := f.newClient(ctx, cfg)
	if err != nil {
		return TestResult{Err: err}
	}
	defer client.Close() //nolint:errcheck // throwaway client

	if err := client.ValidateConfig(); err != nil {
		return TestResult{Err: err}
	}
	if err := client.TestConnection(ctx); err != nil {
		return TestResult{Err: err}
	}

	caps := client.Capabilities()
	return TestResult{Valid: true, Capabilities: &caps}
}
