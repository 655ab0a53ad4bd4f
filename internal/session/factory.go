package session

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrel0/kestrel/internal/events"
	"github.com/kestrel0/kestrel/internal/llm"
	"github.com/kestrel0/kestrel/internal/log"
	"github.com/kestrel0/kestrel/internal/provider"
	"github.com/kestrel0/kestrel/internal/provider/factory"
)

// Options are the per-session knobs a Factory caller can set on top of a
// provider config.
type Options struct {
	SystemPrompt string
	Tools        []llm.ToolDeclaration
	IDPrefix     string
	Timeout      time.Duration
}

// Factory creates sessions on top of the provider factory's cached adapters.
// One Factory serves every provider; provider-specific creation behavior
// (the local daemon's model probe) lives behind the adapter's own interface.
type Factory struct {
	clients *factory.Factory
	bus     *events.Bus
	logger  log.Logger
}

// NewFactory creates a session factory.
func NewFactory(clients *factory.Factory, bus *events.Bus, logger log.Logger) *Factory {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Factory{
		clients: clients,
		bus:     bus,
		logger:  logger.With("component", "session.factory"),
	}
}

// SupportedProviders lists the provider ids sessions can be created for.
func (f *Factory) SupportedProviders() []string {
	return provider.Known()
}

// CreateSession builds an adapter for cfg (or reuses a cached one) and wraps
// it in a new session. For the local daemon the model's presence is probed
// first, so a missing pull fails here instead of on the first send.
func (f *Factory) CreateSession(ctx context.Context, cfg provider.Config, opts Options) (*Session, error) {
	if !provider.IsKnown(cfg.Provider) {
		return nil, fmt.Errorf("%w: %q", llm.ErrUnknownProvider, cfg.Provider)
	}

	client, err := f.clients.CreateClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	model := cfg.Model
	if model == "" {
		model = provider.DefaultModel(cfg.Provider)
	}

	if p, ok := client.(modelProber); ok {
		present, perr := p.HasModel(ctx, model)
		if perr != nil {
			return nil, perr
		}
		if !present {
			return nil, &llm.ModelNotFoundError{Provider: cfg.Provider, Model: model}
		}
	}

	sess, err := New(Config{
		Client:       client,
		Model:        model,
		SystemPrompt: opts.SystemPrompt,
		Tools:        opts.Tools,
		IDPrefix:     opts.IDPrefix,
		Temperature:  cfg.Temperature,
		TopP:         cfg.TopP,
		MaxTokens:    cfg.MaxTokens,
		Bus:          f.bus,
		Logger:       f.logger,
		Timeout:      opts.Timeout,
	})
	if err != nil {
		return nil, err
	}

	f.logger.Debug("created session",
		"session_id", sess.ID(),
		"provider", cfg.Provider,
		"model", model,
	)
	return sess, nil
}

// AvailableModels lists the models reachable with cfg's credentials.
func (f *Factory) AvailableModels(ctx context.Context, cfg provider.Config) ([]string, error) {
	client, err := f.clients.CreateClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return client.AvailableModels(ctx)
}
