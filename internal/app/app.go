// Package app wires the runtime together: configuration, logging, the
// provider factory, the session factory, the tool registry, the event bus
// and the agent manager. Entry points (the CLI, embedding programs) build a
// Runtime once and work against its fields.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kestrel0/kestrel/internal/agent"
	"github.com/kestrel0/kestrel/internal/config"
	"github.com/kestrel0/kestrel/internal/events"
	"github.com/kestrel0/kestrel/internal/log"
	"github.com/kestrel0/kestrel/internal/provider/factory"
	"github.com/kestrel0/kestrel/internal/session"
	"github.com/kestrel0/kestrel/internal/tools"
)

// Runtime holds the initialized components. Fields are exported so entry
// points can reach the layer they need directly.
type Runtime struct {
	Config   *config.Config
	Logger   log.Logger
	Bus      *events.Bus
	Clients  *factory.Factory
	Sessions *session.Factory
	Registry *tools.Registry
	Manager  *agent.Manager
}

// New builds a Runtime from cfg. Agents declared in the configuration are
// registered best-effort: an unreachable provider logs a warning instead of
// failing startup, so one bad agent entry cannot keep the program from
// coming up. Agents listed in active_agents get a session started the same
// way.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}

	logger := log.New(log.Config{
		Level: parseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})

	bus := events.NewBus(0, logger)
	clients := factory.New(logger, factory.Options{})
	sessions := session.NewFactory(clients, bus, logger)
	registry := tools.NewRegistry()

	manager, err := agent.NewManager(agent.ManagerConfig{
		Clients:       clients,
		Sessions:      sessions,
		Registry:      registry,
		Bus:           bus,
		Logger:        logger,
		MaxConcurrent: cfg.MaxConcurrentSessions,
	})
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Bus:      bus,
		Clients:  clients,
		Sessions: sessions,
		Registry: registry,
		Manager:  manager,
	}

	agentCfgs, err := cfg.AgentConfigs()
	if err != nil {
		return nil, err
	}
	for _, ac := range agentCfgs {
		if _, err := manager.CreateAgent(ctx, ac); err != nil {
			logger.Warn("skipping configured agent", "agent", ac.Name, "error", err)
		}
	}

	for _, id := range cfg.ActiveAgents {
		if _, err := manager.StartSession(ctx, id); err != nil {
			logger.Warn("starting configured active agent", "agent", id, "error", err)
		}
	}

	return rt, nil
}

// Close shuts the manager down and drops every cached provider adapter.
func (r *Runtime) Close(ctx context.Context) error {
	err := r.Manager.Shutdown(ctx)
	r.Clients.ClearCache()
	r.Bus.Clear()
	return err
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
