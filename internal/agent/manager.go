package agent

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kestrel0/kestrel/internal/events"
	"github.com/kestrel0/kestrel/internal/llm"
	"github.com/kestrel0/kestrel/internal/log"
	"github.com/kestrel0/kestrel/internal/provider"
	"github.com/kestrel0/kestrel/internal/provider/factory"
	"github.com/kestrel0/kestrel/internal/session"
	"github.com/kestrel0/kestrel/internal/tools"
)

// DefaultMaxConcurrent caps sessions across all agents when the manager
// config does not say.
const DefaultMaxConcurrent = 10

// agentState is one registered agent and its live sessions. Guarded by the
// manager's mutex.
type agentState struct {
	cfg      Config
	client   provider.Client
	sessions map[string]*session.Session
}

// Info is a point-in-time view of a registered agent.
type Info struct {
	ID          string
	Name        string
	Description string
	Provider    string
	Model       string
	Sessions    int
	MaxSessions int
}

// Stats summarizes the manager's state.
type Stats struct {
	Agents             int
	Sessions           int
	ActiveSessionID    string
	SessionsByProvider map[string]int
	SessionsByAgent    map[string]int
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Clients  *factory.Factory
	Sessions *session.Factory

	// Registry resolves agent tool names into provider-compatible wire
	// declarations. Nil disables tool resolution.
	Registry *tools.Registry

	Bus    *events.Bus
	Logger log.Logger

	// MaxConcurrent caps sessions across all agents. Zero means
	// DefaultMaxConcurrent.
	MaxConcurrent int
}

// Manager registers agents, starts and ends their sessions under concurrency
// caps, and tracks which session is active. Safe for concurrent use.
type Manager struct {
	clients        *factory.Factory
	sessionFactory *session.Factory
	registry       *tools.Registry
	bus            *events.Bus
	logger         log.Logger
	maxConcurrent  int

	mu       sync.Mutex
	agents   map[string]*agentState
	byID     map[string]*session.Session
	activeID string
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Clients == nil || cfg.Sessions == nil {
		return nil, fmt.Errorf("%w: manager requires client and session factories", llm.ErrInvalidRequest)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Manager{
		clients:        cfg.Clients,
		sessionFactory: cfg.Sessions,
		registry:       cfg.Registry,
		bus:            cfg.Bus,
		logger:         logger.With("component", "agent.manager"),
		maxConcurrent:  maxConcurrent,
		agents:         make(map[string]*agentState),
		byID:           make(map[string]*session.Session),
	}, nil
}

// CreateAgent validates cfg, verifies its provider binding actually works,
// and registers the agent. Config problems and unreachable providers fail
// with distinguishable errors; a registered agent is known-good.
func (m *Manager) CreateAgent(ctx context.Context, cfg Config) (Info, error) {
	if err := cfg.Validate(); err != nil {
		return Info{}, fmt.Errorf("agent %q: invalid config: %w", cfg.Name, err)
	}
	id := cfg.ID()

	m.mu.Lock()
	if _, exists := m.agents[id]; exists {
		m.mu.Unlock()
		return Info{}, fmt.Errorf("%w: %s", llm.ErrDuplicateAgent, id)
	}
	m.mu.Unlock()

	client, err := m.clients.CreateClient(ctx, cfg.Provider)
	if err != nil {
		return Info{}, fmt.Errorf("agent %q: provider setup failed: %w", cfg.Name, err)
	}
	if err := client.ValidateConfig(); err != nil {
		return Info{}, fmt.Errorf("agent %q: provider config rejected: %w", cfg.Name, err)
	}
	if err := client.TestConnection(ctx); err != nil {
		return Info{}, fmt.Errorf("agent %q: provider unreachable: %w", cfg.Name, err)
	}

	if m.registry != nil && len(cfg.Tools) > 0 {
		warnings, err := m.registry.Validate(cfg.Tools, cfg.Provider.Provider, client.Capabilities())
		if err != nil {
			return Info{}, fmt.Errorf("agent %q: %w", cfg.Name, err)
		}
		for _, w := range warnings {
			m.logger.Warn("agent tool configuration",
				"agent", id,
				"provider", cfg.Provider.Provider,
				"warning", w,
			)
		}
	}

	state := &agentState{
		cfg:      cfg,
		client:   client,
		sessions: make(map[string]*session.Session),
	}

	m.mu.Lock()
	if _, exists := m.agents[id]; exists {
		m.mu.Unlock()
		return Info{}, fmt.Errorf("%w: %s", llm.ErrDuplicateAgent, id)
	}
	m.agents[id] = state
	m.mu.Unlock()

	m.logger.Info("registered agent", "agent", id, "provider", cfg.Provider.Provider)

	if cfg.AutoStart {
		if _, err := m.StartSession(ctx, id); err != nil {
			m.logger.Warn("auto-start session failed", "agent", id, "error", err)
		}
	}
	return m.info(id), nil
}

// StartSession opens a new session for agentID, under both the global cap and
// the agent's own cap. The new session becomes active when no session is.
func (m *Manager) StartSession(ctx context.Context, agentID string) (*session.Session, error) {
	m.mu.Lock()
	state, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", llm.ErrAgentNotFound, agentID)
	}
	if err := m.checkCapsLocked(state, agentID); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	cfg := state.cfg
	caps := state.client.Capabilities()
	m.mu.Unlock()

	var decls []llm.ToolDeclaration
	if m.registry != nil && len(cfg.Tools) > 0 {
		decls = m.registry.ForProvider(cfg.Provider.Provider, caps, cfg.Tools)
	}

	sess, err := m.sessionFactory.CreateSession(ctx, cfg.Provider, session.Options{
		SystemPrompt: cfg.SystemPrompt,
		Tools:        decls,
		IDPrefix:     agentID,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	// Creation ran unlocked; a racing StartSession may have taken the last
	// slot in the meantime.
	if err := m.checkCapsLocked(state, agentID); err != nil {
		m.mu.Unlock()
		sess.Close() //nolint:errcheck // losing the race discards the session
		return nil, err
	}
	state.sessions[sess.ID()] = sess
	m.byID[sess.ID()] = sess
	becameActive := m.activeID == ""
	if becameActive {
		m.activeID = sess.ID()
	}
	m.mu.Unlock()

	m.logger.Info("started session", "agent", agentID, "session_id", sess.ID(), "active", becameActive)
	return sess, nil
}

// checkCapsLocked enforces both concurrency caps. Caller holds m.mu.
func (m *Manager) checkCapsLocked(state *agentState, agentID string) error {
	if len(m.byID) >= m.maxConcurrent {
		m.emit(events.Event{
			Type: events.TypeSessionLimit,
			Text: fmt.Sprintf("global session limit %d reached", m.maxConcurrent),
		})
		return fmt.Errorf("%w: global limit %d reached", llm.ErrConcurrencyLimit, m.maxConcurrent)
	}
	if len(state.sessions) >= state.cfg.maxSessions() {
		m.emit(events.Event{
			Type: events.TypeSessionLimit,
			Text: fmt.Sprintf("agent %s session limit %d reached", agentID, state.cfg.maxSessions()),
		})
		return fmt.Errorf("%w: agent %s limit %d reached", llm.ErrConcurrencyLimit, agentID, state.cfg.maxSessions())
	}
	return nil
}

// CreateQuickSession registers a throwaway agent for cfg and starts its
// session in one step, for one-off conversations outside any named agent.
// A missing model or auth method gets the provider's default, so callers can
// pass just a provider id.
func (m *Manager) CreateQuickSession(ctx context.Context, cfg provider.Config) (*session.Session, error) {
	raw := uuid.New()
	name := "quick-" + hex.EncodeToString(raw[:4])

	if cfg.Model == "" {
		cfg.Model = provider.DefaultModel(cfg.Provider)
	}
	if cfg.AuthMethod == "" {
		if cfg.APIKey != "" {
			cfg.AuthMethod = provider.AuthAPIKey
		} else {
			cfg.AuthMethod = provider.AuthNone
		}
	}

	if _, err := m.CreateAgent(ctx, Config{
		Name:        name,
		Description: "ad-hoc session",
		Provider:    cfg,
		MaxSessions: 1,
	}); err != nil {
		return nil, err
	}
	return m.StartSession(ctx, name)
}

// GetSession returns the session with the given id.
func (m *Manager) GetSession(sessionID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", llm.ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// ActiveSession returns the currently active session, or false when none is.
func (m *Manager) ActiveSession() (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[m.activeID]
	return sess, ok
}

// SwitchToSession makes sessionID the active session. A provider change is
// announced on the bus so the presentation layer can relabel the stream.
func (m *Manager) SwitchToSession(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", llm.ErrSessionNotFound, sessionID)
	}
	var from string
	if prev, ok := m.byID[m.activeID]; ok {
		from = prev.Provider()
	}
	m.activeID = sessionID
	m.mu.Unlock()

	if from != "" && from != sess.Provider() {
		m.emit(events.Event{
			Type:      events.TypeProviderSwitched,
			SessionID: sessionID,
			Switch:    &events.SwitchPayload{From: from, To: sess.Provider()},
		})
	}
	return nil
}

// EndSession closes sessionID and removes it. When it was the active session,
// an arbitrary surviving session of the same agent is promoted, then any
// surviving session, then none.
func (m *Manager) EndSession(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", llm.ErrSessionNotFound, sessionID)
	}
	delete(m.byID, sessionID)

	var owner *agentState
	for _, state := range m.agents {
		if _, mine := state.sessions[sessionID]; mine {
			owner = state
			delete(state.sessions, sessionID)
			break
		}
	}

	if m.activeID == sessionID {
		m.activeID = ""
		if owner != nil {
			for id := range owner.sessions {
				m.activeID = id
				break
			}
		}
		if m.activeID == "" {
			for id := range m.byID {
				m.activeID = id
				break
			}
		}
	}
	m.mu.Unlock()

	sess.ClearHistory()
	return sess.Close()
}

// RemoveAgent ends every session of agentID and unregisters it. The active
// pointer is cleared when it referred to one of the agent's sessions.
func (m *Manager) RemoveAgent(agentID string) error {
	m.mu.Lock()
	state, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", llm.ErrAgentNotFound, agentID)
	}
	delete(m.agents, agentID)

	doomed := make([]*session.Session, 0, len(state.sessions))
	for id, sess := range state.sessions {
		delete(m.byID, id)
		doomed = append(doomed, sess)
	}
	if strings.HasPrefix(m.activeID, agentID+"-") {
		m.activeID = ""
		for id := range m.byID {
			m.activeID = id
			break
		}
	}
	m.mu.Unlock()

	for _, sess := range doomed {
		sess.ClearHistory()
		if err := sess.Close(); err != nil {
			m.logger.Warn("closing session", "session_id", sess.ID(), "error", err)
		}
	}
	m.logger.Info("removed agent", "agent", agentID, "closed_sessions", len(doomed))
	return nil
}

// ListAgents returns a snapshot of every registered agent, sorted by id.
func (m *Manager) ListAgents() []Info {
	m.mu.Lock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, m.info(id))
	}
	sortInfos(infos)
	return infos
}

// ListSessions returns the session ids of agentID.
func (m *Manager) ListSessions(agentID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", llm.ErrAgentNotFound, agentID)
	}
	ids := make([]string, 0, len(state.sessions))
	for id := range state.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

// Stats returns totals plus per-provider and per-agent session counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Agents:             len(m.agents),
		Sessions:           len(m.byID),
		ActiveSessionID:    m.activeID,
		SessionsByProvider: make(map[string]int),
		SessionsByAgent:    make(map[string]int),
	}
	for id, state := range m.agents {
		stats.SessionsByAgent[id] = len(state.sessions)
		stats.SessionsByProvider[state.cfg.Provider.Provider] += len(state.sessions)
	}
	return stats
}

// Shutdown closes every session, best-effort. Close failures are logged and
// do not stop the sweep. Cached provider adapters stay with their factory.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	doomed := make([]*session.Session, 0, len(m.byID))
	for _, sess := range m.byID {
		doomed = append(doomed, sess)
	}
	m.byID = make(map[string]*session.Session)
	for _, state := range m.agents {
		state.sessions = make(map[string]*session.Session)
	}
	m.activeID = ""
	m.mu.Unlock()

	for _, sess := range doomed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sess.Close(); err != nil {
			m.logger.Warn("closing session during shutdown", "session_id", sess.ID(), "error", err)
		}
	}
	m.logger.Info("manager shut down", "closed_sessions", len(doomed))
	return nil
}

func (m *Manager) info(id string) Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.agents[id]
	if !ok {
		return Info{ID: id}
	}
	model := state.cfg.Provider.Model
	if model == "" {
		model = provider.DefaultModel(state.cfg.Provider.Provider)
	}
	return Info{
		ID:          id,
		Name:        state.cfg.Name,
		Description: state.cfg.Description,
		Provider:    state.cfg.Provider.Provider,
		Model:       model,
		Sessions:    len(state.sessions),
		MaxSessions: state.cfg.maxSessions(),
	}
}

func (m *Manager) emit(ev events.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(ev)
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
}
