package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kestrel0/kestrel/internal/events"
	"github.com/kestrel0/kestrel/internal/llm"
	"github.com/kestrel0/kestrel/internal/provider"
	"github.com/kestrel0/kestrel/internal/provider/factory"
	"github.com/kestrel0/kestrel/internal/session"
	"github.com/kestrel0/kestrel/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDaemon serves just enough of the local daemon's API for the manager
// path: tags for liveness and model probes, chat for blocking generation.
func fakeDaemon(t *testing.T, reply string, models ...string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		type tag struct {
			Name string `json:"name"`
		}
		tags := make([]tag, 0, len(models))
		for _, m := range models {
			tags = append(tags, tag{Name: m})
		}
		json.NewEncoder(w).Encode(map[string]any{"models": tags}) //nolint:errcheck // test server
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test server
			"model":             "llama3.3",
			"message":           map[string]string{"role": "assistant", "content": reply},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 7,
			"eval_count":        3,
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// fakeHostedAPI serves the hosted provider's model listing, enough for
// registration and switching.
func fakeHostedAPI(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test server
			"data": []map[string]string{{"id": "gpt-4o-mini"}},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func daemonConfig(endpoint string) provider.Config {
	return provider.Config{
		Provider: provider.Ollama,
		Model:    "llama3.3",
		Endpoint: endpoint,
		Enabled:  true,
	}
}

func hostedConfig(endpoint string) provider.Config {
	return provider.Config{
		Provider:   provider.OpenAI,
		Model:      "gpt-4o-mini",
		AuthMethod: provider.AuthAPIKey,
		APIKey:     "test-key",
		Endpoint:   endpoint,
		Enabled:    true,
	}
}

func newTestManager(t *testing.T, maxConcurrent int) (*Manager, *events.Bus) {
	t.Helper()

	bus := events.NewBus(0, nil)
	clients := factory.New(nil, factory.Options{})
	sessions := session.NewFactory(clients, bus, nil)

	m, err := NewManager(ManagerConfig{
		Clients:       clients,
		Sessions:      sessions,
		Bus:           bus,
		MaxConcurrent: maxConcurrent,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, m.Shutdown(context.Background()))
		clients.ClearCache()
	})
	return m, bus
}

func newTestManagerWithTools(t *testing.T, register func(*tools.Registry)) (*Manager, *events.Bus) {
	t.Helper()

	bus := events.NewBus(0, nil)
	clients := factory.New(nil, factory.Options{})
	sessions := session.NewFactory(clients, bus, nil)
	registry := tools.NewRegistry()
	register(registry)

	m, err := NewManager(ManagerConfig{
		Clients:  clients,
		Sessions: sessions,
		Registry: registry,
		Bus:      bus,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, m.Shutdown(context.Background()))
		clients.ClearCache()
	})
	return m, bus
}

func TestConfigID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want string
	}{
		{"Code Reviewer", "code-reviewer"},
		{"  research!!agent  ", "research-agent"},
		{"Writer", "writer"},
		{"a--b", "a-b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Config{Name: tt.name}.ID())
		})
	}
}

func TestCreateAgent(t *testing.T) {
	t.Parallel()

	t.Run("registers a reachable agent", func(t *testing.T) {
		t.Parallel()
		srv := fakeDaemon(t, "hi", "llama3.3")
		m, _ := newTestManager(t, 10)

		info, err := m.CreateAgent(context.Background(), Config{
			Name:     "Code Reviewer",
			Provider: daemonConfig(srv.URL),
		})
		require.NoError(t, err)
		assert.Equal(t, "code-reviewer", info.ID)
		assert.Equal(t, provider.Ollama, info.Provider)
		assert.Equal(t, DefaultMaxSessions, info.MaxSessions)
		assert.Zero(t, info.Sessions)
	})

	t.Run("duplicate name rejected", func(t *testing.T) {
		t.Parallel()
		srv := fakeDaemon(t, "hi", "llama3.3")
		m, _ := newTestManager(t, 10)

		_, err := m.CreateAgent(context.Background(), Config{Name: "dup", Provider: daemonConfig(srv.URL)})
		require.NoError(t, err)
		_, err = m.CreateAgent(context.Background(), Config{Name: "dup", Provider: daemonConfig(srv.URL)})
		assert.ErrorIs(t, err, llm.ErrDuplicateAgent)
	})

	t.Run("disabled provider config rejected", func(t *testing.T) {
		t.Parallel()
		m, _ := newTestManager(t, 10)
		cfg := daemonConfig("http://localhost:1")
		cfg.Enabled = false

		_, err := m.CreateAgent(context.Background(), Config{Name: "off", Provider: cfg})
		assert.ErrorIs(t, err, llm.ErrProviderDisabled)
	})

	t.Run("nameless config rejected", func(t *testing.T) {
		t.Parallel()
		m, _ := newTestManager(t, 10)
		_, err := m.CreateAgent(context.Background(), Config{Provider: daemonConfig("http://localhost:1")})
		assert.ErrorIs(t, err, llm.ErrInvalidRequest)
	})

	t.Run("unreachable provider fails registration", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		m, _ := newTestManager(t, 10)

		_, err := m.CreateAgent(context.Background(), Config{Name: "gone", Provider: daemonConfig(srv.URL)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unreachable")
	})

	t.Run("tool needing missing capability blocks registration", func(t *testing.T) {
		t.Parallel()
		srv := fakeDaemon(t, "hi", "llama3.3")
		m, _ := newTestManagerWithTools(t, func(r *tools.Registry) {
			require.NoError(t, r.Register(tools.Registration{
				Declaration: llm.ToolDeclaration{Name: "search", Description: "search"},
				Requires:    tools.CapabilityTools,
			}))
		})

		// The local daemon adapter declares no native tool calling.
		_, err := m.CreateAgent(context.Background(), Config{
			Name:     "blocked",
			Provider: daemonConfig(srv.URL),
			Tools:    []string{"search"},
		})
		assert.ErrorIs(t, err, llm.ErrUnsupportedFeature)
	})

	t.Run("unlisted tool only warns", func(t *testing.T) {
		t.Parallel()
		srv := fakeDaemon(t, "hi", "llama3.3")
		m, _ := newTestManagerWithTools(t, func(r *tools.Registry) {
			require.NoError(t, r.Register(tools.Registration{
				Declaration: llm.ToolDeclaration{Name: "gemini_search", Description: "search"},
				Providers:   []string{provider.Gemini},
			}))
		})

		// One tool the registry never heard of, one withheld by its provider
		// list. Both are warnings and the agent still registers.
		info, err := m.CreateAgent(context.Background(), Config{
			Name:     "warned",
			Provider: daemonConfig(srv.URL),
			Tools:    []string{"unheard_of", "gemini_search"},
		})
		require.NoError(t, err)
		assert.Equal(t, "warned", info.ID)
	})

	t.Run("auto start opens a session", func(t *testing.T) {
		t.Parallel()
		srv := fakeDaemon(t, "hi", "llama3.3")
		m, _ := newTestManager(t, 10)

		info, err := m.CreateAgent(context.Background(), Config{
			Name:      "eager",
			Provider:  daemonConfig(srv.URL),
			AutoStart: true,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, info.Sessions)

		active, ok := m.ActiveSession()
		require.True(t, ok)
		assert.True(t, strings.HasPrefix(active.ID(), "eager-"))
	})
}

func TestStartSession(t *testing.T) {
	t.Parallel()

	t.Run("session id carries the agent prefix", func(t *testing.T) {
		t.Parallel()
		srv := fakeDaemon(t, "hi", "llama3.3")
		m, _ := newTestManager(t, 10)
		_, err := m.CreateAgent(context.Background(), Config{Name: "coder", Provider: daemonConfig(srv.URL)})
		require.NoError(t, err)

		sess, err := m.StartSession(context.Background(), "coder")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(sess.ID(), "coder-ollama-"), "id %q", sess.ID())
	})

	t.Run("unknown agent", func(t *testing.T) {
		t.Parallel()
		m, _ := newTestManager(t, 10)
		_, err := m.StartSession(context.Background(), "ghost")
		assert.ErrorIs(t, err, llm.ErrAgentNotFound)
	})

	t.Run("missing model fails fast", func(t *testing.T) {
		t.Parallel()
		srv := fakeDaemon(t, "hi", "some-other-model")
		m, _ := newTestManager(t, 10)
		_, err := m.CreateAgent(context.Background(), Config{Name: "probe", Provider: daemonConfig(srv.URL)})
		require.NoError(t, err)

		_, err = m.StartSession(context.Background(), "probe")
		assert.ErrorIs(t, err, llm.ErrModelNotFound)
	})

	t.Run("system prompt seeds history and survives exchanges", func(t *testing.T) {
		t.Parallel()
		srv := fakeDaemon(t, "understood", "llama3.3")
		m, _ := newTestManager(t, 10)
		_, err := m.CreateAgent(context.Background(), Config{
			Name:         "prompted",
			Provider:     daemonConfig(srv.URL),
			SystemPrompt: "you review Go code",
		})
		require.NoError(t, err)

		sess, err := m.StartSession(context.Background(), "prompted")
		require.NoError(t, err)

		hist := sess.History()
		require.Len(t, hist, 1)
		assert.Equal(t, "you review Go code", hist[0].Text())

		// After N exchanges the history holds the seed plus N user/model pairs.
		const n = 2
		for i := 0; i < n; i++ {
			_, err := sess.Send(context.Background(), "next hunk")
			require.NoError(t, err)
		}
		assert.Len(t, sess.History(), 2*n+1)
	})

	t.Run("per-agent cap", func(t *testing.T) {
		t.Parallel()
		srv := fakeDaemon(t, "hi", "llama3.3")
		m, bus := newTestManager(t, 10)
		_, err := m.CreateAgent(context.Background(), Config{
			Name:        "capped",
			Provider:    daemonConfig(srv.URL),
			MaxSessions: 2,
		})
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, err := m.StartSession(context.Background(), "capped")
			require.NoError(t, err)
		}
		_, err = m.StartSession(context.Background(), "capped")
		assert.ErrorIs(t, err, llm.ErrConcurrencyLimit)
		assert.Equal(t, 1, bus.Stats().EventsByType[events.TypeSessionLimit])
	})

	t.Run("global cap across agents", func(t *testing.T) {
		t.Parallel()
		srv := fakeDaemon(t, "hi", "llama3.3")
		m, _ := newTestManager(t, 3)
		for _, name := range []string{"alpha", "beta"} {
			_, err := m.CreateAgent(context.Background(), Config{Name: name, Provider: daemonConfig(srv.URL)})
			require.NoError(t, err)
		}

		_, err := m.StartSession(context.Background(), "alpha")
		require.NoError(t, err)
		_, err = m.StartSession(context.Background(), "alpha")
		require.NoError(t, err)
		_, err = m.StartSession(context.Background(), "beta")
		require.NoError(t, err)

		_, err = m.StartSession(context.Background(), "beta")
		assert.ErrorIs(t, err, llm.ErrConcurrencyLimit)

		stats := m.Stats()
		assert.Equal(t, 3, stats.Sessions)
		assert.Equal(t, 2, stats.SessionsByAgent["alpha"])
		assert.Equal(t, 1, stats.SessionsByAgent["beta"])
		assert.Equal(t, 3, stats.SessionsByProvider[provider.Ollama])
	})
}

func TestSwitchToSession(t *testing.T) {
	t.Parallel()

	t.Run("switching providers announces on the bus", func(t *testing.T) {
		t.Parallel()
		daemon := fakeDaemon(t, "hi", "llama3.3")
		hosted := fakeHostedAPI(t)
		m, bus := newTestManager(t, 10)

		_, err := m.CreateAgent(context.Background(), Config{Name: "local", Provider: daemonConfig(daemon.URL)})
		require.NoError(t, err)
		_, err = m.CreateAgent(context.Background(), Config{Name: "remote", Provider: hostedConfig(hosted.URL)})
		require.NoError(t, err)

		first, err := m.StartSession(context.Background(), "local")
		require.NoError(t, err)
		second, err := m.StartSession(context.Background(), "remote")
		require.NoError(t, err)

		// The first session became active on start.
		active, ok := m.ActiveSession()
		require.True(t, ok)
		assert.Equal(t, first.ID(), active.ID())

		require.NoError(t, m.SwitchToSession(second.ID()))
		active, ok = m.ActiveSession()
		require.True(t, ok)
		assert.Equal(t, second.ID(), active.ID())

		var sawSwitch bool
		for _, ev := range bus.History() {
			if ev.Type == events.TypeProviderSwitched {
				sawSwitch = true
				assert.Equal(t, provider.Ollama, ev.Switch.From)
				assert.Equal(t, provider.OpenAI, ev.Switch.To)
			}
		}
		assert.True(t, sawSwitch)
	})

	t.Run("unknown session", func(t *testing.T) {
		t.Parallel()
		m, _ := newTestManager(t, 10)
		assert.ErrorIs(t, m.SwitchToSession("nope"), llm.ErrSessionNotFound)
	})
}

func TestEndSession(t *testing.T) {
	t.Parallel()

	t.Run("promotes a survivor of the same agent", func(t *testing.T) {
		t.Parallel()
		srv := fakeDaemon(t, "hi", "llama3.3")
		m, _ := newTestManager(t, 10)
		_, err := m.CreateAgent(context.Background(), Config{Name: "multi", Provider: daemonConfig(srv.URL)})
		require.NoError(t, err)

		first, err := m.StartSession(context.Background(), "multi")
		require.NoError(t, err)
		second, err := m.StartSession(context.Background(), "multi")
		require.NoError(t, err)

		require.NoError(t, m.EndSession(first.ID()))

		active, ok := m.ActiveSession()
		require.True(t, ok)
		assert.Equal(t, second.ID(), active.ID())

		// The ended session is gone and closed.
		_, err = m.GetSession(first.ID())
		assert.ErrorIs(t, err, llm.ErrSessionNotFound)
		assert.Empty(t, first.History())
	})

	t.Run("last session leaves no active pointer", func(t *testing.T) {
		t.Parallel()
		srv := fakeDaemon(t, "hi", "llama3.3")
		m, _ := newTestManager(t, 10)
		_, err := m.CreateAgent(context.Background(), Config{Name: "solo", Provider: daemonConfig(srv.URL)})
		require.NoError(t, err)

		sess, err := m.StartSession(context.Background(), "solo")
		require.NoError(t, err)
		require.NoError(t, m.EndSession(sess.ID()))

		_, ok := m.ActiveSession()
		assert.False(t, ok)
	})
}

func TestRemoveAgent(t *testing.T) {
	t.Parallel()

	t.Run("ends sessions and clears the active pointer", func(t *testing.T) {
		t.Parallel()
		srv := fakeDaemon(t, "hi", "llama3.3")
		m, _ := newTestManager(t, 10)
		_, err := m.CreateAgent(context.Background(), Config{Name: "doomed", Provider: daemonConfig(srv.URL)})
		require.NoError(t, err)

		sess, err := m.StartSession(context.Background(), "doomed")
		require.NoError(t, err)
		active, ok := m.ActiveSession()
		require.True(t, ok)
		require.Equal(t, sess.ID(), active.ID())

		require.NoError(t, m.RemoveAgent("doomed"))

		_, ok = m.ActiveSession()
		assert.False(t, ok)
		_, err = m.GetSession(sess.ID())
		assert.ErrorIs(t, err, llm.ErrSessionNotFound)
		_, err = m.ListSessions("doomed")
		assert.ErrorIs(t, err, llm.ErrAgentNotFound)
		assert.Empty(t, m.ListAgents())
	})

	t.Run("unknown agent", func(t *testing.T) {
		t.Parallel()
		m, _ := newTestManager(t, 10)
		assert.ErrorIs(t, m.RemoveAgent("ghost"), llm.ErrAgentNotFound)
	})
}

func TestCreateQuickSession(t *testing.T) {
	t.Parallel()

	t.Run("starts a throwaway session", func(t *testing.T) {
		t.Parallel()
		srv := fakeDaemon(t, "hi", "llama3.3")
		m, _ := newTestManager(t, 10)

		sess, err := m.CreateQuickSession(context.Background(), daemonConfig(srv.URL))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(sess.ID(), "quick-"), "id %q", sess.ID())

		infos := m.ListAgents()
		require.Len(t, infos, 1)
		assert.True(t, strings.HasPrefix(infos[0].ID, "quick-"))
		assert.Equal(t, 1, infos[0].Sessions)
	})

	t.Run("defaults model and auth method", func(t *testing.T) {
		t.Parallel()
		srv := fakeDaemon(t, "hi", provider.DefaultModel(provider.Ollama))
		m, _ := newTestManager(t, 10)

		cfg := daemonConfig(srv.URL)
		cfg.Model = ""

		sess, err := m.CreateQuickSession(context.Background(), cfg)
		require.NoError(t, err)
		assert.Equal(t, provider.DefaultModel(provider.Ollama), sess.Model())
	})
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	srv := fakeDaemon(t, "hi", "llama3.3")
	m, _ := newTestManager(t, 10)
	_, err := m.CreateAgent(context.Background(), Config{Name: "worker", Provider: daemonConfig(srv.URL), AutoStart: true})
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Zero(t, m.Stats().Sessions)
	_, ok := m.ActiveSession()
	assert.False(t, ok)
}
