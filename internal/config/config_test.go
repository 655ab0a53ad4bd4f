package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel0/kestrel/internal/provider"
)

func validConfig() *Config {
	return &Config{
		DefaultProvider:       provider.Gemini,
		MaxConcurrentSessions: 10,
		Gemini: ProviderSettings{
			Enabled: true,
			Model:   "gemini-2.5-flash",
			APIKey:  "test-gemini-key",
		},
		Ollama: ProviderSettings{
			Enabled:  true,
			Model:    "llama3.3",
			Endpoint: "http://localhost:11434",
		},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	f32 := func(v float32) *float32 { return &v }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(c *Config) {}, nil},
		{"unknown default provider", func(c *Config) { c.DefaultProvider = "bedrock" }, ErrInvalidProvider},
		{"disabled default provider", func(c *Config) { c.Gemini.Enabled = false }, ErrInvalidProvider},
		{"zero session limit", func(c *Config) { c.MaxConcurrentSessions = 0 }, ErrInvalidSessionLimit},
		{"hosted provider without key", func(c *Config) { c.Gemini.APIKey = "" }, ErrMissingAPIKey},
		{"enabled provider without model", func(c *Config) { c.Ollama.Model = "" }, ErrInvalidProvider},
		{"temperature out of range", func(c *Config) { c.Gemini.Temperature = f32(2.5) }, ErrInvalidTemperature},
		{"top_p out of range", func(c *Config) { c.Gemini.TopP = f32(1.5) }, ErrInvalidTopP},
		{"disabled section not validated", func(c *Config) {
			c.OpenAI = ProviderSettings{Enabled: false, Temperature: f32(9)}
		}, nil},
		{"agent without name", func(c *Config) {
			c.Agents = []AgentEntry{{Provider: provider.Gemini}}
		}, ErrInvalidAgent},
		{"agent with unknown provider", func(c *Config) {
			c.Agents = []AgentEntry{{Name: "x", Provider: "bedrock"}}
		}, ErrInvalidAgent},
		{"agent with disabled provider", func(c *Config) {
			c.Agents = []AgentEntry{{Name: "x", Provider: provider.OpenAI}}
		}, ErrInvalidAgent},
		{"agent with negative cap", func(c *Config) {
			c.Agents = []AgentEntry{{Name: "x", Provider: provider.Gemini, MaxSessions: -1}}
		}, ErrInvalidAgent},
		{"active agent resolves to a configured entry", func(c *Config) {
			c.Agents = []AgentEntry{{Name: "Code Reviewer", Provider: provider.Gemini}}
			c.ActiveAgents = []string{"code-reviewer"}
		}, nil},
		{"active agent not configured", func(c *Config) {
			c.ActiveAgents = []string{"phantom"}
		}, ErrInvalidAgent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestProviderConfig(t *testing.T) {
	t.Parallel()

	t.Run("resolves a section into a binding", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig()
		binding, err := cfg.ProviderConfig(provider.Gemini, "")
		require.NoError(t, err)
		assert.Equal(t, provider.Gemini, binding.Provider)
		assert.Equal(t, "gemini-2.5-flash", binding.Model)
		assert.Equal(t, provider.AuthAPIKey, binding.AuthMethod)
		assert.True(t, binding.Enabled)
		require.NoError(t, binding.Validate())
	})

	t.Run("model override wins", func(t *testing.T) {
		t.Parallel()
		binding, err := validConfig().ProviderConfig(provider.Gemini, "gemini-2.5-pro")
		require.NoError(t, err)
		assert.Equal(t, "gemini-2.5-pro", binding.Model)
	})

	t.Run("keyless section uses auth none", func(t *testing.T) {
		t.Parallel()
		binding, err := validConfig().ProviderConfig(provider.Ollama, "")
		require.NoError(t, err)
		assert.Equal(t, provider.AuthNone, binding.AuthMethod)
	})

	t.Run("unknown provider", func(t *testing.T) {
		t.Parallel()
		_, err := validConfig().ProviderConfig("bedrock", "")
		assert.ErrorIs(t, err, ErrInvalidProvider)
	})
}

func TestEnabledProviders(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	bindings := cfg.EnabledProviders()
	require.Len(t, bindings, 2)
	assert.Equal(t, provider.Gemini, bindings[0].Provider)
	assert.Equal(t, provider.Ollama, bindings[1].Provider)
}

func TestAgentConfigs(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Agents = []AgentEntry{
		{
			Name:         "Code Reviewer",
			Provider:     provider.Ollama,
			Model:        "qwen2.5-coder",
			SystemPrompt: "review code",
			Tools:        []string{"search"},
			MaxSessions:  3,
			AutoStart:    true,
		},
	}

	agents, err := cfg.AgentConfigs()
	require.NoError(t, err)
	require.Len(t, agents, 1)

	a := agents[0]
	assert.Equal(t, "Code Reviewer", a.Name)
	assert.Equal(t, "code-reviewer", a.ID())
	assert.Equal(t, provider.Ollama, a.Provider.Provider)
	assert.Equal(t, "qwen2.5-coder", a.Provider.Model)
	assert.Equal(t, 3, a.MaxSessions)
	assert.True(t, a.AutoStart)
}

func TestParse(t *testing.T) {
	newViper := func() *viper.Viper {
		v := viper.New()
		setDefaults(v)
		return v
	}

	t.Run("defaults with a key are valid", func(t *testing.T) {
		t.Parallel()
		v := newViper()
		v.Set("gemini.api_key", "test-key")

		cfg, err := parse(v)
		require.NoError(t, err)
		assert.Equal(t, provider.Gemini, cfg.DefaultProvider)
		assert.Equal(t, 10, cfg.MaxConcurrentSessions)
		assert.True(t, cfg.Gemini.Enabled)
		assert.False(t, cfg.OpenAI.Enabled)
		assert.Equal(t, "http://localhost:11434", cfg.Ollama.Endpoint)
	})

	t.Run("toggles and active agents unmarshal", func(t *testing.T) {
		t.Parallel()
		v := newViper()
		v.Set("gemini.api_key", "test-key")
		v.Set("toggles.auto_switch", true)
		v.Set("toggles.telemetry", true)
		v.Set("agents", []map[string]any{{"name": "Helper", "provider": "gemini"}})
		v.Set("active_agents", []string{"helper"})

		cfg, err := parse(v)
		require.NoError(t, err)
		assert.True(t, cfg.Toggles.AutoSwitch)
		assert.True(t, cfg.Toggles.Telemetry)
		assert.False(t, cfg.Toggles.LoadBalance)
		assert.Equal(t, []string{"helper"}, cfg.ActiveAgents)
	})

	t.Run("defaults without a key fail validation", func(t *testing.T) {
		t.Parallel()
		_, err := parse(newViper())
		assert.ErrorIs(t, err, ErrMissingAPIKey)
	})

	t.Run("environment fallbacks bind", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "env-gemini-key")
		t.Setenv("OPENAI_API_KEY", "env-openai-key")
		t.Setenv("OPENAI_BASE_URL", "https://proxy.example/v1")
		t.Setenv("OLLAMA_HOST", "http://daemon:11434")

		v := newViper()
		bindEnvVariables(v)

		cfg, err := parse(v)
		require.NoError(t, err)
		assert.Equal(t, "env-gemini-key", cfg.Gemini.APIKey)
		assert.Equal(t, "env-openai-key", cfg.OpenAI.APIKey)
		assert.Equal(t, "https://proxy.example/v1", cfg.OpenAI.Endpoint)
		assert.Equal(t, "http://daemon:11434", cfg.Ollama.Endpoint)
	})
}

func TestSecretMasking(t *testing.T) {
	t.Parallel()

	t.Run("maskSecret", func(t *testing.T) {
		t.Parallel()
		assert.Empty(t, maskSecret(""))
		assert.Equal(t, maskedValue, maskSecret("short"))
		masked := maskSecret("sk-verylongsecretkey42")
		assert.NotContains(t, masked, "verylongsecret")
		assert.True(t, strings.HasPrefix(masked, "sk"))
		assert.True(t, strings.HasSuffix(masked, "42"))
	})

	t.Run("String never leaks keys", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig()
		cfg.Gemini.APIKey = "sk-super-secret-value"
		out := cfg.String()
		assert.NotContains(t, out, "sk-super-secret-value")
		assert.Contains(t, out, maskedValue)
	})
}
