// Package config loads the runtime configuration with multi-source priority.
//
// Sources (highest to lowest):
//  1. Environment variables (GEMINI_API_KEY, OPENAI_API_KEY, OPENAI_BASE_URL,
//     OLLAMA_HOST, plus KESTREL_* overrides)
//  2. Config file (~/.kestrel/config.yaml, or ./config.yaml)
//  3. Defaults
//
// Security: API keys are never logged; MarshalJSON and String mask them.
// When adding a sensitive field, update MarshalJSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/kestrel0/kestrel/internal/agent"
	"github.com/kestrel0/kestrel/internal/provider"
)

var (
	// ErrInvalidProvider indicates an unknown or disabled provider reference.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrMissingAPIKey indicates a hosted provider is enabled without a key.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidTemperature indicates a temperature outside [0, 2].
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidTopP indicates a top_p outside [0, 1].
	ErrInvalidTopP = errors.New("invalid top_p")

	// ErrInvalidSessionLimit indicates a non-positive session limit.
	ErrInvalidSessionLimit = errors.New("invalid session limit")

	// ErrInvalidAgent indicates a malformed agent entry.
	ErrInvalidAgent = errors.New("invalid agent entry")
)

// ProviderSettings configures one provider section.
type ProviderSettings struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Model   string `mapstructure:"model" json:"model"`

	// APIKey is SENSITIVE: masked in MarshalJSON.
	APIKey string `mapstructure:"api_key" json:"api_key"`

	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	Proxy    string `mapstructure:"proxy" json:"proxy"`

	Temperature *float32 `mapstructure:"temperature" json:"temperature"`
	TopP        *float32 `mapstructure:"top_p" json:"top_p"`
	MaxTokens   int32    `mapstructure:"max_tokens" json:"max_tokens"`
}

// AgentEntry declares one agent to register at startup.
type AgentEntry struct {
	Name         string   `mapstructure:"name" json:"name"`
	Description  string   `mapstructure:"description" json:"description"`
	Provider     string   `mapstructure:"provider" json:"provider"`
	Model        string   `mapstructure:"model" json:"model"`
	SystemPrompt string   `mapstructure:"system_prompt" json:"system_prompt"`
	Tools        []string `mapstructure:"tools" json:"tools"`
	MaxSessions  int      `mapstructure:"max_sessions" json:"max_sessions"`
	AutoStart    bool     `mapstructure:"auto_start" json:"auto_start"`
}

// Toggles are the global behavior switches. The runtime carries them for the
// layers that act on them; the loader only parses and reports.
type Toggles struct {
	AutoSwitch  bool `mapstructure:"auto_switch" json:"auto_switch"`
	LoadBalance bool `mapstructure:"load_balance" json:"load_balance"`
	Fallback    bool `mapstructure:"fallback" json:"fallback"`
	Telemetry   bool `mapstructure:"telemetry" json:"telemetry"`
}

// Config is the full runtime configuration.
type Config struct {
	DefaultProvider       string `mapstructure:"default_provider" json:"default_provider"`
	MaxConcurrentSessions int    `mapstructure:"max_concurrent_sessions" json:"max_concurrent_sessions"`

	Gemini ProviderSettings `mapstructure:"gemini" json:"gemini"`
	OpenAI ProviderSettings `mapstructure:"openai" json:"openai"`
	Ollama ProviderSettings `mapstructure:"ollama" json:"ollama"`

	Agents []AgentEntry `mapstructure:"agents" json:"agents"`

	// ActiveAgents lists agent ids that get a session started at startup.
	// Every id must resolve to an entry in Agents.
	ActiveAgents []string `mapstructure:"active_agents" json:"active_agents"`

	Toggles Toggles `mapstructure:"toggles" json:"toggles"`

	// Logging configuration.
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Load reads the configuration with the documented source priority and
// validates it.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".kestrel")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No file is fine, defaults plus environment carry a first run.
	}

	return parse(v)
}

// parse unmarshals and validates a prepared viper instance.
func parse(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_provider", provider.Gemini)
	v.SetDefault("max_concurrent_sessions", 10)

	v.SetDefault("gemini.enabled", true)
	v.SetDefault("gemini.model", provider.DefaultModel(provider.Gemini))

	v.SetDefault("openai.enabled", false)
	v.SetDefault("openai.model", provider.DefaultModel(provider.OpenAI))

	v.SetDefault("ollama.enabled", false)
	v.SetDefault("ollama.model", provider.DefaultModel(provider.Ollama))
	v.SetDefault("ollama.endpoint", "http://localhost:11434")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// bindEnvVariables binds the conventional provider environment variables plus
// KESTREL_* overrides for non-secret knobs.
func bindEnvVariables(v *viper.Viper) {
	mustBind := func(key string, envVars ...string) {
		if err := v.BindEnv(append([]string{key}, envVars...)...); err != nil {
			panic(fmt.Sprintf("BUG: binding %q: %v", key, err))
		}
	}

	mustBind("gemini.api_key", "GEMINI_API_KEY")
	mustBind("openai.api_key", "OPENAI_API_KEY")
	mustBind("openai.endpoint", "OPENAI_BASE_URL")
	mustBind("ollama.endpoint", "OLLAMA_HOST")

	mustBind("default_provider", "KESTREL_PROVIDER")
	mustBind("max_concurrent_sessions", "KESTREL_MAX_SESSIONS")
	mustBind("log_level", "KESTREL_LOG_LEVEL")
}

// Validate fails fast on a configuration the runtime could not serve.
func (c *Config) Validate() error {
	if !provider.IsKnown(c.DefaultProvider) {
		return fmt.Errorf("%w: default provider %q", ErrInvalidProvider, c.DefaultProvider)
	}
	if !c.section(c.DefaultProvider).Enabled {
		return fmt.Errorf("%w: default provider %q is disabled", ErrInvalidProvider, c.DefaultProvider)
	}
	if c.MaxConcurrentSessions < 1 {
		return fmt.Errorf("%w: max_concurrent_sessions must be at least 1", ErrInvalidSessionLimit)
	}

	for _, id := range provider.Known() {
		if err := c.validateSection(id); err != nil {
			return err
		}
	}

	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("%w: agent entry without a name", ErrInvalidAgent)
		}
		if !provider.IsKnown(a.Provider) {
			return fmt.Errorf("%w: agent %q references unknown provider %q", ErrInvalidAgent, a.Name, a.Provider)
		}
		if !c.section(a.Provider).Enabled {
			return fmt.Errorf("%w: agent %q references disabled provider %q", ErrInvalidAgent, a.Name, a.Provider)
		}
		if a.MaxSessions < 0 {
			return fmt.Errorf("%w: agent %q has negative max_sessions", ErrInvalidAgent, a.Name)
		}
	}

	for _, id := range c.ActiveAgents {
		if !c.hasAgent(id) {
			return fmt.Errorf("%w: active agent %q is not configured", ErrInvalidAgent, id)
		}
	}
	return nil
}

// hasAgent reports whether id names a configured agent entry.
func (c *Config) hasAgent(id string) bool {
	for _, a := range c.Agents {
		if (agent.Config{Name: a.Name}).ID() == id {
			return true
		}
	}
	return false
}

func (c *Config) validateSection(id string) error {
	s := c.section(id)
	if !s.Enabled {
		return nil
	}
	if s.Model == "" {
		return fmt.Errorf("%w: %s enabled without a model", ErrInvalidProvider, id)
	}
	if (id == provider.Gemini || id == provider.OpenAI) && s.APIKey == "" {
		return fmt.Errorf("%w: %s", ErrMissingAPIKey, id)
	}
	if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
		return fmt.Errorf("%w: %s temperature %v", ErrInvalidTemperature, id, *s.Temperature)
	}
	if s.TopP != nil && (*s.TopP < 0 || *s.TopP > 1) {
		return fmt.Errorf("%w: %s top_p %v", ErrInvalidTopP, id, *s.TopP)
	}
	return nil
}

func (c *Config) section(id string) *ProviderSettings {
	switch id {
	case provider.Gemini:
		return &c.Gemini
	case provider.OpenAI:
		return &c.OpenAI
	case provider.Ollama:
		return &c.Ollama
	}
	return &ProviderSettings{}
}

// ProviderConfig resolves the binding for a provider id, with an optional
// model override (empty keeps the section's model).
func (c *Config) ProviderConfig(id, modelOverride string) (provider.Config, error) {
	if !provider.IsKnown(id) {
		return provider.Config{}, fmt.Errorf("%w: %q", ErrInvalidProvider, id)
	}
	s := c.section(id)

	model := s.Model
	if modelOverride != "" {
		model = modelOverride
	}

	auth := provider.AuthNone
	if s.APIKey != "" {
		auth = provider.AuthAPIKey
	}

	return provider.Config{
		Provider:    id,
		Model:       model,
		AuthMethod:  auth,
		APIKey:      s.APIKey,
		Endpoint:    s.Endpoint,
		Proxy:       s.Proxy,
		Enabled:     s.Enabled,
		Temperature: s.Temperature,
		TopP:        s.TopP,
		MaxTokens:   s.MaxTokens,
	}, nil
}

// EnabledProviders returns the binding for every enabled provider section.
func (c *Config) EnabledProviders() []provider.Config {
	var out []provider.Config
	for _, id := range provider.Known() {
		if !c.section(id).Enabled {
			continue
		}
		cfg, err := c.ProviderConfig(id, "")
		if err != nil {
			continue
		}
		out = append(out, cfg)
	}
	return out
}

// AgentConfigs resolves the configured agent entries into manager configs.
func (c *Config) AgentConfigs() ([]agent.Config, error) {
	out := make([]agent.Config, 0, len(c.Agents))
	for _, a := range c.Agents {
		binding, err := c.ProviderConfig(a.Provider, a.Model)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", a.Name, err)
		}
		out = append(out, agent.Config{
			Name:         a.Name,
			Description:  a.Description,
			Provider:     binding,
			SystemPrompt: a.SystemPrompt,
			Tools:        a.Tools,
			MaxSessions:  a.MaxSessions,
			AutoStart:    a.AutoStart,
		})
	}
	return out, nil
}

// maskedValue replaces secrets in serialized output. Full-width blocks avoid
// accidental substring matches against the real secret.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets mask fully;
// longer ones keep the first and last two characters for debugging.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON masks every API key. Update when adding sensitive fields.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.Gemini.APIKey = maskSecret(a.Gemini.APIKey)
	a.OpenAI.APIKey = maskSecret(a.OpenAI.APIKey)
	a.Ollama.APIKey = maskSecret(a.Ollama.APIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer so accidental printing never leaks secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
