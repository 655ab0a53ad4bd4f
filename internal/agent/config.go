// Package agent implements the multi-agent manager: named agent
// registrations, their sessions, concurrency caps, and the active-session
// pointer the presentation layer follows.
package agent

import (
	"fmt"
	"strings"

	"github.com/kestrel0/kestrel/internal/llm"
	"github.com/kestrel0/kestrel/internal/provider"
)

// DefaultMaxSessions caps sessions per agent when a config does not say.
const DefaultMaxSessions = 5

// Config describes one agent: a display name, a provider binding, and the
// session defaults every session started for it inherits.
type Config struct {
	// Name is the human-facing label. The agent id derives from it.
	Name string

	Description string

	// Provider is the binding the agent's sessions run on.
	Provider provider.Config

	// SystemPrompt seeds every session's history.
	SystemPrompt string

	// Tools names registry entries to offer the agent's sessions, filtered
	// per provider compatibility at session start.
	Tools []string

	// MaxSessions caps concurrent sessions for this agent. Zero means
	// DefaultMaxSessions.
	MaxSessions int

	// AutoStart opens a first session immediately after registration.
	AutoStart bool
}

// Validate checks the config shape without network traffic. Provider-level
// validation (credentials, knobs) happens in provider.Config.Validate.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: agent requires a name", llm.ErrInvalidRequest)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("%w: maxSessions must not be negative", llm.ErrInvalidRequest)
	}
	return c.Provider.Validate()
}

// ID derives the agent identifier from the name: lowercased, with runs of
// non-alphanumerics collapsed to single dashes. "Code Reviewer" becomes
// "code-reviewer".
func (c Config) ID() string {
	return deriveID(c.Name)
}

func deriveID(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func (c Config) maxSessions() int {
	if c.MaxSessions == 0 {
		return DefaultMaxSessions
	}
	return c.MaxSessions
}
