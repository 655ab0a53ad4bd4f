package llm

import (
	"slices"
	"unicode/utf8"
)

// DefaultCharsPerToken is the character-per-token ratio used for local token
// estimation when a provider does not tune its own. Estimates feed pre-flight
// validation and cost display only, never exact accounting.
const DefaultCharsPerToken = 4.0

// Capabilities declares what a provider can do. Read-only after adapter
// construction; used to validate requests and filter tools before anything
// reaches the wire.
type Capabilities struct {
	Streaming     bool
	Tools         bool
	Images        bool
	SystemPrompts bool

	// MaxContextTokens is the provider's context window. Zero disables the
	// pre-flight length check.
	MaxContextTokens int

	// Models lists model names this adapter will accept. Empty means the
	// adapter cannot enumerate models and accepts any name.
	Models []string

	// CharsPerToken tunes local token estimation for this provider's
	// tokenizer. Zero falls back to DefaultCharsPerToken.
	CharsPerToken float64
}

// SupportsModel reports whether model is in the declared model list. An
// empty list accepts everything.
func (c Capabilities) SupportsModel(model string) bool {
	if len(c.Models) == 0 {
		return true
	}
	return slices.Contains(c.Models, model)
}

// EstimateTokens estimates the token count of turns using the capability's
// chars-per-token ratio. Binary parts count by encoded size, which
// overestimates; that is the safe direction for a budget check.
func (c Capabilities) EstimateTokens(turns []Turn) int {
	ratio := c.CharsPerToken
	if ratio <= 0 {
		ratio = DefaultCharsPerToken
	}

	chars := 0
	for _, t := range turns {
		for _, p := range t.Parts {
			chars += utf8.RuneCountInString(p.Text)
			chars += len(p.Data)
		}
	}
	return int(float64(chars) / ratio)
}

// ValidateRequest is the single pre-flight check every adapter runs before
// touching the network. It rejects requests the provider cannot serve so
// failures surface synchronously with a typed error instead of a wire error.
func ValidateRequest(provider string, req *Request, caps Capabilities) error {
	if req == nil || len(req.Turns) == 0 {
		return ErrInvalidRequest
	}

	if req.Stream && !caps.Streaming {
		return &UnsupportedFeatureError{Provider: provider, Feature: "streaming"}
	}
	if len(req.Tools) > 0 && !caps.Tools {
		return &UnsupportedFeatureError{Provider: provider, Feature: "tool calling"}
	}
	if !caps.SupportsModel(req.Model) {
		return &ModelNotFoundError{Provider: provider, Model: req.Model}
	}

	if !caps.Images {
		for _, t := range req.Turns {
			for _, p := range t.Parts {
				if p.IsData() {
					return &UnsupportedFeatureError{Provider: provider, Feature: "image input"}
				}
			}
		}
	}

	if caps.MaxContextTokens > 0 {
		if est := caps.EstimateTokens(req.Turns); est > caps.MaxContextTokens {
			return &ContextLengthExceededError{
				Provider:  provider,
				Estimated: est,
				Limit:     caps.MaxContextTokens,
			}
		}
	}

	return nil
}
