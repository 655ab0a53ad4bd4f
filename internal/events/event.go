// Package events converts provider-native streaming chunks into a
// provider-agnostic event sequence consumed by the presentation layer.
//
// The Bus is the only coupling point between the runtime and whatever renders
// a conversation: sessions and the agent manager emit, the UI subscribes.
// Handler failures are contained so one broken subscriber can never stall a
// stream.
package events

import (
	"time"

	"github.com/kestrel0/kestrel/internal/llm"
)

// Type discriminates event kinds.
type Type string

// Event kinds emitted by the runtime.
const (
	TypeToken             Type = "token"
	TypeContent           Type = "content"
	TypeThought           Type = "thought"
	TypeToolCall          Type = "tool-call"
	TypeToolResult        Type = "tool-result"
	TypeToolConfirmation  Type = "tool-confirmation"
	TypeStart             Type = "start"
	TypeEnd               Type = "end"
	TypePause             Type = "pause"
	TypeResume            Type = "resume"
	TypeError             Type = "error"
	TypeCancelled         Type = "cancelled"
	TypeTimeout           Type = "timeout"
	TypeContextCompressed Type = "context-compressed"
	TypeContextLimit      Type = "context-limit"
	TypeSessionLimit      Type = "session-limit"
	TypeLoopDetected      Type = "loop-detected"
	TypeProviderSwitched  Type = "provider-switched"
)

// ToolCallPayload describes a tool the model asked to run.
type ToolCallPayload struct {
	Name string
	Args map[string]any
}

// ToolResultPayload carries a tool's output back through the bus.
type ToolResultPayload struct {
	Name   string
	Output string
	IsErr  bool
}

// SwitchPayload describes an active-provider change.
type SwitchPayload struct {
	From string
	To   string
}

// Event is one entry in the provider-agnostic stream. Type is always set;
// exactly the payload fields relevant to the kind are populated, the rest
// stay zero.
type Event struct {
	Type      Type
	Provider  string
	SessionID string
	Timestamp time.Time

	// Text carries token/content/thought fragments and free-form detail for
	// lifecycle kinds (e.g. the reason on cancelled or loop-detected).
	Text string

	ToolCall   *ToolCallPayload
	ToolResult *ToolResultPayload
	Switch     *SwitchPayload

	// Usage is attached to end events when the provider reported token
	// accounting for the exchange.
	Usage *llm.Usage

	// Err is set on error and timeout events only. Cancellation is
	// TypeCancelled, not an error.
	Err error
}
