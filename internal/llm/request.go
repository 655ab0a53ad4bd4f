package llm

// FinishReason explains why a generation ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishMaxTokens FinishReason = "max_tokens"
	FinishToolCalls FinishReason = "tool_calls"
	FinishCancelled FinishReason = "cancelled"
	FinishError     FinishReason = "error"
	FinishUnknown   FinishReason = "unknown"
)

// Usage carries token accounting reported by a provider. Counts are exact
// (from the provider), unlike the local estimates used for pre-flight checks.
type Usage struct {
	PromptTokens    int
	CandidateTokens int
	TotalTokens     int
}

// Add accumulates another usage report, used when aggregating stream deltas.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CandidateTokens += other.CandidateTokens
	u.TotalTokens += other.TotalTokens
}

// Request is the provider-agnostic generation request. Adapters translate it
// to their wire format; nothing in it is provider-specific.
type Request struct {
	Model string
	Turns []Turn
	Tools []ToolDeclaration

	// SystemPrompt names the system instruction seeded at the head of Turns,
	// when the session was configured with one. Adapters whose wire protocol
	// has a dedicated system field relocate the matching leading turn there;
	// others send the turns as-is.
	SystemPrompt string

	// Generation knobs. Nil pointers mean "provider default".
	Temperature *float32
	TopP        *float32
	MaxTokens   int32

	Stream bool
}

// Response is the provider-agnostic generation result. Turns are appended
// verbatim to session history, so adapters must preserve role and part
// ordering when translating back from the wire.
type Response struct {
	ID       string
	Provider string
	Model    string
	Turns    []Turn

	// ToolCalls lists tool invocations the model requested, for providers
	// that support tool calling.
	ToolCalls []ToolCall

	Usage        *Usage
	FinishReason FinishReason
}

// SplitSystemPrompt separates the seeded system-instruction turn from the
// rest of the conversation. When the request names a system prompt and the
// leading turn is the user turn carrying it, the remainder is returned
// without that turn; otherwise the turns come back unchanged. Adapters for
// wire protocols with a dedicated system field call this before translating.
func (r *Request) SplitSystemPrompt() (system string, rest []Turn) {
	if r.SystemPrompt == "" || len(r.Turns) == 0 {
		return "", r.Turns
	}
	first := r.Turns[0]
	if first.Role == RoleUser && first.Text() == r.SystemPrompt {
		return r.SystemPrompt, r.Turns[1:]
	}
	return "", r.Turns
}

// Text concatenates the text of every response turn.
func (r *Response) Text() string {
	var out string
	for _, t := range r.Turns {
		out += t.Text()
	}
	return out
}

// StreamDelta is one increment of a streaming generation. Content deltas set
// Turn; the final delta sets Done (and Usage when the provider reported it).
// Tool calls requested mid-stream arrive assembled on the final delta.
// A mid-stream failure is delivered as a delta with Err set, followed by
// channel close.
type StreamDelta struct {
	Turn         *Turn
	ToolCalls    []ToolCall
	Usage        *Usage
	FinishReason FinishReason
	Err          error
	Done         bool
}
