// Package testutil provides deterministic test doubles: a scripted provider
// client for session and agent tests, fake provider HTTP servers for adapter
// tests, and an SSE stream parser for asserting on raw wire output.
package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/kestrel0/kestrel/internal/llm"
)

// MockClient is a scripted provider.Client. It matches the last user turn
// against registered patterns and returns the corresponding response, so
// tests stay deterministic without a network.
//
// Safe for concurrent use.
type MockClient struct {
	// ProviderID is reported by Provider(). Defaults to "mock".
	ProviderID string

	// Caps is reported by Capabilities(). The zero value permits everything
	// a text-only test needs.
	Caps llm.Capabilities

	// Err, when set, is returned by every generation method.
	Err error

	// ConnectionErr, when set, is returned by TestConnection.
	ConnectionErr error

	// Models backs HasModel and AvailableModels. Empty means every model
	// exists.
	Models []string

	// StreamChunks overrides how stream responses are fragmented. Zero means
	// one chunk per response.
	StreamChunks int

	mu       sync.Mutex
	rules    []mockRule
	fallback string
	calls    []MockCall
	closed   bool
}

type mockRule struct {
	pattern  string
	response string
	tools    []llm.ToolCall
	usage    *llm.Usage
}

// MockCall records one generation request.
type MockCall struct {
	UserText string
	Turns    int
	Stream   bool
}

// NewMockClient creates a mock with the given fallback response, returned
// when no registered pattern matches.
func NewMockClient(fallback string) *MockClient {
	return &MockClient{
		ProviderID: "mock",
		Caps: llm.Capabilities{
			Streaming:     true,
			Tools:         true,
			Images:        true,
			SystemPrompts: true,
			CharsPerToken: llm.DefaultCharsPerToken,
		},
		fallback: fallback,
	}
}

// AddResponse registers a pattern-response pair. When the last user turn
// contains pattern (case-insensitive), response is returned. First match
// wins, in registration order.
func (m *MockClient) AddResponse(pattern, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{pattern: strings.ToLower(pattern), response: response})
}

// AddToolResponse registers a pattern that triggers tool calls alongside the
// text response.
func (m *MockClient) AddToolResponse(pattern, response string, tools []llm.ToolCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{pattern: strings.ToLower(pattern), response: response, tools: tools})
}

// AddUsageResponse registers a pattern whose response reports usage.
func (m *MockClient) AddUsageResponse(pattern, response string, usage llm.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{pattern: strings.ToLower(pattern), response: response, usage: &usage})
}

// Calls returns a copy of all recorded generation calls.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// Closed reports whether Close was called.
func (m *MockClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockClient) match(req *llm.Request, stream bool) mockRule {
	var userText string
	for i := len(req.Turns) - 1; i >= 0; i-- {
		if req.Turns[i].Role == llm.RoleUser {
			userText = req.Turns[i].Text()
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockCall{UserText: userText, Turns: len(req.Turns), Stream: stream})

	lower := strings.ToLower(userText)
	for _, r := range m.rules {
		if strings.Contains(lower, r.pattern) {
			return r
		}
	}
	return mockRule{response: m.fallback}
}

// Provider implements provider.Client.
func (m *MockClient) Provider() string { return m.ProviderID }

// Capabilities implements provider.Client.
func (m *MockClient) Capabilities() llm.Capabilities { return m.Caps }

// GenerateContent implements provider.Client.
func (m *MockClient) GenerateContent(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rule := m.match(req, false)
	resp := &llm.Response{
		Provider:     m.ProviderID,
		Model:        req.Model,
		Turns:        []llm.Turn{llm.ModelTurn(rule.response)},
		ToolCalls:    rule.tools,
		Usage:        rule.usage,
		FinishReason: llm.FinishStop,
	}
	if len(rule.tools) > 0 {
		resp.FinishReason = llm.FinishToolCalls
	}
	return resp, nil
}

// GenerateContentStream implements provider.Client. The response text is cut
// into StreamChunks fragments followed by a done delta; registered tool calls
// arrive assembled on the done delta, like a real streaming adapter.
func (m *MockClient) GenerateContentStream(ctx context.Context, req *llm.Request) (<-chan llm.StreamDelta, error) {
	if m.Err != nil {
		return nil, m.Err
	}

	rule := m.match(req, true)
	out := make(chan llm.StreamDelta)

	go func() {
		defer close(out)

		chunks := m.StreamChunks
		if chunks <= 0 {
			chunks = 1
		}
		for _, fragment := range splitN(rule.response, chunks) {
			turn := llm.ModelTurn(fragment)
			select {
			case out <- llm.StreamDelta{Turn: &turn}:
			case <-ctx.Done():
				out <- llm.StreamDelta{Done: true, FinishReason: llm.FinishCancelled}
				return
			}
		}
		final := llm.StreamDelta{Done: true, Usage: rule.usage, FinishReason: llm.FinishStop, ToolCalls: rule.tools}
		if len(rule.tools) > 0 {
			final.FinishReason = llm.FinishToolCalls
		}
		out <- final
	}()

	return out, nil
}

// CountTokens implements provider.Client with the local estimate.
func (m *MockClient) CountTokens(_ context.Context, turns []llm.Turn) (int, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Caps.EstimateTokens(turns), nil
}

// GenerateEmbedding implements provider.Client with a fixed-size vector.
func (m *MockClient) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	vec := make([]float32, 8)
	for i, r := range text {
		vec[i%8] += float32(r) / 1000
	}
	return vec, nil
}

// AvailableModels implements provider.Client.
func (m *MockClient) AvailableModels(context.Context) ([]string, error) {
	if m.ConnectionErr != nil {
		return nil, m.ConnectionErr
	}
	return append([]string(nil), m.Models...), nil
}

// HasModel mirrors the local daemon adapter's model probe.
func (m *MockClient) HasModel(_ context.Context, model string) (bool, error) {
	if m.ConnectionErr != nil {
		return false, m.ConnectionErr
	}
	if len(m.Models) == 0 {
		return true, nil
	}
	for _, have := range m.Models {
		if have == model {
			return true, nil
		}
	}
	return false, nil
}

// ValidateConfig implements provider.Client.
func (m *MockClient) ValidateConfig() error { return nil }

// TestConnection implements provider.Client.
func (m *MockClient) TestConnection(context.Context) error { return m.ConnectionErr }

// Close implements provider.Client.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// splitN cuts s into n roughly equal fragments, fewer when s is short.
func splitN(s string, n int) []string {
	if n <= 1 || len(s) <= n {
		return []string{s}
	}
	size := (len(s) + n - 1) / n
	var out []string
	for len(s) > 0 {
		end := size
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[:end])
		s = s[end:]
	}
	return out
}
