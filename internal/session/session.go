// Package session implements the stateful chat session: conversation history,
// per-session statistics, trimming, and the send/stream operations that drive
// a provider adapter. A Session owns its history; the adapter behind it is
// shared and owned by the provider factory.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel0/kestrel/internal/events"
	"github.com/kestrel0/kestrel/internal/llm"
	"github.com/kestrel0/kestrel/internal/log"
	"github.com/kestrel0/kestrel/internal/provider"
)

// DefaultTimeout bounds a single provider call when the caller's context has
// no deadline of its own.
const DefaultTimeout = 2 * time.Minute

// Config describes a new session. Client is required; everything else has a
// usable zero value.
type Config struct {
	Client provider.Client

	// Model overrides the adapter's configured model for this session's
	// requests. Empty means the provider default.
	Model string

	// SystemPrompt, when set, is seeded as the leading user turn of the
	// history. Adapters with a dedicated system field relocate it on the wire;
	// the history keeps it so the conversation record is self-contained.
	SystemPrompt string

	Tools []llm.ToolDeclaration

	// IDPrefix prepends an owner tag (the agent id) to the session id.
	IDPrefix string

	// Generation knobs forwarded on every request. Nil means provider default.
	Temperature *float32
	TopP        *float32
	MaxTokens   int32

	Bus    *events.Bus
	Logger log.Logger

	// Timeout replaces DefaultTimeout when positive.
	Timeout time.Duration
}

// Stats is a point-in-time snapshot of session accounting.
type Stats struct {
	MessageCount    int
	PromptTokens    int
	ResponseTokens  int
	TotalTokens     int
	ToolCallCount   int
	ErrorCount      int
	AvgResponseTime time.Duration
	CreatedAt       time.Time
}

// Session is a stateful conversation bound to one provider adapter and one
// model. All methods are safe for concurrent use, but callers should not
// interleave Send calls on one session: history order follows call order.
type Session struct {
	id           string
	provider     string
	model        string
	systemPrompt string
	timeout      time.Duration

	client provider.Client
	bus    *events.Bus
	logger log.Logger

	mu      sync.Mutex
	history []llm.Turn
	tools   []llm.ToolDeclaration
	temp    *float32
	topP    *float32
	maxTok  int32
	closed  bool

	stats     Stats
	latencies time.Duration
	exchanges int
}

// New creates a session. The id encodes provider, model, creation time, and
// a random suffix, so ids sort chronologically and never collide.
func New(cfg Config) (*Session, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("%w: session requires a provider client", llm.ErrInvalidRequest)
	}

	model := cfg.Model
	if model == "" {
		model = provider.DefaultModel(cfg.Client.Provider())
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	s := &Session{
		id:           newID(cfg.IDPrefix, cfg.Client.Provider(), model),
		provider:     cfg.Client.Provider(),
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		timeout:      timeout,
		client:       cfg.Client,
		bus:          cfg.Bus,
		tools:        append([]llm.ToolDeclaration(nil), cfg.Tools...),
		temp:         cfg.Temperature,
		topP:         cfg.TopP,
		maxTok:       cfg.MaxTokens,
		stats:        Stats{CreatedAt: time.Now()},
	}
	s.logger = logger.With("session_id", s.id, "provider", s.provider)

	if cfg.SystemPrompt != "" {
		s.history = append(s.history, llm.UserTurn(cfg.SystemPrompt))
	}

	return s, nil
}

func newID(prefix, providerID, model string) string {
	raw := uuid.New()
	suffix := hex.EncodeToString(raw[:4])
	id := fmt.Sprintf("%s-%s-%d-%s",
		providerID,
		strings.ReplaceAll(model, "/", "_"),
		time.Now().UnixMilli(),
		suffix,
	)
	if prefix != "" {
		id = prefix + "-" + id
	}
	return id
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Provider returns the provider id this session is bound to.
func (s *Session) Provider() string { return s.provider }

// Model returns the model this session sends requests to.
func (s *Session) Model() string { return s.model }

// Capabilities reports what the session's provider adapter can do, so callers
// can check for streaming or tool support before picking an operation.
func (s *Session) Capabilities() llm.Capabilities { return s.client.Capabilities() }

// callCtx bounds ctx with the session timeout when the caller set no deadline
// of its own. Either deadline firing cancels the call.
func (s *Session) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// buildRequest snapshots history plus knobs into a request. Caller holds s.mu.
func (s *Session) buildRequest(stream bool) *llm.Request {
	return &llm.Request{
		Model:        s.model,
		Turns:        llm.CopyTurns(s.history),
		Tools:        append([]llm.ToolDeclaration(nil), s.tools...),
		SystemPrompt: s.systemPrompt,
		Temperature:  s.temp,
		TopP:         s.topP,
		MaxTokens:    s.maxTok,
		Stream:       stream,
	}
}

// Send appends a user turn for input and performs one blocking generation.
// The user turn is committed before the provider is called, so a failed
// exchange still shows up in the history.
func (s *Session) Send(ctx context.Context, input string) (*llm.Response, error) {
	return s.SendParts(ctx, llm.TextPart(input))
}

// SendParts is Send for multimodal input.
func (s *Session) SendParts(ctx context.Context, parts ...llm.Part) (*llm.Response, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.wrapError(ErrClosed)
	}
	s.history = append(s.history, llm.UserParts(parts...))
	s.stats.MessageCount++
	req := s.buildRequest(false)
	s.mu.Unlock()

	s.emit(events.Event{Type: events.TypeStart})

	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	start := time.Now()
	resp, err := s.client.GenerateContent(ctx, req)
	if err != nil {
		s.recordError()
		serr := s.wrapError(err)
		s.emitFailure(serr)
		return nil, serr
	}

	s.commitResponse(resp, time.Since(start))
	s.emit(events.Event{Type: events.TypeContent, Text: resp.Text()})
	s.emitToolCalls(resp.ToolCalls)
	s.emit(events.Event{Type: events.TypeEnd, Usage: resp.Usage})
	return resp, nil
}

// SendStream appends a user turn for input and starts a streaming generation.
// The returned channel mirrors the adapter's delta stream; once it closes,
// the accumulated model turn has been committed to history and stats updated.
// Cancellation ends the stream with a cancelled delta, not an error, and the
// user's turn stays committed either way.
//
// Callers should drain the channel. One that cancels and walks away does not
// wedge the session: once the call context ends and the receiver has been
// absent for a grace period, remaining deltas are dropped and the exchange is
// still committed.
func (s *Session) SendStream(ctx context.Context, input string) (<-chan llm.StreamDelta, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.wrapError(ErrClosed)
	}
	s.history = append(s.history, llm.UserTurn(input))
	s.stats.MessageCount++
	req := s.buildRequest(true)
	s.mu.Unlock()

	ctx, cancel := s.callCtx(ctx)

	upstream, err := s.client.GenerateContentStream(ctx, req)
	if err != nil {
		cancel()
		s.recordError()
		serr := s.wrapError(err)
		s.emitFailure(serr)
		return nil, serr
	}

	s.emit(events.Event{Type: events.TypeStart})

	out := make(chan llm.StreamDelta)
	go s.pumpStream(ctx, cancel, upstream, out, time.Now())
	return out, nil
}

// drainGrace is how long a delta waits for an absent receiver after the call
// context ended before the pump stops forwarding and finishes on its own.
const drainGrace = time.Second

// pumpStream forwards deltas while accumulating the model turn, then commits
// it once the upstream closes. A receiver that disappears after cancellation
// stops forwarding but never stops the commit.
func (s *Session) pumpStream(ctx context.Context, cancel context.CancelFunc, upstream <-chan llm.StreamDelta, out chan<- llm.StreamDelta, start time.Time) {
	defer cancel()
	defer close(out)

	var (
		text      strings.Builder
		toolCalls []llm.ToolCall
		usage     *llm.Usage
		finish    llm.FinishReason
		streamErr error
	)
	forward := true

	for delta := range upstream {
		if delta.Err != nil {
			streamErr = delta.Err
			delta.Err = s.wrapError(delta.Err)
		}
		if delta.Turn != nil {
			fragment := delta.Turn.Text()
			text.WriteString(fragment)
			if fragment != "" {
				s.emit(events.Event{Type: events.TypeToken, Text: fragment})
			}
		}
		toolCalls = append(toolCalls, delta.ToolCalls...)
		if delta.Usage != nil {
			usage = delta.Usage
		}
		if delta.FinishReason != "" {
			finish = delta.FinishReason
		}
		if forward {
			forward = s.forwardDelta(ctx, out, delta)
		}
	}

	elapsed := time.Since(start)

	s.mu.Lock()
	if text.Len() > 0 {
		s.history = append(s.history, llm.ModelTurn(text.String()))
		s.stats.MessageCount++
	}
	s.stats.ToolCallCount += len(toolCalls)
	if usage != nil {
		s.stats.PromptTokens += usage.PromptTokens
		s.stats.ResponseTokens += usage.CandidateTokens
		s.stats.TotalTokens += usage.TotalTokens
	}
	if streamErr != nil {
		s.stats.ErrorCount++
	} else {
		s.latencies += elapsed
		s.exchanges++
	}
	s.mu.Unlock()

	s.emitToolCalls(toolCalls)

	switch {
	case streamErr != nil:
		s.emitFailure(s.wrapError(streamErr))
	case finish == llm.FinishCancelled:
		s.emit(events.Event{Type: events.TypeCancelled, Text: "stream cancelled"})
	default:
		s.emit(events.Event{Type: events.TypeEnd, Usage: usage})
	}
}

// forwardDelta hands delta to the consumer. It blocks until taken while the
// call context lives; after cancellation the consumer gets drainGrace to keep
// draining, then forwarding stops for the rest of the stream.
func (s *Session) forwardDelta(ctx context.Context, out chan<- llm.StreamDelta, delta llm.StreamDelta) bool {
	select {
	case out <- delta:
		return true
	case <-ctx.Done():
	}

	select {
	case out <- delta:
		return true
	case <-time.After(drainGrace):
		s.logger.Debug("stream receiver gone, dropping remaining deltas")
		return false
	}
}

// commitResponse appends the model's turns and folds usage into stats.
func (s *Session) commitResponse(resp *llm.Response, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, llm.CopyTurns(resp.Turns)...)
	s.stats.MessageCount += len(resp.Turns)
	s.stats.ToolCallCount += len(resp.ToolCalls)
	if resp.Usage != nil {
		s.stats.PromptTokens += resp.Usage.PromptTokens
		s.stats.ResponseTokens += resp.Usage.CandidateTokens
		s.stats.TotalTokens += resp.Usage.TotalTokens
	}
	s.latencies += elapsed
	s.exchanges++
}

func (s *Session) recordError() {
	s.mu.Lock()
	s.stats.ErrorCount++
	s.mu.Unlock()
}

// GenerateEmbedding embeds text with the session's provider.
func (s *Session) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if s.isClosed() {
		return nil, s.wrapError(ErrClosed)
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	vec, err := s.client.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return vec, nil
}

// CountTokens counts the tokens of the current history.
func (s *Session) CountTokens(ctx context.Context) (int, error) {
	s.mu.Lock()
	turns := llm.CopyTurns(s.history)
	s.mu.Unlock()

	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	n, err := s.client.CountTokens(ctx, turns)
	if err != nil {
		return 0, s.wrapError(err)
	}
	return n, nil
}

// modelProber is implemented by adapters that can check model presence
// cheaply (the local daemon). Healthy uses it when available.
type modelProber interface {
	HasModel(ctx context.Context, model string) (bool, error)
}

// Healthy reports whether the session can still reach its provider and, when
// the adapter can tell, whether its model is still present.
func (s *Session) Healthy(ctx context.Context) bool {
	if s.isClosed() {
		return false
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	if err := s.client.TestConnection(ctx); err != nil {
		s.logger.Debug("health check failed", "error", err)
		return false
	}
	if p, ok := s.client.(modelProber); ok {
		present, err := p.HasModel(ctx, s.model)
		if err != nil || !present {
			return false
		}
	}
	return true
}

// Stats returns a snapshot of the session's accounting.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.stats
	if s.exchanges > 0 {
		snap.AvgResponseTime = s.latencies / time.Duration(s.exchanges)
	}
	return snap
}

// Reset clears history and statistics while keeping the session's identity
// and configuration. A configured system prompt is re-seeded.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = nil
	if s.systemPrompt != "" {
		s.history = append(s.history, llm.UserTurn(s.systemPrompt))
	}
	s.stats = Stats{CreatedAt: s.stats.CreatedAt}
	s.latencies = 0
	s.exchanges = 0
}

// Close marks the session unusable and drops its history. The underlying
// adapter is shared and stays open; the factory owns its lifecycle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.history = nil
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// emitFailure publishes a failed exchange. Timeouts get their own event kind
// so subscribers can tell a silent provider from a failing one.
func (s *Session) emitFailure(err error) {
	var serr *Error
	if errors.As(err, &serr) && serr.Code == CodeTimeout {
		s.emit(events.Event{Type: events.TypeTimeout, Err: err})
		return
	}
	s.emit(events.Event{Type: events.TypeError, Err: err})
}

func (s *Session) emit(ev events.Event) {
	if s.bus == nil {
		return
	}
	ev.Provider = s.provider
	ev.SessionID = s.id
	s.bus.Emit(ev)
}

func (s *Session) emitToolCalls(calls []llm.ToolCall) {
	for _, call := range calls {
		s.emit(events.Event{
			Type:     events.TypeToolCall,
			ToolCall: &events.ToolCallPayload{Name: call.Name, Args: call.Args},
		})
	}
}
