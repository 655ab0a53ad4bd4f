// Package openai adapts the unified contract to OpenAI-compatible hosted
// APIs. Streaming uses data:-prefixed server-sent-event frames terminated by
// a [DONE] sentinel; aggregate usage arrives in the final frame when
// requested via stream_options.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"golang.org/x/time/rate"

	"github.com/kestrel0/kestrel/internal/llm"
	"github.com/kestrel0/kestrel/internal/log"
	"github.com/kestrel0/kestrel/internal/provider"
)

// DefaultEndpoint is the hosted API base URL; Endpoint in the config
// overrides it for compatible gateways.
const DefaultEndpoint = "https://api.openai.com/v1"

// defaultEmbeddingModel is used by GenerateEmbedding; the chat model in the
// config cannot embed.
const defaultEmbeddingModel = "text-embedding-3-small"

// doneSentinel terminates an SSE stream.
const doneSentinel = "[DONE]"

// Client is the OpenAI-compatible adapter.
type Client struct {
	cfg      provider.Config
	endpoint string
	http     *http.Client
	logger   log.Logger

	retry   provider.RetryConfig
	breaker *provider.CircuitBreaker
	limiter *rate.Limiter
}

// Options tunes resilience behavior; zero values use defaults.
type Options struct {
	Retry          provider.RetryConfig
	CircuitBreaker provider.CircuitBreakerConfig
	RateLimiter    *rate.Limiter
	HTTPClient     *http.Client // test override
}

// New creates an adapter for an OpenAI-compatible API. A missing credential
// or disabled config fails construction immediately.
func New(cfg provider.Config, logger log.Logger, opts Options) (*Client, error) {
	if cfg.Provider != provider.OpenAI {
		return nil, fmt.Errorf("%w: openai adapter got config for %q", llm.ErrUnknownProvider, cfg.Provider)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		var err error
		httpClient, err = provider.NewHTTPClient(cfg.Proxy)
		if err != nil {
			return nil, err
		}
	}

	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = rate.NewLimiter(10, 30)
	}

	return &Client{
		cfg:      cfg,
		endpoint: endpoint,
		http:     httpClient,
		logger:   logger.With("component", "provider.openai"),
		retry:    opts.Retry,
		breaker:  provider.NewCircuitBreaker(opts.CircuitBreaker),
		limiter:  limiter,
	}, nil
}

// Provider implements provider.Client.
func (c *Client) Provider() string { return provider.OpenAI }

// Capabilities implements provider.Client.
func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Streaming:        true,
		Tools:            true,
		Images:           true,
		SystemPrompts:    true,
		MaxContextTokens: 128000,
	}
}

// ValidateConfig implements provider.Client.
func (c *Client) ValidateConfig() error { return c.cfg.Validate() }

// wire types

type wireContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []wireContentPart
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string             `json:"name"`
		Description string             `json:"description,omitempty"`
		Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
	} `json:"function"`
}

type wireRequest struct {
	Model          string         `json:"model"`
	Messages       []wireMessage  `json:"messages"`
	Temperature    *float32       `json:"temperature,omitempty"`
	TopP           *float32       `json:"top_p,omitempty"`
	MaxTokens      int32          `json:"max_tokens,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
	StreamOptions  map[string]any `json:"stream_options,omitempty"`
	Tools          []wireTool     `json:"tools,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage,omitempty"`
}

type wireChunkToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type wireChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content   string              `json:"content"`
			ToolCalls []wireChunkToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage,omitempty"`
}

type wireError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (c *Client) buildWireRequest(req *llm.Request, stream bool) wireRequest {
	system, turns := req.SplitSystemPrompt()

	messages := make([]wireMessage, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, wireMessage{Role: "system", Content: system})
	}

	for _, t := range turns {
		role := "user"
		if t.Role == llm.RoleModel {
			role = "assistant"
		}

		hasData := false
		for _, p := range t.Parts {
			if p.IsData() {
				hasData = true
				break
			}
		}

		if !hasData {
			messages = append(messages, wireMessage{Role: role, Content: t.Text()})
			continue
		}

		parts := make([]wireContentPart, 0, len(t.Parts))
		for _, p := range t.Parts {
			if p.IsData() {
				part := wireContentPart{Type: "image_url"}
				part.ImageURL = &struct {
					URL string `json:"url"`
				}{URL: "data:" + p.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)}
				parts = append(parts, part)
				continue
			}
			parts = append(parts, wireContentPart{Type: "text", Text: p.Text})
		}
		messages = append(messages, wireMessage{Role: role, Content: parts})
	}

	wire := wireRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if wire.Model == "" {
		wire.Model = c.cfg.Model
	}
	if wire.Temperature == nil {
		wire.Temperature = c.cfg.Temperature
	}
	if wire.TopP == nil {
		wire.TopP = c.cfg.TopP
	}
	if wire.MaxTokens == 0 {
		wire.MaxTokens = c.cfg.MaxTokens
	}
	if stream {
		wire.StreamOptions = map[string]any{"include_usage": true}
	}

	for _, tool := range req.Tools {
		wt := wireTool{Type: "function"}
		wt.Function.Name = tool.Name
		wt.Function.Description = tool.Description
		wt.Function.Parameters = tool.Parameters
		wire.Tools = append(wire.Tools, wt)
	}

	return wire
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrConnection, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, c.apiError(resp)
	}
	return resp, nil
}

// apiError converts a non-2xx response body into a normalized error,
// including the Retry-After hint on rate limits.
func (c *Client) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	msg := strings.TrimSpace(string(body))
	var payload wireError
	if json.Unmarshal(body, &payload) == nil && payload.Error.Message != "" {
		msg = payload.Error.Message
	}
	if msg == "" {
		msg = resp.Status
	}

	perr := llm.ClassifyError(provider.OpenAI, resp.StatusCode, msg)
	if perr.Code == llm.CodeRateLimit {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if d, err := parseRetryAfter(ra); err == nil {
				perr.RetryAfter = d
			}
		}
	}
	return perr
}

func mapFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishStop
	case "length":
		return llm.FinishMaxTokens
	case "tool_calls":
		return llm.FinishToolCalls
	case "":
		return llm.FinishUnknown
	default:
		return llm.FinishUnknown
	}
}

func mapUsage(u *wireUsage) *llm.Usage {
	if u == nil {
		return nil
	}
	return &llm.Usage{
		PromptTokens:    u.PromptTokens,
		CandidateTokens: u.CompletionTokens,
		TotalTokens:     u.TotalTokens,
	}
}

// GenerateContent implements provider.Client.
func (c *Client) GenerateContent(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return c.generate(ctx, req, nil)
}

// GenerateStructured implements provider.StructuredClient via the
// json_schema response format, so conformance is enforced server-side.
func (c *Client) GenerateStructured(ctx context.Context, req *llm.Request, schema *jsonschema.Schema) (*llm.Response, error) {
	format := map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   "response",
			"strict": true,
			"schema": schema,
		},
	}
	return c.generate(ctx, req, format)
}

func (c *Client) generate(ctx context.Context, req *llm.Request, responseFormat map[string]any) (*llm.Response, error) {
	if err := llm.ValidateRequest(provider.OpenAI, req, c.Capabilities()); err != nil {
		return nil, err
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	wire := c.buildWireRequest(req, false)
	wire.ResponseFormat = responseFormat

	var out wireResponse
	err := provider.WithRetry(ctx, c.logger, c.retry, c.limiter, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodPost, "/chat/completions", wire)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		c.breaker.Failure()
		return nil, err
	}
	c.breaker.Success()

	if len(out.Choices) == 0 {
		return nil, llm.ClassifyError(provider.OpenAI, 0, "response contained no choices")
	}
	choice := out.Choices[0]

	resp := &llm.Response{
		ID:           out.ID,
		Provider:     provider.OpenAI,
		Model:        out.Model,
		Turns:        []llm.Turn{llm.ModelTurn(choice.Message.Content)},
		Usage:        mapUsage(out.Usage),
		FinishReason: mapFinishReason(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		call := llm.ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			var args map[string]any
			if json.Unmarshal([]byte(tc.Function.Arguments), &args) == nil {
				call.Args = args
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, call)
	}
	return resp, nil
}

// GenerateContentStream implements provider.Client. Frames that fail to
// parse are skipped; the final frame before [DONE] carries aggregate usage.
func (c *Client) GenerateContentStream(ctx context.Context, req *llm.Request) (<-chan llm.StreamDelta, error) {
	if err := llm.ValidateRequest(provider.OpenAI, req, c.Capabilities()); err != nil {
		return nil, err
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	wire := c.buildWireRequest(req, true)

	resp, err := c.do(ctx, http.MethodPost, "/chat/completions", wire)
	if err != nil {
		c.breaker.Failure()
		return nil, err
	}

	deltas := make(chan llm.StreamDelta)
	go c.consumeStream(ctx, resp.Body, deltas)
	return deltas, nil
}

// toolCallAssembler reassembles streamed tool calls. The API fragments one
// call across many chunks keyed by index: the first fragment carries id and
// name, later ones append argument text.
type toolCallAssembler struct {
	order []int
	byIdx map[int]*toolCallDraft
}

type toolCallDraft struct {
	id   string
	name string
	args strings.Builder
}

func (a *toolCallAssembler) add(fragments []wireChunkToolCall) {
	for _, f := range fragments {
		if a.byIdx == nil {
			a.byIdx = make(map[int]*toolCallDraft)
		}
		draft, ok := a.byIdx[f.Index]
		if !ok {
			draft = &toolCallDraft{}
			a.byIdx[f.Index] = draft
			a.order = append(a.order, f.Index)
		}
		if f.ID != "" {
			draft.id = f.ID
		}
		if f.Function.Name != "" {
			draft.name = f.Function.Name
		}
		draft.args.WriteString(f.Function.Arguments)
	}
}

func (a *toolCallAssembler) calls() []llm.ToolCall {
	var out []llm.ToolCall
	for _, idx := range a.order {
		draft := a.byIdx[idx]
		call := llm.ToolCall{ID: draft.id, Name: draft.name}
		if raw := draft.args.String(); raw != "" {
			var args map[string]any
			if json.Unmarshal([]byte(raw), &args) == nil {
				call.Args = args
			}
		}
		out = append(out, call)
	}
	return out
}

func (c *Client) consumeStream(ctx context.Context, body io.ReadCloser, deltas chan<- llm.StreamDelta) {
	defer close(deltas)
	defer body.Close()

	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	frames := newFrameReader(body)
	var usage *llm.Usage
	var calls toolCallAssembler
	finish := llm.FinishUnknown

	for {
		data, err := frames.next()
		if err != nil {
			if ctx.Err() != nil {
				c.send(context.Background(), deltas, llm.StreamDelta{Done: true, FinishReason: llm.FinishCancelled})
				return
			}
			if err == io.EOF {
				// Stream ended without [DONE]; close out with what we saw.
				c.breaker.Success()
				c.send(ctx, deltas, llm.StreamDelta{Done: true, FinishReason: finish, Usage: usage, ToolCalls: calls.calls()})
				return
			}
			c.breaker.Failure()
			c.send(ctx, deltas, llm.StreamDelta{Err: fmt.Errorf("%w: %v", llm.ErrConnection, err)})
			return
		}

		if strings.TrimSpace(data) == doneSentinel {
			c.breaker.Success()
			c.send(ctx, deltas, llm.StreamDelta{Done: true, FinishReason: finish, Usage: usage, ToolCalls: calls.calls()})
			return
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("skipping malformed stream frame", "error", err)
			continue
		}

		if chunk.Usage != nil {
			usage = mapUsage(chunk.Usage)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = mapFinishReason(choice.FinishReason)
		}
		calls.add(choice.Delta.ToolCalls)
		if choice.Delta.Content != "" {
			turn := llm.ModelTurn(choice.Delta.Content)
			if !c.send(ctx, deltas, llm.StreamDelta{Turn: &turn}) {
				return
			}
		}
	}
}

func (c *Client) send(ctx context.Context, deltas chan<- llm.StreamDelta, d llm.StreamDelta) bool {
	select {
	case deltas <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// CountTokens implements provider.Client. The API exposes no counting
// endpoint, so this is the local estimate.
func (c *Client) CountTokens(_ context.Context, turns []llm.Turn) (int, error) {
	return c.Capabilities().EstimateTokens(turns), nil
}

// GenerateEmbedding implements provider.Client.
func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	body := map[string]any{"model": defaultEmbeddingModel, "input": text}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	err := provider.WithRetry(ctx, c.logger, c.retry, c.limiter, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodPost, "/embeddings", body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, llm.ClassifyError(provider.OpenAI, 0, "embedding response contained no data")
	}
	return out.Data[0].Embedding, nil
}

// AvailableModels implements provider.Client.
func (c *Client) AvailableModels(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}

	names := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

// TestConnection implements provider.Client: listing models exercises both
// reachability and the credential.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.AvailableModels(ctx)
	return err
}

// Close implements provider.Client.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
