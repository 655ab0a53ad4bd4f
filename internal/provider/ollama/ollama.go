// Package ollama adapts the unified contract to a locally served Ollama
// daemon. The wire protocol is plain JSON over HTTP with newline-delimited
// JSON chunks for streaming; no credential is involved.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/kestrel0/kestrel/internal/llm"
	"github.com/kestrel0/kestrel/internal/log"
	"github.com/kestrel0/kestrel/internal/provider"
)

// DefaultEndpoint is where a locally installed daemon listens.
const DefaultEndpoint = "http://localhost:11434"

// charsPerToken tunes local token estimation for llama-family tokenizers,
// which are denser than the 4.0 default.
const charsPerToken = 3.5

// maxScanTokenSize bounds a single NDJSON line; generous because a chunk can
// carry a long content fragment.
const maxScanTokenSize = 1 << 20

// Client is the Ollama adapter.
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

// New creates an Ollama adapter. Construction fails on a disabled or
// malformed config; no network traffic happens here.
func New(cfg provider.Config, logger log.Logger, opts Options) (*Client, error) {
	if cfg.Provider != provider.Ollama {
		return nil, fmt.Errorf("%w: ollama adapter got config for %q", llm.ErrUnknownProvider, cfg.Provider)
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
		logger:   logger.With("component", "provider.ollama"),
		retry:    opts.Retry,
		breaker:  provider.NewCircuitBreaker(opts.CircuitBreaker),
		limiter:  limiter,
	}, nil
}

// Provider implements provider.Client.
func (c *Client) Provider() string { return provider.Ollama }

// Capabilities implements provider.Client. The daemon streams and takes
// images but has no tool-calling contract this adapter can rely on across
// models, so tools stay off.
func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Streaming:        true,
		Tools:            false,
		Images:           true,
		SystemPrompts:    true,
		MaxContextTokens: 32768,
		CharsPerToken:    charsPerToken,
	}
}

// ValidateConfig implements provider.Client.
func (c *Client) ValidateConfig() error { return c.cfg.Validate() }

// wire types

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
	Error           string      `json:"error,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (c *Client) buildWireRequest(req *llm.Request, stream bool) chatRequest {
	system, turns := req.SplitSystemPrompt()

	messages := make([]chatMessage, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}

	for _, t := range turns {
		role := "user"
		if t.Role == llm.RoleModel {
			role = "assistant"
		}
		msg := chatMessage{Role: role}
		var text strings.Builder
		for _, p := range t.Parts {
			if p.IsData() {
				msg.Images = append(msg.Images, base64.StdEncoding.EncodeToString(p.Data))
				continue
			}
			text.WriteString(p.Text)
		}
		msg.Content = text.String()
		messages = append(messages, msg)
	}

	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	} else if c.cfg.Temperature != nil {
		options["temperature"] = *c.cfg.Temperature
	}
	if req.TopP != nil {
		options["top_p"] = *req.TopP
	} else if c.cfg.TopP != nil {
		options["top_p"] = *c.cfg.TopP
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	} else if c.cfg.MaxTokens > 0 {
		options["num_predict"] = c.cfg.MaxTokens
	}
	if len(options) == 0 {
		options = nil
	}

	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	return chatRequest{Model: model, Messages: messages, Stream: stream, Options: options}
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrConnection, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, c.wireError(resp)
	}
	return resp, nil
}

// wireError converts a non-2xx daemon response into a normalized error.
func (c *Client) wireError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))

	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = resp.Status
	}
	return llm.ClassifyError(provider.Ollama, resp.StatusCode, msg)
}

func finishReason(done string) llm.FinishReason {
	switch done {
	case "stop", "":
		return llm.FinishStop
	case "length":
		return llm.FinishMaxTokens
	default:
		return llm.FinishUnknown
	}
}

// GenerateContent implements provider.Client.
func (c *Client) GenerateContent(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := llm.ValidateRequest(provider.Ollama, req, c.Capabilities()); err != nil {
		return nil, err
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	wire := c.buildWireRequest(req, false)

	var out chatResponse
	err := provider.WithRetry(ctx, c.logger, c.retry, c.limiter, func(ctx context.Context) error {
		resp, err := c.post(ctx, "/api/chat", wire)
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

	return &llm.Response{
		Provider: provider.Ollama,
		Model:    wire.Model,
		Turns:    []llm.Turn{llm.ModelTurn(out.Message.Content)},
		Usage: &llm.Usage{
			PromptTokens:    out.PromptEvalCount,
			CandidateTokens: out.EvalCount,
			TotalTokens:     out.PromptEvalCount + out.EvalCount,
		},
		FinishReason: finishReason(out.DoneReason),
	}, nil
}

// GenerateContentStream implements provider.Client. Chunks arrive as one
// JSON object per line; a line that fails to parse is skipped, not fatal.
// The final chunk (done=true) carries the aggregate token counts.
func (c *Client) GenerateContentStream(ctx context.Context, req *llm.Request) (<-chan llm.StreamDelta, error) {
	if err := llm.ValidateRequest(provider.Ollama, req, c.Capabilities()); err != nil {
		return nil, err
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	wire := c.buildWireRequest(req, true)

	resp, err := c.post(ctx, "/api/chat", wire)
	if err != nil {
		c.breaker.Failure()
		return nil, err
	}

	deltas := make(chan llm.StreamDelta)
	go c.consumeStream(ctx, resp.Body, deltas)
	return deltas, nil
}

func (c *Client) consumeStream(ctx context.Context, body io.ReadCloser, deltas chan<- llm.StreamDelta) {
	defer close(deltas)
	defer body.Close()

	// Abort the body read promptly on cancellation.
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)

	sawFinal := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk chatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			c.logger.Warn("skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Error != "" {
			c.breaker.Failure()
			c.send(ctx, deltas, llm.StreamDelta{
				Err: llm.ClassifyError(provider.Ollama, 0, chunk.Error),
			})
			return
		}

		if chunk.Message.Content != "" {
			turn := llm.ModelTurn(chunk.Message.Content)
			if !c.send(ctx, deltas, llm.StreamDelta{Turn: &turn}) {
				return
			}
		}

		if chunk.Done {
			sawFinal = true
			c.breaker.Success()
			c.send(ctx, deltas, llm.StreamDelta{
				Done:         true,
				FinishReason: finishReason(chunk.DoneReason),
				Usage: &llm.Usage{
					PromptTokens:    chunk.PromptEvalCount,
					CandidateTokens: chunk.EvalCount,
					TotalTokens:     chunk.PromptEvalCount + chunk.EvalCount,
				},
			})
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.breaker.Failure()
		c.send(ctx, deltas, llm.StreamDelta{Err: fmt.Errorf("%w: %v", llm.ErrConnection, err)})
		return
	}
	if ctx.Err() != nil {
		c.send(context.Background(), deltas, llm.StreamDelta{Done: true, FinishReason: llm.FinishCancelled})
		return
	}
	if !sawFinal {
		// Stream ended without a done marker; still signal completion.
		c.send(ctx, deltas, llm.StreamDelta{Done: true, FinishReason: llm.FinishUnknown})
	}
}

// send delivers a delta unless the consumer is gone. Returns false when the
// context ended first.
func (c *Client) send(ctx context.Context, deltas chan<- llm.StreamDelta, d llm.StreamDelta) bool {
	select {
	case deltas <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// CountTokens implements provider.Client. The daemon has no token-counting
// endpoint, so this is always the local estimate.
func (c *Client) CountTokens(_ context.Context, turns []llm.Turn) (int, error) {
	return c.Capabilities().EstimateTokens(turns), nil
}

// GenerateEmbedding implements provider.Client.
func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	body := map[string]any{"model": c.cfg.Model, "prompt": text}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	err := provider.WithRetry(ctx, c.logger, c.retry, c.limiter, func(ctx context.Context) error {
		resp, err := c.post(ctx, "/api/embeddings", body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

// AvailableModels implements provider.Client.
func (c *Client) AvailableModels(ctx context.Context) ([]string, error) {
	tags, err := c.listTags(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (c *Client) listTags(ctx context.Context) (*tagsResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: ollama daemon unreachable at %s: %v", llm.ErrConnection, c.endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, c.wireError(resp)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &tags, nil
}

// TestConnection implements provider.Client: the daemon answering /api/tags
// is the liveness signal.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.listTags(ctx)
	return err
}

// HasModel reports whether the daemon currently serves the named model.
// Session creation probes this to fail fast instead of registering a
// session that cannot answer.
func (c *Client) HasModel(ctx context.Context, model string) (bool, error) {
	tags, err := c.listTags(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range tags.Models {
		if m.Name == model || strings.TrimSuffix(m.Name, ":latest") == model {
			return true, nil
		}
	}
	return false, nil
}

// Close implements provider.Client.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
