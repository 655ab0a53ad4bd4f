// Package gemini adapts the unified contract to the Gemini API through the
// first-party google.golang.org/genai SDK. Unlike the other adapters it
// never touches raw HTTP: the SDK owns the wire protocol, and this package
// only translates shapes and normalizes errors.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/kestrel0/kestrel/internal/llm"
	"github.com/kestrel0/kestrel/internal/log"
	"github.com/kestrel0/kestrel/internal/provider"
)

// embeddingModel is used by GenerateEmbedding.
const embeddingModel = "gemini-embedding-001"

// knownModels is the static model list declared in capabilities. The API
// can enumerate more via AvailableModels; these are the ones this adapter
// is validated against.
var knownModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
	"gemini-2.0-flash",
}

// Client is the Gemini adapter.
type Client struct {
	cfg    provider.Config
	sdk    *genai.Client
	logger log.Logger

	retry   provider.RetryConfig
	breaker *provider.CircuitBreaker
	limiter *rate.Limiter
}

// Options tunes resilience behavior; zero values use defaults.
type Options struct {
	Retry          provider.RetryConfig
	CircuitBreaker provider.CircuitBreakerConfig
	RateLimiter    *rate.Limiter
}

// New creates a Gemini adapter. The SDK client is constructed eagerly so a
// missing credential fails here, not on first use.
func New(ctx context.Context, cfg provider.Config, logger log.Logger, opts Options) (*Client, error) {
	if cfg.Provider != provider.Gemini {
		return nil, fmt.Errorf("%w: gemini adapter got config for %q", llm.ErrUnknownProvider, cfg.Provider)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.Endpoint
	}
	if cfg.Proxy != "" {
		httpClient, err := provider.NewHTTPClient(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		clientCfg.HTTPClient = httpClient
	}

	sdk, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = rate.NewLimiter(10, 30)
	}

	return &Client{
		cfg:     cfg,
		sdk:     sdk,
		logger:  logger.With("component", "provider.gemini"),
		retry:   opts.Retry,
		breaker: provider.NewCircuitBreaker(opts.CircuitBreaker),
		limiter: limiter,
	}, nil
}

// Provider implements provider.Client.
func (c *Client) Provider() string { return provider.Gemini }

// Capabilities implements provider.Client.
func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Streaming:        true,
		Tools:            true,
		Images:           true,
		SystemPrompts:    true,
		MaxContextTokens: 1048576,
		Models:           knownModels,
	}
}

// ValidateConfig implements provider.Client.
func (c *Client) ValidateConfig() error { return c.cfg.Validate() }

// translation

func toContents(turns []llm.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.RoleUser
		if t.Role == llm.RoleModel {
			role = genai.RoleModel
		}
		parts := make([]*genai.Part, 0, len(t.Parts))
		for _, p := range t.Parts {
			if p.IsData() {
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{MIMEType: p.MIMEType, Data: p.Data},
				})
				continue
			}
			parts = append(parts, &genai.Part{Text: p.Text})
		}
		contents = append(contents, &genai.Content{Role: string(role), Parts: parts})
	}
	return contents
}

func fromContent(content *genai.Content) llm.Turn {
	turn := llm.Turn{Role: llm.RoleModel}
	if content == nil {
		return turn
	}
	if content.Role == string(genai.RoleUser) {
		turn.Role = llm.RoleUser
	}
	for _, p := range content.Parts {
		if p == nil {
			continue
		}
		if p.InlineData != nil {
			turn.Parts = append(turn.Parts, llm.DataPart(p.InlineData.MIMEType, p.InlineData.Data))
			continue
		}
		if p.Text != "" {
			turn.Parts = append(turn.Parts, llm.TextPart(p.Text))
		}
	}
	return turn
}

func (c *Client) buildConfig(req *llm.Request) (*genai.GenerateContentConfig, []*genai.Content) {
	system, turns := req.SplitSystemPrompt()

	cfg := &genai.GenerateContentConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
	}
	if cfg.Temperature == nil {
		cfg.Temperature = c.cfg.Temperature
	}
	if cfg.TopP == nil {
		cfg.TopP = c.cfg.TopP
	}
	if cfg.MaxOutputTokens == 0 {
		cfg.MaxOutputTokens = c.cfg.MaxTokens
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	if len(req.Tools) > 0 {
		tool := &genai.Tool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGenaiSchema(t.Parameters),
			})
		}
		cfg.Tools = []*genai.Tool{tool}
	}

	return cfg, toContents(turns)
}

func (c *Client) model(req *llm.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.cfg.Model
}

// normalizeError maps SDK errors onto the shared taxonomy.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llm.ClassifyError(provider.Gemini, apiErr.Code, apiErr.Message)
	}
	return llm.ClassifyError(provider.Gemini, 0, err.Error())
}

func mapFinishReason(fr genai.FinishReason) llm.FinishReason {
	switch fr {
	case genai.FinishReasonStop:
		return llm.FinishStop
	case genai.FinishReasonMaxTokens:
		return llm.FinishMaxTokens
	default:
		return llm.FinishUnknown
	}
}

func mapUsage(meta *genai.GenerateContentResponseUsageMetadata) *llm.Usage {
	if meta == nil {
		return nil
	}
	return &llm.Usage{
		PromptTokens:    int(meta.PromptTokenCount),
		CandidateTokens: int(meta.CandidatesTokenCount),
		TotalTokens:     int(meta.TotalTokenCount),
	}
}

func (c *Client) toResponse(model string, out *genai.GenerateContentResponse) *llm.Response {
	resp := &llm.Response{
		Provider:     provider.Gemini,
		Model:        model,
		Usage:        mapUsage(out.UsageMetadata),
		FinishReason: llm.FinishUnknown,
	}
	if out.ResponseID != "" {
		resp.ID = out.ResponseID
	}
	if len(out.Candidates) == 0 {
		return resp
	}

	cand := out.Candidates[0]
	resp.FinishReason = mapFinishReason(cand.FinishReason)
	resp.Turns = []llm.Turn{fromContent(cand.Content)}

	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			if p != nil && p.FunctionCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
					ID:   p.FunctionCall.ID,
					Name: p.FunctionCall.Name,
					Args: p.FunctionCall.Args,
				})
			}
		}
	}
	if len(resp.ToolCalls) > 0 && resp.FinishReason == llm.FinishStop {
		resp.FinishReason = llm.FinishToolCalls
	}
	return resp
}

// GenerateContent implements provider.Client.
func (c *Client) GenerateContent(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return c.generate(ctx, req, nil)
}

// GenerateStructured implements provider.StructuredClient: the SDK enforces
// the response schema server-side.
func (c *Client) GenerateStructured(ctx context.Context, req *llm.Request, schema *jsonschema.Schema) (*llm.Response, error) {
	return c.generate(ctx, req, schema)
}

func (c *Client) generate(ctx context.Context, req *llm.Request, schema *jsonschema.Schema) (*llm.Response, error) {
	if err := llm.ValidateRequest(provider.Gemini, req, c.Capabilities()); err != nil {
		return nil, err
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	cfg, contents := c.buildConfig(req)
	if schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = toGenaiSchema(schema)
	}
	model := c.model(req)

	var out *genai.GenerateContentResponse
	err := provider.WithRetry(ctx, c.logger, c.retry, c.limiter, func(ctx context.Context) error {
		resp, err := c.sdk.Models.GenerateContent(ctx, model, contents, cfg)
		if err != nil {
			return normalizeError(err)
		}
		out = resp
		return nil
	})
	if err != nil {
		c.breaker.Failure()
		return nil, err
	}
	c.breaker.Success()

	return c.toResponse(model, out), nil
}

// GenerateContentStream implements provider.Client. The SDK yields complete
// chunks, so unlike the raw-HTTP adapters there is no frame parsing here;
// chunk errors terminate the stream with a normalized error delta.
func (c *Client) GenerateContentStream(ctx context.Context, req *llm.Request) (<-chan llm.StreamDelta, error) {
	if err := llm.ValidateRequest(provider.Gemini, req, c.Capabilities()); err != nil {
		return nil, err
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	cfg, contents := c.buildConfig(req)
	model := c.model(req)

	deltas := make(chan llm.StreamDelta)
	go func() {
		defer close(deltas)

		var usage *llm.Usage
		finish := llm.FinishUnknown

		for out, err := range c.sdk.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				if ctx.Err() != nil {
					c.send(context.Background(), deltas, llm.StreamDelta{Done: true, FinishReason: llm.FinishCancelled})
					return
				}
				c.breaker.Failure()
				c.send(ctx, deltas, llm.StreamDelta{Err: normalizeError(err)})
				return
			}

			if u := mapUsage(out.UsageMetadata); u != nil {
				usage = u
			}
			if len(out.Candidates) == 0 {
				continue
			}
			cand := out.Candidates[0]
			if cand.FinishReason != "" {
				finish = mapFinishReason(cand.FinishReason)
			}
			turn := fromContent(cand.Content)
			if len(turn.Parts) > 0 {
				if !c.send(ctx, deltas, llm.StreamDelta{Turn: &turn}) {
					return
				}
			}
		}

		c.breaker.Success()
		c.send(ctx, deltas, llm.StreamDelta{Done: true, FinishReason: finish, Usage: usage})
	}()

	return deltas, nil
}

func (c *Client) send(ctx context.Context, deltas chan<- llm.StreamDelta, d llm.StreamDelta) bool {
	select {
	case deltas <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// CountTokens implements provider.Client using the API's exact counter,
// falling back to the local estimate when the call fails.
func (c *Client) CountTokens(ctx context.Context, turns []llm.Turn) (int, error) {
	out, err := c.sdk.Models.CountTokens(ctx, c.cfg.Model, toContents(turns), nil)
	if err != nil {
		c.logger.Debug("token count API failed, using local estimate", "error", err)
		return c.Capabilities().EstimateTokens(turns), nil
	}
	return int(out.TotalTokens), nil
}

// GenerateEmbedding implements provider.Client.
func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{{Parts: []*genai.Part{{Text: text}}}}

	var values []float32
	err := provider.WithRetry(ctx, c.logger, c.retry, c.limiter, func(ctx context.Context) error {
		out, err := c.sdk.Models.EmbedContent(ctx, embeddingModel, contents, nil)
		if err != nil {
			return normalizeError(err)
		}
		if len(out.Embeddings) == 0 {
			return llm.ClassifyError(provider.Gemini, 0, "embedding response contained no vectors")
		}
		values = out.Embeddings[0].Values
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// AvailableModels implements provider.Client, listing generateContent-capable
// models from the API.
func (c *Client) AvailableModels(ctx context.Context) ([]string, error) {
	var names []string
	for model, err := range c.sdk.Models.All(ctx) {
		if err != nil {
			return nil, normalizeError(err)
		}
		names = append(names, strings.TrimPrefix(model.Name, "models/"))
	}
	return names, nil
}

// TestConnection implements provider.Client: a one-token count exercises
// authentication without generating anything.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.sdk.Models.CountTokens(ctx, c.cfg.Model,
		[]*genai.Content{{Role: string(genai.RoleUser), Parts: []*genai.Part{{Text: "ping"}}}}, nil)
	return normalizeError(err)
}

// Close implements provider.Client. The SDK holds no resources needing
// explicit release.
func (c *Client) Close() error { return nil }
