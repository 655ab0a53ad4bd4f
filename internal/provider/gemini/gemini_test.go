package gemini

import (
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/kestrel0/kestrel/internal/llm"
	"github.com/kestrel0/kestrel/internal/provider"
)

func TestToGenaiSchema(t *testing.T) {
	t.Parallel()

	t.Run("nil passes through", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, toGenaiSchema(nil))
	})

	t.Run("object with nested properties", func(t *testing.T) {
		t.Parallel()
		in := &jsonschema.Schema{
			Type:        "object",
			Description: "search arguments",
			Properties: map[string]*jsonschema.Schema{
				"query": {Type: "string", Description: "what to look for"},
				"limit": {Type: "integer"},
				"tags":  {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			},
			Required: []string{"query"},
		}

		out := toGenaiSchema(in)
		require.NotNil(t, out)
		assert.Equal(t, genai.TypeObject, out.Type)
		assert.Equal(t, "search arguments", out.Description)
		assert.Equal(t, []string{"query"}, out.Required)

		require.Contains(t, out.Properties, "query")
		assert.Equal(t, genai.TypeString, out.Properties["query"].Type)
		assert.Equal(t, genai.TypeInteger, out.Properties["limit"].Type)

		tags := out.Properties["tags"]
		assert.Equal(t, genai.TypeArray, tags.Type)
		require.NotNil(t, tags.Items)
		assert.Equal(t, genai.TypeString, tags.Items.Type)
	})

	t.Run("enum values stringified", func(t *testing.T) {
		t.Parallel()
		out := toGenaiSchema(&jsonschema.Schema{
			Type: "string",
			Enum: []any{"asc", "desc"},
		})
		assert.Equal(t, []string{"asc", "desc"}, out.Enum)
	})
}

func TestContentTranslation(t *testing.T) {
	t.Parallel()

	t.Run("roles and text round out", func(t *testing.T) {
		t.Parallel()
		contents := toContents([]llm.Turn{
			llm.UserTurn("hello"),
			llm.ModelTurn("hi there"),
		})
		require.Len(t, contents, 2)
		assert.Equal(t, string(genai.RoleUser), contents[0].Role)
		assert.Equal(t, string(genai.RoleModel), contents[1].Role)
		assert.Equal(t, "hello", contents[0].Parts[0].Text)
	})

	t.Run("binary parts become inline data", func(t *testing.T) {
		t.Parallel()
		img := []byte{0x89, 0x50, 0x4e, 0x47}
		contents := toContents([]llm.Turn{
			llm.UserParts(llm.TextPart("what is this"), llm.DataPart("image/png", img)),
		})
		require.Len(t, contents, 1)
		require.Len(t, contents[0].Parts, 2)

		blob := contents[0].Parts[1].InlineData
		require.NotNil(t, blob)
		assert.Equal(t, "image/png", blob.MIMEType)
		assert.Equal(t, img, blob.Data)
	})

	t.Run("fromContent recovers turn shape", func(t *testing.T) {
		t.Parallel()
		turn := fromContent(&genai.Content{
			Role: string(genai.RoleModel),
			Parts: []*genai.Part{
				{Text: "answer"},
				nil,
				{InlineData: &genai.Blob{MIMEType: "image/png", Data: []byte{1}}},
			},
		})
		assert.Equal(t, llm.RoleModel, turn.Role)
		require.Len(t, turn.Parts, 2)
		assert.Equal(t, "answer", turn.Parts[0].Text)
		assert.True(t, turn.Parts[1].IsData())
	})

	t.Run("nil content yields an empty model turn", func(t *testing.T) {
		t.Parallel()
		turn := fromContent(nil)
		assert.Equal(t, llm.RoleModel, turn.Role)
		assert.Empty(t, turn.Parts)
	})
}

func TestBuildConfig(t *testing.T) {
	t.Parallel()

	f32 := func(v float32) *float32 { return &v }

	t.Run("request knobs win over config defaults", func(t *testing.T) {
		t.Parallel()
		c := &Client{cfg: provider.Config{
			Provider:    provider.Gemini,
			Model:       "gemini-2.5-flash",
			Temperature: f32(0.7),
			MaxTokens:   512,
		}}

		cfg, contents := c.buildConfig(&llm.Request{
			Turns:       []llm.Turn{llm.UserTurn("hi")},
			Temperature: f32(0.1),
		})

		require.NotNil(t, cfg.Temperature)
		assert.InDelta(t, 0.1, float64(*cfg.Temperature), 1e-6)
		assert.Equal(t, int32(512), cfg.MaxOutputTokens)
		assert.Len(t, contents, 1)
	})

	t.Run("system prompt relocates to system instruction", func(t *testing.T) {
		t.Parallel()
		c := &Client{cfg: provider.Config{Provider: provider.Gemini, Model: "gemini-2.5-flash"}}

		cfg, contents := c.buildConfig(&llm.Request{
			SystemPrompt: "be brief",
			Turns: []llm.Turn{
				llm.UserTurn("be brief"),
				llm.UserTurn("hello"),
			},
		})

		require.NotNil(t, cfg.SystemInstruction)
		assert.Equal(t, "be brief", cfg.SystemInstruction.Parts[0].Text)
		require.Len(t, contents, 1)
		assert.Equal(t, "hello", contents[0].Parts[0].Text)
	})

	t.Run("tool declarations carried into one tool", func(t *testing.T) {
		t.Parallel()
		c := &Client{cfg: provider.Config{Provider: provider.Gemini, Model: "gemini-2.5-flash"}}

		cfg, _ := c.buildConfig(&llm.Request{
			Turns: []llm.Turn{llm.UserTurn("hi")},
			Tools: []llm.ToolDeclaration{
				{Name: "search", Description: "web search", Parameters: &jsonschema.Schema{Type: "object"}},
				{Name: "read_file"},
			},
		})

		require.Len(t, cfg.Tools, 1)
		decls := cfg.Tools[0].FunctionDeclarations
		require.Len(t, decls, 2)
		assert.Equal(t, "search", decls[0].Name)
		assert.Equal(t, genai.TypeObject, decls[0].Parameters.Type)
	})
}

func TestModelSelection(t *testing.T) {
	t.Parallel()

	c := &Client{cfg: provider.Config{Model: "gemini-2.5-flash"}}
	assert.Equal(t, "gemini-2.5-flash", c.model(&llm.Request{}))
	assert.Equal(t, "gemini-2.5-pro", c.model(&llm.Request{Model: "gemini-2.5-pro"}))
}

func TestNormalizeError(t *testing.T) {
	t.Parallel()

	t.Run("API error classified by status", func(t *testing.T) {
		t.Parallel()
		err := normalizeError(genai.APIError{Code: 429, Message: "quota exceeded"})
		assert.ErrorIs(t, err, llm.ErrRateLimit)

		var perr *llm.ProviderError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, provider.Gemini, perr.Provider)
		assert.Equal(t, llm.CodeRateLimit, perr.Code)
	})

	t.Run("plain error classified by message", func(t *testing.T) {
		t.Parallel()
		err := normalizeError(assert.AnError)
		var perr *llm.ProviderError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, llm.CodeUnknown, perr.Code)
	})

	t.Run("nil stays nil", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, normalizeError(nil))
	})
}

func TestMapFinishReason(t *testing.T) {
	t.Parallel()

	assert.Equal(t, llm.FinishStop, mapFinishReason(genai.FinishReasonStop))
	assert.Equal(t, llm.FinishMaxTokens, mapFinishReason(genai.FinishReasonMaxTokens))
	assert.Equal(t, llm.FinishUnknown, mapFinishReason(genai.FinishReasonSafety))
}

func TestMapUsage(t *testing.T) {
	t.Parallel()

	assert.Nil(t, mapUsage(nil))

	u := mapUsage(&genai.GenerateContentResponseUsageMetadata{
		PromptTokenCount:     12,
		CandidatesTokenCount: 5,
		TotalTokenCount:      17,
	})
	require.NotNil(t, u)
	assert.Equal(t, 12, u.PromptTokens)
	assert.Equal(t, 5, u.CandidateTokens)
	assert.Equal(t, 17, u.TotalTokens)
}
