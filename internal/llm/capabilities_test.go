package llm_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel0/kestrel/internal/llm"
)

func fullCaps() llm.Capabilities {
	return llm.Capabilities{
		Streaming:        true,
		Tools:            true,
		Images:           true,
		SystemPrompts:    true,
		MaxContextTokens: 1000,
		Models:           []string{"test-model"},
	}
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     *llm.Request
		mutate  func(*llm.Capabilities)
		wantErr error
	}{
		{
			name:    "nil request",
			req:     nil,
			wantErr: llm.ErrInvalidRequest,
		},
		{
			name:    "no turns",
			req:     &llm.Request{Model: "test-model"},
			wantErr: llm.ErrInvalidRequest,
		},
		{
			name: "valid request",
			req:  &llm.Request{Model: "test-model", Turns: []llm.Turn{llm.UserTurn("hi")}},
		},
		{
			name:    "streaming unsupported",
			req:     &llm.Request{Model: "test-model", Stream: true, Turns: []llm.Turn{llm.UserTurn("hi")}},
			mutate:  func(c *llm.Capabilities) { c.Streaming = false },
			wantErr: llm.ErrUnsupportedFeature,
		},
		{
			name: "tools unsupported",
			req: &llm.Request{
				Model: "test-model",
				Turns: []llm.Turn{llm.UserTurn("hi")},
				Tools: []llm.ToolDeclaration{{Name: "read_file"}},
			},
			mutate:  func(c *llm.Capabilities) { c.Tools = false },
			wantErr: llm.ErrUnsupportedFeature,
		},
		{
			name:    "unknown model",
			req:     &llm.Request{Model: "other-model", Turns: []llm.Turn{llm.UserTurn("hi")}},
			wantErr: llm.ErrModelNotFound,
		},
		{
			name: "image to text-only provider",
			req: &llm.Request{
				Model: "test-model",
				Turns: []llm.Turn{{Role: llm.RoleUser, Parts: []llm.Part{llm.DataPart("image/png", []byte{1})}}},
			},
			mutate:  func(c *llm.Capabilities) { c.Images = false },
			wantErr: llm.ErrUnsupportedFeature,
		},
		{
			name: "context window exceeded",
			req: &llm.Request{
				Model: "test-model",
				Turns: []llm.Turn{llm.UserTurn(strings.Repeat("word ", 2000))},
			},
			wantErr: llm.ErrContextLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			caps := fullCaps()
			if tt.mutate != nil {
				tt.mutate(&caps)
			}

			err := llm.ValidateRequest("test", tt.req, caps)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSupportsModel_EmptyListAcceptsAnything(t *testing.T) {
	t.Parallel()

	caps := llm.Capabilities{}
	assert.True(t, caps.SupportsModel("whatever"))
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	turns := []llm.Turn{llm.UserTurn(strings.Repeat("a", 400))}

	defaultCaps := llm.Capabilities{}
	assert.Equal(t, 100, defaultCaps.EstimateTokens(turns))

	// A denser tokenizer ratio yields a larger estimate from the same text.
	tuned := llm.Capabilities{CharsPerToken: 3.5}
	assert.Equal(t, 114, tuned.EstimateTokens(turns))
}

func TestEstimateTokens_CountsBinaryBySize(t *testing.T) {
	t.Parallel()

	caps := llm.Capabilities{}
	turns := []llm.Turn{
		{Role: llm.RoleUser, Parts: []llm.Part{llm.DataPart("image/png", make([]byte, 800))}},
	}
	assert.Equal(t, 200, caps.EstimateTokens(turns))
}
