package llm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel0/kestrel/internal/llm"
)

func TestTurnText_ConcatenatesTextParts(t *testing.T) {
	t.Parallel()

	turn := llm.Turn{
		Role: llm.RoleModel,
		Parts: []llm.Part{
			llm.TextPart("Hello, "),
			llm.DataPart("image/png", []byte{0x89, 0x50}),
			llm.TextPart("world"),
		},
	}

	assert.Equal(t, "Hello, world", turn.Text())
}

func TestTurnEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		turn  llm.Turn
		empty bool
	}{
		{
			name:  "no parts",
			turn:  llm.Turn{Role: llm.RoleUser},
			empty: true,
		},
		{
			name:  "sole whitespace text part",
			turn:  llm.Turn{Role: llm.RoleModel, Parts: []llm.Part{llm.TextPart("  \n")}},
			empty: true,
		},
		{
			name:  "text part",
			turn:  llm.UserTurn("hi"),
			empty: false,
		},
		{
			name:  "binary part only",
			turn:  llm.Turn{Role: llm.RoleUser, Parts: []llm.Part{llm.DataPart("image/png", []byte{1})}},
			empty: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.empty, tt.turn.Empty())
		})
	}
}

func TestCopyTurns_Independence(t *testing.T) {
	t.Parallel()

	original := []llm.Turn{
		{Role: llm.RoleUser, Parts: []llm.Part{
			llm.TextPart("question"),
			llm.DataPart("image/jpeg", []byte{1, 2, 3}),
		}},
		llm.ModelTurn("answer"),
	}

	copied := llm.CopyTurns(original)
	require.Len(t, copied, 2)

	// Mutating the copy must not leak into the original.
	copied[0].Parts[0].Text = "tampered"
	copied[0].Parts[1].Data[0] = 99

	assert.Equal(t, "question", original[0].Parts[0].Text)
	assert.Equal(t, byte(1), original[0].Parts[1].Data[0])
}

func TestCopyTurns_NilStaysNil(t *testing.T) {
	t.Parallel()

	assert.Nil(t, llm.CopyTurns(nil))
}
