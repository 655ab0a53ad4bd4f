package llm

import "strings"

// Role identifies the author of a turn.
type Role string

// Valid turn roles. Providers with different role vocabularies ("assistant",
// "system") map to and from these at the adapter boundary.
const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Part is one atomic content unit inside a turn: text, or inline binary data
// such as an image. Exactly one of Text / Data is normally set.
type Part struct {
	Text string

	// MIMEType describes Data when present (e.g. "image/png").
	MIMEType string
	Data     []byte
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// DataPart builds an inline binary part.
func DataPart(mimeType string, data []byte) Part {
	return Part{MIMEType: mimeType, Data: data}
}

// IsData reports whether the part carries inline binary data.
func (p Part) IsData() bool {
	return len(p.Data) > 0
}

// Empty reports whether the part carries neither text nor data.
func (p Part) Empty() bool {
	return strings.TrimSpace(p.Text) == "" && len(p.Data) == 0
}

// Turn is one message in a conversation: a role and its ordered parts.
type Turn struct {
	Role  Role
	Parts []Part
}

// UserTurn builds a single-text-part user turn.
func UserTurn(text string) Turn {
	return Turn{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

// UserParts builds a user turn from explicit parts, for multimodal input.
func UserParts(parts ...Part) Turn {
	return Turn{Role: RoleUser, Parts: parts}
}

// ModelTurn builds a single-text-part model turn.
func ModelTurn(text string) Turn {
	return Turn{Role: RoleModel, Parts: []Part{TextPart(text)}}
}

// Text concatenates the text of every text part in order. Binary parts are
// skipped.
func (t Turn) Text() string {
	var b strings.Builder
	for _, p := range t.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// Empty reports whether the turn has no parts, or only empty parts. Curated
// history views drop such turns.
func (t Turn) Empty() bool {
	if len(t.Parts) == 0 {
		return true
	}
	for _, p := range t.Parts {
		if !p.Empty() {
			return false
		}
	}
	return true
}

// CopyTurns returns an independent copy of turns, including part slices and
// binary payloads. History accessors hand out copies so external code cannot
// alias internal state.
func CopyTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	copied := make([]Turn, len(turns))
	for i, t := range turns {
		parts := make([]Part, len(t.Parts))
		for j, p := range t.Parts {
			cp := Part{Text: p.Text, MIMEType: p.MIMEType}
			if p.Data != nil {
				cp.Data = make([]byte, len(p.Data))
				copy(cp.Data, p.Data)
			}
			parts[j] = cp
		}
		copied[i] = Turn{Role: t.Role, Parts: parts}
	}
	return copied
}
