package session

import (
	"context"
	"fmt"

	"github.com/kestrel0/kestrel/internal/events"
	"github.com/kestrel0/kestrel/internal/llm"
)

// History returns a copy of the full conversation record, including empty
// turns some providers emit around tool calls.
func (s *Session) History() []llm.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return llm.CopyTurns(s.history)
}

// CuratedHistory returns a copy of the history with empty turns dropped,
// the view suitable for display or for re-sending to a strict provider.
func (s *Session) CuratedHistory() []llm.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	curated := make([]llm.Turn, 0, len(s.history))
	for _, t := range s.history {
		if t.Empty() {
			continue
		}
		curated = append(curated, t)
	}
	return llm.CopyTurns(curated)
}

// SetHistory replaces the conversation record with a copy of turns. Stats are
// untouched; this is a transcript operation, not a reset.
func (s *Session) SetHistory(turns []llm.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = llm.CopyTurns(turns)
}

// AddHistory appends a turn without calling the provider, used to record
// tool results or externally-sourced turns.
func (s *Session) AddHistory(turn llm.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, llm.CopyTurns([]llm.Turn{turn})...)
}

// ClearHistory drops every turn, including a seeded system prompt.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// SetTools replaces the tool declarations sent with subsequent requests.
func (s *Session) SetTools(tools []llm.ToolDeclaration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append([]llm.ToolDeclaration(nil), tools...)
}

// TrimHistory removes the oldest turns until the history fits within limit
// tokens or fewer than three turns remain. Adjacent user/model turns at the
// head are removed as a pair so the conversation keeps its alternation; a
// lone head turn is removed singly. Calling it on a history already under
// the limit is a no-op.
func (s *Session) TrimHistory(ctx context.Context, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("%w: trim limit must be positive", llm.ErrInvalidRequest)
	}

	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	removed := 0
	for {
		s.mu.Lock()
		turns := llm.CopyTurns(s.history)
		s.mu.Unlock()

		if len(turns) < 3 {
			break
		}

		count, err := s.client.CountTokens(ctx, turns)
		if err != nil {
			return s.wrapError(err)
		}
		if count <= limit {
			break
		}

		drop := 1
		if turns[0].Role == llm.RoleUser && turns[1].Role == llm.RoleModel {
			drop = 2
		}

		s.mu.Lock()
		// Re-check under the lock; a concurrent writer may have replaced the
		// history since the snapshot.
		if len(s.history) >= drop {
			s.history = s.history[drop:]
			removed += drop
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		s.logger.Debug("trimmed history", "removed_turns", removed, "limit", limit)
		s.emit(events.Event{
			Type: events.TypeContextCompressed,
			Text: fmt.Sprintf("removed %d oldest turns", removed),
		})
	}
	return nil
}
