package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/kestrel0/kestrel/internal/events"
	"github.com/kestrel0/kestrel/internal/llm"
	"github.com/kestrel0/kestrel/internal/provider"
)

// GenerateJSON sends input and returns the model's reply as parsed JSON
// conforming to schema. Adapters that enforce schemas natively are used
// directly; for the rest the schema is injected as an instruction and the
// reply parsed, failing with a JSON_PARSE_ERROR when the model strays.
// The exchange is committed to history like any other send.
func (s *Session) GenerateJSON(ctx context.Context, input string, schema *jsonschema.Schema) (json.RawMessage, error) {
	if schema == nil {
		return nil, s.wrapError(fmt.Errorf("%w: schema is required", llm.ErrInvalidRequest))
	}

	structured, native := s.client.(provider.StructuredClient)

	userText := input
	if !native {
		instruction, err := schemaInstruction(schema)
		if err != nil {
			return nil, s.wrapError(err)
		}
		userText = input + "\n\n" + instruction
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.wrapError(ErrClosed)
	}
	s.history = append(s.history, llm.UserTurn(userText))
	s.stats.MessageCount++
	req := s.buildRequest(false)
	s.mu.Unlock()

	s.emit(events.Event{Type: events.TypeStart})

	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	start := time.Now()

	var (
		resp *llm.Response
		err  error
	)
	if native {
		resp, err = structured.GenerateStructured(ctx, req, schema)
	} else {
		resp, err = s.client.GenerateContent(ctx, req)
	}
	if err != nil {
		s.recordError()
		serr := s.wrapError(err)
		s.emitFailure(serr)
		return nil, serr
	}

	raw, perr := parseJSONReply(resp.Text())
	if perr != nil {
		s.recordError()
		serr := s.wrapError(perr)
		s.emitFailure(serr)
		return nil, serr
	}

	s.commitResponse(resp, time.Since(start))
	s.emit(events.Event{Type: events.TypeEnd, Usage: resp.Usage})
	return raw, nil
}

// schemaInstruction renders the injected fallback instruction for providers
// without native structured output.
func schemaInstruction(schema *jsonschema.Schema) (string, error) {
	encoded, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("encoding response schema: %w", err)
	}
	return "Respond with a single JSON value conforming to this JSON Schema, " +
		"with no surrounding prose or markdown fences:\n" + string(encoded), nil
}

// parseJSONReply extracts and validates the JSON payload of a model reply.
// Models routinely wrap JSON in markdown fences or a sentence of prose, so
// the outermost object or array is located before parsing.
func parseJSONReply(text string) (json.RawMessage, error) {
	candidate := strings.TrimSpace(text)

	if after, ok := strings.CutPrefix(candidate, "```json"); ok {
		candidate = after
	} else if after, ok := strings.CutPrefix(candidate, "```"); ok {
		candidate = after
	}
	candidate = strings.TrimSuffix(strings.TrimSpace(candidate), "```")
	candidate = strings.TrimSpace(candidate)

	if !json.Valid([]byte(candidate)) {
		if extracted, ok := extractJSON(candidate); ok {
			candidate = extracted
		}
	}

	var parsed any
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrJSONParse, err)
	}
	return json.RawMessage(candidate), nil
}

// extractJSON finds the outermost {...} or [...] span in text.
func extractJSON(text string) (string, bool) {
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(text, pair[0])
		end := strings.LastIndexByte(text, pair[1])
		if start >= 0 && end > start {
			span := text[start : end+1]
			if json.Valid([]byte(span)) {
				return span, true
			}
		}
	}
	return "", false
}
