package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kestrel0/kestrel/internal/llm"
)

// Session-scoped error codes layered on top of the provider codes in llm.
const (
	CodeTimeout   = "TIMEOUT_ERROR"
	CodeJSONParse = "JSON_PARSE_ERROR"
	CodeClosed    = "SESSION_CLOSED"
)

// ErrClosed is returned by every operation on a closed session.
var ErrClosed = errors.New("session closed")

// Error wraps a failure with the identity of the session it happened in.
// The cause keeps its chain: errors.Is sees through to the llm sentinels,
// so callers match on kind without unpacking fields.
type Error struct {
	SessionID string
	Provider  string
	Code      string
	Message   string

	// RetryAfter carries the provider's rate-limit hint when present.
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session %s (%s): %s [%s]", e.SessionID, e.Provider, e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// wrapError attaches session identity to err and classifies it. Timeouts get
// a distinct code so callers can tell "provider said no" from "provider said
// nothing in time".
func (s *Session) wrapError(err error) error {
	if err == nil {
		return nil
	}

	serr := &Error{
		SessionID: s.id,
		Provider:  s.provider,
		Code:      llm.CodeUnknown,
		Message:   err.Error(),
		cause:     err,
	}

	var perr *llm.ProviderError
	switch {
	case errors.As(err, &perr):
		serr.Code = perr.Code
		serr.RetryAfter = perr.RetryAfter
	case errors.Is(err, context.DeadlineExceeded):
		serr.Code = CodeTimeout
		serr.cause = fmt.Errorf("%w: %w", llm.ErrTimeout, err)
	case errors.Is(err, llm.ErrJSONParse):
		serr.Code = CodeJSONParse
	case errors.Is(err, ErrClosed):
		serr.Code = CodeClosed
	case errors.Is(err, llm.ErrInvalidRequest),
		errors.Is(err, llm.ErrUnsupportedFeature),
		errors.Is(err, llm.ErrContextLength):
		serr.Code = llm.CodeInvalidRequest
	}

	return serr
}
