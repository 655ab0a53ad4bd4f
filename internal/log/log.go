// Package log provides the logging infrastructure shared by the kestrel
// runtime packages.
//
// Loggers are plain *slog.Logger values injected through constructors; no
// package keeps a global logger. Components scope their logger with
// logger.With("component", ...) so log lines are attributable without the
// caller threading extra context.
//
// Credentials must never reach a logger. Config types that hold secrets are
// responsible for masking them before logging (see config.ProviderConfig).
package log

import (
	"io"
	"log/slog"
	"os"
)

// Logger is an alias for *slog.Logger. Using the standard library type
// directly keeps the full slog ecosystem (With, WithGroup, LogValuer)
// available to every component without an interface indirection.
type Logger = *slog.Logger

// Config defines logger construction options.
type Config struct {
	// Level sets the minimum log level. Default: slog.LevelInfo.
	Level slog.Level

	// JSON switches output to JSON format. Default: text.
	JSON bool

	// AddSource annotates records with the caller's file and line.
	AddSource bool
}

// New creates a logger writing to os.Stderr.
func New(cfg Config) Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter creates a logger writing to w. Tests use this with a
// bytes.Buffer to inspect output.
func NewWithWriter(w io.Writer, cfg Config) Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// NewNop creates a logger that discards everything. Test-only: production
// code should always construct a real logger so failures stay diagnosable.
func NewNop() Logger {
	return slog.New(slog.DiscardHandler)
}
