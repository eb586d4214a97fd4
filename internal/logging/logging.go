// Package logging configures the process logger. Standard output carries the
// MCP wire protocol, so all log output goes to stderr. Logs default to JSON;
// set REASONBRIDGE_UNSTRUCTURED_LOGS=true for plain text during development.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strconv"
)

// New builds the root logger for the process. Components receive child
// loggers via With; nothing in the repo logs through a package global.
func New(debug bool) *slog.Logger {
	return NewWithWriter(os.Stderr, debug)
}

// NewWithWriter is the injectable variant used by tests to capture output.
func NewWithWriter(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	redactor := NewRedactionFilter()
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(redactor.Redact(a.Value.String()))
			}
			return a
		},
	}

	var handler slog.Handler
	if unstructured() {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

func unstructured() bool {
	v, err := strconv.ParseBool(os.Getenv("REASONBRIDGE_UNSTRUCTURED_LOGS"))
	if err != nil {
		return false
	}
	return v
}
