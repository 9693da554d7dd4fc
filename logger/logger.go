// Package logger defines the structured logging capability the core consumes.
// The core never writes to a concrete backend; connectors and hosts wire in
// whatever backend they prefer by implementing Logger.
package logger

import (
	"log/slog"
	"os"
)

// Logger is the logging interface the core consumes (spec §6: Capabilities
// the core consumes). Fields are alternating key/value pairs, slog-style.
type Logger interface {
	Info(evt string, fields ...any)
	Warn(evt string, fields ...any)
	Error(evt string, fields ...any)
}

// Nop discards everything. It is the zero-value-safe default so a Context
// built without an explicit logger never nil-panics.
type Nop struct{}

func (Nop) Info(string, ...any)  {}
func (Nop) Warn(string, ...any)  {}
func (Nop) Error(string, ...any) {}

// Slog adapts a *slog.Logger to the Logger interface.
type Slog struct {
	L *slog.Logger
}

// NewSlog builds a Slog logger writing JSON to stderr, a reasonable default
// for a connector host that hasn't configured anything else.
func NewSlog() Slog {
	return Slog{L: slog.New(slog.NewJSONHandler(os.Stderr, nil))}
}

func (s Slog) Info(evt string, fields ...any)  { s.L.Info(evt, fields...) }
func (s Slog) Warn(evt string, fields ...any)  { s.L.Warn(evt, fields...) }
func (s Slog) Error(evt string, fields ...any) { s.L.Error(evt, fields...) }
