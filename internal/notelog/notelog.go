// Package notelog is a thin façade over zerolog shared by every background
// component in notecore (scheduler ticks, the projection catch-up loop, the
// file watcher). Call sites read like the rest of the codebase's terse
// error-wrapping style: one component tag, one message, a handful of
// key/value pairs.
package notelog

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	baseOnce sync.Once
	base     zerolog.Logger
)

func initBase() {
	baseOnce.Do(func() {
		var w io.Writer = os.Stderr
		if os.Getenv("NOTECORE_LOG_FORMAT") == "console" {
			w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}

		base = zerolog.New(w).With().Timestamp().Logger()
	})
}

// Logger wraps a zerolog.Logger bound to one component name.
type Logger struct {
	z zerolog.Logger
}

// New returns a Logger tagged with component, e.g. "savecoord" or
// "projection/tree".
func New(component string) *Logger {
	initBase()

	return &Logger{z: base.With().Str("component", component).Logger()}
}

// SetLevel adjusts the global minimum level (defaults to Info).
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// Debug starts a debug-level event.
func (l *Logger) Debug() *zerolog.Event { return l.z.Debug() }

// Info starts an info-level event.
func (l *Logger) Info() *zerolog.Event { return l.z.Info() }

// Warn starts a warn-level event.
func (l *Logger) Warn() *zerolog.Event { return l.z.Warn() }

// Error starts an error-level event.
func (l *Logger) Error() *zerolog.Event { return l.z.Error() }

// With returns a child logger with path added as a field, for call sites
// that log the same path repeatedly (e.g. inside a retry loop).
func (l *Logger) With(path string) *Logger {
	return &Logger{z: l.z.With().Str("path", path).Logger()}
}
