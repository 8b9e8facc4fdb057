// Package logging centralizes zerolog setup and the small adapters needed to
// hand a component logger to third-party libraries with their own logging
// interface (spec.md "Error handling design").
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger at the given level, writing human-readable
// console output when pretty is true (local/dev use) and newline-delimited
// JSON otherwise (production use, grep/jq-friendly).
func New(level zerolog.Level, pretty bool) zerolog.Logger {
	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// RTRLib adapts a component logger to the Logger interface expected by
// github.com/bgp/stayrtr/lib's client session (stages/rpki/logger.go in the
// teacher repo).
type RTRLib struct {
	zerolog.Logger
}

func (l *RTRLib) Printf(format string, args ...any) {
	l.Debug().Msgf(format, args...)
}

func (l *RTRLib) Debugf(format string, args ...any) {
	l.Debug().Msgf(format, args...)
}

func (l *RTRLib) Infof(format string, args ...any) {
	l.Info().Msgf(format, args...)
}

func (l *RTRLib) Warnf(format string, args ...any) {
	l.Warn().Msgf(format, args...)
}

func (l *RTRLib) Errorf(format string, args ...any) {
	l.Error().Msgf(format, args...)
}
