// Package logging builds the process-wide zerolog logger. Components receive
// sub-loggers tagged with a component field rather than reaching for a global.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a configured root logger. format is "console" for human output
// or "json" for machine-readable lines; level is any zerolog level name.
func New(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if format == "console" {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		logger = zerolog.New(writer)
	} else {
		logger = zerolog.New(os.Stderr)
	}

	return logger.Level(lvl).With().Timestamp().Logger()
}
