// Package logging configures the structured logger shared by every Sluice
// component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Format selects how log lines are rendered.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config controls the root logger.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format Format
}

// New builds the root logger. Each component should derive a child logger
// with With().Str("component", name).Logger() rather than logging directly
// against the root.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "sluice").
		Logger()
}

// Component returns a child logger tagged with the owning subsystem, the
// way every writer/reader-pool/subscribe-handler entry point should.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
