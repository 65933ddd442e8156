// Package logging configures the structured zerolog logger used across the
// postoffice: JSON output by default (Loki-compatible), an optional pretty
// console writer, a fixed "service" field, caller info, and a configurable
// minimum level.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the logger's minimum level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// New builds a zerolog.Logger per Config, tagged with service="postoffice"
// so multi-role deployments (root vs worker) can be told apart once Role is
// added via logger.With().
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "postoffice").
		Logger()
}
