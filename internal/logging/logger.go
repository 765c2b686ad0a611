// Package logging builds the zerolog loggers shared by the CLI, the TUI and
// the engine components.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// TimeFormat is the console timestamp layout.
const TimeFormat = "15:04:05"

// New returns a console logger writing to out at the given level.
// Unknown levels fall back to info.
func New(out io.Writer, level string) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: TimeFormat,
	}).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// NewCLI returns the logger used by command line tools. Logs go to stderr so
// progress bars and command output on stdout stay readable.
func NewCLI(verbose bool, level string) zerolog.Logger {
	if verbose {
		level = "debug"
	}
	return New(os.Stderr, level)
}

// ParseLevel maps a configuration string onto a zerolog level.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Component derives a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
