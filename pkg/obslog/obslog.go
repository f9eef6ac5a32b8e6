// Package obslog wraps zerolog to provide omnipkgd's structured
// logging: a process-wide logger initialized once via Init, and
// component-scoped child loggers for the bubble store, loader, and
// worker supervisor to attach spec/scope/worker identifiers to every
// line they write.
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, set by Init.
var Logger zerolog.Logger

// Level is a recognized log level string.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Call once at process start.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with a component name,
// e.g. "bubble", "loader", "supervisor".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithSpec creates a child logger tagged with a package spec.
func WithSpec(spec string) zerolog.Logger {
	return Logger.With().Str("spec", spec).Logger()
}

// WithScope creates a child logger tagged with an activation scope id.
func WithScope(scopeID string) zerolog.Logger {
	return Logger.With().Str("scope_id", scopeID).Logger()
}

// WithWorker creates a child logger tagged with a worker's pid.
func WithWorker(pid int) zerolog.Logger {
	return Logger.With().Int("worker_pid", pid).Logger()
}
