// Package logging provides structured logging for flowsync using zerolog.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// ctxKey is the type for context keys.
type ctxKey string

const loggerKey ctxKey = "logger"

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string

	// Format is the output format (json, console).
	Format string

	// Output is where logs are written (defaults to stderr).
	Output io.Writer

	// EnableCaller adds caller information to logs.
	EnableCaller bool
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "console",
		Output: os.Stderr,
	}
}

// Init initializes the global logger with the given configuration.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05",
		}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	Logger = ctx.Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithContext returns a new context with the logger attached.
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger from the context, or the global logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return logger
	}
	return Logger
}

// Component creates a logger with a component field.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithUser adds user context to a logger.
func WithUser(logger zerolog.Logger, userID string) zerolog.Logger {
	return logger.With().Str("user_id", userID).Logger()
}

// WithRoom adds conversation context to a logger.
func WithRoom(logger zerolog.Logger, roomID string) zerolog.Logger {
	return logger.With().Str("room_id", roomID).Logger()
}

// WithTopic adds subscription topic context to a logger.
func WithTopic(logger zerolog.Logger, topic string) zerolog.Logger {
	return logger.With().Str("topic", topic).Logger()
}

func init() {
	Init(DefaultConfig())
}
