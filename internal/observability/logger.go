package observability

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName is the value of the "service" field on every gateway log line.
const ServiceName = "paper-search-gateway"

// LoggingConfig contains logger configuration options.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fatal, panic).
	// Unknown levels fall back to info.
	Level string

	// Format is json, or console/pretty for human-readable output.
	Format string

	// Output is stdout, stderr or discard.
	Output string

	// AddSource adds source file and line number to log entries.
	AddSource bool

	// TimeFormat is the time format for timestamps.
	TimeFormat string

	// Version is attached to every entry when set.
	Version string
}

// DefaultLoggingConfig returns the configuration used when none is given.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	}
}

// NewLogger creates the root gateway logger. Every entry carries a timestamp
// and the service name. The configured level also becomes zerolog's global level.
func NewLogger(cfg LoggingConfig) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	zerolog.TimeFieldFormat = cfg.TimeFormat
	if zerolog.TimeFieldFormat == "" {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	return newLogger(outputWriter(cfg.Output), cfg)
}

// newLogger builds the logger on w without touching zerolog globals.
func newLogger(w io.Writer, cfg LoggingConfig) zerolog.Logger {
	switch strings.ToLower(cfg.Format) {
	case "console", "pretty":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: zerolog.TimeFieldFormat}
	}

	lc := zerolog.New(w).With().
		Timestamp().
		Str("service", ServiceName)
	if cfg.Version != "" {
		lc = lc.Str("version", cfg.Version)
	}
	if cfg.AddSource {
		lc = lc.Caller()
	}
	return lc.Logger().Level(parseLevel(cfg.Level))
}

func outputWriter(output string) io.Writer {
	switch strings.ToLower(output) {
	case "stderr":
		return os.Stderr
	case "discard":
		return io.Discard
	default:
		return os.Stdout
	}
}

// parseLevel converts a configured level to a zerolog.Level. "warning" is
// accepted for warn; empty, unknown and disabled levels map to info.
func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return zerolog.WarnLevel
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" || parsed == zerolog.NoLevel || parsed == zerolog.Disabled {
		return zerolog.InfoLevel
	}
	return parsed
}

// WithPlatformContext adds upstream platform fields to a logger.
func WithPlatformContext(logger zerolog.Logger, platform, operation string) zerolog.Logger {
	return logger.With().
		Str("platform", platform).
		Str("operation", operation).
		Logger()
}

// WithOperationContext adds the ID of one gateway operation, shared by all of
// its attempts, to a logger.
func WithOperationContext(logger zerolog.Logger, operationID string) zerolog.Logger {
	return logger.With().
		Str("operation_id", operationID).
		Logger()
}

// WithMirrorContext adds the mirrored backend and the mirror URL to a logger.
func WithMirrorContext(logger zerolog.Logger, backend, mirror string) zerolog.Logger {
	return logger.With().
		Str("backend", backend).
		Str("mirror", mirror).
		Logger()
}

// FromContext returns logger enriched with the ops API request ID stored in ctx.
func FromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return logger.With().Str("request_id", id).Logger()
	}
	return logger
}
