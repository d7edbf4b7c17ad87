// Package logging builds the zerolog loggers used across the service and the
// per-request trace identifiers attached to them.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/luma-therapy/luma/backend/internal/config"
)

// TraceHeader carries the correlation id between services.
const TraceHeader = "X-Trace-Id"

// New returns the process logger for cfg, writing to stderr.
func New(cfg config.LogConfig) zerolog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := w
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// NewTraceID generates a correlation id of the form trace-<unix-ms>-<8 hex>.
func NewTraceID() string {
	return fmt.Sprintf("trace-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

type traceKey struct{}

// WithTrace returns a context carrying traceID and a logger annotated with it.
func WithTrace(ctx context.Context, base zerolog.Logger, traceID string) context.Context {
	logger := base.With().Str("trace_id", traceID).Logger()
	ctx = context.WithValue(ctx, traceKey{}, traceID)
	return logger.WithContext(ctx)
}

// TraceID returns the correlation id stored in ctx, if any.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// FromContext returns the request-scoped logger, or a disabled logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
