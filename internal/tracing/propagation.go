package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns a logger enriched with any trace, run, and
// session identifiers carried by the context.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	if traceID := GetTraceID(ctx); traceID != "" {
		baseLogger = baseLogger.With().Str("trace_id", traceID).Logger()
	}
	if runID := GetRunID(ctx); runID != "" {
		baseLogger = baseLogger.With().Str("run_id", runID).Logger()
	}
	if sessionID := GetSessionID(ctx); sessionID != "" {
		baseLogger = baseLogger.With().Str("session_id", sessionID).Logger()
	}
	return baseLogger
}
