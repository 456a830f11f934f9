package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns base enriched with the trace, turn and session
// identifiers carried by ctx.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return base
	}

	lc := base.With()
	if v := GetTraceID(ctx); v != "" {
		lc = lc.Str("trace_id", v)
	}
	if v := GetTurnID(ctx); v != "" {
		lc = lc.Str("turn_id", v)
	}
	if v := GetSessionKey(ctx); v != "" {
		lc = lc.Str("session_key", v)
	}
	return lc.Logger()
}
