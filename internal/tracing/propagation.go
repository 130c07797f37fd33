package tracing

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger returns the global logger annotated with the IDs carried by ctx.
func Logger(ctx context.Context) *zerolog.Logger {
	l := Annotate(ctx, log.Logger)
	return &l
}

// Annotate adds every non-empty ID in ctx to l.
func Annotate(ctx context.Context, l zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	if tc.TraceID == "" && tc.ExecutionID == "" && tc.CallID == "" && tc.SessionID == "" && tc.ToolName == "" {
		return l
	}

	c := l.With()
	for _, f := range []struct{ key, value string }{
		{"trace_id", tc.TraceID},
		{"execution_id", tc.ExecutionID},
		{"call_id", tc.CallID},
		{"session_id", tc.SessionID},
		{"tool", tc.ToolName},
	} {
		if f.value != "" {
			c = c.Str(f.key, f.value)
		}
	}
	return c.Logger()
}
