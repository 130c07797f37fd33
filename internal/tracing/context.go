package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// CallIDKey is the context key for the tool call ID
	CallIDKey ContextKey = "call_id"
	// SessionIDKey is the context key for the caller's session ID
	SessionIDKey ContextKey = "session_id"
	// ExecutionIDKey is the context key for the execution context ID
	ExecutionIDKey ContextKey = "execution_id"
	// ToolNameKey is the context key for the tool being executed
	ToolNameKey ContextKey = "tool"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID     string
	CallID      string
	SessionID   string
	ExecutionID string
	ToolName    string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewCallID generates a call ID for calls that arrive without one
func NewCallID() string {
	return "call_" + uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithCallID adds a call ID to the context
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, CallIDKey, callID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithExecutionID adds an execution context ID to the context
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDKey, executionID)
}

// WithToolName adds the executing tool's name to the context
func WithToolName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ToolNameKey, name)
}

func value(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return value(ctx, TraceIDKey) }

// GetCallID retrieves the call ID from the context
func GetCallID(ctx context.Context) string { return value(ctx, CallIDKey) }

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string { return value(ctx, SessionIDKey) }

// GetExecutionID retrieves the execution context ID from the context
func GetExecutionID(ctx context.Context) string { return value(ctx, ExecutionIDKey) }

// GetToolName retrieves the executing tool's name from the context
func GetToolName(ctx context.Context) string { return value(ctx, ToolNameKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:     GetTraceID(ctx),
		CallID:      GetCallID(ctx),
		SessionID:   GetSessionID(ctx),
		ExecutionID: GetExecutionID(ctx),
		ToolName:    GetToolName(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.CallID != "" {
		ctx = WithCallID(ctx, tc.CallID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.ExecutionID != "" {
		ctx = WithExecutionID(ctx, tc.ExecutionID)
	}
	if tc.ToolName != "" {
		ctx = WithToolName(ctx, tc.ToolName)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
