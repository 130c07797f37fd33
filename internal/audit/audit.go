// Package audit writes one JSON line per tool execution and configuration
// change, and mirrors each entry onto the active trace span.
package audit

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/harun/toolrun/internal/logger"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the audit file. An empty Path disables auditing.
type Config struct {
	Path    string `json:"path" mapstructure:"path" yaml:"path"`
	MaxSize int    `json:"max_size" mapstructure:"max_size" yaml:"max_size"`
	MaxAge  int    `json:"max_age" mapstructure:"max_age" yaml:"max_age"`
}

// Event is one audit record.
type Event struct {
	Type      string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor,omitempty"`
	Action    string         `json:"action"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// Logger records audit events. The zero value is not usable; a nil *Logger
// drops every event.
type Logger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

// New opens the audit file with size-based rotation. It returns nil when
// cfg.Path is empty.
func New(cfg Config) (*Logger, error) {
	if cfg.Path == "" {
		return nil, nil
	}
	rw, err := logger.NewRotatingWriter(cfg.Path, cfg.MaxSize, cfg.MaxAge, true)
	if err != nil {
		return nil, err
	}
	l := NewWriter(logger.NewRedactor().Wrap(rw))
	l.closer = rw
	return l, nil
}

// NewWriter records events to w.
func NewWriter(w io.Writer) *Logger {
	return &Logger{logger: zerolog.New(w)}
}

// Record writes event and adds it to the span in ctx, if any.
func (l *Logger) Record(ctx context.Context, event Event) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.logger.Log().
		Time("timestamp", event.Timestamp).
		Str("event_type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.Actor != "" {
		entry.Str("actor", event.Actor)
	}
	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if len(event.Metadata) > 0 {
		entry.Interface("metadata", event.Metadata)
	}
	entry.Send()
}

// RecordExecution records a finished call. The session is the actor.
func (l *Logger) RecordExecution(ctx context.Context, call tool.Call, result tool.Result) {
	if l == nil {
		return
	}
	status := "success"
	if !result.Success {
		status = "failure"
	}
	meta := map[string]any{
		"call_id":     result.CallID,
		"duration_ms": result.ExecutionTime.Milliseconds(),
	}
	for _, key := range []string{tool.MetaErrorCategory, tool.MetaRecoveryAttempts, tool.MetaFallback} {
		if v, ok := result.Metadata[key]; ok {
			meta[key] = v
		}
	}
	if result.Error != "" {
		meta["error"] = result.Error
	}
	l.Record(ctx, Event{
		Type:     "tool",
		Actor:    call.SessionID,
		Action:   "execute:" + call.Name,
		Status:   status,
		Metadata: meta,
	})
}

// RecordReload records a tool set reload.
func (l *Logger) RecordReload(ctx context.Context, tools int, err error) {
	if l == nil {
		return
	}
	event := Event{
		Type:     "config",
		Action:   "reload_tools",
		Status:   "success",
		Metadata: map[string]any{"tools": tools},
	}
	if err != nil {
		event.Status = "partial"
		event.Metadata["error"] = err.Error()
	}
	l.Record(ctx, event)
}

// Close closes the audit file.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closer.Close()
}
