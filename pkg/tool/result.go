package tool

import "time"

// Metadata keys set on results by the executor.
const (
	MetaFallback          = "fallback"
	MetaRecoveryAttempted = "recovery_attempted"
	MetaRecoveryFailed    = "recovery_failed"
	MetaRecoveryAttempts  = "recovery_attempts"
	MetaErrorCategory     = "error_category"
	MetaValidationErrors  = "validation_errors"
	MetaUnexpectedError   = "unexpected_error"
	MetaNestedScheduler   = "nested_scheduler"
	MetaAborted           = "aborted"
	MetaTruncated         = "truncated"
	MetaExecutionID       = "execution_id"
	MetaCapability        = "capability"
)

// Call is one request to run a tool.
type Call struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	CallID    string         `json:"call_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Timeout   time.Duration  `json:"timeout,omitempty"`
}

// Result is the uniform outcome of a call. Error is non-empty exactly when
// Success is false.
type Result struct {
	Success       bool           `json:"success"`
	Output        any            `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	ToolName      string         `json:"tool_name"`
	CallID        string         `json:"call_id,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Succeeded builds a success result.
func Succeeded(name, callID string, output any) Result {
	return Result{
		Success:  true,
		Output:   output,
		ToolName: name,
		CallID:   callID,
		Metadata: map[string]any{},
	}
}

// Failed builds a failure result. An empty message is replaced so the result
// always explains itself.
func Failed(name, callID, message string) Result {
	if message == "" {
		message = "unknown error"
	}
	return Result{
		Success:  false,
		Error:    message,
		ToolName: name,
		CallID:   callID,
		Metadata: map[string]any{},
	}
}

// WithMeta sets a metadata key and returns the result.
func (r Result) WithMeta(key string, value any) Result {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = value
	return r
}

// Flag reports whether a boolean metadata key is set.
func (r Result) Flag(key string) bool {
	v, _ := r.Metadata[key].(bool)
	return v
}
