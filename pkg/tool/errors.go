package tool

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrFunctionNotFound is returned when a function path has no catalog entry.
var ErrFunctionNotFound = errors.New("function not found in catalog")

// ValidationError reports a malformed call or arguments that do not match the
// tool schema. It is never retried.
type ValidationError struct {
	Field      string
	Reason     string
	Violations []string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Details lists every violation, or the single reason when only one is known.
func (e *ValidationError) Details() []string {
	if len(e.Violations) > 0 {
		return e.Violations
	}
	return []string{strings.TrimPrefix(e.Error(), "validation failed: ")}
}

// NotFoundError reports an unknown tool name. It is never retried.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return "tool not found: " + e.Name
}

// ExecutionError reports a failure raised by a tool body.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a call that exceeded its deadline.
type TimeoutError struct {
	Tool  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %s timed out after %v", e.Tool, e.After)
}

// Timeout lets callers treat the error like a net.Error timeout.
func (e *TimeoutError) Timeout() bool {
	return true
}

// ConfigurationError reports a tool that cannot run because of how it was
// configured (missing credentials, bad endpoint).
type ConfigurationError struct {
	Tool   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tool %s misconfigured: %s", e.Tool, e.Reason)
}
