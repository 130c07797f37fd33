// Package executor is the entry point for running tool calls. Every call
// goes through validation, resolution, dispatch and, on failure, recovery,
// and always ends in a tool.Result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/toolrun/internal/metrics"
	"github.com/harun/toolrun/internal/tracing"
	"github.com/harun/toolrun/pkg/bridge"
	"github.com/harun/toolrun/pkg/limiter"
	"github.com/harun/toolrun/pkg/recovery"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxOutputSize = 10 * 1024
)

// ToolProvider resolves a tool for a call. A session ID selects the
// session-bound instance of stateful tools.
type ToolProvider interface {
	GetTool(name, sessionID string) (tool.Tool, error)
}

// Auditor records every finished call.
type Auditor interface {
	RecordExecution(ctx context.Context, call tool.Call, result tool.Result)
}

// Config controls an Executor.
type Config struct {
	// DefaultTimeout applies when neither the call nor the descriptor sets one.
	DefaultTimeout time.Duration
	// MaxOutputSize truncates larger outputs. Negative disables truncation.
	MaxOutputSize int
	// MaxParallel bounds ExecuteParallel fan-out. Zero runs every call at once.
	MaxParallel  int
	BatchSize    int
	BatchTimeout time.Duration
}

// Deps are the components an Executor dispatches through.
type Deps struct {
	Tools    ToolProvider
	Bridge   *bridge.Bridge
	Limiter  *limiter.Limiter
	Recovery *recovery.Manager
	Metrics  *metrics.Metrics
	// Audit is optional.
	Audit Auditor
}

// Executor runs calls against resolved tools.
type Executor struct {
	cfg      Config
	tools    ToolProvider
	bridge   *bridge.Bridge
	limiter  *limiter.Limiter
	recovery *recovery.Manager
	metrics  *metrics.Metrics
	audit    Auditor

	// sched runs ExecuteAsync calls made outside any scheduler.
	sched *bridge.Scheduler
}

// New creates an executor. Tools and Bridge are required; a missing limiter
// or recovery manager is replaced by one with default settings.
func New(cfg Config, deps Deps) (*Executor, error) {
	if deps.Tools == nil {
		return nil, fmt.Errorf("executor: tool provider is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("executor: bridge is required")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxOutputSize == 0 {
		cfg.MaxOutputSize = DefaultMaxOutputSize
	}
	if deps.Limiter == nil {
		deps.Limiter = limiter.New(limiter.DefaultMaxConcurrent, deps.Metrics)
	}
	if deps.Recovery == nil {
		deps.Recovery = recovery.NewManager(recovery.Config{}, deps.Metrics)
	}

	log.Info().
		Dur("default_timeout", cfg.DefaultTimeout).
		Int("max_concurrent", deps.Limiter.Max()).
		Msg("Tool executor initialized")

	return &Executor{
		cfg:      cfg,
		tools:    deps.Tools,
		bridge:   deps.Bridge,
		limiter:  deps.Limiter,
		recovery: deps.Recovery,
		metrics:  deps.Metrics,
		audit:    deps.Audit,
		sched:    bridge.NewScheduler(),
	}, nil
}

// Close stops the executor's scheduler, cancelling calls it still runs.
func (e *Executor) Close() {
	e.sched.Close()
}

// Limiter exposes the admission limiter.
func (e *Executor) Limiter() *limiter.Limiter {
	return e.limiter
}

// Recovery exposes the recovery manager.
func (e *Executor) Recovery() *recovery.Manager {
	return e.recovery
}

// Execute runs call and blocks until it has a result. Calling it from a
// context that runs under a scheduler fails the call with a nested_scheduler
// result.
func (e *Executor) Execute(ctx context.Context, call tool.Call) tool.Result {
	if s, ok := bridge.SchedulerFrom(ctx); ok {
		log.Warn().
			Str("tool", call.Name).
			Str("scheduler", s.ID()).
			Msg("Blocking execute called inside an active scheduler")
		return tool.Failed(call.Name, call.CallID, bridge.ErrNestedScheduler.Error()).
			WithMeta(tool.MetaNestedScheduler, true)
	}
	return e.run(ctx, call, true)
}

// ExecuteAsync starts call and returns its pending result. It runs on the
// scheduler active in ctx, or on the executor's own.
func (e *Executor) ExecuteAsync(ctx context.Context, call tool.Call) *bridge.Future[tool.Result] {
	s, ok := bridge.SchedulerFrom(ctx)
	if !ok {
		s = e.sched
	}
	return bridge.Go(ctx, s, func(ctx context.Context) (tool.Result, error) {
		return e.run(ctx, call, false), nil
	})
}

func (e *Executor) run(ctx context.Context, call tool.Call, blocking bool) tool.Result {
	start := time.Now()
	if call.CallID == "" {
		call.CallID = tracing.NewCallID()
	}

	m := newMachine(call.Name, call.CallID, call.SessionID)

	ctx = tracing.WithCallID(ctx, call.CallID)
	ctx = tracing.WithExecutionID(ctx, m.ec.ID)
	ctx = tracing.WithToolName(ctx, call.Name)
	if call.SessionID != "" {
		ctx = tracing.WithSessionID(ctx, call.SessionID)
	}
	ctx, span := tracing.StartSpan(ctx, "toolrun.executor", "executor.execute",
		attribute.String("tool.name", call.Name),
		attribute.String("call.id", call.CallID),
		attribute.Bool("blocking", blocking),
	)
	defer span.End()

	result := e.execute(ctx, m, call, blocking)
	m.move(StateDone)

	result.ToolName = call.Name
	result.CallID = call.CallID
	result.ExecutionTime = time.Since(start)
	result = result.WithMeta(tool.MetaExecutionID, m.ec.ID)

	e.metrics.RecordToolExecution(call.Name, result.Success, result.ExecutionTime)
	if !result.Success {
		category, _ := result.Metadata[tool.MetaErrorCategory].(string)
		if category == "" {
			category = string(recovery.CategoryUnknown)
		}
		e.metrics.RecordToolError(call.Name, category)
		span.SetStatus(codes.Error, result.Error)

		tracing.Logger(ctx).Error().
			Str("category", category).
			Dur("duration", result.ExecutionTime).
			Str("error", result.Error).
			Msg("Tool execution failed")
	} else {
		tracing.Logger(ctx).Debug().
			Dur("duration", result.ExecutionTime).
			Msg("Tool execution completed")
	}
	if e.audit != nil {
		e.audit.RecordExecution(ctx, call, result)
	}
	return result
}

func (e *Executor) execute(ctx context.Context, m *machine, call tool.Call, blocking bool) tool.Result {
	// Validating
	if err := validateCall(&call); err != nil {
		m.move(StateFailed)
		return tool.Failed(call.Name, call.CallID, err.Error()).
			WithMeta(tool.MetaErrorCategory, string(recovery.CategoryValidation))
	}

	// Resolving
	m.move(StateResolving)
	t, err := e.resolve(call)
	if err != nil {
		m.move(StateFailed)
		return tool.Failed(call.Name, call.CallID, err.Error()).
			WithMeta(tool.MetaErrorCategory, string(recovery.Classify(err)))
	}

	// Dispatching
	m.move(StateDispatching)
	if err := t.ValidateParameters(call.Arguments); err != nil {
		m.move(StateFailed)
		result := tool.Failed(call.Name, call.CallID, err.Error()).
			WithMeta(tool.MetaErrorCategory, string(recovery.CategoryValidation))
		var verr *tool.ValidationError
		if errors.As(err, &verr) {
			result = result.WithMeta(tool.MetaValidationErrors, verr.Details())
		}
		return result
	}

	timeout := e.timeoutFor(call, t)
	capability := t.Capability()
	dispatch := func(ctx context.Context, timeout time.Duration) (any, error) {
		return e.dispatch(ctx, t, call.Arguments, timeout, blocking)
	}

	out, err := dispatch(ctx, timeout)
	if err == nil {
		m.move(StateSucceeded)
		return e.success(call, out).WithMeta(tool.MetaCapability, capability.String())
	}

	if fatal, ok := fatalResult(ctx, call, err); ok {
		m.move(StateFailed)
		return fatal.WithMeta(tool.MetaCapability, capability.String())
	}

	// Recovering
	m.move(StateRecovering)
	outcome := e.recovery.Recover(ctx, m.ec, err, timeout, dispatch)
	if outcome.Recovered() {
		m.move(StateSucceeded)
		return e.success(call, outcome.Output).
			WithMeta(tool.MetaCapability, capability.String()).
			WithMeta(tool.MetaRecoveryAttempted, true).
			WithMeta(tool.MetaRecoveryAttempts, outcome.Attempts).
			WithMeta(tool.MetaErrorCategory, string(outcome.Category))
	}

	m.move(StateFailed)
	result := tool.Failed(call.Name, call.CallID, outcome.Err.Error()).
		WithMeta(tool.MetaCapability, capability.String()).
		WithMeta(tool.MetaErrorCategory, string(outcome.Category))
	switch {
	case outcome.Aborted:
		result = result.WithMeta(tool.MetaAborted, true).
			WithMeta(tool.MetaRecoveryAttempted, true).
			WithMeta(tool.MetaRecoveryAttempts, outcome.Attempts)
	case outcome.Fallback:
		result = result.WithMeta(tool.MetaFallback, true).
			WithMeta(tool.MetaRecoveryAttempted, true)
	case outcome.Attempted:
		result = result.WithMeta(tool.MetaRecoveryAttempted, true).
			WithMeta(tool.MetaRecoveryFailed, true).
			WithMeta(tool.MetaRecoveryAttempts, outcome.Attempts)
	}
	return result
}

func validateCall(call *tool.Call) error {
	if call.Name == "" {
		return &tool.ValidationError{Field: "name", Reason: "tool name is required"}
	}
	if call.Timeout < 0 {
		return &tool.ValidationError{Field: "timeout", Reason: "timeout must be positive"}
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	return nil
}

func (e *Executor) resolve(call tool.Call) (t tool.Tool, err error) {
	var pc panics.Catcher
	pc.Try(func() {
		t, err = e.tools.GetTool(call.Name, call.SessionID)
	})
	if r := pc.Recovered(); r != nil {
		return nil, r.AsError()
	}
	if err == nil && t == nil {
		return nil, &tool.NotFoundError{Name: call.Name}
	}
	return t, err
}

func (e *Executor) timeoutFor(call tool.Call, t tool.Tool) time.Duration {
	if call.Timeout > 0 {
		return call.Timeout
	}
	if d := t.Descriptor().Timeout; d > 0 {
		return d
	}
	return e.cfg.DefaultTimeout
}

// fatalResult maps errors that must not be recovered to their result.
func fatalResult(ctx context.Context, call tool.Call, err error) (tool.Result, bool) {
	var recovered *panics.ErrRecovered
	switch {
	case errors.As(err, &recovered):
		log.Error().
			Str("tool", call.Name).
			Str("panic", fmt.Sprint(recovered.Value)).
			Msg("Tool panicked")
		return tool.Failed(call.Name, call.CallID, fmt.Sprintf("unexpected error: %v", recovered.Value)).
			WithMeta(tool.MetaUnexpectedError, true).
			WithMeta(tool.MetaErrorCategory, string(recovery.CategoryUnknown)), true

	case errors.Is(err, bridge.ErrNestedScheduler):
		return tool.Failed(call.Name, call.CallID, err.Error()).
			WithMeta(tool.MetaNestedScheduler, true).
			WithMeta(tool.MetaErrorCategory, string(recovery.CategoryConfiguration)), true

	case ctx.Err() != nil:
		return tool.Failed(call.Name, call.CallID, fmt.Sprintf("execution aborted: %v", ctx.Err())).
			WithMeta(tool.MetaAborted, true).
			WithMeta(tool.MetaErrorCategory, string(recovery.Classify(ctx.Err()))), true
	}
	return tool.Result{}, false
}

func (e *Executor) success(call tool.Call, out any) tool.Result {
	output, truncated := truncateOutput(out, e.cfg.MaxOutputSize)
	result := tool.Succeeded(call.Name, call.CallID, output)
	if truncated {
		result = result.WithMeta(tool.MetaTruncated, true)
	}
	return result
}
