package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/toolrun/pkg/bridge"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

// dispatch runs one attempt of a call under a limiter slot. Waiting for the
// slot is bounded by ctx; the attempt itself by timeout.
func (e *Executor) dispatch(ctx context.Context, t tool.Tool, args map[string]any, timeout time.Duration, blocking bool) (any, error) {
	release, err := e.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := e.invoke(callCtx, t, args, blocking)
	if err == nil {
		return out, nil
	}
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, &tool.TimeoutError{Tool: t.Name(), After: timeout}
	}
	return nil, wrapToolError(t.Name(), err)
}

// invoke picks the execution path from the tool's capability tag.
func (e *Executor) invoke(ctx context.Context, t tool.Tool, args map[string]any, blocking bool) (out any, err error) {
	var pc panics.Catcher
	pc.Try(func() {
		switch t.Capability() {
		case tool.SyncOnly:
			out, err = e.bridge.RunSync(ctx, func(ctx context.Context) (any, error) {
				return t.Execute(ctx, args)
			})

		case tool.AsyncOnly:
			if blocking {
				out, err = t.Execute(ctx, args)
				return
			}
			out, err = t.ExecuteAsync(ctx, args).Await(ctx)

		default:
			if blocking {
				// The body runs on its own goroutine so the deadline can
				// abandon it.
				out, err = bridge.Spawn(ctx, func(ctx context.Context) (any, error) {
					return t.Execute(ctx, args)
				}).Await(ctx)
				return
			}
			out, err = t.ExecuteAsync(ctx, args).Await(ctx)
		}
	})
	if r := pc.Recovered(); r != nil {
		return nil, r.AsError()
	}
	return out, err
}

// wrapToolError tags plain tool errors as execution failures. Errors that
// already carry a classification are returned as they are.
func wrapToolError(name string, err error) error {
	var (
		validationErr *tool.ValidationError
		timeoutErr    *tool.TimeoutError
		configErr     *tool.ConfigurationError
		notFoundErr   *tool.NotFoundError
		execErr       *tool.ExecutionError
		recovered     *panics.ErrRecovered
	)
	switch {
	case errors.As(err, &validationErr),
		errors.As(err, &timeoutErr),
		errors.As(err, &configErr),
		errors.As(err, &notFoundErr),
		errors.As(err, &execErr),
		errors.As(err, &recovered),
		errors.Is(err, bridge.ErrNestedScheduler),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &tool.ExecutionError{Tool: name, Err: err}
}

// truncateOutput shortens outputs whose printed form exceeds max bytes.
func truncateOutput(output any, max int) (any, bool) {
	if max < 0 || output == nil {
		return output, false
	}

	str, ok := output.(string)
	if !ok {
		str = fmt.Sprintf("%v", output)
	}
	if len(str) <= max {
		return output, false
	}

	log.Warn().
		Int("original", len(str)).
		Int("truncated", max).
		Msg("Output truncated")

	return str[:max] + "\n... [output truncated]", true
}
