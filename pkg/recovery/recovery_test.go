package recovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/harun/toolrun/pkg/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: CategoryTimeout},
		{name: "tool timeout", err: &tool.TimeoutError{Tool: "t", After: time.Second}, want: CategoryTimeout},
		{name: "permission", err: fmt.Errorf("open: %w", os.ErrPermission), want: CategoryPermission},
		{name: "http 403", err: statusErr(403), want: CategoryPermission},
		{name: "http 503", err: statusErr(503), want: CategoryNetwork},
		{name: "http 429", err: statusErr(429), want: CategoryResource},
		{name: "http 422", err: statusErr(422), want: CategoryValidation},
		{name: "http 404", err: statusErr(404), want: CategoryConfiguration},
		{name: "http 504", err: statusErr(504), want: CategoryTimeout},
		{name: "op error", err: &net.OpError{Op: "dial", Err: errors.New("boom")}, want: CategoryNetwork},
		{name: "refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), want: CategoryNetwork},
		{name: "validation", err: &tool.ValidationError{Field: "x", Reason: "required"}, want: CategoryValidation},
		{name: "configuration", err: &tool.ConfigurationError{Tool: "t", Reason: "no url"}, want: CategoryConfiguration},
		{name: "saturated", err: fmt.Errorf("pool: %w", ErrResourceExhausted), want: CategoryResource},
		{name: "wrapped network in execution", err: &tool.ExecutionError{Tool: "t", Err: syscall.ECONNREFUSED}, want: CategoryNetwork},
		{name: "execution", err: &tool.ExecutionError{Tool: "t", Err: errors.New("division by zero")}, want: CategoryExecution},
		{name: "tool name is not a keyword", err: &tool.ExecutionError{Tool: "timeout_checker", Err: errors.New("boom")}, want: CategoryExecution},
		{name: "quota in tool name", err: &tool.ExecutionError{Tool: "quota_report", Err: errors.New("boom")}, want: CategoryExecution},
		{name: "invalid in tool name", err: fmt.Errorf("dispatch: %w", &tool.ExecutionError{Tool: "invalidate_cache", Err: errors.New("boom")}), want: CategoryExecution},
		{name: "keyword in body error", err: &tool.ExecutionError{Tool: "plain", Err: errors.New("quota exceeded")}, want: CategoryResource},
		{name: "wrapped tool timeout", err: fmt.Errorf("attempt 2: %w", &tool.TimeoutError{Tool: "t", After: time.Second}), want: CategoryTimeout},
		{name: "tool timeout in execution", err: &tool.ExecutionError{Tool: "t", Err: &tool.TimeoutError{Tool: "t", After: time.Second}}, want: CategoryTimeout},
		{name: "keyword rate limit", err: errors.New("Rate limit reached"), want: CategoryResource},
		{name: "keyword timeout", err: errors.New("upstream timed out"), want: CategoryTimeout},
		{name: "unknown", err: errors.New("something odd"), want: CategoryUnknown},
		{name: "nil", err: nil, want: CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestPolicy_Defaults(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	assert.Equal(t, 1, p.For(CategoryTimeout).MaxRetries)
	assert.Equal(t, 1.5, p.For(CategoryTimeout).TimeoutMultiplier)
	assert.Equal(t, BackoffExponential, p.For(CategoryNetwork).Backoff)
	assert.Equal(t, 2*time.Second, p.For(CategoryResource).Delay)
	assert.Equal(t, KindFallback, p.For(CategoryExecution).Kind)
	assert.Equal(t, KindNone, p.For(Category("bogus")).Kind)
}

func TestPolicy_ValidateRejectsUnknownKind(t *testing.T) {
	p := Policy{CategoryTimeout: {Kind: "sometimes"}}
	assert.Error(t, p.Validate())
}

func newTestManager(policy Policy) *Manager {
	m := NewManager(Config{Policy: policy, HistorySize: 3}, nil)
	m.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return m
}

func newEC() *ExecutionContext {
	return NewExecutionContext("slow", "call-1", "", "dispatching")
}

func TestRecover_TimeoutSucceedsWithinBound(t *testing.T) {
	m := newTestManager(Policy{
		CategoryTimeout: {Kind: KindRetry, MaxRetries: 2, TimeoutMultiplier: 1.5},
	})

	calls := 0
	var timeouts []time.Duration
	dispatch := func(ctx context.Context, timeout time.Duration) (any, error) {
		calls++
		timeouts = append(timeouts, timeout)
		if calls < 2 {
			return nil, &tool.TimeoutError{Tool: "slow", After: timeout}
		}
		return "done", nil
	}

	out := m.Recover(context.Background(), newEC(), &tool.TimeoutError{Tool: "slow"}, time.Second, dispatch)

	require.True(t, out.Recovered())
	assert.True(t, out.Attempted)
	assert.Equal(t, "done", out.Output)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 2250 * time.Millisecond}, timeouts)
}

func TestRecover_TimeoutExhausted(t *testing.T) {
	m := newTestManager(nil)

	calls := 0
	dispatch := func(ctx context.Context, timeout time.Duration) (any, error) {
		calls++
		return nil, &tool.TimeoutError{Tool: "slow", After: timeout}
	}

	ec := newEC()
	out := m.Recover(context.Background(), ec, &tool.TimeoutError{Tool: "slow"}, time.Second, dispatch)

	assert.False(t, out.Recovered())
	assert.True(t, out.Attempted)
	assert.Equal(t, CategoryTimeout, out.Category)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CategoryTimeout, ec.Category())
	require.Len(t, ec.Attempts(), 1)
	assert.Equal(t, OutcomeFailed, ec.Attempts()[0].Outcome)
}

func TestRecover_StopsOnNonRetryableError(t *testing.T) {
	m := newTestManager(Policy{
		CategoryNetwork: {Kind: KindRetry, MaxRetries: 3, Backoff: BackoffExponential, Delay: time.Millisecond},
	})

	calls := 0
	dispatch := func(ctx context.Context, timeout time.Duration) (any, error) {
		calls++
		return nil, &tool.ValidationError{Field: "q", Reason: "required"}
	}

	out := m.Recover(context.Background(), newEC(), syscall.ECONNREFUSED, 0, dispatch)

	assert.Equal(t, 1, calls)
	var verr *tool.ValidationError
	assert.ErrorAs(t, out.Err, &verr)
}

func TestRecover_Fallback(t *testing.T) {
	m := newTestManager(nil)

	dispatch := func(ctx context.Context, timeout time.Duration) (any, error) {
		t.Fatal("fallback must not re-invoke the tool")
		return nil, nil
	}

	out := m.Recover(context.Background(), newEC(), &tool.ExecutionError{Tool: "t", Err: errors.New("bad state")}, time.Second, dispatch)

	assert.True(t, out.Fallback)
	assert.True(t, out.Attempted)
	assert.Error(t, out.Err)
	assert.Equal(t, CategoryExecution, out.Category)
}

func TestRecover_NoneSurfacesImmediately(t *testing.T) {
	m := newTestManager(nil)

	out := m.Recover(context.Background(), newEC(), &tool.ValidationError{Reason: "bad"}, time.Second, nil)

	assert.False(t, out.Attempted)
	assert.False(t, out.Fallback)
	assert.Equal(t, CategoryValidation, out.Category)
}

func TestRecover_AbortsOnCancel(t *testing.T) {
	m := NewManager(Config{Policy: Policy{
		CategoryResource: {Kind: KindRetry, MaxRetries: 2, Backoff: BackoffFixed, Delay: time.Hour},
	}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	start := time.Now()
	out := m.Recover(ctx, newEC(), ErrResourceExhausted, time.Second, func(ctx context.Context, timeout time.Duration) (any, error) {
		return nil, ErrResourceExhausted
	})

	assert.True(t, out.Aborted)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHistory_IsBoundedPerTool(t *testing.T) {
	m := newTestManager(nil)

	for i := 0; i < 5; i++ {
		m.Recover(context.Background(), newEC(), &tool.ValidationError{Reason: fmt.Sprint(i)}, 0, nil)
	}
	m.Recover(context.Background(), NewExecutionContext("other", "c", "", "dispatching"), errors.New("x"), 0, nil)

	recent := m.History("slow")
	require.Len(t, recent, 3)
	assert.Contains(t, recent[0].Error, "2")
	assert.Contains(t, recent[2].Error, "4")
	assert.Len(t, m.History("other"), 1)
}

func TestExecutionContext_RecordsTransitions(t *testing.T) {
	ec := NewExecutionContext("t", "c", "s", "validating")
	require.NotEmpty(t, ec.ID)

	ec.Move("resolving")
	ec.Move("dispatching")

	assert.Equal(t, "dispatching", ec.State())
	tr := ec.Transitions()
	require.Len(t, tr, 2)
	assert.Equal(t, "validating", tr[0].From)
	assert.Equal(t, "dispatching", tr[1].To)
}
