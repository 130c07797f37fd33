package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/harun/toolrun/pkg/bridge"
	"github.com/harun/toolrun/pkg/limiter"
	"github.com/harun/toolrun/pkg/recovery"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) GetTool(name, sessionID string) (tool.Tool, error) {
	args := m.Called(name, sessionID)
	t, _ := args.Get(0).(tool.Tool)
	return t, args.Error(1)
}

type fixture struct {
	bridge   *bridge.Bridge
	provider *mockProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	br := bridge.New(bridge.Config{Workers: 4}, nil)
	t.Cleanup(func() { _ = br.Close() })
	return &fixture{bridge: br, provider: &mockProvider{}}
}

func (f *fixture) add(t *testing.T, name string, impl tool.Impl) tool.Tool {
	t.Helper()
	tl, err := tool.New(tool.Descriptor{
		Name:        name,
		Description: name,
		Type:        tool.TypeNative,
	}, impl, f.bridge)
	require.NoError(t, err)
	f.provider.On("GetTool", name, mock.Anything).Return(tl, nil)
	return tl
}

func (f *fixture) executor(t *testing.T, cfg Config, policy recovery.Policy, lim *limiter.Limiter) *Executor {
	t.Helper()
	e, err := New(cfg, Deps{
		Tools:    f.provider,
		Bridge:   f.bridge,
		Limiter:  lim,
		Recovery: recovery.NewManager(recovery.Config{Policy: policy}, nil),
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func syncImpl(fn tool.SyncFunc) tool.Impl { return tool.Impl{Sync: fn} }
func asyncImpl(fn tool.SyncFunc) tool.Impl {
	return tool.Impl{Async: func(ctx context.Context, args map[string]any) *bridge.Future[any] {
		return bridge.Spawn(ctx, func(ctx context.Context) (any, error) { return fn(ctx, args) })
	}}
}

func echo(ctx context.Context, args map[string]any) (any, error) {
	return fmt.Sprint(args["text"]), nil
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)

	_, err = New(Config{}, Deps{Tools: &mockProvider{}})
	assert.Error(t, err)
}

func TestExecute_SyncOnlyBothPathsAgree(t *testing.T) {
	f := newFixture(t)
	f.add(t, "echo", syncImpl(echo))
	e := f.executor(t, Config{}, nil, nil)

	call := tool.Call{Name: "echo", Arguments: map[string]any{"text": "hi"}}

	blocking := e.Execute(context.Background(), call)
	require.True(t, blocking.Success, blocking.Error)

	async, err := e.ExecuteAsync(context.Background(), call).Await(context.Background())
	require.NoError(t, err)
	require.True(t, async.Success, async.Error)

	assert.Equal(t, blocking.Output, async.Output)
	assert.Equal(t, "sync_only", blocking.Metadata[tool.MetaCapability])
	assert.NotEmpty(t, blocking.CallID)
	assert.NotEmpty(t, blocking.Metadata[tool.MetaExecutionID])
	assert.GreaterOrEqual(t, blocking.ExecutionTime, time.Duration(0))
}

func TestExecute_AsyncOnlyFromPlainContext(t *testing.T) {
	f := newFixture(t)
	f.add(t, "echo", asyncImpl(echo))
	e := f.executor(t, Config{}, nil, nil)

	r := e.Execute(context.Background(), tool.Call{Name: "echo", Arguments: map[string]any{"text": "x"}})
	require.True(t, r.Success, r.Error)
	assert.Equal(t, "x", r.Output)
}

func TestExecute_InsideSchedulerFails(t *testing.T) {
	f := newFixture(t)
	e := f.executor(t, Config{}, nil, nil)

	s := bridge.NewScheduler()
	defer s.Close()

	r := e.Execute(bridge.WithScheduler(context.Background(), s), tool.Call{Name: "echo"})

	assert.False(t, r.Success)
	assert.True(t, r.Flag(tool.MetaNestedScheduler))
	f.provider.AssertNotCalled(t, "GetTool", mock.Anything, mock.Anything)
}

func TestExecuteAsync_InsideSchedulerRunsThere(t *testing.T) {
	f := newFixture(t)
	f.add(t, "echo", asyncImpl(echo))
	e := f.executor(t, Config{}, nil, nil)

	s := bridge.NewScheduler()
	defer s.Close()
	ctx := bridge.WithScheduler(context.Background(), s)

	r, err := e.ExecuteAsync(ctx, tool.Call{Name: "echo", Arguments: map[string]any{"text": "y"}}).Await(ctx)
	require.NoError(t, err)
	assert.True(t, r.Success)
}

func TestExecute_InvalidCallNeverResolves(t *testing.T) {
	f := newFixture(t)
	e := f.executor(t, Config{}, nil, nil)

	r := e.Execute(context.Background(), tool.Call{})
	assert.False(t, r.Success)
	assert.Equal(t, "validation", r.Metadata[tool.MetaErrorCategory])

	r = e.Execute(context.Background(), tool.Call{Name: "echo", Timeout: -time.Second})
	assert.False(t, r.Success)

	f.provider.AssertNotCalled(t, "GetTool", mock.Anything, mock.Anything)
}

func TestExecute_UnknownTool(t *testing.T) {
	f := newFixture(t)
	f.provider.On("GetTool", "missing", "").Return(nil, &tool.NotFoundError{Name: "missing"})
	e := f.executor(t, Config{}, nil, nil)

	r := e.Execute(context.Background(), tool.Call{Name: "missing"})

	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "tool not found")
	assert.False(t, r.Flag(tool.MetaRecoveryAttempted))
}

func TestExecute_SchemaViolationSkipsTool(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	tl, err := tool.New(tool.Descriptor{
		Name:        "count",
		Description: "count",
		Type:        tool.TypeNative,
		Parameters: tool.Schema{
			Type:       "object",
			Required:   []string{"x"},
			Properties: map[string]map[string]any{"x": {"type": "integer"}},
		},
	}, syncImpl(func(ctx context.Context, args map[string]any) (any, error) {
		calls.Add(1)
		return args["x"], nil
	}), f.bridge)
	require.NoError(t, err)
	f.provider.On("GetTool", "count", "").Return(tl, nil)
	e := f.executor(t, Config{}, nil, nil)

	r := e.Execute(context.Background(), tool.Call{Name: "count", Arguments: map[string]any{"x": "abc"}})

	assert.False(t, r.Success)
	assert.NotEmpty(t, r.Metadata[tool.MetaValidationErrors])
	assert.Equal(t, int32(0), calls.Load())

	r = e.Execute(context.Background(), tool.Call{Name: "count", Arguments: map[string]any{"x": 5}})
	assert.True(t, r.Success, r.Error)
}

// slowThenFast times out on the first n calls and succeeds afterwards.
func slowThenFast(n int32, calls *atomic.Int32) tool.SyncFunc {
	return func(ctx context.Context, args map[string]any) (any, error) {
		if calls.Add(1) <= n {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return "done", nil
	}
}

func TestExecute_TimeoutRecoveredWithinBound(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.add(t, "slow", asyncImpl(slowThenFast(2, &calls)))
	e := f.executor(t, Config{}, recovery.Policy{
		recovery.CategoryTimeout: {Kind: recovery.KindRetry, MaxRetries: 2, TimeoutMultiplier: 1.5},
	}, nil)

	r := e.Execute(context.Background(), tool.Call{Name: "slow", Timeout: 20 * time.Millisecond})

	require.True(t, r.Success, r.Error)
	assert.Equal(t, "done", r.Output)
	assert.True(t, r.Flag(tool.MetaRecoveryAttempted))
	assert.Equal(t, 2, r.Metadata[tool.MetaRecoveryAttempts])
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecute_TimeoutRecoveryExhausted(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.add(t, "slow", asyncImpl(slowThenFast(10, &calls)))
	e := f.executor(t, Config{}, nil, nil)

	r := e.Execute(context.Background(), tool.Call{Name: "slow", Timeout: 20 * time.Millisecond})

	assert.False(t, r.Success)
	assert.True(t, r.Flag(tool.MetaRecoveryAttempted))
	assert.True(t, r.Flag(tool.MetaRecoveryFailed))
	assert.Equal(t, "timeout", r.Metadata[tool.MetaErrorCategory])
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecute_SyncToolTimeoutLeavesWorker(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	defer close(release)
	f.add(t, "stuck", syncImpl(func(ctx context.Context, args map[string]any) (any, error) {
		<-release
		return nil, nil
	}))
	e := f.executor(t, Config{}, recovery.Policy{
		recovery.CategoryTimeout: {Kind: recovery.KindNone},
	}, nil)

	start := time.Now()
	r := e.Execute(context.Background(), tool.Call{Name: "stuck", Timeout: 20 * time.Millisecond})

	assert.False(t, r.Success)
	assert.Equal(t, "timeout", r.Metadata[tool.MetaErrorCategory])
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, f.bridge.Stats().Running)
}

func TestExecute_NetworkErrorRetried(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.add(t, "flaky", asyncImpl(func(ctx context.Context, args map[string]any) (any, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("dial api: %w", syscall.ECONNREFUSED)
		}
		return "ok", nil
	}))
	e := f.executor(t, Config{}, recovery.Policy{
		recovery.CategoryNetwork: {Kind: recovery.KindRetry, MaxRetries: 3, Backoff: recovery.BackoffExponential, Delay: time.Millisecond},
	}, nil)

	r := e.Execute(context.Background(), tool.Call{Name: "flaky"})

	require.True(t, r.Success, r.Error)
	assert.Equal(t, "network", r.Metadata[tool.MetaErrorCategory])
	assert.Equal(t, 1, r.Metadata[tool.MetaRecoveryAttempts])
}

func TestExecute_ExecutionErrorFallsBack(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.add(t, "broken", syncImpl(func(ctx context.Context, args map[string]any) (any, error) {
		calls.Add(1)
		return nil, errors.New("bad state")
	}))
	e := f.executor(t, Config{}, nil, nil)

	r := e.Execute(context.Background(), tool.Call{Name: "broken"})

	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "bad state")
	assert.True(t, r.Flag(tool.MetaFallback))
	assert.Equal(t, "execution", r.Metadata[tool.MetaErrorCategory])
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_ToolNameDoesNotPickCategory(t *testing.T) {
	for _, name := range []string{"plain_tool", "timeout_checker", "invalidate_cache", "quota_report"} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			var calls atomic.Int32
			f.add(t, name, syncImpl(func(ctx context.Context, args map[string]any) (any, error) {
				calls.Add(1)
				return nil, errors.New("boom")
			}))
			e := f.executor(t, Config{}, nil, nil)

			r := e.Execute(context.Background(), tool.Call{Name: name})

			assert.False(t, r.Success)
			assert.Equal(t, "execution", r.Metadata[tool.MetaErrorCategory])
			assert.True(t, r.Flag(tool.MetaFallback))
			assert.False(t, r.Flag(tool.MetaRecoveryFailed))
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestExecute_PanicBecomesUnexpectedError(t *testing.T) {
	f := newFixture(t)
	f.add(t, "sync_panic", syncImpl(func(ctx context.Context, args map[string]any) (any, error) {
		panic("kaboom")
	}))
	f.add(t, "async_panic", asyncImpl(func(ctx context.Context, args map[string]any) (any, error) {
		panic("kaboom")
	}))
	e := f.executor(t, Config{}, nil, nil)

	for _, name := range []string{"sync_panic", "async_panic"} {
		r := e.Execute(context.Background(), tool.Call{Name: name})
		assert.False(t, r.Success, name)
		assert.True(t, r.Flag(tool.MetaUnexpectedError), name)
		assert.Contains(t, r.Error, "kaboom", name)
	}
}

func TestExecute_CancelAbortsRecovery(t *testing.T) {
	f := newFixture(t)
	f.add(t, "busy", asyncImpl(func(ctx context.Context, args map[string]any) (any, error) {
		return nil, fmt.Errorf("upstream: %w", recovery.ErrResourceExhausted)
	}))
	e := f.executor(t, Config{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	r := e.Execute(ctx, tool.Call{Name: "busy"})

	assert.False(t, r.Success)
	assert.True(t, r.Flag(tool.MetaAborted))
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecute_TruncatesLargeOutput(t *testing.T) {
	f := newFixture(t)
	f.add(t, "big", syncImpl(func(ctx context.Context, args map[string]any) (any, error) {
		return strings.Repeat("a", 100), nil
	}))
	e := f.executor(t, Config{MaxOutputSize: 10}, nil, nil)

	r := e.Execute(context.Background(), tool.Call{Name: "big"})

	require.True(t, r.Success)
	assert.True(t, r.Flag(tool.MetaTruncated))
	assert.True(t, strings.HasPrefix(r.Output.(string), "aaaaaaaaaa\n"))
}

func TestExecute_HybridUsesRequestedPath(t *testing.T) {
	f := newFixture(t)
	f.add(t, "both", tool.Impl{
		Sync: func(ctx context.Context, args map[string]any) (any, error) { return "sync", nil },
		Async: func(ctx context.Context, args map[string]any) *bridge.Future[any] {
			return bridge.Resolved[any]("async", nil)
		},
	})
	e := f.executor(t, Config{}, nil, nil)

	r := e.Execute(context.Background(), tool.Call{Name: "both"})
	assert.Equal(t, "sync", r.Output)

	r, err := e.ExecuteAsync(context.Background(), tool.Call{Name: "both"}).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "async", r.Output)
	assert.Equal(t, "hybrid", r.Metadata[tool.MetaCapability])
}

func TestState_Transitions(t *testing.T) {
	assert.True(t, StateValidating.CanTransition(StateResolving))
	assert.True(t, StateDispatching.CanTransition(StateRecovering))
	assert.True(t, StateRecovering.CanTransition(StateSucceeded))
	assert.False(t, StateValidating.CanTransition(StateDispatching))
	assert.False(t, StateDone.CanTransition(StateValidating))
	assert.False(t, StateSucceeded.CanTransition(StateRecovering))

	m := newMachine("t", "c", "")
	require.True(t, m.move(StateResolving))
	require.True(t, m.move(StateDispatching))
	require.True(t, m.move(StateSucceeded))
	assert.False(t, m.move(StateRecovering))
	require.True(t, m.move(StateDone))
	assert.True(t, m.state().Terminal())
	assert.Len(t, m.ec.Transitions(), 4)
}

type recordingAuditor struct {
	mu      sync.Mutex
	results []tool.Result
}

func (a *recordingAuditor) RecordExecution(ctx context.Context, call tool.Call, result tool.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, result)
}

func TestExecute_AuditsEveryCall(t *testing.T) {
	f := newFixture(t)
	f.add(t, "echo", syncImpl(echo))
	f.provider.On("GetTool", "missing", "").Return(nil, &tool.NotFoundError{Name: "missing"})

	auditor := &recordingAuditor{}
	e, err := New(Config{}, Deps{Tools: f.provider, Bridge: f.bridge, Audit: auditor})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	e.Execute(context.Background(), tool.Call{Name: "echo", Arguments: map[string]any{"text": "a"}})
	e.Execute(context.Background(), tool.Call{Name: "missing"})

	require.Len(t, auditor.results, 2)
	assert.True(t, auditor.results[0].Success)
	assert.False(t, auditor.results[1].Success)
	assert.NotEmpty(t, auditor.results[1].CallID)
}
