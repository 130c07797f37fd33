package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/toolrun/pkg/limiter"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenTool panics while being validated, outside any tool body.
type brokenTool struct {
	tool.Tool
}

func (brokenTool) ValidateParameters(map[string]any) error {
	panic("validator crashed")
}

func TestExecuteParallel_PreservesOrder(t *testing.T) {
	f := newFixture(t)
	f.add(t, "echo", asyncImpl(func(ctx context.Context, args map[string]any) (any, error) {
		n := args["n"].(int)
		time.Sleep(time.Duration(5-n) * 5 * time.Millisecond)
		return n, nil
	}))
	e := f.executor(t, Config{}, nil, nil)

	calls := make([]tool.Call, 5)
	for i := range calls {
		calls[i] = tool.Call{Name: "echo", Arguments: map[string]any{"n": i}, CallID: fmt.Sprintf("c%d", i)}
	}

	results := e.ExecuteParallel(context.Background(), calls)
	require.Len(t, results, 5)
	for i, r := range results {
		require.True(t, r.Success, r.Error)
		assert.Equal(t, i, r.Output)
		assert.Equal(t, fmt.Sprintf("c%d", i), r.CallID)
	}

	assert.Empty(t, e.ExecuteParallel(context.Background(), nil))
}

func TestExecuteParallel_LostResult(t *testing.T) {
	f := newFixture(t)
	good := f.add(t, "echo", syncImpl(echo))
	f.provider.On("GetTool", "broken", "").Return(brokenTool{Tool: good}, nil)
	e := f.executor(t, Config{}, nil, nil)

	results := e.ExecuteParallel(context.Background(), []tool.Call{
		{Name: "echo", Arguments: map[string]any{"text": "a"}},
		{Name: "broken"},
		{Name: "echo", Arguments: map[string]any{"text": "b"}},
	})

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "result lost")
	assert.Equal(t, "broken", results[1].ToolName)
	assert.Equal(t, "b", results[2].Output)
}

func TestExecuteParallel_RespectsLimiter(t *testing.T) {
	f := newFixture(t)
	var running, peak atomic.Int32
	f.add(t, "work", asyncImpl(func(ctx context.Context, args map[string]any) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}))
	lim := limiter.New(2, nil)
	e := f.executor(t, Config{}, nil, lim)

	calls := make([]tool.Call, 6)
	for i := range calls {
		calls[i] = tool.Call{Name: "work"}
	}
	results := e.ExecuteParallel(context.Background(), calls)

	for _, r := range results {
		assert.True(t, r.Success, r.Error)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, lim.Active())
}

func TestExecuteParallelAsync_PreservesOrder(t *testing.T) {
	f := newFixture(t)
	f.add(t, "echo", syncImpl(echo))
	e := f.executor(t, Config{}, nil, nil)

	calls := []tool.Call{
		{Name: "echo", Arguments: map[string]any{"text": "first"}},
		{Name: "missing"},
		{Name: "echo", Arguments: map[string]any{"text": "third"}},
	}
	f.provider.On("GetTool", "missing", "").Return(nil, &tool.NotFoundError{Name: "missing"})

	results, err := e.ExecuteParallelAsync(context.Background(), calls).Await(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "first", results[0].Output)
	assert.False(t, results[1].Success)
	assert.Equal(t, "third", results[2].Output)
}

func TestExecuteBatch(t *testing.T) {
	f := newFixture(t)
	f.add(t, "echo", syncImpl(echo))
	e := f.executor(t, Config{BatchSize: 2, BatchTimeout: 10 * time.Millisecond}, nil, nil)

	calls := []tool.Call{
		{Name: "echo", CallID: "a", Arguments: map[string]any{"text": 1}},
		{Name: "echo", CallID: "b", Arguments: map[string]any{"text": 2}},
		{Name: "echo", CallID: "a", Arguments: map[string]any{"text": 3}},
		{Name: "echo", Arguments: map[string]any{"text": 4}},
		{Name: "echo", CallID: "e", Arguments: map[string]any{"text": 5}},
	}

	results := e.ExecuteBatch(context.Background(), calls)

	require.Len(t, results, 5)
	assert.Equal(t, "1", results["a"].Output)
	assert.Equal(t, "2", results["b"].Output)
	assert.Equal(t, "5", results["e"].Output)
	for id, r := range results {
		assert.True(t, r.Success, id)
		assert.Equal(t, id, r.CallID)
	}
}
