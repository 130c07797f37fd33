package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/harun/toolrun/pkg/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(v any) Task {
	return func(ctx context.Context) (any, error) { return v, nil }
}

func TestProcessor_EmptyQueueReturnsImmediately(t *testing.T) {
	p := New(Config{BatchSize: 3, Timeout: time.Second}, nil)

	start := time.Now()
	results := p.ProcessBatch(context.Background())

	assert.Empty(t, results)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestProcessor_DrainsInBatches(t *testing.T) {
	p := New(Config{BatchSize: 3, Timeout: 20 * time.Millisecond}, nil)
	for i := 0; i < 5; i++ {
		p.AddRequest(fmt.Sprintf("r%d", i), value(i))
	}

	first := p.ProcessBatch(context.Background())
	require.Len(t, first, 3)
	for _, id := range []string{"r0", "r1", "r2"} {
		assert.True(t, first[id].Success, id)
	}
	assert.Equal(t, 2, p.Pending())

	second := p.ProcessBatch(context.Background())
	require.Len(t, second, 2)
	assert.Equal(t, 3, second["r3"].Output)
	assert.Equal(t, 4, second["r4"].Output)
	assert.Equal(t, 0, p.Pending())
}

func TestProcessor_WaitsForBatchToFill(t *testing.T) {
	p := New(Config{BatchSize: 2, Timeout: time.Second}, nil)
	p.AddRequest("a", value("a"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.AddRequest("b", value("b"))
	}()

	start := time.Now()
	results := p.ProcessBatch(context.Background())

	assert.Len(t, results, 2)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestProcessor_FailuresAreIsolated(t *testing.T) {
	p := New(Config{BatchSize: 3, Timeout: 10 * time.Millisecond}, nil)
	p.AddRequest("ok", value("fine"))
	p.AddRequest("err", func(ctx context.Context) (any, error) {
		return nil, errors.New("bad input")
	})
	p.AddRequest("panic", func(ctx context.Context) (any, error) {
		panic("kaboom")
	})

	results := p.ProcessBatch(context.Background())
	require.Len(t, results, 3)

	assert.True(t, results["ok"].Success)
	assert.Equal(t, "fine", results["ok"].Output)

	assert.False(t, results["err"].Success)
	assert.Equal(t, "bad input", results["err"].Error)
	assert.Equal(t, "err", results["err"].CallID)

	assert.False(t, results["panic"].Success)
	assert.Contains(t, results["panic"].Error, "kaboom")
	assert.True(t, results["panic"].Flag(tool.MetaUnexpectedError))
}

func TestProcessor_PassesThroughResults(t *testing.T) {
	p := New(Config{BatchSize: 1}, nil)
	want := tool.Failed("echo", "c1", "denied")
	p.AddRequest("c1", value(want))

	results := p.ProcessBatch(context.Background())
	assert.Equal(t, want, results["c1"])
}
