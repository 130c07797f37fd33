package executor

import (
	"context"
	"fmt"

	"github.com/harun/toolrun/internal/tracing"
	"github.com/harun/toolrun/pkg/batch"
	"github.com/harun/toolrun/pkg/bridge"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

const resultLost = "result lost"

func lost(call tool.Call, reason error) tool.Result {
	msg := resultLost
	if reason != nil {
		msg = fmt.Sprintf("%s: %v", resultLost, reason)
	}
	return tool.Failed(call.Name, call.CallID, msg)
}

// ExecuteParallel runs calls concurrently and blocks until all finish.
// Results are in input order; a call that produced no result gets a
// "result lost" failure in its slot.
func (e *Executor) ExecuteParallel(ctx context.Context, calls []tool.Call) []tool.Result {
	if len(calls) == 0 {
		return []tool.Result{}
	}

	slots := make([]*tool.Result, len(calls))
	p := pool.New()
	if e.cfg.MaxParallel > 0 {
		p = p.WithMaxGoroutines(e.cfg.MaxParallel)
	}

	for i, call := range calls {
		p.Go(func() {
			var pc panics.Catcher
			pc.Try(func() {
				r := e.Execute(ctx, call)
				slots[i] = &r
			})
			if r := pc.Recovered(); r != nil {
				log.Error().
					Str("tool", call.Name).
					Int("index", i).
					Str("panic", fmt.Sprint(r.Value)).
					Msg("Parallel call lost its result")
			}
		})
	}
	p.Wait()

	results := make([]tool.Result, len(calls))
	for i, r := range slots {
		if r == nil {
			results[i] = lost(calls[i], nil)
			continue
		}
		results[i] = *r
	}
	return results
}

// ExecuteParallelAsync starts every call and returns a future resolving to
// the results in input order.
func (e *Executor) ExecuteParallelAsync(ctx context.Context, calls []tool.Call) *bridge.Future[[]tool.Result] {
	futures := make([]*bridge.Future[tool.Result], len(calls))
	for i, call := range calls {
		futures[i] = e.ExecuteAsync(ctx, call)
	}

	return bridge.Spawn(ctx, func(ctx context.Context) ([]tool.Result, error) {
		results := make([]tool.Result, len(calls))
		for i, f := range futures {
			r, err := f.Await(ctx)
			if err != nil {
				results[i] = lost(calls[i], err)
				continue
			}
			results[i] = r
		}
		return results, nil
	})
}

// ExecuteBatch queues calls on a batch processor and drains it. Calls
// without an ID, or with a duplicate one, are given a fresh ID. The returned
// map is keyed by call ID.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []tool.Call) map[string]tool.Result {
	processor := batch.New(batch.Config{
		BatchSize: e.cfg.BatchSize,
		Timeout:   e.cfg.BatchTimeout,
	}, e.metrics)

	seen := make(map[string]bool, len(calls))
	queued := make([]tool.Call, 0, len(calls))
	for _, call := range calls {
		if call.CallID == "" || seen[call.CallID] {
			call.CallID = tracing.NewCallID()
		}
		seen[call.CallID] = true
		queued = append(queued, call)

		processor.AddRequest(call.CallID, func(ctx context.Context) (any, error) {
			return e.Execute(ctx, call), nil
		})
	}

	results := make(map[string]tool.Result, len(calls))
	for processor.Pending() > 0 {
		if ctx.Err() != nil {
			break
		}
		for id, r := range processor.ProcessBatch(ctx) {
			results[id] = r
		}
	}

	for _, call := range queued {
		if _, ok := results[call.CallID]; !ok {
			results[call.CallID] = lost(call, ctx.Err())
		}
	}
	return results
}
