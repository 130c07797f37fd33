package bridge

import (
	"context"
	"time"

	"github.com/harun/toolrun/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Config controls the bridge worker pool.
type Config struct {
	Workers int
}

// Bridge lets blocking code run under suspending callers and the reverse.
type Bridge struct {
	pool *Pool
}

// New creates a bridge with its own worker pool.
func New(cfg Config, m *metrics.Metrics) *Bridge {
	return &Bridge{pool: NewPool(cfg.Workers, m)}
}

// Submit hands fn to the worker pool and returns immediately.
func (b *Bridge) Submit(ctx context.Context, fn Job) *Future[any] {
	return b.pool.Submit(ctx, fn)
}

// RunSync runs a blocking fn on the worker pool and waits for it. ctx bounds
// the wait only: when it ends first the worker keeps running fn in the
// background and its result is dropped.
func (b *Bridge) RunSync(ctx context.Context, fn Job) (any, error) {
	return b.pool.Submit(ctx, fn).Await(ctx)
}

// Stats reports worker pool occupancy.
func (b *Bridge) Stats() PoolStats {
	return b.pool.Stats()
}

// Drain waits up to timeout for queued and running jobs to finish. It
// reports whether the pool went idle in time.
func (b *Bridge) Drain(timeout time.Duration) bool {
	return b.pool.WaitForActive(timeout)
}

// Close shuts the worker pool down.
func (b *Bridge) Close() error {
	return b.pool.Close()
}

// RunAsync drives a suspending fn to completion for a blocking caller. It
// fails with ErrNestedScheduler when ctx already runs under a scheduler;
// otherwise an isolated scheduler is created for the call and closed after.
func RunAsync[T any](ctx context.Context, fn func(ctx context.Context) *Future[T]) (T, error) {
	if s, ok := SchedulerFrom(ctx); ok {
		log.Debug().Str("scheduler", s.ID()).Msg("Rejected blocking call inside active scheduler")
		var zero T
		return zero, ErrNestedScheduler
	}

	s := NewScheduler()
	defer s.Close()

	future := Go(ctx, s, func(ctx context.Context) (T, error) {
		return fn(ctx).Await(ctx)
	})
	return future.Await(ctx)
}
