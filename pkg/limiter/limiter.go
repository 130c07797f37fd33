// Package limiter bounds how many tool executions run at once.
package limiter

import (
	"context"
	"sync/atomic"

	"github.com/harun/toolrun/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is used when no limit is configured.
const DefaultMaxConcurrent = 10

// Task is work run while holding a slot.
type Task func(ctx context.Context) (any, error)

// Limiter admits at most max tasks at a time. Waiters are admitted in FIFO
// order.
type Limiter struct {
	sem     *semaphore.Weighted
	max     int
	active  atomic.Int64
	waiting atomic.Int64
	metrics *metrics.Metrics
}

// New creates a limiter with max slots. m may be nil.
func New(max int, m *metrics.Metrics) *Limiter {
	if max <= 0 {
		max = DefaultMaxConcurrent
	}
	return &Limiter{
		sem:     semaphore.NewWeighted(int64(max)),
		max:     max,
		metrics: m,
	}
}

// Acquire waits for a slot. The returned release must be called exactly once.
// When ctx ends first its error is returned and no slot is held.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	l.metrics.SetLimiterWaiting(int(l.waiting.Add(1)))
	err := l.sem.Acquire(ctx, 1)
	l.metrics.SetLimiterWaiting(int(l.waiting.Add(-1)))
	if err != nil {
		return nil, err
	}

	l.metrics.SetLimiterActive(int(l.active.Add(1)))

	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		l.metrics.SetLimiterActive(int(l.active.Add(-1)))
		l.sem.Release(1)
	}, nil
}

// ExecuteWithLimit runs task once a slot is free and releases the slot when
// task returns, whether it failed or not.
func (l *Limiter) ExecuteWithLimit(ctx context.Context, task Task) (any, error) {
	release, err := l.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return task(ctx)
}

// Active returns the number of slots in use.
func (l *Limiter) Active() int {
	return int(l.active.Load())
}

// Waiting returns the number of callers waiting for a slot.
func (l *Limiter) Waiting() int {
	return int(l.waiting.Load())
}

// Max returns the slot count.
func (l *Limiter) Max() int {
	return l.max
}
