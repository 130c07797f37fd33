package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

var (
	// ErrNestedScheduler is returned when a blocking entry point is called
	// from code already running under an active scheduler. Such callers must
	// use the suspending entry point instead.
	ErrNestedScheduler = errors.New("blocking call from inside an active scheduler; use the async entry point")

	// ErrSchedulerClosed is returned for work submitted after Close.
	ErrSchedulerClosed = errors.New("scheduler closed")
)

type schedulerKey struct{}

// Scheduler runs suspending work as tracked goroutines. Its handle travels in
// the context of everything it runs so blocking entry points can detect it.
type Scheduler struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	tasks  atomic.Int64
}

// NewScheduler creates a scheduler. Close must be called to release it.
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID identifies the scheduler in logs.
func (s *Scheduler) ID() string {
	return s.id
}

// Pending returns the number of goroutines still running on the scheduler.
func (s *Scheduler) Pending() int {
	return int(s.tasks.Load())
}

// Close cancels every task still running and waits for them to return.
func (s *Scheduler) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.wg.Wait()
	log.Debug().Str("scheduler", s.id).Msg("Scheduler closed")
}

// WithScheduler marks ctx as running under s.
func WithScheduler(ctx context.Context, s *Scheduler) context.Context {
	return context.WithValue(ctx, schedulerKey{}, s)
}

// SchedulerFrom returns the scheduler active in ctx, if any.
func SchedulerFrom(ctx context.Context) (*Scheduler, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(schedulerKey{}).(*Scheduler)
	return s, ok && s != nil
}

// withoutScheduler hides any active scheduler from ctx. Pool workers run with
// it so that blocking code inside them may start isolated schedulers.
func withoutScheduler(ctx context.Context) context.Context {
	if _, ok := SchedulerFrom(ctx); !ok {
		return ctx
	}
	return context.WithValue(ctx, schedulerKey{}, (*Scheduler)(nil))
}

// Go runs fn on s and returns a future for its result. The task context is
// ctx carrying the scheduler handle; it is also cancelled when s closes.
// A panic inside fn resolves the future with an error.
func Go[T any](ctx context.Context, s *Scheduler, fn func(ctx context.Context) (T, error)) *Future[T] {
	if s.closed.Load() {
		return Failed[T](ErrSchedulerClosed)
	}

	future := NewFuture[T]()
	s.wg.Add(1)
	s.tasks.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.tasks.Add(-1)

		runCtx, cancel := context.WithCancel(WithScheduler(ctx, s))
		stop := context.AfterFunc(s.ctx, cancel)
		defer func() {
			stop()
			cancel()
		}()

		future.Resolve(try(runCtx, fn))
	}()

	return future
}

// Spawn runs fn on the scheduler active in ctx, or on a plain goroutine when
// there is none.
func Spawn[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	if s, ok := SchedulerFrom(ctx); ok {
		return Go(ctx, s, fn)
	}

	future := NewFuture[T]()
	go func() {
		future.Resolve(try(ctx, fn))
	}()
	return future
}

// try runs fn and converts a panic into a *panics.ErrRecovered.
func try[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (value T, err error) {
	var pc panics.Catcher
	pc.Try(func() {
		value, err = fn(ctx)
	})
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}
	return value, err
}
