package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/toolrun/internal/metrics"
	"github.com/harun/toolrun/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrPoolClosed is returned for jobs submitted to, or still queued in, a
// closed pool.
var ErrPoolClosed = errors.New("worker pool closed")

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 8

// Job is a blocking function run by a pool worker.
type Job func(ctx context.Context) (any, error)

type jobRecord struct {
	id         string
	fn         Job
	ctx        context.Context
	enqueuedAt time.Time
	future     *Future[any]
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Workers int `json:"workers"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Pool runs blocking jobs on a fixed number of worker slots in FIFO order.
type Pool struct {
	workers int
	metrics *metrics.Metrics

	mu      sync.Mutex
	queue   []*jobRecord
	running int
	seq     int
	closed  bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates a pool with the given number of worker slots. m may be nil.
func NewPool(workers int, m *metrics.Metrics) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())

	log.Debug().Int("workers", workers).Msg("Worker pool initialized")

	return &Pool{
		workers: workers,
		metrics: m,
		queue:   make([]*jobRecord, 0),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit queues fn and returns a future for its result without blocking.
// A job whose ctx ends while it is still queued is skipped.
func (p *Pool) Submit(ctx context.Context, fn Job) *Future[any] {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Failed[any](ErrPoolClosed)
	}
	p.seq++
	record := &jobRecord{
		id:         fmt.Sprintf("job-%d", p.seq),
		fn:         fn,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		future:     NewFuture[any](),
	}
	p.queue = append(p.queue, record)
	queued := len(p.queue)
	p.mu.Unlock()

	log.Debug().Str("job", record.id).Int("queued", queued).Msg("Job enqueued")
	p.metrics.SetPoolQueued(queued)

	p.process()
	return record.future
}

// process starts queued jobs while worker slots are free.
func (p *Pool) process() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.running < p.workers && len(p.queue) > 0 {
		record := p.queue[0]
		p.queue = p.queue[1:]

		if err := record.ctx.Err(); err != nil {
			record.future.Resolve(nil, err)
			log.Debug().Str("job", record.id).Err(err).Msg("Job skipped, caller gave up while queued")
			continue
		}

		p.running++
		p.wg.Add(1)
		go p.execute(record)
	}

	p.metrics.SetPoolQueued(len(p.queue))
	p.metrics.SetPoolRunning(p.running)
}

func (p *Pool) execute(record *jobRecord) {
	defer p.wg.Done()

	jobCtx, span := tracing.StartSpan(
		withoutScheduler(record.ctx),
		"toolrun.bridge",
		"bridge.pool_job",
		attribute.String("job_id", record.id),
	)
	defer span.End()

	runCtx, cancel := context.WithCancel(jobCtx)
	stopCancel := context.AfterFunc(p.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	wait := time.Since(record.enqueuedAt)
	start := time.Now()
	value, err := try(runCtx, record.fn)
	duration := time.Since(start)

	p.mu.Lock()
	p.running--
	p.mu.Unlock()

	record.future.Resolve(value, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Debug().
			Str("job", record.id).
			Dur("wait", wait).
			Dur("duration", duration).
			Err(err).
			Msg("Job failed")
	} else {
		log.Debug().
			Str("job", record.id).
			Dur("wait", wait).
			Dur("duration", duration).
			Msg("Job completed")
	}

	p.process()
}

// Stats returns the current pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Workers: p.workers,
		Queued:  len(p.queue),
		Running: p.running,
	}
}

// WaitForActive waits until no job is queued or running, or timeout elapses.
func (p *Pool) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		stats := p.Stats()
		if stats.Queued == 0 && stats.Running == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Int("running", stats.Running).Msg("Timeout waiting for pool jobs")
			return false
		}
		<-ticker.C
	}
}

// Close rejects queued jobs, cancels running ones and waits for them.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	rejected := len(p.queue)
	for _, record := range p.queue {
		record.future.Resolve(nil, ErrPoolClosed)
	}
	p.queue = nil
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	log.Info().Int("rejected", rejected).Msg("Worker pool closed")
	return nil
}
