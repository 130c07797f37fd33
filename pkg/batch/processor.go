// Package batch groups queued requests into size and time bounded batches.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/harun/toolrun/internal/metrics"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

const (
	DefaultBatchSize = 10
	DefaultTimeout   = 100 * time.Millisecond
)

// Task is one queued request. A task returning a tool.Result has it used
// as-is; any other output becomes a success Result.
type Task func(ctx context.Context) (any, error)

type request struct {
	id   string
	task Task
}

// Config bounds a batch.
type Config struct {
	BatchSize int
	Timeout   time.Duration
}

// Processor queues requests and drains them in batches.
type Processor struct {
	size    int
	timeout time.Duration
	metrics *metrics.Metrics

	mu     sync.Mutex
	queue  []request
	notify chan struct{}

	// drain serialises ProcessBatch calls so batches never interleave.
	drain sync.Mutex
}

// New creates a processor. m may be nil.
func New(cfg Config, m *metrics.Metrics) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Processor{
		size:    cfg.BatchSize,
		timeout: cfg.Timeout,
		metrics: m,
		notify:  make(chan struct{}, 1),
	}
}

// AddRequest enqueues a task under id.
func (p *Processor) AddRequest(id string, task Task) {
	p.mu.Lock()
	p.queue = append(p.queue, request{id: id, task: task})
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued requests.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// ProcessBatch drains up to the batch size, waiting at most the timeout for
// the batch to fill, and runs the drained tasks concurrently. A failing or
// panicking task yields a failure Result for its id and does not affect the
// others. An empty queue returns an empty map at once.
func (p *Processor) ProcessBatch(ctx context.Context) map[string]tool.Result {
	p.drain.Lock()
	defer p.drain.Unlock()

	batch := p.take(p.size)
	if len(batch) == 0 {
		return map[string]tool.Result{}
	}

	if len(batch) < p.size {
		timer := time.NewTimer(p.timeout)
	fill:
		for len(batch) < p.size {
			select {
			case <-p.notify:
				batch = append(batch, p.take(p.size-len(batch))...)
			case <-timer.C:
				break fill
			case <-ctx.Done():
				break fill
			}
		}
		timer.Stop()
	}

	p.metrics.ObserveBatchSize(len(batch))
	log.Debug().Int("size", len(batch)).Int("pending", p.Pending()).Msg("Processing batch")

	return p.run(ctx, batch)
}

func (p *Processor) take(n int) []request {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n > len(p.queue) {
		n = len(p.queue)
	}
	taken := append([]request(nil), p.queue[:n]...)
	p.queue = p.queue[n:]
	return taken
}

func (p *Processor) run(ctx context.Context, batch []request) map[string]tool.Result {
	var mu sync.Mutex
	results := make(map[string]tool.Result, len(batch))

	wg := conc.NewWaitGroup()
	for _, req := range batch {
		wg.Go(func() {
			r := p.runOne(ctx, req)
			mu.Lock()
			results[req.id] = r
			mu.Unlock()
		})
	}
	wg.Wait()

	return results
}

func (p *Processor) runOne(ctx context.Context, req request) tool.Result {
	start := time.Now()

	var (
		out any
		err error
	)
	var pc panics.Catcher
	pc.Try(func() {
		out, err = req.task(ctx)
	})

	var result tool.Result
	switch r := pc.Recovered(); {
	case r != nil:
		log.Error().Str("request", req.id).Interface("panic", r.Value).Msg("Batch task panicked")
		result = tool.Failed("", req.id, r.AsError().Error()).WithMeta(tool.MetaUnexpectedError, true)
	case err != nil:
		result = tool.Failed("", req.id, err.Error())
	default:
		if res, ok := out.(tool.Result); ok {
			return res
		}
		result = tool.Succeeded("", req.id, out)
	}
	result.ExecutionTime = time.Since(start)
	return result
}
