package recovery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/harun/toolrun/internal/metrics"
	"github.com/harun/toolrun/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Dispatch re-invokes the original call with the given deadline. A zero
// timeout means no deadline.
type Dispatch func(ctx context.Context, timeout time.Duration) (any, error)

// Outcome is the result of a recovery run.
type Outcome struct {
	Output   any
	Err      error
	Category Category
	// Attempted is set whenever a retry or fallback strategy handled the error.
	Attempted bool
	Fallback  bool
	Attempts  int
	Aborted   bool
}

// Recovered reports whether a retry succeeded.
func (o Outcome) Recovered() bool {
	return o.Err == nil
}

// Config controls a Manager.
type Config struct {
	Policy      Policy
	HistorySize int
}

// Manager applies the recovery policy to failed dispatches.
type Manager struct {
	policy  Policy
	history *History
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewManager creates a manager. An empty policy falls back to
// DefaultPolicy; a partial one overrides the defaults per category. m may
// be nil.
func NewManager(cfg Config, m *metrics.Metrics) *Manager {
	return &Manager{
		policy:  DefaultPolicy().Merge(cfg.Policy),
		history: NewHistory(cfg.HistorySize),
		metrics: m,
		sleep:   sleepCtx,
	}
}

// Policy returns the effective policy.
func (m *Manager) Policy() Policy {
	return m.policy.Merge(nil)
}

// History returns the recent attempts recorded for toolName.
func (m *Manager) History(toolName string) []Attempt {
	return m.history.Recent(toolName)
}

// Recover classifies firstErr and applies the matching strategy. Retries go
// through dispatch. Cancelling ctx aborts recovery at the next wait or
// attempt boundary.
func (m *Manager) Recover(ctx context.Context, ec *ExecutionContext, firstErr error, timeout time.Duration, dispatch Dispatch) Outcome {
	category := Classify(firstErr)
	ec.setCategory(category)
	strategy := m.policy.For(category)

	logger := log.With().
		Str("tool", ec.Tool).
		Str("call_id", ec.CallID).
		Str("execution_id", ec.ID).
		Str("category", string(category)).
		Logger()

	switch {
	case strategy.Kind == KindFallback:
		m.record(ec, Attempt{Category: category, Error: firstErr.Error(), Outcome: OutcomeFallback})
		logger.Warn().Err(firstErr).Msg("Tool failure handled by fallback")
		return Outcome{Err: firstErr, Category: category, Attempted: true, Fallback: true}

	case !strategy.Retries():
		m.record(ec, Attempt{Category: category, Error: firstErr.Error(), Outcome: OutcomeSkipped})
		return Outcome{Err: firstErr, Category: category}
	}

	b := strategy.backOff()
	lastErr := firstErr
	attempts := 0

	for attempt := 1; attempt <= strategy.MaxRetries; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		if err := m.sleep(ctx, delay); err != nil {
			return m.abort(ec, category, attempts, lastErr)
		}
		if strategy.TimeoutMultiplier > 1 && timeout > 0 {
			timeout = time.Duration(float64(timeout) * strategy.TimeoutMultiplier)
		}

		attempts = attempt
		logger.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Dur("timeout", timeout).
			Msg("Retrying tool call")

		out, err := m.attempt(ctx, ec, attempt, timeout, dispatch)
		if err == nil {
			m.record(ec, Attempt{Number: attempt, Category: category, Outcome: OutcomeRecovered, Delay: delay, Timeout: timeout})
			logger.Info().Int("attempt", attempt).Msg("Tool call recovered")
			return Outcome{Output: out, Category: category, Attempted: true, Attempts: attempts}
		}
		if ctx.Err() != nil {
			return m.abort(ec, category, attempts, err)
		}

		lastErr = err
		m.record(ec, Attempt{Number: attempt, Category: category, Error: err.Error(), Outcome: OutcomeFailed, Delay: delay, Timeout: timeout})

		if next := Classify(err); !m.policy.For(next).Retries() {
			logger.Debug().Str("next_category", string(next)).Msg("Retry failed with a non-retryable error")
			break
		}
	}

	logger.Warn().Err(lastErr).Int("attempts", attempts).Msg("Tool call recovery exhausted")
	return Outcome{Err: lastErr, Category: category, Attempted: true, Attempts: attempts}
}

func (m *Manager) attempt(ctx context.Context, ec *ExecutionContext, n int, timeout time.Duration, dispatch Dispatch) (any, error) {
	ctx, span := tracing.StartSpan(ctx, "toolrun.recovery", "recovery.attempt",
		attribute.String("tool.name", ec.Tool),
		attribute.String("execution.id", ec.ID),
		attribute.Int("recovery.attempt", n),
	)
	defer span.End()

	out, err := dispatch(ctx, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (m *Manager) abort(ec *ExecutionContext, category Category, attempts int, err error) Outcome {
	m.record(ec, Attempt{Number: attempts, Category: category, Error: err.Error(), Outcome: OutcomeAborted})
	log.Warn().Str("tool", ec.Tool).Str("execution_id", ec.ID).Msg("Recovery aborted")
	return Outcome{Err: err, Category: category, Attempted: true, Attempts: attempts, Aborted: true}
}

func (m *Manager) record(ec *ExecutionContext, a Attempt) {
	a.ExecutionID = ec.ID
	a.CallID = ec.CallID
	a.Tool = ec.Tool
	a.At = time.Now()

	ec.addAttempt(a)
	m.history.Add(a)
	m.metrics.RecordRecoveryAttempt(string(a.Category), a.Outcome)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
