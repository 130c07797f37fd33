package recovery

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind selects what the manager does with a classified failure.
type Kind string

const (
	KindRetry    Kind = "retry"
	KindFallback Kind = "fallback"
	KindNone     Kind = "none"
)

// Backoff selects the delay between retries.
type Backoff string

const (
	BackoffNone        Backoff = "none"
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Strategy is the recovery rule for one category.
type Strategy struct {
	Kind       Kind          `json:"kind" mapstructure:"kind" yaml:"kind"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries" yaml:"max_retries"`
	Backoff    Backoff       `json:"backoff" mapstructure:"backoff" yaml:"backoff"`
	Delay      time.Duration `json:"delay" mapstructure:"delay" yaml:"delay"`
	MaxDelay   time.Duration `json:"max_delay" mapstructure:"max_delay" yaml:"max_delay"`
	// TimeoutMultiplier relaxes the call deadline on every retry when > 1.
	TimeoutMultiplier float64 `json:"timeout_multiplier" mapstructure:"timeout_multiplier" yaml:"timeout_multiplier"`
}

// Retries reports whether the strategy re-invokes the call.
func (s Strategy) Retries() bool {
	return s.Kind == KindRetry && s.MaxRetries > 0
}

// Validate rejects strategies the manager cannot run.
func (s Strategy) Validate() error {
	switch s.Kind {
	case KindRetry, KindFallback, KindNone:
	default:
		return fmt.Errorf("unknown strategy kind %q", s.Kind)
	}
	switch s.Backoff {
	case "", BackoffNone, BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff %q", s.Backoff)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if s.Delay < 0 || s.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if s.TimeoutMultiplier < 0 {
		return fmt.Errorf("timeout_multiplier must not be negative")
	}
	return nil
}

// backOff builds the delay sequence for one recovery run.
func (s Strategy) backOff() backoff.BackOff {
	switch s.Backoff {
	case BackoffFixed:
		return backoff.NewConstantBackOff(s.Delay)
	case BackoffExponential:
		b := backoff.NewExponentialBackOff()
		if s.Delay > 0 {
			b.InitialInterval = s.Delay
		}
		if s.MaxDelay > 0 {
			b.MaxInterval = s.MaxDelay
		}
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	default:
		return &backoff.ZeroBackOff{}
	}
}

// Policy maps categories to strategies. Categories without an entry are not
// recovered.
type Policy map[Category]Strategy

// DefaultPolicy returns the built-in strategies.
func DefaultPolicy() Policy {
	return Policy{
		CategoryTimeout: {
			Kind:              KindRetry,
			MaxRetries:        1,
			Backoff:           BackoffNone,
			TimeoutMultiplier: 1.5,
		},
		CategoryNetwork: {
			Kind:       KindRetry,
			MaxRetries: 3,
			Backoff:    BackoffExponential,
			Delay:      500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		},
		CategoryResource: {
			Kind:       KindRetry,
			MaxRetries: 2,
			Backoff:    BackoffFixed,
			Delay:      2 * time.Second,
		},
		CategoryExecution:     {Kind: KindFallback},
		CategoryPermission:    {Kind: KindFallback},
		CategoryValidation:    {Kind: KindNone},
		CategoryConfiguration: {Kind: KindNone},
		CategoryUnknown:       {Kind: KindNone},
	}
}

// For returns the strategy for c.
func (p Policy) For(c Category) Strategy {
	if s, ok := p[c]; ok {
		return s
	}
	return Strategy{Kind: KindNone}
}

// Merge returns a copy of p with overrides applied.
func (p Policy) Merge(overrides Policy) Policy {
	out := make(Policy, len(p)+len(overrides))
	for c, s := range p {
		out[c] = s
	}
	for c, s := range overrides {
		out[c] = s
	}
	return out
}

// Validate checks every strategy.
func (p Policy) Validate() error {
	for c, s := range p {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("recovery policy %s: %w", c, err)
		}
	}
	return nil
}
