// Package retry re-runs transient upstream failures with exponential backoff
package retry

import (
	"context"
	stderr "errors"
	"math"
	"math/rand"
	"slices"
	"time"

	"github.com/pixelcache/pixelcache/pkg/errors"
)

// Config controls attempts and backoff
type Config struct {
	// MaxAttempts counts the first try
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`

	// Jitter spreads each delay by up to 20% either way
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors are codes retried even when the error is not flagged
	// Retryable
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry runs before each backoff sleep
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig retries three times from 100ms up to 2s
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		RetryableErrors: []errors.ErrorCode{errors.ErrCodeOperationTimeout},
	}
}

// Retryer runs a function until it succeeds, fails permanently, or runs out
// of attempts
type Retryer struct {
	config Config
}

// New fills zero fields of config from DefaultConfig
func New(config Config) *Retryer {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}
	return &Retryer{config: config}
}

// Do calls fn until it returns nil, a non-retryable error, or attempts run
// out. Only *errors.ProxyError values are ever retried. The last attempt's
// error is returned unwrapped, also when ctx ends during a backoff.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return last
			}
			return errors.Wrap(errors.ErrCodeOperationCanceled, "operation canceled", err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err

		if attempt >= r.config.MaxAttempts || !r.retryable(err) {
			return err
		}

		delay := r.backoff(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last
		case <-timer.C:
		}
	}
}

func (r *Retryer) retryable(err error) bool {
	var pe *errors.ProxyError
	if !stderr.As(err, &pe) {
		return false
	}
	return pe.Retryable || slices.Contains(r.config.RetryableErrors, pe.Code)
}

// backoff is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay
func (r *Retryer) backoff(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	delay = math.Min(delay, float64(r.config.MaxDelay))
	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}
