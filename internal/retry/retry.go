// Package retry provides bounded retry with exponential backoff for
// session transport operations.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	perrors "github.com/objectpool/objectpool/pkg/errors"
)

// Config defines retry behavior.
type Config struct {
	// MaxAttempts bounds total attempts, the initial one included.
	MaxAttempts int `yaml:"max_attempts"`

	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`

	// Multiplier grows the delay after each attempt.
	Multiplier float64 `yaml:"multiplier"`

	// Jitter randomizes delays by up to ±20% to decorrelate retries
	// racing on the same object.
	Jitter bool `yaml:"jitter"`

	// Retryable classifies errors. When nil only TRANSPORT_FAILURE
	// errors retry.
	Retryable func(error) bool `yaml:"-"`

	// OnRetry is called before each sleep.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-"`
}

// DefaultConfig returns the defaults used by the gateway session.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer executes functions with bounded exponential backoff.
type Retryer struct {
	config Config
}

// New creates a Retryer, filling zero config values with defaults.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 10 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 2 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &Retryer{config: config}
}

// Do runs fn until it succeeds, fails terminally, the attempt budget
// runs out, or the context is cancelled. The last error is returned
// unwrapped so its code survives.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.retryable(err) || attempt == r.config.MaxAttempts {
			break
		}

		delay := r.delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (r *Retryer) retryable(err error) bool {
	if r.config.Retryable != nil {
		return r.config.Retryable(err)
	}
	return perrors.IsCode(err, perrors.ErrCodeTransportFailure)
}

func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		d += d * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}
