// Package circuit implements the circuit breaker guarding remote session
// calls. Repeated transport failures open the breaker so a dead endpoint
// fails fast instead of stalling every caller on timeouts.
package circuit

import (
	"sync"
	"time"

	perrors "github.com/objectpool/objectpool/pkg/errors"
)

// State is the breaker state.
type State int

const (
	// StateClosed - requests pass through
	StateClosed State = iota
	// StateOpen - requests are rejected immediately
	StateOpen
	// StateHalfOpen - a limited number of probe requests are allowed
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes the breaker.
type Config struct {
	// Consecutive failures that trip the breaker open.
	FailureThreshold uint32 `yaml:"failure_threshold"`
	// Successful probes in half-open state that close the breaker.
	SuccessThreshold uint32 `yaml:"success_threshold"`
	// How long the breaker stays open before allowing probes.
	Timeout time.Duration `yaml:"timeout"`
	// Probe requests allowed through while half-open.
	MaxProbes uint32 `yaml:"max_probes"`
}

// Breaker is a circuit breaker for one remote endpoint.
type Breaker struct {
	name   string
	config Config

	mu        sync.Mutex
	state     State
	failures  uint32
	successes uint32
	probes    uint32
	openedAt  time.Time
}

// New creates a breaker with defaults filled in.
func New(name string, config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxProbes == 0 {
		config.MaxProbes = 1
	}
	return &Breaker{name: name, config: config, state: StateClosed}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Execute runs fn if the breaker allows it and records the outcome.
// When the breaker is open it returns a TRANSPORT_FAILURE error without
// calling fn.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return perrors.Newf(perrors.ErrCodeTransportFailure,
			"circuit breaker %q is open", b.name)
	case StateHalfOpen:
		if b.probes >= b.config.MaxProbes {
			return perrors.Newf(perrors.ErrCodeTransportFailure,
				"circuit breaker %q is probing", b.name)
		}
		b.probes++
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if err != nil {
		b.failures++
		b.successes = 0
		if state == StateHalfOpen || b.failures >= b.config.FailureThreshold {
			b.trip()
		}
		return
	}

	b.failures = 0
	if state == StateHalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.reset()
		}
	}
}

// currentState folds the open→half-open timeout transition in. Callers
// hold b.mu.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.config.Timeout {
		b.state = StateHalfOpen
		b.probes = 0
		b.successes = 0
	}
	return b.state
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.probes = 0
	b.successes = 0
}

func (b *Breaker) reset() {
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probes = 0
}
