package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker refuses a call without touching the
// scanner. Callers treat it like a transient scanner failure.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultHalfOpenMax      = 1
)

// Breaker is a per-instance failure counter with the classic three states.
// One breaker guards every adapter call to its scanner instance.
type Breaker struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMax      int

	mu               sync.Mutex
	state            State
	failures         int
	openedAt         time.Time
	halfOpenInFlight int

	onStateChange func(State)
}

type Option func(*Breaker)

func WithThresholds(failureThreshold int, recoveryTimeout time.Duration, halfOpenMax int) Option {
	return func(b *Breaker) {
		if failureThreshold > 0 {
			b.failureThreshold = failureThreshold
		}
		if recoveryTimeout > 0 {
			b.recoveryTimeout = recoveryTimeout
		}
		if halfOpenMax > 0 {
			b.halfOpenMax = halfOpenMax
		}
	}
}

// WithStateChange registers a callback fired (outside the lock) whenever
// the state moves.
func WithStateChange(fn func(State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

func New(opts ...Option) *Breaker {
	b := &Breaker{
		failureThreshold: DefaultFailureThreshold,
		recoveryTimeout:  DefaultRecoveryTimeout,
		halfOpenMax:      DefaultHalfOpenMax,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. It must be paired with exactly
// one Success or Failure when it returns nil.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.recoveryTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.setStateLocked(StateHalfOpen)
		fallthrough
	default: // StateHalfOpen
		if b.halfOpenInFlight >= b.halfOpenMax {
			b.mu.Unlock()
			return ErrOpen
		}
		b.halfOpenInFlight++
		b.mu.Unlock()
		return nil
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.halfOpenInFlight = 0
		b.failures = 0
		b.setStateLocked(StateClosed)
	} else {
		b.failures = 0
	}
	b.mu.Unlock()
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	switch b.state {
	case StateHalfOpen:
		b.halfOpenInFlight = 0
		b.openedAt = time.Now()
		b.setStateLocked(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.openedAt = time.Now()
			b.setStateLocked(StateOpen)
		}
	}
	b.mu.Unlock()
}

// Do wraps a call: fail fast when open, otherwise run fn and record the
// outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// State returns the current state, applying the open -> half-open clock.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.recoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// setStateLocked flips the state and schedules the callback after the lock
// is released by the caller path.
func (b *Breaker) setStateLocked(next State) {
	if b.state == next {
		return
	}
	b.state = next
	if b.onStateChange != nil {
		state := next
		go b.onStateChange(state)
	}
}
