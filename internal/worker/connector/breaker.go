package connector

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes needed in half-open to close
	OpenTimeout      time.Duration // time to wait before half-open
}

// Breaker stops calls to a worker after consecutive failures and probes
// it again after OpenTimeout. While half-open one call at a time is let
// through.
type Breaker struct {
	config BreakerConfig

	state           BreakerState
	failures        int
	successes       int
	probing         bool
	lastStateChange time.Time
	now             func() time.Time

	mu sync.Mutex
}

func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	return &Breaker{
		config:          config,
		state:           BreakerClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Allow checks if a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true

	case BreakerOpen:
		if b.now().Sub(b.lastStateChange) < b.config.OpenTimeout {
			return false
		}
		b.transitionTo(BreakerHalfOpen)
		b.probing = true
		return true

	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}

	return false
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.probing = false
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(BreakerClosed)
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transitionTo(BreakerOpen)
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transitionTo(state BreakerState) {
	b.state = state
	b.lastStateChange = b.now()
	b.failures = 0
	b.successes = 0
	b.probing = false
}
