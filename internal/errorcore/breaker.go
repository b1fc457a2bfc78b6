package errorcore

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is one of the three states a Breaker can be in.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrServiceUnavailable is returned by Breaker.Allow when a call is
// rejected in the open state.
type ErrServiceUnavailable struct {
	State          BreakerState
	TimeUntilRetry time.Duration
}

func (e *ErrServiceUnavailable) Error() string {
	return fmt.Sprintf("service_unavailable: breaker is %s, retry in %s", e.State, e.TimeUntilRetry)
}

// BreakerConfig controls a Breaker's thresholds: the explicit
// closed/open/half_open machine pairs a half-open success counter with an
// optional preemptive health probe, rather than a flat tripped/not-tripped
// switch reset after a fixed cooldown.
type BreakerConfig struct {
	FailureThreshold int         // consecutive failures before opening
	CooldownSeconds  float64     // time in open before trying half_open
	SuccessThreshold int         // consecutive half_open successes required to close
	HealthProbe      func() bool // optional: true lets open preemptively become half_open
}

// Breaker is a three-state circuit breaker for one (operation) key.
type Breaker struct {
	cfg BreakerConfig

	mu                sync.Mutex
	state             BreakerState
	consecutiveFails  int
	halfOpenSuccesses int
	openedAt          time.Time
}

// NewBreaker constructs a closed Breaker. Zero-value fields in cfg fall
// back to sensible defaults: 5 failures, 30s cooldown, 2 half-open
// successes to close.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CooldownSeconds <= 0 {
		cfg.CooldownSeconds = 30
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &Breaker{cfg: cfg, state: BreakerClosed}
}

// Allow reports whether a call may proceed, transitioning open -> half_open
// first if the cooldown has elapsed or the health probe says the backing
// service has recovered.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		cooldown := time.Duration(b.cfg.CooldownSeconds * float64(time.Second))
		elapsed := time.Since(b.openedAt)
		probed := b.cfg.HealthProbe != nil && b.cfg.HealthProbe()
		if elapsed >= cooldown || probed {
			b.state = BreakerHalfOpen
			b.halfOpenSuccesses = 0
		} else {
			return &ErrServiceUnavailable{State: BreakerOpen, TimeUntilRetry: cooldown - elapsed}
		}
	}
	return nil
}

// State returns the breaker's current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecordSuccess clears the failure streak. In half_open, a run of
// SuccessThreshold consecutive successes closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	switch b.state {
	case BreakerHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.halfOpenSuccesses = 0
		}
	case BreakerOpen:
		// Shouldn't normally be reachable (Allow gates this), but treat a
		// stray success conservatively rather than trusting it outright.
		b.state = BreakerHalfOpen
		b.halfOpenSuccesses = 1
	}
}

// RecordFailure counts a failed attempt. Any failure while half_open
// reopens immediately; in closed state the breaker opens once
// FailureThreshold consecutive failures accumulate.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.halfOpenSuccesses = 0
	default:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
		}
	}
}
