package errorcore

import (
	"sync"
	"time"
)

// outcome is one recorded attempt in a Window.
type outcome struct {
	success bool
	latency time.Duration
}

// windowCapacity bounds how many recent outcomes a Window retains; older
// entries are dropped as new ones arrive (a ring, not an unbounded log).
const windowCapacity = 50

// Window is a sliding window of recent (success/fail, latency) outcomes for
// one (operation, error-kind) pair. RetryParams are derived from it on
// demand rather than stored, so the policy always reflects recent behavior.
type Window struct {
	mu      sync.Mutex
	entries []outcome
}

// NewWindow constructs an empty sliding window.
func NewWindow() *Window {
	return &Window{entries: make([]outcome, 0, windowCapacity)}
}

// Record appends one outcome, evicting the oldest entry once the window is
// full.
func (w *Window) Record(success bool, latency time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.entries) >= windowCapacity {
		w.entries = w.entries[1:]
	}
	w.entries = append(w.entries, outcome{success: success, latency: latency})
}

// stats returns the window's success rate, average latency, and failure
// count. An empty window reports a success rate of 1 (no evidence of
// trouble yet) and zero latency.
func (w *Window) stats() (successRate float64, avgLatency time.Duration, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.entries) == 0 {
		return 1, 0, 0
	}
	var successes int
	var totalLatency time.Duration
	for _, e := range w.entries {
		if e.success {
			successes++
		} else {
			failures++
		}
		totalLatency += e.latency
	}
	return float64(successes) / float64(len(w.entries)), totalLatency / time.Duration(len(w.entries)), failures
}

// RetryParams are the retry parameters derived from a Window at a point in
// time.
type RetryParams struct {
	MaxAttempts   int
	BackoffFactor float64
	InitialDelay  time.Duration
	MaxDelay      time.Duration
}

// errorFrequencyThreshold is the failure count within the window above
// which the derived policy backs off harder.
const errorFrequencyThreshold = 10

// DeriveRetryParams computes RetryParams from w's current success rate and
// average latency.
func DeriveRetryParams(w *Window) RetryParams {
	successRate, avgLatency, failures := w.stats()

	var p RetryParams
	switch {
	case successRate > 0.9:
		p.MaxAttempts, p.BackoffFactor = 2, 1.5
	case successRate > 0.7:
		p.MaxAttempts, p.BackoffFactor = 3, 2.0
	case successRate > 0.5:
		p.MaxAttempts, p.BackoffFactor = 5, 2.5
	default:
		p.MaxAttempts, p.BackoffFactor = 3, 3.0
	}

	p.InitialDelay = clampDuration(time.Duration(float64(avgLatency)*0.1), 100*time.Millisecond, 5*time.Second)
	p.MaxDelay = clampDuration(avgLatency*10, p.InitialDelay, 300*time.Second)

	if failures > errorFrequencyThreshold {
		p.BackoffFactor *= 1.5
		p.MaxDelay *= 2
	}
	return p
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
