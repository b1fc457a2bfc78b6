package errorcore

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/core"
)

// DefaultPatterns returns the built-in ErrorPattern table. Matching is
// substring-on-the-error-message plus MatchContext thresholds, covering
// this domain's container and resource failures.
func DefaultPatterns() []core.ErrorPattern {
	return []core.ErrorPattern{
		{
			ID: "container_failure",
			Matches: func(err error, ctx core.MatchContext) bool {
				return containsAny(err, "container", "exited", "oom", "no such container") && ctx.ConsecutiveErrors >= 3
			},
			Severity:            core.SeverityHigh,
			Recovery:            core.RecoveryExponentialBackoff,
			MaxRetries:          5,
			EscalationThreshold: 6,
			CooldownSeconds:     30,
		},
		{
			ID: "resource_exhaustion",
			Matches: func(err error, ctx core.MatchContext) bool {
				return ctx.ResourceUsage >= 0.9
			},
			Severity:            core.SeverityCritical,
			Recovery:            core.RecoveryEscalation,
			MaxRetries:          0,
			EscalationThreshold: 1,
			CooldownSeconds:     60,
		},
		{
			ID: "rate_limit",
			Matches: func(err error, ctx core.MatchContext) bool {
				return containsAny(err, "429", "rate limit", "too many requests")
			},
			Severity:            core.SeverityMedium,
			Recovery:            core.RecoveryExponentialBackoff,
			MaxRetries:          3,
			EscalationThreshold: 10,
			CooldownSeconds:     15,
		},
		{
			ID: "transient_timeout",
			Matches: func(err error, ctx core.MatchContext) bool {
				return containsAny(err, "deadline exceeded", "timeout", "timed out") && ctx.ConsecutiveErrors < 3
			},
			Severity:            core.SeverityLow,
			Recovery:            core.RecoveryImmediateRetry,
			MaxRetries:          2,
			EscalationThreshold: 5,
			CooldownSeconds:     5,
		},
		{
			ID: "persistent_unavailability",
			Matches: func(err error, ctx core.MatchContext) bool {
				return ctx.ConsecutiveErrors >= 6
			},
			Severity:            core.SeverityCritical,
			Recovery:            core.RecoveryCircuitBreaker,
			MaxRetries:          0,
			EscalationThreshold: 1,
			CooldownSeconds:     60,
		},
	}
}

func containsAny(err error, substrs ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range substrs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// incidentKey scopes an ErrorIncident by (pattern_id, component).
type incidentKey struct {
	patternID string
	component string
}

// IncidentTracker aggregates ErrorPattern matches into open ErrorIncidents,
// one per (pattern_id, component), and closes them once the pattern stops
// matching.
type IncidentTracker struct {
	mu        sync.Mutex
	patterns  []core.ErrorPattern
	incidents map[incidentKey]*core.ErrorIncident
	seq       int
}

// NewIncidentTracker builds a tracker over patterns.
func NewIncidentTracker(patterns []core.ErrorPattern) *IncidentTracker {
	return &IncidentTracker{
		patterns:  patterns,
		incidents: make(map[incidentKey]*core.ErrorIncident),
	}
}

// Observe runs err through every pattern; each match opens (or extends) an
// incident for (pattern.ID, component). It returns the incidents that are
// newly opened by this call (for alerting) — a pattern that was already
// open for this component is not returned again.
func (t *IncidentTracker) Observe(err error, ctx core.MatchContext, now time.Time) []core.ErrorIncident {
	t.mu.Lock()
	defer t.mu.Unlock()

	var opened []core.ErrorIncident
	for _, p := range t.patterns {
		if !p.Matches(err, ctx) {
			continue
		}
		key := incidentKey{patternID: p.ID, component: ctx.Component}
		if existing, ok := t.incidents[key]; ok && existing.Open() {
			continue
		}
		t.seq++
		inc := core.ErrorIncident{
			IncidentID:         fmt.Sprintf("inc-%s-%d", p.ID, t.seq),
			PatternID:          p.ID,
			Severity:           p.Severity,
			ComponentsAffected: []string{ctx.Component},
			StartedAt:          now,
			RecoveryActions:    []string{string(p.Recovery)},
		}
		t.incidents[key] = &inc
		opened = append(opened, inc)
	}
	return opened
}

// Resolve closes every open incident for component across all patterns
// (called once an operation against component starts succeeding again).
func (t *IncidentTracker) Resolve(component string, now time.Time, resolution string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, inc := range t.incidents {
		if key.component == component && inc.Open() {
			inc.Close(now, resolution)
		}
	}
}

// Open returns every currently-open incident, for status reporting.
func (t *IncidentTracker) Open() []core.ErrorIncident {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []core.ErrorIncident
	for _, inc := range t.incidents {
		if inc.Open() {
			out = append(out, *inc)
		}
	}
	return out
}
