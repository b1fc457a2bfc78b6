package core

import "time"

// Severity ranks an ErrorIncident for alerting and escalation purposes.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// RecoveryAction is the remediation an ErrorPattern match triggers.
type RecoveryAction string

const (
	RecoveryImmediateRetry     RecoveryAction = "immediate_retry"
	RecoveryExponentialBackoff RecoveryAction = "exponential_backoff"
	RecoveryCircuitBreaker     RecoveryAction = "circuit_breaker"
	RecoveryFallback           RecoveryAction = "fallback"
	RecoveryEscalation         RecoveryAction = "escalation"
	RecoveryManual             RecoveryAction = "manual"
)

// MatchContext is what an ErrorPattern's Matches function is given: the
// failing error plus the surrounding signal (component, recent counts) it
// needs to decide whether the pattern applies.
type MatchContext struct {
	Component         string
	ConsecutiveErrors int
	ResourceUsage     float64
}

// ErrorPattern recognizes a recurring failure shape and prescribes how the
// Error Core should respond to it.
type ErrorPattern struct {
	ID                  string
	Matches             func(err error, ctx MatchContext) bool
	Severity            Severity
	Recovery            RecoveryAction
	MaxRetries          int
	EscalationThreshold int
	CooldownSeconds     float64
}

// ErrorIncident aggregates one or more ErrorPattern matches scoped by
// (pattern_id, component) into a single tracked event.
type ErrorIncident struct {
	IncidentID         string     `json:"incident_id"`
	PatternID          string     `json:"pattern_id"`
	Severity           Severity   `json:"severity"`
	ComponentsAffected []string   `json:"components_affected"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	RecoveryActions    []string   `json:"recovery_actions,omitempty"`
	Resolution         string     `json:"resolution,omitempty"`
}

// Open reports whether the incident has not yet been resolved.
func (i ErrorIncident) Open() bool {
	return i.EndedAt == nil
}

// Close marks the incident resolved at t with the given resolution note.
func (i *ErrorIncident) Close(t time.Time, resolution string) {
	i.EndedAt = &t
	i.Resolution = resolution
}
