// Package errorcore implements adaptive retry, a three-state circuit
// breaker, and pattern-driven incident tracking that every outward call
// from the Orchestrator and Coordinator passes through.
package errorcore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/audit"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/core"
)

// Config controls a Core's breaker thresholds, pattern table, and optional
// integrations.
type Config struct {
	Breaker       BreakerConfig
	Patterns      []core.ErrorPattern // defaults to DefaultPatterns() if nil
	Notifier      Notifier            // defaults to NoopNotifier{}
	Bus           *bus.Bus            // optional: publishes bus.TopicAgentAlert
	ResourceUsage func() float64      // optional: feeds MatchContext.ResourceUsage
	Logger        *slog.Logger
}

// Core is the single chokepoint every outward call (agent dispatch,
// container exec, LLM request) runs through. One Core instance typically
// guards many distinct operation keys, each with its own Window and
// Breaker, plus a shared pattern table and IncidentTracker.
type Core struct {
	cfg      Config
	logger   *slog.Logger
	notifier Notifier
	tracker  *IncidentTracker

	mu       sync.Mutex
	windows  map[string]*Window
	breakers map[string]*Breaker
	streaks  map[string]int // consecutive failures per component, for MatchContext
}

// New constructs a Core.
func New(cfg Config) *Core {
	if cfg.Patterns == nil {
		cfg.Patterns = DefaultPatterns()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		cfg:      cfg,
		logger:   logger,
		notifier: notifier,
		tracker:  NewIncidentTracker(cfg.Patterns),
		windows:  make(map[string]*Window),
		breakers: make(map[string]*Breaker),
		streaks:  make(map[string]int),
	}
}

func (c *Core) windowFor(key string) *Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[key]
	if !ok {
		w = NewWindow()
		c.windows[key] = w
	}
	return w
}

func (c *Core) breakerFor(key string) *Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[key]
	if !ok {
		b = NewBreaker(c.cfg.Breaker)
		c.breakers[key] = b
	}
	return b
}

// Do runs fn under key's adaptive retry policy and circuit breaker,
// feeding every failure through the pattern table and, for newly-opened
// critical/high incidents, the notification hook and audit log. key
// identifies the (operation, error-kind) pair (e.g. "agent.agent-1" or
// "container.exec"); component identifies what's affected for incident
// scoping (often the same string, or a narrower sub-resource).
//
// Do returns *ErrServiceUnavailable immediately if key's breaker is open,
// without invoking fn or consuming a retry attempt.
func (c *Core) Do(ctx context.Context, key, component string, fn func(ctx context.Context) error) error {
	breaker := c.breakerFor(key)
	window := c.windowFor(key)

	if err := breaker.Allow(); err != nil {
		return err
	}

	params := DeriveRetryParams(window)
	delay := params.InitialDelay

	var lastErr error
	for attempt := 0; attempt < params.MaxAttempts; attempt++ {
		start := time.Now()
		err := fn(ctx)
		latency := time.Since(start)
		window.Record(err == nil, latency)

		if err == nil {
			breaker.RecordSuccess()
			c.onSuccess(component)
			return nil
		}

		lastErr = err
		breaker.RecordFailure()
		c.onFailure(err, component)

		if attempt == params.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * params.BackoffFactor)
		if delay > params.MaxDelay {
			delay = params.MaxDelay
		}
	}
	return lastErr
}

func (c *Core) onSuccess(component string) {
	c.mu.Lock()
	c.streaks[component] = 0
	c.mu.Unlock()
	c.tracker.Resolve(component, time.Now(), "recovered")
}

func (c *Core) onFailure(err error, component string) {
	c.mu.Lock()
	c.streaks[component]++
	streak := c.streaks[component]
	c.mu.Unlock()

	resourceUsage := 0.0
	if c.cfg.ResourceUsage != nil {
		resourceUsage = c.cfg.ResourceUsage()
	}
	matchCtx := core.MatchContext{Component: component, ConsecutiveErrors: streak, ResourceUsage: resourceUsage}

	opened := c.tracker.Observe(err, matchCtx, time.Now())
	for _, inc := range opened {
		audit.Record("incident_opened", inc.PatternID, err.Error(), "", component)
		if shouldAlert(inc.Severity) {
			if notifyErr := c.notifier.Notify(context.Background(), inc); notifyErr != nil {
				c.logger.Warn("errorcore: incident alert delivery failed", "incident_id", inc.IncidentID, "error", notifyErr)
			}
			if c.cfg.Bus != nil {
				c.cfg.Bus.Publish(bus.TopicAgentAlert, bus.AgentAlert{
					Severity: string(inc.Severity),
					Message:  inc.IncidentID + ": " + inc.PatternID,
				})
			}
		}
	}
}

// OpenIncidents returns every currently-open ErrorIncident.
func (c *Core) OpenIncidents() []core.ErrorIncident {
	return c.tracker.Open()
}

// BreakerState returns key's current breaker state, for status reporting.
func (c *Core) BreakerState(key string) BreakerState {
	return c.breakerFor(key).State()
}
