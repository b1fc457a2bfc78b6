package evaluator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/go-claw/internal/audit"
	"github.com/basket/go-claw/internal/core"
	"github.com/basket/go-claw/internal/errorcore"
)

// FailoverEvaluator tries each Client in order, skipping any whose breaker
// is open, and implements orchestrator.Evaluator's fire-and-forget
// Evaluate(ctx, task, result) — a failed or unavailable judge never affects
// task completion, only whether a Judgment gets recorded.
type FailoverEvaluator struct {
	candidates []Client
	breakers   map[string]*errorcore.Breaker
	logger     *slog.Logger
}

// NewFailoverEvaluator builds a FailoverEvaluator trying candidates in
// order (typically primary first, then fallback providers), each guarded by
// its own circuit breaker so a consistently failing provider stops being
// tried until its cooldown elapses.
func NewFailoverEvaluator(logger *slog.Logger, candidates ...Client) *FailoverEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	breakers := make(map[string]*errorcore.Breaker, len(candidates))
	for _, c := range candidates {
		breakers[c.Name()] = errorcore.NewBreaker(errorcore.BreakerConfig{})
	}
	return &FailoverEvaluator{candidates: candidates, breakers: breakers, logger: logger}
}

// Evaluate satisfies orchestrator.Evaluator. It never returns an error or
// blocks the caller on judge latency beyond this single call — callers
// invoke it in their own goroutine, matching the Orchestrator's existing
// "go o.cfg.Evaluator.Evaluate(...)" dispatch.
func (f *FailoverEvaluator) Evaluate(ctx context.Context, task core.Task, result core.TaskResult) {
	judgment, providerName, err := f.judge(ctx, task, result)
	if err != nil {
		f.logger.Warn("evaluator: all judge providers failed", "task_id", task.ID, "error", err)
		return
	}
	f.logger.Info("evaluator: judgment recorded", "task_id", task.ID, "provider", providerName,
		"score", judgment.Score, "verdict", judgment.Verdict)
	audit.Record("task_evaluated", providerName, judgment.Rationale, "", task.ID)
}

func (f *FailoverEvaluator) judge(ctx context.Context, task core.Task, result core.TaskResult) (Judgment, string, error) {
	var lastErr error
	for _, c := range f.candidates {
		breaker := f.breakers[c.Name()]
		if err := breaker.Allow(); err != nil {
			f.logger.Info("evaluator: skipping tripped provider", "provider", c.Name())
			lastErr = err
			continue
		}

		judgment, err := c.Judge(ctx, task, result)
		if err == nil {
			breaker.RecordSuccess()
			return judgment, c.Name(), nil
		}
		breaker.RecordFailure()
		f.logger.Warn("evaluator: judge provider failed", "provider", c.Name(), "error", err)
		lastErr = err
	}
	return Judgment{}, "", fmt.Errorf("evaluator: all providers failed: %w", lastErr)
}
