package tokenstore

import (
	"context"
	"time"
)

// CostAnalysis totals usage over a period, broken down by model, agent, and
// task kind.
type CostAnalysis struct {
	Period      time.Duration
	Count       int
	TotalTokens int
	TotalCost   float64
	ByModel     map[string]float64
	ByAgent     map[string]float64
	ByKind      map[string]float64
}

// Analyze aggregates every record from the last period into a CostAnalysis.
func (s *Store) Analyze(ctx context.Context, period time.Duration) (CostAnalysis, error) {
	rows, err := s.since(ctx, time.Now().Add(-period))
	if err != nil {
		return CostAnalysis{}, err
	}

	a := CostAnalysis{
		Period:  period,
		ByModel: make(map[string]float64),
		ByAgent: make(map[string]float64),
		ByKind:  make(map[string]float64),
	}
	for _, r := range rows {
		a.Count++
		a.TotalTokens += r.inputTokens + r.outputTokens
		a.TotalCost += r.cost
		a.ByModel[r.model] += r.cost
		a.ByAgent[r.agentID] += r.cost
		a.ByKind[r.kind] += r.cost
	}
	return a, nil
}
