package tokenstore

import (
	"context"
	"fmt"
	"time"
)

// Suggestion is one optimization heuristic's finding.
type Suggestion struct {
	Kind    string // "model_selection" | "prompt_compression" | "result_caching" | "batching" | "task_routing"
	Message string
	Details map[string]any
}

// costlyModelThreshold is the per-record cost above which a "low-token
// task routed to a costly model" suggestion fires.
const costlyModelThreshold = 0.01

// lowTokenThreshold is the input-token count below which a task is
// considered small enough that a cheaper model would likely suffice.
const lowTokenThreshold = 200

// promptCompressionThreshold is the average-input-token count above which
// prompt compression is suggested.
const promptCompressionThreshold = 2000

// duplicateRatioThreshold triggers a result-caching suggestion.
const duplicateRatioThreshold = 0.33

// burstWindow is the bucketing window batching looks for bursts within.
const burstWindow = 5 * time.Minute

// SuggestOptimizations analyzes the last lookback period of records and
// returns zero or more cost-saving suggestions.
func (s *Store) SuggestOptimizations(ctx context.Context, lookback time.Duration) ([]Suggestion, error) {
	rows, err := s.since(ctx, time.Now().Add(-lookback))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var suggestions []Suggestion
	if s := modelSelectionSuggestion(rows); s != nil {
		suggestions = append(suggestions, *s)
	}
	if s := promptCompressionSuggestion(rows); s != nil {
		suggestions = append(suggestions, *s)
	}
	if s := resultCachingSuggestion(rows); s != nil {
		suggestions = append(suggestions, *s)
	}
	if s := batchingSuggestion(rows); s != nil {
		suggestions = append(suggestions, *s)
	}
	suggestions = append(suggestions, taskRoutingSuggestions(rows)...)
	return suggestions, nil
}

// modelSelectionSuggestion flags when low-token tasks are routinely routed
// to a costly model.
func modelSelectionSuggestion(rows []row) *Suggestion {
	var flagged int
	for _, r := range rows {
		if r.inputTokens < lowTokenThreshold && r.cost > costlyModelThreshold {
			flagged++
		}
	}
	if flagged == 0 {
		return nil
	}
	return &Suggestion{
		Kind:    "model_selection",
		Message: fmt.Sprintf("%d of %d tasks were small (<%d input tokens) but billed at a costly-model rate; route these to a cheaper model", flagged, len(rows), lowTokenThreshold),
		Details: map[string]any{"flagged": flagged, "total": len(rows)},
	}
}

// promptCompressionSuggestion flags a high average input-token count.
func promptCompressionSuggestion(rows []row) *Suggestion {
	total := 0
	for _, r := range rows {
		total += r.inputTokens
	}
	avg := float64(total) / float64(len(rows))
	if avg <= promptCompressionThreshold {
		return nil
	}
	return &Suggestion{
		Kind:    "prompt_compression",
		Message: fmt.Sprintf("average input is %.0f tokens, above the %d-token threshold; consider compressing prompts", avg, promptCompressionThreshold),
		Details: map[string]any{"avg_input_tokens": avg},
	}
}

// resultCachingSuggestion flags a high ratio of records sharing an
// identical (model, kind, input_tokens, output_tokens) shape — a proxy for
// requests likely to have produced the same result.
func resultCachingSuggestion(rows []row) *Suggestion {
	type shape struct {
		model        string
		kind         string
		inputTokens  int
		outputTokens int
	}
	counts := make(map[shape]int)
	for _, r := range rows {
		counts[shape{r.model, r.kind, r.inputTokens, r.outputTokens}]++
	}
	duplicates := 0
	for _, c := range counts {
		if c > 1 {
			duplicates += c - 1
		}
	}
	ratio := float64(duplicates) / float64(len(rows))
	if ratio <= duplicateRatioThreshold {
		return nil
	}
	return &Suggestion{
		Kind:    "result_caching",
		Message: fmt.Sprintf("%.0f%% of tasks appear to duplicate an earlier task's shape; consider caching results", ratio*100),
		Details: map[string]any{"duplicate_ratio": ratio},
	}
}

// batchingSuggestion flags a 5-minute window whose request count far
// exceeds the average window's, suggesting bursty traffic a batcher could
// smooth out.
func batchingSuggestion(rows []row) *Suggestion {
	buckets := make(map[int64]int)
	for _, r := range rows {
		bucket := r.timestamp.Unix() / int64(burstWindow.Seconds())
		buckets[bucket]++
	}
	if len(buckets) == 0 {
		return nil
	}
	var total, max int
	for _, c := range buckets {
		total += c
		if c > max {
			max = c
		}
	}
	avg := float64(total) / float64(len(buckets))
	if avg == 0 || float64(max) < avg*3 {
		return nil
	}
	return &Suggestion{
		Kind:    "batching",
		Message: fmt.Sprintf("a 5-minute window saw %d requests against an average of %.1f; consider batching bursts", max, avg),
		Details: map[string]any{"max_window_count": max, "avg_window_count": avg},
	}
}

// taskRoutingSuggestions flags agents whose success rate lags the overall
// average for their kind, suggesting requests of that kind route elsewhere.
func taskRoutingSuggestions(rows []row) []Suggestion {
	type key struct{ agentID, kind string }
	type tally struct{ successes, total int }
	perAgentKind := make(map[key]*tally)
	perKind := make(map[string]*tally)

	for _, r := range rows {
		k := key{r.agentID, r.kind}
		if perAgentKind[k] == nil {
			perAgentKind[k] = &tally{}
		}
		if perKind[r.kind] == nil {
			perKind[r.kind] = &tally{}
		}
		perAgentKind[k].total++
		perKind[r.kind].total++
		if r.success {
			perAgentKind[k].successes++
			perKind[r.kind].successes++
		}
	}

	var out []Suggestion
	for k, t := range perAgentKind {
		if t.total < 3 {
			continue // too few samples to trust
		}
		overall := perKind[k.kind]
		agentRate := float64(t.successes) / float64(t.total)
		overallRate := float64(overall.successes) / float64(overall.total)
		if agentRate < overallRate-0.2 {
			out = append(out, Suggestion{
				Kind:    "task_routing",
				Message: fmt.Sprintf("agent %s succeeds at %.0f%% on %s tasks, vs %.0f%% overall; route %s tasks to other agents", k.agentID, agentRate*100, k.kind, overallRate*100, k.kind),
				Details: map[string]any{"agent_id": k.agentID, "kind": k.kind, "agent_success_rate": agentRate, "overall_success_rate": overallRate},
			})
		}
	}
	return out
}
