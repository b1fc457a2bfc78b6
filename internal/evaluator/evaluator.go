// Package evaluator implements the optional LLM-as-judge hook: scoring a
// completed Task/TaskResult pair with a primary model, falling back to a
// secondary provider when the primary is unhealthy, recording its verdict
// to the audit log rather than blocking the Orchestrator's dispatch path.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/go-claw/internal/core"
)

// Judgment is one judge call's verdict on a completed task.
type Judgment struct {
	Score     float64 `json:"score"` // 0.0-1.0
	Verdict   string  `json:"verdict"`
	Rationale string  `json:"rationale"`
}

// Client scores a single Task/TaskResult pair. Implemented by
// AnthropicJudge and OpenAIJudge.
type Client interface {
	Name() string
	Judge(ctx context.Context, task core.Task, result core.TaskResult) (Judgment, error)
}

// judgePrompt renders the task/result pair into the prompt every Client
// sends to its model, asking for a JSON verdict.
func judgePrompt(task core.Task, result core.TaskResult) string {
	var b strings.Builder
	b.WriteString("You are grading whether an automated coding agent completed a task correctly.\n\n")
	fmt.Fprintf(&b, "Task kind: %s\nTask description: %s\n", task.Kind, task.Description)
	fmt.Fprintf(&b, "Result status: %s\n", result.Status)
	if result.Error != "" {
		fmt.Fprintf(&b, "Result error: %s\n", result.Error)
	}
	if result.Result != nil {
		if rendered, err := json.Marshal(result.Result); err == nil {
			fmt.Fprintf(&b, "Result payload: %s\n", rendered)
		}
	}
	b.WriteString("\nRespond with a single JSON object: {\"score\": <0-1 float>, \"verdict\": \"pass\"|\"fail\"|\"partial\", \"rationale\": \"<one sentence>\"}.")
	return b.String()
}

// parseJudgment extracts a Judgment from a model's raw text response. Models
// occasionally wrap the JSON in prose or a fenced code block; this looks for
// the first '{' through the last '}' before unmarshaling.
func parseJudgment(text string) (Judgment, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return Judgment{}, fmt.Errorf("evaluator: no JSON object found in judge response")
	}
	var j Judgment
	if err := json.Unmarshal([]byte(text[start:end+1]), &j); err != nil {
		return Judgment{}, fmt.Errorf("evaluator: parse judge response: %w", err)
	}
	return j, nil
}
