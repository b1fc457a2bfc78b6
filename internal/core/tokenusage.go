package core

import (
	"fmt"
	"time"
)

// TokenUsage is one append-only record in the Token/Cost Store's log.
type TokenUsage struct {
	TaskID       string    `json:"task_id"`
	AgentID      string    `json:"agent_id"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	Timestamp    time.Time `json:"timestamp"`
	Kind         TaskKind  `json:"kind"`
	Success      bool      `json:"success"`
}

// Validate checks input_tokens >= 0 and output_tokens >= 0.
func (u TokenUsage) Validate() error {
	if u.InputTokens < 0 {
		return fmt.Errorf("token usage %s: input_tokens must be >= 0", u.TaskID)
	}
	if u.OutputTokens < 0 {
		return fmt.Errorf("token usage %s: output_tokens must be >= 0", u.TaskID)
	}
	return nil
}

// TotalTokens returns InputTokens + OutputTokens.
func (u TokenUsage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}
