// Package core holds the shared data model passed between the Orchestrator,
// Agents, Coordinator, and the persistence layers: tasks, results, agent
// records, wire messages, and the bookkeeping types error and cost tracking
// build on top of.
package core

import (
	"fmt"
	"time"
)

// TaskKind identifies what an Agent's kind-handler registry should do with a
// Task's description/files/commands.
type TaskKind string

const (
	KindGeneric           TaskKind = "generic"
	KindCodeReview        TaskKind = "code_review"
	KindRefactor          TaskKind = "refactor"
	KindTestGeneration    TaskKind = "test_generation"
	KindAnalysis          TaskKind = "analysis"
	KindIsolatedExecution TaskKind = "isolated_execution"
)

// Task is a unit of work submitted to the Orchestrator or produced by the
// Decomposer.
type Task struct {
	ID             string   `json:"id"`
	Kind           TaskKind `json:"kind"`
	Description    string   `json:"description"`
	Files          []string `json:"files,omitempty"`
	Parallel       bool     `json:"parallel"`
	Subtasks       []Task   `json:"subtasks,omitempty"`
	Priority       int      `json:"priority"`
	TimeoutSeconds float64  `json:"timeout_seconds"`
	Environment    string   `json:"environment,omitempty"`
	Commands       []string `json:"commands,omitempty"`
	Strategy       Strategy `json:"strategy,omitempty"`
}

// Validate checks the invariants from the data model: id nonempty, priority
// in [0,10], timeout positive, and parallel tasks carry subtasks.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task: id must not be empty")
	}
	if t.Kind == "" {
		return fmt.Errorf("task %s: kind must not be empty", t.ID)
	}
	if t.Priority < 0 || t.Priority > 10 {
		return fmt.Errorf("task %s: priority %d out of range [0,10]", t.ID, t.Priority)
	}
	if t.TimeoutSeconds <= 0 {
		return fmt.Errorf("task %s: timeout_seconds must be positive", t.ID)
	}
	if t.Parallel && len(t.Subtasks) == 0 {
		return fmt.Errorf("task %s: parallel task must carry subtasks", t.ID)
	}
	return nil
}

// Timeout returns TimeoutSeconds as a time.Duration.
func (t Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds * float64(time.Second))
}

// Status is the outcome of a completed or aborted Task.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
	StatusPartial Status = "partial"
)

// TaskResult is what an Agent (or the Coordinator, for an aggregated
// CoordinationTask) reports back for a Task.
type TaskResult struct {
	TaskID               string    `json:"task_id"`
	AgentID              string    `json:"agent_id"`
	Status               Status    `json:"status"`
	Result               any       `json:"result,omitempty"`
	Error                string    `json:"error,omitempty"`
	ExecutionTimeSeconds float64   `json:"execution_time_seconds"`
	CompletedAt          time.Time `json:"completed_at"`
}

// Validate checks status=success ⇒ error=null.
func (r TaskResult) Validate() error {
	if r.Status == StatusSuccess && r.Error != "" {
		return fmt.Errorf("task result %s: status=success must not carry an error", r.TaskID)
	}
	return nil
}
