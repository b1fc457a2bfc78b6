// Package coordinator implements the five multi-agent fan-out strategies:
// hierarchical, peer-to-peer, consensus, pipeline, and broadcast. Each
// strategy is a plain function over (Task, agents) rather than a type
// hierarchy.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/agent"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/core"
	"github.com/basket/go-claw/internal/decomposer"
	"github.com/basket/go-claw/internal/errorcore"
)

// defaultConsensusThreshold is used when the caller supplies none. The data
// model's CoordinationTask carries a per-run threshold for persisted
// coordination requests; ad hoc Coordinate calls have no such field, so a
// single default stands in for it.
const defaultConsensusThreshold = 0.7

// Coordinator dispatches a parallel Task to a set of Agents under the
// Task's chosen Strategy (peer-to-peer if unset, the Orchestrator's default
// for parallel=true tasks with no explicit strategy) and synthesizes one
// TaskResult.
//
// Subtask dispatch defaults to runLocal: each sub Agent's Execute is
// invoked directly on the worker pool. Routing through the Messaging
// Protocol's request/reply instead would require the Coordinator to own
// its own Protocol endpoint wired through the same Channel the agents use;
// nothing in this domain needs the Coordinator to be network-addressable,
// so that wiring was not added here (see DESIGN.md).
type Coordinator struct {
	logger    *slog.Logger
	bus       *bus.Bus
	errorCore *errorcore.Core
}

// New constructs a Coordinator.
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger}
}

// WithBus attaches a Bus that every subtask dispatched through runLocal
// publishes TopicDelegationStarted/Completed/Failed events to. Returns the
// Coordinator for chaining.
func (c *Coordinator) WithBus(b *bus.Bus) *Coordinator {
	c.bus = b
	return c
}

// WithErrorCore attaches an errorcore.Core that every subtask dispatched
// through runLocal runs under, picking up adaptive retry and per-agent
// circuit breaking on the same chokepoint the Orchestrator's own dispatch
// uses. Returns the Coordinator for chaining.
func (c *Coordinator) WithErrorCore(ec *errorcore.Core) *Coordinator {
	c.errorCore = ec
	return c
}

// Coordinate implements orchestrator.Coordinator.
func (c *Coordinator) Coordinate(ctx context.Context, task core.Task, agents []*agent.Agent) core.TaskResult {
	if len(agents) == 0 {
		return core.TaskResult{
			TaskID:      task.ID,
			Status:      core.StatusFailed,
			Error:       "coordinator: no agents available",
			CompletedAt: time.Now(),
		}
	}

	strategy := task.Strategy
	if strategy == "" {
		strategy = core.StrategyPeerToPeer
	}

	switch strategy {
	case core.StrategyHierarchical:
		return c.hierarchical(ctx, task, agents)
	case core.StrategyConsensus:
		return c.consensus(ctx, task, agents)
	case core.StrategyPipeline:
		return c.pipeline(ctx, task, agents)
	case core.StrategyBroadcast:
		return c.broadcast(ctx, task, agents)
	default:
		return c.peerToPeer(ctx, task, agents)
	}
}

// runLocal executes t (a subtask of parentID) on a directly via the worker
// pool, publishing delegation lifecycle events around the call when a Bus
// is attached.
func (c *Coordinator) runLocal(ctx context.Context, a *agent.Agent, parentID string, t core.Task) core.TaskResult {
	if c.bus != nil {
		c.bus.Publish(bus.TopicDelegationStarted, bus.DelegationEvent{
			ParentTaskID: parentID, SubtaskID: t.ID, AgentID: a.ID,
		})
	}

	result := c.execute(ctx, a, t)

	if c.bus != nil {
		topic := bus.TopicDelegationCompleted
		if result.Status != core.StatusSuccess {
			topic = bus.TopicDelegationFailed
		}
		c.bus.Publish(topic, bus.DelegationEvent{
			ParentTaskID: parentID, SubtaskID: t.ID, AgentID: a.ID, Status: string(result.Status),
		})
	}
	return result
}

// execute runs t on a, routed through c.errorCore when one is attached so a
// subtask dispatched to a struggling agent gets the same adaptive retry and
// circuit-breaker protection runLocal's bus events describe.
func (c *Coordinator) execute(ctx context.Context, a *agent.Agent, t core.Task) core.TaskResult {
	if c.errorCore == nil {
		return a.Execute(ctx, t)
	}

	var result core.TaskResult
	err := c.errorCore.Do(ctx, "agent."+a.ID, a.ID, func(attemptCtx context.Context) error {
		result = a.Execute(attemptCtx, t)
		if result.Status != core.StatusSuccess {
			return fmt.Errorf("%s", result.Error)
		}
		return nil
	})
	if err != nil && result.TaskID == "" {
		result = core.TaskResult{
			TaskID:      t.ID,
			AgentID:     a.ID,
			Status:      core.StatusFailed,
			Error:       err.Error(),
			CompletedAt: time.Now(),
		}
	}
	return result
}

// subtasksOf returns task's own Subtasks if it carries any, otherwise asks
// the Decomposer to split it.
func (c *Coordinator) subtasksOf(task core.Task) []core.Task {
	if len(task.Subtasks) > 0 {
		return task.Subtasks
	}
	_, defs := decomposer.Decompose(task)
	subtasks := make([]core.Task, len(defs))
	for i, d := range defs {
		subtasks[i] = core.Task{
			ID:             fmt.Sprintf("%s.%d", task.ID, i),
			Kind:           d.Kind,
			Description:    d.Description,
			Priority:       d.Priority,
			TimeoutSeconds: task.TimeoutSeconds,
		}
	}
	return subtasks
}

// hierarchical has agents[0] act as lead: it splits task via the
// Decomposer (or uses task's own Subtasks), assigns subtasks round-robin
// across the remaining agents, awaits all responses, and synthesizes
// {total, successful, failed, results}. A failed subtask does not abort
// the run.
func (c *Coordinator) hierarchical(ctx context.Context, task core.Task, agents []*agent.Agent) core.TaskResult {
	subs := agents
	if len(agents) > 1 {
		subs = agents[1:]
	}
	subtasks := c.subtasksOf(task)

	results := make([]core.TaskResult, len(subtasks))
	var wg sync.WaitGroup
	for i, st := range subtasks {
		worker := subs[i%len(subs)]
		wg.Add(1)
		go func(i int, st core.Task, a *agent.Agent) {
			defer wg.Done()
			results[i] = c.runLocal(ctx, a, task.ID, st)
		}(i, st, worker)
	}
	wg.Wait()

	perTask := make(map[string]core.TaskResult, len(results))
	successful, failed := 0, 0
	for _, r := range results {
		perTask[r.TaskID] = r
		if r.Status == core.StatusSuccess {
			successful++
		} else {
			failed++
		}
	}

	status := core.StatusSuccess
	errMsg := ""
	if failed > 0 {
		status = core.StatusFailed
		errMsg = fmt.Sprintf("%d of %d subtasks failed", failed, len(results))
	}

	return core.TaskResult{
		TaskID: task.ID,
		Status: status,
		Error:  errMsg,
		Result: map[string]any{
			"total":      len(results),
			"successful": successful,
			"failed":     failed,
			"results":    perTask,
		},
		CompletedAt: time.Now(),
	}
}

// peerToPeer partitions task.Files evenly across every agent; each agent
// runs the same kind against its shard. The final status is a majority
// vote over the sub-statuses.
func (c *Coordinator) peerToPeer(ctx context.Context, task core.Task, agents []*agent.Agent) core.TaskResult {
	shards := partitionFiles(task.Files, len(agents))

	results := make([]core.TaskResult, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		shard := core.Task{
			ID:             fmt.Sprintf("%s.%d", task.ID, i),
			Kind:           task.Kind,
			Description:    task.Description,
			Files:          shards[i],
			Priority:       task.Priority,
			TimeoutSeconds: task.TimeoutSeconds,
		}
		wg.Add(1)
		go func(i int, a *agent.Agent, shard core.Task) {
			defer wg.Done()
			results[i] = c.runLocal(ctx, a, task.ID, shard)
		}(i, a, shard)
	}
	wg.Wait()

	status := majorityStatus(results)
	errMsg := ""
	if status != core.StatusSuccess {
		errMsg = fmt.Sprintf("peer coordination majority status: %s", status)
	}

	perTask := make(map[string]core.TaskResult, len(results))
	for _, r := range results {
		perTask[r.TaskID] = r
	}

	return core.TaskResult{
		TaskID:      task.ID,
		Status:      status,
		Error:       errMsg,
		Result:      map[string]any{"results": perTask},
		CompletedAt: time.Now(),
	}
}

// consensus runs the identical task on up to 3 agents; the run succeeds
// when success_rate >= defaultConsensusThreshold.
func (c *Coordinator) consensus(ctx context.Context, task core.Task, agents []*agent.Agent) core.TaskResult {
	n := len(agents)
	if n > 3 {
		n = 3
	}

	results := make([]core.TaskResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		run := core.Task{
			ID: fmt.Sprintf("%s.%d", task.ID, i), Kind: task.Kind, Description: task.Description,
			Files: task.Files, Priority: task.Priority, TimeoutSeconds: task.TimeoutSeconds,
		}
		wg.Add(1)
		go func(i int, a *agent.Agent, run core.Task) {
			defer wg.Done()
			results[i] = c.runLocal(ctx, a, task.ID, run)
		}(i, agents[i], run)
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		if r.Status == core.StatusSuccess {
			successes++
		}
	}
	successRate := float64(successes) / float64(n)
	reached := successRate >= defaultConsensusThreshold

	status := core.StatusFailed
	if reached {
		status = core.StatusSuccess
	}

	return core.TaskResult{
		TaskID: task.ID,
		Status: status,
		Result: map[string]any{
			"consensus_reached": reached,
			"success_rate":      successRate,
			"threshold":         defaultConsensusThreshold,
		},
		CompletedAt: time.Now(),
	}
}

// pipeline runs a fixed 3-stage chain (analysis -> task.Kind -> code_review)
// across the available agents in order, each stage's description gaining
// the prior stage's result. The chain aborts at the first non-success
// stage.
func (c *Coordinator) pipeline(ctx context.Context, task core.Task, agents []*agent.Agent) core.TaskResult {
	stages := []core.TaskKind{core.KindAnalysis, task.Kind, core.KindCodeReview}

	description := task.Description
	var last core.TaskResult
	for i, kind := range stages {
		a := agents[i%len(agents)]
		stageTask := core.Task{
			ID: fmt.Sprintf("%s.%d", task.ID, i), Kind: kind, Description: description,
			Files: task.Files, Priority: task.Priority, TimeoutSeconds: task.TimeoutSeconds,
		}
		last = c.runLocal(ctx, a, task.ID, stageTask)
		if last.Status != core.StatusSuccess {
			return core.TaskResult{
				TaskID: task.ID,
				Status: last.Status,
				Error:  fmt.Sprintf("pipeline stage %d (%s) did not succeed: %s", i, kind, last.Error),
				Result: map[string]any{
					"stages_completed":  i,
					"pipeline_complete": false,
				},
				CompletedAt: time.Now(),
			}
		}
		description = fmt.Sprintf("%s\n\n[stage %d output]: %v", task.Description, i, last.Result)
	}

	return core.TaskResult{
		TaskID:      task.ID,
		Status:      core.StatusSuccess,
		Result:      last.Result,
		CompletedAt: time.Now(),
	}
}

// broadcast runs a per-agent variant of task on every agent and merges
// every successful result into {perspectives_collected, merged_data}.
func (c *Coordinator) broadcast(ctx context.Context, task core.Task, agents []*agent.Agent) core.TaskResult {
	results := make([]core.TaskResult, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		variant := core.Task{
			ID:             fmt.Sprintf("%s.%d", task.ID, i),
			Kind:           task.Kind,
			Description:    fmt.Sprintf("%s\n\nperspective: %s", task.Description, a.ID),
			Files:          task.Files,
			Priority:       task.Priority,
			TimeoutSeconds: task.TimeoutSeconds,
		}
		wg.Add(1)
		go func(i int, a *agent.Agent, variant core.Task) {
			defer wg.Done()
			results[i] = c.runLocal(ctx, a, task.ID, variant)
		}(i, a, variant)
	}
	wg.Wait()

	merged := make(map[string]any, len(results))
	collected := 0
	for i, r := range results {
		if r.Status == core.StatusSuccess {
			collected++
			merged[agents[i].ID] = r.Result
		}
	}

	status := core.StatusFailed
	if collected > 0 {
		status = core.StatusSuccess
	}

	return core.TaskResult{
		TaskID: task.ID,
		Status: status,
		Result: map[string]any{
			"perspectives_collected": collected,
			"merged_data":            merged,
		},
		CompletedAt: time.Now(),
	}
}

// partitionFiles splits files into n contiguous, roughly-even shards. When
// files is empty every shard is empty (the shard count still matches n so
// every agent still runs one copy of the task).
func partitionFiles(files []string, n int) [][]string {
	shards := make([][]string, n)
	if len(files) == 0 {
		return shards
	}
	per := len(files) / n
	rem := len(files) % n
	idx := 0
	for i := 0; i < n; i++ {
		size := per
		if i < rem {
			size++
		}
		shards[i] = files[idx : idx+size]
		idx += size
	}
	return shards
}

// majorityStatus returns the status with the most votes among results,
// breaking ties in favor of core.StatusSuccess.
func majorityStatus(results []core.TaskResult) core.Status {
	counts := make(map[core.Status]int, len(results))
	for _, r := range results {
		counts[r.Status]++
	}

	best := core.StatusFailed
	bestCount := -1
	for status, count := range counts {
		if count > bestCount || (count == bestCount && status == core.StatusSuccess) {
			best, bestCount = status, count
		}
	}
	return best
}
