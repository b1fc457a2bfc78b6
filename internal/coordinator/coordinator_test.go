package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/agent"
	"github.com/basket/go-claw/internal/core"
	"github.com/basket/go-claw/internal/errorcore"
	"github.com/basket/go-claw/internal/runtime"
	"github.com/basket/go-claw/internal/worker"
)

// newAgent builds and starts an agent backed by a fake container-runtime CLI
// whose behavior is controlled entirely by cliBody, ignoring every argv it's
// invoked with.
func newAgent(t *testing.T, id, cliBody string) *agent.Agent {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakecli")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+cliBody+"\n"), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}
	rt := runtime.New(path)
	w := worker.New(rt, worker.Config{ContainerName: id}, nil)
	a := agent.New(id, w, "", nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start agent %s: %v", id, err)
	}
	t.Cleanup(func() { a.Stop(context.Background()) })
	return a
}

// succeedingAgent always produces stdout for any exec call, so genericHandler
// always reports success.
func succeedingAgent(t *testing.T, id string) *agent.Agent {
	return newAgent(t, id, `echo "ok"`)
}

// failingAgent produces no output for any exec call (quiet exit 0), which
// drives genericHandler's runAndRead into its "no output from worker" error
// path, so Execute reports StatusFailed.
func failingAgent(t *testing.T, id string) *agent.Agent {
	return newAgent(t, id, `exit 0`)
}

// subtaskTimeout is short so that failingAgent's empty-output path (which
// waits out the full ReadOutput deadline before giving up) doesn't make
// these tests slow.
const subtaskTimeout = 0.2

func baseTask(id string) core.Task {
	return core.Task{ID: id, Kind: core.KindGeneric, Description: "do work", Priority: 1, TimeoutSeconds: subtaskTimeout}
}

func TestCoordinateNoAgentsReturnsFailure(t *testing.T) {
	c := New(nil)
	result := c.Coordinate(context.Background(), baseTask("t1"), nil)
	if result.Status != core.StatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
}

func TestHierarchicalReportsPerSubtaskResults(t *testing.T) {
	c := New(nil)
	lead := succeedingAgent(t, "lead")
	sub1 := succeedingAgent(t, "sub1")
	sub2 := succeedingAgent(t, "sub2")

	task := baseTask("t1")
	task.Strategy = core.StrategyHierarchical
	task.Parallel = true
	task.Subtasks = []core.Task{
		{ID: "t1.sub.0", Kind: core.KindGeneric, Description: "do work", TimeoutSeconds: subtaskTimeout},
		{ID: "t1.sub.1", Kind: core.KindGeneric, Description: "do work", TimeoutSeconds: subtaskTimeout},
	}

	result := c.Coordinate(context.Background(), task, []*agent.Agent{lead, sub1, sub2})
	if result.Status != core.StatusSuccess {
		t.Fatalf("status = %s, want success; error=%q", result.Status, result.Error)
	}
	data, ok := result.Result.(map[string]any)
	if !ok {
		t.Fatalf("result is not a map: %T", result.Result)
	}
	if data["total"] != 2 || data["successful"] != 2 || data["failed"] != 0 {
		t.Fatalf("unexpected summary: %+v", data)
	}
}

func TestHierarchicalReportsFailedSubtasksWithoutAborting(t *testing.T) {
	c := New(nil)
	lead := succeedingAgent(t, "lead")
	sub1 := succeedingAgent(t, "sub1")
	sub2 := failingAgent(t, "sub2")

	task := baseTask("t1")
	task.Strategy = core.StrategyHierarchical
	task.Parallel = true
	task.Subtasks = []core.Task{
		{ID: "t1.sub.0", Kind: core.KindGeneric, Description: "do work", TimeoutSeconds: subtaskTimeout},
		{ID: "t1.sub.1", Kind: core.KindGeneric, Description: "do work", TimeoutSeconds: subtaskTimeout},
	}

	result := c.Coordinate(context.Background(), task, []*agent.Agent{lead, sub1, sub2})
	data := result.Result.(map[string]any)
	if data["total"] != 2 || data["successful"] != 1 || data["failed"] != 1 {
		t.Fatalf("unexpected summary: %+v", data)
	}
	results, ok := data["results"].(map[string]core.TaskResult)
	if !ok || len(results) != 2 {
		t.Fatalf("expected 2 per-subtask results, got %+v", data["results"])
	}
}

func TestPeerToPeerMajorityVote(t *testing.T) {
	c := New(nil)
	agents := []*agent.Agent{
		succeedingAgent(t, "a1"),
		succeedingAgent(t, "a2"),
		failingAgent(t, "a3"),
	}

	task := baseTask("t1")
	task.Files = []string{"a.go", "b.go", "c.go"}

	result := c.Coordinate(context.Background(), task, agents)
	if result.Status != core.StatusSuccess {
		t.Fatalf("status = %s, want success (2 of 3 succeeded)", result.Status)
	}
}

func TestPartitionFilesDistributesEvenly(t *testing.T) {
	shards := partitionFiles([]string{"a", "b", "c", "d", "e"}, 3)
	if len(shards) != 3 {
		t.Fatalf("len(shards) = %d, want 3", len(shards))
	}
	total := 0
	for _, s := range shards {
		total += len(s)
	}
	if total != 5 {
		t.Fatalf("total files across shards = %d, want 5", total)
	}
}

func TestPartitionFilesEmptyStillYieldsOneShardPerAgent(t *testing.T) {
	shards := partitionFiles(nil, 3)
	if len(shards) != 3 {
		t.Fatalf("len(shards) = %d, want 3", len(shards))
	}
	for _, s := range shards {
		if len(s) != 0 {
			t.Fatalf("expected empty shard, got %v", s)
		}
	}
}

func TestConsensusReachedAboveThreshold(t *testing.T) {
	c := New(nil)
	agents := []*agent.Agent{
		succeedingAgent(t, "a1"),
		succeedingAgent(t, "a2"),
		succeedingAgent(t, "a3"),
	}

	task := baseTask("t1")
	task.Strategy = core.StrategyConsensus

	result := c.Coordinate(context.Background(), task, agents)
	if result.Status != core.StatusSuccess {
		t.Fatalf("status = %s, want success", result.Status)
	}
	data := result.Result.(map[string]any)
	if reached, _ := data["consensus_reached"].(bool); !reached {
		t.Fatalf("expected consensus_reached=true, got %+v", data)
	}
}

func TestConsensusNotReachedBelowThreshold(t *testing.T) {
	c := New(nil)
	agents := []*agent.Agent{
		succeedingAgent(t, "a1"),
		failingAgent(t, "a2"),
		failingAgent(t, "a3"),
	}

	task := baseTask("t1")
	task.Strategy = core.StrategyConsensus

	result := c.Coordinate(context.Background(), task, agents)
	if result.Status != core.StatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	data := result.Result.(map[string]any)
	if reached, _ := data["consensus_reached"].(bool); reached {
		t.Fatalf("expected consensus_reached=false, got %+v", data)
	}
}

func TestPipelineAbortsOnFirstFailure(t *testing.T) {
	c := New(nil)
	agents := []*agent.Agent{
		failingAgent(t, "a1"),
		succeedingAgent(t, "a2"),
		succeedingAgent(t, "a3"),
	}

	task := baseTask("t1")
	task.Strategy = core.StrategyPipeline

	result := c.Coordinate(context.Background(), task, agents)
	if result.Status == core.StatusSuccess {
		t.Fatal("expected pipeline to abort on the first stage's failure")
	}
	data, ok := result.Result.(map[string]any)
	if !ok {
		t.Fatalf("result.Result = %#v, want map[string]any", result.Result)
	}
	if completed, _ := data["stages_completed"].(int); completed != 0 {
		t.Fatalf("stages_completed = %v, want 0", data["stages_completed"])
	}
	if complete, _ := data["pipeline_complete"].(bool); complete {
		t.Fatalf("pipeline_complete = %v, want false", data["pipeline_complete"])
	}
}

func TestPipelineAllStagesSucceed(t *testing.T) {
	c := New(nil)
	agents := []*agent.Agent{
		succeedingAgent(t, "a1"),
		succeedingAgent(t, "a2"),
		succeedingAgent(t, "a3"),
	}

	task := baseTask("t1")
	task.Strategy = core.StrategyPipeline

	result := c.Coordinate(context.Background(), task, agents)
	if result.Status != core.StatusSuccess {
		t.Fatalf("status = %s, want success; error=%q", result.Status, result.Error)
	}
}

func TestBroadcastMergesPerspectives(t *testing.T) {
	c := New(nil)
	agents := []*agent.Agent{
		succeedingAgent(t, "a1"),
		succeedingAgent(t, "a2"),
		failingAgent(t, "a3"),
	}

	task := baseTask("t1")
	task.Strategy = core.StrategyBroadcast

	result := c.Coordinate(context.Background(), task, agents)
	if result.Status != core.StatusSuccess {
		t.Fatalf("status = %s, want success", result.Status)
	}
	data := result.Result.(map[string]any)
	if data["perspectives_collected"] != 2 {
		t.Fatalf("perspectives_collected = %v, want 2", data["perspectives_collected"])
	}
	merged, ok := data["merged_data"].(map[string]any)
	if !ok || len(merged) != 2 {
		t.Fatalf("expected 2 merged entries, got %+v", data["merged_data"])
	}
}

func TestMajorityStatusTieBreaksTowardSuccess(t *testing.T) {
	results := []core.TaskResult{
		{Status: core.StatusSuccess},
		{Status: core.StatusFailed},
	}
	if got := majorityStatus(results); got != core.StatusSuccess {
		t.Fatalf("majorityStatus = %s, want success on tie", got)
	}
}

func TestCoordinateDefaultsToPeerWhenStrategyUnset(t *testing.T) {
	c := New(nil)
	agents := []*agent.Agent{succeedingAgent(t, "a1"), succeedingAgent(t, "a2")}

	task := baseTask("t1") // Strategy left unset
	task.Files = []string{"a.go", "b.go"}

	result := c.Coordinate(context.Background(), task, agents)
	if result.Status != core.StatusSuccess {
		t.Fatalf("status = %s, want success", result.Status)
	}
}

func TestCoordinateTimeBoundByContextDeadline(t *testing.T) {
	c := New(nil)
	agents := []*agent.Agent{succeedingAgent(t, "a1")}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	task := baseTask("t1")
	task.Strategy = core.StrategyBroadcast

	result := c.Coordinate(ctx, task, agents)
	if result.TaskID != "t1" {
		t.Fatalf("TaskID = %s, want t1", result.TaskID)
	}
}

func TestWithErrorCoreTripsBreakerAfterRepeatedFailures(t *testing.T) {
	c := New(nil).WithErrorCore(errorcore.New(errorcore.Config{
		Breaker: errorcore.BreakerConfig{FailureThreshold: 1, CooldownSeconds: 30},
	}))
	a := failingAgent(t, "a1")

	first := c.execute(context.Background(), a, baseTask("t1"))
	if first.Status != core.StatusFailed {
		t.Fatalf("first status = %s, want failed", first.Status)
	}

	second := c.execute(context.Background(), a, baseTask("t2"))
	if second.Status != core.StatusFailed {
		t.Fatalf("second status = %s, want failed", second.Status)
	}
	if second.TaskID != "t2" {
		t.Fatalf("second TaskID = %s, want t2 (breaker-open result still carries the subtask ID)", second.TaskID)
	}
}

func TestWithoutErrorCoreExecutesDirectly(t *testing.T) {
	c := New(nil)
	a := succeedingAgent(t, "a1")
	result := c.execute(context.Background(), a, baseTask("t1"))
	if result.Status != core.StatusSuccess {
		t.Fatalf("status = %s, want success", result.Status)
	}
}
