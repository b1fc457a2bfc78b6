package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/agent"
	"github.com/basket/go-claw/internal/core"
	"github.com/basket/go-claw/internal/errorcore"
	"github.com/basket/go-claw/internal/queue"
	"github.com/basket/go-claw/internal/runtime"
	"github.com/basket/go-claw/internal/worker"
)

func fakeCLI(t *testing.T, body string) *runtime.Runtime {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakecli")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}
	return runtime.New(path)
}

func factoryFor(t *testing.T, cliBody string) AgentFactory {
	return func(ctx context.Context, id string) (*agent.Agent, error) {
		rt := fakeCLI(t, cliBody)
		w := worker.New(rt, worker.Config{ContainerName: id}, nil)
		a := agent.New(id, w, "", nil)
		if err := a.Start(ctx); err != nil {
			return nil, err
		}
		return a, nil
	}
}

func startedOrchestrator(t *testing.T, numAgents, maxWorkers int, cliBody string) *Orchestrator {
	t.Helper()
	o := New(Config{NumAgents: numAgents, MaxWorkers: maxWorkers, TaskTimeout: 5 * time.Second}, queue.NewMemory())
	if err := o.Start(context.Background(), factoryFor(t, cliBody)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { o.Shutdown(context.Background(), time.Second) })
	return o
}

func waitForResult(t *testing.T, o *Orchestrator, taskID string, deadline time.Duration) core.TaskResult {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if r, ok := o.TaskResult(taskID); ok {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no result for task %s within %v", taskID, deadline)
	return core.TaskResult{}
}

func TestSubmitDispatchesAndRecordsSuccess(t *testing.T) {
	o := startedOrchestrator(t, 1, 1, `echo "ok"`)

	task := core.Task{ID: "t1", Kind: core.KindGeneric, Description: "do it", Priority: 5, TimeoutSeconds: 5}
	if err := o.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	result := waitForResult(t, o, "t1", 2*time.Second)
	if result.Status != core.StatusSuccess {
		t.Fatalf("status = %s, want success; error=%q", result.Status, result.Error)
	}

	stats := o.Statistics()
	if stats.TasksCompleted != 1 {
		t.Fatalf("TasksCompleted = %d, want 1", stats.TasksCompleted)
	}
}

func TestSubmitRejectsInvalidTask(t *testing.T) {
	o := startedOrchestrator(t, 1, 1, `echo "ok"`)

	err := o.Submit(context.Background(), core.Task{ID: "", Kind: core.KindGeneric, TimeoutSeconds: 5})
	if err == nil {
		t.Fatal("expected a validation error for an empty task id")
	}
}

func TestStartFailsWhenZeroAgentsComeUp(t *testing.T) {
	o := New(Config{NumAgents: 2, MaxWorkers: 1}, queue.NewMemory())
	failingFactory := func(ctx context.Context, id string) (*agent.Agent, error) {
		return nil, os.ErrInvalid
	}
	if err := o.Start(context.Background(), failingFactory); err != ErrNoAgents {
		t.Fatalf("err = %v, want ErrNoAgents", err)
	}
}

func TestPartialAgentStartupStillSucceeds(t *testing.T) {
	o := New(Config{NumAgents: 2, MaxWorkers: 2, TaskTimeout: 5 * time.Second}, queue.NewMemory())
	calls := 0
	factory := func(ctx context.Context, id string) (*agent.Agent, error) {
		calls++
		if calls == 1 {
			return nil, os.ErrInvalid
		}
		rt := fakeCLI(t, `echo "ok"`)
		w := worker.New(rt, worker.Config{ContainerName: id}, nil)
		a := agent.New(id, w, "", nil)
		if err := a.Start(ctx); err != nil {
			return nil, err
		}
		return a, nil
	}
	if err := o.Start(context.Background(), factory); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Shutdown(context.Background(), time.Second)

	if len(o.AgentStatus()) != 1 {
		t.Fatalf("AgentStatus returned %d agents, want 1", len(o.AgentStatus()))
	}
}

func TestMultipleTasksDispatchAcrossAgentPool(t *testing.T) {
	o := startedOrchestrator(t, 2, 2, `echo "ok"`)

	for i := 0; i < 4; i++ {
		task := core.Task{ID: "t" + string(rune('1'+i)), Kind: core.KindGeneric, Description: "x", Priority: 1, TimeoutSeconds: 5}
		if err := o.Submit(context.Background(), task); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	for i := 0; i < 4; i++ {
		id := "t" + string(rune('1'+i))
		result := waitForResult(t, o, id, 3*time.Second)
		if result.Status != core.StatusSuccess {
			t.Fatalf("task %s status = %s, want success", id, result.Status)
		}
	}
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	o := New(Config{NumAgents: 1, MaxWorkers: 1, TaskTimeout: 5 * time.Second}, queue.NewMemory())
	if err := o.Start(context.Background(), factoryFor(t, `echo "ok"`)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.Shutdown(context.Background(), time.Second)

	if err := o.Submit(context.Background(), core.Task{ID: "t1", Kind: core.KindGeneric, TimeoutSeconds: 5}); err != ErrShuttingDown {
		t.Fatalf("err = %v, want ErrShuttingDown", err)
	}
}

func TestExecuteParallelTaskWithoutCoordinatorFails(t *testing.T) {
	o := startedOrchestrator(t, 1, 1, `echo "ok"`)
	task := core.Task{
		ID: "t1", Kind: core.KindGeneric, TimeoutSeconds: 5, Parallel: true,
		Subtasks: []core.Task{{ID: "s1", Kind: core.KindGeneric, TimeoutSeconds: 5}},
	}
	if _, err := o.ExecuteParallelTask(context.Background(), task); err == nil {
		t.Fatal("expected an error when no Coordinator is configured")
	}
}

type stubCoordinator struct{}

func (stubCoordinator) Coordinate(ctx context.Context, task core.Task, agents []*agent.Agent) core.TaskResult {
	return core.TaskResult{TaskID: task.ID, Status: core.StatusSuccess, CompletedAt: time.Now()}
}

func TestExecuteParallelTaskUsesConfiguredCoordinator(t *testing.T) {
	o := New(Config{NumAgents: 1, MaxWorkers: 1, TaskTimeout: 5 * time.Second, Coordinator: stubCoordinator{}}, queue.NewMemory())
	if err := o.Start(context.Background(), factoryFor(t, `echo "ok"`)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Shutdown(context.Background(), time.Second)

	task := core.Task{
		ID: "t1", Kind: core.KindGeneric, TimeoutSeconds: 5, Parallel: true,
		Subtasks: []core.Task{{ID: "s1", Kind: core.KindGeneric, TimeoutSeconds: 5}},
	}
	result, err := o.ExecuteParallelTask(context.Background(), task)
	if err != nil {
		t.Fatalf("ExecuteParallelTask: %v", err)
	}
	if result.Status != core.StatusSuccess {
		t.Fatalf("status = %s, want success", result.Status)
	}
	if _, ok := o.TaskResult("t1"); !ok {
		t.Fatal("expected ExecuteParallelTask's result to be recorded")
	}
}

func TestRunAgentRoutesThroughConfiguredErrorCore(t *testing.T) {
	ec := errorcore.New(errorcore.Config{
		Breaker: errorcore.BreakerConfig{FailureThreshold: 1, CooldownSeconds: 30},
	})
	o := New(Config{NumAgents: 1, MaxWorkers: 1, ErrorCore: ec}, queue.NewMemory())
	a, err := factoryFor(t, `exit 0`)(context.Background(), "a1")
	if err != nil {
		t.Fatalf("start agent: %v", err)
	}
	t.Cleanup(func() { a.Stop(context.Background()) })
	e := &entry{record: &core.AgentRecord{AgentID: "a1"}, agent: a}

	task := core.Task{ID: "t1", Kind: core.KindGeneric, Description: "do it", Priority: 5, TimeoutSeconds: 0.2}

	first := o.runAgent(context.Background(), e, task, time.Now())
	if first.Status != core.StatusFailed {
		t.Fatalf("first status = %s, want failed; error=%q", first.Status, first.Error)
	}

	second := o.runAgent(context.Background(), e, task, time.Now())
	if second.Status != core.StatusFailed {
		t.Fatalf("second status = %s, want failed; error=%q", second.Status, second.Error)
	}
	if second.TaskID != "t1" {
		t.Fatalf("second TaskID = %s, want t1 (breaker-open result still carries the task ID)", second.TaskID)
	}
}

func TestRunAgentWithoutErrorCoreExecutesDirectly(t *testing.T) {
	o := New(Config{NumAgents: 1, MaxWorkers: 1}, queue.NewMemory())
	a, err := factoryFor(t, `echo "ok"`)(context.Background(), "a1")
	if err != nil {
		t.Fatalf("start agent: %v", err)
	}
	t.Cleanup(func() { a.Stop(context.Background()) })
	e := &entry{record: &core.AgentRecord{AgentID: "a1"}, agent: a}

	task := core.Task{ID: "t1", Kind: core.KindGeneric, Description: "do it", Priority: 5, TimeoutSeconds: 1}
	result := o.runAgent(context.Background(), e, task, time.Now())
	if result.Status != core.StatusSuccess {
		t.Fatalf("status = %s, want success", result.Status)
	}
}
