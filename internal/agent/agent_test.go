package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/core"
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

func startedAgent(t *testing.T, cliBody string) *Agent {
	t.Helper()
	rt := fakeCLI(t, cliBody)
	w := worker.New(rt, worker.Config{ContainerName: "agent-1"}, nil)
	a := New("agent-1", w, "", nil)

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(ctx) })
	return a
}

func TestExecuteGenericTaskSucceeds(t *testing.T) {
	a := startedAgent(t, `echo "generic output"`)

	task := core.Task{ID: "t1", Kind: core.KindGeneric, Description: "do the thing", TimeoutSeconds: 5}
	result := a.Execute(context.Background(), task)

	if result.Status != core.StatusSuccess {
		t.Fatalf("status = %s, want success; error=%q", result.Status, result.Error)
	}
	if result.AgentID != "agent-1" {
		t.Fatalf("agent id = %q, want agent-1", result.AgentID)
	}
}

func TestExecuteUnknownKindFallsBackToGeneric(t *testing.T) {
	a := startedAgent(t, `echo "fallback output"`)

	task := core.Task{ID: "t1", Kind: "nonsense", Description: "whatever", TimeoutSeconds: 5}
	result := a.Execute(context.Background(), task)

	if result.Status != core.StatusSuccess {
		t.Fatalf("status = %s, want success", result.Status)
	}
}

func TestExecuteClearsCurrentTaskIDWhenDone(t *testing.T) {
	a := startedAgent(t, `echo "done"`)

	task := core.Task{ID: "t1", Kind: core.KindGeneric, Description: "x", TimeoutSeconds: 5}
	a.Execute(context.Background(), task)

	if got := a.CurrentTaskID(); got != "" {
		t.Fatalf("CurrentTaskID = %q, want empty after completion", got)
	}
}

func TestIsolatedExecutionAbortsOnFirstFailure(t *testing.T) {
	a := startedAgent(t, `if echo "$*" | grep -q fail; then exit 1; fi; echo ok`)

	task := core.Task{
		ID: "t1", Kind: core.KindIsolatedExecution, TimeoutSeconds: 5,
		Commands: []string{"ok-cmd", "fail-cmd", "never-runs"},
	}
	result := a.Execute(context.Background(), task)

	payload, ok := result.Result.(map[string]any)
	if !ok {
		t.Fatalf("result.Result is not a map: %#v", result.Result)
	}
	results, _ := payload["results"].([]map[string]any)
	if len(results) != 2 {
		t.Fatalf("expected execution to abort after 2 commands, got %d", len(results))
	}
	if payload["success"] != false {
		t.Fatalf("expected success=false after a failing command")
	}
}

func TestHealthStatusTripsAfterThreeFailures(t *testing.T) {
	a := startedAgent(t, `exit 0`)

	for i := 0; i < 3; i++ {
		a.probe()
	}

	failures, unhealthy := a.HealthStatus()
	if !unhealthy {
		t.Fatalf("expected unhealthy after 3 consecutive failed probes, got %d failures", failures)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	a := startedAgent(t, `exit 0`)
	ctx := context.Background()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestExecuteConcurrencyDoesNotPanic(t *testing.T) {
	a := startedAgent(t, `echo "ok"`)
	done := make(chan struct{})
	go func() {
		a.Execute(context.Background(), core.Task{ID: "t2", Kind: core.KindGeneric, Description: "x", TimeoutSeconds: 5})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for concurrent Execute")
	}
}
