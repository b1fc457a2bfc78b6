// Package agent implements the Agent component: one AgentRecord's runtime
// counterpart, owning a Worker Wrapper and an optional Protocol endpoint,
// dispatching Execute calls to a kind-handler registry.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-claw/internal/core"
	"github.com/basket/go-claw/internal/protocol"
	"github.com/basket/go-claw/internal/worker"
)

// KindHandler executes one Task kind against a running worker and returns
// its structured result payload.
type KindHandler func(ctx context.Context, w *worker.Wrapper, task core.Task) (any, error)

// healthCheckInterval and healthCheckTimeout drive the health-check loop's
// probe cadence.
const (
	healthCheckInterval = 30 * time.Second
	healthCheckTimeout  = 5 * time.Second
)

// Agent is the runtime counterpart of one core.AgentRecord.
type Agent struct {
	ID       string
	Wrapper  *worker.Wrapper
	Protocol *protocol.Protocol
	logger   *slog.Logger

	handlers map[core.TaskKind]KindHandler

	mu                        sync.Mutex
	currentTaskID             string
	running                   bool
	consecutiveHealthFailures int32

	workspaceDir string

	stopHealth chan struct{}
	wg         sync.WaitGroup
}

// New constructs an Agent identified as id, driving w.
func New(id string, w *worker.Wrapper, workspaceDir string, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		ID:           id,
		Wrapper:      w,
		workspaceDir: workspaceDir,
		logger:       logger,
		handlers:     DefaultHandlers(),
		stopHealth:   make(chan struct{}),
	}
	return a
}

// WithProtocol attaches a Protocol endpoint and registers its task_request
// handler. Returns the Agent for chaining.
func (a *Agent) WithProtocol(p *protocol.Protocol) *Agent {
	a.Protocol = p
	p.RegisterHandler(core.MessageTaskRequest, a.handleTaskRequest)
	return a
}

// Start creates the workspace directory, sets up the wrapper's container,
// starts the worker process, and launches the health-check loop. If the
// Agent has a Protocol endpoint but it fails to register (the endpoint is
// expected to have been connected by the caller before Start), the Agent
// continues in standalone mode.
func (a *Agent) Start(ctx context.Context) error {
	if a.workspaceDir != "" {
		if err := os.MkdirAll(a.workspaceDir, 0o755); err != nil {
			return fmt.Errorf("agent %s: create workspace: %w", a.ID, err)
		}
	}

	if err := a.Wrapper.Setup(ctx); err != nil {
		return fmt.Errorf("agent %s: %w", a.ID, err)
	}
	if err := a.Wrapper.StartWorker(ctx, true); err != nil {
		return fmt.Errorf("agent %s: start worker: %w", a.ID, err)
	}

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	a.wg.Add(1)
	go a.healthLoop(ctx)

	return nil
}

// Stop flips the running flag off, stops the health loop, and stops the
// wrapper.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	close(a.stopHealth)
	a.wg.Wait()

	return a.Wrapper.Stop(ctx)
}

// Running reports whether the agent has been started and not yet stopped.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// CurrentTaskID returns the id of the task currently being executed, or ""
// if idle.
func (a *Agent) CurrentTaskID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentTaskID
}

// Execute dispatches task by kind via the handler registry, measuring
// wall-clock execution time and recovering from a handler panic as a
// failed TaskResult.
func (a *Agent) Execute(ctx context.Context, task core.Task) (result core.TaskResult) {
	a.mu.Lock()
	a.currentTaskID = task.ID
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.currentTaskID = ""
		a.mu.Unlock()
	}()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = core.TaskResult{
				TaskID:               task.ID,
				AgentID:              a.ID,
				Status:               core.StatusFailed,
				Error:                fmt.Sprintf("panic: %v", r),
				ExecutionTimeSeconds: time.Since(start).Seconds(),
				CompletedAt:          time.Now(),
			}
		}
	}()

	handler, ok := a.handlers[task.Kind]
	if !ok {
		handler = a.handlers[core.KindGeneric]
	}

	payload, err := handler(ctx, a.Wrapper, task)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		status := core.StatusFailed
		if ctx.Err() == context.DeadlineExceeded {
			status = core.StatusTimeout
		}
		return core.TaskResult{
			TaskID:               task.ID,
			AgentID:              a.ID,
			Status:               status,
			Error:                err.Error(),
			ExecutionTimeSeconds: elapsed,
			CompletedAt:          time.Now(),
		}
	}

	return core.TaskResult{
		TaskID:               task.ID,
		AgentID:              a.ID,
		Status:               core.StatusSuccess,
		Result:               payload,
		ExecutionTimeSeconds: elapsed,
		CompletedAt:          time.Now(),
	}
}

func (a *Agent) handleTaskRequest(msg core.AgentMessage) {
	task, ok := msg.Payload.(core.Task)
	if !ok {
		a.logger.Warn("agent: task_request payload is not a core.Task", "agent", a.ID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), task.Timeout())
	defer cancel()

	result := a.Execute(ctx, task)
	if a.Protocol != nil {
		if err := a.Protocol.SendResponse(msg, result); err != nil {
			a.logger.Warn("agent: failed to send task_response", "agent", a.ID, "error", err)
		}
	}
}

// healthLoop probes the worker every healthCheckInterval; three consecutive
// empty probes mark the agent unhealthy. The Orchestrator polls
// HealthStatus and reconciles the count into the owning AgentRecord.
func (a *Agent) healthLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopHealth:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.probe()
		}
	}
}

func (a *Agent) probe() {
	if err := a.Wrapper.Send("echo health_check"); err != nil {
		atomic.AddInt32(&a.consecutiveHealthFailures, 1)
		return
	}
	lines := a.Wrapper.ReadOutput(healthCheckTimeout)
	if len(lines) == 0 {
		atomic.AddInt32(&a.consecutiveHealthFailures, 1)
		return
	}
	atomic.StoreInt32(&a.consecutiveHealthFailures, 0)
}

// HealthStatus reports the current consecutive-failure count and whether
// it has crossed the unhealthy threshold.
func (a *Agent) HealthStatus() (failures int32, unhealthy bool) {
	f := atomic.LoadInt32(&a.consecutiveHealthFailures)
	return f, f >= 3
}
