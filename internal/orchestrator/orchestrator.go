// Package orchestrator implements the Orchestrator: the owner of the agent
// pool and the single entry point for task submission, dispatch, timeout
// enforcement, and statistics.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-claw/internal/agent"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/channel"
	"github.com/basket/go-claw/internal/core"
	"github.com/basket/go-claw/internal/cron"
	"github.com/basket/go-claw/internal/errorcore"
	otelx "github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/queue"
	"github.com/basket/go-claw/internal/tokenstore"
	"github.com/basket/go-claw/internal/tokenutil"
	"go.opentelemetry.io/otel/trace"
)

// healthPollInterval is how often the Orchestrator checks every agent's
// HealthStatus and reconciles it into that agent's AgentRecord.
const healthPollInterval = 10 * time.Second

// healthFailureThreshold mirrors the Agent's own consecutive-failure
// threshold, used only to phrase the unhealthy alert message.
const healthFailureThreshold = 3

// defaultTokenStoreModel labels TokenUsage records recorded by the
// Orchestrator itself when a dispatched Task carries no model identity of
// its own (core.Task has no Model field; that belongs to the handler that
// actually called an LLM). It keeps estimated usage bucketed separately
// from usage recorded with an exact model name by the handlers themselves.
const defaultTokenStoreModel = "unknown"

// ErrValidation wraps task validation failures from Submit.
var ErrValidation = fmt.Errorf("validation_error")

// ErrNoAgents is returned by Start when every agent failed to come up.
var ErrNoAgents = fmt.Errorf("agent_startup: zero agents started")

// ErrShuttingDown is returned by Submit once Shutdown has begun.
var ErrShuttingDown = fmt.Errorf("orchestrator is shutting down")

// Coordinator hands a parallel Task off to a multi-agent coordination
// strategy and returns one synthesized TaskResult. Implemented by
// internal/coordinator; declared here as an interface to avoid an import
// cycle (the Coordinator needs read access to the Orchestrator's agents).
type Coordinator interface {
	Coordinate(ctx context.Context, task core.Task, agents []*agent.Agent) core.TaskResult
}

// Evaluator scores a completed TaskResult asynchronously. Implemented by
// internal/evaluator; declared here to avoid an import cycle.
type Evaluator interface {
	Evaluate(ctx context.Context, task core.Task, result core.TaskResult)
}

// Statistics is a read-only snapshot of orchestrator-wide counters.
type Statistics struct {
	TasksCompleted     int64
	TasksFailed        int64
	TasksTimedOut      int64
	AvgExecutionTimeMS float64
	ActiveAgents       int
}

// Config controls pool size, dispatch timeouts, and optional integrations.
type Config struct {
	NumAgents     int
	MaxWorkers    int
	TaskTimeout   time.Duration
	SocketPath    string // Channel bind path; empty disables the server Channel
	StatsInterval time.Duration
	Bus           *bus.Bus
	Tracer        trace.Tracer
	Metrics       *otelx.Metrics
	Coordinator   Coordinator
	Evaluator     Evaluator
	TokenStore    *tokenstore.Store
	ErrorCore     *errorcore.Core // optional: adaptive retry + circuit breaker around agent dispatch
	Logger        *slog.Logger
}

// AgentFactory constructs and starts a runtime Agent identified by id.
// The Orchestrator calls it once per configured agent during Start.
type AgentFactory func(ctx context.Context, id string) (*agent.Agent, error)

// entry pairs an AgentRecord (the Orchestrator's bookkeeping view) with its
// runtime Agent. The Orchestrator is the sole owner of both; nothing else
// holds a reference to either half of the pair.
type entry struct {
	record *core.AgentRecord
	agent  *agent.Agent
}

// Orchestrator owns the agent pool, the task queue, and the worker pool
// that drains it.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	agents  map[string]*entry
	results map[string]core.TaskResult

	q       queue.Queue
	channel *channel.Channel
	sched   *cron.Scheduler

	wg        sync.WaitGroup
	stopCh    chan struct{}
	shutdown  atomic.Bool
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	execTotal atomic.Int64 // nanoseconds, cumulative
	execCount atomic.Int64
}

// New constructs an Orchestrator backed by q (typically queue.NewMemory()
// or a queue.SQLite).
func New(cfg Config, q queue.Queue) *Orchestrator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		agents:  make(map[string]*entry),
		results: make(map[string]core.TaskResult),
		q:       q,
		stopCh:  make(chan struct{}),
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Start binds the server Channel (if SocketPath is set), spawns NumAgents
// agents via factory (each startup wrapped by the circuit breaker the
// caller's factory applies), launches the worker pool and the stats
// reporter. Startup fails only if zero agents come up.
func (o *Orchestrator) Start(ctx context.Context, factory AgentFactory) error {
	if o.cfg.SocketPath != "" {
		ch := channel.New(o.logger)
		if err := ch.Bind(o.cfg.SocketPath); err != nil {
			return fmt.Errorf("orchestrator: bind channel: %w", err)
		}
		o.channel = ch
	}

	started := 0
	for i := 0; i < o.cfg.NumAgents; i++ {
		id := fmt.Sprintf("agent-%d", i+1)
		a, err := factory(ctx, id)
		if err != nil {
			o.logger.Error("orchestrator: agent startup failed", "agent_id", id, "error", err)
			continue
		}
		o.mu.Lock()
		o.agents[id] = &entry{
			record: &core.AgentRecord{AgentID: id, ContainerHandle: id, State: core.AgentIdle},
			agent:  a,
		}
		o.mu.Unlock()
		started++
	}
	if started == 0 {
		return ErrNoAgents
	}

	for i := 0; i < o.cfg.MaxWorkers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}

	o.sched = cron.NewScheduler(cron.Config{Logger: o.logger, Interval: o.cfg.StatsInterval})
	o.sched.Register(cron.Job{
		Name:  "orchestrator-stats",
		Every: o.cfg.StatsInterval,
		Run: func(ctx context.Context) error {
			stats := o.Statistics()
			o.logger.Info("orchestrator stats",
				"completed", stats.TasksCompleted,
				"failed", stats.TasksFailed,
				"timed_out", stats.TasksTimedOut,
				"active_agents", stats.ActiveAgents,
			)
			if o.cfg.Metrics != nil {
				o.cfg.Metrics.QueueDepth.Add(ctx, 0) // touch instrument; real depth reported at Submit/Complete
			}
			return nil
		},
	})
	o.sched.Register(cron.Job{
		Name:  "orchestrator-health",
		Every: healthPollInterval,
		Run: func(ctx context.Context) error {
			o.pollAgentHealth(ctx)
			return nil
		},
	})
	o.sched.Start(ctx)

	o.logger.Info("orchestrator started", "agents", started, "workers", o.cfg.MaxWorkers)
	return nil
}

// pollAgentHealth reads every agent's HealthStatus and reconciles it into
// the owning entry's AgentRecord, publishing an AgentAlert the moment a
// record first crosses into AgentUnhealthy.
func (o *Orchestrator) pollAgentHealth(ctx context.Context) {
	o.mu.Lock()
	var newlyUnhealthy []string
	for id, e := range o.agents {
		failures, unhealthy := e.agent.HealthStatus()
		e.record.ConsecutiveHealthFailures = int(failures)
		if unhealthy && e.record.State != core.AgentUnhealthy && e.record.CanTransition(core.AgentUnhealthy) {
			e.record.State = core.AgentUnhealthy
			newlyUnhealthy = append(newlyUnhealthy, id)
		}
	}
	o.mu.Unlock()

	if len(newlyUnhealthy) > 0 {
		o.cond.Broadcast()
	}
	if o.cfg.Bus == nil {
		return
	}
	for _, id := range newlyUnhealthy {
		o.logger.Warn("orchestrator: agent marked unhealthy", "agent_id", id)
		o.cfg.Bus.Publish(bus.TopicAgentAlert, bus.AgentAlert{
			StepID:   id,
			Severity: "error",
			Message:  fmt.Sprintf("agent %s failed %d consecutive health checks", id, healthFailureThreshold),
		})
	}
}

// Submit validates task and enqueues it for dispatch. It never blocks
// beyond the enqueue itself.
func (o *Orchestrator) Submit(ctx context.Context, task core.Task) error {
	if o.shutdown.Load() {
		return ErrShuttingDown
	}
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := o.q.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("orchestrator: enqueue: %w", err)
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.TasksDispatched.Add(ctx, 1)
		o.cfg.Metrics.QueueDepth.Add(ctx, 1)
	}
	return nil
}

// SubmitBatch submits every task in tasks, returning the first error
// encountered (subsequent tasks are still attempted).
func (o *Orchestrator) SubmitBatch(ctx context.Context, tasks []core.Task) error {
	var firstErr error
	for _, task := range tasks {
		if err := o.Submit(ctx, task); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ExecuteParallelTask hands a parallel task straight to the configured
// Coordinator (bypassing the queue, since coordination needs synchronous
// access to multiple agents at once) and records the synthesized result.
func (o *Orchestrator) ExecuteParallelTask(ctx context.Context, task core.Task) (core.TaskResult, error) {
	if err := task.Validate(); err != nil {
		return core.TaskResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if o.cfg.Coordinator == nil {
		return core.TaskResult{}, fmt.Errorf("orchestrator: no coordinator configured for parallel task %s", task.ID)
	}

	agents := o.snapshotAgents()
	timeout := task.Timeout()
	if o.cfg.TaskTimeout > 0 && o.cfg.TaskTimeout < timeout {
		timeout = o.cfg.TaskTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := o.cfg.Coordinator.Coordinate(cctx, task, agents)
	o.recordResult(task, result)
	return result, nil
}

func (o *Orchestrator) snapshotAgents() []*agent.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*agent.Agent, 0, len(o.agents))
	for _, e := range o.agents {
		out = append(out, e.agent)
	}
	return out
}

// worker continuously dequeues tasks, dispatches them to an available
// agent, and enforces the effective deadline.
func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		default:
		}

		task, err := o.q.Dequeue(ctx, "orchestrator", 500*time.Millisecond)
		if err != nil {
			select {
			case <-o.stopCh:
				return
			default:
				continue
			}
		}

		e, ok := o.pickAgent(o.stopCh)
		if !ok {
			// Orchestrator is shutting down; requeue is unnecessary since
			// pickAgent only gives up when stopCh fires.
			_ = o.q.Fail(ctx, task.ID, ErrShuttingDown)
			continue
		}

		o.dispatch(ctx, e, task)
	}
}

// pickAgent blocks until an idle agent is available, flips it to busy, and
// returns its entry. Returns ok=false only if stop fires first.
func (o *Orchestrator) pickAgent(stop <-chan struct{}) (*entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for {
		for _, e := range o.agents {
			if e.record.State == core.AgentIdle {
				e.record.State = core.AgentBusy
				return e, true
			}
		}
		select {
		case <-stop:
			return nil, false
		default:
		}
		o.cond.Wait()
	}
}

func (o *Orchestrator) releaseAgent(e *entry) {
	o.mu.Lock()
	if e.record.State != core.AgentUnhealthy && e.record.State != core.AgentStopped {
		e.record.State = core.AgentIdle
	}
	o.mu.Unlock()
	o.cond.Broadcast()
}

// runAgent executes task on e.agent, routed through o.cfg.ErrorCore when one
// is configured so the call picks up adaptive retry and circuit-breaker
// protection. Each agent gets its own breaker key, keyed by agent ID, so one
// agent tripping its breaker doesn't affect dispatch to the others.
func (o *Orchestrator) runAgent(ctx context.Context, e *entry, task core.Task, start time.Time) core.TaskResult {
	if o.cfg.ErrorCore == nil {
		return e.agent.Execute(ctx, task)
	}

	var result core.TaskResult
	key := "agent." + e.record.AgentID
	err := o.cfg.ErrorCore.Do(ctx, key, e.record.AgentID, func(attemptCtx context.Context) error {
		result = e.agent.Execute(attemptCtx, task)
		if result.Status != core.StatusSuccess {
			return errors.New(result.Error)
		}
		return nil
	})
	if err != nil && result.TaskID == "" {
		// Do returned before ever invoking fn: the breaker for key is open.
		result = core.TaskResult{
			TaskID:               task.ID,
			AgentID:              e.record.AgentID,
			Status:               core.StatusFailed,
			Error:                err.Error(),
			ExecutionTimeSeconds: time.Since(start).Seconds(),
			CompletedAt:          time.Now(),
		}
	}
	return result
}

// dispatch runs e.agent.Execute(task) under an external deadline, recording
// the outcome in the results map, stats, and the backing queue.
func (o *Orchestrator) dispatch(ctx context.Context, e *entry, task core.Task) {
	var span trace.Span
	dctx := ctx
	if o.cfg.Tracer != nil {
		dctx, span = otelx.StartSpan(ctx, o.cfg.Tracer, "orchestrator.dispatch",
			otelx.AttrTaskID.String(task.ID), otelx.AttrTaskKind.String(string(task.Kind)),
			otelx.AttrAgentID.String(e.record.AgentID))
		defer span.End()
	}

	timeout := task.Timeout()
	if o.cfg.TaskTimeout > 0 && o.cfg.TaskTimeout < timeout {
		timeout = o.cfg.TaskTimeout
	}
	execCtx, cancel := context.WithTimeout(dctx, timeout)
	defer cancel()

	start := time.Now()
	doneCh := make(chan core.TaskResult, 1)
	go func() {
		doneCh <- o.runAgent(execCtx, e, task, start)
	}()

	var result core.TaskResult
	select {
	case result = <-doneCh:
	case <-execCtx.Done():
		result = core.TaskResult{
			TaskID:               task.ID,
			AgentID:              e.record.AgentID,
			Status:               core.StatusTimeout,
			Error:                "task exceeded its deadline",
			ExecutionTimeSeconds: time.Since(start).Seconds(),
			CompletedAt:          time.Now(),
		}
		// The agent's own Execute call may still be running against the
		// now-cancelled context; it will return on its own and its result
		// is discarded. Persistent timeouts are handled by the caller's
		// health-check loop forcibly stopping the wrapper.
	}

	o.recordResult(task, result)

	o.mu.Lock()
	e.record.CurrentTaskID = ""
	switch result.Status {
	case core.StatusSuccess:
		e.record.Stats.Completed++
	default:
		e.record.Stats.Failed++
	}
	e.record.Stats.LastTaskID = task.ID
	o.mu.Unlock()
	o.releaseAgent(e)

	if o.cfg.Evaluator != nil {
		go o.cfg.Evaluator.Evaluate(context.Background(), task, result)
	}
}

func (o *Orchestrator) recordResult(task core.Task, result core.TaskResult) {
	o.mu.Lock()
	o.results[task.ID] = result
	o.mu.Unlock()

	execNanos := int64(result.ExecutionTimeSeconds * float64(time.Second))
	o.execTotal.Add(execNanos)
	o.execCount.Add(1)

	ctx := context.Background()
	switch result.Status {
	case core.StatusSuccess:
		o.completed.Add(1)
		_ = o.q.Complete(ctx, task.ID)
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.TasksCompleted.Add(ctx, 1)
		}
	case core.StatusTimeout:
		o.timedOut.Add(1)
		_ = o.q.Fail(ctx, task.ID, errors.New(result.Error))
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.TasksTimedOut.Add(ctx, 1)
		}
	default:
		o.failed.Add(1)
		_ = o.q.Fail(ctx, task.ID, errors.New(result.Error))
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.TasksFailed.Add(ctx, 1)
		}
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.DispatchDuration.Record(ctx, result.ExecutionTimeSeconds)
		o.cfg.Metrics.QueueDepth.Add(ctx, -1)
	}
	if o.cfg.TokenStore != nil {
		completion := fmt.Sprintf("%v", result.Result)
		if result.Status != core.StatusSuccess {
			completion = result.Error
		}
		usage := core.TokenUsage{
			TaskID:       task.ID,
			AgentID:      result.AgentID,
			Model:        defaultTokenStoreModel,
			Kind:         task.Kind,
			Success:      result.Status == core.StatusSuccess,
			Timestamp:    result.CompletedAt,
			InputTokens:  tokenutil.EstimateTokens(task.Description),
			OutputTokens: tokenutil.EstimateTokens(completion),
		}
		if err := tokenstore.RecordEstimated(ctx, o.cfg.TokenStore, usage, task.Description, completion); err != nil {
			o.logger.Warn("orchestrator: token usage record failed", "task_id", task.ID, "error", err)
		} else if o.cfg.Bus != nil {
			o.cfg.Bus.Publish(bus.TopicTaskTokens, bus.TaskTokensEvent{
				TaskID: task.ID, PromptTokens: usage.InputTokens, CompletionTokens: usage.OutputTokens,
			})
		}
	}
	if o.cfg.Bus != nil {
		topic := bus.TopicTaskCompleted
		if result.Status != core.StatusSuccess {
			topic = bus.TopicTaskFailed
		}
		o.cfg.Bus.Publish(topic, bus.TaskStateChangedEvent{TaskID: task.ID, NewStatus: string(result.Status)})
	}
}

// AgentStatus returns a read-only snapshot of every agent's current record.
func (o *Orchestrator) AgentStatus() []core.AgentRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]core.AgentRecord, 0, len(o.agents))
	for _, e := range o.agents {
		out = append(out, *e.record)
	}
	return out
}

// Statistics returns a read-only snapshot of orchestrator-wide counters.
func (o *Orchestrator) Statistics() Statistics {
	o.mu.Lock()
	active := 0
	for _, e := range o.agents {
		if e.record.State != core.AgentStopped {
			active++
		}
	}
	o.mu.Unlock()

	var avgMS float64
	if n := o.execCount.Load(); n > 0 {
		avgMS = float64(o.execTotal.Load()) / float64(n) / float64(time.Millisecond)
	}
	return Statistics{
		TasksCompleted:     o.completed.Load(),
		TasksFailed:        o.failed.Load(),
		TasksTimedOut:      o.timedOut.Load(),
		AvgExecutionTimeMS: avgMS,
		ActiveAgents:       active,
	}
}

// TaskResult returns the recorded result for id, or false if not found
// (still pending, or unknown).
func (o *Orchestrator) TaskResult(id string) (core.TaskResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.results[id]
	return r, ok
}

// Shutdown stops accepting new submissions, waits up to grace for in-flight
// dispatches to finish, then stops every agent and closes the Channel.
func (o *Orchestrator) Shutdown(ctx context.Context, grace time.Duration) error {
	if !o.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	if o.sched != nil {
		o.sched.Stop()
	}

	close(o.stopCh)
	o.mu.Lock()
	o.cond.Broadcast()
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		o.logger.Warn("orchestrator shutdown grace period exceeded", "grace", grace)
	}

	o.mu.Lock()
	entries := make([]*entry, 0, len(o.agents))
	for _, e := range o.agents {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	for _, e := range entries {
		if err := e.agent.Stop(ctx); err != nil {
			o.logger.Error("orchestrator: agent stop failed", "agent_id", e.record.AgentID, "error", err)
		}
		e.record.State = core.AgentStopped
	}

	if o.channel != nil {
		return o.channel.Close()
	}
	return nil
}
