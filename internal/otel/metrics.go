package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestrator metrics instruments.
type Metrics struct {
	DispatchDuration   metric.Float64Histogram
	TasksDispatched    metric.Int64Counter
	TasksCompleted     metric.Int64Counter
	TasksFailed        metric.Int64Counter
	TasksTimedOut      metric.Int64Counter
	QueueDepth         metric.Int64UpDownCounter
	ActiveAgents       metric.Int64UpDownCounter
	TokensUsed         metric.Int64Counter
	CoordinationRounds metric.Int64Counter
	CircuitBreakerTrip metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchDuration, err = meter.Float64Histogram("agentmesh.dispatch.duration",
		metric.WithDescription("Task dispatch-to-completion duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("agentmesh.tasks.dispatched",
		metric.WithDescription("Total tasks dispatched to an agent"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("agentmesh.tasks.completed",
		metric.WithDescription("Total tasks completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("agentmesh.tasks.failed",
		metric.WithDescription("Total tasks that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksTimedOut, err = meter.Int64Counter("agentmesh.tasks.timed_out",
		metric.WithDescription("Total tasks that exceeded their deadline"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("agentmesh.queue.depth",
		metric.WithDescription("Current pending task count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAgents, err = meter.Int64UpDownCounter("agentmesh.agents.active",
		metric.WithDescription("Current count of non-stopped agents"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("agentmesh.llm.tokens",
		metric.WithDescription("Total tokens consumed across agent executions"),
	)
	if err != nil {
		return nil, err
	}

	m.CoordinationRounds, err = meter.Int64Counter("agentmesh.coordination.rounds",
		metric.WithDescription("Total coordination strategy invocations"),
	)
	if err != nil {
		return nil, err
	}

	m.CircuitBreakerTrip, err = meter.Int64Counter("agentmesh.circuit_breaker.trips",
		metric.WithDescription("Total circuit breaker open transitions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
