package bus

// Additional plan step event topics.
// GC-SPEC-PDR-v7-Phase-3: Event contract for plan execution (TopicPlanStepStarted/Completed defined in bus.go).
const (
	TopicPlanStepFailed = "plan.step.failed"
)

// Agent alert topic.
// GC-SPEC-PDR-v7-Phase-3: Agent alert notifications.
const (
	TopicAgentAlert = "agent.alert"
)

// Agent message topic.
// GC-SPEC-PDR-v7-Phase-3: Inter-agent message delivery notifications.
const (
	TopicAgentMessage = "agent.message"
)

// PlanStepEvent is published when a plan step starts, completes, or fails.
// GC-SPEC-PDR-v7-Phase-3: Step execution events.
type PlanStepEvent struct {
	ExecutionID string // Plan execution ID
	StepID      string // Step ID within the plan
	TaskID      string // Associated task ID (for started/completed)
	AgentID     string // Agent executing the step
}

// AgentAlert is published when an agent needs to alert operators.
// GC-SPEC-PDR-v7-Phase-3: Agent alert notification event.
type AgentAlert struct {
	ExecutionID string // Plan execution ID
	StepID      string // Step ID (if associated with a step)
	Severity    string // "info", "warning", or "error"
	Message     string // Alert message
}

// AgentMessageEvent is published whenever a Protocol endpoint's Pump loop
// delivers an inbound core.AgentMessage, independently of that message's
// own handler dispatch. It lets observers (dashboards, the Evaluator,
// audit consumers) watch agent-to-agent traffic without registering a
// Protocol handler of their own.
type AgentMessageEvent struct {
	MessageID     string // core.AgentMessage.MessageID
	SenderID      string // core.AgentMessage.SenderID
	ReceiverID    string // core.AgentMessage.ReceiverID
	Type          string // core.AgentMessage.Type
	CorrelationID string // core.AgentMessage.CorrelationID
}
