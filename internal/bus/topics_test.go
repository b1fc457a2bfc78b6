package bus

import (
	"testing"
)

// TestEventTopics_Constants verifies all event constants exist.
// GC-SPEC-PDR-v7-Phase-3: Event contract definition.
func TestEventTopics_Constants(t *testing.T) {
	// Plan step events (started/completed defined in bus.go)
	if TopicPlanStepStarted == "" {
		t.Fatal("TopicPlanStepStarted is empty")
	}
	if TopicPlanStepCompleted == "" {
		t.Fatal("TopicPlanStepCompleted is empty")
	}
	if TopicPlanStepFailed == "" {
		t.Fatal("TopicPlanStepFailed is empty")
	}

	// Agent alert event
	if TopicAgentAlert == "" {
		t.Fatal("TopicAgentAlert is empty")
	}

	// Agent message event
	if TopicAgentMessage == "" {
		t.Fatal("TopicAgentMessage is empty")
	}

	// Verify no duplicates among new topics
	topics := map[string]bool{
		TopicPlanStepFailed: true,
		TopicAgentAlert:     true,
		TopicAgentMessage:   true,
	}
	if len(topics) != 3 {
		t.Fatalf("expected 3 unique new topics, got %d", len(topics))
	}
}

// TestPlanStepEvent_Marshaling verifies PlanStepEvent can be constructed.
// GC-SPEC-PDR-v7-Phase-3: Event payload marshaling.
func TestPlanStepEvent_Marshaling(t *testing.T) {
	event := PlanStepEvent{
		ExecutionID: "exec-123",
		StepID:      "step-1",
		TaskID:      "task-456",
		AgentID:     "agent-a",
	}

	if event.ExecutionID != "exec-123" {
		t.Fatalf("ExecutionID mismatch: got %s, want exec-123", event.ExecutionID)
	}
	if event.StepID != "step-1" {
		t.Fatalf("StepID mismatch: got %s, want step-1", event.StepID)
	}
	if event.TaskID != "task-456" {
		t.Fatalf("TaskID mismatch: got %s, want task-456", event.TaskID)
	}
	if event.AgentID != "agent-a" {
		t.Fatalf("AgentID mismatch: got %s, want agent-a", event.AgentID)
	}
}

// TestAgentAlert_Severity verifies severity field required.
// GC-SPEC-PDR-v7-Phase-3: Agent alert contract.
func TestAgentAlert_Severity(t *testing.T) {
	alert := AgentAlert{
		ExecutionID: "exec-123",
		StepID:      "step-1",
		Severity:    "warning",
		Message:     "High token usage",
	}

	if alert.Severity == "" {
		t.Fatal("Severity must not be empty")
	}
	if alert.ExecutionID == "" {
		t.Fatal("ExecutionID must not be empty")
	}
	if alert.Message == "" {
		t.Fatal("Message must not be empty")
	}

	// Test different severity levels
	for _, sev := range []string{"info", "warning", "error"} {
		a := AgentAlert{
			Severity: sev,
			Message:  "test",
		}
		if a.Severity != sev {
			t.Fatalf("Severity mismatch: got %s, want %s", a.Severity, sev)
		}
	}
}

// TestAgentMessageEvent_Fields verifies AgentMessageEvent carries the
// routing fields needed to correlate it back to the originating
// core.AgentMessage.
func TestAgentMessageEvent_Fields(t *testing.T) {
	event := AgentMessageEvent{
		MessageID:     "msg-1",
		SenderID:      "agent-a",
		ReceiverID:    "agent-b",
		Type:          "task_request",
		CorrelationID: "corr-1",
	}

	if event.MessageID == "" {
		t.Fatal("MessageID must not be empty")
	}
	if event.SenderID == "" || event.ReceiverID == "" {
		t.Fatal("SenderID and ReceiverID must not be empty")
	}
	if event.Type != "task_request" {
		t.Fatalf("Type mismatch: got %s, want task_request", event.Type)
	}
}
