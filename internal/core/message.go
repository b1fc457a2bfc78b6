package core

import "time"

// MessageType discriminates an AgentMessage's payload shape.
type MessageType string

const (
	MessageTaskRequest  MessageType = "task_request"
	MessageTaskResponse MessageType = "task_response"
	MessageStatusUpdate MessageType = "status_update"
	MessageCoordination MessageType = "coordination"
	MessageHeartbeat    MessageType = "heartbeat"
	MessageError        MessageType = "error"
)

// BroadcastReceiver is the literal ReceiverID value meaning "every connected
// peer except the sender".
const BroadcastReceiver = "broadcast"

// AgentMessage is the wire envelope exchanged over a Framed Channel.
type AgentMessage struct {
	MessageID     string      `json:"message_id"`
	SenderID      string      `json:"sender_id"`
	ReceiverID    string      `json:"receiver_id"`
	Type          MessageType `json:"type"`
	Payload       any         `json:"payload,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// IsResponseTo reports whether m carries a CorrelationID matching
// requestMessageID.
func (m AgentMessage) IsResponseTo(requestMessageID string) bool {
	return m.CorrelationID != "" && m.CorrelationID == requestMessageID
}

// ReplyCallback is invoked by a Protocol's Pump loop when a correlated
// response (or a synthetic timeout message) arrives for a pending request.
type ReplyCallback func(AgentMessage)

// PendingRequest is one row of a Protocol endpoint's PendingRequest table:
// a request awaiting a correlated reply before its deadline.
type PendingRequest struct {
	MessageID string
	Deadline  time.Time
	Reply     ReplyCallback
}

// Expired reports whether the request's deadline has passed as of now.
func (p PendingRequest) Expired(now time.Time) bool {
	return now.After(p.Deadline)
}
