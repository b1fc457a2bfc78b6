// Package protocol implements the Messaging Protocol: a handler table and
// PendingRequest table layered over a Framed Channel for one agent
// identity.
package protocol

import (
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/core"
	"github.com/google/uuid"
)

// Sender is the subset of channel.Channel the Protocol needs to transmit
// frames; satisfied by *channel.Channel.
type Sender interface {
	Send(core.AgentMessage) error
}

// Handler processes one inbound message of a registered type.
type Handler func(core.AgentMessage)

// Protocol wraps a Sender for one agent identity, tracking outstanding
// requests and dispatching inbound messages by type.
type Protocol struct {
	selfID string
	sender Sender
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[core.MessageType]Handler
	pending  map[string]core.PendingRequest
	seen     map[string]struct{}

	eventBus *bus.Bus
}

// WithBus attaches a Bus that Deliver publishes a TopicAgentMessage event
// to for every non-duplicate inbound message, independently of that
// message's own handler dispatch. Returns the Protocol for chaining.
func (p *Protocol) WithBus(b *bus.Bus) *Protocol {
	p.eventBus = b
	return p
}

// New constructs a Protocol endpoint identified as selfID, writing outbound
// frames through sender.
func New(selfID string, sender Sender, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		selfID:   selfID,
		sender:   sender,
		logger:   logger,
		handlers: make(map[core.MessageType]Handler),
		pending:  make(map[string]core.PendingRequest),
		seen:     make(map[string]struct{}),
	}
}

// RegisterHandler installs fn for messages of the given type. Calling it
// again for the same type idempotently replaces the prior handler.
func (p *Protocol) RegisterHandler(t core.MessageType, fn Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[t] = fn
}

// SendRequest sends a task_request-shaped message to receiver and returns
// its generated message_id.
func (p *Protocol) SendRequest(receiver string, payload any) (string, error) {
	msg := core.AgentMessage{
		MessageID:  uuid.NewString(),
		SenderID:   p.selfID,
		ReceiverID: receiver,
		Type:       core.MessageTaskRequest,
		Payload:    payload,
		Timestamp:  time.Now(),
	}
	if err := p.sender.Send(msg); err != nil {
		return "", err
	}
	return msg.MessageID, nil
}

// OnReply registers callback to fire when a response correlated to
// messageID arrives, or when timeout elapses first (in which case callback
// receives a synthetic error message of kind "timeout").
func (p *Protocol) OnReply(messageID string, callback core.ReplyCallback, timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[messageID] = core.PendingRequest{
		MessageID: messageID,
		Deadline:  time.Now().Add(timeout),
		Reply:     callback,
	}
}

// SendResponse sends payload back to the sender of toRequest, with
// CorrelationID set to toRequest's MessageID.
func (p *Protocol) SendResponse(toRequest core.AgentMessage, payload any) error {
	msg := core.AgentMessage{
		MessageID:     uuid.NewString(),
		SenderID:      p.selfID,
		ReceiverID:    toRequest.SenderID,
		Type:          core.MessageTaskResponse,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: toRequest.MessageID,
	}
	return p.sender.Send(msg)
}

// Deliver feeds one inbound message into the protocol: correlated responses
// invoke and clear their pending callback exactly once; duplicate
// message_id receipts are logged and dropped; everything else is routed to
// its registered handler, with unknown types logged and ignored.
func (p *Protocol) Deliver(msg core.AgentMessage) {
	p.mu.Lock()
	if _, dup := p.seen[msg.MessageID]; dup {
		p.mu.Unlock()
		p.logger.Warn("protocol: dropped duplicate message", "message_id", msg.MessageID)
		return
	}
	p.seen[msg.MessageID] = struct{}{}

	if p.eventBus != nil {
		p.eventBus.Publish(bus.TopicAgentMessage, bus.AgentMessageEvent{
			MessageID:     msg.MessageID,
			SenderID:      msg.SenderID,
			ReceiverID:    msg.ReceiverID,
			Type:          string(msg.Type),
			CorrelationID: msg.CorrelationID,
		})
	}

	if msg.Type == core.MessageTaskResponse && msg.CorrelationID != "" {
		if req, ok := p.pending[msg.CorrelationID]; ok {
			delete(p.pending, msg.CorrelationID)
			p.mu.Unlock()
			req.Reply(msg)
			return
		}
	}

	handler, ok := p.handlers[msg.Type]
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("protocol: no handler for message type", "type", msg.Type)
		return
	}
	handler(msg)
}

// ExpireDeadlines evicts every pending request whose deadline has passed as
// of now, invoking each callback with a synthetic timeout error message.
func (p *Protocol) ExpireDeadlines(now time.Time) {
	p.mu.Lock()
	var expired []core.PendingRequest
	for id, req := range p.pending {
		if req.Expired(now) {
			expired = append(expired, req)
			delete(p.pending, id)
		}
	}
	p.mu.Unlock()

	for _, req := range expired {
		req.Reply(core.AgentMessage{
			MessageID:     uuid.NewString(),
			Type:          core.MessageError,
			Payload:       "timeout",
			Timestamp:     now,
			CorrelationID: req.MessageID,
		})
	}
}

// PendingCount returns the number of outstanding requests awaiting a reply.
func (p *Protocol) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Receiver is the subset of channel.Channel the Pump loop needs to read
// inbound frames; satisfied by *channel.Channel.
type Receiver interface {
	Receive(timeout time.Duration) (core.AgentMessage, error)
}

// Pump drains inbound messages from receiver and evicts expired pending
// requests until ctx is done. pollInterval bounds how long each Receive
// call blocks, which in turn bounds deadline-expiry latency.
func (p *Protocol) Pump(stop <-chan struct{}, receiver Receiver, pollInterval time.Duration) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		msg, err := receiver.Receive(pollInterval)
		if err == nil {
			p.Deliver(msg)
		}
		p.ExpireDeadlines(time.Now())
	}
}
