package protocol

import (
	"sync"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/core"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []core.AgentMessage
}

func (f *fakeSender) Send(msg core.AgentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) last() core.AgentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func TestSendRequestThenSendResponseCorrelates(t *testing.T) {
	sender := &fakeSender{}
	requester := New("orchestrator", sender, nil)

	msgID, err := requester.SendRequest("agent-1", map[string]string{"kind": "generic"})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	var got core.AgentMessage
	var called bool
	requester.OnReply(msgID, func(m core.AgentMessage) {
		called = true
		got = m
	}, time.Second)

	request := sender.last()
	if request.Type != core.MessageTaskRequest {
		t.Fatalf("request type = %s, want task_request", request.Type)
	}

	responder := New("agent-1", sender, nil)
	if err := responder.SendResponse(request, "done"); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}

	response := sender.last()
	requester.Deliver(response)

	if !called {
		t.Fatalf("expected reply callback to fire")
	}
	if got.Payload != "done" {
		t.Fatalf("payload = %v, want done", got.Payload)
	}
}

func TestDeliverDropsDuplicateMessageID(t *testing.T) {
	p := New("agent-1", &fakeSender{}, nil)

	var count int
	p.RegisterHandler(core.MessageHeartbeat, func(core.AgentMessage) { count++ })

	msg := core.AgentMessage{MessageID: "m1", Type: core.MessageHeartbeat}
	p.Deliver(msg)
	p.Deliver(msg)

	if count != 1 {
		t.Fatalf("handler invoked %d times, want 1", count)
	}
}

func TestDeliverUnknownTypeIsIgnoredNotFatal(t *testing.T) {
	p := New("agent-1", &fakeSender{}, nil)
	p.Deliver(core.AgentMessage{MessageID: "m1", Type: "unregistered"})
}

func TestExpireDeadlinesInvokesTimeoutCallback(t *testing.T) {
	p := New("agent-1", &fakeSender{}, nil)

	var gotErr bool
	p.OnReply("req-1", func(m core.AgentMessage) {
		if m.Type == core.MessageError {
			gotErr = true
		}
	}, time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	p.ExpireDeadlines(time.Now())

	if !gotErr {
		t.Fatalf("expected timeout callback to fire")
	}
	if p.PendingCount() != 0 {
		t.Fatalf("expected pending table drained, got %d", p.PendingCount())
	}
}

func TestRegisterHandlerReplacementIsIdempotent(t *testing.T) {
	p := New("agent-1", &fakeSender{}, nil)

	var firstCalled, secondCalled bool
	p.RegisterHandler(core.MessageHeartbeat, func(core.AgentMessage) { firstCalled = true })
	p.RegisterHandler(core.MessageHeartbeat, func(core.AgentMessage) { secondCalled = true })

	p.Deliver(core.AgentMessage{MessageID: "m1", Type: core.MessageHeartbeat})

	if firstCalled {
		t.Fatalf("expected first handler to be replaced")
	}
	if !secondCalled {
		t.Fatalf("expected second (replacement) handler to fire")
	}
}
