package channel

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/core"
)

func newBoundPair(t *testing.T) (server, client *Channel) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "test.sock")

	server = New(nil)
	if err := server.Bind(sockPath); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	client = New(nil)
	if err := client.Connect(sockPath); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	// give the accept loop a moment to register the connection
	time.Sleep(20 * time.Millisecond)
	return server, client
}

func TestSendReceiveRoundTrip(t *testing.T) {
	server, client := newBoundPair(t)

	msg := core.AgentMessage{
		MessageID:  "m1",
		SenderID:   "client",
		ReceiverID: "server",
		Type:       core.MessageHeartbeat,
		Timestamp:  time.Now(),
	}
	if err := client.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := server.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.MessageID != msg.MessageID {
		t.Fatalf("MessageID = %q, want %q", got.MessageID, msg.MessageID)
	}
}

func TestReceiveTimesOutWithNoFrame(t *testing.T) {
	server, _ := newBoundPair(t)

	_, err := server.Receive(20 * time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("Receive() error = %v, want ErrTimeout", err)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	_, client := newBoundPair(t)

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := client.Send(core.AgentMessage{ReceiverID: "server"})
	if err != ErrClosed {
		t.Fatalf("Send() after close error = %v, want ErrClosed", err)
	}
}

func TestReceiveAfterCloseReturnsErrClosed(t *testing.T) {
	server, _ := newBoundPair(t)

	if err := server.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := server.Receive(time.Second)
	if err != ErrClosed {
		t.Fatalf("Receive() after close error = %v, want ErrClosed", err)
	}
}

func TestBroadcastSkipsExcludedConnection(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "broadcast.sock")
	server := New(nil)
	if err := server.Bind(sockPath); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	clientA := New(nil)
	if err := clientA.Connect(sockPath); err != nil {
		t.Fatalf("Connect A: %v", err)
	}
	t.Cleanup(func() { _ = clientA.Close() })

	clientB := New(nil)
	if err := clientB.Connect(sockPath); err != nil {
		t.Fatalf("Connect B: %v", err)
	}
	t.Cleanup(func() { _ = clientB.Close() })

	time.Sleep(20 * time.Millisecond)

	if err := server.Broadcast(core.AgentMessage{Type: core.MessageHeartbeat}, ""); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if _, err := clientA.Receive(time.Second); err != nil {
		t.Fatalf("clientA Receive: %v", err)
	}
	if _, err := clientB.Receive(time.Second); err != nil {
		t.Fatalf("clientB Receive: %v", err)
	}
}
