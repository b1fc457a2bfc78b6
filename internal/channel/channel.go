// Package channel implements the Framed Channel transport: a bidirectional,
// newline-terminated JSON stream over a Unix domain socket, usable in
// server mode (accepting many peers) or client mode (one connection).
package channel

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/core"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrClosed is returned by Send/Receive once the channel has been closed.
var ErrClosed = errors.New("channel: closed")

// ErrTimeout is returned by Receive when no frame arrives within the
// requested timeout.
var ErrTimeout = errors.New("channel: receive timeout")

// conn is one accepted (server mode) or dialed (client mode) peer
// connection, with its own write serialization and read buffer.
type conn struct {
	id       string
	nc       net.Conn
	writeMu  sync.Mutex
	reader   *bufio.Reader
	incoming chan core.AgentMessage
	closed   chan struct{}
}

// Channel is one endpoint of the Framed Channel transport. A Channel created
// via Bind is a server that accepts multiple peers; one created via Connect
// is a client with a single connection.
type Channel struct {
	path     string
	server   bool
	listener net.Listener
	schema   *jsonschema.Schema
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[string]*conn
	nextID int
	closed bool

	inbox chan frameWithSource
	done  chan struct{}
}

type frameWithSource struct {
	connID string
	msg    core.AgentMessage
}

// New constructs an unbound Channel. Call Bind or Connect before using it.
func New(logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		logger: logger,
		conns:  make(map[string]*conn),
		inbox:  make(chan frameWithSource, 256),
		done:   make(chan struct{}),
	}
}

// WithSchema attaches the AgentMessage JSON Schema used to validate inbound
// frames; a schema violation is handled the same as a malformed frame.
func (c *Channel) WithSchema(schema *jsonschema.Schema) *Channel {
	c.schema = schema
	return c
}

// Bind creates the Unix domain socket at path and starts accepting
// connections in the background. Any stale socket file at path is removed
// first.
func (c *Channel) Bind(path string) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("channel: bind %s: %w", path, err)
	}
	c.mu.Lock()
	c.path = path
	c.server = true
	c.listener = ln
	c.mu.Unlock()

	go c.acceptLoop(ln)
	return nil
}

// Connect dials the Unix domain socket at path as a client.
func (c *Channel) Connect(path string) error {
	nc, err := net.Dial("unix", path)
	if err != nil {
		return fmt.Errorf("channel: connect %s: %w", path, err)
	}
	c.mu.Lock()
	c.path = path
	c.server = false
	cn := c.addConnLocked(nc)
	c.mu.Unlock()

	go c.readLoop(cn)
	return nil
}

func (c *Channel) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = nc.Close()
			return
		}
		cn := c.addConnLocked(nc)
		c.mu.Unlock()
		go c.readLoop(cn)
	}
}

func (c *Channel) addConnLocked(nc net.Conn) *conn {
	c.nextID++
	cn := &conn{
		id:       fmt.Sprintf("conn-%d", c.nextID),
		nc:       nc,
		reader:   bufio.NewReader(nc),
		incoming: make(chan core.AgentMessage, 64),
		closed:   make(chan struct{}),
	}
	c.conns[cn.id] = cn
	return cn
}

func (c *Channel) removeConn(id string) {
	c.mu.Lock()
	cn, ok := c.conns[id]
	if ok {
		delete(c.conns, id)
	}
	c.mu.Unlock()
	if ok {
		close(cn.closed)
		_ = cn.nc.Close()
	}
}

func (c *Channel) readLoop(cn *conn) {
	defer c.removeConn(cn.id)
	for {
		line, err := cn.reader.ReadBytes('\n')
		if len(line) > 0 {
			c.handleFrame(cn.id, line)
		}
		if err != nil {
			return
		}
	}
}

func (c *Channel) handleFrame(connID string, line []byte) {
	if c.schema != nil {
		var raw any
		if err := json.Unmarshal(line, &raw); err != nil {
			c.logger.Warn("channel: dropped malformed frame", "conn", connID, "error", err)
			return
		}
		if err := c.schema.Validate(raw); err != nil {
			c.logger.Warn("channel: dropped frame failing schema validation", "conn", connID, "error", err)
			return
		}
	}

	var msg core.AgentMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("channel: dropped malformed frame", "conn", connID, "error", err)
		return
	}

	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.inbox <- frameWithSource{connID: connID, msg: msg}:
	case <-c.done:
	default:
		c.logger.Warn("channel: inbox full, dropping frame", "conn", connID)
	}
}

// Send serializes message as a newline-terminated JSON frame and writes it
// to the connection (client mode) or to the only connected peer matching
// message.ReceiverID (server mode). Concurrent Send calls to the same
// connection are serialized by a per-connection write mutex.
func (c *Channel) Send(message core.AgentMessage) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	target := c.pickTargetLocked(message.ReceiverID)
	c.mu.Unlock()

	if target == nil {
		return fmt.Errorf("channel: no connection for receiver %q", message.ReceiverID)
	}
	return writeFrame(target, message)
}

// Broadcast delivers message to every connected peer except the one whose
// internal id equals except (server mode only; a no-op in client mode since
// there is only ever one connection).
func (c *Channel) Broadcast(message core.AgentMessage, except string) error {
	c.mu.Lock()
	targets := make([]*conn, 0, len(c.conns))
	for id, cn := range c.conns {
		if id == except {
			continue
		}
		targets = append(targets, cn)
	}
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}

	var firstErr error
	for _, cn := range targets {
		if err := writeFrame(cn, message); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Channel) pickTargetLocked(receiverID string) *conn {
	if !c.server {
		for _, cn := range c.conns {
			return cn
		}
		return nil
	}
	for _, cn := range c.conns {
		if cn.id == receiverID {
			return cn
		}
	}
	// Single-peer convenience: if exactly one connection is open and the
	// caller didn't address it by internal conn id, use it.
	if len(c.conns) == 1 {
		for _, cn := range c.conns {
			return cn
		}
	}
	return nil
}

func writeFrame(cn *conn, message core.AgentMessage) error {
	b, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("channel: marshal frame: %w", err)
	}
	b = append(b, '\n')

	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	_, err = cn.nc.Write(b)
	return err
}

// Receive returns the next inbound message, waiting up to timeout. It
// returns ErrTimeout if no frame arrives in time, and ErrClosed once the
// channel has been closed.
func (c *Channel) Receive(timeout time.Duration) (core.AgentMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-c.inbox:
		return f.msg, nil
	case <-c.done:
		return core.AgentMessage{}, ErrClosed
	case <-timer.C:
		return core.AgentMessage{}, ErrTimeout
	}
}

// Close shuts down all connections and, in server mode, unlinks the
// endpoint's socket path.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		conns = append(conns, cn)
	}
	c.conns = make(map[string]*conn)
	listener := c.listener
	server := c.server
	path := c.path
	c.mu.Unlock()

	for _, cn := range conns {
		close(cn.closed)
		_ = cn.nc.Close()
	}
	if listener != nil {
		_ = listener.Close()
	}
	if server && path != "" {
		_ = os.Remove(path)
	}
	close(c.done)
	return nil
}
