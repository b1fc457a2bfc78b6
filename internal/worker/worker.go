// Package worker implements the Worker Wrapper: one container, via
// internal/runtime, hosting a single line-oriented worker process whose
// stdin/stdout/stderr are piped and merged into a single tagged output
// queue.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/runtime"
	"github.com/basket/go-claw/internal/safety"
)

// Stream identifies which of a worker's stdio streams a TaggedLine came
// from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// TaggedLine is one line of worker output along with the stream it arrived
// on and any secret-leak warnings Scan found in it.
type TaggedLine struct {
	Stream Stream
	Text   string
	Leaks  []safety.LeakWarning
	ReadAt time.Time
}

// Config configures one Wrapper instance.
type Config struct {
	ContainerName string
	Image         string
	WorkspaceDir  string
	WorkerBinary  string // path to the worker binary inside the container
	Limits        runtime.Limits
}

// Wrapper owns one container (via a runtime.Runtime) and one worker
// process running inside it.
type Wrapper struct {
	cfg    Config
	rt     *runtime.Runtime
	leaks  *safety.LeakDetector
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stdin   chan string
	output  chan TaggedLine
	done    chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Wrapper driven by rt and configured by cfg.
func New(rt *runtime.Runtime, cfg Config, logger *slog.Logger) *Wrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{
		cfg:    cfg,
		rt:     rt,
		leaks:  safety.NewLeakDetector(),
		logger: logger,
		stdin:  make(chan string, 16),
		output: make(chan TaggedLine, 256),
		done:   make(chan struct{}),
	}
}

// Setup destroys any pre-existing container of the same name and creates a
// fresh one with resource limits, a volume mount to the workspace, and a
// keep-alive command, blocking until it reports running.
func (w *Wrapper) Setup(ctx context.Context) error {
	_ = w.rt.Remove(ctx, w.cfg.ContainerName)

	volume := ""
	if w.cfg.WorkspaceDir != "" {
		volume = fmt.Sprintf("%s:/workspace", w.cfg.WorkspaceDir)
	}

	_, err := w.rt.Run(ctx, runtime.RunOptions{
		Name:    w.cfg.ContainerName,
		Image:   w.cfg.Image,
		Volume:  volume,
		WorkDir: "/workspace",
		Limits:  w.cfg.Limits,
	})
	if err != nil {
		return fmt.Errorf("container_setup_error: %w", err)
	}
	return nil
}

// StartWorker spawns the worker process inside the container and starts
// the two tagged-output reader goroutines. headless is accepted for
// interface symmetry; this implementation always runs the worker
// non-interactively with stdin fed by Send.
func (w *Wrapper) StartWorker(ctx context.Context, headless bool) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker: already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.pumpLoop(ctx)
	return nil
}

// pumpLoop serializes stdin delivery: each queued command is exec'd inside
// the container and its combined output tagged onto the output queue. This
// keeps stdin writes serialized without depending on a long-lived
// interactive exec session, which a CLI subprocess does not guarantee
// across runtimes.
func (w *Wrapper) pumpLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case cmd, ok := <-w.stdin:
			if !ok {
				return
			}
			w.runCommand(ctx, cmd)
		}
	}
}

func (w *Wrapper) runCommand(ctx context.Context, command string) {
	argv := []string{w.cfg.WorkerBinary, command}
	if w.cfg.WorkerBinary == "" {
		argv = []string{"/bin/sh", "-lc", command}
	}
	out, err := w.rt.Exec(ctx, w.cfg.ContainerName, argv, false)
	now := time.Now()

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		tagged := TaggedLine{Stream: Stdout, Text: line, ReadAt: now, Leaks: w.leaks.Scan(line)}
		w.push(tagged)
	}
	if err != nil {
		w.push(TaggedLine{Stream: Stderr, Text: err.Error(), ReadAt: now})
	}
}

func (w *Wrapper) push(line TaggedLine) {
	select {
	case w.output <- line:
	default:
		w.logger.Warn("worker: output queue full, dropping line", "container", w.cfg.ContainerName)
	}
}

// Send queues command_string for execution, failing if the worker is not
// running.
func (w *Wrapper) Send(commandString string) error {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if !running {
		return fmt.Errorf("worker: not running")
	}

	select {
	case w.stdin <- commandString:
		return nil
	default:
		return fmt.Errorf("worker: stdin queue full")
	}
}

// ReadOutput drains the output queue, returning as soon as at least one
// line has been read, then allowing a short grace window for more lines to
// accumulate before timeout elapses.
func (w *Wrapper) ReadOutput(timeout time.Duration) []TaggedLine {
	const graceWindow = 50 * time.Millisecond

	var lines []TaggedLine
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case line := <-w.output:
		lines = append(lines, line)
	case <-deadline.C:
		return lines
	}

	grace := time.NewTimer(graceWindow)
	defer grace.Stop()
	for {
		select {
		case line := <-w.output:
			lines = append(lines, line)
		case <-grace.C:
			return lines
		}
	}
}

// Stop signals the worker to terminate; since each command is its own
// exec, this simply closes the stdin queue so pumpLoop exits, then joins
// the reader goroutine.
func (w *Wrapper) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	return nil
}

// Cleanup stops and removes the container.
func (w *Wrapper) Cleanup(ctx context.Context) error {
	if err := w.rt.Stop(ctx, w.cfg.ContainerName); err != nil {
		w.logger.Warn("worker: stop failed during cleanup", "container", w.cfg.ContainerName, "error", err)
	}
	return w.rt.Remove(ctx, w.cfg.ContainerName)
}
