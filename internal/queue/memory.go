package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/core"
)

// entry is one heap item: lower (negated priority, enqueue index) sorts
// first, so higher priority drains first and FIFO within a priority.
type entry struct {
	task         core.Task
	enqueueIndex int64
}

type priorityHeap []entry

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].enqueueIndex < h[j].enqueueIndex
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Memory is an in-memory Queue backend: a single mutex + condvar guarding a
// priority heap, with results tracked in RAM.
type Memory struct {
	mu         sync.Mutex
	cond       *sync.Cond
	heap       priorityHeap
	nextIndex  int64
	processing map[string]string // task id -> owner
	completed  map[string]struct{}
	failed     map[string]string // task id -> cause
	closed     bool
}

// NewMemory constructs an empty in-memory Queue.
func NewMemory() *Memory {
	m := &Memory{
		processing: make(map[string]string),
		completed:  make(map[string]struct{}),
		failed:     make(map[string]string),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Enqueue adds task to the heap at its declared priority.
func (m *Memory) Enqueue(ctx context.Context, task core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrEmpty
	}
	heap.Push(&m.heap, entry{task: task, enqueueIndex: m.nextIndex})
	m.nextIndex++
	m.cond.Signal()
	return nil
}

// Dequeue blocks up to timeout for the next pending task, marking it
// processing under owner.
func (m *Memory) Dequeue(ctx context.Context, owner string, timeout time.Duration) (core.Task, error) {
	deadline := time.Now().Add(timeout)

	// A single timer goroutine wakes the condvar once the deadline passes,
	// so the wait loop below never blocks past timeout.
	timedOut := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		close(timedOut)
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.heap) == 0 && !m.closed {
		select {
		case <-timedOut:
			return core.Task{}, ErrEmpty
		default:
		}
		if time.Now().After(deadline) {
			return core.Task{}, ErrEmpty
		}
		m.cond.Wait()
	}
	if len(m.heap) == 0 {
		return core.Task{}, ErrEmpty
	}

	e := heap.Pop(&m.heap).(entry)
	m.processing[e.task.ID] = owner
	return e.task, nil
}

// Complete marks id's processing entry done.
func (m *Memory) Complete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processing[id]; !ok {
		return ErrNotFound
	}
	delete(m.processing, id)
	m.completed[id] = struct{}{}
	return nil
}

// Fail marks id's processing entry failed with cause.
func (m *Memory) Fail(ctx context.Context, id string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processing[id]; !ok {
		return ErrNotFound
	}
	delete(m.processing, id)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	m.failed[id] = msg
	return nil
}

// Stats reports current queue depth across states.
func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Pending:    len(m.heap),
		Processing: len(m.processing),
		Completed:  len(m.completed),
		Failed:     len(m.failed),
	}, nil
}

// Close marks the queue closed and wakes any blocked Dequeue callers.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}
