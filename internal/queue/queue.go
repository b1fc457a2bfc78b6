// Package queue implements the Task Queue: a strict priority queue keyed
// by (-priority, enqueue_index), with two interchangeable backends —
// an in-memory mutex+condvar queue and a SQLite-backed shared store with a
// lease + janitor for crash recovery.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/basket/go-claw/internal/core"
)

// ErrEmpty is returned by Dequeue when no task is available before timeout.
var ErrEmpty = errors.New("queue: empty")

// ErrNotFound is returned by Complete/Fail when id has no processing entry.
var ErrNotFound = errors.New("queue: task not found")

// Stats summarizes queue depth across states.
type Stats struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Queue is the Task Queue interface; both the in-memory and SQLite-backed
// implementations satisfy it.
type Queue interface {
	Enqueue(ctx context.Context, task core.Task) error
	// Dequeue blocks up to timeout for the next highest-priority pending
	// task, claiming it (processing) on behalf of owner.
	Dequeue(ctx context.Context, owner string, timeout time.Duration) (core.Task, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
