package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/core"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	tasks := []core.Task{
		{ID: "low-1", Priority: 1},
		{ID: "high-1", Priority: 9},
		{ID: "low-2", Priority: 1},
		{ID: "high-2", Priority: 9},
	}
	for _, task := range tasks {
		if err := s.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue(%s): %v", task.ID, err)
		}
	}

	want := []string{"high-1", "high-2", "low-1", "low-2"}
	for _, id := range want {
		got, err := s.Dequeue(ctx, "owner-1", time.Second)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if got.ID != id {
			t.Fatalf("Dequeue order = %q, want %q", got.ID, id)
		}
	}
}

func TestSQLiteDequeueTimesOutWhenEmpty(t *testing.T) {
	s := openTestDB(t)
	start := time.Now()
	_, err := s.Dequeue(context.Background(), "owner-1", 60*time.Millisecond)
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("err = %v, want ErrEmpty", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("returned after %v, want at least the timeout", elapsed)
	}
}

func TestSQLiteCompleteAndFailLifecycle(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	if err := s.Complete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Complete on unknown id: err = %v, want ErrNotFound", err)
	}

	s.Enqueue(ctx, core.Task{ID: "t1", Priority: 1})
	s.Enqueue(ctx, core.Task{ID: "t2", Priority: 1})
	if _, err := s.Dequeue(ctx, "owner-1", time.Second); err != nil {
		t.Fatalf("Dequeue t1: %v", err)
	}
	if _, err := s.Dequeue(ctx, "owner-1", time.Second); err != nil {
		t.Fatalf("Dequeue t2: %v", err)
	}

	if err := s.Complete(ctx, "t1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := s.Fail(ctx, "t2", errors.New("boom")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Completed != 1 || stats.Failed != 1 || stats.Pending != 0 || stats.Processing != 0 {
		t.Fatalf("Stats = %+v, want 1 completed, 1 failed, 0 pending/processing", stats)
	}
}

func TestSQLiteJanitorReclaimsExpiredLease(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	s.Enqueue(ctx, core.Task{ID: "t1", Priority: 1})
	if _, err := s.Dequeue(ctx, "owner-1", time.Second); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	// Force the lease into the past so the janitor treats it as abandoned.
	_, err := s.db.ExecContext(ctx, `UPDATE queue SET lease_expires_at = ? WHERE id = ?`,
		time.Now().Add(-time.Minute).Unix(), "t1")
	if err != nil {
		t.Fatalf("force-expire lease: %v", err)
	}

	n, err := s.Janitor(ctx)
	if err != nil {
		t.Fatalf("Janitor: %v", err)
	}
	if n != 1 {
		t.Fatalf("Janitor reclaimed %d rows, want 1", n)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 1 || stats.Processing != 0 {
		t.Fatalf("Stats = %+v, want the reclaimed task back in pending", stats)
	}

	got, err := s.Dequeue(ctx, "owner-2", time.Second)
	if err != nil {
		t.Fatalf("re-Dequeue after reclaim: %v", err)
	}
	if got.ID != "t1" {
		t.Fatalf("re-Dequeue id = %q, want t1", got.ID)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	s1, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s1.Enqueue(context.Background(), core.Task{ID: "t1", Priority: 3}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen OpenSQLite: %v", err)
	}
	defer s2.Close()

	got, err := s2.Dequeue(context.Background(), "owner-1", time.Second)
	if err != nil {
		t.Fatalf("Dequeue after reopen: %v", err)
	}
	if got.ID != "t1" {
		t.Fatalf("got id %q, want t1", got.ID)
	}

	// A fresh Enqueue after reopen must continue the enqueue_index sequence
	// rather than colliding with the row restored from disk.
	if err := s2.Enqueue(context.Background(), core.Task{ID: "t2", Priority: 3}); err != nil {
		t.Fatalf("Enqueue after reopen: %v", err)
	}
}
