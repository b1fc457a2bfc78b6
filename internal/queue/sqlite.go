package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-claw/internal/core"
	_ "github.com/mattn/go-sqlite3"
)

// leaseWindow is how long a dequeued task's processing lease is held before
// the janitor considers it abandoned and returns it to pending.
const leaseWindow = 5 * time.Minute

// SQLite is the shared-store Queue backend: tasks persist in a `queue`
// table, ordered by `priority DESC, enqueue_index ASC`; dequeue stamps a
// lease (owner + expiry); Janitor requeues expired leases.
type SQLite struct {
	db        *sql.DB
	nextIndex int64
}

// OpenSQLite opens (creating if absent) the SQLite database at path and
// runs its schema migration.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite allows one writer; avoid SQLITE_BUSY storms

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadNextIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue (
			id             TEXT PRIMARY KEY,
			priority       INTEGER NOT NULL,
			enqueue_index  INTEGER NOT NULL,
			payload        TEXT NOT NULL,
			status         TEXT NOT NULL, -- pending|processing|completed|failed
			lease_owner    TEXT,
			lease_expires_at INTEGER,
			fail_reason    TEXT,
			created_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_queue_status ON queue(status);
		CREATE INDEX IF NOT EXISTS idx_queue_priority ON queue(priority DESC, enqueue_index ASC);
	`)
	return err
}

func (s *SQLite) loadNextIndex() error {
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(enqueue_index) FROM queue`).Scan(&max); err != nil {
		return err
	}
	if max.Valid {
		s.nextIndex = max.Int64 + 1
	}
	return nil
}

// retryOnBusy retries fn a bounded number of times on SQLITE_BUSY, the
// SQLite-backed store's single-writer contention case.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 5
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil || !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return err
}

// Enqueue inserts task as a pending row.
func (s *SQLite) Enqueue(ctx context.Context, task core.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: marshal task: %w", err)
	}

	return retryOnBusy(func() error {
		idx := s.nextIndex
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO queue (id, priority, enqueue_index, payload, status, created_at)
			VALUES (?, ?, ?, ?, 'pending', ?)
		`, task.ID, task.Priority, idx, string(payload), time.Now().Unix())
		if err == nil {
			s.nextIndex++
		}
		return err
	})
}

// Dequeue polls for and claims the highest-priority pending (or lease-
// expired processing) row up to timeout, stamping a fresh lease for owner.
func (s *SQLite) Dequeue(ctx context.Context, owner string, timeout time.Duration) (core.Task, error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 25 * time.Millisecond

	for {
		task, ok, err := s.tryClaim(ctx, owner)
		if err != nil {
			return core.Task{}, err
		}
		if ok {
			return task, nil
		}
		if time.Now().After(deadline) {
			return core.Task{}, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return core.Task{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *SQLite) tryClaim(ctx context.Context, owner string) (core.Task, bool, error) {
	var (
		id      string
		payload string
	)
	err := retryOnBusy(func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, payload FROM queue
			WHERE status = 'pending'
			ORDER BY priority DESC, enqueue_index ASC
			LIMIT 1
		`)
		return row.Scan(&id, &payload)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return core.Task{}, false, nil
	}
	if err != nil {
		return core.Task{}, false, fmt.Errorf("queue: claim: %w", err)
	}

	leaseExpiry := time.Now().Add(leaseWindow).Unix()
	claimErr := retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE queue SET status='processing', lease_owner=?, lease_expires_at=?
			WHERE id=? AND status='pending'
		`, owner, leaseExpiry, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errRaceLost
		}
		return nil
	})
	if errors.Is(claimErr, errRaceLost) {
		return core.Task{}, false, nil
	}
	if claimErr != nil {
		return core.Task{}, false, fmt.Errorf("queue: claim lease: %w", claimErr)
	}

	var task core.Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return core.Task{}, false, fmt.Errorf("queue: unmarshal task: %w", err)
	}
	return task, true, nil
}

var errRaceLost = errors.New("queue: lost claim race")

// Complete marks id completed.
func (s *SQLite) Complete(ctx context.Context, id string) error {
	return s.transition(ctx, id, "completed", "")
}

// Fail marks id failed with cause.
func (s *SQLite) Fail(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.transition(ctx, id, "failed", msg)
}

func (s *SQLite) transition(ctx context.Context, id, status, failReason string) error {
	return retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE queue SET status=?, fail_reason=?, lease_owner=NULL, lease_expires_at=NULL
			WHERE id=? AND status='processing'
		`, status, failReason, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Stats reports row counts by status.
func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		switch status {
		case "pending":
			st.Pending = count
		case "processing":
			st.Processing = count
		case "completed":
			st.Completed = count
		case "failed":
			st.Failed = count
		}
	}
	return st, rows.Err()
}

// Janitor requeues every processing row whose lease has expired, returning
// the number of rows reclaimed. Intended to run on a periodic tick (the
// cron scheduler).
func (s *SQLite) Janitor(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue SET status='pending', lease_owner=NULL, lease_expires_at=NULL
		WHERE status='processing' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
	`, now)
	if err != nil {
		return 0, fmt.Errorf("queue: janitor: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
