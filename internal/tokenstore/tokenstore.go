// Package tokenstore implements the Token/Cost Store: an append-only log
// of TokenUsage records, persisted the same SQLite way as the Task Queue,
// with cost analysis, optimization heuristics, and simple spend
// prediction built on top.
package tokenstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/go-claw/internal/core"
	"github.com/basket/go-claw/internal/pricing"
	"github.com/basket/go-claw/internal/tokenutil"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the append-only TokenUsage log.
type Store struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) the SQLite database at path and
// runs its schema migration.
func OpenSQLite(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS token_usage (
			task_id       TEXT NOT NULL,
			agent_id      TEXT NOT NULL,
			model         TEXT NOT NULL,
			input_tokens  INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost          REAL NOT NULL,
			kind          TEXT NOT NULL,
			success       INTEGER NOT NULL,
			timestamp     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_token_usage_task ON token_usage(task_id);
		CREATE INDEX IF NOT EXISTS idx_token_usage_agent ON token_usage(agent_id);
		CREATE INDEX IF NOT EXISTS idx_token_usage_ts ON token_usage(timestamp);
	`)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends usage to the log as-is.
func (s *Store) Record(ctx context.Context, usage core.TokenUsage) error {
	if err := usage.Validate(); err != nil {
		return fmt.Errorf("tokenstore: %w", err)
	}
	ts := usage.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	success := 0
	if usage.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (task_id, agent_id, model, input_tokens, output_tokens, cost, kind, success, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, usage.TaskID, usage.AgentID, usage.Model, usage.InputTokens, usage.OutputTokens, usage.Cost, string(usage.Kind), success, ts.Unix())
	if err != nil {
		return fmt.Errorf("tokenstore: insert: %w", err)
	}
	return nil
}

// RecordEstimated fills in input/output token counts and cost when usage
// does not already report exact ones, using tokenutil's word/char
// heuristic over prompt/completion text and pricing's per-model table,
// then records the result.
func RecordEstimated(ctx context.Context, s *Store, usage core.TokenUsage, prompt, completion string) error {
	if usage.InputTokens == 0 && prompt != "" {
		usage.InputTokens = tokenutil.EstimateTokens(prompt)
	}
	if usage.OutputTokens == 0 && completion != "" {
		usage.OutputTokens = tokenutil.EstimateTokens(completion)
	}
	if usage.Cost == 0 {
		usage.Cost = pricing.EstimateCost(usage.Model, usage.InputTokens, usage.OutputTokens)
	}
	return s.Record(ctx, usage)
}

// row mirrors one token_usage record as scanned back from the database,
// used internally by Analyze/SuggestOptimizations/Predict.
type row struct {
	taskID       string
	agentID      string
	model        string
	inputTokens  int
	outputTokens int
	cost         float64
	kind         string
	success      bool
	timestamp    time.Time
}

// since returns every row recorded at or after cutoff, ordered by
// timestamp.
func (s *Store) since(ctx context.Context, cutoff time.Time) ([]row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, agent_id, model, input_tokens, output_tokens, cost, kind, success, timestamp
		FROM token_usage WHERE timestamp >= ? ORDER BY timestamp ASC
	`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("tokenstore: query: %w", err)
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var r row
		var successInt int
		var ts int64
		if err := rows.Scan(&r.taskID, &r.agentID, &r.model, &r.inputTokens, &r.outputTokens, &r.cost, &r.kind, &successInt, &ts); err != nil {
			return nil, fmt.Errorf("tokenstore: scan: %w", err)
		}
		r.success = successInt != 0
		r.timestamp = time.Unix(ts, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}
