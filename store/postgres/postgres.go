// Package postgres implements ensemble.CheckpointStore using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	ensemble "github.com/nevindra/ensemble"
)

// Store implements ensemble.CheckpointStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ ensemble.CheckpointStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the checkpoints table and index. Safe to call multiple
// times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id BIGSERIAL PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			parent_step TEXT NOT NULL DEFAULT '',
			seq BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			state JSONB NOT NULL,
			UNIQUE (workflow_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_workflow
			ON checkpoints (workflow_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init checkpoints: %w", err)
		}
	}
	return nil
}

// Append implements ensemble.CheckpointStore. The per-workflow sequence is
// assigned inside the insert, so concurrent appends for the same workflow
// serialize on the unique constraint instead of racing.
func (s *Store) Append(ctx context.Context, rec ensemble.CheckpointRecord) (ensemble.CheckpointRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO checkpoints (workflow_id, step_name, parent_step, seq, created_at, state)
		 SELECT $1, $2, $3, COALESCE(MAX(seq), 0) + 1, $4, $5
		 FROM checkpoints WHERE workflow_id = $1
		 RETURNING seq`,
		rec.WorkflowID, rec.StepName, rec.ParentStep, rec.CreatedAt.Unix(), []byte(rec.State),
	).Scan(&rec.Seq)
	if err != nil {
		return ensemble.CheckpointRecord{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	return rec, nil
}

// Latest implements ensemble.CheckpointStore.
func (s *Store) Latest(ctx context.Context, workflowID string) (ensemble.CheckpointRecord, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT workflow_id, step_name, parent_step, seq, created_at, state
		 FROM checkpoints WHERE workflow_id = $1
		 ORDER BY seq DESC LIMIT 1`,
		workflowID,
	)
	rec, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ensemble.CheckpointRecord{}, false, nil
	}
	if err != nil {
		return ensemble.CheckpointRecord{}, false, fmt.Errorf("query latest: %w", err)
	}
	return rec, true, nil
}

// History implements ensemble.CheckpointStore.
func (s *Store) History(ctx context.Context, workflowID string) ([]ensemble.CheckpointRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT workflow_id, step_name, parent_step, seq, created_at, state
		 FROM checkpoints WHERE workflow_id = $1
		 ORDER BY seq ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []ensemble.CheckpointRecord
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanCheckpoint(row pgx.Row) (ensemble.CheckpointRecord, error) {
	var rec ensemble.CheckpointRecord
	var created int64
	var state []byte
	if err := row.Scan(&rec.WorkflowID, &rec.StepName, &rec.ParentStep, &rec.Seq, &created, &state); err != nil {
		return ensemble.CheckpointRecord{}, err
	}
	rec.CreatedAt = time.Unix(created, 0).UTC()
	rec.State = state
	return rec, nil
}
