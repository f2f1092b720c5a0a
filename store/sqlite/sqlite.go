// Package sqlite implements ensemble.CheckpointStore backed by pure-Go
// SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	ensemble "github.com/nevindra/ensemble"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store implements ensemble.CheckpointStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ ensemble.CheckpointStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the checkpoints table.
func (s *Store) Init(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		parent_step TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		state BLOB NOT NULL,
		UNIQUE(workflow_id, seq)
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	idx := `CREATE INDEX IF NOT EXISTS idx_checkpoints_workflow
		ON checkpoints(workflow_id, seq)`
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// Append implements ensemble.CheckpointStore. Seq assignment and insert
// run in one transaction; with SetMaxOpenConns(1) writers serialize, so
// the sequence never skips or collides.
func (s *Store) Append(ctx context.Context, rec ensemble.CheckpointRecord) (ensemble.CheckpointRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ensemble.CheckpointRecord{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE workflow_id = ?`,
		rec.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return ensemble.CheckpointRecord{}, fmt.Errorf("next seq: %w", err)
	}
	rec.Seq = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (workflow_id, step_name, parent_step, seq, created_at, state)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.WorkflowID, rec.StepName, rec.ParentStep, rec.Seq, rec.CreatedAt.Unix(), []byte(rec.State),
	)
	if err != nil {
		return ensemble.CheckpointRecord{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ensemble.CheckpointRecord{}, fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("sqlite: checkpoint appended",
		"workflow_id", rec.WorkflowID, "step", rec.StepName, "seq", rec.Seq)
	return rec, nil
}

// Latest implements ensemble.CheckpointStore.
func (s *Store) Latest(ctx context.Context, workflowID string) (ensemble.CheckpointRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, step_name, parent_step, seq, created_at, state
		 FROM checkpoints WHERE workflow_id = ?
		 ORDER BY seq DESC LIMIT 1`,
		workflowID,
	)
	rec, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return ensemble.CheckpointRecord{}, false, nil
	}
	if err != nil {
		return ensemble.CheckpointRecord{}, false, fmt.Errorf("query latest: %w", err)
	}
	return rec, true, nil
}

// History implements ensemble.CheckpointStore.
func (s *Store) History(ctx context.Context, workflowID string) ([]ensemble.CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, step_name, parent_step, seq, created_at, state
		 FROM checkpoints WHERE workflow_id = ?
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

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (ensemble.CheckpointRecord, error) {
	var rec ensemble.CheckpointRecord
	var created int64
	var state []byte
	err := row.Scan(&rec.WorkflowID, &rec.StepName, &rec.ParentStep, &rec.Seq, &created, &state)
	if err != nil {
		return ensemble.CheckpointRecord{}, err
	}
	rec.CreatedAt = time.Unix(created, 0).UTC()
	rec.State = state
	return rec, nil
}
