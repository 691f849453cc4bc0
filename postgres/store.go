// Package postgres provides a SnapshotStore backed by PostgreSQL, for
// deployments where executions must be recoverable across hosts.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/deepnoodle-ai/flowgraph"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_snapshots (
	id              TEXT PRIMARY KEY,
	execution_id    TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	checkpoint_type TEXT NOT NULL,
	state           BYTEA NOT NULL,
	size_bytes      BIGINT NOT NULL,
	compressed      BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_workflow_snapshots_execution
	ON workflow_snapshots (execution_id, created_at);
`

// StoreOptions configures the PostgreSQL snapshot store.
type StoreOptions struct {
	DSN            string
	MaxConnections int
	QueryTimeout   time.Duration
}

// Store is a PostgreSQL-backed SnapshotStore.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// NewStore connects to PostgreSQL, verifies the connection, and ensures
// the schema exists.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("postgres DSN required")
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}

	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxConnections)
	db.SetMaxIdleConns(opts.MaxConnections / 2)
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{db: db, timeout: opts.QueryTimeout}

	ctx, cancel := context.WithTimeout(context.Background(), opts.QueryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) SaveSnapshot(ctx context.Context, snapshot *flowgraph.StateSnapshot) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_snapshots (id, execution_id, created_at, checkpoint_type, state, size_bytes, compressed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			size_bytes = EXCLUDED.size_bytes,
			compressed = EXCLUDED.compressed`,
		snapshot.ID, snapshot.ExecutionID, snapshot.Timestamp,
		string(snapshot.CheckpointType), snapshot.State, snapshot.Size, snapshot.Compressed)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, snapshotID string) (*flowgraph.StateSnapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, created_at, checkpoint_type, state, size_bytes, compressed
		FROM workflow_snapshots WHERE id = $1`, snapshotID)
	snapshot, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %q not found", snapshotID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *Store) LatestSnapshot(ctx context.Context, executionID string) (*flowgraph.StateSnapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, created_at, checkpoint_type, state, size_bytes, compressed
		FROM workflow_snapshots WHERE execution_id = $1
		ORDER BY created_at DESC LIMIT 1`, executionID)
	snapshot, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *Store) ListSnapshots(ctx context.Context, executionID string) ([]*flowgraph.SnapshotInfo, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, created_at, checkpoint_type, size_bytes
		FROM workflow_snapshots WHERE execution_id = $1
		ORDER BY created_at ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var infos []*flowgraph.SnapshotInfo
	for rows.Next() {
		var info flowgraph.SnapshotInfo
		var checkpointType string
		if err := rows.Scan(&info.ID, &info.ExecutionID, &info.Timestamp, &checkpointType, &info.Size); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		info.CheckpointType = flowgraph.CheckpointType(checkpointType)
		infos = append(infos, &info)
	}
	return infos, rows.Err()
}

func (s *Store) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_snapshots WHERE id = $1`, snapshotID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (s *Store) DeleteExecution(ctx context.Context, executionID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_snapshots WHERE execution_id = $1`, executionID); err != nil {
		return fmt.Errorf("failed to delete execution snapshots: %w", err)
	}
	return nil
}

func scanSnapshot(row *sql.Row) (*flowgraph.StateSnapshot, error) {
	var snapshot flowgraph.StateSnapshot
	var checkpointType string
	err := row.Scan(&snapshot.ID, &snapshot.ExecutionID, &snapshot.Timestamp,
		&checkpointType, &snapshot.State, &snapshot.Size, &snapshot.Compressed)
	if err != nil {
		return nil, err
	}
	snapshot.CheckpointType = flowgraph.CheckpointType(checkpointType)
	return &snapshot, nil
}

var _ flowgraph.SnapshotStore = (*Store)(nil)
