package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetops/gpuscaler/pkg/types"
)

// dbtx is the minimal pgx surface PostgresStore needs, grounded on the
// nightowl incident store's dbtx abstraction — lets callers hand in either
// a *pgxpool.Pool or a *pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a Store implementation backed by pgx/v5 against a
// `workers`/`tasks` schema and a `reset_orphaned_tasks` stored routine.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool against databaseURL.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const workerColumns = `id, instance_type, status, created_at, last_heartbeat, metadata`

func scanWorkerRow(row pgx.Row) (types.Worker, error) {
	var w types.Worker
	var metadata []byte
	if err := row.Scan(&w.ID, &w.InstanceType, &w.Status, &w.CreatedAt, &w.LastHeartbeat, &metadata); err != nil {
		return types.Worker{}, err
	}
	if err := decodeMetadata(metadata, &w.Metadata); err != nil {
		return types.Worker{}, fmt.Errorf("decoding worker metadata: %w", err)
	}
	return w, nil
}

func scanWorkerRows(rows pgx.Rows) ([]types.Worker, error) {
	defer rows.Close()
	var out []types.Worker
	for rows.Next() {
		var w types.Worker
		var metadata []byte
		if err := rows.Scan(&w.ID, &w.InstanceType, &w.Status, &w.CreatedAt, &w.LastHeartbeat, &metadata); err != nil {
			return nil, fmt.Errorf("scanning worker row: %w", err)
		}
		if err := decodeMetadata(metadata, &w.Metadata); err != nil {
			return nil, fmt.Errorf("decoding worker metadata: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating worker rows: %w", err)
	}
	return out, nil
}

func decodeMetadata(raw []byte, dst *types.Metadata) error {
	if len(raw) == 0 {
		*dst = types.Metadata{}
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func (s *PostgresStore) CreateWorker(ctx context.Context, id, instanceType string, metadata types.Metadata) error {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding worker metadata: %w", err)
	}
	query := `INSERT INTO workers (id, instance_type, status, created_at, metadata)
		VALUES ($1, $2, 'spawning', now(), $3)`
	_, err = s.pool.Exec(ctx, query, id, instanceType, encoded)
	if err != nil {
		return fmt.Errorf("creating worker %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) GetWorker(ctx context.Context, id string) (types.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE id = $1`
	w, err := scanWorkerRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return types.Worker{}, &ErrNotFound{ID: id}
		}
		return types.Worker{}, fmt.Errorf("getting worker %s: %w", id, err)
	}
	return w, nil
}

// UpdateWorkerStatus performs a read-modify-write metadata merge inside
// one serializable transaction so the worker's own concurrent
// self-error/heartbeat writes can't race it.
func (s *PostgresStore) UpdateWorkerStatus(ctx context.Context, id string, status types.WorkerStatus, metadataMerge types.Metadata) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("beginning tx for worker %s: %w", id, err)
	}
	defer tx.Rollback(ctx)

	var currentRaw []byte
	err = tx.QueryRow(ctx, `SELECT metadata FROM workers WHERE id = $1 FOR UPDATE`, id).Scan(&currentRaw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return &ErrNotFound{ID: id}
		}
		return fmt.Errorf("reading worker %s metadata: %w", id, err)
	}

	var current types.Metadata
	if err := decodeMetadata(currentRaw, &current); err != nil {
		return fmt.Errorf("decoding worker %s metadata: %w", id, err)
	}
	merged := current.Merge(metadataMerge)

	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding worker %s metadata: %w", id, err)
	}

	tag, err := tx.Exec(ctx, `UPDATE workers SET status = $2, metadata = $3 WHERE id = $1`, id, status, encoded)
	if err != nil {
		return fmt.Errorf("updating worker %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{ID: id}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetWorkers(ctx context.Context, statusFilter ...types.WorkerStatus) ([]types.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers`
	var args []any
	if len(statusFilter) > 0 {
		query += ` WHERE status = ANY($1)`
		statuses := make([]string, len(statusFilter))
		for i, st := range statusFilter {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	return scanWorkerRows(rows)
}

func (s *PostgresStore) CountWorkers(ctx context.Context, status types.WorkerStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM workers WHERE status = $1`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting workers with status %s: %w", status, err)
	}
	return n, nil
}

func (s *PostgresStore) GetStaleWorkers(ctx context.Context, heartbeatCutoff time.Time) ([]types.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers
		WHERE status = 'active' AND (last_heartbeat IS NULL OR last_heartbeat < $1)
		ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, heartbeatCutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale workers: %w", err)
	}
	return scanWorkerRows(rows)
}

func (s *PostgresStore) GetSpawningPastTimeout(ctx context.Context, createdCutoff time.Time) ([]types.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers
		WHERE status = 'spawning' AND created_at < $1
		ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, createdCutoff)
	if err != nil {
		return nil, fmt.Errorf("listing spawning-past-timeout workers: %w", err)
	}
	return scanWorkerRows(rows)
}

const taskColumns = `id, status, worker_id, task_type, generation_started_at, user_id`

func scanTaskRows(rows pgx.Rows) ([]types.Task, error) {
	defer rows.Close()
	var out []types.Task
	for rows.Next() {
		var t types.Task
		if err := rows.Scan(&t.ID, &t.Status, &t.WorkerID, &t.TaskType, &t.GenerationStartedAt, &t.UserID); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return out, nil
}

// GetStuckTasks finds Running tasks past startedCutoff, excluding task
// types matching any of excludeTaskTypeSubstrings (case-insensitively) —
// those may legitimately run long (e.g. tasks whose type contains
// "_orchestrator").
func (s *PostgresStore) GetStuckTasks(ctx context.Context, startedCutoff time.Time, excludeTaskTypeSubstrings []string) ([]types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'Running' AND generation_started_at < $1`
	rows, err := s.pool.Query(ctx, query, startedCutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stuck tasks: %w", err)
	}
	all, err := scanTaskRows(rows)
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, t := range all {
		if !containsAny(strings.ToLower(t.TaskType), excludeTaskTypeSubstrings) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *PostgresStore) HasRunningTasks(ctx context.Context, workerID string) (bool, error) {
	var n int
	query := `SELECT count(*) FROM tasks WHERE worker_id = $1 AND status = 'Running'`
	if err := s.pool.QueryRow(ctx, query, workerID).Scan(&n); err != nil {
		return false, fmt.Errorf("checking running tasks for %s: %w", workerID, err)
	}
	return n > 0, nil
}

func (s *PostgresStore) HasProcessedTasks(ctx context.Context, workerID string) (bool, error) {
	var n int
	query := `SELECT count(*) FROM tasks WHERE worker_id = $1 AND status != 'Queued'`
	if err := s.pool.QueryRow(ctx, query, workerID).Scan(&n); err != nil {
		return false, fmt.Errorf("checking processed tasks for %s: %w", workerID, err)
	}
	return n > 0, nil
}

func (s *PostgresStore) CountQueued(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE status = 'Queued'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting queued tasks: %w", err)
	}
	return n, nil
}

// ResetOrphanedTasks invokes the reset_orphaned_tasks stored routine as a
// single statement so the reset is atomic: callers must never observe a
// partially-reset batch.
func (s *PostgresStore) ResetOrphanedTasks(ctx context.Context, failedWorkerIDs []string) (int, error) {
	if len(failedWorkerIDs) == 0 {
		return 0, nil
	}
	var n int
	query := `SELECT reset_orphaned_tasks($1)`
	if err := s.pool.QueryRow(ctx, query, failedWorkerIDs).Scan(&n); err != nil {
		return 0, fmt.Errorf("resetting orphaned tasks: %w", err)
	}
	return n, nil
}

// RecordCycle upserts the single-row orchestrator liveness heartbeat.
func (s *PostgresStore) RecordCycle(ctx context.Context, rec types.CycleRecord) error {
	query := `INSERT INTO orchestrator_status (id, last_cycle_number, last_cycle_at, last_cycle_ok)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			last_cycle_number = excluded.last_cycle_number,
			last_cycle_at = excluded.last_cycle_at,
			last_cycle_ok = excluded.last_cycle_ok`
	_, err := s.pool.Exec(ctx, query, rec.CycleNumber, rec.Timestamp, !rec.Partial)
	if err != nil {
		return fmt.Errorf("recording cycle heartbeat: %w", err)
	}
	return nil
}
