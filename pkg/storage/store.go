// Package storage defines the Store capability over the task/worker
// datastore and provides a pgx-backed Postgres implementation plus an
// in-memory fake for tests.
package storage

import (
	"context"
	"time"

	"github.com/fleetops/gpuscaler/pkg/types"
)

// Store is the capability the control loop consumes over the relational
// datastore. The core reads and writes specific rows; it does not own
// schema migration (see cmd/gpuscaler-migrate for that, run out-of-band).
type Store interface {
	CreateWorker(ctx context.Context, id, instanceType string, metadata types.Metadata) error
	GetWorker(ctx context.Context, id string) (types.Worker, error)
	UpdateWorkerStatus(ctx context.Context, id string, status types.WorkerStatus, metadataMerge types.Metadata) error
	GetWorkers(ctx context.Context, statusFilter ...types.WorkerStatus) ([]types.Worker, error)
	CountWorkers(ctx context.Context, status types.WorkerStatus) (int, error)

	GetStaleWorkers(ctx context.Context, heartbeatCutoff time.Time) ([]types.Worker, error)
	GetSpawningPastTimeout(ctx context.Context, createdCutoff time.Time) ([]types.Worker, error)
	GetStuckTasks(ctx context.Context, startedCutoff time.Time, excludeTaskTypeSubstrings []string) ([]types.Task, error)

	HasRunningTasks(ctx context.Context, workerID string) (bool, error)
	HasProcessedTasks(ctx context.Context, workerID string) (bool, error)
	CountQueued(ctx context.Context) (int, error)

	// ResetOrphanedTasks atomically moves every Running task belonging to
	// one of failedWorkerIDs back to Queued, clearing worker_id and
	// generation_started_at. Must be a single transaction; partial
	// completion is forbidden.
	ResetOrphanedTasks(ctx context.Context, failedWorkerIDs []string) (int, error)

	// RecordCycle persists the most recent cycle record as a one-row
	// orchestrator liveness heartbeat.
	RecordCycle(ctx context.Context, rec types.CycleRecord) error
}

// ErrNotFound is returned when a worker lookup misses.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string { return "worker not found: " + e.ID }
