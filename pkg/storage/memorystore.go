package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fleetops/gpuscaler/pkg/types"
)

// MemoryStore is an in-memory Store used by unit tests and local runs
// without Postgres. It keeps one bucket-per-entity map guarded by a single
// mutex, and implements ResetOrphanedTasks with the same
// single-critical-section atomicity a stored routine gives the Postgres
// backend.
type MemoryStore struct {
	mu      sync.Mutex
	workers map[string]types.Worker
	tasks   map[string]types.Task
	lastCycle *types.CycleRecord
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers: make(map[string]types.Worker),
		tasks:   make(map[string]types.Task),
	}
}

// SeedWorker inserts a worker directly, bypassing CreateWorker's status
// default — a test helper for constructing arbitrary fixture states.
func (s *MemoryStore) SeedWorker(w types.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.ID] = w
}

// SeedTask inserts a task directly — a test helper.
func (s *MemoryStore) SeedTask(t types.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

func (s *MemoryStore) CreateWorker(_ context.Context, id, instanceType string, metadata types.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[id] = types.Worker{
		ID:           id,
		InstanceType: instanceType,
		Status:       types.WorkerSpawning,
		CreatedAt:    time.Now(),
		Metadata:     metadata.Clone(),
	}
	return nil
}

func (s *MemoryStore) GetWorker(_ context.Context, id string) (types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return types.Worker{}, &ErrNotFound{ID: id}
	}
	return w, nil
}

func (s *MemoryStore) UpdateWorkerStatus(_ context.Context, id string, status types.WorkerStatus, metadataMerge types.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return &ErrNotFound{ID: id}
	}
	w.Status = status
	w.Metadata = w.Metadata.Merge(metadataMerge)
	s.workers[id] = w
	return nil
}

func (s *MemoryStore) GetWorkers(_ context.Context, statusFilter ...types.WorkerStatus) ([]types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filter := make(map[types.WorkerStatus]bool, len(statusFilter))
	for _, st := range statusFilter {
		filter[st] = true
	}

	out := make([]types.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		if len(filter) == 0 || filter[w.Status] {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *MemoryStore) CountWorkers(_ context.Context, status types.WorkerStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.workers {
		if w.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetStaleWorkers(_ context.Context, heartbeatCutoff time.Time) ([]types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Worker
	for _, w := range s.workers {
		if w.Status != types.WorkerActive {
			continue
		}
		if w.LastHeartbeat == nil || w.LastHeartbeat.Before(heartbeatCutoff) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetSpawningPastTimeout(_ context.Context, createdCutoff time.Time) ([]types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Worker
	for _, w := range s.workers {
		if w.Status == types.WorkerSpawning && w.CreatedAt.Before(createdCutoff) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetStuckTasks(_ context.Context, startedCutoff time.Time, excludeTaskTypeSubstrings []string) ([]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Task
	for _, t := range s.tasks {
		if t.Status != types.TaskRunning {
			continue
		}
		if t.GenerationStartedAt == nil || !t.GenerationStartedAt.Before(startedCutoff) {
			continue
		}
		if containsAny(strings.ToLower(t.TaskType), excludeTaskTypeSubstrings) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if sub == "" {
			continue
		}
		if strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) HasRunningTasks(_ context.Context, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.WorkerID != nil && *t.WorkerID == workerID && t.Status == types.TaskRunning {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) HasProcessedTasks(_ context.Context, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.WorkerID != nil && *t.WorkerID == workerID && t.Status != types.TaskQueued {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) CountQueued(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == types.TaskQueued {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ResetOrphanedTasks(_ context.Context, failedWorkerIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := make(map[string]bool, len(failedWorkerIDs))
	for _, id := range failedWorkerIDs {
		failed[id] = true
	}

	n := 0
	for id, t := range s.tasks {
		if t.Status != types.TaskRunning || t.WorkerID == nil || !failed[*t.WorkerID] {
			continue
		}
		t.Status = types.TaskQueued
		t.WorkerID = nil
		t.GenerationStartedAt = nil
		s.tasks[id] = t
		n++
	}
	return n, nil
}

func (s *MemoryStore) RecordCycle(_ context.Context, rec types.CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := rec
	s.lastCycle = &r
	return nil
}

// LastCycle returns the most recently recorded cycle record, for tests.
func (s *MemoryStore) LastCycle() *types.CycleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle
}
