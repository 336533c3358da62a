package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/gpuscaler/pkg/config"
	"github.com/fleetops/gpuscaler/pkg/storage"
	"github.com/fleetops/gpuscaler/pkg/types"
)

func baseConfig() *config.Config {
	return &config.Config{
		HeartbeatTimeoutSec: 300,
		SpawnTimeoutSec:     300,
		StuckTaskTimeoutSec: 600,
		FailureWindowSec:    1800,
		MinSamplesForRate:   3,
	}
}

func newMonitorAt(store storage.Store, cfg *config.Config, now time.Time) *Monitor {
	m := New(store, cfg)
	m.now = func() time.Time { return now }
	return m
}

func ptr(t time.Time) *time.Time { return &t }

func TestMonitor_StaleWorkers(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	store.SeedWorker(types.Worker{ID: "fresh", Status: types.WorkerActive, LastHeartbeat: ptr(now.Add(-10 * time.Second))})
	store.SeedWorker(types.Worker{ID: "stale", Status: types.WorkerActive, LastHeartbeat: ptr(now.Add(-400 * time.Second))})
	store.SeedWorker(types.Worker{ID: "never-reported", Status: types.WorkerActive, LastHeartbeat: nil})
	store.SeedWorker(types.Worker{ID: "spawning-stale-heartbeat", Status: types.WorkerSpawning, LastHeartbeat: ptr(now.Add(-999 * time.Second))})

	m := newMonitorAt(store, baseConfig(), now)
	stale, err := m.StaleWorkers(context.Background(), now)
	require.NoError(t, err)

	ids := idSet(stale)
	assert.True(t, ids["stale"])
	assert.True(t, ids["never-reported"])
	assert.False(t, ids["fresh"])
	assert.False(t, ids["spawning-stale-heartbeat"], "only active workers count")
}

func TestMonitor_StuckTasks(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	store.SeedTask(types.Task{ID: "stuck", Status: types.TaskRunning, TaskType: "generate", GenerationStartedAt: ptr(now.Add(-700 * time.Second))})
	store.SeedTask(types.Task{ID: "fresh", Status: types.TaskRunning, TaskType: "generate", GenerationStartedAt: ptr(now.Add(-10 * time.Second))})
	store.SeedTask(types.Task{ID: "orchestrator", Status: types.TaskRunning, TaskType: "fleet_orchestrator", GenerationStartedAt: ptr(now.Add(-700 * time.Second))})

	cfg := baseConfig()
	cfg.OrchestratorTaskMarkers = []string{"_orchestrator", "orchestrator"}
	m := newMonitorAt(store, cfg, now)

	stuck, err := m.StuckTasks(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "stuck", stuck[0].ID)
}

func TestMonitor_SpawningTimeouts(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	store.SeedWorker(types.Worker{ID: "timed-out", Status: types.WorkerSpawning, CreatedAt: now.Add(-400 * time.Second)})
	store.SeedWorker(types.Worker{ID: "still-spawning", Status: types.WorkerSpawning, CreatedAt: now.Add(-10 * time.Second)})
	store.SeedWorker(types.Worker{ID: "active-old", Status: types.WorkerActive, CreatedAt: now.Add(-400 * time.Second)})

	m := newMonitorAt(store, baseConfig(), now)
	timeouts, err := m.SpawningTimeouts(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, timeouts, 1)
	assert.Equal(t, "timed-out", timeouts[0].ID)
}

func TestMonitor_FailureRate(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("below minimum samples is undefined", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.SeedWorker(types.Worker{ID: "w1", Status: types.WorkerError, CreatedAt: now.Add(-time.Minute),
			Metadata: types.Metadata{"error_reason": "heartbeat_timeout"}})

		m := newMonitorAt(store, baseConfig(), now)
		rate, err := m.FailureRate(context.Background(), now)
		require.NoError(t, err)
		assert.Nil(t, rate)
	})

	t.Run("only heartbeat and stuck classified failures count", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.SeedWorker(types.Worker{ID: "w1", Status: types.WorkerError, CreatedAt: now.Add(-time.Minute),
			Metadata: types.Metadata{"error_reason": "heartbeat_timeout"}})
		store.SeedWorker(types.Worker{ID: "w2", Status: types.WorkerError, CreatedAt: now.Add(-time.Minute),
			Metadata: types.Metadata{"error_reason": "stuck_task"}})
		store.SeedWorker(types.Worker{ID: "w3", Status: types.WorkerError, CreatedAt: now.Add(-time.Minute),
			Metadata: types.Metadata{"error_reason": "spawn_failed:quota exceeded"}})

		m := newMonitorAt(store, baseConfig(), now)
		rate, err := m.FailureRate(context.Background(), now)
		require.NoError(t, err)
		require.NotNil(t, rate)
		assert.InDelta(t, 2.0/3.0, *rate, 0.0001)
	})

	t.Run("workers outside the window are excluded", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.SeedWorker(types.Worker{ID: "w1", Status: types.WorkerError, CreatedAt: now.Add(-time.Minute),
			Metadata: types.Metadata{"error_reason": "heartbeat_timeout"}})
		store.SeedWorker(types.Worker{ID: "w2", Status: types.WorkerActive, CreatedAt: now.Add(-time.Minute)})
		store.SeedWorker(types.Worker{ID: "w3", Status: types.WorkerActive, CreatedAt: now.Add(-time.Minute)})
		store.SeedWorker(types.Worker{ID: "old", Status: types.WorkerError, CreatedAt: now.Add(-2 * time.Hour),
			Metadata: types.Metadata{"error_reason": "heartbeat_timeout"}})

		m := newMonitorAt(store, baseConfig(), now)
		rate, err := m.FailureRate(context.Background(), now)
		require.NoError(t, err)
		require.NotNil(t, rate)
		assert.InDelta(t, 1.0/3.0, *rate, 0.0001)
	})
}

func idSet(workers []types.Worker) map[string]bool {
	out := make(map[string]bool, len(workers))
	for _, w := range workers {
		out[w.ID] = true
	}
	return out
}
