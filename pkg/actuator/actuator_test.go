package actuator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/gpuscaler/pkg/config"
	"github.com/fleetops/gpuscaler/pkg/ferrors"
	"github.com/fleetops/gpuscaler/pkg/provider"
	"github.com/fleetops/gpuscaler/pkg/storage"
	"github.com/fleetops/gpuscaler/pkg/types"
)

func baseConfig() *config.Config {
	return &config.Config{
		HeartbeatTimeoutSec:        300,
		ErrorCleanupGracePeriodSec: 600,
		TerminatingTimeoutSec:      300,
	}
}

func newActuatorAt(store storage.Store, client provider.Client, cfg *config.Config, now time.Time) *Actuator {
	a := New(store, client, provider.Template{InstanceType: "a100.small"}, cfg)
	a.now = func() time.Time { return now }
	return a
}

func ptr(t time.Time) *time.Time { return &t }

func TestNewWorkerID(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	id := NewWorkerID(now)
	assert.True(t, strings.HasPrefix(id, "gpu-20260304_050607-"))
	assert.Len(t, id, len("gpu-20260304_050607-")+8)
}

func TestScaleUp_StopsAtFirstFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	client := provider.NewFakeClient()
	client.FailCreate = assert.AnError

	a := newActuatorAt(store, client, baseConfig(), time.Now())
	n := a.ScaleUp(context.Background(), 3)
	assert.Equal(t, 0, n)

	workers, err := store.GetWorkers(context.Background(), types.WorkerError)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Contains(t, workers[0].Metadata.ErrorReason(), "spawn_failed")
}

func TestScaleUp_Success(t *testing.T) {
	store := storage.NewMemoryStore()
	client := provider.NewFakeClient()

	a := newActuatorAt(store, client, baseConfig(), time.Now())
	n := a.ScaleUp(context.Background(), 2)
	assert.Equal(t, 2, n)

	workers, err := store.GetWorkers(context.Background(), types.WorkerSpawning)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	for _, w := range workers {
		assert.NotEmpty(t, w.Metadata.ProviderPodID())
	}
}

func TestSelectScaleDownVictims(t *testing.T) {
	now := time.Now()
	timeouts := []types.Worker{
		{ID: "timeout-new", CreatedAt: now.Add(-time.Minute)},
		{ID: "timeout-old", CreatedAt: now.Add(-time.Hour)},
	}
	active := []types.Worker{
		{ID: "busy", Status: types.WorkerActive, CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "idle-old", Status: types.WorkerActive, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "idle-new", Status: types.WorkerActive, CreatedAt: now.Add(-time.Minute)},
	}
	busy := map[string]bool{"busy": true}

	victims := SelectScaleDownVictims(3, timeouts, active, busy)
	require.Len(t, victims, 3)
	// spawning timeouts first, oldest first; then idle actives oldest first.
	assert.Equal(t, []string{"timeout-old", "timeout-new", "idle-old"}, victimIDs(victims))
}

func TestSelectScaleDownVictims_NeverSelectsBusy(t *testing.T) {
	active := []types.Worker{{ID: "busy", Status: types.WorkerActive, CreatedAt: time.Now()}}
	victims := SelectScaleDownVictims(5, nil, active, map[string]bool{"busy": true})
	assert.Empty(t, victims)
}

func TestTerminateWorker_HappyPath(t *testing.T) {
	store := storage.NewMemoryStore()
	client := provider.NewFakeClient()
	podID, err := client.CreatePod(context.Background(), provider.PodSpec{})
	require.NoError(t, err)

	store.SeedWorker(types.Worker{ID: "w1", Status: types.WorkerActive, CreatedAt: time.Now(),
		Metadata: types.Metadata{"provider_pod_id": podID}})
	store.SeedTask(types.Task{ID: "t1", Status: types.TaskRunning, WorkerID: strPtr("w1")})

	a := newActuatorAt(store, client, baseConfig(), time.Now())
	res := a.ScaleDown(context.Background(), []types.Worker{mustGet(t, store, "w1")})

	assert.Equal(t, 1, res.WorkersTerminated)
	assert.Equal(t, 1, res.TasksReset)

	w := mustGet(t, store, "w1")
	assert.Equal(t, types.WorkerTerminated, w.Status)

	hasRunning, err := store.HasRunningTasks(context.Background(), "w1")
	require.NoError(t, err)
	assert.False(t, hasRunning, "task was reset to Queued")
}

func TestTerminateWorker_TransientProviderFailureLeavesWorkerTerminating(t *testing.T) {
	store := storage.NewMemoryStore()
	client := &failingTerminateClient{FakeClient: provider.NewFakeClient(), err: ferrors.NewTransient("TerminatePod", assert.AnError)}

	store.SeedWorker(types.Worker{ID: "w1", Status: types.WorkerActive, CreatedAt: time.Now(),
		Metadata: types.Metadata{"provider_pod_id": "some-pod"}})

	a := newActuatorAt(store, client, baseConfig(), time.Now())
	res := a.ScaleDown(context.Background(), []types.Worker{mustGet(t, store, "w1")})

	assert.Equal(t, 0, res.WorkersTerminated)
	w := mustGet(t, store, "w1")
	assert.Equal(t, types.WorkerTerminating, w.Status)
}

func TestTerminateWorker_RetryDoesNotRefreshTerminatedAt(t *testing.T) {
	store := storage.NewMemoryStore()
	client := &failingTerminateClient{FakeClient: provider.NewFakeClient(), err: ferrors.NewTransient("TerminatePod", assert.AnError)}

	firstNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SeedWorker(types.Worker{ID: "w1", Status: types.WorkerActive, CreatedAt: firstNow,
		Metadata: types.Metadata{"provider_pod_id": "some-pod"}})

	a := newActuatorAt(store, client, baseConfig(), firstNow)
	a.ScaleDown(context.Background(), []types.Worker{mustGet(t, store, "w1")})

	laterNow := firstNow.Add(time.Hour)
	a.now = func() time.Time { return laterNow }
	a.RetryTerminating(context.Background())

	w := mustGet(t, store, "w1")
	terminatedAt, ok := w.Metadata["terminated_at"].(time.Time)
	require.True(t, ok)
	assert.Equal(t, firstNow, terminatedAt, "retry must not refresh terminated_at")
}

func TestForceCompleteStaleTerminating(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	store.SeedWorker(types.Worker{ID: "stale", Status: types.WorkerTerminating,
		Metadata: types.Metadata{"terminated_at": now.Add(-400 * time.Second)}})
	store.SeedWorker(types.Worker{ID: "recent", Status: types.WorkerTerminating,
		Metadata: types.Metadata{"terminated_at": now.Add(-10 * time.Second)}})

	a := newActuatorAt(store, provider.NewFakeClient(), baseConfig(), now)
	n, err := a.ForceCompleteStaleTerminating(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale := mustGet(t, store, "stale")
	assert.Equal(t, types.WorkerTerminated, stale.Status)
	recent := mustGet(t, store, "recent")
	assert.Equal(t, types.WorkerTerminating, recent.Status)
}

func TestReapErrorWorkers(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	store.SeedWorker(types.Worker{ID: "old-error", Status: types.WorkerError,
		Metadata: types.Metadata{"error_timestamp": now.Add(-700 * time.Second)}})
	store.SeedWorker(types.Worker{ID: "fresh-error", Status: types.WorkerError,
		Metadata: types.Metadata{"error_timestamp": now.Add(-10 * time.Second)}})

	a := newActuatorAt(store, provider.NewFakeClient(), baseConfig(), now)
	res := a.ReapErrorWorkers(context.Background())
	assert.Equal(t, 1, res.WorkersTerminated)

	old := mustGet(t, store, "old-error")
	assert.Equal(t, types.WorkerTerminated, old.Status)
	fresh := mustGet(t, store, "fresh-error")
	assert.Equal(t, types.WorkerError, fresh.Status)
}

func TestPromoteIfReady(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("promotes on fresh heartbeat", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.SeedWorker(types.Worker{ID: "w1", Status: types.WorkerSpawning, LastHeartbeat: ptr(now.Add(-5 * time.Second))})
		a := newActuatorAt(store, provider.NewFakeClient(), baseConfig(), now)

		promoted, err := a.PromoteIfReady(context.Background(), mustGet(t, store, "w1"))
		require.NoError(t, err)
		assert.True(t, promoted)
		assert.Equal(t, types.WorkerActive, mustGet(t, store, "w1").Status)
	})

	t.Run("promotes on processed task without heartbeat", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.SeedWorker(types.Worker{ID: "w1", Status: types.WorkerSpawning})
		store.SeedTask(types.Task{ID: "t1", Status: types.TaskRunning, WorkerID: strPtr("w1")})
		a := newActuatorAt(store, provider.NewFakeClient(), baseConfig(), now)

		promoted, err := a.PromoteIfReady(context.Background(), mustGet(t, store, "w1"))
		require.NoError(t, err)
		assert.True(t, promoted)
	})

	t.Run("does not promote with neither signal", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.SeedWorker(types.Worker{ID: "w1", Status: types.WorkerSpawning})
		a := newActuatorAt(store, provider.NewFakeClient(), baseConfig(), now)

		promoted, err := a.PromoteIfReady(context.Background(), mustGet(t, store, "w1"))
		require.NoError(t, err)
		assert.False(t, promoted)
	})

	t.Run("no-op for non-spawning workers", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.SeedWorker(types.Worker{ID: "w1", Status: types.WorkerActive})
		a := newActuatorAt(store, provider.NewFakeClient(), baseConfig(), now)

		promoted, err := a.PromoteIfReady(context.Background(), mustGet(t, store, "w1"))
		require.NoError(t, err)
		assert.False(t, promoted)
	})
}

func TestHandleStuckTasks(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SeedWorker(types.Worker{ID: "w1", Status: types.WorkerActive})
	store.SeedTask(types.Task{ID: "t1", Status: types.TaskRunning, WorkerID: strPtr("w1")})

	a := newActuatorAt(store, provider.NewFakeClient(), baseConfig(), time.Now())
	reset := a.HandleStuckTasks(context.Background(), []types.Task{{ID: "t1", WorkerID: strPtr("w1")}})
	assert.Equal(t, 1, reset)

	w := mustGet(t, store, "w1")
	assert.Equal(t, types.WorkerError, w.Status)
	assert.Equal(t, "stuck_task", w.Metadata.ErrorReason())
}

func TestHandleSpawningTimeouts(t *testing.T) {
	store := storage.NewMemoryStore()
	client := provider.NewFakeClient()
	podID, _ := client.CreatePod(context.Background(), provider.PodSpec{})
	store.SeedWorker(types.Worker{ID: "w1", Status: types.WorkerSpawning, Metadata: types.Metadata{"provider_pod_id": podID}})

	a := newActuatorAt(store, client, baseConfig(), time.Now())
	res := a.HandleSpawningTimeouts(context.Background(), []types.Worker{mustGet(t, store, "w1")})
	assert.Equal(t, 1, res.WorkersTerminated)

	w := mustGet(t, store, "w1")
	assert.Equal(t, types.WorkerTerminated, w.Status)
}

func TestHandleStaleWorkers_AttachesDiagnostics(t *testing.T) {
	store := storage.NewMemoryStore()
	client := provider.NewFakeClient()
	podID, _ := client.CreatePod(context.Background(), provider.PodSpec{})
	store.SeedWorker(types.Worker{ID: "w1", Status: types.WorkerActive, Metadata: types.Metadata{"provider_pod_id": podID}})

	a := newActuatorAt(store, client, baseConfig(), time.Now())
	a.HandleStaleWorkers(context.Background(), []types.Worker{mustGet(t, store, "w1")})

	w := mustGet(t, store, "w1")
	assert.Equal(t, types.WorkerError, w.Status)
	assert.Equal(t, "heartbeat_timeout", w.Metadata.ErrorReason())
	assert.NotNil(t, w.Metadata["diagnostics"])
}

func victimIDs(workers []types.Worker) []string {
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.ID
	}
	return ids
}

func mustGet(t *testing.T, store *storage.MemoryStore, id string) types.Worker {
	t.Helper()
	w, err := store.GetWorker(context.Background(), id)
	require.NoError(t, err)
	return w
}

func strPtr(s string) *string { return &s }

// failingTerminateClient wraps FakeClient to make TerminatePod fail once
// with a caller-supplied error, for exercising the retry path.
type failingTerminateClient struct {
	*provider.FakeClient
	err error
}

func (f *failingTerminateClient) TerminatePod(ctx context.Context, podID string) error {
	if f.err != nil {
		err := f.err
		f.err = nil
		return err
	}
	return f.FakeClient.TerminatePod(ctx, podID)
}
