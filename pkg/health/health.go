// Package health derives failure signals from a Store snapshot: stale
// heartbeats, stuck running tasks, spawning timeouts, and the recent-window
// failure rate. Every signal is a pure function of Store state plus an
// injectable clock, so the Reconciler and Actuator can be tested against
// deterministic fixtures.
package health

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetops/gpuscaler/pkg/config"
	"github.com/fleetops/gpuscaler/pkg/log"
	"github.com/fleetops/gpuscaler/pkg/metrics"
	"github.com/fleetops/gpuscaler/pkg/storage"
	"github.com/fleetops/gpuscaler/pkg/types"
)

// Signals bundles the four outputs HealthMonitor computes for one cycle.
type Signals struct {
	StaleWorkers     []types.Worker
	StuckTasks       []types.Task
	SpawningTimeouts []types.Worker

	// FailureRate is nil when the recent window doesn't contain at least
	// MIN_SAMPLES_FOR_RATE workers — the rate is undefined, not zero.
	FailureRate *float64
}

// Monitor computes health signals against a Store.
type Monitor struct {
	store  storage.Store
	cfg    *config.Config
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Monitor over store, using cfg's configured timeouts and
// windows.
func New(store storage.Store, cfg *config.Config) *Monitor {
	return &Monitor{
		store:  store,
		cfg:    cfg,
		logger: log.WithComponent("health"),
		now:    time.Now,
	}
}

// Observe gathers all four signals for the current moment.
func (m *Monitor) Observe(ctx context.Context) (Signals, error) {
	now := m.now()

	stale, err := m.StaleWorkers(ctx, now)
	if err != nil {
		return Signals{}, err
	}
	stuck, err := m.StuckTasks(ctx, now)
	if err != nil {
		return Signals{}, err
	}
	spawning, err := m.SpawningTimeouts(ctx, now)
	if err != nil {
		return Signals{}, err
	}
	rate, err := m.FailureRate(ctx, now)
	if err != nil {
		return Signals{}, err
	}

	m.logger.Debug().
		Int("stale_workers", len(stale)).
		Int("stuck_tasks", len(stuck)).
		Int("spawning_timeouts", len(spawning)).
		Msg("health signals observed")

	return Signals{
		StaleWorkers:     stale,
		StuckTasks:       stuck,
		SpawningTimeouts: spawning,
		FailureRate:      rate,
	}, nil
}

// StaleWorkers returns active workers whose last heartbeat (or absence of
// one) is older than HEARTBEAT_TIMEOUT.
func (m *Monitor) StaleWorkers(ctx context.Context, now time.Time) ([]types.Worker, error) {
	timer := metrics.NewTimer()
	cutoff := now.Add(-m.cfg.HeartbeatTimeout())
	workers, err := m.store.GetStaleWorkers(ctx, cutoff)
	timer.ObserveDurationVec(metrics.StoreCallDuration, "get_stale_workers", outcomeOf(err))
	return workers, err
}

// StuckTasks returns Running tasks whose generation_started_at is older
// than STUCK_TASK_TIMEOUT and whose task_type doesn't match one of the
// configured orchestrator-task markers.
func (m *Monitor) StuckTasks(ctx context.Context, now time.Time) ([]types.Task, error) {
	timer := metrics.NewTimer()
	cutoff := now.Add(-m.cfg.StuckTaskTimeout())
	tasks, err := m.store.GetStuckTasks(ctx, cutoff, m.cfg.OrchestratorTaskMarkers)
	timer.ObserveDurationVec(metrics.StoreCallDuration, "get_stuck_tasks", outcomeOf(err))
	return tasks, err
}

// SpawningTimeouts returns workers stuck in spawning past SPAWN_TIMEOUT.
func (m *Monitor) SpawningTimeouts(ctx context.Context, now time.Time) ([]types.Worker, error) {
	timer := metrics.NewTimer()
	cutoff := now.Add(-m.cfg.SpawnTimeout())
	workers, err := m.store.GetSpawningPastTimeout(ctx, cutoff)
	timer.ObserveDurationVec(metrics.StoreCallDuration, "get_spawning_past_timeout", outcomeOf(err))
	return workers, err
}

// heartbeatOrStuckFailure reports whether a worker's error metadata
// indicates the failure came from a heartbeat loss or a stuck task, as
// opposed to a spawn failure or operator-initiated drain. Only these count
// toward the recent-window failure rate.
func heartbeatOrStuckFailure(w types.Worker) bool {
	if w.Status != types.WorkerError && w.Status != types.WorkerTerminated {
		return false
	}
	reason := strings.ToLower(w.Metadata.ErrorReason())
	return strings.Contains(reason, "heartbeat") || strings.Contains(reason, "stuck")
}

// FailureRate computes the fraction of workers created within
// FAILURE_WINDOW that ended in error/terminated with a heartbeat- or
// stuck-task-classified failure. Returns nil if the window contains fewer
// than MIN_SAMPLES_FOR_RATE workers — the rate is undefined, not zero.
func (m *Monitor) FailureRate(ctx context.Context, now time.Time) (*float64, error) {
	timer := metrics.NewTimer()
	all, err := m.store.GetWorkers(ctx)
	timer.ObserveDurationVec(metrics.StoreCallDuration, "get_workers", outcomeOf(err))
	if err != nil {
		return nil, err
	}

	windowStart := now.Add(-m.cfg.FailureWindow())
	var sample, failed int
	for _, w := range all {
		if w.CreatedAt.Before(windowStart) {
			continue
		}
		sample++
		if heartbeatOrStuckFailure(w) {
			failed++
		}
	}

	if sample < m.cfg.MinSamplesForRate {
		metrics.FailureRate.Set(-1)
		return nil, nil
	}

	rate := float64(failed) / float64(sample)
	metrics.FailureRate.Set(rate)
	return &rate, nil
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
