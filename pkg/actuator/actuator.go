// Package actuator applies the Reconciler's scale delta and the
// HealthMonitor's forced-termination lists to the Store and ProviderClient:
// scale-up, scale-down victim selection, forced termination, promotion,
// and the four-step termination sequence.
package actuator

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetops/gpuscaler/pkg/config"
	"github.com/fleetops/gpuscaler/pkg/ferrors"
	"github.com/fleetops/gpuscaler/pkg/log"
	"github.com/fleetops/gpuscaler/pkg/metrics"
	"github.com/fleetops/gpuscaler/pkg/provider"
	"github.com/fleetops/gpuscaler/pkg/storage"
	"github.com/fleetops/gpuscaler/pkg/types"
)

// Actuator is the only component that calls ProviderClient.CreatePod and
// ProviderClient.TerminatePod, and the only component that writes worker
// status transitions.
type Actuator struct {
	store    storage.Store
	provider provider.Client
	template provider.Template
	cfg      *config.Config
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs an Actuator over store and provider, rendering new pod
// specs from template.
func New(store storage.Store, providerClient provider.Client, template provider.Template, cfg *config.Config) *Actuator {
	return &Actuator{
		store:    store,
		provider: providerClient,
		template: template,
		cfg:      cfg,
		logger:   log.WithComponent("actuator"),
		now:      time.Now,
	}
}

// Result summarizes what one call to Apply actually did, for the cycle
// record.
type Result struct {
	WorkersSpawned    int
	WorkersTerminated int
	TasksReset        int
}

// NewWorkerID generates a worker id embedding a monotonic creation
// timestamp for tie-breaking, in the `gpu-<YYYYMMDD_HHMMSS>-<8 hex chars>`
// shape.
func NewWorkerID(now time.Time) string {
	ts := now.UTC().Format("20060102_150405")
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return "gpu-" + ts + "-" + suffix
}

// ScaleUp provisions n new workers in sequence, stopping at the first
// provider failure to avoid cascading failure within one cycle. It
// returns the number successfully spawned.
func (a *Actuator) ScaleUp(ctx context.Context, n int) int {
	spawned := 0
	for i := 0; i < n; i++ {
		id := NewWorkerID(a.now())
		if err := a.store.CreateWorker(ctx, id, a.template.InstanceType, nil); err != nil {
			a.logger.Error().Err(err).Str("worker_id", id).Msg("failed to insert spawning worker row")
			break
		}

		spec := a.template.Spec(map[string]string{"gpuscaler.worker_id": id})
		podID, err := a.provider.CreatePod(ctx, spec)
		if err != nil {
			a.logger.Error().Err(err).Str("worker_id", id).Msg("spawn failed, marking worker error")
			_ = a.store.UpdateWorkerStatus(ctx, id, types.WorkerError, types.Metadata{
				"error_reason":    "spawn_failed:" + err.Error(),
				"error_timestamp": a.now(),
			})
			metrics.SpawnFailuresTotal.Inc()
			break // do not attempt further spawns this cycle
		}

		if err := a.store.UpdateWorkerStatus(ctx, id, types.WorkerSpawning, types.Metadata{"provider_pod_id": podID}); err != nil {
			a.logger.Error().Err(err).Str("worker_id", id).Msg("failed to record provider pod id")
		}

		a.logger.Info().Str("worker_id", id).Str("pod_id", podID).Msg("worker spawning")
		metrics.WorkersSpawnedTotal.Inc()
		spawned++
	}
	return spawned
}

// SelectScaleDownVictims implements the victim-selection policy:
// spawning-past-timeout workers first, then idle active workers
// oldest-created first. busy maps worker id -> has a running task.
func SelectScaleDownVictims(n int, spawningTimeouts, active []types.Worker, busy map[string]bool) []types.Worker {
	if n <= 0 {
		return nil
	}

	timeouts := append([]types.Worker(nil), spawningTimeouts...)
	sort.Slice(timeouts, func(i, j int) bool { return timeouts[i].CreatedAt.Before(timeouts[j].CreatedAt) })

	var idle []types.Worker
	for _, w := range active {
		if w.Status == types.WorkerActive && !busy[w.ID] {
			idle = append(idle, w)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].CreatedAt.Before(idle[j].CreatedAt) })

	victims := make([]types.Worker, 0, n)
	for _, w := range timeouts {
		if len(victims) >= n {
			break
		}
		victims = append(victims, w)
	}
	for _, w := range idle {
		if len(victims) >= n {
			break
		}
		victims = append(victims, w)
	}
	return victims
}

// ScaleDown runs the termination sequence for each victim. A worker with a
// running task is never among victims selected by SelectScaleDownVictims;
// ScaleDown itself never re-checks that invariant, trusting the selection
// that already happened this cycle — the Actuator never re-reads Store
// state mid-cycle.
func (a *Actuator) ScaleDown(ctx context.Context, victims []types.Worker) Result {
	var res Result
	for _, w := range victims {
		reset, err := a.terminateWorker(ctx, w)
		res.TasksReset += reset
		if err != nil {
			a.logger.Error().Err(err).Str("worker_id", w.ID).Msg("scale-down termination failed")
			continue
		}
		res.WorkersTerminated++
	}
	return res
}

// terminateWorker runs the four-step termination sequence: mark
// terminating, reset orphaned tasks (happens-before provider termination),
// call the provider, then mark terminated.
// If the provider call fails transiently, step 4 is deferred to the next
// cycle and the worker is left in `terminating`.
func (a *Actuator) terminateWorker(ctx context.Context, w types.Worker) (int, error) {
	if w.Status != types.WorkerTerminating {
		// First entry into the sequence: stamp terminated_at once. A retry
		// of an already-terminating row (RetryTerminating) must not
		// refresh this timestamp, or ForceCompleteStaleTerminating's
		// timeout would never fire.
		if err := a.store.UpdateWorkerStatus(ctx, w.ID, types.WorkerTerminating, types.Metadata{"terminated_at": a.now()}); err != nil {
			return 0, err
		}
	}

	reset, err := a.store.ResetOrphanedTasks(ctx, []string{w.ID})
	if err != nil {
		a.logger.Error().Err(err).Str("worker_id", w.ID).Msg("failed to reset orphaned tasks before termination")
	}
	metrics.TasksResetTotal.Add(float64(reset))

	podID := w.Metadata.ProviderPodID()
	if podID != "" {
		if err := a.provider.TerminatePod(ctx, podID); err != nil {
			if !ferrors.IsTransient(err) {
				a.logger.Error().Err(err).Str("worker_id", w.ID).Msg("non-transient terminate failure, marking error")
				_ = a.store.UpdateWorkerStatus(ctx, w.ID, types.WorkerError, types.Metadata{
					"error_reason":    "terminate_failed:" + err.Error(),
					"error_timestamp": a.now(),
				})
				return reset, err
			}
			// Transient: leave the row in `terminating`; retried next cycle.
			return reset, err
		}
	}

	if err := a.store.UpdateWorkerStatus(ctx, w.ID, types.WorkerTerminated, types.Metadata{}); err != nil {
		return reset, err
	}
	metrics.WorkersTerminatedTotal.Inc()
	a.logger.Info().Str("worker_id", w.ID).Msg("worker terminated")
	return reset, nil
}

// RetryTerminating re-attempts the provider-termination step for every
// worker still in `terminating` (step 3 deferred from a prior cycle after a
// transient provider failure). Also used, unmodified, as the process's
// final termination sweep before exit.
func (a *Actuator) RetryTerminating(ctx context.Context) Result {
	var res Result
	workers, err := a.store.GetWorkers(ctx, types.WorkerTerminating)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to list terminating workers")
		return res
	}
	for _, w := range workers {
		reset, err := a.terminateWorker(ctx, w)
		res.TasksReset += reset
		if err != nil {
			continue
		}
		res.WorkersTerminated++
	}
	return res
}

// ForceCompleteStaleTerminating forces any worker stuck in `terminating`
// for more than TERMINATING_TIMEOUT to `terminated`, with an error
// metadata note.
func (a *Actuator) ForceCompleteStaleTerminating(ctx context.Context) (int, error) {
	workers, err := a.store.GetWorkers(ctx, types.WorkerTerminating)
	if err != nil {
		return 0, err
	}

	cutoff := a.now().Add(-a.cfg.TerminatingTimeout())
	n := 0
	for _, w := range workers {
		terminatedAt, ok := w.Metadata["terminated_at"].(time.Time)
		if !ok || terminatedAt.After(cutoff) {
			continue
		}
		if err := a.store.UpdateWorkerStatus(ctx, w.ID, types.WorkerTerminated, types.Metadata{
			"error_reason": "forced_terminating_timeout",
		}); err != nil {
			a.logger.Error().Err(err).Str("worker_id", w.ID).Msg("failed to force-complete stale terminating worker")
			continue
		}
		metrics.WorkersTerminatedTotal.Inc()
		n++
	}
	return n, nil
}

// ReapErrorWorkers terminates `error` workers whose error_timestamp is
// older than ERROR_CLEANUP_GRACE_PERIOD.
func (a *Actuator) ReapErrorWorkers(ctx context.Context) Result {
	var res Result
	workers, err := a.store.GetWorkers(ctx, types.WorkerError)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to list error workers")
		return res
	}

	cutoff := a.now().Add(-a.cfg.ErrorCleanupGracePeriod())
	for _, w := range workers {
		errTimestamp, ok := w.Metadata["error_timestamp"].(time.Time)
		if !ok || errTimestamp.After(cutoff) {
			continue
		}
		reset, err := a.terminateWorker(ctx, w)
		res.TasksReset += reset
		if err != nil {
			continue
		}
		res.WorkersTerminated++
	}
	return res
}

// HandleSpawningTimeouts transitions workers stuck in `spawning` past
// SPAWN_TIMEOUT to `error`, then immediately runs the termination
// sequence — the provider may or may not have a pod for them yet.
func (a *Actuator) HandleSpawningTimeouts(ctx context.Context, workers []types.Worker) Result {
	var res Result
	now := a.now()
	for _, w := range workers {
		if err := a.store.UpdateWorkerStatus(ctx, w.ID, types.WorkerError, types.Metadata{
			"error_reason":    "spawn_timeout",
			"error_timestamp": now,
		}); err != nil {
			a.logger.Error().Err(err).Str("worker_id", w.ID).Msg("failed to mark spawning-timeout worker as error")
			continue
		}
		w.Status = types.WorkerError
		reset, err := a.terminateWorker(ctx, w)
		res.TasksReset += reset
		if err != nil {
			continue
		}
		res.WorkersTerminated++
	}
	return res
}

// HandleStaleWorkers transitions stale (heartbeat-lost) active workers to
// `error`, optionally attaching a best-effort diagnostics snapshot from the
// provider's last-known pod status first. The diagnostics collection
// never blocks or fails the transition.
func (a *Actuator) HandleStaleWorkers(ctx context.Context, workers []types.Worker) {
	now := a.now()
	for _, w := range workers {
		meta := types.Metadata{
			"error_reason":    "heartbeat_timeout",
			"error_timestamp": now,
		}
		if podID := w.Metadata.ProviderPodID(); podID != "" {
			if status, err := a.provider.GetPod(ctx, podID); err == nil {
				meta["diagnostics"] = map[string]any{
					"actual_status": status.ActualStatus,
					"uptime_s":      status.UptimeSeconds,
					"cost_per_hr":   status.CostPerHour,
				}
			}
		}
		if err := a.store.UpdateWorkerStatus(ctx, w.ID, types.WorkerError, meta); err != nil {
			a.logger.Error().Err(err).Str("worker_id", w.ID).Msg("failed to mark stale worker as error")
		}
	}
}

// HandleStuckTasks resets each stuck task's worker via ResetOrphanedTasks
// and transitions that worker to `error`.
func (a *Actuator) HandleStuckTasks(ctx context.Context, stuckTasks []types.Task) int {
	now := a.now()
	seen := make(map[string]bool)
	reset := 0
	for _, t := range stuckTasks {
		if t.WorkerID == nil || seen[*t.WorkerID] {
			continue
		}
		seen[*t.WorkerID] = true

		n, err := a.store.ResetOrphanedTasks(ctx, []string{*t.WorkerID})
		if err != nil {
			a.logger.Error().Err(err).Str("worker_id", *t.WorkerID).Msg("failed to reset stuck task")
			continue
		}
		reset += n
		metrics.TasksResetTotal.Add(float64(n))

		if err := a.store.UpdateWorkerStatus(ctx, *t.WorkerID, types.WorkerError, types.Metadata{
			"error_reason":    "stuck_task",
			"error_timestamp": now,
		}); err != nil {
			a.logger.Error().Err(err).Str("worker_id", *t.WorkerID).Msg("failed to mark stuck-task worker as error")
		}
	}
	return reset
}

// PromoteIfReady transitions a `spawning` worker to `active` the first
// time either condition holds: a recent heartbeat, or at least one
// claimed (non-Queued) task. Returns whether it promoted.
func (a *Actuator) PromoteIfReady(ctx context.Context, w types.Worker) (bool, error) {
	if w.Status != types.WorkerSpawning {
		return false, nil
	}

	heartbeatFresh := w.LastHeartbeat != nil && w.LastHeartbeat.After(a.now().Add(-a.cfg.HeartbeatTimeout()))
	if !heartbeatFresh {
		processed, err := a.store.HasProcessedTasks(ctx, w.ID)
		if err != nil {
			return false, err
		}
		if !processed {
			return false, nil
		}
	}

	if err := a.store.UpdateWorkerStatus(ctx, w.ID, types.WorkerActive, types.Metadata{
		"promoted_to_active_at": a.now(),
	}); err != nil {
		return false, err
	}
	return true, nil
}
