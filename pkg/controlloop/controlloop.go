// Package controlloop implements the fixed-cadence observe → decide → act
// → record loop that drives the rest of the control plane. It is a
// process-wide singleton: construct once, run until a shutdown signal,
// then perform a final termination sweep before exit.
package controlloop

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fleetops/gpuscaler/pkg/actuator"
	"github.com/fleetops/gpuscaler/pkg/config"
	"github.com/fleetops/gpuscaler/pkg/health"
	"github.com/fleetops/gpuscaler/pkg/log"
	"github.com/fleetops/gpuscaler/pkg/metrics"
	"github.com/fleetops/gpuscaler/pkg/oracle"
	"github.com/fleetops/gpuscaler/pkg/provider"
	"github.com/fleetops/gpuscaler/pkg/reconciler"
	"github.com/fleetops/gpuscaler/pkg/storage"
	"github.com/fleetops/gpuscaler/pkg/types"
)

// ControlLoop is the process-wide driver. It owns no state beyond the
// monotonic cycle counter: every other value lives in the Store and is
// rebuilt fresh each cycle — no in-memory graph retention across cycles.
type ControlLoop struct {
	store    storage.Store
	provider provider.Client
	oracle   oracle.DemandOracle
	health   *health.Monitor
	actuator *actuator.Actuator
	cfg      *config.Config
	logger   zerolog.Logger

	now         func() time.Time
	cycleNumber int64
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New constructs a ControlLoop from its collaborators.
func New(store storage.Store, providerClient provider.Client, demandOracle oracle.DemandOracle, healthMonitor *health.Monitor, act *actuator.Actuator, cfg *config.Config) *ControlLoop {
	return &ControlLoop{
		store:    store,
		provider: providerClient,
		oracle:   demandOracle,
		health:   healthMonitor,
		actuator: act,
		cfg:      cfg,
		logger:   log.WithComponent("controlloop"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// observation is everything gathered by the observe phase, fanned out
// concurrently across Store, HealthMonitor (which reads the Store) and
// DemandOracle. ProviderClient is not queried here: the only provider
// read is the Actuator's per-worker GetPod when it attaches diagnostics
// to a stale worker.
type observation struct {
	active       []types.Worker
	nSpawning    int
	nError       int
	nTerminating int
	runningTasks []types.Task
	signals      health.Signals

	demand         int
	demandDegraded bool
}

func (c *ControlLoop) observe(ctx context.Context) (observation, error) {
	var obs observation

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		workers, err := c.store.GetWorkers(gctx, types.WorkerActive)
		if err != nil {
			return err
		}
		obs.active = workers
		return nil
	})
	g.Go(func() error {
		n, err := c.store.CountWorkers(gctx, types.WorkerSpawning)
		if err != nil {
			return err
		}
		obs.nSpawning = n
		return nil
	})
	g.Go(func() error {
		n, err := c.store.CountWorkers(gctx, types.WorkerError)
		if err != nil {
			return err
		}
		obs.nError = n
		return nil
	})
	g.Go(func() error {
		n, err := c.store.CountWorkers(gctx, types.WorkerTerminating)
		if err != nil {
			return err
		}
		obs.nTerminating = n
		return nil
	})
	g.Go(func() error {
		signals, err := c.health.Observe(gctx)
		if err != nil {
			return err
		}
		obs.signals = signals
		return nil
	})
	g.Go(func() error {
		demand, err := c.oracle.DispatchableTaskCount(gctx, c.cfg.RunType)
		if err != nil {
			c.logger.Warn().Err(err).Msg("demand oracle unreachable, falling back to raw queued count")
			raw, fallbackErr := c.store.CountQueued(gctx)
			if fallbackErr != nil {
				return fallbackErr
			}
			obs.demand = raw
			obs.demandDegraded = true
			return nil
		}
		obs.demand = demand
		return nil
	})

	if err := g.Wait(); err != nil {
		return observation{}, err
	}
	return obs, nil
}

// busyWorkerIDs derives which active workers currently have a running
// task, used both for the Reconciler's busy count and the Actuator's
// scale-down victim selection.
func (c *ControlLoop) busyWorkerIDs(ctx context.Context, active []types.Worker) (map[string]bool, error) {
	busy := make(map[string]bool, len(active))
	for _, w := range active {
		has, err := c.store.HasRunningTasks(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		if has {
			busy[w.ID] = true
		}
	}
	return busy, nil
}

// RunCycle executes one observe → decide → act → record iteration and
// returns its diagnostic record. Exported so tests can drive a single
// cycle deterministically.
func (c *ControlLoop) RunCycle(ctx context.Context) types.CycleRecord {
	c.cycleNumber++
	cycleNumber := c.cycleNumber
	start := c.now()
	logger := log.WithCycle(cycleNumber)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ObserveBudget())
	defer cancel()

	rec := types.CycleRecord{CycleNumber: cycleNumber, Timestamp: start}

	obs, err := c.observe(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("observe phase failed, cycle truncated")
		rec.Partial = true
		rec.Duration = c.now().Sub(start)
		metrics.CyclesTotal.WithLabelValues("partial").Inc()
		if err := c.store.RecordCycle(ctx, rec); err != nil {
			logger.Error().Err(err).Msg("failed to record cycle heartbeat")
		}
		return rec
	}

	busy, err := c.busyWorkerIDs(ctx, obs.active)
	if err != nil {
		logger.Error().Err(err).Msg("busy-worker lookup failed, cycle truncated")
		rec.Partial = true
		rec.Duration = c.now().Sub(start)
		metrics.CyclesTotal.WithLabelValues("partial").Inc()
		if err := c.store.RecordCycle(ctx, rec); err != nil {
			logger.Error().Err(err).Msg("failed to record cycle heartbeat")
		}
		return rec
	}

	decision := reconciler.Decide(reconciler.Observation{
		NActive:      len(obs.active),
		NSpawning:    obs.nSpawning,
		NError:       obs.nError,
		NTerminating: obs.nTerminating,
		Demand:       obs.demand,
		Busy:         len(busy),
		FailureRate:  obs.signals.FailureRate,
	}, c.cfg)

	act := c.act(ctx, decision, obs, busy, logger)

	rec.NActive = len(obs.active)
	rec.NSpawning = obs.nSpawning
	rec.NError = obs.nError
	rec.NTerminating = obs.nTerminating
	rec.Demand = obs.demand
	rec.DemandDegraded = obs.demandDegraded
	rec.Busy = len(busy)
	rec.Desired = decision.ClampedDesired
	rec.Delta = decision.Delta
	rec.ScaleUpBlocked = decision.ScaleUpBlocked
	rec.WorkersSpawned = act.WorkersSpawned
	rec.WorkersTerminated = act.WorkersTerminated
	rec.TasksReset = act.TasksReset
	rec.FailureRate = obs.signals.FailureRate
	rec.Duration = c.now().Sub(start)

	c.recordCycle(ctx, rec, logger)
	return rec
}

// act applies the decision and every forced-intervention list the
// HealthMonitor produced. Mutations are serialized; only the read-only
// observe phase fans out concurrently.
func (c *ControlLoop) act(ctx context.Context, decision reconciler.Decision, obs observation, busy map[string]bool, logger zerolog.Logger) actuator.Result {
	var total actuator.Result

	switch {
	case decision.Delta > 0:
		spawned := c.actuator.ScaleUp(ctx, decision.Delta)
		total.WorkersSpawned += spawned
	case decision.Delta < 0:
		victims := actuator.SelectScaleDownVictims(-decision.Delta, obs.signals.SpawningTimeouts, obs.active, busy)
		res := c.actuator.ScaleDown(ctx, victims)
		total.WorkersTerminated += res.WorkersTerminated
		total.TasksReset += res.TasksReset
	}

	spawnTimeoutRes := c.actuator.HandleSpawningTimeouts(ctx, obs.signals.SpawningTimeouts)
	total.WorkersTerminated += spawnTimeoutRes.WorkersTerminated
	total.TasksReset += spawnTimeoutRes.TasksReset

	c.actuator.HandleStaleWorkers(ctx, obs.signals.StaleWorkers)

	total.TasksReset += c.actuator.HandleStuckTasks(ctx, obs.signals.StuckTasks)

	reapRes := c.actuator.ReapErrorWorkers(ctx)
	total.WorkersTerminated += reapRes.WorkersTerminated
	total.TasksReset += reapRes.TasksReset

	retryRes := c.actuator.RetryTerminating(ctx)
	total.WorkersTerminated += retryRes.WorkersTerminated
	total.TasksReset += retryRes.TasksReset

	if n, err := c.actuator.ForceCompleteStaleTerminating(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to force-complete stale terminating workers")
	} else {
		total.WorkersTerminated += n
	}

	c.promoteSpawningWorkers(ctx, logger)

	return total
}

func (c *ControlLoop) promoteSpawningWorkers(ctx context.Context, logger zerolog.Logger) {
	spawning, err := c.store.GetWorkers(ctx, types.WorkerSpawning)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list spawning workers for promotion")
		return
	}
	for _, w := range spawning {
		promoted, err := c.actuator.PromoteIfReady(ctx, w)
		if err != nil {
			logger.Error().Err(err).Str("worker_id", w.ID).Msg("promotion check failed")
			continue
		}
		if promoted {
			logger.Info().Str("worker_id", w.ID).Msg("worker promoted to active")
		}
	}
}

func (c *ControlLoop) recordCycle(ctx context.Context, rec types.CycleRecord, logger zerolog.Logger) {
	event := logger.Info()
	event.Int("n_active", rec.NActive).
		Int("n_spawning", rec.NSpawning).
		Int("n_error", rec.NError).
		Int("n_terminating", rec.NTerminating).
		Int("demand", rec.Demand).
		Bool("demand_degraded", rec.DemandDegraded).
		Int("busy", rec.Busy).
		Int("desired", rec.Desired).
		Int("delta", rec.Delta).
		Int("workers_spawned", rec.WorkersSpawned).
		Int("workers_terminated", rec.WorkersTerminated).
		Int("tasks_reset", rec.TasksReset).
		Dur("duration", rec.Duration)
	if rec.ScaleUpBlocked != "" {
		event.Str("scale_up_blocked", rec.ScaleUpBlocked)
	}
	if rec.FailureRate != nil {
		event.Float64("failure_rate", *rec.FailureRate)
	}
	event.Msg("cycle complete")

	metrics.CycleDuration.Observe(rec.Duration.Seconds())
	metrics.CyclesTotal.WithLabelValues("ok").Inc()
	metrics.DesiredWorkers.Set(float64(rec.Desired))
	metrics.Demand.Set(float64(rec.Demand))
	if rec.DemandDegraded {
		metrics.DemandDegraded.Set(1)
	} else {
		metrics.DemandDegraded.Set(0)
	}
	if rec.ScaleUpBlocked != "" {
		metrics.ScaleUpBlockedTotal.WithLabelValues(rec.ScaleUpBlocked).Inc()
	}
	metrics.WorkersTotal.WithLabelValues("active").Set(float64(rec.NActive))
	metrics.WorkersTotal.WithLabelValues("spawning").Set(float64(rec.NSpawning))
	metrics.WorkersTotal.WithLabelValues("error").Set(float64(rec.NError))
	metrics.WorkersTotal.WithLabelValues("terminating").Set(float64(rec.NTerminating))

	if err := c.store.RecordCycle(ctx, rec); err != nil {
		logger.Error().Err(err).Msg("failed to record cycle heartbeat")
	}
}

// Run drives the ticker loop: fixed-cadence, no drift. next_tick is always
// cycle_start + POLL_INTERVAL regardless of how long the cycle took; an
// overrunning cycle is logged and the loop proceeds to the next tick
// immediately instead of queuing up a backlog.
func (c *ControlLoop) Run(ctx context.Context) {
	defer close(c.doneCh)

	interval := c.cfg.PollInterval()

	for {
		select {
		case <-c.stopCh:
			c.finalSweep()
			return
		default:
		}

		cycleStart := c.now()
		c.RunCycle(ctx)
		elapsed := c.now().Sub(cycleStart)
		if elapsed > interval {
			c.logger.Warn().Dur("elapsed", elapsed).Dur("interval", interval).Msg("cycle overran poll interval, proceeding immediately")
		}

		sleepFor := interval - elapsed
		if sleepFor < 0 {
			sleepFor = 0
		}
		select {
		case <-c.stopCh:
			c.finalSweep()
			return
		case <-time.After(sleepFor):
		}
	}
}

func (c *ControlLoop) finalSweep() {
	c.logger.Info().Msg("control loop stopping, running final termination sweep")
	sweepCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ObserveBudget())
	defer cancel()
	c.actuator.RetryTerminating(sweepCtx)
}

// Stop requests a graceful shutdown. It returns once Run has completed its
// final termination sweep and exited.
func (c *ControlLoop) Stop() {
	close(c.stopCh)
	<-c.doneCh
}
