/*
Package metrics provides Prometheus metrics collection and exposition for
gpuscaler, plus the /healthz process-health endpoint and the background
Collector that keeps it current between control loop cycles.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Fleet state:  worker counts by status      │          │
	│  │  Decision:     desired, demand, failure_rate │          │
	│  │  Actuation:    spawned/terminated/reset      │          │
	│  │  External I/O: provider/store/oracle call   │          │
	│  │                latency                       │          │
	│  │  Control loop: cycle duration, outcome       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │    /metrics (Prometheus) & /healthz         │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

Fleet state (gauges, set once per cycle by pkg/controlloop):

  - gpuscaler_workers_total{status}: non-terminal worker rows by status
    (spawning/active/error/terminating); terminated rows are not counted
  - gpuscaler_desired_workers: the reconciler's d_clamped for the last cycle
  - gpuscaler_demand: DispatchableTaskCount (or the degraded fallback) for
    the last cycle
  - gpuscaler_demand_degraded: 1 if the last cycle fell back to raw queued
    count, 0 otherwise
  - gpuscaler_failure_rate: the recent-window failure rate, or -1 if
    undefined (fewer than MIN_SAMPLES_FOR_RATE workers in the window)

Actuation (counters, incremented by pkg/actuator via pkg/controlloop):

  - gpuscaler_scale_up_blocked_total{reason}: cycles where scale-up was
    suppressed, by reason ("failure_rate", "max_cap")
  - gpuscaler_workers_spawned_total: CreatePod calls issued
  - gpuscaler_workers_terminated_total: workers that reached terminated
  - gpuscaler_tasks_reset_total: orphaned tasks reset to Queued
  - gpuscaler_spawn_failures_total: CreatePod calls that failed

External call latency (histograms, observed via the Timer helper):

  - gpuscaler_provider_call_duration_seconds{operation, outcome}
  - gpuscaler_store_call_duration_seconds{operation, outcome}
  - gpuscaler_oracle_call_duration_seconds

Control loop:

  - gpuscaler_cycle_duration_seconds
  - gpuscaler_cycles_total{outcome} ("ok" or "partial", the latter when the
    observe phase or the busy-worker lookup failed, by an error or the
    cycle deadline, and the cycle was truncated)

# Usage

	timer := metrics.NewTimer()
	pods, err := client.ListPods(ctx)
	timer.ObserveDurationVec(metrics.ProviderCallDuration, "list_pods", outcome(err))

	metrics.WorkersTotal.WithLabelValues("active").Set(float64(rec.NActive))
	metrics.ScaleUpBlockedTotal.WithLabelValues("failure_rate").Inc()

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/healthz", metrics.HealthHandler())
	http.HandleFunc("/readyz", metrics.ReadyHandler())

# Health Checker

RegisterComponent/GetHealth/GetReadiness track liveness of the three
capabilities the control loop depends on each cycle: "store", "provider",
"oracle" (see pkg/storage, pkg/provider, pkg/oracle). Collector (see
collector.go) is what updates them: it probes each one on a fixed interval
independent of the cycle cadence, so /healthz stays current even during a
long-running or truncated cycle. The control loop itself does not write
component health.

# Design Patterns

Package Init Registration: all metric vars are registered in init();
MustRegister panics on duplicate registration, which is the point — a
typo'd duplicate name fails fast at process start, not silently at scrape
time.

Label Discipline: labels are bounded sets (status, outcome, reason) that
fit in a handful of values; worker/task ids are never used as label
values since `MAX_ACTIVE_GPUS` bounds their count but not their churn,
which would otherwise blow up cardinality over the process lifetime.
*/
package metrics
