/*
Package log provides structured logging for gpuscaler using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions
for the control loop's cycle-scoped and worker-scoped log lines. All logs
include timestamps and support filtering by severity for production use.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout or custom writer          │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("actuator")                 │          │
	│  │  - WithCycle(cycleNumber)                    │          │
	│  │  - WithWorkerID("gpu-...-a1b2")              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │  {"level":"info","component":"actuator",    │          │
	│  │   "worker_id":"gpu-...","pod_id":"...",     │          │
	│  │   "time":"...","message":"worker spawning"} │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance, initialized once via Init()
  - Accessible from every gpuscaler package without threading it through
    constructors

Log Levels:
  - Debug: per-subquery detail (candidate workers considered, raw oracle
    response)
  - Info: cycle summaries, worker lifecycle transitions
  - Warn: degraded-input conditions (oracle unreachable, cycle overran the
    poll interval)
  - Error: failed mutations that the loop recovered from, truncated cycles
  - Fatal: unrecoverable init errors only (missing config, no datastore)

Context Loggers:
  - WithComponent: tags every line from one package (actuator, health,
    controlloop, provider); reconciler, storage and oracle do not log
  - WithCycle: tags every line from one control loop cycle with its
    cycle_number, so a single cycle's scattered log lines can be joined
  - WithWorkerID: tags every line touching one worker row

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	log.Logger.Info().
		Int64("cycle_number", 42).
		Int("delta", 4).
		Msg("scale up")

	cycleLog := log.WithCycle(rec.CycleNumber)
	cycleLog.Info().Str("scale_up_blocked", "failure_rate").Msg("scale-up suppressed")

	workerLog := log.WithWorkerID(w.ID)
	workerLog.Warn().Str("error_reason", "heartbeat_timeout").Msg("worker marked error")

# Design Patterns

Global Logger Pattern: a single package-level Logger, initialized once in
cmd/gpuscaler's cobra.OnInitialize hook, before config errors are even
possible to report cleanly.

Context Logger Pattern: the control loop derives a WithCycle child logger
at the start of each cycle and uses it for its own lines in that cycle
(truncation, promotion, the cycle record), so those lines carry the same
cycle_number. HealthMonitor and Actuator log through their own
WithComponent loggers, which do not carry cycle_number.

Structured fields, not string interpolation: always .Str/.Int/.Err, never
fmt.Sprintf into the message — this is what makes cycle records queryable
by cycle_number, worker_id, or scale_up_blocked reason downstream.

# Log Rotation & Aggregation

gpuscaler doesn't include log rotation; JSON lines go to stdout and are
left to the deployment's log driver (journald, a container runtime log
driver, or a sidecar shipper) per 12-factor conventions.
*/
package log
