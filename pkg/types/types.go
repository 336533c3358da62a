// Package types defines the core domain model shared across the control
// plane: provisioned GPU workers, the tasks they drain, and the per-cycle
// diagnostic record the control loop emits.
package types

import "time"

// WorkerStatus is the lifecycle state of a provisioned GPU instance.
type WorkerStatus string

const (
	WorkerSpawning    WorkerStatus = "spawning"
	WorkerActive      WorkerStatus = "active"
	WorkerError       WorkerStatus = "error"
	WorkerTerminating WorkerStatus = "terminating"
	WorkerTerminated  WorkerStatus = "terminated"
)

// Terminal reports whether the status never transitions further.
func (s WorkerStatus) Terminal() bool {
	return s == WorkerTerminated
}

// NonTerminal reports whether a worker in this status still counts against
// MAX_ACTIVE_GPUS.
func (s WorkerStatus) NonTerminal() bool {
	return !s.Terminal()
}

// TaskStatus is the lifecycle state of a queued GPU task, as owned by the
// task store. The core only reads and resets these rows.
type TaskStatus string

const (
	TaskQueued  TaskStatus = "Queued"
	TaskRunning TaskStatus = "Running"
)

// Metadata is the worker row's schemaless side-channel. The store treats it
// as an opaque map; the core promotes well-known keys to typed accessors
// while preserving any remainder (unrecognized keys) on merge.
type Metadata map[string]any

// Clone returns a shallow copy suitable for read-modify-write merges.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge shallow-merges other over m, returning a new map. Unknown keys on
// both sides are preserved; overlapping keys take other's value.
func (m Metadata) Merge(other Metadata) Metadata {
	out := m.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

func (m Metadata) str(key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (m Metadata) boolean(key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// ProviderPodID returns the metadata's recognized provider_pod_id key.
func (m Metadata) ProviderPodID() string { return m.str("provider_pod_id") }

// ErrorReason returns the metadata's recognized error_reason key.
func (m Metadata) ErrorReason() string { return m.str("error_reason") }

// SelfTerminated returns whether the worker marked its own error state.
func (m Metadata) SelfTerminated() bool { return m.boolean("self_terminated") }

// Worker is one row of the workers table: a single provisioned GPU instance.
type Worker struct {
	ID            string
	InstanceType  string
	Status        WorkerStatus
	CreatedAt     time.Time
	LastHeartbeat *time.Time
	Metadata      Metadata
}

// Busy reports whether w currently has a running task assigned.
func (w Worker) Busy(runningWorkerIDs map[string]bool) bool {
	return runningWorkerIDs[w.ID]
}

// Idle reports whether w is active with no running task.
func (w Worker) Idle(runningWorkerIDs map[string]bool) bool {
	return w.Status == WorkerActive && !w.Busy(runningWorkerIDs)
}

// Task is a row of the task store; the core reads and resets these but
// never owns per-task scheduling.
type Task struct {
	ID                  string
	Status              TaskStatus
	WorkerID            *string
	TaskType            string
	GenerationStartedAt *time.Time
	UserID              string
}

// CycleRecord is the structured diagnostic emitted once per control-loop
// iteration as a log line.
type CycleRecord struct {
	CycleNumber       int64     `json:"cycle_number"`
	Timestamp         time.Time `json:"ts"`
	NActive           int       `json:"n_active"`
	NSpawning         int       `json:"n_spawning"`
	NError            int       `json:"n_error"`
	NTerminating      int       `json:"n_terminating"`
	Demand            int       `json:"demand"`
	DemandDegraded    bool      `json:"demand_degraded"`
	Busy              int       `json:"busy"`
	Desired           int       `json:"desired"`
	Delta             int       `json:"delta"`
	ScaleUpBlocked    string    `json:"scale_up_blocked,omitempty"`
	WorkersSpawned    int       `json:"workers_spawned"`
	WorkersTerminated int       `json:"workers_terminated"`
	TasksReset        int       `json:"tasks_reset"`
	FailureRate       *float64  `json:"failure_rate,omitempty"`
	Partial           bool      `json:"partial,omitempty"`
	Duration          time.Duration `json:"-"`
}
