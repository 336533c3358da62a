package actuator

// SelfTerminateContract documents the metadata shape a worker process is
// expected to write when it detects its own fatal failure and exits the
// fleet voluntarily, rather than waiting for HealthMonitor to notice a
// stale heartbeat. On-worker code itself is out of scope for the control
// plane; the core only needs to recognize the result: a
// `self_terminated: true` row is treated identically to any other `error`
// worker — grace period, then reaped by ReapErrorWorkers.
//
//	UpdateWorkerStatus(worker_id, "error", {
//	    "error_reason":    "<why>",
//	    "error_timestamp": now,
//	    "self_terminated": true,
//	})
const SelfTerminateContract = "error_reason, error_timestamp, self_terminated=true"
