// Package reconciler implements the control plane's decision function: a
// pure computation from observed fleet/demand state to a scale delta.
// It holds no state of its own and makes no external calls — the
// ControlLoop feeds it an Observation and applies the resulting Decision
// through the Actuator.
package reconciler

import (
	"math"

	"github.com/fleetops/gpuscaler/pkg/config"
)

// Observation is the Reconciler's entire view of the world for one cycle,
// assembled by the ControlLoop from Store, DemandOracle and HealthMonitor
// output.
type Observation struct {
	NActive      int
	NSpawning    int
	NError       int
	NTerminating int

	// Demand is the DemandOracle's dispatchable-task count (or the raw
	// queued-task count on fallback; DemandDegraded records which).
	Demand         int
	DemandDegraded bool

	// Busy is the number of workers with at least one Running task
	// assigned. Always <= NActive.
	Busy int

	// FailureRate is nil when undefined (insufficient samples in the
	// window; see pkg/health).
	FailureRate *float64
}

// Decision is the Reconciler's output: the scale delta plus the
// intermediate values the cycle record wants recorded and tests want to
// assert against individually.
type Decision struct {
	Delta          int
	ScaleUpBlocked string // "", "failure_rate", or "max_cap"

	DesiredFromDemand int
	DesiredFromBusy   int
	RawDesired        int
	ClampedDesired    int
	CurrentCapacity   int
}

// Decide runs the eight-step scaling algorithm against obs and cfg.
func Decide(obs Observation, cfg *config.Config) Decision {
	d := Decision{}

	// Step 1: desired-from-demand.
	d.DesiredFromDemand = desiredFromDemand(obs.Demand, cfg.TasksPerGPUThreshold)

	// Step 2: desired-from-busy.
	d.DesiredFromBusy = obs.Busy + cfg.IdleBuffer

	// Step 3: raw desired. MinActiveGPUs is an unconditional floor, not
	// one gated on demand being positive — a cold-started fleet with zero
	// workers and zero demand must still spawn up to the floor, or it can
	// never bootstrap.
	d.RawDesired = maxOf(cfg.MinActiveGPUs, d.DesiredFromDemand, d.DesiredFromBusy)

	// Step 4: clamp to the hard ceiling.
	d.ClampedDesired = minInt(d.RawDesired, cfg.MaxActiveGPUs)

	// Step 5: current capacity — pods already paid for.
	c := obs.NActive + obs.NSpawning
	d.CurrentCapacity = c

	// Step 6: delta.
	delta := d.ClampedDesired - c

	// Step 7: failure-rate interlock, scale-up only.
	switch {
	case delta > 0 && obs.FailureRate != nil && *obs.FailureRate > cfg.FailureRateCeiling:
		delta = 0
		d.ScaleUpBlocked = "failure_rate"
	case delta > 0 && c >= cfg.MaxActiveGPUs:
		// d_raw wanted more than the ceiling already bought; nothing left
		// to act on this cycle, but operators should see why.
		delta = 0
		d.ScaleUpBlocked = "max_cap"
	case delta == 0 && d.RawDesired > cfg.MaxActiveGPUs && c >= cfg.MaxActiveGPUs:
		d.ScaleUpBlocked = "max_cap"
	}

	// Step 8: minimum-floor bias, demand-zero only. Scale-down is never
	// suppressed by the failure-rate interlock. MinActiveGPUs is the same
	// unconditional floor step 3 applies on the way up: capacity never
	// drops below it here either (unless MinActiveGPUs itself is 0, in
	// which case an idle fleet can be torn down to nothing), and a
	// scale-down never removes more than the number of idle workers.
	if obs.Demand == 0 {
		idleActive := obs.NActive - obs.Busy
		if idleActive < 0 {
			idleActive = 0
		}
		if c > cfg.MinActiveGPUs && idleActive > 0 {
			bias := maxOf(delta, -idleActive, cfg.MinActiveGPUs-c)
			delta = bias
		}
	}

	d.Delta = delta
	return d
}

// desiredFromDemand implements step 1: ceil(demand / threshold), with the
// demand>0-but-rounds-to-zero edge case bumped to 1.
func desiredFromDemand(demand, threshold int) int {
	if demand <= 0 {
		return 0
	}
	if threshold <= 0 {
		threshold = 1
	}
	d := int(math.Ceil(float64(demand) / float64(threshold)))
	if d == 0 {
		d = 1
	}
	return d
}

func maxOf(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
