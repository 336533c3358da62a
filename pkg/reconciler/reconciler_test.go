package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fleetops/gpuscaler/pkg/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		MinActiveGPUs:        1,
		MaxActiveGPUs:        10,
		TasksPerGPUThreshold: 3,
		IdleBuffer:           0,
		FailureRateCeiling:   0.80,
	}
}

func floatp(f float64) *float64 { return &f }

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		obs        Observation
		cfg        func(*config.Config)
		wantDelta  int
		wantBlock  string
	}{
		{
			name: "cold start: demand zero, floor 1, spawns to the floor",
			obs:  Observation{},
			wantDelta: 1,
		},
		{
			name: "demand with no workers scales up to the floor",
			obs:  Observation{Demand: 1},
			wantDelta: 1,
		},
		{
			name: "demand above threshold scales past one",
			obs:  Observation{Demand: 7},
			wantDelta: 3, // ceil(7/3)
		},
		{
			name: "busy workers plus idle buffer drives desired-from-busy",
			obs:  Observation{NActive: 2, Busy: 2, Demand: 1},
			cfg:  func(c *config.Config) { c.IdleBuffer = 1 },
			wantDelta: 1, // desired 3, capacity 2
		},
		{
			name: "at capacity, no delta",
			obs:  Observation{NActive: 3, Demand: 7},
			cfg:  func(c *config.Config) { /* threshold 3 => desired 3 */ },
			wantDelta: 0,
		},
		{
			name:      "scale-up clamped to max cap",
			obs:       Observation{Demand: 100},
			cfg:       func(c *config.Config) { c.MaxActiveGPUs = 2 },
			wantDelta: 2,
		},
		{
			name:      "already at max cap, raw desired exceeds it",
			obs:       Observation{NActive: 2, Demand: 100},
			cfg:       func(c *config.Config) { c.MaxActiveGPUs = 2 },
			wantDelta: 0,
			wantBlock: "max_cap",
		},
		{
			name:      "failure rate interlock blocks scale-up",
			obs:       Observation{Demand: 5, FailureRate: floatp(0.9)},
			wantDelta: 0,
			wantBlock: "failure_rate",
		},
		{
			name:      "failure rate at ceiling does not block",
			obs:       Observation{Demand: 5, FailureRate: floatp(0.80)},
			wantDelta: 2,
		},
		{
			name:      "failure rate never blocks scale-down, but never below the floor",
			obs:       Observation{NActive: 5, Demand: 0, FailureRate: floatp(0.99)},
			wantDelta: -4, // 5 -> 1 (MinActiveGPUs), not -5
		},
		{
			name:      "demand zero tears down idle fleet to the floor in one cycle",
			obs:       Observation{NActive: 4, Busy: 0, Demand: 0},
			wantDelta: -3, // 4 -> 1 (MinActiveGPUs)
		},
		{
			name: "demand zero with a floor of zero allows a full teardown",
			obs:  Observation{NActive: 4, Busy: 0, Demand: 0},
			cfg: func(c *config.Config) {
				c.MinActiveGPUs = 0
			},
			wantDelta: -4,
		},
		{
			name:      "demand zero never tears down busy workers",
			obs:       Observation{NActive: 4, Busy: 4, Demand: 0},
			wantDelta: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			if tt.cfg != nil {
				tt.cfg(cfg)
			}
			d := Decide(tt.obs, cfg)
			assert.Equal(t, tt.wantDelta, d.Delta, "delta")
			assert.Equal(t, tt.wantBlock, d.ScaleUpBlocked, "scale_up_blocked")
		})
	}
}

func TestDecide_DemandZeroPartialIdle(t *testing.T) {
	// 4 active, 3 busy, demand 0: desired-from-busy = 3 (floor of 1 doesn't
	// bind), raw desired = 3, capacity 4, base delta = -1. idleActive = 1,
	// MinActiveGPUs = 1. bias = max(-1, -1, 1-4) = -1.
	cfg := baseConfig()
	d := Decide(Observation{NActive: 4, Busy: 3, Demand: 0}, cfg)
	assert.Equal(t, -1, d.Delta)
}

func TestDesiredFromDemand(t *testing.T) {
	assert.Equal(t, 0, desiredFromDemand(0, 3))
	assert.Equal(t, 1, desiredFromDemand(1, 3))
	assert.Equal(t, 1, desiredFromDemand(3, 3))
	assert.Equal(t, 2, desiredFromDemand(4, 3))
	assert.Equal(t, 1, desiredFromDemand(1, 0)) // degenerate threshold treated as 1
}
