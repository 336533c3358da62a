// Package config loads the control plane's configuration from environment
// variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all control-loop configuration, loaded from environment
// variables. Field names mirror the env var names one-to-one.
type Config struct {
	PollIntervalSec int `env:"POLL_INTERVAL_SEC" envDefault:"30"`

	MinActiveGPUs int `env:"MIN_ACTIVE_GPUS" envDefault:"1"`
	MaxActiveGPUs int `env:"MAX_ACTIVE_GPUS" envDefault:"10"`

	TasksPerGPUThreshold int `env:"TASKS_PER_GPU_THRESHOLD" envDefault:"3"`
	IdleBuffer           int `env:"IDLE_BUFFER" envDefault:"0"`

	HeartbeatTimeoutSec       int `env:"HEARTBEAT_TIMEOUT_SEC" envDefault:"300"`
	SpawnTimeoutSec           int `env:"SPAWN_TIMEOUT_SEC" envDefault:"300"`
	StuckTaskTimeoutSec       int `env:"STUCK_TASK_TIMEOUT_SEC" envDefault:"600"`
	WorkerGracePeriodSec      int `env:"WORKER_GRACE_PERIOD_SEC" envDefault:"120"`
	ErrorCleanupGracePeriodSec int `env:"ERROR_CLEANUP_GRACE_PERIOD_SEC" envDefault:"600"`
	TerminatingTimeoutSec     int `env:"TERMINATING_TIMEOUT_SEC" envDefault:"300"`

	FailureRateCeiling float64 `env:"FAILURE_RATE_CEILING" envDefault:"0.80"`
	FailureWindowSec   int     `env:"FAILURE_WINDOW_SEC" envDefault:"1800"`
	MinSamplesForRate  int     `env:"MIN_SAMPLES_FOR_RATE" envDefault:"5"`

	RunType                 string   `env:"RUN_TYPE" envDefault:"cloud"`
	OrchestratorTaskMarkers []string `env:"ORCHESTRATOR_TASK_MARKERS" envDefault:"_orchestrator" envSeparator:","`

	ObserveBudgetSec int `env:"OBSERVE_BUDGET_SEC" envDefault:"10"`
	CallTimeoutSec   int `env:"CALL_TIMEOUT_SEC" envDefault:"10"`

	DatabaseURL        string `env:"DATABASE_URL,required"`
	ProviderBaseURL    string `env:"PROVIDER_BASE_URL,required"`
	ProviderAPIKey     string `env:"PROVIDER_API_KEY"`
	DemandOracleURL    string `env:"DEMAND_ORACLE_URL,required"`
	PodSpecTemplatePath string `env:"POD_SPEC_TEMPLATE_PATH" envDefault:"config/podspec.yaml"`
	MigrationsPath      string `env:"MIGRATIONS_PATH" envDefault:"migrations"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

func (c *Config) SpawnTimeout() time.Duration {
	return time.Duration(c.SpawnTimeoutSec) * time.Second
}

func (c *Config) StuckTaskTimeout() time.Duration {
	return time.Duration(c.StuckTaskTimeoutSec) * time.Second
}

func (c *Config) WorkerGracePeriod() time.Duration {
	return time.Duration(c.WorkerGracePeriodSec) * time.Second
}

func (c *Config) ErrorCleanupGracePeriod() time.Duration {
	return time.Duration(c.ErrorCleanupGracePeriodSec) * time.Second
}

func (c *Config) TerminatingTimeout() time.Duration {
	return time.Duration(c.TerminatingTimeoutSec) * time.Second
}

func (c *Config) FailureWindow() time.Duration {
	return time.Duration(c.FailureWindowSec) * time.Second
}

func (c *Config) ObserveBudget() time.Duration {
	return time.Duration(c.ObserveBudgetSec) * time.Second
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}

// IsOrchestratorTask reports whether taskType matches one of the configured
// orchestrator-task marker substrings (excluded from stuck-task detection).
func (c *Config) IsOrchestratorTask(taskType string) bool {
	lower := strings.ToLower(taskType)
	for _, marker := range c.OrchestratorTaskMarkers {
		if marker == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
