package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet state metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpuscaler_workers_total",
			Help: "Current number of worker rows by status",
		},
		[]string{"status"},
	)

	DesiredWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpuscaler_desired_workers",
			Help: "Desired worker count computed by the reconciler for the last cycle",
		},
	)

	Demand = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpuscaler_demand",
			Help: "Dispatchable task demand observed in the last cycle",
		},
	)

	DemandDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpuscaler_demand_degraded",
			Help: "Whether the last cycle's demand signal fell back to the raw queued count (1) or not (0)",
		},
	)

	FailureRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpuscaler_failure_rate",
			Help: "Recent-window worker failure rate, or -1 if undefined (insufficient samples)",
		},
	)

	ScaleUpBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuscaler_scale_up_blocked_total",
			Help: "Count of cycles where scale-up was suppressed, by reason",
		},
		[]string{"reason"},
	)

	// Actuation metrics
	WorkersSpawnedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpuscaler_workers_spawned_total",
			Help: "Total number of CreatePod calls that succeeded",
		},
	)

	WorkersTerminatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpuscaler_workers_terminated_total",
			Help: "Total number of workers that reached the terminated state",
		},
	)

	TasksResetTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpuscaler_tasks_reset_total",
			Help: "Total number of orphaned tasks reset back to Queued",
		},
	)

	SpawnFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpuscaler_spawn_failures_total",
			Help: "Total number of CreatePod calls that failed",
		},
	)

	// External call metrics
	ProviderCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpuscaler_provider_call_duration_seconds",
			Help:    "ProviderClient call latency by operation and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)

	StoreCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpuscaler_store_call_duration_seconds",
			Help:    "Store call latency by operation and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)

	OracleCallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gpuscaler_oracle_call_duration_seconds",
			Help:    "DemandOracle call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Control loop metrics
	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gpuscaler_cycle_duration_seconds",
			Help:    "Wall-clock duration of one control loop cycle",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuscaler_cycles_total",
			Help: "Total number of control loop cycles completed, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(DesiredWorkers)
	prometheus.MustRegister(Demand)
	prometheus.MustRegister(DemandDegraded)
	prometheus.MustRegister(FailureRate)
	prometheus.MustRegister(ScaleUpBlockedTotal)
	prometheus.MustRegister(WorkersSpawnedTotal)
	prometheus.MustRegister(WorkersTerminatedTotal)
	prometheus.MustRegister(TasksResetTotal)
	prometheus.MustRegister(SpawnFailuresTotal)
	prometheus.MustRegister(ProviderCallDuration)
	prometheus.MustRegister(StoreCallDuration)
	prometheus.MustRegister(OracleCallDuration)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(CyclesTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
