package metrics

import (
	"context"
	"time"
)

// Probe checks connectivity to one external capability (Store,
// ProviderClient, DemandOracle, ...) and returns a non-nil error if it is
// unreachable. Kept as a function type, not a concrete client interface,
// so this package never imports the capability packages that themselves
// import metrics for call-duration instrumentation.
type Probe func(ctx context.Context) error

// Collector periodically runs a set of named probes independently of the
// control loop's own per-cycle metric recording, and feeds the results
// into the process health checker so /healthz reflects connectivity even
// between cycles (e.g. while a cycle is blocked waiting out its observe
// budget).
type Collector struct {
	probes   map[string]Probe
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector that runs each named probe every
// interval with a per-probe timeout.
func NewCollector(probes map[string]Probe, interval, timeout time.Duration) *Collector {
	return &Collector{
		probes:   probes,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
	}
}

// Start begins background probing. It returns immediately; probing runs
// on its own goroutine until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.probeAll()
		for {
			select {
			case <-ticker.C:
				c.probeAll()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts background probing.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) probeAll() {
	for name, probe := range c.probes {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := probe(ctx)
		cancel()
		if err != nil {
			RegisterComponent(name, false, err.Error())
			continue
		}
		RegisterComponent(name, true, "")
	}
}
