// Command gpuscaler runs the GPU fleet autoscaling control plane: a single
// long-lived process that reconciles provisioned GPU workers against task
// demand on a fixed cadence.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetops/gpuscaler/pkg/actuator"
	"github.com/fleetops/gpuscaler/pkg/config"
	"github.com/fleetops/gpuscaler/pkg/controlloop"
	"github.com/fleetops/gpuscaler/pkg/health"
	"github.com/fleetops/gpuscaler/pkg/log"
	"github.com/fleetops/gpuscaler/pkg/metrics"
	"github.com/fleetops/gpuscaler/pkg/oracle"
	"github.com/fleetops/gpuscaler/pkg/provider"
	"github.com/fleetops/gpuscaler/pkg/storage"
	"github.com/fleetops/gpuscaler/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "gpuscaler",
	Short:   "GPU fleet autoscaling control plane",
	Long:    "gpuscaler reconciles a fleet of ephemeral GPU workers against a shared task queue on a fixed cadence.",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("gpuscaler version %s\nCommit: %s\n", Version, Commit))
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	cfg, err := config.Load()
	if err != nil {
		// Logging isn't initialized yet; fall back to a plain default
		// format so the real config error below is still readable.
		log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
		return
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogFormat == "json",
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stopNotify := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopNotify()

	store, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to datastore: %w", err)
	}
	defer store.Close()

	template, err := provider.LoadTemplate(cfg.PodSpecTemplatePath)
	if err != nil {
		return fmt.Errorf("loading pod spec template: %w", err)
	}

	providerClient := provider.NewHTTPClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.CallTimeout())
	demandOracle := oracle.NewHTTPOracle(cfg.DemandOracleURL, cfg.CallTimeout())
	healthMonitor := health.New(store, cfg)
	act := actuator.New(store, providerClient, template, cfg)
	loop := controlloop.New(store, providerClient, demandOracle, healthMonitor, act, cfg)

	probeCollector := metrics.NewCollector(map[string]metrics.Probe{
		"store": func(ctx context.Context) error {
			_, err := store.CountWorkers(ctx, types.WorkerActive)
			return err
		},
		"provider": func(ctx context.Context) error {
			_, err := providerClient.ListPods(ctx)
			return err
		},
		"oracle": func(ctx context.Context) error {
			_, err := demandOracle.DispatchableTaskCount(ctx, cfg.RunType)
			return err
		},
	}, 15*time.Second, cfg.CallTimeout())
	probeCollector.Start()
	defer probeCollector.Stop()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")

	log.Logger.Info().
		Int("poll_interval_sec", cfg.PollIntervalSec).
		Int("min_active_gpus", cfg.MinActiveGPUs).
		Int("max_active_gpus", cfg.MaxActiveGPUs).
		Msg("gpuscaler starting")

	// Run on an independent context: ctx is only the shutdown trigger below.
	// Tying cycle execution to it would abort an in-flight cycle the instant
	// the signal arrives instead of letting it finish.
	done := make(chan struct{})
	go func() {
		loop.Run(context.Background())
		close(done)
	}()

	<-ctx.Done()
	log.Logger.Info().Msg("shutdown signal received, finishing current cycle")
	loop.Stop()
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	log.Logger.Info().Msg("gpuscaler shut down cleanly")
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())
	return mux
}
