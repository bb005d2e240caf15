package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/terrpan/hostop/internal/config"
	"github.com/terrpan/hostop/internal/device"
	"github.com/terrpan/hostop/internal/health"
	"github.com/terrpan/hostop/internal/hostop"
	"github.com/terrpan/hostop/internal/otel"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hostop",
	Short: "Deferred host operation driver -- cooperatively joinable batch work",
	Long: `hostop configures a deferred host operation (a one-shot callback, a batch
of acceleration-structure builds, or a batch of pipeline compiles) and drives
it to completion with a pool of joining worker goroutines.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Run overrides
	f.StringVar(&flagOverrides.Run.Kind, "kind", "", "Operation kind (simple, build, pipeline)")
	f.IntVar(&flagOverrides.Run.Instances, "instances", 0, "Instance count for batch kinds")
	f.IntVar(&flagOverrides.Run.Workers, "workers", 0, "Number of joining worker goroutines")

	// Device overrides
	f.StringVar(&flagOverrides.Device.Type, "device", "", "Execution backend (local, docker)")
	f.IntVar(&flagOverrides.Device.Local.WorkFactor, "work-factor", 0, "Simulated per-instance cost for the local backend")
	f.IntVar(&flagOverrides.Device.Local.FailMapEvery, "fail-map-every", 0, "Fail every Nth build instance's resource map (local backend)")
	f.IntVar(&flagOverrides.Device.Local.FailCompileEvery, "fail-compile-every", 0, "Fail every Nth pipeline compile (local backend)")
	f.StringVar(&flagOverrides.Device.Docker.Image, "image", "", "Toolchain image for the docker backend")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	// OpenTelemetry overrides
	f.BoolVar(&flagOverrides.OTel.Enabled, "otel", false, "Enable OTLP trace and metric export")
	f.StringVar(&flagOverrides.OTel.Endpoint, "otel-endpoint", "", "OTLP HTTP endpoint (e.g. localhost:4318)")
	f.BoolVar(&flagOverrides.OTel.StdOut, "otel-stdout", false, "Also print traces and metrics to stdout")
	f.IntVar(&flagOverrides.OTel.PrometheusPort, "prometheus-port", 0, "Serve /metrics and /healthz on this port")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Run.Kind != "" {
		cfg.Run.Kind = flagOverrides.Run.Kind
	}
	if flagOverrides.Run.Instances != 0 {
		cfg.Run.Instances = flagOverrides.Run.Instances
	}
	if flagOverrides.Run.Workers != 0 {
		cfg.Run.Workers = flagOverrides.Run.Workers
	}
	if flagOverrides.Device.Type != "" {
		cfg.Device.Type = flagOverrides.Device.Type
	}
	if flagOverrides.Device.Local.WorkFactor != 0 {
		cfg.Device.Local.WorkFactor = flagOverrides.Device.Local.WorkFactor
	}
	if flagOverrides.Device.Local.FailMapEvery != 0 {
		cfg.Device.Local.FailMapEvery = flagOverrides.Device.Local.FailMapEvery
	}
	if flagOverrides.Device.Local.FailCompileEvery != 0 {
		cfg.Device.Local.FailCompileEvery = flagOverrides.Device.Local.FailCompileEvery
	}
	if flagOverrides.Device.Docker.Image != "" {
		cfg.Device.Docker.Image = flagOverrides.Device.Docker.Image
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
	if flagOverrides.OTel.Enabled {
		cfg.OTel.Enabled = true
	}
	if flagOverrides.OTel.Endpoint != "" {
		cfg.OTel.Endpoint = flagOverrides.OTel.Endpoint
	}
	if flagOverrides.OTel.StdOut {
		cfg.OTel.StdOut = true
	}
	if flagOverrides.OTel.PrometheusPort != 0 {
		cfg.OTel.PrometheusPort = flagOverrides.OTel.PrometheusPort
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("kind", cfg.Run.Kind),
		slog.Int("instances", cfg.Run.Instances),
		slog.Int("workers", cfg.Run.Workers),
		slog.String("device", cfg.Device.Type),
	)

	// ---------------------------------------------------------------
	// 3. Set up OpenTelemetry
	// ---------------------------------------------------------------
	otelShutdown, err := otel.SetupOTelSDK(ctx, "hostop", otel.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		PrometheusPort: cfg.OTel.PrometheusPort,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Optional metrics/health server
	// ---------------------------------------------------------------
	if cfg.OTel.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", health.Handler(cfg.Device.Type))

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.OTel.PrometheusPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown", slog.String("error", err.Error()))
			}
		}()
	}

	// ---------------------------------------------------------------
	// 5. Create execution backend
	// ---------------------------------------------------------------
	dev, err := cfg.NewDevice(ctx, logger)
	if err != nil {
		return fmt.Errorf("creating device: %w", err)
	}

	// ---------------------------------------------------------------
	// 6. Configure the deferred operation
	// ---------------------------------------------------------------
	op := hostop.New(logger.WithGroup("operation"))
	defer op.Destroy()

	var pipelines []device.Pipeline

	switch cfg.Run.Kind {
	case "simple":
		op.SetSimple(func(ctx context.Context, dev device.Device, arg any) hostop.Status {
			info := arg.(device.BuildInfo)
			if err := dev.BuildAccelerationStructure(ctx, info, nil); err != nil {
				logger.Warn("simple callback failed", slog.String("error", err.Error()))
				return hostop.ErrOutOfHostMemory
			}
			return hostop.Success
		}, device.BuildInfo{Label: "simple-0", GeometryCount: 1})
	case "build":
		op.SetBatchBuild(buildInfos(cfg.Run.Instances), nil)
	case "pipeline":
		pipelines = op.SetPipelineCreate(pipelineInfos(cfg.Run.Instances))
	}

	// ---------------------------------------------------------------
	// 7. Drive to completion with joining workers
	// ---------------------------------------------------------------
	logger.Info("joining workers", slog.Int("workers", cfg.Run.Workers))

	var wg sync.WaitGroup
	for i := range cfg.Run.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			joins := 0
			for {
				st := op.Join(ctx, dev)
				joins++
				if st != hostop.ThreadIdle {
					logger.Debug("worker finished",
						slog.Int("worker", i),
						slog.Int("joins", joins),
						slog.String("status", st.String()),
					)
					return
				}
			}
		}()
	}
	wg.Wait()

	// ---------------------------------------------------------------
	// 8. Report the aggregated result
	// ---------------------------------------------------------------
	st, err := op.Result(ctx)
	if err != nil {
		return fmt.Errorf("waiting for result: %w", err)
	}

	if cfg.Run.Kind == "pipeline" {
		valid := 0
		for _, p := range pipelines {
			if p.Valid() {
				valid++
			}
		}
		logger.Info("pipelines created",
			slog.Int("valid", valid),
			slog.Int("requested", len(pipelines)),
		)
	}

	logger.Info("operation finished", slog.String("result", st.String()))
	if st.IsError() {
		return fmt.Errorf("operation failed: %s", st)
	}
	return nil
}

func buildInfos(n int) []device.BuildInfo {
	infos := make([]device.BuildInfo, n)
	for i := range infos {
		infos[i] = device.BuildInfo{
			Label:         fmt.Sprintf("blas-%d", i),
			GeometryCount: 1,
			ScratchSize:   4096,
		}
	}
	return infos
}

func pipelineInfos(n int) []device.PipelineInfo {
	infos := make([]device.PipelineInfo, n)
	for i := range infos {
		infos[i] = device.PipelineInfo{
			Label:      fmt.Sprintf("pipeline-%d", i),
			ShaderCode: []byte(fmt.Sprintf("shader-%d", i)),
		}
	}
	return infos
}
