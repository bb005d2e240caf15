// Package config handles loading, validating, and applying configuration
// for the hostop demo driver. Configuration is read from a YAML file and
// can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/hostop/internal/device"
	dockerdev "github.com/terrpan/hostop/internal/device/docker"
	"github.com/terrpan/hostop/internal/device/local"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Run     RunConfig     `yaml:"run"`
	Device  DeviceConfig  `yaml:"device"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// RunConfig describes the deferred operation the driver executes.
type RunConfig struct {
	// Kind selects the operation variant: "simple", "build" or "pipeline".
	Kind string `yaml:"kind"`

	// Instances is the instance count for batch kinds. Default: 64.
	Instances int `yaml:"instances"`

	// Workers is the number of goroutines joining the operation. Default: 4.
	Workers int `yaml:"workers"`
}

// ---------------------------------------------------------------------------
// Device
// ---------------------------------------------------------------------------

// DeviceConfig selects and configures the execution backend.
type DeviceConfig struct {
	// Type selects the backend: "local" (default) or "docker".
	Type string `yaml:"type"`

	// Local holds in-process backend settings. Only read when Type == "local".
	Local LocalDeviceConfig `yaml:"local"`

	// Docker holds container backend settings. Only read when Type == "docker".
	Docker DockerDeviceConfig `yaml:"docker"`
}

// LocalDeviceConfig holds in-process backend settings.
type LocalDeviceConfig struct {
	// WorkFactor is the simulated per-instance cost (hash rounds).
	WorkFactor int `yaml:"work_factor"`

	// FailMapEvery fails every Nth build instance's resource map (0 = never).
	FailMapEvery int `yaml:"fail_map_every"`

	// FailCompileEvery fails every Nth pipeline compile (0 = never).
	FailCompileEvery int `yaml:"fail_compile_every"`
}

// DockerDeviceConfig holds container backend settings.
type DockerDeviceConfig struct {
	// Image is the toolchain image instances run in.
	Image string `yaml:"image"`

	// BuildCmd is the per-build-instance command (instance label appended).
	BuildCmd []string `yaml:"build_cmd"`

	// CompileCmd is the per-compile-instance command (instance label appended).
	CompileCmd []string `yaml:"compile_cmd"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error. Default: info.
	Level string `yaml:"level"`
	// Format: text, json. Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active. Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export. Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// PrometheusPort, when > 0, serves /metrics and /healthz on this port.
	PrometheusPort int `yaml:"prometheus_port"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Run.Kind == "" {
		c.Run.Kind = "build"
	}
	if c.Run.Instances == 0 {
		c.Run.Instances = 64
	}
	if c.Run.Workers == 0 {
		c.Run.Workers = 4
	}
	if c.Device.Type == "" {
		c.Device.Type = "local"
	}
	if c.Device.Docker.Image == "" {
		c.Device.Docker.Image = "alpine:latest"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if !c.OTel.Enabled && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	switch c.Run.Kind {
	case "simple", "build", "pipeline":
		// OK
	default:
		return fmt.Errorf("run.kind %q is not supported (supported: simple, build, pipeline)", c.Run.Kind)
	}
	if c.Run.Instances < 0 {
		return fmt.Errorf("run.instances (%d) must not be negative", c.Run.Instances)
	}
	if c.Run.Workers < 1 {
		return fmt.Errorf("run.workers (%d) must be at least 1", c.Run.Workers)
	}

	switch c.Device.Type {
	case "local":
		if c.Device.Local.WorkFactor < 0 {
			return fmt.Errorf("device.local.work_factor (%d) must not be negative", c.Device.Local.WorkFactor)
		}
	case "docker":
		if c.Device.Docker.Image == "" {
			return fmt.Errorf("device.docker.image is required when device.type is \"docker\"")
		}
	default:
		return fmt.Errorf("device.type %q is not supported (supported: local, docker)", c.Device.Type)
	}

	if c.OTel.PrometheusPort < 0 || c.OTel.PrometheusPort > 65535 {
		return fmt.Errorf("otel.prometheus_port (%d) is not a valid port", c.OTel.PrometheusPort)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewDevice creates the execution backend selected by device.type.
func (c *Config) NewDevice(ctx context.Context, logger *slog.Logger) (device.Device, error) {
	switch c.Device.Type {
	case "local":
		return local.New(local.Config{
			WorkFactor:       c.Device.Local.WorkFactor,
			FailMapEvery:     c.Device.Local.FailMapEvery,
			FailCompileEvery: c.Device.Local.FailCompileEvery,
		}, logger.WithGroup("device.local")), nil
	case "docker":
		return dockerdev.New(ctx, dockerdev.Config{
			Image:      c.Device.Docker.Image,
			BuildCmd:   c.Device.Docker.BuildCmd,
			CompileCmd: c.Device.Docker.CompileCmd,
		}, logger.WithGroup("device.docker"))
	default:
		return nil, fmt.Errorf("unsupported device type: %s", c.Device.Type)
	}
}
