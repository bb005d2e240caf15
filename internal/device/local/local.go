// Package local implements the device.Device interface in-process: build
// and compile instances burn CPU on the calling goroutine. It is the
// default backend for demos and load tests, with deterministic failure
// injection so partial-failure aggregation can be exercised end to end.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/terrpan/hostop/internal/device"
)

// Config holds local-backend settings.
type Config struct {
	// WorkFactor is the number of hash rounds per instance, a stand-in for
	// real build/compile cost. Default: 64.
	WorkFactor int

	// FailMapEvery makes every Nth build instance fail its resource map
	// (0 = never fail).
	FailMapEvery int

	// FailCompileEvery makes every Nth pipeline instance fail its compile
	// (0 = never fail).
	FailCompileEvery int
}

// Device executes instances on the calling goroutine.
type Device struct {
	workFactor       int
	failMapEvery     int
	failCompileEvery int
	logger           *slog.Logger

	builds   atomic.Uint64
	compiles atomic.Uint64
}

// Compile-time check that Device satisfies the device.Device interface.
var _ device.Device = (*Device)(nil)

// New creates a local device.
func New(cfg Config, logger *slog.Logger) *Device {
	if cfg.WorkFactor <= 0 {
		cfg.WorkFactor = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		workFactor:       cfg.WorkFactor,
		failMapEvery:     cfg.FailMapEvery,
		failCompileEvery: cfg.FailCompileEvery,
		logger:           logger,
	}
}

// BuildAccelerationStructure simulates one build instance. Every
// FailMapEvery'th call reports a map failure instead of building.
func (d *Device) BuildAccelerationStructure(_ context.Context, info device.BuildInfo, ranges []device.BuildRange) error {
	n := d.builds.Add(1)
	if d.failMapEvery > 0 && n%uint64(d.failMapEvery) == 0 {
		return fmt.Errorf("build %s: scratch of %d bytes: %w", info.Label, info.ScratchSize, device.ErrMapFailed)
	}

	var primitives uint32
	for _, r := range ranges {
		primitives += r.PrimitiveCount
	}
	d.churn(fmt.Sprintf("%s/%d", info.Label, primitives))

	d.logger.Debug("built acceleration structure",
		slog.String("label", info.Label),
		slog.Uint64("primitives", uint64(primitives)),
	)
	return nil
}

// CreatePipeline simulates one compile instance. FailFast requests report
// a benign compile-required miss; every FailCompileEvery'th call fails.
func (d *Device) CreatePipeline(_ context.Context, info device.PipelineInfo) (device.Pipeline, error) {
	if info.FailFast {
		return device.Pipeline{}, fmt.Errorf("pipeline %s: no cached artifact: %w", info.Label, device.ErrCompileRequired)
	}

	n := d.compiles.Add(1)
	if d.failCompileEvery > 0 && n%uint64(d.failCompileEvery) == 0 {
		return device.Pipeline{}, fmt.Errorf("pipeline %s: %w", info.Label, device.ErrCompileFailed)
	}

	sum := d.churn(info.Label + string(info.ShaderCode))

	d.logger.Debug("compiled pipeline", slog.String("label", info.Label))
	return device.Pipeline{ID: sum[:16]}, nil
}

// churn runs the configured number of hash rounds and returns the final
// digest in hex.
func (d *Device) churn(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	for range d.workFactor {
		sum = sha256.Sum256(sum[:])
	}
	return hex.EncodeToString(sum[:])
}
