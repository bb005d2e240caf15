package local

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/hostop/internal/device"
)

func newTestDevice(cfg Config) *Device {
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBuildSucceedsWithoutInjection(t *testing.T) {
	dev := newTestDevice(Config{})

	err := dev.BuildAccelerationStructure(context.Background(), device.BuildInfo{Label: "blas-0"}, []device.BuildRange{{PrimitiveCount: 12}})
	assert.NoError(t, err)
}

func TestFailMapEveryInjectsMapFailures(t *testing.T) {
	dev := newTestDevice(Config{FailMapEvery: 3})

	var failures int
	for i := range 9 {
		err := dev.BuildAccelerationStructure(context.Background(), device.BuildInfo{Label: "blas"}, nil)
		if err != nil {
			assert.ErrorIs(t, err, device.ErrMapFailed, "call %d", i)
			failures++
		}
	}
	assert.Equal(t, 3, failures)
}

func TestCompileIsDeterministic(t *testing.T) {
	dev := newTestDevice(Config{})
	info := device.PipelineInfo{Label: "pipeline-0", ShaderCode: []byte("shader")}

	a, err := dev.CreatePipeline(context.Background(), info)
	require.NoError(t, err)
	b, err := dev.CreatePipeline(context.Background(), info)
	require.NoError(t, err)

	assert.True(t, a.Valid())
	assert.Equal(t, a.ID, b.ID, "same input yields the same handle")
}

func TestFailCompileEveryInjectsCompileFailures(t *testing.T) {
	dev := newTestDevice(Config{FailCompileEvery: 2})

	_, err := dev.CreatePipeline(context.Background(), device.PipelineInfo{Label: "pipeline-0"})
	require.NoError(t, err)

	_, err = dev.CreatePipeline(context.Background(), device.PipelineInfo{Label: "pipeline-1"})
	assert.ErrorIs(t, err, device.ErrCompileFailed)
}

func TestFailFastReportsCompileRequired(t *testing.T) {
	dev := newTestDevice(Config{})

	p, err := dev.CreatePipeline(context.Background(), device.PipelineInfo{Label: "pipeline-0", FailFast: true})
	assert.ErrorIs(t, err, device.ErrCompileRequired)
	assert.False(t, p.Valid())
}
