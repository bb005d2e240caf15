// Package docker implements the device.Device interface by running each
// build or compile instance as an ephemeral container. It exists for
// workloads whose per-instance toolchain cannot run in-process (e.g. a
// shader compiler only distributed as an image); joiner goroutines block on
// the container exit, which keeps the engine's claim discipline unchanged.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"

	"github.com/terrpan/hostop/internal/device"
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the toolchain image instances run in.
	// Default: alpine:latest (useful only for smoke tests).
	Image string

	// BuildCmd is the command executed for one build instance; the instance
	// label is appended as the last argument.
	BuildCmd []string

	// CompileCmd is the command executed for one compile instance; the
	// instance label is appended as the last argument.
	CompileCmd []string
}

// Device runs instances as ephemeral containers.
type Device struct {
	client     *dockerclient.Client
	image      string
	buildCmd   []string
	compileCmd []string
	logger     *slog.Logger
}

// Compile-time check that Device satisfies the device.Device interface.
var _ device.Device = (*Device)(nil)

// New creates a Docker device, connects to the daemon, and pulls the
// toolchain image so instance containers start without a pull delay.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Device, error) {
	if cfg.Image == "" {
		cfg.Image = "alpine:latest"
	}
	if len(cfg.BuildCmd) == 0 {
		cfg.BuildCmd = []string{"true"}
	}
	if len(cfg.CompileCmd) == 0 {
		cfg.CompileCmd = []string{"true"}
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("pulling toolchain image", slog.String("image", cfg.Image))

	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.ReadAll(pull); err != nil {
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return nil, fmt.Errorf("closing image pull stream: %w", err)
	}

	logger.Info("toolchain image ready", slog.String("image", cfg.Image))

	return &Device{
		client:     client,
		image:      cfg.Image,
		buildCmd:   cfg.BuildCmd,
		compileCmd: cfg.CompileCmd,
		logger:     logger,
	}, nil
}

// BuildAccelerationStructure runs one build instance to completion in a
// container. A non-zero exit is reported as a map failure so the batch
// continues per the engine's aggregation rule.
func (d *Device) BuildAccelerationStructure(ctx context.Context, info device.BuildInfo, _ []device.BuildRange) error {
	exit, _, err := d.runInstance(ctx, append(d.buildCmd, info.Label))
	if err != nil {
		return fmt.Errorf("build %s: %w: %w", info.Label, device.ErrMapFailed, err)
	}
	if exit != 0 {
		return fmt.Errorf("build %s: exit %d: %w", info.Label, exit, device.ErrMapFailed)
	}
	return nil
}

// CreatePipeline runs one compile instance to completion in a container.
// The container ID doubles as the pipeline handle.
func (d *Device) CreatePipeline(ctx context.Context, info device.PipelineInfo) (device.Pipeline, error) {
	if info.FailFast {
		// No artifact cache in front of the container run.
		return device.Pipeline{}, fmt.Errorf("pipeline %s: %w", info.Label, device.ErrCompileRequired)
	}

	exit, id, err := d.runInstance(ctx, append(d.compileCmd, info.Label))
	if err != nil {
		return device.Pipeline{}, fmt.Errorf("pipeline %s: %w: %w", info.Label, device.ErrCompileFailed, err)
	}
	if exit != 0 {
		return device.Pipeline{}, fmt.Errorf("pipeline %s: exit %d: %w", info.Label, exit, device.ErrCompileFailed)
	}
	return device.Pipeline{ID: id}, nil
}

// runInstance creates, starts, waits on, and force-removes one container.
func (d *Device) runInstance(ctx context.Context, cmd []string) (exitCode int64, containerID string, err error) {
	resp, err := d.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: d.image,
			Cmd:   cmd,
		},
		nil, // host config
		nil, // networking config
		nil, // platform
		"",  // generated name
	)
	if err != nil {
		return 0, "", fmt.Errorf("container create: %w", err)
	}
	containerID = resp.ID

	defer func() {
		if rmErr := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); rmErr != nil {
			d.logger.Warn("failed to remove instance container",
				slog.String("containerID", containerID),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return 0, containerID, fmt.Errorf("container start: %w", err)
	}

	waitC, errC := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-waitC:
		d.logger.Debug("instance container exited",
			slog.String("containerID", containerID),
			slog.Int64("exit", status.StatusCode),
		)
		return status.StatusCode, containerID, nil
	case err := <-errC:
		return 0, containerID, fmt.Errorf("container wait: %w", err)
	}
}
