package hostop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/terrpan/hostop/internal/device"
)

type BatchBuildSuite struct {
	suite.Suite
	ctx    context.Context
	dev    *mockDevice
	logger *slog.Logger
}

func (s *BatchBuildSuite) SetupTest() {
	s.ctx = context.Background()
	s.dev = &mockDevice{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBatchBuildSuite(t *testing.T) {
	suite.Run(t, new(BatchBuildSuite))
}

func (s *BatchBuildSuite) TestAllInstancesBuildOnce() {
	op := New(s.logger)
	op.SetBatchBuild(buildInfos(5), nil)

	s.Equal(Success, drain(s.ctx, op, s.dev))
	s.Equal(5, s.dev.builtCount())

	st, err := op.Result(s.ctx)
	s.Require().NoError(err)
	s.Equal(Success, st)
}

func (s *BatchBuildSuite) TestMapFailureAccounting() {
	// Instances 1 and 3 fail to map; the batch still runs all 5 to
	// completion and the successful outputs remain valid.
	failing := map[string]bool{"blas-1": true, "blas-3": true}
	s.dev.buildErr = func(info device.BuildInfo) error {
		if failing[info.Label] {
			return fmt.Errorf("scratch buffer: %w", device.ErrMapFailed)
		}
		return nil
	}

	op := New(s.logger)
	op.SetBatchBuild(buildInfos(5), nil)

	s.Equal(Success, drain(s.ctx, op, s.dev))

	state := op.state.(*batchBuildState)
	s.Equal(uint32(2), state.failedMaps.Load())
	s.Equal(uint32(5), state.completed.Load(), "failed instances still count as completed")
	s.Equal(5, s.dev.builtCount())

	st, err := op.Result(s.ctx)
	s.Require().NoError(err)
	s.Equal(ErrOutOfHostMemory, st)
}

func (s *BatchBuildSuite) TestBuildRangesPassedPerInstance() {
	infos := buildInfos(2)
	ranges := [][]device.BuildRange{
		{{PrimitiveCount: 12}},
		{{PrimitiveCount: 34}, {PrimitiveCount: 56}},
	}

	var mu sync.Mutex
	seen := make(map[string]int)

	op := New(s.logger)
	dev := &rangeRecordingDevice{mockDevice: s.dev, mu: &mu, seen: seen}
	op.SetBatchBuild(infos, ranges)

	s.Equal(Success, drain(s.ctx, op, dev))

	mu.Lock()
	defer mu.Unlock()
	s.Equal(1, seen["blas-0"])
	s.Equal(2, seen["blas-1"])
}

func (s *BatchBuildSuite) TestZeroInstancesCompletesImmediately() {
	op := New(s.logger)
	op.SetBatchBuild(nil, nil)

	st, err := op.Result(s.ctx)
	s.Require().NoError(err)
	s.Equal(Success, st)

	s.Equal(Success, op.Join(s.ctx, s.dev))
	s.Zero(s.dev.builtCount())
}

func (s *BatchBuildSuite) TestConcurrentJoinersBuildEveryInstanceOnce() {
	const instances = 500
	const joiners = 32

	op := New(s.logger)
	op.SetBatchBuild(buildInfos(instances), nil)

	var wg sync.WaitGroup
	for range joiners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			drain(s.ctx, op, s.dev)
		}()
	}
	wg.Wait()

	s.Equal(instances, s.dev.builtCount())

	counts := make(map[string]int)
	s.dev.mu.Lock()
	for _, label := range s.dev.built {
		counts[label]++
	}
	s.dev.mu.Unlock()
	for label, n := range counts {
		s.Equal(1, n, "instance %s built %d times", label, n)
	}

	st, err := op.Result(s.ctx)
	s.Require().NoError(err)
	s.Equal(Success, st)
}

// rangeRecordingDevice records how many ranges each build instance received.
type rangeRecordingDevice struct {
	*mockDevice
	mu   *sync.Mutex
	seen map[string]int
}

func (d *rangeRecordingDevice) BuildAccelerationStructure(ctx context.Context, info device.BuildInfo, ranges []device.BuildRange) error {
	d.mu.Lock()
	d.seen[info.Label] = len(ranges)
	d.mu.Unlock()
	return d.mockDevice.BuildAccelerationStructure(ctx, info, ranges)
}
