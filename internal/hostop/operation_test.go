package hostop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/terrpan/hostop/internal/device"
)

// ---------------------------------------------------------------------------
// Mock device
// ---------------------------------------------------------------------------

type mockDevice struct {
	mu       sync.Mutex
	built    []string // labels passed to BuildAccelerationStructure
	compiled []string // labels passed to CreatePipeline

	// buildErr, if set, decides the outcome per build instance.
	buildErr func(info device.BuildInfo) error
	// compileErr, if set, decides the outcome per compile instance.
	compileErr func(info device.PipelineInfo) error

	nextID int // auto-incrementing pipeline ID
}

func (m *mockDevice) BuildAccelerationStructure(_ context.Context, info device.BuildInfo, _ []device.BuildRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.built = append(m.built, info.Label)
	if m.buildErr != nil {
		return m.buildErr(info)
	}
	return nil
}

func (m *mockDevice) CreatePipeline(_ context.Context, info device.PipelineInfo) (device.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.compiled = append(m.compiled, info.Label)
	if m.compileErr != nil {
		if err := m.compileErr(info); err != nil {
			return device.Pipeline{}, err
		}
	}
	m.nextID++
	return device.Pipeline{ID: fmt.Sprintf("mock-pipeline-%d", m.nextID)}, nil
}

func (m *mockDevice) builtCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.built)
}

func (m *mockDevice) compiledLabels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.compiled))
	copy(out, m.compiled)
	return out
}

// drain calls Join until the operation reports no more work for this
// goroutine, mimicking a cooperating worker thread.
func drain(ctx context.Context, op *Operation, dev device.Device) Status {
	for {
		st := op.Join(ctx, dev)
		if st != ThreadIdle {
			return st
		}
	}
}

func buildInfos(n int) []device.BuildInfo {
	infos := make([]device.BuildInfo, n)
	for i := range infos {
		infos[i] = device.BuildInfo{Label: fmt.Sprintf("blas-%d", i), GeometryCount: 1}
	}
	return infos
}

func pipelineInfos(n int) []device.PipelineInfo {
	infos := make([]device.PipelineInfo, n)
	for i := range infos {
		infos[i] = device.PipelineInfo{Label: fmt.Sprintf("pipeline-%d", i)}
	}
	return infos
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type OperationSuite struct {
	suite.Suite
	ctx    context.Context
	dev    *mockDevice
	logger *slog.Logger
}

func (s *OperationSuite) SetupTest() {
	s.ctx = context.Background()
	s.dev = &mockDevice{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOperationSuite(t *testing.T) {
	suite.Run(t, new(OperationSuite))
}

// ---------------------------------------------------------------------------
// Unassigned state
// ---------------------------------------------------------------------------

func (s *OperationSuite) TestUnassignedJoinReturnsNotReady() {
	op := New(s.logger)

	s.Equal(NotReady, op.Join(s.ctx, s.dev))
	s.Zero(op.MaxConcurrency())
	s.Zero(s.dev.builtCount(), "unassigned join must have no side effects")
}

// ---------------------------------------------------------------------------
// Simple variant
// ---------------------------------------------------------------------------

func (s *OperationSuite) TestSimpleExecutesExactlyOnce() {
	var calls atomic.Int32

	op := New(s.logger)
	op.SetSimple(func(context.Context, device.Device, any) Status {
		calls.Add(1)
		return Success
	}, nil)

	s.Equal(Success, op.Join(s.ctx, s.dev))
	s.Equal(Success, op.Join(s.ctx, s.dev), "re-join after completion is a cheap success")
	s.Equal(int32(1), calls.Load())

	st, err := op.Result(s.ctx)
	s.Require().NoError(err)
	s.Equal(Success, st)
}

func (s *OperationSuite) TestSimpleConcurrentJoinersIdempotent() {
	const joiners = 16

	var calls atomic.Int32
	op := New(s.logger)
	op.SetSimple(func(context.Context, device.Device, any) Status {
		time.Sleep(5 * time.Millisecond) // widen the race window
		calls.Add(1)
		return ErrCompileFailed
	}, nil)

	var wg sync.WaitGroup
	for range joiners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			drain(s.ctx, op, s.dev)
		}()
	}
	wg.Wait()

	s.Equal(int32(1), calls.Load(), "callback must execute exactly once")
	s.Equal(Success, op.Join(s.ctx, s.dev))

	// Every joiner observes the same stored result.
	for range joiners {
		st, err := op.Result(s.ctx)
		s.Require().NoError(err)
		s.Equal(ErrCompileFailed, st)
	}
}

func (s *OperationSuite) TestSimpleCallbackReceivesArgAndDevice() {
	type payload struct{ value int }

	op := New(s.logger)
	op.SetSimple(func(_ context.Context, dev device.Device, arg any) Status {
		s.Same(s.dev, dev)
		s.Equal(42, arg.(*payload).value)
		return Success
	}, &payload{value: 42})

	s.Equal(Success, op.Join(s.ctx, s.dev))
}

// ---------------------------------------------------------------------------
// Completion / Result
// ---------------------------------------------------------------------------

func (s *OperationSuite) TestResultBlocksUntilJoinsComplete() {
	op := New(s.logger)
	op.SetBatchBuild(buildInfos(8), nil)

	type outcome struct {
		st  Status
		err error
	}
	got := make(chan outcome, 1)
	go func() {
		st, err := op.Result(context.Background())
		got <- outcome{st, err}
	}()

	// No Join has happened: Result must stay blocked.
	select {
	case <-got:
		s.FailNow("Result returned before any Join drove the work")
	case <-time.After(50 * time.Millisecond):
	}

	s.Equal(Success, drain(s.ctx, op, s.dev))

	select {
	case o := <-got:
		s.Require().NoError(o.err)
		s.Equal(Success, o.st)
	case <-time.After(time.Second):
		s.FailNow("Result did not unblock after completion")
	}
}

func (s *OperationSuite) TestResultWaitAbortsOnContextCancel() {
	op := New(s.logger)
	op.SetBatchBuild(buildInfos(1), nil)

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Millisecond)
	defer cancel()

	_, err := op.Result(ctx)
	s.Require().ErrorIs(err, context.DeadlineExceeded)

	// The operation itself is unaffected by the aborted wait.
	s.Equal(Success, drain(s.ctx, op, s.dev))
}

func (s *OperationSuite) TestMaxConcurrencyNeverIncreases() {
	op := New(s.logger)
	op.SetBatchBuild(buildInfos(10), nil)

	prev := op.MaxConcurrency()
	s.Equal(uint32(10), prev)

	for {
		st := op.Join(s.ctx, s.dev)
		cur := op.MaxConcurrency()
		s.LessOrEqual(cur, prev, "remaining-work hint must be monotonically non-increasing")
		prev = cur
		if st != ThreadIdle {
			break
		}
	}
	s.Zero(op.MaxConcurrency())
}

// ---------------------------------------------------------------------------
// Workload fan-out
// ---------------------------------------------------------------------------

func (s *OperationSuite) TestGenerateWorkloadsRejectsNegativeCount() {
	op := New(s.logger)
	s.Require().Error(op.GenerateWorkloads(-1))
}

func (s *OperationSuite) TestJoinDrivesGeneratedWorkloads() {
	var executed atomic.Int32

	op := New(s.logger)
	op.SetBatchBuild(buildInfos(2), nil)
	s.Require().NoError(op.GenerateWorkloads(1))
	s.Equal(1, op.WorkloadCount())

	payloads := make([]any, 6)
	for i := range payloads {
		payloads[i] = i
	}
	w := op.Workload(0)
	w.Prepare(6, 6, payloads, func(any) { executed.Add(1) })

	s.Equal(uint32(8), op.MaxConcurrency(), "hint includes unclaimed workload instances")

	s.Equal(Success, drain(s.ctx, op, s.dev))
	s.Equal(int32(6), executed.Load(), "joiners must drive workload instances")
	s.True(w.Done())

	op.Destroy()
	s.Zero(op.WorkloadCount())
}

func (s *OperationSuite) TestGenerateWorkloadsReplacesPreviousSet() {
	op := New(s.logger)
	s.Require().NoError(op.GenerateWorkloads(3))
	first := op.Workload(0)

	s.Require().NoError(op.GenerateWorkloads(2))
	s.Equal(2, op.WorkloadCount())
	s.NotSame(first, op.Workload(0))
}
