package hostop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/hostop/internal/device"
)

// variant is the state shape bound to an operation at configuration time.
// Exactly one variant is bound per operation lifetime; all public calls
// dispatch through it.
type variant interface {
	// join claims and executes at most one pending instance and reports
	// whether more claimable work exists. Never blocks.
	join(ctx context.Context, dev device.Device) Status

	// maxConcurrency returns the number of not-yet-claimed instances.
	// Pure; safe concurrently with join.
	maxConcurrency() uint32

	// isComplete reports whether every instance of the variant has finished
	// executing.
	isComplete() bool

	// result folds the per-instance outcomes into the final status.
	// Only meaningful once the operation is complete.
	result() Status
}

// Operation is a deferred host operation: created empty, configured exactly
// once with a variant, joined by any number of caller goroutines, and
// destroyed by its owner once complete.
//
// Caller contract (not engine-enforced): configuration happens before the
// first Join, at most once; Destroy is not called while any goroutine may
// still be inside Join or Result.
type Operation struct {
	id     uuid.UUID
	logger *slog.Logger

	// state is written once at configuration time, before any Join.
	state variant
	done  *event

	mu        sync.Mutex // guards workloads (re)generation
	workloads []*Workload

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	joins            metric.Int64Counter
	instancesRun     metric.Int64Counter
	instancesSkipped metric.Int64Counter
	instanceFailures metric.Int64Counter
	joinDuration     metric.Float64Histogram
}

// New creates an unconfigured operation. Joining it yields NotReady until a
// variant is bound. logger may be nil.
func New(logger *slog.Logger) *Operation {
	if logger == nil {
		logger = slog.Default()
	}

	op := &Operation{
		id:     uuid.New(),
		logger: logger,
		done:   newEvent(),
		tracer: otel.Tracer("hostop/operation"),
		meter:  otel.Meter("hostop/operation"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	op.joins, err = op.meter.Int64Counter(
		"hostop.joins",
		metric.WithDescription("Total number of Join calls"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create joins counter", slog.String("error", err.Error()))
	}

	op.instancesRun, err = op.meter.Int64Counter(
		"hostop.instances.executed",
		metric.WithDescription("Total number of instances executed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create instancesRun counter", slog.String("error", err.Error()))
	}

	op.instancesSkipped, err = op.meter.Int64Counter(
		"hostop.instances.skipped",
		metric.WithDescription("Total number of instances skipped after a fatal failure"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create instancesSkipped counter", slog.String("error", err.Error()))
	}

	op.instanceFailures, err = op.meter.Int64Counter(
		"hostop.instances.failed",
		metric.WithDescription("Total number of per-instance failures"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create instanceFailures counter", slog.String("error", err.Error()))
	}

	op.joinDuration, err = op.meter.Float64Histogram(
		"hostop.join.duration",
		metric.WithDescription("Duration of a single Join call (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.01, 0.1, 1, 10),
	)
	if err != nil {
		logger.Warn("failed to create joinDuration histogram", slog.String("error", err.Error()))
	}

	return op
}

// ID returns the operation's opaque identity.
func (op *Operation) ID() uuid.UUID { return op.id }

// ---------------------------------------------------------------------------
// Configuration (exactly once, before the first Join)
// ---------------------------------------------------------------------------

// SimpleFunc is the callback of a simple operation, executed fully within
// the first Join call that claims it.
type SimpleFunc func(ctx context.Context, dev device.Device, arg any) Status

// SetSimple binds a one-shot callback executed by exactly one joiner.
func (op *Operation) SetSimple(fn SimpleFunc, arg any) {
	op.state = &simpleState{op: op, fn: fn, arg: arg}
	op.logger.Debug("operation configured",
		slog.String("id", op.id.String()),
		slog.String("kind", "simple"),
	)
}

// SetBatchBuild binds N independent acceleration-structure build instances.
// ranges[i] bounds the geometries of infos[i]; a short ranges slice leaves
// the tail instances unbounded.
func (op *Operation) SetBatchBuild(infos []device.BuildInfo, ranges [][]device.BuildRange) {
	s := &batchBuildState{op: op, infos: infos, ranges: ranges}
	op.state = s
	if len(infos) == 0 {
		op.done.Set()
	}
	op.logger.Debug("operation configured",
		slog.String("id", op.id.String()),
		slog.String("kind", "batch_build"),
		slog.Int("instances", len(infos)),
	)
}

// SetPipelineCreate binds N independent pipeline-compile instances and
// returns the output handle view. Slots stay zero-valued for skipped or
// failed instances; read the slice only after the operation completes.
func (op *Operation) SetPipelineCreate(infos []device.PipelineInfo) []device.Pipeline {
	s := &pipelineCreateState{
		op:    op,
		infos: infos,
		out:   make([]device.Pipeline, len(infos)),
	}
	s.finalResult.Store(int32(Success))
	op.state = s
	if len(infos) == 0 {
		op.done.Set()
	}
	op.logger.Debug("operation configured",
		slog.String("id", op.id.String()),
		slog.String("kind", "pipeline_create"),
		slog.Int("instances", len(infos)),
	)
	return s.out
}

// ---------------------------------------------------------------------------
// Operation calls
// ---------------------------------------------------------------------------

// Join volunteers the calling goroutine to execute some of the operation's
// remaining work. It never blocks. Returns NotReady while unconfigured,
// ThreadIdle when more claimable work exists, ThreadDone when this goroutine
// has nothing left to claim but completion is pending on others, and Success
// once the operation is fully complete.
func (op *Operation) Join(ctx context.Context, dev device.Device) Status {
	ctx, span := op.tracer.Start(ctx, "hostop.Join")
	defer span.End()

	start := time.Now()
	st := op.join(ctx, dev)

	span.SetAttributes(
		attribute.String("hostop.operation_id", op.id.String()),
		attribute.String("hostop.join_status", st.String()),
	)
	if op.joins != nil {
		op.joins.Add(ctx, 1, metric.WithAttributes(attribute.String("status", st.String())))
	}
	if op.joinDuration != nil {
		op.joinDuration.Record(ctx, time.Since(start).Seconds())
	}
	return st
}

func (op *Operation) join(ctx context.Context, dev device.Device) Status {
	v := op.state
	if v == nil {
		return NotReady
	}

	// Re-entering after completion is a cheap success no-op.
	if op.done.IsSet() {
		return Success
	}

	st := v.join(ctx, dev)
	if st == ThreadIdle {
		return st
	}

	// Nothing left to claim from the variant (or its last instance just
	// finished): drive any fan-out workloads the instances generated so
	// joiners never idle while partitioned work exists, then re-evaluate
	// global completion.
	for _, w := range op.snapshotWorkloads() {
		w.Execute()
	}
	op.checkComplete()
	if op.done.IsSet() {
		return Success
	}
	return ThreadDone
}

// MaxConcurrency returns the number of instances not yet claimed, including
// unclaimed instances of generated workloads. A sizing hint only: other
// goroutines may claim instances between this call and a subsequent Join.
func (op *Operation) MaxConcurrency() uint32 {
	var n uint32
	if v := op.state; v != nil {
		n = v.maxConcurrency()
	}
	for _, w := range op.snapshotWorkloads() {
		n += w.Remaining()
	}
	return n
}

// Result blocks until the operation is fully complete, then returns the
// aggregated status per the variant's rule. The engine never self-schedules:
// completion is driven entirely by Join callers. ctx cancellation aborts the
// wait, never the operation.
func (op *Operation) Result(ctx context.Context) (Status, error) {
	ctx, span := op.tracer.Start(ctx, "hostop.Result")
	defer span.End()

	if err := op.done.Wait(ctx); err != nil {
		return NotReady, fmt.Errorf("waiting for operation %s: %w", op.id, err)
	}

	st := op.state.result()
	span.SetAttributes(
		attribute.String("hostop.operation_id", op.id.String()),
		attribute.String("hostop.result", st.String()),
	)
	return st, nil
}

// checkComplete marks the operation complete once the variant and every
// generated workload have finished, unblocking Result waiters. The set is
// idempotent; exactly one goroutine observes the transition.
func (op *Operation) checkComplete() {
	v := op.state
	if v == nil || !v.isComplete() {
		return
	}
	for _, w := range op.snapshotWorkloads() {
		if !w.Done() {
			return
		}
	}
	if op.done.Set() {
		op.logger.Info("operation complete",
			slog.String("id", op.id.String()),
			slog.String("result", v.result().String()),
		)
	}
}

// ---------------------------------------------------------------------------
// Workload fan-out
// ---------------------------------------------------------------------------

// GenerateWorkloads allocates count workload records, replacing any
// previously generated set. Each workload must be prepared via
// Workload.Prepare and is then driven through the claim/execute protocol,
// typically from the Join call path.
func (op *Operation) GenerateWorkloads(count int) error {
	if count < 0 {
		return fmt.Errorf("generate workloads: invalid count %d", count)
	}

	ws := make([]*Workload, count)
	for i := range ws {
		ws[i] = newWorkload()
	}

	op.mu.Lock()
	op.workloads = ws
	op.mu.Unlock()

	op.logger.Debug("workloads generated",
		slog.String("id", op.id.String()),
		slog.Int("count", count),
	)
	return nil
}

// WorkloadCount returns the number of generated workloads.
func (op *Operation) WorkloadCount() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return len(op.workloads)
}

// Workload returns the idx'th generated workload.
func (op *Operation) Workload(idx int) *Workload {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.workloads[idx]
}

func (op *Operation) snapshotWorkloads() []*Workload {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.workloads
}

// Destroy releases the operation's workloads. The caller must guarantee no
// goroutine is still inside Join or Result.
func (op *Operation) Destroy() {
	op.mu.Lock()
	op.workloads = nil
	op.mu.Unlock()
	op.logger.Debug("operation destroyed", slog.String("id", op.id.String()))
}

// ---------------------------------------------------------------------------
// shared claim discipline
// ---------------------------------------------------------------------------

// claimIndex atomically hands out the next pending instance index below
// limit. Claims at or beyond limit are idempotent no-ops: no double
// execution, no cursor movement.
func claimIndex(next *atomic.Uint32, limit uint32) (uint32, bool) {
	for {
		cur := next.Load()
		if cur >= limit {
			return 0, false
		}
		if next.CompareAndSwap(cur, cur+1) {
			return cur, true
		}
	}
}

func remainingBelow(next *atomic.Uint32, limit uint32) uint32 {
	if cur := next.Load(); cur < limit {
		return limit - cur
	}
	return 0
}
