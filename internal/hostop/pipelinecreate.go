package hostop

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/terrpan/hostop/internal/device"
)

// pipelineCreateState drives N independent pipeline-compile instances with
// an early-skip policy: the first fatal per-instance status wins the
// finalResult latch and sets skipRemaining, after which every instance
// claimed later is marked skipped (its output handle left zero) rather than
// attempted. Instances already claimed still finish normally. Benign
// per-instance statuses (compile required) never affect the final result;
// the benign-vs-fatal split is the table in status.go.
type pipelineCreateState struct {
	op *Operation

	nextPending   atomic.Uint32
	completed     atomic.Uint32
	finalResult   atomic.Int32 // Status, first fatal failure wins
	skipRemaining atomic.Bool

	infos []device.PipelineInfo
	out   []device.Pipeline
}

var _ variant = (*pipelineCreateState)(nil)

func (p *pipelineCreateState) join(ctx context.Context, dev device.Device) Status {
	total := uint32(len(p.infos))

	idx, ok := claimIndex(&p.nextPending, total)
	if !ok {
		return ThreadDone
	}

	if p.skipRemaining.Load() {
		if p.op.instancesSkipped != nil {
			p.op.instancesSkipped.Add(ctx, 1)
		}
		p.op.logger.Debug("pipeline instance skipped",
			slog.String("id", p.op.id.String()),
			slog.Uint64("instance", uint64(idx)),
		)
	} else {
		p.compile(ctx, dev, idx)
	}

	if p.completed.Add(1) == total {
		return Success
	}
	if p.nextPending.Load() < total {
		return ThreadIdle
	}
	return ThreadDone
}

func (p *pipelineCreateState) isComplete() bool {
	return p.completed.Load() == uint32(len(p.infos))
}

func (p *pipelineCreateState) compile(ctx context.Context, dev device.Device, idx uint32) {
	pipeline, err := dev.CreatePipeline(ctx, p.infos[idx])
	st, fatal := classifyPipelineError(err)

	switch {
	case err == nil:
		p.out[idx] = pipeline
		if p.op.instancesRun != nil {
			p.op.instancesRun.Add(ctx, 1)
		}
	case fatal:
		p.finalResult.CompareAndSwap(int32(Success), int32(st))
		p.skipRemaining.Store(true)
		if p.op.instanceFailures != nil {
			p.op.instanceFailures.Add(ctx, 1)
		}
		p.op.logger.Warn("pipeline instance failed, skipping remaining",
			slog.String("id", p.op.id.String()),
			slog.Uint64("instance", uint64(idx)),
			slog.String("status", st.String()),
			slog.String("error", err.Error()),
		)
	default:
		// Benign partial outcome: handle stays zero, batch unaffected.
		if p.op.instancesRun != nil {
			p.op.instancesRun.Add(ctx, 1)
		}
		p.op.logger.Debug("pipeline instance reported benign status",
			slog.String("id", p.op.id.String()),
			slog.Uint64("instance", uint64(idx)),
			slog.String("status", st.String()),
		)
	}
}

func (p *pipelineCreateState) maxConcurrency() uint32 {
	return remainingBelow(&p.nextPending, uint32(len(p.infos)))
}

func (p *pipelineCreateState) result() Status {
	return Status(p.finalResult.Load())
}
