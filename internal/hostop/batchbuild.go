package hostop

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/terrpan/hostop/internal/device"
)

// batchBuildState drives N independent acceleration-structure build
// instances. A per-instance resource-acquisition failure is counted in
// failedMaps and never aborts the batch: the remaining instances still run
// and their outputs stay valid. The aggregated result is out-of-host-memory
// iff any instance failed to map.
type batchBuildState struct {
	op *Operation

	nextPending atomic.Uint32
	completed   atomic.Uint32
	failedMaps  atomic.Uint32

	// Read-only per-instance input views.
	infos  []device.BuildInfo
	ranges [][]device.BuildRange
}

var _ variant = (*batchBuildState)(nil)

func (b *batchBuildState) join(ctx context.Context, dev device.Device) Status {
	total := uint32(len(b.infos))

	idx, ok := claimIndex(&b.nextPending, total)
	if !ok {
		return ThreadDone
	}

	var ranges []device.BuildRange
	if int(idx) < len(b.ranges) {
		ranges = b.ranges[idx]
	}

	if err := dev.BuildAccelerationStructure(ctx, b.infos[idx], ranges); err != nil {
		b.failedMaps.Add(1)
		if b.op.instanceFailures != nil {
			b.op.instanceFailures.Add(ctx, 1)
		}
		b.op.logger.Warn("build instance failed to map",
			slog.String("id", b.op.id.String()),
			slog.Uint64("instance", uint64(idx)),
			slog.String("error", err.Error()),
		)
	} else if b.op.instancesRun != nil {
		b.op.instancesRun.Add(ctx, 1)
	}

	// Exactly one goroutine observes the final increment.
	if b.completed.Add(1) == total {
		return Success
	}
	if b.nextPending.Load() < total {
		return ThreadIdle
	}
	return ThreadDone
}

func (b *batchBuildState) maxConcurrency() uint32 {
	return remainingBelow(&b.nextPending, uint32(len(b.infos)))
}

func (b *batchBuildState) isComplete() bool {
	return b.completed.Load() == uint32(len(b.infos))
}

func (b *batchBuildState) result() Status {
	if b.failedMaps.Load() > 0 {
		return ErrOutOfHostMemory
	}
	return Success
}
