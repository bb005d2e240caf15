package hostop

import (
	"context"
	"sync/atomic"

	"github.com/terrpan/hostop/internal/device"
)

// simpleState is the one-shot variant: the wrapped callback is executed
// fully within the first Join call that wins the joined latch.
type simpleState struct {
	op *Operation

	joined   atomic.Bool
	finished atomic.Bool
	fn       SimpleFunc
	arg      any

	// res is written by the executing goroutine before the completion event
	// is set and read only after it, so the event orders the accesses.
	res Status
}

var _ variant = (*simpleState)(nil)

func (s *simpleState) join(ctx context.Context, dev device.Device) Status {
	if !s.joined.CompareAndSwap(false, true) {
		// Another goroutine claimed the callback. It may still be running;
		// the operation reports Success once it has finished.
		return ThreadDone
	}

	s.res = s.fn(ctx, dev, s.arg)
	s.finished.Store(true)
	if op := s.op; op.instancesRun != nil {
		op.instancesRun.Add(ctx, 1)
	}
	return Success
}

func (s *simpleState) maxConcurrency() uint32 {
	if s.joined.Load() {
		return 0
	}
	return 1
}

func (s *simpleState) isComplete() bool {
	return s.finished.Load()
}

func (s *simpleState) result() Status {
	return s.res
}
