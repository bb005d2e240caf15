package hostop

import (
	"context"
	"math"
	"sync/atomic"
)

// TotalUnknown marks a workload whose authoritative instance count has not
// been published yet. While the total is unknown, claims are bounded by the
// MaxInstances ceiling and reconciled against the real total at execution
// time.
const TotalUnknown = uint32(math.MaxUint32)

// Workload is an atomically partitioned pool of instances sharing one
// completion signal. Any number of goroutines may call Execute concurrently;
// each instance index is claimed by at most one of them.
type Workload struct {
	next      atomic.Uint32
	completed atomic.Uint32
	total     atomic.Uint32

	// maxInstances is the claim ceiling used while total == TotalUnknown.
	// Written once in Prepare, before the workload is shared.
	maxInstances uint32

	payloads []any
	execute  func(payload any)

	done *event
}

func newWorkload() *Workload {
	w := &Workload{done: newEvent()}
	// Unprepared: nothing claimable, completion pending.
	w.total.Store(TotalUnknown)
	return w
}

// Prepare binds the instance payloads and execution function. total may be
// TotalUnknown, in which case maxInstances bounds optimistic claims and
// SetTotal must be called once the real count is derivable. Prepare must
// happen before any goroutine calls Execute.
//
// A zero-instance workload is a legal no-op: its completion signal is set
// here and must never be waited on for work that will not come.
func (w *Workload) Prepare(total, maxInstances uint32, payloads []any, execute func(payload any)) {
	w.maxInstances = maxInstances
	w.payloads = payloads
	w.execute = execute
	w.total.Store(total)
	if total == 0 {
		w.done.Set()
	}
}

// SetTotal publishes the authoritative instance count for a workload
// prepared with TotalUnknown. Instances already completed are re-checked
// against the new total so a late publication cannot strand waiters.
func (w *Workload) SetTotal(total uint32) {
	w.total.Store(total)
	if w.completed.Load() >= total {
		w.done.Set()
	}
}

// claim atomically hands out the next unclaimed instance index, bounded by
// the authoritative total (or the ceiling while the total is unknown).
// Claims past the bound are idempotent no-ops.
func (w *Workload) claim() (uint32, bool) {
	for {
		limit := w.total.Load()
		if limit == TotalUnknown {
			limit = w.maxInstances
		}
		cur := w.next.Load()
		if cur >= limit {
			return 0, false
		}
		if w.next.CompareAndSwap(cur, cur+1) {
			return cur, true
		}
	}
}

// Execute claims and runs instances until none are claimable. Safe to call
// from any number of goroutines; each payload is executed exactly once. The
// goroutine whose completion increment reaches the total sets the completion
// signal; that transition is observed by exactly one caller.
func (w *Workload) Execute() {
	for {
		idx, ok := w.claim()
		if !ok {
			return
		}

		// An optimistic claim issued against the ceiling may land past the
		// total published in the meantime; such claims are discarded without
		// executing or counting.
		if total := w.total.Load(); total != TotalUnknown && idx >= total {
			continue
		}

		w.execute(w.payloads[idx])

		if w.completed.Add(1) == w.total.Load() {
			w.done.Set()
		}
	}
}

// Remaining returns the number of not-yet-claimed instances, clamped to
// zero. A hint only: other goroutines may claim between this call and a
// subsequent Execute.
func (w *Workload) Remaining() uint32 {
	limit := w.total.Load()
	if limit == TotalUnknown {
		limit = w.maxInstances
	}
	if next := w.next.Load(); next < limit {
		return limit - next
	}
	return 0
}

// Completed returns the number of instances whose execution has returned.
func (w *Workload) Completed() uint32 {
	return w.completed.Load()
}

// Done reports whether the completion signal has been set.
func (w *Workload) Done() bool {
	return w.done.IsSet()
}

// Wait blocks until every instance has completed or ctx is done.
func (w *Workload) Wait(ctx context.Context) error {
	return w.done.Wait(ctx)
}
