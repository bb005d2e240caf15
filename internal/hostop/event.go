package hostop

import (
	"context"
	"sync"
)

// event is a one-shot completion signal. Set is idempotent and linearizes
// with Wait/IsSet through the closed channel; waiters are suspended by the
// runtime, never spun.
type event struct {
	once sync.Once
	ch   chan struct{}
}

func newEvent() *event {
	return &event{ch: make(chan struct{})}
}

// Set marks the event and reports whether this call was the one that set
// it. Safe to call from multiple goroutines; only the first call has an
// effect.
func (e *event) Set() bool {
	first := false
	e.once.Do(func() {
		close(e.ch)
		first = true
	})
	return first
}

// IsSet reports whether the event has been set.
func (e *event) IsSet() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the event is set or ctx is done. Cancellation aborts
// the wait only; the event itself is unaffected.
func (e *event) Wait(ctx context.Context) error {
	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
