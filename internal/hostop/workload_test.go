package hostop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingPayloads returns n payloads that count how often they execute.
func countingPayloads(n int) ([]any, []*atomic.Int32) {
	counters := make([]*atomic.Int32, n)
	payloads := make([]any, n)
	for i := range counters {
		counters[i] = &atomic.Int32{}
		payloads[i] = counters[i]
	}
	return payloads, counters
}

func executeCounter(p any) {
	p.(*atomic.Int32).Add(1)
}

func TestWorkloadNoDoubleExecution(t *testing.T) {
	cases := []struct {
		instances int
		workers   int
	}{
		{instances: 1, workers: 1},
		{instances: 1, workers: 64},
		{instances: 100, workers: 4},
		{instances: 5000, workers: 16},
		{instances: 10000, workers: 64},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_instances_%d_workers", tc.instances, tc.workers), func(t *testing.T) {
			payloads, counters := countingPayloads(tc.instances)

			w := newWorkload()
			w.Prepare(uint32(tc.instances), uint32(tc.instances), payloads, executeCounter)

			var wg sync.WaitGroup
			for range tc.workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					w.Execute()
				}()
			}
			wg.Wait()

			for i, c := range counters {
				require.Equal(t, int32(1), c.Load(), "instance %d executed %d times", i, c.Load())
			}
			assert.Equal(t, uint32(tc.instances), w.Completed())
			assert.True(t, w.Done(), "completion signal must be set")
			assert.Zero(t, w.Remaining())
		})
	}
}

func TestWorkloadZeroInstancesIsNoOp(t *testing.T) {
	w := newWorkload()
	w.Prepare(0, 0, nil, func(any) { t.Fatal("execute must not be called") })

	// Completion is set at preparation time, never waited on.
	assert.True(t, w.Done())
	w.Execute()
	assert.Zero(t, w.Completed())

	require.NoError(t, w.Wait(context.Background()))
}

func TestWorkloadUnpreparedClaimsNothing(t *testing.T) {
	w := newWorkload()
	w.Execute()
	assert.Zero(t, w.Completed())
	assert.False(t, w.Done())
}

func TestWorkloadCompletionSignalSetExactlyOnce(t *testing.T) {
	payloads, _ := countingPayloads(64)

	w := newWorkload()
	w.Prepare(64, 64, payloads, executeCounter)

	// Concurrent executors plus redundant claims after exhaustion must not
	// double-complete or move counters past the total.
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Execute()
			w.Execute() // idempotent once exhausted
		}()
	}
	wg.Wait()

	assert.Equal(t, uint32(64), w.Completed())
	assert.True(t, w.Done())
}

func TestWorkloadUnknownTotalReconciliation(t *testing.T) {
	const max = 128
	const total = 40

	payloads, counters := countingPayloads(max)

	w := newWorkload()
	w.Prepare(TotalUnknown, max, payloads, executeCounter)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Execute()
		}()
	}
	// Publish the authoritative total while workers are claiming
	// optimistically against the ceiling.
	time.Sleep(time.Millisecond)
	w.SetTotal(total)
	wg.Wait()

	// Every instance below the true total runs exactly once; optimistic
	// claims past it run at most once (only if validated before the total
	// was published) and never twice.
	for i, c := range counters {
		if i < total {
			require.Equal(t, int32(1), c.Load(), "instance %d", i)
		} else {
			require.LessOrEqual(t, c.Load(), int32(1), "instance %d", i)
		}
	}
	assert.True(t, w.Done())
	assert.GreaterOrEqual(t, w.Completed(), uint32(total))

	require.NoError(t, w.Wait(context.Background()))
}

func TestWorkloadSetTotalAfterLastCompletionUnblocksWaiters(t *testing.T) {
	payloads, _ := countingPayloads(4)

	w := newWorkload()
	w.Prepare(TotalUnknown, 4, payloads, executeCounter)

	// All ceiling instances execute before the total is known: the event
	// stays unset until SetTotal reconciles.
	w.Execute()
	assert.Equal(t, uint32(4), w.Completed())
	assert.False(t, w.Done())

	w.SetTotal(4)
	assert.True(t, w.Done())
}

func TestWorkloadWaitRespectsContext(t *testing.T) {
	w := newWorkload()
	w.Prepare(1, 1, []any{&atomic.Int32{}}, executeCounter)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := w.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, w.Done())
}
