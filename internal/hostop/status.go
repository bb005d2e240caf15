// Package hostop implements a deferred, cooperatively-joinable operation
// engine: a long-running unit of work is split into independent instances
// that any number of caller-supplied goroutines execute by joining the
// operation. The engine guarantees each instance runs exactly once,
// aggregates partial failures per operation kind, and unblocks Result
// waiters once all instances are done. It creates no goroutines of its own.
package hostop

import (
	"errors"

	"github.com/terrpan/hostop/internal/device"
)

// Status is the outcome of a Join call or of a completed operation.
type Status int32

const (
	// Success: the operation is fully complete (Join) or finished without a
	// fatal instance failure (Result).
	Success Status = iota

	// NotReady: the operation has no variant bound yet; the call had no
	// side effects.
	NotReady

	// ThreadIdle: the calling goroutine did some work and more claimable
	// work exists; it (or another goroutine) should call Join again.
	ThreadIdle

	// ThreadDone: no claimable work is left for this goroutine, but
	// completion may still be pending on instances other goroutines hold.
	ThreadDone

	// CompileRequired: benign per-instance partial outcome of a fail-fast
	// pipeline compile. Never fatal; never surfaced by Result.
	CompileRequired

	// ErrOutOfHostMemory: host allocation failed, or at least one build
	// instance failed to map its resources.
	ErrOutOfHostMemory

	// ErrOutOfDeviceMemory: device allocation failed for an instance.
	ErrOutOfDeviceMemory

	// ErrCompileFailed: a pipeline instance failed to compile.
	ErrCompileFailed
)

// String returns the status name for logs and test output.
func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case NotReady:
		return "not_ready"
	case ThreadIdle:
		return "thread_idle"
	case ThreadDone:
		return "thread_done"
	case CompileRequired:
		return "compile_required"
	case ErrOutOfHostMemory:
		return "err_out_of_host_memory"
	case ErrOutOfDeviceMemory:
		return "err_out_of_device_memory"
	case ErrCompileFailed:
		return "err_compile_failed"
	default:
		return "unknown"
	}
}

// IsError reports whether s is a fatal-class status.
func (s Status) IsError() bool {
	switch s {
	case ErrOutOfHostMemory, ErrOutOfDeviceMemory, ErrCompileFailed:
		return true
	default:
		return false
	}
}

// pipelineOutcome classifies one pipeline-compile instance error into a
// status and whether it latches skip-remaining. The benign-vs-fatal split is
// a table per call kind, not inferred from error shape.
var pipelineOutcomes = []struct {
	sentinel error
	status   Status
	fatal    bool
}{
	{device.ErrCompileRequired, CompileRequired, false},
	{device.ErrOutOfHostMemory, ErrOutOfHostMemory, true},
	{device.ErrOutOfDeviceMemory, ErrOutOfDeviceMemory, true},
	{device.ErrCompileFailed, ErrCompileFailed, true},
}

func classifyPipelineError(err error) (Status, bool) {
	if err == nil {
		return Success, false
	}
	for _, o := range pipelineOutcomes {
		if errors.Is(err, o.sentinel) {
			return o.status, o.fatal
		}
	}
	// Unrecognized backend errors are fatal compile failures.
	return ErrCompileFailed, true
}
