package device

import "errors"

// Sentinel errors backends use to report per-instance outcomes. Backends
// wrap these with fmt.Errorf("...: %w", ...) so the engine can classify via
// errors.Is while logs keep the backend detail.
var (
	// ErrMapFailed is a recoverable resource-acquisition failure for one
	// build instance. The batch continues; the failure is surfaced only in
	// the aggregated result.
	ErrMapFailed = errors.New("device: memory map failed")

	// ErrOutOfHostMemory reports host allocation failure.
	ErrOutOfHostMemory = errors.New("device: out of host memory")

	// ErrOutOfDeviceMemory reports device allocation failure.
	ErrOutOfDeviceMemory = errors.New("device: out of device memory")

	// ErrCompileRequired is the benign partial outcome of a fail-fast
	// pipeline compile: no cached artifact existed and a full compile was
	// not attempted. It never fails the batch.
	ErrCompileRequired = errors.New("device: pipeline compile required")

	// ErrCompileFailed reports an unrecoverable pipeline compile failure.
	ErrCompileFailed = errors.New("device: pipeline compile failed")
)
