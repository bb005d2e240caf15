// Package device defines the abstraction for compute backends that execute
// the per-instance work of a deferred host operation. Each backend
// (in-process CPU, container, future remote executors) implements the Device
// interface so the coordination engine remains execution-agnostic.
package device

import "context"

// Device is the contract every execution backend must satisfy.
//
// The engine never schedules GPU work itself: it only decides when and how
// many times these calls run, from whichever caller-supplied goroutine joined
// the operation. Both methods are invoked concurrently for different
// instances of the same batch, so implementations must not share mutable
// state across calls.
//
// Per-instance failures are reported through sentinel errors (see errors.go);
// the engine classifies them, it never inspects backend-specific error text.
type Device interface {
	// BuildAccelerationStructure executes one instance of a batched
	// acceleration-structure build. A resource-acquisition failure is
	// reported by wrapping ErrMapFailed; the batch continues regardless.
	BuildAccelerationStructure(ctx context.Context, info BuildInfo, ranges []BuildRange) error

	// CreatePipeline compiles one pipeline instance and returns its handle.
	// Benign partial outcomes (ErrCompileRequired) are returned as errors
	// like fatal ones; the engine's per-call-kind table decides which is
	// which.
	CreatePipeline(ctx context.Context, info PipelineInfo) (Pipeline, error)
}

// BuildInfo describes one acceleration-structure build instance. The fields
// are host-side descriptors only; what they mean is up to the backend.
type BuildInfo struct {
	// Label identifies the structure being built (logging/tracing only).
	Label string

	// GeometryCount is the number of geometry records covered by Ranges.
	GeometryCount uint32

	// ScratchSize is the backend scratch allocation the build will map.
	ScratchSize uint64

	// Payload carries backend-specific input, opaque to the engine.
	Payload any
}

// BuildRange bounds one geometry's primitives within a build instance.
type BuildRange struct {
	PrimitiveCount  uint32
	PrimitiveOffset uint32
	FirstVertex     uint32
	TransformOffset uint32
}

// PipelineInfo describes one pipeline-compile instance.
type PipelineInfo struct {
	// Label identifies the pipeline (logging/tracing only).
	Label string

	// ShaderCode is the input the backend compiles. Opaque to the engine.
	ShaderCode []byte

	// FailFast requests that the backend not fall back to a full compile
	// when a cached artifact is missing, reporting ErrCompileRequired
	// instead.
	FailFast bool

	// Payload carries backend-specific input, opaque to the engine.
	Payload any
}

// Pipeline is the opaque output handle of a successful compile. The zero
// value marks an instance that was skipped or failed.
type Pipeline struct {
	ID string
}

// Valid reports whether p refers to a produced pipeline.
func (p Pipeline) Valid() bool { return p.ID != "" }
