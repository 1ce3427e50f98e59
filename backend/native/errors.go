package native

import "errors"

// Package errors for the native backend.
var (
	// ErrNilHALDevice is returned when a device is created without a HAL device or queue.
	ErrNilHALDevice = errors.New("native: HAL device is nil")

	// ErrNoGPU is returned when no HAL backend yields an adapter.
	ErrNoGPU = errors.New("native: no GPU adapter available")

	// ErrNoHAL is returned when a device provider does not expose HAL types.
	ErrNoHAL = errors.New("native: provider does not expose HAL device and queue")

	// ErrForeignObject is returned for objects created by another device.
	ErrForeignObject = errors.New("native: object belongs to another device")

	// ErrBadCommandBuffer is returned when submitting a command buffer that
	// is still open, already submitted, or recorded for another queue.
	ErrBadCommandBuffer = errors.New("native: command buffer cannot be submitted")

	// ErrUnsignaled is returned when a batch waits on a semaphore no batch signals.
	ErrUnsignaled = errors.New("native: wait on unsignaled semaphore")

	// ErrTimeout is returned when the GPU does not complete a submission
	// before the wait's deadline.
	ErrTimeout = errors.New("native: GPU timeout")

	// ErrUnsupportedFormat is returned when a storage clear targets a format
	// without a storage texel type.
	ErrUnsupportedFormat = errors.New("native: format cannot be cleared as storage")

	// ErrNotMapped is returned by UnmapBuffer for a buffer that is not mapped.
	ErrNotMapped = errors.New("native: buffer is not mapped")
)
