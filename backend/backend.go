package backend

import "errors"

// Backend name constants.
const (
	// BackendNative is the name of the GPU backend over gogpu/wgpu HAL.
	BackendNative = "native"
	// BackendTrace is the name of the CPU recording backend.
	BackendTrace = "trace"
	// BackendNoop is the native backend over the GPU-less HAL. It is never
	// picked by Default.
	BackendNoop = "noop"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not
	// registered or none can be opened.
	ErrBackendNotAvailable = errors.New("backend: not available")
)
