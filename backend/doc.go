// Package backend is a registry of framegraph.Device factories.
//
// Backends register themselves from init() functions and are selected at
// runtime, either by name or by priority:
//
//	import (
//		_ "github.com/gogpu/framegraph/backend/native"
//		_ "github.com/gogpu/framegraph/backend/trace"
//	)
//
//	// Open the best available device (native, then trace).
//	name, dev, err := backend.Default()
//
//	// Or request one by name.
//	dev, err := backend.Open("trace")
//
// # Available Backends
//
//   - "native": gogpu/wgpu HAL, selecting the first registered HAL backend
//     with an adapter (Vulkan, Metal, DX12, GL)
//   - "trace": CPU-only recording device for tests and dry runs
//   - "noop": the native device over the GPU-less HAL; only opened by name
package backend
