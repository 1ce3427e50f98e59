// Package framegraph schedules the GPU passes of one frame across the
// graphics, compute and transfer queues.
//
// # Overview
//
// A frame is declared as passes that use views of images and buffers in
// named states. From those declarations the graph removes passes whose
// results are never read, allocates transient resources with exactly the
// usages they need, inserts barriers and queue ownership transfers, and
// groups passes into submission batches joined by semaphores.
//
// # Quick Start
//
//	g := framegraph.New(dev, framegraph.WithResourcePool(32))
//	defer g.Close(ctx)
//
//	for frame := range frames {
//		if err := g.Reset(ctx); err != nil { // waits for the previous frame
//			return err
//		}
//		hdrID, _ := g.CreateImage(framegraph.ImageDesc{
//			Label:  "hdr",
//			Format: gputypes.TextureFormatRGBA16Float,
//			Width:  1280, Height: 720,
//			Clear:  true,
//		})
//		hdr, _ := g.WholeView(hdrID)
//
//		g.AddPass("lighting", framegraph.QueueCompute, []framegraph.Usage{
//			{View: hdr, State: framegraph.StateStorageWriteCompute},
//		}, recordLighting)
//		g.AddPass("tonemap", framegraph.QueueGraphics, []framegraph.Usage{
//			{View: hdr, State: framegraph.StateSampledGraphics},
//			{View: swapchain, State: framegraph.StateColorAttachmentWrite,
//				Final: framegraph.StatePresent},
//		}, recordTonemap)
//
//		sub, err := g.Execute(ctx, swapchain, framegraph.ExecuteOptions{Wait: acquired})
//		...
//	}
//
// # Frame Lifecycle
//
// Construction, Compile and Submit happen once per frame. Compile runs
// culling, allocation and synchronization planning and returns a Plan
// whose tasks may be recorded one by one with Plan.Record before
// Plan.Submit. Execute does both in one call. Reset waits for the frame's
// fences, recycles transient resources and invalidates every handle of
// the frame; stale handles are rejected with ErrStaleHandle.
//
// # Devices
//
// The graph talks to the GPU only through the Device interface. The
// backend/native package implements it over gogpu/wgpu HAL and
// backend/trace records every call for tests and dry runs.
//
// # Concurrency
//
// A Graph is not safe for concurrent use. Work runs concurrently on the
// GPU across queues, ordered by the semaphores in the plan.
package framegraph
