package framegraph

import (
	"context"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/framegraph/internal/pool"
)

// Graph is the per-frame dependency graph of passes and the resources they
// touch. A frame is built with CreateImage/CreateBuffer/CreateView/AddPass,
// compiled and submitted with Execute (or Compile, Plan.Record and
// Plan.Submit), and released with Reset before the next frame.
//
// A Graph is not safe for concurrent use.
type Graph struct {
	id    uint32
	epoch uint32
	dev   Device
	opts  options

	resources []resource
	views     []view
	subs      []subresource
	passes    []pass

	plan  *Plan
	frame *frame

	timer   Timer
	timings map[string]Timing

	images  *pool.Pool[imageKey, Image]
	buffers *pool.Pool[bufferKey, Buffer]
}

// resource is one registered image or buffer.
type resource struct {
	desc     resourceDesc
	imported bool
	external *ExternalState
	native   allocation
	firstSub int

	// Filled by Compile.
	alive       bool
	first, last int
	texUsage    gputypes.TextureUsage
	bufUsage    gputypes.BufferUsage
	viewFormats []gputypes.TextureFormat
	array2D     bool
}

func (r *resource) image() (ImageDesc, bool) {
	d, ok := r.desc.(ImageDesc)
	return d, ok
}

func (r *resource) buffer() (BufferDesc, bool) {
	d, ok := r.desc.(BufferDesc)
	return d, ok
}

func (r *resource) concurrent() bool {
	switch d := r.desc.(type) {
	case ImageDesc:
		return d.Concurrent
	case BufferDesc:
		return d.Concurrent
	}
	return false
}

func (r *resource) clear() (ClearValue, bool) {
	switch d := r.desc.(type) {
	case ImageDesc:
		return d.ClearValue, d.Clear
	case BufferDesc:
		return d.ClearValue, d.Clear
	}
	return ClearValue{}, false
}

// allocation is the sum of native resource variants.
type allocation interface {
	destroy(dev Device)
}

type imageAllocation struct{ img Image }

type bufferAllocation struct{ buf Buffer }

func (a imageAllocation) destroy(dev Device)  { dev.DestroyImage(a.img) }
func (a bufferAllocation) destroy(dev Device) { dev.DestroyBuffer(a.buf) }

// subresource holds the ordered usage list of one image level/layer or of
// a whole buffer.
type subresource struct {
	res  int
	uses []usageRecord
}

type usageRecord struct {
	pass  int
	state State
	final State

	read   bool
	access Access
	stage  Stage
}

// view is one registered view with its range resolved.
type view struct {
	res    int
	desc   ViewDesc
	subs   []int
	used   bool
	native ImageView
}

// frame is a submitted frame awaiting Reset.
type frame struct {
	fences  []Fence
	queries []passQuery
	slots   uint32
}

// New creates a graph that allocates and submits through dev.
func New(dev Device, opts ...Option) *Graph {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	g := &Graph{
		id:   graphIDs.Add(1),
		dev:  dev,
		opts: o,
	}
	if o.poolLimit > 0 {
		g.images = pool.New[imageKey, Image](o.poolLimit, dev.DestroyImage)
		g.buffers = pool.New[bufferKey, Buffer](o.poolLimit, dev.DestroyBuffer)
	}
	propagateLogger(dev, Logger())
	Logger().Info("framegraph: graph created", "label", o.label, "pool", o.poolLimit, "queries", o.queryBudget)
	return g
}

// Device returns the device the graph was created with.
func (g *Graph) Device() Device { return g.dev }

func (g *Graph) empty() bool {
	return len(g.resources) == 0 && len(g.passes) == 0 && g.plan == nil && g.frame == nil
}

func (g *Graph) mutable() error {
	if g.plan != nil {
		return ErrAlreadyCompiled
	}
	return nil
}

// Reset waits for the previous frame to finish on the GPU, collects its
// timings, releases transient resources and semaphores, and invalidates
// every handle issued for the frame. Calling Reset on a clean graph does
// nothing.
//
// If the fence wait fails the graph keeps its state and Reset may be
// retried.
func (g *Graph) Reset(ctx context.Context) error {
	if g.empty() {
		return nil
	}

	if f := g.frame; f != nil {
		if err := g.waitFrame(ctx, f); err != nil {
			return err
		}
		g.collectTimings(ctx, f)
		g.frame = nil
	}

	if p := g.plan; p != nil {
		p.release()
	}

	for i := range g.views {
		if v := &g.views[i]; v.native != nil {
			g.dev.DestroyImageView(v.native)
			v.native = nil
		}
	}
	for i := range g.resources {
		g.releaseResource(&g.resources[i])
	}

	g.resources = g.resources[:0]
	g.views = g.views[:0]
	g.subs = g.subs[:0]
	g.passes = g.passes[:0]
	g.plan = nil
	g.epoch++
	return nil
}

func (g *Graph) waitFrame(ctx context.Context, f *frame) error {
	if g.opts.fenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.fenceTimeout)
		defer cancel()
	}
	for i, fence := range f.fences {
		if fence == nil {
			continue
		}
		if err := g.dev.Wait(ctx, fence); err != nil {
			return fmt.Errorf("%w: waiting for frame fence: %w", ErrDevice, err)
		}
		g.dev.DestroyFence(fence)
		f.fences[i] = nil
	}
	return nil
}

// releaseResource destroys or pools the native allocation of a transient
// resource. Imported natives are left alone.
func (g *Graph) releaseResource(r *resource) {
	if r.native == nil || r.imported {
		r.native = nil
		return
	}
	switch a := r.native.(type) {
	case imageAllocation:
		if g.images != nil {
			d, _ := r.image()
			g.images.Put(newImageKey(d, r), a.img)
			break
		}
		a.destroy(g.dev)
	case bufferAllocation:
		if g.buffers != nil {
			d, _ := r.buffer()
			g.buffers.Put(newBufferKey(d, r), a.buf)
			break
		}
		a.destroy(g.dev)
	}
	r.native = nil
}

// Close resets the graph and releases pooled resources and the timer.
func (g *Graph) Close(ctx context.Context) error {
	err := g.Reset(ctx)
	if g.images != nil {
		g.images.Drain()
	}
	if g.buffers != nil {
		g.buffers.Drain()
	}
	if g.timer != nil {
		g.timer.Destroy()
		g.timer = nil
	}
	Logger().Info("framegraph: graph closed", "label", g.opts.label)
	return err
}

// Execute compiles the graph for final, records every pass with its
// registered callback, and submits the frame.
func (g *Graph) Execute(ctx context.Context, final ViewID, opts ExecuteOptions) (Submission, error) {
	p, err := g.Compile(ctx, final, opts)
	if err != nil {
		return Submission{}, err
	}
	return p.Submit(ctx)
}

// ExecuteOptions configures the frame boundary of Execute and Compile.
type ExecuteOptions struct {
	// Wait, when set, gates the first pass touching the final output.
	Wait Semaphore
	// WaitStage overrides the stage Wait blocks; zero uses the stage of
	// the first usage of the final output.
	WaitStage Stage
}

// Submission is the result of submitting a frame.
type Submission struct {
	// Signal is signaled when the last pass touching the final output
	// completes. The graph owns it until Reset.
	Signal Semaphore
	// Batches is the number of submitted batches.
	Batches int
}
