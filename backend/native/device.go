// Package native implements framegraph.Device over the gogpu/wgpu HAL.
//
// A Device drives one hal.Device. Each graph queue maps to a hal.Queue;
// by default all three share the queue the adapter was opened with, so
// batches execute in submission order. WithQueue gives a graph queue its
// own hal.Queue, in which case semaphore waits between hal queues are
// resolved on the host by polling the signaling submission's index.
//
// The HAL has no queue family ownership, so release and acquire barriers
// reduce to usage transitions.
package native

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framegraph"
)

// pollInterval is the sleep between completion polls of a blocking wait.
const pollInterval = time.Millisecond

// defaultWaitTimeout bounds host waits whose context has no deadline.
const defaultWaitTimeout = 5 * time.Second

// Device is a framegraph.Device backed by a HAL device.
type Device struct {
	mu          sync.Mutex
	device      hal.Device
	queues      [3]*queue
	clears      *clearPipelines
	waitTimeout time.Duration

	// closeFn releases what Open created: the HAL device and instance.
	closeFn func()
	closed  bool
}

// queue is one hal.Queue and the submissions it has not retired yet.
// submitted and completed are HAL submission indices.
type queue struct {
	name      string
	q         hal.Queue
	submitted uint64
	completed uint64
	inflight  []submission
}

// submission holds what must outlive a batch until the GPU completes it.
type submission struct {
	index   uint64
	cbs     []hal.CommandBuffer
	release []func()
}

// Option configures a Device.
type Option func(*config)

type config struct {
	queues      [3]hal.Queue
	waitTimeout time.Duration
}

// WithQueue runs graph queue q on its own hal.Queue.
func WithQueue(q framegraph.Queue, hq hal.Queue) Option {
	return func(c *config) {
		if int(q) < len(c.queues) {
			c.queues[q] = hq
		}
	}
}

// WithWaitTimeout bounds host waits on the GPU when the caller's context
// carries no deadline. Zero means no bound.
func WithWaitTimeout(d time.Duration) Option {
	return func(c *config) {
		c.waitTimeout = d
	}
}

// New creates a Device on an opened HAL device. The caller keeps ownership
// of device and q; Close releases only what the Device created.
func New(device hal.Device, q hal.Queue, opts ...Option) (*Device, error) {
	if device == nil || q == nil {
		return nil, ErrNilHALDevice
	}
	cfg := config{waitTimeout: defaultWaitTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &Device{device: device, clears: newClearPipelines(), waitTimeout: cfg.waitTimeout}
	shared := &queue{name: "shared", q: q}
	for i := range d.queues {
		if hq := cfg.queues[i]; hq != nil {
			d.queues[i] = &queue{name: framegraph.Queue(i).String(), q: hq}
		} else {
			d.queues[i] = shared
		}
	}
	slogger().Info("native: device created", "queues", len(d.uniqueQueues()))
	return d, nil
}

// NewFromProvider creates a Device on the HAL device of a host application,
// such as a gogpu window. The provider must also expose HalDevice() and
// HalQueue() returning hal.Device and hal.Queue.
func NewFromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHAL)
	}
	q, ok := hp.HalQueue().(hal.Queue)
	if !ok || q == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHAL)
	}
	return New(device, q, opts...)
}

// backendOrder is the order Open tries registered HAL backends in.
var backendOrder = []gputypes.Backend{
	gputypes.BackendVulkan,
	gputypes.BackendMetal,
	gputypes.BackendDX12,
	gputypes.BackendGL,
}

// Open creates a standalone Device on the first registered HAL backend that
// yields an adapter. HAL backends register when their package is imported.
func Open(opts ...Option) (*Device, error) {
	for _, variant := range backendOrder {
		b, ok := hal.GetBackend(variant)
		if !ok {
			continue
		}
		d, err := OpenBackend(b, opts...)
		if err != nil {
			slogger().Warn("native: backend unusable", "backend", variant, "err", err)
			continue
		}
		return d, nil
	}
	return nil, ErrNoGPU
}

// OpenBackend creates a standalone Device on the preferred adapter of b.
// Discrete and integrated GPUs are preferred over software adapters.
func OpenBackend(b hal.Backend, opts ...Option) (*Device, error) {
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("native: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoGPU
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("native: open device: %w", err)
	}
	d, err := New(openDev.Device, openDev.Queue, opts...)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	d.closeFn = func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	slogger().Info("native: opened adapter", "adapter", selected.Info.Name)
	return d, nil
}

// SetLogger sets the logger for this package. framegraph.New calls it with
// the framegraph logger.
func (d *Device) SetLogger(l *slog.Logger) { setLogger(l) }

// HAL returns the underlying HAL device.
func (d *Device) HAL() hal.Device { return d.device }

// Close waits for all submitted work, then releases cached clear
// pipelines and anything Open created. Graph resources must already be
// destroyed through the graph.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	if err := d.device.WaitIdle(); err != nil {
		firstErr = fmt.Errorf("native: drain device: %w", err)
	}
	for _, qu := range d.uniqueQueues() {
		d.retire(qu, qu.submitted)
	}
	d.clears.destroyAll(d.device)
	if d.closeFn != nil {
		d.closeFn()
	}
	slogger().Info("native: device closed")
	return firstErr
}

func (d *Device) uniqueQueues() []*queue {
	var out []*queue
	for _, qu := range d.queues {
		seen := false
		for _, o := range out {
			seen = seen || o == qu
		}
		if !seen {
			out = append(out, qu)
		}
	}
	return out
}

// retire frees command buffers and per-batch objects of submissions up to index.
func (d *Device) retire(qu *queue, index uint64) {
	qu.completed = max(qu.completed, index)
	n := 0
	for _, s := range qu.inflight {
		if s.index > qu.completed {
			qu.inflight[n] = s
			n++
			continue
		}
		for _, cb := range s.cbs {
			d.device.FreeCommandBuffer(cb)
		}
		for _, fn := range s.release {
			fn()
		}
	}
	clear(qu.inflight[n:])
	qu.inflight = qu.inflight[:n]
}

// poll retires whatever the GPU has finished on qu.
func (d *Device) poll(qu *queue) {
	if len(qu.inflight) > 0 {
		d.retire(qu, qu.q.PollCompleted())
	}
}

// waitContext bounds ctx by the wait timeout unless it has a deadline.
func (d *Device) waitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d.waitTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.waitTimeout)
}

// waitIndex blocks until qu has completed submission index or ctx is done.
// d.mu must be held.
func (d *Device) waitIndex(ctx context.Context, qu *queue, index uint64) error {
	if qu.completed >= index {
		return nil
	}
	ctx, cancel := d.waitContext(ctx)
	defer cancel()
	for {
		if done := qu.q.PollCompleted(); done >= index {
			d.retire(qu, done)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s queue at %d of %d: %w", ErrTimeout, qu.name, qu.completed, index, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func (d *Device) queueFor(q framegraph.Queue) (*queue, error) {
	if int(q) >= len(d.queues) {
		return nil, fmt.Errorf("native: unknown queue %d", q)
	}
	return d.queues[q], nil
}

// Wait blocks until f is signaled or ctx is done.
func (d *Device) Wait(ctx context.Context, f framegraph.Fence) error {
	fe, ok := f.(*fence)
	if !ok || fe.dev != d {
		return ErrForeignObject
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waitIndex(ctx, fe.q, fe.index)
}

// DestroyFence is a no-op: fences are submission indices.
func (d *Device) DestroyFence(framegraph.Fence) {}

// fence is a submission index on a queue.
type fence struct {
	dev   *Device
	q     *queue
	index uint64
}

// semaphore records the submission that last signaled it.
type semaphore struct {
	dev      *Device
	q        *queue
	index    uint64
	signaled bool
}

func (d *Device) CreateSemaphore() (framegraph.Semaphore, error) {
	return &semaphore{dev: d}, nil
}

func (d *Device) DestroySemaphore(framegraph.Semaphore) {}

// Submit submits one batch. Waits on semaphores signaled by another hal
// queue block until that submission completes or ctx is done.
func (d *Device) Submit(ctx context.Context, q framegraph.Queue, info framegraph.SubmitInfo) (framegraph.Fence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	qu, err := d.queueFor(q)
	if err != nil {
		return nil, err
	}
	d.poll(qu)

	for _, w := range info.Waits {
		sem, ok := w.Semaphore.(*semaphore)
		if !ok || sem.dev != d {
			return nil, ErrForeignObject
		}
		if !sem.signaled {
			return nil, fmt.Errorf("%w (batch %q)", ErrUnsignaled, info.Label)
		}
		if sem.q.q != qu.q {
			if err := d.waitIndex(ctx, sem.q, sem.index); err != nil {
				return nil, fmt.Errorf("native: batch %q: %w", info.Label, err)
			}
		}
	}

	var sub submission
	cbs := make([]*commandBuffer, 0, len(info.CommandBuffers))
	for _, c := range info.CommandBuffers {
		cb, ok := c.(*commandBuffer)
		if !ok || cb.dev != d {
			return nil, ErrForeignObject
		}
		if cb.raw == nil || cb.submitted || cb.q != qu {
			return nil, fmt.Errorf("%w: %q", ErrBadCommandBuffer, cb.label)
		}
		cbs = append(cbs, cb)
		sub.cbs = append(sub.cbs, cb.raw)
	}

	index, err := qu.q.Submit(sub.cbs)
	if err != nil {
		return nil, fmt.Errorf("native: submit %q: %w", info.Label, err)
	}
	sub.index = index
	qu.submitted = max(qu.submitted, index)
	for _, cb := range cbs {
		cb.submitted = true
		sub.release = append(sub.release, cb.release...)
		cb.release = nil
	}
	qu.inflight = append(qu.inflight, sub)

	for _, w := range info.Waits {
		w.Semaphore.(*semaphore).signaled = false
	}
	for _, s := range info.Signals {
		sem, ok := s.(*semaphore)
		if !ok || sem.dev != d {
			return nil, ErrForeignObject
		}
		sem.q, sem.index, sem.signaled = qu, index, true
	}

	slogger().Debug("native: submitted",
		"batch", info.Label,
		"queue", qu.name,
		"command_buffers", len(sub.cbs),
		"index", index)

	if !info.Fence {
		return nil, nil
	}
	return &fence{dev: d, q: qu, index: index}, nil
}

var _ framegraph.Device = (*Device)(nil)
