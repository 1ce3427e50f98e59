// Package trace provides a CPU-only framegraph.Device that records every
// call into an inspectable event log.
//
// The trace device allocates nothing on a GPU. It keeps host-visible
// buffer contents in memory, checks that every semaphore wait follows its
// signal and that every queue ownership acquire has a matching release,
// and writes deterministic timestamps so that pass timings can be tested.
//
//	dev := trace.New(trace.WithTimestamps(time.Millisecond))
//	g := framegraph.New(dev, framegraph.WithTimingQueries(128))
//	...
//	dev.WriteLog(os.Stdout)
package trace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/framegraph"
)

// Errors reported by the trace device.
var (
	// ErrForeignObject is returned for objects created by another device.
	ErrForeignObject = errors.New("trace: object does not belong to this device")

	// ErrUnsignaled is returned when a batch waits on a semaphore no
	// earlier batch signaled.
	ErrUnsignaled = errors.New("trace: wait on unsignaled semaphore")

	// ErrUnmatchedAcquire is returned when an ownership acquire has no
	// earlier release of the same range.
	ErrUnmatchedAcquire = errors.New("trace: acquire without release")

	// ErrBadCommandBuffer is returned when a submitted command buffer is
	// still open, was already submitted, or belongs to another queue.
	ErrBadCommandBuffer = errors.New("trace: invalid command buffer")

	// ErrTimestampsDisabled is returned by NewTimer unless WithTimestamps
	// was given.
	ErrTimestampsDisabled = errors.New("trace: timestamps disabled")
)

// Op names a recorded device call.
type Op uint8

const (
	OpCreateImage Op = iota
	OpDestroyImage
	OpCreateBuffer
	OpDestroyBuffer
	OpCreateView
	OpDestroyView
	OpCreateSemaphore
	OpDestroySemaphore
	OpMap
	OpUnmap
	OpBarrier
	OpClearImage
	OpClearBuffer
	OpTimestamp
	OpSubmit
	OpWait
)

var opNames = [...]string{
	"create_image", "destroy_image", "create_buffer", "destroy_buffer",
	"create_view", "destroy_view", "create_semaphore", "destroy_semaphore",
	"map", "unmap", "barrier", "clear_image", "clear_buffer", "timestamp",
	"submit", "wait",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// Event is one recorded call.
type Event struct {
	Op     Op
	Queue  framegraph.Queue
	Object uint64
	Label  string
	Detail string
}

func (e Event) String() string {
	s := fmt.Sprintf("%-17s %-8s #%d", e.Op, e.Queue, e.Object)
	if e.Label != "" {
		s += " " + e.Label
	}
	if e.Detail != "" {
		s += " " + e.Detail
	}
	return s
}

// Image is the native image type of the trace device.
type Image struct {
	ID   uint64
	Info framegraph.ImageAllocInfo
	dev  *Device
}

// Buffer is the native buffer type of the trace device.
type Buffer struct {
	ID     uint64
	Info   framegraph.BufferAllocInfo
	Data   []byte
	mapped bool
	dev    *Device
}

// ImageView is the native view type of the trace device.
type ImageView struct {
	ID    uint64
	Image *Image
	Info  framegraph.ImageViewInfo
}

// Semaphore is the native semaphore type of the trace device.
type Semaphore struct {
	ID       uint64
	signaled bool
	at       time.Duration
	dev      *Device
}

// Fence is the native fence type of the trace device.
type Fence struct {
	ID    uint64
	Queue framegraph.Queue
	dev   *Device
}

// Option configures a Device.
type Option func(*Device)

// WithTimestamps makes the device a working framegraph.Profiler. Every
// timestamp advances its queue clock by step.
func WithTimestamps(step time.Duration) Option {
	return func(d *Device) {
		d.step = step
	}
}

// Device is a recording framegraph.Device. It is safe for concurrent use.
type Device struct {
	mu     sync.Mutex
	logger *slog.Logger
	step   time.Duration

	next     uint64
	events   []Event
	live     map[uint64]Op
	released map[ownershipKey]bool
	clocks   [3]time.Duration
}

type ownershipKey struct {
	object uint64
	rng    framegraph.Subrange
	dst    framegraph.Queue
}

// New creates a trace device.
func New(opts ...Option) *Device {
	d := &Device{
		logger:   framegraph.Logger(),
		live:     make(map[uint64]Op),
		released: make(map[ownershipKey]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetLogger sets the logger used for submission records.
func (d *Device) SetLogger(l *slog.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger = l
}

func (d *Device) record(e Event) {
	d.events = append(d.events, e)
}

func (d *Device) id() uint64 {
	d.next++
	return d.next
}

// Events returns a copy of the event log.
func (d *Device) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

// Count returns how many events of kind op were recorded.
func (d *Device) Count(op Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.events {
		if e.Op == op {
			n++
		}
	}
	return n
}

// Live returns the number of objects created and not yet destroyed, by
// creating op.
func (d *Device) Live() map[Op]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[Op]int)
	for _, op := range d.live {
		out[op]++
	}
	return out
}

// WriteLog writes one line per event.
func (d *Device) WriteLog(w io.Writer) error {
	for i, e := range d.Events() {
		if _, err := fmt.Fprintf(w, "%4d %s\n", i, e); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears the event log. Live objects are kept.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = nil
}

func (d *Device) create(op Op, label string) uint64 {
	id := d.id()
	d.live[id] = op
	d.record(Event{Op: op, Object: id, Label: label})
	return id
}

func (d *Device) destroy(op Op, id uint64) {
	delete(d.live, id)
	d.record(Event{Op: op, Object: id})
}

func (d *Device) CreateImage(info framegraph.ImageAllocInfo) (framegraph.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.create(OpCreateImage, info.Desc.Label)
	d.events[len(d.events)-1].Detail = fmt.Sprintf("%s %dx%dx%d usage=%#x", info.Desc.Format, info.Desc.Width, info.Desc.Height, info.Desc.Depth, uint32(info.Usage))
	return &Image{ID: id, Info: info, dev: d}, nil
}

func (d *Device) DestroyImage(img framegraph.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if im, ok := img.(*Image); ok && im.dev == d {
		d.destroy(OpDestroyImage, im.ID)
	}
}

func (d *Device) CreateBuffer(info framegraph.BufferAllocInfo) (framegraph.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.create(OpCreateBuffer, info.Desc.Label)
	d.events[len(d.events)-1].Detail = fmt.Sprintf("%d bytes usage=%#x", info.Desc.Size, uint32(info.Usage))
	return &Buffer{ID: id, Info: info, Data: make([]byte, info.Desc.Size), dev: d}, nil
}

func (d *Device) DestroyBuffer(buf framegraph.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := buf.(*Buffer); ok && b.dev == d {
		d.destroy(OpDestroyBuffer, b.ID)
	}
}

func (d *Device) CreateImageView(img framegraph.Image, info framegraph.ImageViewInfo) (framegraph.ImageView, error) {
	im, ok := img.(*Image)
	if !ok || im.dev != d {
		return nil, ErrForeignObject
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.create(OpCreateView, info.Label)
	return &ImageView{ID: id, Image: im, Info: info}, nil
}

func (d *Device) DestroyImageView(view framegraph.ImageView) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := view.(*ImageView); ok {
		d.destroy(OpDestroyView, v.ID)
	}
}

func (d *Device) MapBuffer(buf framegraph.Buffer, offset, size uint64) ([]byte, error) {
	b, ok := buf.(*Buffer)
	if !ok || b.dev != d {
		return nil, ErrForeignObject
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.mapped {
		return nil, fmt.Errorf("trace: buffer #%d already mapped", b.ID)
	}
	if offset+size > uint64(len(b.Data)) {
		return nil, fmt.Errorf("trace: map %d+%d of %d-byte buffer", offset, size, len(b.Data))
	}
	b.mapped = true
	d.record(Event{Op: OpMap, Object: b.ID, Detail: fmt.Sprintf("%d+%d", offset, size)})
	return b.Data[offset : offset+size], nil
}

func (d *Device) UnmapBuffer(buf framegraph.Buffer) error {
	b, ok := buf.(*Buffer)
	if !ok || b.dev != d {
		return ErrForeignObject
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !b.mapped {
		return fmt.Errorf("trace: buffer #%d not mapped", b.ID)
	}
	b.mapped = false
	d.record(Event{Op: OpUnmap, Object: b.ID})
	return nil
}

func (d *Device) CreateSemaphore() (framegraph.Semaphore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &Semaphore{ID: d.create(OpCreateSemaphore, ""), dev: d}, nil
}

func (d *Device) DestroySemaphore(sem framegraph.Semaphore) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := sem.(*Semaphore); ok && s.dev == d {
		d.destroy(OpDestroySemaphore, s.ID)
	}
}

// Signal marks sem as signaled outside the device, like a swapchain
// acquire.
func (d *Device) Signal(sem framegraph.Semaphore) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := sem.(*Semaphore); ok {
		s.signaled = true
	}
}

func (d *Device) BeginCommands(q framegraph.Queue, label string) (framegraph.CommandBuffer, error) {
	return &commandBuffer{dev: d, queue: q, label: label}, nil
}

// Submit validates and logs a batch. Waits must follow signals, acquires
// must follow releases, and command buffers must be ended and belong to q.
func (d *Device) Submit(ctx context.Context, q framegraph.Queue, info framegraph.SubmitInfo) (framegraph.Fence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	clock := d.clocks[q]
	for _, w := range info.Waits {
		s, ok := w.Semaphore.(*Semaphore)
		if !ok {
			return nil, ErrForeignObject
		}
		if !s.signaled {
			return nil, fmt.Errorf("%w: #%d in %s", ErrUnsignaled, s.ID, info.Label)
		}
		s.signaled = false
		clock = max(clock, s.at)
	}

	for _, c := range info.CommandBuffers {
		cb, ok := c.(*commandBuffer)
		if !ok || cb.dev != d {
			return nil, ErrForeignObject
		}
		if !cb.ended || cb.submitted || cb.queue != q {
			return nil, fmt.Errorf("%w: %q on %s", ErrBadCommandBuffer, cb.label, q)
		}
		if err := d.checkOwnership(cb); err != nil {
			return nil, err
		}
		for _, st := range cb.stamps {
			clock += d.step
			st.timer.slots[st.index] = clock
		}
		d.events = append(d.events, cb.events...)
		cb.submitted = true
	}
	d.clocks[q] = clock

	for _, sem := range info.Signals {
		s, ok := sem.(*Semaphore)
		if !ok {
			return nil, ErrForeignObject
		}
		s.signaled = true
		s.at = clock
	}

	var fence framegraph.Fence
	var fid uint64
	if info.Fence {
		fid = d.id()
		d.live[fid] = OpSubmit
		fence = &Fence{ID: fid, Queue: q, dev: d}
	}
	d.record(Event{
		Op: OpSubmit, Queue: q, Object: fid, Label: info.Label,
		Detail: fmt.Sprintf("cmds=%d waits=%d signals=%d", len(info.CommandBuffers), len(info.Waits), len(info.Signals)),
	})
	d.logger.Debug("trace: submit", "queue", q, "label", info.Label, "cmds", len(info.CommandBuffers))
	return fence, nil
}

func (d *Device) checkOwnership(cb *commandBuffer) error {
	for _, b := range cb.barriers {
		key := ownershipKey{object: objectID(b), rng: b.Range, dst: b.DstQueue}
		switch b.Ownership {
		case framegraph.OwnershipRelease:
			d.released[key] = true
		case framegraph.OwnershipAcquire:
			if !d.released[key] {
				return fmt.Errorf("%w: #%d %s -> %s in %q", ErrUnmatchedAcquire, key.object, b.SrcQueue, b.DstQueue, cb.label)
			}
			delete(d.released, key)
		}
	}
	return nil
}

func objectID(b framegraph.Barrier) uint64 {
	switch {
	case b.Image != nil:
		if im, ok := b.Image.(*Image); ok {
			return im.ID
		}
	case b.Buffer != nil:
		if buf, ok := b.Buffer.(*Buffer); ok {
			return buf.ID
		}
	}
	return 0
}

// Wait returns at once; trace submissions complete when submitted.
func (d *Device) Wait(ctx context.Context, f framegraph.Fence) error {
	fence, ok := f.(*Fence)
	if !ok || fence.dev != d {
		return ErrForeignObject
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(Event{Op: OpWait, Queue: fence.Queue, Object: fence.ID})
	return nil
}

func (d *Device) DestroyFence(f framegraph.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fence, ok := f.(*Fence); ok {
		delete(d.live, fence.ID)
	}
}

// NewTimer implements framegraph.Profiler.
func (d *Device) NewTimer(capacity uint32) (framegraph.Timer, error) {
	if d.step <= 0 {
		return nil, ErrTimestampsDisabled
	}
	return &Timer{dev: d, slots: make([]time.Duration, capacity)}, nil
}

// Timer is the trace device's timestamp set. Slots are filled when the
// command buffer writing them is submitted.
type Timer struct {
	dev   *Device
	slots []time.Duration
}

type stamp struct {
	timer *Timer
	index uint32
}

func (t *Timer) Timestamp(cb framegraph.CommandBuffer, index uint32) error {
	c, ok := cb.(*commandBuffer)
	if !ok || c.dev != t.dev {
		return ErrForeignObject
	}
	if int(index) >= len(t.slots) {
		return fmt.Errorf("trace: timestamp slot %d of %d", index, len(t.slots))
	}
	c.stamps = append(c.stamps, stamp{timer: t, index: index})
	c.events = append(c.events, Event{Op: OpTimestamp, Queue: c.queue, Label: c.label, Detail: fmt.Sprint(index)})
	return nil
}

func (t *Timer) Read(ctx context.Context, count uint32) ([]time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if int(count) > len(t.slots) {
		return nil, fmt.Errorf("trace: read %d of %d slots", count, len(t.slots))
	}
	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	return append([]time.Duration(nil), t.slots[:count]...), nil
}

func (t *Timer) Destroy() {}
