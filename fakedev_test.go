package framegraph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// fakeDevice is an in-memory Device for tests.
type fakeDevice struct {
	next int

	images, buffers, views, sems int // live counts
	created                      []ImageAllocInfo
	createdBuffers               []BufferAllocInfo
	submits                      []fakeSubmit
	fences                       int
	mapped                       map[*fakeBuffer]bool

	failImage  error
	failSubmit error
	failWait   error
	timer      *fakeTimer
}

type fakeImage struct {
	id   int
	info ImageAllocInfo
}

type fakeBuffer struct {
	id   int
	info BufferAllocInfo
	data []byte
}

type fakeView struct {
	img  *fakeImage
	info ImageViewInfo
}

type fakeSem struct{ id int }

type fakeFence struct{ id int }

type fakeSubmit struct {
	queue Queue
	info  SubmitInfo
}

// fakeCmd records what was encoded.
type fakeCmd struct {
	queue    Queue
	label    string
	barriers [][]Barrier
	clears   []string
	stamps   []uint32
	ended    bool
	discard  bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{mapped: make(map[*fakeBuffer]bool)}
}

func (d *fakeDevice) id() int {
	d.next++
	return d.next
}

func (d *fakeDevice) CreateImage(info ImageAllocInfo) (Image, error) {
	if d.failImage != nil {
		return nil, d.failImage
	}
	d.images++
	d.created = append(d.created, info)
	return &fakeImage{id: d.id(), info: info}, nil
}

func (d *fakeDevice) DestroyImage(Image) { d.images-- }

func (d *fakeDevice) CreateBuffer(info BufferAllocInfo) (Buffer, error) {
	d.buffers++
	d.createdBuffers = append(d.createdBuffers, info)
	return &fakeBuffer{id: d.id(), info: info, data: make([]byte, info.Desc.Size)}, nil
}

func (d *fakeDevice) DestroyBuffer(Buffer) { d.buffers-- }

func (d *fakeDevice) CreateImageView(img Image, info ImageViewInfo) (ImageView, error) {
	d.views++
	return &fakeView{img: img.(*fakeImage), info: info}, nil
}

func (d *fakeDevice) DestroyImageView(ImageView) { d.views-- }

func (d *fakeDevice) MapBuffer(buf Buffer, offset, size uint64) ([]byte, error) {
	b := buf.(*fakeBuffer)
	if d.mapped[b] {
		return nil, errors.New("already mapped")
	}
	d.mapped[b] = true
	return b.data[offset : offset+size], nil
}

func (d *fakeDevice) UnmapBuffer(buf Buffer) error {
	b := buf.(*fakeBuffer)
	if !d.mapped[b] {
		return errors.New("not mapped")
	}
	delete(d.mapped, b)
	return nil
}

func (d *fakeDevice) CreateSemaphore() (Semaphore, error) {
	d.sems++
	return &fakeSem{id: d.id()}, nil
}

func (d *fakeDevice) DestroySemaphore(Semaphore) { d.sems-- }

func (d *fakeDevice) BeginCommands(q Queue, label string) (CommandBuffer, error) {
	return &fakeCmd{queue: q, label: label}, nil
}

func (d *fakeDevice) Submit(_ context.Context, q Queue, info SubmitInfo) (Fence, error) {
	if d.failSubmit != nil {
		return nil, d.failSubmit
	}
	for _, cb := range info.CommandBuffers {
		if c := cb.(*fakeCmd); !c.ended || c.queue != q {
			return nil, fmt.Errorf("bad command buffer %q", c.label)
		}
	}
	d.submits = append(d.submits, fakeSubmit{queue: q, info: info})
	if !info.Fence {
		return nil, nil
	}
	d.fences++
	return &fakeFence{id: d.id()}, nil
}

func (d *fakeDevice) Wait(context.Context, Fence) error { return d.failWait }

func (d *fakeDevice) DestroyFence(Fence) { d.fences-- }

func (c *fakeCmd) Barrier(b []Barrier) { c.barriers = append(c.barriers, b) }

func (c *fakeCmd) ClearImage(img Image, desc ImageDesc, r Subrange, method ClearMethod, _ ClearValue) error {
	c.clears = append(c.clears, fmt.Sprintf("%s/%d/%d/%s", desc.Label, r.BaseLevel, r.BaseLayer, method))
	return nil
}

func (c *fakeCmd) ClearBuffer(buf Buffer, offset, size uint64, word uint32) error {
	c.clears = append(c.clears, fmt.Sprintf("buffer %d+%d=%#x", offset, size, word))
	return nil
}

func (c *fakeCmd) End() error {
	c.ended = true
	return nil
}

func (c *fakeCmd) Discard() { c.discard = true }

// profilingDevice adds timestamp support to fakeDevice.
type profilingDevice struct {
	*fakeDevice
}

func (d profilingDevice) NewTimer(capacity uint32) (Timer, error) {
	d.timer = &fakeTimer{slots: make([]time.Duration, capacity)}
	return d.timer, nil
}

// fakeTimer advances one millisecond per timestamp.
type fakeTimer struct {
	slots     []time.Duration
	now       time.Duration
	destroyed bool
}

func (t *fakeTimer) Timestamp(cb CommandBuffer, index uint32) error {
	t.now += time.Millisecond
	t.slots[index] = t.now
	c := cb.(*fakeCmd)
	c.stamps = append(c.stamps, index)
	return nil
}

func (t *fakeTimer) Read(_ context.Context, count uint32) ([]time.Duration, error) {
	return append([]time.Duration(nil), t.slots[:count]...), nil
}

func (t *fakeTimer) Destroy() { t.destroyed = true }

// allCmds returns every submitted command buffer in submission order.
func (d *fakeDevice) allCmds() []*fakeCmd {
	var out []*fakeCmd
	for _, s := range d.submits {
		for _, cb := range s.info.CommandBuffers {
			out = append(out, cb.(*fakeCmd))
		}
	}
	return out
}
