package native

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unsafe"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/framegraph"
	"github.com/gogpu/framegraph/backend"
)

// createNoopDevice creates a noop device and queue for testing.
// Returns the device, queue, and a cleanup function.
func createNoopDevice(t *testing.T) (hal.Device, hal.Queue, func()) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	cleanup := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return openDev.Device, openDev.Queue, cleanup
}

func newNoop(t *testing.T, opts ...Option) *Device {
	t.Helper()
	device, q, cleanup := createNoopDevice(t)
	d, err := New(device, q, opts...)
	if err != nil {
		cleanup()
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("Close() = %v", err)
		}
		cleanup()
	})
	return d
}

func wholeView(t *testing.T, g *framegraph.Graph, id framegraph.ResourceID) framegraph.ViewID {
	t.Helper()
	v, err := g.WholeView(id)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// buildFrame declares a frame exercising every clear path: a cleared color
// target, a cleared storage image written on compute, and cleared buffers.
func buildFrame(t *testing.T, g *framegraph.Graph) framegraph.ViewID {
	t.Helper()
	color, err := g.CreateImage(framegraph.ImageDesc{
		Label: "color", Format: gputypes.TextureFormatRGBA8Unorm, Width: 64, Height: 64,
		Clear: true, ClearValue: framegraph.ClearValue{Color: gputypes.Color{A: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	depth, err := g.CreateImage(framegraph.ImageDesc{
		Label: "depth", Format: gputypes.TextureFormatDepth32Float, Width: 64, Height: 64,
		Clear: true, ClearValue: framegraph.ClearValue{Depth: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	light, err := g.CreateImage(framegraph.ImageDesc{
		Label: "light", Format: gputypes.TextureFormatRGBA16Float, Width: 32, Height: 32, Clear: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	counters, err := g.CreateBuffer(framegraph.BufferDesc{
		Label: "counters", Size: 64, Clear: true, ClearValue: framegraph.ClearValue{Word: 7},
	})
	if err != nil {
		t.Fatal(err)
	}

	cv, dv, lv, bv := wholeView(t, g, color), wholeView(t, g, depth), wholeView(t, g, light), wholeView(t, g, counters)
	passes := []struct {
		name   string
		queue  framegraph.Queue
		usages []framegraph.Usage
	}{
		{"lighting", framegraph.QueueCompute, []framegraph.Usage{
			{View: lv, State: framegraph.StateStorageReadWriteCompute},
			{View: bv, State: framegraph.StateStorageReadWriteCompute},
		}},
		{"shade", framegraph.QueueGraphics, []framegraph.Usage{
			{View: lv, State: framegraph.StateSampledGraphics},
			{View: bv, State: framegraph.StateStorageReadGraphics},
			{View: dv, State: framegraph.StateDepthAttachmentWrite},
			{View: cv, State: framegraph.StateColorAttachmentWrite},
		}},
	}
	for _, p := range passes {
		if _, err := g.AddPass(p.name, p.queue, p.usages, nil); err != nil {
			t.Fatalf("AddPass(%q) = %v", p.name, err)
		}
	}
	return cv
}

func TestNewRejectsNil(t *testing.T) {
	if _, err := New(nil, nil); !errors.Is(err, ErrNilHALDevice) {
		t.Errorf("New(nil, nil) = %v, want ErrNilHALDevice", err)
	}
}

func TestExecuteFrames(t *testing.T) {
	tests := []struct {
		name string
		opts func(hal.Queue) []Option
	}{
		{"shared queue", func(hal.Queue) []Option { return nil }},
		{"separate compute queue", func(q hal.Queue) []Option {
			return []Option{WithQueue(framegraph.QueueCompute, q)}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			device, q, cleanup := createNoopDevice(t)
			defer cleanup()
			d, err := New(device, q, tt.opts(q)...)
			if err != nil {
				t.Fatal(err)
			}
			defer d.Close()

			g := framegraph.New(d, framegraph.WithResourcePool(8))
			for frame := range 3 {
				out := buildFrame(t, g)
				if _, err := g.Execute(ctx, out, framegraph.ExecuteOptions{}); err != nil {
					t.Fatalf("frame %d: Execute() = %v", frame, err)
				}
				if err := g.Reset(ctx); err != nil {
					t.Fatalf("frame %d: Reset() = %v", frame, err)
				}
			}
			if err := g.Close(ctx); err != nil {
				t.Fatal(err)
			}
			for _, qu := range d.uniqueQueues() {
				if len(qu.inflight) != 0 {
					t.Errorf("%s queue has %d unretired submissions", qu.name, len(qu.inflight))
				}
			}
			if hits, misses := d.clears.stats(); misses != 1 || hits != 2 {
				t.Errorf("clear pipeline cache hits=%d misses=%d, want 2 and 1", hits, misses)
			}
		})
	}
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	d := newNoop(t)
	other := newNoop(t)

	open, err := d.BeginCommands(framegraph.QueueGraphics, "open")
	if err != nil {
		t.Fatal(err)
	}
	defer open.Discard()
	foreign, _ := other.BeginCommands(framegraph.QueueGraphics, "foreign")
	if err := foreign.End(); err != nil {
		t.Fatal(err)
	}
	defer foreign.Discard()
	sem, _ := d.CreateSemaphore()

	tests := []struct {
		name string
		info framegraph.SubmitInfo
		want error
	}{
		{"open command buffer", framegraph.SubmitInfo{CommandBuffers: []framegraph.CommandBuffer{open}}, ErrBadCommandBuffer},
		{"foreign command buffer", framegraph.SubmitInfo{CommandBuffers: []framegraph.CommandBuffer{foreign}}, ErrForeignObject},
		{"unsignaled wait", framegraph.SubmitInfo{Waits: []framegraph.SemaphoreWait{{Semaphore: sem}}}, ErrUnsignaled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.Submit(ctx, framegraph.QueueGraphics, tt.info); !errors.Is(err, tt.want) {
				t.Errorf("Submit() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSemaphoreSignalThenWait(t *testing.T) {
	ctx := context.Background()
	device, q, cleanup := createNoopDevice(t)
	defer cleanup()
	d, err := New(device, q, WithQueue(framegraph.QueueCompute, q))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	sem, _ := d.CreateSemaphore()
	if _, err := d.Submit(ctx, framegraph.QueueCompute, framegraph.SubmitInfo{
		Label: "produce", Signals: []framegraph.Semaphore{sem},
	}); err != nil {
		t.Fatal(err)
	}
	f, err := d.Submit(ctx, framegraph.QueueGraphics, framegraph.SubmitInfo{
		Label: "consume", Waits: []framegraph.SemaphoreWait{{Semaphore: sem, Stage: framegraph.StageFragmentShader}}, Fence: true,
	})
	if err != nil {
		t.Fatalf("Submit() waiting on compute = %v", err)
	}
	if err := d.Wait(ctx, f); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	// A wait consumes the signal.
	if _, err := d.Submit(ctx, framegraph.QueueGraphics, framegraph.SubmitInfo{
		Waits: []framegraph.SemaphoreWait{{Semaphore: sem}},
	}); !errors.Is(err, ErrUnsignaled) {
		t.Errorf("second wait = %v, want ErrUnsignaled", err)
	}
}

// stalledQueue never reports its submissions as completed.
type stalledQueue struct{ hal.Queue }

func (*stalledQueue) PollCompleted() uint64 { return 0 }

func TestCrossQueueWaitDeadline(t *testing.T) {
	tests := []struct {
		name    string
		ctx     func() (context.Context, context.CancelFunc)
		timeout time.Duration
		cause   error
	}{
		{
			name: "context deadline",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 20*time.Millisecond)
			},
			timeout: time.Hour,
			cause:   context.DeadlineExceeded,
		},
		{
			name:    "wait timeout",
			ctx:     func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
			timeout: 20 * time.Millisecond,
			cause:   context.DeadlineExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device, q, cleanup := createNoopDevice(t)
			defer cleanup()
			d, err := New(device, q,
				WithQueue(framegraph.QueueCompute, &stalledQueue{q}),
				WithWaitTimeout(tt.timeout))
			if err != nil {
				t.Fatal(err)
			}
			defer d.Close()

			ctx, cancel := tt.ctx()
			defer cancel()
			sem, _ := d.CreateSemaphore()
			if _, err := d.Submit(ctx, framegraph.QueueCompute, framegraph.SubmitInfo{
				Label: "produce", Signals: []framegraph.Semaphore{sem},
			}); err != nil {
				t.Fatal(err)
			}
			start := time.Now()
			_, err = d.Submit(ctx, framegraph.QueueGraphics, framegraph.SubmitInfo{
				Label: "consume", Waits: []framegraph.SemaphoreWait{{Semaphore: sem}},
			})
			if !errors.Is(err, ErrTimeout) || !errors.Is(err, tt.cause) {
				t.Errorf("Submit() = %v, want ErrTimeout caused by %v", err, tt.cause)
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Errorf("wait took %v", elapsed)
			}
		})
	}
}

func TestMapBuffer(t *testing.T) {
	d := newNoop(t)
	buf, err := d.CreateBuffer(framegraph.BufferAllocInfo{
		Desc:  framegraph.BufferDesc{Label: "readback", Size: 16, HostVisible: true},
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageMapWrite,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer d.DestroyBuffer(buf)

	if _, err := d.MapBuffer(buf, 8, 16); err == nil {
		t.Error("MapBuffer() past the end succeeded")
	}
	data, err := d.MapBuffer(buf, 4, 8)
	if err != nil {
		t.Fatalf("MapBuffer() = %v", err)
	}
	if len(data) != 8 {
		t.Fatalf("mapped %d bytes, want 8", len(data))
	}
	for i := range data {
		data[i] = byte(i + 1)
	}
	if err := d.UnmapBuffer(buf); err != nil {
		t.Fatalf("UnmapBuffer() = %v", err)
	}
	if err := d.UnmapBuffer(buf); !errors.Is(err, ErrNotMapped) {
		t.Errorf("second UnmapBuffer() = %v, want ErrNotMapped", err)
	}
	if qu := d.queues[framegraph.QueueTransfer]; len(qu.inflight) != 0 {
		t.Errorf("readback copy not retired: %d in flight", len(qu.inflight))
	}

	raw, _ := RawBuffer(buf)
	m, err := d.HAL().MapBuffer(raw, 0, 16)
	if err != nil {
		t.Fatal(err)
	}
	got := unsafe.Slice((*byte)(m.Ptr), 16)
	want := []byte{0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8, 0, 0, 0, 0}
	if string(got) != string(want) {
		t.Errorf("buffer contents = %v, want %v", got, want)
	}
}

type nullProvider struct{}

func (nullProvider) Device() gpucontext.Device             { return nil }
func (nullProvider) Queue() gpucontext.Queue               { return nil }
func (nullProvider) Adapter() gpucontext.Adapter           { return nil }
func (nullProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatUndefined }

type halHost struct {
	nullProvider
	device hal.Device
	queue  hal.Queue
}

func (h halHost) HalDevice() any { return h.device }
func (h halHost) HalQueue() any  { return h.queue }

func TestNewFromProvider(t *testing.T) {
	device, q, cleanup := createNoopDevice(t)
	defer cleanup()

	if _, err := NewFromProvider(nullProvider{}); !errors.Is(err, ErrNoHAL) {
		t.Errorf("NewFromProvider(no HAL) = %v, want ErrNoHAL", err)
	}
	if _, err := NewFromProvider(halHost{device: device}); !errors.Is(err, ErrNoHAL) {
		t.Errorf("NewFromProvider(no queue) = %v, want ErrNoHAL", err)
	}
	d, err := NewFromProvider(halHost{device: device, queue: q})
	if err != nil {
		t.Fatalf("NewFromProvider() = %v", err)
	}
	if d.HAL() != device {
		t.Error("device does not wrap the provider's HAL device")
	}
	if err := d.Close(); err != nil {
		t.Error(err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestOpenBackend(t *testing.T) {
	d, err := OpenBackend(noop.API{})
	if err != nil {
		t.Fatalf("OpenBackend(noop) = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestRegisteredNoop(t *testing.T) {
	dev, err := backend.Open(backend.BackendNoop)
	if err != nil {
		t.Fatalf("Open(noop) = %v", err)
	}
	d, ok := dev.(*Device)
	if !ok {
		t.Fatalf("Open(noop) returned %T", dev)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestClearShaderSource(t *testing.T) {
	tests := []struct {
		key     clearKey
		want    []string
		wantErr bool
	}{
		{clearKey{gputypes.TextureFormatRGBA8Unorm, gputypes.TextureViewDimension2D},
			[]string{"texture_storage_2d<rgba8unorm, write>", "vec4<f32>"}, false},
		{clearKey{gputypes.TextureFormatR32Uint, gputypes.TextureViewDimension3D},
			[]string{"texture_storage_3d<r32uint, write>", "vec4<u32>", "vec3<i32>(id)"}, false},
		{clearKey{gputypes.TextureFormatDepth32Float, gputypes.TextureViewDimension2D}, nil, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.key.format), func(t *testing.T) {
			src, err := clearShaderSource(tt.key)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedFormat) {
					t.Errorf("clearShaderSource() = %v, want ErrUnsupportedFormat", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			for _, w := range tt.want {
				if !strings.Contains(src, w) {
					t.Errorf("shader missing %q:\n%s", w, src)
				}
			}
		})
	}
}

func TestClearValueBytes(t *testing.T) {
	c := gputypes.Color{R: 1, G: 2, B: -1, A: 0.5}
	tests := []struct {
		channel string
		want    []byte
	}{
		{"f32", []byte{0, 0, 0x80, 0x3f, 0, 0, 0, 0x40, 0, 0, 0x80, 0xbf, 0, 0, 0, 0x3f}},
		{"u32", []byte{1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"i32", []byte{1, 0, 0, 0, 2, 0, 0, 0, 0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			got := clearValueBytes(tt.channel, c)
			if string(got) != string(tt.want) {
				t.Errorf("clearValueBytes(%s) = %x, want %x", tt.channel, got, tt.want)
			}
		})
	}
}
