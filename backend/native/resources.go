package native

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framegraph"
)

// image is a HAL texture with the allocation it was created for.
type image struct {
	dev  *Device
	tex  hal.Texture
	info framegraph.ImageAllocInfo
}

// buffer is a HAL buffer. Host access goes through staging reads and queue
// writes of mapped, a CPU shadow of the mapped range.
type buffer struct {
	dev    *Device
	buf    hal.Buffer
	info   framegraph.BufferAllocInfo
	mapped []byte
	offset uint64
}

type imageView struct {
	dev  *Device
	view hal.TextureView
}

// Raw returns the HAL texture of a graph image, for passes recording their
// own HAL commands.
func Raw(img framegraph.Image) (hal.Texture, bool) {
	im, ok := img.(*image)
	if !ok {
		return nil, false
	}
	return im.tex, true
}

// RawBuffer returns the HAL buffer of a graph buffer.
func RawBuffer(buf framegraph.Buffer) (hal.Buffer, bool) {
	b, ok := buf.(*buffer)
	if !ok {
		return nil, false
	}
	return b.buf, true
}

// RawView returns the HAL texture view of a graph image view.
func RawView(view framegraph.ImageView) (hal.TextureView, bool) {
	v, ok := view.(*imageView)
	if !ok {
		return nil, false
	}
	return v.view, true
}

func (d *Device) CreateImage(info framegraph.ImageAllocInfo) (framegraph.Image, error) {
	desc := info.Desc
	depth := desc.Layers
	if desc.Dimension == gputypes.TextureDimension3D {
		depth = desc.Depth
	}
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: depth},
		MipLevelCount: desc.Levels,
		SampleCount:   desc.Samples,
		Dimension:     desc.Dimension,
		Format:        desc.Format,
		Usage:         info.Usage,
		ViewFormats:   info.ViewFormats,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create texture %q: %w", desc.Label, err)
	}
	slogger().Debug("native: texture created",
		"label", desc.Label,
		"format", desc.Format,
		"size", fmt.Sprintf("%dx%dx%d", desc.Width, desc.Height, depth),
		"levels", desc.Levels)
	return &image{dev: d, tex: tex, info: info}, nil
}

func (d *Device) DestroyImage(img framegraph.Image) {
	if im, ok := img.(*image); ok && im.dev == d && im.tex != nil {
		d.device.DestroyTexture(im.tex)
		im.tex = nil
	}
}

// bufferUsage adds the copy usages host access and clears are built on.
func bufferUsage(info framegraph.BufferAllocInfo) gputypes.BufferUsage {
	u := info.Usage | gputypes.BufferUsageCopyDst
	if info.Desc.HostVisible {
		u |= gputypes.BufferUsageCopySrc
	}
	return u
}

func (d *Device) CreateBuffer(info framegraph.BufferAllocInfo) (framegraph.Buffer, error) {
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: info.Desc.Label,
		Size:  info.Desc.Size,
		Usage: bufferUsage(info),
	})
	if err != nil {
		return nil, fmt.Errorf("native: create buffer %q: %w", info.Desc.Label, err)
	}
	return &buffer{dev: d, buf: buf, info: info}, nil
}

func (d *Device) DestroyBuffer(buf framegraph.Buffer) {
	if b, ok := buf.(*buffer); ok && b.dev == d && b.buf != nil {
		d.device.DestroyBuffer(b.buf)
		b.buf = nil
	}
}

func (d *Device) CreateImageView(img framegraph.Image, info framegraph.ImageViewInfo) (framegraph.ImageView, error) {
	im, ok := img.(*image)
	if !ok || im.dev != d {
		return nil, ErrForeignObject
	}
	view, err := d.createView(im.tex, info.Label, info.Format, info.Dimension, info.Range)
	if err != nil {
		return nil, err
	}
	return &imageView{dev: d, view: view}, nil
}

func (d *Device) createView(tex hal.Texture, label string, format gputypes.TextureFormat, dim gputypes.TextureViewDimension, r framegraph.Subrange) (hal.TextureView, error) {
	aspect := aspectOrAll(r.Aspect)
	view, err := d.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:           label,
		Format:          format,
		Dimension:       dim,
		Aspect:          aspect,
		BaseMipLevel:    r.BaseLevel,
		MipLevelCount:   r.LevelCount,
		BaseArrayLayer:  r.BaseLayer,
		ArrayLayerCount: r.LayerCount,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create view %q: %w", label, err)
	}
	return view, nil
}

func aspectOrAll(a gputypes.TextureAspect) gputypes.TextureAspect {
	if a == gputypes.TextureAspectUndefined {
		return gputypes.TextureAspectAll
	}
	return a
}

func (d *Device) DestroyImageView(view framegraph.ImageView) {
	if v, ok := view.(*imageView); ok && v.dev == d && v.view != nil {
		d.device.DestroyTextureView(v.view)
		v.view = nil
	}
}

// MapBuffer reads [offset, offset+size) of buf into a CPU shadow through a
// staging copy on the transfer queue. Writes to the returned slice reach
// the GPU on UnmapBuffer. The graph maps buffers only after the batches
// writing them have completed.
func (d *Device) MapBuffer(buf framegraph.Buffer, offset, size uint64) ([]byte, error) {
	b, ok := buf.(*buffer)
	if !ok || b.dev != d {
		return nil, ErrForeignObject
	}
	if offset+size > b.info.Desc.Size {
		return nil, fmt.Errorf("native: map %d+%d of %d-byte buffer %q", offset, size, b.info.Desc.Size, b.info.Desc.Label)
	}
	data, err := d.readBuffer(context.Background(), b, offset, size)
	if err != nil {
		return nil, err
	}
	b.mapped, b.offset = data, offset
	return data, nil
}

// readBuffer copies a range of b into a host-visible staging buffer, waits
// for the copy and returns the bytes.
func (d *Device) readBuffer(ctx context.Context, b *buffer, offset, size uint64) ([]byte, error) {
	data := make([]byte, size)
	if size == 0 {
		return data, nil
	}
	label := b.info.Desc.Label + "_readback"
	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create readback buffer: %w", err)
	}
	defer d.device.DestroyBuffer(staging)

	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("native: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("native: begin encoding %q: %w", label, err)
	}
	enc.CopyBufferToBuffer(b.buf, staging, []hal.BufferCopy{
		{SrcOffset: offset, DstOffset: 0, Size: size},
	})
	cb, err := enc.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("native: end encoding %q: %w", label, err)
	}

	d.mu.Lock()
	qu := d.queues[framegraph.QueueTransfer]
	index, err := qu.q.Submit([]hal.CommandBuffer{cb})
	if err != nil {
		d.mu.Unlock()
		d.device.FreeCommandBuffer(cb)
		return nil, fmt.Errorf("native: submit %q: %w", label, err)
	}
	qu.submitted = max(qu.submitted, index)
	qu.inflight = append(qu.inflight, submission{index: index, cbs: []hal.CommandBuffer{cb}})
	err = d.waitIndex(ctx, qu, index)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("native: read buffer %q: %w", b.info.Desc.Label, err)
	}

	m, err := d.device.MapBuffer(staging, 0, size)
	if err != nil {
		return nil, fmt.Errorf("native: map readback buffer: %w", err)
	}
	copy(data, unsafe.Slice((*byte)(m.Ptr), size))
	if err := d.device.UnmapBuffer(staging); err != nil {
		return nil, fmt.Errorf("native: unmap readback buffer: %w", err)
	}
	return data, nil
}

// UnmapBuffer uploads the shadow of a buffer mapped for writing.
func (d *Device) UnmapBuffer(buf framegraph.Buffer) error {
	b, ok := buf.(*buffer)
	if !ok || b.dev != d {
		return ErrForeignObject
	}
	if b.mapped == nil {
		return ErrNotMapped
	}
	data := b.mapped
	b.mapped = nil
	if b.info.Usage&gputypes.BufferUsageMapWrite == 0 {
		return nil
	}
	if err := d.queues[framegraph.QueueTransfer].q.WriteBuffer(b.buf, b.offset, data); err != nil {
		return fmt.Errorf("native: write buffer %q: %w", b.info.Desc.Label, err)
	}
	return nil
}
