package native

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framegraph"
)

var errEnded = errors.New("native: command buffer already ended")

// commandBuffer is a HAL command encoder for one graph task.
type commandBuffer struct {
	dev   *Device
	q     *queue
	label string

	enc hal.CommandEncoder
	raw hal.CommandBuffer

	// release frees per-command objects once the batch completes.
	release   []func()
	ended     bool
	submitted bool
}

func (d *Device) BeginCommands(q framegraph.Queue, label string) (framegraph.CommandBuffer, error) {
	qu, err := d.queueFor(q)
	if err != nil {
		return nil, err
	}
	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("native: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("native: begin encoding %q: %w", label, err)
	}
	return &commandBuffer{dev: d, q: qu, label: label, enc: enc}, nil
}

// Encoder returns the HAL encoder, for passes recording their own commands.
func Encoder(cb framegraph.CommandBuffer) (hal.CommandEncoder, bool) {
	c, ok := cb.(*commandBuffer)
	if !ok || c.ended {
		return nil, false
	}
	return c.enc, true
}

// Barrier records usage transitions. Layouts, stages and accesses follow
// from the usages inside the HAL.
func (c *commandBuffer) Barrier(barriers []framegraph.Barrier) {
	var texs []hal.TextureBarrier
	var bufs []hal.BufferBarrier
	for _, b := range barriers {
		from, to := b.From.Info(), b.To.Info()
		switch {
		case b.Image != nil:
			im, ok := b.Image.(*image)
			if !ok || im.dev != c.dev {
				continue
			}
			texs = append(texs, hal.TextureBarrier{
				Texture: im.tex,
				Range: hal.TextureRange{
					Aspect:          aspectOrAll(b.Range.Aspect),
					BaseMipLevel:    b.Range.BaseLevel,
					MipLevelCount:   b.Range.LevelCount,
					BaseArrayLayer:  b.Range.BaseLayer,
					ArrayLayerCount: b.Range.LayerCount,
				},
				Usage: hal.TextureUsageTransition{
					OldUsage: from.TextureUsage,
					NewUsage: to.TextureUsage,
				},
			})
		case b.Buffer != nil:
			buf, ok := b.Buffer.(*buffer)
			if !ok || buf.dev != c.dev {
				continue
			}
			bufs = append(bufs, hal.BufferBarrier{
				Buffer: buf.buf,
				Usage: hal.BufferUsageTransition{
					OldUsage: from.BufferUsage,
					NewUsage: to.BufferUsage,
				},
			})
		}
	}
	if len(texs) > 0 {
		c.enc.TransitionTextures(texs)
	}
	if len(bufs) > 0 {
		c.enc.TransitionBuffers(bufs)
	}
}

// ClearImage clears every level and layer of r. Attachment clears use a
// render pass load operation; storage clears dispatch a compute shader.
func (c *commandBuffer) ClearImage(img framegraph.Image, desc framegraph.ImageDesc, r framegraph.Subrange, method framegraph.ClearMethod, value framegraph.ClearValue) error {
	if c.ended {
		return errEnded
	}
	im, ok := img.(*image)
	if !ok || im.dev != c.dev {
		return ErrForeignObject
	}
	for level := r.BaseLevel; level < r.BaseLevel+r.LevelCount; level++ {
		if method == framegraph.ClearStorage && desc.Dimension == gputypes.TextureDimension3D {
			sub := framegraph.Subrange{Aspect: r.Aspect, BaseLevel: level, LevelCount: 1, LayerCount: 1}
			if err := c.clearStorage(im, desc, sub, value); err != nil {
				return err
			}
			continue
		}
		for layer := r.BaseLayer; layer < r.BaseLayer+r.LayerCount; layer++ {
			sub := framegraph.Subrange{Aspect: r.Aspect, BaseLevel: level, LevelCount: 1, BaseLayer: layer, LayerCount: 1}
			var err error
			if method == framegraph.ClearStorage {
				err = c.clearStorage(im, desc, sub, value)
			} else {
				err = c.clearAttachment(im, desc, sub, value)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *commandBuffer) clearAttachment(im *image, desc framegraph.ImageDesc, sub framegraph.Subrange, value framegraph.ClearValue) error {
	d := c.dev
	label := fmt.Sprintf("%s_clear_%d_%d", desc.Label, sub.BaseLevel, sub.BaseLayer)
	view, err := d.createView(im.tex, label, desc.Format, gputypes.TextureViewDimension2D, sub)
	if err != nil {
		return err
	}
	c.release = append(c.release, func() { d.device.DestroyTextureView(view) })

	rpDesc := &hal.RenderPassDescriptor{Label: label}
	if desc.Format.IsDepthStencil() {
		ds := &hal.RenderPassDepthStencilAttachment{
			View:            view,
			DepthLoadOp:     gputypes.LoadOpClear,
			DepthStoreOp:    gputypes.StoreOpStore,
			DepthClearValue: value.Depth,
		}
		if hasStencil(desc.Format) {
			ds.StencilLoadOp = gputypes.LoadOpClear
			ds.StencilStoreOp = gputypes.StoreOpStore
			ds.StencilClearValue = value.Stencil
		}
		rpDesc.DepthStencilAttachment = ds
	} else {
		rpDesc.ColorAttachments = []hal.RenderPassColorAttachment{{
			View:       view,
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: value.Color,
		}}
	}
	rp := c.enc.BeginRenderPass(rpDesc)
	rp.End()
	return nil
}

func hasStencil(f gputypes.TextureFormat) bool {
	switch f {
	case gputypes.TextureFormatDepth24PlusStencil8,
		gputypes.TextureFormatDepth32FloatStencil8,
		gputypes.TextureFormatStencil8:
		return true
	}
	return false
}

// ClearBuffer fills the range from a staging buffer, so the fill is ordered
// with the rest of the command buffer.
func (c *commandBuffer) ClearBuffer(buf framegraph.Buffer, offset, size uint64, word uint32) error {
	if c.ended {
		return errEnded
	}
	b, ok := buf.(*buffer)
	if !ok || b.dev != c.dev {
		return ErrForeignObject
	}
	if size%4 != 0 || offset+size > b.info.Desc.Size {
		return fmt.Errorf("native: clear %d+%d of %d-byte buffer %q", offset, size, b.info.Desc.Size, b.info.Desc.Label)
	}
	d := c.dev
	data := make([]byte, size)
	if word != 0 {
		for i := 0; i < len(data); i += 4 {
			binary.LittleEndian.PutUint32(data[i:], word)
		}
	}
	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: b.info.Desc.Label + "_clear",
		Size:  size,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("native: create clear staging buffer: %w", err)
	}
	c.release = append(c.release, func() { d.device.DestroyBuffer(staging) })

	if err := c.q.q.WriteBuffer(staging, 0, data); err != nil {
		return fmt.Errorf("native: fill clear staging buffer: %w", err)
	}
	c.enc.CopyBufferToBuffer(staging, b.buf, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: offset, Size: size},
	})
	return nil
}

func (c *commandBuffer) End() error {
	if c.ended {
		return errEnded
	}
	raw, err := c.enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("native: end encoding %q: %w", c.label, err)
	}
	c.raw, c.ended = raw, true
	return nil
}

func (c *commandBuffer) Discard() {
	switch {
	case !c.ended:
		c.enc.DiscardEncoding()
		c.ended = true
	case c.raw != nil && !c.submitted:
		c.dev.device.FreeCommandBuffer(c.raw)
		c.raw = nil
	}
	if c.submitted {
		return
	}
	for _, fn := range c.release {
		fn()
	}
	c.release = nil
}
