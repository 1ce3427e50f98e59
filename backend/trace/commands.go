package trace

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogpu/framegraph"
)

// commandBuffer buffers events until it is submitted.
type commandBuffer struct {
	dev   *Device
	queue framegraph.Queue
	label string

	events    []Event
	barriers  []framegraph.Barrier
	stamps    []stamp
	ended     bool
	submitted bool
}

var errEnded = errors.New("trace: command buffer already ended")

func (c *commandBuffer) Barrier(barriers []framegraph.Barrier) {
	for _, b := range barriers {
		c.barriers = append(c.barriers, b)
		c.events = append(c.events, Event{
			Op:     OpBarrier,
			Queue:  c.queue,
			Object: objectID(b),
			Label:  c.label,
			Detail: describeBarrier(b),
		})
	}
}

func describeBarrier(b framegraph.Barrier) string {
	s := fmt.Sprintf("%s->%s", b.From, b.To)
	if b.Image != nil {
		s += fmt.Sprintf(" level=%d layer=%d %s->%s", b.Range.BaseLevel, b.Range.BaseLayer, b.OldLayout, b.NewLayout)
	}
	if b.Ownership != framegraph.OwnershipNone {
		s += fmt.Sprintf(" %s %s->%s", b.Ownership, b.SrcQueue, b.DstQueue)
	}
	return s
}

func (c *commandBuffer) ClearImage(img framegraph.Image, desc framegraph.ImageDesc, r framegraph.Subrange, method framegraph.ClearMethod, value framegraph.ClearValue) error {
	if c.ended {
		return errEnded
	}
	im, ok := img.(*Image)
	if !ok || im.dev != c.dev {
		return ErrForeignObject
	}
	c.events = append(c.events, Event{
		Op: OpClearImage, Queue: c.queue, Object: im.ID, Label: desc.Label,
		Detail: fmt.Sprintf("level=%d layer=%d %s", r.BaseLevel, r.BaseLayer, method),
	})
	return nil
}

func (c *commandBuffer) ClearBuffer(buf framegraph.Buffer, offset, size uint64, word uint32) error {
	if c.ended {
		return errEnded
	}
	b, ok := buf.(*Buffer)
	if !ok || b.dev != c.dev {
		return ErrForeignObject
	}
	if offset+size > uint64(len(b.Data)) || size%4 != 0 {
		return fmt.Errorf("trace: clear %d+%d of %d-byte buffer", offset, size, len(b.Data))
	}
	for i := offset; i < offset+size; i += 4 {
		binary.LittleEndian.PutUint32(b.Data[i:], word)
	}
	c.events = append(c.events, Event{
		Op: OpClearBuffer, Queue: c.queue, Object: b.ID, Label: b.Info.Desc.Label,
		Detail: fmt.Sprintf("%d+%d=%#x", offset, size, word),
	})
	return nil
}

func (c *commandBuffer) End() error {
	if c.ended {
		return errEnded
	}
	c.ended = true
	return nil
}

func (c *commandBuffer) Discard() {
	c.events = nil
	c.stamps = nil
}
