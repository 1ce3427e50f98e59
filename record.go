package framegraph

import (
	"context"
	"fmt"
	"slices"

	"github.com/gogpu/gputypes"
)

// RecordContext is handed to a pass's RecordFunc. It resolves the handles
// the pass declared to native objects and answers lifetime questions.
type RecordContext struct {
	ctx  context.Context
	plan *Plan
	task int
	cb   CommandBuffer
}

// Context returns the context passed to Record or Submit.
func (rc *RecordContext) Context() context.Context { return rc.ctx }

// Commands returns the command buffer being recorded.
func (rc *RecordContext) Commands() CommandBuffer { return rc.cb }

func (rc *RecordContext) pass() *pass {
	return &rc.plan.g.passes[rc.plan.tasks[rc.task].pass]
}

// Name returns the pass name.
func (rc *RecordContext) Name() string { return rc.pass().name }

// Queue returns the queue the pass runs on.
func (rc *RecordContext) Queue() Queue { return rc.pass().queue }

func (rc *RecordContext) view(id ViewID) (int, error) {
	vi, err := rc.plan.g.viewIndex(id)
	if err != nil {
		return -1, err
	}
	if !slices.Contains(rc.pass().views, vi) {
		return -1, fmt.Errorf("%w: %s in %q", ErrNotDeclared, id, rc.Name())
	}
	return vi, nil
}

func (rc *RecordContext) resource(id ResourceID) (int, error) {
	g := rc.plan.g
	ri, err := g.resourceIndex(id)
	if err != nil {
		return -1, err
	}
	for _, vi := range rc.pass().views {
		if g.views[vi].res == ri {
			return ri, nil
		}
	}
	return -1, fmt.Errorf("%w: %s in %q", ErrNotDeclared, id, rc.Name())
}

// Image returns the native image of id.
func (rc *RecordContext) Image(id ResourceID) (Image, error) {
	ri, err := rc.resource(id)
	if err != nil {
		return nil, err
	}
	a, ok := rc.plan.g.resources[ri].native.(imageAllocation)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an image", ErrInvalidDescriptor, id)
	}
	return a.img, nil
}

// Buffer returns the native buffer of id.
func (rc *RecordContext) Buffer(id ResourceID) (Buffer, error) {
	ri, err := rc.resource(id)
	if err != nil {
		return nil, err
	}
	a, ok := rc.plan.g.resources[ri].native.(bufferAllocation)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a buffer", ErrInvalidDescriptor, id)
	}
	return a.buf, nil
}

// View returns the native image view of id.
func (rc *RecordContext) View(id ViewID) (ImageView, error) {
	vi, err := rc.view(id)
	if err != nil {
		return nil, err
	}
	v := &rc.plan.g.views[vi]
	if v.native == nil {
		return nil, fmt.Errorf("%w: %s has no image view", ErrInvalidDescriptor, id)
	}
	return v.native, nil
}

// BufferRange returns the native buffer and byte range of a buffer view.
func (rc *RecordContext) BufferRange(id ViewID) (buf Buffer, offset, size uint64, err error) {
	vi, err := rc.view(id)
	if err != nil {
		return nil, 0, 0, err
	}
	g := rc.plan.g
	v := &g.views[vi]
	a, ok := g.resources[v.res].native.(bufferAllocation)
	if !ok {
		return nil, 0, 0, fmt.Errorf("%w: %s is not a buffer view", ErrInvalidDescriptor, id)
	}
	return a.buf, v.desc.Offset, v.desc.Size, nil
}

func (rc *RecordContext) position() int { return rc.task }

// IsFirstUse reports whether this pass is the first to use id this frame.
// A synthetic clear counts as a use.
func (rc *RecordContext) IsFirstUse(id ResourceID) bool {
	ri, err := rc.resource(id)
	if err != nil {
		return false
	}
	return rc.plan.g.resources[ri].first == rc.position()
}

// IsLastUse reports whether this pass is the last to use id this frame.
func (rc *RecordContext) IsLastUse(id ResourceID) bool {
	ri, err := rc.resource(id)
	if err != nil {
		return false
	}
	return rc.plan.g.resources[ri].last == rc.position()
}

// Attachment describes how a render pass should load and store a view.
type Attachment struct {
	View  ImageView
	Load  gputypes.LoadOp
	Store gputypes.StoreOp
	Clear ClearValue
}

// Attachment returns the view with load and store operations derived from
// the resource lifetime. Contents are cleared on first use unless the
// resource was imported in a defined state, and discarded after the last
// use of a transient that is not the final output.
func (rc *RecordContext) Attachment(id ViewID) (Attachment, error) {
	vi, err := rc.view(id)
	if err != nil {
		return Attachment{}, err
	}
	g := rc.plan.g
	v := &g.views[vi]
	r := &g.resources[v.res]
	if v.native == nil {
		return Attachment{}, fmt.Errorf("%w: %s has no image view", ErrInvalidDescriptor, id)
	}

	att := Attachment{View: v.native, Load: gputypes.LoadOpLoad, Store: gputypes.StoreOpStore}
	att.Clear, _ = r.clear()
	if r.first == rc.position() && (!r.imported || r.external.State == StateUndefined) {
		att.Load = gputypes.LoadOpClear
	}
	if r.last == rc.position() && !r.imported && v.res != g.views[rc.plan.final].res {
		att.Store = gputypes.StoreOpDiscard
	}
	return att, nil
}

// Map maps a host-visible buffer view for CPU access. The mapping must be
// released with Unmap before the callback returns.
func (rc *RecordContext) Map(id ViewID) ([]byte, error) {
	buf, offset, size, err := rc.mappable(id)
	if err != nil {
		return nil, err
	}
	data, err := rc.plan.g.dev.MapBuffer(buf, offset, size)
	if err != nil {
		return nil, fmt.Errorf("%w: map %s: %w", ErrDevice, id, err)
	}
	return data, nil
}

// Unmap releases a mapping made by Map.
func (rc *RecordContext) Unmap(id ViewID) error {
	buf, _, _, err := rc.mappable(id)
	if err != nil {
		return err
	}
	if err := rc.plan.g.dev.UnmapBuffer(buf); err != nil {
		return fmt.Errorf("%w: unmap %s: %w", ErrDevice, id, err)
	}
	return nil
}

func (rc *RecordContext) mappable(id ViewID) (Buffer, uint64, uint64, error) {
	buf, offset, size, err := rc.BufferRange(id)
	if err != nil {
		return nil, 0, 0, err
	}
	vi, _ := rc.plan.g.viewIndex(id)
	d, _ := rc.plan.g.resources[rc.plan.g.views[vi].res].buffer()
	if !d.HostVisible {
		return nil, 0, 0, fmt.Errorf("%w: %q", ErrNotHostVisible, d.Label)
	}
	return buf, offset, size, nil
}
