package framegraph

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// CreateImage registers a transient image owned by the graph. It is
// allocated by Compile only if a surviving pass uses it.
func (g *Graph) CreateImage(desc ImageDesc) (ResourceID, error) {
	if err := g.mutable(); err != nil {
		return ResourceID{}, err
	}
	d, err := desc.normalize()
	if err != nil {
		return ResourceID{}, err
	}
	return g.addResource(resource{desc: d}), nil
}

// CreateBuffer registers a transient buffer owned by the graph.
func (g *Graph) CreateBuffer(desc BufferDesc) (ResourceID, error) {
	if err := g.mutable(); err != nil {
		return ResourceID{}, err
	}
	d, err := desc.normalize()
	if err != nil {
		return ResourceID{}, err
	}
	return g.addResource(resource{desc: d}), nil
}

// ImportImage registers an image owned by the caller, such as a swapchain
// image or a history buffer. ext holds the queue and state the image is in
// now; Execute updates it with the state the frame leaves it in.
func (g *Graph) ImportImage(desc ImageDesc, img Image, ext *ExternalState) (ResourceID, error) {
	if err := g.mutable(); err != nil {
		return ResourceID{}, err
	}
	d, err := desc.normalize()
	if err != nil {
		return ResourceID{}, err
	}
	if err := checkImport(img, ext); err != nil {
		return ResourceID{}, fmt.Errorf("image %q: %w", d.Label, err)
	}
	if ext.State != StateUndefined {
		if err := checkImageState(ext.State, d.Format); err != nil {
			return ResourceID{}, fmt.Errorf("image %q: %w", d.Label, err)
		}
	}
	return g.addResource(resource{
		desc:     d,
		imported: true,
		external: ext,
		native:   imageAllocation{img: img},
	}), nil
}

// ImportBuffer registers a buffer owned by the caller.
func (g *Graph) ImportBuffer(desc BufferDesc, buf Buffer, ext *ExternalState) (ResourceID, error) {
	if err := g.mutable(); err != nil {
		return ResourceID{}, err
	}
	d, err := desc.normalize()
	if err != nil {
		return ResourceID{}, err
	}
	if err := checkImport(buf, ext); err != nil {
		return ResourceID{}, fmt.Errorf("buffer %q: %w", d.Label, err)
	}
	if err := checkBufferState(ext.State); err != nil {
		return ResourceID{}, fmt.Errorf("buffer %q: %w", d.Label, err)
	}
	return g.addResource(resource{
		desc:     d,
		imported: true,
		external: ext,
		native:   bufferAllocation{buf: buf},
	}), nil
}

func checkImport(native interface{}, ext *ExternalState) error {
	switch {
	case native == nil:
		return fmt.Errorf("%w: nil native object", ErrInvalidDescriptor)
	case ext == nil:
		return fmt.Errorf("%w: nil external state", ErrInvalidDescriptor)
	case ext.Queue >= numQueues:
		return fmt.Errorf("%w: external queue %s", ErrInvalidDescriptor, ext.Queue)
	case ext.State != StateUndefined && !ext.State.public():
		return fmt.Errorf("%w: external state %s", ErrInvalidState, ext.State)
	}
	return nil
}

func (g *Graph) addResource(r resource) ResourceID {
	r.firstSub = len(g.subs)
	r.first, r.last = -1, -1
	idx := len(g.resources)
	for i, n := 0, r.desc.subresources(); i < n; i++ {
		g.subs = append(g.subs, subresource{res: idx})
	}
	g.resources = append(g.resources, r)
	return ResourceID{h: g.newHandle(idx)}
}

// CreateView registers a view of desc.Resource. Zero or Remaining counts
// extend to the end of the resource.
func (g *Graph) CreateView(desc ViewDesc) (ViewID, error) {
	if err := g.mutable(); err != nil {
		return ViewID{}, err
	}
	ri, err := g.resourceIndex(desc.Resource)
	if err != nil {
		return ViewID{}, err
	}
	r := &g.resources[ri]

	v := view{res: ri}
	switch d := r.desc.(type) {
	case ImageDesc:
		v.desc, err = resolveImageView(d, desc)
		if err != nil {
			return ViewID{}, err
		}
		baseLayer, layerCount := v.desc.BaseLayer, v.desc.LayerCount
		if d.Dimension == gputypes.TextureDimension3D {
			baseLayer, layerCount = 0, 1
		}
		for level := v.desc.BaseLevel; level < v.desc.BaseLevel+v.desc.LevelCount; level++ {
			for layer := baseLayer; layer < baseLayer+layerCount; layer++ {
				v.subs = append(v.subs, r.firstSub+imageSub(d, level, layer))
			}
		}
	case BufferDesc:
		v.desc, err = resolveBufferView(d, desc)
		if err != nil {
			return ViewID{}, err
		}
		v.subs = []int{r.firstSub}
	}

	idx := len(g.views)
	g.views = append(g.views, v)
	return ViewID{h: g.newHandle(idx)}, nil
}

// WholeView registers a view covering all of id.
func (g *Graph) WholeView(id ResourceID) (ViewID, error) {
	return g.CreateView(ViewDesc{Resource: id})
}

// imageSub returns the resource-local subresource index of (level, layer).
func imageSub(d ImageDesc, level, layer uint32) int {
	return int(level)*int(d.Layers) + int(layer)
}

func resolveCount(base, count, total uint32) (uint32, bool) {
	if base >= total {
		return 0, false
	}
	if count == 0 || count == Remaining {
		return total - base, true
	}
	if uint64(base)+uint64(count) > uint64(total) {
		return 0, false
	}
	return count, true
}

func resolveImageView(d ImageDesc, desc ViewDesc) (ViewDesc, error) {
	var ok bool
	if desc.LevelCount, ok = resolveCount(desc.BaseLevel, desc.LevelCount, d.Levels); !ok {
		return desc, fmt.Errorf("%w: levels %d+%d of %q (%d levels)",
			ErrRangeOutOfBounds, desc.BaseLevel, desc.LevelCount, d.Label, d.Levels)
	}

	layers := d.Layers
	if d.Dimension == gputypes.TextureDimension3D && desc.Dimension == gputypes.TextureViewDimension2DArray {
		// Depth slices are viewed as layers; each level is still one
		// subresource.
		layers = d.Depth
	}
	if desc.LayerCount, ok = resolveCount(desc.BaseLayer, desc.LayerCount, layers); !ok {
		return desc, fmt.Errorf("%w: layers %d+%d of %q (%d layers)",
			ErrRangeOutOfBounds, desc.BaseLayer, desc.LayerCount, d.Label, layers)
	}

	if desc.Format == gputypes.TextureFormatUndefined {
		desc.Format = d.Format
	}
	if desc.Aspect == gputypes.TextureAspectUndefined {
		desc.Aspect = gputypes.TextureAspectAll
	}
	if desc.Dimension == gputypes.TextureViewDimensionUndefined {
		desc.Dimension = defaultViewDimension(d, desc.LayerCount)
	}
	if desc.Dimension == gputypes.TextureViewDimension2DArray && d.Dimension == gputypes.TextureDimension3D && desc.LevelCount != 1 {
		return desc, fmt.Errorf("%w: 2D array view of 3D image %q must select one level", ErrRangeOutOfBounds, d.Label)
	}
	return desc, nil
}

func defaultViewDimension(d ImageDesc, layers uint32) gputypes.TextureViewDimension {
	switch d.Dimension {
	case gputypes.TextureDimension1D:
		return gputypes.TextureViewDimension1D
	case gputypes.TextureDimension3D:
		return gputypes.TextureViewDimension3D
	}
	if layers > 1 {
		return gputypes.TextureViewDimension2DArray
	}
	return gputypes.TextureViewDimension2D
}

func resolveBufferView(d BufferDesc, desc ViewDesc) (ViewDesc, error) {
	if desc.Offset >= d.Size {
		return desc, fmt.Errorf("%w: offset %d of %q (%d bytes)", ErrRangeOutOfBounds, desc.Offset, d.Label, d.Size)
	}
	if desc.Size == 0 || desc.Size == WholeSize {
		desc.Size = d.Size - desc.Offset
	}
	if desc.Size > d.Size-desc.Offset {
		return desc, fmt.Errorf("%w: %d+%d of %q (%d bytes)", ErrRangeOutOfBounds, desc.Offset, desc.Size, d.Label, d.Size)
	}
	return desc, nil
}

// subrangeOf returns the image range covered by a resource-local
// subresource index.
func subrangeOf(d ImageDesc, local int) Subrange {
	return Subrange{
		Aspect:     gputypes.TextureAspectAll,
		BaseLevel:  uint32(local / int(d.Layers)),
		LevelCount: 1,
		BaseLayer:  uint32(local % int(d.Layers)),
		LayerCount: 1,
	}
}

// fullRange returns the range covering every subresource of d.
func fullRange(d ImageDesc) Subrange {
	return Subrange{
		Aspect:     gputypes.TextureAspectAll,
		LevelCount: d.Levels,
		LayerCount: d.Layers,
	}
}
