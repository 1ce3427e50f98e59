package framegraph

import (
	"fmt"
	"slices"

	"github.com/gogpu/gputypes"
)

// imageKey identifies interchangeable image allocations in the pool.
type imageKey struct {
	format      gputypes.TextureFormat
	dimension   gputypes.TextureDimension
	width       uint32
	height      uint32
	depth       uint32
	layers      uint32
	levels      uint32
	samples     uint32
	concurrent  bool
	usage       gputypes.TextureUsage
	viewFormats string
	array2D     bool
}

func newImageKey(d ImageDesc, r *resource) imageKey {
	var vf []byte
	for _, f := range r.viewFormats {
		vf = fmt.Appendf(vf, "%d,", uint32(f))
	}
	return imageKey{
		format: d.Format, dimension: d.Dimension,
		width: d.Width, height: d.Height, depth: d.Depth,
		layers: d.Layers, levels: d.Levels, samples: d.Samples,
		concurrent: d.Concurrent, usage: r.texUsage,
		viewFormats: string(vf), array2D: r.array2D,
	}
}

// bufferKey identifies interchangeable buffer allocations in the pool.
type bufferKey struct {
	size        uint64
	concurrent  bool
	hostVisible bool
	usage       gputypes.BufferUsage
}

func newBufferKey(d BufferDesc, r *resource) bufferKey {
	return bufferKey{size: d.Size, concurrent: d.Concurrent, hostVisible: d.HostVisible, usage: r.bufUsage}
}

// computeUsage unions the capabilities of every surviving usage into its
// resource and derives creation flags from the views that will be created.
func (g *Graph) computeUsage() {
	for ri := range g.resources {
		r := &g.resources[ri]
		r.texUsage, r.bufUsage = 0, 0
		r.viewFormats, r.array2D = nil, false
		if !r.alive {
			continue
		}
		for si := r.firstSub; si < r.firstSub+r.desc.subresources(); si++ {
			for _, u := range g.subs[si].uses {
				for _, s := range []State{u.state, u.final} {
					info := s.Info()
					r.texUsage |= info.TextureUsage
					r.bufUsage |= info.BufferUsage
				}
			}
		}
		if d, ok := r.buffer(); ok && d.HostVisible && r.bufUsage&(gputypes.BufferUsageMapRead|gputypes.BufferUsageMapWrite) == 0 {
			r.bufUsage |= gputypes.BufferUsageMapWrite
		}
	}

	for vi := range g.views {
		v := &g.views[vi]
		if !v.used {
			continue
		}
		r := &g.resources[v.res]
		d, ok := r.image()
		if !ok {
			continue
		}
		if v.desc.Format != d.Format && !slices.Contains(r.viewFormats, v.desc.Format) {
			r.viewFormats = append(r.viewFormats, v.desc.Format)
		}
		if d.Dimension == gputypes.TextureDimension3D && v.desc.Dimension == gputypes.TextureViewDimension2DArray {
			r.array2D = true
		}
	}
}

// allocate creates native objects for every surviving transient resource
// with exactly its usage union, then native views for surviving image
// views.
func (g *Graph) allocate() error {
	for ri := range g.resources {
		r := &g.resources[ri]
		if !r.alive || r.imported || r.native != nil {
			continue
		}
		switch d := r.desc.(type) {
		case ImageDesc:
			key := newImageKey(d, r)
			if g.images != nil {
				if img, ok := g.images.Take(key); ok {
					r.native = imageAllocation{img: img}
					continue
				}
			}
			img, err := g.dev.CreateImage(ImageAllocInfo{
				Desc:              d,
				Usage:             r.texUsage,
				ViewFormats:       r.viewFormats,
				Array2DCompatible: r.array2D,
			})
			if err != nil {
				return fmt.Errorf("%w: image %q: %w", ErrAllocationFailed, d.Label, err)
			}
			r.native = imageAllocation{img: img}
		case BufferDesc:
			key := newBufferKey(d, r)
			if g.buffers != nil {
				if buf, ok := g.buffers.Take(key); ok {
					r.native = bufferAllocation{buf: buf}
					continue
				}
			}
			buf, err := g.dev.CreateBuffer(BufferAllocInfo{Desc: d, Usage: r.bufUsage})
			if err != nil {
				return fmt.Errorf("%w: buffer %q: %w", ErrAllocationFailed, d.Label, err)
			}
			r.native = bufferAllocation{buf: buf}
		}
	}

	for vi := range g.views {
		v := &g.views[vi]
		if !v.used || v.native != nil {
			continue
		}
		r := &g.resources[v.res]
		a, ok := r.native.(imageAllocation)
		if !ok {
			continue
		}
		native, err := g.dev.CreateImageView(a.img, ImageViewInfo{
			Label:     v.desc.Label,
			Format:    v.desc.Format,
			Dimension: v.desc.Dimension,
			Range: Subrange{
				Aspect:     v.desc.Aspect,
				BaseLevel:  v.desc.BaseLevel,
				LevelCount: v.desc.LevelCount,
				BaseLayer:  v.desc.BaseLayer,
				LayerCount: v.desc.LayerCount,
			},
		})
		if err != nil {
			return fmt.Errorf("%w: view of %q: %w", ErrAllocationFailed, r.desc.label(), err)
		}
		v.native = native
	}
	return nil
}
