package framegraph

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Remaining selects every level or layer from the base to the end of the
// resource. A zero count means the same.
const Remaining = ^uint32(0)

// WholeSize selects every byte from the offset to the end of a buffer.
const WholeSize = ^uint64(0)

// ClearValue is the value a resource is cleared to before its first use.
type ClearValue struct {
	Color   gputypes.Color
	Depth   float32
	Stencil uint32
	// Word fills buffers; native backends clear non-zero words by copy.
	Word uint32
}

// ImageDesc describes an image resource.
type ImageDesc struct {
	Label     string
	Format    gputypes.TextureFormat
	Dimension gputypes.TextureDimension // zero means 2D
	Width     uint32
	Height    uint32
	Depth     uint32 // 3D only; zero means 1
	Layers    uint32 // zero means 1
	Levels    uint32 // zero means 1
	Samples   uint32 // zero means 1

	// Concurrent images may be used by several queues without ownership
	// transfers.
	Concurrent bool

	// Clear requests a synthetic clear before the first use each frame.
	Clear      bool
	ClearValue ClearValue
}

// BufferDesc describes a buffer resource.
type BufferDesc struct {
	Label       string
	Size        uint64
	Concurrent  bool
	HostVisible bool

	Clear      bool
	ClearValue ClearValue
}

// resourceDesc is the sum of the resource description variants.
type resourceDesc interface {
	label() string
	subresources() int
	kind() resourceKind
}

func (d ImageDesc) label() string      { return d.Label }
func (d ImageDesc) kind() resourceKind { return kindImage }
func (d ImageDesc) subresources() int  { return int(d.Layers) * int(d.Levels) }

func (d BufferDesc) label() string      { return d.Label }
func (d BufferDesc) kind() resourceKind { return kindBuffer }
func (d BufferDesc) subresources() int  { return 1 }

// normalize fills defaults and validates d.
func (d ImageDesc) normalize() (ImageDesc, error) {
	if d.Dimension == gputypes.TextureDimensionUndefined {
		d.Dimension = gputypes.TextureDimension2D
	}
	if d.Depth == 0 {
		d.Depth = 1
	}
	if d.Layers == 0 {
		d.Layers = 1
	}
	if d.Levels == 0 {
		d.Levels = 1
	}
	if d.Samples == 0 {
		d.Samples = 1
	}
	switch {
	case d.Format == gputypes.TextureFormatUndefined:
		return d, fmt.Errorf("%w: image %q has no format", ErrInvalidDescriptor, d.Label)
	case d.Width == 0 || d.Height == 0:
		return d, fmt.Errorf("%w: image %q has zero extent", ErrInvalidDescriptor, d.Label)
	case d.Dimension != gputypes.TextureDimension3D && d.Depth != 1:
		return d, fmt.Errorf("%w: image %q has depth on a non-3D image", ErrInvalidDescriptor, d.Label)
	case d.Dimension == gputypes.TextureDimension3D && d.Layers != 1:
		return d, fmt.Errorf("%w: 3D image %q has layers", ErrInvalidDescriptor, d.Label)
	}
	if limit := mipCount(d.Width, d.Height, d.Depth); d.Levels > limit {
		return d, fmt.Errorf("%w: image %q has %d levels, at most %d", ErrInvalidDescriptor, d.Label, d.Levels, limit)
	}
	return d, nil
}

func (d BufferDesc) normalize() (BufferDesc, error) {
	if d.Size == 0 {
		return d, fmt.Errorf("%w: buffer %q has zero size", ErrInvalidDescriptor, d.Label)
	}
	return d, nil
}

func mipCount(w, h, d uint32) uint32 {
	n := uint32(1)
	for m := max(w, h, d); m > 1; m >>= 1 {
		n++
	}
	return n
}

// ViewDesc describes a window into one resource. Image fields are ignored
// for buffers and buffer fields are ignored for images.
type ViewDesc struct {
	Resource ResourceID
	Label    string

	// Format reinterprets the image; zero keeps the resource format.
	Format    gputypes.TextureFormat
	Dimension gputypes.TextureViewDimension // zero derives from the image
	Aspect    gputypes.TextureAspect        // zero means all

	BaseLevel  uint32
	LevelCount uint32
	BaseLayer  uint32
	LayerCount uint32

	Offset uint64
	Size   uint64 // zero or WholeSize means the rest of the buffer
}

// Subrange is a resolved image subresource range.
type Subrange struct {
	Aspect     gputypes.TextureAspect
	BaseLevel  uint32
	LevelCount uint32
	BaseLayer  uint32
	LayerCount uint32
}

// ExternalState is the queue and state an imported resource is in outside
// the graph. Execute overwrites it with the state the frame leaves the
// resource in.
type ExternalState struct {
	Queue Queue
	State State
}

// ImageViewInfo is what a Device needs to create a native image view.
type ImageViewInfo struct {
	Label     string
	Format    gputypes.TextureFormat
	Dimension gputypes.TextureViewDimension
	Range     Subrange
}

// ImageAllocInfo is what a Device needs to allocate an image.
type ImageAllocInfo struct {
	Desc  ImageDesc
	Usage gputypes.TextureUsage

	// ViewFormats lists formats views reinterpret the image as.
	ViewFormats []gputypes.TextureFormat

	// Array2DCompatible is set when a 3D image is viewed as a 2D array.
	Array2DCompatible bool
}

// BufferAllocInfo is what a Device needs to allocate a buffer.
type BufferAllocInfo struct {
	Desc  BufferDesc
	Usage gputypes.BufferUsage
}
