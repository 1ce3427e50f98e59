package framegraph

import (
	"fmt"
	"sync/atomic"
)

// graphIDs hands out process-unique graph identifiers. Zero is reserved
// for the zero handle.
var graphIDs atomic.Uint32

// handle addresses one slot in a graph table during one frame.
type handle struct {
	graph uint32
	epoch uint32
	index uint32
}

func (h handle) String() string {
	if h.graph == 0 {
		return "<nil>"
	}
	return fmt.Sprintf("#%d@%d.%d", h.index, h.graph, h.epoch)
}

// ResourceID identifies an image or buffer registered with a Graph.
// It is valid until the next Reset of the graph that issued it.
type ResourceID struct{ h handle }

// ViewID identifies a view registered with a Graph.
type ViewID struct{ h handle }

// PassID identifies a pass added to a Graph.
type PassID struct{ h handle }

// IsZero reports whether the ID was never assigned.
func (id ResourceID) IsZero() bool { return id.h.graph == 0 }

// IsZero reports whether the ID was never assigned.
func (id ViewID) IsZero() bool { return id.h.graph == 0 }

// IsZero reports whether the ID was never assigned.
func (id PassID) IsZero() bool { return id.h.graph == 0 }

func (id ResourceID) String() string { return "resource" + id.h.String() }
func (id ViewID) String() string     { return "view" + id.h.String() }
func (id PassID) String() string     { return "pass" + id.h.String() }

func (g *Graph) newHandle(index int) handle {
	return handle{graph: g.id, epoch: g.epoch, index: uint32(index)}
}

// lookup validates h against the graph identity, the current epoch, and
// the table length n, and returns the slot index.
func (g *Graph) lookup(h handle, n int) (int, error) {
	if h.graph != g.id || h.epoch != g.epoch || int(h.index) >= n {
		return 0, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	return int(h.index), nil
}

func (g *Graph) resourceIndex(id ResourceID) (int, error) {
	return g.lookup(id.h, len(g.resources))
}

func (g *Graph) viewIndex(id ViewID) (int, error) {
	return g.lookup(id.h, len(g.views))
}

func (g *Graph) passIndex(id PassID) (int, error) {
	return g.lookup(id.h, len(g.passes))
}
