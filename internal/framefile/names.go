package framefile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gogpu/gputypes"
)

var formats = map[string]gputypes.TextureFormat{
	"r8unorm":              gputypes.TextureFormatR8Unorm,
	"rgba8unorm":           gputypes.TextureFormatRGBA8Unorm,
	"rgba8unorm-srgb":      gputypes.TextureFormatRGBA8UnormSrgb,
	"rgba8snorm":           gputypes.TextureFormatRGBA8Snorm,
	"bgra8unorm":           gputypes.TextureFormatBGRA8Unorm,
	"rgba16float":          gputypes.TextureFormatRGBA16Float,
	"rgba32float":          gputypes.TextureFormatRGBA32Float,
	"r32float":             gputypes.TextureFormatR32Float,
	"rg32float":            gputypes.TextureFormatRG32Float,
	"r32uint":              gputypes.TextureFormatR32Uint,
	"rgba32uint":           gputypes.TextureFormatRGBA32Uint,
	"r32sint":              gputypes.TextureFormatR32Sint,
	"rgba32sint":           gputypes.TextureFormatRGBA32Sint,
	"depth32float":         gputypes.TextureFormatDepth32Float,
	"depth24plus-stencil8": gputypes.TextureFormatDepth24PlusStencil8,
}

var dimensions = map[string]gputypes.TextureDimension{
	"1d": gputypes.TextureDimension1D,
	"2d": gputypes.TextureDimension2D,
	"3d": gputypes.TextureDimension3D,
}

var viewDimensions = map[string]gputypes.TextureViewDimension{
	"1d":       gputypes.TextureViewDimension1D,
	"2d":       gputypes.TextureViewDimension2D,
	"2d-array": gputypes.TextureViewDimension2DArray,
	"3d":       gputypes.TextureViewDimension3D,
}

var aspects = map[string]gputypes.TextureAspect{
	"all":     gputypes.TextureAspectAll,
	"depth":   gputypes.TextureAspectDepthOnly,
	"stencil": gputypes.TextureAspectStencilOnly,
}

// lookup resolves a lower-case name in table. An empty name resolves to
// the zero value, which the graph treats as "derive from the resource".
func lookup[T any](table map[string]T, what, name string) (T, error) {
	var zero T
	if name == "" {
		return zero, nil
	}
	v, ok := table[strings.ToLower(name)]
	if !ok {
		return zero, fmt.Errorf("unknown %s %q (want one of %s)", what, name, strings.Join(keys(table), ", "))
	}
	return v, nil
}

func keys[T any](table map[string]T) []string {
	out := make([]string, 0, len(table))
	for k := range table {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FormatName returns the frame file name of f, or f's String form when the
// format has no name in frame files.
func FormatName(f gputypes.TextureFormat) string {
	for name, v := range formats {
		if v == f {
			return name
		}
	}
	return fmt.Sprint(f)
}
