// Package framefile loads frame graphs described in HCL.
//
// A frame file declares resources, views and passes by name:
//
//	variable "width" { default = 1280 }
//
//	image "hdr" {
//	  format = "rgba16float"
//	  width  = var.width
//	  height = 720
//	  clear { color = [0, 0, 0, 1] }
//	}
//
//	pass "lighting" {
//	  queue = "compute"
//	  use "hdr" { state = "storage_write_compute" }
//	}
//
//	output = "hdr"
//
// A use block names a view, or a resource for its whole view. Images and
// buffers marked import are supplied by the caller at build time.
package framefile

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/framegraph"
)

// variablesRoot decodes the variable blocks only. Everything else may
// reference var and is decoded once the variables are known.
type variablesRoot struct {
	Variables []*variableBlock `hcl:"variable,block"`
	Remain    hcl.Body         `hcl:",remain"`
}

type variableBlock struct {
	Name    string    `hcl:"name,label"`
	Default cty.Value `hcl:"default,optional"`
}

type fileRoot struct {
	Images  []*imageBlock  `hcl:"image,block"`
	Buffers []*bufferBlock `hcl:"buffer,block"`
	Views   []*viewBlock   `hcl:"view,block"`
	Passes  []*passBlock   `hcl:"pass,block"`
	Output  string         `hcl:"output"`
}

type clearBlock struct {
	Color   []float64 `hcl:"color,optional"`
	Depth   float64   `hcl:"depth,optional"`
	Stencil uint32    `hcl:"stencil,optional"`
	Word    uint32    `hcl:"word,optional"`
}

type imageBlock struct {
	Name       string      `hcl:"name,label"`
	Format     string      `hcl:"format"`
	Dimension  string      `hcl:"dimension,optional"`
	Width      uint32      `hcl:"width"`
	Height     uint32      `hcl:"height"`
	Depth      uint32      `hcl:"depth,optional"`
	Layers     uint32      `hcl:"layers,optional"`
	Levels     uint32      `hcl:"levels,optional"`
	Samples    uint32      `hcl:"samples,optional"`
	Concurrent bool        `hcl:"concurrent,optional"`
	Import     bool        `hcl:"import,optional"`
	Clear      *clearBlock `hcl:"clear,block"`
}

type bufferBlock struct {
	Name        string      `hcl:"name,label"`
	Size        uint64      `hcl:"size"`
	HostVisible bool        `hcl:"host_visible,optional"`
	Concurrent  bool        `hcl:"concurrent,optional"`
	Import      bool        `hcl:"import,optional"`
	Clear       *clearBlock `hcl:"clear,block"`
}

type viewBlock struct {
	Name       string `hcl:"name,label"`
	Resource   string `hcl:"resource"`
	Format     string `hcl:"format,optional"`
	Dimension  string `hcl:"dimension,optional"`
	Aspect     string `hcl:"aspect,optional"`
	BaseLevel  uint32 `hcl:"base_level,optional"`
	LevelCount uint32 `hcl:"level_count,optional"`
	BaseLayer  uint32 `hcl:"base_layer,optional"`
	LayerCount uint32 `hcl:"layer_count,optional"`
	Offset     uint64 `hcl:"offset,optional"`
	Size       uint64 `hcl:"size,optional"`
}

type passBlock struct {
	Name    string      `hcl:"name,label"`
	Queue   string      `hcl:"queue"`
	Enabled *bool       `hcl:"enabled,optional"`
	Force   bool        `hcl:"force,optional"`
	Uses    []*useBlock `hcl:"use,block"`
}

type useBlock struct {
	View  string `hcl:"view,label"`
	State string `hcl:"state"`
	Final string `hcl:"final,optional"`
}

// Image is an image declared by a frame file.
type Image struct {
	Name   string
	Desc   framegraph.ImageDesc
	Import bool
}

// Buffer is a buffer declared by a frame file.
type Buffer struct {
	Name   string
	Desc   framegraph.BufferDesc
	Import bool
}

// View is a named view. Desc.Resource is filled in by Build.
type View struct {
	Name     string
	Resource string
	Desc     framegraph.ViewDesc
}

// Use is one use block of a pass.
type Use struct {
	View  string
	State framegraph.State
	Final framegraph.State
}

// Pass is a pass declared by a frame file.
type Pass struct {
	Name    string
	Queue   framegraph.Queue
	Enabled bool
	Force   bool
	Uses    []Use
}

// Frame is a decoded and validated frame file.
type Frame struct {
	Filename string
	Images   []Image
	Buffers  []Buffer
	Views    []View
	Passes   []Pass
	Output   string
}

// Load reads and parses the frame file at path.
func Load(path string, vars map[string]cty.Value) (*Frame, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("framefile: %w", err)
	}
	return Parse(src, path, vars)
}

// Parse decodes a frame file. vars override the defaults of the file's
// variable blocks.
func Parse(src []byte, filename string, vars map[string]cty.Value) (*Frame, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("framefile: failed to parse %s: %w", filename, diags)
	}

	var vroot variablesRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &vroot); diags.HasErrors() {
		return nil, fmt.Errorf("framefile: failed to decode variables of %s: %w", filename, diags)
	}
	values, err := resolveVariables(vroot.Variables, vars)
	if err != nil {
		return nil, fmt.Errorf("framefile: %s: %w", filename, err)
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.ObjectVal(values)},
	}
	var root fileRoot
	if diags := gohcl.DecodeBody(vroot.Remain, evalCtx, &root); diags.HasErrors() {
		return nil, fmt.Errorf("framefile: failed to decode %s: %w", filename, diags)
	}

	f, err := translate(&root)
	if err != nil {
		return nil, fmt.Errorf("framefile: %s: %w", filename, err)
	}
	f.Filename = filename
	framegraph.Logger().Debug("framefile: loaded",
		"file", filename,
		"images", len(f.Images),
		"buffers", len(f.Buffers),
		"views", len(f.Views),
		"passes", len(f.Passes))
	return f, nil
}

func resolveVariables(blocks []*variableBlock, overrides map[string]cty.Value) (map[string]cty.Value, error) {
	values := make(map[string]cty.Value, len(blocks))
	for _, b := range blocks {
		if _, dup := values[b.Name]; dup {
			return nil, fmt.Errorf("variable %q declared twice", b.Name)
		}
		v, ok := overrides[b.Name]
		if !ok {
			if b.Default.Type() == cty.NilType || b.Default.IsNull() {
				return nil, fmt.Errorf("variable %q has no default and no value was given", b.Name)
			}
			v = b.Default
		}
		values[b.Name] = v
	}
	for name := range overrides {
		if _, ok := values[name]; !ok {
			return nil, fmt.Errorf("value given for undeclared variable %q", name)
		}
	}
	return values, nil
}

// ParseVar parses a name=value command line assignment. The value is an
// HCL literal; anything that does not parse as one is taken as a string.
func ParseVar(s string) (string, cty.Value, error) {
	name, raw, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || !hclsyntax.ValidIdentifier(name) {
		return "", cty.NilVal, fmt.Errorf("framefile: variable assignment %q is not name=value", s)
	}
	expr, diags := hclsyntax.ParseExpression([]byte(raw), "var."+name, hcl.InitialPos)
	if diags.HasErrors() {
		return name, cty.StringVal(raw), nil
	}
	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return name, cty.StringVal(raw), nil
	}
	return name, v, nil
}

func (c *clearBlock) value() (framegraph.ClearValue, error) {
	v := framegraph.ClearValue{
		Depth:   float32(c.Depth),
		Stencil: c.Stencil,
		Word:    c.Word,
	}
	switch len(c.Color) {
	case 0:
	case 3:
		v.Color = gputypes.Color{R: c.Color[0], G: c.Color[1], B: c.Color[2], A: 1}
	case 4:
		v.Color = gputypes.Color{R: c.Color[0], G: c.Color[1], B: c.Color[2], A: c.Color[3]}
	default:
		return v, fmt.Errorf("clear color has %d components, want 3 or 4", len(c.Color))
	}
	return v, nil
}

func translate(root *fileRoot) (*Frame, error) {
	f := &Frame{Output: root.Output}
	kinds := make(map[string]string)
	declare := func(kind, name string) error {
		if prev, ok := kinds[name]; ok {
			return fmt.Errorf("%s %q: name already used by %s", kind, name, prev)
		}
		kinds[name] = kind
		return nil
	}

	for _, b := range root.Images {
		if err := declare("image", b.Name); err != nil {
			return nil, err
		}
		img, err := translateImage(b)
		if err != nil {
			return nil, fmt.Errorf("image %q: %w", b.Name, err)
		}
		f.Images = append(f.Images, img)
	}
	for _, b := range root.Buffers {
		if err := declare("buffer", b.Name); err != nil {
			return nil, err
		}
		buf := Buffer{
			Name:   b.Name,
			Import: b.Import,
			Desc: framegraph.BufferDesc{
				Label:       b.Name,
				Size:        b.Size,
				Concurrent:  b.Concurrent,
				HostVisible: b.HostVisible,
			},
		}
		if b.Clear != nil {
			cv, err := b.Clear.value()
			if err != nil {
				return nil, fmt.Errorf("buffer %q: %w", b.Name, err)
			}
			buf.Desc.Clear, buf.Desc.ClearValue = true, cv
		}
		f.Buffers = append(f.Buffers, buf)
	}
	for _, b := range root.Views {
		if err := declare("view", b.Name); err != nil {
			return nil, err
		}
		switch kinds[b.Resource] {
		case "image", "buffer":
		default:
			return nil, fmt.Errorf("view %q: %q is not an image or buffer", b.Name, b.Resource)
		}
		v, err := translateView(b)
		if err != nil {
			return nil, fmt.Errorf("view %q: %w", b.Name, err)
		}
		f.Views = append(f.Views, v)
	}

	passes := make(map[string]bool)
	for _, b := range root.Passes {
		if passes[b.Name] {
			return nil, fmt.Errorf("pass %q declared twice", b.Name)
		}
		passes[b.Name] = true
		p, err := translatePass(b, kinds)
		if err != nil {
			return nil, fmt.Errorf("pass %q: %w", b.Name, err)
		}
		f.Passes = append(f.Passes, p)
	}

	if _, ok := kinds[f.Output]; !ok {
		return nil, fmt.Errorf("output %q is not a declared view or resource", f.Output)
	}
	return f, nil
}

func translateImage(b *imageBlock) (Image, error) {
	format, err := lookup(formats, "format", b.Format)
	if err != nil {
		return Image{}, err
	}
	dim, err := lookup(dimensions, "dimension", b.Dimension)
	if err != nil {
		return Image{}, err
	}
	img := Image{
		Name:   b.Name,
		Import: b.Import,
		Desc: framegraph.ImageDesc{
			Label:      b.Name,
			Format:     format,
			Dimension:  dim,
			Width:      b.Width,
			Height:     b.Height,
			Depth:      b.Depth,
			Layers:     b.Layers,
			Levels:     b.Levels,
			Samples:    b.Samples,
			Concurrent: b.Concurrent,
		},
	}
	if b.Clear != nil {
		cv, err := b.Clear.value()
		if err != nil {
			return Image{}, err
		}
		img.Desc.Clear, img.Desc.ClearValue = true, cv
	}
	return img, nil
}

func translateView(b *viewBlock) (View, error) {
	format, err := lookup(formats, "format", b.Format)
	if err != nil {
		return View{}, err
	}
	dim, err := lookup(viewDimensions, "view dimension", b.Dimension)
	if err != nil {
		return View{}, err
	}
	aspect, err := lookup(aspects, "aspect", b.Aspect)
	if err != nil {
		return View{}, err
	}
	return View{
		Name:     b.Name,
		Resource: b.Resource,
		Desc: framegraph.ViewDesc{
			Label:      b.Name,
			Format:     format,
			Dimension:  dim,
			Aspect:     aspect,
			BaseLevel:  b.BaseLevel,
			LevelCount: b.LevelCount,
			BaseLayer:  b.BaseLayer,
			LayerCount: b.LayerCount,
			Offset:     b.Offset,
			Size:       b.Size,
		},
	}, nil
}

func translatePass(b *passBlock, kinds map[string]string) (Pass, error) {
	q, err := framegraph.ParseQueue(b.Queue)
	if err != nil {
		return Pass{}, err
	}
	p := Pass{
		Name:    b.Name,
		Queue:   q,
		Enabled: b.Enabled == nil || *b.Enabled,
		Force:   b.Force,
	}
	for _, u := range b.Uses {
		if _, ok := kinds[u.View]; !ok {
			return Pass{}, fmt.Errorf("use of undeclared view or resource %q", u.View)
		}
		state, err := framegraph.ParseState(u.State)
		if err != nil {
			return Pass{}, fmt.Errorf("use %q: %w", u.View, err)
		}
		use := Use{View: u.View, State: state}
		if u.Final != "" {
			if use.Final, err = framegraph.ParseState(u.Final); err != nil {
				return Pass{}, fmt.Errorf("use %q: %w", u.View, err)
			}
		}
		p.Uses = append(p.Uses, use)
	}
	return p, nil
}
