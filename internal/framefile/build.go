package framefile

import (
	"errors"
	"fmt"

	"github.com/gogpu/framegraph"
)

// ErrNoImporter is returned when a frame file imports a resource and no
// import callback was given.
var ErrNoImporter = errors.New("framefile: no importer for imported resource")

// BuildOptions supplies what a frame file cannot describe.
type BuildOptions struct {
	// ImportImage returns the native image and external state of an image
	// declared with import = true.
	ImportImage func(name string, desc framegraph.ImageDesc) (framegraph.Image, *framegraph.ExternalState, error)

	// ImportBuffer is ImportImage for buffers.
	ImportBuffer func(name string, desc framegraph.BufferDesc) (framegraph.Buffer, *framegraph.ExternalState, error)

	// Record returns the record callback of a pass. Nil, or a nil result,
	// leaves the pass without commands.
	Record func(pass string) framegraph.RecordFunc
}

// Built maps the names of a frame file to graph handles.
type Built struct {
	Output    framegraph.ViewID
	Resources map[string]framegraph.ResourceID
	Views     map[string]framegraph.ViewID
	Passes    map[string]framegraph.PassID
	// Disabled lists passes skipped because enabled was false.
	Disabled []string
}

// Build declares the frame on g in file order and returns the handles it
// created. Build is called once per frame, after g.Reset.
func (f *Frame) Build(g *framegraph.Graph, opts BuildOptions) (*Built, error) {
	b := &Built{
		Resources: make(map[string]framegraph.ResourceID, len(f.Images)+len(f.Buffers)),
		Views:     make(map[string]framegraph.ViewID, len(f.Views)),
		Passes:    make(map[string]framegraph.PassID, len(f.Passes)),
	}

	for _, img := range f.Images {
		id, err := buildImage(g, img, opts)
		if err != nil {
			return nil, fmt.Errorf("framefile: image %q: %w", img.Name, err)
		}
		b.Resources[img.Name] = id
	}
	for _, buf := range f.Buffers {
		id, err := buildBuffer(g, buf, opts)
		if err != nil {
			return nil, fmt.Errorf("framefile: buffer %q: %w", buf.Name, err)
		}
		b.Resources[buf.Name] = id
	}
	for _, v := range f.Views {
		desc := v.Desc
		desc.Resource = b.Resources[v.Resource]
		id, err := g.CreateView(desc)
		if err != nil {
			return nil, fmt.Errorf("framefile: view %q: %w", v.Name, err)
		}
		b.Views[v.Name] = id
	}

	for _, p := range f.Passes {
		if !p.Enabled {
			b.Disabled = append(b.Disabled, p.Name)
			continue
		}
		usages := make([]framegraph.Usage, 0, len(p.Uses))
		for _, u := range p.Uses {
			vid, err := b.view(g, u.View)
			if err != nil {
				return nil, fmt.Errorf("framefile: pass %q: %w", p.Name, err)
			}
			usages = append(usages, framegraph.Usage{View: vid, State: u.State, Final: u.Final})
		}
		var record framegraph.RecordFunc
		if opts.Record != nil {
			record = opts.Record(p.Name)
		}
		var popts []framegraph.PassOption
		if p.Force {
			popts = append(popts, framegraph.ForceExecution())
		}
		id, err := g.AddPass(p.Name, p.Queue, usages, record, popts...)
		if err != nil {
			return nil, fmt.Errorf("framefile: pass %q: %w", p.Name, err)
		}
		b.Passes[p.Name] = id
	}

	out, err := b.view(g, f.Output)
	if err != nil {
		return nil, fmt.Errorf("framefile: output: %w", err)
	}
	b.Output = out
	return b, nil
}

// view resolves a view name, or a resource name to its whole view.
func (b *Built) view(g *framegraph.Graph, name string) (framegraph.ViewID, error) {
	if id, ok := b.Views[name]; ok {
		return id, nil
	}
	rid, ok := b.Resources[name]
	if !ok {
		return framegraph.ViewID{}, fmt.Errorf("%q is not a view or resource", name)
	}
	id, err := g.WholeView(rid)
	if err != nil {
		return framegraph.ViewID{}, err
	}
	b.Views[name] = id
	return id, nil
}

func buildImage(g *framegraph.Graph, img Image, opts BuildOptions) (framegraph.ResourceID, error) {
	if !img.Import {
		return g.CreateImage(img.Desc)
	}
	if opts.ImportImage == nil {
		return framegraph.ResourceID{}, ErrNoImporter
	}
	native, ext, err := opts.ImportImage(img.Name, img.Desc)
	if err != nil {
		return framegraph.ResourceID{}, err
	}
	return g.ImportImage(img.Desc, native, ext)
}

func buildBuffer(g *framegraph.Graph, buf Buffer, opts BuildOptions) (framegraph.ResourceID, error) {
	if !buf.Import {
		return g.CreateBuffer(buf.Desc)
	}
	if opts.ImportBuffer == nil {
		return framegraph.ResourceID{}, ErrNoImporter
	}
	native, ext, err := opts.ImportBuffer(buf.Name, buf.Desc)
	if err != nil {
		return framegraph.ResourceID{}, err
	}
	return g.ImportBuffer(buf.Desc, native, ext)
}
