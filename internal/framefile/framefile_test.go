package framefile

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/zclconf/go-cty/cty"

	"github.com/gogpu/framegraph"
	"github.com/gogpu/framegraph/backend/trace"
)

func loadDeferred(t *testing.T, vars map[string]cty.Value) *Frame {
	t.Helper()
	f, err := Load(filepath.Join("testdata", "deferred.hcl"), vars)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	return f
}

func TestLoadDeferred(t *testing.T) {
	f := loadDeferred(t, map[string]cty.Value{"width": cty.NumberIntVal(1280)})

	if len(f.Images) != 5 || len(f.Buffers) != 1 || len(f.Views) != 1 || len(f.Passes) != 5 {
		t.Fatalf("got %d images, %d buffers, %d views, %d passes",
			len(f.Images), len(f.Buffers), len(f.Views), len(f.Passes))
	}

	albedo := f.Images[0].Desc
	if albedo.Width != 1280 || albedo.Height != 360 {
		t.Errorf("albedo extent = %dx%d, want 1280x360", albedo.Width, albedo.Height)
	}
	if !albedo.Clear || albedo.ClearValue.Color != (gputypes.Color{A: 1}) {
		t.Errorf("albedo clear = %v %+v", albedo.Clear, albedo.ClearValue)
	}
	if ao := f.Images[2].Desc; ao.Width != 640 || ao.Height != 180 {
		t.Errorf("ao extent = %dx%d, want 640x180", ao.Width, ao.Height)
	}
	if d := f.Images[1].Desc; d.Format != gputypes.TextureFormatDepth32Float || d.ClearValue.Depth != 1 {
		t.Errorf("depth = %+v", d)
	}

	v := f.Views[0]
	if v.Resource != "hdr" || v.Desc.LevelCount != 1 {
		t.Errorf("view = %+v", v)
	}

	ssao := f.Passes[1]
	if ssao.Queue != framegraph.QueueCompute || !ssao.Enabled {
		t.Errorf("ssao = %+v", ssao)
	}
	if ssao.Uses[1].State != framegraph.StateStorageWriteCompute {
		t.Errorf("ssao ao state = %s", ssao.Uses[1].State)
	}
	if f.Output != "hdr_top" {
		t.Errorf("Output = %q", f.Output)
	}
}

// imageA is a valid one-pixel image named a.
const imageA = `image "a" {
  format = "r8unorm"
  width  = 1
  height = 1
}
`

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		vars map[string]cty.Value
		want string
	}{
		{
			name: "syntax",
			src:  `image "a" {`,
			want: "failed to parse",
		},
		{
			name: "missing output",
			src:  imageA,
			want: "failed to decode",
		},
		{
			name: "unknown format",
			src: `image "a" {
  format = "rgb565"
  width  = 1
  height = 1
}
output = "a"`,
			want: `unknown format "rgb565"`,
		},
		{
			name: "duplicate name",
			src: imageA + `buffer "a" { size = 4 }
output = "a"`,
			want: "already used by image",
		},
		{
			name: "view of unknown resource",
			src: `view "v" { resource = "nope" }
output = "v"`,
			want: "not an image or buffer",
		},
		{
			name: "use of unknown view",
			src: imageA + `pass "p" {
  queue = "graphics"
  use "b" { state = "color_attachment_write" }
}
output = "a"`,
			want: `undeclared view or resource "b"`,
		},
		{
			name: "unknown state",
			src: imageA + `pass "p" {
  queue = "graphics"
  use "a" { state = "painted" }
}
output = "a"`,
			want: `unknown state "painted"`,
		},
		{
			name: "unknown queue",
			src: imageA + `pass "p" { queue = "video" }
output = "a"`,
			want: `unknown queue "video"`,
		},
		{
			name: "unknown output",
			src:  imageA + `output = "b"`,
			want: `output "b"`,
		},
		{
			name: "bad clear color",
			src: `image "a" {
  format = "r8unorm"
  width = 1
  height = 1
  clear { color = [1, 2] }
}
output = "a"`,
			want: "2 components",
		},
		{
			name: "variable without value",
			src: `variable "w" {}
output = "a"`,
			want: `variable "w" has no default`,
		},
		{
			name: "undeclared override",
			src:  imageA + `output = "a"`,
			vars: map[string]cty.Value{"w": cty.NumberIntVal(1)},
			want: `undeclared variable "w"`,
		},
		{
			name: "undeclared reference",
			src: `image "a" {
  format = "r8unorm"
  width  = var.w
  height = 1
}
output = "a"`,
			want: "failed to decode",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), "test.hcl", tt.vars)
			if err == nil {
				t.Fatal("Parse() succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestParseVar(t *testing.T) {
	tests := []struct {
		in      string
		name    string
		want    cty.Value
		wantErr bool
	}{
		{in: "width=1920", name: "width", want: cty.NumberIntVal(1920)},
		{in: "ssao=false", name: "ssao", want: cty.False},
		{in: `label="main"`, name: "label", want: cty.StringVal("main")},
		{in: "mode=fast path", name: "mode", want: cty.StringVal("fast path")},
		{in: "width", wantErr: true},
		{in: "1x=2", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, v, err := ParseVar(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseVar(%q) succeeded", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseVar(%q) = %v", tt.in, err)
			}
			if name != tt.name || !v.Equals(tt.want).True() {
				t.Errorf("ParseVar(%q) = %s, %#v, want %s, %#v", tt.in, name, v, tt.name, tt.want)
			}
		})
	}
}

func TestBuildCompile(t *testing.T) {
	tests := []struct {
		name     string
		vars     map[string]cty.Value
		culled   []string
		disabled []string
	}{
		{
			name:   "ssao enabled",
			culled: []string{"ssao", "exposure", "debug_overlay"},
		},
		{
			name:     "ssao disabled",
			vars:     map[string]cty.Value{"ssao": cty.False},
			culled:   []string{"exposure", "debug_overlay"},
			disabled: []string{"ssao"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := loadDeferred(t, tt.vars)
			dev := trace.New()
			g := framegraph.New(dev)
			ctx := context.Background()
			defer g.Close(ctx)

			var recorded []string
			b, err := f.Build(g, BuildOptions{
				Record: func(name string) framegraph.RecordFunc {
					return func(*framegraph.RecordContext) error {
						recorded = append(recorded, name)
						return nil
					}
				},
			})
			if err != nil {
				t.Fatalf("Build() = %v", err)
			}
			if !slices.Equal(b.Disabled, tt.disabled) {
				t.Errorf("Disabled = %v, want %v", b.Disabled, tt.disabled)
			}
			if _, ok := b.Views["albedo"]; !ok {
				t.Error("whole view of albedo not created")
			}

			p, err := g.Compile(ctx, b.Output, framegraph.ExecuteOptions{})
			if err != nil {
				t.Fatalf("Compile() = %v", err)
			}
			if got := p.Culled(); !slices.Equal(got, tt.culled) {
				t.Errorf("Culled() = %v, want %v", got, tt.culled)
			}
			if _, err := p.Submit(ctx); err != nil {
				t.Fatalf("Submit() = %v", err)
			}
			if want := []string{"gbuffer", "lighting"}; !slices.Equal(recorded, want) {
				t.Errorf("recorded %v, want %v", recorded, want)
			}
		})
	}
}

func TestBuildForcedPass(t *testing.T) {
	src := `image "out" {
  format = "rgba8unorm"
  width  = 8
  height = 8
}
buffer "readback" {
  size         = 64
  host_visible = true
}
pass "draw" {
  queue = "graphics"
  use "out" { state = "color_attachment_write" }
}
pass "copy" {
  queue = "transfer"
  force = true
  use "out" { state = "transfer_src" }
  use "readback" { state = "transfer_dst" }
}
output = "out"`
	f, err := Parse([]byte(src), "forced.hcl", nil)
	if err != nil {
		t.Fatal(err)
	}
	g := framegraph.New(trace.New())
	defer g.Close(context.Background())
	b, err := f.Build(g, BuildOptions{})
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}
	p, err := g.Compile(context.Background(), b.Output, framegraph.ExecuteOptions{})
	if err != nil {
		t.Fatalf("Compile() = %v", err)
	}
	if culled := p.Culled(); len(culled) != 0 {
		t.Errorf("Culled() = %v, want none", culled)
	}
}

func TestBuildImports(t *testing.T) {
	src := `image "swapchain" {
  format = "bgra8unorm"
  width  = 16
  height = 16
  import = true
}
pass "blit" {
  queue = "graphics"
  use "swapchain" {
    state = "color_attachment_write"
    final = "present"
  }
}
output = "swapchain"`
	f, err := Parse([]byte(src), "import.hcl", nil)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("no importer", func(t *testing.T) {
		g := framegraph.New(trace.New())
		defer g.Close(context.Background())
		if _, err := f.Build(g, BuildOptions{}); !errors.Is(err, ErrNoImporter) {
			t.Errorf("Build() = %v, want ErrNoImporter", err)
		}
	})

	t.Run("importer", func(t *testing.T) {
		dev := trace.New()
		g := framegraph.New(dev)
		ctx := context.Background()
		defer g.Close(ctx)

		ext := &framegraph.ExternalState{Queue: framegraph.QueueGraphics}
		var asked string
		b, err := f.Build(g, BuildOptions{
			ImportImage: func(name string, desc framegraph.ImageDesc) (framegraph.Image, *framegraph.ExternalState, error) {
				asked = name
				img, err := dev.CreateImage(framegraph.ImageAllocInfo{
					Desc:  desc,
					Usage: gputypes.TextureUsageRenderAttachment,
				})
				return img, ext, err
			},
		})
		if err != nil {
			t.Fatalf("Build() = %v", err)
		}
		if asked != "swapchain" {
			t.Errorf("importer asked for %q", asked)
		}
		if _, err := g.Execute(ctx, b.Output, framegraph.ExecuteOptions{}); err != nil {
			t.Fatalf("Execute() = %v", err)
		}
		if ext.State != framegraph.StatePresent {
			t.Errorf("external state = %s, want present", ext.State)
		}
	})
}

func TestFormatName(t *testing.T) {
	if got := FormatName(gputypes.TextureFormatRGBA16Float); got != "rgba16float" {
		t.Errorf("FormatName(RGBA16Float) = %q", got)
	}
	if _, err := lookup(formats, "format", "RGBA8Unorm"); err != nil {
		t.Errorf("lookup is case sensitive: %v", err)
	}
}
