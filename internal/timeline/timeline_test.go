package timeline

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/framegraph"
	"github.com/gogpu/framegraph/backend/trace"
)

// compilePlan declares a graphics -> compute -> graphics frame.
func compilePlan(t *testing.T) *framegraph.Plan {
	t.Helper()
	g := framegraph.New(trace.New())
	t.Cleanup(func() { _ = g.Close(context.Background()) })

	view := func(id framegraph.ResourceID, err error) framegraph.ViewID {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		v, err := g.WholeView(id)
		if err != nil {
			t.Fatal(err)
		}
		return v
	}
	scene := view(g.CreateImage(framegraph.ImageDesc{
		Label: "scene", Format: gputypes.TextureFormatRGBA8Unorm, Width: 64, Height: 64, Clear: true,
	}))
	lum := view(g.CreateBuffer(framegraph.BufferDesc{Label: "luminance", Size: 256}))
	out := view(g.CreateImage(framegraph.ImageDesc{
		Label: "out", Format: gputypes.TextureFormatRGBA8Unorm, Width: 64, Height: 64,
	}))

	passes := []struct {
		name   string
		q      framegraph.Queue
		usages []framegraph.Usage
	}{
		{"scene", framegraph.QueueGraphics, []framegraph.Usage{
			{View: scene, State: framegraph.StateColorAttachmentWrite},
		}},
		{"lum", framegraph.QueueCompute, []framegraph.Usage{
			{View: scene, State: framegraph.StateSampledCompute},
			{View: lum, State: framegraph.StateStorageWriteCompute},
		}},
		{"tonemap", framegraph.QueueGraphics, []framegraph.Usage{
			{View: scene, State: framegraph.StateSampledGraphics},
			{View: lum, State: framegraph.StateUniformGraphics},
			{View: out, State: framegraph.StateColorAttachmentWrite},
		}},
	}
	for _, p := range passes {
		if _, err := g.AddPass(p.name, p.q, p.usages, nil); err != nil {
			t.Fatalf("AddPass(%q) = %v", p.name, err)
		}
	}
	p, err := g.Compile(context.Background(), out, framegraph.ExecuteOptions{})
	if err != nil {
		t.Fatalf("Compile() = %v", err)
	}
	return p
}

func blockByName(t *testing.T, tl *Timeline, name string) (int, Block) {
	t.Helper()
	for i, b := range tl.Blocks {
		if b.Name == name {
			return i, b
		}
	}
	t.Fatalf("no block %q in %v", name, tl.Blocks)
	return -1, Block{}
}

func TestFromPlan(t *testing.T) {
	tests := []struct {
		name      string
		timings   map[string]framegraph.Timing
		timed     bool
		sceneSpan float64
	}{
		{name: "untimed", sceneSpan: untimed},
		{
			name: "timed",
			timings: map[string]framegraph.Timing{
				"scene": {GPU: 2.5, WithWait: 2.5},
				"lum":   {GPU: 0.5, WithWait: 3},
			},
			timed:     true,
			sceneSpan: 2.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := FromPlan("frame", compilePlan(t), tt.timings)
			if tl.Timed != tt.timed {
				t.Errorf("Timed = %v, want %v", tl.Timed, tt.timed)
			}

			_, clear := blockByName(t, tl, "clear scene")
			if !clear.Synthetic || clear.Queue != framegraph.QueueGraphics {
				t.Errorf("clear block = %+v", clear)
			}
			si, scene := blockByName(t, tl, "scene")
			if got := scene.End - scene.Start; got != tt.sceneSpan {
				t.Errorf("scene width = %v, want %v", got, tt.sceneSpan)
			}
			if scene.Start < clear.End {
				t.Errorf("scene %v starts before %v", scene, clear)
			}
			li, lum := blockByName(t, tl, "lum")
			if lum.Start < scene.End {
				t.Errorf("lum %v starts before its producer %v", lum, scene)
			}
			_, tonemap := blockByName(t, tl, "tonemap")
			if tonemap.Start < lum.End {
				t.Errorf("tonemap %v starts before %v", tonemap, lum)
			}

			var crossQueue, final bool
			for _, e := range tl.Edges {
				if e.From == si && e.To == li {
					crossQueue = true
				}
				if e.Final && tl.Blocks[e.From].Name == "tonemap" {
					final = true
				}
			}
			if !crossQueue {
				t.Errorf("no scene -> lum edge in %v", tl.Edges)
			}
			if !final {
				t.Errorf("no final edge from tonemap in %v", tl.Edges)
			}

			lanes := tl.Lanes()
			if len(lanes) != 2 || lanes[0] != framegraph.QueueGraphics || lanes[1] != framegraph.QueueCompute {
				t.Errorf("Lanes() = %v", lanes)
			}
		})
	}
}

func countColor(img *image.RGBA, c [4]uint8) int {
	n := 0
	for i := 0; i+3 < len(img.Pix); i += 4 {
		if img.Pix[i] == c[0] && img.Pix[i+1] == c[1] && img.Pix[i+2] == c[2] && img.Pix[i+3] == c[3] {
			n++
		}
	}
	return n
}

func TestRender(t *testing.T) {
	tl := FromPlan("frame", compilePlan(t), nil)
	img, err := Render(tl, Options{Width: 400})
	if err != nil {
		t.Fatalf("Render() = %v", err)
	}
	// header 20, two lanes of 40 with 8 px margins
	if got, want := img.Bounds(), image.Rect(0, 0, 400, 20+2*48+8); got != want {
		t.Errorf("bounds = %v, want %v", got, want)
	}
	for _, q := range []framegraph.Queue{framegraph.QueueGraphics, framegraph.QueueCompute} {
		c := queueColors[q]
		if countColor(img, [4]uint8{c.R, c.G, c.B, c.A}) == 0 {
			t.Errorf("no %s block drawn", q)
		}
	}
	tc := queueColors[framegraph.QueueTransfer]
	if countColor(img, [4]uint8{tc.R, tc.G, tc.B, tc.A}) != 0 {
		t.Error("transfer block drawn without transfer tasks")
	}
}

func TestWritePNG(t *testing.T) {
	tl := FromPlan("frame", compilePlan(t), nil)
	var buf bytes.Buffer
	if err := WritePNG(&buf, tl, Options{Width: 320, LaneHeight: 24}); err != nil {
		t.Fatalf("WritePNG() = %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("png.Decode() = %v", err)
	}
	if got := img.Bounds().Dx(); got != 320 {
		t.Errorf("width = %d, want 320", got)
	}
}

func TestRenderEmpty(t *testing.T) {
	img, err := Render(&Timeline{Title: "empty"}, Options{})
	if err != nil {
		t.Fatalf("Render() = %v", err)
	}
	if img.Bounds().Dx() != 960 {
		t.Errorf("default width = %d", img.Bounds().Dx())
	}
}
