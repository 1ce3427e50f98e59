// Command fgdemo builds a frame graph from an HCL frame file, executes it
// for a few frames and prints the plan and pass timings.
package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/zclconf/go-cty/cty"
	"golang.org/x/text/language"

	"github.com/gogpu/framegraph"
	"github.com/gogpu/framegraph/backend"
	_ "github.com/gogpu/framegraph/backend/native"
	_ "github.com/gogpu/framegraph/backend/trace"
	"github.com/gogpu/framegraph/internal/framefile"
	"github.com/gogpu/framegraph/internal/timeline"
)

//go:embed frame.hcl
var defaultFrame []byte

// varsFlag collects repeated -var name=value flags.
type varsFlag map[string]cty.Value

func (v varsFlag) String() string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func (v varsFlag) Set(s string) error {
	name, val, err := framefile.ParseVar(s)
	if err != nil {
		return err
	}
	v[name] = val
	return nil
}

type config struct {
	backend  string
	frame    string
	frames   int
	pool     int
	timeline string
	lang     language.Tag
	vars     varsFlag
}

func main() {
	var (
		backendName = flag.String("backend", "", "backend to use: "+strings.Join(backend.Available(), ", ")+" (default: best available)")
		framePath   = flag.String("frame", "", "HCL frame file (default: built-in deferred frame)")
		frames      = flag.Int("frames", 3, "number of frames to execute")
		pool        = flag.Int("pool", 16, "transient resource pool size, 0 disables pooling")
		timelineOut = flag.String("timeline", "", "write a PNG timeline of the last frame")
		verbose     = flag.Bool("v", false, "debug logging")
		lang        = flag.String("lang", "en", "language for number formatting")
		vars        = varsFlag{}
	)
	flag.Var(vars, "var", "set a frame variable as name=value (repeatable)")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	framegraph.SetLogger(logger)

	tag, err := language.Parse(*lang)
	if err != nil {
		log.Fatalf("Invalid -lang: %v", err)
	}
	if *frames < 1 {
		log.Fatalf("-frames must be at least 1")
	}

	cfg := config{
		backend:  *backendName,
		frame:    *framePath,
		frames:   *frames,
		pool:     *pool,
		timeline: *timelineOut,
		lang:     tag,
		vars:     vars,
	}
	if err := run(context.Background(), cfg); err != nil {
		log.Fatalf("fgdemo: %v", err)
	}
}

func loadFrame(cfg config) (*framefile.Frame, error) {
	if cfg.frame == "" {
		return framefile.Parse(defaultFrame, "frame.hcl", cfg.vars)
	}
	return framefile.Load(cfg.frame, cfg.vars)
}

func openDevice(name string) (string, framegraph.Device, error) {
	if name == "" {
		return backend.Default()
	}
	dev, err := backend.Open(name)
	return name, dev, err
}

func run(ctx context.Context, cfg config) error {
	frame, err := loadFrame(cfg)
	if err != nil {
		return err
	}
	name, dev, err := openDevice(cfg.backend)
	if err != nil {
		return err
	}
	if c, ok := dev.(interface{ Close() error }); ok {
		defer func() {
			if err := c.Close(); err != nil {
				slog.Warn("closing device", "err", err)
			}
		}()
	}
	slog.Info("device opened", "backend", name)

	imports := newImports(dev)
	defer imports.destroy()

	g := framegraph.New(dev,
		framegraph.WithLabel("fgdemo"),
		framegraph.WithResourcePool(cfg.pool),
		framegraph.WithTimingQueries(uint32(2*len(frame.Passes)+32)),
	)
	defer func() {
		if err := g.Close(ctx); err != nil {
			slog.Warn("closing graph", "err", err)
		}
	}()

	opts := framefile.BuildOptions{
		ImportImage:  imports.image,
		ImportBuffer: imports.buffer,
		Record: func(string) framegraph.RecordFunc {
			return func(rc *framegraph.RecordContext) error {
				slog.Debug("recording", "pass", rc.Name(), "queue", rc.Queue())
				return nil
			}
		},
	}

	for i := range cfg.frames {
		if err := g.Reset(ctx); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		prev := g.Timings()

		built, err := frame.Build(g, opts)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		plan, err := g.Compile(ctx, built.Output, framegraph.ExecuteOptions{})
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if i == 0 {
			if len(built.Disabled) > 0 {
				fmt.Printf("disabled %s\n", strings.Join(built.Disabled, ", "))
			}
			fmt.Print(plan)
		}
		if i == cfg.frames-1 && cfg.timeline != "" {
			title := fmt.Sprintf("%s on %s, frame %d", frame.Filename, name, i)
			if err := writeTimeline(cfg.timeline, timeline.FromPlan(title, plan, prev)); err != nil {
				return err
			}
		}

		sub, err := plan.Submit(ctx)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		slog.Info("frame submitted", "frame", i, "batches", sub.Batches)
	}

	if err := g.Reset(ctx); err != nil {
		return err
	}
	if timings := g.Timings(); len(timings) > 0 {
		fmt.Println()
		return framegraph.WriteTimings(os.Stdout, timings, cfg.lang)
	}
	return nil
}

func writeTimeline(path string, tl *timeline.Timeline) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := timeline.WritePNG(f, tl, timeline.Options{}); err != nil {
		_ = f.Close()
		return err
	}
	slog.Info("timeline written", "path", path)
	return f.Close()
}

// imports owns the natives of imported resources across frames and
// carries their external state from one frame to the next.
type imports struct {
	dev     framegraph.Device
	images  map[string]framegraph.Image
	buffers map[string]framegraph.Buffer
	states  map[string]*framegraph.ExternalState
}

func newImports(dev framegraph.Device) *imports {
	return &imports{
		dev:     dev,
		images:  make(map[string]framegraph.Image),
		buffers: make(map[string]framegraph.Buffer),
		states:  make(map[string]*framegraph.ExternalState),
	}
}

func (im *imports) state(name string) *framegraph.ExternalState {
	ext, ok := im.states[name]
	if !ok {
		ext = &framegraph.ExternalState{Queue: framegraph.QueueGraphics, State: framegraph.StateUndefined}
		im.states[name] = ext
	}
	return ext
}

func (im *imports) image(name string, desc framegraph.ImageDesc) (framegraph.Image, *framegraph.ExternalState, error) {
	img, ok := im.images[name]
	if !ok {
		// The graph fills these defaults for its own images only.
		if desc.Dimension == gputypes.TextureDimensionUndefined {
			desc.Dimension = gputypes.TextureDimension2D
		}
		desc.Depth = max(desc.Depth, 1)
		desc.Layers = max(desc.Layers, 1)
		desc.Levels = max(desc.Levels, 1)
		desc.Samples = max(desc.Samples, 1)

		var err error
		img, err = im.dev.CreateImage(framegraph.ImageAllocInfo{
			Desc: desc,
			Usage: gputypes.TextureUsageRenderAttachment |
				gputypes.TextureUsageTextureBinding |
				gputypes.TextureUsageCopySrc |
				gputypes.TextureUsageCopyDst,
		})
		if err != nil {
			return nil, nil, err
		}
		im.images[name] = img
	}
	return img, im.state(name), nil
}

func (im *imports) buffer(name string, desc framegraph.BufferDesc) (framegraph.Buffer, *framegraph.ExternalState, error) {
	buf, ok := im.buffers[name]
	if !ok {
		var err error
		buf, err = im.dev.CreateBuffer(framegraph.BufferAllocInfo{
			Desc: desc,
			Usage: gputypes.BufferUsageStorage |
				gputypes.BufferUsageCopySrc |
				gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, nil, err
		}
		im.buffers[name] = buf
	}
	return buf, im.state(name), nil
}

func (im *imports) destroy() {
	for _, img := range im.images {
		im.dev.DestroyImage(img)
	}
	for _, buf := range im.buffers {
		im.dev.DestroyBuffer(buf)
	}
}
