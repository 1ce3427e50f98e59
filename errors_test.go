package framegraph

import (
	"context"
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
)

func TestConstructionErrors(t *testing.T) {
	tests := []struct {
		name string
		run  func(g *Graph) error
		want error
	}{
		{
			name: "zero extent",
			run: func(g *Graph) error {
				_, err := g.CreateImage(ImageDesc{Format: gputypes.TextureFormatRGBA8Unorm, Width: 0, Height: 4})
				return err
			},
			want: ErrInvalidDescriptor,
		},
		{
			name: "undefined format",
			run: func(g *Graph) error {
				_, err := g.CreateImage(ImageDesc{Width: 4, Height: 4})
				return err
			},
			want: ErrInvalidDescriptor,
		},
		{
			name: "too many levels",
			run: func(g *Graph) error {
				_, err := g.CreateImage(ImageDesc{Format: gputypes.TextureFormatRGBA8Unorm, Width: 4, Height: 4, Levels: 4})
				return err
			},
			want: ErrInvalidDescriptor,
		},
		{
			name: "zero buffer",
			run: func(g *Graph) error {
				_, err := g.CreateBuffer(BufferDesc{Label: "empty"})
				return err
			},
			want: ErrInvalidDescriptor,
		},
		{
			name: "nil import",
			run: func(g *Graph) error {
				_, err := g.ImportImage(colorDesc, nil, &ExternalState{})
				return err
			},
			want: ErrInvalidDescriptor,
		},
		{
			name: "nil binding",
			run: func(g *Graph) error {
				_, err := g.ImportBuffer(BufferDesc{Size: 4}, &fakeBuffer{}, nil)
				return err
			},
			want: ErrInvalidDescriptor,
		},
		{
			name: "import depth state on color",
			run: func(g *Graph) error {
				_, err := g.ImportImage(colorDesc, &fakeImage{}, &ExternalState{State: StateDepthAttachmentRead})
				return err
			},
			want: ErrInvalidState,
		},
		{
			name: "import image state on buffer",
			run: func(g *Graph) error {
				_, err := g.ImportBuffer(BufferDesc{Size: 4}, &fakeBuffer{}, &ExternalState{State: StatePresent})
				return err
			},
			want: ErrInvalidState,
		},
		{
			name: "level range",
			run: func(g *Graph) error {
				id, _ := g.CreateImage(ImageDesc{Format: gputypes.TextureFormatRGBA8Unorm, Width: 8, Height: 8, Levels: 2})
				_, err := g.CreateView(ViewDesc{Resource: id, BaseLevel: 1, LevelCount: 2})
				return err
			},
			want: ErrRangeOutOfBounds,
		},
		{
			name: "buffer range",
			run: func(g *Graph) error {
				id, _ := g.CreateBuffer(BufferDesc{Size: 64})
				_, err := g.CreateView(ViewDesc{Resource: id, Offset: 32, Size: 64})
				return err
			},
			want: ErrRangeOutOfBounds,
		},
		{
			name: "attachment on compute",
			run: func(g *Graph) error {
				v := mustImageOrZero(g, colorDesc)
				_, err := g.AddPass("p", QueueCompute, []Usage{{View: v, State: StateColorAttachmentWrite}}, nil)
				return err
			},
			want: ErrQueueMismatch,
		},
		{
			name: "depth state on color",
			run: func(g *Graph) error {
				v := mustImageOrZero(g, colorDesc)
				_, err := g.AddPass("p", QueueGraphics, []Usage{{View: v, State: StateDepthAttachmentWrite}}, nil)
				return err
			},
			want: ErrInvalidState,
		},
		{
			name: "uniform on image",
			run: func(g *Graph) error {
				v := mustImageOrZero(g, colorDesc)
				_, err := g.AddPass("p", QueueGraphics, []Usage{{View: v, State: StateUniformGraphics}}, nil)
				return err
			},
			want: ErrInvalidState,
		},
		{
			name: "internal state",
			run: func(g *Graph) error {
				v := mustImageOrZero(g, colorDesc)
				_, err := g.AddPass("p", QueueGraphics, []Usage{{View: v, State: stateClearColor}}, nil)
				return err
			},
			want: ErrInvalidState,
		},
		{
			name: "conflicting layouts",
			run: func(g *Graph) error {
				v := mustImageOrZero(g, colorDesc)
				_, err := g.AddPass("p", QueueGraphics, []Usage{
					{View: v, State: StateSampledGraphics},
					{View: v, State: StateColorAttachmentWrite},
				}, nil)
				return err
			},
			want: ErrConflictingUsage,
		},
		{
			name: "foreign handle",
			run: func(g *Graph) error {
				other := New(newFakeDevice())
				v := mustImageOrZero(other, colorDesc)
				_, err := g.AddPass("p", QueueGraphics, []Usage{{View: v, State: StateColorAttachmentWrite}}, nil)
				return err
			},
			want: ErrStaleHandle,
		},
		{
			name: "zero handle",
			run: func(g *Graph) error {
				_, err := g.WholeView(ResourceID{})
				return err
			},
			want: ErrStaleHandle,
		},
		{
			name: "final never produced",
			run: func(g *Graph) error {
				v := mustImageOrZero(g, colorDesc)
				_, err := g.Compile(context.Background(), v, ExecuteOptions{})
				return err
			},
			want: ErrNoFinalOutput,
		},
		{
			name: "modify after compile",
			run: func(g *Graph) error {
				v := mustImageOrZero(g, colorDesc)
				if _, err := g.AddPass("p", QueueGraphics, []Usage{{View: v, State: StateColorAttachmentWrite}}, nil); err != nil {
					return err
				}
				if _, err := g.Compile(context.Background(), v, ExecuteOptions{}); err != nil {
					return err
				}
				_, err := g.CreateBuffer(BufferDesc{Size: 4})
				return err
			},
			want: ErrAlreadyCompiled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(newFakeDevice())
			err := tt.run(g)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if IsFatal(err) {
				t.Errorf("IsFatal(%v) = true, want false", err)
			}
		})
	}
}

func mustImageOrZero(g *Graph, desc ImageDesc) ViewID {
	id, err := g.CreateImage(desc)
	if err != nil {
		return ViewID{}
	}
	v, _ := g.WholeView(id)
	return v
}

func TestMergedUsageWriteWins(t *testing.T) {
	g := New(newFakeDevice())
	_, v := newBuffer(t, g, BufferDesc{Label: "args", Size: 64})
	if _, err := g.AddPass("p", QueueCompute, []Usage{
		{View: v, State: StateStorageReadCompute},
		{View: v, State: StateStorageWriteCompute},
	}, nil); err != nil {
		t.Fatalf("AddPass() = %v", err)
	}
	p := g.passes[0]
	if len(p.touches) != 1 || p.touches[0].state != StateStorageWriteCompute || p.writes != 1 {
		t.Errorf("touches = %+v writes = %d, want one write", p.touches, p.writes)
	}
	if tc := p.touches[0]; !tc.read || tc.access != AccessShaderRead {
		t.Errorf("merged touch read = %v access = %#x, want read of %#x", tc.read, tc.access, AccessShaderRead)
	}
}

func TestAllocationFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	dev := newFakeDevice()
	dev.failImage = errors.New("out of memory")
	g := New(dev)
	v := mustImage(t, g, labeled(colorDesc, "big"))
	mustPass(t, g, "draw", QueueGraphics, []Usage{{View: v, State: StateColorAttachmentWrite}})

	_, err := g.Execute(ctx, v, ExecuteOptions{})
	if !errors.Is(err, ErrAllocationFailed) || !IsFatal(err) {
		t.Fatalf("Execute() = %v, want fatal ErrAllocationFailed", err)
	}
	if _, err := g.Compile(ctx, v, ExecuteOptions{}); !errors.Is(err, ErrAlreadyCompiled) {
		t.Errorf("Compile() after failure = %v, want ErrAlreadyCompiled", err)
	}
	if err := g.Reset(ctx); err != nil {
		t.Fatalf("Reset() = %v", err)
	}
	if !g.empty() {
		t.Error("graph not empty after Reset")
	}
}

func TestSubmitFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	dev := newFakeDevice()
	dev.failSubmit = errors.New("device lost")
	g := New(dev)
	v := mustImage(t, g, labeled(colorDesc, "a"))
	mustPass(t, g, "draw", QueueGraphics, []Usage{{View: v, State: StateColorAttachmentWrite}})

	p, err := g.Compile(ctx, v, ExecuteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Submit(ctx); !errors.Is(err, ErrDevice) {
		t.Fatalf("Submit() = %v, want ErrDevice", err)
	}
	if _, err := p.Submit(ctx); !errors.Is(err, ErrPlanSubmitted) {
		t.Errorf("second Submit() = %v, want ErrPlanSubmitted", err)
	}
	if err := g.Reset(ctx); err != nil {
		t.Fatalf("Reset() = %v", err)
	}
	if dev.images != 0 || dev.sems != 0 {
		t.Errorf("leaked images=%d sems=%d", dev.images, dev.sems)
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrStaleHandle, false},
		{ErrNotDeclared, false},
		{ErrAllocationFailed, true},
		{ErrQueryBudget, true},
		{ErrDevice, true},
	}
	for _, tt := range tests {
		if got := IsFatal(tt.err); got != tt.want {
			t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
