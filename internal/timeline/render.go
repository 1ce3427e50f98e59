package timeline

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"unicode/utf8"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/gogpu/framegraph"
)

// Options controls the rendered image.
type Options struct {
	Width      int     // image width in pixels; zero means 960
	LaneHeight int     // zero means 40
	FontSize   float64 // zero means 12
}

func (o Options) withDefaults() Options {
	if o.Width <= 0 {
		o.Width = 960
	}
	if o.LaneHeight <= 0 {
		o.LaneHeight = 40
	}
	if o.FontSize <= 0 {
		o.FontSize = 12
	}
	return o
}

var (
	background = color.RGBA{0x1e, 0x1e, 0x24, 0xff}
	laneColor  = color.RGBA{0x2a, 0x2a, 0x33, 0xff}
	textColor  = color.RGBA{0xe8, 0xe8, 0xe8, 0xff}
	edgeColor  = color.RGBA{0xff, 0xc8, 0x57, 0xff}

	queueColors = [numLanes]color.RGBA{
		framegraph.QueueGraphics: {0x4c, 0x8b, 0xf5, 0xff},
		framegraph.QueueCompute:  {0x5c, 0xc2, 0x7a, 0xff},
		framegraph.QueueTransfer: {0xd9, 0x6c, 0x4a, 0xff},
	}
)

const (
	labelWidth = 96
	margin     = 8
)

func newFace(size float64) (font.Face, error) {
	f, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("timeline: parse font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("timeline: create face: %w", err)
	}
	return face, nil
}

// Render draws tl with one lane per queue.
func Render(tl *Timeline, opts Options) (*image.RGBA, error) {
	opts = opts.withDefaults()
	face, err := newFace(opts.FontSize)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = face.Close()
	}()

	lanes := tl.Lanes()
	header := opts.LaneHeight / 2
	height := header + len(lanes)*(opts.LaneHeight+margin) + margin
	img := image.NewRGBA(image.Rect(0, 0, opts.Width, height))
	fill(img, img.Bounds(), background)

	laneY := make(map[framegraph.Queue]int, len(lanes))
	for i, q := range lanes {
		y := header + margin + i*(opts.LaneHeight+margin)
		laneY[q] = y
		fill(img, image.Rect(0, y, opts.Width, y+opts.LaneHeight), laneColor)
		drawText(img, face, q.String(), margin, y+opts.LaneHeight/2, labelWidth-margin)
	}

	title := tl.Title
	if tl.Timed {
		title = fmt.Sprintf("%s  %.3f ms", title, tl.Span())
	}
	drawText(img, face, title, margin, header/2+margin, opts.Width-2*margin)

	scale := 0.0
	if span := tl.Span(); span > 0 {
		scale = float64(opts.Width-labelWidth-margin) / span
	}
	rects := make([]image.Rectangle, len(tl.Blocks))
	for i, b := range tl.Blocks {
		y := laneY[b.Queue]
		r := image.Rect(
			labelWidth+int(b.Start*scale),
			y+3,
			labelWidth+int(b.End*scale)-1,
			y+opts.LaneHeight-3,
		)
		rects[i] = r
		c := queueColors[b.Queue]
		if b.Synthetic {
			c = dim(c)
		}
		fill(img, r, c)
		drawText(img, face, b.Name, r.Min.X+3, (r.Min.Y+r.Max.Y)/2, r.Dx()-6)
	}

	for _, e := range tl.Edges {
		from := rects[e.From]
		if e.Final {
			fill(img, image.Rect(from.Max.X-2, from.Min.Y, from.Max.X, from.Max.Y), edgeColor)
			continue
		}
		to := rects[e.To]
		fill(img, image.Rect(to.Min.X, min(from.Min.Y, to.Min.Y), to.Min.X+2, max(from.Max.Y, to.Max.Y)), edgeColor)
	}
	return img, nil
}

// WritePNG renders tl and encodes it as PNG.
func WritePNG(w io.Writer, tl *Timeline, opts Options) error {
	img, err := Render(tl, opts)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

func fill(dst *image.RGBA, r image.Rectangle, c color.Color) {
	xdraw.Draw(dst, r, image.NewUniform(c), image.Point{}, xdraw.Src)
}

func dim(c color.RGBA) color.RGBA {
	return color.RGBA{c.R / 2, c.G / 2, c.B / 2, c.A}
}

// drawText draws s with its baseline centred on y, cut to fit maxWidth.
func drawText(dst *image.RGBA, face font.Face, s string, x, y, maxWidth int) {
	if maxWidth <= 0 {
		return
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(textColor),
		Face: face,
	}
	limit := fixed.I(maxWidth)
	for s != "" && d.MeasureString(s) > limit {
		_, size := utf8.DecodeLastRuneInString(s)
		s = s[:len(s)-size]
	}
	if s == "" {
		return
	}
	m := face.Metrics()
	baseline := fixed.I(y) + (m.Ascent-m.Descent)/2
	d.Dot = fixed.Point26_6{X: fixed.I(x), Y: baseline}
	d.DrawString(s)
}
