package framegraph

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Timing is the GPU time of one pass in milliseconds.
type Timing struct {
	// GPU is the time between the pass's begin and end timestamps.
	GPU float64
	// WithWait also counts the time the queue spent waiting since the end
	// of its previous pass.
	WithWait float64
}

// passQuery maps a task to its timestamp slots.
type passQuery struct {
	name       string
	queue      Queue
	begin, end uint32
}

// Timings returns the pass timings of the last frame collected by Reset.
// The map is empty unless WithTimingQueries is set and the device
// implements Profiler.
func (g *Graph) Timings() map[string]Timing {
	return maps.Clone(g.timings)
}

func (g *Graph) collectTimings(ctx context.Context, f *frame) {
	if g.timer == nil || len(f.queries) == 0 {
		return
	}
	stamps, err := g.timer.Read(ctx, f.slots)
	if err != nil {
		Logger().Warn("framegraph: reading timestamps", "err", err)
		return
	}

	timings := make(map[string]Timing, len(f.queries))
	var prevEnd [numQueues]time.Duration
	var seen [numQueues]bool
	for _, q := range f.queries {
		if int(q.end) >= len(stamps) {
			break
		}
		begin, end := stamps[q.begin], stamps[q.end]
		start := begin
		if seen[q.queue] {
			start = prevEnd[q.queue]
		}
		prevEnd[q.queue], seen[q.queue] = end, true

		t := timings[q.name]
		t.GPU += ms(end - begin)
		t.WithWait += ms(end - start)
		timings[q.name] = t
	}
	g.timings = timings
}

func ms(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// WriteTimings prints timings sorted by pass name with numbers formatted
// for lang.
func WriteTimings(w io.Writer, timings map[string]Timing, lang language.Tag) error {
	p := message.NewPrinter(lang)
	names := slices.Sorted(maps.Keys(timings))
	width := len("pass")
	for _, name := range names {
		width = max(width, len(name))
	}
	if _, err := fmt.Fprintf(w, "%-*s %12s %12s\n", width, "pass", "gpu ms", "wait ms"); err != nil {
		return err
	}
	for _, name := range names {
		t := timings[name]
		if _, err := p.Fprintf(w, "%s %12.3f %12.3f\n", fmt.Sprintf("%-*s", width, name), t.GPU, t.WithWait); err != nil {
			return err
		}
	}
	return nil
}
