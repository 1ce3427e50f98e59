// Package timeline lays out the batches of a compiled frame plan per queue
// and renders them as an image.
package timeline

import (
	"fmt"
	"math"

	"github.com/gogpu/framegraph"
)

// Block is one task placed on its queue's lane.
type Block struct {
	Name      string
	Queue     framegraph.Queue
	Batch     int
	Synthetic bool
	// Start and End are in milliseconds when the task was timed, and in
	// unit slots otherwise.
	Start, End float64
}

// Edge is a semaphore between two blocks, as indexes into Blocks.
type Edge struct {
	From, To int
	Final    bool
}

// Timeline is a laid out plan.
type Timeline struct {
	Title  string
	Blocks []Block
	Edges  []Edge
	// Timed is set when at least one block was sized from timings.
	Timed bool
}

const numLanes = framegraph.QueueTransfer + 1

// untimed is the width of a block without a timing, in the units of the
// timed blocks when any exist.
const untimed = 1.0

// FromPlan lays out p. Blocks on one queue follow each other in execution
// order; a batch waiting on a semaphore starts after its producer ends.
// timings may be nil.
func FromPlan(title string, p *framegraph.Plan, timings map[string]framegraph.Timing) *Timeline {
	tl := &Timeline{Title: title}
	sems := p.Semaphores()

	width := func(name string) float64 {
		t, ok := timings[name]
		if !ok || t.GPU <= 0 {
			return untimed
		}
		tl.Timed = true
		return t.GPU
	}

	var cursor [numLanes]float64
	producer := make(map[string]int) // task name -> block index
	for bi, b := range p.Batches() {
		start := cursor[b.Queue]
		var waitsOn []int
		for _, w := range b.Waits {
			if w.Semaphore < 0 {
				continue
			}
			if from, ok := producer[sems[w.Semaphore].Producer]; ok {
				start = math.Max(start, tl.Blocks[from].End)
				waitsOn = append(waitsOn, from)
			}
		}
		first := len(tl.Blocks)
		for _, name := range b.Tasks {
			end := start + width(name)
			tl.Blocks = append(tl.Blocks, Block{
				Name:  name,
				Queue: b.Queue,
				Batch: bi,
				Start: start,
				End:   end,
			})
			producer[name] = len(tl.Blocks) - 1
			start = end
		}
		cursor[b.Queue] = start
		for _, from := range waitsOn {
			tl.Edges = append(tl.Edges, Edge{From: from, To: first})
		}
	}

	synthetic := make(map[string]bool)
	for _, t := range p.Tasks() {
		if t.Synthetic {
			synthetic[t.Name] = true
		}
	}
	for i := range tl.Blocks {
		tl.Blocks[i].Synthetic = synthetic[tl.Blocks[i].Name]
	}
	for _, s := range sems {
		if !s.Final {
			continue
		}
		if from, ok := producer[s.Producer]; ok {
			tl.Edges = append(tl.Edges, Edge{From: from, To: -1, Final: true})
		}
	}
	return tl
}

// Span returns the end of the last block.
func (tl *Timeline) Span() float64 {
	var end float64
	for _, b := range tl.Blocks {
		end = math.Max(end, b.End)
	}
	return end
}

// Lanes returns the queues that have blocks, in queue order.
func (tl *Timeline) Lanes() []framegraph.Queue {
	var used [numLanes]bool
	for _, b := range tl.Blocks {
		used[b.Queue] = true
	}
	var out []framegraph.Queue
	for q, ok := range used {
		if ok {
			out = append(out, framegraph.Queue(q))
		}
	}
	return out
}

func (b Block) String() string {
	return fmt.Sprintf("%s[%s %.3f-%.3f]", b.Name, b.Queue, b.Start, b.End)
}
