package framegraph

import (
	"fmt"
	"slices"
	"sort"
)

// RecordFunc records the commands of a pass. It runs during Plan.Record or
// Plan.Submit, after the pass's incoming barriers have been recorded.
// Native handles obtained from rc must not be kept after it returns.
type RecordFunc func(rc *RecordContext) error

// Usage declares how a pass uses a view.
type Usage struct {
	View  ViewID
	State State
	// Final is the state the pass leaves the view in when it differs from
	// State, e.g. an indirect argument buffer written as storage and left
	// as indirect. Zero means State.
	Final State
}

// PassOption configures a pass.
type PassOption func(*pass)

// ForceExecution keeps a pass alive even when nothing reads what it
// writes, e.g. readbacks and debug captures.
func ForceExecution() PassOption {
	return func(p *pass) {
		p.force = true
	}
}

type passKind uint8

const (
	passUser passKind = iota
	passClear
	passImport
)

// pass is one node of the graph.
type pass struct {
	name    string
	queue   Queue
	record  RecordFunc
	force   bool
	kind    passKind
	target  int // resource of a synthetic pass
	touches []touch
	views   []int // declared views, for RecordContext lookups
	writes  int

	// Filled by Compile.
	alive bool
	refs  int
}

// touch is the merged usage of one subresource by one pass.
type touch struct {
	sub   int
	view  int
	state State
	final State

	// read is set when any merged usage observes earlier contents. access
	// and stage hold the masks of merged usages beyond those of state.
	read   bool
	access Access
	stage  Stage
}

// AddPass registers a pass on queue q that uses the given views. The
// record callback may be nil for passes that only exist to order or
// transition resources.
func (g *Graph) AddPass(name string, q Queue, usages []Usage, record RecordFunc, opts ...PassOption) (PassID, error) {
	if err := g.mutable(); err != nil {
		return PassID{}, err
	}
	if q >= numQueues {
		return PassID{}, fmt.Errorf("pass %q: %w: %s", name, ErrQueueMismatch, q)
	}

	p := pass{name: name, queue: q, record: record}
	for _, opt := range opts {
		opt(&p)
	}

	bySub := make(map[int]int)
	for _, u := range usages {
		vi, err := g.viewIndex(u.View)
		if err != nil {
			return PassID{}, fmt.Errorf("pass %q: %w", name, err)
		}
		final := u.Final
		if final == StateUndefined {
			final = u.State
		}
		if err := g.checkUsage(vi, q, u.State, final); err != nil {
			return PassID{}, fmt.Errorf("pass %q: %w", name, err)
		}
		if !slices.Contains(p.views, vi) {
			p.views = append(p.views, vi)
		}
		for _, sub := range g.views[vi].subs {
			t := touch{sub: sub, view: vi, state: u.State, final: final, read: reads(u.State)}
			if i, ok := bySub[sub]; ok {
				merged, err := mergeTouch(p.touches[i], t)
				if err != nil {
					return PassID{}, fmt.Errorf("pass %q: %w", name, err)
				}
				p.touches[i] = merged
				continue
			}
			bySub[sub] = len(p.touches)
			p.touches = append(p.touches, t)
		}
	}
	sort.Slice(p.touches, func(i, j int) bool { return p.touches[i].sub < p.touches[j].sub })

	idx := len(g.passes)
	g.appendPass(idx, &p)
	g.passes = append(g.passes, p)
	return PassID{h: g.newHandle(idx)}, nil
}

// appendPass appends p's usage records to the subresource lists and counts
// its writes.
func (g *Graph) appendPass(idx int, p *pass) {
	p.writes = 0
	for _, t := range p.touches {
		g.subs[t.sub].uses = append(g.subs[t.sub].uses, usageRecord{
			pass: idx, state: t.state, final: t.final,
			read: t.read, access: t.access, stage: t.stage,
		})
		if t.state.IsWrite() {
			p.writes++
		}
	}
}

func (g *Graph) checkUsage(vi int, q Queue, state, final State) error {
	for _, s := range []State{state, final} {
		if !s.public() {
			return fmt.Errorf("%w: %s", ErrInvalidState, s)
		}
		if !s.Info().queues.has(q) {
			return fmt.Errorf("%w: %s on %s", ErrQueueMismatch, s, q)
		}
		r := &g.resources[g.views[vi].res]
		switch d := r.desc.(type) {
		case ImageDesc:
			format := g.views[vi].desc.Format
			if format == 0 {
				format = d.Format
			}
			if err := checkImageState(s, format); err != nil {
				return err
			}
		case BufferDesc:
			if err := checkBufferState(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeTouch combines two usages of one subresource by the same pass. The
// layouts must agree; the write state wins and the other state's accesses
// are kept alongside it.
func mergeTouch(a, b touch) (touch, error) {
	ai, bi := a.state.Info(), b.state.Info()
	if ai.Layout != bi.Layout || a.final.Info().Layout != b.final.Info().Layout {
		return a, fmt.Errorf("%w: %s and %s", ErrConflictingUsage, a.state, b.state)
	}
	if a.state == b.state {
		a.read = a.read || b.read
		return a, nil
	}
	win, lose := a, b
	if bi.Write && !ai.Write {
		win, lose = b, a
	}
	li := lose.state.Info()
	win.read = win.read || lose.read
	win.access |= lose.access | li.Access
	win.stage |= lose.stage | li.Stage
	wi := win.state.Info()
	win.access &^= wi.Access
	win.stage &^= wi.Stage
	return win, nil
}

// PassName returns the name a pass was registered with.
func (g *Graph) PassName(id PassID) (string, error) {
	pi, err := g.passIndex(id)
	if err != nil {
		return "", err
	}
	return g.passes[pi].name, nil
}
