package framegraph

import (
	"sort"
)

// cursor is the last known use of a subresource during the planning walk.
// A negative pass is the state the subresource enters the frame in.
type cursor struct {
	pass  int
	queue Queue
	state State

	// Accesses of merged usages beyond those of state.
	access Access
	stage  Stage
}

// dependency is a cross-queue edge between two passes.
type dependency struct {
	producer int
	consumer int
	stage    Stage
}

// plannedBarrier is a barrier whose native handles are filled in at record
// time.
type plannedBarrier struct {
	res int
	sub int
	Barrier
}

// syncWait gates a task on a semaphore.
type syncWait struct {
	sem      int
	stage    Stage
	producer int
}

type semaphore struct {
	producer int
	consumer Queue
	native   Semaphore
}

type batch struct {
	queue Queue
	tasks []int
	fence bool
}

// planSync computes barriers, cross-queue waits and signals, batches, and
// the exit state of imported resources.
func (p *Plan) planSync() {
	g := p.g
	var deps []dependency
	lasts := make([]cursor, len(g.subs))

	for si := range g.subs {
		s := &g.subs[si]
		r := &g.resources[s.res]
		if len(s.uses) == 0 {
			lasts[si] = cursor{pass: -1}
			continue
		}
		prev := g.seed(r, s.uses[0])
		for _, u := range s.uses {
			cur := cursor{pass: u.pass, queue: g.passes[u.pass].queue, state: u.state, access: u.access, stage: u.stage}
			deps = p.transition(s.res, si, prev, cur, deps)
			prev = cur
			if u.final != u.state {
				prev = cursor{pass: u.pass, queue: cur.queue, state: u.final}
				p.addPost(u.pass, p.barrier(s.res, si, cur, prev, cur.queue, cur.queue))
			}
		}
		lasts[si] = prev
	}

	deps = p.unifyImports(lasts, deps)
	p.placeWaits(deps)
	p.placeFrameBoundary()
	p.buildBatches()
}

// seed returns the state a subresource enters the frame in.
func (g *Graph) seed(r *resource, first usageRecord) cursor {
	q := g.passes[first.pass].queue
	if _, clear := r.clear(); clear || !r.imported {
		return cursor{pass: -1, queue: q, state: StateUndefined}
	}
	ext := r.external
	if ext.State == StateUndefined || r.concurrent() {
		return cursor{pass: -1, queue: q, state: ext.State}
	}
	return cursor{pass: -1, queue: ext.Queue, state: ext.State}
}

// transition handles one adjacent pair of uses of subresource si.
func (p *Plan) transition(ri, si int, prev, cur cursor, deps []dependency) []dependency {
	g := p.g
	r := &g.resources[ri]
	pi, ci := prev.state.Info(), cur.state.Info()
	_, image := r.image()
	layoutChange := image && pi.Layout != ci.Layout

	if prev.pass < 0 || prev.queue == cur.queue {
		if layoutChange || (prev.state != StateUndefined && (pi.Write || ci.Write)) {
			p.addPre(cur.pass, p.barrier(ri, si, prev, cur, cur.queue, cur.queue))
		}
		return deps
	}

	deps = append(deps, dependency{producer: prev.pass, consumer: cur.pass, stage: ci.Stage})
	if r.concurrent() {
		if layoutChange {
			b := p.barrier(ri, si, prev, cur, cur.queue, cur.queue)
			b.SrcStage, b.SrcAccess = StageTopOfPipe, AccessNone
			p.addPre(cur.pass, b)
		}
		return deps
	}

	release, acquire := p.ownershipPair(ri, si, prev, cur)
	p.addPost(prev.pass, release)
	p.addPre(cur.pass, acquire)
	return deps
}

// ownershipPair returns the release and acquire halves of a queue transfer.
func (p *Plan) ownershipPair(ri, si int, prev, cur cursor) (release, acquire plannedBarrier) {
	release = p.barrier(ri, si, prev, cur, prev.queue, cur.queue)
	release.DstStage, release.DstAccess = StageBottomOfPipe, AccessNone
	release.Ownership = OwnershipRelease

	acquire = p.barrier(ri, si, prev, cur, prev.queue, cur.queue)
	acquire.SrcStage, acquire.SrcAccess = StageTopOfPipe, AccessNone
	acquire.Ownership = OwnershipAcquire
	return release, acquire
}

func (p *Plan) barrier(ri, si int, from, to cursor, srcQ, dstQ Queue) plannedBarrier {
	fi, ti := from.state.Info(), to.state.Info()
	b := plannedBarrier{
		res: ri,
		sub: si,
		Barrier: Barrier{
			From: from.state, To: to.state,
			SrcStage: fi.Stage | from.stage, DstStage: ti.Stage | to.stage,
			SrcAccess: fi.Access | from.access, DstAccess: ti.Access | to.access,
			SrcQueue: srcQ, DstQueue: dstQ,
		},
	}
	if from.state == StateUndefined {
		b.SrcStage, b.SrcAccess = StageTopOfPipe, AccessNone
	}
	r := &p.g.resources[ri]
	if d, ok := r.image(); ok {
		b.OldLayout, b.NewLayout = fi.Layout, ti.Layout
		b.Range = subrangeOf(d, si-r.firstSub)
	}
	return b
}

func (p *Plan) addPre(pass int, b plannedBarrier) {
	t := &p.tasks[p.pos[pass]]
	t.pre = append(t.pre, b)
}

func (p *Plan) addPost(pass int, b plannedBarrier) {
	t := &p.tasks[p.pos[pass]]
	t.post = append(t.post, b)
}

// unifyImports moves every subresource of each imported resource into the
// queue and state of the resource's last use, and records that as the
// exit state.
func (p *Plan) unifyImports(lasts []cursor, deps []dependency) []dependency {
	g := p.g
	for ri := range g.resources {
		r := &g.resources[ri]
		if !r.imported || !r.alive {
			continue
		}

		target := cursor{pass: -1}
		for si := r.firstSub; si < r.firstSub+r.desc.subresources(); si++ {
			if l := lasts[si]; l.pass >= 0 && (target.pass < 0 || p.pos[l.pass] > p.pos[target.pass]) {
				target = l
			}
		}
		if target.pass < 0 {
			continue
		}

		for si := r.firstSub; si < r.firstSub+r.desc.subresources(); si++ {
			l := lasts[si]
			if l.pass < 0 {
				// Untouched this frame: still in the external state on the
				// target queue.
				l = cursor{pass: -1, queue: target.queue, state: r.external.State}
			}
			if l.state == target.state && l.queue == target.queue {
				continue
			}
			if l.pass < 0 || l.pass == target.pass || l.queue == target.queue {
				p.addPost(target.pass, p.barrier(ri, si, l, target, target.queue, target.queue))
				continue
			}

			deps = append(deps, dependency{producer: l.pass, consumer: target.pass, stage: target.state.Info().Stage})
			if r.concurrent() {
				b := p.barrier(ri, si, l, target, target.queue, target.queue)
				b.SrcStage, b.SrcAccess = StageTopOfPipe, AccessNone
				p.addPost(target.pass, b)
				continue
			}
			release, acquire := p.ownershipPair(ri, si, l, target)
			p.addPost(l.pass, release)
			p.addPost(target.pass, acquire)
		}
		p.exits = append(p.exits, exitState{res: ri, state: ExternalState{Queue: target.queue, State: target.state}})
	}
	return deps
}

// placeWaits turns dependencies into semaphore waits. Dependencies are
// visited in consumer order, latest producer first. A dependency is
// covered by an earlier wait of the same consumer queue on a producer at
// or after its own producer on the same producer queue; its stage is then
// ORed into that wait.
func (p *Plan) placeWaits(deps []dependency) {
	g := p.g
	sort.SliceStable(deps, func(i, j int) bool {
		ci, cj := p.pos[deps[i].consumer], p.pos[deps[j].consumer]
		if ci != cj {
			return ci < cj
		}
		return p.pos[deps[i].producer] > p.pos[deps[j].producer]
	})

	type queuePair struct{ consumer, producer Queue }
	type waitRef struct{ task, wait int }
	latest := make(map[queuePair]waitRef)

	for _, d := range deps {
		key := queuePair{consumer: g.passes[d.consumer].queue, producer: g.passes[d.producer].queue}
		if ref, ok := latest[key]; ok {
			w := &p.tasks[ref.task].waits[ref.wait]
			if p.pos[w.producer] >= p.pos[d.producer] {
				w.stage |= d.stage
				continue
			}
		}
		sem := p.signal(d.producer, key.consumer)
		ct := p.pos[d.consumer]
		p.tasks[ct].waits = append(p.tasks[ct].waits, syncWait{sem: sem, stage: d.stage, producer: d.producer})
		latest[key] = waitRef{task: ct, wait: len(p.tasks[ct].waits) - 1}
	}
}

// signal returns the semaphore producer signals for consumer queue q,
// creating it on first use.
func (p *Plan) signal(producer int, q Queue) int {
	t := &p.tasks[p.pos[producer]]
	for _, si := range t.signals {
		if s := p.sems[si]; s.producer == producer && s.consumer == q {
			return si
		}
	}
	si := len(p.sems)
	p.sems = append(p.sems, semaphore{producer: producer, consumer: q})
	t.signals = append(t.signals, si)
	return si
}

// placeFrameBoundary attaches the caller's wait to the first pass touching
// the final output and a returned signal to the last pass writing it or
// changing its layout. An output nobody writes signals from its last user.
func (p *Plan) placeFrameBoundary() {
	g := p.g
	first, last, lastUse := -1, -1, -1
	var firstState State
	isFinal := make(map[int]bool)
	for _, si := range g.views[p.final].subs {
		isFinal[si] = true
	}
	for ti, t := range p.tasks {
		for _, bs := range [][]plannedBarrier{t.pre, t.post} {
			for _, b := range bs {
				if isFinal[b.sub] && b.OldLayout != b.NewLayout {
					last = max(last, ti)
				}
			}
		}
	}
	for _, si := range g.views[p.final].subs {
		uses := g.subs[si].uses
		if len(uses) == 0 {
			continue
		}
		if at := p.pos[uses[0].pass]; first < 0 || at < first {
			first, firstState = at, uses[0].state
		}
		for _, u := range uses {
			at := p.pos[u.pass]
			lastUse = max(lastUse, at)
			if u.state.IsWrite() {
				last = max(last, at)
			}
		}
	}
	if last < 0 {
		last = lastUse
	}

	if p.opts.Wait != nil && first >= 0 {
		stage := p.opts.WaitStage
		if stage == StageNone {
			stage = firstState.Info().Stage
		}
		p.tasks[first].extWait = stage
	}
	if last >= 0 {
		p.finalSignal = len(p.sems)
		p.sems = append(p.sems, semaphore{producer: p.tasks[last].pass, consumer: numQueues})
		p.tasks[last].signals = append(p.tasks[last].signals, p.finalSignal)
	}
}

// buildBatches groups consecutive tasks of one queue. A batch ends at a
// queue change, before a task that waits, and after a task that signals.
// The last batch of every queue carries the frame fence.
func (p *Plan) buildBatches() {
	open := false
	for ti := range p.tasks {
		t := &p.tasks[ti]
		q := p.g.passes[t.pass].queue
		waits := len(t.waits) > 0 || t.extWait != StageNone
		if !open || p.batches[len(p.batches)-1].queue != q || waits {
			p.batches = append(p.batches, batch{queue: q})
		}
		b := &p.batches[len(p.batches)-1]
		b.tasks = append(b.tasks, ti)
		t.batch = len(p.batches) - 1
		open = len(t.signals) == 0
	}

	var seen [numQueues]bool
	for bi := len(p.batches) - 1; bi >= 0; bi-- {
		if q := p.batches[bi].queue; !seen[q] {
			seen[q] = true
			p.batches[bi].fence = true
		}
	}
}
