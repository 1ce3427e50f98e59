package framegraph

import (
	"github.com/gogpu/gputypes"
)

// readAccess is the set of accesses that observe earlier contents.
const readAccess = AccessColorAttachmentRead | AccessDepthStencilRead | AccessShaderRead |
	AccessUniformRead | AccessVertexRead | AccessIndexRead | AccessIndirectRead |
	AccessTransferRead | AccessHostRead

// reads reports whether a usage in state s depends on earlier contents.
func reads(s State) bool {
	info := s.Info()
	return !info.Write || info.Access&readAccess != 0
}

// cull marks the passes that contribute to the final subresources and
// strips the usage records of the others. It returns the culled passes.
//
// A subresource is referenced once per reading usage and once more if it
// is final. A pass is referenced once per subresource it writes that is
// still referenced by someone other than the pass itself. Passes left
// without references die and release the subresources they read, which
// are swept from a work stack until nothing changes. Forced passes never
// die.
func (g *Graph) cull(final []int) []int {
	refs := make([]int, len(g.subs))
	for _, si := range final {
		refs[si]++
	}
	for si := range g.subs {
		for _, u := range g.subs[si].uses {
			if u.read {
				refs[si]++
			}
		}
	}

	// others is the reference count of subresource si excluding u's own read.
	others := func(si int, u usageRecord) int {
		if u.read {
			return refs[si] - 1
		}
		return refs[si]
	}

	for pi := range g.passes {
		p := &g.passes[pi]
		p.alive = true
		p.refs = 0
	}
	held := make([][]bool, len(g.subs))
	for si := range g.subs {
		uses := g.subs[si].uses
		held[si] = make([]bool, len(uses))
		for i, u := range uses {
			if u.state.IsWrite() && others(si, u) > 0 {
				held[si][i] = true
				g.passes[u.pass].refs++
			}
		}
	}

	var stack []int
	var culled []int
	kill := func(pi int) {
		p := &g.passes[pi]
		p.alive = false
		culled = append(culled, pi)
		for _, t := range p.touches {
			if t.read {
				refs[t.sub]--
				stack = append(stack, t.sub)
			}
		}
	}

	for pi := range g.passes {
		if p := &g.passes[pi]; p.refs == 0 && !p.force {
			kill(pi)
		}
	}

	for len(stack) > 0 {
		si := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for i, u := range g.subs[si].uses {
			p := &g.passes[u.pass]
			if !held[si][i] || !p.alive || others(si, u) > 0 {
				continue
			}
			held[si][i] = false
			p.refs--
			if p.refs == 0 && !p.force {
				kill(u.pass)
			}
		}
	}

	for si := range g.subs {
		s := &g.subs[si]
		kept := s.uses[:0]
		for _, u := range s.uses {
			if g.passes[u.pass].alive {
				kept = append(kept, u)
			}
		}
		s.uses = kept
	}
	return culled
}

// schedule returns the execution order of the surviving passes, with
// synthetic import and clear passes inserted, and marks live resources and
// views.
func (g *Graph) schedule() []int {
	order := make([]int, 0, len(g.passes))
	for pi := range g.passes {
		if g.passes[pi].alive {
			order = append(order, pi)
		}
	}

	for ri := range g.resources {
		r := &g.resources[ri]
		r.alive = false
		for si := r.firstSub; si < r.firstSub+r.desc.subresources(); si++ {
			if len(g.subs[si].uses) > 0 {
				r.alive = true
				break
			}
		}
	}

	pos := positions(order, len(g.passes))
	var imports []int
	for ri := range g.resources {
		r := &g.resources[ri]
		if !r.alive {
			continue
		}
		if _, clear := r.clear(); clear {
			order = g.insertClear(order, pos, ri)
			pos = positions(order, len(g.passes))
			continue
		}
		if g.needsImportPass(ri) {
			imports = append(imports, g.insertImport(ri))
		}
	}
	if len(imports) > 0 {
		order = append(imports, order...)
	}

	for vi := range g.views {
		g.views[vi].used = false
	}
	for _, pi := range order {
		for _, t := range g.passes[pi].touches {
			if t.view >= 0 {
				g.views[t.view].used = true
			}
		}
	}

	pos = positions(order, len(g.passes))
	for ri := range g.resources {
		r := &g.resources[ri]
		r.first, r.last = -1, -1
		for si := r.firstSub; si < r.firstSub+r.desc.subresources(); si++ {
			for _, u := range g.subs[si].uses {
				p := pos[u.pass]
				if r.first < 0 || p < r.first {
					r.first = p
				}
				if p > r.last {
					r.last = p
				}
			}
		}
	}
	return order
}

// positions maps pass index to its position in order, -1 for absent.
func positions(order []int, n int) []int {
	pos := make([]int, n)
	for i := range pos {
		pos[i] = -1
	}
	for i, pi := range order {
		pos[pi] = i
	}
	return pos
}

// firstUse returns the earliest user of resource ri and its position.
func (g *Graph) firstUse(ri int, pos []int) (pass, at int) {
	r := &g.resources[ri]
	pass, at = -1, -1
	for si := r.firstSub; si < r.firstSub+r.desc.subresources(); si++ {
		if uses := g.subs[si].uses; len(uses) > 0 {
			if p := pos[uses[0].pass]; at < 0 || p < at {
				pass, at = uses[0].pass, p
			}
		}
	}
	return pass, at
}

// clearPlan picks the queue, state, and method used to clear a resource
// whose first user runs on q.
func clearPlan(r *resource, q Queue) (Queue, State, ClearMethod) {
	d, ok := r.image()
	if !ok {
		return q, StateTransferDst, ClearAttachment
	}
	switch {
	case d.Format.IsDepthStencil():
		return QueueGraphics, stateClearDepth, ClearAttachment
	case q == QueueGraphics && d.Dimension != gputypes.TextureDimension3D, d.Format.IsSrgb():
		return QueueGraphics, stateClearColor, ClearAttachment
	default:
		return QueueCompute, stateClearStorage, ClearStorage
	}
}

// insertClear adds a synthetic pass clearing resource ri right before its
// first use and prepends its records to every used subresource.
func (g *Graph) insertClear(order, pos []int, ri int) []int {
	r := &g.resources[ri]
	first, at := g.firstUse(ri, pos)
	q, state, _ := clearPlan(r, g.passes[first].queue)

	pi := len(g.passes)
	p := pass{
		name:   "clear " + r.desc.label(),
		queue:  q,
		kind:   passClear,
		target: ri,
		alive:  true,
	}
	for si := r.firstSub; si < r.firstSub+r.desc.subresources(); si++ {
		s := &g.subs[si]
		if len(s.uses) == 0 {
			continue
		}
		p.touches = append(p.touches, touch{sub: si, view: -1, state: state, final: state})
		s.uses = append([]usageRecord{{pass: pi, state: state, final: state}}, s.uses...)
		p.writes++
	}
	g.passes = append(g.passes, p)

	order = append(order, 0)
	copy(order[at+1:], order[at:])
	order[at] = pi
	return order
}

// needsImportPass reports whether an imported resource must be released
// from its external queue before another queue can use it.
func (g *Graph) needsImportPass(ri int) bool {
	r := &g.resources[ri]
	if !r.imported || r.concurrent() || r.external.State == StateUndefined {
		return false
	}
	for si := r.firstSub; si < r.firstSub+r.desc.subresources(); si++ {
		for _, u := range g.subs[si].uses {
			if g.passes[u.pass].queue != r.external.Queue {
				return true
			}
		}
	}
	return false
}

// insertImport adds a synthetic pass on the external queue that holds every
// subresource of ri in its external state, so that the first foreign user
// acquires it through an ordinary queue transfer.
func (g *Graph) insertImport(ri int) int {
	r := &g.resources[ri]
	st := r.external.State
	pi := len(g.passes)
	p := pass{
		name:   "import " + r.desc.label(),
		queue:  r.external.Queue,
		kind:   passImport,
		target: ri,
		alive:  true,
	}
	for si := r.firstSub; si < r.firstSub+r.desc.subresources(); si++ {
		p.touches = append(p.touches, touch{sub: si, view: -1, state: st, final: st})
		g.subs[si].uses = append([]usageRecord{{pass: pi, state: st, final: st}}, g.subs[si].uses...)
	}
	g.passes = append(g.passes, p)
	return pi
}
