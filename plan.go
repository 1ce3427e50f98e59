package framegraph

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/gogpu/gputypes"
)

// Plan is a compiled frame: the surviving passes in execution order with
// their barriers, semaphores, and batches. A Plan is produced by
// Graph.Compile and stays valid until Graph.Reset.
type Plan struct {
	g     *Graph
	opts  ExecuteOptions
	final int

	order  []int
	pos    []int
	tasks  []task
	culled []int

	batches     []batch
	sems        []semaphore
	exits       []exitState
	finalSignal int

	timer   Timer
	queries []passQuery

	submitted bool
}

// task is one pass of the plan in execution order.
type task struct {
	pass    int
	pre     []plannedBarrier
	post    []plannedBarrier
	waits   []syncWait
	signals []int
	extWait Stage
	batch   int

	cb       CommandBuffer
	recorded bool
}

// exitState is the state an imported resource is left in.
type exitState struct {
	res   int
	state ExternalState
}

// Compile culls the graph against the final output, allocates surviving
// resources, and plans synchronization. The graph cannot be modified or
// compiled again until Reset.
//
// A fatal error (see IsFatal) leaves the graph compiled; call Reset.
func (g *Graph) Compile(ctx context.Context, final ViewID, opts ExecuteOptions) (*Plan, error) {
	if err := g.mutable(); err != nil {
		return nil, err
	}
	fi, err := g.viewIndex(final)
	if err != nil {
		return nil, fmt.Errorf("final output: %w", err)
	}
	touched := false
	for _, si := range g.views[fi].subs {
		if len(g.subs[si].uses) > 0 {
			touched = true
			break
		}
	}
	if !touched {
		return nil, ErrNoFinalOutput
	}

	p := &Plan{g: g, opts: opts, final: fi, finalSignal: -1}
	g.plan = p

	p.culled = g.cull(g.views[fi].subs)
	p.order = g.schedule()
	p.pos = positions(p.order, len(g.passes))
	p.tasks = make([]task, len(p.order))
	for i, pi := range p.order {
		p.tasks[i] = task{pass: pi, batch: -1}
	}

	g.computeUsage()
	if err := g.allocate(); err != nil {
		return nil, err
	}
	p.planSync()

	for i := range p.sems {
		sem, err := g.dev.CreateSemaphore()
		if err != nil {
			return nil, fmt.Errorf("%w: creating semaphore: %w", ErrDevice, err)
		}
		p.sems[i].native = sem
	}

	if err := p.setupTimer(); err != nil {
		return nil, err
	}

	Logger().Debug("framegraph: compiled",
		"label", g.opts.label,
		"passes", len(g.passes),
		"tasks", len(p.tasks),
		"culled", len(p.culled),
		"batches", len(p.batches),
		"semaphores", len(p.sems),
	)
	return p, nil
}

// setupTimer assigns two timestamp slots per task when timing queries are
// enabled and the device can write timestamps.
func (p *Plan) setupTimer() error {
	g := p.g
	budget := g.opts.queryBudget
	if budget == 0 {
		return nil
	}
	need := 2 * uint32(len(p.tasks))
	if need > budget {
		return fmt.Errorf("%w: %d queries for %d tasks, budget %d", ErrQueryBudget, need, len(p.tasks), budget)
	}
	if g.timer == nil {
		prof, ok := g.dev.(Profiler)
		if !ok {
			return nil
		}
		timer, err := prof.NewTimer(budget)
		if err != nil {
			Logger().Warn("framegraph: timing queries unavailable", "err", err)
			g.opts.queryBudget = 0
			return nil
		}
		g.timer = timer
	}

	p.timer = g.timer
	p.queries = make([]passQuery, len(p.tasks))
	for i, t := range p.tasks {
		ps := &g.passes[t.pass]
		p.queries[i] = passQuery{name: ps.name, queue: ps.queue, begin: 2 * uint32(i), end: 2*uint32(i) + 1}
	}
	return nil
}

// Task is a recording unit of a plan, one per scheduled pass.
type Task struct {
	plan  *Plan
	index int

	// Pass is zero for synthetic clear and import passes.
	Pass      PassID
	Name      string
	Queue     Queue
	Batch     int
	Synthetic bool
}

// Tasks returns the tasks in execution order.
func (p *Plan) Tasks() []Task {
	out := make([]Task, len(p.tasks))
	for i := range p.tasks {
		out[i] = p.taskInfo(i)
	}
	return out
}

func (p *Plan) taskInfo(i int) Task {
	t := &p.tasks[i]
	ps := &p.g.passes[t.pass]
	info := Task{
		plan:      p,
		index:     i,
		Name:      ps.name,
		Queue:     ps.queue,
		Batch:     t.batch,
		Synthetic: ps.kind != passUser,
	}
	if ps.kind == passUser {
		info.Pass = PassID{h: p.g.newHandle(t.pass)}
	}
	return info
}

func (p *Plan) checkTask(t Task) error {
	if p.g.plan != p || p.submitted {
		return ErrPlanSubmitted
	}
	if t.plan != p || t.index < 0 || t.index >= len(p.tasks) {
		return fmt.Errorf("task %q: %w", t.Name, ErrStaleHandle)
	}
	if p.tasks[t.index].recorded {
		return fmt.Errorf("task %q: %w", t.Name, ErrTaskRecorded)
	}
	return nil
}

// Record records task t with fn instead of the pass's registered callback.
// Tasks may be recorded in any order; Submit records the rest. fn is
// ignored for synthetic tasks.
func (p *Plan) Record(ctx context.Context, t Task, fn RecordFunc) error {
	if err := p.checkTask(t); err != nil {
		return err
	}
	return p.record(ctx, t.index, fn)
}

func (p *Plan) record(ctx context.Context, ti int, fn RecordFunc) error {
	g := p.g
	t := &p.tasks[ti]
	ps := &g.passes[t.pass]

	cb, err := g.dev.BeginCommands(ps.queue, ps.name)
	if err != nil {
		return fmt.Errorf("%w: begin %q: %w", ErrDevice, ps.name, err)
	}
	fail := func(err error) error {
		cb.Discard()
		return err
	}

	if len(t.pre) > 0 {
		cb.Barrier(p.natives(t.pre))
	}
	if p.timer != nil {
		if err := p.timer.Timestamp(cb, p.queries[ti].begin); err != nil {
			return fail(fmt.Errorf("%w: timestamp %q: %w", ErrDevice, ps.name, err))
		}
	}

	switch ps.kind {
	case passClear:
		if err := p.recordClear(cb, ps); err != nil {
			return fail(fmt.Errorf("%w: %s: %w", ErrDevice, ps.name, err))
		}
	case passUser:
		if fn != nil {
			rc := &RecordContext{ctx: ctx, plan: p, task: ti, cb: cb}
			if err := fn(rc); err != nil {
				return fail(fmt.Errorf("pass %q: %w", ps.name, err))
			}
		}
	}

	if p.timer != nil {
		if err := p.timer.Timestamp(cb, p.queries[ti].end); err != nil {
			return fail(fmt.Errorf("%w: timestamp %q: %w", ErrDevice, ps.name, err))
		}
	}
	if len(t.post) > 0 {
		cb.Barrier(p.natives(t.post))
	}
	if err := cb.End(); err != nil {
		return fail(fmt.Errorf("%w: end %q: %w", ErrDevice, ps.name, err))
	}
	t.cb = cb
	t.recorded = true
	return nil
}

// natives fills in the native objects of planned barriers.
func (p *Plan) natives(planned []plannedBarrier) []Barrier {
	out := make([]Barrier, len(planned))
	for i, b := range planned {
		out[i] = b.Barrier
		switch a := p.g.resources[b.res].native.(type) {
		case imageAllocation:
			out[i].Image = a.img
		case bufferAllocation:
			out[i].Buffer = a.buf
		}
	}
	return out
}

func (p *Plan) recordClear(cb CommandBuffer, ps *pass) error {
	r := &p.g.resources[ps.target]
	value, _ := r.clear()
	switch a := r.native.(type) {
	case imageAllocation:
		d, _ := r.image()
		method := ClearAttachment
		if ps.touches[0].state == stateClearStorage {
			method = ClearStorage
		}
		for _, t := range ps.touches {
			if err := cb.ClearImage(a.img, d, subrangeOf(d, t.sub-r.firstSub), method, value); err != nil {
				return err
			}
		}
	case bufferAllocation:
		d, _ := r.buffer()
		return cb.ClearBuffer(a.buf, 0, d.Size, value.Word)
	}
	return nil
}

// Submit records every task not yet recorded with its pass's callback and
// submits the batches in order. Imported resources' external states are
// updated with the states the frame leaves them in.
func (p *Plan) Submit(ctx context.Context) (Submission, error) {
	g := p.g
	if g.plan != p || p.submitted {
		return Submission{}, ErrPlanSubmitted
	}
	for ti := range p.tasks {
		if p.tasks[ti].recorded {
			continue
		}
		if err := p.record(ctx, ti, g.passes[p.tasks[ti].pass].record); err != nil {
			return Submission{}, err
		}
	}

	p.submitted = true
	f := &frame{queries: p.queries, slots: 2 * uint32(len(p.queries))}
	g.frame = f

	for bi := range p.batches {
		b := &p.batches[bi]
		info := SubmitInfo{Label: p.batchLabel(bi), Fence: b.fence}
		for _, ti := range b.tasks {
			t := &p.tasks[ti]
			if t.extWait != StageNone {
				info.Waits = append(info.Waits, SemaphoreWait{Semaphore: p.opts.Wait, Stage: t.extWait})
			}
			for _, w := range t.waits {
				info.Waits = append(info.Waits, SemaphoreWait{Semaphore: p.sems[w.sem].native, Stage: w.stage})
			}
			info.CommandBuffers = append(info.CommandBuffers, t.cb)
			for _, s := range t.signals {
				info.Signals = append(info.Signals, p.sems[s].native)
			}
		}

		fence, err := g.dev.Submit(ctx, b.queue, info)
		if err != nil {
			return Submission{}, fmt.Errorf("%w: submit %s: %w", ErrDevice, info.Label, err)
		}
		for _, ti := range b.tasks {
			p.tasks[ti].cb = nil
		}
		if fence != nil {
			f.fences = append(f.fences, fence)
		}
	}

	for _, e := range p.exits {
		*g.resources[e.res].external = e.state
	}

	sub := Submission{Batches: len(p.batches)}
	if p.finalSignal >= 0 {
		sub.Signal = p.sems[p.finalSignal].native
	}
	Logger().Debug("framegraph: submitted", "label", g.opts.label, "batches", len(p.batches), "fences", len(f.fences))
	return sub, nil
}

func (p *Plan) batchLabel(bi int) string {
	b := &p.batches[bi]
	return fmt.Sprintf("%s/%s#%d", p.g.opts.label, b.queue, bi)
}

// release frees what the plan owns: unsubmitted command buffers and
// semaphores.
func (p *Plan) release() {
	for i := range p.tasks {
		if cb := p.tasks[i].cb; cb != nil {
			cb.Discard()
			p.tasks[i].cb = nil
		}
	}
	for i := range p.sems {
		if s := p.sems[i].native; s != nil {
			p.g.dev.DestroySemaphore(s)
			p.sems[i].native = nil
		}
	}
}

// Culled returns the names of the passes removed by culling, in
// registration order.
func (p *Plan) Culled() []string {
	idx := slices.Clone(p.culled)
	slices.Sort(idx)
	names := make([]string, len(idx))
	for i, pi := range idx {
		names[i] = p.g.passes[pi].name
	}
	return names
}

// WaitInfo describes a semaphore wait of a batch.
type WaitInfo struct {
	// Semaphore indexes Plan.Semaphores; -1 for the caller's wait.
	Semaphore int
	Stage     Stage
}

// BatchInfo describes one submission batch.
type BatchInfo struct {
	Queue   Queue
	Tasks   []string
	Waits   []WaitInfo
	Signals []int
	Fence   bool
}

// Batches returns the submission batches in order.
func (p *Plan) Batches() []BatchInfo {
	out := make([]BatchInfo, len(p.batches))
	for bi, b := range p.batches {
		info := BatchInfo{Queue: b.queue, Fence: b.fence}
		for _, ti := range b.tasks {
			t := &p.tasks[ti]
			info.Tasks = append(info.Tasks, p.g.passes[t.pass].name)
			if t.extWait != StageNone {
				info.Waits = append(info.Waits, WaitInfo{Semaphore: -1, Stage: t.extWait})
			}
			for _, w := range t.waits {
				info.Waits = append(info.Waits, WaitInfo{Semaphore: w.sem, Stage: w.stage})
			}
			info.Signals = append(info.Signals, t.signals...)
		}
		out[bi] = info
	}
	return out
}

// SemaphoreInfo describes a semaphore of the plan.
type SemaphoreInfo struct {
	Producer string
	// Consumer is the waiting queue. Final semaphores are waited on by
	// the caller.
	Consumer Queue
	Final    bool
}

// Semaphores returns the semaphores signaled by the plan.
func (p *Plan) Semaphores() []SemaphoreInfo {
	out := make([]SemaphoreInfo, len(p.sems))
	for i, s := range p.sems {
		out[i] = SemaphoreInfo{Producer: p.g.passes[s.producer].name, Consumer: s.consumer, Final: i == p.finalSignal}
	}
	return out
}

// BarrierInfo is a planned barrier with its resource named.
type BarrierInfo struct {
	Resource string
	// Subresource is resource-local: level*layers + layer for images.
	Subresource int
	Barrier
}

// Barriers returns the barriers recorded before and after task t.
func (p *Plan) Barriers(t Task) (pre, post []BarrierInfo) {
	if t.plan != p || t.index < 0 || t.index >= len(p.tasks) {
		return nil, nil
	}
	conv := func(bs []plannedBarrier) []BarrierInfo {
		out := make([]BarrierInfo, len(bs))
		for i, b := range bs {
			r := &p.g.resources[b.res]
			out[i] = BarrierInfo{Resource: r.desc.label(), Subresource: b.sub - r.firstSub, Barrier: b.Barrier}
		}
		return out
	}
	tk := &p.tasks[t.index]
	return conv(tk.pre), conv(tk.post)
}

// Lifetime returns the first and last task positions using id. ok is false
// for resources no surviving pass uses.
func (p *Plan) Lifetime(id ResourceID) (first, last int, ok bool) {
	ri, err := p.g.resourceIndex(id)
	if err != nil {
		return -1, -1, false
	}
	r := &p.g.resources[ri]
	return r.first, r.last, r.alive
}

// Usage returns the capability union id was allocated with.
func (p *Plan) Usage(id ResourceID) (gputypes.TextureUsage, gputypes.BufferUsage, error) {
	ri, err := p.g.resourceIndex(id)
	if err != nil {
		return 0, 0, err
	}
	r := &p.g.resources[ri]
	return r.texUsage, r.bufUsage, nil
}

// Allocated reports whether id has a native object this frame.
func (p *Plan) Allocated(id ResourceID) bool {
	ri, err := p.g.resourceIndex(id)
	if err != nil {
		return false
	}
	r := &p.g.resources[ri]
	return r.alive && r.native != nil
}

// String renders the plan as one line per batch and task.
func (p *Plan) String() string {
	var sb strings.Builder
	sems := p.Semaphores()
	for bi, b := range p.Batches() {
		fmt.Fprintf(&sb, "batch %d %s", bi, b.Queue)
		if b.Fence {
			sb.WriteString(" fence")
		}
		sb.WriteByte('\n')
		for _, w := range b.Waits {
			if w.Semaphore < 0 {
				fmt.Fprintf(&sb, "  wait external @%s\n", w.Stage)
				continue
			}
			fmt.Fprintf(&sb, "  wait %q @%s\n", sems[w.Semaphore].Producer, w.Stage)
		}
		for _, name := range b.Tasks {
			fmt.Fprintf(&sb, "  %s\n", name)
		}
		for _, s := range b.Signals {
			if sems[s].Final {
				sb.WriteString("  signal frame\n")
				continue
			}
			fmt.Fprintf(&sb, "  signal %s\n", sems[s].Consumer)
		}
	}
	if culled := p.Culled(); len(culled) > 0 {
		fmt.Fprintf(&sb, "culled %s\n", strings.Join(culled, ", "))
	}
	return sb.String()
}
