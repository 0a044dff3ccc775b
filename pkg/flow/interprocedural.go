package flow

import (
	"errors"
	"strconv"
	"strings"

	"github.com/l3aro/go-taint-flow/pkg/cache"
	"github.com/l3aro/go-taint-flow/pkg/callgraph"
	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"github.com/l3aro/go-taint-flow/pkg/query"
	"github.com/l3aro/go-taint-flow/pkg/store"
	"github.com/l3aro/go-taint-flow/pkg/types"
)

// Limits bounds an interprocedural search. Each ceiling cuts the branch
// that hits it and marks the result truncated; none aborts the search.
// Zero disables a ceiling.
type Limits struct {
	MaxPaths      int // paths collected per pair
	MaxDepth      int // nested calls plus unbalanced returns on one path
	MaxHops       int // function boundary crossings on one path
	MaxPathLength int // blocks on one path
	MaxExpansions int // work-list states processed per pair
}

// DefaultLimits match the configuration defaults.
var DefaultLimits = Limits{
	MaxPaths:      100,
	MaxDepth:      5,
	MaxHops:       10,
	MaxPathLength: 200,
	MaxExpansions: 100000,
}

// Endpoint is a resolved source or sink: a block of a function.
type Endpoint struct {
	File     string
	Function string
	Block    int64
}

func (e Endpoint) function() callgraph.Function {
	return callgraph.Function{File: cfg.NormalizePath(e.File), Name: e.Function}
}

// Path is one source-to-sink path across functions.
type Path struct {
	Steps      []types.PathStep
	Hops       int
	Conditions []string
}

// Result is the outcome of one search.
type Result struct {
	Paths      []Path
	Truncated  bool
	Expansions int
}

// function is a loaded CFG with the lookups the search needs.
type function struct {
	key   callgraph.Function
	graph *cfg.CFG
	adj   cfg.Adjacency
	exits map[int64]bool           // blocks where control leaves the function
	calls map[int64][]cfg.CallSite // by call block, ordinal order
	entry int64
}

// Interprocedural extends path search across call sites. It is safe for
// concurrent use: every search keeps its state local, and loaded CFGs are
// shared read-only.
type Interprocedural struct {
	st     *store.Store
	c      *cache.Cache
	calls  *callgraph.Graph
	limits Limits
	loaded *cache.LRU[callgraph.Function, *function]
}

// NewInterprocedural creates an analyzer. memo bounds the number of
// function CFGs kept in memory between searches.
func NewInterprocedural(st *store.Store, c *cache.Cache, calls *callgraph.Graph, limits Limits, memo int) *Interprocedural {
	return &Interprocedural{
		st:     st,
		c:      c,
		calls:  calls,
		limits: limits,
		loaded: cache.NewLRU[callgraph.Function, *function](memo, nil),
	}
}

// load returns the CFG of key, or nil when the store has no rows for it.
// Callees without rows are library functions and are stepped over.
func (a *Interprocedural) load(key callgraph.Function) (*function, error) {
	if fn, ok := a.loaded.Get(key); ok {
		return fn, nil
	}
	g, err := query.CFGForFunction(a.st, a.c, key.File, key.Name)
	if err != nil {
		if errors.Is(err, types.ErrStructuralDataMissing) {
			a.loaded.Set(key, nil)
			return nil, nil
		}
		return nil, err
	}
	entry, _ := g.Entry()
	fn := &function{
		key:   callgraph.Function{File: g.File, Name: g.Function},
		graph: g,
		adj:   cfg.BuildAdjacency(g.Edges),
		exits: make(map[int64]bool),
		calls: make(map[int64][]cfg.CallSite),
		entry: entry.ID,
	}
	// a return block that falls through to the exit block leaves from there
	for _, b := range g.Exits() {
		if b.Type == cfg.BlockTypeExit || len(fn.adj[b.ID]) == 0 {
			fn.exits[b.ID] = true
		}
	}
	sites, err := query.CallSites(a.st, a.c, g.File, g.Function)
	if err != nil {
		return nil, err
	}
	for _, s := range sites {
		fn.calls[s.BlockID] = append(fn.calls[s.BlockID], s)
	}
	a.loaded.Set(key, fn)
	return fn, nil
}

// frame is a pending return into a caller.
type frame struct {
	fn        *function
	callBlock int64
}

// state is one work-list entry: the path so far, ending at block of fn.
type state struct {
	fn        *function
	block     int64
	stack     []frame
	ascents   int
	hops      int
	steps     []types.PathStep
	reached   bool
	afterCall bool // calls of block were already handled
}

func (s *state) depth() int {
	return len(s.stack) + s.ascents
}

func (s *state) onPath(fn *function, block int64) bool {
	for _, st := range s.steps {
		if st.BlockID == block && st.File == fn.graph.File {
			return true
		}
	}
	return false
}

// extend returns a copy of s advanced to block of fn.
func (s *state) extend(fn *function, block int64, kind types.StepKind) *state {
	steps := make([]types.PathStep, len(s.steps), len(s.steps)+1)
	copy(steps, s.steps)
	steps = append(steps, types.PathStep{File: fn.graph.File, Function: fn.graph.Function, BlockID: block, Kind: kind})
	return &state{
		fn:      fn,
		block:   block,
		stack:   s.stack,
		ascents: s.ascents,
		hops:    s.hops,
		steps:   steps,
		reached: s.reached,
	}
}

// search holds the mutable state of one Analyze call.
type search struct {
	a         *Interprocedural
	sink      Endpoint
	sinkFn    callgraph.Function
	work      []*state
	result    Result
	collected map[string]bool
	fns       map[callgraph.Function]*function
	stopped   bool
}

// Analyze searches for paths from source to sink. A path starts at the
// source block, may descend into callees and return from them, may return
// from the source function to its callers, and is collected once it has
// passed through the sink block and unwound to the outermost frame.
func (a *Interprocedural) Analyze(source, sink Endpoint) (*Result, error) {
	srcFn, err := a.load(source.function())
	if err != nil {
		return nil, err
	}
	if srcFn == nil {
		return nil, types.Missing(store.RelationBlocks, source.File, source.Function)
	}
	sinkFn, err := a.load(sink.function())
	if err != nil {
		return nil, err
	}
	if sinkFn == nil {
		return nil, types.Missing(store.RelationBlocks, sink.File, sink.Function)
	}
	for _, ep := range []struct {
		fn    *function
		block int64
	}{{srcFn, source.Block}, {sinkFn, sink.Block}} {
		if _, ok := ep.fn.graph.Block(ep.block); !ok {
			return nil, &types.MissingDataError{
				Relation: store.RelationBlocks,
				File:     ep.fn.graph.File,
				Function: ep.fn.graph.Function,
				BlockID:  ep.block,
			}
		}
	}

	s := &search{
		a:         a,
		sink:      Endpoint{File: sinkFn.graph.File, Function: sinkFn.graph.Function, Block: sink.Block},
		sinkFn:    sinkFn.key,
		collected: make(map[string]bool),
		fns:       map[callgraph.Function]*function{srcFn.key: srcFn, sinkFn.key: sinkFn},
	}
	start := (&state{}).extend(srcFn, source.Block, types.StepBlock)
	s.work = append(s.work, start)

	for len(s.work) > 0 && !s.stopped {
		st := s.work[len(s.work)-1]
		s.work = s.work[:len(s.work)-1]

		s.result.Expansions++
		if a.limits.MaxExpansions > 0 && s.result.Expansions > a.limits.MaxExpansions {
			s.result.Truncated = true
			break
		}
		if err := s.step(st); err != nil {
			return nil, err
		}
	}
	return &s.result, nil
}

func (s *search) isSink(st *state) bool {
	return st.block == s.sink.Block && st.fn.graph.File == s.sink.File
}

// step processes one state and pushes its continuations.
func (s *search) step(st *state) error {
	if s.isSink(st) {
		st.reached = true
	}
	if st.reached && len(st.stack) == 0 {
		s.collect(st)
		return nil
	}

	var next []*state

	if !st.afterCall && !st.reached {
		descents, err := s.descend(st)
		if err != nil {
			return err
		}
		next = append(next, descents...)
	}

	next = append(next, s.successors(st, st.fn, st.block, types.StepBlock)...)

	if st.fn.exits[st.block] {
		returns, err := s.leave(st)
		if err != nil {
			return err
		}
		next = append(next, returns...)
	}

	if len(next) == 0 && st.reached {
		// dead end after the sink: the flow is real even if the frames
		// cannot unwind
		s.collect(st)
		return nil
	}

	// reverse so the first continuation is processed first
	for i := len(next) - 1; i >= 0; i-- {
		s.work = append(s.work, next[i])
	}
	return nil
}

// successors advances st along the intra-procedural edges of block.
func (s *search) successors(st *state, fn *function, block int64, kind types.StepKind) []*state {
	var out []*state
	for _, succ := range fn.adj[block] {
		if st.onPath(fn, succ) {
			continue
		}
		if !s.fits(st) {
			continue
		}
		ns := st.extend(fn, succ, kind)
		out = append(out, ns)
	}
	return out
}

// fits reports whether one more step stays within the path length ceiling.
func (s *search) fits(st *state) bool {
	limit := s.a.limits.MaxPathLength
	if limit > 0 && len(st.steps)+1 > limit {
		s.result.Truncated = true
		return false
	}
	return true
}

// crossing reports whether one more call or return boundary is allowed.
func (s *search) crossing(st *state) bool {
	l := s.a.limits
	if l.MaxDepth > 0 && st.depth() >= l.MaxDepth {
		s.result.Truncated = true
		return false
	}
	if l.MaxHops > 0 && st.hops >= l.MaxHops {
		s.result.Truncated = true
		return false
	}
	return true
}

// leadsToSink reports whether entering fn can still reach the sink. Without
// a call graph every callee is explored.
func (s *search) leadsToSink(fn callgraph.Function) bool {
	if fn == s.sinkFn || s.a.calls == nil {
		return true
	}
	return s.a.calls.Reaches(fn, s.sinkFn)
}

// mayReturnTo reports whether returning into caller can still reach the
// sink, either through caller itself or further up its own callers.
func (s *search) mayReturnTo(caller callgraph.Function) bool {
	if s.leadsToSink(caller) {
		return true
	}
	_, ok := s.a.calls.Hops(caller, s.sinkFn)
	return ok
}

// load loads a function and remembers it for rendering conditions.
func (s *search) load(key callgraph.Function) (*function, error) {
	fn, err := s.a.load(key)
	if fn != nil {
		s.fns[fn.key] = fn
	}
	return fn, err
}

// descend enters the callees of a call block that can lead to the sink.
func (s *search) descend(st *state) ([]*state, error) {
	var out []*state
	for _, site := range st.fn.calls[st.block] {
		key := callgraph.Function{File: site.CalleeFile, Name: site.CalleeFunction}
		if !s.leadsToSink(key) {
			continue
		}
		callee, err := s.load(key)
		if err != nil {
			return nil, err
		}
		if callee == nil || st.onPath(callee, callee.entry) {
			continue
		}
		if !s.crossing(st) || !s.fits(st) {
			continue
		}
		ns := st.extend(callee, callee.entry, types.StepCall)
		ns.stack = append(append(make([]frame, 0, len(st.stack)+1), st.stack...), frame{fn: st.fn, callBlock: st.block})
		ns.hops++
		out = append(out, ns)
	}
	return out, nil
}

// leave handles an exit block: return into the pending caller frame, or,
// at the outermost frame, return to every caller that can lead to the sink.
func (s *search) leave(st *state) ([]*state, error) {
	if len(st.stack) > 0 {
		top := st.stack[len(st.stack)-1]
		popped := *st
		popped.stack = st.stack[:len(st.stack)-1]
		resumed := s.successors(&popped, top.fn, top.callBlock, types.StepReturn)
		if len(resumed) == 0 && top.fn.exits[top.callBlock] {
			// the call ends the caller too: keep unwinding from the call block
			ns := popped
			ns.fn = top.fn
			ns.block = top.callBlock
			ns.afterCall = true
			return []*state{&ns}, nil
		}
		return resumed, nil
	}

	if st.reached {
		return nil, nil
	}
	sites, err := query.Callers(s.a.st, s.a.c, st.fn.graph.File, st.fn.graph.Function)
	if err != nil {
		return nil, err
	}

	var out []*state
	for _, site := range sites {
		key := callgraph.Function{File: site.File, Name: site.Function}
		if !s.mayReturnTo(key) {
			continue
		}
		caller, err := s.load(key)
		if err != nil {
			return nil, err
		}
		if caller == nil || st.onPath(caller, site.BlockID) {
			continue
		}
		if !s.crossing(st) || !s.fits(st) {
			continue
		}
		ns := st.extend(caller, site.BlockID, types.StepReturn)
		ns.ascents++
		ns.hops++
		ns.afterCall = true
		out = append(out, ns)
	}
	return out, nil
}

func (s *search) collect(st *state) {
	key := pathKey(st.steps)
	if s.collected[key] {
		return
	}
	s.collected[key] = true
	s.result.Paths = append(s.result.Paths, Path{
		Steps:      st.steps,
		Hops:       st.hops,
		Conditions: s.conditions(st.steps),
	})
	if limit := s.a.limits.MaxPaths; limit > 0 && len(s.result.Paths) >= limit {
		s.result.Truncated = true
		s.stopped = true
	}
}

// conditions renders the branch decisions of every run of consecutive
// steps inside one function.
func (s *search) conditions(steps []types.PathStep) []string {
	var out []string
	for i := 0; i < len(steps); {
		j := i + 1
		for j < len(steps) && steps[j].Kind == types.StepBlock &&
			steps[j].File == steps[i].File && steps[j].Function == steps[i].Function {
			j++
		}
		if j-i > 1 {
			if fn := s.fns[callgraph.Function{File: steps[i].File, Name: steps[i].Function}]; fn != nil {
				ids := make([]int64, 0, j-i)
				for _, st := range steps[i:j] {
					ids = append(ids, st.BlockID)
				}
				for _, c := range cfg.Conditions(fn.graph, ids) {
					out = append(out, c.Text)
				}
			}
		}
		i = j
	}
	return out
}

func pathKey(steps []types.PathStep) string {
	var sb strings.Builder
	for _, st := range steps {
		sb.WriteString(st.File)
		sb.WriteByte('#')
		sb.WriteString(strconv.FormatInt(st.BlockID, 10))
		sb.WriteByte(':')
		sb.WriteString(string(st.Kind))
		sb.WriteByte(';')
	}
	return sb.String()
}
