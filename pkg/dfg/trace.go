package dfg

import (
	"github.com/l3aro/go-taint-flow/pkg/cache"
	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"github.com/l3aro/go-taint-flow/pkg/query"
	"github.com/l3aro/go-taint-flow/pkg/store"
	"github.com/l3aro/go-taint-flow/pkg/types"
)

// Source supplies the rows a trace reads.
type Source interface {
	Statements(blockID int64) ([]cfg.Statement, error)
	Graph(file, function string) (*cfg.CFG, error)
}

type graphKey struct {
	file, function string
}

// StoreSource answers lookups through the memory cache or the store and
// keeps recently used function CFGs. It is safe for concurrent use.
type StoreSource struct {
	st     *store.Store
	c      *cache.Cache
	graphs *cache.LRU[graphKey, *cfg.CFG]
}

// NewStoreSource creates a source keeping at most memo CFGs.
func NewStoreSource(st *store.Store, c *cache.Cache, memo int) *StoreSource {
	return &StoreSource{st: st, c: c, graphs: cache.NewLRU[graphKey, *cfg.CFG](memo, nil)}
}

// Statements returns the statements of a block.
func (s *StoreSource) Statements(blockID int64) ([]cfg.Statement, error) {
	return query.BlockStatements(s.st, s.c, blockID)
}

// Graph returns the CFG of a function.
func (s *StoreSource) Graph(file, function string) (*cfg.CFG, error) {
	key := graphKey{file, function}
	if g, ok := s.graphs.Get(key); ok {
		return g, nil
	}
	g, err := query.CFGForFunction(s.st, s.c, file, function)
	if err != nil {
		return nil, err
	}
	s.graphs.Set(key, g)
	return g, nil
}

// Endpoint is a path end: a line of a block. Names seeds the taint of a
// source; it is ignored for a sink.
type Endpoint struct {
	File  string
	Line  int
	Block int64
	Names []string
}

// Verdict is the outcome of tracing one path.
type Verdict struct {
	// Checked is false when the sink line has no statement to test or the
	// source taints nothing. The path then stands on reachability alone.
	Checked bool
	// Tainted lists the tainted names the sink statement reads.
	Tainted []string
	// Sanitized lists the names cleared by a sanitizer along the path.
	Sanitized []string
}

// Vulnerable reports whether the path remains a flow.
func (v Verdict) Vulnerable() bool {
	return !v.Checked || len(v.Tainted) > 0
}

// Tracer replays the statements along a path.
type Tracer struct {
	src        Source
	sanitizers Sanitizers
}

// NewTracer creates a tracer for the given sanitizer functions.
func NewTracer(src Source, sanitizers []string) *Tracer {
	return &Tracer{src: src, sanitizers: NewSanitizers(sanitizers)}
}

// frame is the taint state of one function activation on the path.
type frame struct {
	file, function string
	state          *State
	call           *cfg.Statement // the caller's statement that entered this frame
	returned       bool           // a return statement read tainted data
	sawReturn      bool
}

// result reports whether the activation hands tainted data back. A
// function without return statements on the path is assumed to when
// anything in it is tainted.
func (f *frame) result() bool {
	return f.returned || (!f.sawReturn && f.state.Any())
}

type trace struct {
	t         *Tracer
	frames    []*frame
	sanitized map[string]struct{}
}

func (tr *trace) top() *frame {
	return tr.frames[len(tr.frames)-1]
}

// apply runs the statements of a block that satisfy keep in the top frame.
func (tr *trace) apply(stmts []cfg.Statement, keep func(cfg.Statement) bool) {
	f := tr.top()
	for _, s := range stmts {
		if !keep(s) {
			continue
		}
		if s.Kind == cfg.StatementReturn {
			f.sawReturn = true
			if len(f.state.Tainting(rhs(s))) > 0 {
				f.returned = true
			}
		}
		transfer(f.state, s, tr.t.sanitizers)
		for _, n := range f.state.Sanitized() {
			tr.sanitized[n] = struct{}{}
		}
	}
}

// findCall returns the statement of stmts calling function of file.
func findCall(stmts []cfg.Statement, callerFile, file, function string) *cfg.Statement {
	want := cfg.NormalizeFunction(function)
	for i := range stmts {
		s := stmts[i]
		if !s.IsCallSite() || cfg.NormalizeFunction(*s.CalleeFunction) != want {
			continue
		}
		calleeFile := callerFile
		if s.CalleeFile != nil && *s.CalleeFile != "" {
			calleeFile = cfg.NormalizePath(*s.CalleeFile)
		}
		if calleeFile == file {
			return &s
		}
	}
	return nil
}

// enter pushes the frame of a callee entered from the call block of the
// top frame. The callee sees what its caller sees; a tainted argument
// taints its unknown parameters too.
func (tr *trace) enter(callBlock []cfg.Statement, caller, callee types.PathStep) {
	top := tr.top()
	call := findCall(callBlock, caller.File, callee.File, callee.Function)
	state := top.state.Clone()
	if call != nil {
		state.opaque = state.opaque || len(top.state.Tainting(rhs(*call))) > 0
	} else {
		// arguments unknown
		state.opaque = state.opaque || top.state.Any()
	}
	tr.frames = append(tr.frames, &frame{file: callee.File, function: callee.Function, state: state, call: call})
}

// deliver hands the result of callee to the state of its caller.
func deliver(callee *frame, state *State, call *cfg.Statement) {
	name := cfg.NormalizeFunction(callee.function)
	var target string
	if call != nil && call.TargetVar != nil {
		target = *call.TargetVar
	}
	if callee.result() {
		state.Taint(name)
		if target != "" {
			state.Taint(target)
		}
		return
	}
	if target != "" {
		state.Kill(target)
	}
}

// leave unwinds to the function of step. It returns the call statement
// when the path returned into a caller it did not come from, in which
// case only the statements after the call run.
func (tr *trace) leave(step types.PathStep, block []cfg.Statement) *cfg.Statement {
	for len(tr.frames) > 1 {
		callee := tr.top()
		tr.frames = tr.frames[:len(tr.frames)-1]
		caller := tr.top()
		deliver(callee, caller.state, callee.call)
		if caller.file == step.File && caller.function == step.Function {
			return nil
		}
	}

	callee := tr.frames[0]
	call := findCall(block, step.File, callee.file, callee.function)
	state := NewState()
	deliver(callee, state, call)
	tr.frames = []*frame{{file: step.File, function: step.Function, state: state}}
	return call
}

// Trace replays the statements along steps, from the source line to the
// sink line. Assignments move taint from what they read to their target,
// sanitizer calls clear it, loop headers are entered with the fixed point
// of their body, and calls carry taint into and out of callees. The sink
// is the first step on the sink block.
func (t *Tracer) Trace(steps []types.PathStep, source, sink Endpoint) (Verdict, error) {
	if len(steps) == 0 {
		return Verdict{}, nil
	}

	sinkBlock, err := t.src.Statements(sink.Block)
	if err != nil {
		return Verdict{}, err
	}
	var checks []cfg.Statement
	for _, s := range sinkBlock {
		if s.Line == sink.Line {
			checks = append(checks, s)
		}
	}
	if len(checks) == 0 {
		return Verdict{}, nil
	}

	first := steps[0]
	sourceBlock, err := t.src.Statements(first.BlockID)
	if err != nil {
		return Verdict{}, err
	}
	seed := NewState(source.Names...)
	for _, s := range sourceBlock {
		if s.Line == source.Line && s.TargetVar != nil && *s.TargetVar != "" {
			seed.Taint(*s.TargetVar)
		}
	}
	if !seed.Any() {
		return Verdict{}, nil
	}

	tr := &trace{
		t:         t,
		frames:    []*frame{{file: first.File, function: first.Function, state: seed}},
		sanitized: make(map[string]struct{}),
	}

	for i, step := range steps {
		stmts := sourceBlock
		if i > 0 {
			if stmts, err = t.src.Statements(step.BlockID); err != nil {
				return Verdict{}, err
			}
		}

		keep := func(cfg.Statement) bool { return true }
		switch {
		case i == 0:
			// the seed already holds what the source line assigns
			keep = func(s cfg.Statement) bool { return s.Line > source.Line }
		case step.Kind == types.StepCall:
			prev, err := t.src.Statements(steps[i-1].BlockID)
			if err != nil {
				return Verdict{}, err
			}
			tr.enter(prev, steps[i-1], step)
		case step.Kind == types.StepReturn:
			if call := tr.leave(step, stmts); call != nil {
				after := call.Ordinal
				keep = func(s cfg.Statement) bool { return s.Ordinal > after }
			}
		}

		if i > 0 {
			if err := tr.enterLoop(step); err != nil {
				return Verdict{}, err
			}
		}

		if step.File == sink.File && step.BlockID == sink.Block {
			tr.apply(stmts, func(s cfg.Statement) bool { return keep(s) && s.Line < sink.Line })
			return tr.verdict(checks), nil
		}
		tr.apply(stmts, keep)
	}
	return Verdict{}, nil
}

// enterLoop replaces the state of the top frame with the loop fixed point
// when step is a loop header.
func (tr *trace) enterLoop(step types.PathStep) error {
	g, err := tr.t.src.Graph(step.File, step.Function)
	if err != nil {
		return err
	}
	b, ok := g.Block(step.BlockID)
	if !ok || b.Type != cfg.BlockTypeLoopCondition {
		return nil
	}
	f := tr.top()
	state, err := LoopState(g, step.BlockID, f.state, tr.t.src.Statements, tr.t.sanitizers)
	if err != nil {
		return err
	}
	f.state = state
	return nil
}

func (tr *trace) verdict(checks []cfg.Statement) Verdict {
	state := tr.top().state
	seen := make(map[string]struct{})
	for _, s := range checks {
		for _, n := range state.Tainting(rhs(s)) {
			seen[n] = struct{}{}
		}
	}
	return Verdict{
		Checked:   true,
		Tainted:   sortedKeys(seen),
		Sanitized: sortedKeys(tr.sanitized),
	}
}
