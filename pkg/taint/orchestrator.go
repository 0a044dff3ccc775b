// Package taint runs a propagation pass: for every source and sink pair of
// a catalog it traces the control flow paths between them and stores one
// taint flow per distinct path.
package taint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/l3aro/go-taint-flow/internal/log"
	"github.com/l3aro/go-taint-flow/pkg/cache"
	"github.com/l3aro/go-taint-flow/pkg/callgraph"
	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"github.com/l3aro/go-taint-flow/pkg/dfg"
	"github.com/l3aro/go-taint-flow/pkg/flow"
	"github.com/l3aro/go-taint-flow/pkg/query"
	"github.com/l3aro/go-taint-flow/pkg/store"
	"github.com/l3aro/go-taint-flow/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Run modes and statuses recorded in taint_runs.
const (
	ModeCache = "cache"
	ModeStore = "store"

	StatusRunning        = "running"
	StatusCompleted      = "completed"
	StatusBudgetExceeded = "budget_exceeded"
	StatusFailed         = "failed"
)

// Options configures a propagation pass.
type Options struct {
	Limits flow.Limits
	// Budget is the wall-clock ceiling of the whole pass. Zero disables it.
	Budget time.Duration
	// Workers is the number of pairs analyzed concurrently. Values below 1
	// mean 1.
	Workers int
	// MemoSize bounds the function CFGs kept between pairs.
	MemoSize int
	// FlowSensitive replays the statements along every path and drops the
	// paths on which no tainted value reaches the sink.
	FlowSensitive bool
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultOptions match the configuration defaults.
var DefaultOptions = Options{
	Limits:        flow.DefaultLimits,
	Budget:        10 * time.Minute,
	Workers:       1,
	MemoSize:      256,
	FlowSensitive: true,
}

// PairReport describes a pair that was skipped or whose search was cut.
type PairReport struct {
	Source types.Endpoint `json:"source"`
	Sink   types.Endpoint `json:"sink"`
	Reason string         `json:"reason"`
}

// Result summarizes a pass.
type Result struct {
	RunID     string            `json:"run_id"`
	Mode      string            `json:"mode"`
	Pairs     int               `json:"pairs"`
	Flows     []types.TaintFlow `json:"flows"`
	Skipped   []PairReport      `json:"skipped,omitempty"`
	Truncated []PairReport      `json:"truncated,omitempty"`

	// Cleared counts the paths dropped because every tainted value was
	// sanitized or overwritten before the sink.
	Cleared int `json:"cleared"`
}

// Orchestrator owns one propagation pass over a store. The cache, when
// given, must stay unchanged until Run returns.
type Orchestrator struct {
	st     *store.Store
	c      *cache.Cache
	opts   Options
	logger log.Logger
}

// NewOrchestrator creates an orchestrator. A nil or unloaded cache means
// every lookup is answered by the store.
func NewOrchestrator(st *store.Store, c *cache.Cache, opts Options, logger log.Logger) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{st: st, c: c, opts: opts, logger: logger}
}

// Mode reports whether lookups go through the cache or the store.
func (o *Orchestrator) Mode() string {
	if o.c.Loaded() {
		return ModeCache
	}
	return ModeStore
}

// resolved is a catalog endpoint bound to its block.
type resolved struct {
	ep    types.Endpoint
	file  string
	fn    string
	block cfg.Block
}

func (r resolved) endpoint() flow.Endpoint {
	return flow.Endpoint{File: r.file, Function: r.fn, Block: r.block.ID}
}

func (r resolved) function() callgraph.Function {
	return callgraph.Function{File: r.file, Name: r.fn}
}

// traced returns the endpoint as the tracer sees it. The source taints
// its variable, or the names of its pattern.
func (r resolved) traced() dfg.Endpoint {
	ep := dfg.Endpoint{File: r.file, Line: r.ep.Line, Block: r.block.ID}
	if r.ep.Variable != "" {
		ep.Names = []string{r.ep.Variable}
	} else {
		ep.Names = dfg.Names(r.ep.Pattern)
	}
	return ep
}

// resolve binds ep to the block containing its line. A file, function or
// line without rows is a structural error.
func (o *Orchestrator) resolve(ep types.Endpoint) (resolved, error) {
	file := cfg.NormalizePath(ep.File)
	ok, err := query.HasFile(o.st, o.c, file)
	if err != nil {
		return resolved{}, err
	}
	if !ok {
		return resolved{}, &types.MissingDataError{Relation: store.RelationBlocks, File: file}
	}

	fn := ep.Function
	if fn != "" {
		name, ok, err := query.ResolveFunction(o.st, o.c, file, fn)
		if err != nil {
			return resolved{}, err
		}
		if !ok {
			return resolved{}, types.Missing(store.RelationBlocks, file, fn)
		}
		fn = name
	}

	b, ok, err := query.BlockForLine(o.st, o.c, file, fn, ep.Line)
	if err != nil {
		return resolved{}, err
	}
	if !ok {
		return resolved{}, &types.MissingDataError{
			Relation: store.RelationBlocks,
			File:     file,
			Function: ep.Function,
			Line:     ep.Line,
		}
	}
	return resolved{ep: ep, file: file, fn: b.Function, block: b}, nil
}

// pair is one unit of work, indexed in catalog order.
type pair struct {
	index        int
	source, sink resolved
}

// outcome is what a pair produced.
type outcome struct {
	flows     []types.TaintFlow
	cleared   int
	truncated bool
	skipped   string
}

// Run executes a pass over catalog. Every endpoint is validated before any
// flow is touched, so a structural error leaves the previous flows in
// place. Otherwise the previous flows are replaced, and the flows of each
// pair are stored as soon as the pair completes. When the budget runs out
// the remaining pairs are abandoned and ErrBudgetExceeded is returned
// together with the partial result.
func (o *Orchestrator) Run(catalog types.Catalog) (*Result, error) {
	start := o.opts.Now()

	sources, err := o.resolveAll(catalog.Sources)
	if err != nil {
		return nil, fmt.Errorf("resolving sources: %w", err)
	}
	sinks, err := o.resolveAll(catalog.Sinks)
	if err != nil {
		return nil, fmt.Errorf("resolving sinks: %w", err)
	}

	calls, err := callgraph.Build(o.st, o.c)
	if err != nil {
		return nil, err
	}

	res := &Result{RunID: uuid.NewString(), Mode: o.Mode()}
	run := store.RunRecord{RunID: res.RunID, StartedAt: start, Status: StatusRunning, Mode: res.Mode}

	if err := o.st.ResetFlows(); err != nil {
		return nil, err
	}
	if err := o.st.BeginRun(run); err != nil {
		return nil, err
	}
	o.logger.Info("propagation started",
		"run", res.RunID, "mode", res.Mode,
		"sources", len(sources), "sinks", len(sinks), "workers", o.opts.Workers)

	var pairs []pair
	for _, src := range sources {
		for _, snk := range sinks {
			pairs = append(pairs, pair{index: len(pairs), source: src, sink: snk})
		}
	}

	ip := flow.NewInterprocedural(o.st, o.c, calls, o.opts.Limits, o.opts.MemoSize)
	var tracer *dfg.Tracer
	if o.opts.FlowSensitive {
		tracer = dfg.NewTracer(dfg.NewStoreSource(o.st, o.c, o.opts.MemoSize), catalog.Sanitizers)
	}
	outcomes := make([]*outcome, len(pairs))

	eg, ctx := errgroup.WithContext(context.Background())
	eg.SetLimit(o.opts.Workers)

	exceeded := false
	for _, p := range pairs {
		if ctx.Err() != nil {
			break
		}
		if o.opts.Budget > 0 && o.opts.Now().Sub(start) > o.opts.Budget {
			exceeded = true
			o.logger.Warn("wall-clock budget exceeded",
				"budget", o.opts.Budget, "pairs_left", len(pairs)-p.index)
			break
		}
		p := p
		eg.Go(func() error {
			out, err := o.analyze(p, calls, ip, tracer)
			if err != nil {
				return fmt.Errorf("pair %s -> %s: %w", p.source.ep, p.sink.ep, err)
			}
			if err := o.st.InsertFlows(out.flows); err != nil {
				return err
			}
			outcomes[p.index] = out
			return nil
		})
	}
	runErr := eg.Wait()

	for i, out := range outcomes {
		if out == nil {
			continue
		}
		report := PairReport{Source: pairs[i].source.ep, Sink: pairs[i].sink.ep}
		if out.skipped != "" {
			report.Reason = out.skipped
			res.Skipped = append(res.Skipped, report)
			continue
		}
		res.Pairs++
		res.Flows = append(res.Flows, out.flows...)
		res.Cleared += out.cleared
		if out.truncated {
			report.Reason = "search limit reached"
			res.Truncated = append(res.Truncated, report)
		}
	}

	run.FinishedAt = o.opts.Now()
	run.Pairs = res.Pairs
	run.Flows = len(res.Flows)
	run.TruncatedPairs = len(res.Truncated)
	switch {
	case runErr != nil:
		run.Status = StatusFailed
	case exceeded:
		run.Status = StatusBudgetExceeded
		runErr = fmt.Errorf("%w: %d of %d pairs analyzed in %s",
			types.ErrBudgetExceeded, res.Pairs+len(res.Skipped), len(pairs), o.opts.Budget)
	default:
		run.Status = StatusCompleted
	}
	if err := o.st.FinishRun(run); err != nil {
		return res, errors.Join(runErr, err)
	}

	o.logger.Info("propagation finished",
		"run", res.RunID, "status", run.Status, "pairs", res.Pairs,
		"flows", len(res.Flows), "cleared", res.Cleared,
		"skipped", len(res.Skipped), "truncated", len(res.Truncated),
		"elapsed", run.FinishedAt.Sub(start))
	return res, runErr
}

func (o *Orchestrator) resolveAll(eps []types.Endpoint) ([]resolved, error) {
	out := make([]resolved, 0, len(eps))
	for _, ep := range eps {
		r, err := o.resolve(ep)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// analyze traces one pair. Endpoints in the same function use the path
// analyzer; other pairs use the interprocedural search, unless the call
// graph puts them farther apart than the hop ceiling.
func (o *Orchestrator) analyze(p pair, calls *callgraph.Graph, ip *flow.Interprocedural, tracer *dfg.Tracer) (*outcome, error) {
	src, snk := p.source, p.sink

	if src.function() == snk.function() {
		return o.analyzeLocal(p, tracer)
	}

	hops, ok := calls.Hops(src.function(), snk.function())
	if !ok {
		o.logger.Debug("pair skipped", "source", src.ep.String(), "sink", snk.ep.String(), "reason", "no call chain")
		return &outcome{skipped: "no call chain between functions"}, nil
	}
	if limit := o.opts.Limits.MaxHops; limit > 0 && hops > limit {
		o.logger.Debug("pair skipped", "source", src.ep.String(), "sink", snk.ep.String(), "hops", hops)
		return &outcome{skipped: fmt.Sprintf("functions are %d hops apart", hops)}, nil
	}

	r, err := ip.Analyze(src.endpoint(), snk.endpoint())
	if err != nil {
		return nil, err
	}
	out := &outcome{truncated: r.Truncated}
	for _, path := range r.Paths {
		if err := o.emit(out, tracer, src, snk, path.Steps, path.Conditions, path.Hops); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (o *Orchestrator) analyzeLocal(p pair, tracer *dfg.Tracer) (*outcome, error) {
	src, snk := p.source, p.sink
	a, err := flow.NewPathAnalyzer(o.st, o.c, src.file, src.fn)
	if err != nil {
		return nil, err
	}
	set, err := a.PathsBetweenBlocks(src.block.ID, snk.block.ID, cfg.PathLimits{
		MaxPaths:  o.opts.Limits.MaxPaths,
		MaxLength: o.opts.Limits.MaxPathLength,
	})
	if err != nil {
		return nil, err
	}
	out := &outcome{truncated: set.Truncated}
	for _, path := range set.Paths {
		if err := o.emit(out, tracer, src, snk, a.Steps(path), a.Conditions(path), 0); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// emit adds the flow of one path to out, unless the tracer shows that no
// tainted value reaches the sink along it.
func (o *Orchestrator) emit(out *outcome, tracer *dfg.Tracer, src, snk resolved, steps []types.PathStep, conds []string, hops int) error {
	var v dfg.Verdict
	if tracer != nil {
		var err error
		if v, err = tracer.Trace(steps, src.traced(), snk.traced()); err != nil {
			return err
		}
	}
	if !v.Vulnerable() {
		out.cleared++
		o.logger.Debug("path cleared", "source", src.ep.String(), "sink", snk.ep.String(),
			"blocks", len(steps), "sanitized", v.Sanitized)
		return nil
	}
	f := newFlow(src, snk, steps, conds, hops, out.truncated)
	f.FlowSensitive = v.Checked
	f.TaintedVars = v.Tainted
	out.flows = append(out.flows, f)
	return nil
}

func newFlow(src, snk resolved, steps []types.PathStep, conds []string, hops int, truncated bool) types.TaintFlow {
	return types.TaintFlow{
		SourceFile:        src.file,
		SourceLine:        src.ep.Line,
		SourcePattern:     src.ep.Pattern,
		SinkFile:          snk.file,
		SinkLine:          snk.ep.Line,
		SinkPattern:       snk.ep.Pattern,
		VulnerabilityType: types.ClassifyVulnerability(snk.ep.Category),
		PathLength:        len(steps),
		HopCount:          hops,
		PathSteps:         steps,
		Conditions:        conds,
		Truncated:         truncated,
	}
}
