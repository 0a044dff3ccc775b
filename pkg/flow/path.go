// Package flow implements the flow-sensitive analyzers: per-function path
// enumeration and its interprocedural extension across call sites.
package flow

import (
	"github.com/l3aro/go-taint-flow/pkg/cache"
	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"github.com/l3aro/go-taint-flow/pkg/query"
	"github.com/l3aro/go-taint-flow/pkg/store"
	"github.com/l3aro/go-taint-flow/pkg/types"
)

// PathAnalyzer answers line and path queries within one function.
type PathAnalyzer struct {
	graph *cfg.CFG
	adj   cfg.Adjacency
}

// NewPathAnalyzer materializes the CFG of function through the cache or
// the store. Qualified names such as "Service.method" resolve to the
// stored unqualified name.
func NewPathAnalyzer(st *store.Store, c *cache.Cache, file, function string) (*PathAnalyzer, error) {
	g, err := query.CFGForFunction(st, c, file, function)
	if err != nil {
		return nil, err
	}
	return newPathAnalyzer(g), nil
}

func newPathAnalyzer(g *cfg.CFG) *PathAnalyzer {
	return &PathAnalyzer{graph: g, adj: cfg.BuildAdjacency(g.Edges)}
}

// CFG returns the analyzed graph.
func (a *PathAnalyzer) CFG() *cfg.CFG {
	return a.graph
}

// BlockForLine returns the block whose inclusive range contains line.
func (a *PathAnalyzer) BlockForLine(line int) (cfg.Block, bool) {
	for _, b := range a.graph.Blocks {
		if b.Contains(line) {
			return b, true
		}
	}
	return cfg.Block{}, false
}

// PathsBetweenBlocks enumerates acyclic paths from source to target. Both
// blocks must belong to the function.
func (a *PathAnalyzer) PathsBetweenBlocks(source, target int64, limits cfg.PathLimits) (cfg.PathSet, error) {
	for _, id := range []int64{source, target} {
		if _, ok := a.graph.Block(id); !ok {
			return cfg.PathSet{}, &types.MissingDataError{
				Relation: store.RelationBlocks,
				File:     a.graph.File,
				Function: a.graph.Function,
				BlockID:  id,
			}
		}
	}
	return cfg.EnumeratePaths(a.adj, source, target, limits), nil
}

// Conditions returns the branch conditions path commits to, rendered as
// text ("if (x)", "if not (x)", "while (x)").
func (a *PathAnalyzer) Conditions(path []int64) []string {
	conds := cfg.Conditions(a.graph, path)
	if len(conds) == 0 {
		return nil
	}
	out := make([]string, len(conds))
	for i, c := range conds {
		out[i] = c.Text
	}
	return out
}

// Steps converts a block path into flow steps.
func (a *PathAnalyzer) Steps(path []int64) []types.PathStep {
	steps := make([]types.PathStep, len(path))
	for i, id := range path {
		steps[i] = types.PathStep{File: a.graph.File, Function: a.graph.Function, BlockID: id, Kind: types.StepBlock}
	}
	return steps
}
