// Package callgraph builds the project call graph from the call-site
// statements of the control flow store. The analyzers use it to decide
// which (source, sink) pairs are in reach of each other and whether
// descending into a callee can lead to the sink.
package callgraph

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/l3aro/go-taint-flow/pkg/cache"
	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"github.com/l3aro/go-taint-flow/pkg/query"
	"github.com/l3aro/go-taint-flow/pkg/store"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Function identifies a function by normalized file and name.
type Function struct {
	File string `json:"file"`
	Name string `json:"function"`
}

func (f Function) String() string {
	return f.File + ":" + f.Name
}

// Graph is a directed call graph. Node ids are assigned in first-seen
// order of the sorted call sites, so they are stable for a given store.
type Graph struct {
	directed *simple.DirectedGraph
	ids      map[Function]int64
	funcs    []Function
	self     map[int64]bool // functions calling themselves directly
	sites    map[Function][]cfg.CallSite

	mu         sync.Mutex
	directedSP map[int64]path.Shortest
	mixedSP    map[int64]path.Shortest
}

// New builds a graph from call sites.
func New(sites []cfg.CallSite) *Graph {
	g := &Graph{
		directed:   simple.NewDirectedGraph(),
		ids:        make(map[Function]int64),
		self:       make(map[int64]bool),
		sites:      make(map[Function][]cfg.CallSite),
		directedSP: make(map[int64]path.Shortest),
		mixedSP:    make(map[int64]path.Shortest),
	}
	for _, s := range sites {
		caller := g.node(Function{File: s.File, Name: s.Function})
		callee := g.node(Function{File: s.CalleeFile, Name: s.CalleeFunction})
		key := g.funcs[caller]
		g.sites[key] = append(g.sites[key], s)
		if caller == callee {
			// simple graphs reject self edges
			g.self[caller] = true
			continue
		}
		if !g.directed.HasEdgeFromTo(caller, callee) {
			g.directed.SetEdge(g.directed.NewEdge(simple.Node(caller), simple.Node(callee)))
		}
	}
	return g
}

// Build loads every call site through the cache or the store.
func Build(st *store.Store, c *cache.Cache) (*Graph, error) {
	sites, err := query.AllCallSites(st, c)
	if err != nil {
		return nil, fmt.Errorf("building call graph: %w", err)
	}
	return New(sites), nil
}

func (g *Graph) node(f Function) int64 {
	f.File = cfg.NormalizePath(f.File)
	if id, ok := g.ids[f]; ok {
		return id
	}
	id := int64(len(g.funcs))
	g.ids[f] = id
	g.funcs = append(g.funcs, f)
	g.directed.AddNode(simple.Node(id))
	return id
}

func (g *Graph) id(f Function) (int64, bool) {
	f.File = cfg.NormalizePath(f.File)
	id, ok := g.ids[f]
	return id, ok
}

// Len returns the number of functions in the graph.
func (g *Graph) Len() int {
	return len(g.funcs)
}

// Functions returns every function in node id order.
func (g *Graph) Functions() []Function {
	out := make([]Function, len(g.funcs))
	copy(out, g.funcs)
	return out
}

// CallSites returns the call sites inside f.
func (g *Graph) CallSites(f Function) []cfg.CallSite {
	f.File = cfg.NormalizePath(f.File)
	return g.sites[f]
}

// Callees returns the functions f calls directly, sorted.
func (g *Graph) Callees(f Function) []Function {
	id, ok := g.id(f)
	if !ok {
		return nil
	}
	out := g.collect(g.directed.From(id))
	if g.self[id] {
		out = append(out, g.funcs[id])
	}
	sortFunctions(out)
	return out
}

// Callers returns the functions calling f directly, sorted.
func (g *Graph) Callers(f Function) []Function {
	id, ok := g.id(f)
	if !ok {
		return nil
	}
	out := g.collect(g.directed.To(id))
	if g.self[id] {
		out = append(out, g.funcs[id])
	}
	sortFunctions(out)
	return out
}

func (g *Graph) collect(nodes graph.Nodes) []Function {
	var out []Function
	for nodes.Next() {
		out = append(out, g.funcs[nodes.Node().ID()])
	}
	return out
}

func (g *Graph) shortest(memo map[int64]path.Shortest, from int64, gr graph.Graph) path.Shortest {
	g.mu.Lock()
	defer g.mu.Unlock()
	sp, ok := memo[from]
	if !ok {
		sp = path.DijkstraFrom(simple.Node(from), gr)
		memo[from] = sp
	}
	return sp
}

// Distance returns the number of calls on the shortest call chain from
// one function to another. A function is at distance 0 from itself.
func (g *Graph) Distance(from, to Function) (int, bool) {
	if from == to {
		return 0, true
	}
	fid, ok := g.id(from)
	if !ok {
		return 0, false
	}
	tid, ok := g.id(to)
	if !ok {
		return 0, false
	}
	w := g.shortest(g.directedSP, fid, g.directed).WeightTo(tid)
	if math.IsInf(w, 1) {
		return 0, false
	}
	return int(w), true
}

// Reaches reports whether a call chain leads from one function to another.
func (g *Graph) Reaches(from, to Function) bool {
	_, ok := g.Distance(from, to)
	return ok
}

// Hops returns the shortest distance between two functions when calls may
// be followed in either direction: down into callees or back up to
// callers. A flow that returns from the source function to a caller and
// then descends into the sink function spans that many hops.
func (g *Graph) Hops(a, b Function) (int, bool) {
	if a == b {
		return 0, true
	}
	aid, ok := g.id(a)
	if !ok {
		return 0, false
	}
	bid, ok := g.id(b)
	if !ok {
		return 0, false
	}
	w := g.shortest(g.mixedSP, aid, graph.Undirect{G: g.directed}).WeightTo(bid)
	if math.IsInf(w, 1) {
		return 0, false
	}
	return int(w), true
}

// Recursive returns the groups of mutually recursive functions, including
// functions calling themselves.
func (g *Graph) Recursive() [][]Function {
	var groups [][]Function
	for _, scc := range topo.TarjanSCC(g.directed) {
		if len(scc) == 1 && !g.self[scc[0].ID()] {
			continue
		}
		group := make([]Function, 0, len(scc))
		for _, n := range scc {
			group = append(group, g.funcs[n.ID()])
		}
		sortFunctions(group)
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return less(groups[i][0], groups[j][0]) })
	return groups
}

func less(a, b Function) bool {
	if a.File != b.File {
		return a.File < b.File
	}
	return a.Name < b.Name
}

func sortFunctions(fs []Function) {
	sort.Slice(fs, func(i, j int) bool { return less(fs[i], fs[j]) })
}
