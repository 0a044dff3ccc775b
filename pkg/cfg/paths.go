package cfg

import (
	"fmt"

	"github.com/yourbasic/graph"
)

// PathLimits bounds path enumeration. Zero values disable a limit.
type PathLimits struct {
	MaxPaths  int // stop after this many paths have been collected
	MaxLength int // maximum number of blocks in one path
}

// PathSet is the result of a path enumeration.
type PathSet struct {
	Paths [][]int64 `json:"paths"`
	// Truncated is set when a limit cut the enumeration short.
	Truncated bool `json:"truncated"`
}

// Adjacency maps a block id to its successors in edge insertion order.
// Parallel edges (e.g. a true and a false edge to the same block) collapse
// into one successor so every enumerated path is distinct.
type Adjacency map[int64][]int64

// BuildAdjacency builds successor lists from edges given in insertion order.
func BuildAdjacency(edges []Edge) Adjacency {
	adj := make(Adjacency)
	seen := make(map[[2]int64]struct{}, len(edges))
	for _, e := range edges {
		key := [2]int64{e.SourceID, e.TargetID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		adj[e.SourceID] = append(adj[e.SourceID], e.TargetID)
	}
	return adj
}

// ReachesTarget returns the set of blocks from which target is reachable,
// target included. It is used to prune dead branches during enumeration.
func (adj Adjacency) ReachesTarget(target int64) map[int64]bool {
	index := map[int64]int{target: 0}
	ids := []int64{target}
	id := func(b int64) int {
		if i, ok := index[b]; ok {
			return i
		}
		index[b] = len(ids)
		ids = append(ids, b)
		return index[b]
	}
	type arc struct{ from, to int }
	var arcs []arc
	for src, succ := range adj {
		for _, dst := range succ {
			// reversed: walk from target back to its predecessors
			arcs = append(arcs, arc{id(dst), id(src)})
		}
	}

	g := graph.New(len(ids))
	for _, a := range arcs {
		g.Add(a.from, a.to)
	}

	reach := map[int64]bool{target: true}
	graph.BFS(g, 0, func(_, w int, _ int64) {
		reach[ids[w]] = true
	})
	return reach
}

// EnumeratePaths lists acyclic paths from source to target by depth-first
// search. A block never repeats within one path, so a loop body is walked
// at most once per path. Successors are explored in edge insertion order,
// which makes the result deterministic for a given edge list.
func EnumeratePaths(adj Adjacency, source, target int64, limits PathLimits) PathSet {
	var result PathSet

	if source == target {
		result.Paths = [][]int64{{source}}
		return result
	}
	if limits.MaxLength == 1 {
		result.Truncated = true
		return result
	}

	reach := adj.ReachesTarget(target)
	if !reach[source] {
		return result
	}

	type frame struct {
		block int64
		next  int
	}
	stack := []frame{{block: source}}
	path := []int64{source}
	onPath := map[int64]bool{source: true}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succ := adj[top.block]
		if top.next >= len(succ) {
			delete(onPath, top.block)
			stack = stack[:len(stack)-1]
			path = path[:len(path)-1]
			continue
		}
		next := succ[top.next]
		top.next++

		if onPath[next] || !reach[next] {
			continue
		}

		if next == target {
			if limits.MaxLength > 0 && len(path)+1 > limits.MaxLength {
				result.Truncated = true
				continue
			}
			found := make([]int64, len(path)+1)
			copy(found, path)
			found[len(path)] = target
			result.Paths = append(result.Paths, found)
			if limits.MaxPaths > 0 && len(result.Paths) >= limits.MaxPaths {
				result.Truncated = true
				return result
			}
			continue
		}

		// the shortest path through next still needs the target after it
		if limits.MaxLength > 0 && len(path)+2 > limits.MaxLength {
			result.Truncated = true
			continue
		}

		stack = append(stack, frame{block: next})
		path = append(path, next)
		onPath[next] = true
	}

	return result
}

// Condition is a branch decision taken along a path.
type Condition struct {
	BlockID int64    `json:"block"`
	Line    int      `json:"line"`
	Edge    EdgeType `json:"type"`
	Text    string   `json:"condition"`
}

// Conditions returns the branch conditions a path commits to, e.g.
// "if (x)" when the path follows the true edge of a condition block.
func Conditions(g *CFG, path []int64) []Condition {
	if g == nil || len(path) < 2 {
		return nil
	}
	edgeType := make(map[[2]int64]EdgeType, len(g.Edges))
	for _, e := range g.Edges {
		key := [2]int64{e.SourceID, e.TargetID}
		if _, ok := edgeType[key]; !ok {
			edgeType[key] = e.Type
		}
	}

	var conds []Condition
	for i := 0; i < len(path)-1; i++ {
		b, ok := g.Block(path[i])
		if !ok || b.Condition == "" {
			continue
		}
		et := edgeType[[2]int64{path[i], path[i+1]}]
		var text string
		switch b.Type {
		case BlockTypeCondition:
			switch et {
			case EdgeTypeTrue:
				text = fmt.Sprintf("if (%s)", b.Condition)
			case EdgeTypeFalse:
				text = fmt.Sprintf("if not (%s)", b.Condition)
			default:
				text = fmt.Sprintf("when (%s)", b.Condition)
			}
		case BlockTypeLoopCondition:
			if et == EdgeTypeTrue {
				text = fmt.Sprintf("while (%s)", b.Condition)
			} else {
				text = fmt.Sprintf("exit loop (%s)", b.Condition)
			}
		default:
			continue
		}
		conds = append(conds, Condition{BlockID: b.ID, Line: b.StartLine, Edge: et, Text: text})
	}
	return conds
}
