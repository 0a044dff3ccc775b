package dfg

import (
	"container/list"

	"github.com/l3aro/go-taint-flow/pkg/cfg"
)

// maxPasses bounds how often one block is revisited before a fixed point
// computation gives up and widens.
const maxPasses = 100

// StatementFunc returns the statements of a block in ordinal order.
type StatementFunc func(blockID int64) ([]cfg.Statement, error)

// ReachingTaint computes the taint state entering every block of region,
// a subset of g's blocks, by work-list iteration:
//
//	in[b]  = seed (at entry) merged with out[p] for each predecessor p in region
//	out[b] = in[b] with the statements of b applied
//
// Successors are revisited while an out state keeps changing. The second
// result is false when maxPasses stopped the iteration first.
func ReachingTaint(g *cfg.CFG, region map[int64]bool, entry int64, seed *State, stmts StatementFunc, sanitizers Sanitizers) (map[int64]*State, bool, error) {
	preds := make(map[int64][]int64)
	succs := make(map[int64][]int64)
	for _, e := range g.Edges {
		if region[e.SourceID] && region[e.TargetID] {
			preds[e.TargetID] = append(preds[e.TargetID], e.SourceID)
			succs[e.SourceID] = append(succs[e.SourceID], e.TargetID)
		}
	}

	in := make(map[int64]*State)
	out := make(map[int64]*State)
	visits := make(map[int64]int)
	queued := map[int64]bool{entry: true}

	worklist := list.New()
	worklist.PushBack(entry)

	for worklist.Len() > 0 {
		id := worklist.Remove(worklist.Front()).(int64)
		queued[id] = false

		visits[id]++
		if visits[id] > maxPasses {
			return in, false, nil
		}

		state := NewState()
		if id == entry {
			state = seed.Clone()
		}
		for _, p := range preds[id] {
			if o, ok := out[p]; ok {
				state = state.Merge(o)
			}
		}
		in[id] = state

		block, err := stmts(id)
		if err != nil {
			return nil, false, err
		}
		next := state.Clone()
		Transfer(next, block, sanitizers)

		if old, ok := out[id]; ok && old.Equal(next) {
			continue
		}
		out[id] = next
		for _, s := range succs[id] {
			if !queued[s] {
				queued[s] = true
				worklist.PushBack(s)
			}
		}
	}
	return in, true, nil
}

// LoopBody returns the blocks of the loop headed by header: the blocks
// reached from its true edges that lead back to it without passing
// through it. A header without true edges uses all of its successors.
func LoopBody(g *cfg.CFG, header int64) map[int64]bool {
	succs := make(map[int64][]int64)
	preds := make(map[int64][]int64)
	var starts []int64
	for _, e := range g.Edges {
		succs[e.SourceID] = append(succs[e.SourceID], e.TargetID)
		preds[e.TargetID] = append(preds[e.TargetID], e.SourceID)
		if e.SourceID == header && e.Type == cfg.EdgeTypeTrue {
			starts = append(starts, e.TargetID)
		}
	}
	if len(starts) == 0 {
		starts = succs[header]
	}

	walk := func(from []int64, next map[int64][]int64) map[int64]bool {
		seen := make(map[int64]bool)
		stack := append([]int64(nil), from...)
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if id == header || seen[id] {
				continue
			}
			seen[id] = true
			stack = append(stack, next[id]...)
		}
		return seen
	}

	forward := walk(starts, succs)
	backward := walk(preds[header], preds)
	body := make(map[int64]bool)
	for id := range forward {
		if backward[id] {
			body[id] = true
		}
	}
	return body
}

// LoopState returns the state entering header after any number of trips
// around its body, starting from state. When the iteration does not settle
// every variable assigned in the body is tainted.
func LoopState(g *cfg.CFG, header int64, state *State, stmts StatementFunc, sanitizers Sanitizers) (*State, error) {
	body := LoopBody(g, header)
	if len(body) == 0 {
		return state, nil
	}
	region := map[int64]bool{header: true}
	for id := range body {
		region[id] = true
	}

	in, converged, err := ReachingTaint(g, region, header, state, stmts, sanitizers)
	if err != nil {
		return nil, err
	}
	result, ok := in[header]
	if !ok {
		result = state.Clone()
	}
	if converged {
		return result, nil
	}

	for id := range body {
		block, err := stmts(id)
		if err != nil {
			return nil, err
		}
		for _, s := range block {
			if s.TargetVar != nil && *s.TargetVar != "" {
				result.Taint(*s.TargetVar)
			}
		}
	}
	return result, nil
}
