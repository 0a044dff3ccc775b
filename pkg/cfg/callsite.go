package cfg

import "sort"

// NewCallSite resolves a call statement of block into a CallSite. The
// callee file defaults to the caller's file and the callee name is
// normalized the same way block function names are.
func NewCallSite(block Block, stmt Statement) (CallSite, bool) {
	if !stmt.IsCallSite() {
		return CallSite{}, false
	}
	calleeFile := block.File
	if stmt.CalleeFile != nil && *stmt.CalleeFile != "" {
		calleeFile = NormalizePath(*stmt.CalleeFile)
	}
	return CallSite{
		File:           block.File,
		Function:       block.Function,
		BlockID:        block.ID,
		Line:           stmt.Line,
		Ordinal:        stmt.Ordinal,
		StartLine:      block.StartLine,
		CalleeFile:     calleeFile,
		CalleeFunction: NormalizeFunction(*stmt.CalleeFunction),
	}, true
}

// SortCallSites orders call sites by file, block position and statement
// ordinal, the order both the store and the cache report them in.
func SortCallSites(sites []CallSite) {
	sort.SliceStable(sites, func(i, j int) bool {
		a, b := sites[i], sites[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.StartLine != b.StartLine {
			return a.StartLine < b.StartLine
		}
		if a.BlockID != b.BlockID {
			return a.BlockID < b.BlockID
		}
		return a.Ordinal < b.Ordinal
	})
}
