// Package query implements the control flow lookups shared by the
// analyzers. Every lookup takes an optional *cache.Cache: a loaded cache
// answers from memory, a nil cache or a miss issues the equivalent store
// query. Both routes return identical results for identical inputs.
package query

import (
	"github.com/l3aro/go-taint-flow/pkg/cache"
	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"github.com/l3aro/go-taint-flow/pkg/store"
	"github.com/l3aro/go-taint-flow/pkg/types"
)

// candidates lists the names a function may be stored under: the name as
// given, then the name without its object or class qualifier.
func candidates(function string) []string {
	if n := cfg.NormalizeFunction(function); n != function {
		return []string{function, n}
	}
	return []string{function}
}

// BlockForLine returns the block of function containing line. With an empty
// function the file-only index resolves the innermost block of the file.
func BlockForLine(st *store.Store, c *cache.Cache, file, function string, line int) (cfg.Block, bool, error) {
	if function == "" {
		if blocks, ok := c.FileBlocks(file); ok {
			b, found := cfg.Innermost(blocks, line)
			return b, found, nil
		}
		return st.BlockForLine(file, "", line)
	}

	for _, name := range candidates(function) {
		if blocks, ok := c.FunctionBlocks(file, name); ok {
			for _, b := range blocks {
				if b.Contains(line) {
					return b, true, nil
				}
			}
			continue
		}
		b, found, err := st.BlockForLine(file, name, line)
		if err != nil {
			return cfg.Block{}, false, err
		}
		if found {
			return b, true, nil
		}
	}
	return cfg.Block{}, false, nil
}

// Block returns a block by id.
func Block(st *store.Store, c *cache.Cache, id int64) (cfg.Block, bool, error) {
	if b, ok := c.Block(id); ok {
		return b, true, nil
	}
	return st.BlockByID(id)
}

// FileEdges returns the edges of file in insertion order.
func FileEdges(st *store.Store, c *cache.Cache, file string) ([]cfg.Edge, error) {
	if edges, ok := c.FileEdges(file); ok {
		return edges, nil
	}
	return st.EdgesForFile(file)
}

// PathsBetweenBlocks enumerates acyclic paths from source to target over
// the edges of file. Both blocks must exist in file.
func PathsBetweenBlocks(st *store.Store, c *cache.Cache, file string, source, target int64, limits cfg.PathLimits) (cfg.PathSet, error) {
	file = cfg.NormalizePath(file)
	for _, id := range []int64{source, target} {
		b, found, err := Block(st, c, id)
		if err != nil {
			return cfg.PathSet{}, err
		}
		if !found || b.File != file {
			return cfg.PathSet{}, &types.MissingDataError{Relation: store.RelationBlocks, File: file, BlockID: id}
		}
	}

	edges, err := FileEdges(st, c, file)
	if err != nil {
		return cfg.PathSet{}, err
	}
	return cfg.EnumeratePaths(cfg.BuildAdjacency(edges), source, target, limits), nil
}

// BlockStatements returns the statements of a block in ordinal order. A
// block without statements yields an empty slice; an unknown block fails
// with a MissingDataError.
func BlockStatements(st *store.Store, c *cache.Cache, blockID int64) ([]cfg.Statement, error) {
	if stmts, ok := c.Statements(blockID); ok {
		return stmts, nil
	}
	stmts, err := st.StatementsForBlock(blockID)
	if err != nil || len(stmts) > 0 {
		return stmts, err
	}
	if _, found, err := Block(st, c, blockID); err != nil {
		return nil, err
	} else if !found {
		return nil, &types.MissingDataError{Relation: store.RelationBlocks, BlockID: blockID}
	}
	return stmts, nil
}

// functionBlocks returns the blocks of the first candidate name that has
// any, together with that name.
func functionBlocks(st *store.Store, c *cache.Cache, file, function string) ([]cfg.Block, string, error) {
	for _, name := range candidates(function) {
		if blocks, ok := c.FunctionBlocks(file, name); ok {
			return blocks, name, nil
		}
		blocks, err := st.BlocksForFunction(file, name)
		if err != nil {
			return nil, "", err
		}
		if len(blocks) > 0 {
			return blocks, name, nil
		}
	}
	return nil, "", nil
}

// CFGForFunction materializes the control flow graph of a function. It
// fails with a MissingDataError when the function has no blocks.
func CFGForFunction(st *store.Store, c *cache.Cache, file, function string) (*cfg.CFG, error) {
	file = cfg.NormalizePath(file)
	blocks, name, err := functionBlocks(st, c, file, function)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, types.Missing(store.RelationBlocks, file, function)
	}
	edges, err := FileEdges(st, c, file)
	if err != nil {
		return nil, err
	}
	return &cfg.CFG{
		File:     file,
		Function: name,
		Blocks:   blocks,
		Edges:    cfg.FunctionEdges(blocks, edges),
	}, nil
}

// ResolveFunction returns the stored name of function in file, or false
// when neither the name nor its unqualified form has blocks.
func ResolveFunction(st *store.Store, c *cache.Cache, file, function string) (string, bool, error) {
	blocks, name, err := functionBlocks(st, c, file, function)
	if err != nil || len(blocks) == 0 {
		return "", false, err
	}
	return name, true, nil
}

// HasFile reports whether file has any block.
func HasFile(st *store.Store, c *cache.Cache, file string) (bool, error) {
	if _, ok := c.FileBlocks(file); ok {
		return true, nil
	}
	return st.HasFile(file)
}

// CallSites returns the call sites inside a function.
func CallSites(st *store.Store, c *cache.Cache, file, function string) ([]cfg.CallSite, error) {
	if sites, ok := c.CallSites(file, function); ok {
		return sites, nil
	}
	return st.CallSitesForFunction(file, function)
}

// Callers returns the call sites whose callee is the given function.
func Callers(st *store.Store, c *cache.Cache, file, function string) ([]cfg.CallSite, error) {
	if sites, ok := c.Callers(file, function); ok {
		return sites, nil
	}
	return st.CallersOf(file, function)
}

// AllCallSites returns every call site.
func AllCallSites(st *store.Store, c *cache.Cache) ([]cfg.CallSite, error) {
	if sites, ok := c.AllCallSites(); ok {
		return sites, nil
	}
	return st.AllCallSites()
}
