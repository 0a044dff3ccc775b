// Package cfg defines data structures for representing Control Flow Graphs (CFGs)
// as persisted by the extraction pipeline: blocks, edges and block statements.
package cfg

import (
	"sort"
	"strings"
)

// BlockType represents the type of a CFG block.
type BlockType string

const (
	BlockTypeEntry         BlockType = "entry"          // Function entry point
	BlockTypeCondition     BlockType = "condition"      // Conditional branch (if/elif/else)
	BlockTypeLoopCondition BlockType = "loop_condition" // Loop header (for/while)
	BlockTypeBasic         BlockType = "basic"          // Regular statements
	BlockTypeCall          BlockType = "call"           // Block ending in a call
	BlockTypeReturn        BlockType = "return"         // Return statement
	BlockTypeExit          BlockType = "exit"           // Function exit point
)

// EdgeType represents the type of a CFG edge.
type EdgeType string

const (
	EdgeTypeNormal    EdgeType = "normal"    // Unconditional jump
	EdgeTypeTrue      EdgeType = "true"      // True branch of conditional
	EdgeTypeFalse     EdgeType = "false"     // False branch of conditional
	EdgeTypeBackEdge  EdgeType = "back_edge" // Back edge (loop continuation)
	EdgeTypeException EdgeType = "exception" // Exceptional control transfer
	EdgeTypeBreak     EdgeType = "break"     // Break from loop/switch
	EdgeTypeContinue  EdgeType = "continue"  // Continue to next iteration
)

// StatementKind tags which producer-specific columns of a Statement are populated.
type StatementKind string

const (
	StatementCall      StatementKind = "call"
	StatementAssign    StatementKind = "assign"
	StatementReturn    StatementKind = "return"
	StatementCondition StatementKind = "condition"
	StatementOther     StatementKind = "other"
)

// Block represents a basic block in the Control Flow Graph.
// Within one function, block line ranges never overlap.
type Block struct {
	ID        int64     `json:"id" msgpack:"id"`
	File      string    `json:"file" msgpack:"file"`
	Function  string    `json:"function" msgpack:"function"`
	Type      BlockType `json:"type" msgpack:"type"`
	StartLine int       `json:"start_line" msgpack:"start_line"`
	EndLine   int       `json:"end_line" msgpack:"end_line"`
	Condition string    `json:"condition,omitempty" msgpack:"condition,omitempty"`
}

// Contains reports whether line falls inside the inclusive range of the block.
func (b Block) Contains(line int) bool {
	return line >= b.StartLine && line <= b.EndLine
}

// Edge represents a directed edge between two CFG blocks of the same file.
// Seq is the insertion order of the edge and is the enumeration tie-break.
type Edge struct {
	Seq      int64    `json:"seq" msgpack:"seq"`
	File     string   `json:"file" msgpack:"file"`
	Function string   `json:"function,omitempty" msgpack:"function,omitempty"`
	SourceID int64    `json:"source_id" msgpack:"source_id"`
	TargetID int64    `json:"target_id" msgpack:"target_id"`
	Type     EdgeType `json:"edge_type" msgpack:"edge_type"`
}

// Statement is one statement of a block. It is a sparse record: the nullable
// fields are only set by the producers that know them (calls carry a callee,
// assignments carry a target and source expression).
type Statement struct {
	BlockID        int64         `json:"block_id" msgpack:"block_id"`
	Ordinal        int           `json:"ordinal" msgpack:"ordinal"`
	Kind           StatementKind `json:"kind" msgpack:"kind"`
	Line           int           `json:"line" msgpack:"line"`
	Text           string        `json:"text,omitempty" msgpack:"text,omitempty"`
	CalleeFile     *string       `json:"callee_file,omitempty" msgpack:"callee_file,omitempty"`
	CalleeFunction *string       `json:"callee_function,omitempty" msgpack:"callee_function,omitempty"`
	TargetVar      *string       `json:"target_var,omitempty" msgpack:"target_var,omitempty"`
	SourceExpr     *string       `json:"source_expr,omitempty" msgpack:"source_expr,omitempty"`
}

// IsCallSite reports whether the statement is a call with a known callee.
func (s Statement) IsCallSite() bool {
	return s.Kind == StatementCall && s.CalleeFunction != nil && *s.CalleeFunction != ""
}

// CallSite is a call statement resolved to its caller and callee functions.
type CallSite struct {
	File           string `json:"file" msgpack:"file"`
	Function       string `json:"function" msgpack:"function"`
	BlockID        int64  `json:"block_id" msgpack:"block_id"`
	Line           int    `json:"line" msgpack:"line"`
	Ordinal        int    `json:"ordinal" msgpack:"ordinal"`
	StartLine      int    `json:"-" msgpack:"-"`
	CalleeFile     string `json:"callee_file" msgpack:"callee_file"`
	CalleeFunction string `json:"callee_function" msgpack:"callee_function"`
}

// CFG is the materialized control flow graph of one function.
type CFG struct {
	File     string  `json:"file"`
	Function string  `json:"function"`
	Blocks   []Block `json:"blocks"` // ordered by start line, then id
	Edges    []Edge  `json:"edges"`  // insertion order, both endpoints in Blocks
}

// Block returns the block with the given id.
func (g *CFG) Block(id int64) (Block, bool) {
	for _, b := range g.Blocks {
		if b.ID == id {
			return b, true
		}
	}
	return Block{}, false
}

// Entry returns the entry block: the block typed entry, otherwise the
// block with the lowest start line.
func (g *CFG) Entry() (Block, bool) {
	if len(g.Blocks) == 0 {
		return Block{}, false
	}
	for _, b := range g.Blocks {
		if b.Type == BlockTypeEntry {
			return b, true
		}
	}
	return g.Blocks[0], true
}

// Exits returns the blocks where control leaves the function: exit and
// return blocks, and any block without an outgoing edge.
func (g *CFG) Exits() []Block {
	hasOut := make(map[int64]bool, len(g.Blocks))
	for _, e := range g.Edges {
		hasOut[e.SourceID] = true
	}
	var exits []Block
	for _, b := range g.Blocks {
		if b.Type == BlockTypeExit || b.Type == BlockTypeReturn || !hasOut[b.ID] {
			exits = append(exits, b)
		}
	}
	return exits
}

// NormalizePath converts Windows separators so file keys compare equal
// regardless of the platform that produced them.
func NormalizePath(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// NormalizeFunction strips an object or class qualifier: the extraction
// pipeline stores "createAccount" for "accountService.createAccount".
func NormalizeFunction(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// SortBlocks orders blocks by start line, then id.
func SortBlocks(blocks []Block) {
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].StartLine != blocks[j].StartLine {
			return blocks[i].StartLine < blocks[j].StartLine
		}
		return blocks[i].ID < blocks[j].ID
	})
}

// FunctionEdges keeps only the edges whose endpoints both belong to blocks.
func FunctionEdges(blocks []Block, edges []Edge) []Edge {
	ids := make(map[int64]struct{}, len(blocks))
	for _, b := range blocks {
		ids[b.ID] = struct{}{}
	}
	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		_, src := ids[e.SourceID]
		_, dst := ids[e.TargetID]
		if src && dst {
			out = append(out, e)
		}
	}
	return out
}

// Innermost returns the block containing line with the greatest start
// line, then the smallest end line, then the lowest id. It resolves a line
// when the owning function is unknown and ranges of nested functions
// overlap.
func Innermost(blocks []Block, line int) (Block, bool) {
	var best Block
	found := false
	for _, b := range blocks {
		if !b.Contains(line) {
			continue
		}
		if !found || b.StartLine > best.StartLine ||
			(b.StartLine == best.StartLine && (b.EndLine < best.EndLine ||
				(b.EndLine == best.EndLine && b.ID < best.ID))) {
			best = b
			found = true
		}
	}
	return best, found
}
