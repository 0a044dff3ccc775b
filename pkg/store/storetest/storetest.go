// Package storetest builds throwaway SQLite stores for tests.
package storetest

import (
	"path/filepath"
	"testing"

	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"github.com/l3aro/go-taint-flow/pkg/store"
	"github.com/stretchr/testify/require"
)

// Open creates a database in t.TempDir(), loads snap into it and closes it
// when the test ends.
func Open(t testing.TB, snap store.Snapshot) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "repo_index.db"), store.Options{Create: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Import(snap))
	return st
}

// Block builds a block row.
func Block(id int64, file, function string, typ cfg.BlockType, start, end int) cfg.Block {
	return cfg.Block{ID: id, File: file, Function: function, Type: typ, StartLine: start, EndLine: end}
}

// Cond builds a condition block row.
func Cond(id int64, file, function string, typ cfg.BlockType, start, end int, expr string) cfg.Block {
	b := Block(id, file, function, typ, start, end)
	b.Condition = expr
	return b
}

// Edge builds a normal edge row.
func Edge(file string, src, dst int64) cfg.Edge {
	return cfg.Edge{File: file, SourceID: src, TargetID: dst, Type: cfg.EdgeTypeNormal}
}

// TypedEdge builds an edge row with an explicit type.
func TypedEdge(file string, src, dst int64, typ cfg.EdgeType) cfg.Edge {
	return cfg.Edge{File: file, SourceID: src, TargetID: dst, Type: typ}
}

// Call builds a call statement. An empty calleeFile leaves the column NULL.
func Call(blockID int64, ordinal, line int, calleeFile, callee string) cfg.Statement {
	s := cfg.Statement{
		BlockID:        blockID,
		Ordinal:        ordinal,
		Kind:           cfg.StatementCall,
		Line:           line,
		Text:           callee + "()",
		CalleeFunction: &callee,
	}
	if calleeFile != "" {
		s.CalleeFile = &calleeFile
	}
	return s
}

// Assign builds an assignment statement.
func Assign(blockID int64, ordinal, line int, target, source string) cfg.Statement {
	return cfg.Statement{
		BlockID:    blockID,
		Ordinal:    ordinal,
		Kind:       cfg.StatementAssign,
		Line:       line,
		Text:       target + " = " + source,
		TargetVar:  &target,
		SourceExpr: &source,
	}
}

// CallArgs builds a call statement passing args. A non-empty target
// receives the result.
func CallArgs(blockID int64, ordinal, line int, target, callee, args string) cfg.Statement {
	s := cfg.Statement{
		BlockID:        blockID,
		Ordinal:        ordinal,
		Kind:           cfg.StatementCall,
		Line:           line,
		Text:           callee + "(" + args + ")",
		CalleeFunction: &callee,
	}
	if target != "" {
		s.Text = target + " = " + s.Text
		s.TargetVar = &target
	}
	return s
}

// Return builds a return statement.
func Return(blockID int64, ordinal, line int, expr string) cfg.Statement {
	return cfg.Statement{
		BlockID: blockID,
		Ordinal: ordinal,
		Kind:    cfg.StatementReturn,
		Line:    line,
		Text:    "return " + expr,
	}
}

// LinearFile is the file of Linear.
const LinearFile = "src/app.py"

// Linear is function f with B1(1-5) -> B2(6-10) -> B3(11-15).
func Linear() store.Snapshot {
	return store.Snapshot{
		Blocks: []cfg.Block{
			Block(1, LinearFile, "f", cfg.BlockTypeEntry, 1, 5),
			Block(2, LinearFile, "f", cfg.BlockTypeBasic, 6, 10),
			Block(3, LinearFile, "f", cfg.BlockTypeExit, 11, 15),
		},
		Edges: []cfg.Edge{
			Edge(LinearFile, 1, 2),
			Edge(LinearFile, 2, 3),
		},
		Statements: []cfg.Statement{
			Assign(1, 0, 2, "data", "request.args"),
			Assign(2, 0, 7, "q", "data"),
		},
	}
}

// CallFile is the file of Interprocedural.
const CallFile = "src/service.py"

// Interprocedural is f calling g from its second block:
//
//	f: B1(1-5) -> B2(6-10, calls g at line 7) -> B3(11-15)
//	g: B4(20-22) -> B5(23-25) -> B6(26-28)
func Interprocedural() store.Snapshot {
	return store.Snapshot{
		Blocks: []cfg.Block{
			Block(1, CallFile, "f", cfg.BlockTypeEntry, 1, 5),
			Block(2, CallFile, "f", cfg.BlockTypeCall, 6, 10),
			Block(3, CallFile, "f", cfg.BlockTypeExit, 11, 15),
			Block(4, CallFile, "g", cfg.BlockTypeEntry, 20, 22),
			Block(5, CallFile, "g", cfg.BlockTypeBasic, 23, 25),
			Block(6, CallFile, "g", cfg.BlockTypeExit, 26, 28),
		},
		Edges: []cfg.Edge{
			Edge(CallFile, 1, 2),
			Edge(CallFile, 2, 3),
			Edge(CallFile, 4, 5),
			Edge(CallFile, 5, 6),
		},
		Statements: []cfg.Statement{
			Assign(1, 0, 2, "data", "request.form"),
			Call(2, 0, 7, "", "self.g"),
			Assign(5, 0, 24, "sql", "data"),
		},
	}
}

// BranchFile is the file of Branching.
const BranchFile = "src\\handlers\\views.py"

// Branching is a function with a diamond followed by a loop:
//
//	B10 entry -> B11 cond(x) -true-> B12 -> B14
//	                         -false-> B13 -> B14
//	B14 loop(i) -true-> B15 -back-> B14
//	            -false-> B16 exit
//
// The file name uses Windows separators to exercise normalization.
func Branching() store.Snapshot {
	const fn = "handle"
	return store.Snapshot{
		Blocks: []cfg.Block{
			Block(10, BranchFile, fn, cfg.BlockTypeEntry, 1, 2),
			Cond(11, BranchFile, fn, cfg.BlockTypeCondition, 3, 3, "x"),
			Block(12, BranchFile, fn, cfg.BlockTypeBasic, 4, 5),
			Block(13, BranchFile, fn, cfg.BlockTypeBasic, 6, 7),
			Cond(14, BranchFile, fn, cfg.BlockTypeLoopCondition, 8, 8, "i < n"),
			Block(15, BranchFile, fn, cfg.BlockTypeBasic, 9, 10),
			Block(16, BranchFile, fn, cfg.BlockTypeExit, 11, 12),
		},
		Edges: []cfg.Edge{
			Edge(BranchFile, 10, 11),
			TypedEdge(BranchFile, 11, 12, cfg.EdgeTypeTrue),
			TypedEdge(BranchFile, 11, 13, cfg.EdgeTypeFalse),
			Edge(BranchFile, 12, 14),
			Edge(BranchFile, 13, 14),
			TypedEdge(BranchFile, 14, 15, cfg.EdgeTypeTrue),
			TypedEdge(BranchFile, 15, 14, cfg.EdgeTypeBackEdge),
			TypedEdge(BranchFile, 14, 16, cfg.EdgeTypeFalse),
		},
	}
}

// SanitizeFile is the file of Sanitized.
const SanitizeFile = "src/search.py"

// Sanitized is a diamond whose true branch escapes the tainted value
// before the sink:
//
//	B40 entry (term = request.args) -> B41 cond(safe)
//	  -true->  B42 (q = html.escape(term)) -> B44
//	  -false-> B43 (q = "SELECT " + term)  -> B44
//	B44 exit, cursor.execute(q) at line 9
func Sanitized() store.Snapshot {
	const fn = "search"
	return store.Snapshot{
		Blocks: []cfg.Block{
			Block(40, SanitizeFile, fn, cfg.BlockTypeEntry, 1, 2),
			Cond(41, SanitizeFile, fn, cfg.BlockTypeCondition, 3, 3, "safe"),
			Block(42, SanitizeFile, fn, cfg.BlockTypeBasic, 4, 5),
			Block(43, SanitizeFile, fn, cfg.BlockTypeBasic, 6, 7),
			Block(44, SanitizeFile, fn, cfg.BlockTypeExit, 8, 10),
		},
		Edges: []cfg.Edge{
			Edge(SanitizeFile, 40, 41),
			TypedEdge(SanitizeFile, 41, 42, cfg.EdgeTypeTrue),
			TypedEdge(SanitizeFile, 41, 43, cfg.EdgeTypeFalse),
			Edge(SanitizeFile, 42, 44),
			Edge(SanitizeFile, 43, 44),
		},
		Statements: []cfg.Statement{
			Assign(40, 0, 2, "term", "request.args"),
			CallArgs(42, 0, 4, "q", "html.escape", "term"),
			Assign(43, 0, 6, "q", `"SELECT " + term`),
			CallArgs(44, 0, 9, "", "cursor.execute", "q"),
		},
	}
}

// LoopFile is the file of Looping.
const LoopFile = "src/loop.py"

// Looping carries taint into b only on the second trip around a loop:
//
//	B60 entry (a = request.args) -> B61 loop(i < n)
//	  -true->  B62 (b = c; c = a) -back-> B61
//	  -false-> B63 exit, cursor.execute(b) at line 9
func Looping() store.Snapshot {
	const fn = "collect"
	return store.Snapshot{
		Blocks: []cfg.Block{
			Block(60, LoopFile, fn, cfg.BlockTypeEntry, 1, 2),
			Cond(61, LoopFile, fn, cfg.BlockTypeLoopCondition, 3, 3, "i < n"),
			Block(62, LoopFile, fn, cfg.BlockTypeBasic, 4, 6),
			Block(63, LoopFile, fn, cfg.BlockTypeExit, 8, 10),
		},
		Edges: []cfg.Edge{
			Edge(LoopFile, 60, 61),
			TypedEdge(LoopFile, 61, 62, cfg.EdgeTypeTrue),
			TypedEdge(LoopFile, 62, 61, cfg.EdgeTypeBackEdge),
			TypedEdge(LoopFile, 61, 63, cfg.EdgeTypeFalse),
		},
		Statements: []cfg.Statement{
			Assign(60, 0, 2, "a", "request.args"),
			Assign(62, 0, 4, "b", "c"),
			Assign(62, 1, 5, "c", "a"),
			CallArgs(63, 0, 9, "", "cursor.execute", "b"),
		},
	}
}

// ReturnFile is the file of Returning.
const ReturnFile = "src/wrap.py"

// Returning has f pass its tainted input to wrap, which hands it back,
// and g pass it to constant, which does not:
//
//	f: B70 (data = request.args) -> B71 (q = wrap(data)) -> B72 cursor.execute(q) at 7
//	g: B73 (data = request.args) -> B74 (q = constant(data)) -> B75 cursor.execute(q) at 17
//	wrap: B76 return s.strip()
//	constant: B77 return "ok"
func Returning() store.Snapshot {
	return store.Snapshot{
		Blocks: []cfg.Block{
			Block(70, ReturnFile, "f", cfg.BlockTypeEntry, 1, 3),
			Block(71, ReturnFile, "f", cfg.BlockTypeCall, 4, 5),
			Block(72, ReturnFile, "f", cfg.BlockTypeExit, 6, 8),
			Block(73, ReturnFile, "g", cfg.BlockTypeEntry, 11, 13),
			Block(74, ReturnFile, "g", cfg.BlockTypeCall, 14, 15),
			Block(75, ReturnFile, "g", cfg.BlockTypeExit, 16, 18),
			Block(76, ReturnFile, "wrap", cfg.BlockTypeReturn, 21, 22),
			Block(77, ReturnFile, "constant", cfg.BlockTypeReturn, 25, 26),
		},
		Edges: []cfg.Edge{
			Edge(ReturnFile, 70, 71),
			Edge(ReturnFile, 71, 72),
			Edge(ReturnFile, 73, 74),
			Edge(ReturnFile, 74, 75),
		},
		Statements: []cfg.Statement{
			Assign(70, 0, 2, "data", "request.args"),
			CallArgs(71, 0, 4, "q", "wrap", "data"),
			CallArgs(72, 0, 7, "", "cursor.execute", "q"),
			Assign(73, 0, 12, "data", "request.args"),
			CallArgs(74, 0, 14, "q", "constant", "data"),
			CallArgs(75, 0, 17, "", "cursor.execute", "q"),
			Return(76, 0, 22, "s.strip()"),
			Return(77, 0, 26, `"ok"`),
		},
	}
}

// Merge concatenates snapshots.
func Merge(snaps ...store.Snapshot) store.Snapshot {
	var out store.Snapshot
	for _, s := range snaps {
		out.Blocks = append(out.Blocks, s.Blocks...)
		out.Edges = append(out.Edges, s.Edges...)
		out.Statements = append(out.Statements, s.Statements...)
	}
	return out
}
