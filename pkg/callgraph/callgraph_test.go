package callgraph

import (
	"testing"

	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"github.com/l3aro/go-taint-flow/pkg/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func site(file, caller, calleeFile, callee string) cfg.CallSite {
	return cfg.CallSite{File: file, Function: caller, CalleeFile: calleeFile, CalleeFunction: callee}
}

func fn(file, name string) Function {
	return Function{File: file, Name: name}
}

func TestGraph_DistanceAndHops(t *testing.T) {
	// main -> parse -> read ; main -> save ; save -> save
	g := New([]cfg.CallSite{
		site("app.py", "main", "app.py", "parse"),
		site("app.py", "parse", "io.py", "read"),
		site("app.py", "main", "db.py", "save"),
		site("db.py", "save", "db.py", "save"),
	})

	assert.Equal(t, 4, g.Len())

	d, ok := g.Distance(fn("app.py", "main"), fn("io.py", "read"))
	require.True(t, ok)
	assert.Equal(t, 2, d)

	_, ok = g.Distance(fn("io.py", "read"), fn("app.py", "main"))
	assert.False(t, ok, "calls are directed")

	assert.True(t, g.Reaches(fn("app.py", "parse"), fn("app.py", "parse")))
	assert.False(t, g.Reaches(fn("db.py", "save"), fn("io.py", "read")))

	// read <- parse <- main -> save
	h, ok := g.Hops(fn("io.py", "read"), fn("db.py", "save"))
	require.True(t, ok)
	assert.Equal(t, 3, h)

	_, ok = g.Hops(fn("io.py", "read"), fn("other.py", "x"))
	assert.False(t, ok)
}

func TestGraph_CallersCallees(t *testing.T) {
	g := New([]cfg.CallSite{
		site("a.py", "f", "a.py", "g"),
		site("a.py", "h", "a.py", "g"),
		site("a.py", "g", "a.py", "g"),
	})

	assert.Equal(t, []Function{fn("a.py", "f"), fn("a.py", "g"), fn("a.py", "h")}, g.Callers(fn("a.py", "g")))
	assert.Equal(t, []Function{fn("a.py", "g")}, g.Callees(fn("a.py", "f")))
	assert.Nil(t, g.Callees(fn("a.py", "missing")))
}

func TestGraph_Recursive(t *testing.T) {
	g := New([]cfg.CallSite{
		site("m.js", "even", "m.js", "odd"),
		site("m.js", "odd", "m.js", "even"),
		site("m.js", "fact", "m.js", "fact"),
		site("m.js", "main", "m.js", "even"),
	})

	groups := g.Recursive()
	require.Len(t, groups, 2)
	assert.Equal(t, []Function{fn("m.js", "even"), fn("m.js", "odd")}, groups[0])
	assert.Equal(t, []Function{fn("m.js", "fact")}, groups[1])
}

func TestBuild_FromStore(t *testing.T) {
	st := storetest.Open(t, storetest.Interprocedural())

	g, err := Build(st, nil)
	require.NoError(t, err)

	f := fn(storetest.CallFile, "f")
	gf := fn(storetest.CallFile, "g")
	d, ok := g.Distance(f, gf)
	require.True(t, ok)
	assert.Equal(t, 1, d)
	require.Len(t, g.CallSites(f), 1)
	assert.Equal(t, int64(2), g.CallSites(f)[0].BlockID)
}

func TestGraph_NormalizesFiles(t *testing.T) {
	g := New([]cfg.CallSite{site(`src\a.py`, "f", `src\b.py`, "g")})

	assert.True(t, g.Reaches(fn("src/a.py", "f"), fn(`src\b.py`, "g")))
}
