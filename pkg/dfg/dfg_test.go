package dfg_test

import (
	"errors"
	"testing"

	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"github.com/l3aro/go-taint-flow/pkg/dfg"
	"github.com/l3aro/go-taint-flow/pkg/query"
	"github.com/l3aro/go-taint-flow/pkg/store/storetest"
	"github.com/l3aro/go-taint-flow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames(t *testing.T) {
	tests := []struct {
		expr string
		want []string
	}{
		{"cursor.execute(q)", []string{"cursor.execute", "q"}},
		{`"SELECT " + term`, []string{"term"}},
		{`'id=' + row.id`, []string{"row.id"}},
		{"", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, dfg.Names(tt.expr), tt.expr)
	}
}

func TestState_Tainting(t *testing.T) {
	s := dfg.NewState("data")

	assert.Equal(t, []string{"data"}, s.Tainting("data.id + 1"))
	assert.Nil(t, s.Tainting("metadata"))
	assert.Nil(t, s.Tainting(`"data"`))

	s.Kill("data")
	assert.False(t, s.IsTainted("data"))
	assert.False(t, s.Any())
}

func TestState_Opaque(t *testing.T) {
	s := dfg.Opaque()
	assert.True(t, s.IsTainted("anything"))
	assert.Equal(t, []string{"x", "y"}, s.Tainting("x + y"))

	s.Kill("x")
	assert.Equal(t, []string{"y"}, s.Tainting("x + y"))

	s.Kill("row")
	assert.Nil(t, s.Tainting("row.id"), "a reassigned name clears its members")
}

func TestState_MergeAndSanitize(t *testing.T) {
	left := dfg.NewState("a", "b")
	left.Sanitize("b")
	right := dfg.NewState("c")

	m := left.Merge(right)
	assert.Equal(t, []string{"a", "c"}, m.Live())
	assert.Equal(t, []string{"b"}, m.Sanitized())

	again := dfg.NewState("b")
	m = m.Merge(again)
	assert.Equal(t, []string{"a", "b", "c"}, m.Live())
	assert.Empty(t, m.Sanitized(), "taint on either side wins over a sanitizer")

	assert.True(t, m.Equal(m.Clone()))
	assert.False(t, m.Equal(left))
}

func TestTransfer(t *testing.T) {
	s := dfg.NewState("data")
	san := dfg.NewSanitizers([]string{"html.escape"})

	dfg.Transfer(s, []cfg.Statement{
		storetest.Assign(1, 0, 1, "q", "data"),
		storetest.Assign(1, 1, 2, "k", `"const"`),
	}, san)
	assert.Equal(t, []string{"data", "q"}, s.Live())

	dfg.Transfer(s, []cfg.Statement{storetest.Assign(1, 2, 3, "q", "1")}, san)
	assert.False(t, s.IsTainted("q"), "reassignment from clean data")

	dfg.Transfer(s, []cfg.Statement{
		storetest.CallArgs(1, 3, 4, "safe", "escape", "data"),
		storetest.CallArgs(1, 4, 5, "r", "str", "data"),
	}, san)
	assert.False(t, s.IsTainted("data"))
	assert.False(t, s.IsTainted("safe"))
	assert.False(t, s.IsTainted("r"))
	assert.Equal(t, []string{"data"}, s.Sanitized())
}

func TestSanitizers_Match(t *testing.T) {
	san := dfg.NewSanitizers([]string{"html.escape", ""})
	assert.True(t, san.Match("html.escape"))
	assert.True(t, san.Match("escape"))
	assert.True(t, san.Match("self.escape"))
	assert.False(t, san.Match("unescape"))
}

func TestLoopState(t *testing.T) {
	st := storetest.Open(t, storetest.Looping())
	src := dfg.NewStoreSource(st, nil, 8)
	g, err := src.Graph(storetest.LoopFile, "collect")
	require.NoError(t, err)

	assert.Equal(t, map[int64]bool{62: true}, dfg.LoopBody(g, 61))
	assert.Empty(t, dfg.LoopBody(g, 60))

	state, err := dfg.LoopState(g, 61, dfg.NewState("a"), src.Statements, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, state.Live(), "b is tainted on the second trip")

	in, converged, err := dfg.ReachingTaint(g, map[int64]bool{61: true, 62: true}, 61, dfg.NewState("a"), src.Statements, nil)
	require.NoError(t, err)
	assert.True(t, converged)
	assert.Equal(t, []string{"a", "b", "c"}, in[62].Live())
}

func steps(file, function string, ids ...int64) []types.PathStep {
	out := make([]types.PathStep, len(ids))
	for i, id := range ids {
		out[i] = types.PathStep{File: file, Function: function, BlockID: id, Kind: types.StepBlock}
	}
	return out
}

func TestTrace_Branches(t *testing.T) {
	st := storetest.Open(t, storetest.Sanitized())
	tr := dfg.NewTracer(dfg.NewStoreSource(st, nil, 8), []string{"html.escape"})
	source := dfg.Endpoint{File: storetest.SanitizeFile, Line: 2, Block: 40, Names: []string{"request.args"}}
	sink := dfg.Endpoint{File: storetest.SanitizeFile, Line: 9, Block: 44}

	escaped, err := tr.Trace(steps(storetest.SanitizeFile, "search", 40, 41, 42, 44), source, sink)
	require.NoError(t, err)
	assert.True(t, escaped.Checked)
	assert.Empty(t, escaped.Tainted)
	assert.Equal(t, []string{"term"}, escaped.Sanitized)
	assert.False(t, escaped.Vulnerable())

	raw, err := tr.Trace(steps(storetest.SanitizeFile, "search", 40, 41, 43, 44), source, sink)
	require.NoError(t, err)
	assert.True(t, raw.Checked)
	assert.Equal(t, []string{"q"}, raw.Tainted)
	assert.True(t, raw.Vulnerable())
}

func TestTrace_Loop(t *testing.T) {
	st := storetest.Open(t, storetest.Looping())
	tr := dfg.NewTracer(dfg.NewStoreSource(st, nil, 8), nil)

	v, err := tr.Trace(steps(storetest.LoopFile, "collect", 60, 61, 63),
		dfg.Endpoint{File: storetest.LoopFile, Line: 2, Block: 60, Names: []string{"request.args"}},
		dfg.Endpoint{File: storetest.LoopFile, Line: 9, Block: 63})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, v.Tainted)
}

func TestTrace_Calls(t *testing.T) {
	st := storetest.Open(t, storetest.Returning())
	tr := dfg.NewTracer(dfg.NewStoreSource(st, nil, 8), nil)
	file := storetest.ReturnFile

	call := func(caller string, entry, callBlock, callee, resume int64, calleeName string) []types.PathStep {
		s := steps(file, caller, entry, callBlock)
		return append(s,
			types.PathStep{File: file, Function: calleeName, BlockID: callee, Kind: types.StepCall},
			types.PathStep{File: file, Function: caller, BlockID: resume, Kind: types.StepReturn})
	}

	tests := []struct {
		name        string
		steps       []types.PathStep
		source      dfg.Endpoint
		sink        dfg.Endpoint
		wantTainted []string
	}{
		{
			name:        "callee returns its argument",
			steps:       call("f", 70, 71, 76, 72, "wrap"),
			source:      dfg.Endpoint{File: file, Line: 2, Block: 70, Names: []string{"request.args"}},
			sink:        dfg.Endpoint{File: file, Line: 7, Block: 72},
			wantTainted: []string{"q"},
		},
		{
			name:   "callee returns a constant",
			steps:  call("g", 73, 74, 77, 75, "constant"),
			source: dfg.Endpoint{File: file, Line: 12, Block: 73, Names: []string{"request.args"}},
			sink:   dfg.Endpoint{File: file, Line: 17, Block: 75},
		},
		{
			name: "return into a caller not entered",
			steps: []types.PathStep{
				{File: file, Function: "wrap", BlockID: 76, Kind: types.StepBlock},
				{File: file, Function: "f", BlockID: 71, Kind: types.StepReturn},
				{File: file, Function: "f", BlockID: 72, Kind: types.StepBlock},
			},
			source:      dfg.Endpoint{File: file, Line: 21, Block: 76, Names: []string{"s"}},
			sink:        dfg.Endpoint{File: file, Line: 7, Block: 72},
			wantTainted: []string{"q"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := tr.Trace(tt.steps, tt.source, tt.sink)
			require.NoError(t, err)
			assert.True(t, v.Checked)
			assert.Equal(t, tt.wantTainted, v.Tainted)
		})
	}
}

func TestTrace_Unchecked(t *testing.T) {
	st := storetest.Open(t, storetest.Linear())
	tr := dfg.NewTracer(dfg.NewStoreSource(st, nil, 8), nil)
	path := steps(storetest.LinearFile, "f", 1, 2, 3)

	tests := []struct {
		name   string
		source dfg.Endpoint
		sink   dfg.Endpoint
	}{
		{
			name:   "nothing at the sink line",
			source: dfg.Endpoint{File: storetest.LinearFile, Line: 2, Block: 1, Names: []string{"request.args"}},
			sink:   dfg.Endpoint{File: storetest.LinearFile, Line: 12, Block: 3},
		},
		{
			name:   "source taints nothing",
			source: dfg.Endpoint{File: storetest.LinearFile, Line: 3, Block: 1},
			sink:   dfg.Endpoint{File: storetest.LinearFile, Line: 7, Block: 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := tr.Trace(path, tt.source, tt.sink)
			require.NoError(t, err)
			assert.False(t, v.Checked)
			assert.True(t, v.Vulnerable())
		})
	}
}

func TestTrace_UnknownSinkBlock(t *testing.T) {
	st := storetest.Open(t, storetest.Linear())
	tr := dfg.NewTracer(dfg.NewStoreSource(st, nil, 8), nil)

	_, err := tr.Trace(steps(storetest.LinearFile, "f", 1),
		dfg.Endpoint{File: storetest.LinearFile, Line: 2, Block: 1},
		dfg.Endpoint{File: storetest.LinearFile, Line: 12, Block: 9999})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrStructuralDataMissing))
}

func TestStoreSource_GraphMissingFunction(t *testing.T) {
	st := storetest.Open(t, storetest.Linear())
	src := dfg.NewStoreSource(st, nil, 8)

	_, err := src.Graph(storetest.LinearFile, "ghost")
	assert.True(t, errors.Is(err, types.ErrStructuralDataMissing))

	g, err := src.Graph(storetest.LinearFile, "f")
	require.NoError(t, err)
	again, err := src.Graph(storetest.LinearFile, "f")
	require.NoError(t, err)
	assert.Same(t, g, again)

	direct, err := query.CFGForFunction(st, nil, storetest.LinearFile, "f")
	require.NoError(t, err)
	assert.Equal(t, direct.Blocks, g.Blocks)
}
