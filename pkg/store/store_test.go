package store_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"github.com/l3aro/go-taint-flow/pkg/store"
	"github.com/l3aro/go-taint-flow/pkg/store/storetest"
	"github.com/l3aro/go-taint-flow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func TestOpen_MissingDatabase(t *testing.T) {
	_, err := store.Open(filepath.Join(t.TempDir(), "absent.db"), store.Options{})
	assert.Error(t, err)
}

func TestRequireRelations(t *testing.T) {
	st := storetest.Open(t, storetest.Linear())

	require.NoError(t, st.RequireRelations(store.HotPathRelations...))

	err := st.RequireRelations("cfg_blocks", "symbols")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrStructuralDataMissing))

	var missing *types.MissingDataError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "symbols", missing.Relation)
}

func TestCountRows(t *testing.T) {
	st := storetest.Open(t, storetest.Linear())

	n, err := st.CountRows(store.RelationBlocks)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = st.CountRows(store.RelationEdges)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestBlockForLine(t *testing.T) {
	st := storetest.Open(t, storetest.Linear())

	b, ok, err := st.BlockForLine(storetest.LinearFile, "f", 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), b.ID)

	b, ok, err = st.BlockForLine(storetest.LinearFile, "f", 15)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), b.ID)

	_, ok, err = st.BlockForLine(storetest.LinearFile, "f", 99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlockForLine_FileOnlyReturnsInnermost(t *testing.T) {
	snap := store.Snapshot{
		Blocks: []cfg.Block{
			storetest.Block(1, "a.js", "outer", cfg.BlockTypeBasic, 1, 30),
			storetest.Block(2, "a.js", "inner", cfg.BlockTypeBasic, 10, 12),
		},
	}
	st := storetest.Open(t, snap)

	b, ok, err := st.BlockForLine("a.js", "", 11)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "inner", b.Function)

	b, ok, err = st.BlockForLine("a.js", "", 20)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "outer", b.Function)
}

func TestNormalizedFileKeys(t *testing.T) {
	st := storetest.Open(t, storetest.Branching())

	blocks, err := st.BlocksForFunction("src/handlers/views.py", "handle")
	require.NoError(t, err)
	require.Len(t, blocks, 7)
	assert.Equal(t, "src/handlers/views.py", blocks[0].File)

	blocks, err = st.BlocksForFile(`src\handlers\views.py`)
	require.NoError(t, err)
	assert.Len(t, blocks, 7)

	edges, err := st.EdgesForFile("src/handlers/views.py")
	require.NoError(t, err)
	require.Len(t, edges, 8)
	for i := 1; i < len(edges); i++ {
		assert.Less(t, edges[i-1].Seq, edges[i].Seq, "edges come back in insertion order")
	}
	assert.Equal(t, cfg.EdgeTypeTrue, edges[1].Type)
}

func TestBlockByID(t *testing.T) {
	st := storetest.Open(t, storetest.Branching())

	b, ok, err := st.BlockByID(11)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cfg.BlockTypeCondition, b.Type)
	assert.Equal(t, "x", b.Condition)

	_, ok, err = st.BlockByID(404)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatementsForBlock(t *testing.T) {
	snap := storetest.Linear()
	snap.Statements = append(snap.Statements,
		storetest.Call(2, 2, 9, "", "log"),
		storetest.Assign(2, 1, 8, "r", "q"),
	)
	st := storetest.Open(t, snap)

	stmts, err := st.StatementsForBlock(2)
	require.NoError(t, err)
	require.Len(t, stmts, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{stmts[0].Ordinal, stmts[1].Ordinal, stmts[2].Ordinal})

	assert.Nil(t, stmts[0].CalleeFunction)
	require.NotNil(t, stmts[0].TargetVar)
	assert.Equal(t, "q", *stmts[0].TargetVar)
	assert.True(t, stmts[2].IsCallSite())
}

func TestCallSites(t *testing.T) {
	st := storetest.Open(t, storetest.Interprocedural())

	sites, err := st.CallSitesForFunction(storetest.CallFile, "f")
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, int64(2), sites[0].BlockID)
	assert.Equal(t, "g", sites[0].CalleeFunction)
	assert.Equal(t, storetest.CallFile, sites[0].CalleeFile)

	callers, err := st.CallersOf(storetest.CallFile, "g")
	require.NoError(t, err)
	require.Len(t, callers, 1)
	assert.Equal(t, "f", callers[0].Function)

	callers, err = st.CallersOf("other.py", "g")
	require.NoError(t, err)
	assert.Empty(t, callers)

	all, err := st.AllCallSites()
	require.NoError(t, err)
	assert.Equal(t, sites, all)
}

func TestHasFileAndFunction(t *testing.T) {
	st := storetest.Open(t, storetest.Branching())

	ok, err := st.HasFile("src/handlers/views.py")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.HasFile("src/missing.py")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.HasFunction("src/handlers/views.py", "handle")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.HasFunction("src/handlers/views.py", "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFlows_InsertResetRoundTrip(t *testing.T) {
	st := storetest.Open(t, storetest.Linear())

	flow := types.TaintFlow{
		SourceFile:        storetest.LinearFile,
		SourceLine:        2,
		SourcePattern:     "request.args",
		SinkFile:          storetest.LinearFile,
		SinkLine:          12,
		SinkPattern:       "cursor.execute",
		VulnerabilityType: "SQL Injection",
		PathLength:        3,
		PathSteps: []types.PathStep{
			{File: storetest.LinearFile, Function: "f", BlockID: 1, Kind: types.StepBlock},
			{File: storetest.LinearFile, Function: "f", BlockID: 2, Kind: types.StepBlock},
			{File: storetest.LinearFile, Function: "f", BlockID: 3, Kind: types.StepBlock},
		},
		FlowSensitive: true,
	}
	require.NoError(t, st.InsertFlows([]types.TaintFlow{flow}))

	flows, err := st.Flows()
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, flow, flows[0])

	require.NoError(t, st.ResetFlows())
	flows, err = st.Flows()
	require.NoError(t, err)
	assert.Empty(t, flows)
}

func TestRuns(t *testing.T) {
	st := storetest.Open(t, storetest.Linear())

	_, found, err := st.LastRun()
	require.NoError(t, err)
	assert.False(t, found)

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	run := store.RunRecord{RunID: "run-1", StartedAt: started, Status: "running", Mode: "cache"}
	require.NoError(t, st.BeginRun(run))

	run.FinishedAt = started.Add(time.Minute)
	run.Status = "completed"
	run.Pairs = 4
	run.Flows = 2
	run.TruncatedPairs = 1
	require.NoError(t, st.FinishRun(run))

	got, found, err := st.LastRun()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, run, got)
}

func TestLastRun_SubSecondOrder(t *testing.T) {
	st := storetest.Open(t, storetest.Linear())

	base := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	require.NoError(t, st.BeginRun(store.RunRecord{RunID: "older", StartedAt: base, Status: "completed", Mode: "cache"}))
	require.NoError(t, st.BeginRun(store.RunRecord{
		RunID: "newer", StartedAt: base.Add(500 * time.Millisecond), Status: "running", Mode: "cache",
	}))

	got, found, err := st.LastRun()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "newer", got.RunID)
	assert.Equal(t, base.Add(500*time.Millisecond), got.StartedAt)
	assert.True(t, got.FinishedAt.IsZero())
}

func TestLastRun_MalformedTimestamp(t *testing.T) {
	st := storetest.Open(t, storetest.Linear())

	conn, err := sqlite.OpenConn(st.Path(), sqlite.OpenReadWrite)
	require.NoError(t, err)
	require.NoError(t, sqlitex.Execute(conn, `INSERT INTO taint_runs (run_id, started_at, status, mode)
		VALUES ('broken', 'yesterday', 'completed', 'store')`, nil))
	require.NoError(t, conn.Close())

	_, _, err = st.LastRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "started_at")
}

func TestEachStreamsAllRows(t *testing.T) {
	st := storetest.Open(t, storetest.Interprocedural())

	var blocks, edges, stmts int
	require.NoError(t, st.EachBlock(func(cfg.Block) error { blocks++; return nil }))
	require.NoError(t, st.EachEdge(func(cfg.Edge) error { edges++; return nil }))
	require.NoError(t, st.EachStatement(func(cfg.Statement) error { stmts++; return nil }))

	assert.Equal(t, 6, blocks)
	assert.Equal(t, 4, edges)
	assert.Equal(t, 3, stmts)
}
