package cache_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/l3aro/go-taint-flow/pkg/cache"
	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"github.com/l3aro/go-taint-flow/pkg/store"
	"github.com/l3aro/go-taint-flow/pkg/store/storetest"
	"github.com/l3aro/go-taint-flow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plenty() (uint64, error) { return 1 << 30, nil }

func TestLRU_Basic(t *testing.T) {
	c := cache.NewLRU[string, int](3, nil)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	assert.Equal(t, 3, c.Len())

	val, found := c.Get("a")
	require.True(t, found)
	assert.Equal(t, 1, val)
}

func TestLRU_Eviction(t *testing.T) {
	var evicted []string
	c := cache.NewLRU[string, int](3, func(k string, _ int) { evicted = append(evicted, k) })

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Access 'a' to make it most recently used
	c.Get("a")

	// Add new item - should evict 'b' (least recently used)
	c.Set("d", 4)

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []string{"b"}, evicted)

	_, found := c.Get("b")
	assert.False(t, found, "b should have been evicted")

	for _, k := range []string{"a", "c", "d"} {
		_, found = c.Get(k)
		assert.True(t, found, "%s should still be present", k)
	}
}

func TestLRU_UpdateAndClear(t *testing.T) {
	c := cache.NewLRU[string, string](10, nil)

	c.Set("a", "value1")
	c.Set("a", "value2")

	val, found := c.Get("a")
	require.True(t, found)
	assert.Equal(t, "value2", val)
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, found = c.Get("a")
	assert.False(t, found)
}

func TestPreload(t *testing.T) {
	st := storetest.Open(t, storetest.Interprocedural())

	c, err := cache.Preload(st, cache.Options{Available: plenty})
	require.NoError(t, err)
	require.True(t, c.Loaded())

	stats := c.Stats()
	assert.Equal(t, 6, stats.Blocks)
	assert.Equal(t, 4, stats.Edges)
	assert.Equal(t, 3, stats.Statements)
	assert.Equal(t, 1, stats.CallSites)
	assert.Equal(t, uint64(13*cache.RowEstimate), stats.Bytes)

	blocks, ok := c.FunctionBlocks(storetest.CallFile, "g")
	require.True(t, ok)
	require.Len(t, blocks, 3)
	assert.Equal(t, int64(4), blocks[0].ID)

	sites, ok := c.CallSites(storetest.CallFile, "f")
	require.True(t, ok)
	require.Len(t, sites, 1)
	assert.Equal(t, "g", sites[0].CalleeFunction)

	callers, ok := c.Callers(storetest.CallFile, "g")
	require.True(t, ok)
	assert.Equal(t, sites, callers)

	_, ok = c.FunctionBlocks(storetest.CallFile, "missing")
	assert.False(t, ok)

	stats = c.Stats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestPreload_BudgetExceeded(t *testing.T) {
	st := storetest.Open(t, storetest.Interprocedural())

	c, err := cache.Preload(st, cache.Options{BudgetBytes: cache.RowEstimate})
	require.Error(t, err)
	assert.Nil(t, c, "no partial cache on failure")
	assert.True(t, errors.Is(err, types.ErrCacheUnavailable))
}

func TestPreload_FractionOfAvailable(t *testing.T) {
	st := storetest.Open(t, storetest.Linear())

	// 7 rows * 300 bytes = 2100 bytes; 50% of 4000 = 2000
	_, err := cache.Preload(st, cache.Options{
		BudgetFraction: 0.5,
		Available:      func() (uint64, error) { return 4000, nil },
	})
	assert.True(t, errors.Is(err, types.ErrCacheUnavailable))

	c, err := cache.Preload(st, cache.Options{
		BudgetFraction: 0.75,
		Available:      func() (uint64, error) { return 4000, nil },
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3000), c.Stats().Budget)
}

func TestPreload_UnknownAvailableMemory(t *testing.T) {
	st := storetest.Open(t, storetest.Linear())

	_, err := cache.Preload(st, cache.Options{
		Available: func() (uint64, error) { return 0, errors.New("no sysinfo") },
	})
	assert.True(t, errors.Is(err, types.ErrCacheUnavailable))
}

func TestClear(t *testing.T) {
	st := storetest.Open(t, storetest.Linear())
	c, err := cache.Preload(st, cache.Options{Available: plenty})
	require.NoError(t, err)

	c.Clear()
	assert.False(t, c.Loaded())

	_, ok := c.FunctionBlocks(storetest.LinearFile, "f")
	assert.False(t, ok, "a cleared cache misses every lookup")
	_, ok = c.AllCallSites()
	assert.False(t, ok)

	var buf bytes.Buffer
	assert.ErrorIs(t, c.Save(&buf), cache.ErrNotLoaded)
}

func TestNilCacheMisses(t *testing.T) {
	var c *cache.Cache
	assert.False(t, c.Loaded())
	_, ok := c.Block(1)
	assert.False(t, ok)
	_, ok = c.Statements(1)
	assert.False(t, ok)
	assert.Equal(t, cache.Stats{}, c.Stats())
}

func TestSaveLoadSnapshot(t *testing.T) {
	snap := storetest.Branching()
	st := storetest.Open(t, snap)
	c, err := cache.Preload(st, cache.Options{Available: plenty})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.Save(&buf))

	restored, err := cache.LoadSnapshot(&buf)
	require.NoError(t, err)
	require.Len(t, restored.Blocks, len(snap.Blocks))
	require.Len(t, restored.Edges, len(snap.Edges))
	assert.Equal(t, "src/handlers/views.py", restored.Blocks[0].File)

	// the dump re-imports into an equivalent store
	st2 := storetest.Open(t, restored)
	edges, err := st2.EdgesForFile(storetest.BranchFile)
	require.NoError(t, err)
	want, err := st.EdgesForFile(storetest.BranchFile)
	require.NoError(t, err)
	assert.Equal(t, want, edges)
}

func TestFileEdges_FileWithoutEdges(t *testing.T) {
	snap := store.Snapshot{Blocks: []cfg.Block{
		storetest.Block(1, "lib/one.py", "only", cfg.BlockTypeEntry, 1, 3),
	}}
	st := storetest.Open(t, snap)
	c, err := cache.Preload(st, cache.Options{Available: plenty})
	require.NoError(t, err)

	edges, ok := c.FileEdges("lib/one.py")
	assert.True(t, ok)
	assert.Empty(t, edges)

	_, ok = c.FileEdges("lib/two.py")
	assert.False(t, ok)
}
