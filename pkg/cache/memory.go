// Package cache holds the in-memory snapshot of the control flow relations
// used during an analysis run, and a small LRU used to memoize function CFGs
// when the snapshot is not available.
package cache

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/l3aro/go-taint-flow/internal/sysmem"
	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"github.com/l3aro/go-taint-flow/pkg/store"
	"github.com/l3aro/go-taint-flow/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/exp/maps"
)

// RowEstimate is the projected in-memory cost of one cached row, indexes
// included.
const RowEstimate = 300

// DefaultBudgetFraction is the share of available memory the cache may use
// when no explicit byte budget is configured.
const DefaultBudgetFraction = 0.60

// Options configures Preload.
type Options struct {
	// BudgetBytes is an explicit memory budget. 0 derives the budget from
	// BudgetFraction of available memory.
	BudgetBytes uint64

	// BudgetFraction is the share of available memory the cache may use.
	// 0 means DefaultBudgetFraction.
	BudgetFraction float64

	// Available reports available memory. Defaults to sysmem.Available.
	Available func() (uint64, error)
}

// FuncKey identifies a function by normalized file path and name.
type FuncKey struct {
	File     string
	Function string
}

// Stats describes a loaded cache.
type Stats struct {
	Blocks     int
	Edges      int
	Statements int
	CallSites  int
	Bytes      uint64 // projected footprint
	Budget     uint64
	Hits       int64
	Misses     int64
}

// Cache is a read-only snapshot of cfg_blocks, cfg_edges and
// cfg_block_statements plus derived call-site tables. It is built once by
// Preload and safe for concurrent readers. Clear releases it between runs.
type Cache struct {
	mu sync.RWMutex

	blocks     map[int64]cfg.Block
	byFunction map[FuncKey][]cfg.Block // start line, then id
	byFile     map[string][]cfg.Block  // start line, then id
	edges      map[string][]cfg.Edge   // insertion order
	statements map[int64][]cfg.Statement
	callSites  map[FuncKey][]cfg.CallSite
	callers    map[FuncKey][]cfg.CallSite
	allSites   []cfg.CallSite

	rows   int64
	bytes  uint64
	budget uint64

	hits   atomic.Int64
	misses atomic.Int64
}

// Projection is the outcome of a budget check.
type Projection struct {
	Rows   int64
	Bytes  uint64
	Budget uint64
}

// Fits reports whether the projected footprint is within budget.
func (p Projection) Fits() bool {
	return p.Bytes <= p.Budget
}

// Project counts the hot-path rows of st and compares the projected
// footprint with the budget. It fails with ErrCacheUnavailable when a
// relation is missing or the budget cannot be determined.
func Project(st *store.Store, opts Options) (Projection, error) {
	if err := st.RequireRelations(store.HotPathRelations...); err != nil {
		return Projection{}, fmt.Errorf("%w: %w", types.ErrCacheUnavailable, err)
	}

	var p Projection
	for _, rel := range store.HotPathRelations {
		n, err := st.CountRows(rel)
		if err != nil {
			return Projection{}, fmt.Errorf("%w: %w", types.ErrCacheUnavailable, err)
		}
		p.Rows += n
	}
	p.Bytes = uint64(p.Rows) * RowEstimate

	budget, err := resolveBudget(opts)
	if err != nil {
		return Projection{}, fmt.Errorf("%w: %w", types.ErrCacheUnavailable, err)
	}
	p.Budget = budget
	return p, nil
}

func resolveBudget(opts Options) (uint64, error) {
	if opts.BudgetBytes > 0 {
		return opts.BudgetBytes, nil
	}
	fraction := opts.BudgetFraction
	if fraction <= 0 {
		fraction = DefaultBudgetFraction
	}
	if fraction > 1 {
		return 0, fmt.Errorf("memory budget fraction %.2f exceeds 1", fraction)
	}
	available := opts.Available
	if available == nil {
		available = sysmem.Available
	}
	avail, err := available()
	if err != nil {
		return 0, fmt.Errorf("determining memory budget: %w", err)
	}
	return uint64(float64(avail) * fraction), nil
}

// Preload reads the hot-path relations of st into memory. It returns an
// error wrapping ErrCacheUnavailable when a relation is missing, a read
// fails or the projected footprint exceeds the budget. A failed preload
// never returns a partially built cache.
func Preload(st *store.Store, opts Options) (*Cache, error) {
	proj, err := Project(st, opts)
	if err != nil {
		return nil, err
	}
	if !proj.Fits() {
		return nil, fmt.Errorf("%w: projected %s for %d rows exceeds budget %s",
			types.ErrCacheUnavailable, humanize.IBytes(proj.Bytes), proj.Rows, humanize.IBytes(proj.Budget))
	}

	c := &Cache{
		blocks:     make(map[int64]cfg.Block),
		byFunction: make(map[FuncKey][]cfg.Block),
		byFile:     make(map[string][]cfg.Block),
		edges:      make(map[string][]cfg.Edge),
		statements: make(map[int64][]cfg.Statement),
		callSites:  make(map[FuncKey][]cfg.CallSite),
		callers:    make(map[FuncKey][]cfg.CallSite),
		rows:       proj.Rows,
		bytes:      proj.Bytes,
		budget:     proj.Budget,
	}
	if err := c.load(st); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrCacheUnavailable, err)
	}
	return c, nil
}

func (c *Cache) load(st *store.Store) error {
	err := st.EachBlock(func(b cfg.Block) error {
		c.blocks[b.ID] = b
		key := FuncKey{File: b.File, Function: b.Function}
		c.byFunction[key] = append(c.byFunction[key], b)
		c.byFile[b.File] = append(c.byFile[b.File], b)
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading %s: %w", store.RelationBlocks, err)
	}
	for _, blocks := range c.byFunction {
		cfg.SortBlocks(blocks)
	}
	for _, blocks := range c.byFile {
		cfg.SortBlocks(blocks)
	}

	err = st.EachEdge(func(e cfg.Edge) error {
		c.edges[e.File] = append(c.edges[e.File], e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading %s: %w", store.RelationEdges, err)
	}

	err = st.EachStatement(func(s cfg.Statement) error {
		c.statements[s.BlockID] = append(c.statements[s.BlockID], s)
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading %s: %w", store.RelationStatements, err)
	}

	for id, stmts := range c.statements {
		b, ok := c.blocks[id]
		if !ok {
			continue
		}
		for _, s := range stmts {
			site, ok := cfg.NewCallSite(b, s)
			if !ok {
				continue
			}
			c.allSites = append(c.allSites, site)
		}
	}
	cfg.SortCallSites(c.allSites)
	for _, site := range c.allSites {
		caller := FuncKey{File: site.File, Function: site.Function}
		callee := FuncKey{File: site.CalleeFile, Function: site.CalleeFunction}
		c.callSites[caller] = append(c.callSites[caller], site)
		c.callers[callee] = append(c.callers[callee], site)
	}
	return nil
}

func (c *Cache) record(hit bool) bool {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return hit
}

// Loaded reports whether the cache holds a snapshot. A nil or cleared
// cache is not loaded and every lookup misses.
func (c *Cache) Loaded() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks != nil
}

// Block returns the block with the given id.
func (c *Cache) Block(id int64) (cfg.Block, bool) {
	if c == nil {
		return cfg.Block{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.blocks[id]
	return b, c.record(ok)
}

// FunctionBlocks returns the blocks of a function ordered by start line.
func (c *Cache) FunctionBlocks(file, function string) ([]cfg.Block, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	blocks, ok := c.byFunction[FuncKey{File: cfg.NormalizePath(file), Function: function}]
	return blocks, c.record(ok)
}

// FileBlocks returns the blocks of every function of file.
func (c *Cache) FileBlocks(file string) ([]cfg.Block, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	blocks, ok := c.byFile[cfg.NormalizePath(file)]
	return blocks, c.record(ok)
}

// FileEdges returns the edges of file in insertion order. A file with
// blocks but no edges is a hit with no edges.
func (c *Cache) FileEdges(file string) ([]cfg.Edge, bool) {
	if c == nil {
		return nil, false
	}
	file = cfg.NormalizePath(file)
	c.mu.RLock()
	defer c.mu.RUnlock()
	edges, ok := c.edges[file]
	if !ok {
		_, ok = c.byFile[file]
	}
	return edges, c.record(ok)
}

// Statements returns the statements of a block in ordinal order.
func (c *Cache) Statements(blockID int64) ([]cfg.Statement, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	stmts, ok := c.statements[blockID]
	if !ok {
		_, ok = c.blocks[blockID]
	}
	return stmts, c.record(ok)
}

// CallSites returns the call sites inside a function.
func (c *Cache) CallSites(file, function string) ([]cfg.CallSite, bool) {
	if c == nil {
		return nil, false
	}
	key := FuncKey{File: cfg.NormalizePath(file), Function: function}
	c.mu.RLock()
	defer c.mu.RUnlock()
	sites, ok := c.callSites[key]
	if !ok {
		_, ok = c.byFunction[key]
	}
	return sites, c.record(ok)
}

// Callers returns the call sites whose callee is the given function.
func (c *Cache) Callers(file, function string) ([]cfg.CallSite, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.blocks == nil {
		return nil, c.record(false)
	}
	return c.callers[FuncKey{File: cfg.NormalizePath(file), Function: function}], c.record(true)
}

// AllCallSites returns every call site of the snapshot.
func (c *Cache) AllCallSites() ([]cfg.CallSite, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.blocks == nil {
		return nil, c.record(false)
	}
	return c.allSites, c.record(true)
}

// Files returns the cached file keys in sorted order.
func (c *Cache) Files() []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	files := maps.Keys(c.byFile)
	sort.Strings(files)
	return files
}

// Stats reports the size of the snapshot and the lookup counters.
func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var stmts, edges int
	for _, s := range c.statements {
		stmts += len(s)
	}
	for _, e := range c.edges {
		edges += len(e)
	}
	return Stats{
		Blocks:     len(c.blocks),
		Edges:      edges,
		Statements: stmts,
		CallSites:  len(c.allSites),
		Bytes:      c.bytes,
		Budget:     c.budget,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
	}
}

// Clear drops the snapshot. Only valid between runs, once no analyzer
// holds the cache.
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = nil
	c.byFunction = nil
	c.byFile = nil
	c.edges = nil
	c.statements = nil
	c.callSites = nil
	c.callers = nil
	c.allSites = nil
	c.rows = 0
	c.bytes = 0
	c.hits.Store(0)
	c.misses.Store(0)
}

// ErrNotLoaded is returned by Save on a cleared cache.
var ErrNotLoaded = errors.New("cache not loaded")

// Snapshot copies the cached rows back into store order.
func (c *Cache) Snapshot() (store.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.blocks == nil {
		return store.Snapshot{}, ErrNotLoaded
	}

	var snap store.Snapshot
	snap.Blocks = maps.Values(c.blocks)
	sort.Slice(snap.Blocks, func(i, j int) bool { return snap.Blocks[i].ID < snap.Blocks[j].ID })

	for _, edges := range c.edges {
		snap.Edges = append(snap.Edges, edges...)
	}
	sort.Slice(snap.Edges, func(i, j int) bool { return snap.Edges[i].Seq < snap.Edges[j].Seq })

	ids := maps.Keys(c.statements)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		snap.Statements = append(snap.Statements, c.statements[id]...)
	}
	return snap, nil
}

// Save writes the snapshot to w with msgpack.
func (c *Cache) Save(w io.Writer) error {
	snap, err := c.Snapshot()
	if err != nil {
		return err
	}
	return msgpack.NewEncoder(w).Encode(&snap)
}

// LoadSnapshot decodes a snapshot written by Save.
func LoadSnapshot(r io.Reader) (store.Snapshot, error) {
	var snap store.Snapshot
	if err := msgpack.NewDecoder(r).Decode(&snap); err != nil {
		return store.Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}
