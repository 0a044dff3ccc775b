package cfg_test

import (
	"testing"

	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"github.com/stretchr/testify/assert"
)

func edge(src, dst int64, typ cfg.EdgeType) cfg.Edge {
	return cfg.Edge{File: "a.py", SourceID: src, TargetID: dst, Type: typ}
}

func TestEnumeratePaths(t *testing.T) {
	diamond := []cfg.Edge{
		edge(1, 2, cfg.EdgeTypeTrue),
		edge(1, 3, cfg.EdgeTypeFalse),
		edge(2, 4, cfg.EdgeTypeNormal),
		edge(3, 4, cfg.EdgeTypeNormal),
	}
	loop := []cfg.Edge{
		edge(1, 2, cfg.EdgeTypeNormal),
		edge(2, 3, cfg.EdgeTypeTrue),
		edge(3, 2, cfg.EdgeTypeBackEdge),
		edge(2, 4, cfg.EdgeTypeFalse),
	}
	parallel := []cfg.Edge{
		edge(1, 2, cfg.EdgeTypeTrue),
		edge(1, 2, cfg.EdgeTypeFalse),
		edge(2, 3, cfg.EdgeTypeNormal),
	}

	tests := []struct {
		name          string
		edges         []cfg.Edge
		source        int64
		target        int64
		limits        cfg.PathLimits
		wantPaths     [][]int64
		wantTruncated bool
	}{
		{
			name:      "source is target",
			edges:     diamond,
			source:    2,
			target:    2,
			wantPaths: [][]int64{{2}},
		},
		{
			name:      "source is target ignores length limit",
			edges:     diamond,
			source:    2,
			target:    2,
			limits:    cfg.PathLimits{MaxLength: 1},
			wantPaths: [][]int64{{2}},
		},
		{
			name:          "length one cannot hold two blocks",
			edges:         diamond,
			source:        1,
			target:        4,
			limits:        cfg.PathLimits{MaxLength: 1},
			wantTruncated: true,
		},
		{
			name:      "diamond in edge order",
			edges:     diamond,
			source:    1,
			target:    4,
			wantPaths: [][]int64{{1, 2, 4}, {1, 3, 4}},
		},
		{
			name:          "max paths",
			edges:         diamond,
			source:        1,
			target:        4,
			limits:        cfg.PathLimits{MaxPaths: 1},
			wantPaths:     [][]int64{{1, 2, 4}},
			wantTruncated: true,
		},
		{
			name:          "max length below shortest path",
			edges:         diamond,
			source:        1,
			target:        4,
			limits:        cfg.PathLimits{MaxLength: 2},
			wantTruncated: true,
		},
		{
			name:   "unreachable target",
			edges:  diamond,
			source: 2,
			target: 3,
		},
		{
			name:      "parallel edges collapse",
			edges:     parallel,
			source:    1,
			target:    3,
			wantPaths: [][]int64{{1, 2, 3}},
		},
		{
			name:      "loop body walked at most once",
			edges:     loop,
			source:    1,
			target:    4,
			wantPaths: [][]int64{{1, 2, 4}},
		},
		{
			name:      "target inside loop",
			edges:     loop,
			source:    1,
			target:    3,
			wantPaths: [][]int64{{1, 2, 3}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cfg.EnumeratePaths(cfg.BuildAdjacency(tt.edges), tt.source, tt.target, tt.limits)
			assert.Equal(t, tt.wantPaths, got.Paths)
			assert.Equal(t, tt.wantTruncated, got.Truncated)
		})
	}
}

func TestBuildAdjacency_KeepsInsertionOrder(t *testing.T) {
	adj := cfg.BuildAdjacency([]cfg.Edge{
		edge(1, 3, cfg.EdgeTypeNormal),
		edge(1, 2, cfg.EdgeTypeNormal),
		edge(1, 3, cfg.EdgeTypeException),
	})
	assert.Equal(t, []int64{3, 2}, adj[1])
}

func TestConditions(t *testing.T) {
	g := &cfg.CFG{
		File:     "a.py",
		Function: "f",
		Blocks: []cfg.Block{
			{ID: 1, File: "a.py", Function: "f", Type: cfg.BlockTypeEntry, StartLine: 1, EndLine: 1},
			{ID: 2, File: "a.py", Function: "f", Type: cfg.BlockTypeCondition, StartLine: 2, EndLine: 2, Condition: "x"},
			{ID: 3, File: "a.py", Function: "f", Type: cfg.BlockTypeBasic, StartLine: 3, EndLine: 3},
			{ID: 4, File: "a.py", Function: "f", Type: cfg.BlockTypeLoopCondition, StartLine: 4, EndLine: 4, Condition: "i < n"},
			{ID: 5, File: "a.py", Function: "f", Type: cfg.BlockTypeBasic, StartLine: 5, EndLine: 5},
			{ID: 6, File: "a.py", Function: "f", Type: cfg.BlockTypeExit, StartLine: 6, EndLine: 6},
			{ID: 7, File: "a.py", Function: "f", Type: cfg.BlockTypeCondition, StartLine: 7, EndLine: 7, Condition: "y"},
		},
		Edges: []cfg.Edge{
			edge(1, 2, cfg.EdgeTypeNormal),
			edge(2, 3, cfg.EdgeTypeTrue),
			edge(2, 4, cfg.EdgeTypeFalse),
			edge(3, 4, cfg.EdgeTypeNormal),
			edge(4, 5, cfg.EdgeTypeTrue),
			edge(5, 4, cfg.EdgeTypeBackEdge),
			edge(4, 6, cfg.EdgeTypeFalse),
			edge(7, 6, cfg.EdgeTypeNormal),
		},
	}

	tests := []struct {
		name string
		path []int64
		want []string
	}{
		{"true branch then loop exit", []int64{1, 2, 3, 4, 6}, []string{"if (x)", "exit loop (i < n)"}},
		{"false branch then loop body", []int64{1, 2, 4, 5}, []string{"if not (x)", "while (i < n)"}},
		{"unlabeled edge out of a condition", []int64{7, 6}, []string{"when (y)"}},
		{"no condition blocks", []int64{5, 4}, nil},
		{"single block", []int64{2}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, c := range cfg.Conditions(g, tt.path) {
				got = append(got, c.Text)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	exit := cfg.Conditions(g, []int64{4, 6})
	if assert.Len(t, exit, 1) {
		assert.Equal(t, cfg.EdgeTypeFalse, exit[0].Edge)
		assert.Equal(t, int64(4), exit[0].BlockID)
		assert.Equal(t, 4, exit[0].Line)
	}
	assert.Nil(t, cfg.Conditions(nil, []int64{1, 2}))
}
