package healthcheck

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/l3aro/go-taint-flow/internal/config"
	"github.com/l3aro/go-taint-flow/pkg/cache"
	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"github.com/l3aro/go-taint-flow/pkg/store"
	"github.com/l3aro/go-taint-flow/pkg/store/storetest"
)

func TestCheckWithNilConfig(t *testing.T) {
	_, err := Check(nil, nil, "", "")
	if err == nil {
		t.Error("Expected error for nil config, got nil")
	}
}

func TestCheckHealthyStore(t *testing.T) {
	st := storetest.Open(t, storetest.Interprocedural())
	c := config.DefaultConfig()
	c.MemoryBudgetBytes = 1 << 20

	result, err := Check(c, st, "", "")
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}

	if !result.Healthy(c) {
		t.Errorf("Healthy() = false, relations %+v", result.Relations)
	}
	rows := map[string]int64{}
	for _, r := range result.Relations {
		if !r.Present {
			t.Errorf("relation %s missing", r.Name)
		}
		rows[r.Name] = r.Rows
	}
	if rows[store.RelationBlocks] != 6 {
		t.Errorf("%s rows = %d, want 6", store.RelationBlocks, rows[store.RelationBlocks])
	}
	if result.Cache.Status != "ready" {
		t.Errorf("Cache.Status = %q, want ready", result.Cache.Status)
	}
	if result.Cache.Projected != uint64(result.Cache.Rows)*cache.RowEstimate {
		t.Errorf("Cache.Projected = %d for %d rows", result.Cache.Projected, result.Cache.Rows)
	}
	if result.Functions != 2 {
		t.Errorf("Functions = %d, want 2", result.Functions)
	}
	if result.LastRun != nil {
		t.Errorf("LastRun = %+v, want nil before any run", result.LastRun)
	}
}

func TestCheckOverBudget(t *testing.T) {
	st := storetest.Open(t, storetest.Linear())
	c := config.DefaultConfig()
	c.MemoryBudgetBytes = 10
	c.RequireCache = true

	result, err := Check(c, st, "", "")
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if result.Cache.Status != "over-budget" {
		t.Errorf("Cache.Status = %q, want over-budget", result.Cache.Status)
	}
	if result.Healthy(c) {
		t.Error("Healthy() = true with a required cache that cannot load")
	}
	if !strings.Contains(result.Cache.Summary(), "10 B") {
		t.Errorf("Summary() = %q", result.Cache.Summary())
	}
}

func TestCheckCacheDisabled(t *testing.T) {
	st := storetest.Open(t, storetest.Linear())
	c := config.DefaultConfig()
	c.UseCache = false

	result, err := Check(c, st, "", "")
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if result.Cache.Summary() != "disabled" {
		t.Errorf("Summary() = %q, want disabled", result.Cache.Summary())
	}
}

func TestCheckMissingRelations(t *testing.T) {
	// a database without the input relations, as left by a failed extraction
	path := filepath.Join(t.TempDir(), "empty.db")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(path, store.Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	c := config.DefaultConfig()
	c.MemoryBudgetBytes = 1 << 20
	result, err := Check(c, st, "", "")
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if result.Healthy(c) {
		t.Error("Healthy() = true without input relations")
	}
	if result.Cache.Status != "error" {
		t.Errorf("Cache.Status = %q, want error", result.Cache.Status)
	}
	if !strings.Contains(result.Cache.Error, store.RelationBlocks) {
		t.Errorf("Cache.Error = %q, want it to name %s", result.Cache.Error, store.RelationBlocks)
	}
	if result.Functions != 0 {
		t.Errorf("Functions = %d, want 0", result.Functions)
	}
}

func TestCheckReportsRecursion(t *testing.T) {
	const file = "rec.py"
	st := storetest.Open(t, store.Snapshot{
		Blocks: []cfg.Block{storetest.Block(1, file, "walk", cfg.BlockTypeCall, 1, 3)},
		Statements: []cfg.Statement{
			storetest.Call(1, 0, 2, "", "walk"),
		},
	})

	result, err := Check(config.DefaultConfig(), st, "", "")
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if len(result.Recursive) != 1 {
		t.Errorf("Recursive = %v, want one group", result.Recursive)
	}
}

func TestScopeFromPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	tests := []struct {
		path string
		want string
	}{
		{"", ""},
		{filepath.Join(home, ".gtf", "config.yaml"), "global"},
		{filepath.Join(".gtf", "config.yaml"), "project"},
	}

	for _, tt := range tests {
		if got := scopeFromPath(tt.path); got != tt.want {
			t.Errorf("scopeFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
