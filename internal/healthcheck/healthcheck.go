package healthcheck

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/l3aro/go-taint-flow/internal/config"
	"github.com/l3aro/go-taint-flow/pkg/cache"
	"github.com/l3aro/go-taint-flow/pkg/callgraph"
	"github.com/l3aro/go-taint-flow/pkg/store"
)

// RelationStatus represents the state of one relation of the store.
type RelationStatus struct {
	Name     string
	Required bool
	Present  bool
	Rows     int64
}

// CacheStatus reports whether a memory cache preload would succeed.
type CacheStatus struct {
	Status    string // "ready", "over-budget", "disabled", "error"
	Rows      int64
	Projected uint64
	Budget    uint64
	Error     string
}

// Summary renders the projection with human readable sizes.
func (c CacheStatus) Summary() string {
	if c.Status == "error" || c.Status == "disabled" {
		return c.Status
	}
	return fmt.Sprintf("%s: %s rows, %s of %s", c.Status,
		humanize.Comma(c.Rows), humanize.IBytes(c.Projected), humanize.IBytes(c.Budget))
}

// HealthCheckResult contains the full health check output for display.
type HealthCheckResult struct {
	SavedPath      string
	SavedScope     string // "global" or "project"
	EffectivePath  string
	EffectiveScope string // "global" or "project"
	Database       string
	Relations      []RelationStatus
	Cache          CacheStatus
	Functions      int
	Recursive      [][]callgraph.Function
	LastRun        *store.RunRecord
}

// Healthy reports whether every required relation is present and, when
// the configuration requires the cache, whether it would load.
func (r *HealthCheckResult) Healthy(cfg *config.Config) bool {
	for _, rel := range r.Relations {
		if rel.Required && !rel.Present {
			return false
		}
	}
	if cfg.RequireCache && r.Cache.Status != "ready" {
		return false
	}
	return true
}

// Check inspects st against the given config.
// savedPath is where the user saved config (may be empty outside init).
// effectivePath is the config file actually in use (considering priority).
func Check(cfg *config.Config, st *store.Store, savedPath string, effectivePath string) (*HealthCheckResult, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store is nil")
	}

	result := &HealthCheckResult{
		SavedPath:      savedPath,
		SavedScope:     scopeFromPath(savedPath),
		EffectivePath:  effectivePath,
		EffectiveScope: scopeFromPath(effectivePath),
		Database:       st.Path(),
	}

	relations, err := checkRelations(st)
	if err != nil {
		return nil, err
	}
	result.Relations = relations

	result.Cache = checkCache(cfg, st)

	if complete(relations) {
		g, err := callgraph.Build(st, nil)
		if err != nil {
			return nil, err
		}
		result.Functions = g.Len()
		result.Recursive = g.Recursive()
	}

	run, ok, err := st.LastRun()
	if err != nil {
		return nil, err
	}
	if ok {
		result.LastRun = &run
	}

	return result, nil
}

// scopeFromPath determines "global" or "project" scope from a config file path.
// Returns empty string if path is empty.
func scopeFromPath(path string) string {
	if path == "" {
		return ""
	}

	home, err := os.UserHomeDir()
	if err == nil {
		globalDir := filepath.Join(home, ".gtf")
		if strings.HasPrefix(path, globalDir) {
			return "global"
		}
	}

	return "project"
}

func checkRelations(st *store.Store) ([]RelationStatus, error) {
	present, err := st.Relations()
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(present))
	for _, n := range present {
		have[n] = true
	}

	names := append(append([]string{}, store.HotPathRelations...), store.RelationFlows, store.RelationRuns)
	out := make([]RelationStatus, 0, len(names))
	for i, name := range names {
		rs := RelationStatus{
			Name:     name,
			Required: i < len(store.HotPathRelations),
			Present:  have[name],
		}
		if rs.Present {
			if rs.Rows, err = st.CountRows(name); err != nil {
				return nil, err
			}
		}
		out = append(out, rs)
	}
	return out, nil
}

func complete(relations []RelationStatus) bool {
	for _, r := range relations {
		if r.Required && !r.Present {
			return false
		}
	}
	return true
}

// checkCache projects the preload footprint without loading anything.
func checkCache(cfg *config.Config, st *store.Store) CacheStatus {
	if !cfg.UseCache {
		return CacheStatus{Status: "disabled"}
	}
	return projectCache(st, cfg.CacheOptions())
}

func projectCache(st *store.Store, opts cache.Options) CacheStatus {
	p, err := cache.Project(st, opts)
	if err != nil {
		return CacheStatus{Status: "error", Error: err.Error()}
	}
	status := CacheStatus{Status: "ready", Rows: p.Rows, Projected: p.Bytes, Budget: p.Budget}
	if !p.Fits() {
		status.Status = "over-budget"
	}
	return status
}
