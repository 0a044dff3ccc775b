// Package store provides read access to the control flow relations written
// by the extraction pipeline (cfg_blocks, cfg_edges, cfg_block_statements)
// and the write path for the taint_flows relation produced by a run.
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/l3aro/go-taint-flow/pkg/types"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Relation names.
const (
	RelationBlocks     = "cfg_blocks"
	RelationEdges      = "cfg_edges"
	RelationStatements = "cfg_block_statements"
	RelationFlows      = "taint_flows"
	RelationRuns       = "taint_runs"
)

// HotPathRelations are the relations every analysis run depends on.
var HotPathRelations = []string{RelationBlocks, RelationEdges, RelationStatements}

// Options configures how a store is opened.
type Options struct {
	// Create creates the database file and the input relations if missing.
	// Used by fixtures and tests; analysis runs open existing databases.
	Create bool
}

// Store wraps a single SQLite connection. A *sqlite.Conn must not be used
// from several goroutines at once, so every method holds mu.
type Store struct {
	mu   sync.Mutex
	conn *sqlite.Conn
	path string
}

// Open opens the database at path and makes sure the output relations exist.
func Open(path string, opts Options) (*Store, error) {
	flags := []sqlite.OpenFlags{sqlite.OpenReadWrite, sqlite.OpenWAL}
	if opts.Create {
		flags = append(flags, sqlite.OpenCreate)
	}
	conn, err := sqlite.OpenConn(path, flags...)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout = 5000", nil); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &Store{conn: conn, path: path}
	if opts.Create {
		if err := sqlitex.ExecuteScript(conn, inputSchema, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("create input schema: %w", err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, outputSchema, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create output schema: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Relations lists the tables present in the database, sorted by name.
func (s *Store) Relations() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	err := sqlitex.Execute(s.conn,
		"SELECT name FROM sqlite_master WHERE type = 'table'",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				names = append(names, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing relations: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// RequireRelations fails with a MissingDataError naming the first relation
// that does not exist.
func (s *Store) RequireRelations(names ...string) error {
	present, err := s.Relations()
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(present))
	for _, n := range present {
		have[n] = true
	}
	for _, n := range names {
		if !have[n] {
			return &types.MissingDataError{Relation: n}
		}
	}
	return nil
}

// CountRows returns the number of rows in relation.
func (s *Store) CountRows(relation string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	// relation names come from the constants above, never from input
	err := sqlitex.Execute(s.conn, "SELECT COUNT(*) FROM "+relation, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", relation, err)
	}
	return n, nil
}
