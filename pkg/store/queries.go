package store

import (
	"fmt"

	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const blockColumns = `b.id, b.file, b.function_name, b.block_type, b.start_line, b.end_line, b.condition_expr`

const statementColumns = `s.block_id, s.statement_order, s.statement_type, s.line, s.statement_text,
	s.callee_file, s.callee_function, s.target_var, s.source_expr`

// normFile compares file keys with Windows separators folded to '/'.
const normFile = `replace(b.file, char(92), '/')`

func scanBlock(stmt *sqlite.Stmt, col int) cfg.Block {
	return cfg.Block{
		ID:        stmt.ColumnInt64(col),
		File:      cfg.NormalizePath(stmt.ColumnText(col + 1)),
		Function:  stmt.ColumnText(col + 2),
		Type:      cfg.BlockType(stmt.ColumnText(col + 3)),
		StartLine: stmt.ColumnInt(col + 4),
		EndLine:   stmt.ColumnInt(col + 5),
		Condition: stmt.ColumnText(col + 6),
	}
}

func nullableText(stmt *sqlite.Stmt, col int) *string {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	v := stmt.ColumnText(col)
	return &v
}

func scanStatement(stmt *sqlite.Stmt, col int) cfg.Statement {
	return cfg.Statement{
		BlockID:        stmt.ColumnInt64(col),
		Ordinal:        stmt.ColumnInt(col + 1),
		Kind:           cfg.StatementKind(stmt.ColumnText(col + 2)),
		Line:           stmt.ColumnInt(col + 3),
		Text:           stmt.ColumnText(col + 4),
		CalleeFile:     nullableText(stmt, col+5),
		CalleeFunction: nullableText(stmt, col+6),
		TargetVar:      nullableText(stmt, col+7),
		SourceExpr:     nullableText(stmt, col+8),
	}
}

func scanEdge(stmt *sqlite.Stmt) cfg.Edge {
	return cfg.Edge{
		Seq:      stmt.ColumnInt64(0),
		File:     cfg.NormalizePath(stmt.ColumnText(1)),
		Function: stmt.ColumnText(2),
		SourceID: stmt.ColumnInt64(3),
		TargetID: stmt.ColumnInt64(4),
		Type:     cfg.EdgeType(stmt.ColumnText(5)),
	}
}

func (s *Store) queryBlocks(query string, args ...any) ([]cfg.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blocks []cfg.Block
	err := sqlitex.Execute(s.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blocks = append(blocks, scanBlock(stmt, 0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", RelationBlocks, err)
	}
	return blocks, nil
}

// BlocksForFunction returns the blocks of one function ordered by start line.
func (s *Store) BlocksForFunction(file, function string) ([]cfg.Block, error) {
	return s.queryBlocks(`SELECT `+blockColumns+` FROM cfg_blocks b
		WHERE `+normFile+` = ? AND b.function_name = ?
		ORDER BY b.start_line, b.id`, cfg.NormalizePath(file), function)
}

// BlocksForFile returns the blocks of every function of a file ordered by
// start line.
func (s *Store) BlocksForFile(file string) ([]cfg.Block, error) {
	return s.queryBlocks(`SELECT `+blockColumns+` FROM cfg_blocks b
		WHERE `+normFile+` = ?
		ORDER BY b.start_line, b.id`, cfg.NormalizePath(file))
}

// BlockByID returns a block by id.
func (s *Store) BlockByID(id int64) (cfg.Block, bool, error) {
	blocks, err := s.queryBlocks(`SELECT `+blockColumns+` FROM cfg_blocks b WHERE b.id = ?`, id)
	if err != nil || len(blocks) == 0 {
		return cfg.Block{}, false, err
	}
	return blocks[0], true, nil
}

// BlockForLine returns the block of function whose range contains line.
// With an empty function the innermost block of the file is returned:
// greatest start line, then smallest end line, then lowest id.
func (s *Store) BlockForLine(file, function string, line int) (cfg.Block, bool, error) {
	var blocks []cfg.Block
	var err error
	if function == "" {
		blocks, err = s.queryBlocks(`SELECT `+blockColumns+` FROM cfg_blocks b
			WHERE `+normFile+` = ? AND b.start_line <= ? AND b.end_line >= ?
			ORDER BY b.start_line DESC, b.end_line ASC, b.id ASC LIMIT 1`,
			cfg.NormalizePath(file), line, line)
	} else {
		blocks, err = s.queryBlocks(`SELECT `+blockColumns+` FROM cfg_blocks b
			WHERE `+normFile+` = ? AND b.function_name = ? AND b.start_line <= ? AND b.end_line >= ?
			ORDER BY b.start_line, b.id LIMIT 1`,
			cfg.NormalizePath(file), function, line, line)
	}
	if err != nil || len(blocks) == 0 {
		return cfg.Block{}, false, err
	}
	return blocks[0], true, nil
}

// EdgesForFile returns the edges of a file in insertion order.
func (s *Store) EdgesForFile(file string) ([]cfg.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var edges []cfg.Edge
	err := sqlitex.Execute(s.conn, `SELECT id, file, COALESCE(function_name, ''), source_block_id, target_block_id, edge_type
		FROM cfg_edges WHERE replace(file, char(92), '/') = ? ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{cfg.NormalizePath(file)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				edges = append(edges, scanEdge(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", RelationEdges, err)
	}
	return edges, nil
}

// StatementsForBlock returns the statements of a block in ordinal order.
func (s *Store) StatementsForBlock(blockID int64) ([]cfg.Statement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stmts []cfg.Statement
	err := sqlitex.Execute(s.conn, `SELECT `+statementColumns+` FROM cfg_block_statements s
		WHERE s.block_id = ? ORDER BY s.statement_order, s.rowid`,
		&sqlitex.ExecOptions{
			Args: []any{blockID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stmts = append(stmts, scanStatement(stmt, 0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", RelationStatements, err)
	}
	return stmts, nil
}

func (s *Store) queryCallSites(where string, args ...any) ([]cfg.CallSite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sites []cfg.CallSite
	err := sqlitex.Execute(s.conn, `SELECT `+blockColumns+`, `+statementColumns+`
		FROM cfg_block_statements s JOIN cfg_blocks b ON b.id = s.block_id
		WHERE s.statement_type = 'call' AND s.callee_function IS NOT NULL AND s.callee_function != ''
		AND `+where,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if site, ok := cfg.NewCallSite(scanBlock(stmt, 0), scanStatement(stmt, 7)); ok {
					sites = append(sites, site)
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("querying call sites: %w", err)
	}
	cfg.SortCallSites(sites)
	return sites, nil
}

// CallSitesForFunction returns the call sites inside one function.
func (s *Store) CallSitesForFunction(file, function string) ([]cfg.CallSite, error) {
	return s.queryCallSites(normFile+` = ? AND b.function_name = ?`, cfg.NormalizePath(file), function)
}

// CallersOf returns the call sites whose callee resolves to the given
// function. Callee names are stored qualified or bare, so candidates are
// narrowed in SQL and matched exactly after normalization.
func (s *Store) CallersOf(calleeFile, calleeFunction string) ([]cfg.CallSite, error) {
	candidates, err := s.queryCallSites(`(s.callee_function = ?1 OR s.callee_function LIKE '%.' || ?1)`, calleeFunction)
	if err != nil {
		return nil, err
	}
	calleeFile = cfg.NormalizePath(calleeFile)
	var sites []cfg.CallSite
	for _, site := range candidates {
		if site.CalleeFile == calleeFile && site.CalleeFunction == calleeFunction {
			sites = append(sites, site)
		}
	}
	return sites, nil
}

// AllCallSites returns every call site of the database.
func (s *Store) AllCallSites() ([]cfg.CallSite, error) {
	return s.queryCallSites(`1 = 1`)
}

// EachBlock streams every block in id order.
func (s *Store) EachBlock(fn func(cfg.Block) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlitex.Execute(s.conn, `SELECT `+blockColumns+` FROM cfg_blocks b ORDER BY b.id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error { return fn(scanBlock(stmt, 0)) },
		})
}

// EachEdge streams every edge in insertion order.
func (s *Store) EachEdge(fn func(cfg.Edge) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlitex.Execute(s.conn, `SELECT id, file, COALESCE(function_name, ''), source_block_id, target_block_id, edge_type
		FROM cfg_edges ORDER BY id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error { return fn(scanEdge(stmt)) },
		})
}

// EachStatement streams every statement grouped by block in ordinal order.
func (s *Store) EachStatement(fn func(cfg.Statement) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlitex.Execute(s.conn, `SELECT `+statementColumns+` FROM cfg_block_statements s
		ORDER BY s.block_id, s.statement_order, s.rowid`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error { return fn(scanStatement(stmt, 0)) },
		})
}

// HasFile reports whether any block belongs to file.
func (s *Store) HasFile(file string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	err := sqlitex.Execute(s.conn, `SELECT 1 FROM cfg_blocks b WHERE `+normFile+` = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{cfg.NormalizePath(file)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("querying %s: %w", RelationBlocks, err)
	}
	return found, nil
}

// HasFunction reports whether any block belongs to function in file.
func (s *Store) HasFunction(file, function string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	err := sqlitex.Execute(s.conn, `SELECT 1 FROM cfg_blocks b WHERE `+normFile+` = ? AND b.function_name = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{cfg.NormalizePath(file), function},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("querying %s: %w", RelationBlocks, err)
	}
	return found, nil
}
