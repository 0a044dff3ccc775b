package store

import (
	"fmt"

	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Snapshot holds the rows of the three input relations. It is the
// interchange format of `gtf cache dump` and `gtf import`.
type Snapshot struct {
	Blocks     []cfg.Block     `json:"blocks" yaml:"blocks" msgpack:"blocks"`
	Edges      []cfg.Edge      `json:"edges" yaml:"edges" msgpack:"edges"`
	Statements []cfg.Statement `json:"statements" yaml:"statements" msgpack:"statements"`
}

// Rows returns the total number of rows in the snapshot.
func (snap *Snapshot) Rows() int {
	return len(snap.Blocks) + len(snap.Edges) + len(snap.Statements)
}

// Import writes snap into the input relations in one savepoint. Edges with
// a zero Seq get the next row id, so insertion order is slice order.
func (s *Store) Import(snap Snapshot) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	release := sqlitex.Save(s.conn)
	defer release(&err)

	for _, b := range snap.Blocks {
		err = sqlitex.Execute(s.conn, `INSERT INTO cfg_blocks
			(id, file, function_name, block_type, start_line, end_line, condition_expr)
			VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''))`, &sqlitex.ExecOptions{
			Args: []any{b.ID, b.File, b.Function, string(b.Type), b.StartLine, b.EndLine, b.Condition},
		})
		if err != nil {
			return fmt.Errorf("import block %d: %w", b.ID, err)
		}
	}

	for _, e := range snap.Edges {
		var id any
		if e.Seq > 0 {
			id = e.Seq
		}
		err = sqlitex.Execute(s.conn, `INSERT INTO cfg_edges
			(id, file, function_name, source_block_id, target_block_id, edge_type)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{id, e.File, e.Function, e.SourceID, e.TargetID, string(edgeTypeOrNormal(e.Type))},
		})
		if err != nil {
			return fmt.Errorf("import edge %d->%d: %w", e.SourceID, e.TargetID, err)
		}
	}

	for _, st := range snap.Statements {
		kind := st.Kind
		if kind == "" {
			kind = cfg.StatementOther
		}
		err = sqlitex.Execute(s.conn, `INSERT INTO cfg_block_statements
			(block_id, statement_order, statement_type, line, statement_text,
			 callee_file, callee_function, target_var, source_expr)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				st.BlockID, st.Ordinal, string(kind), st.Line, st.Text,
				optional(st.CalleeFile), optional(st.CalleeFunction),
				optional(st.TargetVar), optional(st.SourceExpr),
			},
		})
		if err != nil {
			return fmt.Errorf("import statement of block %d: %w", st.BlockID, err)
		}
	}
	return nil
}

func edgeTypeOrNormal(t cfg.EdgeType) cfg.EdgeType {
	if t == "" {
		return cfg.EdgeTypeNormal
	}
	return t
}

// optional maps a nil pointer to SQL NULL.
func optional(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
