package store

import (
	"fmt"
	"time"

	"github.com/l3aro/go-taint-flow/pkg/types"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// timeLayout keeps run timestamps fixed width so that they sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RunRecord is one row of taint_runs.
type RunRecord struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	Status         string
	Mode           string
	Pairs          int
	Flows          int
	TruncatedPairs int
}

// ResetFlows deletes the flows of a previous run. A run replaces the whole
// taint_flows relation.
func (s *Store) ResetFlows() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := sqlitex.Execute(s.conn, "DELETE FROM taint_flows", nil); err != nil {
		return fmt.Errorf("resetting %s: %w", RelationFlows, err)
	}
	return nil
}

// InsertFlows writes flows atomically: either all rows of the batch are
// stored or none are.
func (s *Store) InsertFlows(flows []types.TaintFlow) (err error) {
	if len(flows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	release := sqlitex.Save(s.conn)
	defer release(&err)

	stmt, err := s.conn.Prepare(`INSERT INTO taint_flows (
		source_file, source_line, source_pattern,
		sink_file, sink_line, sink_pattern,
		vulnerability_type, path_length, hop_count, path_json,
		flow_sensitive, truncated
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert flow: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	for i := range flows {
		f := &flows[i]
		path, err := f.EncodePath()
		if err != nil {
			return err
		}
		stmt.BindText(1, f.SourceFile)
		stmt.BindInt64(2, int64(f.SourceLine))
		stmt.BindText(3, f.SourcePattern)
		stmt.BindText(4, f.SinkFile)
		stmt.BindInt64(5, int64(f.SinkLine))
		stmt.BindText(6, f.SinkPattern)
		stmt.BindText(7, f.VulnerabilityType)
		stmt.BindInt64(8, int64(f.PathLength))
		stmt.BindInt64(9, int64(f.HopCount))
		stmt.BindText(10, path)
		stmt.BindBool(11, f.FlowSensitive)
		stmt.BindBool(12, f.Truncated)
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("insert flow: %w", err)
		}
		_ = stmt.Reset()
	}
	return nil
}

// Flows reads back every stored flow in insertion order.
func (s *Store) Flows() ([]types.TaintFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var flows []types.TaintFlow
	err := sqlitex.Execute(s.conn, `SELECT source_file, source_line, source_pattern,
		sink_file, sink_line, sink_pattern, vulnerability_type, path_length, hop_count,
		path_json, flow_sensitive, truncated
		FROM taint_flows ORDER BY id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				f := types.TaintFlow{
					SourceFile:        stmt.ColumnText(0),
					SourceLine:        stmt.ColumnInt(1),
					SourcePattern:     stmt.ColumnText(2),
					SinkFile:          stmt.ColumnText(3),
					SinkLine:          stmt.ColumnInt(4),
					SinkPattern:       stmt.ColumnText(5),
					VulnerabilityType: stmt.ColumnText(6),
					PathLength:        stmt.ColumnInt(7),
					HopCount:          stmt.ColumnInt(8),
					FlowSensitive:     stmt.ColumnBool(10),
					Truncated:         stmt.ColumnBool(11),
				}
				if err := f.DecodePath(stmt.ColumnText(9)); err != nil {
					return err
				}
				flows = append(flows, f)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", RelationFlows, err)
	}
	return flows, nil
}

// BeginRun records the start of a propagation pass.
func (s *Store) BeginRun(run RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := sqlitex.Execute(s.conn, `INSERT INTO taint_runs (run_id, started_at, status, mode)
		VALUES (?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{run.RunID, run.StartedAt.UTC().Format(timeLayout), run.Status, run.Mode},
	})
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

// FinishRun stores the outcome of a propagation pass.
func (s *Store) FinishRun(run RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := sqlitex.Execute(s.conn, `UPDATE taint_runs
		SET finished_at = ?, status = ?, pairs = ?, flows = ?, truncated_pairs = ?
		WHERE run_id = ?`, &sqlitex.ExecOptions{
		Args: []any{
			run.FinishedAt.UTC().Format(timeLayout), run.Status,
			run.Pairs, run.Flows, run.TruncatedPairs, run.RunID,
		},
	})
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return nil
}

func parseRunTime(column, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s.%s: %w", RelationRuns, column, err)
	}
	return t, nil
}

// LastRun returns the most recently started run. A run still in progress
// has a zero FinishedAt.
func (s *Store) LastRun() (RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var run RunRecord
	found := false
	err := sqlitex.Execute(s.conn, `SELECT run_id, started_at, COALESCE(finished_at, ''), status, mode,
		pairs, flows, truncated_pairs FROM taint_runs ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) (err error) {
				found = true
				run.RunID = stmt.ColumnText(0)
				if run.StartedAt, err = parseRunTime("started_at", stmt.ColumnText(1)); err != nil {
					return err
				}
				if run.FinishedAt, err = parseRunTime("finished_at", stmt.ColumnText(2)); err != nil {
					return err
				}
				run.Status = stmt.ColumnText(3)
				run.Mode = stmt.ColumnText(4)
				run.Pairs = stmt.ColumnInt(5)
				run.Flows = stmt.ColumnInt(6)
				run.TruncatedPairs = stmt.ColumnInt(7)
				return nil
			},
		})
	if err != nil {
		return RunRecord{}, false, fmt.Errorf("querying %s: %w", RelationRuns, err)
	}
	return run, found, nil
}
