package store

// inputSchema mirrors the relations written by the extraction pipeline.
const inputSchema = `
CREATE TABLE IF NOT EXISTS cfg_blocks (
	id INTEGER PRIMARY KEY,
	file TEXT NOT NULL,
	function_name TEXT NOT NULL,
	block_type TEXT NOT NULL,
	start_line INTEGER NOT NULL,
	end_line INTEGER NOT NULL,
	condition_expr TEXT
);
CREATE INDEX IF NOT EXISTS idx_cfg_blocks_file ON cfg_blocks(file);
CREATE INDEX IF NOT EXISTS idx_cfg_blocks_function ON cfg_blocks(function_name);

CREATE TABLE IF NOT EXISTS cfg_edges (
	id INTEGER PRIMARY KEY,
	file TEXT NOT NULL,
	function_name TEXT,
	source_block_id INTEGER NOT NULL,
	target_block_id INTEGER NOT NULL,
	edge_type TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cfg_edges_file ON cfg_edges(file);
CREATE INDEX IF NOT EXISTS idx_cfg_edges_source ON cfg_edges(source_block_id);

CREATE TABLE IF NOT EXISTS cfg_block_statements (
	block_id INTEGER NOT NULL,
	statement_order INTEGER NOT NULL,
	statement_type TEXT NOT NULL,
	line INTEGER NOT NULL,
	statement_text TEXT,
	callee_file TEXT,
	callee_function TEXT,
	target_var TEXT,
	source_expr TEXT
);
CREATE INDEX IF NOT EXISTS idx_cfg_statements_block ON cfg_block_statements(block_id);
`

// outputSchema holds the relations owned by the taint engine.
const outputSchema = `
CREATE TABLE IF NOT EXISTS taint_flows (
	id INTEGER PRIMARY KEY,
	source_file TEXT NOT NULL,
	source_line INTEGER NOT NULL,
	source_pattern TEXT NOT NULL,
	sink_file TEXT NOT NULL,
	sink_line INTEGER NOT NULL,
	sink_pattern TEXT NOT NULL,
	vulnerability_type TEXT NOT NULL,
	path_length INTEGER NOT NULL,
	hop_count INTEGER NOT NULL,
	path_json TEXT NOT NULL,
	flow_sensitive INTEGER NOT NULL DEFAULT 1,
	truncated INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_taint_flows_source ON taint_flows(source_file, source_line);
CREATE INDEX IF NOT EXISTS idx_taint_flows_sink ON taint_flows(sink_file, sink_line);

CREATE TABLE IF NOT EXISTS taint_runs (
	run_id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	status TEXT NOT NULL,
	mode TEXT NOT NULL,
	pairs INTEGER NOT NULL DEFAULT 0,
	flows INTEGER NOT NULL DEFAULT 0,
	truncated_pairs INTEGER NOT NULL DEFAULT 0
);
`
