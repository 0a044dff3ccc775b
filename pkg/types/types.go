// Package types defines the core data structures exchanged with the
// collaborators of the taint engine: the source/sink catalog consumed by a
// propagation pass and the taint flow records it produces.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Endpoint is a taint source or sink location from the catalog.
type Endpoint struct {
	File     string `json:"file" yaml:"file" msgpack:"file"`
	Line     int    `json:"line" yaml:"line" msgpack:"line"`
	Function string `json:"function,omitempty" yaml:"function,omitempty" msgpack:"function,omitempty"`
	Pattern  string `json:"pattern" yaml:"pattern" msgpack:"pattern"`
	Category string `json:"category,omitempty" yaml:"category,omitempty" msgpack:"category,omitempty"`
	// Variable names the value a source produces. Empty means Pattern.
	Variable string `json:"variable,omitempty" yaml:"variable,omitempty" msgpack:"variable,omitempty"`
}

// String returns file:line (pattern).
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d (%s)", e.File, e.Line, e.Pattern)
}

// Catalog is the set of taint sources and sinks for one propagation pass.
// It is supplied by an upstream discovery stage and never modified.
// Sanitizers lists the functions whose call clears taint from their
// arguments, e.g. "html.escape" or "escape".
type Catalog struct {
	Sources    []Endpoint `json:"sources" yaml:"sources" msgpack:"sources"`
	Sinks      []Endpoint `json:"sinks" yaml:"sinks" msgpack:"sinks"`
	Sanitizers []string   `json:"sanitizers,omitempty" yaml:"sanitizers,omitempty" msgpack:"sanitizers,omitempty"`
}

// StepKind describes how a path step was entered.
type StepKind string

const (
	StepBlock  StepKind = "block"  // intra-procedural successor
	StepCall   StepKind = "call"   // entered a callee's entry block
	StepReturn StepKind = "return" // resumed a caller after a callee exit
)

// PathStep is one block on a taint path.
type PathStep struct {
	File     string   `json:"file" msgpack:"file"`
	Function string   `json:"function" msgpack:"function"`
	BlockID  int64    `json:"block" msgpack:"block"`
	Kind     StepKind `json:"kind" msgpack:"kind"`
}

// TaintFlow is one materialized source-to-sink path.
type TaintFlow struct {
	SourceFile        string     `json:"source_file" msgpack:"source_file"`
	SourceLine        int        `json:"source_line" msgpack:"source_line"`
	SourcePattern     string     `json:"source_pattern" msgpack:"source_pattern"`
	SinkFile          string     `json:"sink_file" msgpack:"sink_file"`
	SinkLine          int        `json:"sink_line" msgpack:"sink_line"`
	SinkPattern       string     `json:"sink_pattern" msgpack:"sink_pattern"`
	VulnerabilityType string     `json:"vulnerability_type" msgpack:"vulnerability_type"`
	PathLength        int        `json:"path_length" msgpack:"path_length"`
	HopCount          int        `json:"hop_count" msgpack:"hop_count"`
	PathSteps         []PathStep `json:"path" msgpack:"path"`
	Conditions        []string   `json:"conditions,omitempty" msgpack:"conditions,omitempty"`
	TaintedVars       []string   `json:"tainted_vars,omitempty" msgpack:"tainted_vars,omitempty"`
	FlowSensitive     bool       `json:"flow_sensitive" msgpack:"flow_sensitive"`
	Truncated         bool       `json:"truncated" msgpack:"truncated"`
}

// pathDocument is the serialized form of the path_json column.
type pathDocument struct {
	Steps       []PathStep `json:"steps"`
	Conditions  []string   `json:"conditions,omitempty"`
	TaintedVars []string   `json:"tainted_vars,omitempty"`
}

// EncodePath serializes the ordered path steps, the branch conditions and
// the variables still tainted at the sink.
func (f *TaintFlow) EncodePath() (string, error) {
	data, err := json.Marshal(pathDocument{Steps: f.PathSteps, Conditions: f.Conditions, TaintedVars: f.TaintedVars})
	if err != nil {
		return "", fmt.Errorf("encoding path: %w", err)
	}
	return string(data), nil
}

// DecodePath restores the fields written by EncodePath.
func (f *TaintFlow) DecodePath(data string) error {
	var doc pathDocument
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return fmt.Errorf("decoding path: %w", err)
	}
	f.PathSteps = doc.Steps
	f.Conditions = doc.Conditions
	f.TaintedVars = doc.TaintedVars
	return nil
}

// Key identifies a flow by its endpoints and path. Two runs over the same
// store produce the same set of keys.
func (f *TaintFlow) Key() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:%d:%s>%s:%d:%s|", f.SourceFile, f.SourceLine, f.SourcePattern,
		f.SinkFile, f.SinkLine, f.SinkPattern)
	for i, s := range f.PathSteps {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "%s#%d", s.Function, s.BlockID)
	}
	return sb.String()
}

var vulnerabilityByCategory = map[string]string{
	"sql":     "SQL Injection",
	"command": "Command Injection",
	"xss":     "Cross-Site Scripting (XSS)",
	"path":    "Path Traversal",
	"ldap":    "LDAP Injection",
	"nosql":   "NoSQL Injection",
}

// ClassifyVulnerability maps a sink category to a vulnerability type.
func ClassifyVulnerability(category string) string {
	if v, ok := vulnerabilityByCategory[strings.ToLower(category)]; ok {
		return v
	}
	return "Data Exposure"
}
