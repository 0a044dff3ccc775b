// Package dfg provides data flow analysis over the stored control flow
// graphs: the taint state of variables along a path, with sanitizer calls
// and reassignments clearing it and loops solved to a fixed point.
package dfg

import (
	"regexp"
	"sort"
	"strings"

	"github.com/l3aro/go-taint-flow/pkg/cfg"
)

var (
	// identifier matches a dotted name such as "request.args.get".
	identifier = regexp.MustCompile(`[A-Za-z_$][A-Za-z0-9_$]*(?:\.[A-Za-z_$][A-Za-z0-9_$]*)*`)
	literal    = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|` + "`[^`]*`")
)

// Names returns the dotted names mentioned in expr in order of
// appearance. Words inside string literals are not names.
func Names(expr string) []string {
	return identifier.FindAllString(literal.ReplaceAllString(expr, " "), -1)
}

// mentions reports whether expr uses name: a dotted name in expr equals
// name or extends it with a member access. "data" is mentioned by
// "data.id" but not by "metadata".
func mentions(expr []string, name string) bool {
	for _, n := range expr {
		if n == name || strings.HasPrefix(n, name+".") {
			return true
		}
	}
	return false
}

// State is the taint state at one program point of a function.
//
// A name is tainted when it is in the live set. An opaque state also
// taints every name it has not seen assigned; it stands for a callee
// entered with tainted arguments, whose parameter names are unknown.
type State struct {
	live      map[string]struct{}
	sanitized map[string]struct{}
	clean     map[string]struct{} // assigned or sanitized names of an opaque state
	opaque    bool
}

// NewState returns a state in which names are tainted.
func NewState(names ...string) *State {
	s := &State{
		live:      make(map[string]struct{}),
		sanitized: make(map[string]struct{}),
		clean:     make(map[string]struct{}),
	}
	for _, n := range names {
		s.Taint(n)
	}
	return s
}

// Opaque returns a state that taints every name until it is reassigned.
func Opaque() *State {
	s := NewState()
	s.opaque = true
	return s
}

// IsTainted reports whether name holds tainted data.
func (s *State) IsTainted(name string) bool {
	if _, ok := s.live[name]; ok {
		return true
	}
	if !s.opaque {
		return false
	}
	_, ok := s.clean[name]
	return !ok
}

// Taint marks name tainted, undoing an earlier sanitization.
func (s *State) Taint(name string) {
	s.live[name] = struct{}{}
	delete(s.sanitized, name)
	delete(s.clean, name)
}

// Sanitize clears the taint of name and remembers that it was cleaned.
func (s *State) Sanitize(name string) {
	if s.IsTainted(name) {
		s.sanitized[name] = struct{}{}
	}
	delete(s.live, name)
	s.clean[name] = struct{}{}
}

// Kill clears name after a reassignment from untainted data.
func (s *State) Kill(name string) {
	delete(s.live, name)
	delete(s.sanitized, name)
	s.clean[name] = struct{}{}
}

// Tainting returns the tainted names expr uses, sorted.
func (s *State) Tainting(expr string) []string {
	names := Names(expr)
	seen := make(map[string]bool)
	var out []string
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for n := range s.live {
		if mentions(names, n) {
			add(n)
		}
	}
	if s.opaque {
		for _, n := range names {
			if s.IsTainted(n) && !s.cleanPrefix(n) {
				add(n)
			}
		}
	}
	sort.Strings(out)
	return out
}

// cleanPrefix reports whether a cleaned name covers n, as "row" covers
// "row.id".
func (s *State) cleanPrefix(n string) bool {
	for c := range s.clean {
		if strings.HasPrefix(n, c+".") {
			return true
		}
	}
	return false
}

// Live returns the tainted names the state tracks explicitly, sorted.
func (s *State) Live() []string {
	return sortedKeys(s.live)
}

// Sanitized returns the names cleared by a sanitizer, sorted.
func (s *State) Sanitized() []string {
	return sortedKeys(s.sanitized)
}

// Any reports whether anything may be tainted.
func (s *State) Any() bool {
	return s.opaque || len(s.live) > 0
}

// Clone returns an independent copy.
func (s *State) Clone() *State {
	c := &State{
		live:      copySet(s.live),
		sanitized: copySet(s.sanitized),
		clean:     copySet(s.clean),
		opaque:    s.opaque,
	}
	return c
}

// Merge joins the state of another incoming path: a name is tainted after
// the join when it is tainted on either side.
func (s *State) Merge(o *State) *State {
	m := NewState()
	m.opaque = s.opaque || o.opaque
	for _, side := range []*State{s, o} {
		for n := range side.live {
			m.live[n] = struct{}{}
		}
	}
	if m.opaque {
		for _, side := range []*State{s, o} {
			for n := range side.clean {
				if !s.IsTainted(n) && !o.IsTainted(n) {
					m.clean[n] = struct{}{}
				}
			}
		}
	}
	for _, side := range []*State{s, o} {
		for n := range side.sanitized {
			if !m.IsTainted(n) {
				m.sanitized[n] = struct{}{}
			}
		}
	}
	return m
}

// Equal reports whether two states taint the same names.
func (s *State) Equal(o *State) bool {
	return s.opaque == o.opaque &&
		setsEqual(s.live, o.live) &&
		setsEqual(s.sanitized, o.sanitized) &&
		(!s.opaque || setsEqual(s.clean, o.clean))
}

func copySet(src map[string]struct{}) map[string]struct{} {
	dst := make(map[string]struct{}, len(src))
	for k := range src {
		dst[k] = struct{}{}
	}
	return dst
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Sanitizers is the set of functions whose call clears taint from their
// arguments and result.
type Sanitizers map[string]struct{}

// NewSanitizers indexes names under both their qualified and unqualified
// form, so "html.escape" also matches a call stored as "escape".
func NewSanitizers(names []string) Sanitizers {
	s := make(Sanitizers, 2*len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		s[n] = struct{}{}
		s[cfg.NormalizeFunction(n)] = struct{}{}
	}
	return s
}

// Match reports whether a call to callee sanitizes.
func (s Sanitizers) Match(callee string) bool {
	if _, ok := s[callee]; ok {
		return true
	}
	_, ok := s[cfg.NormalizeFunction(callee)]
	return ok
}

// rhs returns the part of a statement that is read: the source expression
// of an assignment, or the text after the first "=" of a call assigned to
// a variable.
func rhs(stmt cfg.Statement) string {
	if stmt.SourceExpr != nil {
		return *stmt.SourceExpr
	}
	text := stmt.Text
	if stmt.Kind == cfg.StatementReturn {
		return strings.TrimPrefix(strings.TrimSpace(text), "return")
	}
	if stmt.TargetVar != nil {
		if i := strings.Index(text, "="); i >= 0 {
			return text[i+1:]
		}
	}
	return text
}

// Transfer applies the statements of a block to state in order. A
// sanitizer call cleans the names it is passed and its result; any other
// statement with a target taints the target when what it reads is
// tainted and clears it otherwise.
func Transfer(state *State, stmts []cfg.Statement, sanitizers Sanitizers) {
	for _, stmt := range stmts {
		transfer(state, stmt, sanitizers)
	}
}

func transfer(state *State, stmt cfg.Statement, sanitizers Sanitizers) {
	var target string
	if stmt.TargetVar != nil {
		target = *stmt.TargetVar
	}
	if stmt.Kind == cfg.StatementCall && stmt.CalleeFunction != nil && sanitizers.Match(*stmt.CalleeFunction) {
		for _, n := range state.Tainting(rhs(stmt)) {
			state.Sanitize(n)
		}
		if target != "" {
			state.Kill(target)
		}
		return
	}
	if target == "" {
		return
	}
	if len(state.Tainting(rhs(stmt))) > 0 {
		state.Taint(target)
	} else {
		state.Kill(target)
	}
}
