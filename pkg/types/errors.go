package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStructuralDataMissing is returned when a relation, or the rows of a
	// file or function referenced by the catalog, are absent from the store.
	ErrStructuralDataMissing = errors.New("structural data missing")

	// ErrCacheUnavailable is returned when the memory cache could not be
	// preloaded. Callers either fail or switch to store queries explicitly.
	ErrCacheUnavailable = errors.New("memory cache unavailable")

	// ErrBudgetExceeded is returned when a propagation pass runs past its
	// wall-clock budget. Flows materialized before the deadline are kept.
	ErrBudgetExceeded = errors.New("wall-clock budget exceeded")
)

// MissingDataError names what could not be found. It matches
// ErrStructuralDataMissing with errors.Is.
type MissingDataError struct {
	Relation string
	File     string
	Function string
	Line     int
	BlockID  int64
}

func (e *MissingDataError) Error() string {
	parts := []string{}
	if e.Relation != "" {
		parts = append(parts, "relation "+e.Relation)
	}
	if e.File != "" {
		parts = append(parts, "file "+e.File)
	}
	if e.Function != "" {
		parts = append(parts, "function "+e.Function)
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}
	if e.BlockID != 0 {
		parts = append(parts, fmt.Sprintf("block %d", e.BlockID))
	}
	return fmt.Sprintf("%s: %s", ErrStructuralDataMissing, strings.Join(parts, ", "))
}

// Is makes errors.Is(err, ErrStructuralDataMissing) true.
func (e *MissingDataError) Is(target error) bool {
	return target == ErrStructuralDataMissing
}

// Missing is shorthand for a MissingDataError about a file/function pair.
func Missing(relation, file, function string) error {
	return &MissingDataError{Relation: relation, File: file, Function: function}
}
