// Package apperr defines the error taxonomy shared by the storage, conversion and transport layers.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidReference = errors.New("invalid reference")
	ErrInvalidInput     = errors.New("invalid input")
)

// Location points at a place in a source document. Line and Column are 1-based; 0 means unknown.
type Location struct {
	Path   string `json:"path"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

func (l Location) String() string {
	switch {
	case l.Line > 0 && l.Column > 0:
		return fmt.Sprintf("%s:%d:%d", l.Path, l.Line, l.Column)
	case l.Line > 0:
		return fmt.Sprintf("%s:%d", l.Path, l.Line)
	}
	return l.Path
}

// Problem is a single user-facing diagnostic.
type Problem struct {
	Message  string   `json:"message"`
	Location Location `json:"location"`
}

func (p Problem) String() string {
	return p.Location.String() + ": " + p.Message
}

// ParseValidationError reports that a source document is invalid. Nothing of the
// conversion is committed when it is returned.
type ParseValidationError struct {
	Path     string    `json:"path"`
	Problems []Problem `json:"problems"`
}

func (e *ParseValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "parse: " + e.Problems[0].String()
	}
	return fmt.Sprintf("parse: %s: %d problems, first: %s", e.Path, len(e.Problems), e.Problems[0].String())
}

// UnresolvedReference is a reference whose target never appeared.
type UnresolvedReference struct {
	OriginID string   `json:"from"`
	TargetID string   `json:"to"`
	Kind     string   `json:"kind"`
	Location Location `json:"location"`
}

// ReferenceIntegrityError lists references that did not resolve after a batch committed.
type ReferenceIntegrityError struct {
	Unresolved []UnresolvedReference `json:"unresolved"`
}

func (e *ReferenceIntegrityError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d unresolved reference(s)", len(e.Unresolved))
	for i, u := range e.Unresolved {
		if i == 3 {
			b.WriteString(", ...")
			break
		}
		fmt.Fprintf(&b, "; %s: %s %q -> %q", u.Location, u.Kind, u.OriginID, u.TargetID)
	}
	return b.String()
}

// Duplicate is one textual id defined by more than one document (or twice in one).
type Duplicate struct {
	ID        string     `json:"id"`
	Paths     []string   `json:"paths"`
	Locations []Location `json:"locations,omitempty"`
}

// DuplicateIdentifierError lists identifiers defined more than once.
type DuplicateIdentifierError struct {
	Duplicates []Duplicate `json:"duplicates"`
}

func (e *DuplicateIdentifierError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d duplicate identifier(s)", len(e.Duplicates))
	for i, d := range e.Duplicates {
		if i == 3 {
			b.WriteString(", ...")
			break
		}
		fmt.Fprintf(&b, "; %q defined in %s", d.ID, strings.Join(d.Paths, ", "))
	}
	return b.String()
}

// StorageError wraps a transaction or connection failure. It is never retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a *StorageError unless it is nil or already classified.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidReference) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// DedupProblems drops repeated problems and orders the rest by location.
func DedupProblems(in []Problem) []Problem {
	seen := make(map[Problem]struct{}, len(in))
	out := make([]Problem, 0, len(in))
	for _, p := range in {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Location, out[j].Location
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Column < b.Column
	})
	return out
}
