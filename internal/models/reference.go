package models

import "encoding/json"

// Reference is a directed edge from an origin identifier to a target textual id.
// The target is not a row id: it may not exist yet when the reference is written.
type Reference struct {
	OriginID     string          `json:"from"`
	DocumentPath string          `json:"path"`
	TargetID     string          `json:"to"`
	Kind         RefKind         `json:"kind"`
	Ordinal      *int            `json:"ordinal,omitempty"`
	AST          json.RawMessage `json:"ast,omitempty"`
}

// Target is the read-time resolution of a reference: either Resolved or Pending.
type Target interface {
	isTarget()
	// TextualID returns the id the reference was written against.
	TextualID() string
}

// Resolved is a reference whose target identifier exists.
type Resolved struct {
	ID           string `json:"id"`
	RowID        int64  `json:"-"`
	DocumentPath string `json:"path"`
	Title        string `json:"title,omitempty"`
	// Candidates is how many identifiers share the textual id; >1 means the
	// corpus currently has a duplicate and the choice may not be what the author meant.
	Candidates int `json:"candidates"`
}

// Pending is a reference whose target does not exist (yet).
type Pending struct {
	ID string `json:"id"`
}

func (Resolved) isTarget() {}
func (Pending) isTarget()  {}

// TextualID implements Target.
func (r Resolved) TextualID() string { return r.ID }

// TextualID implements Target.
func (p Pending) TextualID() string { return p.ID }

// ResolvedReference pairs a stored reference with its current resolution.
type ResolvedReference struct {
	Reference
	Target Target `json:"-"`
}

// IsPending reports whether the target did not resolve.
func (r ResolvedReference) IsPending() bool {
	_, ok := r.Target.(Pending)
	return ok
}
