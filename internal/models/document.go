// Package models defines the domain types for concord.
package models

import (
	"encoding/json"
	"time"
)

// Document is one source file of the corpus.
type Document struct {
	ID          int64     `json:"-"`
	Path        string    `json:"path"`
	ContentHash string    `json:"content_hash"`
	ParsedAt    time.Time `json:"parsed_at"`
	RenderedAt  time.Time `json:"rendered_at,omitempty"`
	ToplevelID  string    `json:"toplevel_id,omitempty"`
}

// DocumentMetadata is a lightweight representation returned by storage list operations.
type DocumentMetadata struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identifier is a named anchor defined by some construct of a document.
// Textual ids are not unique across the corpus until the corpus is consistent.
type Identifier struct {
	RowID        int64           `json:"-"`
	ID           string          `json:"id"`
	DocumentPath string          `json:"path"`
	ToplevelID   string          `json:"toplevel_id"`
	Macro        string          `json:"macro"`
	Title        string          `json:"title,omitempty"`
	AST          json.RawMessage `json:"ast,omitempty"`
}

// IsToplevel reports whether the identifier is the root of its own section tree.
func (i Identifier) IsToplevel() bool {
	return i.ToplevelID == i.ID
}

// DuplicateIdentifier is an identifier row whose textual id is defined elsewhere too.
type DuplicateIdentifier struct {
	Identifier
	OtherPaths []string `json:"other_paths"`
}
