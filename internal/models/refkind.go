package models

import (
	"fmt"

	"github.com/starford/concord/internal/apperr"
)

// RefKind is the closed set of reference kinds. The string value is what is persisted.
type RefKind string

const (
	RefCrossLink RefKind = "cross-link"
	RefParent    RefKind = "parent"
	RefInclude   RefKind = "include"
	RefSynonym   RefKind = "title-equivalence"
	RefTag       RefKind = "tag"
)

// Dependency describes which side of a reference a render depends on.
type Dependency int

const (
	// DependsNone means the edge does not affect any render but the holder's own.
	DependsNone Dependency = iota
	// DependsOnTarget means the holding document renders content of the target's document.
	DependsOnTarget
	// TargetDependsOn means the target's document renders content of the holder
	// (a parent lists its children).
	TargetDependsOn
)

// KindRule holds the validation and resolution rules of a reference kind.
type KindRule struct {
	// MustResolve references are corpus errors if the target never exists.
	MustResolve bool
	// ToplevelTarget references only resolve against toplevel identifiers.
	ToplevelTarget bool
	// AllowSelf permits origin == target.
	AllowSelf  bool
	Dependency Dependency
}

var kindRules = map[RefKind]KindRule{
	RefCrossLink: {MustResolve: true, AllowSelf: true},
	RefParent:    {MustResolve: true, Dependency: TargetDependsOn},
	RefInclude:   {MustResolve: true, ToplevelTarget: true, Dependency: DependsOnTarget},
	RefSynonym:   {MustResolve: true},
	RefTag:       {MustResolve: true},
}

// RefKinds returns every known kind in a stable order.
func RefKinds() []RefKind {
	return []RefKind{RefCrossLink, RefParent, RefInclude, RefSynonym, RefTag}
}

// ParseRefKind converts a persisted value back into a RefKind.
func ParseRefKind(s string) (RefKind, error) {
	k := RefKind(s)
	if _, ok := kindRules[k]; !ok {
		return "", fmt.Errorf("%w: unknown kind %q", apperr.ErrInvalidReference, s)
	}
	return k, nil
}

// Rule returns the rule for k. Unknown kinds get the zero rule.
func (k RefKind) Rule() KindRule {
	return kindRules[k]
}

// Structural reports whether the kind propagates render staleness across documents.
func (k RefKind) Structural() bool {
	return kindRules[k].Dependency != DependsNone
}

// Validate checks the write-time rules of a reference. Resolution is not checked:
// targets may legitimately not exist yet.
func (k RefKind) Validate(r Reference) error {
	rule, ok := kindRules[k]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", apperr.ErrInvalidReference, k)
	}
	if r.OriginID == "" || r.TargetID == "" {
		return fmt.Errorf("%w: %s reference with empty endpoint", apperr.ErrInvalidReference, k)
	}
	if !rule.AllowSelf && r.OriginID == r.TargetID {
		return fmt.Errorf("%w: %s reference from %q to itself", apperr.ErrInvalidReference, k, r.OriginID)
	}
	if r.Ordinal != nil && *r.Ordinal < 0 {
		return fmt.Errorf("%w: negative ordinal on %s reference", apperr.ErrInvalidReference, k)
	}
	return nil
}

// StructuralKinds returns the kinds with the given dependency direction.
func StructuralKinds(d Dependency) []RefKind {
	var out []RefKind
	for _, k := range RefKinds() {
		if kindRules[k].Dependency == d {
			out = append(out, k)
		}
	}
	return out
}
