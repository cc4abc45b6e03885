package convert

import (
	"context"
	"errors"
	"sort"

	"github.com/starford/concord/internal/apperr"
	"github.com/starford/concord/internal/models"
)

// Health is the corpus-level consistency report.
type Health struct {
	Duplicates []models.DuplicateIdentifier `json:"duplicates"`
	Unresolved []models.Reference           `json:"unresolved"`
	// DanglingTopics have no articles left; their representative points at a deleted article.
	DanglingTopics []models.Topic `json:"dangling_topics"`
}

// OK reports whether the corpus has no duplicate identifiers and no unresolved references.
func (h *Health) OK() bool {
	return len(h.Duplicates) == 0 && len(h.Unresolved) == 0
}

// Err returns the report as *apperr.DuplicateIdentifierError and
// *apperr.ReferenceIntegrityError joined, or nil.
func (h *Health) Err() error {
	var errs []error
	if d := h.duplicateError(); d != nil {
		errs = append(errs, d)
	}
	if r := h.integrityError(); r != nil {
		errs = append(errs, r)
	}
	return errors.Join(errs...)
}

func (h *Health) duplicateError() *apperr.DuplicateIdentifierError {
	if len(h.Duplicates) == 0 {
		return nil
	}
	byID := make(map[string]*apperr.Duplicate)
	var order []string
	for _, d := range h.Duplicates {
		dup, ok := byID[d.ID]
		if !ok {
			dup = &apperr.Duplicate{ID: d.ID}
			byID[d.ID] = dup
			order = append(order, d.ID)
		}
		dup.Paths = append(dup.Paths, d.DocumentPath)
		dup.Paths = append(dup.Paths, d.OtherPaths...)
		dup.Locations = append(dup.Locations, apperr.Locate(d.DocumentPath, d.AST))
	}
	out := &apperr.DuplicateIdentifierError{}
	for _, id := range order {
		dup := byID[id]
		dup.Paths = uniqueSorted(dup.Paths)
		out.Duplicates = append(out.Duplicates, *dup)
	}
	return out
}

func (h *Health) integrityError() *apperr.ReferenceIntegrityError {
	if len(h.Unresolved) == 0 {
		return nil
	}
	out := &apperr.ReferenceIntegrityError{}
	for _, r := range h.Unresolved {
		out.Unresolved = append(out.Unresolved, apperr.UnresolvedReference{
			OriginID: r.OriginID,
			TargetID: r.TargetID,
			Kind:     string(r.Kind),
			Location: apperr.Locate(r.DocumentPath, r.AST),
		})
	}
	return out
}

// Validate runs the duplicate detector and the reference integrity check. With
// paths, only rows of those documents are reported; the comparison itself is
// always corpus-wide. A storage failure returns a nil Health; otherwise the error
// is Health.Err().
func (o *Orchestrator) Validate(ctx context.Context, paths ...string) (*Health, error) {
	dups, err := o.db.FindDuplicateIdentifiers(ctx, paths...)
	if err != nil {
		return nil, err
	}
	unresolved, err := o.db.UnresolvedReferences(ctx, paths...)
	if err != nil {
		return nil, err
	}
	dangling, err := o.db.DanglingTopics(ctx)
	if err != nil {
		return nil, err
	}
	h := &Health{Duplicates: dups, Unresolved: unresolved, DanglingTopics: dangling}
	return h, h.Err()
}

func uniqueSorted(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}
