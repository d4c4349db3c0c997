// Package visa holds the pluggable comparator registry deciding whether two
// visas denote the same real-world authorization and whether a visa
// satisfies a caller-supplied criterion.
package visa

import (
	"github.com/cardeahq/cardea/internal/model"
)

// Comparator is a type-specific strategy for interpreting visas of one
// kind. At most one comparator owns a given visa type; visas no comparator
// recognizes are inert.
type Comparator interface {
	// VisaTypeSupported reports whether this comparator owns the visa's type.
	VisaTypeSupported(v model.GA4GHVisa) bool

	// CriterionTypeSupported reports whether this comparator can evaluate
	// the criterion's shape.
	CriterionTypeSupported(c model.VisaCriterion) bool

	// AuthorizationsMatch reports whether two visas represent the same
	// authorization, ignoring token bytes, expiry, and validation times.
	AuthorizationsMatch(a, b model.GA4GHVisa) bool

	// MatchesCriterion reports whether the visa satisfies the criterion.
	MatchesCriterion(v model.GA4GHVisa, c model.VisaCriterion) bool
}

// Registry is an ordered set of comparators. Order is significant: for a
// given visa or criterion, the first comparator that supports it is
// authoritative, so construction order decides ownership of a type.
type Registry struct {
	comparators []Comparator
}

// NewRegistry creates a registry consulting comparators in the given order.
func NewRegistry(comparators ...Comparator) *Registry {
	return &Registry{comparators: comparators}
}

// ForVisa returns the comparator owning the visa's type, if any.
func (r *Registry) ForVisa(v model.GA4GHVisa) (Comparator, bool) {
	for _, c := range r.comparators {
		if c.VisaTypeSupported(v) {
			return c, true
		}
	}
	return nil, false
}

// ForCriterion returns the first comparator supporting the criterion's
// shape, if any.
func (r *Registry) ForCriterion(criterion model.VisaCriterion) (Comparator, bool) {
	for _, c := range r.comparators {
		if c.CriterionTypeSupported(criterion) {
			return c, true
		}
	}
	return nil, false
}
