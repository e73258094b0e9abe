package system

import (
	"context"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"infrasys/pkg/component"
	"infrasys/pkg/errs"
)

// AddSupplementalAttribute links attr to the stored component c. A new
// attribute is stored on first use and may then be linked to further
// components. Attribute types resolve through the system registry.
func (s *System) AddSupplementalAttribute(c, attr component.Component) error {
	tag, ok := s.table.TagOf(c)
	if !ok {
		return fmt.Errorf("%s: %w", component.Label(c), errs.ErrNotFound)
	}
	if s.table.Has(attr) {
		return fmt.Errorf("%w: %s is a component", errs.ErrConflictingArguments, component.Label(attr))
	}
	if err := s.attrs.Attach(c, tag, attr); err != nil {
		return err
	}
	s.log.Debug("linked supplemental attribute",
		zap.String("component", component.Label(c)),
		zap.String("attribute", component.ID(attr).String()))
	return nil
}

// RemoveSupplementalAttribute deletes attr, its links and its time series.
func (s *System) RemoveSupplementalAttribute(ctx context.Context, attr component.Component) error {
	if !s.attrs.Has(attr) {
		return fmt.Errorf("supplemental attribute %s: %w", component.Label(attr), errs.ErrNotFound)
	}
	if err := s.series.RemoveOwner(ctx, component.ID(attr)); err != nil {
		return err
	}
	return s.attrs.Remove(attr)
}

// RemoveSupplementalAttributeFromComponent unlinks attr from c. An
// attribute left without links is removed along with its time series.
func (s *System) RemoveSupplementalAttributeFromComponent(ctx context.Context, c, attr component.Component) error {
	if !s.attrs.Linked(c, attr) {
		return fmt.Errorf("%s has no supplemental attribute %s: %w", component.Label(c), component.ID(attr), errs.ErrNotFound)
	}
	if len(s.attrs.ComponentIDs(attr)) == 1 {
		return s.RemoveSupplementalAttribute(ctx, attr)
	}
	_, err := s.attrs.Detach(c, attr)
	return err
}

// GetSupplementalAttributeByID returns the stored attribute with id.
func (s *System) GetSupplementalAttributeByID(id uuid.UUID) (component.Component, error) {
	return s.attrs.Get(id)
}

// SupplementalAttributes yields stored attributes of type tag and its
// subtypes, or every attribute when tag is empty.
func (s *System) SupplementalAttributes(tag string) iter.Seq[component.Component] {
	return s.attrs.Iter(tag)
}

// SupplementalAttributesOf returns the attributes linked to c, optionally
// limited to type tag.
func (s *System) SupplementalAttributesOf(c component.Component, tag string) []component.Component {
	return s.attrs.Of(c, tag)
}

// AttributesOf returns the attributes of type T linked to c.
func AttributesOf[T component.Component](s *System, c component.Component) []T {
	var out []T
	for _, a := range s.attrs.Of(c, "") {
		if t, ok := a.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// ComponentsWithSupplementalAttribute returns the components linked to
// attr.
func (s *System) ComponentsWithSupplementalAttribute(attr component.Component) []component.Component {
	var out []component.Component
	for _, id := range s.attrs.ComponentIDs(attr) {
		if c, err := s.table.Get(id); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// HasSupplementalAttribute reports whether c is linked to an attribute of
// type tag, or to any attribute when tag is empty.
func (s *System) HasSupplementalAttribute(c component.Component, tag string) bool {
	return s.attrs.HasAny(c, tag)
}

// HasSupplementalAttributeLink reports whether c and attr are linked.
func (s *System) HasSupplementalAttributeLink(c, attr component.Component) bool {
	return s.attrs.Linked(c, attr)
}

// SupplementalAttributeCount returns the number of stored attributes.
func (s *System) SupplementalAttributeCount() int { return s.attrs.Len() }

// SupplementalAttributeCounts returns the number of stored attributes per
// type.
func (s *System) SupplementalAttributeCounts() map[string]int { return s.attrs.Counts() }

// ComponentsWithSupplementalAttributesCount returns the number of
// components linked to at least one attribute.
func (s *System) ComponentsWithSupplementalAttributesCount() int { return s.attrs.ComponentCount() }
