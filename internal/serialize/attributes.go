package serialize

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"infrasys/internal/components"
	"infrasys/pkg/component"
	"infrasys/pkg/errs"
)

// EncodeAttributes writes the supplemental attributes of a and their links
// into doc. Reference fields of an attribute point into t.
func (e *Engine) EncodeAttributes(doc *Document, t *components.Table, a *components.Attributes) error {
	doc.SupplementalAttributes = nil
	doc.AttributeLinks = nil
	for attr := range a.Iter("") {
		rec, err := e.encodeComponent(t, attr)
		if err != nil {
			return fmt.Errorf("supplemental attribute: %w", err)
		}
		doc.SupplementalAttributes = append(doc.SupplementalAttributes, rec)
	}
	for _, l := range a.Links() {
		doc.AttributeLinks = append(doc.AttributeLinks, AttributeLink{
			AttributeUUID: l.AttributeID.String(),
			AttributeType: l.AttributeType,
			ComponentUUID: l.ComponentID.String(),
			ComponentType: l.ComponentType,
		})
	}
	e.log.Debug("encoded supplemental attributes",
		zap.Int("count", len(doc.SupplementalAttributes)),
		zap.Int("links", len(doc.AttributeLinks)))
	return nil
}

// DecodeAttributes rebuilds the supplemental attributes of doc against the
// decoded table t. Every link must name a stored component and attribute.
func (e *Engine) DecodeAttributes(doc *Document, t *components.Table) (*components.Attributes, error) {
	a := components.NewAttributes(e.registry, e.log)
	pending, err := e.parseRecords(doc.SupplementalAttributes)
	if err != nil {
		return nil, fmt.Errorf("supplemental attributes: %w", err)
	}
	built := make(map[uuid.UUID]component.Component, t.Len())
	for c := range t.Iter("", false) {
		built[component.ID(c)] = c
	}
	for _, p := range pending {
		if _, clash := built[p.id]; clash {
			return nil, fmt.Errorf("supplemental attribute %s shares a component id: %w", p.id, errs.ErrAlreadyAttached)
		}
		attr, err := e.instantiate(p, built)
		if err != nil {
			return nil, err
		}
		if err := a.Insert(attr); err != nil {
			return nil, err
		}
	}
	for i, raw := range doc.AttributeLinks {
		aid, err := uuid.Parse(raw.AttributeUUID)
		if err != nil {
			return nil, fmt.Errorf("link %d: attribute uuid: %w", i, err)
		}
		cid, err := uuid.Parse(raw.ComponentUUID)
		if err != nil {
			return nil, fmt.Errorf("link %d: component uuid: %w", i, err)
		}
		c, err := t.Get(cid)
		if err != nil {
			return nil, errs.ReferenceNotFoundError{Type: raw.ComponentType, ID: raw.ComponentUUID, From: "supplemental attribute " + raw.AttributeUUID}
		}
		tag, _ := t.TagOf(c)
		if err := a.Restore(components.Link{AttributeID: aid, AttributeType: raw.AttributeType, ComponentID: cid, ComponentType: tag}); err != nil {
			return nil, err
		}
	}
	e.log.Debug("decoded supplemental attributes", zap.Int("count", a.Len()), zap.Int("links", len(doc.AttributeLinks)))
	return a, nil
}
