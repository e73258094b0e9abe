package components

import (
	"fmt"
	"iter"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"infrasys/pkg/component"
	"infrasys/pkg/errs"
)

// Link associates one supplemental attribute with one component.
type Link struct {
	AttributeID   uuid.UUID
	AttributeType string
	ComponentID   uuid.UUID
	ComponentType string
}

// Attributes stores supplemental attributes apart from the component table
// and keeps their many-to-many links to components. An attribute stays
// stored while at least one link refers to it, or until Remove.
type Attributes struct {
	registry    *component.Registry
	byID        map[uuid.UUID]*entry
	order       []uuid.UUID
	byAttribute map[uuid.UUID][]Link
	byComponent map[uuid.UUID][]Link
	log         *zap.Logger
}

// NewAttributes returns an empty attribute store resolving types through
// reg.
func NewAttributes(reg *component.Registry, log *zap.Logger) *Attributes {
	if log == nil {
		log = zap.NewNop()
	}
	return &Attributes{
		registry:    reg,
		byID:        make(map[uuid.UUID]*entry),
		byAttribute: make(map[uuid.UUID][]Link),
		byComponent: make(map[uuid.UUID][]Link),
		log:         log,
	}
}

// Len returns the number of stored attributes.
func (a *Attributes) Len() int { return len(a.order) }

// Has reports whether attr is stored.
func (a *Attributes) Has(attr component.Component) bool {
	_, ok := a.byID[component.ID(attr)]
	return ok
}

// Get returns the attribute with id.
func (a *Attributes) Get(id uuid.UUID) (component.Component, error) {
	e, ok := a.byID[id]
	if !ok {
		return nil, fmt.Errorf("supplemental attribute %s: %w", id, errs.ErrNotFound)
	}
	return e.c, nil
}

// TagOf returns the registered tag of a stored attribute.
func (a *Attributes) TagOf(attr component.Component) (string, bool) {
	e, ok := a.byID[component.ID(attr)]
	if !ok {
		return "", false
	}
	return e.tag, true
}

// Insert stores attr without linking it. An attribute already stored under
// the same id fails with errs.ErrAlreadyAttached.
func (a *Attributes) Insert(attr component.Component) error {
	if attr == nil {
		return fmt.Errorf("add supplemental attribute: nil attribute")
	}
	info, err := a.registry.TypeOf(attr)
	if err != nil {
		return err
	}
	base := attr.ComponentBase()
	if _, ok := a.byID[base.UUID]; ok && base.UUID != uuid.Nil {
		return fmt.Errorf("%s %s: %w", info.Tag, base.UUID, errs.ErrAlreadyAttached)
	}
	if base.UUID == uuid.Nil {
		base.UUID = uuid.New()
	}
	a.byID[base.UUID] = &entry{c: attr, tag: info.Tag}
	a.order = append(a.order, base.UUID)
	a.log.Debug("added supplemental attribute", zap.String("type", info.Tag), zap.String("uuid", base.UUID.String()))
	return nil
}

// Attach links attr to the component c of type componentTag, storing attr
// first when it is new. Linking the same pair twice fails with
// errs.ErrAlreadyAttached.
func (a *Attributes) Attach(c component.Component, componentTag string, attr component.Component) error {
	cid := component.ID(c)
	if cid == uuid.Nil {
		return fmt.Errorf("%s: %w", component.Label(c), errs.ErrNotFound)
	}
	if e, ok := a.byID[component.ID(attr)]; ok {
		if e.c != attr {
			return fmt.Errorf("%s %s: id used by two attributes: %w", e.tag, component.ID(attr), errs.ErrAlreadyAttached)
		}
		if a.Linked(c, attr) {
			return fmt.Errorf("%s already has %s %s: %w", component.Label(c), e.tag, component.ID(attr), errs.ErrAlreadyAttached)
		}
	} else if err := a.Insert(attr); err != nil {
		return err
	}
	e := a.byID[component.ID(attr)]
	a.link(Link{AttributeID: component.ID(attr), AttributeType: e.tag, ComponentID: cid, ComponentType: componentTag})
	return nil
}

// Restore records l between two already stored parties.
func (a *Attributes) Restore(l Link) error {
	e, ok := a.byID[l.AttributeID]
	if !ok {
		return errs.ReferenceNotFoundError{Type: l.AttributeType, ID: l.AttributeID.String(), From: "supplemental attribute link"}
	}
	for _, x := range a.byAttribute[l.AttributeID] {
		if x.ComponentID == l.ComponentID {
			return fmt.Errorf("link %s to %s: %w", l.AttributeID, l.ComponentID, errs.ErrAlreadyAttached)
		}
	}
	l.AttributeType = e.tag
	a.link(l)
	return nil
}

func (a *Attributes) link(l Link) {
	a.byAttribute[l.AttributeID] = append(a.byAttribute[l.AttributeID], l)
	a.byComponent[l.ComponentID] = append(a.byComponent[l.ComponentID], l)
}

func (a *Attributes) unlink(attrID, componentID uuid.UUID) {
	drop := func(l Link) bool { return l.AttributeID == attrID && l.ComponentID == componentID }
	if rest := slices.DeleteFunc(a.byAttribute[attrID], drop); len(rest) > 0 {
		a.byAttribute[attrID] = rest
	} else {
		delete(a.byAttribute, attrID)
	}
	if rest := slices.DeleteFunc(a.byComponent[componentID], drop); len(rest) > 0 {
		a.byComponent[componentID] = rest
	} else {
		delete(a.byComponent, componentID)
	}
}

// Linked reports whether c and attr are linked.
func (a *Attributes) Linked(c component.Component, attr component.Component) bool {
	aid := component.ID(attr)
	for _, l := range a.byComponent[component.ID(c)] {
		if l.AttributeID == aid {
			return true
		}
	}
	return false
}

// HasAny reports whether c is linked to an attribute of type tag, or to
// any attribute when tag is empty.
func (a *Attributes) HasAny(c component.Component, tag string) bool {
	for _, l := range a.byComponent[component.ID(c)] {
		if tag == "" || a.registry.IsA(l.AttributeType, tag) {
			return true
		}
	}
	return false
}

// Of returns the attributes linked to c, optionally limited to type tag
// and its subtypes, in link order.
func (a *Attributes) Of(c component.Component, tag string) []component.Component {
	var out []component.Component
	for _, l := range a.byComponent[component.ID(c)] {
		if tag != "" && !a.registry.IsA(l.AttributeType, tag) {
			continue
		}
		out = append(out, a.byID[l.AttributeID].c)
	}
	return out
}

// ComponentIDs returns the ids of the components linked to attr.
func (a *Attributes) ComponentIDs(attr component.Component) []uuid.UUID {
	links := a.byAttribute[component.ID(attr)]
	out := make([]uuid.UUID, len(links))
	for i, l := range links {
		out[i] = l.ComponentID
	}
	return out
}

// Iter yields stored attributes of type tag and its subtypes in insertion
// order, or every attribute when tag is empty.
func (a *Attributes) Iter(tag string) iter.Seq[component.Component] {
	return func(yield func(component.Component) bool) {
		for _, id := range slices.Clone(a.order) {
			e, ok := a.byID[id]
			if !ok {
				continue
			}
			if tag != "" && !a.registry.IsA(e.tag, tag) {
				continue
			}
			if !yield(e.c) {
				return
			}
		}
	}
}

// Counts returns the number of stored attributes per type.
func (a *Attributes) Counts() map[string]int {
	out := make(map[string]int)
	for _, e := range a.byID {
		out[e.tag]++
	}
	return out
}

// ComponentCount returns the number of components linked to at least one
// attribute.
func (a *Attributes) ComponentCount() int { return len(a.byComponent) }

// Links returns every link grouped by attribute in insertion order.
func (a *Attributes) Links() []Link {
	var out []Link
	for _, id := range a.order {
		out = append(out, a.byAttribute[id]...)
	}
	return out
}

// Remove deletes attr and all of its links.
func (a *Attributes) Remove(attr component.Component) error {
	id := component.ID(attr)
	if _, ok := a.byID[id]; !ok {
		return fmt.Errorf("supplemental attribute %s: %w", component.Label(attr), errs.ErrNotFound)
	}
	for _, l := range slices.Clone(a.byAttribute[id]) {
		a.unlink(id, l.ComponentID)
	}
	delete(a.byID, id)
	a.order = slices.DeleteFunc(a.order, func(x uuid.UUID) bool { return x == id })
	return nil
}

// Detach removes the link between c and attr. It reports whether attr lost
// its last link; the attribute itself stays stored either way.
func (a *Attributes) Detach(c component.Component, attr component.Component) (bool, error) {
	if !a.Linked(c, attr) {
		return false, fmt.Errorf("%s has no supplemental attribute %s: %w", component.Label(c), component.ID(attr), errs.ErrNotFound)
	}
	a.unlink(component.ID(attr), component.ID(c))
	return len(a.byAttribute[component.ID(attr)]) == 0, nil
}

// OrphanedBy returns the attributes whose every link points into ids.
func (a *Attributes) OrphanedBy(ids []uuid.UUID) []component.Component {
	var out []component.Component
	for _, id := range a.order {
		links := a.byAttribute[id]
		if len(links) == 0 {
			continue
		}
		all := true
		for _, l := range links {
			if !slices.Contains(ids, l.ComponentID) {
				all = false
				break
			}
		}
		if all {
			out = append(out, a.byID[id].c)
		}
	}
	return out
}

// DropComponent removes every link of the component id.
func (a *Attributes) DropComponent(id uuid.UUID) {
	for _, l := range slices.Clone(a.byComponent[id]) {
		a.unlink(l.AttributeID, id)
	}
}
