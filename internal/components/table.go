// Package components holds the component table: the arena that owns every
// component of a system, indexes it by type and name, and derives the
// association index from reference fields.
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

// MissingReferencePolicy decides what Add does with a referenced component
// that is not yet in the table.
type MissingReferencePolicy int

const (
	// RaiseOnMissing fails the add with a ReferenceNotFoundError.
	RaiseOnMissing MissingReferencePolicy = iota
	// AutoAdd inserts the referenced component first, recursively.
	AutoAdd
)

// RemoveOptions controls Remove.
type RemoveOptions struct {
	// Force removes the component even when others still reference it.
	Force bool
	// CascadeDown also removes referenced components that no remaining
	// component references.
	CascadeDown bool
}

type entry struct {
	c   component.Component
	tag string
}

// Table owns all components of a system. It is not safe for concurrent use.
type Table struct {
	registry *component.Registry
	byID     map[uuid.UUID]*entry
	order    []uuid.UUID
	byName   map[string]map[string][]uuid.UUID
	assoc    *Associations
	validate func(component.Component) error
	log      *zap.Logger
}

// Option configures a Table.
type Option func(*Table)

// WithValidator runs fn on every component before it is inserted.
func WithValidator(fn func(component.Component) error) Option {
	return func(t *Table) { t.validate = fn }
}

// WithLogger sets the logger used for debug tracing.
func WithLogger(log *zap.Logger) Option {
	return func(t *Table) {
		if log != nil {
			t.log = log
		}
	}
}

// New returns an empty table resolving types through reg.
func New(reg *component.Registry, opts ...Option) *Table {
	t := &Table{
		registry: reg,
		byID:     make(map[uuid.UUID]*entry),
		byName:   make(map[string]map[string][]uuid.UUID),
		assoc:    newAssociations(),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Registry returns the type registry.
func (t *Table) Registry() *component.Registry { return t.registry }

// Associations exposes the derived reference index.
func (t *Table) Associations() *Associations { return t.assoc }

// Len returns the number of components.
func (t *Table) Len() int { return len(t.order) }

// Has reports whether a component with the id of c is present.
func (t *Table) Has(c component.Component) bool {
	_, ok := t.byID[component.ID(c)]
	return ok
}

// Add validates and inserts c. Components it references must already be
// present unless policy is AutoAdd. Nothing is inserted when any check fails.
func (t *Table) Add(c component.Component, policy MissingReferencePolicy) error {
	return t.AddMany([]component.Component{c}, policy)
}

// AddMany inserts cs in the given order. References between members of cs
// are satisfied by the batch itself.
func (t *Table) AddMany(cs []component.Component, policy MissingReferencePolicy) error {
	p := &plan{t: t, policy: policy, pending: make(map[uuid.UUID]component.Component)}
	batch := make(map[uuid.UUID]struct{}, len(cs))
	for _, c := range cs {
		if err := p.admit(c); err != nil {
			p.rollback()
			return err
		}
		batch[component.ID(c)] = struct{}{}
	}
	// Explicit members are placed in caller order; auto-added ones ahead of
	// their first referrer.
	for _, c := range cs {
		if err := p.visit(c, batch); err != nil {
			p.rollback()
			return err
		}
	}
	for _, pc := range p.ordered {
		t.insert(pc.c, pc.info)
	}
	return nil
}

type planned struct {
	c    component.Component
	info component.TypeInfo
}

type plan struct {
	t       *Table
	policy  MissingReferencePolicy
	pending map[uuid.UUID]component.Component
	names   map[string]map[string]struct{}
	infos   map[uuid.UUID]component.TypeInfo
	done    map[uuid.UUID]bool
	ordered []planned
	// bases given a fresh id by this plan
	assigned []*component.Base
}

// rollback clears the ids the plan generated.
func (p *plan) rollback() {
	for _, base := range p.assigned {
		base.UUID = uuid.Nil
	}
}

// admit checks c on its own and reserves its id and name.
func (p *plan) admit(c component.Component) error {
	if c == nil {
		return fmt.Errorf("add: nil component")
	}
	info, err := p.t.registry.TypeOf(c)
	if err != nil {
		return err
	}
	base := c.ComponentBase()
	id := base.UUID
	if id == uuid.Nil {
		id = uuid.New()
	}
	if _, ok := p.t.byID[id]; ok {
		return fmt.Errorf("%s %s: %w", info.Tag, id, errs.ErrAlreadyAttached)
	}
	if other, ok := p.pending[id]; ok {
		if other == c {
			return nil
		}
		return fmt.Errorf("%s %s: id used by two components: %w", info.Tag, id, errs.ErrAlreadyAttached)
	}
	if !info.AllowDuplicateNames {
		if len(p.t.byName[info.Tag][base.Name]) > 0 {
			return errs.DuplicateNameError{Type: info.Tag, Name: base.Name}
		}
		if _, ok := p.names[info.Tag][base.Name]; ok {
			return errs.DuplicateNameError{Type: info.Tag, Name: base.Name}
		}
	}
	if p.t.validate != nil {
		if err := p.t.validate(c); err != nil {
			return fmt.Errorf("validate %s: %w", component.Label(c), err)
		}
	}
	if p.names == nil {
		p.names = make(map[string]map[string]struct{})
		p.infos = make(map[uuid.UUID]component.TypeInfo)
		p.done = make(map[uuid.UUID]bool)
	}
	if p.names[info.Tag] == nil {
		p.names[info.Tag] = make(map[string]struct{})
	}
	if base.UUID == uuid.Nil {
		base.UUID = id
		p.assigned = append(p.assigned, base)
	}
	p.names[info.Tag][base.Name] = struct{}{}
	p.pending[id] = c
	p.infos[id] = info
	return nil
}

// visit orders c after the components it references.
func (p *plan) visit(c component.Component, batch map[uuid.UUID]struct{}) error {
	id := component.ID(c)
	if _, placed := p.done[id]; placed {
		return nil
	}
	// mark before descending so reference cycles terminate
	p.done[id] = false
	for _, ref := range component.References(c) {
		target := ref.Target
		tid := component.ID(target)
		if tid != uuid.Nil {
			if _, ok := p.t.byID[tid]; ok {
				continue
			}
			if _, ok := p.pending[tid]; ok {
				if _, explicit := batch[tid]; explicit {
					continue
				}
				if err := p.visit(p.pending[tid], batch); err != nil {
					return err
				}
				continue
			}
		}
		if p.policy != AutoAdd {
			tag := "component"
			if info, err := p.t.registry.TypeOf(target); err == nil {
				tag = info.Tag
			}
			return errs.ReferenceNotFoundError{Type: tag, ID: refLabel(target), From: component.Label(c)}
		}
		if err := p.admit(target); err != nil {
			return fmt.Errorf("auto-add %s: %w", ref.Path, err)
		}
		if err := p.visit(target, batch); err != nil {
			return err
		}
	}
	p.done[id] = true
	p.ordered = append(p.ordered, planned{c: c, info: p.infos[id]})
	return nil
}

func refLabel(c component.Component) string {
	if id := component.ID(c); id != uuid.Nil {
		return id.String()
	}
	return component.Name(c)
}

func (t *Table) insert(c component.Component, info component.TypeInfo) {
	base := c.ComponentBase()
	t.byID[base.UUID] = &entry{c: c, tag: info.Tag}
	t.order = append(t.order, base.UUID)
	names := t.byName[info.Tag]
	if names == nil {
		names = make(map[string][]uuid.UUID)
		t.byName[info.Tag] = names
	}
	names[base.Name] = append(names[base.Name], base.UUID)
	t.assoc.record(c, info.Tag, t.tagOf)
	t.log.Debug("added component", zap.String("type", info.Tag), zap.String("name", base.Name), zap.String("uuid", base.UUID.String()))
}

func (t *Table) tagOf(c component.Component) string {
	if e, ok := t.byID[component.ID(c)]; ok {
		return e.tag
	}
	if info, err := t.registry.TypeOf(c); err == nil {
		return info.Tag
	}
	return ""
}

// Get returns the component with id.
func (t *Table) Get(id uuid.UUID) (component.Component, error) {
	e, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("component %s: %w", id, errs.ErrNotFound)
	}
	return e.c, nil
}

// GetByName returns the single component of type tag named name. Subtypes
// are not considered.
func (t *Table) GetByName(tag, name string) (component.Component, error) {
	ids := t.byName[tag][name]
	switch len(ids) {
	case 0:
		return nil, fmt.Errorf("%s %q: %w", tag, name, errs.ErrNotFound)
	case 1:
		return t.byID[ids[0]].c, nil
	default:
		return nil, fmt.Errorf("%s %q: %d components: %w", tag, name, len(ids), errs.ErrMultipleMatches)
	}
}

// ListByName returns every component of type tag named name.
func (t *Table) ListByName(tag, name string) []component.Component {
	ids := t.byName[tag][name]
	out := make([]component.Component, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.byID[id].c)
	}
	return out
}

// TagOf returns the registered tag of a stored component.
func (t *Table) TagOf(c component.Component) (string, bool) {
	e, ok := t.byID[component.ID(c)]
	if !ok {
		return "", false
	}
	return e.tag, true
}

// Iter yields components of type tag in insertion order. With
// includeSubtypes, types declared with that tag as an ancestor are included.
// An empty tag yields every component. The sequence is restartable and
// reflects the table at the time each iteration starts.
func (t *Table) Iter(tag string, includeSubtypes bool) iter.Seq[component.Component] {
	return func(yield func(component.Component) bool) {
		order := slices.Clone(t.order)
		for _, id := range order {
			e, ok := t.byID[id]
			if !ok {
				continue
			}
			if tag != "" && e.tag != tag && (!includeSubtypes || !t.registry.IsA(e.tag, tag)) {
				continue
			}
			if !yield(e.c) {
				return
			}
		}
	}
}

// All returns every component in insertion order.
func (t *Table) All() []component.Component {
	return slices.Collect(t.Iter("", false))
}

// Types returns the tags present in the table in first-insertion order.
func (t *Table) Types() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range t.order {
		tag := t.byID[id].tag
		if _, ok := seen[tag]; !ok {
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}

// ListReferencing returns the components referencing c, optionally limited
// to the given tags and their subtypes.
func (t *Table) ListReferencing(c component.Component, tags ...string) []component.Component {
	return t.resolve(t.assoc.Referencing(component.ID(c)), tags)
}

// ListReferenced returns the components c references.
func (t *Table) ListReferenced(c component.Component, tags ...string) []component.Component {
	return t.resolve(t.assoc.Referenced(component.ID(c)), tags)
}

func (t *Table) resolve(ids []uuid.UUID, tags []string) []component.Component {
	out := make([]component.Component, 0, len(ids))
	for _, id := range ids {
		e, ok := t.byID[id]
		if !ok {
			continue
		}
		if len(tags) > 0 && !slices.ContainsFunc(tags, func(tag string) bool { return t.registry.IsA(e.tag, tag) }) {
			continue
		}
		out = append(out, e.c)
	}
	return out
}

// Rebuild clears the association index and rescans every component.
func (t *Table) Rebuild() {
	t.assoc.clear()
	for _, id := range t.order {
		e := t.byID[id]
		t.assoc.record(e.c, e.tag, t.tagOf)
	}
	t.log.Debug("rebuilt associations", zap.Int("components", len(t.order)), zap.Int("edges", t.assoc.Len()))
}

// RemovalSet returns the components Remove would delete, c first, without
// changing the table.
func (t *Table) RemovalSet(c component.Component, opts RemoveOptions) ([]component.Component, error) {
	id := component.ID(c)
	e, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", component.Label(c), errs.ErrNotFound)
	}
	if !opts.Force {
		if parents := t.assoc.Referencing(id); len(parents) > 0 {
			return nil, fmt.Errorf("%s is referenced by %d components: %w", component.Label(c), len(parents), errs.ErrStillReferenced)
		}
	}
	out := []component.Component{e.c}
	if !opts.CascadeDown {
		return out, nil
	}
	removing := map[uuid.UUID]struct{}{id: {}}
	queue := []uuid.UUID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range t.assoc.Referenced(cur) {
			if _, done := removing[child]; done {
				continue
			}
			if _, present := t.byID[child]; !present {
				continue
			}
			orphan := true
			for _, parent := range t.assoc.Referencing(child) {
				if _, gone := removing[parent]; !gone {
					orphan = false
					break
				}
			}
			if !orphan {
				continue
			}
			removing[child] = struct{}{}
			queue = append(queue, child)
			out = append(out, t.byID[child].c)
		}
	}
	return out, nil
}

// Remove deletes c, and with CascadeDown its orphaned descendants, along
// with their association edges. It returns the removed components.
func (t *Table) Remove(c component.Component, opts RemoveOptions) ([]component.Component, error) {
	set, err := t.RemovalSet(c, opts)
	if err != nil {
		return nil, err
	}
	for _, rc := range set {
		t.delete(component.ID(rc))
	}
	return set, nil
}

func (t *Table) delete(id uuid.UUID) {
	e, ok := t.byID[id]
	if !ok {
		return
	}
	name := e.c.ComponentBase().Name
	names := t.byName[e.tag]
	names[name] = slices.DeleteFunc(names[name], func(x uuid.UUID) bool { return x == id })
	if len(names[name]) == 0 {
		delete(names, name)
	}
	if len(names) == 0 {
		delete(t.byName, e.tag)
	}
	t.order = slices.DeleteFunc(t.order, func(x uuid.UUID) bool { return x == id })
	delete(t.byID, id)
	t.assoc.drop(id)
	t.log.Debug("removed component", zap.String("type", e.tag), zap.String("name", name), zap.String("uuid", id.String()))
}

// Rename changes the name of a stored component, keeping the name index in
// step.
func (t *Table) Rename(c component.Component, name string) error {
	id := component.ID(c)
	e, ok := t.byID[id]
	if !ok {
		return fmt.Errorf("%s: %w", component.Label(c), errs.ErrNotFound)
	}
	info, err := t.registry.TypeOf(c)
	if err != nil {
		return err
	}
	old := e.c.ComponentBase().Name
	if old == name {
		return nil
	}
	if !info.AllowDuplicateNames && len(t.byName[e.tag][name]) > 0 {
		return errs.DuplicateNameError{Type: e.tag, Name: name}
	}
	names := t.byName[e.tag]
	names[old] = slices.DeleteFunc(names[old], func(x uuid.UUID) bool { return x == id })
	if len(names[old]) == 0 {
		delete(names, old)
	}
	names[name] = append(names[name], id)
	e.c.ComponentBase().Name = name
	return nil
}
