package components

import (
	"github.com/google/uuid"

	"infrasys/pkg/component"
)

// Edge records that From holds a reference to To through Field.
type Edge struct {
	From     uuid.UUID
	FromType string
	To       uuid.UUID
	ToType   string
	Field    string
}

// Associations is the derived reverse index over component references. It
// reflects field values as of the last add or Rebuild; reassigning a
// reference field elsewhere leaves it stale until Rebuild is called.
// Keyed containers are not scanned.
type Associations struct {
	out map[uuid.UUID][]Edge
	in  map[uuid.UUID][]Edge
}

func newAssociations() *Associations {
	return &Associations{
		out: make(map[uuid.UUID][]Edge),
		in:  make(map[uuid.UUID][]Edge),
	}
}

func (a *Associations) clear() {
	a.out = make(map[uuid.UUID][]Edge)
	a.in = make(map[uuid.UUID][]Edge)
}

func (a *Associations) record(from component.Component, fromType string, tagOf func(component.Component) string) {
	id := component.ID(from)
	for _, ref := range component.References(from) {
		e := Edge{
			From:     id,
			FromType: fromType,
			To:       component.ID(ref.Target),
			ToType:   tagOf(ref.Target),
			Field:    ref.Path,
		}
		a.out[e.From] = append(a.out[e.From], e)
		a.in[e.To] = append(a.in[e.To], e)
	}
}

// drop removes every edge that starts or ends at id.
func (a *Associations) drop(id uuid.UUID) {
	for _, e := range a.out[id] {
		a.in[e.To] = without(a.in[e.To], func(x Edge) bool { return x.From == id })
		if len(a.in[e.To]) == 0 {
			delete(a.in, e.To)
		}
	}
	delete(a.out, id)
	for _, e := range a.in[id] {
		a.out[e.From] = without(a.out[e.From], func(x Edge) bool { return x.To == id })
		if len(a.out[e.From]) == 0 {
			delete(a.out, e.From)
		}
	}
	delete(a.in, id)
}

// Referencing returns the ids of components referencing id, deduplicated,
// in edge order.
func (a *Associations) Referencing(id uuid.UUID) []uuid.UUID {
	return distinct(a.in[id], func(e Edge) uuid.UUID { return e.From })
}

// Referenced returns the ids of components that id references.
func (a *Associations) Referenced(id uuid.UUID) []uuid.UUID {
	return distinct(a.out[id], func(e Edge) uuid.UUID { return e.To })
}

// EdgesTo returns a copy of the edges ending at id.
func (a *Associations) EdgesTo(id uuid.UUID) []Edge {
	return append([]Edge(nil), a.in[id]...)
}

// EdgesFrom returns a copy of the edges starting at id.
func (a *Associations) EdgesFrom(id uuid.UUID) []Edge {
	return append([]Edge(nil), a.out[id]...)
}

// Len returns the number of edges.
func (a *Associations) Len() int {
	n := 0
	for _, edges := range a.out {
		n += len(edges)
	}
	return n
}

func without(edges []Edge, drop func(Edge) bool) []Edge {
	out := edges[:0]
	for _, e := range edges {
		if !drop(e) {
			out = append(out, e)
		}
	}
	return out
}

func distinct(edges []Edge, key func(Edge) uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(edges))
	out := make([]uuid.UUID, 0, len(edges))
	for _, e := range edges {
		k := key(e)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
