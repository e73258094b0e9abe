package timeseries

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"infrasys/internal/arraystore/core"
	"infrasys/pkg/errs"
)

// Query filters catalog entries of one owner. Empty fields match anything;
// Attributes is an exact-match conjunction over the given keys.
type Query struct {
	Type       Type
	Name       string
	Attributes map[string]any
}

func (q Query) match(m *Metadata) bool {
	if q.Type != "" && q.Type != m.Type {
		return false
	}
	if q.Name != "" && q.Name != m.Name {
		return false
	}
	return matches(m.Attributes, q.Attributes)
}

type entry struct {
	meta Metadata
	key  string
}

// Catalog maps (owner, name, attributes) to metadata and counts how many
// entries reference each stored array.
type Catalog struct {
	entries []*entry
	byKey   map[string]*entry
	byOwner map[uuid.UUID][]*entry
	refs    map[uuid.UUID]int
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		byKey:   make(map[string]*entry),
		byOwner: make(map[uuid.UUID][]*entry),
		refs:    make(map[uuid.UUID]int),
	}
}

func uniqueKey(owner uuid.UUID, name string, attrs map[string]any) (string, error) {
	h, err := attributesHash(attrs)
	if err != nil {
		return "", err
	}
	return owner.String() + "\x00" + name + "\x00" + h, nil
}

// Has reports whether owner already has a series named name with exactly
// attrs.
func (c *Catalog) Has(owner uuid.UUID, name string, attrs map[string]any) (bool, error) {
	k, err := uniqueKey(owner, name, attrs)
	if err != nil {
		return false, err
	}
	_, ok := c.byKey[k]
	return ok, nil
}

// Add records m. It fails with errs.ErrAlreadyAttached if the owner
// already has an entry with the same name and attributes.
func (c *Catalog) Add(m Metadata) error {
	k, err := uniqueKey(m.OwnerID, m.Name, m.Attributes)
	if err != nil {
		return err
	}
	if _, ok := c.byKey[k]; ok {
		return fmt.Errorf("%w: %s", errs.ErrAlreadyAttached, m)
	}
	e := &entry{meta: m.clone(), key: k}
	c.entries = append(c.entries, e)
	c.byKey[k] = e
	c.byOwner[m.OwnerID] = append(c.byOwner[m.OwnerID], e)
	c.refs[m.ArrayID]++
	return nil
}

// Find returns copies of the owner's entries matching q, in insertion
// order.
func (c *Catalog) Find(owner uuid.UUID, q Query) []Metadata {
	var out []Metadata
	for _, e := range c.byOwner[owner] {
		if q.match(&e.meta) {
			out = append(out, e.meta.clone())
		}
	}
	return out
}

// ListKeys returns the descriptors of every series attached to owner.
func (c *Catalog) ListKeys(owner uuid.UUID) []Key {
	var keys []Key
	for _, e := range c.byOwner[owner] {
		keys = append(keys, e.meta.Key())
	}
	return keys
}

// Remove deletes the entry matching m's owner, name and attributes. It
// reports whether that entry held the last reference to its array.
func (c *Catalog) Remove(m Metadata) (bool, error) {
	k, err := uniqueKey(m.OwnerID, m.Name, m.Attributes)
	if err != nil {
		return false, err
	}
	e, ok := c.byKey[k]
	if !ok {
		return false, fmt.Errorf("%w: %s", errs.ErrNotStored, m)
	}
	delete(c.byKey, k)
	c.entries = slices.DeleteFunc(c.entries, func(x *entry) bool { return x == e })
	owned := slices.DeleteFunc(c.byOwner[m.OwnerID], func(x *entry) bool { return x == e })
	if len(owned) == 0 {
		delete(c.byOwner, m.OwnerID)
	} else {
		c.byOwner[m.OwnerID] = owned
	}
	id := e.meta.ArrayID
	c.refs[id]--
	if c.refs[id] > 0 {
		return false, nil
	}
	delete(c.refs, id)
	return true, nil
}

// Len is the number of entries.
func (c *Catalog) Len() int { return len(c.entries) }

// RefCount is the number of entries referencing the array.
func (c *Catalog) RefCount(arrayID uuid.UUID) int { return c.refs[arrayID] }

// All returns copies of every entry in insertion order.
func (c *Catalog) All() []Metadata {
	out := make([]Metadata, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.meta.clone()
	}
	return out
}

// Owners returns the ids of every owner with at least one entry.
func (c *Catalog) Owners() []uuid.UUID {
	var out []uuid.UUID
	seen := map[uuid.UUID]bool{}
	for _, e := range c.entries {
		if !seen[e.meta.OwnerID] {
			seen[e.meta.OwnerID] = true
			out = append(out, e.meta.OwnerID)
		}
	}
	return out
}

// Arrays returns each referenced array once with the handle of its first
// entry.
func (c *Catalog) Arrays() map[uuid.UUID]core.Handle {
	out := make(map[uuid.UUID]core.Handle, len(c.refs))
	for _, e := range c.entries {
		if _, ok := out[e.meta.ArrayID]; !ok {
			out[e.meta.ArrayID] = e.meta.Handle
		}
	}
	return out
}

// SetHandles replaces the handle of every entry whose array is in hs.
func (c *Catalog) SetHandles(hs map[uuid.UUID]core.Handle) {
	for _, e := range c.entries {
		if h, ok := hs[e.meta.ArrayID]; ok {
			e.meta.Handle = h
		}
	}
}
