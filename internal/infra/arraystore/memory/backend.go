// Package memory keeps arrays in process memory. Nothing survives the
// process; Export writes the columnar file layout.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"infrasys/internal/arraystore/core"
	"infrasys/internal/infra/arraystore/columnar"
	blobfs "infrasys/internal/infra/blob/fs"
)

// Backend implements core.Backend on a map. Arrays are copied on the way
// in and out.
type Backend struct {
	mu     sync.RWMutex
	arrays map[uuid.UUID]core.Array
}

// New returns an empty backend.
func New() *Backend { return &Backend{arrays: make(map[uuid.UUID]core.Array)} }

// Describe reports the kind and array count.
func (b *Backend) Describe() core.Description {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return core.Description{Kind: core.KindMemory, Count: len(b.arrays)}
}

// Store keeps a copy of a under id.
func (b *Backend) Store(_ context.Context, id uuid.UUID, a core.Array) (core.Handle, error) {
	if err := a.Validate(); err != nil {
		return core.Handle{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.arrays[id]; ok {
		return core.Handle{}, fmt.Errorf("%s: %w", id, core.ErrExists)
	}
	b.arrays[id] = a.Clone()
	return core.Handle{Kind: core.KindMemory, Key: id.String()}, nil
}

// Retrieve returns a copy of the array named by h.
func (b *Backend) Retrieve(_ context.Context, h core.Handle) (core.Array, error) {
	id, err := core.CheckHandle(core.KindMemory, h)
	if err != nil {
		return core.Array{}, err
	}
	b.mu.RLock()
	a, ok := b.arrays[id]
	b.mu.RUnlock()
	if !ok {
		return core.Array{}, fmt.Errorf("%s: %w", id, core.ErrNotFound)
	}
	return a.Clone(), nil
}

// Remove drops the array named by h.
func (b *Backend) Remove(_ context.Context, h core.Handle) error {
	id, err := core.CheckHandle(core.KindMemory, h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.arrays[id]; !ok {
		return fmt.Errorf("%s: %w", id, core.ErrNotFound)
	}
	delete(b.arrays, id)
	return nil
}

// List returns the stored ids in ascending order.
func (b *Backend) List(context.Context) ([]uuid.UUID, error) {
	b.mu.RLock()
	ids := make([]uuid.UUID, 0, len(b.arrays))
	for id := range b.arrays {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	core.SortIDs(ids)
	return ids, nil
}

// Export writes one array file per entry into dir.
func (b *Backend) Export(ctx context.Context, dir string) error {
	store, err := blobfs.New(dir)
	if err != nil {
		return err
	}
	dst := columnar.New(store, columnar.WithLocation(dir))
	ids, _ := b.List(ctx)
	for _, id := range ids {
		b.mu.RLock()
		a := b.arrays[id]
		b.mu.RUnlock()
		if _, err := dst.Store(ctx, id, a); err != nil {
			return fmt.Errorf("export %s: %w", id, err)
		}
	}
	return nil
}

// Destroy drops every array.
func (b *Backend) Destroy(context.Context) error {
	b.mu.Lock()
	clear(b.arrays)
	b.mu.Unlock()
	return nil
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }

var _ core.Backend = (*Backend)(nil)
