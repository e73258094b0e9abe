// Package storetest holds the behaviour every array backend must share.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"slices"
	"testing"

	"github.com/google/uuid"

	"infrasys/internal/arraystore/core"
)

// Factory returns a fresh, empty backend. Cleanup is the caller's job.
type Factory func(t *testing.T) core.Backend

// Samples returns arrays covering every dtype and the awkward float values.
func Samples() []core.Array {
	return []core.Array{
		core.Float64s([]float64{1.5, -2.25, math.NaN(), math.Inf(1), math.Copysign(0, -1), math.MaxFloat64}),
		core.Float32s([]float32{0.1, float32(math.Inf(-1)), 3}),
		core.Int64s([]int64{math.MinInt64, -1, 0, math.MaxInt64}),
		core.Int32s([]int32{math.MinInt32, 7, math.MaxInt32}),
		core.Float64s(nil),
	}
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

// Run exercises the core.Backend contract.
func Run(t *testing.T, kind core.Kind, newBackend Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("StoreRetrieveBitIdentical", func(t *testing.T) {
		b := newBackend(t)
		for _, a := range Samples() {
			h, err := b.Store(ctx, uuid.New(), a)
			mustNoErr(t, err)
			if h.Kind != kind {
				t.Fatalf("expected handle kind %s, got %s", kind, h.Kind)
			}
			got, err := b.Retrieve(ctx, h)
			mustNoErr(t, err)
			if got.DType != a.DType || !bytes.Equal(a.Data, got.Data) {
				t.Fatalf("dtype %s: stored %d bytes, retrieved %s with %d bytes that differ", a.DType, len(a.Data), got.DType, len(got.Data))
			}
		}
		d := b.Describe()
		if d.Kind != kind || d.Count != len(Samples()) {
			t.Fatalf("expected %s with %d arrays, got %+v", kind, len(Samples()), d)
		}
	})

	t.Run("DuplicateIDRejected", func(t *testing.T) {
		b := newBackend(t)
		id := uuid.New()
		_, err := b.Store(ctx, id, core.Int64s([]int64{1}))
		mustNoErr(t, err)
		_, err = b.Store(ctx, id, core.Int64s([]int64{2}))
		expectErr(t, err, core.ErrExists)
	})

	t.Run("RemoveAndNotFound", func(t *testing.T) {
		b := newBackend(t)
		h, err := b.Store(ctx, uuid.New(), core.Float64s([]float64{1, 2}))
		mustNoErr(t, err)
		mustNoErr(t, b.Remove(ctx, h))
		_, err = b.Retrieve(ctx, h)
		expectErr(t, err, core.ErrNotFound)
		expectErr(t, b.Remove(ctx, h), core.ErrNotFound)
		ids, err := b.List(ctx)
		mustNoErr(t, err)
		if len(ids) != 0 {
			t.Fatalf("expected no arrays after remove, got %v", ids)
		}
	})

	t.Run("ForeignHandleRejected", func(t *testing.T) {
		b := newBackend(t)
		other := core.KindMemory
		if kind == core.KindMemory {
			other = core.KindTable
		}
		_, err := b.Retrieve(ctx, core.Handle{Kind: other, Key: uuid.NewString()})
		expectErr(t, err, core.ErrWrongBackend)
	})

	t.Run("InvalidArrayRejected", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Store(ctx, uuid.New(), core.Array{DType: core.Float64, Data: []byte{1, 2, 3}})
		expectErr(t, err, core.ErrInvalidArray)
	})

	t.Run("ListSorted", func(t *testing.T) {
		b := newBackend(t)
		want := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
		for _, id := range want {
			_, err := b.Store(ctx, id, core.Int32s([]int32{1}))
			mustNoErr(t, err)
		}
		core.SortIDs(want)
		got, err := b.List(ctx)
		mustNoErr(t, err)
		if !slices.Equal(want, got) {
			t.Fatalf("expected %v, got %v", want, got)
		}
	})

	t.Run("RetrieveRange", func(t *testing.T) {
		b := newBackend(t)
		h, err := b.Store(ctx, uuid.New(), core.Float64s([]float64{0, 1, 2, 3, 4, 5}))
		mustNoErr(t, err)
		got, err := core.RetrieveRange(ctx, b, h, 2, 3)
		mustNoErr(t, err)
		if vals := got.Float64Values(); !slices.Equal(vals, []float64{2, 3, 4}) {
			t.Fatalf("expected [2 3 4], got %v", vals)
		}
		_, err = core.RetrieveRange(ctx, b, h, 5, 2)
		expectErr(t, err, core.ErrInvalidArray)
	})

	t.Run("ExportWritesFiles", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Store(ctx, uuid.New(), core.Float64s([]float64{9}))
		mustNoErr(t, err)
		dir := t.TempDir()
		mustNoErr(t, b.Export(ctx, dir))
		entries, err := os.ReadDir(dir)
		mustNoErr(t, err)
		if len(entries) == 0 {
			t.Fatalf("export wrote nothing to %s", dir)
		}
	})

	t.Run("Destroy", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Store(ctx, uuid.New(), core.Float64s([]float64{9}))
		mustNoErr(t, err)
		mustNoErr(t, b.Destroy(ctx))
	})
}
