package arraystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"infrasys/internal/arraystore/core"
	"infrasys/internal/arraystore/storetest"
	"infrasys/internal/blob"
	blobcore "infrasys/internal/blob/core"
	"infrasys/internal/infra/arraystore/columnar"
	"infrasys/internal/metrics"
	"infrasys/pkg/errs"
)

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

func openKind(t *testing.T, kind core.Kind) core.Backend {
	t.Helper()
	b, err := Open(context.Background(), Settings{Kind: kind, Directory: t.TempDir()})
	mustNoErr(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestCopyIsLosslessAcrossEveryPair(t *testing.T) {
	ctx := context.Background()
	for _, from := range core.Kinds() {
		for _, to := range core.Kinds() {
			t.Run(fmt.Sprintf("%s_to_%s", from, to), func(t *testing.T) {
				src := openKind(t, from)
				want := map[uuid.UUID]core.Array{}
				for _, a := range storetest.Samples() {
					id := uuid.New()
					_, err := src.Store(ctx, id, a)
					mustNoErr(t, err)
					want[id] = a
				}
				dst := openKind(t, to)
				n, err := Copy(ctx, dst, src)
				mustNoErr(t, err)
				if n != len(want) {
					t.Fatalf("expected %d arrays copied, got %d", len(want), n)
				}
				for id, a := range want {
					got, err := dst.Retrieve(ctx, core.Handle{Kind: to, Key: id.String()})
					mustNoErr(t, err)
					if got.DType != a.DType || !bytes.Equal(a.Data, got.Data) {
						t.Fatalf("array %s changed", id)
					}
				}
			})
		}
	}
}

func TestExportReopensInPlace(t *testing.T) {
	ctx := context.Background()
	for _, kind := range core.Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			src := openKind(t, kind)
			id := uuid.New()
			a := core.Float64s([]float64{3, 1, 4, 1, 5})
			_, err := src.Store(ctx, id, a)
			mustNoErr(t, err)
			dir := t.TempDir()
			mustNoErr(t, src.Export(ctx, dir))

			exported, err := OpenExported(ctx, kind, dir, "")
			mustNoErr(t, err)
			defer exported.Close()
			got, err := exported.Retrieve(ctx, core.Handle{Kind: exported.Describe().Kind, Key: id.String()})
			mustNoErr(t, err)
			if !bytes.Equal(a.Data, got.Data) {
				t.Fatalf("expected %v, got %v", a.Float64Values(), got.Float64Values())
			}
		})
	}
}

func TestOpenRequiresDirectory(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, Settings{Kind: core.KindMultiFile})
	if err == nil || !strings.Contains(err.Error(), "storage directory required") {
		t.Fatalf("expected missing directory error, got %v", err)
	}
	if _, err := Open(ctx, Settings{Kind: "hdf5", Directory: t.TempDir()}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	b, err := Open(ctx, Settings{})
	mustNoErr(t, err)
	if kind := b.Describe().Kind; kind != core.KindMemory {
		t.Fatalf("expected memory default, got %s", kind)
	}
}

func TestOpenedBackendsAreIsolated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := Open(ctx, Settings{Kind: core.KindColumnar, Directory: dir})
	mustNoErr(t, err)
	b, err := Open(ctx, Settings{Kind: core.KindColumnar, Directory: dir})
	mustNoErr(t, err)
	_, err = a.Store(ctx, uuid.New(), core.Int32s([]int32{1}))
	mustNoErr(t, err)
	if n := b.Describe().Count; n != 0 {
		t.Fatalf("expected second backend empty, got %d arrays", n)
	}
	mustNoErr(t, a.Destroy(ctx))
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("shared directory removed: %v", err)
	}
}

func TestColumnarVerifiesChecksums(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, Settings{Kind: core.KindColumnar, Directory: t.TempDir(), Blob: blob.Settings{Verify: true}})
	mustNoErr(t, err)
	defer b.Destroy(ctx)
	id := uuid.New()
	h, err := b.Store(ctx, id, core.Float64s([]float64{1, 2, 3}))
	mustNoErr(t, err)
	_, err = b.Retrieve(ctx, h)
	mustNoErr(t, err)

	path := filepath.Join(b.Describe().Location, id.String()+columnar.FileSuffix)
	data, err := os.ReadFile(path)
	mustNoErr(t, err)
	data[len(data)-1] ^= 0xff
	mustNoErr(t, os.WriteFile(path, data, 0o644))
	_, err = b.Retrieve(ctx, h)
	expectErr(t, err, blobcore.ErrChecksum)
}

func TestInstrumentRecordsOperations(t *testing.T) {
	ctx := context.Background()
	rec, err := metrics.NewRecorder(prometheus.NewRegistry())
	mustNoErr(t, err)
	b := Instrument(openKind(t, core.KindTable), rec)

	h, err := b.Store(ctx, uuid.New(), core.Float64s([]float64{1, 2, 3}))
	mustNoErr(t, err)
	_, err = b.Retrieve(ctx, h)
	mustNoErr(t, err)
	if _, err := b.Retrieve(ctx, core.Handle{Kind: core.KindTable, Key: uuid.NewString()}); err == nil {
		t.Fatal("expected error retrieving unknown array")
	}
	rr, ok := b.(core.RangeReader)
	if !ok {
		t.Fatal("expected instrumented table backend to keep range reads")
	}
	got, err := rr.RetrieveRange(ctx, h, 1, 1)
	mustNoErr(t, err)
	if vals := got.Float64Values(); !slices.Equal(vals, []float64{2}) {
		t.Fatalf("expected [2], got %v", vals)
	}

	for _, c := range []struct{ op, result string }{
		{"store", "ok"}, {"retrieve", "ok"}, {"retrieve", "error"}, {"retrieve_range", "ok"},
	} {
		if got := testutil.ToFloat64(rec.Ops().WithLabelValues("table", c.op, c.result)); got != 1 {
			t.Fatalf("%s/%s: expected 1, got %v", c.op, c.result, got)
		}
	}

	plain := openKind(t, core.KindMemory)
	if Instrument(plain, nil) != plain {
		t.Fatal("expected nil recorder to return the backend unchanged")
	}
}

func TestReadOnlyRejectsMutation(t *testing.T) {
	ctx := context.Background()
	inner := openKind(t, core.KindMemory)
	h, err := inner.Store(ctx, uuid.New(), core.Int64s([]int64{5}))
	mustNoErr(t, err)
	ro := ReadOnly(inner)

	_, err = ro.Store(ctx, uuid.New(), core.Int64s([]int64{1}))
	expectErr(t, err, errs.ErrReadOnly)
	expectErr(t, ro.Remove(ctx, h), errs.ErrReadOnly)
	expectErr(t, ro.Destroy(ctx), errs.ErrReadOnly)

	got, err := ro.Retrieve(ctx, h)
	mustNoErr(t, err)
	if got.Bits(0) != 5 {
		t.Fatalf("expected 5, got %d", got.Bits(0))
	}
	mustNoErr(t, ro.Export(ctx, t.TempDir()))
}
