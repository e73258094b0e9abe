package multifile

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/uuid"

	"infrasys/internal/arraystore/core"
	"infrasys/internal/arraystore/storetest"
)

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func open(t *testing.T, dir string, opts ...Option) *Backend {
	t.Helper()
	b, err := Open(dir, opts...)
	mustNoErr(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackendContractSnappy(t *testing.T) {
	storetest.Run(t, core.KindMultiFile, func(t *testing.T) core.Backend {
		return open(t, t.TempDir())
	})
}

func TestBackendContractUncompressed(t *testing.T) {
	storetest.Run(t, core.KindMultiFile, func(t *testing.T) core.Backend {
		return open(t, t.TempDir(), WithCompression(CompressionNone))
	})
}

func TestReopenRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := open(t, dir)
	keep, drop := uuid.New(), uuid.New()
	_, err := b.Store(ctx, keep, core.Float64s([]float64{1, 2, 3}))
	mustNoErr(t, err)
	h, err := b.Store(ctx, drop, core.Float64s([]float64{4}))
	mustNoErr(t, err)
	mustNoErr(t, b.Remove(ctx, h))
	mustNoErr(t, b.Close())

	re := open(t, dir, WithCompression(CompressionNone))
	ids, err := re.List(ctx)
	mustNoErr(t, err)
	if !slices.Equal(ids, []uuid.UUID{keep}) {
		t.Fatalf("expected only %s, got %v", keep, ids)
	}
	got, err := re.Retrieve(ctx, core.Handle{Kind: core.KindMultiFile, Key: keep.String()})
	mustNoErr(t, err)
	if vals := got.Float64Values(); !slices.Equal(vals, []float64{1, 2, 3}) {
		t.Fatalf("expected [1 2 3], got %v", vals)
	}
}

func TestExportCompacts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := open(t, dir)
	for i := 0; i < 5; i++ {
		h, err := b.Store(ctx, uuid.New(), core.Float64s(make([]float64, 512)))
		mustNoErr(t, err)
		if i%2 == 0 {
			mustNoErr(t, b.Remove(ctx, h))
		}
	}
	before, err := os.Stat(b.Path())
	mustNoErr(t, err)

	out := t.TempDir()
	mustNoErr(t, b.Export(ctx, out))
	after, err := os.Stat(filepath.Join(out, FileName))
	mustNoErr(t, err)
	if after.Size() >= before.Size() {
		t.Fatalf("expected compacted file smaller than %d, got %d", before.Size(), after.Size())
	}

	if n := open(t, out).Describe().Count; n != 2 {
		t.Fatalf("expected 2 exported arrays, got %d", n)
	}

	// compacting in place keeps the backend usable
	mustNoErr(t, b.Export(ctx, dir))
	if n := b.Describe().Count; n != 2 {
		t.Fatalf("expected 2 arrays after in-place compaction, got %d", n)
	}
	_, err = b.Store(ctx, uuid.New(), core.Int32s([]int32{1}))
	mustNoErr(t, err)
}

func TestTornTailIsTruncated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := open(t, dir)
	id := uuid.New()
	_, err := b.Store(ctx, id, core.Int64s([]int64{42}))
	mustNoErr(t, err)
	mustNoErr(t, b.Close())

	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_APPEND|os.O_WRONLY, 0)
	mustNoErr(t, err)
	_, err = f.Write([]byte{opPut, 1, 2, 3})
	mustNoErr(t, err)
	mustNoErr(t, f.Close())

	re := open(t, dir)
	if n := re.Describe().Count; n != 1 {
		t.Fatalf("expected 1 array after truncation, got %d", n)
	}
	_, err = re.Store(ctx, uuid.New(), core.Int64s([]int64{7}))
	mustNoErr(t, err)
}

func TestCorruptPayloadLengthIsAnError(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := open(t, dir, WithCompression(CompressionNone))
	first := uuid.New()
	_, err := b.Store(ctx, first, core.Int64s([]int64{1, 2}))
	mustNoErr(t, err)
	_, err = b.Store(ctx, uuid.New(), core.Int64s([]int64{3}))
	mustNoErr(t, err)
	mustNoErr(t, b.Close())

	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	mustNoErr(t, err)
	// payload length of the first record
	binary.LittleEndian.PutUint64(data[headerSize+putHeaderLen-8:], 1<<40)
	mustNoErr(t, os.WriteFile(path, data, 0o644))

	if _, err := Open(dir); err == nil || !strings.Contains(err.Error(), "payload length") {
		t.Fatalf("expected payload length error, got %v", err)
	}
	after, err := os.ReadFile(path)
	mustNoErr(t, err)
	if len(after) != len(data) {
		t.Fatalf("corrupt file truncated from %d to %d bytes", len(data), len(after))
	}
}

func TestRejectsForeignFile(t *testing.T) {
	dir := t.TempDir()
	mustNoErr(t, os.WriteFile(filepath.Join(dir, FileName), []byte("not an array file"), 0o644))
	if _, err := Open(dir); err == nil {
		t.Fatal("expected error for foreign file")
	}
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("")
	mustNoErr(t, err)
	if c != CompressionSnappy {
		t.Fatalf("expected snappy default, got %s", c)
	}
	if _, err := ParseCompression("zstd"); err == nil {
		t.Fatal("expected error for zstd")
	}
}
