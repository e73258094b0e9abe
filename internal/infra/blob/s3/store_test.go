package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"infrasys/internal/blob/core"
)

func TestMockStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMockForTests("")
	if s.Driver() != core.DriverS3 {
		t.Fatalf("driver mismatch")
	}
	info, err := s.Put(ctx, "arrays/a.arr", bytes.NewReader([]byte("hello")), core.PutOptions{ContentType: "application/octet-stream", Metadata: map[string]string{"dtype": "float64"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 5 || info.Key != "arrays/a.arr" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := s.Put(ctx, "arrays/a.arr", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	head, err := s.Head(ctx, "arrays/a.arr")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Metadata["dtype"] != "float64" {
		t.Fatalf("metadata lost: %+v", head.Metadata)
	}
	_, rc, err := s.Get(ctx, "arrays/a.arr")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "hello" {
		t.Fatalf("unexpected body %q", b)
	}
	if _, err := s.Put(ctx, "other/b.arr", strings.NewReader("b"), core.PutOptions{}); err != nil {
		t.Fatalf("put b: %v", err)
	}
	list, err := s.List(ctx, "arrays/")
	if err != nil || len(list) != 1 || list[0].Key != "arrays/a.arr" {
		t.Fatalf("list: %+v %v", list, err)
	}
	if ok, err := s.Delete(ctx, "arrays/a.arr"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := s.Delete(ctx, "arrays/a.arr"); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
	if _, _, err := s.Get(ctx, "arrays/a.arr"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMockStorePrefixIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMockForTests("instance-1/")
	if _, err := s.Put(ctx, "k.arr", strings.NewReader("v"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	list, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "k.arr" {
		t.Fatalf("prefix not stripped: %+v", list)
	}
}

func TestDecodeAWSChunked(t *testing.T) {
	in := []byte("5;chunk-signature=abc\r\nhello\r\n3\r\n123\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n")
	out, err := decodeAWSChunked(in)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(out) != "hello123" {
		t.Fatalf("unexpected %q", out)
	}
	if _, err := decodeAWSChunked([]byte("zz\r\n")); err == nil {
		t.Fatalf("expected size error")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}
