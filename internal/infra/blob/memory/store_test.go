package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"infrasys/internal/blob/core"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	if s.Driver() != core.DriverMemory {
		t.Fatalf("driver mismatch")
	}
	src := []byte("payload")
	if _, err := s.Put(ctx, "p/one", bytes.NewReader(src), core.PutOptions{Metadata: map[string]string{"dtype": "int32"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	src[0] = 'X'
	if _, err := s.Put(ctx, "p/one", bytes.NewReader(src), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	info, rc, err := s.Get(ctx, "p/one")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(got) != "payload" {
		t.Fatalf("stored bytes alias caller buffer: %q", got)
	}
	info.Metadata["dtype"] = "mutated"
	head, err := s.Head(ctx, "p/one")
	if err != nil || head.Metadata["dtype"] != "int32" {
		t.Fatalf("metadata not isolated: %+v %v", head, err)
	}
	if _, err := s.Put(ctx, "q/two", bytes.NewReader(nil), core.PutOptions{}); err != nil {
		t.Fatalf("put empty: %v", err)
	}
	list, _ := s.List(ctx, "p/")
	if len(list) != 1 {
		t.Fatalf("list prefix: %+v", list)
	}
	all, _ := s.List(ctx, "")
	if len(all) != 2 || all[0].Key != "p/one" {
		t.Fatalf("list all: %+v", all)
	}
	if ok, _ := s.Delete(ctx, "p/one"); !ok {
		t.Fatalf("delete should report existing")
	}
	if ok, _ := s.Delete(ctx, "p/one"); ok {
		t.Fatalf("second delete should be false")
	}
	if _, _, err := s.Get(ctx, "p/one"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
