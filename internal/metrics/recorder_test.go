package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCountsResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	rec.Observe("memory", "store", time.Now(), nil)
	rec.Observe("memory", "store", time.Now(), nil)
	rec.Observe("memory", "retrieve", time.Now(), errors.New("boom"))

	if got := testutil.ToFloat64(rec.Ops().WithLabelValues("memory", "store", "ok")); got != 2 {
		t.Fatalf("expected 2 ok stores, got %v", got)
	}
	if got := testutil.ToFloat64(rec.Ops().WithLabelValues("memory", "retrieve", "error")); got != 1 {
		t.Fatalf("expected 1 failed retrieve, got %v", got)
	}
	if got := testutil.CollectAndCount(rec.duration); got != 2 {
		t.Fatalf("expected 2 duration series, got %d", got)
	}
}

func TestRecorderReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("first recorder: %v", err)
	}
	second, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("second recorder: %v", err)
	}

	second.Observe("table", "remove", time.Now(), nil)
	if got := testutil.ToFloat64(first.Ops().WithLabelValues("table", "remove", "ok")); got != 1 {
		t.Fatalf("expected shared counter at 1, got %v", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var rec *Recorder
	rec.Observe("memory", "store", time.Now(), nil)
}
