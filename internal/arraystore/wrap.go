package arraystore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"infrasys/internal/arraystore/core"
	"infrasys/internal/metrics"
	"infrasys/pkg/errs"
)

// Instrument wraps b so every operation is recorded on rec. A nil recorder
// returns b unchanged.
func Instrument(b core.Backend, rec *metrics.Recorder) core.Backend {
	if rec == nil {
		return b
	}
	return &instrumented{Backend: b, rec: rec, kind: string(b.Describe().Kind)}
}

type instrumented struct {
	core.Backend
	rec  *metrics.Recorder
	kind string
}

func (i *instrumented) Store(ctx context.Context, id uuid.UUID, a core.Array) (core.Handle, error) {
	start := time.Now()
	h, err := i.Backend.Store(ctx, id, a)
	i.rec.Observe(i.kind, "store", start, err)
	return h, err
}

func (i *instrumented) Retrieve(ctx context.Context, h core.Handle) (core.Array, error) {
	start := time.Now()
	a, err := i.Backend.Retrieve(ctx, h)
	i.rec.Observe(i.kind, "retrieve", start, err)
	return a, err
}

func (i *instrumented) RetrieveRange(ctx context.Context, h core.Handle, offset, length int) (core.Array, error) {
	start := time.Now()
	a, err := core.RetrieveRange(ctx, i.Backend, h, offset, length)
	i.rec.Observe(i.kind, "retrieve_range", start, err)
	return a, err
}

func (i *instrumented) Remove(ctx context.Context, h core.Handle) error {
	start := time.Now()
	err := i.Backend.Remove(ctx, h)
	i.rec.Observe(i.kind, "remove", start, err)
	return err
}

func (i *instrumented) Export(ctx context.Context, dir string) error {
	start := time.Now()
	err := i.Backend.Export(ctx, dir)
	i.rec.Observe(i.kind, "export", start, err)
	return err
}

// ReadOnly wraps b so that Store, Remove and Destroy fail with a
// ReadOnlyViolationError. It is used for exports opened in place, whose
// files belong to the saved system.
func ReadOnly(b core.Backend) core.Backend { return readOnly{Backend: b} }

type readOnly struct{ core.Backend }

func (r readOnly) Store(context.Context, uuid.UUID, core.Array) (core.Handle, error) {
	return core.Handle{}, errs.ReadOnlyViolationError{Op: "store array"}
}

func (r readOnly) Remove(context.Context, core.Handle) error {
	return errs.ReadOnlyViolationError{Op: "remove array"}
}

func (r readOnly) Destroy(context.Context) error {
	return errs.ReadOnlyViolationError{Op: "destroy backend"}
}

func (r readOnly) RetrieveRange(ctx context.Context, h core.Handle, offset, length int) (core.Array, error) {
	return core.RetrieveRange(ctx, r.Backend, h, offset, length)
}
