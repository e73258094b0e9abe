package system

import (
	"context"
	"errors"
	"math"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"infrasys/internal/arraystore/core"
	"infrasys/internal/config"
	"infrasys/pkg/component"
	"infrasys/pkg/errs"
)

type area struct {
	component.Base
	Region string `json:"region"`
}

type bus struct {
	component.Base
	Number  int64              `json:"number"`
	Voltage component.Quantity `json:"voltage"`
	Area    *area              `json:"area"`
}

type generator struct {
	component.Base
	Bus    *bus               `json:"bus"`
	Rating component.Quantity `json:"rating"`
	Backup []*bus             `json:"backup"`
}

type thermal struct {
	component.Base
	Fuel string `json:"fuel"`
}

type note struct {
	component.Base
	Text string `json:"text"`
}

type geo struct {
	component.Base
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

var t0 = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

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

func expectFloats(t *testing.T, s Series, want ...float64) {
	t.Helper()
	if got := s.SeriesBase().Data.Float64Values(); !slices.Equal(got, want) {
		t.Fatalf("expected values %v, got %v", want, got)
	}
}

func newRegistry(t *testing.T) *component.Registry {
	t.Helper()
	reg := component.NewRegistry()
	reg.MustRegister(&area{})
	reg.MustRegister(&bus{})
	reg.MustRegister(&generator{})
	reg.MustRegister(&thermal{}, component.WithParent("generator"))
	reg.MustRegister(&note{}, component.AllowDuplicateNames())
	reg.MustRegister(&geo{})
	return reg
}

func newSystem(t *testing.T, opts ...Option) *System {
	t.Helper()
	s, err := New(context.Background(), newRegistry(t), opts...)
	mustNoErr(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func single(t *testing.T, name string, vals ...float64) *SingleTimeSeries {
	t.Helper()
	ts, err := NewSingleTimeSeries(name, core.Float64s(vals), t0, time.Hour)
	mustNoErr(t, err)
	return ts
}

// populate adds a small network: area <- bus1, bus2 <- gen (bus1, backup bus2).
func populate(t *testing.T, s *System) (*area, *bus, *bus, *generator) {
	t.Helper()
	a := &area{Base: component.Base{Name: "north"}, Region: "N"}
	b1 := &bus{Base: component.Base{Name: "bus1"}, Number: 1, Voltage: component.Q(0.1+0.2, "kV"), Area: a}
	b2 := &bus{Base: component.Base{Name: "bus2"}, Number: math.MaxInt64, Voltage: component.QArray([]float64{1, 2.5}, "kV"), Area: a}
	g := &generator{Base: component.Base{Name: "gen1"}, Bus: b1, Rating: component.Q(math.Pi, "MW"), Backup: []*bus{b2}}
	mustNoErr(t, s.Add(a, b1, b2, g))
	return a, b1, b2, g
}

func TestAddDuplicateNames(t *testing.T) {
	s := newSystem(t)
	mustNoErr(t, s.Add(&area{Base: component.Base{Name: "a"}}))
	err := s.Add(&area{Base: component.Base{Name: "a"}})
	var dup errs.DuplicateNameError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateNameError, got %v", err)
	}
	if dup.Name != "a" {
		t.Fatalf("expected duplicate name a, got %q", dup.Name)
	}
	mustNoErr(t, s.Add(&area{Base: component.Base{Name: "b"}}))
	if s.Len() != 2 {
		t.Fatalf("expected 2 components, got %d", s.Len())
	}

	mustNoErr(t, s.Add(&note{Base: component.Base{Name: "n"}}, &note{Base: component.Base{Name: "n"}}))
	if got := s.ListByName("note", "n"); len(got) != 2 {
		t.Fatalf("expected 2 notes named n, got %d", len(got))
	}
	_, err = s.GetByName("note", "n")
	expectErr(t, err, errs.ErrMultipleMatches)
}

func TestAddMissingReference(t *testing.T) {
	s := newSystem(t)
	a := &area{Base: component.Base{Name: "north"}}
	err := s.Add(&bus{Base: component.Base{Name: "b"}, Area: a})
	expectErr(t, err, errs.ErrReferenceNotFound)
	if s.Len() != 0 {
		t.Fatalf("expected empty system, got %d components", s.Len())
	}

	auto := newSystem(t, WithAutoAddComposed())
	mustNoErr(t, auto.Add(&bus{Base: component.Base{Name: "b"}, Area: a}))
	if !auto.Has(a) {
		t.Fatalf("expected referenced area to be added")
	}
}

func TestGetAndIterate(t *testing.T) {
	s := newSystem(t)
	_, b1, b2, g := populate(t, s)
	th := &thermal{Base: component.Base{Name: "coal"}, Fuel: "coal"}
	mustNoErr(t, s.Add(th))

	got, err := Get[*bus](s, "bus1")
	mustNoErr(t, err)
	if got != b1 {
		t.Fatalf("expected bus1 pointer back")
	}
	_, err = Get[*bus](s, "missing")
	expectErr(t, err, errs.ErrNotFound)

	byID, err := s.GetByID(g.UUID)
	mustNoErr(t, err)
	if byID != component.Component(g) {
		t.Fatalf("expected generator pointer back")
	}

	if buses := slices.Collect(Components[*bus](s)); !slices.Equal(buses, []*bus{b1, b2}) {
		t.Fatalf("unexpected buses %v", buses)
	}
	if n := len(slices.Collect(s.Iter("generator", false))); n != 1 {
		t.Fatalf("expected 1 generator, got %d", n)
	}
	if n := len(slices.Collect(s.Iter("generator", true))); n != 2 {
		t.Fatalf("expected 2 generators with subtypes, got %d", n)
	}
	if diff := cmp.Diff([]string{"area", "bus", "generator", "thermal"}, s.Types()); diff != "" {
		t.Fatalf("types mismatch (-want +got):\n%s", diff)
	}

	if refs := s.ListReferencing(b2); !slices.Equal(refs, []component.Component{g}) {
		t.Fatalf("expected gen1 to reference bus2, got %v", refs)
	}
	refd := s.ListReferenced(g, "bus")
	if len(refd) != 2 || !slices.Contains(refd, component.Component(b1)) || !slices.Contains(refd, component.Component(b2)) {
		t.Fatalf("expected gen1 to reference bus1 and bus2, got %v", refd)
	}
}

func TestRenameAndRebuild(t *testing.T) {
	s := newSystem(t)
	a, b1, b2, g := populate(t, s)
	mustNoErr(t, s.Rename(b1, "bus-one"))
	got, err := Get[*bus](s, "bus-one")
	mustNoErr(t, err)
	if got != b1 {
		t.Fatalf("expected renamed bus1")
	}
	var dup errs.DuplicateNameError
	if err := s.Rename(b1, "bus2"); !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateNameError, got %v", err)
	}

	// reassignment outside Add is only visible after a rebuild
	g.Bus = b2
	if !slices.Contains(s.ListReferencing(b1), component.Component(g)) {
		t.Fatalf("expected stale reference before rebuild")
	}
	s.RebuildAssociations()
	if refs := s.ListReferencing(b1); len(refs) != 0 {
		t.Fatalf("expected no references to bus1 after rebuild, got %v", refs)
	}
	if refs := s.ListReferencing(a); len(refs) != 2 {
		t.Fatalf("expected 2 references to area, got %d", len(refs))
	}
}

func TestRemoveCascadesToTimeSeries(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	a, b1, b2, g := populate(t, s)
	b3 := &bus{Base: component.Base{Name: "bus3"}, Area: a}
	mustNoErr(t, s.Add(b3))
	mustNoErr(t, s.AddTimeSeries(ctx, single(t, "max_active_power", 1, 2, 3), nil, g))
	mustNoErr(t, s.AddTimeSeries(ctx, single(t, "load", 4, 5), nil, b1))

	expectErr(t, s.Remove(ctx, b1, RemoveOptions{}), errs.ErrStillReferenced)

	mustNoErr(t, s.Remove(ctx, g, RemoveOptions{CascadeDown: true}))
	if s.Has(g) || s.Has(b1) || s.Has(b2) {
		t.Fatalf("expected gen1 and its buses removed")
	}
	if !s.Has(a) {
		t.Fatalf("expected area to survive, it is still referenced by bus3")
	}
	if md := s.ListTimeSeriesMetadata(g, TimeSeriesQuery{}); len(md) != 0 {
		t.Fatalf("expected no series for gen1, got %d", len(md))
	}
	if md := s.ListTimeSeriesMetadata(b1, TimeSeriesQuery{}); len(md) != 0 {
		t.Fatalf("expected no series for bus1, got %d", len(md))
	}
	if n := s.TimeSeriesCount(); n != 0 {
		t.Fatalf("expected no time series, got %d", n)
	}
	if refs := s.ListReferencing(a); !slices.Equal(refs, []component.Component{b3}) {
		t.Fatalf("expected only bus3 to reference area, got %v", refs)
	}

	mustNoErr(t, s.Remove(ctx, b3, RemoveOptions{CascadeDown: true}))
	if s.Len() != 0 {
		t.Fatalf("expected empty system, got %d components", s.Len())
	}
}

func TestForceRemoveKeepsChildren(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	a, b1, _, g := populate(t, s)
	mustNoErr(t, s.Remove(ctx, b1, RemoveOptions{Force: true}))
	if s.Has(b1) {
		t.Fatalf("expected bus1 removed")
	}
	if !s.Has(g) || !s.Has(a) {
		t.Fatalf("expected generator and area to remain")
	}
}

func TestTimeSeriesScenarioAttributes(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	_, _, _, g := populate(t, s)
	mustNoErr(t, s.AddTimeSeries(ctx, single(t, "X", 1, 2), map[string]any{"scenario": "low"}, g))
	mustNoErr(t, s.AddTimeSeries(ctx, single(t, "X", 3, 4), map[string]any{"scenario": "high"}, g))

	high := TimeSeriesQuery{Name: "X", Attributes: map[string]any{"scenario": "high"}}
	if found := s.ListTimeSeriesMetadata(g, high); len(found) != 1 {
		t.Fatalf("expected 1 high scenario series, got %d", len(found))
	}
	ts, err := s.GetTimeSeries(ctx, g, TimeSeriesOptions{Query: high})
	mustNoErr(t, err)
	expectFloats(t, ts, 3, 4)
	if keys := s.ListTimeSeriesKeys(g); len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if !s.HasTimeSeries(g, TimeSeriesQuery{Name: "X"}) {
		t.Fatalf("expected gen1 to have series X")
	}

	err = s.AddTimeSeries(ctx, single(t, "X", 5), map[string]any{"scenario": "low"}, g)
	expectErr(t, err, errs.ErrAlreadyAttached)

	n, err := s.RemoveTimeSeries(ctx, g, TimeSeriesQuery{Name: "X", Attributes: map[string]any{"scenario": "low"}})
	mustNoErr(t, err)
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if keys := s.ListTimeSeriesKeys(g); len(keys) != 1 {
		t.Fatalf("expected 1 key left, got %d", len(keys))
	}
}

func TestTimeSeriesRequiresStoredOwner(t *testing.T) {
	s := newSystem(t)
	stray := &area{Base: component.Base{Name: "stray"}}
	err := s.AddTimeSeries(context.Background(), single(t, "x", 1), nil, stray)
	expectErr(t, err, errs.ErrNotFound)
}

func TestSharedSeriesAcrossOwners(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	_, b1, b2, _ := populate(t, s)
	ts := single(t, "load", 1, 2, 3)
	mustNoErr(t, s.AddTimeSeries(ctx, ts, nil, b1, b2))
	if n := s.TimeSeriesCount(); n != 2 {
		t.Fatalf("expected 2 associations, got %d", n)
	}
	if n := s.series.Catalog().RefCount(ts.UUID); n != 1 {
		t.Fatalf("expected one stored array, got refcount %d", n)
	}

	_, err := s.RemoveTimeSeries(ctx, b1, TimeSeriesQuery{Name: "load"})
	mustNoErr(t, err)
	got, err := s.GetTimeSeries(ctx, b2, TimeSeriesOptions{Query: TimeSeriesQuery{Name: "load"}})
	mustNoErr(t, err)
	expectFloats(t, got, 1, 2, 3)
}

func TestRangeRead(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	_, _, _, g := populate(t, s)
	mustNoErr(t, s.AddTimeSeries(ctx, single(t, "p", 0, 1, 2, 3, 4, 5), nil, g))

	got, err := s.GetTimeSeries(ctx, g, TimeSeriesOptions{Query: TimeSeriesQuery{Name: "p"}, Start: t0.Add(2 * time.Hour), Length: 3})
	mustNoErr(t, err)
	expectFloats(t, got, 2, 3, 4)
	if start := got.SeriesBase().InitialTime; !start.Equal(t0.Add(2 * time.Hour)) {
		t.Fatalf("expected window to start at %v, got %v", t0.Add(2*time.Hour), start)
	}

	_, err = s.GetTimeSeries(ctx, g, TimeSeriesOptions{Query: TimeSeriesQuery{Name: "p"}, Start: t0.Add(30 * time.Minute)})
	expectErr(t, err, errs.ErrConflictingArguments)
}

func TestConvertStorageEveryKind(t *testing.T) {
	ctx := context.Background()
	for _, from := range core.Kinds() {
		for _, to := range core.Kinds() {
			t.Run(string(from)+"_to_"+string(to), func(t *testing.T) {
				s := newSystem(t, WithBackend(from))
				_, b1, _, g := populate(t, s)
				vals := []float64{math.NaN(), math.Inf(-1), math.Copysign(0, -1), math.MaxFloat64, 1}
				ts := single(t, "p", vals...)
				mustNoErr(t, s.AddTimeSeries(ctx, ts, nil, g, b1))
				before := ts.Data.Clone()

				mustNoErr(t, s.ConvertStorage(ctx, to))
				if kind := s.StorageKind(); kind != to {
					t.Fatalf("expected storage kind %s, got %s", to, kind)
				}
				got, err := s.GetTimeSeries(ctx, g, TimeSeriesOptions{Query: TimeSeriesQuery{Name: "p"}})
				mustNoErr(t, err)
				if diff := cmp.Diff(before, got.SeriesBase().Data); diff != "" {
					t.Fatalf("array mismatch after conversion (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestMarkReadOnly(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	_, _, _, g := populate(t, s)
	mustNoErr(t, s.AddTimeSeries(ctx, single(t, "p", 1, 2), nil, g))
	s.MarkReadOnly()
	if !s.ReadOnly() {
		t.Fatalf("expected read-only system")
	}

	expectErr(t, s.AddTimeSeries(ctx, single(t, "q", 1), nil, g), errs.ErrReadOnly)
	_, err := s.RemoveTimeSeries(ctx, g, TimeSeriesQuery{Name: "p"})
	expectErr(t, err, errs.ErrReadOnly)
	expectErr(t, s.ConvertStorage(ctx, core.KindColumnar), errs.ErrReadOnly)
	var ro errs.ReadOnlyViolationError
	if err := s.Remove(ctx, g, RemoveOptions{CascadeDown: true}); !errors.As(err, &ro) {
		t.Fatalf("expected ReadOnlyViolationError, got %v", err)
	}
	if !s.Has(g) {
		t.Fatalf("expected generator to remain after refused removal")
	}

	got, err := s.GetTimeSeries(ctx, g, TimeSeriesOptions{Query: TimeSeriesQuery{Name: "p"}})
	mustNoErr(t, err)
	expectFloats(t, got, 1, 2)
}

func TestValidateHook(t *testing.T) {
	errNegative := errors.New("negative bus number")
	s := newSystem(t, WithHooks(Hooks{Validate: func(c component.Component) error {
		if b, ok := c.(*bus); ok && b.Number < 0 {
			return errNegative
		}
		return nil
	}}))
	expectErr(t, s.Add(&bus{Base: component.Base{Name: "bad"}, Number: -1}), errNegative)
	mustNoErr(t, s.Add(&bus{Base: component.Base{Name: "good"}, Number: 1}))
}

func TestMetricsRecorded(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	s := newSystem(t, WithMetrics(reg))
	_, _, _, g := populate(t, s)
	mustNoErr(t, s.AddTimeSeries(ctx, single(t, "p", 1), nil, g))
	_, err := s.GetTimeSeries(ctx, g, TimeSeriesOptions{Query: TimeSeriesQuery{Name: "p"}})
	mustNoErr(t, err)

	ops := s.recorder.Ops()
	if v := testutil.ToFloat64(ops.WithLabelValues("memory", "store", "ok")); v != 1 {
		t.Fatalf("expected 1 store, got %v", v)
	}
	if v := testutil.ToFloat64(ops.WithLabelValues("memory", "retrieve", "ok")); v != 1 {
		t.Fatalf("expected 1 retrieve, got %v", v)
	}
}

func TestCloseRemovesScopedDirectory(t *testing.T) {
	s, err := New(context.Background(), newRegistry(t), WithBackend(core.KindMultiFile))
	mustNoErr(t, err)
	dir := s.tempDir
	_, err = os.Stat(dir)
	mustNoErr(t, err)
	mustNoErr(t, s.Close())
	_, err = os.Stat(dir)
	expectErr(t, err, os.ErrNotExist)
	mustNoErr(t, s.Close())
}

func TestCloseRemovesConfiguredStorageDirectory(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []core.Kind{core.KindMultiFile, core.KindColumnar, core.KindTable} {
		t.Run(string(kind), func(t *testing.T) {
			base := t.TempDir()
			cfg := config.Default()
			cfg.Storage.Directory = base
			s, err := New(ctx, newRegistry(t), WithConfig(cfg), WithBackend(kind))
			mustNoErr(t, err)
			_, _, _, g := populate(t, s)
			mustNoErr(t, s.AddTimeSeries(ctx, single(t, "p", 1, 2), nil, g))
			entries, err := os.ReadDir(base)
			mustNoErr(t, err)
			if len(entries) != 1 {
				t.Fatalf("expected one storage directory under %s, got %d", base, len(entries))
			}

			mustNoErr(t, s.Close())
			entries, err = os.ReadDir(base)
			mustNoErr(t, err)
			if len(entries) != 0 {
				t.Fatalf("expected %s to be empty after Close, got %d entries", base, len(entries))
			}
		})
	}
}

func TestNewRejectsNilRegistry(t *testing.T) {
	if _, err := New(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil registry")
	}
}
