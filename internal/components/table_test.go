package components

import (
	"errors"
	"slices"
	"testing"

	"github.com/google/uuid"

	"infrasys/pkg/component"
	"infrasys/pkg/errs"
)

type bus struct {
	component.Base
	Voltage component.Quantity `json:"voltage"`
}

type line struct {
	component.Base
	From *bus   `json:"from"`
	To   *bus   `json:"to"`
	Taps []*bus `json:"taps"`
}

type generator struct {
	component.Base
	Bus *bus `json:"bus"`
}

type thermal struct {
	generator
	Fuel string `json:"fuel"`
}

type attribute struct {
	component.Base
	Value string `json:"value"`
}

func newTable(t *testing.T, opts ...Option) *Table {
	t.Helper()
	reg := component.NewRegistry()
	reg.MustRegister(&bus{})
	reg.MustRegister(&line{})
	reg.MustRegister(&generator{})
	reg.MustRegister(&thermal{}, component.WithParent("generator"))
	reg.MustRegister(&attribute{}, component.AllowDuplicateNames())
	return New(reg, opts...)
}

func names(cs []component.Component) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, component.Name(c))
	}
	return out
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

func expectNames(t *testing.T, cs []component.Component, want ...string) {
	t.Helper()
	if got := names(cs); !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestAddAssignsIDAndIndexes(t *testing.T) {
	tbl := newTable(t)
	b := &bus{Base: component.Base{Name: "b1"}}
	mustNoErr(t, tbl.Add(b, RaiseOnMissing))
	if b.UUID == uuid.Nil {
		t.Fatal("expected add to assign an id")
	}

	got, err := tbl.GetByName("bus", "b1")
	mustNoErr(t, err)
	byID, err := tbl.Get(b.UUID)
	mustNoErr(t, err)
	if got != component.Component(b) || byID != component.Component(b) {
		t.Fatal("expected lookups to return the stored pointer")
	}

	_, err = tbl.GetByName("bus", "missing")
	expectErr(t, err, errs.ErrNotFound)
	expectErr(t, tbl.Add(b, RaiseOnMissing), errs.ErrAlreadyAttached)
}

func TestAddDuplicateName(t *testing.T) {
	tbl := newTable(t)
	mustNoErr(t, tbl.Add(&bus{Base: component.Base{Name: "b1"}}, RaiseOnMissing))
	err := tbl.Add(&bus{Base: component.Base{Name: "b1"}}, RaiseOnMissing)
	var dup errs.DuplicateNameError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateNameError, got %v", err)
	}
	if dup.Type != "bus" || dup.Name != "b1" {
		t.Fatalf("unexpected duplicate %+v", dup)
	}
	mustNoErr(t, tbl.Add(&bus{Base: component.Base{Name: "b2"}}, RaiseOnMissing))
	// same name under another type is fine
	mustNoErr(t, tbl.Add(&generator{Base: component.Base{Name: "b1"}}, RaiseOnMissing))
	if tbl.Len() != 3 {
		t.Fatalf("expected 3 components, got %d", tbl.Len())
	}
}

func TestDuplicateNamesExemption(t *testing.T) {
	tbl := newTable(t)
	mustNoErr(t, tbl.Add(&attribute{Base: component.Base{Name: "geo"}, Value: "a"}, RaiseOnMissing))
	mustNoErr(t, tbl.Add(&attribute{Base: component.Base{Name: "geo"}, Value: "b"}, RaiseOnMissing))
	_, err := tbl.GetByName("attribute", "geo")
	expectErr(t, err, errs.ErrMultipleMatches)
	if n := len(tbl.ListByName("attribute", "geo")); n != 2 {
		t.Fatalf("expected 2 matches, got %d", n)
	}
}

func TestAddMissingReference(t *testing.T) {
	tbl := newTable(t)
	b := &bus{Base: component.Base{Name: "b1"}}
	g := &generator{Base: component.Base{Name: "g1"}, Bus: b}
	err := tbl.Add(g, RaiseOnMissing)
	var nf errs.ReferenceNotFoundError
	if !errors.As(err, &nf) || nf.Type != "bus" {
		t.Fatalf("expected missing bus reference, got %v", err)
	}
	if tbl.Len() != 0 {
		t.Fatalf("failed add left %d components", tbl.Len())
	}

	mustNoErr(t, tbl.Add(g, AutoAdd))
	expectNames(t, tbl.All(), "b1", "g1")
}

func TestAddManyOrderAndBatchReferences(t *testing.T) {
	tbl := newTable(t)
	b := &bus{Base: component.Base{Name: "b1"}}
	g := &generator{Base: component.Base{Name: "g1"}, Bus: b}
	mustNoErr(t, tbl.AddMany([]component.Component{g, b}, RaiseOnMissing))
	expectNames(t, tbl.All(), "g1", "b1")
	expectNames(t, tbl.ListReferencing(b), "g1")
}

func TestAutoAddDuplicateInsideBatch(t *testing.T) {
	tbl := newTable(t)
	b := &bus{Base: component.Base{Name: "b1"}}
	other := &bus{Base: component.Base{Name: "b1"}}
	l := &line{Base: component.Base{Name: "l1"}, From: b, To: other}
	expectErr(t, tbl.Add(l, AutoAdd), errs.ErrDuplicateName)
	if tbl.Len() != 0 {
		t.Fatalf("failed add left %d components", tbl.Len())
	}
}

func TestIterSubtypesAndRestartable(t *testing.T) {
	tbl := newTable(t)
	b := &bus{Base: component.Base{Name: "b1"}}
	mustNoErr(t, tbl.Add(b, RaiseOnMissing))
	mustNoErr(t, tbl.Add(&generator{Base: component.Base{Name: "g1"}, Bus: b}, RaiseOnMissing))
	mustNoErr(t, tbl.Add(&thermal{generator: generator{Base: component.Base{Name: "t1"}, Bus: b}, Fuel: "gas"}, RaiseOnMissing))

	seq := tbl.Iter("generator", false)
	expectNames(t, slices.Collect(seq), "g1")
	expectNames(t, slices.Collect(seq), "g1")

	expectNames(t, slices.Collect(tbl.Iter("generator", true)), "g1", "t1")
	if got := tbl.Types(); !slices.Equal(got, []string{"bus", "generator", "thermal"}) {
		t.Fatalf("unexpected types %v", got)
	}

	var first []component.Component
	for c := range tbl.Iter("", false) {
		first = append(first, c)
		break
	}
	expectNames(t, first, "b1")
}

func TestListReferencingWithFilter(t *testing.T) {
	tbl := newTable(t)
	a := &bus{Base: component.Base{Name: "a"}}
	b := &bus{Base: component.Base{Name: "b"}}
	mustNoErr(t, tbl.AddMany([]component.Component{a, b}, RaiseOnMissing))
	l := &line{Base: component.Base{Name: "l1"}, From: a, To: b, Taps: []*bus{a}}
	g := &thermal{generator: generator{Base: component.Base{Name: "t1"}, Bus: a}}
	mustNoErr(t, tbl.AddMany([]component.Component{l, g}, RaiseOnMissing))

	expectNames(t, tbl.ListReferencing(a), "l1", "t1")
	expectNames(t, tbl.ListReferencing(a, "generator"), "t1")
	expectNames(t, tbl.ListReferencing(b, "line"), "l1")
	expectNames(t, tbl.ListReferenced(l), "a", "b")
	var fields []string
	for _, e := range tbl.Associations().EdgesTo(a.UUID) {
		fields = append(fields, e.Field)
	}
	if want := []string{"From", "Taps[0]", "Bus"}; !slices.Equal(fields, want) {
		t.Fatalf("expected fields %v, got %v", want, fields)
	}
}

func TestAssociationsStaleUntilRebuild(t *testing.T) {
	tbl := newTable(t)
	a := &bus{Base: component.Base{Name: "a"}}
	b := &bus{Base: component.Base{Name: "b"}}
	g := &generator{Base: component.Base{Name: "g"}, Bus: a}
	mustNoErr(t, tbl.AddMany([]component.Component{a, b, g}, RaiseOnMissing))

	g.Bus = b
	expectNames(t, tbl.ListReferencing(a), "g")
	expectNames(t, tbl.ListReferencing(b))

	tbl.Rebuild()
	expectNames(t, tbl.ListReferencing(a))
	expectNames(t, tbl.ListReferencing(b), "g")
}

func TestRemove(t *testing.T) {
	tbl := newTable(t)
	a := &bus{Base: component.Base{Name: "a"}}
	g := &generator{Base: component.Base{Name: "g"}, Bus: a}
	mustNoErr(t, tbl.Add(g, AutoAdd))

	_, err := tbl.Remove(a, RemoveOptions{})
	expectErr(t, err, errs.ErrStillReferenced)

	removed, err := tbl.Remove(g, RemoveOptions{})
	mustNoErr(t, err)
	expectNames(t, removed, "g")
	expectNames(t, tbl.ListReferencing(a))
	if n := tbl.Associations().Len(); n != 0 {
		t.Fatalf("expected no edges, got %d", n)
	}

	removed, err = tbl.Remove(a, RemoveOptions{})
	mustNoErr(t, err)
	expectNames(t, removed, "a")
	_, err = tbl.GetByName("bus", "a")
	expectErr(t, err, errs.ErrNotFound)
	// name is free again
	mustNoErr(t, tbl.Add(&bus{Base: component.Base{Name: "a"}}, RaiseOnMissing))
}

func TestRemoveForceAndCascade(t *testing.T) {
	tbl := newTable(t)
	a := &bus{Base: component.Base{Name: "a"}}
	b := &bus{Base: component.Base{Name: "b"}}
	shared := &bus{Base: component.Base{Name: "shared"}}
	l := &line{Base: component.Base{Name: "l1"}, From: a, To: shared}
	g := &generator{Base: component.Base{Name: "g"}, Bus: shared}
	mustNoErr(t, tbl.AddMany([]component.Component{a, b, shared, l, g}, RaiseOnMissing))

	// shared is still referenced by g
	removed, err := tbl.Remove(l, RemoveOptions{CascadeDown: true})
	mustNoErr(t, err)
	expectNames(t, removed, "l1", "a")
	if !tbl.Has(shared) {
		t.Fatal("expected shared bus kept")
	}

	removed, err = tbl.Remove(shared, RemoveOptions{Force: true})
	mustNoErr(t, err)
	expectNames(t, removed, "shared")
	expectNames(t, tbl.ListReferenced(g))
	expectNames(t, tbl.All(), "b", "g")
}

func needsVoltage(boom error) Option {
	return WithValidator(func(c component.Component) error {
		if b, ok := c.(*bus); ok && b.Voltage.IsZero() {
			return boom
		}
		return nil
	})
}

func TestValidatorRunsBeforeInsert(t *testing.T) {
	boom := errors.New("voltage required")
	tbl := newTable(t, needsVoltage(boom))
	err := tbl.Add(&generator{Base: component.Base{Name: "g"}, Bus: &bus{Base: component.Base{Name: "b"}}}, AutoAdd)
	expectErr(t, err, boom)
	if tbl.Len() != 0 {
		t.Fatalf("failed add left %d components", tbl.Len())
	}
	mustNoErr(t, tbl.Add(&bus{Base: component.Base{Name: "b"}, Voltage: component.Q(1, "kV")}, RaiseOnMissing))
}

func TestRejectedAddLeavesIDUnset(t *testing.T) {
	boom := errors.New("voltage required")
	tbl := newTable(t, needsVoltage(boom))
	mustNoErr(t, tbl.Add(&bus{Base: component.Base{Name: "b1"}, Voltage: component.Q(1, "kV")}, RaiseOnMissing))

	dup := &bus{Base: component.Base{Name: "b1"}, Voltage: component.Q(1, "kV")}
	if err := tbl.Add(dup, RaiseOnMissing); err == nil {
		t.Fatal("expected duplicate name error")
	}
	if dup.UUID != uuid.Nil {
		t.Fatalf("rejected duplicate kept id %s", dup.UUID)
	}

	invalid := &bus{Base: component.Base{Name: "b2"}}
	expectErr(t, tbl.Add(invalid, RaiseOnMissing), boom)
	if invalid.UUID != uuid.Nil {
		t.Fatalf("invalid bus kept id %s", invalid.UUID)
	}

	// an earlier batch member is reset when a later one fails
	ok := &bus{Base: component.Base{Name: "b3"}, Voltage: component.Q(1, "kV")}
	g := &generator{Base: component.Base{Name: "g"}, Bus: &bus{Base: component.Base{Name: "b4"}}}
	if err := tbl.AddMany([]component.Component{ok, g}, RaiseOnMissing); err == nil {
		t.Fatal("expected missing reference error")
	}
	if ok.UUID != uuid.Nil || g.UUID != uuid.Nil {
		t.Fatalf("batch kept ids %s and %s", ok.UUID, g.UUID)
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected 1 component, got %d", tbl.Len())
	}
}

func TestRename(t *testing.T) {
	tbl := newTable(t)
	a := &bus{Base: component.Base{Name: "a"}}
	b := &bus{Base: component.Base{Name: "b"}}
	mustNoErr(t, tbl.AddMany([]component.Component{a, b}, RaiseOnMissing))
	expectErr(t, tbl.Rename(a, "b"), errs.ErrDuplicateName)
	mustNoErr(t, tbl.Rename(a, "c"))
	got, err := tbl.GetByName("bus", "c")
	mustNoErr(t, err)
	if got != component.Component(a) {
		t.Fatal("expected renamed bus")
	}
}
