package serialize

import (
	"bytes"
	"errors"
	"slices"
	"testing"

	"github.com/google/uuid"

	"infrasys/internal/components"
	"infrasys/pkg/component"
	"infrasys/pkg/errs"
)

type survey struct {
	component.Base
	Score float64 `json:"score"`
	Area  *area   `json:"area"`
}

func attributeFixture(t *testing.T) (*Engine, *components.Table, *components.Attributes, *survey) {
	t.Helper()
	reg := newRegistry(t)
	reg.MustRegister(&survey{})
	tbl := sampleTable(t, reg)
	b1 := getByName(t, tbl, "bus", "b1")
	a := getByName(t, tbl, "area", "north")
	attrs := components.NewAttributes(reg, nil)
	sv := &survey{Base: component.Base{Name: "spring"}, Score: 0.75, Area: a.(*area)}
	mustNoErr(t, attrs.Attach(b1, "bus", sv))
	mustNoErr(t, attrs.Attach(a, "area", sv))
	return NewEngine(reg), tbl, attrs, sv
}

func TestAttributesRoundTrip(t *testing.T) {
	e, tbl, attrs, sv := attributeFixture(t)
	doc, err := e.Encode(tbl)
	mustNoErr(t, err)
	mustNoErr(t, e.EncodeAttributes(doc, tbl, attrs))
	if len(doc.SupplementalAttributes) != 1 || len(doc.AttributeLinks) != 2 {
		t.Fatalf("expected 1 attribute with 2 links, got %d with %d", len(doc.SupplementalAttributes), len(doc.AttributeLinks))
	}
	if tag := doc.SupplementalAttributes[0].TypeTag(); tag != "survey" {
		t.Fatalf("expected survey record, got %q", tag)
	}

	var buf bytes.Buffer
	mustNoErr(t, Encode(&buf, doc))
	decoded, err := Decode(&buf)
	mustNoErr(t, err)
	out, err := e.Decode(decoded)
	mustNoErr(t, err)
	got, err := e.DecodeAttributes(decoded, out)
	mustNoErr(t, err)

	raw, err := got.Get(sv.UUID)
	mustNoErr(t, err)
	rs := raw.(*survey)
	if rs.Score != 0.75 {
		t.Fatalf("expected score 0.75, got %v", rs.Score)
	}
	if component.Component(rs.Area) != getByName(t, out, "area", "north") {
		t.Fatal("survey area is not the stored area")
	}
	b1 := getByName(t, out, "bus", "b1")
	if of := got.Of(b1, ""); len(of) != 1 || of[0] != raw {
		t.Fatalf("expected b1 linked to the survey, got %v", of)
	}
	if !slices.Equal(attrs.Links(), got.Links()) {
		t.Fatalf("expected links %v, got %v", attrs.Links(), got.Links())
	}
}

func TestDecodeAttributesRejectsDanglingLinks(t *testing.T) {
	e, tbl, attrs, _ := attributeFixture(t)
	doc, err := e.Encode(tbl)
	mustNoErr(t, err)
	mustNoErr(t, e.EncodeAttributes(doc, tbl, attrs))
	out, err := e.Decode(doc)
	mustNoErr(t, err)

	doc.AttributeLinks[0].ComponentUUID = uuid.NewString()
	_, err = e.DecodeAttributes(doc, out)
	var missing errs.ReferenceNotFoundError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing component, got %v", err)
	}

	doc.AttributeLinks = []AttributeLink{{AttributeUUID: uuid.NewString(), AttributeType: "survey", ComponentUUID: doc.Components[0]["uuid"].(string), ComponentType: "area"}}
	_, err = e.DecodeAttributes(doc, out)
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing attribute, got %v", err)
	}
}
