package component

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Quantity is an opaque magnitude with a unit string. Unit arithmetic is out
// of scope; the pair only has to round-trip. Magnitude holds one value for a
// scalar quantity or several for an array quantity.
type Quantity struct {
	Magnitude []float64
	Units     string
	Array     bool
}

// Q builds a scalar quantity.
func Q(value float64, units string) Quantity {
	return Quantity{Magnitude: []float64{value}, Units: units}
}

// QArray builds an array quantity.
func QArray(values []float64, units string) Quantity {
	out := make([]float64, len(values))
	copy(out, values)
	return Quantity{Magnitude: out, Units: units, Array: true}
}

// Value returns the scalar magnitude, or the first element of an array.
func (q Quantity) Value() float64 {
	if len(q.Magnitude) == 0 {
		return 0
	}
	return q.Magnitude[0]
}

// IsZero reports whether q carries neither magnitude nor units.
func (q Quantity) IsZero() bool { return len(q.Magnitude) == 0 && q.Units == "" }

const quantityModule = "infrasys/pkg/component"

// SerializedQuantity is the discriminator written for quantity values.
const SerializedQuantity = "quantity"

type quantityMeta struct {
	Fields struct {
		Module         string `json:"module"`
		Type           string `json:"type"`
		SerializedType string `json:"serialized_type"`
	} `json:"fields"`
}

type quantityRecord struct {
	Value    json.RawMessage `json:"value"`
	Units    string          `json:"units"`
	Metadata quantityMeta    `json:"__metadata__"`
}

// Non-finite magnitudes have no JSON number form and are written as these
// strings.
const (
	tokenNaN    = "NaN"
	tokenPosInf = "Infinity"
	tokenNegInf = "-Infinity"
)

// magnitude is one float64 that encodes NaN and the infinities as strings.
type magnitude float64

func (m magnitude) MarshalJSON() ([]byte, error) {
	f := float64(m)
	switch {
	case math.IsNaN(f):
		return json.Marshal(tokenNaN)
	case math.IsInf(f, 1):
		return json.Marshal(tokenPosInf)
	case math.IsInf(f, -1):
		return json.Marshal(tokenNegInf)
	}
	return json.Marshal(f)
}

func (m *magnitude) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || b[0] != '"' {
		var f float64
		if err := json.Unmarshal(b, &f); err != nil {
			return err
		}
		*m = magnitude(f)
		return nil
	}
	var tok string
	if err := json.Unmarshal(b, &tok); err != nil {
		return err
	}
	switch tok {
	case tokenNaN:
		*m = magnitude(math.NaN())
	case tokenPosInf:
		*m = magnitude(math.Inf(1))
	case tokenNegInf:
		*m = magnitude(math.Inf(-1))
	default:
		return fmt.Errorf("magnitude %s is not a number", strconv.Quote(tok))
	}
	return nil
}

// MarshalJSON writes {"value", "units", "__metadata__"}.
func (q Quantity) MarshalJSON() ([]byte, error) {
	var rec quantityRecord
	var err error
	switch {
	case q.Array:
		vals := make([]magnitude, len(q.Magnitude))
		for i, v := range q.Magnitude {
			vals[i] = magnitude(v)
		}
		rec.Value, err = json.Marshal(vals)
	case len(q.Magnitude) == 0:
		rec.Value = json.RawMessage("null")
	default:
		rec.Value, err = json.Marshal(magnitude(q.Value()))
	}
	if err != nil {
		return nil, fmt.Errorf("quantity value: %w", err)
	}
	rec.Units = q.Units
	rec.Metadata.Fields.Module = quantityModule
	rec.Metadata.Fields.Type = "Quantity"
	rec.Metadata.Fields.SerializedType = SerializedQuantity
	return json.Marshal(rec)
}

// UnmarshalJSON accepts the record written by MarshalJSON.
func (q *Quantity) UnmarshalJSON(b []byte) error {
	var rec quantityRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return fmt.Errorf("quantity: %w", err)
	}
	if st := rec.Metadata.Fields.SerializedType; st != "" && st != SerializedQuantity {
		return fmt.Errorf("quantity: unexpected serialized_type %q", st)
	}
	*q = Quantity{Units: rec.Units}
	if len(rec.Value) == 0 || string(rec.Value) == "null" {
		return nil
	}
	if rec.Value[0] == '[' {
		var vals []magnitude
		if err := json.Unmarshal(rec.Value, &vals); err != nil {
			return fmt.Errorf("quantity value: %w", err)
		}
		q.Array = true
		q.Magnitude = make([]float64, len(vals))
		for i, v := range vals {
			q.Magnitude[i] = float64(v)
		}
		return nil
	}
	var v magnitude
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return fmt.Errorf("quantity value: %w", err)
	}
	q.Magnitude = []float64{float64(v)}
	return nil
}
