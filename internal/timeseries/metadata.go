package timeseries

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"infrasys/internal/arraystore/core"
	"infrasys/pkg/errs"
)

// Owner identifies the component a series is attached to.
type Owner struct {
	ID   uuid.UUID
	Type string
}

// Metadata describes one attached series independently of its bytes.
type Metadata struct {
	OwnerID     uuid.UUID      `json:"owner_id"`
	OwnerType   string         `json:"owner_type"`
	Type        Type           `json:"type"`
	Name        string         `json:"name"`
	InitialTime time.Time      `json:"initial_time"`
	Resolution  time.Duration  `json:"resolution"`
	Length      int            `json:"length"`
	Horizon     time.Duration  `json:"horizon,omitempty"`
	Interval    time.Duration  `json:"interval,omitempty"`
	WindowCount int            `json:"window_count,omitempty"`
	Units       string         `json:"units,omitempty"`
	DType       core.DType     `json:"dtype"`
	Attributes  map[string]any `json:"attributes"`
	ArrayID     uuid.UUID      `json:"array_id"`
	Handle      core.Handle    `json:"-"`
}

// Key is the descriptor of a series without its temporal shape.
type Key struct {
	Type       Type
	Name       string
	Attributes map[string]any
}

// Key returns m's descriptor.
func (m Metadata) Key() Key {
	return Key{Type: m.Type, Name: m.Name, Attributes: maps.Clone(m.Attributes)}
}

func (m Metadata) clone() Metadata {
	m.Attributes = maps.Clone(m.Attributes)
	return m
}

func (m Metadata) String() string {
	return fmt.Sprintf("%s %q owner=%s attrs=%s", m.Type, m.Name, m.OwnerID, mustCanonical(m.Attributes))
}

func newMetadata(s Series, owner Owner, attrs map[string]any) Metadata {
	c := s.SeriesBase()
	m := Metadata{
		OwnerID:     owner.ID,
		OwnerType:   owner.Type,
		Type:        s.Type(),
		Name:        c.Name,
		InitialTime: c.InitialTime,
		Resolution:  c.Resolution,
		Length:      c.Data.Len(),
		Units:       c.Units,
		DType:       c.Data.DType,
		Attributes:  maps.Clone(attrs),
		ArrayID:     c.UUID,
	}
	if m.Attributes == nil {
		m.Attributes = map[string]any{}
	}
	if d, ok := s.(*Deterministic); ok {
		m.Horizon = d.Horizon
		m.Interval = d.Interval
		m.WindowCount = d.WindowCount
	}
	return m
}

// canonical returns the JSON form of v with sorted map keys. Values that
// compare equal after a JSON round trip have the same canonical form, so
// int 1 and float64 1 match. Numbers keep their literal text, so integers
// beyond 2^53 stay distinct.
func canonical(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("attribute is not JSON serializable: %w", err)
	}
	generic, err := decodeNumbers(b)
	if err != nil {
		return "", err
	}
	b, err = json.Marshal(generic)
	return string(b), err
}

// decodeNumbers decodes b with numbers as json.Number.
func decodeNumbers(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// exactNumbers replaces each json.Number in v with an int64 when it is an
// integer that fits, otherwise a float64.
func exactNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = exactNumbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = exactNumbers(e)
		}
	}
	return v
}

func mustCanonical(v any) string {
	s, err := canonical(v)
	if err != nil {
		return "<invalid>"
	}
	return s
}

func attributesHash(attrs map[string]any) (string, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	s, err := canonical(attrs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:]), nil
}

// matches reports whether every filter key is present in attrs with an
// equal value.
func matches(attrs, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := attrs[k]
		if !ok {
			return false
		}
		a, err1 := canonical(got)
		b, err2 := canonical(want)
		if err1 != nil || err2 != nil || a != b {
			return false
		}
	}
	return true
}

// Range converts an optional start time and length into an element offset
// and count. A zero start means the first value; a zero length means
// through the last value.
func (m Metadata) Range(start time.Time, length int) (int, int, error) {
	if m.Type != TypeSingle {
		if start.IsZero() && length == 0 {
			return 0, m.Length, nil
		}
		return 0, 0, fmt.Errorf("%w: range reads apply to %s only", errs.ErrConflictingArguments, TypeSingle)
	}
	if length < 0 {
		return 0, 0, fmt.Errorf("%w: negative length %d", errs.ErrConflictingArguments, length)
	}
	index := 0
	if !start.IsZero() {
		end := m.InitialTime.Add(time.Duration(m.Length) * m.Resolution)
		switch {
		case start.Before(m.InitialTime):
			return 0, 0, fmt.Errorf("%w: start %s is before initial time %s", errs.ErrConflictingArguments, start, m.InitialTime)
		case !start.Before(end):
			return 0, 0, fmt.Errorf("%w: start %s is past the end %s", errs.ErrConflictingArguments, start, end)
		}
		diff := start.Sub(m.InitialTime)
		if diff%m.Resolution != 0 {
			return 0, 0, fmt.Errorf("%w: start %s conflicts with initial time %s and resolution %s", errs.ErrConflictingArguments, start, m.InitialTime, m.Resolution)
		}
		index = int(diff / m.Resolution)
	}
	if length == 0 {
		length = m.Length - index
	}
	if index+length > m.Length {
		return 0, 0, fmt.Errorf("%w: start index %d with length %d exceeds %d values", errs.ErrConflictingArguments, index, length, m.Length)
	}
	return index, length, nil
}
