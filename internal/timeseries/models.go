// Package timeseries attaches bulk arrays to components. Metadata lives in
// a Catalog; the bytes live in an array storage backend. A Manager owns the
// pair and enforces read-only mode.
package timeseries

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"infrasys/internal/arraystore/core"
)

// Type tags a series shape.
type Type string

const (
	TypeSingle        Type = "SingleTimeSeries"
	TypeDeterministic Type = "Deterministic"
)

// Common holds the fields every series shape carries.
type Common struct {
	// UUID identifies the stored array. Attaching the same series value to
	// several components stores its array once.
	UUID        uuid.UUID
	Name        string
	InitialTime time.Time
	Resolution  time.Duration
	Data        core.Array
	Units       string
}

// Series is implemented by every series shape.
type Series interface {
	SeriesBase() *Common
	Type() Type
	validate() error
}

// SingleTimeSeries is one contiguous series at a fixed resolution.
type SingleTimeSeries struct {
	Common
}

// NewSingleTimeSeries builds a series starting at initial.
func NewSingleTimeSeries(name string, data core.Array, initial time.Time, resolution time.Duration) (*SingleTimeSeries, error) {
	ts := &SingleTimeSeries{Common{Name: name, Data: data, InitialTime: initial, Resolution: resolution}}
	if err := ts.validate(); err != nil {
		return nil, err
	}
	return ts, nil
}

func (s *SingleTimeSeries) SeriesBase() *Common { return &s.Common }

func (s *SingleTimeSeries) Type() Type { return TypeSingle }

// Len is the number of values.
func (s *SingleTimeSeries) Len() int { return s.Data.Len() }

// End is the timestamp one step past the last value.
func (s *SingleTimeSeries) End() time.Time {
	return s.InitialTime.Add(time.Duration(s.Len()) * s.Resolution)
}

func (s *SingleTimeSeries) validate() error {
	if err := s.Common.validate(); err != nil {
		return err
	}
	if s.Data.Len() == 0 {
		return fmt.Errorf("time series %q: empty data", s.Name)
	}
	return nil
}

func (c *Common) validate() error {
	if c.Name == "" {
		return fmt.Errorf("time series name required")
	}
	if c.Resolution <= 0 {
		return fmt.Errorf("time series %q: resolution must be positive", c.Name)
	}
	return c.Data.Validate()
}

// Deterministic is a set of forecast windows. Window i starts at
// InitialTime + i*Interval and holds Horizon/Resolution values; Data lays
// the windows out row-major.
type Deterministic struct {
	Common
	Horizon     time.Duration
	Interval    time.Duration
	WindowCount int
}

// NewDeterministic builds a forecast from row-major window data.
func NewDeterministic(name string, data core.Array, initial time.Time, resolution, horizon, interval time.Duration, windows int) (*Deterministic, error) {
	d := &Deterministic{
		Common:      Common{Name: name, Data: data, InitialTime: initial, Resolution: resolution},
		Horizon:     horizon,
		Interval:    interval,
		WindowCount: windows,
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Deterministic) SeriesBase() *Common { return &d.Common }

func (d *Deterministic) Type() Type { return TypeDeterministic }

// HorizonLen is the number of values per window.
func (d *Deterministic) HorizonLen() int { return int(d.Horizon / d.Resolution) }

// Window returns the values and start time of window i.
func (d *Deterministic) Window(i int) (core.Array, time.Time, error) {
	if i < 0 || i >= d.WindowCount {
		return core.Array{}, time.Time{}, fmt.Errorf("window %d out of range [0,%d)", i, d.WindowCount)
	}
	a, err := d.Data.Slice(i*d.HorizonLen(), d.HorizonLen())
	return a, d.InitialTime.Add(time.Duration(i) * d.Interval), err
}

func (d *Deterministic) validate() error {
	if err := d.Common.validate(); err != nil {
		return err
	}
	if d.Horizon <= 0 || d.Horizon%d.Resolution != 0 {
		return fmt.Errorf("forecast %q: horizon %s is not a positive multiple of resolution %s", d.Name, d.Horizon, d.Resolution)
	}
	if d.WindowCount < 1 {
		return fmt.Errorf("forecast %q: window count must be positive", d.Name)
	}
	if d.WindowCount > 1 && d.Interval <= 0 {
		return fmt.Errorf("forecast %q: interval must be positive", d.Name)
	}
	if want := d.WindowCount * d.HorizonLen(); d.Data.Len() != want {
		return fmt.Errorf("forecast %q: %d values, want %d windows x %d", d.Name, d.Data.Len(), d.WindowCount, d.HorizonLen())
	}
	return nil
}
