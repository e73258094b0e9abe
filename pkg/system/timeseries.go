package system

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"infrasys/internal/arraystore/core"
	"infrasys/internal/timeseries"
	"infrasys/pkg/component"
	"infrasys/pkg/errs"
)

// Aliases for the time series types callers work with.
type (
	Series            = timeseries.Series
	SingleTimeSeries  = timeseries.SingleTimeSeries
	Deterministic     = timeseries.Deterministic
	TimeSeriesQuery   = timeseries.Query
	TimeSeriesOptions = timeseries.GetOptions
	TimeSeriesKey     = timeseries.Key
	TimeSeriesMeta    = timeseries.Metadata
)

// NewSingleTimeSeries builds a series of data starting at initial.
func NewSingleTimeSeries(name string, data core.Array, initial time.Time, resolution time.Duration) (*SingleTimeSeries, error) {
	return timeseries.NewSingleTimeSeries(name, data, initial, resolution)
}

// NewDeterministic builds a forecast of windows windows laid out row-major
// in data, each horizon long and starting interval after the previous one.
func NewDeterministic(name string, data core.Array, initial time.Time, resolution, horizon, interval time.Duration, windows int) (*Deterministic, error) {
	return timeseries.NewDeterministic(name, data, initial, resolution, horizon, interval, windows)
}

// owner resolves a stored component or supplemental attribute.
func (s *System) owner(c component.Component) (timeseries.Owner, error) {
	if tag, ok := s.table.TagOf(c); ok {
		return timeseries.Owner{ID: component.ID(c), Type: tag}, nil
	}
	if tag, ok := s.attrs.TagOf(c); ok {
		return timeseries.Owner{ID: component.ID(c), Type: tag}, nil
	}
	return timeseries.Owner{}, fmt.Errorf("%s: %w", component.Label(c), errs.ErrNotFound)
}

// AddTimeSeries attaches ts to every owner under attrs. The array is stored
// once however many owners share it.
func (s *System) AddTimeSeries(ctx context.Context, ts Series, attrs map[string]any, owners ...component.Component) error {
	list := make([]timeseries.Owner, 0, len(owners))
	for _, c := range owners {
		o, err := s.owner(c)
		if err != nil {
			return err
		}
		list = append(list, o)
	}
	return s.series.Add(ctx, ts, list, attrs)
}

// GetTimeSeries returns the single series of c matching opts, sliced to
// opts.Start and opts.Length when set.
func (s *System) GetTimeSeries(ctx context.Context, c component.Component, opts TimeSeriesOptions) (Series, error) {
	o, err := s.owner(c)
	if err != nil {
		return nil, err
	}
	return s.series.Get(ctx, o.ID, opts)
}

// ListTimeSeries returns every series of c matching opts.
func (s *System) ListTimeSeries(ctx context.Context, c component.Component, opts TimeSeriesOptions) ([]Series, error) {
	o, err := s.owner(c)
	if err != nil {
		return nil, err
	}
	return s.series.List(ctx, o.ID, opts)
}

// HasTimeSeries reports whether c owns a series matching q.
func (s *System) HasTimeSeries(c component.Component, q TimeSeriesQuery) bool {
	return s.series.Has(component.ID(c), q)
}

// ListTimeSeriesKeys describes the series of c without reading arrays.
func (s *System) ListTimeSeriesKeys(c component.Component) []TimeSeriesKey {
	return s.series.ListKeys(component.ID(c))
}

// ListTimeSeriesMetadata returns the metadata of c's series matching q.
func (s *System) ListTimeSeriesMetadata(c component.Component, q TimeSeriesQuery) []TimeSeriesMeta {
	return s.series.Find(component.ID(c), q)
}

// RemoveTimeSeries detaches the series of c matching q and returns how
// many were removed.
func (s *System) RemoveTimeSeries(ctx context.Context, c component.Component, q TimeSeriesQuery) (int, error) {
	return s.series.Remove(ctx, component.ID(c), q)
}

// CopyTimeSeries attaches every series of src to dst without copying
// arrays and returns how many were attached. Either side may be a
// component or a supplemental attribute. With a non-nil names map only the
// series named in it are copied, under the mapped names.
func (s *System) CopyTimeSeries(dst, src component.Component, names map[string]string) (int, error) {
	to, err := s.owner(dst)
	if err != nil {
		return 0, err
	}
	from, err := s.owner(src)
	if err != nil {
		return 0, err
	}
	return s.series.Copy(to, from.ID, names)
}

// TimeSeriesCount returns the number of attached series.
func (s *System) TimeSeriesCount() int { return s.series.Catalog().Len() }

// StorageKind returns the kind of the current time series backend.
func (s *System) StorageKind() core.Kind { return s.series.Backend().Describe().Kind }

// ReadOnly reports whether time series mutations are rejected.
func (s *System) ReadOnly() bool { return s.series.ReadOnly() }

// MarkReadOnly rejects every later time series mutation.
func (s *System) MarkReadOnly() { s.series.MarkReadOnly() }

// ConvertStorage moves every array to a new backend of kind. On failure
// the current backend stays in use and the partial target is discarded.
func (s *System) ConvertStorage(ctx context.Context, kind core.Kind) error {
	if s.series.ReadOnly() {
		return errs.ReadOnlyViolationError{Op: "convert storage"}
	}
	target, err := s.openBackend(ctx, kind)
	if err != nil {
		return err
	}
	if err := s.series.ConvertStorage(ctx, target); err != nil {
		return err
	}
	s.log.Info("converted storage", zap.String("system", s.Label()), zap.String("backend", string(kind)))
	return nil
}
