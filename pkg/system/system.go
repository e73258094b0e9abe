// Package system is the facade over a component table and its attached
// time series. A System owns a scoped temporary directory for file backed
// storage; Close releases it.
package system

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"slices"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"infrasys/internal/arraystore"
	"infrasys/internal/arraystore/core"
	"infrasys/internal/components"
	"infrasys/internal/config"
	"infrasys/internal/metrics"
	"infrasys/internal/serialize"
	"infrasys/internal/timeseries"
	"infrasys/pkg/component"
	"infrasys/pkg/errs"
)

// Document is the serialized form handed to upgrade hooks.
type Document = serialize.Document

// RemoveOptions controls component removal.
type RemoveOptions = components.RemoveOptions

// Hooks are the extension points of a System. Every hook is optional.
type Hooks struct {
	// Validate runs before each component is inserted, including on load.
	Validate func(component.Component) error
	// SerializeAttributes returns the custom attributes stored in the
	// document's system block.
	SerializeAttributes func() (map[string]any, error)
	// DeserializeAttributes receives the system block after the component
	// graph and time series are restored.
	DeserializeAttributes func(map[string]any) error
	// Upgrade rewrites documents older than the current format version
	// before any component is rebuilt.
	Upgrade func(doc *Document, fromVersion string) error
}

type options struct {
	name        string
	description string
	id          uuid.UUID
	cfg         config.Config
	log         *zap.Logger
	metrics     prometheus.Registerer
	hooks       Hooks
	autoAdd     bool
}

// Option configures a System.
type Option func(*options)

// WithName sets the system name.
func WithName(name string) Option { return func(o *options) { o.name = name } }

// WithDescription sets the system description.
func WithDescription(d string) Option { return func(o *options) { o.description = d } }

// WithUUID fixes the system id instead of generating one.
func WithUUID(id uuid.UUID) Option { return func(o *options) { o.id = id } }

// WithConfig replaces the default runtime configuration.
func WithConfig(cfg config.Config) Option { return func(o *options) { o.cfg = cfg } }

// WithBackend selects the time series storage backend.
func WithBackend(kind core.Kind) Option { return func(o *options) { o.cfg.Storage.Backend = kind } }

// WithReadOnly loads time series without copying them and rejects every
// time series mutation.
func WithReadOnly() Option { return func(o *options) { o.cfg.ReadOnly = true } }

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics records array storage operations on reg.
func WithMetrics(reg prometheus.Registerer) Option { return func(o *options) { o.metrics = reg } }

// WithHooks installs extension hooks.
func WithHooks(h Hooks) Option { return func(o *options) { o.hooks = h } }

// WithAutoAddComposed makes Add insert referenced components that are not
// yet stored instead of failing.
func WithAutoAddComposed() Option { return func(o *options) { o.autoAdd = true } }

func buildOptions(opts []Option) options {
	o := options{cfg: config.Default(), log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == uuid.Nil {
		o.id = uuid.New()
	}
	return o
}

// System holds components and their time series. It is not safe for
// concurrent use.
type System struct {
	name        string
	description string
	id          uuid.UUID
	registry    *component.Registry
	cfg         config.Config
	hooks       Hooks
	policy      components.MissingReferencePolicy
	log         *zap.Logger
	recorder    *metrics.Recorder

	table   *components.Table
	attrs   *components.Attributes
	series  *timeseries.Manager
	tempDir string
	closed  bool
}

// New returns an empty system whose types resolve through reg.
func New(ctx context.Context, reg *component.Registry, opts ...Option) (*System, error) {
	o := buildOptions(opts)
	s, err := newShell(reg, o)
	if err != nil {
		return nil, err
	}
	backend, err := s.openBackend(ctx, o.cfg.Storage.Backend)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.series = s.newManager(backend, o.cfg.ReadOnly)
	s.log.Debug("created system", zap.String("uuid", s.id.String()), zap.String("backend", string(backend.Describe().Kind)))
	return s, nil
}

// newShell builds everything except the time series manager.
func newShell(reg *component.Registry, o options) (*System, error) {
	if reg == nil {
		return nil, fmt.Errorf("system: nil registry")
	}
	dir, err := os.MkdirTemp("", "infrasys-")
	if err != nil {
		return nil, fmt.Errorf("create scoped directory: %w", err)
	}
	s := &System{
		name:        o.name,
		description: o.description,
		id:          o.id,
		registry:    reg,
		cfg:         o.cfg,
		hooks:       o.hooks,
		log:         o.log,
		tempDir:     dir,
	}
	if o.autoAdd {
		s.policy = components.AutoAdd
	}
	if o.metrics != nil {
		if s.recorder, err = metrics.NewRecorder(o.metrics); err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
	}
	s.table = components.New(reg, s.tableOptions()...)
	s.attrs = components.NewAttributes(reg, s.log)
	return s, nil
}

func (s *System) tableOptions() []components.Option {
	opts := []components.Option{components.WithLogger(s.log)}
	if s.hooks.Validate != nil {
		opts = append(opts, components.WithValidator(s.hooks.Validate))
	}
	return opts
}

func (s *System) openBackend(ctx context.Context, kind core.Kind) (core.Backend, error) {
	b, err := arraystore.Open(ctx, s.cfg.ArrayStore(kind, s.tempDir))
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", kind, err)
	}
	return arraystore.Instrument(b, s.recorder), nil
}

func (s *System) newManager(b core.Backend, readOnly bool) *timeseries.Manager {
	opts := []timeseries.Option{timeseries.WithLogger(s.log)}
	if readOnly {
		opts = append(opts, timeseries.WithReadOnly())
	}
	return timeseries.NewManager(b, opts...)
}

// Name returns the system name.
func (s *System) Name() string { return s.name }

// Description returns the system description.
func (s *System) Description() string { return s.description }

// UUID returns the system id.
func (s *System) UUID() uuid.UUID { return s.id }

// Label formats the system for messages.
func (s *System) Label() string {
	if s.name == "" {
		return s.id.String()
	}
	return s.name + "." + s.id.String()
}

// Registry returns the type registry.
func (s *System) Registry() *component.Registry { return s.registry }

// Close destroys the time series backend the system owns, then releases
// it and the scoped directory. A read-only load leaves the saved files in
// place. It is safe to call more than once.
func (s *System) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.series != nil {
		if dErr := s.series.Backend().Destroy(context.Background()); dErr != nil && !errors.Is(dErr, errs.ErrReadOnly) {
			err = dErr
		}
		if cErr := s.series.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}
	if rmErr := os.RemoveAll(s.tempDir); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

// Add inserts components. Referenced components must already be stored
// unless the system was created WithAutoAddComposed. Nothing is inserted
// when any component fails validation.
func (s *System) Add(cs ...component.Component) error {
	return s.table.AddMany(cs, s.policy)
}

// Has reports whether c is stored.
func (s *System) Has(c component.Component) bool { return s.table.Has(c) }

// Len returns the number of components.
func (s *System) Len() int { return s.table.Len() }

// GetByID returns the component with id.
func (s *System) GetByID(id uuid.UUID) (component.Component, error) { return s.table.Get(id) }

// GetByName returns the component of type tag named name.
func (s *System) GetByName(tag, name string) (component.Component, error) {
	return s.table.GetByName(tag, name)
}

// ListByName returns every component of type tag named name.
func (s *System) ListByName(tag, name string) []component.Component {
	return s.table.ListByName(tag, name)
}

// Get returns the component of type T named name.
func Get[T component.Component](s *System, name string) (T, error) {
	var zero T
	tag, err := s.registry.TagFor(zero)
	if err != nil {
		return zero, err
	}
	c, err := s.table.GetByName(tag, name)
	if err != nil {
		return zero, err
	}
	out, ok := c.(T)
	if !ok {
		return zero, fmt.Errorf("%s %q has type %T", tag, name, c)
	}
	return out, nil
}

// Components yields the stored components of type T in insertion order.
func Components[T component.Component](s *System) iter.Seq[T] {
	return func(yield func(T) bool) {
		var zero T
		tag, err := s.registry.TagFor(zero)
		if err != nil {
			return
		}
		for c := range s.table.Iter(tag, false) {
			if t, ok := c.(T); ok && !yield(t) {
				return
			}
		}
	}
}

// Iter yields components of type tag, or every component when tag is
// empty. With includeSubtypes, descendants declared through
// component.WithParent are included.
func (s *System) Iter(tag string, includeSubtypes bool) iter.Seq[component.Component] {
	return s.table.Iter(tag, includeSubtypes)
}

// Types returns the stored type tags in first-insertion order.
func (s *System) Types() []string { return s.table.Types() }

// ListReferencing returns the components that reference c.
func (s *System) ListReferencing(c component.Component, tags ...string) []component.Component {
	return s.table.ListReferencing(c, tags...)
}

// ListReferenced returns the components c references.
func (s *System) ListReferenced(c component.Component, tags ...string) []component.Component {
	return s.table.ListReferenced(c, tags...)
}

// RebuildAssociations rescans every reference field. Call it after
// reassigning a reference field of a stored component.
func (s *System) RebuildAssociations() { s.table.Rebuild() }

// Rename changes the name of a stored component.
func (s *System) Rename(c component.Component, name string) error { return s.table.Rename(c, name) }

// Remove deletes c, plus its orphaned children when opts.CascadeDown is
// set, and every time series the removed components own. Supplemental
// attributes linked only to removed components are removed with their
// series. Owned series make the call fail when time series are read-only;
// nothing is removed in that case.
func (s *System) Remove(ctx context.Context, c component.Component, opts RemoveOptions) error {
	set, err := s.table.RemovalSet(c, opts)
	if err != nil {
		return err
	}
	ids := make([]uuid.UUID, len(set))
	for i, rc := range set {
		ids[i] = component.ID(rc)
	}
	orphans := s.attrs.OrphanedBy(ids)
	owners := append(slices.Clone(set), orphans...)
	if s.series.ReadOnly() {
		for _, o := range owners {
			if len(s.series.ListKeys(component.ID(o))) > 0 {
				return errs.ReadOnlyViolationError{Op: "remove component " + component.Label(o)}
			}
		}
	}
	for _, o := range owners {
		if err := s.series.RemoveOwner(ctx, component.ID(o)); err != nil {
			return err
		}
	}
	if _, err := s.table.Remove(c, opts); err != nil {
		return err
	}
	for _, id := range ids {
		s.attrs.DropComponent(id)
	}
	for _, a := range orphans {
		if err := s.attrs.Remove(a); err != nil {
			return err
		}
	}
	s.log.Debug("removed components",
		zap.String("component", component.Label(c)),
		zap.Int("count", len(set)),
		zap.Int("supplemental_attributes", len(orphans)))
	return nil
}
