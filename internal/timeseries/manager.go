package timeseries

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"infrasys/internal/arraystore/core"
	"infrasys/pkg/errs"
)

// Manager pairs a Catalog with the backend holding its arrays.
type Manager struct {
	backend  core.Backend
	catalog  *Catalog
	readOnly bool
	log      *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithReadOnly rejects every mutation from the start.
func WithReadOnly() Option { return func(m *Manager) { m.readOnly = true } }

// WithLogger sets the manager logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager returns a manager with an empty catalog over backend.
func NewManager(backend core.Backend, opts ...Option) *Manager {
	m := &Manager{backend: backend, catalog: NewCatalog(), log: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Backend returns the current backend.
func (m *Manager) Backend() core.Backend { return m.backend }

// Catalog returns the metadata catalog. Callers must not mutate it while
// the manager is read-only.
func (m *Manager) Catalog() *Catalog { return m.catalog }

// ReadOnly reports whether mutations are rejected.
func (m *Manager) ReadOnly() bool { return m.readOnly }

// MarkReadOnly rejects every later mutation. It cannot be undone.
func (m *Manager) MarkReadOnly() { m.readOnly = true }

func (m *Manager) checkWritable(op string) error {
	if m.readOnly {
		return errs.ReadOnlyViolationError{Op: op}
	}
	return nil
}

// Add stores s once and attaches it to every owner under attrs. Nothing is
// attached if any owner already has a series with the same name and
// attributes.
func (m *Manager) Add(ctx context.Context, s Series, owners []Owner, attrs map[string]any) error {
	if err := m.checkWritable("add time series"); err != nil {
		return err
	}
	if len(owners) == 0 {
		return fmt.Errorf("%w: no owner given", errs.ErrConflictingArguments)
	}
	if err := s.validate(); err != nil {
		return err
	}
	base := s.SeriesBase()
	if base.UUID == uuid.Nil {
		base.UUID = uuid.New()
	}
	seen := map[uuid.UUID]bool{}
	for _, o := range owners {
		dup, err := m.catalog.Has(o.ID, base.Name, attrs)
		if err != nil {
			return err
		}
		if dup || seen[o.ID] {
			return fmt.Errorf("%w: %s %q on %s %s with %s", errs.ErrAlreadyAttached, s.Type(), base.Name, o.Type, o.ID, mustCanonical(attrs))
		}
		seen[o.ID] = true
	}
	var handle core.Handle
	if m.catalog.RefCount(base.UUID) == 0 {
		h, err := m.backend.Store(ctx, base.UUID, base.Data)
		if err != nil {
			return fmt.Errorf("store time series %q: %w", base.Name, err)
		}
		handle = h
	} else {
		handle = m.catalog.Arrays()[base.UUID]
	}
	for _, o := range owners {
		meta := newMetadata(s, o, attrs)
		meta.Handle = handle
		if err := m.catalog.Add(meta); err != nil {
			return err
		}
	}
	m.log.Debug("attached time series",
		zap.String("name", base.Name),
		zap.String("array", base.UUID.String()),
		zap.Int("owners", len(owners)))
	return nil
}

// Has reports whether owner has at least one series matching q.
func (m *Manager) Has(owner uuid.UUID, q Query) bool {
	return len(m.catalog.Find(owner, q)) > 0
}

// Find returns the metadata of owner's series matching q.
func (m *Manager) Find(owner uuid.UUID, q Query) []Metadata { return m.catalog.Find(owner, q) }

// ListKeys returns the descriptors of owner's series without reading
// arrays.
func (m *Manager) ListKeys(owner uuid.UUID) []Key { return m.catalog.ListKeys(owner) }

// GetOptions narrows a Get or List call.
type GetOptions struct {
	Query
	Start  time.Time // zero reads from the first value
	Length int       // zero reads through the last value
}

// Get returns the single series of owner matching opts. It fails with
// errs.ErrNotStored when nothing matches and errs.ErrMultipleMatches when
// several do.
func (m *Manager) Get(ctx context.Context, owner uuid.UUID, opts GetOptions) (Series, error) {
	found := m.catalog.Find(owner, opts.Query)
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %q on %s", errs.ErrNotStored, opts.Name, owner)
	case 1:
		return m.read(ctx, found[0], opts.Start, opts.Length)
	default:
		return nil, fmt.Errorf("%w: %d series named %q on %s", errs.ErrMultipleMatches, len(found), opts.Name, owner)
	}
}

// List returns every series of owner matching opts.
func (m *Manager) List(ctx context.Context, owner uuid.UUID, opts GetOptions) ([]Series, error) {
	found := m.catalog.Find(owner, opts.Query)
	out := make([]Series, 0, len(found))
	for _, meta := range found {
		s, err := m.read(ctx, meta, opts.Start, opts.Length)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Read materializes the series described by meta.
func (m *Manager) Read(ctx context.Context, meta Metadata) (Series, error) {
	return m.read(ctx, meta, time.Time{}, 0)
}

func (m *Manager) read(ctx context.Context, meta Metadata, start time.Time, length int) (Series, error) {
	offset, n, err := meta.Range(start, length)
	if err != nil {
		return nil, err
	}
	var data core.Array
	if offset == 0 && n == meta.Length {
		data, err = m.backend.Retrieve(ctx, meta.Handle)
	} else {
		data, err = core.RetrieveRange(ctx, m.backend, meta.Handle, offset, n)
	}
	if err != nil {
		return nil, fmt.Errorf("read time series %q: %w", meta.Name, err)
	}
	common := Common{
		UUID:        meta.ArrayID,
		Name:        meta.Name,
		InitialTime: meta.InitialTime.Add(time.Duration(offset) * meta.Resolution),
		Resolution:  meta.Resolution,
		Data:        data,
		Units:       meta.Units,
	}
	if meta.Type == TypeDeterministic {
		return &Deterministic{Common: common, Horizon: meta.Horizon, Interval: meta.Interval, WindowCount: meta.WindowCount}, nil
	}
	return &SingleTimeSeries{Common: common}, nil
}

// Copy attaches every series of src to dst, sharing the stored arrays. With
// a non-nil names map only series named in it are copied, under the mapped
// name. Nothing is attached when any copy would collide with a series dst
// already has.
func (m *Manager) Copy(dst Owner, src uuid.UUID, names map[string]string) (int, error) {
	if err := m.checkWritable("copy time series"); err != nil {
		return 0, err
	}
	var copies []Metadata
	seen := map[string]bool{}
	for _, meta := range m.catalog.Find(src, Query{}) {
		name := meta.Name
		if names != nil {
			mapped, ok := names[name]
			if !ok {
				continue
			}
			name = mapped
		}
		meta.OwnerID = dst.ID
		meta.OwnerType = dst.Type
		meta.Name = name
		k, err := uniqueKey(dst.ID, name, meta.Attributes)
		if err != nil {
			return 0, err
		}
		dup, err := m.catalog.Has(dst.ID, name, meta.Attributes)
		if err != nil {
			return 0, err
		}
		if dup || seen[k] {
			return 0, fmt.Errorf("%w: %s", errs.ErrAlreadyAttached, meta)
		}
		seen[k] = true
		copies = append(copies, meta)
	}
	for _, meta := range copies {
		if err := m.catalog.Add(meta); err != nil {
			return 0, err
		}
	}
	m.log.Debug("copied time series",
		zap.String("from", src.String()),
		zap.String("to", dst.ID.String()),
		zap.Int("count", len(copies)))
	return len(copies), nil
}

// Remove detaches owner's series matching q and frees arrays no other
// entry references. It fails with errs.ErrNotStored when nothing matches.
func (m *Manager) Remove(ctx context.Context, owner uuid.UUID, q Query) (int, error) {
	if err := m.checkWritable("remove time series"); err != nil {
		return 0, err
	}
	found := m.catalog.Find(owner, q)
	if len(found) == 0 {
		return 0, fmt.Errorf("%w: %q on %s", errs.ErrNotStored, q.Name, owner)
	}
	return len(found), m.detach(ctx, found)
}

// RemoveOwner detaches every series of owner. Owners without series are
// not an error.
func (m *Manager) RemoveOwner(ctx context.Context, owner uuid.UUID) error {
	found := m.catalog.Find(owner, Query{})
	if len(found) == 0 {
		return nil
	}
	if err := m.checkWritable("remove time series"); err != nil {
		return err
	}
	return m.detach(ctx, found)
}

func (m *Manager) detach(ctx context.Context, metas []Metadata) error {
	for _, meta := range metas {
		last, err := m.catalog.Remove(meta)
		if err != nil {
			return err
		}
		if last {
			if err := m.backend.Remove(ctx, meta.Handle); err != nil {
				return fmt.Errorf("free array %s: %w", meta.ArrayID, err)
			}
		}
		m.log.Debug("removed time series", zap.String("name", meta.Name), zap.Bool("freed", last))
	}
	return nil
}

// ConvertStorage copies every array into target and then switches to it.
// On failure target is destroyed and the current backend stays in use; on
// success the old backend is destroyed.
func (m *Manager) ConvertStorage(ctx context.Context, target core.Backend) error {
	from := m.backend.Describe().Kind
	to := target.Describe().Kind
	discard := func(err error, arrayID string) error {
		if derr := target.Destroy(ctx); derr != nil {
			m.log.Warn("discard conversion target", zap.Error(derr))
		}
		_ = target.Close()
		return errs.BackendConversionError{From: string(from), To: string(to), ArrayID: arrayID, Err: err}
	}
	if err := m.checkWritable("convert storage"); err != nil {
		_ = discard(err, "")
		return err
	}
	arrays := m.catalog.Arrays()
	ids := make([]uuid.UUID, 0, len(arrays))
	for id := range maps.Keys(arrays) {
		ids = append(ids, id)
	}
	core.SortIDs(ids)
	moved := make(map[uuid.UUID]core.Handle, len(ids))
	for _, id := range ids {
		a, err := m.backend.Retrieve(ctx, arrays[id])
		if err != nil {
			return discard(fmt.Errorf("retrieve: %w", err), id.String())
		}
		h, err := target.Store(ctx, id, a)
		if err != nil {
			return discard(fmt.Errorf("store: %w", err), id.String())
		}
		moved[id] = h
	}
	old := m.backend
	m.catalog.SetHandles(moved)
	m.backend = target
	if err := old.Destroy(ctx); err != nil && !errors.Is(err, errs.ErrReadOnly) {
		m.log.Warn("destroy previous backend", zap.String("kind", string(from)), zap.Error(err))
	}
	if err := old.Close(); err != nil {
		m.log.Warn("close previous backend", zap.String("kind", string(from)), zap.Error(err))
	}
	m.log.Info("converted time series storage",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("arrays", len(ids)))
	return nil
}

// Restore loads saved entries into an empty catalog. Handles are rebuilt
// for the current backend, and every referenced array must be present.
func (m *Manager) Restore(ctx context.Context, metas []Metadata) error {
	if m.catalog.Len() > 0 {
		return fmt.Errorf("restore into non-empty catalog")
	}
	stored, err := m.backend.List(ctx)
	if err != nil {
		return err
	}
	present := make(map[uuid.UUID]bool, len(stored))
	for _, id := range stored {
		present[id] = true
	}
	kind := m.backend.Describe().Kind
	for _, meta := range metas {
		if !present[meta.ArrayID] {
			return fmt.Errorf("%w: array %s of %s", errs.ErrNotFound, meta.ArrayID, meta)
		}
		meta.Handle = core.Handle{Kind: kind, Key: meta.ArrayID.String()}
		if err := m.catalog.Add(meta); err != nil {
			return err
		}
	}
	return nil
}

// Export writes the arrays and the catalog database into dir.
func (m *Manager) Export(ctx context.Context, dir string) error {
	if err := m.backend.Export(ctx, dir); err != nil {
		return fmt.Errorf("export arrays: %w", err)
	}
	return SaveCatalog(ctx, filepath.Join(dir, MetadataFileName), m.catalog)
}

// Close closes the backend.
func (m *Manager) Close() error { return m.backend.Close() }
