package system

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"infrasys/internal/arraystore"
	"infrasys/internal/arraystore/core"
	"infrasys/internal/components"
	"infrasys/internal/infra/arraystore/multifile"
	"infrasys/internal/serialize"
	"infrasys/internal/timeseries"
	"infrasys/pkg/component"
	"infrasys/pkg/errs"
)

// SaveOptions controls Save.
type SaveOptions struct {
	// Archive packs the document and its time series directory into
	// <stem>.tar.gz and removes the loose files.
	Archive bool
	// Overwrite replaces existing output instead of failing with
	// errs.ErrFileExists.
	Overwrite bool
}

// layout names the files a save of one document produces.
type layout struct {
	dir     string
	stem    string
	doc     string
	series  string
	archive string
}

func layoutFor(path string) (layout, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return layout{}, err
	}
	base := filepath.Base(abs)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." {
		return layout{}, fmt.Errorf("%w: invalid document path %q", errs.ErrConflictingArguments, path)
	}
	dir := filepath.Dir(abs)
	return layout{
		dir:     dir,
		stem:    stem,
		doc:     abs,
		series:  filepath.Join(dir, stem+serialize.TimeSeriesDirSuffix),
		archive: filepath.Join(dir, stem+ArchiveSuffix),
	}, nil
}

func (l layout) checkTargets(opts SaveOptions) error {
	if opts.Overwrite {
		return nil
	}
	targets := []string{l.doc}
	if opts.Archive {
		targets = append(targets, l.archive)
	}
	for _, t := range targets {
		if _, err := os.Stat(t); err == nil {
			return fmt.Errorf("%s: %w", t, errs.ErrFileExists)
		}
	}
	return nil
}

func within(path, dir string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(dir, abs)
	return err == nil && (rel == "." || filepath.IsLocal(rel))
}

// Save writes the document to path and exports every array to the sibling
// directory <stem>_time_series.
func (s *System) Save(ctx context.Context, path string, opts SaveOptions) error {
	l, err := layoutFor(path)
	if err != nil {
		return err
	}
	if err := l.checkTargets(opts); err != nil {
		return err
	}
	if loc := s.series.Backend().Describe().Location; loc != "" && within(loc, l.series) {
		return fmt.Errorf("%w: %s holds the arrays of this system", errs.ErrConflictingArguments, l.series)
	}
	doc, err := s.document()
	if err != nil {
		return err
	}
	if err := writeSaved(ctx, l, doc, s.series.Export, opts); err != nil {
		return err
	}
	s.log.Info("saved system",
		zap.String("system", s.Label()),
		zap.String("path", l.doc),
		zap.Bool("archive", opts.Archive),
		zap.Int("components", s.table.Len()),
		zap.Int("time_series", s.series.Catalog().Len()))
	return nil
}

func (s *System) document() (*serialize.Document, error) {
	engine := serialize.NewEngine(s.registry, serialize.WithLogger(s.log))
	doc, err := engine.Encode(s.table)
	if err != nil {
		return nil, err
	}
	if err := engine.EncodeAttributes(doc, s.table, s.attrs); err != nil {
		return nil, err
	}
	doc.Name = s.name
	doc.Description = s.description
	doc.UUID = s.id.String()
	if s.hooks.SerializeAttributes != nil {
		attrs, err := s.hooks.SerializeAttributes()
		if err != nil {
			return nil, fmt.Errorf("serialize system attributes: %w", err)
		}
		doc.System = attrs
	}
	doc.TimeSeries = s.seriesRef()
	return doc, nil
}

func (s *System) seriesRef() *serialize.TimeSeriesRef {
	kind := s.StorageKind()
	ref := &serialize.TimeSeriesRef{Backend: string(kind), Count: s.series.Catalog().Len()}
	if kind == core.KindMultiFile {
		if c, err := multifile.ParseCompression(s.cfg.Storage.Compression); err == nil {
			ref.Compression = string(c)
		}
	}
	return ref
}

// writeSaved exports into a staging directory next to the target, swaps it
// into place and then writes the document.
func writeSaved(ctx context.Context, l layout, doc *serialize.Document, export func(context.Context, string) error, opts SaveOptions) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", l.dir, err)
	}
	staging, err := os.MkdirTemp(l.dir, "."+l.stem+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)
	if err := export(ctx, staging); err != nil {
		return err
	}
	if err := swapDir(staging, l.series); err != nil {
		return fmt.Errorf("move time series into place: %w", err)
	}
	doc.TimeSeries.Directory = filepath.Base(l.series)
	if err := writeDocument(l.doc, doc); err != nil {
		return err
	}
	if !opts.Archive {
		return nil
	}
	if err := writeArchive(l.archive, l.dir, filepath.Base(l.doc), filepath.Base(l.series)); err != nil {
		return err
	}
	if err := os.Remove(l.doc); err != nil {
		return err
	}
	return os.RemoveAll(l.series)
}

// swapDir renames src onto dst. An existing dst is moved aside first and
// put back when the rename fails.
func swapDir(src, dst string) error {
	aside := src + ".old"
	moved := false
	if _, err := os.Lstat(dst); err == nil {
		if err := os.Rename(dst, aside); err != nil {
			return err
		}
		moved = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := renameDir(src, dst); err != nil {
		if moved {
			if rErr := os.Rename(aside, dst); rErr != nil {
				return errors.Join(err, rErr)
			}
		}
		return err
	}
	if moved {
		return os.RemoveAll(aside)
	}
	return nil
}

var renameDir = os.Rename

func writeDocument(path string, doc *serialize.Document) (retErr error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".document-*")
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err := serialize.Encode(tmp, doc); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads a system saved by Save, from the document or its archive.
// Read-only systems serve arrays from the saved files in place; otherwise
// the arrays are copied into a new backend of the saved kind.
func Load(ctx context.Context, path string, reg *component.Registry, opts ...Option) (*System, error) {
	s, err := newShell(reg, buildOptions(opts))
	if err != nil {
		return nil, err
	}
	if err := s.load(ctx, path); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *System) load(ctx context.Context, path string) error {
	docPath, err := s.resolveDocument(path)
	if err != nil {
		return err
	}
	doc, err := serialize.ReadFile(docPath)
	if err != nil {
		return err
	}
	engineOpts := []serialize.EngineOption{serialize.WithLogger(s.log)}
	if s.hooks.Upgrade != nil {
		engineOpts = append(engineOpts, serialize.WithUpgrade(s.hooks.Upgrade))
	}
	if s.hooks.Validate != nil {
		engineOpts = append(engineOpts, serialize.WithTableOptions(components.WithValidator(s.hooks.Validate)))
	}
	engine := serialize.NewEngine(s.registry, engineOpts...)
	table, err := engine.Decode(doc)
	if err != nil {
		return err
	}
	attrs, err := engine.DecodeAttributes(doc, table)
	if err != nil {
		return err
	}
	s.table = table
	s.attrs = attrs
	s.name = doc.Name
	s.description = doc.Description
	if doc.UUID != "" {
		id, err := uuid.Parse(doc.UUID)
		if err != nil {
			return fmt.Errorf("system uuid: %w", err)
		}
		s.id = id
	}
	if err := s.restoreSeries(ctx, filepath.Dir(docPath), doc.TimeSeries); err != nil {
		return err
	}
	if s.hooks.DeserializeAttributes != nil {
		if err := s.hooks.DeserializeAttributes(doc.System); err != nil {
			return fmt.Errorf("deserialize system attributes: %w", err)
		}
	}
	s.log.Info("loaded system",
		zap.String("system", s.Label()),
		zap.String("path", path),
		zap.Bool("read_only", s.series.ReadOnly()),
		zap.Int("components", s.table.Len()),
		zap.Int("time_series", s.series.Catalog().Len()))
	return nil
}

func (s *System) resolveDocument(path string) (string, error) {
	if !isArchive(path) {
		return filepath.Abs(path)
	}
	dir, err := os.MkdirTemp(s.tempDir, "archive-")
	if err != nil {
		return "", err
	}
	return extractArchive(path, dir)
}

func (s *System) restoreSeries(ctx context.Context, root string, ref *serialize.TimeSeriesRef) error {
	if ref == nil {
		b, err := s.openBackend(ctx, s.cfg.Storage.Backend)
		if err != nil {
			return err
		}
		s.series = s.newManager(b, s.cfg.ReadOnly)
		return nil
	}
	exported, metas, err := s.openSaved(ctx, root, ref)
	if err != nil {
		return err
	}
	for _, m := range metas {
		_, err := s.table.Get(m.OwnerID)
		if err != nil {
			_, err = s.attrs.Get(m.OwnerID)
		}
		if err != nil {
			_ = exported.Close()
			return errs.ReferenceNotFoundError{Type: m.OwnerType, ID: m.OwnerID.String(), From: "time series " + m.Name}
		}
	}
	if s.cfg.ReadOnly {
		s.series = s.newManager(arraystore.ReadOnly(arraystore.Instrument(exported, s.recorder)), true)
		return s.series.Restore(ctx, metas)
	}
	target, err := s.openBackend(ctx, core.Kind(ref.Backend))
	if err != nil {
		_ = exported.Close()
		return err
	}
	n, err := arraystore.Copy(ctx, target, exported)
	_ = exported.Close()
	if err != nil {
		_ = target.Destroy(ctx)
		_ = target.Close()
		return fmt.Errorf("copy time series: %w", err)
	}
	s.series = s.newManager(target, false)
	s.log.Debug("copied time series", zap.Int("arrays", n), zap.String("backend", ref.Backend))
	return s.series.Restore(ctx, metas)
}

// openSaved opens the exported arrays and catalog referenced by a document.
func (s *System) openSaved(ctx context.Context, root string, ref *serialize.TimeSeriesRef) (core.Backend, []timeseries.Metadata, error) {
	kind, err := core.ParseKind(ref.Backend)
	if err != nil {
		return nil, nil, err
	}
	if !filepath.IsLocal(ref.Directory) {
		return nil, nil, fmt.Errorf("time series directory %q must be relative to the document", ref.Directory)
	}
	dir := filepath.Join(root, ref.Directory)
	metas, err := timeseries.LoadCatalog(ctx, filepath.Join(dir, timeseries.MetadataFileName))
	if err != nil {
		return nil, nil, err
	}
	b, err := arraystore.OpenExported(ctx, kind, dir, ref.Compression)
	if err != nil {
		return nil, nil, err
	}
	return b, metas, nil
}

// Convert rewrites the saved system at src to dst with its arrays in a
// backend of kind. Components are copied as stored, so their Go types need
// not be registered.
func Convert(ctx context.Context, src, dst string, kind core.Kind, save SaveOptions, opts ...Option) error {
	s, err := newShell(component.NewRegistry(), buildOptions(opts))
	if err != nil {
		return err
	}
	defer s.Close()
	l, err := layoutFor(dst)
	if err != nil {
		return err
	}
	if err := l.checkTargets(save); err != nil {
		return err
	}
	docPath, err := s.resolveDocument(src)
	if err != nil {
		return err
	}
	doc, err := serialize.ReadFile(docPath)
	if err != nil {
		return err
	}
	var (
		exported core.Backend
		metas    []timeseries.Metadata
	)
	if doc.TimeSeries == nil {
		exported, err = s.openBackend(ctx, s.cfg.Storage.Backend)
	} else {
		exported, metas, err = s.openSaved(ctx, filepath.Dir(docPath), doc.TimeSeries)
	}
	if err != nil {
		return err
	}
	s.series = s.newManager(arraystore.ReadOnly(exported), false)
	if err := s.series.Restore(ctx, metas); err != nil {
		return err
	}
	if err := s.ConvertStorage(ctx, kind); err != nil {
		return err
	}
	doc.TimeSeries = s.seriesRef()
	if err := writeSaved(ctx, l, doc, s.series.Export, save); err != nil {
		return err
	}
	s.log.Info("converted saved system",
		zap.String("src", src),
		zap.String("dst", l.doc),
		zap.String("backend", string(kind)),
		zap.Int("time_series", len(metas)))
	return nil
}
