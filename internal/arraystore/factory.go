// Package arraystore builds array storage backends from settings and holds
// the helpers that work across backends.
package arraystore

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"infrasys/internal/arraystore/core"
	"infrasys/internal/blob"
	blobcore "infrasys/internal/blob/core"
	"infrasys/internal/infra/arraystore/columnar"
	"infrasys/internal/infra/arraystore/memory"
	"infrasys/internal/infra/arraystore/multifile"
	"infrasys/internal/infra/arraystore/table"
)

// Settings selects and configures a backend.
type Settings struct {
	Kind core.Kind
	// Directory is the parent of the backend's private data directory.
	// Required except for memory and postgres table backends.
	Directory   string
	Compression string // multifile only
	TableDriver string // sqlite (default) or postgres
	TableDSN    string // postgres only
	Blob        blob.Settings
}

// Open creates a new, empty backend. File-backed kinds get a private
// directory under s.Directory that Destroy removes.
func Open(ctx context.Context, s Settings) (core.Backend, error) {
	switch s.Kind {
	case "", core.KindMemory:
		return memory.New(), nil
	case core.KindColumnar:
		return openColumnar(ctx, s)
	case core.KindMultiFile:
		comp, err := multifile.ParseCompression(s.Compression)
		if err != nil {
			return nil, err
		}
		dir, err := privateDir(s)
		if err != nil {
			return nil, err
		}
		return multifile.Open(dir, multifile.WithCompression(comp), multifile.Owned())
	case core.KindTable:
		if s.TableDriver == table.DriverPostgres {
			return table.Open(ctx, table.DriverPostgres, s.TableDSN)
		}
		dir, err := privateDir(s)
		if err != nil {
			return nil, err
		}
		return table.OpenDir(ctx, dir, table.Owned())
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.Kind)
	}
}

func openColumnar(ctx context.Context, s Settings) (core.Backend, error) {
	switch s.Blob.Driver {
	case "", blobcore.DriverFilesystem:
		dir, err := privateDir(s)
		if err != nil {
			return nil, err
		}
		bs := s.Blob
		bs.FSRoot = dir
		store, err := blob.Open(ctx, bs)
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
		return columnar.New(store, columnar.WithLocation(dir), columnar.Owned()), nil
	default:
		store, err := blob.Open(ctx, s.Blob)
		if err != nil {
			return nil, err
		}
		return columnar.New(store, columnar.WithPrefix("time_series/"+uuid.NewString()+"/")), nil
	}
}

func privateDir(s Settings) (string, error) {
	if s.Directory == "" {
		return "", fmt.Errorf("storage directory required for %s backend", s.Kind)
	}
	if err := os.MkdirAll(s.Directory, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(s.Directory, string(s.Kind)+"-")
}

// OpenExported opens the export a backend of the given kind wrote into dir,
// in place. Memory exports use the columnar layout and open as columnar.
func OpenExported(ctx context.Context, kind core.Kind, dir, compression string) (core.Backend, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("open exported arrays: %w", err)
	}
	switch kind {
	case core.KindMemory, core.KindColumnar:
		return columnar.Open(dir)
	case core.KindMultiFile:
		comp, err := multifile.ParseCompression(compression)
		if err != nil {
			return nil, err
		}
		return multifile.Open(dir, multifile.WithCompression(comp))
	case core.KindTable:
		return table.OpenDir(ctx, dir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}

// Copy stores every array of src into dst under the same id and returns
// the number copied.
func Copy(ctx context.Context, dst, src core.Backend) (int, error) {
	ids, err := src.List(ctx)
	if err != nil {
		return 0, err
	}
	kind := src.Describe().Kind
	for i, id := range ids {
		a, err := src.Retrieve(ctx, core.Handle{Kind: kind, Key: id.String()})
		if err != nil {
			return i, fmt.Errorf("retrieve %s: %w", id, err)
		}
		if _, err := dst.Store(ctx, id, a); err != nil {
			return i, fmt.Errorf("store %s: %w", id, err)
		}
	}
	return len(ids), nil
}
