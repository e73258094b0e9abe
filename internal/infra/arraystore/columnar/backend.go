// Package columnar stores one file per array through an object store. Keys
// are "<prefix><uuid>.arr" and hold the core array codec.
package columnar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"infrasys/internal/arraystore/core"
	blobcore "infrasys/internal/blob/core"
	blobfs "infrasys/internal/infra/blob/fs"
)

// FileSuffix is appended to every array key.
const FileSuffix = ".arr"

const contentType = "application/x-infrasys-array"

// Backend implements core.Backend over a blobcore.Store.
type Backend struct {
	store    blobcore.Store
	prefix   string
	location string
	owned    bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithPrefix namespaces every key, so several backends can share a bucket.
func WithPrefix(p string) Option { return func(b *Backend) { b.prefix = p } }

// WithLocation records the local directory the store writes to. Export
// into the same directory is then a no-op.
func WithLocation(dir string) Option { return func(b *Backend) { b.location = dir } }

// Owned makes Destroy remove the location directory as well.
func Owned() Option { return func(b *Backend) { b.owned = true } }

// New wraps store.
func New(store blobcore.Store, opts ...Option) *Backend {
	b := &Backend{store: store}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open creates a filesystem-backed columnar backend rooted at dir.
func Open(dir string, opts ...Option) (*Backend, error) {
	store, err := blobfs.New(dir)
	if err != nil {
		return nil, err
	}
	return New(store, append([]Option{WithLocation(dir)}, opts...)...), nil
}

func (b *Backend) key(id uuid.UUID) string { return b.prefix + id.String() + FileSuffix }

// Describe reports kind, location and array count.
func (b *Backend) Describe() core.Description {
	ids, _ := b.List(context.Background())
	loc := b.location
	if loc == "" {
		loc = string(b.store.Driver()) + ":" + b.prefix
	}
	return core.Description{Kind: core.KindColumnar, Location: loc, Count: len(ids)}
}

// Store writes a as a new object.
func (b *Backend) Store(ctx context.Context, id uuid.UUID, a core.Array) (core.Handle, error) {
	var buf bytes.Buffer
	if err := core.WriteArray(&buf, a); err != nil {
		return core.Handle{}, err
	}
	_, err := b.store.Put(ctx, b.key(id), bytes.NewReader(buf.Bytes()), blobcore.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"dtype": string(a.DType), "length": strconv.Itoa(a.Len())},
	})
	if errors.Is(err, blobcore.ErrExists) {
		return core.Handle{}, fmt.Errorf("%s: %w", id, core.ErrExists)
	}
	if err != nil {
		return core.Handle{}, fmt.Errorf("store %s: %w", id, err)
	}
	return core.Handle{Kind: core.KindColumnar, Key: id.String()}, nil
}

// Retrieve reads and decodes the object named by h.
func (b *Backend) Retrieve(ctx context.Context, h core.Handle) (core.Array, error) {
	id, err := core.CheckHandle(core.KindColumnar, h)
	if err != nil {
		return core.Array{}, err
	}
	_, rc, err := b.store.Get(ctx, b.key(id))
	if errors.Is(err, blobcore.ErrNotFound) {
		return core.Array{}, fmt.Errorf("%s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Array{}, err
	}
	defer func() { _ = rc.Close() }()
	return core.ReadArray(rc)
}

// Remove deletes the object named by h.
func (b *Backend) Remove(ctx context.Context, h core.Handle) error {
	id, err := core.CheckHandle(core.KindColumnar, h)
	if err != nil {
		return err
	}
	ok, err := b.store.Delete(ctx, b.key(id))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", id, core.ErrNotFound)
	}
	return nil
}

// List parses the ids of every array object under the prefix.
func (b *Backend) List(ctx context.Context) ([]uuid.UUID, error) {
	infos, err := b.store.List(ctx, b.prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(infos))
	for _, info := range infos {
		name := strings.TrimPrefix(info.Key, b.prefix)
		if !strings.HasSuffix(name, FileSuffix) || strings.Contains(name, "/") {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, FileSuffix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	core.SortIDs(ids)
	return ids, nil
}

// Export copies every object into a filesystem store at dir without
// decoding it.
func (b *Backend) Export(ctx context.Context, dir string) error {
	if b.location != "" && sameDir(b.location, dir) && b.prefix == "" {
		return nil
	}
	dst, err := blobfs.New(dir)
	if err != nil {
		return err
	}
	ids, err := b.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := copyObject(ctx, b.store, b.key(id), dst, id.String()+FileSuffix); err != nil {
			return fmt.Errorf("export %s: %w", id, err)
		}
	}
	return nil
}

func copyObject(ctx context.Context, src blobcore.Store, srcKey string, dst blobcore.Store, dstKey string) error {
	info, rc, err := src.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	_, err = dst.Put(ctx, dstKey, rc, blobcore.PutOptions{ContentType: info.ContentType, Metadata: info.Metadata})
	return err
}

// Destroy deletes every array object, and the directory when owned.
func (b *Backend) Destroy(ctx context.Context) error {
	ids, err := b.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := b.store.Delete(ctx, b.key(id)); err != nil {
			return err
		}
	}
	if b.owned && b.location != "" {
		return os.RemoveAll(b.location)
	}
	return nil
}

// Close is a no-op; objects are durable once Store returns.
func (b *Backend) Close() error { return nil }

func sameDir(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}

var _ core.Backend = (*Backend)(nil)
