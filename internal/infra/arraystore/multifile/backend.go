// Package multifile stores every array in one append-only file with an
// in-memory index rebuilt by scanning the file on open. Payloads may be
// snappy compressed per array.
//
// Layout: a 5 byte header ("IAMF" + version) followed by records. A put
// record is op(1) uuid(16) dtype(1) compression(1) rawLen(8) payloadLen(8)
// payload; a delete record is op(1) uuid(16). Integers are little-endian.
package multifile

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"infrasys/internal/arraystore/core"
)

// FileName is the name of the data file inside a backend directory.
const FileName = "time_series_arrays.bin"

// Compression selects the per-array payload encoding.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
)

// ParseCompression validates a compression name; empty means snappy.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", CompressionSnappy:
		return CompressionSnappy, nil
	case CompressionNone:
		return CompressionNone, nil
	}
	return "", fmt.Errorf("unknown compression %q", s)
}

const (
	version      byte = 1
	opPut        byte = 1
	opDelete     byte = 2
	headerSize        = 5
	putHeaderLen      = 1 + 16 + 1 + 1 + 8 + 8
	delRecordLen      = 1 + 16
)

var magic = [4]byte{'I', 'A', 'M', 'F'}

var compressionCodes = map[Compression]byte{CompressionNone: 0, CompressionSnappy: 1}

type entry struct {
	dtype       core.DType
	compression byte
	rawLen      uint64
	offset      int64 // payload offset
	payloadLen  uint64
}

// Backend implements core.Backend on a single file.
type Backend struct {
	path        string
	f           *os.File
	size        int64
	index       map[uuid.UUID]entry
	compression Compression
	owned       bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithCompression sets the encoding used for new arrays. Existing records
// keep whatever encoding they were written with.
func WithCompression(c Compression) Option { return func(b *Backend) { b.compression = c } }

// Owned makes Destroy remove the containing directory as well as the file.
func Owned() Option { return func(b *Backend) { b.owned = true } }

// Open opens or creates dir/FileName.
func Open(dir string, opts ...Option) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	b := &Backend{path: filepath.Join(dir, FileName), compression: CompressionSnappy, index: make(map[uuid.UUID]entry)}
	for _, opt := range opts {
		opt(b)
	}
	if _, ok := compressionCodes[b.compression]; !ok {
		return nil, fmt.Errorf("unknown compression %q", b.compression)
	}
	f, err := os.OpenFile(b.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", b.path, err)
	}
	b.f = f
	if err := b.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return b, nil
}

// Path returns the data file path.
func (b *Backend) Path() string { return b.path }

func (b *Backend) load() error {
	st, err := b.f.Stat()
	if err != nil {
		return err
	}
	if st.Size() == 0 {
		hdr := append(magic[:], version)
		if _, err := b.f.WriteAt(hdr, 0); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		b.size = headerSize
		return nil
	}
	r := bufio.NewReader(io.NewSectionReader(b.f, 0, st.Size()))
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil || [4]byte(hdr[:4]) != magic {
		return fmt.Errorf("%s: not an array file", b.path)
	}
	if hdr[4] != version {
		return fmt.Errorf("%s: unsupported version %d", b.path, hdr[4])
	}
	off := int64(headerSize)
	for {
		n, err := b.scanRecord(r, off, st.Size())
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// record header cut short by an interrupted append
			if err := b.f.Truncate(off); err != nil {
				return err
			}
			break
		}
		if err != nil {
			return fmt.Errorf("%s at offset %d: %w", b.path, off, err)
		}
		off += n
	}
	b.size = off
	return nil
}

// scanRecord indexes the record at off. It returns io.ErrUnexpectedEOF only
// when the file ends inside the record header.
func (b *Backend) scanRecord(r *bufio.Reader, off, size int64) (int64, error) {
	var head [delRecordLen]byte
	if _, err := io.ReadFull(r, head[:1]); err != nil {
		return 0, err
	}
	if _, err := io.ReadFull(r, head[1:]); err != nil {
		return 0, io.ErrUnexpectedEOF
	}
	id := uuid.UUID(head[1:])
	switch head[0] {
	case opDelete:
		delete(b.index, id)
		return delRecordLen, nil
	case opPut:
		var rest [putHeaderLen - delRecordLen]byte
		if _, err := io.ReadFull(r, rest[:]); err != nil {
			return 0, io.ErrUnexpectedEOF
		}
		dt, err := core.DTypeFromCode(rest[0])
		if err != nil {
			return 0, err
		}
		e := entry{
			dtype:       dt,
			compression: rest[1],
			rawLen:      binary.LittleEndian.Uint64(rest[2:]),
			payloadLen:  binary.LittleEndian.Uint64(rest[10:]),
			offset:      off + putHeaderLen,
		}
		if remain := size - e.offset; e.payloadLen > uint64(remain) {
			return 0, fmt.Errorf("payload length %d exceeds the %d bytes left in the file", e.payloadLen, remain)
		}
		if _, err := r.Discard(int(e.payloadLen)); err != nil {
			return 0, err
		}
		b.index[id] = e
		return putHeaderLen + int64(e.payloadLen), nil
	default:
		return 0, fmt.Errorf("unknown record op %d", head[0])
	}
}

// Describe reports kind, file path and array count.
func (b *Backend) Describe() core.Description {
	return core.Description{Kind: core.KindMultiFile, Location: b.path, Count: len(b.index)}
}

// Store appends a put record for id.
func (b *Backend) Store(_ context.Context, id uuid.UUID, a core.Array) (core.Handle, error) {
	if err := a.Validate(); err != nil {
		return core.Handle{}, err
	}
	if _, ok := b.index[id]; ok {
		return core.Handle{}, fmt.Errorf("%s: %w", id, core.ErrExists)
	}
	if err := b.appendPut(id, a.DType, compressionCodes[b.compression], uint64(len(a.Data)), encode(b.compression, a.Data)); err != nil {
		return core.Handle{}, err
	}
	return core.Handle{Kind: core.KindMultiFile, Key: id.String()}, nil
}

func encode(c Compression, data []byte) []byte {
	if c == CompressionSnappy {
		return snappy.Encode(nil, data)
	}
	return data
}

func (b *Backend) appendPut(id uuid.UUID, dt core.DType, comp byte, rawLen uint64, payload []byte) error {
	code, err := core.DTypeCode(dt)
	if err != nil {
		return err
	}
	rec := make([]byte, putHeaderLen, putHeaderLen+len(payload))
	rec[0] = opPut
	copy(rec[1:17], id[:])
	rec[17] = code
	rec[18] = comp
	binary.LittleEndian.PutUint64(rec[19:], rawLen)
	binary.LittleEndian.PutUint64(rec[27:], uint64(len(payload)))
	rec = append(rec, payload...)
	if _, err := b.f.WriteAt(rec, b.size); err != nil {
		return fmt.Errorf("append %s: %w", id, err)
	}
	b.index[id] = entry{dtype: dt, compression: comp, rawLen: rawLen, offset: b.size + putHeaderLen, payloadLen: uint64(len(payload))}
	b.size += int64(len(rec))
	return nil
}

// Retrieve reads and decompresses the payload named by h.
func (b *Backend) Retrieve(_ context.Context, h core.Handle) (core.Array, error) {
	id, err := core.CheckHandle(core.KindMultiFile, h)
	if err != nil {
		return core.Array{}, err
	}
	e, ok := b.index[id]
	if !ok {
		return core.Array{}, fmt.Errorf("%s: %w", id, core.ErrNotFound)
	}
	payload, err := b.readPayload(e)
	if err != nil {
		return core.Array{}, fmt.Errorf("read %s: %w", id, err)
	}
	data := payload
	switch e.compression {
	case compressionCodes[CompressionSnappy]:
		if data, err = snappy.Decode(nil, payload); err != nil {
			return core.Array{}, fmt.Errorf("decompress %s: %w", id, err)
		}
	case compressionCodes[CompressionNone]:
	default:
		return core.Array{}, fmt.Errorf("%s: unknown compression code %d", id, e.compression)
	}
	if uint64(len(data)) != e.rawLen {
		return core.Array{}, fmt.Errorf("%s: length %d, want %d", id, len(data), e.rawLen)
	}
	return core.Array{DType: e.dtype, Data: data}, nil
}

func (b *Backend) readPayload(e entry) ([]byte, error) {
	buf := make([]byte, e.payloadLen)
	if _, err := b.f.ReadAt(buf, e.offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// Remove appends a tombstone for h. Space is reclaimed by Export.
func (b *Backend) Remove(_ context.Context, h core.Handle) error {
	id, err := core.CheckHandle(core.KindMultiFile, h)
	if err != nil {
		return err
	}
	if _, ok := b.index[id]; !ok {
		return fmt.Errorf("%s: %w", id, core.ErrNotFound)
	}
	rec := make([]byte, delRecordLen)
	rec[0] = opDelete
	copy(rec[1:], id[:])
	if _, err := b.f.WriteAt(rec, b.size); err != nil {
		return fmt.Errorf("tombstone %s: %w", id, err)
	}
	b.size += delRecordLen
	delete(b.index, id)
	return nil
}

// List returns live ids in ascending order.
func (b *Backend) List(context.Context) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(b.index))
	for id := range b.index {
		ids = append(ids, id)
	}
	core.SortIDs(ids)
	return ids, nil
}

// Export writes a compacted copy holding only live records to
// dir/FileName. Payloads are copied as stored. Exporting onto the backend's
// own file compacts it in place.
func (b *Backend) Export(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	target := filepath.Join(dir, FileName)
	tmpDir, err := os.MkdirTemp(dir, ".compact-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	dst, err := Open(tmpDir, WithCompression(b.compression))
	if err != nil {
		return err
	}
	ids, _ := b.List(ctx)
	for _, id := range ids {
		e := b.index[id]
		payload, err := b.readPayload(e)
		if err == nil {
			err = dst.appendPut(id, e.dtype, e.compression, e.rawLen, payload)
		}
		if err != nil {
			_ = dst.Close()
			return fmt.Errorf("export %s: %w", id, err)
		}
	}
	if err := dst.f.Sync(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	if err := os.Rename(dst.path, target); err != nil {
		return err
	}
	if sameFile(target, b.path) {
		return b.reopen()
	}
	return nil
}

func (b *Backend) reopen() error {
	_ = b.f.Close()
	f, err := os.OpenFile(b.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	b.f = f
	b.index = make(map[uuid.UUID]entry)
	return b.load()
}

func sameFile(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}

// Destroy closes and deletes the data file, and the directory when owned.
func (b *Backend) Destroy(context.Context) error {
	_ = b.Close()
	if b.owned {
		return os.RemoveAll(filepath.Dir(b.path))
	}
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Close closes the data file.
func (b *Backend) Close() error {
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

var _ core.Backend = (*Backend)(nil)
