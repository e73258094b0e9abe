// Package core defines the bulk array storage contract shared by every
// backend. Arrays are opaque to the backends: a dtype tag plus contiguous
// little-endian bytes.
package core

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/google/uuid"
)

// Kind identifies a backend implementation.
type Kind string

const (
	KindMemory    Kind = "memory"
	KindColumnar  Kind = "columnar"  // one file per array
	KindMultiFile Kind = "multifile" // all arrays in one file
	KindTable     Kind = "table"     // rows in a relational table
)

// Kinds lists every backend kind.
func Kinds() []Kind { return []Kind{KindMemory, KindColumnar, KindMultiFile, KindTable} }

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown storage backend %q", s)
}

// Handle locates one stored array inside the backend that issued it. Key is
// the array uuid for every backend, so handles survive export and reopen.
type Handle struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key"`
}

func (h Handle) String() string { return string(h.Kind) + ":" + h.Key }

// IsZero reports whether h was never assigned.
func (h Handle) IsZero() bool { return h.Kind == "" && h.Key == "" }

// DType is the element type of an array.
type DType string

const (
	Float64 DType = "float64"
	Float32 DType = "float32"
	Int64   DType = "int64"
	Int32   DType = "int32"
)

// Size returns the element width in bytes, or 0 for an unknown dtype.
func (d DType) Size() int {
	switch d {
	case Float64, Int64:
		return 8
	case Float32, Int32:
		return 4
	}
	return 0
}

// Array is a contiguous typed array.
type Array struct {
	DType DType
	Data  []byte
}

var (
	// ErrNotFound is returned for handles the backend does not hold.
	ErrNotFound = errors.New("arraystore: array not found")
	// ErrExists is returned by Store when the id is already present.
	ErrExists = errors.New("arraystore: array already stored")
	// ErrWrongBackend is returned for handles issued by another backend kind.
	ErrWrongBackend = errors.New("arraystore: handle belongs to another backend")
	// ErrInvalidArray is returned for unknown dtypes or misaligned data.
	ErrInvalidArray = errors.New("arraystore: invalid array")
)

// Validate checks the dtype and that Data holds whole elements.
func (a Array) Validate() error {
	size := a.DType.Size()
	if size == 0 {
		return fmt.Errorf("%w: dtype %q", ErrInvalidArray, a.DType)
	}
	if len(a.Data)%size != 0 {
		return fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrInvalidArray, len(a.Data), size)
	}
	return nil
}

// Len returns the element count.
func (a Array) Len() int {
	if s := a.DType.Size(); s > 0 {
		return len(a.Data) / s
	}
	return 0
}

// Clone returns a deep copy.
func (a Array) Clone() Array {
	return Array{DType: a.DType, Data: append([]byte(nil), a.Data...)}
}

// Slice returns elements [offset, offset+length). The data is copied.
func (a Array) Slice(offset, length int) (Array, error) {
	if offset < 0 || length < 0 || offset+length > a.Len() {
		return Array{}, fmt.Errorf("%w: range [%d,%d) of %d", ErrInvalidArray, offset, offset+length, a.Len())
	}
	s := a.DType.Size()
	return Array{DType: a.DType, Data: append([]byte(nil), a.Data[offset*s:(offset+length)*s]...)}, nil
}

// Float64s builds a float64 array.
func Float64s(vals []float64) Array {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return Array{DType: Float64, Data: b}
}

// Float32s builds a float32 array.
func Float32s(vals []float32) Array {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return Array{DType: Float32, Data: b}
}

// Int64s builds an int64 array.
func Int64s(vals []int64) Array {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b[8*i:], uint64(v))
	}
	return Array{DType: Int64, Data: b}
}

// Int32s builds an int32 array.
func Int32s(vals []int32) Array {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(v))
	}
	return Array{DType: Int32, Data: b}
}

// Float64Values decodes the array as float64, converting other dtypes.
func (a Array) Float64Values() []float64 {
	out := make([]float64, a.Len())
	for i := range out {
		out[i] = a.At(i)
	}
	return out
}

// At returns element i as float64.
func (a Array) At(i int) float64 {
	switch a.DType {
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(a.Data[8*i:]))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(a.Data[4*i:])))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(a.Data[8*i:])))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(a.Data[4*i:])))
	}
	return math.NaN()
}

// Bits returns element i as its raw bit pattern widened to 64 bits: float
// bits for float dtypes, the sign-extended value for integer dtypes.
func (a Array) Bits(i int) int64 {
	switch a.DType {
	case Float64, Int64:
		return int64(binary.LittleEndian.Uint64(a.Data[8*i:]))
	case Float32:
		return int64(binary.LittleEndian.Uint32(a.Data[4*i:]))
	case Int32:
		return int64(int32(binary.LittleEndian.Uint32(a.Data[4*i:])))
	}
	return 0
}

// PutBits is the inverse of Bits.
func (a Array) PutBits(i int, bits int64) {
	switch a.DType {
	case Float64, Int64:
		binary.LittleEndian.PutUint64(a.Data[8*i:], uint64(bits))
	case Float32, Int32:
		binary.LittleEndian.PutUint32(a.Data[4*i:], uint32(bits))
	}
}

// Description summarizes a backend instance.
type Description struct {
	Kind     Kind   `json:"kind"`
	Location string `json:"location,omitempty"`
	Count    int    `json:"count"`
}

// Backend stores arrays keyed by uuid. Implementations are not safe for
// concurrent use unless documented otherwise.
type Backend interface {
	Describe() Description
	// Store persists a under id; it fails with ErrExists if id is present.
	Store(ctx context.Context, id uuid.UUID, a Array) (Handle, error)
	Retrieve(ctx context.Context, h Handle) (Array, error)
	Remove(ctx context.Context, h Handle) error
	// List returns the ids of every stored array in ascending order.
	List(ctx context.Context) ([]uuid.UUID, error)
	// Export writes the payload into dir in the backend's on-disk layout.
	Export(ctx context.Context, dir string) error
	// Destroy deletes everything the backend owns, including files.
	Destroy(ctx context.Context) error
	Close() error
}

// RangeReader is implemented by backends that read a sub-range natively.
type RangeReader interface {
	RetrieveRange(ctx context.Context, h Handle, offset, length int) (Array, error)
}

// RetrieveRange reads [offset, offset+length) through RangeReader when
// available, slicing a full read otherwise.
func RetrieveRange(ctx context.Context, b Backend, h Handle, offset, length int) (Array, error) {
	if rr, ok := b.(RangeReader); ok {
		return rr.RetrieveRange(ctx, h, offset, length)
	}
	a, err := b.Retrieve(ctx, h)
	if err != nil {
		return Array{}, err
	}
	return a.Slice(offset, length)
}

// CheckHandle verifies that h was issued by a backend of kind k and returns
// the array id it names.
func CheckHandle(k Kind, h Handle) (uuid.UUID, error) {
	if h.Kind != k {
		return uuid.Nil, fmt.Errorf("%w: %s handle passed to %s", ErrWrongBackend, h.Kind, k)
	}
	id, err := uuid.Parse(h.Key)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad key %q", ErrNotFound, h.Key)
	}
	return id, nil
}

// SortIDs orders ids bytewise, which matches their string order.
func SortIDs(ids []uuid.UUID) {
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
}
