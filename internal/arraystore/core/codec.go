package core

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Array file layout: magic "IARR", one byte dtype code, uint64 element
// count, then the raw little-endian data.
var arrayMagic = [4]byte{'I', 'A', 'R', 'R'}

var dtypeCodes = map[DType]byte{Float64: 1, Float32: 2, Int64: 3, Int32: 4}

// DTypeCode returns the one-byte wire code of d.
func DTypeCode(d DType) (byte, error) {
	c, ok := dtypeCodes[d]
	if !ok {
		return 0, fmt.Errorf("%w: dtype %q", ErrInvalidArray, d)
	}
	return c, nil
}

// DTypeFromCode is the inverse of DTypeCode.
func DTypeFromCode(c byte) (DType, error) {
	for d, code := range dtypeCodes {
		if code == c {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: dtype code %d", ErrInvalidArray, c)
}

// WriteArray encodes a to w.
func WriteArray(w io.Writer, a Array) error {
	if err := a.Validate(); err != nil {
		return err
	}
	code, _ := DTypeCode(a.DType)
	var hdr [13]byte
	copy(hdr[:4], arrayMagic[:])
	hdr[4] = code
	binary.LittleEndian.PutUint64(hdr[5:], uint64(a.Len()))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(a.Data)
	return err
}

// ReadArray decodes one array written by WriteArray.
func ReadArray(r io.Reader) (Array, error) {
	var hdr [13]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Array{}, fmt.Errorf("read array header: %w", err)
	}
	if [4]byte(hdr[:4]) != arrayMagic {
		return Array{}, fmt.Errorf("%w: bad magic", ErrInvalidArray)
	}
	dt, err := DTypeFromCode(hdr[4])
	if err != nil {
		return Array{}, err
	}
	n := binary.LittleEndian.Uint64(hdr[5:])
	data := make([]byte, int(n)*dt.Size())
	if _, err := io.ReadFull(r, data); err != nil {
		return Array{}, fmt.Errorf("read array data: %w", err)
	}
	return Array{DType: dt, Data: data}, nil
}
