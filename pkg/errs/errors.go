// Package errs defines the error taxonomy surfaced by the store. Typed errors
// carry context for errors.As; each one also matches a sentinel via errors.Is.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for conditions that need no extra context, and the targets the
// typed errors below report through Is.
var (
	ErrNotFound             = errors.New("infrasys: not found")
	ErrMultipleMatches      = errors.New("infrasys: more than one match")
	ErrAlreadyAttached      = errors.New("infrasys: already attached")
	ErrFileExists           = errors.New("infrasys: file exists")
	ErrConflictingArguments = errors.New("infrasys: conflicting arguments")
	ErrNotStored            = errors.New("infrasys: array not stored")
	ErrUnregisteredType     = errors.New("infrasys: unregistered component type")
	ErrStillReferenced      = errors.New("infrasys: component still referenced")

	ErrDuplicateName            = errors.New("infrasys: duplicate name")
	ErrReferenceNotFound        = errors.New("infrasys: reference not found")
	ErrCyclicReference          = errors.New("infrasys: cyclic reference")
	ErrReadOnly                 = errors.New("infrasys: read-only")
	ErrBackendConversion        = errors.New("infrasys: backend conversion failed")
	ErrUnsupportedFormatVersion = errors.New("infrasys: unsupported format version")
)

// DuplicateNameError is returned when a component with the same type and name
// is already present.
type DuplicateNameError struct {
	Type string
	Name string
}

func (e DuplicateNameError) Error() string {
	return fmt.Sprintf("component %s with name %q already exists", e.Type, e.Name)
}

func (e DuplicateNameError) Is(target error) bool { return target == ErrDuplicateName }

// ReferenceNotFoundError reports a reference to a component that is absent.
// From names the referencing component when known.
type ReferenceNotFoundError struct {
	Type string
	ID   string
	From string
}

func (e ReferenceNotFoundError) Error() string {
	if e.From != "" {
		return fmt.Sprintf("%s references %s %s which is not present", e.From, e.Type, e.ID)
	}
	return fmt.Sprintf("referenced %s %s is not present", e.Type, e.ID)
}

func (e ReferenceNotFoundError) Is(target error) bool { return target == ErrReferenceNotFound }

// CyclicReferenceError is returned when deserialization stops making progress.
type CyclicReferenceError struct {
	Unresolved []string
}

func (e CyclicReferenceError) Error() string {
	return fmt.Sprintf("cannot resolve %d components: %s", len(e.Unresolved), strings.Join(e.Unresolved, ", "))
}

func (e CyclicReferenceError) Is(target error) bool { return target == ErrCyclicReference }

// ReadOnlyViolationError is returned for any mutation of a read-only catalog.
type ReadOnlyViolationError struct {
	Op string
}

func (e ReadOnlyViolationError) Error() string {
	return fmt.Sprintf("cannot %s: time series are read-only", e.Op)
}

func (e ReadOnlyViolationError) Is(target error) bool { return target == ErrReadOnly }

// BackendConversionError wraps the failure that aborted a storage conversion.
type BackendConversionError struct {
	From    string
	To      string
	ArrayID string
	Err     error
}

func (e BackendConversionError) Error() string {
	if e.ArrayID != "" {
		return fmt.Sprintf("convert storage %s -> %s: array %s: %v", e.From, e.To, e.ArrayID, e.Err)
	}
	return fmt.Sprintf("convert storage %s -> %s: %v", e.From, e.To, e.Err)
}

func (e BackendConversionError) Unwrap() error { return e.Err }

func (e BackendConversionError) Is(target error) bool { return target == ErrBackendConversion }

// UnsupportedFormatVersionError is returned for documents newer than the
// running schema, or older ones with no upgrade hook.
type UnsupportedFormatVersionError struct {
	Found   string
	Current string
	Reason  string
}

func (e UnsupportedFormatVersionError) Error() string {
	msg := fmt.Sprintf("unsupported data format version %q (current %q)", e.Found, e.Current)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e UnsupportedFormatVersionError) Is(target error) bool {
	return target == ErrUnsupportedFormatVersion
}
