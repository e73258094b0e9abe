package errs

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
		text     string
	}{
		{DuplicateNameError{Type: "bus", Name: "b1"}, ErrDuplicateName, `component bus with name "b1" already exists`},
		{ReferenceNotFoundError{Type: "area", ID: "42"}, ErrReferenceNotFound, "referenced area 42 is not present"},
		{ReferenceNotFoundError{Type: "area", ID: "42", From: "bus b1"}, ErrReferenceNotFound, "bus b1 references area 42 which is not present"},
		{CyclicReferenceError{Unresolved: []string{"a", "b"}}, ErrCyclicReference, "cannot resolve 2 components: a, b"},
		{ReadOnlyViolationError{Op: "add time series"}, ErrReadOnly, "cannot add time series: time series are read-only"},
		{BackendConversionError{From: "memory", To: "table", Err: io.ErrUnexpectedEOF}, ErrBackendConversion, "convert storage memory -> table: unexpected EOF"},
		{UnsupportedFormatVersionError{Found: "3.0.0", Current: "2.0.0"}, ErrUnsupportedFormatVersion, `unsupported data format version "3.0.0" (current "2.0.0")`},
	}
	for _, c := range cases {
		wrapped := fmt.Errorf("outer: %w", c.err)
		if !errors.Is(wrapped, c.sentinel) {
			t.Fatalf("%T: expected wrapped error to match %v", c.err, c.sentinel)
		}
		if got := c.err.Error(); got != c.text {
			t.Fatalf("expected %q, got %q", c.text, got)
		}
		if errors.Is(c.err, ErrNotFound) {
			t.Fatalf("%q should not match ErrNotFound", c.text)
		}
	}
}

func TestBackendConversionUnwraps(t *testing.T) {
	err := error(BackendConversionError{From: "columnar", To: "multifile", ArrayID: "x", Err: ErrNotStored})
	if !errors.Is(err, ErrNotStored) || !errors.Is(err, ErrBackendConversion) {
		t.Fatalf("expected cause and sentinel to match, got %v", err)
	}
	if !strings.Contains(err.Error(), "array x") {
		t.Fatalf("expected array id in %q", err.Error())
	}

	var target BackendConversionError
	if !errors.As(fmt.Errorf("save: %w", err), &target) {
		t.Fatal("expected errors.As to find BackendConversionError")
	}
	if target.To != "multifile" {
		t.Fatalf("expected target multifile, got %q", target.To)
	}
}

func TestUnsupportedVersionReason(t *testing.T) {
	err := UnsupportedFormatVersionError{Found: "1.0.0", Current: "2.0.0", Reason: "no upgrade hook"}
	want := `unsupported data format version "1.0.0" (current "2.0.0"): no upgrade hook`
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}
