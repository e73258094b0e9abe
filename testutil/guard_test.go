package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

type recorder struct{ msg string }

func (r *recorder) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func writeGo(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestImportsUnder(t *testing.T) {
	match := ImportsUnder("infrasys/internal/timeseries", "infrasys/pkg/system")
	cases := []struct {
		in   string
		want bool
	}{
		{"infrasys/internal/timeseries", true},
		{"infrasys/internal/timeseries/sub", true},
		{"infrasys/internal/timeseriesx", false},
		{"infrasys/pkg/system", true},
		{"infrasys/pkg/component", false},
	}
	for _, c := range cases {
		if got := match(c.in); got != c.want {
			t.Fatalf("%s: expected %v, got %v", c.in, c.want, got)
		}
	}
}

func TestInternalImportForbidden(t *testing.T) {
	if !InternalImportForbidden("infrasys/internal/components") || !InternalImportForbidden("example.com/internal") {
		t.Fatal("expected internal paths to be forbidden")
	}
	if InternalImportForbidden("infrasys/pkg/errs") {
		t.Fatal("expected pkg path to be allowed")
	}
}

func TestImportViolations(t *testing.T) {
	root := t.TempDir()
	writeGo(t, root, "a.go", "package a\nimport \"fmt\"\nvar _ = fmt.Sprint\n")
	writeGo(t, root, "a_test.go", "package a\nimport _ \"infrasys/internal/x\"\n")
	writeGo(t, filepath.Join(root, "sub"), "b.go", "package sub\nimport _ \"infrasys/internal/x\"\n")

	viols, err := importViolations(root, false, InternalImportForbidden)
	if err != nil {
		t.Fatalf("scan top level: %v", err)
	}
	if len(viols) != 0 {
		t.Fatalf("expected no violations outside tests, got %v", viols)
	}

	viols, err = importViolations(root, true, InternalImportForbidden)
	if err != nil {
		t.Fatalf("scan recursively: %v", err)
	}
	want := []string{"infrasys/internal/x (in " + filepath.Join("sub", "b.go") + ")"}
	if !slices.Equal(viols, want) {
		t.Fatalf("expected %v, got %v", want, viols)
	}

	r := &recorder{}
	failIfViolations(r, "layering", viols)
	if !strings.Contains(r.msg, "layering") || !strings.Contains(r.msg, "infrasys/internal/x") {
		t.Fatalf("unexpected failure message %q", r.msg)
	}
}

func TestImportViolationsParseError(t *testing.T) {
	root := t.TempDir()
	writeGo(t, root, "bad.go", "package")
	if _, err := importViolations(root, false, InternalImportForbidden); err == nil {
		t.Fatal("expected parse error")
	}
}
