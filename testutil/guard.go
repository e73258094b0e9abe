// Package testutil holds test helpers that enforce the import layering of
// the module: public packages never reach into internal ones, and the
// storage layers know nothing of the catalog or facade above them.
package testutil

import (
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
)

// ImportsUnder returns a predicate matching any import path equal to or
// nested below one of prefixes.
func ImportsUnder(prefixes ...string) func(string) bool {
	return func(path string) bool {
		for _, p := range prefixes {
			if path == p || strings.HasPrefix(path, p+"/") {
				return true
			}
		}
		return false
	}
}

// InternalImportForbidden matches any import path with an internal element.
func InternalImportForbidden(path string) bool {
	return strings.Contains(path, "/internal/") || strings.HasSuffix(path, "/internal")
}

// AssertNoDirectImports fails t when a non-test .go file in dir imports a
// path matching forbidden. Build tags are not evaluated.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(string) bool, reason string) {
	t.Helper()
	viols, err := importViolations(dir, false, forbidden)
	if err != nil {
		t.Fatalf("scan %s: %v", dir, err)
	}
	failIfViolations(t, reason, viols)
}

// AssertNoImportsBelow is AssertNoDirectImports applied to dir and every
// directory under it.
func AssertNoImportsBelow(t testing.TB, dir string, forbidden func(string) bool, reason string) {
	t.Helper()
	viols, err := importViolations(dir, true, forbidden)
	if err != nil {
		t.Fatalf("scan %s: %v", dir, err)
	}
	failIfViolations(t, reason, viols)
}

func importViolations(root string, recurse bool, forbidden func(string) bool) ([]string, error) {
	fset := token.NewFileSet()
	var viols []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && !recurse {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			return nil
		}
		f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return err
		}
		for _, imp := range f.Imports {
			ip := strings.Trim(imp.Path.Value, `"`)
			if forbidden(ip) {
				rel, _ := filepath.Rel(root, path)
				viols = append(viols, ip+" (in "+rel+")")
			}
		}
		return nil
	})
	return viols, err
}

type fatalLogger interface {
	Fatalf(format string, args ...any)
}

func failIfViolations(t fatalLogger, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("forbidden imports detected (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}
