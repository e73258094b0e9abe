package testutil

import (
	"path/filepath"
	"testing"
)

const moduleRoot = ".."

func TestPublicPackagesStayOutOfInternal(t *testing.T) {
	for _, dir := range []string{"pkg/component", "pkg/errs"} {
		AssertNoImportsBelow(t, filepath.Join(moduleRoot, dir), InternalImportForbidden,
			dir+" is imported by callers that cannot see internal packages")
	}
}

func TestStorageLayersIgnoreCatalogAndGraph(t *testing.T) {
	above := ImportsUnder(
		"infrasys/internal/components",
		"infrasys/internal/serialize",
		"infrasys/internal/timeseries",
		"infrasys/pkg/component",
		"infrasys/pkg/system",
	)
	for _, dir := range []string{"internal/arraystore", "internal/infra", "internal/blob", "internal/metrics"} {
		AssertNoImportsBelow(t, filepath.Join(moduleRoot, dir), above, dir+" stores arrays only")
	}
}

func TestCatalogIgnoresComponentGraph(t *testing.T) {
	AssertNoImportsBelow(t, filepath.Join(moduleRoot, "internal/timeseries"),
		ImportsUnder("infrasys/internal/components", "infrasys/internal/serialize", "infrasys/pkg/component", "infrasys/pkg/system"),
		"series owners are plain uuids")
}

func TestOnlyFacadeComposesLayers(t *testing.T) {
	facade := ImportsUnder("infrasys/pkg/system", "infrasys/cmd")
	for _, dir := range []string{"internal", "pkg/component", "pkg/errs"} {
		AssertNoImportsBelow(t, filepath.Join(moduleRoot, dir), facade, "pkg/system sits on top")
	}
}
