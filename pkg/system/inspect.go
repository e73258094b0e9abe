package system

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"infrasys/internal/serialize"
	"infrasys/internal/timeseries"
)

// Summary describes a saved system without instantiating its components.
type Summary struct {
	Name              string             `yaml:"name,omitempty"`
	Description       string             `yaml:"description,omitempty"`
	UUID              string             `yaml:"uuid,omitempty"`
	DataFormatVersion string             `yaml:"data_format_version"`
	Components        map[string]int     `yaml:"components"`
	Attributes        map[string]int     `yaml:"supplemental_attributes,omitempty"`
	AttributeLinks    int                `yaml:"supplemental_attribute_links,omitempty"`
	TimeSeries        *TimeSeriesSummary `yaml:"time_series,omitempty"`
}

// TimeSeriesSummary counts the catalog entries and distinct arrays of a
// saved system.
type TimeSeriesSummary struct {
	Backend     string `yaml:"backend"`
	Compression string `yaml:"compression,omitempty"`
	Entries     int    `yaml:"entries"`
	Arrays      int    `yaml:"arrays"`
}

// Total returns the number of components across all types.
func (s Summary) Total() int {
	n := 0
	for _, c := range s.Components {
		n += c
	}
	return n
}

// Inspect reads the document at path, or the archive holding it, and
// summarizes its contents.
func Inspect(ctx context.Context, path string) (Summary, error) {
	docPath := path
	if isArchive(path) {
		dir, err := os.MkdirTemp("", "infrasys-inspect-")
		if err != nil {
			return Summary{}, err
		}
		defer os.RemoveAll(dir)
		if docPath, err = extractArchive(path, dir); err != nil {
			return Summary{}, err
		}
	}
	doc, err := serialize.ReadFile(docPath)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		Name:              doc.Name,
		Description:       doc.Description,
		UUID:              doc.UUID,
		DataFormatVersion: doc.DataFormatVersion,
		Components:        make(map[string]int),
	}
	for _, rec := range doc.Components {
		tag := rec.TypeTag()
		if tag == "" {
			return Summary{}, errors.New("component record without a type")
		}
		sum.Components[tag]++
	}
	for _, rec := range doc.SupplementalAttributes {
		tag := rec.TypeTag()
		if tag == "" {
			return Summary{}, errors.New("supplemental attribute record without a type")
		}
		if sum.Attributes == nil {
			sum.Attributes = make(map[string]int)
		}
		sum.Attributes[tag]++
	}
	sum.AttributeLinks = len(doc.AttributeLinks)
	if ref := doc.TimeSeries; ref != nil {
		if !filepath.IsLocal(ref.Directory) {
			return Summary{}, fmt.Errorf("time series directory %q is not local to the document", ref.Directory)
		}
		db := filepath.Join(filepath.Dir(docPath), ref.Directory, timeseries.MetadataFileName)
		entries, arrays, err := timeseries.CountCatalog(ctx, db)
		if err != nil {
			return Summary{}, err
		}
		sum.TimeSeries = &TimeSeriesSummary{
			Backend:     ref.Backend,
			Compression: ref.Compression,
			Entries:     entries,
			Arrays:      arrays,
		}
	}
	return sum, nil
}
