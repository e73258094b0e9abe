// Package serialize converts a component table to and from the portable
// document form. Reference fields are flattened to pointer records carrying
// the target's type and uuid; decoding resolves them again in passes until
// every component is rebuilt or no further progress is possible.
package serialize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// CurrentVersion is the data format version written by this package.
const CurrentVersion = "2.0.0"

// Keys and discriminator values of the document schema.
const (
	MetadataKey = "__metadata__"

	SerializedBase      = "base"
	SerializedComposed  = "composed_component"
	SerializedQuantity  = "quantity"
	TimeSeriesDirSuffix = "_time_series"
)

// Record is one flattened component. Values are generic JSON with numbers
// kept as json.Number so integers and floats survive unchanged.
type Record map[string]any

// TimeSeriesRef locates the exported arrays of a saved system relative to
// the document.
type TimeSeriesRef struct {
	Directory   string `json:"directory"`
	Backend     string `json:"backend"`
	Compression string `json:"compression,omitempty"`
	Count       int    `json:"count"`
}

// AttributeLink is one component to supplemental attribute association.
type AttributeLink struct {
	AttributeUUID string `json:"attribute_uuid"`
	AttributeType string `json:"attribute_type"`
	ComponentUUID string `json:"component_uuid"`
	ComponentType string `json:"component_type"`
}

// Document is the serialized form of a system.
type Document struct {
	Name                   string          `json:"name,omitempty"`
	Description            string          `json:"description,omitempty"`
	UUID                   string          `json:"uuid,omitempty"`
	DataFormatVersion      string          `json:"data_format_version"`
	Components             []Record        `json:"components"`
	SupplementalAttributes []Record        `json:"supplemental_attributes,omitempty"`
	AttributeLinks         []AttributeLink `json:"supplemental_attribute_associations,omitempty"`
	TimeSeries             *TimeSeriesRef  `json:"time_series,omitempty"`
	System                 map[string]any  `json:"system,omitempty"`
}

// Metadata returns the "fields" map of a record or pointer's metadata block.
func Metadata(v map[string]any) (map[string]any, bool) {
	meta, ok := v[MetadataKey].(map[string]any)
	if !ok {
		return nil, false
	}
	fields, ok := meta["fields"].(map[string]any)
	return fields, ok
}

func metadataBlock(module, typ, serialized string, uuid string) map[string]any {
	fields := map[string]any{
		"module":          module,
		"type":            typ,
		"serialized_type": serialized,
	}
	if uuid != "" {
		fields["uuid"] = uuid
	}
	return map[string]any{"fields": fields}
}

// TypeTag returns the component type recorded in a record's metadata.
func (r Record) TypeTag() string {
	fields, _ := Metadata(r)
	s, _ := fields["type"].(string)
	return s
}

// Decode reads a document, keeping numbers as json.Number.
func Decode(r io.Reader) (*Document, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &doc, nil
}

// ReadFile decodes the document stored at path.
func ReadFile(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(bytes.NewReader(b))
}

// Encode writes doc as indented JSON.
func Encode(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	return nil
}

// CompareVersions orders dotted numeric versions; missing parts count as 0.
func CompareVersions(a, b string) (int, error) {
	pa, err := versionParts(a)
	if err != nil {
		return 0, err
	}
	pb, err := versionParts(b)
	if err != nil {
		return 0, err
	}
	for i := 0; i < max(len(pa), len(pb)); i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
	}
	return 0, nil
}

func versionParts(v string) ([]int, error) {
	if strings.TrimSpace(v) == "" {
		return nil, fmt.Errorf("empty version")
	}
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid version %q", v)
		}
		out[i] = n
	}
	return out, nil
}
