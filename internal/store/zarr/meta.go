package zarr

import (
	"encoding/json"
	"fmt"
	"math"
)

// Zarr v2 key constants.
const (
	groupKey        = ".zgroup"
	consolidatedKey = ".zmetadata"
	arrayMetaSuffix = ".zarray"
	attrsSuffix     = ".zattrs"

	zarrFormat             = 2
	zarrConsolidatedFormat = 1
)

// Well-known dimension names.
const (
	DimForecastDate   = "forecast_date"
	DimForecastDayIdx = "forecast_day_idx"
	DimDate           = "date"
	DimTime           = "time"
	DimLat            = "lat"
	DimLon            = "lon"
	DimEnsemble       = "ensemble"
)

// Compressor is the chunk compressor declaration in .zarray metadata.
type Compressor struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

// ArrayMeta is the .zarray metadata for one variable or coordinate.
type ArrayMeta struct {
	Shape      []int       `json:"shape"`
	Chunks     []int       `json:"chunks"`
	DType      string      `json:"dtype"`
	Compressor *Compressor `json:"compressor"`
	FillValue  any         `json:"fill_value"`
	Order      string      `json:"order"`
	Filters    any         `json:"filters"`
	ZarrFormat int         `json:"zarr_format"`
}

// Attrs is the .zattrs payload. The `_ARRAY_DIMENSIONS` key carries the
// named dimensions xarray-style; variables also carry band_number,
// description, metadata, and crs attributes.
type Attrs map[string]any

// NewVarAttrs builds the standard variable attributes.
func NewVarAttrs(dims []string, bandNumber int, description, crs string) Attrs {
	return Attrs{
		"_ARRAY_DIMENSIONS": dims,
		"band_number":       bandNumber,
		"description":       description,
		"metadata":          map[string]any{},
		"crs":               crs,
	}
}

// Dims returns the `_ARRAY_DIMENSIONS` attribute.
func (a Attrs) Dims() []string {
	raw, ok := a["_ARRAY_DIMENSIONS"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ConsolidatedMeta is the .zmetadata document that makes opening a store
// O(1): every .zarray and .zattrs in the hierarchy, inlined.
type ConsolidatedMeta struct {
	Metadata map[string]json.RawMessage `json:"metadata"`
	Format   int                        `json:"zarr_consolidated_format"`
}

// FillValueFloat returns the fill value as a float64, NaN when declared as
// the JSON string "NaN" or null.
func (m *ArrayMeta) FillValueFloat() float64 {
	switch v := m.FillValue.(type) {
	case float64:
		return v
	case string:
		if v == "NaN" {
			return math.NaN()
		}
	}
	return math.NaN()
}

// TotalSize returns the number of elements in the array.
func (m *ArrayMeta) TotalSize() int {
	n := 1
	for _, s := range m.Shape {
		n *= s
	}
	return n
}

// chunkCounts returns how many chunks cover each dimension.
func (m *ArrayMeta) chunkCounts() []int {
	counts := make([]int, len(m.Shape))
	for i := range m.Shape {
		counts[i] = (m.Shape[i] + m.Chunks[i] - 1) / m.Chunks[i]
	}
	return counts
}

// chunkName renders the dot-joined chunk coordinate, e.g. "0.2.1".
func chunkName(coord []int) string {
	if len(coord) == 0 {
		return "0"
	}
	name := ""
	for i, c := range coord {
		if i > 0 {
			name += "."
		}
		name += fmt.Sprintf("%d", c)
	}
	return name
}
