// Package reader answers (variables x location x time-range) queries over
// the dataset stores: array stores are sliced by point, bounding box,
// polygon mask, or point lists; station datasets run SQL over partitioned
// parquet. Results render to JSON, CSV, or NetCDF and large outputs land in
// an object-backed cache keyed by the normalized query hash.
package reader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"agromet/internal/types"
)

// Location is one spatial selector. Exactly the field matching Kind is set.
type Location struct {
	Kind    types.LocationKind
	Point   orb.Point
	BBox    orb.Bound
	Polygon orb.Polygon
	Points  []orb.Point
}

// Geometry returns the selector as an orb geometry.
func (l Location) Geometry() orb.Geometry {
	switch l.Kind {
	case types.LocationPoint:
		return l.Point
	case types.LocationBoundingBox:
		return l.BBox.ToPolygon()
	case types.LocationPolygon:
		return l.Polygon
	case types.LocationListOfPoints:
		return orb.MultiPoint(l.Points)
	}
	return nil
}

// WKT renders the selector for hashing and response geometry.
func (l Location) WKT() string {
	g := l.Geometry()
	if g == nil {
		return ""
	}
	return wkt.MarshalString(g)
}

// Query is one normalized reader request against a single dataset.
type Query struct {
	Dataset    *types.Dataset
	Attributes []string // canonical names, dataset order preserved
	Location   Location
	Start, End time.Time
	Output     types.OutputType
}

// ResolveAttributes maps the requested canonical names onto the dataset's
// attribute set, preserving dataset declaration order.
func (q *Query) ResolveAttributes() ([]types.DatasetAttribute, error) {
	if len(q.Attributes) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "no attributes requested", nil)
	}
	requested := make(map[string]bool, len(q.Attributes))
	for _, a := range q.Attributes {
		requested[a] = true
	}
	var out []types.DatasetAttribute
	for _, a := range q.Dataset.Attributes {
		if requested[a.Canonical] {
			out = append(out, a)
			delete(requested, a.Canonical)
		}
	}
	if len(requested) > 0 {
		var unknown []string
		for name := range requested {
			unknown = append(unknown, name)
		}
		sort.Strings(unknown)
		return nil, types.NewAppError(types.ErrCodeValidationUnknownAttribute,
			fmt.Sprintf("attributes not in dataset %s: %s", q.Dataset.Name, strings.Join(unknown, ", ")), nil)
	}
	return out, nil
}

// Validate rejects malformed queries before any store access.
func (q *Query) Validate() error {
	attrs, err := q.ResolveAttributes()
	if err != nil {
		return err
	}

	if q.End.Before(q.Start) {
		return types.NewAppError(types.ErrCodeValidationInvalidDateRange, "end date precedes start date", nil)
	}

	switch q.Location.Kind {
	case types.LocationPoint, types.LocationBoundingBox, types.LocationPolygon:
	case types.LocationListOfPoints:
		if len(q.Location.Points) == 0 {
			return types.NewAppError(types.ErrCodeValidationInvalidLocation, "empty point list", nil)
		}
	default:
		return types.NewAppError(types.ErrCodeValidationInvalidLocation,
			fmt.Sprintf("unsupported location kind %q", q.Location.Kind), nil)
	}

	switch q.Output {
	case types.OutputJSON:
		if q.Location.Kind != types.LocationPoint && q.Location.Kind != types.LocationPolygon {
			return types.NewAppError(types.ErrCodeValidationInvalidOutput,
				"json output supports point and polygon locations only", nil)
		}
	case types.OutputCSV, types.OutputCSVFile:
		var ensembled, plain bool
		for _, a := range attrs {
			if a.Ensembled {
				ensembled = true
			} else {
				plain = true
			}
		}
		if ensembled && plain {
			return types.NewAppError(types.ErrCodeValidationMixedEnsemble,
				"csv output cannot mix ensembled and non-ensembled attributes", nil)
		}
	case types.OutputNetCDF, types.OutputNetCDFFile:
	default:
		return types.NewAppError(types.ErrCodeValidationInvalidOutput,
			fmt.Sprintf("unsupported output type %q", q.Output), nil)
	}
	return nil
}

// ParamsHash is the cache and dedup key of the query: attributes sorted,
// location as WKT, dates in RFC 3339.
func (q *Query) ParamsHash() string {
	attrs := append([]string(nil), q.Attributes...)
	sort.Strings(attrs)
	norm := strings.Join([]string{
		q.Dataset.Name,
		strings.Join(attrs, ","),
		q.Location.WKT(),
		q.Start.UTC().Format(time.RFC3339),
		q.End.UTC().Format(time.RFC3339),
		string(q.Output),
	}, "|")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}
