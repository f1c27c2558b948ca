package grid

import (
	"fmt"
	"math"

	"github.com/mmcloughlin/geohash"
	"github.com/paulmach/orb"

	"agromet/internal/types"
)

// UniqueIDPrecision is the geohash length of a grid cell's unique ID. At 8
// characters two distinct centroids of any registered raster (increments
// >= 0.005 degrees) never collide.
const UniqueIDPrecision = 8

// UniqueID returns the stable human-readable identifier of a cell centroid.
func UniqueID(lat, lon float64) string {
	return geohash.EncodeWithPrecision(lat, lon, UniqueIDPrecision)
}

// CellPolygon builds the rectangular polygon of a cell from its centroid
// and the country increments, closed and counter-clockwise.
func CellPolygon(lat, lon, latInc, lonInc float64) orb.Polygon {
	halfLat := latInc / 2
	halfLon := lonInc / 2
	ring := orb.Ring{
		{lon - halfLon, lat - halfLat},
		{lon + halfLon, lat - halfLat},
		{lon + halfLon, lat + halfLat},
		{lon - halfLon, lat + halfLat},
		{lon - halfLon, lat - halfLat},
	}
	return orb.Polygon{ring}
}

// Axes returns the full ascending lat and lon axes of a country raster,
// derived from its origin, increments and bounding box.
func Axes(c types.Country) (lats, lons []float64) {
	lats = BuildAxis(c.LatOrigin, c.BBox.Max.Lat(), c.LatInc)
	lons = BuildAxis(c.LonOrigin, c.BBox.Max.Lon(), c.LonInc)
	return lats, lons
}

// GenerateCells materializes every cell of a country raster. Cells are
// emitted in (lat, lon) row-major order so that IDs assigned downstream are
// reproducible for a fixed registration.
func GenerateCells(c types.Country) ([]types.Grid, error) {
	if c.LatInc <= 0 || c.LonInc <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidParams,
			fmt.Sprintf("country %s has non-positive increments", c.ISOA3), nil)
	}
	lats, lons := Axes(c)
	if len(lats) == 0 || len(lons) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidParams,
			fmt.Sprintf("country %s bounding box yields an empty raster", c.ISOA3), nil)
	}

	cells := make([]types.Grid, 0, len(lats)*len(lons))
	for _, lat := range lats {
		for _, lon := range lons {
			cells = append(cells, types.Grid{
				UniqueID:  UniqueID(lat, lon),
				Lat:       lat,
				Lon:       lon,
				Polygon:   CellPolygon(lat, lon, c.LatInc, c.LonInc),
				CountryID: c.ID,
			})
		}
	}
	return cells, nil
}

// SnapToCell snaps an arbitrary point to its containing cell centroid.
// Exact because all cells of a country share one origin and increment.
func SnapToCell(c types.Country, lat, lon float64) (snapLat, snapLon float64) {
	snapLat = c.LatOrigin + math.Round((lat-c.LatOrigin)/c.LatInc)*c.LatInc
	snapLon = c.LonOrigin + math.Round((lon-c.LonOrigin)/c.LonInc)*c.LonInc
	return snapLat, snapLon
}
