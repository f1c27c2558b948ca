package reader

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"agromet/internal/config"
	"agromet/internal/observability"
	"agromet/internal/store/object"
	"agromet/internal/store/zarr"
	"agromet/internal/types"
)

// FileStore resolves the latest persisted artifact of a dataset.
type FileStore interface {
	GetLatest(ctx context.Context, datasetID int64, format types.SourceFileFormat) (*types.DataSourceFile, error)
}

// StationSource lists the registered stations of a provider.
type StationSource interface {
	ListByProvider(ctx context.Context, provider types.Provider) ([]types.Station, error)
}

// Service executes validated queries against the dataset stores.
type Service struct {
	cfg      config.ReaderConfig
	objects  object.Store
	files    FileStore
	stations StationSource
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewService builds a reader service. stations may be nil when no station
// dataset is registered.
func NewService(cfg config.ReaderConfig, objects object.Store, files FileStore, stations StationSource, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		objects:  objects,
		files:    files,
		stations: stations,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "reader")),
	}
}

// Row is one materialized measurement row. Values is parallel to the
// result's attribute list; Ensemble is -1 for datasets without an ensemble
// axis.
type Row struct {
	Time     time.Time
	Lat, Lon float64
	Ensemble int
	Values   []float64
}

// Result is the materialized output of one query, rows sorted by
// (time, lat, lon, ensemble).
type Result struct {
	Dataset    *types.Dataset
	Location   Location
	Attributes []types.DatasetAttribute
	// HasTime marks hourly datasets whose rows carry a time of day.
	HasTime     bool
	HasEnsemble bool
	Rows        []Row
}

// IsEmpty reports whether the query matched no data at all.
func (r *Result) IsEmpty() bool {
	return len(r.Rows) == 0
}

// Read validates and executes a query. A dataset with no ingested artifact
// surfaces as a resource_missing error; a valid query over a window or area
// holding no data returns an empty result instead.
func (s *Service) Read(ctx context.Context, q Query) (*Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	s.metrics.ReaderQueries.WithLabelValues(string(q.Dataset.Store), string(q.Output)).Inc()

	switch q.Dataset.Store {
	case types.StoreArray:
		return s.readArray(ctx, q)
	case types.StoreStations, types.StoreTable:
		return s.readStations(ctx, q)
	default:
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("dataset %s has unsupported store type %q", q.Dataset.Name, q.Dataset.Store), nil)
	}
}

// cellSelection is the lat/lon index window of a spatial selector plus an
// optional per-cell mask.
type cellSelection struct {
	latLo, latHi int // inclusive
	lonLo, lonHi int
	keep         func(li, lj int) bool // nil keeps the whole window
}

func (c cellSelection) latCount() int { return c.latHi - c.latLo + 1 }
func (c cellSelection) lonCount() int { return c.lonHi - c.lonLo + 1 }

func (s *Service) readArray(ctx context.Context, q Query) (*Result, error) {
	attrs, err := q.ResolveAttributes()
	if err != nil {
		return nil, err
	}
	res := &Result{
		Dataset:    q.Dataset,
		Location:   q.Location,
		Attributes: attrs,
		HasTime:    q.Dataset.TimeStep == types.TimeStepHourly,
	}

	latest, err := s.files.GetLatest(ctx, q.Dataset.ID, types.FormatZarr)
	if err != nil {
		return nil, err
	}
	store, err := zarr.Open(ctx, &zarr.ObjectBackend{Store: s.objects, Base: latest.Metadata.RemoteURL})
	if err != nil {
		return nil, err
	}

	latCoord, okLat := store.Coord(zarr.DimLat)
	lonCoord, okLon := store.Coord(zarr.DimLon)
	if !okLat || !okLon {
		return nil, types.NewAppError(types.ErrCodeStoreInconsistent,
			fmt.Sprintf("array store for dataset %s is missing lat/lon coordinates", q.Dataset.Name), nil)
	}

	sel, ok := spatialSelection(q.Location, latCoord, lonCoord)
	if !ok {
		return res, nil
	}
	window, ok, err := timeSelection(q, store)
	if err != nil {
		return nil, err
	}
	if !ok {
		return res, nil
	}

	accessors := make([]*varAccessor, len(attrs))
	for i, a := range attrs {
		acc, err := s.readVarRegion(ctx, store, a.Canonical, sel, window)
		if err != nil {
			return nil, err
		}
		accessors[i] = acc
		if acc.ensembleN > 1 {
			res.HasEnsemble = true
		}
	}

	ensembleN := 1
	for _, acc := range accessors {
		if acc.ensembleN > ensembleN {
			ensembleN = acc.ensembleN
		}
	}

	hours := []int{0}
	if res.HasTime {
		hours = window.hours
	}

	for ti, day := range window.days {
		date := time.Unix(day*86400, 0).UTC()
		for hi, hour := range hours {
			ts := date
			if res.HasTime {
				ts = date.Add(time.Duration(hour) * time.Hour)
				if ts.Before(q.Start) || ts.After(q.End) {
					continue
				}
			}
			for li := sel.latLo; li <= sel.latHi; li++ {
				for lj := sel.lonLo; lj <= sel.lonHi; lj++ {
					if sel.keep != nil && !sel.keep(li, lj) {
						continue
					}
					for ei := 0; ei < ensembleN; ei++ {
						values := make([]float64, len(accessors))
						allNaN := true
						for k, acc := range accessors {
							v := acc.value(ti, hi, li-sel.latLo, lj-sel.lonLo, ei)
							values[k] = v
							if !math.IsNaN(v) {
								allNaN = false
							}
						}
						if allNaN {
							continue
						}
						ens := -1
						if res.HasEnsemble {
							ens = ei
						}
						res.Rows = append(res.Rows, Row{
							Time:     ts,
							Lat:      latCoord.Float(li),
							Lon:      lonCoord.Float(lj),
							Ensemble: ens,
							Values:   values,
						})
					}
				}
			}
		}
	}
	return res, nil
}

// timeWindow is the resolved temporal slice of an array read: the selected
// epoch days in coordinate order plus the per-dimension index offsets.
type timeWindow struct {
	days  []int64 // epoch days, one per step along the sliced axis
	hours []int   // hour-of-day values, hourly stores only

	forecastIdx int // index along forecast_date, -1 on historical stores
	dayLo       int // offset along forecast_day_idx or date
}

// timeSelection resolves the query window against the store's time axes.
// Forecast stores serve the window from the latest forecast date at or
// before the window start, falling back to the latest date intersecting the
// window when the start precedes every forecast.
func timeSelection(q Query, store *zarr.Store) (timeWindow, bool, error) {
	startDay := epochDay(q.Start)
	endDay := epochDay(q.End)
	w := timeWindow{forecastIdx: -1}

	if q.Dataset.TimeStep == types.TimeStepHourly {
		hourCoord, ok := store.Coord(zarr.DimTime)
		if !ok {
			return w, false, types.NewAppError(types.ErrCodeStoreInconsistent,
				fmt.Sprintf("hourly store for dataset %s has no time coordinate", q.Dataset.Name), nil)
		}
		for _, h := range hourCoord.Ints {
			w.hours = append(w.hours, int(h))
		}
	}

	switch q.Dataset.Type {
	case types.DatasetForecast:
		fdCoord, ok := store.Coord(zarr.DimForecastDate)
		if !ok {
			return w, false, types.NewAppError(types.ErrCodeStoreInconsistent,
				fmt.Sprintf("forecast store for dataset %s has no forecast_date coordinate", q.Dataset.Name), nil)
		}
		fdIdx := zarr.LatestAtOrBefore(fdCoord, startDay)
		if fdIdx < 0 {
			fdIdx = zarr.LatestAtOrBefore(fdCoord, endDay)
		}
		if fdIdx < 0 {
			return w, false, nil
		}
		fd := fdCoord.Ints[fdIdx]

		dayCoord, ok := store.Coord(zarr.DimForecastDayIdx)
		if !ok {
			return w, false, types.NewAppError(types.ErrCodeStoreInconsistent,
				fmt.Sprintf("forecast store for dataset %s has no forecast_day_idx coordinate", q.Dataset.Name), nil)
		}
		lo, hi, ok := zarr.RangeIndices(dayCoord, float64(startDay-fd), float64(endDay-fd))
		if !ok {
			return w, false, nil
		}
		w.forecastIdx = fdIdx
		w.dayLo = lo
		for i := lo; i <= hi; i++ {
			w.days = append(w.days, fd+dayCoord.Ints[i])
		}
		return w, true, nil

	default:
		dateCoord, ok := store.Coord(zarr.DimDate)
		if !ok {
			return w, false, types.NewAppError(types.ErrCodeStoreInconsistent,
				fmt.Sprintf("store for dataset %s has no date coordinate", q.Dataset.Name), nil)
		}
		lo, hi, ok := zarr.RangeIndices(dateCoord, float64(startDay), float64(endDay))
		if !ok {
			return w, false, nil
		}
		w.dayLo = lo
		w.days = append(w.days, dateCoord.Ints[lo:hi+1]...)
		return w, true, nil
	}
}

// varAccessor wraps one variable's region array with index translation from
// (time step, hour step, lat offset, lon offset, ensemble member) to the
// variable's own dimension layout.
type varAccessor struct {
	arr       *zarr.Array
	dims      []string
	ensembleN int
}

func (a *varAccessor) value(ti, hi, li, lj, ei int) float64 {
	idx := make([]int, len(a.dims))
	for d, dim := range a.dims {
		switch dim {
		case zarr.DimForecastDate:
			idx[d] = 0
		case zarr.DimForecastDayIdx, zarr.DimDate:
			idx[d] = ti
		case zarr.DimTime:
			idx[d] = hi
		case zarr.DimLat:
			idx[d] = li
		case zarr.DimLon:
			idx[d] = lj
		case zarr.DimEnsemble:
			idx[d] = ei
		}
	}
	return float64(a.arr.At(idx...))
}

// readVarRegion reads the selected region of one variable, whatever subset
// of the store dimensions it spans.
func (s *Service) readVarRegion(ctx context.Context, store *zarr.Store, name string, sel cellSelection, window timeWindow) (*varAccessor, error) {
	meta, ok := store.Meta(name)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeStoreInconsistent,
			fmt.Sprintf("variable %q is missing from the array store", name), nil)
	}
	dims := store.VarDims(name)

	offset := make([]int, len(dims))
	shape := make([]int, len(dims))
	ensembleN := 1
	for d, dim := range dims {
		switch dim {
		case zarr.DimForecastDate:
			offset[d], shape[d] = window.forecastIdx, 1
		case zarr.DimForecastDayIdx, zarr.DimDate:
			offset[d], shape[d] = window.dayLo, len(window.days)
		case zarr.DimTime:
			offset[d], shape[d] = 0, len(window.hours)
		case zarr.DimLat:
			offset[d], shape[d] = sel.latLo, sel.latCount()
		case zarr.DimLon:
			offset[d], shape[d] = sel.lonLo, sel.lonCount()
		case zarr.DimEnsemble:
			offset[d], shape[d] = 0, meta.Shape[d]
			ensembleN = meta.Shape[d]
		default:
			return nil, types.NewAppError(types.ErrCodeStoreInconsistent,
				fmt.Sprintf("variable %q spans unknown dimension %q", name, dim), nil)
		}
	}

	arr, err := store.ReadRegion(ctx, name, offset, shape)
	if err != nil {
		return nil, err
	}
	return &varAccessor{arr: arr, dims: dims, ensembleN: ensembleN}, nil
}

// spatialSelection maps a location selector onto lat/lon index windows.
// ok is false when the selector misses the store's grid entirely.
func spatialSelection(loc Location, latCoord, lonCoord zarr.Coord) (cellSelection, bool) {
	switch loc.Kind {
	case types.LocationPoint:
		li, _ := zarr.NearestIndex(latCoord, loc.Point.Lat())
		lj, _ := zarr.NearestIndex(lonCoord, loc.Point.Lon())
		if li < 0 || lj < 0 {
			return cellSelection{}, false
		}
		return cellSelection{latLo: li, latHi: li, lonLo: lj, lonHi: lj}, true

	case types.LocationBoundingBox:
		return boundSelection(loc.BBox, latCoord, lonCoord, nil)

	case types.LocationPolygon:
		poly := loc.Polygon
		return boundSelection(poly.Bound(), latCoord, lonCoord, func(li, lj int) bool {
			return planar.PolygonContains(poly, orb.Point{lonCoord.Float(lj), latCoord.Float(li)})
		})

	case types.LocationListOfPoints:
		type cell struct{ li, lj int }
		cells := make(map[cell]bool)
		sel := cellSelection{latLo: latCoord.Len(), lonLo: lonCoord.Len(), latHi: -1, lonHi: -1}
		for _, p := range loc.Points {
			li, _ := zarr.NearestIndex(latCoord, p.Lat())
			lj, _ := zarr.NearestIndex(lonCoord, p.Lon())
			if li < 0 || lj < 0 {
				continue
			}
			cells[cell{li, lj}] = true
			sel.latLo = minIdx(sel.latLo, li)
			sel.latHi = maxIdx(sel.latHi, li)
			sel.lonLo = minIdx(sel.lonLo, lj)
			sel.lonHi = maxIdx(sel.lonHi, lj)
		}
		if len(cells) == 0 {
			return cellSelection{}, false
		}
		sel.keep = func(li, lj int) bool { return cells[cell{li, lj}] }
		return sel, true
	}
	return cellSelection{}, false
}

func boundSelection(b orb.Bound, latCoord, lonCoord zarr.Coord, keep func(li, lj int) bool) (cellSelection, bool) {
	latLo, latHi, okLat := zarr.RangeIndices(latCoord, b.Min.Lat(), b.Max.Lat())
	lonLo, lonHi, okLon := zarr.RangeIndices(lonCoord, b.Min.Lon(), b.Max.Lon())
	if !okLat || !okLon {
		return cellSelection{}, false
	}
	return cellSelection{latLo: latLo, latHi: latHi, lonLo: lonLo, lonHi: lonHi, keep: keep}, true
}

func epochDay(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

func minIdx(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxIdx(a, b int) int {
	if a > b {
		return a
	}
	return b
}
