package reader

import (
	"math"
	"sort"

	"github.com/ctessum/cdf"

	"agromet/internal/types"
)

// WriteNetCDF renders the result as a classic-format NetCDF file with a
// dense (time, [ensemble,] lat, lon) grid per attribute. Cells the query
// matched no data for are the NaN fill value.
func (r *Result) WriteNetCDF(ws cdf.ReaderWriterAt) error {
	times, lats, lons, ensembles := r.axes()

	dims := []string{"time", "lat", "lon"}
	lens := []int{len(times), len(lats), len(lons)}
	if r.HasEnsemble {
		dims = []string{"time", "ensemble", "lat", "lon"}
		lens = []int{len(times), len(ensembles), len(lats), len(lons)}
	}

	h := cdf.NewHeader(dims, lens)
	h.AddAttribute("", "Conventions", "CF-1.6")
	h.AddAttribute("", "crs", "EPSG:4326")

	h.AddVariable("time", []string{"time"}, []float64{0})
	h.AddAttribute("time", "units", "days since 1970-01-01 00:00:00")
	h.AddVariable("lat", []string{"lat"}, []float64{0})
	h.AddAttribute("lat", "units", "degrees_north")
	h.AddVariable("lon", []string{"lon"}, []float64{0})
	h.AddAttribute("lon", "units", "degrees_east")
	if r.HasEnsemble {
		h.AddVariable("ensemble", []string{"ensemble"}, []int32{0})
	}
	for _, a := range r.Attributes {
		h.AddVariable(a.Canonical, dims, []float32{0})
		h.AddAttribute(a.Canonical, "units", a.Unit)
		h.AddAttribute(a.Canonical, "_FillValue", []float32{float32(math.NaN())})
	}
	h.Define()

	f, err := cdf.Create(ws, h)
	if err != nil {
		return ncErr(err)
	}

	timeVals := make([]float64, len(times))
	timeIdx := make(map[int64]int, len(times))
	for i, t := range times {
		timeVals[i] = float64(t) / 86400.0
		timeIdx[t] = i
	}
	latIdx := indexFloats(lats)
	lonIdx := indexFloats(lons)
	ensIdx := make(map[int]int, len(ensembles))
	ensVals := make([]int32, len(ensembles))
	for i, e := range ensembles {
		ensIdx[e] = i
		ensVals[i] = int32(e)
	}

	if err := writeVar(f, "time", timeVals); err != nil {
		return err
	}
	if err := writeVar(f, "lat", lats); err != nil {
		return err
	}
	if err := writeVar(f, "lon", lons); err != nil {
		return err
	}
	if r.HasEnsemble {
		if err := writeVar(f, "ensemble", ensVals); err != nil {
			return err
		}
	}

	cells := len(lats) * len(lons)
	if r.HasEnsemble {
		cells *= len(ensembles)
	}
	for k, a := range r.Attributes {
		data := make([]float32, len(times)*cells)
		nan := float32(math.NaN())
		for i := range data {
			data[i] = nan
		}
		for _, row := range r.Rows {
			flat := timeIdx[row.Time.Unix()]
			if r.HasEnsemble {
				flat = flat*len(ensembles) + ensIdx[row.Ensemble]
			}
			flat = flat*len(lats) + latIdx[row.Lat]
			flat = flat*len(lons) + lonIdx[row.Lon]
			data[flat] = float32(row.Values[k])
		}
		if err := writeVar(f, a.Canonical, data); err != nil {
			return err
		}
	}
	return nil
}

// axes collects the distinct sorted axis values present in the rows.
func (r *Result) axes() (times []int64, lats, lons []float64, ensembles []int) {
	timeSet := make(map[int64]bool)
	latSet := make(map[float64]bool)
	lonSet := make(map[float64]bool)
	ensSet := make(map[int]bool)
	for _, row := range r.Rows {
		timeSet[row.Time.Unix()] = true
		latSet[row.Lat] = true
		lonSet[row.Lon] = true
		if row.Ensemble >= 0 {
			ensSet[row.Ensemble] = true
		}
	}
	for t := range timeSet {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	lats = sortedFloatKeys(latSet)
	lons = sortedFloatKeys(lonSet)
	for e := range ensSet {
		ensembles = append(ensembles, e)
	}
	sort.Ints(ensembles)
	return times, lats, lons, ensembles
}

func writeVar(f *cdf.File, name string, data any) error {
	w := f.Writer(name, nil, nil)
	if _, err := w.Write(data); err != nil {
		return ncErr(err)
	}
	return nil
}

func indexFloats(vals []float64) map[float64]int {
	m := make(map[float64]int, len(vals))
	for i, v := range vals {
		m[v] = i
	}
	return m
}

func sortedFloatKeys(set map[float64]bool) []float64 {
	out := make([]float64, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}

func ncErr(err error) error {
	return types.NewAppError(types.ErrCodeInternalUnexpected, "netcdf render failed", err)
}
