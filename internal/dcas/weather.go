package dcas

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"

	"agromet/internal/reader"
	"agromet/internal/types"
)

// Canonical forecast attribute names consumed by the pipeline. Temperatures
// are required; the rest contribute weather features when the dataset
// carries them.
const (
	attrMaxTemperature     = "max_temperature"
	attrMinTemperature     = "min_temperature"
	attrTotalRainfall      = "total_rainfall"
	attrEvapotranspiration = "total_evapotranspiration_flux"
	attrHumidityMax        = "humidity_maximum"
	attrHumidityMin        = "humidity_minimum"
)

// weatherAttributes lists the pipeline attributes the dataset can serve.
// The temperature pair is always requested so a dataset without it fails
// query validation up front.
func weatherAttributes(dataset *types.Dataset) []string {
	attrs := []string{attrMaxTemperature, attrMinTemperature}
	for _, opt := range []string{attrTotalRainfall, attrEvapotranspiration, attrHumidityMax, attrHumidityMin} {
		for _, a := range dataset.Attributes {
			if a.Canonical == opt {
				attrs = append(attrs, opt)
				break
			}
		}
	}
	return attrs
}

// weatherSample is one grid day of forecast values. Absent attributes are
// NaN.
type weatherSample struct {
	epoch int64
	tmax  float64
	tmin  float64
	rain  float64
	et    float64
	hum   float64
}

// gridWeather is the per-grid-crop weather context built in the GDD stage
// and consumed by classification and message computation.
type gridWeather struct {
	days  []weatherSample
	gdd   []GDDPoint
	total float64
}

// fetchGridWeather reads the daily forecast series of one grid cell over
// [planting, request] and folds it into a cumulative GDD series. Rows are
// averaged per day so ensembled datasets collapse to their member mean.
func fetchGridWeather(ctx context.Context, rd WeatherReader, dataset *types.Dataset, plan GridCropPlan, requestDate time.Time, crop types.Crop) (*gridWeather, error) {
	start := plan.PlantingDate.UTC()
	if start.After(requestDate) {
		start = requestDate
	}
	q := reader.Query{
		Dataset:    dataset,
		Attributes: weatherAttributes(dataset),
		Location: reader.Location{
			Kind:  types.LocationPoint,
			Point: orb.Point{plan.Lon, plan.Lat},
		},
		Start:  start,
		End:    requestDate,
		Output: types.OutputJSON,
	}
	res, err := rd.Read(ctx, q)
	if err != nil {
		return nil, err
	}

	pos := make(map[string]int, len(res.Attributes))
	for i, a := range res.Attributes {
		pos[a.Canonical] = i
	}

	type acc struct {
		sum   [6]float64
		count [6]int
	}
	attrOrder := []string{attrMaxTemperature, attrMinTemperature, attrTotalRainfall, attrEvapotranspiration, attrHumidityMax, attrHumidityMin}
	byDay := make(map[int64]*acc)
	for _, row := range res.Rows {
		e := epochDay(row.Time)
		a := byDay[e]
		if a == nil {
			a = &acc{}
			byDay[e] = a
		}
		for i, name := range attrOrder {
			p, ok := pos[name]
			if !ok || math.IsNaN(row.Values[p]) {
				continue
			}
			a.sum[i] += row.Values[p]
			a.count[i]++
		}
	}

	epochs := make([]int64, 0, len(byDay))
	for e := range byDay {
		epochs = append(epochs, e)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

	gw := &gridWeather{days: make([]weatherSample, 0, len(epochs))}
	for _, e := range epochs {
		a := byDay[e]
		mean := func(i int) float64 {
			if a.count[i] == 0 {
				return math.NaN()
			}
			return a.sum[i] / float64(a.count[i])
		}
		humMax, humMin := mean(4), mean(5)
		hum := math.NaN()
		switch {
		case !math.IsNaN(humMax) && !math.IsNaN(humMin):
			hum = (humMax + humMin) / 2
		case !math.IsNaN(humMax):
			hum = humMax
		case !math.IsNaN(humMin):
			hum = humMin
		}
		gw.days = append(gw.days, weatherSample{
			epoch: e,
			tmax:  mean(0),
			tmin:  mean(1),
			rain:  mean(2),
			et:    mean(3),
			hum:   hum,
		})
	}

	days := make([]WeatherDay, len(gw.days))
	for i, d := range gw.days {
		days[i] = WeatherDay{Epoch: d.epoch, TMax: d.tmax, TMin: d.tmin}
	}
	gw.gdd = AccumulateGDD(days, crop)
	gw.total = math.NaN()
	for i := len(gw.gdd) - 1; i >= 0; i-- {
		if !math.IsNaN(gw.gdd[i].Sum) {
			gw.total = gw.gdd[i].Sum
			break
		}
	}
	return gw, nil
}

// window returns the trailing classification slice of the GDD series: the
// request day plus the configured number of previous days.
func (gw *gridWeather) window(requestDate time.Time, previousDays int) []GDDPoint {
	lo := epochDay(requestDate) - int64(previousDays)
	for i, p := range gw.gdd {
		if p.Epoch >= lo {
			return gw.gdd[i:]
		}
	}
	return nil
}

// features derives the last-week aggregates and season totals attached to
// every farm row of the grid-crop.
func (gw *gridWeather) features(requestDate time.Time, previousDays int, stageStart int64) map[string]float64 {
	weekLo := epochDay(requestDate) - int64(previousDays)

	var tempSum, humSum, rainWeek, etWeek, seasonal, stagePrecip float64
	var tempN, humN, etN int
	for _, d := range gw.days {
		if !math.IsNaN(d.rain) {
			seasonal += d.rain
			if d.epoch >= stageStart {
				stagePrecip += d.rain
			}
			if d.epoch >= weekLo {
				rainWeek += d.rain
			}
		}
		if d.epoch < weekLo {
			continue
		}
		if !math.IsNaN(d.tmax) && !math.IsNaN(d.tmin) {
			tempSum += (d.tmax + d.tmin) / 2
			tempN++
		}
		if !math.IsNaN(d.hum) {
			humSum += d.hum
			humN++
		}
		if !math.IsNaN(d.et) {
			etWeek += d.et
			etN++
		}
	}

	ratio := func(num, den float64, ok bool) float64 {
		if !ok || den == 0 {
			return math.NaN()
		}
		return num / den
	}
	return map[string]float64{
		"temperature":                ratio(tempSum, float64(tempN), tempN > 0),
		"humidity":                   ratio(humSum, float64(humN), humN > 0),
		"seasonal_precipitation":     seasonal,
		"ppet":                       ratio(rainWeek, etWeek, etN > 0),
		"growth_stage_precipitation": stagePrecip,
	}
}
