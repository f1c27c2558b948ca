package dcas

import (
	"math"

	"agromet/internal/types"
)

// DailyGDD computes one day's growing degree contribution for a crop:
// max(0, min(Tmax, cap) - base) - max(0, base - max(Tmin, base)). NaN
// temperatures yield NaN.
func DailyGDD(tmax, tmin float64, crop types.Crop) float64 {
	if math.IsNaN(tmax) || math.IsNaN(tmin) {
		return math.NaN()
	}
	heat := math.Min(tmax, crop.GDDCapTemp) - crop.GDDBaseTemp
	if heat < 0 {
		heat = 0
	}
	cold := crop.GDDBaseTemp - math.Max(tmin, crop.GDDBaseTemp)
	if cold < 0 {
		cold = 0
	}
	return heat - cold
}

// GDDPoint is one day of a cumulative GDD series.
type GDDPoint struct {
	Epoch int64
	Sum   float64
}

// WeatherDay is one day of grid temperatures feeding GDD accumulation.
type WeatherDay struct {
	Epoch int64
	TMax  float64
	TMin  float64
}

// AccumulateGDD folds daily temperatures into a cumulative GDD series.
// Days before the first valid reading keep a NaN sum, marking the
// pre-planting portion of the window; later gaps carry the running total
// forward.
func AccumulateGDD(days []WeatherDay, crop types.Crop) []GDDPoint {
	out := make([]GDDPoint, 0, len(days))
	var total float64
	started := false
	for _, d := range days {
		g := DailyGDD(d.TMax, d.TMin, crop)
		if !started && math.IsNaN(g) {
			out = append(out, GDDPoint{Epoch: d.Epoch, Sum: math.NaN()})
			continue
		}
		started = true
		if !math.IsNaN(g) {
			total += g
		}
		out = append(out, GDDPoint{Epoch: d.Epoch, Sum: total})
	}
	return out
}
