package reader

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"

	"agromet/internal/store/object"
	"agromet/internal/store/table"
	"agromet/internal/types"
)

// readStations serves station datasets: the spatial selector picks stations
// from the provider registry, then a single SQL query runs over the
// year-partitioned parquet measurements of the selected stations.
func (s *Service) readStations(ctx context.Context, q Query) (*Result, error) {
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

	if s.stations == nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"no station registry configured", nil)
	}
	all, err := s.stations.ListByProvider(ctx, q.Dataset.Provider)
	if err != nil {
		return nil, err
	}
	selected := selectStations(q.Location, all)
	if len(selected) == 0 {
		return res, nil
	}

	files, err := s.stationPartitions(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return res, nil
	}

	engine, err := table.OpenInMemory()
	if err != nil {
		return nil, err
	}
	defer engine.Close()

	if err := s.queryStationRows(ctx, engine, q, res, selected, files); err != nil {
		return nil, err
	}
	return res, nil
}

// selectStations applies the spatial selector to the station registry.
// Point selectors resolve to the single nearest station; bbox and polygon
// keep contained stations; point lists take the nearest station per point,
// deduplicated.
func selectStations(loc Location, all []types.Station) []types.Station {
	switch loc.Kind {
	case types.LocationPoint:
		if st := nearestStation(loc.Point, all); st != nil {
			return []types.Station{*st}
		}
		return nil

	case types.LocationBoundingBox:
		var out []types.Station
		for _, st := range all {
			if loc.BBox.Contains(orb.Point{st.Lon, st.Lat}) {
				out = append(out, st)
			}
		}
		return out

	case types.LocationPolygon:
		var out []types.Station
		for _, st := range all {
			if planar.PolygonContains(loc.Polygon, orb.Point{st.Lon, st.Lat}) {
				out = append(out, st)
			}
		}
		return out

	case types.LocationListOfPoints:
		seen := make(map[int64]bool)
		var out []types.Station
		for _, p := range loc.Points {
			st := nearestStation(p, all)
			if st == nil || seen[st.ID] {
				continue
			}
			seen[st.ID] = true
			out = append(out, *st)
		}
		return out
	}
	return nil
}

func nearestStation(p orb.Point, all []types.Station) *types.Station {
	var best *types.Station
	bestDist := math.Inf(1)
	for i := range all {
		d := geo.Distance(p, orb.Point{all[i].Lon, all[i].Lat})
		if d < bestDist {
			best = &all[i]
			bestDist = d
		}
	}
	return best
}

// stationPartitions downloads the year partitions covering the query window
// into the local cache dir and returns their paths. Partition objects live
// under stations/{provider}/year={Y}/.
func (s *Service) stationPartitions(ctx context.Context, q Query) ([]string, error) {
	if err := os.MkdirAll(s.cfg.CacheDir, 0o755); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create reader cache dir", err)
	}

	var files []string
	for year := q.Start.Year(); year <= q.End.Year(); year++ {
		prefix := s.objects.Key(object.KindStations,
			fmt.Sprintf("%s/year=%d/", q.Dataset.Provider, year))
		infos, err := s.objects.List(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			if !strings.HasSuffix(info.Key, ".parquet") {
				continue
			}
			local := filepath.Join(s.cfg.CacheDir,
				fmt.Sprintf("%s_%d_%s", q.Dataset.Provider, year, filepath.Base(info.Key)))
			if st, err := os.Stat(local); err != nil || st.Size() != info.Size {
				if err := s.objects.GetFile(ctx, info.Key, local); err != nil {
					return nil, err
				}
			}
			files = append(files, local)
		}
	}
	return files, nil
}

// queryStationRows runs the measurement query and materializes rows in
// (date[, time], station) order.
func (s *Service) queryStationRows(ctx context.Context, engine *table.Engine, q Query, res *Result, stations []types.Station, files []string) error {
	byCode := make(map[string]types.Station, len(stations))
	codes := make([]string, 0, len(stations))
	for _, st := range stations {
		byCode[st.Code] = st
		codes = append(codes, "'"+strings.ReplaceAll(st.Code, "'", "''")+"'")
	}

	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = "'" + strings.ReplaceAll(f, "'", "''") + "'"
	}

	cols := []string{"station_code", "date"}
	if res.HasTime {
		cols = append(cols, "time")
	}
	for _, a := range res.Attributes {
		cols = append(cols, `"`+a.Canonical+`"`)
	}
	order := "date"
	if res.HasTime {
		order = "date, time"
	}

	query := fmt.Sprintf(
		"SELECT %s FROM read_parquet([%s]) WHERE date BETWEEN ? AND ? AND station_code IN (%s) ORDER BY %s, station_code",
		strings.Join(cols, ", "), strings.Join(quoted, ", "), strings.Join(codes, ", "), order)

	rows, err := engine.DB().QueryContext(ctx, query,
		q.Start.UTC().Format(csvDateLayout), q.End.UTC().Format(csvDateLayout))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalTableEngine, "station query failed", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			code    string
			date    time.Time
			timeStr string
		)
		dest := []any{&code, &date}
		if res.HasTime {
			dest = append(dest, &timeStr)
		}
		vals := make([]sql.NullFloat64, len(res.Attributes))
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return types.NewAppError(types.ErrCodeInternalTableEngine, "station row scan failed", err)
		}

		st, ok := byCode[code]
		if !ok {
			continue
		}
		ts := date.UTC()
		if res.HasTime {
			if len(timeStr) >= 8 {
				if parsed, err := time.Parse(csvTimeLayout, timeStr[:8]); err == nil {
					ts = ts.Add(time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute)
				}
			}
			if ts.Before(q.Start) || ts.After(q.End) {
				continue
			}
		}
		values := make([]float64, len(vals))
		for i, v := range vals {
			if v.Valid {
				values[i] = v.Float64
			} else {
				values[i] = math.NaN()
			}
		}
		res.Rows = append(res.Rows, Row{
			Time:     ts,
			Lat:      st.Lat,
			Lon:      st.Lon,
			Ensemble: -1,
			Values:   values,
		})
	}
	if err := rows.Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalTableEngine, "station query iteration failed", err)
	}
	return nil
}
