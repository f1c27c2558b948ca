package reader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agromet/internal/config"
	"agromet/internal/observability"
	"agromet/internal/store/object"
	"agromet/internal/store/table"
	"agromet/internal/store/zarr"
	"agromet/internal/types"
)

// --- fakes ---

type fakeObject struct {
	data     []byte
	modified time.Time
}

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string]fakeObject{}}
}

func (s *fakeObjectStore) Key(kind, name string) string { return path.Join("test", kind, name) }

func (s *fakeObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeInternalObjectStore, "no such key", nil)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *fakeObjectStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[key] = fakeObject{data: data, modified: time.Now()}
	s.mu.Unlock()
	return nil
}

func (s *fakeObjectStore) PutFile(ctx context.Context, key, localPath, contentType string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[key] = fakeObject{data: data, modified: time.Now()}
	s.mu.Unlock()
	return nil
}

func (s *fakeObjectStore) GetFile(ctx context.Context, key, localPath string) error {
	s.mu.Lock()
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return types.NewAppError(types.ErrCodeInternalObjectStore, "no such key", nil)
	}
	return os.WriteFile(localPath, obj.data, 0o644)
}

func (s *fakeObjectStore) List(ctx context.Context, prefix string) ([]object.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []object.ObjectInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, object.ObjectInfo{
				Key:          key,
				Size:         int64(len(obj.data)),
				LastModified: obj.modified,
			})
		}
	}
	return infos, nil
}

func (s *fakeObjectStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *fakeObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeObjectStore) Presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://example.com/" + key, nil
}

// age rewinds an object's modification time for TTL tests.
func (s *fakeObjectStore) age(key string, d time.Duration) {
	s.mu.Lock()
	obj := s.objects[key]
	obj.modified = obj.modified.Add(-d)
	s.objects[key] = obj
	s.mu.Unlock()
}

type fakeFiles struct {
	mu    sync.Mutex
	files []*types.DataSourceFile
	calls int
}

func (f *fakeFiles) GetLatest(ctx context.Context, datasetID int64, format types.SourceFileFormat) (*types.DataSourceFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	for _, df := range f.files {
		if df.DatasetID == datasetID && df.Format == format && df.IsLatest && df.DeletedAt == nil {
			cp := *df
			return &cp, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeResourceMissing, "no latest source file for dataset", nil)
}

type fakeStations struct {
	stations []types.Station
}

func (f *fakeStations) ListByProvider(ctx context.Context, provider types.Provider) ([]types.Station, error) {
	var out []types.Station
	for _, st := range f.stations {
		if st.Provider == provider {
			out = append(out, st)
		}
	}
	return out, nil
}

// --- helpers ---

func testDataset() *types.Dataset {
	return &types.Dataset{
		ID:       7,
		Name:     "tio_short_term_daily",
		Provider: types.ProviderTomorrow,
		Type:     types.DatasetForecast,
		TimeStep: types.TimeStepDaily,
		Store:    types.StoreArray,
		Attributes: []types.DatasetAttribute{
			{Source: "temperatureMax", Canonical: "max_temperature", Unit: "degC"},
			{Source: "temperatureMin", Canonical: "min_temperature", Unit: "degC"},
		},
		LatMin: 0.005, LatMax: 0.025, LatInc: 0.01, LatOrigin: 0.005,
		LonMin: 0.005, LonMax: 0.025, LonInc: 0.01, LonOrigin: 0.005,
		DayIndexStart: 0,
		DayIndexEnd:   15,
	}
}

func testService(t *testing.T) (*Service, *fakeObjectStore, *fakeFiles, *fakeStations) {
	t.Helper()
	cfg := config.ReaderConfig{
		CacheTTL: time.Hour,
		CacheDir: t.TempDir(),
	}
	objects := newFakeObjectStore()
	files := &fakeFiles{}
	stations := &fakeStations{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(cfg, objects, files, stations, observability.NewMetricsForTesting(), logger)
	return svc, objects, files, stations
}

// cellValue is the deterministic fixture value for a (slab, day, cell, attr)
// combination.
func cellValue(slab, day, li, lj, attr int) float64 {
	return float64(10000*slab + 1000*attr + 10*day + 3*li + lj)
}

var testAxis = []float64{0.005, 0.015, 0.025}

// buildForecastStore writes a 3x3 forecast store with one 15-day slab per
// forecast date and registers it as the dataset's latest artifact.
func buildForecastStore(t *testing.T, objects *fakeObjectStore, files *fakeFiles, dataset *types.Dataset, fds []time.Time) {
	t.Helper()
	ctx := context.Background()
	key := objects.Key(object.KindArrayStore, dataset.Name+".zarr")
	backend := &zarr.ObjectBackend{Store: objects, Base: key}

	days := make([]int64, 15)
	for i := range days {
		days[i] = int64(i)
	}
	store, err := zarr.Create(ctx, backend, zarr.CreateSpec{
		Dims: []zarr.DimSpec{
			{Name: zarr.DimForecastDate, Chunk: 20},
			{Name: zarr.DimForecastDayIdx, Chunk: 15},
			{Name: zarr.DimLat, Chunk: 3},
			{Name: zarr.DimLon, Chunk: 3},
		},
		Coords: map[string]zarr.Coord{
			zarr.DimForecastDate:   zarr.IntCoord(nil),
			zarr.DimForecastDayIdx: zarr.IntCoord(days),
			zarr.DimLat:            zarr.FloatCoord(testAxis),
			zarr.DimLon:            zarr.FloatCoord(testAxis),
		},
		Vars: []zarr.VarSpec{
			{Name: "max_temperature", Dims: []string{zarr.DimForecastDate, zarr.DimForecastDayIdx, zarr.DimLat, zarr.DimLon}, BandNumber: 1},
			{Name: "min_temperature", Dims: []string{zarr.DimForecastDate, zarr.DimForecastDayIdx, zarr.DimLat, zarr.DimLon}, BandNumber: 2},
		},
		CRS: "EPSG:4326",
	})
	require.NoError(t, err)

	for fi, fd := range fds {
		require.NoError(t, store.AppendAlong(ctx, zarr.DimForecastDate, zarr.IntCoord([]int64{epochDay(fd)})))
		for attr, name := range []string{"max_temperature", "min_temperature"} {
			arr := zarr.NewArray([]int{1, 15, 3, 3})
			for day := 0; day < 15; day++ {
				for li := 0; li < 3; li++ {
					for lj := 0; lj < 3; lj++ {
						arr.Set(float32(cellValue(fi, day, li, lj, attr)), 0, day, li, lj)
					}
				}
			}
			require.NoError(t, store.WriteRegion(ctx, name, []int{fi, 0, 0, 0}, arr))
		}
	}

	files.files = append(files.files, &types.DataSourceFile{
		ID:        int64(len(files.files) + 1),
		DatasetID: dataset.ID,
		Name:      dataset.Name + ".zarr",
		Format:    types.FormatZarr,
		IsLatest:  true,
		Metadata:  types.SourceFileMetadata{RemoteURL: key},
	})
}

// buildHistoricalStore writes a 3x3 historical store spanning `days`
// consecutive dates from start.
func buildHistoricalStore(t *testing.T, objects *fakeObjectStore, files *fakeFiles, dataset *types.Dataset, start time.Time, days int) {
	t.Helper()
	ctx := context.Background()
	key := objects.Key(object.KindArrayStore, dataset.Name+".zarr")
	backend := &zarr.ObjectBackend{Store: objects, Base: key}

	dates := make([]int64, days)
	for i := range dates {
		dates[i] = epochDay(start) + int64(i)
	}
	store, err := zarr.Create(ctx, backend, zarr.CreateSpec{
		Dims: []zarr.DimSpec{
			{Name: zarr.DimDate, Chunk: 20},
			{Name: zarr.DimLat, Chunk: 3},
			{Name: zarr.DimLon, Chunk: 3},
		},
		Coords: map[string]zarr.Coord{
			zarr.DimDate: zarr.IntCoord(dates),
			zarr.DimLat:  zarr.FloatCoord(testAxis),
			zarr.DimLon:  zarr.FloatCoord(testAxis),
		},
		Vars: []zarr.VarSpec{
			{Name: "max_temperature", Dims: []string{zarr.DimDate, zarr.DimLat, zarr.DimLon}, BandNumber: 1},
			{Name: "min_temperature", Dims: []string{zarr.DimDate, zarr.DimLat, zarr.DimLon}, BandNumber: 2},
		},
		CRS: "EPSG:4326",
	})
	require.NoError(t, err)

	for attr, name := range []string{"max_temperature", "min_temperature"} {
		arr := zarr.NewArray([]int{days, 3, 3})
		for day := 0; day < days; day++ {
			for li := 0; li < 3; li++ {
				for lj := 0; lj < 3; lj++ {
					arr.Set(float32(cellValue(0, day, li, lj, attr)), day, li, lj)
				}
			}
		}
		require.NoError(t, store.WriteRegion(ctx, name, []int{0, 0, 0}, arr))
	}

	files.files = append(files.files, &types.DataSourceFile{
		ID:        int64(len(files.files) + 1),
		DatasetID: dataset.ID,
		Name:      dataset.Name + ".zarr",
		Format:    types.FormatZarr,
		IsLatest:  true,
		Metadata:  types.SourceFileMetadata{RemoteURL: key},
	})
}

// --- tests ---

func TestService_PointJSON(t *testing.T) {
	svc, objects, files, _ := testService(t)
	dataset := testDataset()
	fd := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	buildForecastStore(t, objects, files, dataset, []time.Time{fd})

	q := Query{
		Dataset:    dataset,
		Attributes: []string{"max_temperature", "min_temperature"},
		Location:   Location{Kind: types.LocationPoint, Point: orb.Point{0.014, 0.016}},
		Start:      fd,
		End:        fd.AddDate(0, 0, 2),
		Output:     types.OutputJSON,
	}
	res, err := svc.Read(context.Background(), q)
	require.NoError(t, err)
	require.False(t, res.IsEmpty())
	require.Len(t, res.Rows, 3)

	// The point snaps to the centre cell (lat 0.015, lon 0.015).
	assert.Equal(t, 0.015, res.Rows[0].Lat)
	assert.Equal(t, 0.015, res.Rows[0].Lon)

	raw, err := res.JSON()
	require.NoError(t, err)
	var payload JSONPayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.Len(t, payload.Data, 3)
	assert.Contains(t, payload.Geometry, "POINT")
	assert.Equal(t, "2024-10-01T00:00:00+00:00", payload.Data[0].Datetime)
	assert.Equal(t, "2024-10-03T00:00:00+00:00", payload.Data[2].Datetime)
	assert.InDelta(t, cellValue(0, 1, 1, 1, 0), payload.Data[1].Values["max_temperature"].(float64), 1e-4)
	assert.InDelta(t, cellValue(0, 1, 1, 1, 1), payload.Data[1].Values["min_temperature"].(float64), 1e-4)
}

func TestService_PolygonCSV(t *testing.T) {
	svc, objects, files, _ := testService(t)
	dataset := testDataset()
	fd := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	buildForecastStore(t, objects, files, dataset, []time.Time{fd})

	// Covers the two western columns of the 3x3 grid.
	poly := orb.Polygon{{{0.0, 0.0}, {0.02, 0.0}, {0.02, 0.03}, {0.0, 0.03}, {0.0, 0.0}}}
	q := Query{
		Dataset:    dataset,
		Attributes: []string{"max_temperature"},
		Location:   Location{Kind: types.LocationPolygon, Polygon: poly},
		Start:      fd,
		End:        fd.AddDate(0, 0, 1),
		Output:     types.OutputCSV,
	}
	res, err := svc.Read(context.Background(), q)
	require.NoError(t, err)
	// 2 days x 3 lats x 2 lons inside the polygon.
	require.Len(t, res.Rows, 12)

	var buf bytes.Buffer
	require.NoError(t, res.WriteCSV(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 13)
	assert.Equal(t, "date,lat,lon,max_temperature", lines[0])
	assert.Equal(t, fmt.Sprintf("2024-10-01,0.005,0.005,%g", cellValue(0, 0, 0, 0, 0)), lines[1])
	assert.Equal(t, fmt.Sprintf("2024-10-01,0.005,0.015,%g", cellValue(0, 0, 0, 1, 0)), lines[2])
	// Rows stay sorted by (date, lat, lon): the second day starts halfway.
	assert.True(t, strings.HasPrefix(lines[7], "2024-10-02,0.005,0.005,"))
}

func TestService_PicksLatestForecastAtOrBeforeStart(t *testing.T) {
	svc, objects, files, _ := testService(t)
	dataset := testDataset()
	fd1 := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	fd2 := time.Date(2024, 10, 3, 0, 0, 0, 0, time.UTC)
	buildForecastStore(t, objects, files, dataset, []time.Time{fd1, fd2})

	q := Query{
		Dataset:    dataset,
		Attributes: []string{"max_temperature"},
		Location:   Location{Kind: types.LocationPoint, Point: orb.Point{0.015, 0.015}},
		Start:      fd2.AddDate(0, 0, 1),
		End:        fd2.AddDate(0, 0, 1),
		Output:     types.OutputJSON,
	}
	res, err := svc.Read(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	// Served from the fd2 slab at day offset 1.
	assert.InDelta(t, cellValue(1, 1, 1, 1, 0), res.Rows[0].Values[0], 1e-4)

	// A window starting before every forecast date falls back to the latest
	// date intersecting the window.
	q.Start = fd1.AddDate(0, 0, -5)
	q.End = fd1.AddDate(0, 0, 1)
	res, err = svc.Read(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.InDelta(t, cellValue(0, 0, 1, 1, 0), res.Rows[0].Values[0], 1e-4)
}

func TestService_EmptyWindow(t *testing.T) {
	svc, objects, files, _ := testService(t)
	dataset := testDataset()
	fd := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	buildForecastStore(t, objects, files, dataset, []time.Time{fd})

	q := Query{
		Dataset:    dataset,
		Attributes: []string{"max_temperature"},
		Location:   Location{Kind: types.LocationPoint, Point: orb.Point{0.015, 0.015}},
		Start:      fd.AddDate(0, 0, 20),
		End:        fd.AddDate(0, 0, 25),
		Output:     types.OutputJSON,
	}
	res, err := svc.Read(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, res.IsEmpty())
}

func TestService_ValidationRunsBeforeStoreAccess(t *testing.T) {
	svc, _, files, _ := testService(t)
	dataset := testDataset()

	q := Query{
		Dataset:    dataset,
		Attributes: []string{"max_temperature"},
		Location: Location{Kind: types.LocationBoundingBox,
			BBox: orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{0.03, 0.03}}},
		Start:  time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2024, 10, 2, 0, 0, 0, 0, time.UTC),
		Output: types.OutputJSON,
	}
	_, err := svc.Read(context.Background(), q)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidOutput, appErr.Code)
	assert.Zero(t, files.calls)

	q.Output = types.OutputCSV
	q.Attributes = []string{"no_such_attribute"}
	_, err = svc.Read(context.Background(), q)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationUnknownAttribute, appErr.Code)
	assert.Zero(t, files.calls)
}

func TestService_HistoricalDateRange(t *testing.T) {
	svc, objects, files, _ := testService(t)
	dataset := testDataset()
	dataset.Name = "cbam_reanalysis_daily"
	dataset.Provider = types.ProviderCBAM
	dataset.Type = types.DatasetHistorical
	start := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	buildHistoricalStore(t, objects, files, dataset, start, 5)

	q := Query{
		Dataset:    dataset,
		Attributes: []string{"max_temperature"},
		Location:   Location{Kind: types.LocationPoint, Point: orb.Point{0.005, 0.005}},
		Start:      start.AddDate(0, 0, 1),
		End:        start.AddDate(0, 0, 3),
		Output:     types.OutputJSON,
	}
	res, err := svc.Read(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, start.AddDate(0, 0, 1), res.Rows[0].Time)
	assert.InDelta(t, cellValue(0, 1, 0, 0, 0), res.Rows[0].Values[0], 1e-4)
	assert.InDelta(t, cellValue(0, 3, 0, 0, 0), res.Rows[2].Values[0], 1e-4)
}

func TestService_ListOfPointsDeduplicates(t *testing.T) {
	svc, objects, files, _ := testService(t)
	dataset := testDataset()
	fd := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	buildForecastStore(t, objects, files, dataset, []time.Time{fd})

	// Both points snap to the same centre cell.
	q := Query{
		Dataset:    dataset,
		Attributes: []string{"max_temperature"},
		Location: Location{Kind: types.LocationListOfPoints,
			Points: []orb.Point{{0.014, 0.016}, {0.016, 0.014}}},
		Start:  fd,
		End:    fd,
		Output: types.OutputCSV,
	}
	res, err := svc.Read(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, 0.015, res.Rows[0].Lat)
	assert.Equal(t, 0.015, res.Rows[0].Lon)
}

func TestQuery_ParamsHash(t *testing.T) {
	dataset := testDataset()
	base := Query{
		Dataset:    dataset,
		Attributes: []string{"max_temperature", "min_temperature"},
		Location:   Location{Kind: types.LocationPoint, Point: orb.Point{0.015, 0.015}},
		Start:      time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2024, 10, 5, 0, 0, 0, 0, time.UTC),
		Output:     types.OutputCSV,
	}

	reordered := base
	reordered.Attributes = []string{"min_temperature", "max_temperature"}
	assert.Equal(t, base.ParamsHash(), reordered.ParamsHash())

	other := base
	other.Output = types.OutputNetCDF
	assert.NotEqual(t, base.ParamsHash(), other.ParamsHash())

	shifted := base
	shifted.End = base.End.AddDate(0, 0, 1)
	assert.NotEqual(t, base.ParamsHash(), shifted.ParamsHash())
}

func TestCache_LookupStoreInvalidate(t *testing.T) {
	objects := newFakeObjectStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := NewCache(config.ReaderConfig{CacheTTL: time.Hour}, objects, logger)
	ctx := context.Background()

	_, ok, err := cache.Lookup(ctx, 7, "abc", "csv")
	require.NoError(t, err)
	assert.False(t, ok)

	local := filepath.Join(t.TempDir(), "result.csv")
	require.NoError(t, os.WriteFile(local, []byte("date,lat,lon\n"), 0o644))
	key, err := cache.Store(ctx, 7, "abc", "csv", local)
	require.NoError(t, err)

	got, ok, err := cache.Lookup(ctx, 7, "abc", "csv")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, key, got)

	// Expired entries miss without being removed.
	objects.age(key, 2*time.Hour)
	_, ok, err = cache.Lookup(ctx, 7, "abc", "csv")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.InvalidateDataset(ctx, 7))
	exists, err := objects.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestService_StationsPoint(t *testing.T) {
	svc, objects, _, stations := testService(t)
	dataset := testDataset()
	dataset.Name = "tahmo_ground_daily"
	dataset.Provider = types.ProviderTahmo
	dataset.Store = types.StoreStations

	stations.stations = []types.Station{
		{ID: 1, Code: "TA001", Provider: types.ProviderTahmo, Lat: 0.02, Lon: 0.02},
		{ID: 2, Code: "TA002", Provider: types.ProviderTahmo, Lat: 1.5, Lon: 1.5},
	}

	// Build a year partition with two days for each station.
	engine, err := table.OpenInMemory()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, engine.Exec(ctx,
		`CREATE TABLE m (station_code VARCHAR, date DATE, max_temperature DOUBLE, min_temperature DOUBLE)`))
	for day := 1; day <= 2; day++ {
		for i, code := range []string{"TA001", "TA002"} {
			require.NoError(t, engine.Exec(ctx,
				`INSERT INTO m VALUES (?, ?, ?, ?)`,
				code, fmt.Sprintf("2024-10-0%d", day), 20.0+float64(i), 10.0+float64(i)))
		}
	}
	local := filepath.Join(t.TempDir(), "part-0.parquet")
	require.NoError(t, engine.CopyQueryToParquet(ctx, "SELECT * FROM m", local))
	require.NoError(t, engine.Close())

	key := objects.Key(object.KindStations, "tahmo/year=2024/part-0.parquet")
	require.NoError(t, objects.PutFile(ctx, key, local, "application/octet-stream"))

	q := Query{
		Dataset:    dataset,
		Attributes: []string{"max_temperature", "min_temperature"},
		Location:   Location{Kind: types.LocationPoint, Point: orb.Point{0.03, 0.03}},
		Start:      time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2024, 10, 2, 0, 0, 0, 0, time.UTC),
		Output:     types.OutputCSV,
	}
	res, err := svc.Read(ctx, q)
	require.NoError(t, err)
	// Nearest station is TA001; two days of rows.
	require.Len(t, res.Rows, 2)
	assert.Equal(t, 0.02, res.Rows[0].Lat)
	assert.InDelta(t, 20.0, res.Rows[0].Values[0], 1e-9)
	assert.InDelta(t, 10.0, res.Rows[0].Values[1], 1e-9)
}
