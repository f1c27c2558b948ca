package dcas

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agromet/internal/catalog"
	"agromet/internal/config"
	"agromet/internal/observability"
	"agromet/internal/reader"
	"agromet/internal/store/object"
	"agromet/internal/types"
)

// ---------------------------------------------------------------
// fakes
// ---------------------------------------------------------------

type fakeFarms struct {
	groups []types.FarmGroup
	farms  []types.FarmRegistry
}

func (f *fakeFarms) ListGroups(ctx context.Context, ids []int64) ([]types.FarmGroup, error) {
	if len(ids) == 0 {
		return f.groups, nil
	}
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []types.FarmGroup
	for _, g := range f.groups {
		if want[g.ID] {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeFarms) ListFarms(ctx context.Context, groupIDs []int64, afterID int64, limit int) ([]types.FarmRegistry, error) {
	want := make(map[int64]bool, len(groupIDs))
	for _, id := range groupIDs {
		want[id] = true
	}
	var out []types.FarmRegistry
	for _, farm := range f.farms {
		if want[farm.GroupID] && farm.ID > afterID {
			out = append(out, farm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeFarms) DistinctGridCrops(ctx context.Context, groupIDs []int64) ([]catalog.GridCrop, error) {
	want := make(map[int64]bool, len(groupIDs))
	for _, id := range groupIDs {
		want[id] = true
	}
	seen := make(map[[3]int64]catalog.GridCrop)
	for _, farm := range f.farms {
		if !want[farm.GroupID] {
			continue
		}
		k := [3]int64{farm.GridID, farm.CropID, farm.CropStageTypeID}
		gc, ok := seen[k]
		if !ok || farm.PlantingDate.Before(gc.PlantingDate) {
			seen[k] = catalog.GridCrop{
				GridID:          farm.GridID,
				CropID:          farm.CropID,
				CropStageTypeID: farm.CropStageTypeID,
				PlantingDate:    farm.PlantingDate,
			}
		}
	}
	out := make([]catalog.GridCrop, 0, len(seen))
	for _, gc := range seen {
		out = append(out, gc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GridID < out[j].GridID })
	return out, nil
}

type fakeGrids struct {
	meta map[int64]catalog.GridMeta
}

func (f *fakeGrids) MetaByIDs(ctx context.Context, ids []int64) (map[int64]catalog.GridMeta, error) {
	out := make(map[int64]catalog.GridMeta)
	for _, id := range ids {
		if m, ok := f.meta[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

type fakeCrops struct {
	crops      map[int64]types.Crop
	priorities map[int]int
}

func (f *fakeCrops) ListByIDs(ctx context.Context, ids []int64) (map[int64]types.Crop, error) {
	out := make(map[int64]types.Crop)
	for _, id := range ids {
		if c, ok := f.crops[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (f *fakeCrops) MessagePriorities(ctx context.Context) (map[int]int, error) {
	return f.priorities, nil
}

type fakeRequests struct {
	mu       sync.Mutex
	rows     map[string]*types.DCASRequest
	progress []string
}

func newFakeRequests() *fakeRequests {
	return &fakeRequests{rows: map[string]*types.DCASRequest{}}
}

func (f *fakeRequests) Create(ctx context.Context, req *types.DCASRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req.CreatedAt = time.Now()
	cp := *req
	f.rows[req.ID] = &cp
	return nil
}

func (f *fakeRequests) UpdateStatus(ctx context.Context, id string, status types.SessionStatus, progress string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.rows[id]
	row.Status = status
	row.Progress = progress
	f.progress = append(f.progress, progress)
	return nil
}

func (f *fakeRequests) LatestSuccessBefore(ctx context.Context, date time.Time) (*types.DCASRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *types.DCASRequest
	for _, row := range f.rows {
		if row.Status != types.SessionSuccess || !row.RequestDate.Before(date) {
			continue
		}
		if latest == nil || row.RequestDate.After(latest.RequestDate) {
			latest = row
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeRequests) get(id string) types.DCASRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}}
}

func (s *fakeObjects) Key(kind, name string) string { return path.Join("test", kind, name) }

func (s *fakeObjects) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeInternalObjectStore, "no such key", nil)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeObjects) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return nil
}

func (s *fakeObjects) PutFile(ctx context.Context, key, localPath, contentType string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return nil
}

func (s *fakeObjects) GetFile(ctx context.Context, key, localPath string) error {
	s.mu.Lock()
	data, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return types.NewAppError(types.ErrCodeInternalObjectStore, "no such key", nil)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (s *fakeObjects) List(ctx context.Context, prefix string) ([]object.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []object.ObjectInfo
	for k, v := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, object.ObjectInfo{Key: k, Size: int64(len(v)), LastModified: time.Now()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *fakeObjects) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *fakeObjects) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeObjects) Presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://example.com/" + key, nil
}

// fakeWeather serves constant daily forecast values for any point query.
type fakeWeather struct {
	mu      sync.Mutex
	err     error
	values  map[string]float64
	queries []reader.Query
}

func (f *fakeWeather) Read(ctx context.Context, q reader.Query) (*reader.Result, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	attrs, err := q.ResolveAttributes()
	if err != nil {
		return nil, err
	}
	res := &reader.Result{Dataset: q.Dataset, Location: q.Location, Attributes: attrs}
	for d := q.Start; !d.After(q.End); d = d.AddDate(0, 0, 1) {
		row := reader.Row{Time: d, Lat: q.Location.Point[1], Lon: q.Location.Point[0], Ensemble: -1}
		for _, a := range attrs {
			row.Values = append(row.Values, f.values[a.Canonical])
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

// ---------------------------------------------------------------
// fixture
// ---------------------------------------------------------------

type orchFixture struct {
	orch     *Orchestrator
	farms    *fakeFarms
	requests *fakeRequests
	objects  *fakeObjects
	weather  *fakeWeather
	loader   *fakeStageLoader
}

func advisoryDataset() *types.Dataset {
	return &types.Dataset{
		ID:       3,
		Name:     "cbam_seasonal_daily",
		Provider: types.ProviderCBAM,
		Type:     types.DatasetForecast,
		TimeStep: types.TimeStepDaily,
		Store:    types.StoreArray,
		Attributes: []types.DatasetAttribute{
			{Canonical: "max_temperature"},
			{Canonical: "min_temperature"},
			{Canonical: "total_rainfall"},
		},
	}
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()

	planting := day(2024, time.September, 27)
	farms := &fakeFarms{
		groups: []types.FarmGroup{{ID: 1, Name: "western", CountryISOA3: "KEN"}},
		farms: []types.FarmRegistry{
			{ID: 1, FarmerUniqueID: "F1", Lat: 0.016, Lon: 0.024, GridID: 42, CropID: 7,
				CropStageTypeID: 1, PlantingDate: planting, GroupID: 1, County: "Kakamega", Language: "sw"},
			{ID: 2, FarmerUniqueID: "F2", Lat: 0.014, Lon: 0.026, GridID: 42, CropID: 7,
				CropStageTypeID: 1, PlantingDate: planting, GroupID: 1, County: "Kakamega", Language: "sw"},
		},
	}
	grids := &fakeGrids{meta: map[int64]catalog.GridMeta{
		42: {GridID: 42, Lat: 0.015, Lon: 0.025, ISOA3: "KEN"},
	}}
	crops := &fakeCrops{
		crops:      map[int64]types.Crop{7: {ID: 7, Name: "maize", GDDBaseTemp: 10, GDDCapTemp: 25}},
		priorities: map[int]int{1001: 1, 1002: 2},
	}
	loader := &fakeStageLoader{tables: map[[3]int64][]types.CropStage{
		{7, 1, 1}: stageTable(1, 0, 2, 100, 3, 300),
	}}
	requests := newFakeRequests()
	objects := newFakeObjects()
	weather := &fakeWeather{values: map[string]float64{
		"max_temperature": 30,
		"min_temperature": 20,
		"total_rainfall":  5,
	}}

	rules := NewRuleEngine(
		RuleFunc(func(rec Record) []int {
			if rec.GDDSum > 0 {
				return []int{1001}
			}
			return nil
		}),
		RuleFunc(func(rec Record) []int {
			if rec.Temperature > 0 {
				return []int{1002}
			}
			return nil
		}),
	)

	cfg := config.DCASConfig{
		PreviousDaysToCheck: 7,
		PartitionBatchSize:  500,
		MaxStageWorkers:     2,
		StageConfigID:       1,
		RunWeekday:          1,
		WorkDir:             t.TempDir(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := NewOrchestrator(cfg, farms, grids, crops, requests,
		NewStageEngine(loader, time.Minute), rules, weather, objects,
		observability.NewMetricsForTesting(), logger)

	return &orchFixture{orch: orch, farms: farms, requests: requests, objects: objects, weather: weather, loader: loader}
}

func (fx *orchFixture) readPartition(t *testing.T, iso string, date time.Time) []OutputRow {
	t.Helper()
	key := fx.objects.Key(object.KindDCAS, PartitionPath(iso, date)+"/data.parquet")
	local := filepath.Join(t.TempDir(), "part.parquet")
	require.NoError(t, fx.objects.GetFile(context.Background(), key, local))
	rows, err := parquet.ReadFile[OutputRow](local)
	require.NoError(t, err)
	sort.Slice(rows, func(i, j int) bool { return rows[i].FarmID < rows[j].FarmID })
	return rows
}

// errLogRow mirrors the columns of the error-log copy.
type errLogRow struct {
	DateEpoch      int64  `parquet:"date_epoch"`
	FarmerUniqueID string `parquet:"farmer_unique_id"`
	GridCropKey    string `parquet:"grid_crop_key"`
	FinalMessage   int32  `parquet:"final_message"`
	IsEmpty        bool   `parquet:"is_empty_message"`
	HasRepetitive  bool   `parquet:"has_repetitive_message"`
}

func (fx *orchFixture) readErrorLog(t *testing.T, date time.Time) []errLogRow {
	t.Helper()
	key := fx.objects.Key(object.KindDCAS, "error_log/date="+date.Format("2006-01-02")+"/errors.parquet")
	local := filepath.Join(t.TempDir(), "errors.parquet")
	require.NoError(t, fx.objects.GetFile(context.Background(), key, local))
	rows, err := parquet.ReadFile[errLogRow](local)
	require.NoError(t, err)
	return rows
}

// ---------------------------------------------------------------
// tests
// ---------------------------------------------------------------

func TestOrchestrator_FullRun(t *testing.T) {
	fx := newOrchFixture(t)
	requestDate := day(2024, time.October, 7)

	req, err := fx.orch.Run(context.Background(), requestDate, []int64{1}, advisoryDataset())
	require.NoError(t, err)

	row := fx.requests.get(req.ID)
	assert.Equal(t, types.SessionSuccess, row.Status)
	assert.Equal(t, "wrote 2 advisory rows", row.Progress)
	assert.Contains(t, fx.requests.progress, "stage 1/7: grid_crops")
	assert.Contains(t, fx.requests.progress, "stage 7/7: triggers")

	// One reader query per distinct grid crop, not per farm.
	assert.Len(t, fx.weather.queries, 1)
	q := fx.weather.queries[0]
	assert.Equal(t, day(2024, time.September, 27), q.Start)
	assert.Equal(t, requestDate, q.End)
	assert.Equal(t, 0.025, q.Location.Point[0])

	gridCropsKey := fx.objects.Key(object.KindDCAS, "requests/2024-10-07/grid_crops.parquet")
	ok, err := fx.objects.Exists(context.Background(), gridCropsKey)
	require.NoError(t, err)
	assert.True(t, ok)

	rows := fx.readPartition(t, "KEN", requestDate)
	require.Len(t, rows, 2)

	first := rows[0]
	assert.Equal(t, int64(1), first.FarmID)
	assert.Equal(t, "F1", first.FarmerUniqueID)
	assert.Equal(t, "7_1_42", first.GridCropKey)
	assert.Equal(t, "KEN", first.ISOA3)
	// 11 days at min(30,25)-10 = 15 GDD/day.
	assert.InDelta(t, 165.0, first.TotalGDD, 1e-9)
	// 165 crosses the 100 threshold on 2024-10-03 (cumulative 105).
	assert.Equal(t, int64(2), first.GrowthStageID)
	assert.Equal(t, epochDay(day(2024, time.October, 3)), first.GrowthStageStart)
	assert.Equal(t, int32(1001), first.Message1)
	assert.Equal(t, int32(1002), first.Message2)
	assert.Equal(t, int32(1001), first.FinalMessage)
	assert.False(t, first.IsEmptyMessage)
	assert.False(t, first.HasRepetitiveMessage)
	assert.InDelta(t, 25.0, first.Temperature, 1e-9)
	assert.InDelta(t, 55.0, first.SeasonalPrecip, 1e-9)
	// Five days at 5 mm since the stage started.
	assert.InDelta(t, 25.0, first.GrowthStagePrecip, 1e-9)
	// No evapotranspiration attribute registered.
	assert.True(t, math.IsNaN(first.PPET))

	deliveryKey := fx.objects.Key(object.KindDCAS, "delivery/2024-10-07.csv")
	csvBytes, err := io.ReadAll(mustGet(t, fx.objects, deliveryKey))
	require.NoError(t, err)
	assert.Contains(t, string(csvBytes), "farmer_unique_id")
	assert.Contains(t, string(csvBytes), "F1")
	assert.Contains(t, string(csvBytes), "F2")

	// Nothing flagged, so the error log is an empty copy.
	assert.Empty(t, fx.readErrorLog(t, requestDate))
}

func mustGet(t *testing.T, s *fakeObjects, key string) io.ReadCloser {
	t.Helper()
	rc, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	return rc
}

func TestOrchestrator_PreviousRunKeepsStageStartAndRepetition(t *testing.T) {
	fx := newOrchFixture(t)
	prevDate := day(2024, time.September, 30)
	requestDate := day(2024, time.October, 7)

	// Seed last week's successful request and its partition output.
	prevReq := &types.DCASRequest{ID: "prev-run", RequestDate: prevDate, GroupIDs: []int64{1}, Status: types.SessionSuccess}
	require.NoError(t, fx.requests.Create(context.Background(), prevReq))

	prevRows := []OutputRow{{
		DateEpoch:        epochDay(prevDate),
		FarmID:           1,
		FarmerUniqueID:   "F1",
		CropID:           7,
		GridID:           42,
		GridCropKey:      "7_1_42",
		ISOA3:            "KEN",
		GrowthStageID:    2,
		GrowthStageStart: epochDay(day(2024, time.September, 28)),
		FinalMessage:     1001,
	}}
	local := filepath.Join(t.TempDir(), "prev.parquet")
	require.NoError(t, writeParquet(local, prevRows))
	prevKey := fx.objects.Key(object.KindDCAS, PartitionPath("KEN", prevDate)+"/data.parquet")
	require.NoError(t, fx.objects.PutFile(context.Background(), prevKey, local, "application/octet-stream"))

	_, err := fx.orch.Run(context.Background(), requestDate, []int64{1}, advisoryDataset())
	require.NoError(t, err)

	rows := fx.readPartition(t, "KEN", requestDate)
	require.Len(t, rows, 2)

	// Classification still lands on stage 2 this week, so the start day
	// observed last week is kept for every farm of the key.
	assert.Equal(t, int64(2), rows[0].GrowthStageID)
	assert.Equal(t, int64(2), rows[1].GrowthStageID)
	assert.Equal(t, epochDay(day(2024, time.September, 28)), rows[0].GrowthStageStart)
	assert.Equal(t, 1, fx.loader.calls)

	// F1 received 1001 last week, so the runner-up is delivered and the
	// repetition lands in the error log. F2 had no prior delivery.
	assert.Equal(t, int32(1002), rows[0].FinalMessage)
	assert.True(t, rows[0].HasRepetitiveMessage)
	assert.Equal(t, int32(1001), rows[1].FinalMessage)
	assert.False(t, rows[1].HasRepetitiveMessage)

	errs := fx.readErrorLog(t, requestDate)
	require.Len(t, errs, 1)
	assert.Equal(t, "F1", errs[0].FarmerUniqueID)
	assert.True(t, errs[0].HasRepetitive)
	assert.False(t, errs[0].IsEmpty)
}

func TestOrchestrator_NoFarmsFailsRun(t *testing.T) {
	fx := newOrchFixture(t)
	fx.farms.farms = nil

	req, err := fx.orch.Run(context.Background(), day(2024, time.October, 7), []int64{1}, advisoryDataset())

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundData, appErr.Code)
	assert.Equal(t, types.SessionFailed, fx.requests.get(req.ID).Status)
	assert.Contains(t, fx.requests.get(req.ID).Progress, "no farms")
}

func TestOrchestrator_MissingForecastStoreFailsRun(t *testing.T) {
	fx := newOrchFixture(t)
	fx.weather.err = types.NewAppError(types.ErrCodeResourceMissing, "no ingested artifact for dataset", nil)

	req, err := fx.orch.Run(context.Background(), day(2024, time.October, 7), []int64{1}, advisoryDataset())

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeResourceMissing, appErr.Code)
	assert.Equal(t, types.SessionFailed, fx.requests.get(req.ID).Status)
}
