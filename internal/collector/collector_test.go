package collector

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agromet/internal/config"
	"agromet/internal/observability"
	"agromet/internal/provider"
	"agromet/internal/store/object"
	"agromet/internal/store/table"
	"agromet/internal/types"
)

// --- fakes ---

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string][]byte{}}
}

func (s *fakeObjectStore) Key(kind, name string) string { return path.Join("test", kind, name) }

func (s *fakeObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeInternalObjectStore, "no such key", nil)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeObjectStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return nil
}

func (s *fakeObjectStore) PutFile(ctx context.Context, key, localPath, contentType string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return nil
}

func (s *fakeObjectStore) GetFile(ctx context.Context, key, localPath string) error {
	s.mu.Lock()
	data, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return types.NewAppError(types.ErrCodeInternalObjectStore, "no such key", nil)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (s *fakeObjectStore) List(ctx context.Context, prefix string) ([]object.ObjectInfo, error) {
	return nil, nil
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

type fakeSessions struct {
	mu       sync.Mutex
	statuses map[string]types.SessionStatus
	progress map[string]*types.SessionProgress
	reasons  map[string]string
	files    map[string][]int64
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		statuses: map[string]types.SessionStatus{},
		progress: map[string]*types.SessionProgress{},
		reasons:  map[string]string{},
		files:    map[string][]int64{},
	}
}

func (s *fakeSessions) MarkRunning(ctx context.Context, id string) error {
	s.mu.Lock()
	s.statuses[id] = types.SessionRunning
	s.mu.Unlock()
	return nil
}

func (s *fakeSessions) Finish(ctx context.Context, id string, status types.SessionStatus, progress *types.SessionProgress, reason string) error {
	s.mu.Lock()
	s.statuses[id] = status
	s.progress[id] = progress
	s.reasons[id] = reason
	s.mu.Unlock()
	return nil
}

func (s *fakeSessions) AttachFile(ctx context.Context, sessionID string, fileID int64) error {
	s.mu.Lock()
	s.files[sessionID] = append(s.files[sessionID], fileID)
	s.mu.Unlock()
	return nil
}

type fakeFiles struct {
	mu      sync.Mutex
	created []*types.DataSourceFile
}

func (f *fakeFiles) Create(ctx context.Context, file *types.DataSourceFile) error {
	f.mu.Lock()
	file.ID = int64(len(f.created) + 1)
	f.created = append(f.created, file)
	f.mu.Unlock()
	return nil
}

func (f *fakeFiles) UpdateMetadata(ctx context.Context, id int64, meta types.SourceFileMetadata) error {
	return nil
}

type fakeFetcher struct {
	failLat map[float64]error
}

func (f *fakeFetcher) FetchGrid(ctx context.Context, lat, lon float64, fields []string, timestep string, start, end time.Time) ([]provider.Interval, error) {
	if err, ok := f.failLat[lat]; ok {
		return nil, err
	}

	var intervals []provider.Interval
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		values := map[string]float64{}
		for _, field := range fields {
			values[field] = 20.0 + float64(d.Day())/10
		}
		intervals = append(intervals, provider.Interval{StartTime: d, Values: values})
	}
	return intervals, nil
}

type fakeCancel struct {
	mu  sync.Mutex
	set bool
}

func (c *fakeCancel) IsSet(ctx context.Context, sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
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
	}
}

func testRunner(t *testing.T, fetcher provider.Fetcher, cancel CancelPoller) (*Runner, *fakeObjectStore, *fakeSessions, *fakeFiles) {
	t.Helper()
	cfg := config.CollectorConfig{
		MaxConcurrentRequests: 4,
		RateLimitPerSecond:    100,
		BatchSize:             5,
		QueueSize:             16,
		MaxRetries:            1,
		RequestTimeout:        5 * time.Second,
		WorkDir:               t.TempDir(),
	}
	objects := newFakeObjectStore()
	sessions := newFakeSessions()
	files := &fakeFiles{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := NewRunner(cfg, objects, fetcher, sessions, files, cancel,
		observability.NewMetricsForTesting(), logger)
	return runner, objects, sessions, files
}

func testSession(id string) *types.Session {
	return &types.Session{
		ID:          id,
		Kind:        types.SessionCollector,
		DatasetID:   7,
		Status:      types.SessionPending,
		LogicalDate: time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testWindow() Window {
	return Window{
		Start: time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 10, 15, 0, 0, 0, 0, time.UTC),
	}
}

// --- tests ---

func TestRunner_CollectsOneGrid(t *testing.T) {
	runner, objects, sessions, files := testRunner(t, &fakeFetcher{}, &fakeCancel{})
	session := testSession("sess-collect-1")
	grids := []types.Grid{{ID: 1, UniqueID: "s0000001", Lat: 0.005, Lon: 0.005}}

	require.NoError(t, runner.Run(context.Background(), session, testDataset(), grids, testWindow()))

	assert.Equal(t, types.SessionSuccess, sessions.statuses[session.ID])
	progress := sessions.progress[session.ID]
	require.NotNil(t, progress)
	assert.Equal(t, 1, progress.CountProcessed)
	assert.Zero(t, progress.CountError)

	// The intermediate file was uploaded and registered.
	key := objects.Key(object.KindIntermediate, session.ID+".duckdb")
	ok, _ := objects.Exists(context.Background(), key)
	assert.True(t, ok)
	require.Len(t, files.created, 1)
	assert.Equal(t, types.FormatDuckDB, files.created[0].Format)
	assert.Equal(t, key, files.created[0].Metadata.RemoteURL)

	// 15 fetched days become 15 intermediate rows for the grid.
	engine, err := table.OpenReadOnly(filepath.Join(runner.cfg.WorkDir, session.ID+".duckdb"))
	require.NoError(t, err)
	defer engine.Close()
	n, err := engine.CountRows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(15), n)
}

func TestRunner_SkipsCompletedGridsOnResume(t *testing.T) {
	fetcher := &fakeFetcher{}
	runner, _, sessions, _ := testRunner(t, fetcher, &fakeCancel{})
	session := testSession("sess-resume-1")
	grids := []types.Grid{{ID: 1, UniqueID: "s0000001", Lat: 0.005, Lon: 0.005}}

	require.NoError(t, runner.Run(context.Background(), session, testDataset(), grids, testWindow()))
	require.Equal(t, types.SessionSuccess, sessions.statuses[session.ID])

	// Second run over the same session: the grid already has rows, so
	// nothing is fetched and processed count is zero.
	require.NoError(t, runner.Run(context.Background(), session, testDataset(), grids, testWindow()))
	progress := sessions.progress[session.ID]
	assert.Zero(t, progress.CountProcessed)
	assert.Zero(t, progress.CountError)
}

func TestRunner_RecordsErrorGridsAndContinues(t *testing.T) {
	rejected := types.NewAppError(types.ErrCodeUpstreamRejected, "rejected", nil).
		WithDetails(map[string]any{"status_code": 422})
	fetcher := &fakeFetcher{failLat: map[float64]error{0.015: rejected}}
	runner, _, sessions, _ := testRunner(t, fetcher, &fakeCancel{})
	session := testSession("sess-errors-1")
	grids := []types.Grid{
		{ID: 1, UniqueID: "s0000001", Lat: 0.005, Lon: 0.005},
		{ID: 2, UniqueID: "s0000002", Lat: 0.015, Lon: 0.005},
		{ID: 3, UniqueID: "s0000003", Lat: 0.025, Lon: 0.005},
	}

	require.NoError(t, runner.Run(context.Background(), session, testDataset(), grids, testWindow()))

	assert.Equal(t, types.SessionSuccess, sessions.statuses[session.ID])
	progress := sessions.progress[session.ID]
	assert.Equal(t, 2, progress.CountProcessed)
	assert.Equal(t, 1, progress.CountError)
	assert.Equal(t, []int64{2}, progress.ErrorGrids)
	assert.Equal(t, 1, progress.StatusCodesError["422"])
}

func TestRunner_CancelStopsSession(t *testing.T) {
	runner, _, sessions, _ := testRunner(t, &fakeFetcher{}, &fakeCancel{set: true})
	session := testSession("sess-cancel-1")
	grids := []types.Grid{{ID: 1, UniqueID: "s0000001", Lat: 0.005, Lon: 0.005}}

	require.NoError(t, runner.Run(context.Background(), session, testDataset(), grids, testWindow()))
	assert.Equal(t, types.SessionStopped, sessions.statuses[session.ID])
}

func TestIntervalsToRows_MissingAttributeIsNaN(t *testing.T) {
	grid := types.Grid{ID: 4, UniqueID: "s0000004", Lat: 0.015, Lon: 0.025}
	intervals := []provider.Interval{
		{StartTime: time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC),
			Values: map[string]float64{"temperatureMax": 24.9}},
		{StartTime: time.Date(2024, 10, 2, 0, 0, 0, 0, time.UTC),
			Values: map[string]float64{}},
	}

	rows := intervalsToRows(testDataset(), grid, intervals)
	require.Len(t, rows, 2)

	assert.Equal(t, 24.9, rows[0].Values[0])
	assert.True(t, math.IsNaN(rows[0].Values[1]), "omitted attribute must densify to NaN")
	assert.True(t, math.IsNaN(rows[1].Values[0]))
	assert.True(t, math.IsNaN(rows[1].Values[1]))
}
