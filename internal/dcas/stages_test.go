package dcas

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agromet/internal/types"
)

type fakeStageLoader struct {
	mu     sync.Mutex
	tables map[[3]int64][]types.CropStage
	calls  int
}

func (l *fakeStageLoader) StageTable(ctx context.Context, cropID, stageTypeID, configID int64) ([]types.CropStage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	table, ok := l.tables[[3]int64{cropID, stageTypeID, configID}]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeResourceMissing, "no stage table for crop configuration", nil)
	}
	return table, nil
}

func stageTable(pairs ...float64) []types.CropStage {
	out := make([]types.CropStage, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, types.CropStage{StageID: int64(pairs[i]), GDDThreshold: pairs[i+1]})
	}
	return out
}

func points(startEpoch int64, sums ...float64) []GDDPoint {
	out := make([]GDDPoint, len(sums))
	for i, s := range sums {
		out[i] = GDDPoint{Epoch: startEpoch + int64(i), Sum: s}
	}
	return out
}

func TestClassifyStage_CrossingWithinWindow(t *testing.T) {
	table := stageTable(2, 400, 13, 450)

	// The newest sum reaches the 450 threshold; the crossing holds back to
	// epoch 125 where the sum first met it.
	got := ClassifyStage(table, 123, points(123, 420, 440, 450, 490))
	assert.Equal(t, StageResult{StageID: 13, StartEpoch: 125}, got)
}

func TestClassifyStage_WholeWindowCrossed(t *testing.T) {
	table := stageTable(2, 400, 13, 450)

	// Every day of the window is past the 400 threshold, so the stage is
	// taken to have started at planting.
	got := ClassifyStage(table, 123, points(123, 410, 400, 420, 440))
	assert.Equal(t, StageResult{StageID: 2, StartEpoch: 123}, got)
}

func TestClassifyStage_BeforeFirstThreshold(t *testing.T) {
	table := stageTable(1, 0, 2, 100)

	got := ClassifyStage(table, 200, points(200, 10, 20, 40))
	assert.Equal(t, StageResult{StageID: 1, StartEpoch: 202}, got)

	// All-NaN window means not yet planted.
	nan := math.NaN()
	got = ClassifyStage(table, 200, points(200, nan, nan))
	assert.Equal(t, StageResult{StageID: 1, StartEpoch: 200}, got)
}

func TestClassifyStage_EmptyTable(t *testing.T) {
	got := ClassifyStage(nil, 200, points(200, 50, 60))
	assert.Equal(t, StageResult{}, got)
}

func TestStageEngine_PromotesPastPreviousStage(t *testing.T) {
	loader := &fakeStageLoader{tables: map[[3]int64][]types.CropStage{
		{1, 1, 1}: stageTable(2, 400, 13, 450),
	}}
	engine := NewStageEngine(loader, time.Minute)

	// The newest sum crossed the 450 threshold since last week, so the
	// stage advances and starts on the crossing day.
	prev := &StageResult{StageID: 2, StartEpoch: 120}
	got, err := engine.Classify(context.Background(), 1, 1, 1, prev, 123, points(123, 420, 440, 450, 490))

	require.NoError(t, err)
	assert.Equal(t, StageResult{StageID: 13, StartEpoch: 125}, got)
}

func TestStageEngine_UnchangedStageKeepsStartDay(t *testing.T) {
	loader := &fakeStageLoader{tables: map[[3]int64][]types.CropStage{
		{1, 1, 1}: stageTable(2, 400, 13, 450),
	}}
	engine := NewStageEngine(loader, time.Minute)

	// Still inside stage 2: the start day observed last week survives
	// instead of drifting to this window's crossing day.
	prev := &StageResult{StageID: 2, StartEpoch: 120}
	got, err := engine.Classify(context.Background(), 1, 1, 1, prev, 123, points(126, 405, 410, 420, 440))

	require.NoError(t, err)
	assert.Equal(t, StageResult{StageID: 2, StartEpoch: 120}, got)
}

func TestStageEngine_TableCacheAndTTL(t *testing.T) {
	loader := &fakeStageLoader{tables: map[[3]int64][]types.CropStage{
		{1, 2, 3}: stageTable(1, 0, 2, 100),
	}}
	engine := NewStageEngine(loader, time.Minute)
	now := time.Now()
	engine.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := engine.Table(ctx, 1, 2, 3)
	require.NoError(t, err)
	_, err = engine.Table(ctx, 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)

	now = now.Add(2 * time.Minute)
	_, err = engine.Table(ctx, 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.calls)
}

func TestStageEngine_MissingTable(t *testing.T) {
	loader := &fakeStageLoader{tables: map[[3]int64][]types.CropStage{}}
	engine := NewStageEngine(loader, time.Minute)

	_, err := engine.Classify(context.Background(), 9, 9, 9, nil, 100, points(123, 50))

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeResourceMissing, appErr.Code)
}
