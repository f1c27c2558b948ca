package dcas

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"agromet/internal/types"
)

// StageTableLoader fetches the ordered threshold table of one (crop, stage
// type, config) group. Satisfied by *catalog.CropRepository.
type StageTableLoader interface {
	StageTable(ctx context.Context, cropID, stageTypeID, configID int64) ([]types.CropStage, error)
}

// StageEngine classifies cumulative GDD series into growth stages. Threshold
// tables are cached process-wide with a short TTL; concurrent loads of the
// same table collapse into a single catalog read.
type StageEngine struct {
	loader StageTableLoader
	ttl    time.Duration

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cachedStages
	now   func() time.Time
}

type cachedStages struct {
	stages  []types.CropStage
	fetched time.Time
}

// NewStageEngine builds a stage engine over a catalog-backed loader.
func NewStageEngine(loader StageTableLoader, ttl time.Duration) *StageEngine {
	return &StageEngine{
		loader: loader,
		ttl:    ttl,
		cache:  make(map[string]cachedStages),
		now:    time.Now,
	}
}

// Table returns the ordered stage table, served from cache while fresh.
func (e *StageEngine) Table(ctx context.Context, cropID, stageTypeID, configID int64) ([]types.CropStage, error) {
	key := fmt.Sprintf("%d_%d_%d", cropID, stageTypeID, configID)

	e.mu.Lock()
	c, ok := e.cache[key]
	e.mu.Unlock()
	if ok && e.now().Sub(c.fetched) < e.ttl {
		return c.stages, nil
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		stages, err := e.loader.StageTable(ctx, cropID, stageTypeID, configID)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cache[key] = cachedStages{stages: stages, fetched: e.now()}
		e.mu.Unlock()
		return stages, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.CropStage), nil
}

// StageResult is a classified growth stage with its start day.
type StageResult struct {
	StageID    int64
	StartEpoch int64
}

// Classify resolves the growth stage of one grid-crop from its cumulative
// GDD window. The stage is always recomputed from the newest sum; when it
// matches the stage observed in the previous run, that run's start day is
// kept so the stage start does not drift week over week.
func (e *StageEngine) Classify(ctx context.Context, cropID, stageTypeID, configID int64, prev *StageResult, plantingEpoch int64, series []GDDPoint) (StageResult, error) {
	table, err := e.Table(ctx, cropID, stageTypeID, configID)
	if err != nil {
		return StageResult{}, err
	}
	got := ClassifyStage(table, plantingEpoch, series)
	if prev != nil && prev.StageID == got.StageID {
		got.StartEpoch = prev.StartEpoch
	}
	return got, nil
}

// ClassifyStage picks the largest stage whose threshold the newest
// cumulative sum has reached, then walks the window backwards to the first
// day that crossing held. When every day of the window is already past the
// threshold, the stage is taken to have started at planting. An all-NaN
// window means the crop is not yet planted and yields the first stage.
// An empty table yields the zero result.
func ClassifyStage(table []types.CropStage, plantingEpoch int64, series []GDDPoint) StageResult {
	if len(table) == 0 {
		return StageResult{}
	}
	newest := -1
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i].Sum) {
			newest = i
			break
		}
	}
	if newest < 0 || series[newest].Sum < table[0].GDDThreshold {
		return StageResult{StageID: table[0].StageID, StartEpoch: plantingEpoch}
	}

	idx := 0
	for i := len(table) - 1; i >= 0; i-- {
		if table[i].GDDThreshold <= series[newest].Sum {
			idx = i
			break
		}
	}
	threshold := table[idx].GDDThreshold

	start := plantingEpoch
	for i := newest; i >= 0; i-- {
		if math.IsNaN(series[i].Sum) || series[i].Sum < threshold {
			start = series[i+1].Epoch
			break
		}
	}
	return StageResult{StageID: table[idx].StageID, StartEpoch: start}
}
