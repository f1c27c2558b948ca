// Package dcas runs the weekly agronomic advisory pipeline: it expands the
// farm registry into distinct grid-crop work units, accumulates growing
// degree days from the latest forecast store, classifies growth stages,
// derives prioritized advisory messages per farm, and lands the results as
// hive-partitioned parquet with a CSV delivery export and an error-log
// pass.
package dcas

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"golang.org/x/sync/errgroup"

	"agromet/internal/catalog"
	"agromet/internal/config"
	"agromet/internal/observability"
	"agromet/internal/reader"
	"agromet/internal/store/object"
	"agromet/internal/store/table"
	"agromet/internal/types"
)

// FarmSource is the registry surface of the pipeline. Satisfied by
// *catalog.FarmRepository.
type FarmSource interface {
	ListGroups(ctx context.Context, ids []int64) ([]types.FarmGroup, error)
	ListFarms(ctx context.Context, groupIDs []int64, afterID int64, limit int) ([]types.FarmRegistry, error)
	DistinctGridCrops(ctx context.Context, groupIDs []int64) ([]catalog.GridCrop, error)
}

// GridSource joins grid IDs to their coordinates and country. Satisfied by
// *catalog.GridRepository.
type GridSource interface {
	MetaByIDs(ctx context.Context, ids []int64) (map[int64]catalog.GridMeta, error)
}

// CropSource serves crop GDD configuration and the message priority table.
// Satisfied by *catalog.CropRepository.
type CropSource interface {
	ListByIDs(ctx context.Context, ids []int64) (map[int64]types.Crop, error)
	MessagePriorities(ctx context.Context) (map[int]int, error)
}

// RequestStore tracks pipeline runs. Satisfied by
// *catalog.DCASRequestRepository.
type RequestStore interface {
	Create(ctx context.Context, req *types.DCASRequest) error
	UpdateStatus(ctx context.Context, id string, status types.SessionStatus, progress string) error
	LatestSuccessBefore(ctx context.Context, date time.Time) (*types.DCASRequest, error)
}

// WeatherReader executes forecast queries. Satisfied by *reader.Service.
type WeatherReader interface {
	Read(ctx context.Context, q reader.Query) (*reader.Result, error)
}

// Orchestrator drives one weekly run through its seven stages. Stages are
// strictly ordered; within a stage, partitions fan out over a bounded
// worker pool.
type Orchestrator struct {
	cfg      config.DCASConfig
	farms    FarmSource
	grids    GridSource
	crops    CropSource
	requests RequestStore
	stages   *StageEngine
	rules    *RuleEngine
	reader   WeatherReader
	objects  object.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(cfg config.DCASConfig, farms FarmSource, grids GridSource, crops CropSource, requests RequestStore, stages *StageEngine, rules *RuleEngine, rd WeatherReader, objects object.Store, metrics *observability.Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		farms:    farms,
		grids:    grids,
		crops:    crops,
		requests: requests,
		stages:   stages,
		rules:    rules,
		reader:   rd,
		objects:  objects,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "dcas")),
	}
}

type runState struct {
	dir        string
	gridCrops  []catalog.GridCrop
	plans      []GridCropPlan
	planByKey  map[types.GridCropKey]GridCropPlan
	crops      map[int64]types.Crop
	weather    map[types.GridCropKey]*gridWeather
	stageByKey map[types.GridCropKey]StageResult
	prevStages map[string]StageResult
	prevFinal  map[string]int
	outputs    []types.DCASOutputRow
	delivery   []deliveryRow
	partitions []string
	written    int
}

// deliveryRow is one line of the weekly CSV handed to the delivery channel.
type deliveryRow struct {
	Date           string `csv:"date"`
	FarmerUniqueID string `csv:"farmer_unique_id"`
	Crop           string `csv:"crop"`
	GrowthStageID  int64  `csv:"growth_stage_id"`
	FinalMessage   int    `csv:"final_message"`
	County         string `csv:"county"`
	Subcounty      string `csv:"subcounty"`
	Ward           string `csv:"ward"`
	Language       string `csv:"language"`
}

// Run executes one weekly request end to end. The request row is created
// up front and its status tracks every stage boundary; the terminal status
// is success or failed with the error recorded as progress.
func (o *Orchestrator) Run(ctx context.Context, requestDate time.Time, groupIDs []int64, dataset *types.Dataset) (*types.DCASRequest, error) {
	if dataset == nil {
		return nil, types.NewAppError(types.ErrCodeResourceMissing, "no forecast dataset for advisory run", nil)
	}
	req := &types.DCASRequest{
		ID:          uuid.NewString(),
		RequestDate: requestDate.UTC().Truncate(24 * time.Hour),
		GroupIDs:    groupIDs,
		Status:      types.SessionPending,
	}
	if err := o.requests.Create(ctx, req); err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "starting advisory run",
		slog.String("request_id", req.ID),
		slog.Time("request_date", req.RequestDate),
		slog.Any("group_ids", groupIDs))

	run := &runState{
		dir:        filepath.Join(o.cfg.WorkDir, req.ID),
		planByKey:  make(map[types.GridCropKey]GridCropPlan),
		weather:    make(map[types.GridCropKey]*gridWeather),
		stageByKey: make(map[types.GridCropKey]StageResult),
		prevStages: make(map[string]StageResult),
		prevFinal:  make(map[string]int),
	}
	if err := os.MkdirAll(run.dir, 0o755); err != nil {
		return req, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create dcas work dir", err)
	}
	defer os.RemoveAll(run.dir)

	if err := o.execute(ctx, req, dataset, run); err != nil {
		req.Status = types.SessionFailed
		if uerr := o.requests.UpdateStatus(ctx, req.ID, types.SessionFailed, err.Error()); uerr != nil {
			o.logger.ErrorContext(ctx, "failed to record run failure",
				slog.String("request_id", req.ID), slog.Any("error", uerr))
		}
		return req, err
	}

	req.Status = types.SessionSuccess
	progress := fmt.Sprintf("wrote %d advisory rows", run.written)
	if err := o.requests.UpdateStatus(ctx, req.ID, types.SessionSuccess, progress); err != nil {
		return req, err
	}
	o.logger.InfoContext(ctx, "advisory run finished",
		slog.String("request_id", req.ID), slog.Int("rows", run.written))
	return req, nil
}

func (o *Orchestrator) execute(ctx context.Context, req *types.DCASRequest, dataset *types.Dataset, run *runState) error {
	steps := []struct {
		name string
		fn   func(context.Context, *types.DCASRequest, *types.Dataset, *runState) error
	}{
		{"grid_crops", o.stageGridCrops},
		{"grid_meta", o.stageGridMeta},
		{"gdd_accumulation", o.stageGDD},
		{"growth_stage", o.stageGrowthStage},
		{"messages", o.stageMessages},
		{"write_partitions", o.stagePartitions},
		{"triggers", o.stageTriggers},
	}
	for i, s := range steps {
		progress := fmt.Sprintf("stage %d/%d: %s", i+1, len(steps), s.name)
		if err := o.requests.UpdateStatus(ctx, req.ID, types.SessionRunning, progress); err != nil {
			return err
		}
		start := time.Now()
		err := s.fn(ctx, req, dataset, run)
		o.metrics.DCASStageTime.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// stageGridCrops builds the distinct grid-crop set of the request's groups
// and persists it as the run's first parquet artifact.
func (o *Orchestrator) stageGridCrops(ctx context.Context, req *types.DCASRequest, _ *types.Dataset, run *runState) error {
	gcs, err := o.farms.DistinctGridCrops(ctx, req.GroupIDs)
	if err != nil {
		return err
	}
	if len(gcs) == 0 {
		return types.NewAppError(types.ErrCodeNotFoundData, "no farms registered for the requested groups", nil)
	}
	run.gridCrops = gcs

	reqEpoch := epochDay(req.RequestDate)
	rows := make([]gridCropRow, len(gcs))
	for i, gc := range gcs {
		rows[i] = gridCropRow{
			GridCropKey:       string(MakeGridCropKey(gc.CropID, gc.CropStageTypeID, gc.GridID)),
			GridID:            gc.GridID,
			CropID:            gc.CropID,
			CropStageTypeID:   gc.CropStageTypeID,
			PlantingDateEpoch: epochDay(gc.PlantingDate),
			RequestDateEpoch:  reqEpoch,
		}
	}
	local := filepath.Join(run.dir, "grid_crops.parquet")
	if err := writeParquet(local, rows); err != nil {
		return err
	}
	key := o.objects.Key(object.KindDCAS,
		fmt.Sprintf("requests/%s/grid_crops.parquet", req.RequestDate.Format("2006-01-02")))
	return o.objects.PutFile(ctx, key, local, "application/octet-stream")
}

// stageGridMeta joins grid coordinates and country, and loads the crop GDD
// configuration for every crop of the run.
func (o *Orchestrator) stageGridMeta(ctx context.Context, _ *types.DCASRequest, _ *types.Dataset, run *runState) error {
	gridIDs := make([]int64, 0, len(run.gridCrops))
	cropIDs := make([]int64, 0, len(run.gridCrops))
	seenGrid := make(map[int64]bool)
	seenCrop := make(map[int64]bool)
	for _, gc := range run.gridCrops {
		if !seenGrid[gc.GridID] {
			seenGrid[gc.GridID] = true
			gridIDs = append(gridIDs, gc.GridID)
		}
		if !seenCrop[gc.CropID] {
			seenCrop[gc.CropID] = true
			cropIDs = append(cropIDs, gc.CropID)
		}
	}

	meta, err := o.grids.MetaByIDs(ctx, gridIDs)
	if err != nil {
		return err
	}
	run.plans, err = BuildPlans(run.gridCrops, meta)
	if err != nil {
		return err
	}
	for _, p := range run.plans {
		run.planByKey[p.Key] = p
	}

	run.crops, err = o.crops.ListByIDs(ctx, cropIDs)
	if err != nil {
		return err
	}
	for _, p := range run.plans {
		if _, ok := run.crops[p.CropID]; !ok {
			return types.NewAppError(types.ErrCodeResourceMissing,
				fmt.Sprintf("crop %d referenced by farm registry is not registered", p.CropID), nil)
		}
	}
	return nil
}

// stageGDD reads the forecast series of every grid-crop and accumulates
// its cumulative GDD, bounded by the stage worker count.
func (o *Orchestrator) stageGDD(ctx context.Context, req *types.DCASRequest, dataset *types.Dataset, run *runState) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxStageWorkers)
	for _, plan := range run.plans {
		g.Go(func() error {
			gw, err := fetchGridWeather(gctx, o.reader, dataset, plan, req.RequestDate, run.crops[plan.CropID])
			if err != nil {
				return fmt.Errorf("grid crop %s: %w", plan.Key, err)
			}
			mu.Lock()
			run.weather[plan.Key] = gw
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// stageGrowthStage joins the previous run's stages and classifies every
// grid-crop over its trailing GDD window.
func (o *Orchestrator) stageGrowthStage(ctx context.Context, req *types.DCASRequest, _ *types.Dataset, run *runState) error {
	prev, err := o.requests.LatestSuccessBefore(ctx, req.RequestDate)
	if err != nil {
		return err
	}
	if prev != nil {
		if err := o.loadPreviousRun(ctx, run, prev); err != nil {
			return err
		}
	}

	for _, plan := range run.plans {
		var prevStage *StageResult
		if st, ok := run.prevStages[string(plan.Key)]; ok {
			prevStage = &st
		}
		gw := run.weather[plan.Key]
		st, err := o.stages.Classify(ctx, plan.CropID, plan.CropStageTypeID, o.cfg.StageConfigID,
			prevStage, epochDay(plan.PlantingDate), gw.window(req.RequestDate, o.cfg.PreviousDaysToCheck))
		if err != nil {
			return fmt.Errorf("grid crop %s: %w", plan.Key, err)
		}
		run.stageByKey[plan.Key] = st
	}
	return nil
}

// loadPreviousRun reads last week's partition parquets to recover per-key
// stages and per-farmer delivered messages.
func (o *Orchestrator) loadPreviousRun(ctx context.Context, run *runState, prev *types.DCASRequest) error {
	seen := make(map[string]bool)
	var n int
	for _, plan := range run.plans {
		if seen[plan.ISOA3] {
			continue
		}
		seen[plan.ISOA3] = true

		prefix := o.objects.Key(object.KindDCAS, PartitionPath(plan.ISOA3, prev.RequestDate)) + "/"
		infos, err := o.objects.List(ctx, prefix)
		if err != nil {
			return err
		}
		for _, info := range infos {
			if !strings.HasSuffix(info.Key, ".parquet") {
				continue
			}
			local := filepath.Join(run.dir, fmt.Sprintf("prev_%d.parquet", n))
			n++
			if err := o.objects.GetFile(ctx, info.Key, local); err != nil {
				return err
			}
			rows, err := parquet.ReadFile[OutputRow](local)
			if err != nil {
				return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read previous run output", err)
			}
			for _, r := range rows {
				if _, ok := run.prevStages[r.GridCropKey]; !ok {
					run.prevStages[r.GridCropKey] = StageResult{StageID: r.GrowthStageID, StartEpoch: r.GrowthStageStart}
				}
				if !r.IsEmptyMessage {
					run.prevFinal[r.FarmerUniqueID] = int(r.FinalMessage)
				}
			}
		}
	}
	return nil
}

// stageMessages pages the farm registry and derives the advisory fields of
// every farm, batches fanning out over the worker pool.
func (o *Orchestrator) stageMessages(ctx context.Context, req *types.DCASRequest, _ *types.Dataset, run *runState) error {
	priorities, err := o.crops.MessagePriorities(ctx)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxStageWorkers)

	var afterID int64
	for {
		if err := gctx.Err(); err != nil {
			break
		}
		batch, err := o.farms.ListFarms(ctx, req.GroupIDs, afterID, o.cfg.PartitionBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		afterID = batch[len(batch)-1].ID

		g.Go(func() error {
			outputs := make([]types.DCASOutputRow, 0, len(batch))
			delivery := make([]deliveryRow, 0, len(batch))
			for _, farm := range batch {
				row, del, ok := o.farmRow(req, run, priorities, farm)
				if !ok {
					o.logger.WarnContext(gctx, "farm without grid crop context skipped",
						slog.Int64("farm_id", farm.ID))
					continue
				}
				outputs = append(outputs, row)
				if !row.IsEmptyMessage {
					delivery = append(delivery, del)
				}
				if row.IsEmptyMessage {
					o.metrics.DCASErrorRows.WithLabelValues("empty").Inc()
				}
				if row.HasRepetitiveMessage {
					o.metrics.DCASErrorRows.WithLabelValues("repetitive").Inc()
				}
			}
			mu.Lock()
			run.outputs = append(run.outputs, outputs...)
			run.delivery = append(run.delivery, delivery...)
			mu.Unlock()
			return nil
		})

		if len(batch) < o.cfg.PartitionBatchSize {
			break
		}
	}
	return g.Wait()
}

// farmRow joins one registry row against its grid-crop context and runs the
// message rules.
func (o *Orchestrator) farmRow(req *types.DCASRequest, run *runState, priorities map[int]int, farm types.FarmRegistry) (types.DCASOutputRow, deliveryRow, bool) {
	key := MakeGridCropKey(farm.CropID, farm.CropStageTypeID, farm.GridID)
	plan, ok := run.planByKey[key]
	gw := run.weather[key]
	st, hasStage := run.stageByKey[key]
	if !ok || gw == nil || !hasStage {
		return types.DCASOutputRow{}, deliveryRow{}, false
	}

	feats := gw.features(req.RequestDate, o.cfg.PreviousDaysToCheck, st.StartEpoch)
	prevMsg := run.prevFinal[farm.FarmerUniqueID]
	rec := Record{
		CropID:                   farm.CropID,
		GrowthStageID:            st.StageID,
		ConfigID:                 o.cfg.StageConfigID,
		GDDSum:                   gw.total,
		Temperature:              feats["temperature"],
		Humidity:                 feats["humidity"],
		SeasonalPrecipitation:    feats["seasonal_precipitation"],
		PPET:                     feats["ppet"],
		GrowthStagePrecipitation: feats["growth_stage_precipitation"],
		PrevWeekMessage:          prevMsg,
	}
	codes := Prioritize(o.rules.Execute(rec), priorities)
	adv := DeriveAdvisory(codes, prevMsg)

	row := types.DCASOutputRow{
		Date:                 req.RequestDate,
		FarmID:               farm.ID,
		FarmerUniqueID:       farm.FarmerUniqueID,
		CropID:               farm.CropID,
		GridID:               farm.GridID,
		GridCropKey:          key,
		ISOA3:                plan.ISOA3,
		Lat:                  farm.Lat,
		Lon:                  farm.Lon,
		GrowthStageID:        st.StageID,
		GrowthStageStartDate: dayStart(st.StartEpoch),
		Messages:             adv.Messages,
		FinalMessage:         adv.FinalMessage,
		IsEmptyMessage:       adv.IsEmpty,
		HasRepetitiveMessage: adv.HasRepetitive,
		TotalGDD:             gw.total,
		WeatherFeatures:      feats,
	}
	del := deliveryRow{
		Date:           req.RequestDate.Format("2006-01-02"),
		FarmerUniqueID: farm.FarmerUniqueID,
		Crop:           run.crops[farm.CropID].Name,
		GrowthStageID:  st.StageID,
		FinalMessage:   adv.FinalMessage,
		County:         farm.County,
		Subcounty:      farm.Subcounty,
		Ward:           farm.Ward,
		Language:       farm.Language,
	}
	return row, del, true
}

// stagePartitions writes the per-country hive partitions. Re-running the
// same request date overwrites the same partition paths.
func (o *Orchestrator) stagePartitions(ctx context.Context, req *types.DCASRequest, _ *types.Dataset, run *runState) error {
	byISO := make(map[string][]OutputRow)
	for _, r := range run.outputs {
		byISO[r.ISOA3] = append(byISO[r.ISOA3], toOutputRow(r))
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxStageWorkers)
	for iso, rows := range byISO {
		g.Go(func() error {
			sort.Slice(rows, func(i, j int) bool { return rows[i].FarmID < rows[j].FarmID })
			partition := PartitionPath(iso, req.RequestDate)
			local := filepath.Join(run.dir, "out", partition, "data.parquet")
			if err := writeParquet(local, rows); err != nil {
				return err
			}
			key := o.objects.Key(object.KindDCAS, partition+"/data.parquet")
			if err := o.objects.PutFile(gctx, key, local, "application/octet-stream"); err != nil {
				return err
			}
			mu.Lock()
			run.partitions = append(run.partitions, local)
			run.written += len(rows)
			mu.Unlock()
			o.metrics.DCASRowsWritten.Add(float64(len(rows)))
			return nil
		})
	}
	return g.Wait()
}

// stageTriggers emits the delivery CSV and runs the error-log pass over the
// partitions just written.
func (o *Orchestrator) stageTriggers(ctx context.Context, req *types.DCASRequest, _ *types.Dataset, run *runState) error {
	if err := o.writeDeliveryCSV(ctx, req, run); err != nil {
		return err
	}
	return o.errorLogPass(ctx, req, run)
}

func (o *Orchestrator) writeDeliveryCSV(ctx context.Context, req *types.DCASRequest, run *runState) error {
	rows := run.delivery
	sort.Slice(rows, func(i, j int) bool { return rows[i].FarmerUniqueID < rows[j].FarmerUniqueID })

	local := filepath.Join(run.dir, "delivery.csv")
	f, err := os.Create(local)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create delivery csv", err)
	}
	err = gocsv.MarshalFile(&rows, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to write delivery csv", err)
	}

	key := o.objects.Key(object.KindDCAS,
		fmt.Sprintf("delivery/%s.csv", req.RequestDate.Format("2006-01-02")))
	return o.objects.PutFile(ctx, key, local, "text/csv")
}

// errorLogPass copies the flagged rows of the run into the date-keyed error
// log with one SQL pass, replacing any rows from an earlier run of the same
// date.
func (o *Orchestrator) errorLogPass(ctx context.Context, req *types.DCASRequest, run *runState) error {
	if len(run.partitions) == 0 {
		return nil
	}
	engine, err := table.OpenInMemory()
	if err != nil {
		return err
	}
	defer engine.Close()

	quoted := make([]string, len(run.partitions))
	for i, p := range run.partitions {
		quoted[i] = "'" + p + "'"
	}
	query := fmt.Sprintf(
		`SELECT date_epoch, farmer_unique_id, grid_crop_key, final_message, is_empty_message, has_repetitive_message
		 FROM read_parquet([%s])
		 WHERE is_empty_message OR has_repetitive_message`,
		strings.Join(quoted, ", "))

	local := filepath.Join(run.dir, "errors.parquet")
	if err := engine.CopyQueryToParquet(ctx, query, local); err != nil {
		return err
	}
	key := o.objects.Key(object.KindDCAS,
		fmt.Sprintf("error_log/date=%s/errors.parquet", req.RequestDate.Format("2006-01-02")))
	return o.objects.PutFile(ctx, key, local, "application/octet-stream")
}

// writeParquet lands rows at path, creating parent directories.
func writeParquet[T any](path string, rows []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create parquet dir", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create parquet file", err)
	}
	w := parquet.NewGenericWriter[T](f)
	if _, err := w.Write(rows); err != nil {
		f.Close()
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to write parquet rows", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to finish parquet file", err)
	}
	if err := f.Close(); err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to close parquet file", err)
	}
	return nil
}
