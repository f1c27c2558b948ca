// Package ingestor implements the second pipeline stage: densifying
// collector intermediate files into the chunked array store. Each input file
// becomes one slab along the forecast-date axis (or a date range on
// historical stores); values are placed by nearest-coordinate reindexing
// against the store's lat/lon axes and written as chunk-aligned regions by
// a bounded worker pool.
package ingestor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"agromet/internal/config"
	"agromet/internal/grid"
	"agromet/internal/observability"
	"agromet/internal/store/object"
	"agromet/internal/store/table"
	"agromet/internal/store/zarr"
	"agromet/internal/types"
)

const dateLayout = "2006-01-02"

// SessionStore is the session surface the ingestor mutates.
type SessionStore interface {
	MarkRunning(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, status types.SessionStatus, progress *types.SessionProgress, reason string) error
}

// FileStore is the catalog surface for array store file records.
type FileStore interface {
	GetLatest(ctx context.Context, datasetID int64, format types.SourceFileFormat) (*types.DataSourceFile, error)
	Create(ctx context.Context, f *types.DataSourceFile) error
	Promote(ctx context.Context, f *types.DataSourceFile, retire bool) error
}

// CacheInvalidator drops cached reader results for a dataset once its store
// advanced. A nil invalidator disables the hook.
type CacheInvalidator interface {
	InvalidateDataset(ctx context.Context, datasetID int64) error
}

// Runner executes ingestor sessions. It is safe for reuse across sessions;
// per-session state lives in the run method.
type Runner struct {
	cfg      config.IngestorConfig
	objects  object.Store
	sessions SessionStore
	files    FileStore
	cache    CacheInvalidator
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewRunner wires an ingestor Runner.
func NewRunner(
	cfg config.IngestorConfig,
	objects object.Store,
	sessions SessionStore,
	files FileStore,
	cache CacheInvalidator,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		cfg:      cfg,
		objects:  objects,
		sessions: sessions,
		files:    files,
		cache:    cache,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run executes one ingestor session over the given collector intermediate
// files. Inputs are processed in forecast-date order; a slab already present
// in the store is overwritten in place, which makes re-runs idempotent.
func (r *Runner) Run(ctx context.Context, session *types.Session, dataset *types.Dataset, grids []types.Grid, inputs []types.DataSourceFile) error {
	log := r.logger.With("session_id", session.ID, "dataset", dataset.Name)
	start := time.Now()

	if err := r.sessions.MarkRunning(ctx, session.ID); err != nil {
		return err
	}
	if len(dataset.Attributes) == 0 {
		err := types.NewAppError(types.ErrCodeValidationInvalidParams, "dataset has no attributes to ingest", nil)
		r.fail(ctx, session, nil, err)
		return err
	}

	target, created, store, err := r.resolveStore(ctx, dataset)
	if err != nil {
		r.fail(ctx, session, nil, err)
		return err
	}
	if created {
		log.InfoContext(ctx, "created array store", "key", target.Metadata.RemoteURL)
	}

	sort.Slice(inputs, func(i, j int) bool {
		a, b := inputs[i].Metadata, inputs[j].Metadata
		if a.ForecastDate != b.ForecastDate {
			return a.ForecastDate < b.ForecastDate
		}
		return a.StartDate < b.StartDate
	})

	progress := &types.SessionProgress{}
	for i := range inputs {
		if err := r.slab(ctx, store, dataset, grids, &inputs[i], progress); err != nil {
			r.fail(ctx, session, progress, err)
			return err
		}
		progress.CountProcessed++
		r.metrics.SlabsAppended.WithLabelValues(dataset.Name).Inc()
	}

	if err := r.promote(ctx, dataset, target, created, inputs); err != nil {
		r.fail(ctx, session, progress, err)
		return err
	}

	if r.cache != nil {
		if err := r.cache.InvalidateDataset(ctx, dataset.ID); err != nil {
			log.WarnContext(ctx, "reader cache invalidation failed", "error", err)
		}
	}
	if r.cfg.DeleteIntermediateOnDone {
		r.removeIntermediates(ctx, inputs)
	}

	r.metrics.IngestDuration.WithLabelValues(dataset.Name).Observe(time.Since(start).Seconds())
	log.InfoContext(ctx, "ingestor session finished",
		"slabs", progress.CountProcessed, "chunk_errors", progress.CountError)
	return r.sessions.Finish(ctx, session.ID, types.SessionSuccess, progress, "")
}

// resolveStore returns the target store for the dataset: the current latest
// when appendable, or a freshly created one. Retention datasets always get a
// fresh store; the previous latest is retired at promotion time.
func (r *Runner) resolveStore(ctx context.Context, dataset *types.Dataset) (*types.DataSourceFile, bool, *zarr.Store, error) {
	if dataset.RetentionDays == 0 {
		latest, err := r.files.GetLatest(ctx, dataset.ID, types.FormatZarr)
		if err == nil {
			store, err := zarr.Open(ctx, &zarr.ObjectBackend{Store: r.objects, Base: latest.Metadata.RemoteURL})
			if err != nil {
				return nil, false, nil, err
			}
			return latest, false, store, nil
		}
		var appErr *types.AppError
		if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeResourceMissing {
			return nil, false, nil, err
		}
	}

	name := uuid.NewString() + ".zarr"
	key := r.objects.Key(object.KindArrayStore, name)
	store, err := zarr.Create(ctx, &zarr.ObjectBackend{Store: r.objects, Base: key}, r.storeSpec(dataset))
	if err != nil {
		return nil, false, nil, err
	}

	now := time.Now().UTC()
	f := &types.DataSourceFile{
		DatasetID: dataset.ID,
		Name:      name,
		Format:    types.FormatZarr,
		StartTime: now,
		EndTime:   now,
		Metadata:  types.SourceFileMetadata{RemoteURL: key},
	}
	if err := r.files.Create(ctx, f); err != nil {
		return nil, false, nil, err
	}
	return f, true, store, nil
}

// storeSpec builds the layout of a new store from the dataset's registered
// coordinate metadata. The append axis starts empty; slabs extend it.
func (r *Runner) storeSpec(dataset *types.Dataset) zarr.CreateSpec {
	lats := grid.BuildAxis(dataset.LatOrigin, dataset.LatMax, dataset.LatInc)
	lons := grid.BuildAxis(dataset.LonOrigin, dataset.LonMax, dataset.LonInc)

	appendDim := zarr.DimForecastDate
	if dataset.Type == types.DatasetHistorical {
		appendDim = zarr.DimDate
	}

	dims := []zarr.DimSpec{{Name: appendDim, Chunk: r.cfg.ForecastDateChunk}}
	coords := map[string]zarr.Coord{appendDim: zarr.IntCoord(nil)}
	varDims := []string{appendDim}

	if dataset.Type == types.DatasetForecast {
		n := dataset.DayIndexEnd - dataset.DayIndexStart
		idx := make([]int64, n)
		for i := range idx {
			idx[i] = int64(dataset.DayIndexStart + i)
		}
		dims = append(dims, zarr.DimSpec{Name: zarr.DimForecastDayIdx, Chunk: n})
		coords[zarr.DimForecastDayIdx] = zarr.IntCoord(idx)
		varDims = append(varDims, zarr.DimForecastDayIdx)
	}

	if dataset.TimeStep == types.TimeStepHourly {
		hours := make([]int64, 24)
		for i := range hours {
			hours[i] = int64(i)
		}
		dims = append(dims, zarr.DimSpec{Name: zarr.DimTime, Chunk: 24})
		coords[zarr.DimTime] = zarr.IntCoord(hours)
		varDims = append(varDims, zarr.DimTime)
	}

	dims = append(dims,
		zarr.DimSpec{Name: zarr.DimLat, Chunk: r.cfg.LatChunk},
		zarr.DimSpec{Name: zarr.DimLon, Chunk: r.cfg.LonChunk},
	)
	coords[zarr.DimLat] = zarr.FloatCoord(lats)
	coords[zarr.DimLon] = zarr.FloatCoord(lons)
	varDims = append(varDims, zarr.DimLat, zarr.DimLon)

	vars := make([]zarr.VarSpec, 0, len(dataset.Attributes))
	for i, a := range dataset.Attributes {
		vars = append(vars, zarr.VarSpec{
			Name:        a.Canonical,
			Dims:        varDims,
			BandNumber:  i + 1,
			Description: a.Source + " (" + a.Unit + ")",
		})
	}

	return zarr.CreateSpec{Dims: dims, Coords: coords, Vars: vars, CRS: "EPSG:4326"}
}

// slabPlacement locates one input file's rows along the leading (non-spatial)
// dimensions of the store variables.
type slabPlacement struct {
	offset []int
	shape  []int
	// index returns the leading indices of a row relative to offset, or
	// false when the row falls outside the slab window.
	index func(row *table.WeatherRow) ([]int, bool)
}

// slab densifies one intermediate file and writes it into the store region
// by region. Reindex inconsistencies abort the slab; individual chunk write
// failures are recorded and the remaining chunks still go through.
func (r *Runner) slab(ctx context.Context, store *zarr.Store, dataset *types.Dataset, grids []types.Grid, file *types.DataSourceFile, progress *types.SessionProgress) error {
	local, err := r.fetchIntermediate(ctx, file)
	if err != nil {
		return err
	}
	engine, err := table.OpenReadOnly(local)
	if err != nil {
		return err
	}
	defer engine.Close()

	placement, err := r.placement(ctx, store, dataset, file)
	if err != nil {
		return err
	}

	latCoord, ok := store.Coord(zarr.DimLat)
	if !ok {
		return types.NewAppError(types.ErrCodeStoreInconsistent, "store has no latitude coordinate", nil)
	}
	lonCoord, _ := store.Coord(zarr.DimLon)
	latAxis, lonAxis := latCoord.Floats, lonCoord.Floats

	// Region alignment follows the chunk lengths recorded in the store, not
	// the current configuration: a store created under older tunables keeps
	// its layout.
	varName := dataset.Attributes[0].Canonical
	meta, ok := store.Meta(varName)
	if !ok {
		return types.NewAppError(types.ErrCodeStoreInconsistent,
			fmt.Sprintf("store has no variable %q", varName), nil)
	}
	rank := len(meta.Shape)
	latChunk, lonChunk := meta.Chunks[rank-2], meta.Chunks[rank-1]

	latRanges := grid.ChunkRanges(len(latAxis), latChunk)
	lonRanges := grid.ChunkRanges(len(lonAxis), lonChunk)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxChunkWorkers)
	for _, lr := range latRanges {
		for _, lnr := range lonRanges {
			g.Go(func() error {
				err := r.writeChunkRegion(gctx, store, engine, dataset, grids, placement, latAxis, lonAxis, lr, lnr)
				if err == nil {
					r.metrics.RegionsWritten.WithLabelValues(dataset.Name, "success").Inc()
					return nil
				}
				r.metrics.RegionsWritten.WithLabelValues(dataset.Name, "error").Inc()
				if isStoreInconsistent(err) {
					// A coordinate that cannot be mapped means the source and
					// the registry disagree; the slab must not land partially.
					return err
				}
				r.logger.ErrorContext(gctx, "chunk region write failed",
					"dataset", dataset.Name, "file_id", file.ID,
					"lat_range", lr, "lon_range", lnr, "error", err)
				mu.Lock()
				progress.CountError++
				mu.Unlock()
				return nil
			})
		}
	}
	return g.Wait()
}

// placement resolves where the file's rows land along the leading store
// dimensions, appending a new slab to the append axis when needed.
func (r *Runner) placement(ctx context.Context, store *zarr.Store, dataset *types.Dataset, file *types.DataSourceFile) (*slabPlacement, error) {
	hourly := dataset.TimeStep == types.TimeStepHourly

	if dataset.Type == types.DatasetForecast {
		if file.Metadata.ForecastDate == "" {
			return nil, types.NewAppError(types.ErrCodeValidationMissingField,
				fmt.Sprintf("input file %d has no forecast date", file.ID), nil)
		}
		fd, err := time.Parse(dateLayout, file.Metadata.ForecastDate)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidDateRange,
				fmt.Sprintf("input file %d has a malformed forecast date", file.ID), err)
		}
		fdDay := epochDay(fd)

		coord, _ := store.Coord(zarr.DimForecastDate)
		fdIdx := zarr.IndexOfInt(coord, fdDay)
		if fdIdx < 0 {
			if err := store.AppendAlong(ctx, zarr.DimForecastDate, zarr.IntCoord([]int64{fdDay})); err != nil {
				return nil, err
			}
			coord, _ = store.Coord(zarr.DimForecastDate)
			fdIdx = coord.Len() - 1
		}

		dayCoord, _ := store.Coord(zarr.DimForecastDayIdx)
		offset := []int{fdIdx, 0}
		shape := []int{1, dayCoord.Len()}
		if hourly {
			offset = append(offset, 0)
			shape = append(shape, 24)
		}
		return &slabPlacement{
			offset: offset,
			shape:  shape,
			index: func(row *table.WeatherRow) ([]int, bool) {
				di := zarr.IndexOfInt(dayCoord, epochDay(row.Date)-fdDay)
				if di < 0 {
					return nil, false
				}
				if hourly {
					return []int{0, di, hourOf(row.Time)}, true
				}
				return []int{0, di}, true
			},
		}, nil
	}

	// Historical stores index rows by date directly. The file window extends
	// the date axis with any days past the current end; earlier days
	// overwrite in place.
	startDay, endDay, err := fileWindow(file)
	if err != nil {
		return nil, err
	}
	coord, _ := store.Coord(zarr.DimDate)
	var missing []int64
	for d := startDay; d <= endDay; d++ {
		if zarr.IndexOfInt(coord, d) < 0 {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		if coord.Len() > 0 && missing[0] <= coord.Ints[coord.Len()-1] {
			return nil, types.NewAppError(types.ErrCodeStoreInconsistent,
				"input window interleaves with existing dates on the store", nil)
		}
		if err := store.AppendAlong(ctx, zarr.DimDate, zarr.IntCoord(missing)); err != nil {
			return nil, err
		}
		coord, _ = store.Coord(zarr.DimDate)
	}

	lo := zarr.IndexOfInt(coord, startDay)
	hi := zarr.IndexOfInt(coord, endDay)
	dateCoord := coord
	offset := []int{lo}
	shape := []int{hi - lo + 1}
	if hourly {
		offset = append(offset, 0)
		shape = append(shape, 24)
	}
	return &slabPlacement{
		offset: offset,
		shape:  shape,
		index: func(row *table.WeatherRow) ([]int, bool) {
			di := zarr.IndexOfInt(dateCoord, epochDay(row.Date))
			if di < lo || di > hi {
				return nil, false
			}
			if hourly {
				return []int{di - lo, hourOf(row.Time)}, true
			}
			return []int{di - lo}, true
		},
	}, nil
}

// writeChunkRegion densifies and writes one lat/lon chunk range for every
// dataset attribute.
func (r *Runner) writeChunkRegion(
	ctx context.Context,
	store *zarr.Store,
	engine *table.Engine,
	dataset *types.Dataset,
	grids []types.Grid,
	placement *slabPlacement,
	latAxis, lonAxis []float64,
	latRange, lonRange [2]int,
) error {
	gridIDs := gridsInRange(dataset, grids, latAxis, lonAxis, latRange, lonRange)
	if len(gridIDs) == 0 {
		return nil
	}

	attrs := make([]string, len(dataset.Attributes))
	for i, a := range dataset.Attributes {
		attrs[i] = a.Canonical
	}
	rows, err := engine.WeatherRows(ctx, attrs, gridIDs)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	latMap, err := mapSourceCoords(rows, rowLat, latAxis, r.cfg.ReindexTolerance, r.cfg.FixIncremented)
	if err != nil {
		return err
	}
	lonMap, err := mapSourceCoords(rows, rowLon, lonAxis, r.cfg.ReindexTolerance, r.cfg.FixIncremented)
	if err != nil {
		return err
	}

	latLen := latRange[1] - latRange[0]
	lonLen := lonRange[1] - lonRange[0]
	shape := append(append([]int(nil), placement.shape...), latLen, lonLen)

	dense := make([]*zarr.Array, len(attrs))
	for i := range dense {
		dense[i] = zarr.NewArray(shape)
	}

	for i := range rows {
		row := &rows[i]
		leading, ok := placement.index(row)
		if !ok {
			continue
		}
		li, lj := latMap[row.Lat], lonMap[row.Lon]
		if li < 0 || lj < 0 {
			continue // out-of-tolerance coordinate skipped under fix_incremented
		}
		if li < latRange[0] || li >= latRange[1] || lj < lonRange[0] || lj >= lonRange[1] {
			continue
		}
		idx := append(append([]int(nil), leading...), li-latRange[0], lj-lonRange[0])
		for k, v := range row.Values {
			dense[k].Set(float32(v), idx...)
		}
	}

	offset := append(append([]int(nil), placement.offset...), latRange[0], lonRange[0])
	for k, a := range attrs {
		if err := store.WriteRegion(ctx, a, offset, dense[k]); err != nil {
			return err
		}
	}
	return nil
}

// promote records the final time window on the store file and makes it the
// unique latest. A fresh store on a retention dataset retires the previous
// latest; its objects are removed later by the cleanup sweep.
func (r *Runner) promote(ctx context.Context, dataset *types.Dataset, f *types.DataSourceFile, created bool, inputs []types.DataSourceFile) error {
	lo, hi := f.StartTime, f.EndTime
	if created {
		lo, hi = time.Time{}, time.Time{}
	}
	for i := range inputs {
		s, e, err := fileTimes(&inputs[i])
		if err != nil {
			return err
		}
		if lo.IsZero() || s.Before(lo) {
			lo = s
		}
		if hi.IsZero() || e.After(hi) {
			hi = e
		}
	}
	f.StartTime, f.EndTime = lo, hi
	f.Metadata.StartDate = lo.Format(dateLayout)
	f.Metadata.EndDate = hi.Format(dateLayout)

	retire := created && dataset.RetentionDays > 0
	return r.files.Promote(ctx, f, retire)
}

// fetchIntermediate ensures the input's DuckDB file is on local disk.
func (r *Runner) fetchIntermediate(ctx context.Context, file *types.DataSourceFile) (string, error) {
	if err := os.MkdirAll(r.cfg.WorkDir, 0o755); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create ingestor work dir", err)
	}
	if file.Metadata.RemoteURL == "" {
		return "", types.NewAppError(types.ErrCodeResourceMissing,
			fmt.Sprintf("input file %d has no remote object", file.ID), nil)
	}
	local := filepath.Join(r.cfg.WorkDir, filepath.Base(file.Metadata.RemoteURL))
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	if err := r.objects.GetFile(ctx, file.Metadata.RemoteURL, local); err != nil {
		return "", err
	}
	return local, nil
}

// removeIntermediates deletes consumed inputs remote-first. Failures only
// warn; the retention sweep picks up leftovers.
func (r *Runner) removeIntermediates(ctx context.Context, inputs []types.DataSourceFile) {
	for i := range inputs {
		f := &inputs[i]
		if f.Metadata.RemoteURL == "" {
			continue
		}
		if err := r.objects.Remove(ctx, f.Metadata.RemoteURL); err != nil {
			r.logger.WarnContext(ctx, "failed to remove intermediate object",
				"file_id", f.ID, "key", f.Metadata.RemoteURL, "error", err)
			continue
		}
		local := filepath.Join(r.cfg.WorkDir, filepath.Base(f.Metadata.RemoteURL))
		if err := os.Remove(local); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.WarnContext(ctx, "failed to remove local intermediate",
				"path", local, "error", err)
		}
	}
}

func (r *Runner) fail(ctx context.Context, session *types.Session, progress *types.SessionProgress, cause error) {
	reason := fmt.Sprintf("ingestor failed: %v", cause)
	if err := r.sessions.Finish(ctx, session.ID, types.SessionFailed, progress, reason); err != nil {
		r.logger.ErrorContext(ctx, "failed to record session failure",
			"session_id", session.ID, "error", err)
	}
}

// gridsInRange returns the IDs of registry cells whose axis indices fall in
// the given chunk ranges. Registry centroids sit exactly on the axis, so the
// index is plain increment arithmetic.
func gridsInRange(dataset *types.Dataset, grids []types.Grid, latAxis, lonAxis []float64, latRange, lonRange [2]int) []int64 {
	var ids []int64
	for i := range grids {
		g := &grids[i]
		li := int(math.Round((g.Lat - latAxis[0]) / dataset.LatInc))
		lj := int(math.Round((g.Lon - lonAxis[0]) / dataset.LonInc))
		if li < latRange[0] || li >= latRange[1] || lj < lonRange[0] || lj >= lonRange[1] {
			continue
		}
		if li >= len(latAxis) || lj >= len(lonAxis) || li < 0 || lj < 0 {
			continue
		}
		ids = append(ids, g.ID)
	}
	return ids
}

// mapSourceCoords reindexes the distinct source coordinates of a row set
// onto the store axis and returns a value-to-index lookup. Indices of -1
// mark out-of-tolerance values accepted under fix_incremented.
func mapSourceCoords(rows []table.WeatherRow, pick func(*table.WeatherRow) float64, axis []float64, tol float64, fixIncremented bool) (map[float64]int, error) {
	seen := make(map[float64]struct{})
	var src []float64
	for i := range rows {
		v := pick(&rows[i])
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		src = append(src, v)
	}
	sort.Float64s(src)

	idx, err := grid.MapCoords(src, axis, tol, fixIncremented)
	if err != nil {
		return nil, err
	}
	out := make(map[float64]int, len(src))
	for i, v := range src {
		out[v] = idx[i]
	}
	return out, nil
}

func rowLat(r *table.WeatherRow) float64 { return r.Lat }
func rowLon(r *table.WeatherRow) float64 { return r.Lon }

// fileWindow returns the [start, end] epoch-day window recorded on an input.
func fileWindow(f *types.DataSourceFile) (int64, int64, error) {
	s, e, err := fileTimes(f)
	if err != nil {
		return 0, 0, err
	}
	return epochDay(s), epochDay(e), nil
}

func fileTimes(f *types.DataSourceFile) (time.Time, time.Time, error) {
	s, err := time.Parse(dateLayout, f.Metadata.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, types.NewAppError(types.ErrCodeValidationInvalidDateRange,
			fmt.Sprintf("input file %d has a malformed start date", f.ID), err)
	}
	e, err := time.Parse(dateLayout, f.Metadata.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, types.NewAppError(types.ErrCodeValidationInvalidDateRange,
			fmt.Sprintf("input file %d has a malformed end date", f.ID), err)
	}
	return s, e, nil
}

// epochDay converts a timestamp to whole days since the Unix epoch, ignoring
// the intra-day component.
func epochDay(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

// hourOf extracts the hour from an "HH:MM:SS" intra-day offset.
func hourOf(ts string) int {
	if len(ts) < 2 {
		return 0
	}
	h, err := strconv.Atoi(ts[:2])
	if err != nil {
		return 0
	}
	return h
}

func isStoreInconsistent(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeStoreInconsistent
}
