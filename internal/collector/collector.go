// Package collector implements the first pipeline stage: fetching forecast
// values per grid cell from a rate-limited upstream API into a resumable
// DuckDB intermediate file, then persisting the file to object storage.
//
// All long-lived collector state (queue, semaphore, rate limiter) is
// constructed per session.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"agromet/internal/config"
	"agromet/internal/observability"
	"agromet/internal/provider"
	"agromet/internal/store/object"
	"agromet/internal/store/table"
	"agromet/internal/types"
)

// SessionStore is the session surface the collector mutates.
type SessionStore interface {
	MarkRunning(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, status types.SessionStatus, progress *types.SessionProgress, reason string) error
	AttachFile(ctx context.Context, sessionID string, fileID int64) error
}

// FileStore is the catalog surface for the intermediate file record.
type FileStore interface {
	Create(ctx context.Context, f *types.DataSourceFile) error
	UpdateMetadata(ctx context.Context, id int64, meta types.SourceFileMetadata) error
}

// CancelPoller is the cancel-flag surface polled at suspension points.
// Satisfied by *CancelFlag.
type CancelPoller interface {
	IsSet(ctx context.Context, sessionID string) bool
}

// Window is the fetch date range of one run, inclusive on both ends.
type Window struct {
	Start time.Time
	End   time.Time
}

// Runner executes collector sessions. It is safe for reuse across sessions;
// per-session state lives in the run method.
type Runner struct {
	cfg      config.CollectorConfig
	objects  object.Store
	fetcher  provider.Fetcher
	sessions SessionStore
	files    FileStore
	cancel   CancelPoller
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewRunner wires a collector Runner.
func NewRunner(
	cfg config.CollectorConfig,
	objects object.Store,
	fetcher provider.Fetcher,
	sessions SessionStore,
	files FileStore,
	cancel CancelPoller,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		cfg:      cfg,
		objects:  objects,
		fetcher:  fetcher,
		sessions: sessions,
		files:    files,
		cancel:   cancel,
		metrics:  metrics,
		logger:   logger,
	}
}

// progressTracker accumulates session progress under a lock shared by all
// producers.
type progressTracker struct {
	mu sync.Mutex
	p  types.SessionProgress
}

func (t *progressTracker) processed() {
	t.mu.Lock()
	t.p.CountProcessed++
	t.mu.Unlock()
}

func (t *progressTracker) failed(gridID int64, statusCode int) {
	t.mu.Lock()
	t.p.CountError++
	t.p.ErrorGrids = append(t.p.ErrorGrids, gridID)
	if statusCode > 0 {
		if t.p.StatusCodesError == nil {
			t.p.StatusCodesError = map[string]int{}
		}
		t.p.StatusCodesError[strconv.Itoa(statusCode)]++
	}
	t.mu.Unlock()
}

func (t *progressTracker) snapshot() *types.SessionProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := t.p
	cp.ErrorGrids = append([]int64(nil), t.p.ErrorGrids...)
	return &cp
}

// Run executes one collector session over the given grids and date window.
// The session must be in pending or running state. Completed grids present
// in a resumed intermediate file are skipped.
func (r *Runner) Run(ctx context.Context, session *types.Session, dataset *types.Dataset, grids []types.Grid, window Window) error {
	log := r.logger.With("session_id", session.ID, "dataset", dataset.Name)
	r.metrics.CollectorActive.Inc()
	defer r.metrics.CollectorActive.Dec()

	if err := r.sessions.MarkRunning(ctx, session.ID); err != nil {
		return err
	}

	engine, localPath, resumed, err := r.openIntermediate(ctx, session, dataset)
	if err != nil {
		r.fail(ctx, session, nil, err)
		return err
	}
	defer engine.Close()
	if resumed {
		log.InfoContext(ctx, "resuming from existing intermediate file", "path", localPath)
	}

	tracker := &progressTracker{}
	runErr := r.collect(ctx, session, dataset, grids, window, engine, tracker)

	switch {
	case runErr == nil && r.cancel.IsSet(ctx, session.ID):
		// Producers drained because the flag went up mid-run.
		log.InfoContext(ctx, "collector session stopped by cancel flag")
		return r.sessions.Finish(ctx, session.ID, types.SessionStopped, tracker.snapshot(), "cancelled")
	case runErr != nil:
		// The intermediate file is left in place for a later resume.
		r.fail(ctx, session, tracker, runErr)
		return runErr
	}

	if err := r.finalize(ctx, session, dataset, engine, localPath, tracker); err != nil {
		r.fail(ctx, session, tracker, err)
		return err
	}

	progress := tracker.snapshot()
	log.InfoContext(ctx, "collector session finished",
		"processed", progress.CountProcessed, "errors", progress.CountError)
	return r.sessions.Finish(ctx, session.ID, types.SessionSuccess, progress, "")
}

// openIntermediate resolves the session's local intermediate file, pulling
// a previously uploaded copy from object storage when resuming.
func (r *Runner) openIntermediate(ctx context.Context, session *types.Session, dataset *types.Dataset) (*table.Engine, string, bool, error) {
	if err := os.MkdirAll(r.cfg.WorkDir, 0o755); err != nil {
		return nil, "", false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create collector work dir", err)
	}
	localPath := filepath.Join(r.cfg.WorkDir, session.ID+".duckdb")

	resumed := false
	if _, err := os.Stat(localPath); errors.Is(err, os.ErrNotExist) {
		remoteKey := r.objects.Key(object.KindIntermediate, session.ID+".duckdb")
		if ok, err := r.objects.Exists(ctx, remoteKey); err == nil && ok {
			if err := r.objects.GetFile(ctx, remoteKey, localPath); err != nil {
				return nil, "", false, err
			}
			resumed = true
		}
	} else {
		resumed = true
	}

	engine, err := table.Open(localPath)
	if err != nil {
		return nil, "", false, err
	}
	if err := engine.CreateWeatherTable(ctx, canonicalAttrs(dataset)); err != nil {
		engine.Close()
		return nil, "", false, err
	}
	return engine, localPath, resumed, nil
}

// collect runs the producer pool and the single consumer until every grid
// is fetched, cancelled, or failed.
func (r *Runner) collect(ctx context.Context, session *types.Session, dataset *types.Dataset, grids []types.Grid, window Window, engine *table.Engine, tracker *progressTracker) error {
	queue := make(chan []table.WeatherRow, r.cfg.QueueSize)
	limiter := rate.NewLimiter(rate.Limit(r.cfg.RateLimitPerSecond), r.cfg.RateLimitPerSecond)
	sem := semaphore.NewWeighted(int64(r.cfg.MaxConcurrentRequests))

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- r.consume(ctx, session.ID, dataset, engine, queue, tracker)
	}()

	fields := sourceAttrs(dataset)
	timestep := provider.TimestepDaily
	if dataset.TimeStep == types.TimeStepHourly {
		timestep = provider.TimestepHourly
	}

	var wg sync.WaitGroup
producers:
	for i := range grids {
		grid := grids[i]

		if r.cancel.IsSet(ctx, session.ID) || ctx.Err() != nil {
			break producers
		}

		done, err := engine.HasGrid(ctx, grid.ID)
		if err != nil {
			wg.Wait()
			close(queue)
			<-consumerDone
			return err
		}
		if done {
			r.metrics.GridsFetched.WithLabelValues(string(dataset.Provider), "skipped").Inc()
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			break producers
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break producers
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			if r.cancel.IsSet(ctx, session.ID) {
				return
			}

			reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
			defer cancel()

			start := time.Now()
			intervals, err := r.fetcher.FetchGrid(reqCtx, grid.Lat, grid.Lon, fields, timestep, window.Start, window.End)
			r.metrics.FetchDuration.WithLabelValues(string(dataset.Provider)).Observe(time.Since(start).Seconds())
			if err != nil {
				tracker.failed(grid.ID, statusCodeOf(err))
				r.metrics.GridsFetched.WithLabelValues(string(dataset.Provider), "error").Inc()
				r.logger.ErrorContext(ctx, "grid fetch failed",
					"session_id", session.ID, "grid_id", grid.ID, "error", err)
				return
			}

			rows := intervalsToRows(dataset, grid, intervals)
			if r.cancel.IsSet(ctx, session.ID) {
				// Drop the payload on cancel; the grid stays incomplete and a
				// resumed run refetches it.
				return
			}
			select {
			case queue <- rows:
				tracker.processed()
				r.metrics.GridsFetched.WithLabelValues(string(dataset.Provider), "success").Inc()
			case <-ctx.Done():
			}
		}()
	}

	wg.Wait()
	close(queue)
	return <-consumerDone
}

// consume drains the queue into the intermediate table in transactional
// batches. On cancel it flushes the current batch and exits.
func (r *Runner) consume(ctx context.Context, sessionID string, dataset *types.Dataset, engine *table.Engine, queue <-chan []table.WeatherRow, tracker *progressTracker) error {
	attrs := canonicalAttrs(dataset)
	batch := make([]table.WeatherRow, 0, r.cfg.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := engine.InsertWeatherBatch(ctx, attrs, batch); err != nil {
			return err
		}
		r.metrics.BatchesFlushed.Inc()
		batch = batch[:0]
		return nil
	}

	// Draining on early exit keeps producers from blocking on a dead
	// consumer; they finish, the queue closes, and the drain ends.
	drain := func() {
		for range queue {
		}
	}

	for rows := range queue {
		batch = append(batch, rows...)
		if len(batch) >= r.cfg.BatchSize {
			if err := flush(); err != nil {
				drain()
				return err
			}
		}
		if r.cancel.IsSet(ctx, sessionID) {
			err := flush()
			drain()
			return err
		}
	}
	return flush()
}

// finalize uploads the intermediate file and records its catalog row.
func (r *Runner) finalize(ctx context.Context, session *types.Session, dataset *types.Dataset, engine *table.Engine, localPath string, tracker *progressTracker) error {
	start, end, err := engine.DateRange(ctx)
	if err != nil {
		return err
	}
	if err := engine.Close(); err != nil {
		return types.NewAppError(types.ErrCodeInternalTableEngine, "failed to close intermediate file", err)
	}

	name := session.ID + ".duckdb"
	remoteKey := r.objects.Key(object.KindIntermediate, name)
	if err := r.objects.PutFile(ctx, remoteKey, localPath, "application/octet-stream"); err != nil {
		return err
	}

	info, err := os.Stat(localPath)
	if err == nil {
		tracker.mu.Lock()
		tracker.p.FileSize = info.Size()
		tracker.mu.Unlock()
	}

	progress := tracker.snapshot()
	file := &types.DataSourceFile{
		DatasetID: dataset.ID,
		Name:      name,
		Format:    types.FormatDuckDB,
		StartTime: start,
		EndTime:   end,
		Metadata: types.SourceFileMetadata{
			ForecastDate: session.LogicalDate.Format("2006-01-02"),
			RemoteURL:    remoteKey,
			TotalGrid:    progress.CountProcessed,
			StartDate:    start.Format("2006-01-02"),
			EndDate:      end.Format("2006-01-02"),
		},
	}
	if err := r.files.Create(ctx, file); err != nil {
		return err
	}
	return r.sessions.AttachFile(ctx, session.ID, file.ID)
}

func (r *Runner) fail(ctx context.Context, session *types.Session, tracker *progressTracker, cause error) {
	var progress *types.SessionProgress
	if tracker != nil {
		progress = tracker.snapshot()
	}
	reason := fmt.Sprintf("collector failed: %v", cause)
	if err := r.sessions.Finish(ctx, session.ID, types.SessionFailed, progress, reason); err != nil {
		r.logger.ErrorContext(ctx, "failed to record session failure",
			"session_id", session.ID, "error", err)
	}
}

// intervalsToRows converts provider intervals into intermediate table rows
// with values in dataset attribute order. Attributes the provider omitted
// from an interval densify to NaN, never to a fabricated zero.
func intervalsToRows(dataset *types.Dataset, grid types.Grid, intervals []provider.Interval) []table.WeatherRow {
	rows := make([]table.WeatherRow, 0, len(intervals))
	for _, iv := range intervals {
		values := make([]float64, len(dataset.Attributes))
		for i, attr := range dataset.Attributes {
			v, ok := iv.Values[attr.Source]
			if !ok {
				v = math.NaN()
			}
			values[i] = v
		}
		ts := "00:00:00"
		if dataset.TimeStep == types.TimeStepHourly {
			ts = iv.StartTime.UTC().Format("15:04:05")
		}
		rows = append(rows, table.WeatherRow{
			GridID: grid.ID,
			Lat:    grid.Lat,
			Lon:    grid.Lon,
			Date:   iv.StartTime.UTC(),
			Time:   ts,
			Values: values,
		})
	}
	return rows
}

func canonicalAttrs(d *types.Dataset) []string {
	out := make([]string, len(d.Attributes))
	for i, a := range d.Attributes {
		out[i] = a.Canonical
	}
	return out
}

func sourceAttrs(d *types.Dataset) []string {
	out := make([]string, len(d.Attributes))
	for i, a := range d.Attributes {
		out[i] = a.Source
	}
	return out
}

func statusCodeOf(err error) int {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		if v, ok := appErr.Details["status_code"].(int); ok {
			return v
		}
	}
	return 0
}
