// Package jobs tracks read/export requests as Job rows: deduplication by
// normalized parameter hash, inline and asynchronous execution, file-backed
// outputs in the object store, and retention cleanup.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"agromet/internal/config"
	"agromet/internal/observability"
	"agromet/internal/reader"
	"agromet/internal/store/object"
	"agromet/internal/types"
)

// JobStore is the catalog surface the executor needs.
type JobStore interface {
	Create(ctx context.Context, j *types.Job) error
	GetByID(ctx context.Context, id string) (*types.Job, error)
	FindReusable(ctx context.Context, paramsHash string, notBefore time.Time) (*types.Job, error)
	MarkRunning(ctx context.Context, id string) error
	Finish(ctx context.Context, j *types.Job) error
	Touch(ctx context.Context, id string) error
	ListExpired(ctx context.Context, cutoff time.Time) ([]types.Job, error)
	Delete(ctx context.Context, id string) error
}

// ResultReader executes a validated query. Satisfied by *reader.Service.
type ResultReader interface {
	Read(ctx context.Context, q reader.Query) (*reader.Result, error)
}

// ResultCache is the rendered-file cache. Satisfied by *reader.Cache.
type ResultCache interface {
	Lookup(ctx context.Context, datasetID int64, hash, ext string) (string, bool, error)
	Store(ctx context.Context, datasetID int64, hash, ext, localPath string) (string, error)
}

// Executor runs read/export jobs.
type Executor struct {
	cfg           config.JobsConfig
	presignExpiry time.Duration
	jobs          JobStore
	reader        ResultReader
	cache         ResultCache
	objects       object.Store
	metrics       *observability.Metrics
	logger        *slog.Logger
	now           func() time.Time
}

// NewExecutor wires the job executor.
func NewExecutor(cfg config.JobsConfig, presignExpiry time.Duration, jobs JobStore, rd ResultReader, cache ResultCache, objects object.Store, metrics *observability.Metrics, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:           cfg,
		presignExpiry: presignExpiry,
		jobs:          jobs,
		reader:        rd,
		cache:         cache,
		objects:       objects,
		metrics:       metrics,
		logger:        logger.With(slog.String("component", "jobs")),
		now:           time.Now,
	}
}

// Submit validates the query and creates a job for it. When a prior
// successful job with the same parameter hash still has its output, the new
// job binds that output and returns already finished.
func (e *Executor) Submit(ctx context.Context, userID string, q reader.Query) (*types.Job, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	job := &types.Job{
		ID:         uuid.NewString(),
		UserID:     userID,
		ParamsHash: q.ParamsHash(),
		Status:     types.JobPending,
		OutputType: q.Output,
	}

	notBefore := e.now().AddDate(0, 0, -e.cfg.RetentionDays)
	prior, err := e.jobs.FindReusable(ctx, job.ParamsHash, notBefore)
	if err != nil {
		return nil, err
	}
	if prior != nil && e.outputStillExists(ctx, prior) {
		if err := e.jobs.Create(ctx, job); err != nil {
			return nil, err
		}
		job.Status = types.JobSuccess
		job.OutputKey = prior.OutputKey
		job.OutputJSON = prior.OutputJSON
		if err := e.jobs.Finish(ctx, job); err != nil {
			return nil, err
		}
		if err := e.jobs.Touch(ctx, prior.ID); err != nil {
			e.logger.WarnContext(ctx, "failed to touch reused job",
				slog.String("job_id", prior.ID), slog.Any("error", err))
		}
		return job, nil
	}

	if err := e.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (e *Executor) outputStillExists(ctx context.Context, j *types.Job) bool {
	if j.OutputKey == "" {
		return len(j.OutputJSON) > 0
	}
	ok, err := e.objects.Exists(ctx, j.OutputKey)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to stat reusable output",
			slog.String("key", j.OutputKey), slog.Any("error", err))
		return false
	}
	return ok
}

// Execute runs a pending job to completion and records its terminal state.
func (e *Executor) Execute(ctx context.Context, job *types.Job, q reader.Query) error {
	if job.Done() {
		return nil
	}
	if err := e.jobs.MarkRunning(ctx, job.ID); err != nil {
		return err
	}
	job.Status = types.JobRunning

	if err := e.produce(ctx, job, q); err != nil {
		job.Status = types.JobFailed
		job.Errors = append(job.Errors, err.Error())
		if ferr := e.jobs.Finish(ctx, job); ferr != nil {
			e.logger.ErrorContext(ctx, "failed to record job failure",
				slog.String("job_id", job.ID), slog.Any("error", ferr))
		}
		return err
	}

	job.Status = types.JobSuccess
	return e.jobs.Finish(ctx, job)
}

// produce renders the job output: inline JSON for json queries, an
// object-store file for csv/netcdf. File outputs consult the rendered-file
// cache before reading any store.
func (e *Executor) produce(ctx context.Context, job *types.Job, q reader.Query) error {
	hash := job.ParamsHash
	ext := reader.Ext(q.Output)

	if ext != "" {
		key, ok, err := e.cache.Lookup(ctx, q.Dataset.ID, hash, ext)
		if err != nil {
			return err
		}
		if ok {
			e.metrics.ReaderCacheHit.WithLabelValues("hit").Inc()
			job.OutputKey = key
			return nil
		}
		e.metrics.ReaderCacheHit.WithLabelValues("miss").Inc()
	}

	res, err := e.reader.Read(ctx, q)
	if err != nil {
		return err
	}
	if res.IsEmpty() {
		return types.NewAppError(types.ErrCodeNotFoundData,
			"no data found for the requested parameters", nil)
	}

	if q.Output == types.OutputJSON {
		payload, err := res.JSON()
		if err != nil {
			return err
		}
		job.OutputJSON = payload
		return nil
	}

	tmp, err := os.CreateTemp("", "agromet-job-*."+ext)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create job temp file", err)
	}
	defer os.Remove(tmp.Name())

	switch ext {
	case "csv":
		err = res.WriteCSV(tmp)
	case "nc":
		err = res.WriteNetCDF(tmp)
	default:
		err = types.NewAppError(types.ErrCodeValidationInvalidOutput,
			fmt.Sprintf("unsupported output type %q", q.Output), nil)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	key, err := e.cache.Store(ctx, q.Dataset.ID, hash, ext, tmp.Name())
	if err != nil {
		return err
	}
	job.OutputKey = key
	return nil
}

// RunInline submits and executes the job on the caller's goroutine.
func (e *Executor) RunInline(ctx context.Context, userID string, q reader.Query) (*types.Job, error) {
	job, err := e.Submit(ctx, userID, q)
	if err != nil {
		return nil, err
	}
	if job.Done() {
		return job, nil
	}
	if err := e.Execute(ctx, job, q); err != nil {
		return job, err
	}
	return job, nil
}

// RunAsync submits the job and executes it in the background, bounded by
// the inline wait timeout. The returned job is pending unless a prior
// output was reused.
func (e *Executor) RunAsync(ctx context.Context, userID string, q reader.Query) (*types.Job, error) {
	job, err := e.Submit(ctx, userID, q)
	if err != nil {
		return nil, err
	}
	if job.Done() {
		return job, nil
	}
	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), e.cfg.InlineWaitTimeout)
		defer cancel()
		if err := e.Execute(runCtx, job, q); err != nil {
			e.logger.Error("async job failed",
				slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}()
	return job, nil
}

// Wait long-polls a job until it reaches a terminal state, the wait budget
// elapses, or the context is cancelled. The latest job row is returned in
// every case.
func (e *Executor) Wait(ctx context.Context, jobID string) (*types.Job, error) {
	deadline := e.now().Add(e.cfg.InlineWaitTimeout)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := e.jobs.GetByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Done() || !e.now().Before(deadline) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PresignOutput returns a time-limited download URL for a file-backed
// output.
func (e *Executor) PresignOutput(ctx context.Context, job *types.Job) (string, error) {
	if job.OutputKey == "" {
		return "", types.NewAppError(types.ErrCodeValidationInvalidOutput,
			"job has no file-backed output", nil)
	}
	return e.objects.Presign(ctx, job.OutputKey, e.presignExpiry)
}

// Cleanup retires finished jobs whose last access is older than the
// retention window. The remote object is removed first; the row is only
// deleted once the object is gone, so a failed remove retries next sweep.
func (e *Executor) Cleanup(ctx context.Context) (int, error) {
	cutoff := e.now().AddDate(0, 0, -e.cfg.RetentionDays)
	expired, err := e.jobs.ListExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var removed int
	var firstErr error
	for i := range expired {
		j := &expired[i]
		if j.OutputKey != "" {
			if err := e.objects.Remove(ctx, j.OutputKey); err != nil {
				e.logger.WarnContext(ctx, "failed to remove expired job output",
					slog.String("job_id", j.ID), slog.String("key", j.OutputKey), slog.Any("error", err))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		if err := e.jobs.Delete(ctx, j.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	if removed > 0 {
		e.logger.InfoContext(ctx, "cleaned up expired jobs", slog.Int("removed", removed))
	}
	return removed, firstErr
}

// IsNoData reports whether an error marks an empty query result.
func IsNoData(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundData
}
