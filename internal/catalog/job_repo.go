package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"agromet/internal/types"
)

// JobRepository provides data access for the jobs table used by the export
// executor. Jobs deduplicate by params_hash; a cleanup task retires
// finished jobs after the configured retention window.
type JobRepository struct {
	db DBTX
}

// NewJobRepository creates a new JobRepository backed by the given database
// connection (pool or transaction).
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, user_id, params_hash, status, output_type,
	output_key, output_json, errors, created_at, finished_at, last_accessed`

// Create inserts a job row in its initial state.
func (r *JobRepository) Create(ctx context.Context, j *types.Job) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO jobs (id, user_id, params_hash, status, output_type, created_at, last_accessed)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 RETURNING created_at, last_accessed`,
		j.ID, j.UserID, j.ParamsHash, string(j.Status), string(j.OutputType),
	).Scan(&j.CreatedAt, &j.LastAccessed)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create job", err)
	}
	return nil
}

// GetByID returns one job row.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*types.Job, error) {
	j, err := scanJob(r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query job", err)
	}
	return j, nil
}

// FindReusable returns the newest successful job with the same params hash
// whose output is still within retention, or nil. The caller verifies the
// underlying object still exists before binding it to a new job.
func (r *JobRepository) FindReusable(ctx context.Context, paramsHash string, notBefore time.Time) (*types.Job, error) {
	j, err := scanJob(r.db.QueryRow(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE params_hash = $1 AND status = 'success' AND finished_at >= $2
		 ORDER BY finished_at DESC
		 LIMIT 1`,
		paramsHash, notBefore))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query reusable job", err)
	}
	return j, nil
}

// MarkRunning transitions pending → running.
func (r *JobRepository) MarkRunning(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE jobs SET status = 'running' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark job running", err)
	}
	return nil
}

// Finish records the terminal state of a job with its output reference.
func (r *JobRepository) Finish(ctx context.Context, j *types.Job) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs
		 SET status = $2, output_key = $3, output_json = $4, errors = $5,
		     finished_at = NOW(), last_accessed = NOW()
		 WHERE id = $1`,
		j.ID, string(j.Status), j.OutputKey, j.OutputJSON, j.Errors,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job to finish not found", nil)
	}
	return nil
}

// Touch updates last_accessed, extending the retention clock on cache hits.
func (r *JobRepository) Touch(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE jobs SET last_accessed = NOW() WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to touch job", err)
	}
	return nil
}

// ListExpired returns finished jobs whose last access is older than the
// cutoff. The cleanup task deletes the remote object first, then the row.
func (r *JobRepository) ListExpired(ctx context.Context, cutoff time.Time) ([]types.Job, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE status IN ('success', 'failed') AND last_accessed < $1
		 ORDER BY last_accessed`,
		cutoff)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list expired jobs", err)
	}
	defer rows.Close()

	var out []types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating jobs", err)
	}
	return out, nil
}

// Delete removes a job row. Remote-first: call only once the object-store
// delete succeeded.
func (r *JobRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete job", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*types.Job, error) {
	var (
		j                  types.Job
		status, outputType string
	)
	if err := row.Scan(
		&j.ID, &j.UserID, &j.ParamsHash, &status, &outputType,
		&j.OutputKey, &j.OutputJSON, &j.Errors, &j.CreatedAt, &j.FinishedAt, &j.LastAccessed,
	); err != nil {
		return nil, err
	}
	j.Status = types.JobStatus(status)
	j.OutputType = types.OutputType(outputType)
	return &j, nil
}
