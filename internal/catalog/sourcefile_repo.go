package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"agromet/internal/types"
)

// DataSourceFileRepository provides data access for the data_source_files
// table. At most one row per (dataset, format) carries is_latest = true;
// promotion demotes the previous latest in the same transaction scope.
type DataSourceFileRepository struct {
	db DBTX
}

// NewDataSourceFileRepository creates a new DataSourceFileRepository backed
// by the given database connection (pool or transaction).
func NewDataSourceFileRepository(db DBTX) *DataSourceFileRepository {
	return &DataSourceFileRepository{db: db}
}

const sourceFileColumns = `id, dataset_id, name, format, start_time, end_time,
	is_latest, metadata, created_at, deleted_at`

// Create inserts a source file row. The row starts with is_latest = false;
// call Promote once the artifact is complete and readable.
func (r *DataSourceFileRepository) Create(ctx context.Context, f *types.DataSourceFile) error {
	meta, err := json.Marshal(f.Metadata)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal source file metadata", err)
	}

	err = r.db.QueryRow(ctx,
		`INSERT INTO data_source_files
		 (dataset_id, name, format, start_time, end_time, is_latest, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, false, $6, NOW())
		 RETURNING id, created_at`,
		f.DatasetID, f.Name, string(f.Format), f.StartTime, f.EndTime, meta,
	).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create source file", err)
	}
	return nil
}

// GetLatest returns the current latest source file for (dataset, format),
// or a resource-missing error when none exists.
func (r *DataSourceFileRepository) GetLatest(ctx context.Context, datasetID int64, format types.SourceFileFormat) (*types.DataSourceFile, error) {
	f, err := r.scanOne(r.db.QueryRow(ctx,
		`SELECT `+sourceFileColumns+`
		 FROM data_source_files
		 WHERE dataset_id = $1 AND format = $2 AND is_latest = true AND deleted_at IS NULL`,
		datasetID, string(format),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeResourceMissing, "no latest source file for dataset", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query latest source file", err)
	}
	return f, nil
}

// GetByID returns one source file row.
func (r *DataSourceFileRepository) GetByID(ctx context.Context, id int64) (*types.DataSourceFile, error) {
	f, err := r.scanOne(r.db.QueryRow(ctx,
		`SELECT `+sourceFileColumns+` FROM data_source_files WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeResourceMissing, "source file not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query source file", err)
	}
	return f, nil
}

// Promote makes the given file the unique latest for its (dataset, format).
// When retire is true the previous latest is additionally marked deleted
// (retention cutover); its object is removed lazily by the cleanup task.
// Run inside a transaction so latest uniqueness holds at every commit point.
func (r *DataSourceFileRepository) Promote(ctx context.Context, f *types.DataSourceFile, retire bool) error {
	demote := `UPDATE data_source_files
		 SET is_latest = false
		 WHERE dataset_id = $1 AND format = $2 AND is_latest = true AND id <> $3`
	if retire {
		demote = `UPDATE data_source_files
		 SET is_latest = false, deleted_at = NOW()
		 WHERE dataset_id = $1 AND format = $2 AND is_latest = true AND id <> $3`
	}
	if _, err := r.db.Exec(ctx, demote, f.DatasetID, string(f.Format), f.ID); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to demote previous latest source file", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE data_source_files
		 SET is_latest = true, start_time = $2, end_time = $3, metadata = $4
		 WHERE id = $1 AND deleted_at IS NULL`,
		f.ID, f.StartTime, f.EndTime, mustMarshalMetadata(f.Metadata),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to promote source file", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "source file to promote not found", nil)
	}
	f.IsLatest = true
	return nil
}

// UpdateMetadata persists the free-form metadata of a source file, used by
// the collector to record remote_url and grid counts as it progresses.
func (r *DataSourceFileRepository) UpdateMetadata(ctx context.Context, id int64, meta types.SourceFileMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal source file metadata", err)
	}
	_, err = r.db.Exec(ctx,
		`UPDATE data_source_files SET metadata = $2 WHERE id = $1`, id, raw)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update source file metadata", err)
	}
	return nil
}

// ListDeletable returns retired rows older than the cutoff whose objects
// still need removal from the object store.
func (r *DataSourceFileRepository) ListDeletable(ctx context.Context, cutoff time.Time) ([]types.DataSourceFile, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+sourceFileColumns+`
		 FROM data_source_files
		 WHERE deleted_at IS NOT NULL AND deleted_at < $1`,
		cutoff,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list deletable source files", err)
	}
	defer rows.Close()

	var out []types.DataSourceFile
	for rows.Next() {
		f, err := r.scanOne(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan source file", err)
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating source files", err)
	}
	return out, nil
}

// Purge removes a row after its remote object is gone. Remote-first: call
// only once the object-store delete succeeded.
func (r *DataSourceFileRepository) Purge(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM data_source_files WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to purge source file", err)
	}
	return nil
}

func (r *DataSourceFileRepository) scanOne(row pgx.Row) (*types.DataSourceFile, error) {
	var (
		f      types.DataSourceFile
		format string
		meta   []byte
	)
	if err := row.Scan(
		&f.ID, &f.DatasetID, &f.Name, &format, &f.StartTime, &f.EndTime,
		&f.IsLatest, &meta, &f.CreatedAt, &f.DeletedAt,
	); err != nil {
		return nil, err
	}
	f.Format = types.SourceFileFormat(format)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &f.Metadata); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

func mustMarshalMetadata(m types.SourceFileMetadata) []byte {
	raw, err := json.Marshal(m)
	if err != nil {
		// SourceFileMetadata is plain strings and ints; this cannot fail.
		panic(err)
	}
	return raw
}
