package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"agromet/internal/types"
)

// DatasetRepository provides data access for the datasets and
// dataset_attributes tables. A dataset's attribute set is append-only and
// its coordinate metadata is immutable after the first store write.
type DatasetRepository struct {
	db DBTX
}

// NewDatasetRepository creates a new DatasetRepository backed by the given
// database connection (pool or transaction).
func NewDatasetRepository(db DBTX) *DatasetRepository {
	return &DatasetRepository{db: db}
}

const datasetColumns = `id, name, provider, type, time_step, observation_type, store,
	lat_min, lat_max, lat_inc, lat_origin,
	lon_min, lon_max, lon_inc, lon_origin,
	day_index_start, day_index_end, retention_days`

// Create inserts a dataset row and its attribute rows, returning the
// assigned dataset ID. Attribute order is preserved via the position column.
func (r *DatasetRepository) Create(ctx context.Context, d *types.Dataset) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO datasets
		 (name, provider, type, time_step, observation_type, store,
		  lat_min, lat_max, lat_inc, lat_origin,
		  lon_min, lon_max, lon_inc, lon_origin,
		  day_index_start, day_index_end, retention_days)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 RETURNING id`,
		d.Name, string(d.Provider), string(d.Type), string(d.TimeStep),
		string(d.ObservationType), string(d.Store),
		d.LatMin, d.LatMax, d.LatInc, d.LatOrigin,
		d.LonMin, d.LonMax, d.LonInc, d.LonOrigin,
		d.DayIndexStart, d.DayIndexEnd, d.RetentionDays,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to create dataset", err)
	}

	for i := range d.Attributes {
		a := &d.Attributes[i]
		if err := r.appendAttribute(ctx, id, i, a); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// AppendAttribute adds one attribute at the end of a dataset's attribute
// list. Existing attributes are never modified or reordered.
func (r *DatasetRepository) AppendAttribute(ctx context.Context, datasetID int64, a *types.DatasetAttribute) error {
	var position int
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM dataset_attributes WHERE dataset_id = $1`,
		datasetID,
	).Scan(&position)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to compute attribute position", err)
	}
	return r.appendAttribute(ctx, datasetID, position, a)
}

func (r *DatasetRepository) appendAttribute(ctx context.Context, datasetID int64, position int, a *types.DatasetAttribute) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO dataset_attributes (dataset_id, position, source, canonical, unit, ensembled)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		datasetID, position, a.Source, a.Canonical, a.Unit, a.Ensembled,
	).Scan(&a.ID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append dataset attribute", err)
	}
	a.DatasetID = datasetID
	return nil
}

// GetByID returns a dataset with its full attribute list, ordered by
// position.
func (r *DatasetRepository) GetByID(ctx context.Context, id int64) (*types.Dataset, error) {
	return r.get(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = $1`, id)
}

// GetByName resolves a dataset by its registered name. Unknown names map to
// a validation error so the API layer reports 400, not 500.
func (r *DatasetRepository) GetByName(ctx context.Context, name string) (*types.Dataset, error) {
	return r.get(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE name = $1`, name)
}

func (r *DatasetRepository) get(ctx context.Context, sql string, arg any) (*types.Dataset, error) {
	var (
		d                                 types.Dataset
		provider, dsType, step, obs, store string
	)
	err := r.db.QueryRow(ctx, sql, arg).Scan(
		&d.ID, &d.Name, &provider, &dsType, &step, &obs, &store,
		&d.LatMin, &d.LatMax, &d.LatInc, &d.LatOrigin,
		&d.LonMin, &d.LonMax, &d.LonInc, &d.LonOrigin,
		&d.DayIndexStart, &d.DayIndexEnd, &d.RetentionDays,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeValidationUnknownProduct, "dataset not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query dataset", err)
	}
	d.Provider = types.Provider(provider)
	d.Type = types.DatasetType(dsType)
	d.TimeStep = types.TimeStep(step)
	d.ObservationType = types.ObservationType(obs)
	d.Store = types.StoreType(store)

	attrs, err := r.attributes(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	d.Attributes = attrs
	return &d, nil
}

// List returns all registered datasets, optionally filtered by type.
// Attribute lists are loaded for each.
func (r *DatasetRepository) List(ctx context.Context, dsType types.DatasetType) ([]types.Dataset, error) {
	sql := `SELECT id FROM datasets ORDER BY id`
	args := []any{}
	if dsType != "" {
		sql = `SELECT id FROM datasets WHERE type = $1 ORDER BY id`
		args = append(args, string(dsType))
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list datasets", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan dataset id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating datasets", err)
	}

	out := make([]types.Dataset, 0, len(ids))
	for _, id := range ids {
		d, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

func (r *DatasetRepository) attributes(ctx context.Context, datasetID int64) ([]types.DatasetAttribute, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, source, canonical, unit, ensembled
		 FROM dataset_attributes
		 WHERE dataset_id = $1
		 ORDER BY position`,
		datasetID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query dataset attributes", err)
	}
	defer rows.Close()

	var attrs []types.DatasetAttribute
	for rows.Next() {
		a := types.DatasetAttribute{DatasetID: datasetID}
		if err := rows.Scan(&a.ID, &a.Source, &a.Canonical, &a.Unit, &a.Ensembled); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan dataset attribute", err)
		}
		attrs = append(attrs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating dataset attributes", err)
	}
	return attrs, nil
}
