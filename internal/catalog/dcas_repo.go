package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"agromet/internal/types"
)

// ============================================================
// CropRepository
// ============================================================

// CropRepository provides data access for the crops, crop_stage_types and
// crop_stages tables consumed by the growth-stage engine.
type CropRepository struct {
	db DBTX
}

// NewCropRepository creates a new CropRepository backed by the given
// database connection (pool or transaction).
func NewCropRepository(db DBTX) *CropRepository {
	return &CropRepository{db: db}
}

// GetByID returns one crop with its GDD base and cap temperatures.
func (r *CropRepository) GetByID(ctx context.Context, id int64) (*types.Crop, error) {
	var c types.Crop
	err := r.db.QueryRow(ctx,
		`SELECT id, name, gdd_base_temp, gdd_cap_temp FROM crops WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.GDDBaseTemp, &c.GDDCapTemp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeResourceMissing, "crop not registered", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query crop", err)
	}
	return &c, nil
}

// ListByIDs returns the crops for a set of IDs keyed by ID.
func (r *CropRepository) ListByIDs(ctx context.Context, ids []int64) (map[int64]types.Crop, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, name, gdd_base_temp, gdd_cap_temp FROM crops WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list crops", err)
	}
	defer rows.Close()

	out := make(map[int64]types.Crop, len(ids))
	for rows.Next() {
		var c types.Crop
		if err := rows.Scan(&c.ID, &c.Name, &c.GDDBaseTemp, &c.GDDCapTemp); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan crop", err)
		}
		out[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating crops", err)
	}
	return out, nil
}

// StageTable returns the ordered stage table for one (crop, stage type,
// config) group. The order is by threshold ascending; the growth-stage
// engine relies on strict threshold monotonicity within the table.
func (r *CropRepository) StageTable(ctx context.Context, cropID, stageTypeID, configID int64) ([]types.CropStage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, crop_id, crop_stage_type_id, config_id, stage_id, gdd_threshold
		 FROM crop_stages
		 WHERE crop_id = $1 AND crop_stage_type_id = $2 AND config_id = $3
		 ORDER BY gdd_threshold`,
		cropID, stageTypeID, configID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query crop stage table", err)
	}
	defer rows.Close()

	var out []types.CropStage
	for rows.Next() {
		var s types.CropStage
		if err := rows.Scan(&s.ID, &s.CropID, &s.CropStageTypeID, &s.ConfigID, &s.StageID, &s.GDDThreshold); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan crop stage", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating crop stages", err)
	}
	if len(out) == 0 {
		return nil, types.NewAppError(types.ErrCodeResourceMissing, "no stage table for crop configuration", nil)
	}
	return out, nil
}

// MessagePriorities returns the configured message priority table as a map
// code → rank (lower rank sorts first). Codes absent from the table sort
// after all ranked codes.
func (r *CropRepository) MessagePriorities(ctx context.Context) (map[int]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT code, rank FROM message_priorities`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query message priorities", err)
	}
	defer rows.Close()

	out := make(map[int]int)
	for rows.Next() {
		var code, rank int
		if err := rows.Scan(&code, &rank); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan message priority", err)
		}
		out[code] = rank
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating message priorities", err)
	}
	return out, nil
}

// ============================================================
// FarmRepository
// ============================================================

// FarmRepository provides data access for the farm_groups and
// farm_registries tables that partition a weekly DCAS run.
type FarmRepository struct {
	db DBTX
}

// NewFarmRepository creates a new FarmRepository backed by the given
// database connection (pool or transaction).
func NewFarmRepository(db DBTX) *FarmRepository {
	return &FarmRepository{db: db}
}

// ListGroups returns the farm groups for a set of IDs, or all groups when
// ids is empty.
func (r *FarmRepository) ListGroups(ctx context.Context, ids []int64) ([]types.FarmGroup, error) {
	sql := `SELECT id, name, country_iso_a3 FROM farm_groups ORDER BY id`
	args := []any{}
	if len(ids) > 0 {
		sql = `SELECT id, name, country_iso_a3 FROM farm_groups WHERE id = ANY($1) ORDER BY id`
		args = append(args, ids)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list farm groups", err)
	}
	defer rows.Close()

	var out []types.FarmGroup
	for rows.Next() {
		var g types.FarmGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.CountryISOA3); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan farm group", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating farm groups", err)
	}
	return out, nil
}

// ListFarms pages through the registry rows of the given groups ordered by
// ID. limit <= 0 disables paging.
func (r *FarmRepository) ListFarms(ctx context.Context, groupIDs []int64, afterID int64, limit int) ([]types.FarmRegistry, error) {
	sql := `SELECT id, farmer_unique_id, lat, lon, grid_id, crop_id, crop_stage_type_id,
	        planting_date, group_id, county, subcounty, ward, language
	 FROM farm_registries
	 WHERE group_id = ANY($1) AND id > $2
	 ORDER BY id`
	args := []any{groupIDs, afterID}
	if limit > 0 {
		sql += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list farm registries", err)
	}
	defer rows.Close()

	var out []types.FarmRegistry
	for rows.Next() {
		var f types.FarmRegistry
		if err := rows.Scan(
			&f.ID, &f.FarmerUniqueID, &f.Lat, &f.Lon, &f.GridID, &f.CropID,
			&f.CropStageTypeID, &f.PlantingDate, &f.GroupID,
			&f.County, &f.Subcounty, &f.Ward, &f.Language,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan farm registry", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating farm registries", err)
	}
	return out, nil
}

// GridCrop is one distinct (grid, crop, stage type) combination of a run
// with its earliest planting date.
type GridCrop struct {
	GridID          int64
	CropID          int64
	CropStageTypeID int64
	PlantingDate    time.Time
}

// DistinctGridCrops builds the distinct grid×crop set of a run. The
// earliest planting date per combination wins so the GDD window covers
// every farm of the group.
func (r *FarmRepository) DistinctGridCrops(ctx context.Context, groupIDs []int64) ([]GridCrop, error) {
	rows, err := r.db.Query(ctx,
		`SELECT grid_id, crop_id, crop_stage_type_id, MIN(planting_date)
		 FROM farm_registries
		 WHERE group_id = ANY($1)
		 GROUP BY grid_id, crop_id, crop_stage_type_id
		 ORDER BY grid_id, crop_id, crop_stage_type_id`,
		groupIDs)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query distinct grid crops", err)
	}
	defer rows.Close()

	var out []GridCrop
	for rows.Next() {
		var gc GridCrop
		if err := rows.Scan(&gc.GridID, &gc.CropID, &gc.CropStageTypeID, &gc.PlantingDate); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan grid crop", err)
		}
		out = append(out, gc)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating grid crops", err)
	}
	return out, nil
}

// ============================================================
// DCASRequestRepository
// ============================================================

// DCASRequestRepository provides data access for the dcas_requests table
// that tracks weekly pipeline runs.
type DCASRequestRepository struct {
	db DBTX
}

// NewDCASRequestRepository creates a new DCASRequestRepository backed by
// the given database connection (pool or transaction).
func NewDCASRequestRepository(db DBTX) *DCASRequestRepository {
	return &DCASRequestRepository{db: db}
}

// Create inserts a request row.
func (r *DCASRequestRepository) Create(ctx context.Context, req *types.DCASRequest) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO dcas_requests (id, request_date, group_ids, status, progress, created_at)
		 VALUES ($1, $2, $3, $4, '', NOW())
		 RETURNING created_at`,
		req.ID, req.RequestDate, req.GroupIDs, string(req.Status),
	).Scan(&req.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create dcas request", err)
	}
	return nil
}

// UpdateStatus records the request status and a human-readable progress
// line at each stage boundary.
func (r *DCASRequestRepository) UpdateStatus(ctx context.Context, id string, status types.SessionStatus, progress string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE dcas_requests SET status = $2, progress = $3 WHERE id = $1`,
		id, string(status), progress)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update dcas request", err)
	}
	return nil
}

// LatestSuccessBefore returns the most recent successful request strictly
// before the given date, used to join the previous week's output for stage
// stickiness and message deduplication. Returns nil when none exists.
func (r *DCASRequestRepository) LatestSuccessBefore(ctx context.Context, date time.Time) (*types.DCASRequest, error) {
	var req types.DCASRequest
	var status string
	err := r.db.QueryRow(ctx,
		`SELECT id, request_date, group_ids, status, progress, created_at
		 FROM dcas_requests
		 WHERE status = 'success' AND request_date < $1
		 ORDER BY request_date DESC
		 LIMIT 1`,
		date,
	).Scan(&req.ID, &req.RequestDate, &req.GroupIDs, &status, &req.Progress, &req.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query previous dcas request", err)
	}
	req.Status = types.SessionStatus(status)
	return &req, nil
}
