package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"agromet/internal/types"
)

// CountryRepository provides data access for the countries table. Country
// rows carry the raster metadata (origin, increments, reindex tolerance)
// shared by every grid cell of that country.
type CountryRepository struct {
	db DBTX
}

// NewCountryRepository creates a new CountryRepository backed by the given
// database connection (pool or transaction).
func NewCountryRepository(db DBTX) *CountryRepository {
	return &CountryRepository{db: db}
}

const countryColumns = `id, name, iso_a3, lat_min, lon_min, lat_max, lon_max,
	lat_inc, lon_inc, lat_origin, lon_origin, reindex_tolerance`

// Create inserts a country row and returns its assigned ID.
func (r *CountryRepository) Create(ctx context.Context, c *types.Country) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO countries
		 (name, iso_a3, lat_min, lon_min, lat_max, lon_max,
		  lat_inc, lon_inc, lat_origin, lon_origin, reindex_tolerance)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		c.Name, c.ISOA3,
		c.BBox.Min.Lat(), c.BBox.Min.Lon(), c.BBox.Max.Lat(), c.BBox.Max.Lon(),
		c.LatInc, c.LonInc, c.LatOrigin, c.LonOrigin, c.ReindexTolerance,
	).Scan(&c.ID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create country", err)
	}
	return nil
}

// GetByISOA3 resolves a country by its ISO alpha-3 code.
func (r *CountryRepository) GetByISOA3(ctx context.Context, iso string) (*types.Country, error) {
	c, err := scanCountry(r.db.QueryRow(ctx,
		`SELECT `+countryColumns+` FROM countries WHERE iso_a3 = $1`, iso))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeResourceMissing, "country not registered", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query country", err)
	}
	return c, nil
}

// GetByID returns one country row.
func (r *CountryRepository) GetByID(ctx context.Context, id int64) (*types.Country, error) {
	c, err := scanCountry(r.db.QueryRow(ctx,
		`SELECT `+countryColumns+` FROM countries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeResourceMissing, "country not registered", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query country", err)
	}
	return c, nil
}

// List returns all registered countries ordered by ID.
func (r *CountryRepository) List(ctx context.Context) ([]types.Country, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+countryColumns+` FROM countries ORDER BY id`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list countries", err)
	}
	defer rows.Close()

	var out []types.Country
	for rows.Next() {
		c, err := scanCountry(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan country", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating countries", err)
	}
	return out, nil
}

func scanCountry(row pgx.Row) (*types.Country, error) {
	var (
		c                              types.Country
		latMin, lonMin, latMax, lonMax float64
	)
	if err := row.Scan(
		&c.ID, &c.Name, &c.ISOA3, &latMin, &lonMin, &latMax, &lonMax,
		&c.LatInc, &c.LonInc, &c.LatOrigin, &c.LonOrigin, &c.ReindexTolerance,
	); err != nil {
		return nil, err
	}
	c.BBox = orb.Bound{Min: orb.Point{lonMin, latMin}, Max: orb.Point{lonMax, latMax}}
	return &c, nil
}

// ============================================================
// GridRepository
// ============================================================

// GridRepository provides data access for the grids table. Grid cells are
// written once at registration and never mutated; polygons are stored as
// WKT text.
type GridRepository struct {
	db DBTX
}

// NewGridRepository creates a new GridRepository backed by the given
// database connection (pool or transaction).
func NewGridRepository(db DBTX) *GridRepository {
	return &GridRepository{db: db}
}

// BulkInsert writes grid cells in registration order, assigning IDs. Cells
// whose unique_id already exists are skipped, making registration
// re-runnable.
func (r *GridRepository) BulkInsert(ctx context.Context, cells []types.Grid) (int, error) {
	inserted := 0
	for i := range cells {
		g := &cells[i]
		tag, err := r.db.Exec(ctx,
			`INSERT INTO grids (unique_id, lat, lon, polygon, country_id)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (unique_id) DO NOTHING`,
			g.UniqueID, g.Lat, g.Lon, wkt.MarshalString(g.Polygon), g.CountryID,
		)
		if err != nil {
			return inserted, types.NewAppError(types.ErrCodeInternalDB, "failed to insert grid cell", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// GetByUniqueID resolves a cell by its geohash unique ID.
func (r *GridRepository) GetByUniqueID(ctx context.Context, uniqueID string) (*types.Grid, error) {
	g, err := scanGrid(r.db.QueryRow(ctx,
		`SELECT id, unique_id, lat, lon, polygon, country_id FROM grids WHERE unique_id = $1`,
		uniqueID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeResourceMissing, "grid cell not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query grid cell", err)
	}
	return g, nil
}

// ListByCountry returns all cells of a country in (lat, lon) row-major
// order, the order the collector iterates.
func (r *GridRepository) ListByCountry(ctx context.Context, countryID int64) ([]types.Grid, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, unique_id, lat, lon, polygon, country_id
		 FROM grids WHERE country_id = $1
		 ORDER BY lat, lon`,
		countryID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list grid cells", err)
	}
	return collectGrids(rows)
}

// GridMeta is the (lat, lon, iso_a3) join row the DCAS pipeline attaches to
// each distinct grid.
type GridMeta struct {
	GridID int64
	Lat    float64
	Lon    float64
	ISOA3  string
}

// MetaByIDs joins grid → country for the given grid IDs.
func (r *GridRepository) MetaByIDs(ctx context.Context, ids []int64) (map[int64]GridMeta, error) {
	rows, err := r.db.Query(ctx,
		`SELECT g.id, g.lat, g.lon, c.iso_a3
		 FROM grids g
		 JOIN countries c ON c.id = g.country_id
		 WHERE g.id = ANY($1)`,
		ids)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query grid metadata", err)
	}
	defer rows.Close()

	out := make(map[int64]GridMeta, len(ids))
	for rows.Next() {
		var m GridMeta
		if err := rows.Scan(&m.GridID, &m.Lat, &m.Lon, &m.ISOA3); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan grid metadata", err)
		}
		out[m.GridID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating grid metadata", err)
	}
	return out, nil
}

func scanGrid(row pgx.Row) (*types.Grid, error) {
	var (
		g       types.Grid
		polyWKT string
	)
	if err := row.Scan(&g.ID, &g.UniqueID, &g.Lat, &g.Lon, &polyWKT, &g.CountryID); err != nil {
		return nil, err
	}
	geom, err := wkt.Unmarshal(polyWKT)
	if err != nil {
		return nil, err
	}
	poly, ok := geom.(orb.Polygon)
	if !ok {
		return nil, errors.New("grid polygon column is not a WKT polygon")
	}
	g.Polygon = poly
	return &g, nil
}

func collectGrids(rows pgx.Rows) ([]types.Grid, error) {
	defer rows.Close()
	var out []types.Grid
	for rows.Next() {
		g, err := scanGrid(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan grid cell", err)
		}
		out = append(out, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating grid cells", err)
	}
	return out, nil
}
