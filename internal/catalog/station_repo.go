package catalog

import (
	"context"

	"agromet/internal/types"
)

// StationRepository provides data access for the stations registry used by
// the table-backed reader's nearest-station lookup.
type StationRepository struct {
	db DBTX
}

// NewStationRepository creates a new StationRepository backed by the given
// database connection (pool or transaction).
func NewStationRepository(db DBTX) *StationRepository {
	return &StationRepository{db: db}
}

// ListByProvider returns all stations of one provider ordered by code.
func (r *StationRepository) ListByProvider(ctx context.Context, provider types.Provider) ([]types.Station, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, code, name, provider, lat, lon, country_iso_a3
		 FROM stations
		 WHERE provider = $1
		 ORDER BY code`,
		string(provider))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list stations", err)
	}
	defer rows.Close()

	var out []types.Station
	for rows.Next() {
		var s types.Station
		var provider string
		if err := rows.Scan(&s.ID, &s.Code, &s.Name, &provider, &s.Lat, &s.Lon, &s.CountryISOA3); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan station", err)
		}
		s.Provider = types.Provider(provider)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating stations", err)
	}
	return out, nil
}

// Upsert registers or refreshes a station row keyed by (provider, code).
func (r *StationRepository) Upsert(ctx context.Context, s *types.Station) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO stations (code, name, provider, lat, lon, country_iso_a3)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (provider, code) DO UPDATE SET
		   name = EXCLUDED.name,
		   lat = EXCLUDED.lat,
		   lon = EXCLUDED.lon,
		   country_iso_a3 = EXCLUDED.country_iso_a3
		 RETURNING id`,
		s.Code, s.Name, string(s.Provider), s.Lat, s.Lon, s.CountryISOA3,
	).Scan(&s.ID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert station", err)
	}
	return nil
}
