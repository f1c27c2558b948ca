// gridgen registers a country raster: it creates the country row and bulk
// inserts every grid cell of its lat/lon raster. Registration is one-time;
// grids are immutable afterwards.
//
// Usage:
//
//	gridgen -name Kenya -iso3 KEN -bbox 33.9,-4.7,41.9,5.5 -lat-inc 0.03 -lon-inc 0.03
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"

	"agromet/internal/catalog"
	"agromet/internal/config"
	"agromet/internal/grid"
	"agromet/internal/types"
)

func main() {
	var (
		name      = flag.String("name", "", "country name")
		iso3      = flag.String("iso3", "", "ISO 3166-1 alpha-3 code")
		bbox      = flag.String("bbox", "", "bounding box min_lon,min_lat,max_lon,max_lat")
		latInc    = flag.Float64("lat-inc", 0, "latitude increment in degrees")
		lonInc    = flag.Float64("lon-inc", 0, "longitude increment in degrees")
		latOrigin = flag.Float64("lat-origin", 0, "south-west centroid latitude (defaults to bbox min)")
		lonOrigin = flag.Float64("lon-origin", 0, "south-west centroid longitude (defaults to bbox min)")
		tolerance = flag.Float64("tolerance", 0.001, "reindex tolerance in degrees")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *name == "" || *iso3 == "" || *bbox == "" || *latInc <= 0 || *lonInc <= 0 {
		flag.Usage()
		os.Exit(2)
	}
	bound, err := parseBBox(*bbox)
	if err != nil {
		logger.Error("invalid bbox", slog.Any("error", err))
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to connect to catalog database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	country := types.Country{
		Name:             *name,
		ISOA3:            strings.ToUpper(*iso3),
		BBox:             bound,
		LatInc:           *latInc,
		LonInc:           *lonInc,
		LatOrigin:        *latOrigin,
		LonOrigin:        *lonOrigin,
		ReindexTolerance: *tolerance,
	}
	if !flagSet("lat-origin") {
		country.LatOrigin = bound.Min.Lat()
	}
	if !flagSet("lon-origin") {
		country.LonOrigin = bound.Min.Lon()
	}

	countries := catalog.NewCountryRepository(pool)
	grids := catalog.NewGridRepository(pool)

	if err := countries.Create(ctx, &country); err != nil {
		logger.Error("failed to create country", slog.Any("error", err))
		os.Exit(1)
	}

	cells, err := grid.GenerateCells(country)
	if err != nil {
		logger.Error("failed to generate cells", slog.Any("error", err))
		os.Exit(1)
	}
	inserted, err := grids.BulkInsert(ctx, cells)
	if err != nil {
		logger.Error("failed to insert cells", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("country registered",
		slog.String("iso_a3", country.ISOA3),
		slog.Int64("country_id", country.ID),
		slog.Int("cells", inserted))
}

func parseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox must have 4 values, got %d", len(parts))
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox value %q: %w", p, err)
		}
		vals[i] = v
	}
	if vals[0] > vals[2] || vals[1] > vals[3] {
		return orb.Bound{}, fmt.Errorf("bbox minimum exceeds maximum")
	}
	return orb.Bound{Min: orb.Point{vals[0], vals[1]}, Max: orb.Point{vals[2], vals[3]}}, nil
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
