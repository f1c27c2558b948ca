// Package table wraps an embedded DuckDB database as the columnar engine
// behind intermediate collector files, parquet exports, and SQL over
// hive-partitioned parquet globs. One Engine owns one database file (or an
// in-memory database) and is single-writer; readers open their own Engine
// on the same file in read-only mode.
package table

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"agromet/internal/types"
)

// Engine is an embedded analytical SQL engine over a single DuckDB file.
type Engine struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) a DuckDB database file.
func Open(path string) (*Engine, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, engineErr("open", err)
	}
	// The embedded engine is not safe for concurrent writers over one
	// connection pool; serialize access at the pool level.
	db.SetMaxOpenConns(1)
	return &Engine{db: db, path: path}, nil
}

// OpenReadOnly opens an existing database file for reads.
func OpenReadOnly(path string) (*Engine, error) {
	db, err := sql.Open("duckdb", path+"?access_mode=read_only")
	if err != nil {
		return nil, engineErr("open", err)
	}
	return &Engine{db: db, path: path}, nil
}

// OpenInMemory opens a transient in-memory database, used for SQL over
// parquet globs where no backing file is needed.
func OpenInMemory() (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, engineErr("open", err)
	}
	return &Engine{db: db}, nil
}

// Close releases the underlying database.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Path returns the backing file path, empty for in-memory engines.
func (e *Engine) Path() string {
	return e.path
}

// DB exposes the raw database handle for query paths that build their own
// SQL (the stations reader, the DCAS error-log pass).
func (e *Engine) DB() *sql.DB {
	return e.db
}

// WeatherRow is one row of the intermediate "weather" table. Values are
// ordered to match the dataset's declared attribute order.
type WeatherRow struct {
	GridID int64
	Lat    float64
	Lon    float64
	Date   time.Time
	// Time is the intra-day offset; daily datasets carry "00:00:00".
	Time   string
	Values []float64
}

// CreateWeatherTable creates the intermediate table with one DOUBLE column
// per dataset attribute, in declared order.
func (e *Engine) CreateWeatherTable(ctx context.Context, attrs []string) error {
	cols := make([]string, 0, len(attrs))
	for _, a := range attrs {
		cols = append(cols, fmt.Sprintf("%s DOUBLE", quoteIdent(a)))
	}
	stmt := fmt.Sprintf(
		`CREATE SEQUENCE IF NOT EXISTS weather_id_seq;
		 CREATE TABLE IF NOT EXISTS weather (
			id BIGINT PRIMARY KEY DEFAULT nextval('weather_id_seq'),
			grid_id BIGINT NOT NULL,
			lat DOUBLE NOT NULL,
			lon DOUBLE NOT NULL,
			date DATE NOT NULL,
			time TIME NOT NULL,
			%s
		 )`, strings.Join(cols, ",\n\t\t\t"))
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return engineErr("create weather table", err)
	}
	return nil
}

// InsertWeatherBatch appends rows inside a single transaction so readers
// never observe a partial batch.
func (e *Engine) InsertWeatherBatch(ctx context.Context, attrs []string, rows []WeatherRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return engineErr("begin batch", err)
	}
	defer tx.Rollback()

	placeholders := make([]string, 0, len(attrs)+5)
	cols := []string{"grid_id", "lat", "lon", "date", "time"}
	for i := 0; i < len(attrs)+5; i++ {
		placeholders = append(placeholders, "?")
	}
	for _, a := range attrs {
		cols = append(cols, quoteIdent(a))
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO weather (%s) VALUES (%s)",
		strings.Join(cols, ", "), strings.Join(placeholders, ", ")))
	if err != nil {
		return engineErr("prepare batch insert", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if len(r.Values) != len(attrs) {
			return types.NewAppError(types.ErrCodeInternalTableEngine,
				fmt.Sprintf("weather row for grid %d has %d values, want %d", r.GridID, len(r.Values), len(attrs)), nil)
		}
		args := make([]any, 0, len(attrs)+5)
		args = append(args, r.GridID, r.Lat, r.Lon, r.Date.Format("2006-01-02"), r.Time)
		for _, v := range r.Values {
			args = append(args, v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return engineErr("insert weather row", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return engineErr("commit batch", err)
	}
	return nil
}

// HasGrid reports whether the intermediate file already holds rows for the
// given grid, which lets a resumed session skip completed work.
func (e *Engine) HasGrid(ctx context.Context, gridID int64) (bool, error) {
	var n int
	err := e.db.QueryRowContext(ctx,
		"SELECT count(*) FROM weather WHERE grid_id = ? LIMIT 1", gridID).Scan(&n)
	if err != nil {
		return false, engineErr("has grid", err)
	}
	return n > 0, nil
}

// CountRows returns the total number of intermediate rows.
func (e *Engine) CountRows(ctx context.Context) (int64, error) {
	var n int64
	if err := e.db.QueryRowContext(ctx, "SELECT count(*) FROM weather").Scan(&n); err != nil {
		return 0, engineErr("count rows", err)
	}
	return n, nil
}

// WeatherRows streams the intermediate rows for a set of grid IDs ordered
// by (grid_id, date, time), the order the ingestor densifies in.
func (e *Engine) WeatherRows(ctx context.Context, attrs []string, gridIDs []int64) ([]WeatherRow, error) {
	if len(gridIDs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(gridIDs))
	for i, id := range gridIDs {
		ids[i] = fmt.Sprintf("%d", id)
	}
	selCols := []string{"grid_id", "lat", "lon", "date", "strftime(time, '%H:%M:%S')"}
	for _, a := range attrs {
		selCols = append(selCols, quoteIdent(a))
	}
	query := fmt.Sprintf(
		"SELECT %s FROM weather WHERE grid_id IN (%s) ORDER BY grid_id, date, time",
		strings.Join(selCols, ", "), strings.Join(ids, ","))

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, engineErr("query weather rows", err)
	}
	defer rows.Close()

	var out []WeatherRow
	for rows.Next() {
		r := WeatherRow{Values: make([]float64, len(attrs))}
		dest := []any{&r.GridID, &r.Lat, &r.Lon, &r.Date, &r.Time}
		vals := make([]sql.NullFloat64, len(attrs))
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, engineErr("scan weather row", err)
		}
		for i, v := range vals {
			if v.Valid {
				r.Values[i] = v.Float64
			} else {
				r.Values[i] = math.NaN()
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, engineErr("iterate weather rows", err)
	}
	return out, nil
}

// DateRange returns the minimum and maximum dates present in the
// intermediate table.
func (e *Engine) DateRange(ctx context.Context) (time.Time, time.Time, error) {
	var lo, hi sql.NullTime
	err := e.db.QueryRowContext(ctx, "SELECT min(date), max(date) FROM weather").Scan(&lo, &hi)
	if err != nil {
		return time.Time{}, time.Time{}, engineErr("date range", err)
	}
	if !lo.Valid || !hi.Valid {
		return time.Time{}, time.Time{}, types.NewAppError(types.ErrCodeInternalTableEngine, "weather table is empty", nil)
	}
	return lo.Time, hi.Time, nil
}

// CopyQueryToParquet materializes an arbitrary query into a parquet file.
func (e *Engine) CopyQueryToParquet(ctx context.Context, query, destPath string) error {
	stmt := fmt.Sprintf("COPY (%s) TO '%s' (FORMAT 'parquet')", query, escapePath(destPath))
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return engineErr("copy to parquet", err)
	}
	return nil
}

// CopyQueryToCSV materializes an arbitrary query into a CSV file with header.
func (e *Engine) CopyQueryToCSV(ctx context.Context, query, destPath string) error {
	stmt := fmt.Sprintf("COPY (%s) TO '%s' (FORMAT 'csv', HEADER)", query, escapePath(destPath))
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return engineErr("copy to csv", err)
	}
	return nil
}

// Exec runs a raw statement (DDL, INSERT SELECT over parquet globs).
func (e *Engine) Exec(ctx context.Context, stmt string, args ...any) error {
	if _, err := e.db.ExecContext(ctx, stmt, args...); err != nil {
		return engineErr("exec", err)
	}
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func escapePath(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func engineErr(op string, err error) *types.AppError {
	return types.NewAppError(types.ErrCodeInternalTableEngine, "table engine "+op+" failed", err)
}
