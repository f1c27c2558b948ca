package types

import (
	"time"

	"github.com/paulmach/orb"
)

// Country is a registered country with its raster metadata. All grid cells
// of a country share the same increments and origin so that geohash lookup
// and nearest-coordinate reindexing are exact.
type Country struct {
	ID     int64
	Name   string
	ISOA3  string
	BBox   orb.Bound
	LatInc float64
	LonInc float64
	// LatOrigin/LonOrigin are the coordinates of the south-west cell centroid.
	LatOrigin float64
	LonOrigin float64
	// ReindexTolerance is the maximum absolute difference accepted when
	// mapping a source coordinate onto the registry axis (degrees).
	ReindexTolerance float64
}

// Grid is one immutable cell of a country's lat/lon raster.
type Grid struct {
	ID        int64
	UniqueID  string // 8-character geohash of the centroid
	Lat       float64
	Lon       float64
	Polygon   orb.Polygon
	CountryID int64
}

// DatasetAttribute binds a source variable name to its canonical name and
// unit. Ensembled attributes carry an extra ensemble dimension in the array
// store and specialize the reader's CSV grouping path.
type DatasetAttribute struct {
	ID        int64
	DatasetID int64
	Source    string
	Canonical string
	Unit      string
	Ensembled bool
}

// Dataset is a named series registered in the catalog. Its attribute set is
// append-only and its coordinate metadata is fixed after the first write.
type Dataset struct {
	ID              int64
	Name            string
	Provider        Provider
	Type            DatasetType
	TimeStep        TimeStep
	ObservationType ObservationType
	Store           StoreType
	Attributes      []DatasetAttribute

	// Coordinate metadata, immutable after first write.
	LatMin, LatMax, LatInc, LatOrigin float64
	LonMin, LonMax, LonInc, LonOrigin float64

	// Forecast day index window, e.g. [-6, 15) for short-term daily.
	DayIndexStart int
	DayIndexEnd   int

	// RetentionDays > 0 promotes a fresh store each run and marks the
	// previous latest deleted.
	RetentionDays int
}

// Attribute returns the attribute whose canonical name matches, or nil.
func (d *Dataset) Attribute(canonical string) *DatasetAttribute {
	for i := range d.Attributes {
		if d.Attributes[i].Canonical == canonical {
			return &d.Attributes[i]
		}
	}
	return nil
}

// SourceFileMetadata is the free-form metadata persisted with a
// DataSourceFile.
type SourceFileMetadata struct {
	ForecastDate string `json:"forecast_date,omitempty"`
	RemoteURL    string `json:"remote_url,omitempty"`
	TotalGrid    int    `json:"total_grid,omitempty"`
	StartDate    string `json:"start_date,omitempty"`
	EndDate      string `json:"end_date,omitempty"`
}

// DataSourceFile points at a persisted artifact for a dataset: either an
// N-D array store or a columnar table file. Exactly one row per
// (dataset, format) carries IsLatest=true.
type DataSourceFile struct {
	ID        int64
	DatasetID int64
	Name      string
	Format    SourceFileFormat
	StartTime time.Time
	EndTime   time.Time
	IsLatest  bool
	Metadata  SourceFileMetadata
	CreatedAt time.Time
	DeletedAt *time.Time
}

// SessionProgress is the structured progress note written by collector and
// ingestor sessions on completion and on failure.
type SessionProgress struct {
	CountProcessed   int            `json:"count_processed"`
	CountError       int            `json:"count_error"`
	StatusCodesError map[string]int `json:"status_codes_error,omitempty"`
	ErrorGrids       []int64        `json:"error_grids,omitempty"`
	FileSize         int64          `json:"file_size,omitempty"`
	Notes            string         `json:"notes,omitempty"`
}

// Session is a resumable, status-tracked unit of work for one collector,
// ingestor, or DCAS run. A collector Session owns zero or more
// DataSourceFiles; an ingestor Session references collector Sessions as
// inputs. Re-running with the same ID must skip completed items.
type Session struct {
	ID        string // uuid
	Kind      SessionKind
	DatasetID int64
	Status    SessionStatus
	// LogicalDate identifies the schedule tick this session serves; the
	// scheduler creates at most one non-terminal session per logical date.
	LogicalDate time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	Config      map[string]any
	Progress    *SessionProgress
	// InputSessionIDs is set on ingestor sessions only.
	InputSessionIDs []string
	Reason          string // single-line failure reason
}

// Station is one ground-observation station in the registry.
type Station struct {
	ID       int64
	Code     string
	Name     string
	Provider Provider
	Lat      float64
	Lon      float64
	CountryISOA3 string
}
