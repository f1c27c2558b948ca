package types

import "time"

// Crop is a registered crop with its GDD configuration.
type Crop struct {
	ID          int64
	Name        string
	GDDBaseTemp float64
	GDDCapTemp  float64
}

// CropStageType distinguishes stage tables for the same crop (e.g. short
// vs. long maturity variety).
type CropStageType struct {
	ID   int64
	Name string
}

// CropStage is one row of a crop's ordered stage table. Thresholds are
// strictly increasing within a (crop, stage type, config) group; a sentinel
// pre-germination stage with threshold 0 is permitted.
type CropStage struct {
	ID              int64
	CropID          int64
	CropStageTypeID int64
	ConfigID        int64
	StageID         int64
	GDDThreshold    float64
}

// FarmGroup partitions the farm registry for a weekly DCAS run and carries
// the delivery country context.
type FarmGroup struct {
	ID           int64
	Name         string
	CountryISOA3 string
}

// FarmRegistry is one farm enrolled for weekly advisories.
type FarmRegistry struct {
	ID              int64
	FarmerUniqueID  string
	Lat             float64
	Lon             float64
	GridID          int64
	CropID          int64
	CropStageTypeID int64
	PlantingDate    time.Time
	GroupID         int64

	// Optional delivery attributes.
	County    string
	Subcounty string
	Ward      string
	Language  string
}

// GridCropKey is the join key carrying crop context through the DCAS
// pipeline: "{crop_id}_{crop_stage_type_id}_{grid_id}". It is stable over
// runs for a fixed (crop, stage type, grid).
type GridCropKey string

// DCASRequest tracks one weekly pipeline run.
type DCASRequest struct {
	ID          string // uuid
	RequestDate time.Time
	GroupIDs    []int64
	Status      SessionStatus
	Progress    string
	CreatedAt   time.Time
}

// DCASMessageCodes is the bounded ordered list of selected advisory codes.
const DCASMaxMessages = 5

// DCASOutputRow is one per-farm row of a weekly run's partitioned output.
type DCASOutputRow struct {
	Date                 time.Time
	FarmID               int64
	FarmerUniqueID       string
	CropID               int64
	GridID               int64
	GridCropKey          GridCropKey
	ISOA3                string
	Lat                  float64
	Lon                  float64
	GrowthStageID        int64
	GrowthStageStartDate time.Time
	Messages             []int // up to DCASMaxMessages, priority order
	FinalMessage         int
	IsEmptyMessage       bool
	HasRepetitiveMessage bool
	TotalGDD             float64
	// WeatherFeatures holds last-week aggregates keyed by canonical
	// attribute name (temperature, humidity, seasonal_precipitation,
	// ppet, growth_stage_precipitation).
	WeatherFeatures map[string]float64
}
