package dcas

import (
	"fmt"
	"time"

	"agromet/internal/catalog"
	"agromet/internal/types"
)

// MakeGridCropKey builds the join key carrying crop context through the
// pipeline: "{crop_id}_{crop_stage_type_id}_{grid_id}".
func MakeGridCropKey(cropID, stageTypeID, gridID int64) types.GridCropKey {
	return types.GridCropKey(fmt.Sprintf("%d_%d_%d", cropID, stageTypeID, gridID))
}

// PartitionPath is the hive partition directory of one country and run day,
// relative to the dcas object kind.
func PartitionPath(isoA3 string, date time.Time) string {
	return fmt.Sprintf("iso_a3=%s/year=%d/month=%02d/day=%02d",
		isoA3, date.Year(), int(date.Month()), date.Day())
}

// GridCropPlan is one distinct grid-crop unit of work with its grid join
// context attached.
type GridCropPlan struct {
	Key             types.GridCropKey
	GridID          int64
	CropID          int64
	CropStageTypeID int64
	PlantingDate    time.Time
	Lat             float64
	Lon             float64
	ISOA3           string
}

// BuildPlans joins the distinct grid-crop set against the grid metadata. A
// registry row pointing at an unregistered grid fails the run.
func BuildPlans(gridCrops []catalog.GridCrop, meta map[int64]catalog.GridMeta) ([]GridCropPlan, error) {
	plans := make([]GridCropPlan, 0, len(gridCrops))
	for _, gc := range gridCrops {
		m, ok := meta[gc.GridID]
		if !ok {
			return nil, types.NewAppError(types.ErrCodeResourceMissing,
				fmt.Sprintf("grid %d referenced by farm registry is not registered", gc.GridID), nil)
		}
		plans = append(plans, GridCropPlan{
			Key:             MakeGridCropKey(gc.CropID, gc.CropStageTypeID, gc.GridID),
			GridID:          gc.GridID,
			CropID:          gc.CropID,
			CropStageTypeID: gc.CropStageTypeID,
			PlantingDate:    gc.PlantingDate,
			Lat:             m.Lat,
			Lon:             m.Lon,
			ISOA3:           m.ISOA3,
		})
	}
	return plans, nil
}

// gridCropRow is the stage-one parquet record persisting a run's distinct
// grid-crop set.
type gridCropRow struct {
	GridCropKey       string `parquet:"grid_crop_key"`
	GridID            int64  `parquet:"grid_id"`
	CropID            int64  `parquet:"crop_id"`
	CropStageTypeID   int64  `parquet:"crop_stage_type_id"`
	PlantingDateEpoch int64  `parquet:"planting_date_epoch"`
	RequestDateEpoch  int64  `parquet:"request_date_epoch"`
}

// OutputRow is the flattened per-farm parquet record of a weekly run.
// Message slots hold 0 when unused.
type OutputRow struct {
	DateEpoch            int64   `parquet:"date_epoch"`
	FarmID               int64   `parquet:"farm_id"`
	FarmerUniqueID       string  `parquet:"farmer_unique_id"`
	CropID               int64   `parquet:"crop_id"`
	GridID               int64   `parquet:"grid_id"`
	GridCropKey          string  `parquet:"grid_crop_key"`
	ISOA3                string  `parquet:"iso_a3"`
	Lat                  float64 `parquet:"lat"`
	Lon                  float64 `parquet:"lon"`
	GrowthStageID        int64   `parquet:"growth_stage_id"`
	GrowthStageStart     int64   `parquet:"growth_stage_start_epoch"`
	Message1             int32   `parquet:"message_1"`
	Message2             int32   `parquet:"message_2"`
	Message3             int32   `parquet:"message_3"`
	Message4             int32   `parquet:"message_4"`
	Message5             int32   `parquet:"message_5"`
	FinalMessage         int32   `parquet:"final_message"`
	IsEmptyMessage       bool    `parquet:"is_empty_message"`
	HasRepetitiveMessage bool    `parquet:"has_repetitive_message"`
	TotalGDD             float64 `parquet:"total_gdd"`
	Temperature          float64 `parquet:"temperature"`
	Humidity             float64 `parquet:"humidity"`
	SeasonalPrecip       float64 `parquet:"seasonal_precipitation"`
	PPET                 float64 `parquet:"ppet"`
	GrowthStagePrecip    float64 `parquet:"growth_stage_precipitation"`
}

func toOutputRow(r types.DCASOutputRow) OutputRow {
	out := OutputRow{
		DateEpoch:            epochDay(r.Date),
		FarmID:               r.FarmID,
		FarmerUniqueID:       r.FarmerUniqueID,
		CropID:               r.CropID,
		GridID:               r.GridID,
		GridCropKey:          string(r.GridCropKey),
		ISOA3:                r.ISOA3,
		Lat:                  r.Lat,
		Lon:                  r.Lon,
		GrowthStageID:        r.GrowthStageID,
		GrowthStageStart:     epochDay(r.GrowthStageStartDate),
		FinalMessage:         int32(r.FinalMessage),
		IsEmptyMessage:       r.IsEmptyMessage,
		HasRepetitiveMessage: r.HasRepetitiveMessage,
		TotalGDD:             r.TotalGDD,
		Temperature:          r.WeatherFeatures["temperature"],
		Humidity:             r.WeatherFeatures["humidity"],
		SeasonalPrecip:       r.WeatherFeatures["seasonal_precipitation"],
		PPET:                 r.WeatherFeatures["ppet"],
		GrowthStagePrecip:    r.WeatherFeatures["growth_stage_precipitation"],
	}
	slots := []*int32{&out.Message1, &out.Message2, &out.Message3, &out.Message4, &out.Message5}
	for i, code := range r.Messages {
		if i >= len(slots) {
			break
		}
		*slots[i] = int32(code)
	}
	return out
}
