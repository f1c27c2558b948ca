package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"agromet/internal/core"
	"agromet/internal/reader"
	"agromet/internal/types"
)

// HandleMeasurement serves GET /measurement. Inline requests hold the
// connection until the job finishes and answer with the JSON payload or a
// redirect to a presigned download; async=true answers 202 with a job
// handle for the poll endpoint.
func (h *Handler) HandleMeasurement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q, err := h.parseQuery(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if parseBool(r.URL.Query().Get("async")) {
		job, err := h.jobs.RunAsync(ctx, userID(r), *q)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		core.JSON(w, r, http.StatusAccepted, map[string]any{
			"job_id": job.ID,
			"status": job.Status,
		})
		return
	}

	job, err := h.jobs.RunInline(ctx, userID(r), *q)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if len(job.OutputJSON) > 0 {
		core.Raw(w, http.StatusOK, job.OutputJSON)
		return
	}
	url, err := h.jobs.PresignOutput(ctx, job)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// parseQuery translates the measurement parameters into a reader query.
// The reader's own Validate runs inside job submission; this layer only
// resolves the dataset and the parameter shapes.
func (h *Handler) parseQuery(r *http.Request) (*reader.Query, error) {
	params := r.URL.Query()

	product := params.Get("product")
	if product == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "product is required", nil)
	}
	dataset, err := h.datasets.GetByName(r.Context(), product)
	if err != nil {
		return nil, err
	}

	rawAttrs := params.Get("attributes")
	if rawAttrs == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "attributes is required", nil)
	}
	var attrs []string
	for _, a := range strings.Split(rawAttrs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			attrs = append(attrs, a)
		}
	}

	loc, err := parseLocation(params.Get("lat"), params.Get("lon"), params.Get("bbox"))
	if err != nil {
		return nil, err
	}

	start, err := parseDayTime(params.Get("start_date"), params.Get("start_time"), "start")
	if err != nil {
		return nil, err
	}
	end, err := parseDayTime(params.Get("end_date"), params.Get("end_time"), "end")
	if err != nil {
		return nil, err
	}

	output, err := parseOutput(params.Get("output_type"))
	if err != nil {
		return nil, err
	}

	return &reader.Query{
		Dataset:    dataset,
		Attributes: attrs,
		Location:   loc,
		Start:      start,
		End:        end,
		Output:     output,
	}, nil
}

// parseLocation accepts either lat+lon for a point or
// bbox=min_lon,min_lat,max_lon,max_lat.
func parseLocation(latStr, lonStr, bboxStr string) (reader.Location, error) {
	switch {
	case bboxStr != "":
		parts := strings.Split(bboxStr, ",")
		if len(parts) != 4 {
			return reader.Location{}, types.NewAppError(types.ErrCodeValidationInvalidLocation,
				"bbox must be min_lon,min_lat,max_lon,max_lat", nil)
		}
		vals := make([]float64, 4)
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return reader.Location{}, types.NewAppError(types.ErrCodeValidationInvalidLocation,
					"bbox values must be numeric", err)
			}
			vals[i] = v
		}
		if vals[0] > vals[2] || vals[1] > vals[3] {
			return reader.Location{}, types.NewAppError(types.ErrCodeValidationInvalidLocation,
				"bbox minimum exceeds maximum", nil)
		}
		return reader.Location{
			Kind: types.LocationBoundingBox,
			BBox: orb.Bound{Min: orb.Point{vals[0], vals[1]}, Max: orb.Point{vals[2], vals[3]}},
		}, nil

	case latStr != "" || lonStr != "":
		lat, err := strconv.ParseFloat(latStr, 64)
		if err != nil || lat < -90 || lat > 90 {
			return reader.Location{}, types.NewAppError(types.ErrCodeValidationInvalidLat,
				"lat must be a number in [-90, 90]", err)
		}
		lon, err := strconv.ParseFloat(lonStr, 64)
		if err != nil || lon < -180 || lon > 180 {
			return reader.Location{}, types.NewAppError(types.ErrCodeValidationInvalidLon,
				"lon must be a number in [-180, 180]", err)
		}
		return reader.Location{Kind: types.LocationPoint, Point: orb.Point{lon, lat}}, nil

	default:
		return reader.Location{}, types.NewAppError(types.ErrCodeValidationInvalidLocation,
			"either lat and lon or bbox is required", nil)
	}
}

func parseDayTime(dateStr, timeStr, field string) (time.Time, error) {
	if dateStr == "" {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationMissingField,
			field+"_date is required", nil)
	}
	day, err := time.ParseInLocation("2006-01-02", dateStr, time.UTC)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationInvalidDateRange,
			field+"_date must be YYYY-MM-DD", err)
	}
	if timeStr == "" {
		return day, nil
	}
	clock, err := time.Parse("15:04:05", timeStr)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationInvalidDateRange,
			field+"_time must be HH:MM:SS", err)
	}
	return day.Add(time.Duration(clock.Hour())*time.Hour +
		time.Duration(clock.Minute())*time.Minute +
		time.Duration(clock.Second())*time.Second), nil
}

// parseOutput maps the output_type parameter onto a reader output. The
// legacy ascii value is an alias for csv. File rendering is chosen here:
// csv and netcdf responses are always file-backed downloads.
func parseOutput(raw string) (types.OutputType, error) {
	switch raw {
	case "", "json":
		return types.OutputJSON, nil
	case "csv", "ascii":
		return types.OutputCSVFile, nil
	case "netcdf":
		return types.OutputNetCDFFile, nil
	default:
		return "", types.NewAppError(types.ErrCodeValidationInvalidOutput,
			fmt.Sprintf("unsupported output_type %q", raw), nil)
	}
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}
