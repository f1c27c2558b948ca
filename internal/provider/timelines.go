package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"agromet/internal/types"
)

// Timestep values accepted by the timelines endpoint.
const (
	TimestepDaily  = "1d"
	TimestepHourly = "1h"
)

// Interval is one timestamped value set returned by a provider.
type Interval struct {
	StartTime time.Time          `json:"startTime"`
	Values    map[string]float64 `json:"values"`
}

// Fetcher is the upstream surface the collector depends on. One call covers
// one grid cell over one date window.
type Fetcher interface {
	FetchGrid(ctx context.Context, lat, lon float64, fields []string, timestep string, start, end time.Time) ([]Interval, error)
}

// TimelinesClient fetches forecast timelines from a provider exposing the
// POST {base_url}/timelines contract.
type TimelinesClient struct {
	base    *BaseClient
	baseURL string
	apiKey  types.SecretString
}

// NewTimelinesClient creates a TimelinesClient for one provider endpoint.
func NewTimelinesClient(base *BaseClient, baseURL string, apiKey types.SecretString) *TimelinesClient {
	return &TimelinesClient{base: base, baseURL: baseURL, apiKey: apiKey}
}

type timelinesRequest struct {
	Location  timelinesLocation `json:"location"`
	Fields    []string          `json:"fields"`
	Timesteps []string          `json:"timesteps"`
	StartTime string            `json:"startTime"`
	EndTime   string            `json:"endTime"`
	Units     string            `json:"units"`
}

type timelinesLocation struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"` // lon, lat
}

type timelinesResponse struct {
	Data struct {
		Timelines []struct {
			Intervals []Interval `json:"intervals"`
		} `json:"timelines"`
	} `json:"data"`
}

// FetchGrid requests one grid cell's values for a date window. Responses
// with 4xx status are terminal: the error carries the status code so the
// collector can record it in status_codes_error and move on.
func (c *TimelinesClient) FetchGrid(ctx context.Context, lat, lon float64, fields []string, timestep string, start, end time.Time) ([]Interval, error) {
	payload := timelinesRequest{
		Location: timelinesLocation{
			Type:        "Point",
			Coordinates: [2]float64{lon, lat},
		},
		Fields:    fields,
		Timesteps: []string{timestep},
		StartTime: start.UTC().Format(time.RFC3339),
		EndTime:   end.UTC().Format(time.RFC3339),
		Units:     "metric",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal timelines request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/timelines", bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build timelines request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Apikey", c.apiKey.Unmask())

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// Drain so the connection can be reused; the payload is not useful
		// beyond the status code.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, types.NewAppError(
			types.ErrCodeUpstreamRejected,
			fmt.Sprintf("timelines request rejected with %d", resp.StatusCode),
			nil,
		).WithDetails(map[string]any{"status_code": resp.StatusCode})
	}

	var parsed timelinesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamProvider, "failed to decode timelines response", err)
	}
	if len(parsed.Data.Timelines) == 0 {
		return nil, nil
	}
	return parsed.Data.Timelines[0].Intervals, nil
}
