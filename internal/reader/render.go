package reader

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"math"
	"strconv"

	"agromet/internal/types"
)

const (
	csvDateLayout = "2006-01-02"
	csvTimeLayout = "15:04:05"
	// jsonTimeLayout matches the +00:00 offset form the API has always
	// served, not the RFC 3339 Z form.
	jsonTimeLayout = "2006-01-02T15:04:05+00:00"
)

// JSONEntry is one datetime group of a JSON response.
type JSONEntry struct {
	Datetime string         `json:"datetime"`
	Values   map[string]any `json:"values"`
}

// JSONPayload is the inline JSON response body: the request geometry as WKT
// plus one entry per distinct datetime.
type JSONPayload struct {
	Geometry string      `json:"geometry"`
	Data     []JSONEntry `json:"data"`
}

// JSON renders the result grouped by datetime. Ensembled attributes collect
// their member values into a list; for everything else the first value per
// group wins. NaN renders as null.
func (r *Result) JSON() ([]byte, error) {
	payload := JSONPayload{
		Geometry: r.Location.WKT(),
		Data:     []JSONEntry{},
	}

	byTime := make(map[string]int)
	for _, row := range r.Rows {
		key := row.Time.UTC().Format(jsonTimeLayout)
		gi, ok := byTime[key]
		if !ok {
			gi = len(payload.Data)
			byTime[key] = gi
			payload.Data = append(payload.Data, JSONEntry{
				Datetime: key,
				Values:   make(map[string]any, len(r.Attributes)),
			})
		}
		entry := payload.Data[gi]
		for k, a := range r.Attributes {
			v := jsonValue(row.Values[k])
			if a.Ensembled {
				list, _ := entry.Values[a.Canonical].([]any)
				entry.Values[a.Canonical] = append(list, v)
				continue
			}
			if _, seen := entry.Values[a.Canonical]; !seen {
				entry.Values[a.Canonical] = v
			}
		}
	}
	return json.Marshal(payload)
}

func jsonValue(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

// WriteCSV renders the result as CSV in row order: date (and time for
// hourly datasets), position, the ensemble member where present, then one
// column per attribute. NaN renders as an empty field.
func (r *Result) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)

	header := []string{"date"}
	if r.HasTime {
		header = append(header, "time")
	}
	header = append(header, "lat", "lon")
	if r.HasEnsemble {
		header = append(header, "ensemble")
	}
	for _, a := range r.Attributes {
		header = append(header, a.Canonical)
	}
	if err := cw.Write(header); err != nil {
		return csvErr(err)
	}

	record := make([]string, 0, len(header))
	for _, row := range r.Rows {
		record = record[:0]
		record = append(record, row.Time.UTC().Format(csvDateLayout))
		if r.HasTime {
			record = append(record, row.Time.UTC().Format(csvTimeLayout))
		}
		record = append(record,
			strconv.FormatFloat(row.Lat, 'f', -1, 64),
			strconv.FormatFloat(row.Lon, 'f', -1, 64),
		)
		if r.HasEnsemble {
			record = append(record, strconv.Itoa(row.Ensemble))
		}
		for _, v := range row.Values {
			if math.IsNaN(v) {
				record = append(record, "")
			} else {
				record = append(record, strconv.FormatFloat(v, 'f', -1, 64))
			}
		}
		if err := cw.Write(record); err != nil {
			return csvErr(err)
		}
	}
	cw.Flush()
	return csvErr(cw.Error())
}

func csvErr(err error) error {
	if err == nil {
		return nil
	}
	return types.NewAppError(types.ErrCodeInternalUnexpected, "csv render failed", err)
}
