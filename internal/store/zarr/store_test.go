package zarr

import (
	"context"
	"math"
	"testing"
)

func newTestStore(t *testing.T) (*Store, Backend) {
	t.Helper()
	backend, err := NewDirBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirBackend: %v", err)
	}

	spec := CreateSpec{
		Dims: []DimSpec{
			{Name: DimForecastDate, Chunk: 2},
			{Name: DimForecastDayIdx, Chunk: 4},
			{Name: DimLat, Chunk: 2},
			{Name: DimLon, Chunk: 2},
		},
		Coords: map[string]Coord{
			DimForecastDate:   IntCoord([]int64{20000}),
			DimForecastDayIdx: IntCoord([]int64{0, 1, 2, 3}),
			DimLat:            FloatCoord([]float64{0.005, 0.015, 0.025, 0.035}),
			DimLon:            FloatCoord([]float64{0.005, 0.015, 0.025, 0.035}),
		},
		Vars: []VarSpec{
			{Name: "max_temperature", Dims: []string{DimForecastDate, DimForecastDayIdx, DimLat, DimLon}, Description: "daily max temperature"},
			{Name: "min_temperature", Dims: []string{DimForecastDate, DimForecastDayIdx, DimLat, DimLon}, Description: "daily min temperature"},
		},
		CRS: "EPSG:4326",
	}

	s, err := Create(context.Background(), backend, spec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s, backend
}

func TestCreateThenOpenRoundTrip(t *testing.T) {
	_, backend := newTestStore(t)

	s, err := Open(context.Background(), backend)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if got := len(s.Vars()); got != 2 {
		t.Fatalf("expected 2 variables, got %d", got)
	}
	lat, ok := s.Coord(DimLat)
	if !ok || lat.Len() != 4 {
		t.Fatalf("lat coordinate missing or wrong length: %v %d", ok, lat.Len())
	}
	meta, ok := s.Meta("max_temperature")
	if !ok {
		t.Fatal("max_temperature metadata missing")
	}
	if meta.Chunks[0] != 2 || meta.Chunks[2] != 2 || meta.Chunks[3] != 2 {
		t.Fatalf("unexpected chunk layout: %v", meta.Chunks)
	}
}

func TestUnwrittenRegionReadsAsNaN(t *testing.T) {
	s, _ := newTestStore(t)

	a, err := s.ReadRegion(context.Background(), "max_temperature", []int{0, 0, 0, 0}, []int{1, 4, 4, 4})
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	for i, v := range a.Data {
		if !math.IsNaN(float64(v)) {
			t.Fatalf("expected NaN at %d, got %v", i, v)
		}
	}
}

func TestWriteRegionReadBack(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	region := NewArray([]int{1, 4, 2, 2})
	region.Set(24.9, 0, 3, 1, 0)
	region.Set(18.2, 0, 0, 0, 1)

	if err := s.WriteRegion(ctx, "max_temperature", []int{0, 0, 0, 0}, region); err != nil {
		t.Fatalf("WriteRegion: %v", err)
	}

	// Reopen from consolidated metadata and read the region back.
	reopened, err := Open(ctx, backend)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := reopened.ReadRegion(ctx, "max_temperature", []int{0, 0, 0, 0}, []int{1, 4, 2, 2})
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	if v := got.At(0, 3, 1, 0); v != 24.9 {
		t.Fatalf("expected 24.9, got %v", v)
	}
	if v := got.At(0, 0, 0, 1); v != 18.2 {
		t.Fatalf("expected 18.2, got %v", v)
	}
	// Untouched cell stays NaN.
	if v := got.At(0, 1, 1, 1); !math.IsNaN(float64(v)) {
		t.Fatalf("expected NaN, got %v", v)
	}
}

func TestWriteRegionIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	region := NewArray([]int{1, 4, 2, 2})
	for i := range region.Data {
		region.Data[i] = float32(i)
	}

	if err := s.WriteRegion(ctx, "max_temperature", []int{0, 0, 2, 2}, region); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := s.WriteRegion(ctx, "max_temperature", []int{0, 0, 2, 2}, region); err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, err := s.ReadRegion(ctx, "max_temperature", []int{0, 0, 2, 2}, []int{1, 4, 2, 2})
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	for i := range got.Data {
		if got.Data[i] != float32(i) {
			t.Fatalf("mismatch at %d: got %v want %v", i, got.Data[i], float32(i))
		}
	}
}

func TestWriteRegionRejectsMisalignedLatLon(t *testing.T) {
	s, _ := newTestStore(t)

	region := NewArray([]int{1, 4, 1, 2})
	err := s.WriteRegion(context.Background(), "max_temperature", []int{0, 0, 1, 0}, region)
	if err == nil {
		t.Fatal("expected chunk-alignment error for lat offset 1")
	}
}

func TestAppendAlongForecastDate(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	if err := s.AppendAlong(ctx, DimForecastDate, IntCoord([]int64{20001})); err != nil {
		t.Fatalf("AppendAlong: %v", err)
	}

	meta, _ := s.Meta("max_temperature")
	if meta.Shape[0] != 2 {
		t.Fatalf("expected forecast_date length 2, got %d", meta.Shape[0])
	}

	// The appended slab reads as NaN until written.
	a, err := s.ReadRegion(ctx, "min_temperature", []int{1, 0, 0, 0}, []int{1, 4, 4, 4})
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	for _, v := range a.Data {
		if !math.IsNaN(float64(v)) {
			t.Fatalf("appended slab should be NaN, got %v", v)
		}
	}

	// A reopened view observes the extended coordinate.
	reopened, err := Open(ctx, backend)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fd, _ := reopened.Coord(DimForecastDate)
	if fd.Len() != 2 || fd.Ints[1] != 20001 {
		t.Fatalf("unexpected forecast_date coordinate: %+v", fd)
	}
}

func TestCreateEmptyAxisKeepsConfiguredChunk(t *testing.T) {
	backend, err := NewDirBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirBackend: %v", err)
	}

	spec := CreateSpec{
		Dims: []DimSpec{
			{Name: DimForecastDate, Chunk: 20},
			{Name: DimLat, Chunk: 2},
			{Name: DimLon, Chunk: 2},
		},
		Coords: map[string]Coord{
			DimForecastDate: IntCoord(nil),
			DimLat:          FloatCoord([]float64{0.005, 0.015}),
			DimLon:          FloatCoord([]float64{0.005, 0.015}),
		},
		Vars: []VarSpec{
			{Name: "total_rainfall", Dims: []string{DimForecastDate, DimLat, DimLon}, Description: "daily rainfall"},
		},
		CRS: "EPSG:4326",
	}
	s, err := Create(context.Background(), backend, spec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Appends grow the shape; the chunk layout stays as configured.
	if err := s.AppendAlong(context.Background(), DimForecastDate, IntCoord([]int64{20000, 20001})); err != nil {
		t.Fatalf("AppendAlong: %v", err)
	}
	meta, ok := s.Meta("total_rainfall")
	if !ok {
		t.Fatal("total_rainfall metadata missing")
	}
	if meta.Chunks[0] != 20 {
		t.Fatalf("forecast_date chunk = %d, want 20", meta.Chunks[0])
	}
	if meta.Shape[0] != 2 {
		t.Fatalf("forecast_date length = %d, want 2", meta.Shape[0])
	}
}

func TestAppendAlongRejectsOtherDims(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.AppendAlong(context.Background(), DimLat, FloatCoord([]float64{1})); err == nil {
		t.Fatal("expected error appending along lat")
	}
}

func TestNearestIndex(t *testing.T) {
	c := FloatCoord([]float64{0.005, 0.015, 0.025, 0.035})

	cases := []struct {
		v    float64
		want int
	}{
		{0.005, 0},
		{0.009, 0},
		{0.011, 1},
		{0.035, 3},
		{1.0, 3},
		{-1.0, 0},
	}
	for _, tc := range cases {
		got, _ := NearestIndex(c, tc.v)
		if got != tc.want {
			t.Errorf("NearestIndex(%v) = %d, want %d", tc.v, got, tc.want)
		}
	}
}

func TestRangeIndices(t *testing.T) {
	c := FloatCoord([]float64{0.005, 0.015, 0.025, 0.035})

	lo, hi, ok := RangeIndices(c, 0.01, 0.03)
	if !ok || lo != 1 || hi != 2 {
		t.Fatalf("RangeIndices = (%d, %d, %v), want (1, 2, true)", lo, hi, ok)
	}

	if _, _, ok := RangeIndices(c, 0.04, 0.05); ok {
		t.Fatal("expected empty range")
	}
}

func TestLatestAtOrBefore(t *testing.T) {
	c := IntCoord([]int64{19990, 20000, 20010})

	if got := LatestAtOrBefore(c, 20005); got != 1 {
		t.Fatalf("LatestAtOrBefore(20005) = %d, want 1", got)
	}
	if got := LatestAtOrBefore(c, 19980); got != -1 {
		t.Fatalf("LatestAtOrBefore(19980) = %d, want -1", got)
	}
}
