package zarr

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"agromet/internal/types"
)

// Coord is a decoded 1-D coordinate array. Exactly one of Ints or Floats is
// populated, matching the declared dtype ("<i8" or "<f8"). Date-like
// coordinates store days since the Unix epoch; the hourly "time" coordinate
// stores the hour of day.
type Coord struct {
	DType  string
	Ints   []int64
	Floats []float64
}

// Len returns the number of coordinate values.
func (c Coord) Len() int {
	if c.DType == "<i8" {
		return len(c.Ints)
	}
	return len(c.Floats)
}

// Float returns the value at i as a float64 regardless of dtype.
func (c Coord) Float(i int) float64 {
	if c.DType == "<i8" {
		return float64(c.Ints[i])
	}
	return c.Floats[i]
}

// IntCoord builds an integer coordinate.
func IntCoord(values []int64) Coord {
	return Coord{DType: "<i8", Ints: values}
}

// FloatCoord builds a float coordinate.
func FloatCoord(values []float64) Coord {
	return Coord{DType: "<f8", Floats: values}
}

// DimSpec declares one dimension and its chunk length. Chunk lengths are
// immutable after creation.
type DimSpec struct {
	Name  string
	Chunk int
}

// VarSpec declares one variable over a subset of the store dimensions.
type VarSpec struct {
	Name        string
	Dims        []string
	BandNumber  int
	Description string
}

// CreateSpec is the full layout for a new store.
type CreateSpec struct {
	Dims   []DimSpec
	Coords map[string]Coord
	Vars   []VarSpec
	CRS    string
}

// Array is a dense N-D float32 buffer in C (row-major) order.
type Array struct {
	Shape []int
	Data  []float32
}

// NewArray allocates an array of the given shape filled with NaN.
func NewArray(shape []int) *Array {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	nan := float32(math.NaN())
	for i := range data {
		data[i] = nan
	}
	return &Array{Shape: append([]int(nil), shape...), Data: data}
}

// At returns the value at the given multi-index.
func (a *Array) At(idx ...int) float32 {
	return a.Data[a.flat(idx)]
}

// Set writes the value at the given multi-index.
func (a *Array) Set(v float32, idx ...int) {
	a.Data[a.flat(idx)] = v
}

func (a *Array) flat(idx []int) int {
	flat := 0
	for i, x := range idx {
		flat = flat*a.Shape[i] + x
	}
	return flat
}

// Store is an open chunked array store. All mutating operations
// re-consolidate metadata so concurrent readers opening via .zmetadata
// observe a complete snapshot.
type Store struct {
	backend Backend

	mu     sync.RWMutex
	dims   []string
	chunks map[string]int // dim -> chunk length
	arrays map[string]*ArrayMeta
	attrs  map[string]Attrs
	coords map[string]Coord
}

// Create writes a new empty store with coordinate arrays and consolidated
// metadata. Variable chunks are never materialized here: an absent chunk
// reads as the NaN fill value, which is the all-NaN region the layout
// requires.
func Create(ctx context.Context, backend Backend, spec CreateSpec) (*Store, error) {
	s := &Store{
		backend: backend,
		chunks:  make(map[string]int),
		arrays:  make(map[string]*ArrayMeta),
		attrs:   make(map[string]Attrs),
		coords:  make(map[string]Coord),
	}

	for _, d := range spec.Dims {
		coord, ok := spec.Coords[d.Name]
		if !ok {
			return nil, storeErr(fmt.Sprintf("missing coordinate values for dimension %q", d.Name), nil)
		}
		if d.Chunk <= 0 {
			return nil, storeErr(fmt.Sprintf("dimension %q has no chunk length", d.Name), nil)
		}
		s.dims = append(s.dims, d.Name)
		s.chunks[d.Name] = d.Chunk
		s.coords[d.Name] = coord
		s.arrays[d.Name] = &ArrayMeta{
			Shape:      []int{coord.Len()},
			Chunks:     []int{maxInt(coord.Len(), 1)},
			DType:      coord.DType,
			Compressor: nil,
			FillValue:  nil,
			Order:      "C",
			ZarrFormat: zarrFormat,
		}
		s.attrs[d.Name] = Attrs{"_ARRAY_DIMENSIONS": []string{d.Name}}
		if err := s.writeCoord(ctx, d.Name); err != nil {
			return nil, err
		}
	}

	for i, v := range spec.Vars {
		shape := make([]int, len(v.Dims))
		chunks := make([]int, len(v.Dims))
		for j, dim := range v.Dims {
			coord, ok := s.coords[dim]
			if !ok {
				return nil, storeErr(fmt.Sprintf("variable %q references unknown dimension %q", v.Name, dim), nil)
			}
			shape[j] = coord.Len()
			// The configured chunk length holds even while the axis is
			// still empty; appends grow the shape, never the chunking.
			chunks[j] = s.chunks[dim]
		}
		s.arrays[v.Name] = &ArrayMeta{
			Shape:      shape,
			Chunks:     chunks,
			DType:      "<f4",
			Compressor: &Compressor{ID: "zstd", Level: 3},
			FillValue:  "NaN",
			Order:      "C",
			ZarrFormat: zarrFormat,
		}
		s.attrs[v.Name] = NewVarAttrs(v.Dims, i+1, v.Description, spec.CRS)
	}

	if err := s.consolidate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Open reads a store via its consolidated metadata. The open itself is a
// single backend read; chunk access stays lazy.
func Open(ctx context.Context, backend Backend) (*Store, error) {
	raw, err := backend.Get(ctx, consolidatedKey)
	if err != nil {
		return nil, storeErr("failed to read consolidated metadata", err)
	}

	var meta ConsolidatedMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, storeErr("failed to parse consolidated metadata", err)
	}

	s := &Store{
		backend: backend,
		chunks:  make(map[string]int),
		arrays:  make(map[string]*ArrayMeta),
		attrs:   make(map[string]Attrs),
		coords:  make(map[string]Coord),
	}

	for key, doc := range meta.Metadata {
		switch {
		case hasSuffixKey(key, arrayMetaSuffix):
			name := trimSuffixKey(key, arrayMetaSuffix)
			var am ArrayMeta
			if err := json.Unmarshal(doc, &am); err != nil {
				return nil, storeErr(fmt.Sprintf("bad .zarray for %q", name), err)
			}
			s.arrays[name] = &am
		case hasSuffixKey(key, attrsSuffix):
			name := trimSuffixKey(key, attrsSuffix)
			var at Attrs
			if err := json.Unmarshal(doc, &at); err != nil {
				return nil, storeErr(fmt.Sprintf("bad .zattrs for %q", name), err)
			}
			if name == "" {
				if dims, ok := at["dims"].([]any); ok {
					for _, d := range dims {
						if ds, ok := d.(string); ok {
							s.dims = append(s.dims, ds)
						}
					}
				}
				continue
			}
			s.attrs[name] = at
		}
	}

	// A name with a 1-D array whose single dimension is itself is a
	// coordinate; decode it eagerly so selection is in-memory.
	for name, am := range s.arrays {
		at := s.attrs[name]
		dims := at.Dims()
		if len(dims) == 1 && dims[0] == name {
			coord, err := s.readCoord(ctx, name, am)
			if err != nil {
				return nil, err
			}
			s.coords[name] = coord
			s.chunks[name] = am.Chunks[0]
		}
	}

	// Recover dim order from any variable when group attrs are absent.
	if len(s.dims) == 0 {
		for name, at := range s.attrs {
			if _, isCoord := s.coords[name]; isCoord {
				continue
			}
			if d := at.Dims(); len(d) > len(s.dims) {
				s.dims = d
			}
		}
	}

	// Variable chunk lengths override dim chunk lengths where recorded.
	for name, am := range s.arrays {
		if _, isCoord := s.coords[name]; isCoord {
			continue
		}
		for j, dim := range s.attrs[name].Dims() {
			if _, ok := s.chunks[dim]; !ok && j < len(am.Chunks) {
				s.chunks[dim] = am.Chunks[j]
			}
		}
	}

	return s, nil
}

// Dims returns the store's dimension order.
func (s *Store) Dims() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.dims...)
}

// Vars returns the non-coordinate variable names.
func (s *Store) Vars() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for name := range s.arrays {
		if _, isCoord := s.coords[name]; !isCoord {
			out = append(out, name)
		}
	}
	return out
}

// Coord returns a coordinate array by dimension name.
func (s *Store) Coord(dim string) (Coord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.coords[dim]
	return c, ok
}

// Meta returns the array metadata for a variable or coordinate.
func (s *Store) Meta(name string) (*ArrayMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.arrays[name]
	return m, ok
}

// VarDims returns the dimension names of a variable.
func (s *Store) VarDims(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attrs[name].Dims()
}

// AppendAlong extends the named dimension with new coordinate values and
// grows every variable carrying that dimension. Only the forecast-date
// (or historical date) axis is appendable. New slabs are all-NaN by fill
// value until regions are written.
func (s *Store) AppendAlong(ctx context.Context, dim string, newValues Coord) error {
	if dim != DimForecastDate && dim != DimDate {
		return storeErr(fmt.Sprintf("dimension %q is not appendable", dim), nil)
	}
	if newValues.Len() == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coord, ok := s.coords[dim]
	if !ok {
		return storeErr(fmt.Sprintf("unknown dimension %q", dim), nil)
	}
	if coord.DType != newValues.DType {
		return storeErr(fmt.Sprintf("coordinate dtype mismatch on %q", dim), nil)
	}

	if coord.DType == "<i8" {
		coord.Ints = append(coord.Ints, newValues.Ints...)
	} else {
		coord.Floats = append(coord.Floats, newValues.Floats...)
	}
	s.coords[dim] = coord

	am := s.arrays[dim]
	am.Shape = []int{coord.Len()}
	am.Chunks = []int{coord.Len()}
	if err := s.writeCoord(ctx, dim); err != nil {
		return err
	}

	for name, meta := range s.arrays {
		if _, isCoord := s.coords[name]; isCoord {
			continue
		}
		for j, d := range s.attrs[name].Dims() {
			if d == dim {
				meta.Shape[j] = coord.Len()
			}
		}
	}

	return s.consolidate(ctx)
}

// WriteRegion overwrites the region of a variable starting at offset with
// the given array. Along lat/lon the region must begin and end at chunk
// edges or array edges; the append dimension may be any width (chunks are
// read-modified-written). The write re-consolidates metadata.
func (s *Store) WriteRegion(ctx context.Context, varName string, offset []int, a *Array) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.arrays[varName]
	if !ok {
		return storeErr(fmt.Sprintf("unknown variable %q", varName), nil)
	}
	if _, isCoord := s.coords[varName]; isCoord {
		return storeErr(fmt.Sprintf("%q is a coordinate, not writable by region", varName), nil)
	}
	if len(offset) != len(meta.Shape) || len(a.Shape) != len(meta.Shape) {
		return storeErr(fmt.Sprintf("region rank mismatch for %q", varName), nil)
	}

	dims := s.attrs[varName].Dims()
	for i := range offset {
		end := offset[i] + a.Shape[i]
		if offset[i] < 0 || end > meta.Shape[i] {
			return storeErr(fmt.Sprintf("region out of bounds on %q dim %d", varName, i), nil)
		}
		if i < len(dims) && (dims[i] == DimLat || dims[i] == DimLon) {
			chunk := meta.Chunks[i]
			if offset[i]%chunk != 0 || (end%chunk != 0 && end != meta.Shape[i]) {
				return storeErr(fmt.Sprintf("region not chunk-aligned on %q dim %s", varName, dims[i]), nil)
			}
		}
	}

	if err := s.rmwChunks(ctx, varName, meta, offset, a); err != nil {
		return err
	}
	return s.consolidate(ctx)
}

// ReadRegion materializes the region of a variable starting at offset with
// the given shape. Absent chunks read as the fill value.
func (s *Store) ReadRegion(ctx context.Context, varName string, offset, shape []int) (*Array, error) {
	s.mu.RLock()
	meta, ok := s.arrays[varName]
	s.mu.RUnlock()
	if !ok {
		return nil, storeErr(fmt.Sprintf("unknown variable %q", varName), nil)
	}
	if len(offset) != len(meta.Shape) || len(shape) != len(meta.Shape) {
		return nil, storeErr(fmt.Sprintf("region rank mismatch for %q", varName), nil)
	}
	for i := range offset {
		if offset[i] < 0 || offset[i]+shape[i] > meta.Shape[i] {
			return nil, storeErr(fmt.Sprintf("region out of bounds on %q dim %d", varName, i), nil)
		}
	}

	out := NewArray(shape)
	err := s.forEachChunk(meta, offset, shape, func(chunkCoord []int) error {
		chunk, found, err := s.loadChunk(ctx, varName, meta, chunkCoord)
		if err != nil {
			return err
		}
		if !found {
			return nil // fill value already in place
		}
		copyOverlap(meta, chunkCoord, chunk, offset, out, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// rmwChunks writes the region by read-modify-write over every overlapped
// chunk.
func (s *Store) rmwChunks(ctx context.Context, varName string, meta *ArrayMeta, offset []int, a *Array) error {
	return s.forEachChunk(meta, offset, a.Shape, func(chunkCoord []int) error {
		chunk, found, err := s.loadChunk(ctx, varName, meta, chunkCoord)
		if err != nil {
			return err
		}
		if !found {
			chunk = newFillChunk(meta)
		}
		copyOverlap(meta, chunkCoord, chunk, offset, a, true)
		return s.storeChunk(ctx, varName, chunkCoord, chunk)
	})
}

// forEachChunk invokes fn for every chunk coordinate overlapped by the
// region [offset, offset+shape).
func (s *Store) forEachChunk(meta *ArrayMeta, offset, shape []int, fn func(chunkCoord []int) error) error {
	rank := len(meta.Shape)
	lo := make([]int, rank)
	hi := make([]int, rank)
	for i := 0; i < rank; i++ {
		lo[i] = offset[i] / meta.Chunks[i]
		hi[i] = (offset[i] + shape[i] - 1) / meta.Chunks[i]
	}

	coord := append([]int(nil), lo...)
	for {
		if err := fn(append([]int(nil), coord...)); err != nil {
			return err
		}
		// Advance odometer.
		i := rank - 1
		for ; i >= 0; i-- {
			coord[i]++
			if coord[i] <= hi[i] {
				break
			}
			coord[i] = lo[i]
		}
		if i < 0 {
			return nil
		}
	}
}

// loadChunk decodes a chunk buffer, reporting found=false for absent keys.
func (s *Store) loadChunk(ctx context.Context, varName string, meta *ArrayMeta, chunkCoord []int) ([]float32, bool, error) {
	key := varName + "/" + chunkName(chunkCoord)
	raw, err := s.backend.Get(ctx, key)
	if err != nil {
		if err == ErrKeyNotFound {
			return nil, false, nil
		}
		return nil, false, storeErr(fmt.Sprintf("failed to read chunk %s", key), err)
	}
	if meta.Compressor != nil {
		raw, err = decompressZstd(raw)
		if err != nil {
			return nil, false, storeErr(fmt.Sprintf("failed to decompress chunk %s", key), err)
		}
	}
	values, err := decodeFloat32s(raw)
	if err != nil {
		return nil, false, storeErr(fmt.Sprintf("failed to parse chunk %s", key), err)
	}
	return values, true, nil
}

// storeChunk encodes and writes a chunk buffer.
func (s *Store) storeChunk(ctx context.Context, varName string, chunkCoord []int, values []float32) error {
	key := varName + "/" + chunkName(chunkCoord)
	data := compressZstd(encodeFloat32s(values))
	if err := s.backend.Put(ctx, key, data); err != nil {
		return storeErr(fmt.Sprintf("failed to write chunk %s", key), err)
	}
	return nil
}

// newFillChunk allocates a chunk buffer filled with the fill value.
func newFillChunk(meta *ArrayMeta) []float32 {
	n := 1
	for _, c := range meta.Chunks {
		n *= c
	}
	fill := float32(meta.FillValueFloat())
	out := make([]float32, n)
	for i := range out {
		out[i] = fill
	}
	return out
}

// copyOverlap copies the intersection of a chunk and a region between the
// chunk buffer and the region array. When toChunk is true the region is the
// source, otherwise the chunk is.
func copyOverlap(meta *ArrayMeta, chunkCoord []int, chunk []float32, regionOffset []int, region *Array, toChunk bool) {
	rank := len(meta.Shape)

	// Intersection bounds in global coordinates.
	lo := make([]int, rank)
	hi := make([]int, rank)
	for i := 0; i < rank; i++ {
		cLo := chunkCoord[i] * meta.Chunks[i]
		cHi := minInt(cLo+meta.Chunks[i], meta.Shape[i])
		rLo := regionOffset[i]
		rHi := rLo + region.Shape[i]
		lo[i] = maxInt(cLo, rLo)
		hi[i] = minInt(cHi, rHi)
		if lo[i] >= hi[i] {
			return
		}
	}

	idx := append([]int(nil), lo...)
	for {
		// Flat index within the chunk buffer.
		cFlat := 0
		for i := 0; i < rank; i++ {
			cFlat = cFlat*meta.Chunks[i] + (idx[i] - chunkCoord[i]*meta.Chunks[i])
		}
		// Flat index within the region array.
		rFlat := 0
		for i := 0; i < rank; i++ {
			rFlat = rFlat*region.Shape[i] + (idx[i] - regionOffset[i])
		}

		// Copy a contiguous run along the last dimension.
		run := hi[rank-1] - idx[rank-1]
		if toChunk {
			copy(chunk[cFlat:cFlat+run], region.Data[rFlat:rFlat+run])
		} else {
			copy(region.Data[rFlat:rFlat+run], chunk[cFlat:cFlat+run])
		}

		// Advance all but the last dimension.
		i := rank - 2
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < hi[i] {
				break
			}
			idx[i] = lo[i]
		}
		if i < 0 {
			return
		}
	}
}

// writeCoord persists a coordinate array as a single uncompressed chunk.
func (s *Store) writeCoord(ctx context.Context, dim string) error {
	coord := s.coords[dim]
	var data []byte
	if coord.DType == "<i8" {
		data = encodeInt64s(coord.Ints)
	} else {
		data = encodeFloat64s(coord.Floats)
	}
	if err := s.backend.Put(ctx, dim+"/0", data); err != nil {
		return storeErr(fmt.Sprintf("failed to write coordinate %q", dim), err)
	}
	return nil
}

// readCoord decodes a coordinate array.
func (s *Store) readCoord(ctx context.Context, dim string, meta *ArrayMeta) (Coord, error) {
	raw, err := s.backend.Get(ctx, dim+"/0")
	if err != nil {
		return Coord{}, storeErr(fmt.Sprintf("failed to read coordinate %q", dim), err)
	}
	if meta.Compressor != nil {
		raw, err = decompressZstd(raw)
		if err != nil {
			return Coord{}, storeErr(fmt.Sprintf("failed to decompress coordinate %q", dim), err)
		}
	}
	switch meta.DType {
	case "<i8":
		values, err := decodeInt64s(raw)
		if err != nil {
			return Coord{}, storeErr(fmt.Sprintf("failed to parse coordinate %q", dim), err)
		}
		return IntCoord(values), nil
	case "<f8":
		values, err := decodeFloat64s(raw)
		if err != nil {
			return Coord{}, storeErr(fmt.Sprintf("failed to parse coordinate %q", dim), err)
		}
		return FloatCoord(values), nil
	default:
		return Coord{}, storeErr(fmt.Sprintf("unsupported coordinate dtype %q", meta.DType), nil)
	}
}

// consolidate rewrites .zmetadata from the in-memory layout. Every write
// path ends here so readers opening the consolidated document observe a
// complete snapshot.
func (s *Store) consolidate(ctx context.Context) error {
	meta := ConsolidatedMeta{
		Metadata: make(map[string]json.RawMessage),
		Format:   zarrConsolidatedFormat,
	}

	group, _ := json.Marshal(map[string]int{"zarr_format": zarrFormat})
	meta.Metadata[groupKey] = group
	groupAttrs, _ := json.Marshal(Attrs{"dims": s.dims})
	meta.Metadata[attrsSuffix] = groupAttrs
	if err := s.backend.Put(ctx, groupKey, group); err != nil {
		return storeErr("failed to write group metadata", err)
	}
	if err := s.backend.Put(ctx, attrsSuffix, groupAttrs); err != nil {
		return storeErr("failed to write group attributes", err)
	}

	for name, am := range s.arrays {
		doc, err := json.Marshal(am)
		if err != nil {
			return storeErr(fmt.Sprintf("failed to marshal .zarray for %q", name), err)
		}
		meta.Metadata[name+"/"+arrayMetaSuffix] = doc
		if err := s.backend.Put(ctx, name+"/"+arrayMetaSuffix, doc); err != nil {
			return storeErr(fmt.Sprintf("failed to write .zarray for %q", name), err)
		}

		if at, ok := s.attrs[name]; ok {
			doc, err := json.Marshal(at)
			if err != nil {
				return storeErr(fmt.Sprintf("failed to marshal .zattrs for %q", name), err)
			}
			meta.Metadata[name+"/"+attrsSuffix] = doc
			if err := s.backend.Put(ctx, name+"/"+attrsSuffix, doc); err != nil {
				return storeErr(fmt.Sprintf("failed to write .zattrs for %q", name), err)
			}
		}
	}

	doc, err := json.Marshal(meta)
	if err != nil {
		return storeErr("failed to marshal consolidated metadata", err)
	}
	if err := s.backend.Put(ctx, consolidatedKey, doc); err != nil {
		return storeErr("failed to write consolidated metadata", err)
	}
	return nil
}

func hasSuffixKey(key, suffix string) bool {
	return key == suffix || (len(key) > len(suffix)+1 && key[len(key)-len(suffix):] == suffix && key[len(key)-len(suffix)-1] == '/')
}

func trimSuffixKey(key, suffix string) string {
	if key == suffix {
		return ""
	}
	return key[:len(key)-len(suffix)-1]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func storeErr(msg string, err error) *types.AppError {
	return types.NewAppError(types.ErrCodeInternalUnexpected, "array store: "+msg, err)
}
