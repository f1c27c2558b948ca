package zarr

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Chunk codecs. All variables encode as little-endian ("<f4"/"<f8"/"<i8")
// with zstd compression; coordinates are stored uncompressed for cheap
// metadata-only opens.

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder

	decoderPool = sync.Pool{
		New: func() any {
			d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				// Never fails with nil input and default options.
				panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
			}
			return d
		},
	}
)

func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		var err error
		encoder, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
		}
	})
	return encoder
}

func compressZstd(data []byte) []byte {
	return zstdEncoder().EncodeAll(data, nil)
}

func decompressZstd(data []byte) ([]byte, error) {
	d := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(d)
	out, err := d.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}

// encodeFloat32s renders values as little-endian float32 bytes.
func encodeFloat32s(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// decodeFloat32s parses little-endian float32 bytes, matching the Zarr
// "<f4" dtype.
func decodeFloat32s(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of 4 bytes", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// encodeFloat64s renders values as little-endian float64 bytes ("<f8").
func encodeFloat64s(values []float64) []byte {
	out := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

// decodeFloat64s parses little-endian float64 bytes.
func decodeFloat64s(data []byte) ([]float64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of 8 bytes", len(data))
	}
	out := make([]float64, len(data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out, nil
}

// encodeInt64s renders values as little-endian int64 bytes ("<i8").
func encodeInt64s(values []int64) []byte {
	out := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[i*8:], uint64(v))
	}
	return out
}

// decodeInt64s parses little-endian int64 bytes.
func decodeInt64s(data []byte) ([]int64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of 8 bytes", len(data))
	}
	out := make([]int64, len(data)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out, nil
}
