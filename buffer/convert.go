package buffer

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/imgdag"
)

// decodeChannel reads the c'th channel of pixel px (which holds one pixel's
// worth of raw bytes) as a float64, normalizing integer dtypes to [0, 1]
// the way the teacher's GetRGBA normalizes to [0, 255] (internal/image/buf.go).
// Float dtypes pass through unscaled.
func decodeChannel(dtype imgdag.DType, px []byte, c int) float64 {
	size := dtype.ByteSize()
	off := c * size
	switch dtype {
	case imgdag.U8:
		return float64(px[off]) / 255
	case imgdag.I8:
		return float64(int8(px[off])) / 127
	case imgdag.U16:
		return float64(binary.LittleEndian.Uint16(px[off:])) / 65535
	case imgdag.I16:
		return float64(int16(binary.LittleEndian.Uint16(px[off:]))) / 32767
	case imgdag.F32:
		bits := binary.LittleEndian.Uint32(px[off:])
		return float64(math.Float32frombits(bits))
	case imgdag.F64:
		bits := binary.LittleEndian.Uint64(px[off:])
		return math.Float64frombits(bits)
	default:
		return 0
	}
}

// encodeChannel writes value (normalized the same way decodeChannel reads
// it) into the c'th channel of pixel px.
func encodeChannel(dtype imgdag.DType, px []byte, c int, value float64) {
	size := dtype.ByteSize()
	off := c * size
	switch dtype {
	case imgdag.U8:
		px[off] = byte(clamp01(value) * 255)
	case imgdag.I8:
		px[off] = byte(int8(clampSigned(value) * 127))
	case imgdag.U16:
		binary.LittleEndian.PutUint16(px[off:], uint16(clamp01(value)*65535))
	case imgdag.I16:
		binary.LittleEndian.PutUint16(px[off:], uint16(int16(clampSigned(value)*32767)))
	case imgdag.F32:
		binary.LittleEndian.PutUint32(px[off:], math.Float32bits(float32(value)))
	case imgdag.F64:
		binary.LittleEndian.PutUint64(px[off:], math.Float64bits(value))
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampSigned(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

// ToPrecision converts b to a new Buffer quantized to the cache disk
// precision requested (§6.2: "pixel values are quantized to int8 or int16
// when the requested precision narrows the in-memory dtype"). PrecisionNative
// returns a Clone of b unchanged.
func ToPrecision(b *Buffer, precision imgdag.Precision) (*Buffer, error) {
	target := PrecisionDType(precision, b.dtype)
	if target == b.dtype {
		return b.Clone(), nil
	}
	out, err := New(b.width, b.height, b.channels, target)
	if err != nil {
		return nil, err
	}
	values := make([]float64, b.channels)
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			copy(values, b.At(x, y))
			_ = out.Set(x, y, values)
		}
	}
	return out, nil
}

// FromPrecision is the inverse of ToPrecision: it upconverts a
// disk-precision buffer back to the requested in-memory dtype, used on
// cache load (§6.2).
func FromPrecision(b *Buffer, dtype imgdag.DType) (*Buffer, error) {
	if b.dtype == dtype {
		return b.Clone(), nil
	}
	out, err := New(b.width, b.height, b.channels, dtype)
	if err != nil {
		return nil, err
	}
	values := make([]float64, b.channels)
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			copy(values, b.At(x, y))
			_ = out.Set(x, y, values)
		}
	}
	return out, nil
}

// PrecisionDType returns the on-disk dtype a given cache precision
// quantizes to (native returns native unchanged). Exposed so the disk
// cache layer can request the matching dtype back from an image codec
// on load, instead of guessing at the format it wrote (§6.2).
func PrecisionDType(precision imgdag.Precision, native imgdag.DType) imgdag.DType {
	switch precision {
	case imgdag.PrecisionInt8:
		return imgdag.U8
	case imgdag.PrecisionInt16:
		return imgdag.U16
	default:
		return native
	}
}
