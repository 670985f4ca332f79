// Package buffer implements the image buffer data model (§3, §4.1): a
// contiguous, strided pixel store parameterized by channel count and
// scalar dtype, with reference-counted shared ownership so a NodeOutput
// can be fanned out to several downstream consumers without copying.
//
// It generalizes the teacher's fixed-format image.ImageBuf
// (internal/image/buf.go) from a closed set of RGBA8/Gray8 formats to the
// spec's arbitrary (Channels, DType) pair, and drops lazy premultiplication
// caching, which was specific to the teacher's compositing pipeline.
package buffer

import (
	"errors"
	"sync/atomic"

	"github.com/gogpu/imgdag"
)

var (
	// ErrInvalidDimensions is returned when width or height is non-positive.
	ErrInvalidDimensions = errors.New("buffer: invalid dimensions")
	// ErrInvalidChannels is returned when the channel count is non-positive.
	ErrInvalidChannels = errors.New("buffer: invalid channel count")
	// ErrInvalidStride is returned when stride is less than the minimum
	// required by width, channels and dtype.
	ErrInvalidStride = errors.New("buffer: stride too small for width")
	// ErrDataTooSmall is returned when provided data is smaller than the
	// region stride*height requires.
	ErrDataTooSmall = errors.New("buffer: data buffer too small")
	// ErrOutOfBounds is returned when pixel coordinates fall outside the
	// buffer.
	ErrOutOfBounds = errors.New("buffer: coordinates out of bounds")
)

// Buffer is a memory-efficient, strided pixel store. It is the concrete
// type behind NodeOutput.Image (§3 NodeOutput).
//
// Thread safety: a Buffer is safe for concurrent read access once fully
// written. Write operations (Set*, Clear) require external
// synchronization, exactly as in the teacher's ImageBuf.
type Buffer struct {
	data     []byte
	width    int
	height   int
	channels int
	dtype    imgdag.DType
	stride   int
	device   imgdag.Device

	refs *atomic.Int32
}

// bytesPerPixel is channels * dtype.ByteSize().
func bytesPerPixel(channels int, dtype imgdag.DType) int {
	return channels * dtype.ByteSize()
}

// New creates a buffer with the minimum stride for (width, channels, dtype).
func New(width, height, channels int, dtype imgdag.DType) (*Buffer, error) {
	return NewWithStride(width, height, channels, dtype, width*bytesPerPixel(channels, dtype))
}

// NewWithStride creates a buffer with an explicit row stride, in bytes.
// stride must be at least width*channels*dtype.ByteSize().
func NewWithStride(width, height, channels int, dtype imgdag.DType, stride int) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidDimensions
	}
	if channels <= 0 {
		return nil, ErrInvalidChannels
	}
	if !dtype.IsValid() {
		return nil, errors.New("buffer: invalid dtype")
	}
	minStride := width * bytesPerPixel(channels, dtype)
	if stride < minStride {
		return nil, ErrInvalidStride
	}

	refs := &atomic.Int32{}
	refs.Store(1)
	return &Buffer{
		data:     make([]byte, stride*height),
		width:    width,
		height:   height,
		channels: channels,
		dtype:    dtype,
		stride:   stride,
		refs:     refs,
	}, nil
}

// FromRaw wraps existing data without copying. The caller must ensure
// data outlives the Buffer and any views derived from it.
func FromRaw(data []byte, width, height, channels int, dtype imgdag.DType, stride int) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidDimensions
	}
	if channels <= 0 {
		return nil, ErrInvalidChannels
	}
	minStride := width * bytesPerPixel(channels, dtype)
	if stride < minStride {
		return nil, ErrInvalidStride
	}
	required := stride * height
	if len(data) < required {
		return nil, ErrDataTooSmall
	}

	refs := &atomic.Int32{}
	refs.Store(1)
	return &Buffer{
		data:     data[:required],
		width:    width,
		height:   height,
		channels: channels,
		dtype:    dtype,
		stride:   stride,
		refs:     refs,
	}, nil
}

// Retain increments the buffer's reference count. Every producer that
// hands a *Buffer to more than one consumer (§3 Ownership & Lifecycle:
// "a NodeOutput may be referenced by several downstream consumers without
// copying") must Retain once per extra holder and Release when done.
func (b *Buffer) Retain() *Buffer {
	b.refs.Add(1)
	return b
}

// Release decrements the reference count. It reports whether this call
// dropped the count to zero, i.e. the caller was the last owner. Buffer
// does not free Go-managed memory itself; Release exists so a disk cache
// or tile pool can return the underlying storage for reuse once it is
// known to be unobserved.
func (b *Buffer) Release() bool {
	return b.refs.Add(-1) == 0
}

// RefCount reports the current reference count, for diagnostics and tests.
func (b *Buffer) RefCount() int32 { return b.refs.Load() }

// Clone creates a deep, independently-owned copy (refcount 1) of b.
func (b *Buffer) Clone() *Buffer {
	newData := make([]byte, len(b.data))
	copy(newData, b.data)
	refs := &atomic.Int32{}
	refs.Store(1)
	return &Buffer{
		data:     newData,
		width:    b.width,
		height:   b.height,
		channels: b.channels,
		dtype:    b.dtype,
		stride:   b.stride,
		device:   b.device,
		refs:     refs,
	}
}

func (b *Buffer) Width() int             { return b.width }
func (b *Buffer) Height() int            { return b.height }
func (b *Buffer) Channels() int          { return b.channels }
func (b *Buffer) DType() imgdag.DType    { return b.dtype }
func (b *Buffer) Stride() int            { return b.stride }
func (b *Buffer) Device() imgdag.Device  { return b.device }
func (b *Buffer) SetDevice(d imgdag.Device) { b.device = d }

// Size returns (width, height) as an imgdag.Size.
func (b *Buffer) Size() imgdag.Size { return imgdag.Size{Width: b.width, Height: b.height} }

// Bounds returns the full-extent rectangle [0,0,width,height).
func (b *Buffer) Bounds() imgdag.Rect { return imgdag.RectFromSize(b.Size()) }

// Data returns the raw pixel bytes. Modifying this slice modifies the
// buffer in place.
func (b *Buffer) Data() []byte { return b.data }

// RowBytes returns the valid (non-padding) bytes of row y, or nil if y is
// out of range.
func (b *Buffer) RowBytes(y int) []byte {
	if y < 0 || y >= b.height {
		return nil
	}
	start := y * b.stride
	end := start + b.width*bytesPerPixel(b.channels, b.dtype)
	return b.data[start:end]
}

// PixelOffset returns the byte offset of pixel (x, y), or -1 if out of
// bounds.
func (b *Buffer) PixelOffset(x, y int) int {
	if x < 0 || x >= b.width || y < 0 || y >= b.height {
		return -1
	}
	return y*b.stride + x*bytesPerPixel(b.channels, b.dtype)
}

// PixelBytes returns the raw bytes for pixel (x, y), or nil if out of
// bounds.
func (b *Buffer) PixelBytes(x, y int) []byte {
	offset := b.PixelOffset(x, y)
	if offset < 0 {
		return nil
	}
	bpp := bytesPerPixel(b.channels, b.dtype)
	return b.data[offset : offset+bpp]
}

// At returns the channel values at (x, y) decoded to float64, regardless
// of the buffer's dtype. Returns nil if out of bounds.
func (b *Buffer) At(x, y int) []float64 {
	px := b.PixelBytes(x, y)
	if px == nil {
		return nil
	}
	out := make([]float64, b.channels)
	for c := 0; c < b.channels; c++ {
		out[c] = decodeChannel(b.dtype, px, c)
	}
	return out
}

// Set writes channel values at (x, y), encoding each to the buffer's
// dtype. values must have at least Channels() entries. Returns
// ErrOutOfBounds if (x, y) is outside the buffer.
func (b *Buffer) Set(x, y int, values []float64) error {
	offset := b.PixelOffset(x, y)
	if offset < 0 {
		return ErrOutOfBounds
	}
	bpp := bytesPerPixel(b.channels, b.dtype)
	px := b.data[offset : offset+bpp]
	for c := 0; c < b.channels && c < len(values); c++ {
		encodeChannel(b.dtype, px, c, values[c])
	}
	return nil
}

// Clear zeroes all pixel data.
func (b *Buffer) Clear() { clear(b.data) }

// ByteSize returns the total size of the pixel data in bytes.
func (b *Buffer) ByteSize() int { return len(b.data) }

// IsEmpty reports whether the buffer has zero area.
func (b *Buffer) IsEmpty() bool { return b.width == 0 || b.height == 0 }

// SubView returns a non-owning view into a rectangular region of b,
// sharing the same backing array. Returns nil if r does not fit within
// b's bounds. Used by tile-level engines to address a ROI without
// copying (§4.1, §4.9).
func (b *Buffer) SubView(r imgdag.Rect) *Buffer {
	if r.Empty() {
		return nil
	}
	if r.X < 0 || r.Y < 0 || r.Right() > b.width || r.Bottom() > b.height {
		return nil
	}
	bpp := bytesPerPixel(b.channels, b.dtype)
	offset := r.Y*b.stride + r.X*bpp
	endOffset := (r.Y+r.H-1)*b.stride + r.Right()*bpp
	return &Buffer{
		data:     b.data[offset:endOffset],
		width:    r.W,
		height:   r.H,
		channels: b.channels,
		dtype:    b.dtype,
		stride:   b.stride,
		device:   b.device,
		refs:     b.refs,
	}
}
