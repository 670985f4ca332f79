// Package nodecache implements the cache service (§4.5): an in-memory
// layer over graphmodel.NodeOutput plus an optional on-disk layer that
// shells out to an external image codec for pixel encoding.
//
// The in-memory half (MemoryCache) tracks byte-size rather than entry
// count, since a handful of large image buffers can dwarf hundreds of
// small data-only outputs. The disk half generalizes the teacher's
// disk-layout conventions to the {cache_root}/{node_id}/{location}
// scheme. Metadata sidecars use gopkg.in/yaml.v3, matching the rest of
// the module's YAML usage.
package nodecache

import (
	"context"
	"io"

	"github.com/gogpu/imgdag/buffer"
)

// ImageCodec is the external collaborator the core dispatches pixel
// encoding to (§1 Non-goals: "Image codecs ... The core invokes an
// 'image codec' interface for disk cache"). It mirrors the standard
// library's image.Decode shape: a format (PNG, EXR, raw, ...) carries
// its own width, height, channel count and bit depth, so the disk cache
// layer never needs to pass them in — it only knows the dtype/precision
// a buffer was quantized to before Encode, and recovers the in-memory
// dtype via buffer.FromPrecision after Decode.
type ImageCodec interface {
	// Encode writes buf's pixels to w.
	Encode(ctx context.Context, w io.Writer, buf *buffer.Buffer) error

	// Decode reads a pixel buffer back from r, in whatever dtype it was
	// encoded at.
	Decode(ctx context.Context, r io.Reader) (*buffer.Buffer, error)
}
