package registry

import "github.com/gogpu/imgdag"

// Metadata describes an operator's static properties, consulted by the
// engine when planning dispatch (§4.2 "operator metadata").
type Metadata struct {
	// DevicePreference hints which device the operator runs best on; the
	// engine passes the graph's device handle regardless, this is
	// advisory only (the opaque-handle Non-goal means the kernel never
	// inspects it itself).
	DevicePreference imgdag.Device

	// TilePreference is the granularity a tiled variant should be
	// invoked at (§4.9): MICRO, NORMAL or MACRO.
	TilePreference imgdag.TilePreference

	// HaloPixels is the default halo this operator's tiled variants
	// need around their output ROI, applied when DirtyPropagator is nil
	// (§4.7.5 Gaussian-blur halo rule generalizes to any fixed-radius
	// filter).
	HaloPixels int

	// PreservesInputSize is true when the operator's output has the
	// same size as its first image input (the common case: pointwise
	// and local filters). False requires ShapeInference on the Entry
	// (§4.7.3).
	PreservesInputSize bool
}
