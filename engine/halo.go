package engine

import (
	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/registry"
)

// inputROIForTile implements §4.7.5: the default halo rule used when an
// operator has neither a custom DirtyPropagator nor a declared
// Metadata.HaloPixels is zero halo (the tile's own output ROI, clipped
// to the input's bounds). An operator that does declare HaloPixels gets
// it applied uniformly; registry.Entry.PropagateDirty already implements
// this fallback chain, so this helper only adds the final clip to the
// parent's bounds that both the tiled dispatch and the dirty-ROI planner
// need after calling it.
func inputROIForTile(entry *registry.Entry, outputROI imgdag.Rect, params map[string]imgdag.Value, parentBounds imgdag.Size) imgdag.Rect {
	return entry.PropagateDirty(outputROI, params).Clip(parentBounds)
}

// blurHaloPixels implements the convolution radius rule named in §4.7.5:
// "max(kernel_radius, (kernel_size-1)/2, 1)". It is unexported and has no
// caller in this module; an operator declares its halo through
// Metadata.HaloPixels itself.
func blurHaloPixels(kernelRadius, kernelSize int) int {
	halo := kernelRadius
	if r := (kernelSize - 1) / 2; r > halo {
		halo = r
	}
	if halo < 1 {
		halo = 1
	}
	return halo
}
