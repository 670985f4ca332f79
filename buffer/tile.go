package buffer

import "github.com/gogpu/imgdag"

// Tile is a non-owning view of a rectangular region of a parent Buffer,
// tagged with its canvas-space ROI. Generalizes the teacher's fixed
// 64x64 parallel.Tile (internal/parallel/tile.go) to the spec's
// variable tile sizes (RT=16, HP micro=64, HP macro=256, §4.9) by making
// the ROI a first-class field instead of a fixed grid index.
type Tile struct {
	// ROI is the tile's rectangle in the parent buffer's coordinate space.
	ROI imgdag.Rect
	// Buf is a SubView of the parent covering ROI; writes through it are
	// writes to the parent.
	Buf *Buffer
}

// NewTile returns a Tile viewing roi within parent. roi is clipped to
// parent's bounds first, so a caller can pass an unclipped planned ROI.
func NewTile(parent *Buffer, roi imgdag.Rect) (Tile, bool) {
	clipped := roi.Clip(parent.Size())
	if clipped.Empty() {
		return Tile{}, false
	}
	view := parent.SubView(clipped)
	if view == nil {
		return Tile{}, false
	}
	return Tile{ROI: clipped, Buf: view}, true
}

// TilesCovering enumerates the tile rectangles of edge length tileSize
// that cover region, in row-major order. Edge tiles are clipped to
// region's bounds, exactly like the teacher's TileGrid.allocateTiles edge
// handling, but starting from an arbitrary region rather than always
// (0,0)-(width,height).
func TilesCovering(region imgdag.Rect, tileSize int) []imgdag.Rect {
	if region.Empty() || tileSize <= 0 {
		return nil
	}
	startX := floorMultiple(region.X, tileSize)
	startY := floorMultiple(region.Y, tileSize)

	var out []imgdag.Rect
	for y := startY; y < region.Bottom(); y += tileSize {
		for x := startX; x < region.Right(); x += tileSize {
			r := imgdag.Rect{X: x, Y: y, W: tileSize, H: tileSize}.Intersect(region)
			if !r.Empty() {
				out = append(out, r)
			}
		}
	}
	return out
}

func floorMultiple(v, align int) int {
	q := v / align
	if v%align != 0 && v < 0 {
		q--
	}
	return q * align
}
