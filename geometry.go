package imgdag

// Size is a width/height pair in pixels.
type Size struct {
	Width, Height int
}

// Empty reports whether the size has no area.
func (s Size) Empty() bool { return s.Width <= 0 || s.Height <= 0 }

// Rect is an axis-aligned pixel rectangle, half-open on the right/bottom:
// it covers [X, X+W) x [Y, Y+H).
type Rect struct {
	X, Y, W, H int
}

// Empty reports whether the rectangle covers no pixels.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Right returns the exclusive right edge (X + W).
func (r Rect) Right() int { return r.X + r.W }

// Bottom returns the exclusive bottom edge (Y + H).
func (r Rect) Bottom() int { return r.Y + r.H }

// RectFromSize returns the full-bounds rectangle of a Size.
func RectFromSize(s Size) Rect { return Rect{0, 0, s.Width, s.Height} }

// Clip intersects r with the bounds of size, returning an empty rect
// (not an error) if they do not overlap. Tile and ROI clipping is
// required before any tile op per the Image Buffer contract (§4.1); the
// result is always a valid, silently-empty-if-disjoint rectangle.
func (r Rect) Clip(bounds Size) Rect {
	return r.Intersect(RectFromSize(bounds))
}

// Intersect returns the overlap of r and o. The result has W or H <= 0
// if they do not overlap.
func (r Rect) Intersect(o Rect) Rect {
	x0 := max(r.X, o.X)
	y0 := max(r.Y, o.Y)
	x1 := min(r.Right(), o.Right())
	y1 := min(r.Bottom(), o.Bottom())
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Union returns the smallest rectangle containing both r and o. An empty
// operand is ignored; Union of two empty rects is empty.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	x0 := min(r.X, o.X)
	y0 := min(r.Y, o.Y)
	x1 := max(r.Right(), o.Right())
	y1 := max(r.Bottom(), o.Bottom())
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Expand grows r by n pixels on every side (used to add a halo around a
// tile's output ROI before resolving its input ROI, §4.2 dirty_propagator
// default, §4.7.5 blur halo rule).
func (r Rect) Expand(n int) Rect {
	if r.Empty() {
		return r
	}
	return Rect{X: r.X - n, Y: r.Y - n, W: r.W + 2*n, H: r.H + 2*n}
}

// AlignOut grows r outward to the nearest multiple of align on every
// edge. Used to align dirty ROIs to tile grids (§4.9: HP alignment =
// D*RT_tile, macro/micro tile alignment for planning).
func (r Rect) AlignOut(align int) Rect {
	if r.Empty() || align <= 1 {
		return r
	}
	x0 := floorMultiple(r.X, align)
	y0 := floorMultiple(r.Y, align)
	x1 := ceilMultiple(r.Right(), align)
	y1 := ceilMultiple(r.Bottom(), align)
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// ScaleDown maps r from a full-resolution space into a space downsampled
// by factor d (used when planning the RT ROI from an HP ROI, §4.9).
func (r Rect) ScaleDown(d int) Rect {
	if r.Empty() || d <= 1 {
		return r
	}
	x0 := floorDiv(r.X, d)
	y0 := floorDiv(r.Y, d)
	x1 := ceilDiv(r.Right(), d)
	y1 := ceilDiv(r.Bottom(), d)
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// ScaleUp maps r from a downsampled space back into full resolution by
// factor d.
func (r Rect) ScaleUp(d int) Rect {
	if r.Empty() || d <= 1 {
		return r
	}
	return Rect{X: r.X * d, Y: r.Y * d, W: r.W * d, H: r.H * d}
}

// CeilDivSize returns ceil(s / d) per dimension, used to derive the RT
// buffer size from the HP size (§4.9: rt_size = ceil(hp_size / D)).
func CeilDivSize(s Size, d int) Size {
	if d <= 1 {
		return s
	}
	return Size{Width: ceilDiv(s.Width, d), Height: ceilDiv(s.Height, d)}
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return floorDiv(a, b)
	}
	return (a + b - 1) / b
}

func floorMultiple(v, align int) int {
	return floorDiv(v, align) * align
}

func ceilMultiple(v, align int) int {
	return ceilDiv(v, align) * align
}
