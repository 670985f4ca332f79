package buffer

import "github.com/gogpu/imgdag"

// Resample.go adapts the teacher's normalized-coordinate sampling
// (internal/image/interp.go SampleBilinear) and box-filter mip generation
// (internal/image/mipmap.go) to the generic, multi-channel, float-valued
// Buffer, for the dirty-ROI planner's HP-to-RT downsample step (§4.9:
// "the RT slot is maintained as a D-times box/bilinear downsample of the
// HP slot").

// Downsample produces a new buffer that is src downsampled by an integer
// factor d using a box filter: each output pixel is the average of the
// d x d block of source pixels it covers. This is the default RT
// downsample method (§4.9, §8 "RT downsample interpolation").
func Downsample(src *Buffer, d int) (*Buffer, error) {
	if d <= 1 {
		return src.Clone(), nil
	}
	outSize := imgdag.CeilDivSize(src.Size(), d)
	out, err := New(outSize.Width, outSize.Height, src.channels, src.dtype)
	if err != nil {
		return nil, err
	}

	values := make([]float64, src.channels)
	acc := make([]float64, src.channels)
	for oy := 0; oy < outSize.Height; oy++ {
		for ox := 0; ox < outSize.Width; ox++ {
			for c := range acc {
				acc[c] = 0
			}
			count := 0
			y0, y1 := oy*d, min(oy*d+d, src.height)
			x0, x1 := ox*d, min(ox*d+d, src.width)
			for sy := y0; sy < y1; sy++ {
				for sx := x0; sx < x1; sx++ {
					px := src.At(sx, sy)
					for c := range acc {
						acc[c] += px[c]
					}
					count++
				}
			}
			if count == 0 {
				continue
			}
			for c := range acc {
				values[c] = acc[c] / float64(count)
			}
			_ = out.Set(ox, oy, values)
		}
	}
	return out, nil
}

// SampleBilinear reads the channel values at continuous source coordinates
// (fx, fy), interpolating between the four neighboring pixels and
// clamping to the edge, mirroring the teacher's SampleBilinear but
// generalized across channel count and without the fixed-point byte math.
func SampleBilinear(b *Buffer, fx, fy float64) []float64 {
	x0 := int(floorF(fx))
	y0 := int(floorF(fy))
	tx := fx - float64(x0)
	ty := fy - float64(y0)

	x1 := x0 + 1
	y1 := y0 + 1

	x0 = clampInt(x0, 0, b.width-1)
	y0 = clampInt(y0, 0, b.height-1)
	x1 = clampInt(x1, 0, b.width-1)
	y1 = clampInt(y1, 0, b.height-1)

	p00 := b.At(x0, y0)
	p10 := b.At(x1, y0)
	p01 := b.At(x0, y1)
	p11 := b.At(x1, y1)

	out := make([]float64, b.channels)
	for c := range out {
		v0 := lerp(p00[c], p10[c], tx)
		v1 := lerp(p01[c], p11[c], tx)
		out[c] = lerp(v0, v1, ty)
	}
	return out
}

// Upsample produces a new buffer of the given target size by bilinearly
// resampling src across it (used to reconstitute an HP ROI after a RT
// downsample roundtrip in the testable properties of §8, and for
// image_mixing's resize normalization, §4.7.4).
func Upsample(src *Buffer, target imgdag.Size) (*Buffer, error) {
	out, err := New(target.Width, target.Height, src.channels, src.dtype)
	if err != nil {
		return nil, err
	}
	if src.width == 0 || src.height == 0 || target.Width == 0 || target.Height == 0 {
		return out, nil
	}
	scaleX := float64(src.width) / float64(target.Width)
	scaleY := float64(src.height) / float64(target.Height)
	for y := 0; y < target.Height; y++ {
		fy := (float64(y)+0.5)*scaleY - 0.5
		for x := 0; x < target.Width; x++ {
			fx := (float64(x)+0.5)*scaleX - 0.5
			values := SampleBilinear(src, fx, fy)
			_ = out.Set(x, y, values)
		}
	}
	return out, nil
}

func lerp(a, b, t float64) float64 { return a*(1-t) + b*t }

func floorF(v float64) float64 {
	i := int(v)
	if float64(i) > v {
		i--
	}
	return float64(i)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
