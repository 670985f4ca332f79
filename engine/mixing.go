package engine

import (
	"fmt"

	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/buffer"
)

// normalizeImageMixing implements §4.7.4: when node.Type == "image_mixing"
// and there are at least two image inputs, every input after the base
// (order[0]) is resized/cropped and channel-adapted to match the base's
// shape and channel count before dispatch.
func normalizeImageMixing(nodeType string, inputs map[string]*buffer.Buffer, order []string, mergeStrategy string) error {
	if nodeType != "image_mixing" || len(order) < 2 {
		return nil
	}
	if mergeStrategy != "resize" && mergeStrategy != "crop" {
		return imgdag.NewError(imgdag.InvalidParameter, errBadMergeStrategy(mergeStrategy))
	}

	base := inputs[order[0]]
	baseSize := base.Size()

	for _, key := range order[1:] {
		secondary := inputs[key]
		reshaped, err := reshapeToMatch(secondary, baseSize, mergeStrategy)
		if err != nil {
			return err
		}
		adapted, err := adaptChannels(reshaped, base.Channels())
		if err != nil {
			return err
		}
		inputs[key] = adapted
	}
	return nil
}

func reshapeToMatch(src *buffer.Buffer, target imgdag.Size, mergeStrategy string) (*buffer.Buffer, error) {
	if src.Size() == target {
		return src, nil
	}
	if mergeStrategy == "resize" {
		return buffer.Upsample(src, target)
	}
	return cropIntoCanvas(src, target)
}

// cropIntoCanvas places src top-left into a zero-padded canvas of size
// target, clipping src if it is larger (§8 scenario 6 "crop: overlay is
// placed top-left into a zero-padded canvas").
func cropIntoCanvas(src *buffer.Buffer, target imgdag.Size) (*buffer.Buffer, error) {
	out, err := buffer.New(target.Width, target.Height, src.Channels(), src.DType())
	if err != nil {
		return nil, err
	}
	w := min(src.Width(), target.Width)
	h := min(src.Height(), target.Height)
	values := make([]float64, src.Channels())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			copy(values, src.At(x, y))
			if err := out.Set(x, y, values); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// adaptChannels implements the channel conversion table in §4.7.4:
// 1->3 or 1->4 replicates the single channel; 3->1 or 4->1 converts via
// luma; 4<->3 drops or appends an opaque alpha channel.
func adaptChannels(src *buffer.Buffer, targetChannels int) (*buffer.Buffer, error) {
	if src.Channels() == targetChannels {
		return src, nil
	}

	out, err := buffer.New(src.Width(), src.Height(), targetChannels, src.DType())
	if err != nil {
		return nil, err
	}
	values := make([]float64, targetChannels)
	srcChannels := src.Channels()

	for y := 0; y < src.Height(); y++ {
		for x := 0; x < src.Width(); x++ {
			px := src.At(x, y)
			switch {
			case srcChannels == 1 && (targetChannels == 3 || targetChannels == 4):
				for c := 0; c < targetChannels; c++ {
					values[c] = px[0]
				}
				if targetChannels == 4 {
					values[3] = 1
				}
			case (srcChannels == 3 || srcChannels == 4) && targetChannels == 1:
				values[0] = luma(px)
			case srcChannels == 4 && targetChannels == 3:
				copy(values, px[:3])
			case srcChannels == 3 && targetChannels == 4:
				copy(values, px[:3])
				values[3] = 1
			default:
				return nil, imgdag.NewError(imgdag.InvalidParameter, errBadChannelConversion(srcChannels, targetChannels))
			}
			if err := out.Set(x, y, values); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// luma uses the Rec. 601 luma weights, matching common 8-bit image
// conventions; channels beyond the third (alpha) are ignored.
func luma(px []float64) float64 {
	return 0.299*px[0] + 0.587*px[1] + 0.114*px[2]
}

func errBadMergeStrategy(v string) error {
	return fmt.Errorf("engine: unsupported merge_strategy %q", v)
}

func errBadChannelConversion(from, to int) error {
	return fmt.Errorf("engine: unsupported channel conversion %d->%d", from, to)
}
