// Package engine implements the compute services (§4.7, §4.8, §4.9):
// sequential reference compute, the node-level work-stealing parallel
// engine, and the tile-level dirty-ROI planner driving the real-time/
// high-precision two-precision mirror.
//
// It is grounded on the teacher's worker pool (internal/workpool,
// descended from internal/parallel.WorkerPool) for the node-level
// scheduler, and on script-weaver's depth-staged dispatcher for the
// dependency-counter commit protocol.
package engine

import (
	"strconv"

	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/buffer"
	"github.com/gogpu/imgdag/graphmodel"
	"github.com/gogpu/imgdag/registry"
)

// imageInputKey is the inputs-map key for the i'th entry of a node's
// ordered image_inputs list. Edges carry no destination name of their
// own (§3 Node "image_inputs: ordered sequence of (from_node_id,
// from_output_name)"), so operators address them positionally; this is
// the one place that convention is fixed.
func imageInputKey(i int) string {
	return "image" + strconv.Itoa(i)
}

// inferOutputShape implements §4.7.3: an explicit ShapeInference
// callback wins; otherwise explicit width/height parameters win;
// otherwise the output inherits (width, height, channels, dtype) from
// the first image input (order[0]).
func inferOutputShape(node *graphmodel.Node, entry *registry.Entry, inputs map[string]*buffer.Buffer, order []string) (imgdag.Size, int, imgdag.DType, error) {
	if entry.ShapeInference != nil {
		sizes := make(map[string]imgdag.Size, len(inputs))
		for name, buf := range inputs {
			sizes[name] = buf.Size()
		}
		size, err := entry.ShapeInference(sizes, node.RuntimeParameters)
		if err != nil {
			return imgdag.Size{}, 0, 0, err
		}
		channels, dtype := firstInputFormat(inputs, order)
		return size, channels, dtype, nil
	}

	if w, ok := node.RuntimeParameters["width"]; ok {
		if h, ok := node.RuntimeParameters["height"]; ok {
			wi, wok := w.Int()
			hi, hok := h.Int()
			if wok && hok {
				channels, dtype := firstInputFormat(inputs, order)
				return imgdag.Size{Width: int(wi), Height: int(hi)}, channels, dtype, nil
			}
		}
	}

	if buf := firstInput(inputs, order); buf != nil {
		return buf.Size(), buf.Channels(), buf.DType(), nil
	}

	return imgdag.Size{}, 0, 0, imgdag.NewNodeError(imgdag.InvalidParameter, node.ID, node.Name, errMissingShape())
}

// firstInput returns the buffer for order[0], or the first map entry if
// order is empty (defensive: callers always pass the real image_inputs
// order).
func firstInput(inputs map[string]*buffer.Buffer, order []string) *buffer.Buffer {
	if len(order) > 0 {
		if buf, ok := inputs[order[0]]; ok {
			return buf
		}
	}
	for _, buf := range inputs {
		return buf
	}
	return nil
}

func firstInputFormat(inputs map[string]*buffer.Buffer, order []string) (int, imgdag.DType) {
	if buf := firstInput(inputs, order); buf != nil {
		return buf.Channels(), buf.DType()
	}
	return 4, imgdag.F32
}

func errMissingShape() error {
	return engineError("engine: cannot infer output shape: no image input and no explicit width/height")
}

type engineError string

func (e engineError) Error() string { return string(e) }
