package engine

import (
	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/graphmodel"
	"github.com/gogpu/imgdag/traversal"
)

// hpPlan is the output of the backward planning pass (§4.9): the forward
// order of nodes whose dirty ROI needs an update, each node's planned
// output ROI in full-resolution (HP) space, and every visited node's
// inferred full-resolution size.
type hpPlan struct {
	order []int // forward order: producers before dependents, target last
	sizes map[int]imgdag.Size
	rois  map[int]imgdag.Rect
}

// planHP implements the backward planning pass of §4.9: seed the target
// node's dirty ROI, then walk the post-order traversal in reverse,
// propagating each node's planned ROI back through its image inputs via
// the operator's dirty-propagator and unioning it into the parent's
// entry. align is the tile-grid alignment applied to each propagated
// parent ROI before it is unioned in: the HP micro-tile size for the HP
// forward-execution plan, the HP macro-tile size for the RT
// forward-execution plan (§4.9 step 4: "align to micro-tile for HP /
// macro-tile for RT planning variant").
func (c *Compute) planHP(targetID int, dirtyROI imgdag.Rect, align int) (*hpPlan, error) {
	order, err := traversal.TopoPostorderFrom(c.Graph, targetID)
	if err != nil {
		return nil, err
	}

	sizes := make(map[int]imgdag.Size, len(order))
	for _, id := range order {
		if size, ok := c.inferHPSize(id, sizes); ok {
			sizes[id] = size
		}
	}

	targetSize, ok := sizes[targetID]
	if !ok {
		return nil, imgdag.NewNodeError(imgdag.InvalidParameter, targetID, "", errUnknownHPSize())
	}
	roiHP := dirtyROI.AlignOut(imgdag.HPAlignment).Clip(targetSize)
	if roiHP.Empty() {
		return nil, imgdag.NewNodeError(imgdag.InvalidParameter, targetID, "", errEmptyDirtyROI())
	}

	rois := map[int]imgdag.Rect{targetID: roiHP}
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		roi, ok := rois[id]
		if !ok || roi.Empty() {
			continue
		}
		node, ok := c.Graph.GetNode(id)
		if !ok {
			continue
		}
		entry, ok := c.Registry.Get(node.RegistryKey())
		if !ok {
			continue
		}
		for _, edge := range node.ImageInputs {
			parentSize, ok := sizes[edge.FromNodeID]
			if !ok {
				continue
			}
			parentROI := entry.PropagateDirty(roi, planningParams(node)).AlignOut(align).Clip(parentSize)
			if parentROI.Empty() {
				continue
			}
			rois[edge.FromNodeID] = rois[edge.FromNodeID].Union(parentROI)
		}
	}

	planOrder := make([]int, 0, len(order))
	for _, id := range order {
		if roi, ok := rois[id]; ok && !roi.Empty() {
			planOrder = append(planOrder, id)
		}
	}

	return &hpPlan{order: planOrder, sizes: sizes, rois: rois}, nil
}

// inferHPSize implements §4.9 step 2's fallback chain: HP cache, legacy
// cache, RT cache scaled up by D, the first image input's inferred size
// (sizes is filled in forward dependency order, so a node's parents are
// always resolved first), then explicit width/height parameters.
func (c *Compute) inferHPSize(id int, sizes map[int]imgdag.Size) (imgdag.Size, bool) {
	node, ok := c.Graph.GetNode(id)
	if !ok {
		return imgdag.Size{}, false
	}
	if node.CachedOutputHP != nil {
		return node.CachedOutputHP.Image.Size(), true
	}
	if node.CachedOutput != nil {
		return node.CachedOutput.Image.Size(), true
	}
	if node.CachedOutputRT != nil {
		rt := node.CachedOutputRT.Image.Size()
		return imgdag.Size{Width: rt.Width * imgdag.DownsampleFactor, Height: rt.Height * imgdag.DownsampleFactor}, true
	}
	if len(node.ImageInputs) > 0 {
		if size, ok := sizes[node.ImageInputs[0].FromNodeID]; ok {
			return size, true
		}
	}
	if size, ok := explicitSize(node.RuntimeParameters); ok {
		return size, true
	}
	if size, ok := explicitSize(node.StaticParameters); ok {
		return size, true
	}
	return imgdag.Size{}, false
}

// planningParams picks the parameter set a dirty-propagator reads during
// planning: the runtime set left over from the node's last compute, or
// its static declaration if this node has never run.
func planningParams(node *graphmodel.Node) map[string]imgdag.Value {
	if len(node.RuntimeParameters) > 0 {
		return node.RuntimeParameters
	}
	return node.StaticParameters
}

func explicitSize(params map[string]imgdag.Value) (imgdag.Size, bool) {
	w, ok := params["width"]
	if !ok {
		return imgdag.Size{}, false
	}
	h, ok := params["height"]
	if !ok {
		return imgdag.Size{}, false
	}
	wi, wok := w.Int()
	hi, hok := h.Int()
	if !wok || !hok {
		return imgdag.Size{}, false
	}
	return imgdag.Size{Width: int(wi), Height: int(hi)}, true
}

func errUnknownHPSize() error {
	return engineError("engine: cannot infer a high-precision size for the dirty-ROI plan target")
}

func errEmptyDirtyROI() error {
	return engineError("engine: dirty_roi is empty after alignment and clipping to the target's size")
}
