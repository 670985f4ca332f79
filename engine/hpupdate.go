package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/buffer"
	"github.com/gogpu/imgdag/events"
	"github.com/gogpu/imgdag/graphmodel"
	"github.com/gogpu/imgdag/registry"
)

// DownsampleRequest is recorded after a node's HP pass completes, to be
// executed by DownsampleToRT once the HP forward-execution pass has run
// (§4.9 "Record a DownsampleRequest ... to be executed after the HP
// pass").
type DownsampleRequest struct {
	NodeID    int
	ROIHP     imgdag.Rect
	HPVersion uint64
}

// UpdateHP implements the forward HP execution pass of §4.9: plans the
// dirty ROI backward from nodeID, then recomputes each planned node's
// ROI forward, reading parent inputs from whichever cache tier is
// freshest rather than recursing. It returns one DownsampleRequest per
// updated node for the caller to hand to DownsampleToRT.
func (c *Compute) UpdateHP(ctx context.Context, nodeID int, dirtyROI imgdag.Rect, opts Options) ([]DownsampleRequest, error) {
	plan, err := c.planHP(nodeID, dirtyROI, imgdag.HPMicroTileSize)
	if err != nil {
		return nil, err
	}

	requests := make([]DownsampleRequest, 0, len(plan.order))
	for _, id := range plan.order {
		req, err := c.updateNodeHP(ctx, plan, id, opts)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, nil
}

func (c *Compute) updateNodeHP(ctx context.Context, plan *hpPlan, id int, opts Options) (DownsampleRequest, error) {
	node, ok := c.Graph.GetNode(id)
	if !ok {
		return DownsampleRequest{}, imgdag.NewNodeError(imgdag.NotFound, id, "", nil)
	}
	roi := plan.rois[id]
	start := time.Now()
	node.ResetRuntimeParameters()

	for _, edge := range node.ParameterInputs {
		parent, ok := c.Graph.GetNode(edge.FromNodeID)
		if !ok {
			return DownsampleRequest{}, imgdag.NewNodeError(imgdag.MissingDependency, id, node.Name, nil)
		}
		out := freshestOutput(parent)
		if out == nil {
			return DownsampleRequest{}, imgdag.NewNodeError(imgdag.MissingDependency, id, node.Name, nil)
		}
		val, ok := out.Data[edge.FromOutputName]
		if !ok {
			return DownsampleRequest{}, imgdag.NewNodeError(imgdag.MissingDependency, id, node.Name, nil)
		}
		node.RuntimeParameters[edge.ToParameterName] = val.Clone()
	}

	inputs := make(map[string]*buffer.Buffer, len(node.ImageInputs))
	order := make([]string, len(node.ImageInputs))
	for i, edge := range node.ImageInputs {
		parent, ok := c.Graph.GetNode(edge.FromNodeID)
		if !ok {
			return DownsampleRequest{}, imgdag.NewNodeError(imgdag.MissingDependency, id, node.Name, nil)
		}
		buf, err := freshestHPInput(parent, plan.sizes[edge.FromNodeID])
		if err != nil {
			return DownsampleRequest{}, imgdag.NewNodeError(imgdag.MissingDependency, id, node.Name, err)
		}
		key := imageInputKey(i)
		order[i] = key
		inputs[key] = buf
	}
	if len(order) >= 2 {
		mergeStrategy, _ := node.RuntimeParameters["merge_strategy"].Str()
		if err := normalizeImageMixing(node.Type, inputs, order, mergeStrategy); err != nil {
			return DownsampleRequest{}, imgdag.NewNodeError(imgdag.InvalidParameter, id, node.Name, err)
		}
	}

	entry, variant, err := c.Registry.Resolve(node.RegistryKey(), imgdag.GlobalHighPrecision)
	if err != nil {
		return DownsampleRequest{}, imgdag.NewNodeError(imgdag.KindOf(err), id, node.Name, err)
	}

	size := plan.sizes[id]
	channels, dtype := formatFor(node.CachedOutputHP, inputs, order)
	out, err := ensureHPBuffer(node, size, channels, dtype)
	if err != nil {
		return DownsampleRequest{}, err
	}

	if variant == registry.VariantMonolithic {
		// A monolithic-only operator has no tiled variant to restrict to
		// the dirty ROI: recompute the whole output and splice the
		// planned region back into the persistent HP buffer.
		whole, err := entry.Monolithic(ctx, inputs, node.RuntimeParameters, c.Device)
		if err != nil {
			return DownsampleRequest{}, imgdag.NewNodeError(imgdag.ComputeError, id, node.Name, err)
		}
		if view := whole.SubView(roi.Clip(whole.Size())); view != nil {
			if err := copyTileInto(out, roi, view); err != nil {
				return DownsampleRequest{}, err
			}
		}
	} else {
		for _, tileROI := range hpTileTasks(roi, size) {
			tileInputs := make(map[string]*buffer.Buffer, len(inputs))
			for key, in := range inputs {
				inROI := inputROIForTile(entry, tileROI, node.RuntimeParameters, in.Size())
				if inROI.Empty() {
					continue
				}
				if view := in.SubView(inROI); view != nil {
					tileInputs[key] = view
				}
			}
			tileOut, err := entry.TiledHP(ctx, tileInputs, tileROI, node.RuntimeParameters, c.Device)
			if err != nil {
				return DownsampleRequest{}, imgdag.NewNodeError(imgdag.ComputeError, id, node.Name, err)
			}
			if err := copyTileInto(out, tileROI, tileOut); err != nil {
				return DownsampleRequest{}, err
			}
		}
	}

	node.HPROI = unionROIPtr(node.HPROI, roi)
	node.HPVersion++
	node.LastInputSizeHP = &size

	elapsedMs := float64(time.Since(start).Microseconds()) / 1000
	if opts.EnableTiming {
		c.Graph.PushTiming(graphmodel.TimingEntry{NodeID: id, Source: events.SourceHPUpdate, ElapsedMs: elapsedMs})
	}
	c.Events.Push(events.ComputeEvent{NodeID: id, Name: node.Name, Source: events.SourceHPUpdate, ElapsedMs: elapsedMs})
	if !opts.Quiet {
		slog.Debug("hp update", "id", id, "name", node.Name, "roi", roi, "elapsed_ms", elapsedMs)
	}

	return DownsampleRequest{NodeID: id, ROIHP: roi, HPVersion: node.HPVersion}, nil
}

// freshestOutput picks whichever cache tier of node has content, for
// resolving a parameter-input edge during a planned update (HP, then
// legacy, then RT).
func freshestOutput(node *graphmodel.Node) *graphmodel.NodeOutput {
	switch {
	case node.CachedOutputHP != nil:
		return node.CachedOutputHP
	case node.CachedOutput != nil:
		return node.CachedOutput
	case node.CachedOutputRT != nil:
		return node.CachedOutputRT
	default:
		return nil
	}
}

// freshestHPInput implements §4.9 "choose the freshest available cache:
// HP → legacy → RT", upsampling an RT fallback to hpSize since forward
// HP execution needs full-resolution inputs.
func freshestHPInput(parent *graphmodel.Node, hpSize imgdag.Size) (*buffer.Buffer, error) {
	if parent.CachedOutputHP != nil {
		return parent.CachedOutputHP.Image, nil
	}
	if parent.CachedOutput != nil {
		return parent.CachedOutput.Image, nil
	}
	if parent.CachedOutputRT != nil {
		target := hpSize
		if target.Empty() {
			rt := parent.CachedOutputRT.Image.Size()
			target = imgdag.Size{Width: rt.Width * imgdag.DownsampleFactor, Height: rt.Height * imgdag.DownsampleFactor}
		}
		return buffer.Upsample(parent.CachedOutputRT.Image, target)
	}
	return nil, errNoCachedInput()
}

// ensureHPBuffer returns node's persistent HP buffer, (re)allocating a
// zero-filled one of the given shape when absent or the wrong size
// (§4.9 "Ensure a persistent HP output buffer of the inferred shape
// exists; zero-fill on (re)allocation").
func ensureHPBuffer(node *graphmodel.Node, size imgdag.Size, channels int, dtype imgdag.DType) (*buffer.Buffer, error) {
	if node.CachedOutputHP != nil && node.CachedOutputHP.Image.Size() == size {
		return node.CachedOutputHP.Image, nil
	}
	buf, err := buffer.New(size.Width, size.Height, channels, dtype)
	if err != nil {
		return nil, err
	}
	node.CachedOutputHP = graphmodel.NewNodeOutput(buf)
	return buf, nil
}

// formatFor picks the (channels, dtype) a node's HP buffer should use:
// whatever it already has, else the first image input's format, else the
// generic default (§4.7.3).
func formatFor(existing *graphmodel.NodeOutput, inputs map[string]*buffer.Buffer, order []string) (int, imgdag.DType) {
	if existing != nil {
		return existing.Image.Channels(), existing.Image.DType()
	}
	return firstInputFormat(inputs, order)
}

// hpTileTasks implements §4.9 "Emit macro-tile tasks first: if a macro
// tile is entirely inside the planned ROI, process as one call;
// otherwise subdivide to micro-tiles over the intersection."
func hpTileTasks(roi imgdag.Rect, outputSize imgdag.Size) []imgdag.Rect {
	if roi.Empty() {
		return nil
	}
	var tasks []imgdag.Rect
	startX := floorMultiple(roi.X, imgdag.HPMacroTileSize)
	startY := floorMultiple(roi.Y, imgdag.HPMacroTileSize)
	for y := startY; y < roi.Bottom(); y += imgdag.HPMacroTileSize {
		for x := startX; x < roi.Right(); x += imgdag.HPMacroTileSize {
			macroCell := (imgdag.Rect{X: x, Y: y, W: imgdag.HPMacroTileSize, H: imgdag.HPMacroTileSize}).Clip(outputSize)
			if macroCell.Empty() {
				continue
			}
			if macroCell == macroCell.Intersect(roi) {
				tasks = append(tasks, macroCell)
				continue
			}
			inter := macroCell.Intersect(roi)
			if inter.Empty() {
				continue
			}
			tasks = append(tasks, buffer.TilesCovering(inter, imgdag.HPMicroTileSize)...)
		}
	}
	return tasks
}

// unionROIPtr unions roi into the rectangle *existing points at, or
// returns a fresh pointer to roi if existing is nil.
func unionROIPtr(existing *imgdag.Rect, roi imgdag.Rect) *imgdag.Rect {
	if existing == nil {
		r := roi
		return &r
	}
	u := existing.Union(roi)
	return &u
}

func floorMultiple(v, align int) int {
	q := v / align
	if v%align != 0 && v < 0 {
		q--
	}
	return q * align
}

func errNoCachedInput() error {
	return engineError("engine: no cached output (hp, legacy, or rt) available for a planned update input")
}
