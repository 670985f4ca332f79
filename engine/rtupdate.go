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

// DownsampleToRT implements §4.9 "Downsample to RT": for each node an HP
// pass touched, mirror its freshly recomputed patch down into the RT
// slot. Each request is independently version-gated so a stale request
// (superseded by a later HP run, or by a newer RT result already landed)
// is skipped rather than clobbering fresher content.
func (c *Compute) DownsampleToRT(ctx context.Context, requests []DownsampleRequest, opts Options) error {
	for _, req := range requests {
		if err := c.downsampleOne(req, opts); err != nil {
			return err
		}
	}
	return nil
}

// downsampleOne resolves the node pointer first and then holds the graph
// mutex for the version check, the resample and the RT bookkeeping.
// GetNode takes its own read lock and the mutex is not reentrant, so the
// lookup happens before Lock, the same split commit and forceRecache use.
func (c *Compute) downsampleOne(req DownsampleRequest, opts Options) error {
	node, ok := c.Graph.GetNode(req.NodeID)
	if !ok {
		return imgdag.NewNodeError(imgdag.NotFound, req.NodeID, "", nil)
	}

	start := time.Now()
	c.Graph.Lock()
	defer c.Graph.Unlock()

	if node.HPVersion < req.HPVersion || node.RTVersion > req.HPVersion {
		return nil
	}
	if node.CachedOutputHP == nil || node.CachedOutputHP.Image == nil || node.CachedOutputHP.Image.IsEmpty() {
		node.RTVersion = req.HPVersion
		c.emitRTEvent(node, req.NodeID, events.SourceDownsamplePassthrough, start, opts)
		return nil
	}

	hpImg := node.CachedOutputHP.Image
	rtSize := imgdag.CeilDivSize(hpImg.Size(), imgdag.DownsampleFactor)

	rtBuf, err := ensureRTBuffer(node, rtSize, hpImg.Channels(), hpImg.DType())
	if err != nil {
		return err
	}

	roiHP := req.ROIHP.Clip(hpImg.Size())
	roiRT := req.ROIHP.ScaleDown(imgdag.DownsampleFactor).Clip(rtSize)
	if roiHP.Empty() || roiRT.Empty() {
		roiHP = hpImg.Bounds()
		roiRT = imgdag.RectFromSize(rtSize)
	}
	patch := hpImg.SubView(roiHP)
	if patch == nil {
		return imgdag.NewNodeError(imgdag.ComputeError, req.NodeID, node.Name, errNoHPPatch())
	}
	down, err := buffer.Downsample(patch, imgdag.DownsampleFactor)
	if err != nil {
		return err
	}
	if err := copyTileInto(rtBuf, roiRT, down); err != nil {
		return err
	}

	node.RTROI = unionROIPtr(node.RTROI, roiRT)
	node.RTVersion = req.HPVersion
	c.emitRTEvent(node, req.NodeID, events.SourceDownsample, start, opts)
	return nil
}

// ensureRTBuffer returns node's persistent RT buffer, (re)allocating a
// zero-filled one of the given shape when absent or the wrong size.
func ensureRTBuffer(node *graphmodel.Node, size imgdag.Size, channels int, dtype imgdag.DType) (*buffer.Buffer, error) {
	if node.CachedOutputRT != nil && node.CachedOutputRT.Image.Size() == size {
		return node.CachedOutputRT.Image, nil
	}
	buf, err := buffer.New(size.Width, size.Height, channels, dtype)
	if err != nil {
		return nil, err
	}
	node.CachedOutputRT = graphmodel.NewNodeOutput(buf)
	return buf, nil
}

func errNoHPPatch() error {
	return engineError("engine: hp patch subview for downsample-to-rt was out of bounds")
}

func (c *Compute) emitRTEvent(node *graphmodel.Node, id int, source string, start time.Time, opts Options) {
	elapsedMs := float64(time.Since(start).Microseconds()) / 1000
	if opts.EnableTiming {
		c.Graph.PushTiming(graphmodel.TimingEntry{NodeID: id, Source: source, ElapsedMs: elapsedMs})
	}
	c.Events.Push(events.ComputeEvent{NodeID: id, Name: node.Name, Source: source, ElapsedMs: elapsedMs})
}

// updateNodeRT implements the §4.9 "Forward execution — RT path": it
// mirrors updateNodeHP but at D-times lower resolution, preferring the
// operator's tiled_rt variant, tiling at RTTileSize, with the halo
// scaled down from the operator's HP halo.
func (c *Compute) updateNodeRT(ctx context.Context, plan *hpPlan, id int, opts Options) error {
	node, ok := c.Graph.GetNode(id)
	if !ok {
		return imgdag.NewNodeError(imgdag.NotFound, id, "", nil)
	}
	hpSize := plan.sizes[id]
	rtSize := imgdag.CeilDivSize(hpSize, imgdag.DownsampleFactor)
	roiRT := plan.rois[id].ScaleDown(imgdag.DownsampleFactor).Clip(rtSize)
	if roiRT.Empty() {
		return nil
	}

	start := time.Now()
	node.ResetRuntimeParameters()

	for _, edge := range node.ParameterInputs {
		parent, ok := c.Graph.GetNode(edge.FromNodeID)
		if !ok {
			return imgdag.NewNodeError(imgdag.MissingDependency, id, node.Name, nil)
		}
		out := freshestOutput(parent)
		if out == nil {
			return imgdag.NewNodeError(imgdag.MissingDependency, id, node.Name, nil)
		}
		val, ok := out.Data[edge.FromOutputName]
		if !ok {
			return imgdag.NewNodeError(imgdag.MissingDependency, id, node.Name, nil)
		}
		node.RuntimeParameters[edge.ToParameterName] = val.Clone()
	}

	inputs := make(map[string]*buffer.Buffer, len(node.ImageInputs))
	order := make([]string, len(node.ImageInputs))
	for i, edge := range node.ImageInputs {
		parent, ok := c.Graph.GetNode(edge.FromNodeID)
		if !ok {
			return imgdag.NewNodeError(imgdag.MissingDependency, id, node.Name, nil)
		}
		parentRTSize := imgdag.CeilDivSize(plan.sizes[edge.FromNodeID], imgdag.DownsampleFactor)
		buf, err := freshestRTInput(parent, parentRTSize)
		if err != nil {
			return imgdag.NewNodeError(imgdag.MissingDependency, id, node.Name, err)
		}
		key := imageInputKey(i)
		order[i] = key
		inputs[key] = buf
	}
	if len(order) >= 2 {
		mergeStrategy, _ := node.RuntimeParameters["merge_strategy"].Str()
		if err := normalizeImageMixing(node.Type, inputs, order, mergeStrategy); err != nil {
			return imgdag.NewNodeError(imgdag.InvalidParameter, id, node.Name, err)
		}
	}

	entry, variant, err := c.Registry.Resolve(node.RegistryKey(), imgdag.RealTimeUpdate)
	if err != nil {
		return imgdag.NewNodeError(imgdag.KindOf(err), id, node.Name, err)
	}

	channels, dtype := formatFor(node.CachedOutputRT, inputs, order)
	out, err := ensureRTBuffer(node, rtSize, channels, dtype)
	if err != nil {
		return err
	}

	switch variant {
	case registry.VariantMonolithic:
		// "tiled_rt, else tiled_hp, else monolithic with a resize-to-RT
		// at write time": a generator with no image inputs still produces
		// its declared (HP-scale) width/height regardless of the
		// resolution its inputs happened to arrive at, so downsample its
		// result to RT size before splicing in the planned patch.
		whole, err := entry.Monolithic(ctx, inputs, node.RuntimeParameters, c.Device)
		if err != nil {
			return imgdag.NewNodeError(imgdag.ComputeError, id, node.Name, err)
		}
		resized := whole
		if whole.Size() != rtSize {
			resized, err = buffer.Downsample(whole, imgdag.DownsampleFactor)
			if err != nil {
				return err
			}
		}
		if view := resized.SubView(roiRT.Clip(resized.Size())); view != nil {
			if err := copyTileInto(out, roiRT, view); err != nil {
				return err
			}
		}
	default:
		tiledFn := entry.TiledHP
		if variant == registry.VariantTiledRT {
			tiledFn = entry.TiledRT
		}
		haloRT := (entry.Metadata.HaloPixels + imgdag.DownsampleFactor - 1) / imgdag.DownsampleFactor
		for _, tileROI := range buffer.TilesCovering(roiRT, imgdag.RTTileSize) {
			tileInputs := make(map[string]*buffer.Buffer, len(inputs))
			for key, in := range inputs {
				inROI := tileROI.Expand(haloRT).Clip(in.Size())
				if inROI.Empty() {
					continue
				}
				if view := in.SubView(inROI); view != nil {
					tileInputs[key] = view
				}
			}
			tileOut, err := tiledFn(ctx, tileInputs, tileROI, node.RuntimeParameters, c.Device)
			if err != nil {
				return imgdag.NewNodeError(imgdag.ComputeError, id, node.Name, err)
			}
			if err := copyTileInto(out, tileROI, tileOut); err != nil {
				return err
			}
		}
	}

	node.RTROI = unionROIPtr(node.RTROI, roiRT)
	node.RTVersion = node.HPVersion

	elapsedMs := float64(time.Since(start).Microseconds()) / 1000
	if opts.EnableTiming {
		c.Graph.PushTiming(graphmodel.TimingEntry{NodeID: id, Source: events.SourceRTUpdate, ElapsedMs: elapsedMs})
	}
	c.Events.Push(events.ComputeEvent{NodeID: id, Name: node.Name, Source: events.SourceRTUpdate, ElapsedMs: elapsedMs})
	if !opts.Quiet {
		slog.Debug("rt update", "id", id, "name", node.Name, "roi", roiRT, "elapsed_ms", elapsedMs)
	}
	return nil
}

// freshestRTInput picks a parent's RT cache if present, else downsamples
// whichever full-resolution cache tier it has.
func freshestRTInput(parent *graphmodel.Node, rtSize imgdag.Size) (*buffer.Buffer, error) {
	if parent.CachedOutputRT != nil {
		return parent.CachedOutputRT.Image, nil
	}
	if parent.CachedOutputHP != nil {
		return buffer.Downsample(parent.CachedOutputHP.Image, imgdag.DownsampleFactor)
	}
	if parent.CachedOutput != nil {
		return buffer.Downsample(parent.CachedOutput.Image, imgdag.DownsampleFactor)
	}
	return nil, errNoCachedInput()
}

// RealTimeUpdate implements §4.9's combined intent: plan and execute the
// RT forward pass directly over the dirty ROI for a coarse result, then
// run the HP planner and its downsample mirror. The sequential engine has
// no background worker of its own, so both passes finish before this
// call returns; the RT output it returns therefore already holds the
// downsampled HP patch wherever the version-gated downsample landed. A
// caller polling events sees an "rt_update" and then a "downsample" for
// the same node.
func (c *Compute) RealTimeUpdate(ctx context.Context, nodeID int, dirtyROI imgdag.Rect, opts Options) (*graphmodel.NodeOutput, error) {
	rtPlan, err := c.planHP(nodeID, dirtyROI, imgdag.HPMacroTileSize)
	if err != nil {
		return nil, err
	}
	for _, id := range rtPlan.order {
		if err := c.updateNodeRT(ctx, rtPlan, id, opts); err != nil {
			return nil, err
		}
	}

	hpRequests, err := c.UpdateHP(ctx, nodeID, dirtyROI, opts)
	if err != nil {
		return nil, err
	}
	if err := c.DownsampleToRT(ctx, hpRequests, opts); err != nil {
		return nil, err
	}

	node, ok := c.Graph.GetNode(nodeID)
	if !ok {
		return nil, imgdag.NewNodeError(imgdag.NotFound, nodeID, "", nil)
	}
	return node.CachedOutputRT, nil
}
