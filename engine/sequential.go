package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/buffer"
	"github.com/gogpu/imgdag/events"
	"github.com/gogpu/imgdag/graphmodel"
	"github.com/gogpu/imgdag/nodecache"
	"github.com/gogpu/imgdag/registry"
	"github.com/gogpu/imgdag/traversal"
)

// Compute is the sequential reference engine (§4.7): a recursive
// post-order walk that resolves a node's parameter and image inputs by
// recomputing its producers, dispatches the operator, mirrors the result
// to the high-precision cache slot, and persists it to disk.
type Compute struct {
	Graph     *graphmodel.GraphModel
	Registry  *registry.Registry
	Cache     *nodecache.CacheService
	Events    *events.Service
	Device    imgdag.DeviceHandle
	CacheRoot string
}

// NewCompute wires together the services one sequential compute needs.
func NewCompute(graph *graphmodel.GraphModel, reg *registry.Registry, cache *nodecache.CacheService, ev *events.Service, device imgdag.DeviceHandle, cacheRoot string) *Compute {
	return &Compute{Graph: graph, Registry: reg, Cache: cache, Events: ev, Device: device, CacheRoot: cacheRoot}
}

// Options configures one compute() call (§4.7, §6.3).
type Options struct {
	Precision        imgdag.Precision
	ForceRecache     bool
	EnableTiming     bool
	DisableDiskCache bool
	NoSave           bool
	Quiet            bool

	// OnSchedule, when set, is called by the parallel engine at each
	// synthetic scheduling point for a node's task: "submit" when handed
	// to the pool, "start" when a worker begins it, "complete" when its
	// result (or last tile) lands. workerID is a round-robin index over
	// the pool's worker count, not a true goroutine/OS-thread identity —
	// the work-stealing pool does not surface which worker actually runs
	// a given closure. runtime.GraphRuntime uses this to build its
	// scheduler event log.
	OnSchedule func(nodeID, workerID int, action string)
}

// Sequential runs compute(graph, nodeID, ...) to completion and returns
// the target node's output (§4.7).
func (c *Compute) Sequential(ctx context.Context, nodeID int, opts Options) (*graphmodel.NodeOutput, error) {
	if opts.ForceRecache {
		if err := c.forceRecache(nodeID); err != nil {
			return nil, err
		}
	}

	visiting := make(map[int]bool)
	out, _, err := c.computeInternal(ctx, nodeID, visiting, opts)
	return out, err
}

// forceRecache implements §4.7 step 1: walk post-order from nodeID and
// clear all three cache slots for each visited node, preserving the
// legacy slot for nodes marked Preserved.
//
// Node pointers are resolved before the lock is taken: GetNode takes its
// own read lock internally, and GraphModel's mutex is not reentrant, so
// looking a node up again while already holding Lock would deadlock.
func (c *Compute) forceRecache(nodeID int) error {
	order, err := traversal.TopoPostorderFrom(c.Graph, nodeID)
	if err != nil {
		return err
	}
	nodes := make([]*graphmodel.Node, len(order))
	for i, id := range order {
		node, ok := c.Graph.GetNode(id)
		if ok {
			nodes[i] = node
		}
	}

	c.Graph.Lock()
	for _, node := range nodes {
		if node == nil {
			continue
		}
		node.ClearCaches(true)
	}
	c.Graph.Unlock()

	for i, node := range nodes {
		if node != nil && node.CachedOutput == nil {
			c.Cache.Forget(order[i])
		}
	}
	return nil
}

// computeInternal is compute_internal from §4.7 step 2. It returns the
// node's output and the event source string that produced it.
func (c *Compute) computeInternal(ctx context.Context, id int, visiting map[int]bool, opts Options) (*graphmodel.NodeOutput, string, error) {
	node, ok := c.Graph.GetNode(id)
	if !ok {
		return nil, "", imgdag.NewNodeError(imgdag.NotFound, id, "", nil)
	}

	// Short-circuit (§4.7 step 2.i).
	if node.CachedOutput != nil {
		return node.CachedOutput, events.SourceMemoryCache, nil
	}
	if !opts.DisableDiskCache {
		if out, found, err := c.Cache.Load(ctx, c.Graph, node, c.CacheRoot); err == nil && found {
			node.CachedOutput = out
			return out, events.SourceDiskCache, nil
		}
	}

	// Cycle guard (§4.7 step 2.ii).
	if visiting[id] {
		return nil, "", imgdag.NewNodeError(imgdag.Cycle, id, node.Name, nil)
	}
	visiting[id] = true
	defer delete(visiting, id)

	start := time.Now()
	node.ResetRuntimeParameters()

	// Resolve parameter inputs (§4.7 step 2.iii).
	for _, edge := range node.ParameterInputs {
		producerOut, _, err := c.computeInternal(ctx, edge.FromNodeID, visiting, opts)
		if err != nil {
			return nil, "", err
		}
		val, ok := producerOut.Data[edge.FromOutputName]
		if !ok {
			return nil, "", imgdag.NewNodeError(imgdag.MissingDependency, id, node.Name, nil)
		}
		node.RuntimeParameters[edge.ToParameterName] = val.Clone()
	}

	// Resolve image inputs (§4.7 step 2.iv).
	inputs := make(map[string]*buffer.Buffer, len(node.ImageInputs))
	order := make([]string, len(node.ImageInputs))
	for i, edge := range node.ImageInputs {
		producerOut, _, err := c.computeInternal(ctx, edge.FromNodeID, visiting, opts)
		if err != nil {
			return nil, "", err
		}
		if producerOut.Image == nil {
			return nil, "", imgdag.NewNodeError(imgdag.MissingDependency, id, node.Name, nil)
		}
		key := imageInputKey(i)
		order[i] = key
		inputs[key] = producerOut.Image
	}

	if len(order) >= 2 {
		mergeStrategy, _ := node.RuntimeParameters["merge_strategy"].Str()
		if err := normalizeImageMixing(node.Type, inputs, order, mergeStrategy); err != nil {
			return nil, "", imgdag.NewNodeError(imgdag.InvalidParameter, id, node.Name, err)
		}
	}

	// Dispatch (§4.7 step 2.v).
	entry, variant, err := c.Registry.Resolve(node.RegistryKey(), imgdag.GlobalHighPrecision)
	if err != nil {
		return nil, "", imgdag.NewNodeError(imgdag.KindOf(err), id, node.Name, err)
	}

	var outImg *buffer.Buffer
	switch variant {
	case registry.VariantMonolithic:
		outImg, err = entry.Monolithic(ctx, inputs, node.RuntimeParameters, c.Device)
	default: // VariantTiledHP; GlobalHighPrecision never resolves to tiled_rt.
		outImg, err = dispatchTiled(ctx, node, entry, inputs, order, c.Device)
	}
	if err != nil {
		return nil, "", imgdag.NewNodeError(imgdag.ComputeError, id, node.Name, err)
	}

	out := graphmodel.NewNodeOutput(outImg)
	node.CachedOutput = out

	// Mirror to HP (§4.7 step 2.vi).
	node.CachedOutputHP = out.Clone()
	node.HPVersion++
	if len(order) > 0 {
		size := inputs[order[0]].Size()
		node.LastInputSizeHP = &size
	}

	// Persist (§4.7 step 2.vii).
	if !opts.NoSave {
		if err := c.Cache.Save(ctx, c.Graph, node, out, c.CacheRoot, opts.Precision); err != nil {
			return nil, "", err
		}
	} else {
		c.Cache.Remember(id, out)
	}

	elapsedMs := float64(time.Since(start).Microseconds()) / 1000
	if opts.EnableTiming {
		c.Graph.PushTiming(graphmodel.TimingEntry{NodeID: id, Source: events.SourceComputed, ElapsedMs: elapsedMs})
	}
	c.Events.Push(events.ComputeEvent{NodeID: id, Name: node.Name, Source: events.SourceComputed, ElapsedMs: elapsedMs})
	if !opts.Quiet {
		slog.Debug("computed node", "id", id, "name", node.Name, "elapsed_ms", elapsedMs)
	}

	return out, events.SourceComputed, nil
}

// dispatchTiled implements the tiled branch of §4.7 step 2.v: allocate
// the output buffer per §4.7.3, then iterate tiles of the operator's
// preferred size, resolving each input's ROI via the dirty-propagator/
// halo fallback chain (§4.7.5) before calling the tiled function.
func dispatchTiled(ctx context.Context, node *graphmodel.Node, entry *registry.Entry, inputs map[string]*buffer.Buffer, order []string, device imgdag.DeviceHandle) (*buffer.Buffer, error) {
	size, channels, dtype, err := inferOutputShape(node, entry, inputs, order)
	if err != nil {
		return nil, err
	}
	out, err := buffer.New(size.Width, size.Height, channels, dtype)
	if err != nil {
		return nil, err
	}

	tileSize := tileSizeFor(entry.Metadata.TilePreference)
	for _, tileROI := range buffer.TilesCovering(imgdag.RectFromSize(size), tileSize) {
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
		tileOut, err := entry.TiledHP(ctx, tileInputs, tileROI, node.RuntimeParameters, device)
		if err != nil {
			return nil, err
		}
		if err := copyTileInto(out, tileROI, tileOut); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// tileSizeFor maps an operator's declared tile preference to a concrete
// edge length. The sequential engine does not distinguish RT from HP (it
// only ever computes at full precision), so MICRO/NORMAL both use the HP
// micro-tile size and MACRO uses the HP macro-tile size (§4.9 constants,
// reused here for the one granularity sequential compute needs).
func tileSizeFor(pref imgdag.TilePreference) int {
	if pref == imgdag.TileMacro {
		return imgdag.HPMacroTileSize
	}
	return imgdag.HPMicroTileSize
}

// copyTileInto writes src (sized to roi) into dst at roi's offset.
func copyTileInto(dst *buffer.Buffer, roi imgdag.Rect, src *buffer.Buffer) error {
	values := make([]float64, dst.Channels())
	for y := 0; y < roi.H; y++ {
		for x := 0; x < roi.W; x++ {
			copy(values, src.At(x, y))
			if err := dst.Set(roi.X+x, roi.Y+y, values); err != nil {
				return err
			}
		}
	}
	return nil
}
