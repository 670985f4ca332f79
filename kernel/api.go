package kernel

import (
	"bytes"
	"context"
	"sort"

	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/buffer"
	"github.com/gogpu/imgdag/engine"
	"github.com/gogpu/imgdag/events"
	"github.com/gogpu/imgdag/graphmodel"
	"github.com/gogpu/imgdag/nodecache"
	"github.com/gogpu/imgdag/runtime"
	"github.com/gogpu/imgdag/traversal"
	"github.com/gogpu/imgdag/yamlio"
)

// ComputeParams configures one compute/compute_async/compute_and_get_image
// call (§6.3 "compute(graph, node_id, precision, force, timing, parallel,
// quiet, disable_disk_cache, nosave) -> success"). Parallel selects the
// work-stealing engine over the sequential reference engine.
type ComputeParams struct {
	Precision        imgdag.Precision
	Force            bool
	Timing           bool
	Parallel         bool
	Quiet            bool
	DisableDiskCache bool
	NoSave           bool
}

func (p ComputeParams) toOptions() engine.Options {
	return engine.Options{
		Precision:        p.Precision,
		ForceRecache:     p.Force,
		EnableTiming:     p.Timing,
		DisableDiskCache: p.DisableDiskCache,
		NoSave:           p.NoSave,
		Quiet:            p.Quiet,
	}
}

// computeOnce dispatches to the sequential or parallel engine per
// params.Parallel. It runs on whatever goroutine calls it; callers post
// it to the graph's control thread via runtime.Post so it serializes
// against the graph's other mutating operations.
func computeOnce(ctx context.Context, rt *runtime.GraphRuntime, nodeID int, params ComputeParams) (*graphmodel.NodeOutput, error) {
	if params.Parallel {
		return rt.Compute.Parallel(ctx, rt.Pool(), nodeID, params.toOptions())
	}
	return rt.Compute.Sequential(ctx, nodeID, params.toOptions())
}

// Compute runs a compute to completion and reports success (§6.3
// "compute ... -> success").
func (k *Kernel) Compute(ctx context.Context, name string, nodeID int, params ComputeParams) (bool, error) {
	entry, ok := k.entry(name)
	if !ok {
		return false, errGraphNotFound(name)
	}
	fut := runtime.Post(entry.rt, func() (*graphmodel.NodeOutput, error) {
		return computeOnce(ctx, entry.rt, nodeID, params)
	})
	_, err := fut.Get(ctx)
	k.recordError(name, err)
	return err == nil, err
}

// ComputeAsync posts the compute without blocking the caller, returning
// a Future the caller awaits on its own schedule (§6.3 "compute_async
// -> future<success>").
func (k *Kernel) ComputeAsync(ctx context.Context, name string, nodeID int, params ComputeParams) (*runtime.Future[bool], error) {
	entry, ok := k.entry(name)
	if !ok {
		return nil, errGraphNotFound(name)
	}
	fut := runtime.Post(entry.rt, func() (bool, error) {
		_, err := computeOnce(ctx, entry.rt, nodeID, params)
		k.recordError(name, err)
		return err == nil, err
	})
	return fut, nil
}

// ComputeAndGetImage runs a compute to completion and returns the
// target node's image output (§6.3 "compute_and_get_image ->
// optional<pixels>"). A failed compute always carries a non-nil error; a
// successful compute of a node whose output has no image returns a nil
// buffer with a nil error.
func (k *Kernel) ComputeAndGetImage(ctx context.Context, name string, nodeID int, params ComputeParams) (*buffer.Buffer, error) {
	entry, ok := k.entry(name)
	if !ok {
		return nil, errGraphNotFound(name)
	}
	fut := runtime.Post(entry.rt, func() (*graphmodel.NodeOutput, error) {
		return computeOnce(ctx, entry.rt, nodeID, params)
	})
	out, err := fut.Get(ctx)
	k.recordError(name, err)
	if err != nil {
		return nil, err
	}
	return out.Image, nil
}

// ReloadYAML re-parses name's content.yaml and replaces its live graph
// (§6.3 "reload_yaml").
func (k *Kernel) ReloadYAML(ctx context.Context, name string) (bool, error) {
	entry, ok := k.entry(name)
	if !ok {
		return false, errGraphNotFound(name)
	}
	fut := runtime.Post(entry.rt, func() (bool, error) {
		fresh, err := yamlio.ParseFile(entry.contentPath, entry.root)
		if err != nil {
			return false, err
		}
		entry.rt.Graph.Clear()
		for _, id := range fresh.AllNodeIDs() {
			node, ok := fresh.GetNode(id)
			if !ok {
				continue
			}
			if err := entry.rt.Graph.AddNode(node); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	ok2, err := fut.Get(ctx)
	k.recordError(name, err)
	return ok2, err
}

// SaveYAML serializes name's live graph back to its content.yaml
// (§6.3 "save_yaml").
func (k *Kernel) SaveYAML(ctx context.Context, name string) (bool, error) {
	entry, ok := k.entry(name)
	if !ok {
		return false, errGraphNotFound(name)
	}
	fut := runtime.Post(entry.rt, func() (bool, error) {
		if err := yamlio.SerializeFile(entry.contentPath, entry.rt.Graph); err != nil {
			return false, err
		}
		return true, nil
	})
	ok2, err := fut.Get(ctx)
	k.recordError(name, err)
	return ok2, err
}

// ClearCache empties name's memory and/or disk cache per mode (§6.3
// "clear_{drive,memory,both}_cache").
func (k *Kernel) ClearCache(ctx context.Context, name string, mode nodecache.ClearMode) (nodecache.ClearResult, error) {
	entry, ok := k.entry(name)
	if !ok {
		return nodecache.ClearResult{}, errGraphNotFound(name)
	}
	fut := runtime.Post(entry.rt, func() (nodecache.ClearResult, error) {
		return entry.cache.Clear(entry.rt.Graph, entry.root, mode)
	})
	result, err := fut.Get(ctx)
	k.recordError(name, err)
	return result, err
}

// CacheAllNodes saves every node currently holding an in-memory output
// to disk (§6.3 "cache_all_nodes"), returning the number saved.
func (k *Kernel) CacheAllNodes(ctx context.Context, name string, precision imgdag.Precision) (int, error) {
	entry, ok := k.entry(name)
	if !ok {
		return 0, errGraphNotFound(name)
	}
	fut := runtime.Post(entry.rt, func() (int, error) {
		saved := 0
		for _, id := range entry.rt.Graph.AllNodeIDs() {
			node, ok := entry.rt.Graph.GetNode(id)
			if !ok || node.CachedOutput == nil {
				continue
			}
			if err := entry.cache.Save(ctx, entry.rt.Graph, node, node.CachedOutput, entry.root, precision); err != nil {
				return saved, err
			}
			saved++
		}
		return saved, nil
	})
	saved, err := fut.Get(ctx)
	k.recordError(name, err)
	return saved, err
}

// FreeTransientMemory clears every node's in-memory cache slots without
// touching disk (§6.3 "free_transient_memory").
func (k *Kernel) FreeTransientMemory(ctx context.Context, name string) (nodecache.ClearResult, error) {
	return k.ClearCache(ctx, name, nodecache.ClearMemory)
}

// SynchronizeDiskCache saves in-memory outputs to disk and prunes
// orphaned disk files for nodes with no in-memory output (§6.3
// "synchronize_disk_cache", §6.2).
func (k *Kernel) SynchronizeDiskCache(ctx context.Context, name string, precision imgdag.Precision) (nodecache.SyncResult, error) {
	entry, ok := k.entry(name)
	if !ok {
		return nodecache.SyncResult{}, errGraphNotFound(name)
	}
	fut := runtime.Post(entry.rt, func() (nodecache.SyncResult, error) {
		return entry.cache.Sync(ctx, entry.rt.Graph, entry.root, precision)
	})
	result, err := fut.Get(ctx)
	k.recordError(name, err)
	return result, err
}

// DumpDependencyTree renders a stable, indented text tree of rootID's
// dependencies, or of every ending node's tree when rootID is nil
// (§6.3 "dump_dependency_tree(node?)", §4.4).
func (k *Kernel) DumpDependencyTree(ctx context.Context, name string, rootID *int) (string, error) {
	entry, ok := k.entry(name)
	if !ok {
		return "", errGraphNotFound(name)
	}
	fut := runtime.Post(entry.rt, func() (string, error) {
		var buf bytes.Buffer
		roots := []int{}
		if rootID != nil {
			roots = append(roots, *rootID)
		} else {
			roots = traversal.EndingNodes(entry.rt.Graph)
			sort.Ints(roots)
		}
		for i, id := range roots {
			if i > 0 {
				buf.WriteByte('\n')
			}
			if err := traversal.PrintDependencyTree(&buf, entry.rt.Graph, id); err != nil {
				return "", imgdag.NewError(imgdag.IO, err)
			}
		}
		return buf.String(), nil
	})
	out, err := fut.Get(ctx)
	k.recordError(name, err)
	return out, err
}

// TraversalOrders returns every ending node's post-order dependency
// traversal, keyed by that ending node's id (§6.3 "traversal_orders").
func (k *Kernel) TraversalOrders(ctx context.Context, name string) (map[int][]int, error) {
	entry, ok := k.entry(name)
	if !ok {
		return nil, errGraphNotFound(name)
	}
	fut := runtime.Post(entry.rt, func() (map[int][]int, error) {
		roots := traversal.EndingNodes(entry.rt.Graph)
		orders := make(map[int][]int, len(roots))
		for _, root := range roots {
			order, err := traversal.TopoPostorderFrom(entry.rt.Graph, root)
			if err != nil {
				return nil, err
			}
			orders[root] = order
		}
		return orders, nil
	})
	orders, err := fut.Get(ctx)
	k.recordError(name, err)
	return orders, err
}

// TraversalDetail names each node in one ending node's post-order
// traversal, for a front end that wants node names without a second
// round trip through GetNodeYAML per id.
type TraversalDetail struct {
	RootID int
	Nodes  []NodeLabel
}

// NodeLabel pairs a node id with its declared name.
type NodeLabel struct {
	ID   int
	Name string
}

// TraversalDetails is TraversalOrders with each id resolved to its
// declared name (§6.3 "traversal_details").
func (k *Kernel) TraversalDetails(ctx context.Context, name string) ([]TraversalDetail, error) {
	entry, ok := k.entry(name)
	if !ok {
		return nil, errGraphNotFound(name)
	}
	fut := runtime.Post(entry.rt, func() ([]TraversalDetail, error) {
		roots := traversal.EndingNodes(entry.rt.Graph)
		sort.Ints(roots)
		details := make([]TraversalDetail, 0, len(roots))
		for _, root := range roots {
			order, err := traversal.TopoPostorderFrom(entry.rt.Graph, root)
			if err != nil {
				return nil, err
			}
			labels := make([]NodeLabel, len(order))
			for i, id := range order {
				label := NodeLabel{ID: id}
				if node, ok := entry.rt.Graph.GetNode(id); ok {
					label.Name = node.Name
				}
				labels[i] = label
			}
			details = append(details, TraversalDetail{RootID: root, Nodes: labels})
		}
		return details, nil
	})
	details, err := fut.Get(ctx)
	k.recordError(name, err)
	return details, err
}

// TreesContainingNode returns every ending node whose dependency
// traversal includes nodeID (§6.3 "trees_containing_node").
func (k *Kernel) TreesContainingNode(ctx context.Context, name string, nodeID int) ([]int, error) {
	entry, ok := k.entry(name)
	if !ok {
		return nil, errGraphNotFound(name)
	}
	fut := runtime.Post(entry.rt, func() ([]int, error) {
		var containing []int
		for _, root := range traversal.EndingNodes(entry.rt.Graph) {
			if root == nodeID || traversal.IsAncestor(entry.rt.Graph, root, nodeID) {
				containing = append(containing, root)
			}
		}
		sort.Ints(containing)
		return containing, nil
	})
	result, err := fut.Get(ctx)
	k.recordError(name, err)
	return result, err
}

// ListNodeIDs returns every node id currently in name's graph (§6.3
// "list_node_ids").
func (k *Kernel) ListNodeIDs(name string) ([]int, error) {
	entry, ok := k.entry(name)
	if !ok {
		return nil, errGraphNotFound(name)
	}
	return entry.rt.Graph.AllNodeIDs(), nil
}

// GetNodeYAML serializes one node's current definition (§6.3
// "get_node_yaml").
func (k *Kernel) GetNodeYAML(ctx context.Context, name string, nodeID int) (string, error) {
	entry, ok := k.entry(name)
	if !ok {
		return "", errGraphNotFound(name)
	}
	fut := runtime.Post(entry.rt, func() (string, error) {
		node, ok := entry.rt.Graph.GetNode(nodeID)
		if !ok {
			return "", imgdag.NewNodeError(imgdag.NotFound, nodeID, "", nil)
		}
		return yamlio.EncodeNode(node)
	})
	doc, err := fut.Get(ctx)
	k.recordError(name, err)
	return doc, err
}

// SetNodeYAML replaces an existing node's definition from a YAML
// mapping in the shape GetNodeYAML produces, clearing its cache slots
// (§6.3 "set_node_yaml"). The document's id must match an existing
// node; SetNodeYAML never changes a node's id.
func (k *Kernel) SetNodeYAML(ctx context.Context, name string, doc string) (bool, error) {
	entry, ok := k.entry(name)
	if !ok {
		return false, errGraphNotFound(name)
	}
	decoded, err := yamlio.DecodeNode(doc)
	if err != nil {
		k.recordError(name, err)
		return false, err
	}
	fut := runtime.Post(entry.rt, func() (bool, error) {
		existing, ok := entry.rt.Graph.GetNode(decoded.ID)
		if !ok {
			return false, imgdag.NewNodeError(imgdag.NotFound, decoded.ID, decoded.Name, nil)
		}
		*existing = *decoded
		return true, nil
	})
	ok2, err := fut.Get(ctx)
	k.recordError(name, err)
	return ok2, err
}

// DrainComputeEvents drains name's compute event log (§6.3
// "drain_compute_events", §4.6). Like events.Service itself, this is
// safe to call from any goroutine without posting through the control
// thread.
func (k *Kernel) DrainComputeEvents(name string) ([]events.ComputeEvent, error) {
	entry, ok := k.entry(name)
	if !ok {
		return nil, errGraphNotFound(name)
	}
	return entry.rt.Compute.Events.Drain(), nil
}

// GetTiming returns name's accumulated per-node timing list (§6.3
// "get_timing", §4.7 step 3).
func (k *Kernel) GetTiming(name string) ([]graphmodel.TimingEntry, error) {
	entry, ok := k.entry(name)
	if !ok {
		return nil, errGraphNotFound(name)
	}
	return entry.rt.Graph.Timings(), nil
}

// GetLastIOTime returns name's accumulated disk I/O time in
// milliseconds (§6.3 "get_last_io_time", §4.5).
func (k *Kernel) GetLastIOTime(name string) (float64, error) {
	entry, ok := k.entry(name)
	if !ok {
		return 0, errGraphNotFound(name)
	}
	return entry.rt.Graph.TotalIOTimeMs(), nil
}

// OpSource describes one registered operator for ops_sources/
// ops_combined_sources (§6.3). Plugin-sourced entries are never present:
// plugin loading is out of scope (§1 Non-goals), so every entry here
// came from a compiled-in registration.
type OpSource struct {
	Name       string
	Monolithic bool
	TiledHP    bool
	TiledRT    bool
}

// OpSources lists every operator name registered on the kernel's
// registry (§6.3 "ops_sources").
func (k *Kernel) OpSources() []string {
	names := k.registry.Available()
	sort.Strings(names)
	return names
}

// OpCombinedSources is OpSources with each entry's available variants
// attached; "combined" because with plugin loading out of scope (§1
// Non-goals) there is only ever one source — the compiled-in registry —
// so this and OpSources always describe the same set, just at different
// detail.
func (k *Kernel) OpCombinedSources() []OpSource {
	names := k.registry.Available()
	sort.Strings(names)
	sources := make([]OpSource, 0, len(names))
	for _, name := range names {
		entry, ok := k.registry.Get(name)
		if !ok {
			continue
		}
		sources = append(sources, OpSource{
			Name:       name,
			Monolithic: entry.HasMonolithic(),
			TiledHP:    entry.HasTiledHP(),
			TiledRT:    entry.HasTiledRT(),
		})
	}
	return sources
}
