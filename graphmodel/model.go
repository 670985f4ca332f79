package graphmodel

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gogpu/imgdag"
)

// TimingEntry records one node's contribution to a compute's timing list
// (§4.7 step 3: "total is the sum of per-node times, not wall clock").
type TimingEntry struct {
	NodeID    int
	Source    string
	ElapsedMs float64
}

// GraphModel exclusively owns all Nodes and their NodeOutputs for one
// graph (§3 Ownership & Lifecycle). It is grounded on the wider pack's
// id-referenced graph representations rather than the teacher, adapted
// to carry the spec's two mutexes (graph_mutex for node/cache mutation,
// timing_mutex for the timing list) and lock-free IO-time accumulation.
type GraphModel struct {
	graphMu sync.RWMutex
	nodes   map[int]*Node
	order   []int // insertion order, for deterministic iteration

	CacheRoot     string
	Quiet         bool
	SkipSaveCache atomic.Bool

	// totalIOTimeBits holds total_io_time_ms as float64 bits, updated via
	// a CAS loop (§4.5 "every read/write accumulates elapsed ms ... via
	// atomic add (CAS loop)").
	totalIOTimeBits atomic.Uint64

	timingMu sync.Mutex
	timings  []TimingEntry
}

// New creates an empty graph model rooted at cacheRoot.
func New(cacheRoot string) *GraphModel {
	return &GraphModel{
		nodes:     make(map[int]*Node),
		CacheRoot: cacheRoot,
	}
}

// AddNode inserts n, rejecting a duplicate id with InvalidParameter and
// any edge that would make n.ID reachable from itself with Cycle
// (§4.3, §8 scenario 3).
func (g *GraphModel) AddNode(n *Node) error {
	g.graphMu.Lock()
	defer g.graphMu.Unlock()

	if _, exists := g.nodes[n.ID]; exists {
		return imgdag.NewNodeError(imgdag.InvalidParameter, n.ID, n.Name, errors.New("duplicate node id"))
	}

	for _, inputID := range n.inputNodeIDs() {
		if inputID == n.ID || g.isAncestorLocked(inputID, n.ID) {
			return imgdag.NewNodeError(imgdag.Cycle, n.ID, n.Name, errors.New("adding this node would create a cycle"))
		}
	}

	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	return nil
}

// isAncestorLocked reports whether target is reachable by following
// input edges forward from start, i.e. whether start's computation
// (transitively) depends on target. Caller must hold graphMu.
func (g *GraphModel) isAncestorLocked(start, target int) bool {
	visited := make(map[int]bool)
	var walk func(id int) bool
	walk = func(id int) bool {
		if id == target {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		node, ok := g.nodes[id]
		if !ok {
			return false
		}
		for _, inputID := range node.inputNodeIDs() {
			if walk(inputID) {
				return true
			}
		}
		return false
	}
	return walk(start)
}

// IsAncestor reports whether target is a transitive dependency of start
// (§4.4 "is_ancestor"). Exported for the traversal package's cycle
// pre-check reuse and for tests.
func (g *GraphModel) IsAncestor(start, target int) bool {
	g.graphMu.RLock()
	defer g.graphMu.RUnlock()
	return g.isAncestorLocked(start, target)
}

// HasNode reports whether id is present.
func (g *GraphModel) HasNode(id int) bool {
	g.graphMu.RLock()
	defer g.graphMu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// GetNode returns the node with id, or (nil, false).
func (g *GraphModel) GetNode(id int) (*Node, bool) {
	g.graphMu.RLock()
	defer g.graphMu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// InputNodeIDs returns the distinct node ids that id depends on via
// either image or parameter edges, or nil if id is unknown.
func (g *GraphModel) InputNodeIDs(id int) []int {
	g.graphMu.RLock()
	defer g.graphMu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return n.inputNodeIDs()
}

// AllNodeIDs returns every node id in insertion order.
func (g *GraphModel) AllNodeIDs() []int {
	g.graphMu.RLock()
	defer g.graphMu.RUnlock()
	out := make([]int, len(g.order))
	copy(out, g.order)
	return out
}

// Clear removes every node from the graph.
func (g *GraphModel) Clear() {
	g.graphMu.Lock()
	defer g.graphMu.Unlock()
	g.nodes = make(map[int]*Node)
	g.order = nil
}

// Lock and Unlock (and the RLock counterparts) expose graph_mutex
// directly so the engine packages can take it for the single commit
// step described in §4.8 ("Commit: ... the submitting thread takes
// graph_mutex and moves each temp_results[i] into node.cached_output").
func (g *GraphModel) Lock()    { g.graphMu.Lock() }
func (g *GraphModel) Unlock()  { g.graphMu.Unlock() }
func (g *GraphModel) RLock()   { g.graphMu.RLock() }
func (g *GraphModel) RUnlock() { g.graphMu.RUnlock() }

// AddIOTime atomically accumulates ms into total_io_time_ms using a CAS
// loop, matching the spec's "lock-free atomic accumulator" (§4.5, §5).
func (g *GraphModel) AddIOTime(ms float64) {
	for {
		old := g.totalIOTimeBits.Load()
		newVal := math.Float64frombits(old) + ms
		if g.totalIOTimeBits.CompareAndSwap(old, math.Float64bits(newVal)) {
			return
		}
	}
}

// TotalIOTimeMs returns the accumulated disk I/O time in milliseconds.
func (g *GraphModel) TotalIOTimeMs() float64 {
	return math.Float64frombits(g.totalIOTimeBits.Load())
}

// PushTiming appends one entry to the timing list under timing_mutex
// (§4.3 "timing_mutex (event list)").
func (g *GraphModel) PushTiming(entry TimingEntry) {
	g.timingMu.Lock()
	defer g.timingMu.Unlock()
	g.timings = append(g.timings, entry)
}

// Timings returns a copy of the accumulated timing list.
func (g *GraphModel) Timings() []TimingEntry {
	g.timingMu.Lock()
	defer g.timingMu.Unlock()
	out := make([]TimingEntry, len(g.timings))
	copy(out, g.timings)
	return out
}
