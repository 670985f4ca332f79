// Package graphmodel implements the graph data model (§3, §4.3): nodes,
// their edges, parameters, and the three cache slots (legacy, high
// precision, real time) an engine attaches results to. Node edges are id
// references rather than pointers, so the model can never form a cyclic
// ownership graph (§9 Design Notes) — only the logical dependency graph
// they describe can have a cycle, and that is rejected on AddNode.
//
// It is grounded on the wider pack's plain id-referenced graph
// representations (sbl8/sublation model/graph.go) rather than on the
// teacher, which has no DAG of its own.
package graphmodel

import "github.com/gogpu/imgdag"

// ImageInputEdge is one entry of a node's ordered image_inputs list
// (§3 Node, §6.1).
type ImageInputEdge struct {
	FromNodeID     int
	FromOutputName string // defaults to "image" when parsed from YAML
}

// ParameterInputEdge is one entry of a node's ordered parameter_inputs
// list: the named output of another node is written into one of this
// node's runtime parameters before dispatch (§3 Node, §4.7 step 3).
type ParameterInputEdge struct {
	FromNodeID      int
	FromOutputName  string
	ToParameterName string
}

// OutputPort is a declared output of a node (§3 Node: "output ports").
type OutputPort struct {
	OutputID         int
	OutputType       string
	OutputParameters map[string]imgdag.Value
}

// CacheDecl is one entry of a node's ordered cache declarations. Only
// CacheType == "image" is acted on by the disk cache service (§4.5).
type CacheDecl struct {
	CacheType string
	Location  string
}

// Node is one vertex of the graph: identity, edges, parameters, output
// ports, cache declarations, and the runtime cache slots an engine
// mutates as it computes (§3 Node).
type Node struct {
	ID      int
	Name    string
	Type    string
	Subtype string

	ImageInputs     []ImageInputEdge
	ParameterInputs []ParameterInputEdge

	// StaticParameters come from the graph's YAML declaration and never
	// change after load. RuntimeParameters is deep-cloned from
	// StaticParameters at the start of every compute, then overwritten
	// entry-by-entry by resolved ParameterInputs (§3 Node, §9 "deep
	// cloning of parameter trees is essential").
	StaticParameters  map[string]imgdag.Value
	RuntimeParameters map[string]imgdag.Value

	OutputPorts []OutputPort
	CacheDecls  []CacheDecl

	// Preserved, when true, exempts this node's memory cache from
	// force_recache (§4.7 step 1, §3 "preserved").
	Preserved bool

	// Runtime cache slots (§3 "Cache slots (runtime)").
	CachedOutput *NodeOutput

	CachedOutputHP *NodeOutput
	HPVersion      uint64
	HPROI          *imgdag.Rect

	CachedOutputRT *NodeOutput
	RTVersion      uint64
	RTROI          *imgdag.Rect

	// LastInputSizeHP is the full-resolution size of the primary image
	// input observed on the last HP run (sequential compute or the HP
	// update pass). The dirty-ROI planner's size inference does not read it.
	LastInputSizeHP *imgdag.Size
}

// NewNode returns a Node with its parameter maps initialized, ready to
// accept edges and parameters before being added to a GraphModel.
func NewNode(id int, name, typ, subtype string) *Node {
	return &Node{
		ID:                id,
		Name:              name,
		Type:              typ,
		Subtype:           subtype,
		StaticParameters:  make(map[string]imgdag.Value),
		RuntimeParameters: make(map[string]imgdag.Value),
	}
}

// RegistryKey is the "{type}:{subtype}" string the operator registry
// keys entries by (§4.2).
func (n *Node) RegistryKey() string {
	if n.Subtype == "" {
		return n.Type
	}
	return n.Type + ":" + n.Subtype
}

// ResetRuntimeParameters deep-clones StaticParameters into
// RuntimeParameters, discarding any values a prior run's parameter
// inputs wrote there (§4.7 step 2.iii: "deep-clone static parameters").
func (n *Node) ResetRuntimeParameters() {
	n.RuntimeParameters = imgdag.CloneParameters(n.StaticParameters)
}

// inputNodeIDs returns the set of distinct node ids this node depends on
// via either image or parameter edges, used for cycle checking and
// traversal (§4.4: "treats image_inputs and parameter_inputs
// symmetrically as dependency edges").
func (n *Node) inputNodeIDs() []int {
	seen := make(map[int]struct{}, len(n.ImageInputs)+len(n.ParameterInputs))
	out := make([]int, 0, len(n.ImageInputs)+len(n.ParameterInputs))
	add := func(id int) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, e := range n.ImageInputs {
		add(e.FromNodeID)
	}
	for _, e := range n.ParameterInputs {
		add(e.FromNodeID)
	}
	return out
}

// ClearCaches clears all three cache slots. If the node is Preserved,
// only the HP and RT slots are cleared; the legacy CachedOutput slot
// (and by extension "source=memory_cache" behavior) survives
// force_recache (§4.7 step 1, §8 scenario 2).
func (n *Node) ClearCaches(preserveLegacyIfMarked bool) {
	if !preserveLegacyIfMarked || !n.Preserved {
		n.CachedOutput = nil
	}
	n.CachedOutputHP = nil
	n.HPVersion = 0
	n.HPROI = nil
	n.CachedOutputRT = nil
	n.RTVersion = 0
	n.RTROI = nil
}
