// Package traversal implements the traversal service (§4.4): post-order
// topological walks, cycle detection, ending-node discovery, and
// dependency-tree printing, all driven off graphmodel.GraphModel's edge
// data.
//
// It is grounded on the wider pack's DAG executors — script-weaver's
// internal dag executor (two-color DFS state machine) and opentofu's
// execution graph — rather than the teacher, which has no dependency
// graph of its own.
package traversal

import (
	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/graphmodel"
)

type color uint8

const (
	white color = iota // unvisited
	gray               // on the current DFS stack
	black              // fully processed
)

// TopoPostorderFrom returns the post-order DFS traversal of every node
// reachable from endID, treating image_inputs and parameter_inputs
// symmetrically as dependency edges (§4.4). A back edge (a node reached
// while it is still gray) is a Cycle.
func TopoPostorderFrom(g *graphmodel.GraphModel, endID int) ([]int, error) {
	colors := make(map[int]color)
	var order []int

	var visit func(id int) error
	visit = func(id int) error {
		switch colors[id] {
		case black:
			return nil
		case gray:
			node, _ := g.GetNode(id)
			name := ""
			if node != nil {
				name = node.Name
			}
			return imgdag.NewNodeError(imgdag.Cycle, id, name, nil)
		}

		colors[id] = gray
		for _, depID := range g.InputNodeIDs(id) {
			if err := visit(depID); err != nil {
				return err
			}
		}
		colors[id] = black
		order = append(order, id)
		return nil
	}

	if err := visit(endID); err != nil {
		return nil, err
	}
	return order, nil
}

// EndingNodes returns every node with no incoming dependency-edge, i.e.
// every id in the graph that is never referenced as another node's input
// (§4.4 "set difference (all ids) minus (any id referenced as an
// input)"). Order is not guaranteed.
func EndingNodes(g *graphmodel.GraphModel) []int {
	all := g.AllNodeIDs()
	referenced := make(map[int]struct{})
	for _, id := range all {
		for _, depID := range g.InputNodeIDs(id) {
			referenced[depID] = struct{}{}
		}
	}

	out := make([]int, 0, len(all))
	for _, id := range all {
		if _, ok := referenced[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// IsAncestor reports whether target is a transitive dependency of start
// (§4.4). It forwards to GraphModel's implementation, which already holds
// the edge data. The kernel's trees-containing-node query calls it;
// AddNode's cycle pre-check uses GraphModel's own walk directly.
func IsAncestor(g *graphmodel.GraphModel, start, target int) bool {
	return g.IsAncestor(start, target)
}
