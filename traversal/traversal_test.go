package traversal

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/graphmodel"
)

func chainGraph(t *testing.T) *graphmodel.GraphModel {
	t.Helper()
	g := graphmodel.New("")
	if err := g.AddNode(graphmodel.NewNode(1, "perlin", "perlin", "")); err != nil {
		t.Fatalf("AddNode(1): %v", err)
	}
	blur := graphmodel.NewNode(2, "blur", "gaussian_blur", "")
	blur.ImageInputs = []graphmodel.ImageInputEdge{{FromNodeID: 1}}
	if err := g.AddNode(blur); err != nil {
		t.Fatalf("AddNode(2): %v", err)
	}
	combine := graphmodel.NewNode(3, "combine", "blend", "screen")
	combine.ImageInputs = []graphmodel.ImageInputEdge{{FromNodeID: 1}, {FromNodeID: 2}}
	if err := g.AddNode(combine); err != nil {
		t.Fatalf("AddNode(3): %v", err)
	}
	return g
}

func TestTopoPostorderFromOrdersDependenciesFirst(t *testing.T) {
	g := chainGraph(t)
	order, err := TopoPostorderFrom(g, 3)
	if err != nil {
		t.Fatalf("TopoPostorderFrom: %v", err)
	}
	pos := make(map[int]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos[1] >= pos[2] || pos[2] >= pos[3] {
		t.Fatalf("order %v does not place dependencies before dependents", order)
	}
}

func TestTopoPostorderFromDetectsCycleInMutatedGraph(t *testing.T) {
	g := graphmodel.New("")
	if err := g.AddNode(graphmodel.NewNode(1, "a", "perlin", "")); err != nil {
		t.Fatalf("AddNode(1): %v", err)
	}
	n2 := graphmodel.NewNode(2, "b", "blur", "")
	n2.ImageInputs = []graphmodel.ImageInputEdge{{FromNodeID: 1}}
	if err := g.AddNode(n2); err != nil {
		t.Fatalf("AddNode(2): %v", err)
	}

	// AddNode only rejects a cycle at insertion time; it does not freeze
	// a node's edges afterward. Mutating node 1's edges directly (as a
	// YAML hot-reload or graph editor would) can still introduce a cycle,
	// which the traversal must catch independently.
	n1, _ := g.GetNode(1)
	n1.ImageInputs = []graphmodel.ImageInputEdge{{FromNodeID: 2}}

	if _, err := TopoPostorderFrom(g, 2); imgdag.KindOf(err) != imgdag.Cycle {
		t.Fatalf("TopoPostorderFrom error = %v, want Cycle", err)
	}
}

func TestEndingNodesFindsOnlyUnreferencedIDs(t *testing.T) {
	g := chainGraph(t)
	ending := EndingNodes(g)
	if len(ending) != 1 || ending[0] != 3 {
		t.Fatalf("EndingNodes() = %v, want [3]", ending)
	}
}

func TestIsAncestorForwardsToGraphModel(t *testing.T) {
	g := chainGraph(t)
	if !IsAncestor(g, 3, 1) {
		t.Fatalf("IsAncestor(3, 1) = false, want true")
	}
	if IsAncestor(g, 1, 3) {
		t.Fatalf("IsAncestor(1, 3) = true, want false")
	}
}

func TestPrintDependencyTreeIsStableAndIndented(t *testing.T) {
	g := chainGraph(t)
	var buf bytes.Buffer
	if err := PrintDependencyTree(&buf, g, 3); err != nil {
		t.Fatalf("PrintDependencyTree: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "#3 combine (blend:screen)") {
		t.Fatalf("tree missing root label: %q", out)
	}
	if !strings.Contains(out, "├── #1 perlin (perlin)") || !strings.Contains(out, "└── #2 blur (gaussian_blur)") {
		t.Fatalf("tree missing expected child connectors: %q", out)
	}
}

func TestDisplayWidthCountsWideRunesAsTwoColumns(t *testing.T) {
	if got := DisplayWidth("ab"); got != 2 {
		t.Fatalf("DisplayWidth(ab) = %d, want 2", got)
	}
	if got := DisplayWidth("日本"); got != 4 {
		t.Fatalf("DisplayWidth(日本) = %d, want 4", got)
	}
}
