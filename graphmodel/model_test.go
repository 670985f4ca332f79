package graphmodel

import (
	"sync"
	"testing"

	"github.com/gogpu/imgdag"
)

func TestAddNodeRejectsDuplicateID(t *testing.T) {
	g := New("")
	if err := g.AddNode(NewNode(1, "a", "perlin", "")); err != nil {
		t.Fatalf("first AddNode: %v", err)
	}
	err := g.AddNode(NewNode(1, "b", "perlin", ""))
	if imgdag.KindOf(err) != imgdag.InvalidParameter {
		t.Fatalf("AddNode duplicate error = %v, want InvalidParameter", err)
	}
}

func TestAddNodeRejectsDirectSelfLoop(t *testing.T) {
	g := New("")
	n := NewNode(1, "a", "blur", "")
	n.ImageInputs = []ImageInputEdge{{FromNodeID: 1}}
	err := g.AddNode(n)
	if imgdag.KindOf(err) != imgdag.Cycle {
		t.Fatalf("AddNode self-loop error = %v, want Cycle", err)
	}
	if g.HasNode(1) {
		t.Fatalf("graph should be unchanged after a rejected add")
	}
}

func TestAddNodeRejectsTransitiveCycle(t *testing.T) {
	g := New("")
	// Node 2 declares a forward reference to node 1, which does not
	// exist yet.
	n2 := NewNode(2, "b", "blur", "")
	n2.ImageInputs = []ImageInputEdge{{FromNodeID: 1}}
	if err := g.AddNode(n2); err != nil {
		t.Fatalf("AddNode(n2): %v", err)
	}

	// Now adding node 1 with an input from node 2 would close the loop
	// 1 -> 2 -> 1.
	n1 := NewNode(1, "a", "perlin", "")
	n1.ImageInputs = []ImageInputEdge{{FromNodeID: 2}}
	err := g.AddNode(n1)
	if imgdag.KindOf(err) != imgdag.Cycle {
		t.Fatalf("AddNode transitive cycle error = %v, want Cycle", err)
	}
}

func TestAddNodeAcceptsChain(t *testing.T) {
	g := New("")
	if err := g.AddNode(NewNode(1, "perlin", "perlin", "")); err != nil {
		t.Fatalf("AddNode(1): %v", err)
	}
	blur := NewNode(2, "blur", "gaussian_blur", "")
	blur.ImageInputs = []ImageInputEdge{{FromNodeID: 1}}
	if err := g.AddNode(blur); err != nil {
		t.Fatalf("AddNode(2): %v", err)
	}
	if !g.IsAncestor(2, 1) {
		t.Fatalf("IsAncestor(2, 1) = false, want true")
	}
	if g.IsAncestor(1, 2) {
		t.Fatalf("IsAncestor(1, 2) = true, want false")
	}
}

func TestAddIOTimeConcurrent(t *testing.T) {
	g := New("")
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.AddIOTime(1.5)
		}()
	}
	wg.Wait()
	if got := g.TotalIOTimeMs(); got != 150 {
		t.Fatalf("TotalIOTimeMs() = %v, want 150", got)
	}
}

func TestClearCachesPreservesLegacyWhenMarked(t *testing.T) {
	n := NewNode(1, "perlin", "perlin", "")
	n.Preserved = true
	n.CachedOutput = NewNodeOutput(nil)
	n.CachedOutputHP = NewNodeOutput(nil)
	n.HPVersion = 3

	n.ClearCaches(true)

	if n.CachedOutput == nil {
		t.Fatalf("preserved node's legacy cache should survive force_recache")
	}
	if n.CachedOutputHP != nil || n.HPVersion != 0 {
		t.Fatalf("HP slot should still be cleared for a preserved node")
	}
}
