package engine

import (
	"context"
	"testing"

	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/buffer"
	"github.com/gogpu/imgdag/graphmodel"
	"github.com/gogpu/imgdag/internal/workpool"
	"github.com/gogpu/imgdag/registry"
)

func TestParallelMatchesSequentialOutput(t *testing.T) {
	var perlinCalls int
	gSeq, regSeq := screenChainGraph(t, &perlinCalls)
	seq := newTestCompute(t, gSeq, regSeq)
	seqOut, err := seq.Sequential(context.Background(), 3, Options{})
	if err != nil {
		t.Fatalf("Sequential: %v", err)
	}

	var parallelPerlinCalls int
	gPar, regPar := screenChainGraph(t, &parallelPerlinCalls)
	par := newTestCompute(t, gPar, regPar)
	pool := workpool.New(4)
	defer pool.Close()

	parOut, err := par.Parallel(context.Background(), pool, 3, Options{})
	if err != nil {
		t.Fatalf("Parallel: %v", err)
	}

	if seqOut.Image.Width() != parOut.Image.Width() || seqOut.Image.Height() != parOut.Image.Height() {
		t.Fatalf("size mismatch: sequential %dx%d, parallel %dx%d",
			seqOut.Image.Width(), seqOut.Image.Height(), parOut.Image.Width(), parOut.Image.Height())
	}
	for y := 0; y < seqOut.Image.Height(); y++ {
		for x := 0; x < seqOut.Image.Width(); x++ {
			want, got := seqOut.Image.At(x, y), parOut.Image.At(x, y)
			for c := range want {
				if want[c] != got[c] {
					t.Fatalf("pixel (%d,%d) channel %d: sequential %v, parallel %v", x, y, c, want[c], got[c])
				}
			}
		}
	}

	node3, _ := gPar.GetNode(3)
	if node3.HPVersion != 1 {
		t.Fatalf("node3.HPVersion = %d, want 1", node3.HPVersion)
	}
}

func TestParallelShortCircuitsOnMemoryCache(t *testing.T) {
	var perlinCalls int
	g, reg := screenChainGraph(t, &perlinCalls)
	c := newTestCompute(t, g, reg)
	pool := workpool.New(2)
	defer pool.Close()

	ctx := context.Background()
	if _, err := c.Parallel(ctx, pool, 3, Options{}); err != nil {
		t.Fatalf("Parallel (first): %v", err)
	}
	if _, err := c.Parallel(ctx, pool, 3, Options{}); err != nil {
		t.Fatalf("Parallel (second): %v", err)
	}
	if perlinCalls != 1 {
		t.Fatalf("perlin called %d times across two parallel computes, want 1", perlinCalls)
	}
}

func TestParallelTiledDispatchStitchesTilesByROI(t *testing.T) {
	g := graphmodel.New(t.TempDir())
	reg := registry.New()

	node := graphmodel.NewNode(1, "gen", "tiled_gen", "")
	node.StaticParameters["width"] = imgdag.NewIntValue(70)
	node.StaticParameters["height"] = imgdag.NewIntValue(40)
	if err := g.AddNode(node); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	reg.Register("tiled_gen", &registry.Entry{
		Metadata: registry.Metadata{TilePreference: imgdag.TileMicro},
		TiledHP: func(_ context.Context, _ map[string]*buffer.Buffer, roi imgdag.Rect, _ map[string]imgdag.Value, _ imgdag.DeviceHandle) (*buffer.Buffer, error) {
			return constFillBuffer(roi.W, roi.H, 4, float64(roi.X)/100.0)
		},
	})

	c := newTestCompute(t, g, reg)
	pool := workpool.New(4)
	defer pool.Close()

	out, err := c.Parallel(context.Background(), pool, 1, Options{})
	if err != nil {
		t.Fatalf("Parallel: %v", err)
	}
	if out.Image.Width() != 70 || out.Image.Height() != 40 {
		t.Fatalf("output size = %dx%d, want 70x40", out.Image.Width(), out.Image.Height())
	}
	if got := out.Image.At(0, 0)[0]; got != 0 {
		t.Fatalf("pixel (0,0) = %v, want 0", got)
	}
	if got, want := out.Image.At(65, 0)[0], float64(float32(0.64)); got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("pixel (65,0) = %v, want %v", got, want)
	}
}

func TestParallelDetectsCycleAtComputeTime(t *testing.T) {
	g := graphmodel.New(t.TempDir())
	reg := registry.New()
	n1 := graphmodel.NewNode(1, "a", "perlin", "")
	if err := g.AddNode(n1); err != nil {
		t.Fatalf("AddNode(1): %v", err)
	}
	n2 := graphmodel.NewNode(2, "b", "gaussian_blur", "")
	n2.ImageInputs = []graphmodel.ImageInputEdge{{FromNodeID: 1}}
	if err := g.AddNode(n2); err != nil {
		t.Fatalf("AddNode(2): %v", err)
	}
	n1.ImageInputs = []graphmodel.ImageInputEdge{{FromNodeID: 2}}

	c := newTestCompute(t, g, reg)
	pool := workpool.New(2)
	defer pool.Close()

	_, err := c.Parallel(context.Background(), pool, 2, Options{})
	if imgdag.KindOf(err) != imgdag.Cycle {
		t.Fatalf("Parallel error = %v, want Cycle", err)
	}
}
