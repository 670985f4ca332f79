package engine

import (
	"context"
	"testing"

	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/buffer"
	"github.com/gogpu/imgdag/events"
	"github.com/gogpu/imgdag/graphmodel"
	"github.com/gogpu/imgdag/nodecache"
	"github.com/gogpu/imgdag/registry"
)

// newTestCompute wires a Compute whose graph nodes carry no CacheDecls,
// so CacheService.Save is a no-op and a nil ImageCodec is never invoked.
func newTestCompute(t *testing.T, g *graphmodel.GraphModel, reg *registry.Registry) *Compute {
	t.Helper()
	cache := nodecache.NewCacheService(nil, nodecache.NewMemoryCache(0))
	return NewCompute(g, reg, cache, events.New(), nil, t.TempDir())
}

func constFillBuffer(width, height, channels int, value float64) (*buffer.Buffer, error) {
	buf, err := buffer.New(width, height, channels, imgdag.F32)
	if err != nil {
		return nil, err
	}
	values := make([]float64, channels)
	for i := range values {
		values[i] = value
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if err := buf.Set(x, y, values); err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

func screenChainGraph(t *testing.T, perlinCalls *int) (*graphmodel.GraphModel, *registry.Registry) {
	t.Helper()
	g := graphmodel.New(t.TempDir())
	reg := registry.New()

	perlin := graphmodel.NewNode(1, "noise", "perlin", "")
	perlin.StaticParameters["width"] = imgdag.NewIntValue(4)
	perlin.StaticParameters["height"] = imgdag.NewIntValue(4)
	if err := g.AddNode(perlin); err != nil {
		t.Fatalf("AddNode(perlin): %v", err)
	}

	blur := graphmodel.NewNode(2, "blur", "gaussian_blur", "")
	blur.ImageInputs = []graphmodel.ImageInputEdge{{FromNodeID: 1}}
	if err := g.AddNode(blur); err != nil {
		t.Fatalf("AddNode(blur): %v", err)
	}

	combine := graphmodel.NewNode(3, "combine", "blend", "screen")
	combine.ImageInputs = []graphmodel.ImageInputEdge{{FromNodeID: 1}, {FromNodeID: 2}}
	if err := g.AddNode(combine); err != nil {
		t.Fatalf("AddNode(combine): %v", err)
	}

	reg.Register("perlin", &registry.Entry{
		Monolithic: func(_ context.Context, _ map[string]*buffer.Buffer, params map[string]imgdag.Value, _ imgdag.DeviceHandle) (*buffer.Buffer, error) {
			*perlinCalls++
			w, _ := params["width"].Int()
			h, _ := params["height"].Int()
			return constFillBuffer(int(w), int(h), 4, 0.3)
		},
	})
	reg.Register("gaussian_blur", &registry.Entry{
		Monolithic: func(_ context.Context, inputs map[string]*buffer.Buffer, _ map[string]imgdag.Value, _ imgdag.DeviceHandle) (*buffer.Buffer, error) {
			return inputs[imageInputKey(0)].Clone(), nil
		},
	})
	reg.Register("blend:screen", &registry.Entry{
		Monolithic: func(_ context.Context, inputs map[string]*buffer.Buffer, _ map[string]imgdag.Value, _ imgdag.DeviceHandle) (*buffer.Buffer, error) {
			a := inputs[imageInputKey(0)]
			b := inputs[imageInputKey(1)]
			out, err := buffer.New(a.Width(), a.Height(), a.Channels(), a.DType())
			if err != nil {
				return nil, err
			}
			values := make([]float64, a.Channels())
			for y := 0; y < a.Height(); y++ {
				for x := 0; x < a.Width(); x++ {
					pa, pb := a.At(x, y), b.At(x, y)
					for c := range values {
						values[c] = 1 - (1-pa[c])*(1-pb[c])
					}
					if err := out.Set(x, y, values); err != nil {
						return nil, err
					}
				}
			}
			return out, nil
		},
	})

	return g, reg
}

func TestSequentialComputesChainAndScreenBlends(t *testing.T) {
	var perlinCalls int
	g, reg := screenChainGraph(t, &perlinCalls)
	c := newTestCompute(t, g, reg)

	out, err := c.Sequential(context.Background(), 3, Options{})
	if err != nil {
		t.Fatalf("Sequential: %v", err)
	}
	got := out.Image.At(0, 0)
	want := 1 - (1-0.3)*(1-0.3)
	if diff := got[0] - want; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("blend output = %v, want %v", got[0], want)
	}
	if perlinCalls != 1 {
		t.Fatalf("perlin called %d times, want 1", perlinCalls)
	}

	node3, _ := g.GetNode(3)
	if node3.HPVersion != 1 {
		t.Fatalf("node3.HPVersion = %d, want 1", node3.HPVersion)
	}
	node1, _ := g.GetNode(1)
	if node1.CachedOutput == nil {
		t.Fatalf("node1.CachedOutput should be populated after computing its dependent")
	}
}

func TestSequentialShortCircuitsOnMemoryCache(t *testing.T) {
	var perlinCalls int
	g, reg := screenChainGraph(t, &perlinCalls)
	c := newTestCompute(t, g, reg)

	ctx := context.Background()
	if _, err := c.Sequential(ctx, 3, Options{}); err != nil {
		t.Fatalf("Sequential (first): %v", err)
	}
	if _, err := c.Sequential(ctx, 3, Options{}); err != nil {
		t.Fatalf("Sequential (second): %v", err)
	}
	if perlinCalls != 1 {
		t.Fatalf("perlin called %d times across two computes, want 1 (memory cache short-circuit)", perlinCalls)
	}
}

func TestSequentialForceRecacheClearsLegacyUnlessPreserved(t *testing.T) {
	var perlinCalls int
	g, reg := screenChainGraph(t, &perlinCalls)
	c := newTestCompute(t, g, reg)

	ctx := context.Background()
	if _, err := c.Sequential(ctx, 3, Options{}); err != nil {
		t.Fatalf("Sequential (first): %v", err)
	}

	node1, _ := g.GetNode(1)
	node1.Preserved = true

	if _, err := c.Sequential(ctx, 3, Options{ForceRecache: true}); err != nil {
		t.Fatalf("Sequential (force_recache): %v", err)
	}
	// node1 is Preserved, so its legacy slot survives force_recache and
	// the perlin operator must not run again (§8 scenario 2).
	if perlinCalls != 1 {
		t.Fatalf("perlin called %d times after force_recache on a preserved node, want 1", perlinCalls)
	}
}

func TestSequentialDetectsCycleAtComputeTime(t *testing.T) {
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
	_, err := c.Sequential(context.Background(), 2, Options{})
	if imgdag.KindOf(err) != imgdag.Cycle {
		t.Fatalf("Sequential error = %v, want Cycle", err)
	}
}

func TestSequentialTiledDispatchStitchesTilesByROI(t *testing.T) {
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

	cache := nodecache.NewCacheService(nil, nodecache.NewMemoryCache(0))
	c := NewCompute(g, reg, cache, events.New(), nil, t.TempDir())

	out, err := c.Sequential(context.Background(), 1, Options{})
	if err != nil {
		t.Fatalf("Sequential: %v", err)
	}
	if out.Image.Width() != 70 || out.Image.Height() != 40 {
		t.Fatalf("output size = %dx%d, want 70x40", out.Image.Width(), out.Image.Height())
	}
	if got := out.Image.At(0, 0)[0]; got != 0 {
		t.Fatalf("pixel (0,0) = %v, want 0 (from the x=0 tile)", got)
	}
	if got, want := out.Image.At(65, 0)[0], float64(float32(0.64)); got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("pixel (65,0) = %v, want %v (from the x=64 tile)", got, want)
	}
}
