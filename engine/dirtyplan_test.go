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

// blurChainGraph builds A(perlin, monolithic, 512x512) -> B(gaussian_blur,
// tiled_hp, halo 4px) registered for both GlobalHighPrecision and
// RealTimeUpdate (§8 scenario 4).
func blurChainGraph(t *testing.T) (*graphmodel.GraphModel, *registry.Registry) {
	t.Helper()
	g := graphmodel.New(t.TempDir())
	reg := registry.New()

	a := graphmodel.NewNode(1, "noise", "perlin", "")
	a.StaticParameters["width"] = imgdag.NewIntValue(512)
	a.StaticParameters["height"] = imgdag.NewIntValue(512)
	if err := g.AddNode(a); err != nil {
		t.Fatalf("AddNode(a): %v", err)
	}

	b := graphmodel.NewNode(2, "blur", "gaussian_blur", "")
	b.ImageInputs = []graphmodel.ImageInputEdge{{FromNodeID: 1}}
	if err := g.AddNode(b); err != nil {
		t.Fatalf("AddNode(b): %v", err)
	}

	reg.Register("perlin", &registry.Entry{
		Monolithic: func(_ context.Context, _ map[string]*buffer.Buffer, params map[string]imgdag.Value, _ imgdag.DeviceHandle) (*buffer.Buffer, error) {
			w, _ := params["width"].Int()
			h, _ := params["height"].Int()
			return constFillBuffer(int(w), int(h), 4, 0.3)
		},
	})
	reg.Register("gaussian_blur", &registry.Entry{
		Metadata: registry.Metadata{HaloPixels: 4, TilePreference: imgdag.TileMicro},
		TiledHP: func(_ context.Context, inputs map[string]*buffer.Buffer, roi imgdag.Rect, _ map[string]imgdag.Value, _ imgdag.DeviceHandle) (*buffer.Buffer, error) {
			in := inputs[imageInputKey(0)]
			avg := 0.0
			n := 0
			for y := 0; y < in.Height(); y++ {
				for x := 0; x < in.Width(); x++ {
					avg += in.At(x, y)[0]
					n++
				}
			}
			if n > 0 {
				avg /= float64(n)
			}
			return constFillBuffer(roi.W, roi.H, 4, avg)
		},
	})

	return g, reg
}

func newTestComputeForDirtyPlan(t *testing.T, g *graphmodel.GraphModel, reg *registry.Registry) *Compute {
	t.Helper()
	cache := nodecache.NewCacheService(nil, nodecache.NewMemoryCache(0))
	return NewCompute(g, reg, cache, events.New(), nil, t.TempDir())
}

func TestUpdateHPRecomputesPlannedROIAndBumpsVersion(t *testing.T) {
	g, reg := blurChainGraph(t)
	c := newTestComputeForDirtyPlan(t, g, reg)
	ctx := context.Background()

	if _, err := c.Sequential(ctx, 2, Options{}); err != nil {
		t.Fatalf("Sequential: %v", err)
	}

	node2, _ := g.GetNode(2)
	hpVersionBefore := node2.HPVersion
	if node2.CachedOutputHP == nil {
		t.Fatalf("node2.CachedOutputHP should be populated after Sequential")
	}

	dirtyROI := imgdag.Rect{X: 100, Y: 100, W: 64, H: 64}
	requests, err := c.UpdateHP(ctx, 2, dirtyROI, Options{EnableTiming: true})
	if err != nil {
		t.Fatalf("UpdateHP: %v", err)
	}
	if len(requests) == 0 {
		t.Fatalf("UpdateHP returned no downsample requests")
	}

	node2, _ = g.GetNode(2)
	if node2.HPVersion != hpVersionBefore+1 {
		t.Fatalf("node2.HPVersion = %d, want %d", node2.HPVersion, hpVersionBefore+1)
	}
	wantHPSize := imgdag.Size{Width: 512, Height: 512}
	if node2.CachedOutputHP.Image.Size() != wantHPSize {
		t.Fatalf("node2.CachedOutputHP size = %v, want 512x512", node2.CachedOutputHP.Image.Size())
	}

	want := dirtyROI.Expand(4).AlignOut(imgdag.HPAlignment).Clip(wantHPSize)
	if node2.HPROI == nil {
		t.Fatalf("node2.HPROI is nil")
	}
	if node2.HPROI.Intersect(want) != want {
		t.Fatalf("node2.HPROI = %+v does not cover the expected planned region %+v", *node2.HPROI, want)
	}
}

func TestDownsampleToRTMatchesHPVersionAndSize(t *testing.T) {
	g, reg := blurChainGraph(t)
	c := newTestComputeForDirtyPlan(t, g, reg)
	ctx := context.Background()

	if _, err := c.Sequential(ctx, 2, Options{}); err != nil {
		t.Fatalf("Sequential: %v", err)
	}

	dirtyROI := imgdag.Rect{X: 100, Y: 100, W: 64, H: 64}
	requests, err := c.UpdateHP(ctx, 2, dirtyROI, Options{})
	if err != nil {
		t.Fatalf("UpdateHP: %v", err)
	}
	if err := c.DownsampleToRT(ctx, requests, Options{EnableTiming: true}); err != nil {
		t.Fatalf("DownsampleToRT: %v", err)
	}

	node2, _ := g.GetNode(2)
	if node2.CachedOutputRT == nil {
		t.Fatalf("node2.CachedOutputRT should be populated after DownsampleToRT")
	}
	wantRTSize := imgdag.CeilDivSize(node2.CachedOutputHP.Image.Size(), imgdag.DownsampleFactor)
	if got := node2.CachedOutputRT.Image.Size(); got != wantRTSize {
		t.Fatalf("node2.CachedOutputRT size = %v, want %v", got, wantRTSize)
	}
	if node2.RTVersion != node2.HPVersion {
		t.Fatalf("node2.RTVersion = %d, node2.HPVersion = %d, want equal", node2.RTVersion, node2.HPVersion)
	}
}

func TestDownsampleToRTSkipsStaleRequest(t *testing.T) {
	g, reg := blurChainGraph(t)
	c := newTestComputeForDirtyPlan(t, g, reg)
	ctx := context.Background()

	if _, err := c.Sequential(ctx, 2, Options{}); err != nil {
		t.Fatalf("Sequential: %v", err)
	}

	node2, _ := g.GetNode(2)
	staleReq := DownsampleRequest{NodeID: 2, ROIHP: imgdag.Rect{X: 0, Y: 0, W: 64, H: 64}, HPVersion: node2.HPVersion + 5}
	if err := c.DownsampleToRT(ctx, []DownsampleRequest{staleReq}, Options{}); err != nil {
		t.Fatalf("DownsampleToRT: %v", err)
	}
	node2, _ = g.GetNode(2)
	if node2.CachedOutputRT != nil {
		t.Fatalf("a request ahead of node.HPVersion must be skipped, not applied")
	}

	freshReq := DownsampleRequest{NodeID: 2, ROIHP: imgdag.Rect{X: 0, Y: 0, W: 64, H: 64}, HPVersion: node2.HPVersion}
	if err := c.DownsampleToRT(ctx, []DownsampleRequest{freshReq}, Options{}); err != nil {
		t.Fatalf("DownsampleToRT: %v", err)
	}
	node2, _ = g.GetNode(2)
	if node2.RTVersion != freshReq.HPVersion {
		t.Fatalf("node2.RTVersion = %d, want %d", node2.RTVersion, freshReq.HPVersion)
	}

	staleAgain := DownsampleRequest{NodeID: 2, ROIHP: imgdag.Rect{X: 64, Y: 64, W: 64, H: 64}, HPVersion: freshReq.HPVersion}
	staleAgain.HPVersion--
	if err := c.DownsampleToRT(ctx, []DownsampleRequest{staleAgain}, Options{}); err != nil {
		t.Fatalf("DownsampleToRT: %v", err)
	}
	node2, _ = g.GetNode(2)
	if node2.RTVersion != freshReq.HPVersion {
		t.Fatalf("a request older than node.RTVersion must be skipped: node2.RTVersion = %d, want %d", node2.RTVersion, freshReq.HPVersion)
	}
}

// TestRealTimeUpdateCombinedIntent mirrors §8 scenario 4: build A(512x512)
// -> B(blur k halo=4), run GlobalHighPrecision once, then drive a
// RealTimeUpdate over a small dirty ROI and check that B ends up RT/HP
// version-consistent with its dirty region covering at least the input ROI
// expanded by the halo and aligned to HP_alignment, and that both an
// "rt_update" and a "downsample" event were emitted for B.
func TestRealTimeUpdateCombinedIntent(t *testing.T) {
	g, reg := blurChainGraph(t)
	c := newTestComputeForDirtyPlan(t, g, reg)
	ctx := context.Background()

	if _, err := c.Sequential(ctx, 2, Options{}); err != nil {
		t.Fatalf("Sequential: %v", err)
	}

	dirtyROI := imgdag.Rect{X: 100, Y: 100, W: 64, H: 64}
	out, err := c.RealTimeUpdate(ctx, 2, dirtyROI, Options{EnableTiming: true})
	if err != nil {
		t.Fatalf("RealTimeUpdate: %v", err)
	}
	if out == nil || out.Image == nil {
		t.Fatalf("RealTimeUpdate returned no output")
	}

	node2, _ := g.GetNode(2)
	if node2.RTVersion != node2.HPVersion {
		t.Fatalf("node2.RTVersion = %d, node2.HPVersion = %d, want equal after the combined intent", node2.RTVersion, node2.HPVersion)
	}

	wantHP := dirtyROI.Expand(4).AlignOut(imgdag.HPAlignment).Clip(imgdag.Size{Width: 512, Height: 512})
	if node2.HPROI == nil || node2.HPROI.Intersect(wantHP) != wantHP {
		got := imgdag.Rect{}
		if node2.HPROI != nil {
			got = *node2.HPROI
		}
		t.Fatalf("node2.HPROI = %+v does not cover at least %+v", got, wantHP)
	}

	wantRT := wantHP.ScaleDown(imgdag.DownsampleFactor)
	if node2.RTROI == nil || node2.RTROI.Intersect(wantRT) != wantRT {
		got := imgdag.Rect{}
		if node2.RTROI != nil {
			got = *node2.RTROI
		}
		t.Fatalf("node2.RTROI = %+v does not cover at least %+v", got, wantRT)
	}

	var sawRTUpdate, sawDownsample bool
	for _, ev := range c.Events.Drain() {
		if ev.NodeID != 2 {
			continue
		}
		switch ev.Source {
		case events.SourceRTUpdate:
			sawRTUpdate = true
		case events.SourceDownsample:
			sawDownsample = true
		}
	}
	if !sawRTUpdate {
		t.Fatalf("expected an %q event for node 2", events.SourceRTUpdate)
	}
	if !sawDownsample {
		t.Fatalf("expected a %q event for node 2", events.SourceDownsample)
	}
}

func TestPlanHPFailsOnUnknownTargetSize(t *testing.T) {
	g := graphmodel.New(t.TempDir())
	reg := registry.New()
	n := graphmodel.NewNode(1, "a", "perlin", "")
	if err := g.AddNode(n); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	c := newTestComputeForDirtyPlan(t, g, reg)

	_, err := c.planHP(1, imgdag.Rect{X: 0, Y: 0, W: 16, H: 16}, imgdag.HPMicroTileSize)
	if imgdag.KindOf(err) != imgdag.InvalidParameter {
		t.Fatalf("planHP error = %v, want InvalidParameter", err)
	}
}
