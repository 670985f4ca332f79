package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/buffer"
	"github.com/gogpu/imgdag/engine"
	"github.com/gogpu/imgdag/events"
	"github.com/gogpu/imgdag/graphmodel"
	"github.com/gogpu/imgdag/nodecache"
	"github.com/gogpu/imgdag/registry"
)

func newTestRuntime(t *testing.T) *GraphRuntime {
	t.Helper()
	g := graphmodel.New(t.TempDir())
	reg := registry.New()

	node := graphmodel.NewNode(1, "gen", "perlin", "")
	node.StaticParameters["width"] = imgdag.NewIntValue(8)
	node.StaticParameters["height"] = imgdag.NewIntValue(8)
	if err := g.AddNode(node); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	reg.Register("perlin", &registry.Entry{
		Monolithic: func(_ context.Context, _ map[string]*buffer.Buffer, params map[string]imgdag.Value, _ imgdag.DeviceHandle) (*buffer.Buffer, error) {
			w, _ := params["width"].Int()
			h, _ := params["height"].Int()
			return buffer.New(int(w), int(h), 4, imgdag.F32)
		},
	})

	compute := engine.NewCompute(g, reg, nodecache.NewCacheService(nil, nodecache.NewMemoryCache(0)), events.New(), nil, t.TempDir())
	rt := New(g, compute, WithWorkers(2))
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestSequentialPostResolvesFuture(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	fut := rt.Sequential(ctx, 1, engine.Options{})
	out, err := fut.Get(ctx)
	if err != nil {
		t.Fatalf("Sequential future: %v", err)
	}
	if out == nil || out.Image.Width() != 8 {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestParallelPostResolvesFuture(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	fut := rt.Parallel(ctx, 1, engine.Options{})
	out, err := fut.Get(ctx)
	if err != nil {
		t.Fatalf("Parallel future: %v", err)
	}
	if out == nil || out.Image.Height() != 8 {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestPostAfterCloseResolvesWithError(t *testing.T) {
	rt := newTestRuntime(t)
	rt.Close()

	fut := Post(rt, func() (int, error) { return 42, nil })
	_, err := fut.Get(context.Background())
	if err == nil {
		t.Fatalf("expected an error posting to a closed runtime")
	}
}

func TestWaitForCompletionRethrowsSetException(t *testing.T) {
	rt := newTestRuntime(t)

	wantErr := errors.New("boom")
	rt.SubmitReadyTaskAnyThread(1, func() error { return wantErr }, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.WaitForCompletion(ctx); !errors.Is(err, wantErr) {
		t.Fatalf("WaitForCompletion = %v, want %v", err, wantErr)
	}

	// The exception is consumed; a second clean wait must not re-observe it.
	rt.SubmitReadyTaskAnyThread(1, func() error { return nil }, 0)
	if err := rt.WaitForCompletion(ctx); err != nil {
		t.Fatalf("WaitForCompletion (second) = %v, want nil", err)
	}
}

func TestSchedulerLogRecordsParallelDispatch(t *testing.T) {
	rt := newTestRuntime(t)
	rt.SetSchedulerLogEnabled(true)
	ctx := context.Background()

	fut := rt.Parallel(ctx, 1, engine.Options{})
	if _, err := fut.Get(ctx); err != nil {
		t.Fatalf("Parallel: %v", err)
	}

	logged := rt.DumpSchedulerLog()
	if len(logged) == 0 {
		t.Fatalf("expected scheduler log entries after a logged Parallel call")
	}
	var sawSubmit, sawComplete bool
	for _, ev := range logged {
		if ev.NodeID != 1 {
			continue
		}
		switch ev.Action {
		case "submit":
			sawSubmit = true
		case "complete":
			sawComplete = true
		}
	}
	if !sawSubmit || !sawComplete {
		t.Fatalf("expected both submit and complete events for node 1, got %+v", logged)
	}
}

func TestSchedulerLogDisabledByDefault(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	fut := rt.Parallel(ctx, 1, engine.Options{})
	if _, err := fut.Get(ctx); err != nil {
		t.Fatalf("Parallel: %v", err)
	}
	if events := rt.DumpSchedulerLog(); len(events) != 0 {
		t.Fatalf("expected no scheduler log entries by default, got %d", len(events))
	}
}
