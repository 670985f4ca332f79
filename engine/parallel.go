package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/buffer"
	"github.com/gogpu/imgdag/events"
	"github.com/gogpu/imgdag/graphmodel"
	"github.com/gogpu/imgdag/internal/workpool"
	"github.com/gogpu/imgdag/registry"
	"github.com/gogpu/imgdag/traversal"
)

// Parallel runs the node-level work-stealing engine (§4.8): a planning
// phase fixes the dependency graph without holding the graph's mutex
// across the walk (each lookup takes the graph's read lock on its own),
// an execution phase computes every node into a private results array
// and writes no cache slot of the GraphModel (each task does reset and
// fill its own node's runtime parameters), and a single commit phase
// writes the results back under the mutex once every task has finished.
func (c *Compute) Parallel(ctx context.Context, pool *workpool.Pool, rootID int, opts Options) (*graphmodel.NodeOutput, error) {
	if opts.ForceRecache {
		if err := c.forceRecache(rootID); err != nil {
			return nil, err
		}
	}

	run, err := c.planParallel(rootID)
	if err != nil {
		return nil, err
	}

	run.execute(ctx, c, pool, opts)

	select {
	case <-run.done:
	case <-ctx.Done():
		return nil, imgdag.NewNodeError(imgdag.ComputeError, rootID, "", ctx.Err())
	}

	run.mu.Lock()
	err = run.err
	run.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if commitErr := c.commit(ctx, run, opts); commitErr != nil {
		return nil, commitErr
	}
	return run.results[run.index[rootID]], nil
}

// parallelPlan is the fixed dependency structure the planning phase
// computes once, before any task runs. Planning does not hold
// graph_mutex for the whole walk; each graph lookup takes the read lock
// by itself.
type parallelPlan struct {
	order      []int
	index      map[int]int
	dependents [][]int
	remaining  []int

	mu        sync.Mutex
	results   []*graphmodel.NodeOutput
	elapsedMs []float64
	computed  []bool // true for a node this run actually dispatched, false for a cache short-circuit
	completed int
	err       error
	done      chan struct{}

	tiles map[int]*tiledTask

	schedSeq atomic.Int64
}

// nextWorkerID hands out a round-robin worker index for OnSchedule events;
// see Options.OnSchedule for why this is approximate, not a true identity.
func (run *parallelPlan) nextWorkerID(pool *workpool.Pool) int {
	workers := pool.Workers()
	if workers <= 0 {
		return 0
	}
	return int(run.schedSeq.Add(1)-1) % workers
}

// tiledTask tracks a node whose tiled variant was split into micro-tasks
// submitted independently to the pool; outstanding reaches zero exactly
// once, from whichever goroutine processes the last tile.
type tiledTask struct {
	mu          sync.Mutex
	out         *buffer.Buffer
	outstanding int
}

func (c *Compute) planParallel(rootID int) (*parallelPlan, error) {
	order, err := traversal.TopoPostorderFrom(c.Graph, rootID)
	if err != nil {
		return nil, err
	}

	index := make(map[int]int, len(order))
	for i, id := range order {
		index[id] = i
	}

	dependents := make([][]int, len(order))
	remaining := make([]int, len(order))
	for i, id := range order {
		deps := c.Graph.InputNodeIDs(id)
		remaining[i] = len(deps)
		for _, dep := range deps {
			dj := index[dep]
			dependents[dj] = append(dependents[dj], id)
		}
	}

	return &parallelPlan{
		order:      order,
		index:      index,
		dependents: dependents,
		remaining:  remaining,
		results:    make([]*graphmodel.NodeOutput, len(order)),
		elapsedMs:  make([]float64, len(order)),
		computed:   make([]bool, len(order)),
		done:       make(chan struct{}),
		tiles:      make(map[int]*tiledTask),
	}, nil
}

// execute submits every task with no unresolved dependency, then lets the
// dependency-counter cascade submit the rest as producers finish.
func (run *parallelPlan) execute(ctx context.Context, c *Compute, pool *workpool.Pool, opts Options) {
	if len(run.order) == 0 {
		close(run.done)
		return
	}
	for i := range run.order {
		if run.remaining[i] == 0 {
			run.submit(ctx, c, pool, i, opts)
		}
	}
}

func (run *parallelPlan) submit(ctx context.Context, c *Compute, pool *workpool.Pool, i int, opts Options) {
	workerID := run.nextWorkerID(pool)
	if opts.OnSchedule != nil {
		opts.OnSchedule(run.order[i], workerID, "submit")
	}
	pool.Submit(func() {
		run.runTask(ctx, c, pool, i, workerID, opts)
	})
}

func (run *parallelPlan) runTask(ctx context.Context, c *Compute, pool *workpool.Pool, i int, workerID int, opts Options) {
	if run.failed() {
		return
	}
	id := run.order[i]
	if opts.OnSchedule != nil {
		opts.OnSchedule(id, workerID, "start")
	}
	node, ok := c.Graph.GetNode(id)
	if !ok {
		run.fail(imgdag.NewNodeError(imgdag.NotFound, id, "", nil))
		return
	}

	// Per-task short-circuit (§4.8: memory/disk cache hit skips compute
	// entirely, same rule as sequential compute).
	if node.CachedOutput != nil {
		run.finishTask(ctx, c, pool, i, workerID, node.CachedOutput, 0, false, opts)
		return
	}
	if !opts.DisableDiskCache {
		if out, found, err := c.Cache.Load(ctx, c.Graph, node, c.CacheRoot); err != nil {
			run.fail(err)
			return
		} else if found {
			run.finishTask(ctx, c, pool, i, workerID, out, 0, false, opts)
			return
		}
	}

	start := time.Now()
	node.ResetRuntimeParameters()

	for _, edge := range node.ParameterInputs {
		producer := run.resultOf(edge.FromNodeID)
		val, ok := producer.Data[edge.FromOutputName]
		if !ok {
			run.fail(imgdag.NewNodeError(imgdag.MissingDependency, id, node.Name, nil))
			return
		}
		node.RuntimeParameters[edge.ToParameterName] = val.Clone()
	}

	inputs := make(map[string]*buffer.Buffer, len(node.ImageInputs))
	order := make([]string, len(node.ImageInputs))
	for j, edge := range node.ImageInputs {
		producer := run.resultOf(edge.FromNodeID)
		if producer == nil || producer.Image == nil {
			run.fail(imgdag.NewNodeError(imgdag.MissingDependency, id, node.Name, nil))
			return
		}
		key := imageInputKey(j)
		order[j] = key
		inputs[key] = producer.Image
	}

	if len(order) >= 2 {
		mergeStrategy, _ := node.RuntimeParameters["merge_strategy"].Str()
		if err := normalizeImageMixing(node.Type, inputs, order, mergeStrategy); err != nil {
			run.fail(imgdag.NewNodeError(imgdag.InvalidParameter, id, node.Name, err))
			return
		}
	}

	entry, variant, err := c.Registry.Resolve(node.RegistryKey(), imgdag.GlobalHighPrecision)
	if err != nil {
		run.fail(imgdag.NewNodeError(imgdag.KindOf(err), id, node.Name, err))
		return
	}

	if variant == registry.VariantMonolithic {
		outImg, err := entry.Monolithic(ctx, inputs, node.RuntimeParameters, c.Device)
		if err != nil {
			run.fail(imgdag.NewNodeError(imgdag.ComputeError, id, node.Name, err))
			return
		}
		elapsed := float64(time.Since(start).Microseconds()) / 1000
		run.finishTask(ctx, c, pool, i, workerID, graphmodel.NewNodeOutput(outImg), elapsed, true, opts)
		return
	}

	run.submitTiledNode(ctx, c, pool, i, workerID, node, entry, inputs, order, start, opts)
}

// submitTiledNode allocates the output buffer once, then submits every
// tile as an independent pool task (§4.8 "tiled ops split into
// micro-tasks with an outstanding-tiles counter"). The task that
// completes the last tile finishes the node.
func (run *parallelPlan) submitTiledNode(ctx context.Context, c *Compute, pool *workpool.Pool, i int, workerID int, node *graphmodel.Node, entry *registry.Entry, inputs map[string]*buffer.Buffer, order []string, start time.Time, opts Options) {
	size, channels, dtype, err := inferOutputShape(node, entry, inputs, order)
	if err != nil {
		run.fail(imgdag.NewNodeError(imgdag.InvalidParameter, node.ID, node.Name, err))
		return
	}
	out, err := buffer.New(size.Width, size.Height, channels, dtype)
	if err != nil {
		run.fail(imgdag.NewNodeError(imgdag.InvalidParameter, node.ID, node.Name, err))
		return
	}

	tileSize := tileSizeFor(entry.Metadata.TilePreference)
	tileROIs := buffer.TilesCovering(imgdag.RectFromSize(size), tileSize)
	if len(tileROIs) == 0 {
		elapsed := float64(time.Since(start).Microseconds()) / 1000
		run.finishTask(ctx, c, pool, i, workerID, graphmodel.NewNodeOutput(out), elapsed, true, opts)
		return
	}

	state := &tiledTask{out: out, outstanding: len(tileROIs)}
	run.mu.Lock()
	run.tiles[i] = state
	run.mu.Unlock()

	for _, roi := range tileROIs {
		tileROI := roi
		tileWorkerID := run.nextWorkerID(pool)
		pool.Submit(func() {
			run.runTile(ctx, c, pool, i, tileWorkerID, node, entry, inputs, tileROI, state, start, opts)
		})
	}
}

func (run *parallelPlan) runTile(ctx context.Context, c *Compute, pool *workpool.Pool, i int, workerID int, node *graphmodel.Node, entry *registry.Entry, inputs map[string]*buffer.Buffer, tileROI imgdag.Rect, state *tiledTask, start time.Time, opts Options) {
	if run.failed() {
		return
	}
	if opts.OnSchedule != nil {
		opts.OnSchedule(node.ID, workerID, "start")
	}

	tileInputs := make(map[string]*buffer.Buffer, len(inputs))
	for key, in := range inputs {
		inROI := inputROIForTile(entry, tileROI, node.RuntimeParameters, in.Size())
		if inROI.Empty() {
			continue
		}
		if view := in.SubView(inROI); view != nil {
			tileInputs[key] = view
		}
	}

	tileOut, err := entry.TiledHP(ctx, tileInputs, tileROI, node.RuntimeParameters, c.Device)
	if err != nil {
		run.fail(imgdag.NewNodeError(imgdag.ComputeError, node.ID, node.Name, err))
		return
	}

	state.mu.Lock()
	writeErr := copyTileInto(state.out, tileROI, tileOut)
	state.outstanding--
	last := state.outstanding == 0
	out := state.out
	state.mu.Unlock()

	if writeErr != nil {
		run.fail(imgdag.NewNodeError(imgdag.ComputeError, node.ID, node.Name, writeErr))
		return
	}
	if last {
		elapsed := float64(time.Since(start).Microseconds()) / 1000
		run.finishTask(ctx, c, pool, i, workerID, graphmodel.NewNodeOutput(out), elapsed, true, opts)
	}
}

// finishTask records node i's result, then submits any dependent whose
// dependency counter has reached zero.
func (run *parallelPlan) finishTask(ctx context.Context, c *Compute, pool *workpool.Pool, i int, workerID int, out *graphmodel.NodeOutput, elapsedMs float64, computed bool, opts Options) {
	if opts.OnSchedule != nil {
		opts.OnSchedule(run.order[i], workerID, "complete")
	}
	run.mu.Lock()
	run.results[i] = out
	run.elapsedMs[i] = elapsedMs
	run.computed[i] = computed
	run.completed++
	done := run.completed == len(run.order)
	ready := run.readyDependentsLocked(i)
	run.mu.Unlock()

	for _, j := range ready {
		run.submit(ctx, c, pool, j, opts)
	}
	if done {
		run.closeDone()
	}
}

func (run *parallelPlan) readyDependentsLocked(i int) []int {
	var ready []int
	for _, depID := range run.dependents[i] {
		j := run.index[depID]
		run.remaining[j]--
		if run.remaining[j] == 0 {
			ready = append(ready, j)
		}
	}
	return ready
}

func (run *parallelPlan) resultOf(nodeID int) *graphmodel.NodeOutput {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.results[run.index[nodeID]]
}

func (run *parallelPlan) fail(err error) {
	run.mu.Lock()
	if run.err == nil {
		run.err = err
	}
	run.completed = len(run.order)
	run.mu.Unlock()
	run.closeDone()
}

func (run *parallelPlan) failed() bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.err != nil
}

func (run *parallelPlan) closeDone() {
	select {
	case <-run.done:
	default:
		close(run.done)
	}
}

// commit writes every task's result back onto its GraphModel node under
// a single graph_mutex critical section (§4.8 "single commit step"),
// then persists to disk and pushes timing/events outside the lock.
//
// Node pointers are resolved before the lock is taken: GetNode takes its
// own read lock internally, and GraphModel's mutex is not reentrant, so
// looking a node up again while already holding Lock would deadlock.
func (c *Compute) commit(ctx context.Context, run *parallelPlan, opts Options) error {
	nodes := make([]*graphmodel.Node, len(run.order))
	for i, id := range run.order {
		node, ok := c.Graph.GetNode(id)
		if ok {
			nodes[i] = node
		}
	}

	c.Graph.Lock()
	for i, node := range nodes {
		out := run.results[i]
		if node == nil || out == nil {
			continue
		}
		node.CachedOutput = out
		if run.computed[i] {
			node.CachedOutputHP = out.Clone()
			node.HPVersion++
		}
	}
	c.Graph.Unlock()

	for i, node := range nodes {
		out := run.results[i]
		if node == nil || out == nil || !run.computed[i] {
			continue
		}
		id := run.order[i]
		if !opts.NoSave {
			if err := c.Cache.Save(ctx, c.Graph, node, out, c.CacheRoot, opts.Precision); err != nil {
				return err
			}
		} else {
			c.Cache.Remember(id, out)
		}
		if opts.EnableTiming {
			c.Graph.PushTiming(graphmodel.TimingEntry{NodeID: id, Source: events.SourceComputed, ElapsedMs: run.elapsedMs[i]})
		}
		c.Events.Push(events.ComputeEvent{NodeID: id, Name: node.Name, Source: events.SourceComputed, ElapsedMs: run.elapsedMs[i]})
	}
	return nil
}
