// Package imgdag implements the core of an image-processing dataflow
// engine: a directed acyclic graph of imaging operators executed over
// 2D image buffers.
//
// Three execution modes share the same graph model and cache:
//   - a sequential reference engine (package engine, Sequential),
//   - a work-stealing parallel scheduler over whole nodes (engine, Parallel),
//   - a tile-level scheduler that recomputes a dirty region at two
//     precisions, real-time preview and background high-precision
//     (engine, dirty-ROI planner).
//
// The graph data model, operator registry, and cache subsystem live in
// the graphmodel, registry, and nodecache packages; runtime and kernel
// wire those into a per-graph worker pool and a multi-graph facade.
//
// Out of scope: CLI/REPL, TUI editors, the benchmark harness, dynamic
// plugin loading, the imaging operators themselves, and image codecs.
// Those are external collaborators; this module specifies only the
// interfaces they consume or produce.
package imgdag
