package nodecache

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/buffer"
	"github.com/gogpu/imgdag/graphmodel"
)

// ClearMode selects which half of the cache service Clear empties
// (§4.5 "Clear: memory-only / disk-only / both").
type ClearMode uint8

const (
	ClearMemory ClearMode = iota
	ClearDisk
	ClearBoth
)

// ClearResult is the structured count Clear returns (§4.5 "Returns
// structured counts").
type ClearResult struct {
	NodesMemoryCleared int
	FilesRemoved       int
	DirsRemoved        int
}

// SyncResult is the structured count Sync returns: the teacher-style
// idiom of reporting what a maintenance pass actually did rather than
// just an error.
type SyncResult struct {
	NodesSaved   int
	FilesRemoved int
	DirsRemoved  int
}

// CacheService is the disk half of the cache service layered on top of a
// MemoryCache index, an external ImageCodec, and yaml.v3 for metadata
// sidecars (§4.5, §6.2).
type CacheService struct {
	codec ImageCodec
	index *MemoryCache
}

// NewCacheService returns a CacheService that encodes/decodes pixels via
// codec and tracks memory-resident node ids in index.
func NewCacheService(codec ImageCodec, index *MemoryCache) *CacheService {
	return &CacheService{codec: codec, index: index}
}

func nodeDir(cacheRoot string, nodeID int) string {
	return filepath.Join(cacheRoot, strconv.Itoa(nodeID))
}

func sidecarPath(dir, location string) string {
	stem := strings.TrimSuffix(location, filepath.Ext(location))
	return filepath.Join(dir, stem+".yml")
}

// Remember records that out is now node nodeID's memory-resident output,
// for Sync's orphan-cleanup pass. The engine calls this every time it
// sets node.CachedOutput.
func (c *CacheService) Remember(nodeID int, out *graphmodel.NodeOutput) {
	c.index.Set(nodeID, out)
}

// Forget removes nodeID from the memory index. The engine calls this
// whenever it clears node.CachedOutput.
func (c *CacheService) Forget(nodeID int) {
	c.index.Delete(nodeID)
}

// Save writes out's declared "image" caches to disk at the requested
// precision, plus a YAML sidecar of out.Data for every cache
// declaration. It is a no-op if skipSaveCache is set (§4.5 "Skip:
// respects graph.skip_save_cache").
func (c *CacheService) Save(ctx context.Context, g *graphmodel.GraphModel, node *graphmodel.Node, out *graphmodel.NodeOutput, cacheRoot string, precision imgdag.Precision) error {
	if g.SkipSaveCache.Load() || len(node.CacheDecls) == 0 {
		return nil
	}

	dir := nodeDir(cacheRoot, node.ID)
	start := time.Now()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return imgdag.NewNodeError(imgdag.IO, node.ID, node.Name, err)
	}

	for _, decl := range node.CacheDecls {
		if decl.CacheType != "image" {
			if err := c.writeSidecar(dir, decl.Location, out); err != nil {
				return err
			}
			continue
		}
		if out.Image == nil {
			continue
		}
		quantized, err := buffer.ToPrecision(out.Image, precision)
		if err != nil {
			return imgdag.NewNodeError(imgdag.IO, node.ID, node.Name, err)
		}
		path := filepath.Join(dir, decl.Location)
		f, err := os.Create(path)
		if err != nil {
			return imgdag.NewNodeError(imgdag.IO, node.ID, node.Name, err)
		}
		encErr := c.codec.Encode(ctx, f, quantized)
		closeErr := f.Close()
		if encErr != nil {
			return imgdag.NewNodeError(imgdag.IO, node.ID, node.Name, encErr)
		}
		if closeErr != nil {
			return imgdag.NewNodeError(imgdag.IO, node.ID, node.Name, closeErr)
		}
		if err := c.writeSidecar(dir, decl.Location, out); err != nil {
			return err
		}
	}

	g.AddIOTime(float64(time.Since(start).Microseconds()) / 1000)
	c.Remember(node.ID, out)
	return nil
}

func (c *CacheService) writeSidecar(dir, location string, out *graphmodel.NodeOutput) error {
	path := sidecarPath(dir, location)
	data, err := yaml.Marshal(out.Data)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reconstructs a NodeOutput from disk for the first declared
// "image" cache (or just the metadata sidecar, for a data-only node).
// Malformed or missing files are reported as "absent" (ok == false, err
// == nil) rather than an error (§4.5 "Malformed files are treated as
// absent").
func (c *CacheService) Load(ctx context.Context, g *graphmodel.GraphModel, node *graphmodel.Node, cacheRoot string) (*graphmodel.NodeOutput, bool, error) {
	if len(node.CacheDecls) == 0 {
		return nil, false, nil
	}
	dir := nodeDir(cacheRoot, node.ID)
	start := time.Now()

	var img *buffer.Buffer
	var haveAny bool
	var data map[string]imgdag.Value

	for _, decl := range node.CacheDecls {
		sidecar := sidecarPath(dir, decl.Location)
		if raw, err := os.ReadFile(sidecar); err == nil {
			var m map[string]imgdag.Value
			if yaml.Unmarshal(raw, &m) == nil {
				data = m
				haveAny = true
			}
		}
		if decl.CacheType != "image" || img != nil {
			continue
		}
		path := filepath.Join(dir, decl.Location)
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		quantized, decErr := c.codec.Decode(ctx, f)
		closeErr := f.Close()
		if decErr != nil || closeErr != nil {
			continue
		}
		full, convErr := buffer.FromPrecision(quantized, DiskReloadDType)
		if convErr != nil {
			continue
		}
		img = full
		haveAny = true
	}

	g.AddIOTime(float64(time.Since(start).Microseconds()) / 1000)
	if !haveAny {
		return nil, false, nil
	}
	out := graphmodel.NewNodeOutput(img)
	if data != nil {
		out.Data = data
	}
	c.Remember(node.ID, out)
	return out, true, nil
}

// Sync saves every in-memory output in the index to disk, then removes
// disk files for nodes that declare a cache but have no in-memory
// output, then removes emptied node directories (§4.5, §6.2).
func (c *CacheService) Sync(ctx context.Context, g *graphmodel.GraphModel, cacheRoot string, precision imgdag.Precision) (SyncResult, error) {
	var result SyncResult

	for _, id := range g.AllNodeIDs() {
		node, ok := g.GetNode(id)
		if !ok {
			continue
		}
		out, present := c.index.Get(id)
		if !present {
			continue
		}
		if err := c.Save(ctx, g, node, out, cacheRoot, precision); err != nil {
			return result, err
		}
		result.NodesSaved++
	}

	for _, id := range g.AllNodeIDs() {
		node, ok := g.GetNode(id)
		if !ok || len(node.CacheDecls) == 0 {
			continue
		}
		if _, present := c.index.Get(id); present {
			continue
		}
		dir := nodeDir(cacheRoot, id)
		for _, decl := range node.CacheDecls {
			if decl.CacheType == "image" {
				if removeIfExists(filepath.Join(dir, decl.Location)) {
					result.FilesRemoved++
				}
			}
			if removeIfExists(sidecarPath(dir, decl.Location)) {
				result.FilesRemoved++
			}
		}
		if removeIfEmptyDir(dir) {
			result.DirsRemoved++
		}
	}

	return result, nil
}

// Clear empties the requested half of the cache (§4.5 "Clear:
// memory-only / disk-only / both").
func (c *CacheService) Clear(g *graphmodel.GraphModel, cacheRoot string, mode ClearMode) (ClearResult, error) {
	var result ClearResult

	if mode == ClearMemory || mode == ClearBoth {
		for _, id := range g.AllNodeIDs() {
			if node, ok := g.GetNode(id); ok {
				// Unconditional: clear_memory_cache/clear_both_cache clear
				// every slot regardless of Preserved. The Preserved exemption
				// is force_recache's alone (engine's recompute path).
				node.ClearCaches(false)
			}
			if c.index.Delete(id) {
				result.NodesMemoryCleared++
			}
		}
	}

	if mode == ClearDisk || mode == ClearBoth {
		for _, id := range g.AllNodeIDs() {
			node, ok := g.GetNode(id)
			if !ok || len(node.CacheDecls) == 0 {
				continue
			}
			dir := nodeDir(cacheRoot, id)
			for _, decl := range node.CacheDecls {
				if decl.CacheType == "image" {
					if removeIfExists(filepath.Join(dir, decl.Location)) {
						result.FilesRemoved++
					}
				}
				if removeIfExists(sidecarPath(dir, decl.Location)) {
					result.FilesRemoved++
				}
			}
			if removeIfEmptyDir(dir) {
				result.DirsRemoved++
			}
		}
	}

	return result, nil
}

func removeIfExists(path string) bool {
	err := os.Remove(path)
	return err == nil
}

func removeIfEmptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return false
	}
	return os.Remove(dir) == nil
}
