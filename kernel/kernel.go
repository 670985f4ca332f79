// Package kernel implements the Kernel Facade (§4.11, §6.3): a named
// table of GraphRuntimes plus the thin, post-through-the-control-thread
// dispatchers a host application drives a loaded graph through.
//
// It is grounded on the teacher's top-level Context as the one struct a
// host embeds and calls into, generalized from "one struct owning one
// GPU device" to "one struct owning many named graphs", and on
// runtime.GraphRuntime's control-thread post/Future for every operation
// that touches a GraphModel.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/engine"
	"github.com/gogpu/imgdag/events"
	"github.com/gogpu/imgdag/nodecache"
	"github.com/gogpu/imgdag/registry"
	"github.com/gogpu/imgdag/runtime"
	"github.com/gogpu/imgdag/yamlio"
)

// graphEntry is everything the kernel keeps for one loaded graph.
type graphEntry struct {
	root        string // {root}/{name}
	contentPath string // {root}/{name}/content.yaml
	rt          *runtime.GraphRuntime
	cache       *nodecache.CacheService
}

// Config is the optional per-graph tuning document read from
// LoadGraph's configPath (§4.11 "load_graph(name, root, yaml_path,
// config_path)"). The spec names the parameter without detailing its
// shape or the original's config format, so this is the kernel facade's
// own minimal reading of it rather than something grounded in the
// teacher or the original source.
type Config struct {
	// Workers overrides the per-graph worker pool size; 0 keeps
	// runtime.New's own GOMAXPROCS default.
	Workers int `yaml:"workers"`
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, imgdag.NewError(imgdag.IO, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, imgdag.NewError(imgdag.InvalidYAML, err)
	}
	return cfg, nil
}

// Kernel is the top-level facade (§4.11): a named table of GraphRuntimes
// sharing one operator registry, one image codec, and one device handle
// across every graph it loads.
type Kernel struct {
	registry *registry.Registry
	codec    nodecache.ImageCodec
	device   imgdag.DeviceHandle

	mu     sync.RWMutex
	graphs map[string]*graphEntry

	errMu      sync.Mutex
	lastErrors map[string]*imgdag.Error
}

// Option configures a Kernel at construction time.
type Option func(*Kernel)

// WithDevice sets the device handle passed through to every graph's
// operators (§1 Non-goals: "opaque per-graph device handle passed
// through to operators"). The default is imgdag.NullDeviceHandle{}.
func WithDevice(device imgdag.DeviceHandle) Option {
	return func(k *Kernel) { k.device = device }
}

// New creates a Kernel over reg and codec, shared by every graph it
// loads.
func New(reg *registry.Registry, codec nodecache.ImageCodec, opts ...Option) *Kernel {
	k := &Kernel{
		registry:   reg,
		codec:      codec,
		device:     imgdag.NullDeviceHandle{},
		graphs:     make(map[string]*graphEntry),
		lastErrors: make(map[string]*imgdag.Error),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// LoadGraph creates {root}/{name}, copies yamlPath into its content.yaml,
// and spins up a GraphRuntime over the parsed graph (§4.11). ok is false
// with a nil error when name is already loaded (§4.11 "Duplicate names →
// nullopt").
func (k *Kernel) LoadGraph(name, root, yamlPath, configPath string) (ok bool, err error) {
	k.mu.Lock()
	if _, exists := k.graphs[name]; exists {
		k.mu.Unlock()
		return false, nil
	}
	// Reserve the name before the disk work below so a concurrent
	// LoadGraph for the same name observes the duplicate rather than
	// racing the copy/parse.
	k.graphs[name] = nil
	k.mu.Unlock()

	entry, buildErr := k.buildGraphEntry(name, root, yamlPath, configPath)

	k.mu.Lock()
	defer k.mu.Unlock()
	if buildErr != nil {
		delete(k.graphs, name)
		return false, buildErr
	}
	k.graphs[name] = entry
	return true, nil
}

func (k *Kernel) buildGraphEntry(name, root, yamlPath, configPath string) (*graphEntry, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, imgdag.NewError(imgdag.IO, err)
	}
	contentPath := filepath.Join(dir, "content.yaml")
	if err := copyFile(yamlPath, contentPath); err != nil {
		return nil, err
	}

	g, err := yamlio.ParseFile(contentPath, dir)
	if err != nil {
		return nil, err
	}

	cache := nodecache.NewCacheService(k.codec, nodecache.NewMemoryCache(0))
	compute := engine.NewCompute(g, k.registry, cache, events.New(), k.device, dir)

	var rtOpts []runtime.Option
	if cfg.Workers > 0 {
		rtOpts = append(rtOpts, runtime.WithWorkers(cfg.Workers))
	}

	return &graphEntry{
		root:        dir,
		contentPath: contentPath,
		rt:          runtime.New(g, compute, rtOpts...),
		cache:       cache,
	}, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return imgdag.NewError(imgdag.IO, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return imgdag.NewError(imgdag.IO, err)
	}
	return nil
}

// CloseGraph stops name's runtime and removes it from the kernel,
// reporting false if name was not loaded (§4.11 "close_graph: stops
// runtime, removes entry").
func (k *Kernel) CloseGraph(name string) bool {
	k.mu.Lock()
	entry, ok := k.graphs[name]
	if ok {
		delete(k.graphs, name)
	}
	k.mu.Unlock()
	if !ok || entry == nil {
		return false
	}
	entry.rt.Close()
	return true
}

// ListGraphs returns every currently loaded graph name, in no
// particular order.
func (k *Kernel) ListGraphs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.graphs))
	for name, entry := range k.graphs {
		if entry != nil {
			names = append(names, name)
		}
	}
	return names
}

func (k *Kernel) entry(name string) (*graphEntry, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	entry, ok := k.graphs[name]
	if !ok || entry == nil {
		return nil, false
	}
	return entry, true
}

func errGraphNotFound(name string) error {
	return imgdag.NewError(imgdag.NotFound, fmt.Errorf("kernel: graph %q is not loaded", name))
}

// LastError returns the most recently recorded failure for name, from
// any kernel operation on that graph that records its error (compute,
// cache, YAML and traversal calls alike), with its taxonomy code (§4.11).
func (k *Kernel) LastError(name string) (*imgdag.Error, bool) {
	k.errMu.Lock()
	defer k.errMu.Unlock()
	err, ok := k.lastErrors[name]
	return err, ok
}

// recordError stores err as name's last_error, wrapping it in an
// *imgdag.Error with Kind Unknown if it is not already one. A nil err is
// a no-op: last_error only ever reports failures, never clears itself on
// a later success (§7 "Kernel facade ... records last_error").
func (k *Kernel) recordError(name string, err error) {
	if err == nil {
		return
	}
	var e *imgdag.Error
	if !errors.As(err, &e) {
		e = imgdag.NewError(imgdag.Unknown, err)
	}
	k.errMu.Lock()
	defer k.errMu.Unlock()
	k.lastErrors[name] = e
}
