package nodecache

import (
	"sync"

	"github.com/gogpu/imgdag/graphmodel"
)

// MemoryCache is the in-memory half of the cache service (§4.5
// "in-memory lifecycle"). The graph model's node.CachedOutput slot
// remains the authoritative memory-resident result an engine reads on
// its short-circuit check; MemoryCache is the cache service's own
// index of which node ids currently have one, kept in lockstep by the
// engine on every compute/clear so that Sync's orphan-cleanup pass
// (§6.2 "remove disk files for nodes that have a cache declaration
// but no in-memory output") never needs to take graph_mutex to
// enumerate them.
//
// Unlike a generic entry-counting soft-limit cache, eviction here is
// driven by the bytes actually held in node.CachedOutput.Image
// buffers (buffer.Buffer.ByteSize), not the number of nodes: a handful
// of large RT frames can dwarf hundreds of small data-only outputs, so
// counting entries would evict too eagerly or not eagerly enough. A
// softByteLimit of 0 keeps every entry regardless of size.
type MemoryCache struct {
	mu            sync.Mutex
	entries       map[int]*memoryCacheEntry
	totalBytes    int64
	softByteLimit int64
	tick          int64
}

type memoryCacheEntry struct {
	out   *graphmodel.NodeOutput
	bytes int64
	atime int64
}

// NewMemoryCache returns a MemoryCache with the given soft byte limit
// (0 = unlimited).
func NewMemoryCache(softByteLimit int) *MemoryCache {
	return &MemoryCache{
		entries:       make(map[int]*memoryCacheEntry),
		softByteLimit: int64(softByteLimit),
	}
}

func outputBytes(out *graphmodel.NodeOutput) int64 {
	if out == nil || out.Image == nil {
		return 0
	}
	return int64(out.Image.ByteSize())
}

// Get returns the cached output for nodeID, if present.
func (m *MemoryCache) Get(nodeID int) (*graphmodel.NodeOutput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[nodeID]
	if !ok {
		return nil, false
	}
	m.tick++
	entry.atime = m.tick
	return entry.out, true
}

// Set stores out under nodeID. If the cache's held bytes exceed
// softByteLimit afterward, the least-recently-used entries are
// evicted until back under the limit.
func (m *MemoryCache) Set(nodeID int, out *graphmodel.NodeOutput) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[nodeID]; ok {
		m.totalBytes -= old.bytes
	}

	m.tick++
	size := outputBytes(out)
	m.entries[nodeID] = &memoryCacheEntry{out: out, bytes: size, atime: m.tick}
	m.totalBytes += size

	if m.softByteLimit > 0 && m.totalBytes > m.softByteLimit {
		m.evictOldestLocked()
	}
}

// Delete removes nodeID's entry, if any.
func (m *MemoryCache) Delete(nodeID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[nodeID]
	if !ok {
		return false
	}
	delete(m.entries, nodeID)
	m.totalBytes -= entry.bytes
	return true
}

// Clear empties the cache.
func (m *MemoryCache) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[int]*memoryCacheEntry)
	m.totalBytes = 0
	m.tick = 0
}

// Len returns the number of cached entries.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}

// evictOldest removes entries, oldest access time first, until
// totalBytes is back under three-quarters of softByteLimit.
// Caller must hold m.mu.
func (m *MemoryCache) evictOldestLocked() {
	target := m.softByteLimit * 3 / 4
	if target < 0 {
		target = 0
	}
	if m.totalBytes <= target {
		return
	}

	type keyed struct {
		id    int
		atime int64
	}
	order := make([]keyed, 0, len(m.entries))
	for id, e := range m.entries {
		order = append(order, keyed{id: id, atime: e.atime})
	}

	for len(order) > 0 && m.totalBytes > target {
		oldest := 0
		for i := 1; i < len(order); i++ {
			if order[i].atime < order[oldest].atime {
				oldest = i
			}
		}
		id := order[oldest].id
		m.totalBytes -= m.entries[id].bytes
		delete(m.entries, id)
		order[oldest] = order[len(order)-1]
		order = order[:len(order)-1]
	}
}
