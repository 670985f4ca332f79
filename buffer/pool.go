package buffer

import (
	"sync"

	"github.com/gogpu/imgdag"
)

// Pool is a thread-safe pool for reusing Buffer allocations, adapted from
// the teacher's image.Pool (internal/image/pool.go) with format+width+
// height bucketing generalized to (width, height, channels, dtype). The
// engines in this module allocate their buffers with New and do not draw
// from a Pool.
type Pool struct {
	mu      sync.Mutex
	buckets map[poolKey][]*Buffer
	maxSize int
}

type poolKey struct {
	width, height, channels int
	dtype                   imgdag.DType
}

// NewPool creates a buffer pool retaining at most maxPerBucket buffers per
// (width, height, channels, dtype) bucket. Zero means unlimited.
func NewPool(maxPerBucket int) *Pool {
	return &Pool{
		buckets: make(map[poolKey][]*Buffer),
		maxSize: maxPerBucket,
	}
}

// Get returns a cleared buffer of the given shape, reusing a pooled one if
// available.
func (p *Pool) Get(width, height, channels int, dtype imgdag.DType) *Buffer {
	key := poolKey{width, height, channels, dtype}

	p.mu.Lock()
	bucket := p.buckets[key]
	if len(bucket) > 0 {
		buf := bucket[len(bucket)-1]
		p.buckets[key] = bucket[:len(bucket)-1]
		p.mu.Unlock()
		buf.Clear()
		return buf
	}
	p.mu.Unlock()

	buf, err := New(width, height, channels, dtype)
	if err != nil {
		return nil
	}
	return buf
}

// Put returns buf to the pool for reuse, clearing its contents first. A
// buf with RefCount() != 1 is discarded rather than pooled, since another
// holder may still be reading it.
func (p *Pool) Put(buf *Buffer) {
	if buf == nil || buf.RefCount() != 1 {
		return
	}
	buf.Clear()

	key := poolKey{buf.width, buf.height, buf.channels, buf.dtype}

	p.mu.Lock()
	defer p.mu.Unlock()
	bucket := p.buckets[key]
	if p.maxSize > 0 && len(bucket) >= p.maxSize {
		return
	}
	p.buckets[key] = append(bucket, buf)
}
