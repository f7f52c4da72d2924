// Package ccache is the process-wide cache of already-computed
// constant-subgraph results.
//
// It is single-flight: for N concurrent first uses of the same key, exactly
// one caller becomes the producer and computes the constant kernels once;
// the others block on the same promise and observe the published buffer.
// The handoff is a promise/future (xsync.LatchWithValue), not a retry loop,
// so waiters never see a partially populated buffer and never recompute.
//
// A key must incorporate the compiled artifact's identity, the persistent
// descriptor layout hash and a content signature of the runtime constant
// inputs -- the runtime assembles it with EncodeKey. Buffers are
// reference-counted and shared by the cache and any in-flight execution; the
// capacity policy only drops the cache's own reference.
package ccache

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/graphvm/graphvm/types/xsync"
)

// Key addresses one constant-subgraph result.
type Key uint64

// EncodeKey hashes the key components: the artifact identity, the
// persistent-layout hash, and the raw content of each constant input.
func EncodeKey(artifactID []byte, layoutHash uint64, constantInputs ...[]byte) Key {
	h := xxhash.New()
	_, _ = h.Write(artifactID)
	var scratch [8]byte
	for shift := range 8 {
		scratch[shift] = byte(layoutHash >> (8 * shift))
	}
	_, _ = h.Write(scratch[:])
	for _, data := range constantInputs {
		_, _ = h.Write(data)
	}
	return Key(h.Sum64())
}

// Buffer is a reference-counted constant buffer, large enough to hold all
// persistent allocations of one artifact. It is created with one reference
// owned by the creator.
type Buffer struct {
	data []byte
	refs atomic.Int32
}

// NewBuffer wraps data with an initial reference count of one.
func NewBuffer(data []byte) *Buffer {
	b := &Buffer{data: data}
	b.refs.Store(1)
	return b
}

// Data returns the buffer bytes.
func (b *Buffer) Data() []byte { return b.data }

// Retain adds a reference and returns the buffer.
func (b *Buffer) Retain() *Buffer {
	b.refs.Add(1)
	return b
}

// Release drops a reference. The count only feeds eviction accounting: the
// backing bytes stay valid for any holder still reachable (a Publish may
// race the creator's Release) and are reclaimed by the collector once the
// last holder is gone.
func (b *Buffer) Release() {
	b.refs.Add(-1)
}

// RefCount returns the current reference count, for tests and eviction
// decisions.
func (b *Buffer) RefCount() int32 { return b.refs.Load() }

type result struct {
	buf *Buffer
	err error
}

// entry is the cache-internal state machine: it is created pending (promise
// untriggered, waiters block), becomes ready when the producer publishes, or
// is removed when the producer fails -- a failed computation is never
// cached and the key stays retryable.
type entry struct {
	key     Key
	size    int64
	promise *xsync.LatchWithValue[result]
	seq     uint64 // recency stamp for eviction
}

// Cache holds constant results keyed by Key. The zero value is not usable;
// use New or Default. All methods are safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[Key]*entry
	capacity int64
	total    int64
	seq      uint64

	hits, misses atomic.Int64
}

// New returns a cache limited to capacity bytes of published results;
// capacity <= 0 means unlimited.
func New(capacity int64) *Cache {
	return &Cache{entries: make(map[Key]*entry), capacity: capacity}
}

// SetCapacity changes the byte capacity (<= 0 means unlimited) and evicts
// until published results fit.
func (c *Cache) SetCapacity(capacity int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = capacity
	c.evictLocked(nil)
}

// Handle is one caller's view of a cache entry.
type Handle struct {
	cache *Cache
	e     *entry

	// producer is true for exactly one caller per key: the one that must
	// compute the result and Publish or Fail it.
	producer bool
}

// GetOrAdd returns a handle for key. The boolean is true for the single
// caller that must produce the result (by computing the constant kernels
// into a buffer of the given size and calling Publish, or Fail on error);
// every other concurrent or later caller gets false and must Wait.
func (c *Cache) GetOrAdd(key Key, size int64) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.seq++
		e.seq = c.seq
		c.hits.Add(1)
		return &Handle{cache: c, e: e}, false
	}
	c.seq++
	e := &entry{key: key, size: size, promise: xsync.NewLatchWithValue[result](), seq: c.seq}
	c.entries[key] = e
	c.misses.Add(1)
	return &Handle{cache: c, e: e, producer: true}, true
}

// Ready reports whether the entry was already published, without blocking.
func (h *Handle) Ready() bool { return h.e.promise.Test() }

// Wait blocks until the producer published or failed. On success it returns
// the buffer with an extra reference owned by the caller (release it when
// the call no longer touches the constant data). On producer failure every
// waiter gets the error and the key is already evicted for retry.
func (h *Handle) Wait() (*Buffer, error) {
	r := h.e.promise.Wait()
	if r.err != nil {
		return nil, r.err
	}
	return r.buf.Retain(), nil
}

// Publish stores buf as the entry's result and releases all waiters. The
// cache takes its own reference. Only the producer may call it, exactly
// once.
func (h *Handle) Publish(buf *Buffer) {
	if !h.producer {
		panic("ccache: Publish called by a non-producer")
	}
	buf.Retain()
	h.cache.mu.Lock()
	h.cache.total += h.e.size
	h.cache.evictLocked(h.e)
	h.cache.mu.Unlock()
	h.e.promise.Trigger(result{buf: buf})
	if klog.V(2).Enabled() {
		klog.Infof("constant cache: published key %#x (%s)", h.e.key, humanize.IBytes(uint64(h.e.size)))
	}
}

// Fail releases all waiters with err and evicts the key so a later call can
// retry. Only the producer may call it.
func (h *Handle) Fail(err error) {
	if !h.producer {
		panic("ccache: Fail called by a non-producer")
	}
	h.cache.mu.Lock()
	delete(h.cache.entries, h.e.key)
	h.cache.mu.Unlock()
	h.e.promise.Trigger(result{err: err})
	klog.V(2).Infof("constant cache: producer failed for key %#x: %v", h.e.key, err)
}

// evictLocked drops least-recently-used ready entries until total fits the
// capacity, never touching keep (the entry being published, may be nil) nor
// pending entries. Holders of evicted buffers keep their own references.
func (c *Cache) evictLocked(keep *entry) {
	if c.capacity <= 0 {
		return
	}
	for c.total > c.capacity {
		var victim *entry
		for _, e := range c.entries {
			if e == keep || !e.promise.Test() {
				continue
			}
			if victim == nil || e.seq < victim.seq {
				victim = e
			}
		}
		if victim == nil {
			return
		}
		c.removeLocked(victim)
	}
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.total -= e.size
	if r := e.promise.Wait(); r.buf != nil {
		r.buf.Release()
	}
}

// Remove evicts key if present and ready. Pending entries are left to their
// producer. Used when a compiled artifact is finalized.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.promise.Test() {
		c.removeLocked(e)
	}
}

// Clear evicts every ready entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.promise.Test() {
			c.removeLocked(e)
		}
	}
}

// Len returns the number of entries, including pending ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit/miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

var (
	defaultCache     *Cache
	defaultCacheOnce sync.Once

	enabled atomic.Bool
)

// GRAPHVM_CONSTANT_CACHE disables the constant cache when set to "0".
const GRAPHVM_CONSTANT_CACHE = "GRAPHVM_CONSTANT_CACHE"

func init() {
	enabled.Store(os.Getenv(GRAPHVM_CONSTANT_CACHE) != "0")
}

// Enabled reports the process-wide constant-cache flag. When disabled, the
// pipeline skips constant propagation entirely and nothing is folded.
func Enabled() bool { return enabled.Load() }

// SetEnabled flips the process-wide flag. It only affects compilations
// started afterwards.
func SetEnabled(on bool) { enabled.Store(on) }

// Default returns the shared process-wide cache, unlimited by default.
func Default() *Cache {
	defaultCacheOnce.Do(func() {
		defaultCache = New(0)
	})
	return defaultCache
}
