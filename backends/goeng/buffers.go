package goeng

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/graphvm/graphvm/backends"
	"github.com/graphvm/graphvm/status"
	"github.com/graphvm/graphvm/types/xsync"
)

// bufferAlignment is the alignment of every allocation's first byte. The
// memory planner aligns offsets to the same boundary, so every planned
// sub-allocation inherits it.
const bufferAlignment = 64

// minClass is the smallest pooled allocation size.
const minClass = 64

// buffer is a host allocation handed out by Allocate. data is the aligned
// window into raw.
type buffer struct {
	engine *Engine
	raw    []byte
	data   []byte
	class  int
}

var _ backends.Buffer = (*buffer)(nil)

func (b *buffer) Data() []byte { return b.data }
func (b *buffer) Size() int64  { return int64(len(b.data)) }

// Release returns the buffer to its size-class pool. The buffer must not be
// used afterwards.
func (b *buffer) Release() {
	if b.engine == nil {
		return
	}
	e := b.engine
	b.engine = nil
	b.data = nil
	if !e.finalized.Load() {
		e.pools.put(b)
	}
}

// Allocate implements backends.Engine. Buffers come back from per-size-class
// pools when available, otherwise a fresh aligned allocation is made. The
// returned bytes are not zeroed.
func (e *Engine) Allocate(size int64) (backends.Buffer, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, status.Errorf(status.InvalidArgument, "Allocate(%d): negative size", size)
	}
	class := sizeClass(size)
	b := e.pools.get(class)
	if b == nil {
		b = newAligned(class)
	}
	b.engine = e
	b.data = b.raw[alignedOffset(b.raw) : alignedOffset(b.raw)+int(size)]
	return b, nil
}

// sizeClass rounds size up to the next power of two, at least minClass.
func sizeClass(size int64) int {
	if size <= minClass {
		return minClass
	}
	return 1 << bits.Len64(uint64(size-1))
}

// newAligned allocates class bytes whose first usable byte sits on a
// bufferAlignment boundary. Go's allocator gives no alignment guarantee
// beyond the word size, so we over-allocate and slice.
func newAligned(class int) *buffer {
	raw := make([]byte, class+bufferAlignment)
	return &buffer{raw: raw, class: class}
}

func alignedOffset(raw []byte) int {
	addr := uintptr(unsafe.Pointer(&raw[0]))
	return int((bufferAlignment - addr%bufferAlignment) % bufferAlignment)
}

// bufferPools keeps one sync.Pool of released buffers per size class.
type bufferPools struct {
	m xsync.SyncMap[int, *sync.Pool]
}

func (p *bufferPools) get(class int) *buffer {
	pool, ok := p.m.Load(class)
	if !ok {
		return nil
	}
	b, _ := pool.Get().(*buffer)
	return b
}

func (p *bufferPools) put(b *buffer) {
	pool, ok := p.m.Load(b.class)
	if !ok {
		pool, _ = p.m.LoadOrStore(b.class, &sync.Pool{})
	}
	pool.Put(b)
}

func (p *bufferPools) drop() {
	p.m.Range(func(class int, _ *sync.Pool) bool {
		p.m.Delete(class)
		return true
	})
}
