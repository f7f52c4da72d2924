package memplan

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// alignUp rounds x up to the next multiple of a (a must be a power of two).
func alignUp[T constraints.Integer](x, a T) T {
	return (x + a - 1) &^ (a - 1)
}

// chunk is a free range of the temporary pool.
type chunk struct {
	offset, size int64
}

// freeList is the first-fit allocator behind the temporary pool. Chunks are
// kept sorted by offset and coalesced on release, so an acquire always picks
// the lowest-offset hole that fits; the pool only grows when no hole fits.
type freeList struct {
	chunks []chunk
	top    int64
}

func newFreeList() *freeList {
	return &freeList{}
}

// acquire returns the offset of a size-byte range. size must already be
// aligned.
func (f *freeList) acquire(size int64) int64 {
	if size == 0 {
		return 0
	}
	for i := range f.chunks {
		c := &f.chunks[i]
		if c.size < size {
			continue
		}
		offset := c.offset
		c.offset += size
		c.size -= size
		if c.size == 0 {
			f.chunks = append(f.chunks[:i], f.chunks[i+1:]...)
		}
		return offset
	}
	offset := f.top
	f.top += size
	return offset
}

// release returns a range to the pool, coalescing with adjacent holes.
func (f *freeList) release(offset, size int64) {
	if size == 0 {
		return
	}
	i := sort.Search(len(f.chunks), func(i int) bool {
		return f.chunks[i].offset > offset
	})
	f.chunks = append(f.chunks, chunk{})
	copy(f.chunks[i+1:], f.chunks[i:])
	f.chunks[i] = chunk{offset: offset, size: size}

	// Merge with the next chunk, then with the previous one.
	if i+1 < len(f.chunks) && f.chunks[i].offset+f.chunks[i].size == f.chunks[i+1].offset {
		f.chunks[i].size += f.chunks[i+1].size
		f.chunks = append(f.chunks[:i+1], f.chunks[i+2:]...)
	}
	if i > 0 && f.chunks[i-1].offset+f.chunks[i-1].size == f.chunks[i].offset {
		f.chunks[i-1].size += f.chunks[i].size
		f.chunks = append(f.chunks[:i], f.chunks[i+1:]...)
	}
}

// highWater is the total pool size needed by the acquisitions so far.
func (f *freeList) highWater() int64 { return f.top }
