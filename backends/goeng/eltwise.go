package goeng

import (
	"unsafe"

	"github.com/x448/float16"
)

// number covers the element types the typed eltwise loops operate on.
// Float16 is handled separately through its bit representation.
type number interface {
	~float32 | ~float64 | ~int32 | ~int64
}

// view reinterprets b as a slice of n elements of type T. The caller
// guarantees len(b) >= n*sizeof(T); alignment holds because buffers and
// planned offsets are 64-byte aligned and caller tensors are heap slices.
func view[T any](b []byte, n int) []T {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

// addTyped computes dst = x + y. With bias set, y is a single row broadcast
// over the leading axes of x.
func addTyped[T number](dst, x, y []T, bias bool) {
	if !bias {
		for i := range dst {
			dst[i] = x[i] + y[i]
		}
		return
	}
	n := len(y)
	for base := 0; base < len(dst); base += n {
		row, xRow := dst[base:base+n], x[base:base+n]
		for j := range row {
			row[j] = xRow[j] + y[j]
		}
	}
}

func mulTyped[T number](dst, x, y []T) {
	for i := range dst {
		dst[i] = x[i] * y[i]
	}
}

func reluTyped[T number](dst, x []T) {
	for i := range dst {
		v := x[i]
		if v < 0 {
			v = 0
		}
		dst[i] = v
	}
}

// Float16 eltwise goes through float32: convert, compute, convert back.

func addF16(dst, x, y []uint16, bias bool) {
	n := len(y)
	if !bias {
		n = len(dst)
	}
	for i := range dst {
		sum := float16.Frombits(x[i]).Float32() + float16.Frombits(y[i%n]).Float32()
		dst[i] = float16.Fromfloat32(sum).Bits()
	}
}

func mulF16(dst, x, y []uint16) {
	for i := range dst {
		prod := float16.Frombits(x[i]).Float32() * float16.Frombits(y[i]).Float32()
		dst[i] = float16.Fromfloat32(prod).Bits()
	}
}

func reluF16(dst, x []uint16) {
	for i := range dst {
		v := float16.Frombits(x[i]).Float32()
		if v < 0 {
			v = 0
		}
		dst[i] = float16.Fromfloat32(v).Bits()
	}
}
