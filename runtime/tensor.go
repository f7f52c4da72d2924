package runtime

import (
	"unsafe"

	"github.com/gomlx/exceptions"

	"github.com/graphvm/graphvm/ir"
	"github.com/graphvm/graphvm/types/shapes"
)

// Tensor is a caller-owned host tensor: a shape plus its flat row-major
// bytes. The runtime reads input tensors and writes output tensors in place;
// it never retains them past the call.
type Tensor struct {
	Shape shapes.Shape
	Data  []byte
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("NewTensor requires a valid shape, got %s", shape)
	}
	return &Tensor{Shape: shape, Data: make([]byte, shape.Memory())}
}

// TensorFromFlat builds a tensor from a flat row-major slice. The element
// type and count must match the shape.
func TensorFromFlat[T float32 | float64 | int32 | int64](shape shapes.Shape, flat []T) *Tensor {
	lit := ir.LiteralFromFlat(shape, flat)
	return &Tensor{Shape: shape, Data: lit.Data}
}

// Flat returns the tensor data viewed as a flat slice of T. The view aliases
// the tensor bytes.
func Flat[T float32 | float64 | int32 | int64](t *Tensor) []T {
	n := t.Shape.Size()
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&t.Data[0])), n)
}
