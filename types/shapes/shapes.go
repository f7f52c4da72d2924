// Package shapes defines Shape and Layout, the static description of a
// logical tensor flowing through a compiled subgraph.
//
// Shape carries the element type (DType, from github.com/gomlx/gopjrt/dtypes)
// and the dimensions. Layout describes the physical arrangement a value is
// requested to have or was assigned by layout propagation; it is deliberately
// coarse (this module only distinguishes the default row-major arrangement
// from the packed arrangement the matmul kernels prefer for constant
// right-hand sides).
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape of a logical tensor: element type plus dimensions.
// A rank-0 Shape is a scalar. The zero value is invalid (Ok() == false).
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
// It panics if any dimension is <= 0: shapes here are always concrete,
// symbolic dimensions are resolved before this layer is reached.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): dimension <= 0 not allowed", s)
		}
	}
	return s
}

// Invalid returns an invalid Shape, used as the "not yet inferred" marker.
func Invalid() Shape { return Shape{DType: dtypes.InvalidDType} }

// Ok reports whether the shape is valid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank returns the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar reports whether the shape is a valid rank-0 shape.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis; negative axes count from the
// end, as in a Python-style index.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjusted]
}

// Size returns the number of elements, the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the bytes needed to store a tensor of this shape.
func (s Shape) Memory() int64 {
	return int64(s.DType.Memory()) * int64(s.Size())
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(o Shape) bool {
	return s.DType == o.DType && slices.Equal(s.Dimensions, o.Dimensions)
}

// Clone returns a deep copy.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// String implements fmt.Stringer, e.g. "(Float32)[2 3]".
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid)"
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Layout is the physical arrangement of a value's elements in its buffer.
type Layout int8

const (
	// LayoutAny means no layout was requested nor assigned yet. Layout
	// propagation replaces every LayoutAny with a concrete layout.
	LayoutAny Layout = iota

	// LayoutRowMajor is the default dense arrangement.
	LayoutRowMajor

	// LayoutPacked is the kernel-preferred arrangement for a constant matmul
	// right-hand side (stored column-major so the gemm can stream it).
	LayoutPacked
)

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case LayoutAny:
		return "any"
	case LayoutRowMajor:
		return "row-major"
	case LayoutPacked:
		return "packed"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// IsConcrete reports whether the layout has been resolved.
func (l Layout) IsConcrete() bool { return l != LayoutAny }

// ConcatDims pretty-prints dimensions for log lines, e.g. "2x3x4".
func ConcatDims(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return strings.Join(parts, "x")
}
