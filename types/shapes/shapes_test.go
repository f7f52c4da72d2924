package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeAndAccessors(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	assert.True(t, s.Ok())
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, int64(24), s.Memory())
	assert.Equal(t, 3, s.Dim(1))
	assert.Equal(t, 3, s.Dim(-1))
	assert.Equal(t, "(Float32)[2 3]", s.String())

	scalar := Make(dtypes.Float64)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, int64(8), scalar.Memory())
}

func TestInvalidAndEqual(t *testing.T) {
	assert.False(t, Invalid().Ok())
	a := Make(dtypes.Float32, 4, 4)
	b := Make(dtypes.Float32, 4, 4)
	c := Make(dtypes.Float64, 4, 4)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))

	clone := a.Clone()
	clone.Dimensions[0] = 8
	assert.Equal(t, 4, a.Dimensions[0])
}

func TestMakePanicsOnBadDim(t *testing.T) {
	require.Panics(t, func() { Make(dtypes.Float32, 2, 0) })
	require.Panics(t, func() { Make(dtypes.Float32, -1) })
}

func TestLayout(t *testing.T) {
	assert.False(t, LayoutAny.IsConcrete())
	assert.True(t, LayoutRowMajor.IsConcrete())
	assert.Equal(t, "packed", LayoutPacked.String())
}
