package goeng

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/graphvm/graphvm/backends"
	"github.com/graphvm/graphvm/ir"
	"github.com/graphvm/graphvm/status"
	"github.com/graphvm/graphvm/types/shapes"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New("")
	require.NoError(t, err)
	return e.(*Engine)
}

func syncStream(t *testing.T, e *Engine) backends.Stream {
	t.Helper()
	s, err := e.NewStream(backends.StreamSync)
	require.NoError(t, err)
	return s
}

// bindArgs wraps raw byte slices as a kernel argument binding.
func bindArgs(dst []byte, srcs ...[]byte) backends.Args {
	args := backends.Args{backends.ArgDst: &backends.Mem{}}
	args[backends.ArgDst].SetData(dst)
	for i, src := range srcs {
		m := &backends.Mem{}
		m.SetData(src)
		args[backends.ArgSrc(i)] = m
	}
	return args
}

func f32bytes(vals ...float32) []byte {
	lit := ir.LiteralFromFlat(shapes.Make(dtypes.Float32, len(vals)), vals)
	return lit.Data
}

func TestRegistry(t *testing.T) {
	e, err := backends.NewWithConfig(EngineName)
	require.NoError(t, err)
	assert.Equal(t, EngineName, e.Name())
	assert.NotEmpty(t, e.Description())

	_, err = New("threads=4")
	require.Error(t, err)
	assert.True(t, status.Is(err, status.InvalidArgument))
}

func TestAllocateAligned(t *testing.T) {
	e := newEngine(t)
	for _, size := range []int64{1, 63, 64, 100, 4096, 1 << 20} {
		buf, err := e.Allocate(size)
		require.NoError(t, err)
		assert.Equal(t, size, buf.Size())
		addr := uintptr(unsafe.Pointer(&buf.Data()[0]))
		assert.Zero(t, addr%bufferAlignment, "allocation of %d bytes not 64-byte aligned", size)
		buf.Release()
	}

	_, err := e.Allocate(-1)
	require.Error(t, err)
	assert.True(t, status.Is(err, status.InvalidArgument))
}

func TestFinalizedEngineRejectsUse(t *testing.T) {
	e := newEngine(t)
	e.Finalize()
	e.Finalize() // idempotent

	_, err := e.Allocate(64)
	assert.True(t, status.Is(err, status.InvalidArgument))
	_, err = e.NewStream(backends.StreamSync)
	assert.True(t, status.Is(err, status.InvalidArgument))
}

// matMulOp builds a standalone MatMul op with resolved shapes.
func matMulOp(t *testing.T, m, k, n int, postOps ...ir.PostOp) *ir.Op {
	t.Helper()
	sg := ir.NewSubgraph("t")
	a := sg.Input(shapes.Make(dtypes.Float32, m, k))
	b := sg.Input(shapes.Make(dtypes.Float32, k, n))
	out := sg.AddOp(ir.OpMatMul, a, b)
	out.Shape = shapes.Make(dtypes.Float32, m, n)
	op := out.Producer()
	op.Attrs.PostOps = postOps
	return op
}

func TestMatMulKernel(t *testing.T) {
	e := newEngine(t)
	s := syncStream(t, e)
	kernel, err := e.CompileOp(matMulOp(t, 2, 3, 2))
	require.NoError(t, err)
	assert.False(t, kernel.IsConstant())

	dst := make([]byte, 4*4)
	args := bindArgs(dst,
		f32bytes(1, 2, 3, 4, 5, 6),
		f32bytes(7, 8, 9, 10, 11, 12))
	require.NoError(t, kernel.Execute(s, args))
	assert.Equal(t, []float32{58, 64, 139, 154}, view[float32](dst, 4))
}

func TestMatMulPackedRHS(t *testing.T) {
	e := newEngine(t)
	s := syncStream(t, e)
	op := matMulOp(t, 2, 3, 2)
	op.Inputs[1].Layout = shapes.LayoutPacked
	kernel, err := e.CompileOp(op)
	require.NoError(t, err)

	// Same B as TestMatMulKernel, stored column-major.
	dst := make([]byte, 4*4)
	args := bindArgs(dst,
		f32bytes(1, 2, 3, 4, 5, 6),
		f32bytes(7, 9, 11, 8, 10, 12))
	require.NoError(t, kernel.Execute(s, args))
	assert.Equal(t, []float32{58, 64, 139, 154}, view[float32](dst, 4))
}

func TestMatMulFusedReLU(t *testing.T) {
	e := newEngine(t)
	s := syncStream(t, e)
	kernel, err := e.CompileOp(matMulOp(t, 1, 2, 2, ir.PostOp{Kind: ir.PostReLU}))
	require.NoError(t, err)

	dst := make([]byte, 2*4)
	args := bindArgs(dst,
		f32bytes(1, -1),
		f32bytes(1, -2, 2, -1))
	require.NoError(t, kernel.Execute(s, args))
	// Raw product is [-1, -1]; the fused ReLU clamps it.
	assert.Equal(t, []float32{0, 0}, view[float32](dst, 2))
}

func TestAddBiasBroadcast(t *testing.T) {
	e := newEngine(t)
	s := syncStream(t, e)
	sg := ir.NewSubgraph("t")
	x := sg.Input(shapes.Make(dtypes.Float32, 2, 3))
	bias := sg.Input(shapes.Make(dtypes.Float32, 3))
	out := sg.AddOp(ir.OpAdd, x, bias)
	out.Shape = shapes.Make(dtypes.Float32, 2, 3)
	kernel, err := e.CompileOp(out.Producer())
	require.NoError(t, err)

	dst := make([]byte, 6*4)
	args := bindArgs(dst,
		f32bytes(1, 2, 3, 4, 5, 6),
		f32bytes(10, 20, 30))
	require.NoError(t, kernel.Execute(s, args))
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, view[float32](dst, 6))
}

func TestReLUFloat16(t *testing.T) {
	e := newEngine(t)
	s := syncStream(t, e)
	sg := ir.NewSubgraph("t")
	x := sg.Input(shapes.Make(dtypes.Float16, 4))
	out := sg.AddOp(ir.OpReLU, x)
	out.Shape = shapes.Make(dtypes.Float16, 4)
	kernel, err := e.CompileOp(out.Producer())
	require.NoError(t, err)

	src := make([]byte, 4*2)
	in := view[uint16](src, 4)
	for i, v := range []float32{-2, -0.5, 0.5, 3} {
		in[i] = float16.Fromfloat32(v).Bits()
	}
	dst := make([]byte, 4*2)
	require.NoError(t, kernel.Execute(s, bindArgs(dst, src)))
	got := view[uint16](dst, 4)
	for i, want := range []float32{0, 0, 0.5, 3} {
		assert.Equal(t, want, float16.Frombits(got[i]).Float32())
	}
}

func TestReorderPackRoundTrip(t *testing.T) {
	e := newEngine(t)
	s := syncStream(t, e)
	sg := ir.NewSubgraph("t")
	x := sg.Input(shapes.Make(dtypes.Float32, 2, 3))
	x.Layout = shapes.LayoutRowMajor
	packed := sg.AddOp(ir.OpReorder, x)
	packed.Shape = shapes.Make(dtypes.Float32, 2, 3)
	packed.Layout = shapes.LayoutPacked
	back := sg.AddOp(ir.OpReorder, packed)
	back.Shape = shapes.Make(dtypes.Float32, 2, 3)
	back.Layout = shapes.LayoutRowMajor

	pack, err := e.CompileOp(packed.Producer())
	require.NoError(t, err)
	unpack, err := e.CompileOp(back.Producer())
	require.NoError(t, err)

	src := f32bytes(1, 2, 3, 4, 5, 6)
	mid := make([]byte, len(src))
	require.NoError(t, pack.Execute(s, bindArgs(mid, src)))
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, view[float32](mid, 6))

	dst := make([]byte, len(src))
	require.NoError(t, unpack.Execute(s, bindArgs(dst, mid)))
	assert.Equal(t, view[float32](src, 6), view[float32](dst, 6))
}

func TestConstantKernel(t *testing.T) {
	e := newEngine(t)
	s := syncStream(t, e)
	sg := ir.NewSubgraph("t")
	out := sg.Constant(ir.LiteralFromFlat(shapes.Make(dtypes.Float32, 3), []float32{7, 8, 9}))
	kernel, err := e.CompileOp(out.Producer())
	require.NoError(t, err)
	assert.True(t, kernel.IsConstant())

	dst := make([]byte, 3*4)
	require.NoError(t, kernel.Execute(s, bindArgs(dst)))
	assert.Equal(t, []float32{7, 8, 9}, view[float32](dst, 3))
}

func TestUnboundOperandIsInvalidArgument(t *testing.T) {
	e := newEngine(t)
	s := syncStream(t, e)
	kernel, err := e.CompileOp(matMulOp(t, 1, 1, 1))
	require.NoError(t, err)

	err = kernel.Execute(s, backends.Args{})
	require.Error(t, err)
	assert.True(t, status.Is(err, status.InvalidArgument))
}

func TestAsyncQueueRunsInSubmissionOrder(t *testing.T) {
	e := newEngine(t)
	str, err := e.NewStream(backends.StreamAsyncQueue)
	require.NoError(t, err)
	s := str.(*stream)

	const n = 200
	var order []int // serialized by the queue, no extra locking
	for i := range n {
		s.submit(nil, func() error {
			order = append(order, i)
			return nil
		})
	}
	require.NoError(t, s.Sync())
	require.Len(t, order, n)
	for i := range n {
		assert.Equal(t, i, order[i])
	}
}

func TestAsyncFenceWaitsForDependencies(t *testing.T) {
	e := newEngine(t)
	str, err := e.NewStream(backends.StreamAsyncFence)
	require.NoError(t, err)
	s := str.(*stream)

	var stage atomic.Int32
	ev1 := s.submit(nil, func() error {
		stage.CompareAndSwap(0, 1)
		return nil
	})
	ev2 := s.submit([]backends.Event{ev1}, func() error {
		if !stage.CompareAndSwap(1, 2) {
			t.Error("dependency ran after its dependent")
		}
		return nil
	})
	require.NoError(t, ev2.Wait())
	require.NoError(t, s.Sync())
	assert.Equal(t, int32(2), stage.Load())
}

func TestAsyncFailurePropagatesThroughChain(t *testing.T) {
	e := newEngine(t)
	str, err := e.NewStream(backends.StreamAsyncQueue)
	require.NoError(t, err)
	s := str.(*stream)

	boom := status.Errorf(status.Device, "simulated device fault")
	s.submit(nil, func() error { return boom })
	ran := false
	ev := s.submit(nil, func() error {
		ran = true
		return nil
	})

	assert.ErrorIs(t, ev.Wait(), boom, "queue gate poisons later submissions")
	assert.False(t, ran, "a submission after a failure must not run")
	assert.ErrorIs(t, s.Sync(), boom)
}

func TestExecuteAsyncOnSyncStreamIsInline(t *testing.T) {
	e := newEngine(t)
	s := syncStream(t, e)
	sg := ir.NewSubgraph("t")
	out := sg.Constant(ir.LiteralFromFlat(shapes.Make(dtypes.Float32, 1), []float32{1}))
	kernel, err := e.CompileOp(out.Producer())
	require.NoError(t, err)

	dst := make([]byte, 4)
	ev, err := kernel.ExecuteAsync(s, bindArgs(dst), nil)
	require.NoError(t, err)
	select {
	case <-ev.Done():
	default:
		t.Fatal("event from a synchronous stream must already be complete")
	}
	require.NoError(t, ev.Wait())
	assert.Equal(t, []float32{1}, view[float32](dst, 1))
}
