package runtime

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/graphvm/graphvm/backends"
	_ "github.com/graphvm/graphvm/backends/goeng"
	"github.com/graphvm/graphvm/ccache"
	"github.com/graphvm/graphvm/ir"
	"github.com/graphvm/graphvm/status"
	"github.com/graphvm/graphvm/types/shapes"
)

func newEngine(t *testing.T) backends.Engine {
	t.Helper()
	e, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	return e
}

func stream(t *testing.T, e backends.Engine, kind backends.StreamKind) backends.Stream {
	t.Helper()
	s, err := e.NewStream(kind)
	require.NoError(t, err)
	return s
}

// denseGraph is x(2x3) . w(3x4) + bias(4) with a fused ReLU; w and bias are
// declared constant so their chain folds into the persistent pool.
func denseGraph() *ir.Subgraph {
	sg := ir.NewSubgraph("dense")
	x := sg.Input(shapes.Make(dtypes.Float32, 2, 3))
	w := sg.Input(shapes.Make(dtypes.Float32, 3, 4), ir.AsConstant())
	bias := sg.Input(shapes.Make(dtypes.Float32, 4), ir.AsConstant())
	sg.SetOutputs(sg.Dense(x, w, bias, ir.PostReLU))
	return sg
}

func denseTensors() (inputs []*Tensor, expected []float32) {
	x := TensorFromFlat(shapes.Make(dtypes.Float32, 2, 3), []float32{1, 2, 3, 4, 5, 6})
	w := TensorFromFlat(shapes.Make(dtypes.Float32, 3, 4), []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	bias := TensorFromFlat(shapes.Make(dtypes.Float32, 4), []float32{-40, 0, 10, -60})
	// x.w = [[38,44,50,56],[83,98,113,128]]; bias then ReLU.
	return []*Tensor{x, w, bias}, []float32{0, 44, 60, 0, 43, 98, 123, 68}
}

func TestCompileAndExecute(t *testing.T) {
	e := newEngine(t)
	sg := denseGraph()
	a, err := Compile(e, sg, WithCache(ccache.New(0)))
	require.NoError(t, err)
	assert.True(t, sg.Frozen())
	assert.Greater(t, a.PersistentSize(), int64(0), "packed weight lives in the persistent pool")
	require.Len(t, a.OutputShapes(), 1)
	assert.True(t, a.OutputShapes()[0].Equal(shapes.Make(dtypes.Float32, 2, 4)))

	inputs, expected := denseTensors()
	out := NewTensor(a.OutputShapes()[0])
	s := stream(t, e, backends.StreamSync)
	require.NoError(t, a.Execute(s, inputs, []*Tensor{out}))
	assert.Equal(t, expected, Flat[float32](out))
}

func TestCompileRejectsReuse(t *testing.T) {
	e := newEngine(t)
	sg := denseGraph()
	_, err := Compile(e, sg, WithCache(ccache.New(0)))
	require.NoError(t, err)

	_, err = Compile(e, sg)
	require.Error(t, err)
	assert.True(t, status.Is(err, status.InvalidArgument))
}

func TestConstantsComputedOncePerContent(t *testing.T) {
	e := newEngine(t)
	cache := ccache.New(0)
	a, err := Compile(e, denseGraph(), WithCache(cache))
	require.NoError(t, err)

	inputs, expected := denseTensors()
	s := stream(t, e, backends.StreamSync)
	out := NewTensor(a.OutputShapes()[0])
	for range 3 {
		require.NoError(t, a.Execute(s, inputs, []*Tensor{out}))
		assert.Equal(t, expected, Flat[float32](out))
	}
	hits, misses := cache.Stats()
	assert.Equal(t, int64(1), misses, "one constant computation for stable weights")
	assert.Equal(t, int64(2), hits)

	// New weight content is a new cache key.
	inputs[1] = TensorFromFlat(shapes.Make(dtypes.Float32, 3, 4), make([]float32, 12))
	require.NoError(t, a.Execute(s, inputs, []*Tensor{out}))
	_, misses = cache.Stats()
	assert.Equal(t, int64(2), misses)
	assert.Equal(t, []float32{0, 0, 10, 0, 0, 0, 10, 0}, Flat[float32](out), "zero weights leave only the clamped bias")
}

func TestCacheDisabledStillCorrect(t *testing.T) {
	e := newEngine(t)
	cache := ccache.New(0)
	a, err := Compile(e, denseGraph(), WithCache(cache), WithConstantCache(false))
	require.NoError(t, err)

	inputs, expected := denseTensors()
	s := stream(t, e, backends.StreamSync)
	out := NewTensor(a.OutputShapes()[0])
	require.NoError(t, a.Execute(s, inputs, []*Tensor{out}))
	require.NoError(t, a.Execute(s, inputs, []*Tensor{out}))
	assert.Equal(t, expected, Flat[float32](out))
	assert.Equal(t, 0, cache.Len(), "disabled cache never populated")
}

func TestConcurrentExecutes(t *testing.T) {
	e := newEngine(t)
	cache := ccache.New(0)
	a, err := Compile(e, denseGraph(), WithCache(cache))
	require.NoError(t, err)

	inputs, expected := denseTensors()
	var group errgroup.Group
	const workers = 8
	for range workers {
		group.Go(func() error {
			s, err := e.NewStream(backends.StreamSync)
			if err != nil {
				return err
			}
			out := NewTensor(a.OutputShapes()[0])
			for range 125 {
				if err := a.Execute(s, inputs, []*Tensor{out}); err != nil {
					return err
				}
				got := Flat[float32](out)
				for i, want := range expected {
					if got[i] != want {
						return errors.Errorf("element %d: got %v, want %v", i, got[i], want)
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	_, misses := cache.Stats()
	assert.Equal(t, int64(1), misses, "concurrent first calls single-flight the constant computation")
}

func TestExecuteAsyncMatchesSync(t *testing.T) {
	for _, kind := range []backends.StreamKind{backends.StreamAsyncQueue, backends.StreamAsyncFence} {
		t.Run(kind.String(), func(t *testing.T) {
			e := newEngine(t)
			a, err := Compile(e, denseGraph(), WithCache(ccache.New(0)))
			require.NoError(t, err)

			inputs, expected := denseTensors()
			s := stream(t, e, kind)
			out := NewTensor(a.OutputShapes()[0])
			ev, err := a.ExecuteAsync(s, inputs, []*Tensor{out}, nil)
			require.NoError(t, err)
			require.NoError(t, ev.Wait())
			assert.Equal(t, expected, Flat[float32](out))

			// A dependent submission gated on the first one's event.
			out2 := NewTensor(a.OutputShapes()[0])
			ev2, err := a.ExecuteAsync(s, inputs, []*Tensor{out2}, []backends.Event{ev})
			require.NoError(t, err)
			require.NoError(t, ev2.Wait())
			require.NoError(t, s.Sync())
			assert.Equal(t, expected, Flat[float32](out2))
		})
	}
}

func TestExecuteAsyncOnSyncStream(t *testing.T) {
	e := newEngine(t)
	a, err := Compile(e, denseGraph(), WithCache(ccache.New(0)))
	require.NoError(t, err)

	inputs, expected := denseTensors()
	s := stream(t, e, backends.StreamSync)
	out := NewTensor(a.OutputShapes()[0])
	ev, err := a.ExecuteAsync(s, inputs, []*Tensor{out}, nil)
	require.NoError(t, err)
	require.NoError(t, ev.Wait())
	assert.Equal(t, expected, Flat[float32](out))
}

func TestCallValidation(t *testing.T) {
	e := newEngine(t)
	a, err := Compile(e, denseGraph(), WithCache(ccache.New(0)))
	require.NoError(t, err)
	inputs, _ := denseTensors()
	s := stream(t, e, backends.StreamSync)
	out := NewTensor(a.OutputShapes()[0])

	err = a.Execute(s, inputs[:2], []*Tensor{out})
	assert.True(t, status.Is(err, status.InvalidArgument), "wrong input count")

	bad := append([]*Tensor{TensorFromFlat(shapes.Make(dtypes.Float32, 3, 2), make([]float32, 6))}, inputs[1:]...)
	err = a.Execute(s, bad, []*Tensor{out})
	assert.True(t, status.Is(err, status.InvalidArgument), "wrong input shape")

	err = a.Execute(s, inputs, nil)
	assert.True(t, status.Is(err, status.InvalidArgument), "missing outputs")

	err = a.Execute(nil, inputs, []*Tensor{out})
	assert.True(t, status.Is(err, status.InvalidArgument), "missing stream")
}

// failingAllocEngine delegates everything but refuses allocations, to check
// that an exhausted device surfaces before any kernel ran.
type failingAllocEngine struct {
	backends.Engine
}

func (e *failingAllocEngine) Allocate(size int64) (backends.Buffer, error) {
	return nil, errors.Errorf("device out of memory (%d bytes requested)", size)
}

func (e *failingAllocEngine) NewStream(kind backends.StreamKind) (backends.Stream, error) {
	s, err := e.Engine.NewStream(kind)
	if err != nil {
		return nil, err
	}
	return &ownedStream{Stream: s, owner: e}, nil
}

type ownedStream struct {
	backends.Stream
	owner backends.Engine
}

func (s *ownedStream) Engine() backends.Engine { return s.owner }

func TestAllocationFailureIsResourceExhausted(t *testing.T) {
	e := &failingAllocEngine{Engine: newEngine(t)}
	a, err := Compile(e, denseGraph(), WithCache(ccache.New(0)))
	require.NoError(t, err)
	require.Greater(t, a.ScratchSize(), int64(0))

	inputs, _ := denseTensors()
	s := stream(t, e, backends.StreamSync)
	out := NewTensor(a.OutputShapes()[0])
	err = a.Execute(s, inputs, []*Tensor{out})
	require.Error(t, err)
	assert.True(t, status.Is(err, status.ResourceExhausted))
	assert.Equal(t, make([]float32, 8), Flat[float32](out), "failed call has no side effects")
}

// shortAllocEngine grants one byte less than asked for, a broken allocator
// contract the runtime must reject rather than truncate.
type shortAllocEngine struct {
	backends.Engine
}

func (e *shortAllocEngine) Allocate(size int64) (backends.Buffer, error) {
	return e.Engine.Allocate(size - 1)
}

func (e *shortAllocEngine) NewStream(kind backends.StreamKind) (backends.Stream, error) {
	s, err := e.Engine.NewStream(kind)
	if err != nil {
		return nil, err
	}
	return &ownedStream{Stream: s, owner: e}, nil
}

func TestShortAllocationIsResourceExhausted(t *testing.T) {
	e := &shortAllocEngine{Engine: newEngine(t)}
	a, err := Compile(e, denseGraph(), WithCache(ccache.New(0)))
	require.NoError(t, err)
	require.Greater(t, a.ScratchSize(), int64(0))

	inputs, _ := denseTensors()
	s := stream(t, e, backends.StreamSync)
	out := NewTensor(a.OutputShapes()[0])
	err = a.Execute(s, inputs, []*Tensor{out})
	require.Error(t, err)
	assert.True(t, status.Is(err, status.ResourceExhausted))
	assert.Equal(t, make([]float32, 8), Flat[float32](out), "failed call has no side effects")
}

func TestFinalize(t *testing.T) {
	e := newEngine(t)
	cache := ccache.New(0)
	a, err := Compile(e, denseGraph(), WithCache(cache))
	require.NoError(t, err)

	inputs, _ := denseTensors()
	s := stream(t, e, backends.StreamSync)
	out := NewTensor(a.OutputShapes()[0])
	require.NoError(t, a.Execute(s, inputs, []*Tensor{out}))
	require.Equal(t, 1, cache.Len())

	a.Finalize()
	a.Finalize() // idempotent
	assert.Equal(t, 0, cache.Len(), "published constants evicted on finalize")

	err = a.Execute(s, inputs, []*Tensor{out})
	require.Error(t, err)
	assert.True(t, status.Is(err, status.InvalidArgument))
}

func TestLatePublishAfterFinalizeIsEvicted(t *testing.T) {
	e := newEngine(t)
	cache := ccache.New(0)
	a, err := Compile(e, denseGraph(), WithCache(cache))
	require.NoError(t, err)
	a.Finalize()

	// A constant producer whose publish goroutine fires only after Finalize
	// swept the keys must evict its own entry.
	key := ccache.EncodeKey(a.id[:], 1)
	h, producer := cache.GetOrAdd(key, 8)
	require.True(t, producer)
	h.Publish(ccache.NewBuffer(make([]byte, 8)))
	a.recordKey(key)
	assert.Equal(t, 0, cache.Len())
}

func TestConstantLiteralAsOutputRunsEveryCall(t *testing.T) {
	e := newEngine(t)
	sg := ir.NewSubgraph("lit-out")
	lit := sg.Constant(ir.LiteralFromFlat(shapes.Make(dtypes.Float32, 2), []float32{3, 4}))
	sg.SetOutputs(lit)
	a, err := Compile(e, sg, WithCache(ccache.New(0)))
	require.NoError(t, err)
	assert.Zero(t, a.PersistentSize(), "a literal feeding an external output is not folded")

	s := stream(t, e, backends.StreamSync)
	out := NewTensor(a.OutputShapes()[0])
	require.NoError(t, a.Execute(s, nil, []*Tensor{out}))
	assert.Equal(t, []float32{3, 4}, Flat[float32](out))
}
