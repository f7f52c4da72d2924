// Package runtime compiles subgraphs into executable artifacts and runs
// them against an engine.
//
// Compile drives the pass pipeline over a subgraph and returns an Artifact:
// the compiled kernel sequence, its memory plan and the binding template
// wiring kernel operands to memory handles. An Artifact is immutable and
// safe for concurrent Execute calls: each call checks out a private clone of
// the binding template from a pool, rebinds it to the caller's tensors and
// to freshly granted pool memory, and returns it when done.
//
// Constant-folded results live in the process-wide constant cache: the first
// call with a given set of constant inputs computes them once, concurrent
// and later calls reuse the published buffer.
package runtime

import (
	"sync/atomic"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/graphvm/graphvm/backends"
	"github.com/graphvm/graphvm/ccache"
	"github.com/graphvm/graphvm/ir"
	"github.com/graphvm/graphvm/memplan"
	"github.com/graphvm/graphvm/passes"
	"github.com/graphvm/graphvm/status"
	"github.com/graphvm/graphvm/types/shapes"
	"github.com/graphvm/graphvm/types/xsync"
)

// Option configures Compile.
type Option func(*options)

type options struct {
	vis          passes.Visualizer
	cache        *ccache.Cache
	cacheEnabled bool
}

// WithVisualizer installs a hook receiving a graph snapshot after each pass.
func WithVisualizer(vis passes.Visualizer) Option {
	return func(o *options) { o.vis = vis }
}

// WithCache selects the constant cache the artifact publishes to, instead of
// the process-wide default.
func WithCache(c *ccache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithConstantCache overrides the process-wide constant-cache flag for this
// artifact. When disabled, constant kernels run on every call into a
// per-call buffer and nothing is folded beyond literal constants.
func WithConstantCache(enabled bool) Option {
	return func(o *options) { o.cacheEnabled = enabled }
}

// Artifact is one compiled subgraph, bound to the engine that compiled it.
type Artifact struct {
	id     uuid.UUID
	name   string
	engine backends.Engine

	kernels    []backends.Kernel
	constIdx   []int // kernel indices of the constant prologue, topo order
	mainIdx    []int
	planner    *memplan.Planner
	template   *memplan.ExecArgsSet
	states     *xsync.Pool[*execState]
	inShapes   []shapes.Shape
	outShapes  []shapes.Shape
	constInput []int // indices of external inputs declared constant

	cache        *ccache.Cache
	cacheEnabled bool
	keys         xsync.SyncMap[ccache.Key, bool] // published keys, removed on Finalize

	finalized atomic.Bool
}

// Compile runs the pass pipeline over sg and returns the executable
// artifact. The subgraph is frozen on success and must not be reused for
// another compilation.
func Compile(engine backends.Engine, sg *ir.Subgraph, opts ...Option) (*Artifact, error) {
	opt := options{cache: ccache.Default(), cacheEnabled: ccache.Enabled()}
	for _, o := range opts {
		o(&opt)
	}
	if sg.Frozen() {
		return nil, status.Errorf(status.InvalidArgument, "subgraph %q was already compiled", sg.Name)
	}
	if len(sg.Outputs()) == 0 {
		return nil, status.Errorf(status.InvalidArgument, "subgraph %q has no outputs", sg.Name)
	}

	planner := memplan.New()
	var kernels []backends.Kernel
	p := passes.NewPipeline(opt.vis)
	if opt.vis != nil {
		p.SetSnapshotting(true)
	}
	p.Add(passes.Lower())
	p.Add(passes.FusePostOps())
	p.Add(passes.InferShapes())
	if opt.cacheEnabled {
		p.Add(passes.PropagateConstants())
	}
	p.Add(passes.PropagateLayouts())
	if opt.cacheEnabled {
		p.Add(passes.PropagateConstants())
	}
	p.Add(passes.PlanMemory(planner))
	p.Add(passes.InstantiateKernels(engine, &kernels))
	if err := p.Run(sg); err != nil {
		return nil, err
	}
	sg.Freeze()

	a := &Artifact{
		id:           uuid.New(),
		name:         sg.Name,
		engine:       engine,
		kernels:      kernels,
		planner:      planner,
		template:     planner.ExecArgsSet(),
		cache:        opt.cache,
		cacheEnabled: opt.cacheEnabled,
	}
	// Kernels parallel the op list. A constant op whose output is an
	// external output still runs every call: only constants feeding the
	// persistent pool move to the prologue.
	for i, op := range sg.Ops() {
		if op.IsConstant && !op.Output.IsExternalOutput() {
			a.constIdx = append(a.constIdx, i)
		} else {
			a.mainIdx = append(a.mainIdx, i)
		}
	}
	for _, in := range sg.Inputs() {
		a.inShapes = append(a.inShapes, in.Shape)
		if in.IsConstant {
			a.constInput = append(a.constInput, in.InputIndex())
		}
	}
	for _, out := range sg.Outputs() {
		a.outShapes = append(a.outShapes, out.Shape)
	}
	a.states = xsync.NewPool(func() *execState {
		return &execState{args: a.template.Clone()}
	})

	klog.V(1).Infof("compiled artifact %s (%q): %d kernels (%d constant), scratch %d bytes, persistent %d bytes",
		a.id, a.name, len(kernels), len(a.constIdx), planner.TotalTemporarySize(), planner.TotalPersistentSize())
	return a, nil
}

// ID returns the artifact's unique identity; it feeds the constant-cache key.
func (a *Artifact) ID() uuid.UUID { return a.id }

// Name returns the compiled subgraph's name.
func (a *Artifact) Name() string { return a.name }

// Engine returns the engine the artifact was compiled for.
func (a *Artifact) Engine() backends.Engine { return a.engine }

// InputShapes returns the expected shapes of the Execute inputs, in order.
func (a *Artifact) InputShapes() []shapes.Shape { return a.inShapes }

// OutputShapes returns the shapes Execute writes, in order.
func (a *Artifact) OutputShapes() []shapes.Shape { return a.outShapes }

// ScratchSize returns the temporary pool bytes each call allocates.
func (a *Artifact) ScratchSize() int64 { return a.planner.TotalTemporarySize() }

// PersistentSize returns the constant-folded pool bytes.
func (a *Artifact) PersistentSize() int64 { return a.planner.TotalPersistentSize() }

// Finalize releases the artifact: its published constant-cache entries are
// evicted and subsequent Execute calls fail with status.InvalidArgument.
// In-flight calls complete normally. Finalize is idempotent.
func (a *Artifact) Finalize() {
	if a.finalized.Swap(true) {
		return
	}
	a.keys.Range(func(key ccache.Key, _ bool) bool {
		a.cache.Remove(key)
		a.keys.Delete(key)
		return true
	})
	klog.V(1).Infof("finalized artifact %s (%q)", a.id, a.name)
}

// execState is the per-call mutable state checked out of the artifact's
// pool: one private clone of the binding template.
type execState struct {
	args *memplan.ExecArgsSet
}
