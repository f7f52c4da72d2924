// Package passes implements the ordered pass pipeline that rewrites a
// subgraph into its executable form, and the concrete transformation passes
// the compiler uses.
//
// Each pass receives the mutable subgraph by shared ownership and returns an
// error on failure. Pipeline.Run applies the passes strictly in insertion
// order and stops at the first failure; nothing is rolled back -- the whole
// compilation fails and the caller discards the subgraph. Between designated
// steps an optional visualization hook receives a snapshot of the graph's
// current state; it is purely observational.
package passes

import (
	"time"

	"k8s.io/klog/v2"

	"github.com/graphvm/graphvm/ir"
	"github.com/graphvm/graphvm/status"
)

// Pass is one named graph transformation.
type Pass interface {
	Name() string
	Apply(sg *ir.Subgraph) error
}

// funcPass adapts a function into a Pass.
type funcPass struct {
	name string
	fn   func(*ir.Subgraph) error
}

func (p funcPass) Name() string                { return p.name }
func (p funcPass) Apply(sg *ir.Subgraph) error { return p.fn(sg) }

// Func wraps fn as a Pass with the given name.
func Func(name string, fn func(*ir.Subgraph) error) Pass {
	return funcPass{name: name, fn: fn}
}

// Visualizer receives a snapshot of the subgraph after passes that have
// snapshotting enabled. memInfo describes planned values once the memory
// planner ran, empty before (see Planner.MemoryInfo).
type Visualizer func(passName, snapshot string)

type step struct {
	pass     Pass
	snapshot bool
}

// Pipeline is the ordered list of passes for one compilation.
type Pipeline struct {
	steps        []step
	vis          Visualizer
	snapshotting bool
}

// NewPipeline returns an empty pipeline reporting snapshots to vis (which
// may be nil).
func NewPipeline(vis Visualizer) *Pipeline {
	return &Pipeline{vis: vis}
}

// SetSnapshotting toggles whether passes added from now on trigger the
// visualization hook after they run.
func (p *Pipeline) SetSnapshotting(enabled bool) {
	p.snapshotting = enabled
}

// Add appends a pass; it inherits the current snapshotting setting.
func (p *Pipeline) Add(pass Pass) {
	p.steps = append(p.steps, step{pass: pass, snapshot: p.snapshotting})
}

// Run applies the passes in insertion order, stopping at the first failure.
// The returned error carries status.Compile and names the failing pass.
func (p *Pipeline) Run(sg *ir.Subgraph) error {
	for _, s := range p.steps {
		start := time.Now()
		if err := s.pass.Apply(sg); err != nil {
			return status.Wrapf(status.Compile, err, "pass %q on subgraph %q", s.pass.Name(), sg.Name)
		}
		if klog.V(2).Enabled() {
			klog.Infof("pass %q on %q: %d ops after, took %s", s.pass.Name(), sg.Name, len(sg.Ops()), time.Since(start))
		}
		if s.snapshot && p.vis != nil {
			p.vis(s.pass.Name(), sg.Dump())
		}
	}
	return nil
}
