// Package memplan statically assigns every internal value of a finalized
// subgraph to a byte range in one of two pools:
//
//   - the temporary pool, scratch memory valid for one execute call, with
//     classic live-range reuse (two values with disjoint live ranges may get
//     the same offsets);
//   - the persistent pool, holding constant-folded results for the
//     artifact's whole lifetime, bump-allocated and never reused.
//
// External inputs and outputs are bound to caller-supplied tensors and take
// no pool space. The planner also builds the ExecArgsSet template that wires
// each kernel operand to its memory handle.
package memplan

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/graphvm/graphvm/backends"
	"github.com/graphvm/graphvm/ir"
	"github.com/graphvm/graphvm/status"
)

// Alignment of every pool allocation, in bytes. Matches the widest vector
// load the kernels use.
const Alignment = 64

// AllocClass is the allocation class of a value.
type AllocClass int

const (
	ClassExternalInput AllocClass = iota
	ClassExternalOutput
	ClassTemporary
	ClassPersistent
)

// String implements fmt.Stringer.
func (c AllocClass) String() string {
	switch c {
	case ClassExternalInput:
		return "external-input"
	case ClassExternalOutput:
		return "external-output"
	case ClassTemporary:
		return "temporary"
	case ClassPersistent:
		return "persistent"
	default:
		return "invalid"
	}
}

// Desc is the allocation descriptor of one value. Offset/Size are only
// meaningful for the two internal classes; Index for the external ones.
type Desc struct {
	Class  AllocClass
	Offset int64
	Size   int64
	Index  int

	// FirstUse/LastUse are op indices delimiting the live range; used by the
	// temporary allocator and exposed for the no-overlap tests.
	FirstUse, LastUse int
}

// Planner computes the memory plan. Zero value is not usable; call New.
type Planner struct {
	descs       map[*ir.Value]*Desc
	tempSize    int64
	persistSize int64
	argsSet     *ExecArgsSet
	layoutHash  uint64
	planned     bool
}

// New returns an empty planner. Run may be called once per compile.
func New() *Planner {
	return &Planner{descs: make(map[*ir.Value]*Desc)}
}

// Run executes liveness analysis and offset assignment over sg. All value
// shapes must be concrete by now; an unresolved shape is a fatal compile
// error. Run is deterministic: the same subgraph always yields the same
// offsets and pool sizes.
func (p *Planner) Run(sg *ir.Subgraph) error {
	if p.planned {
		return status.Errorf(status.Compile, "memory planner ran twice on subgraph %q", sg.Name)
	}

	opIndex := sg.OpIndex()
	if err := p.classify(sg, opIndex); err != nil {
		return err
	}
	p.allocateTemporaries(sg, opIndex)
	p.allocatePersistents(sg)
	p.buildArgsSet(sg)
	p.layoutHash = p.hashPersistentLayout(sg)
	p.planned = true

	if klog.V(1).Enabled() {
		klog.Infof("memory plan for %q: temporary pool %s, persistent pool %s, %d values",
			sg.Name, humanize.IBytes(uint64(p.tempSize)), humanize.IBytes(uint64(p.persistSize)), len(p.descs))
	}
	return nil
}

// classify assigns an allocation class and size to every value reachable
// from the op list.
func (p *Planner) classify(sg *ir.Subgraph, opIndex map[*ir.Op]int) error {
	for _, v := range sg.Values() {
		if !v.Shape.Ok() {
			return status.Errorf(status.Compile,
				"subgraph %q: value %%%d has an unresolved shape, cannot size its allocation", sg.Name, v.ID())
		}
		if !v.Layout.IsConcrete() {
			return status.Errorf(status.Compile,
				"subgraph %q: value %%%d has no assigned layout", sg.Name, v.ID())
		}
		desc := &Desc{Size: v.Shape.Memory(), Index: -1, FirstUse: -1, LastUse: -1}
		switch {
		case v.IsExternalInput():
			desc.Class = ClassExternalInput
			desc.Index = v.InputIndex()
		case v.IsExternalOutput():
			desc.Class = ClassExternalOutput
			desc.Index = v.OutputIndex()
		case v.Producer() != nil && v.Producer().IsConstant:
			desc.Class = ClassPersistent
		default:
			desc.Class = ClassTemporary
		}
		if prod := v.Producer(); prod != nil {
			desc.FirstUse = opIndex[prod]
			desc.LastUse = desc.FirstUse
		}
		for _, c := range v.Consumers() {
			if idx := opIndex[c]; idx > desc.LastUse {
				desc.LastUse = idx
			}
		}
		p.descs[v] = desc
	}
	return nil
}

// allocateTemporaries runs a first-fit free-list allocator over the op
// sequence: a temporary's range is claimed when its producer runs and
// returned right after its last consumer ran.
func (p *Planner) allocateTemporaries(sg *ir.Subgraph, opIndex map[*ir.Op]int) {
	free := newFreeList()
	// Temporaries that die at op i, grouped for release.
	dying := make(map[int][]*Desc)

	for _, op := range sg.Ops() {
		i := opIndex[op]
		out := op.Output
		desc := p.descs[out]
		if desc.Class == ClassTemporary {
			desc.Offset = free.acquire(alignUp(desc.Size, Alignment))
			dying[desc.LastUse] = append(dying[desc.LastUse], desc)
		}
		for _, d := range dying[i] {
			free.release(d.Offset, alignUp(d.Size, Alignment))
		}
		delete(dying, i)
	}
	p.tempSize = free.highWater()
}

// allocatePersistents bump-allocates constant-folded results; persistent
// offsets are permanent for the artifact's lifetime and never reused.
func (p *Planner) allocatePersistents(sg *ir.Subgraph) {
	var offset int64
	for _, op := range sg.Ops() {
		desc := p.descs[op.Output]
		if desc.Class != ClassPersistent {
			continue
		}
		desc.Offset = offset
		offset += alignUp(desc.Size, Alignment)
	}
	p.persistSize = offset
}

// buildArgsSet creates one memory handle per value and wires it into every
// kernel arg table that touches the value, plus the per-class binding list
// the runtime rebinds from.
func (p *Planner) buildArgsSet(sg *ir.Subgraph) {
	set := &ExecArgsSet{}
	mems := make(map[*ir.Value]*backends.Mem)
	memFor := func(v *ir.Value) *backends.Mem {
		if m, ok := mems[v]; ok {
			return m
		}
		m := &backends.Mem{}
		mems[v] = m
		desc := p.descs[v]
		switch desc.Class {
		case ClassExternalInput:
			set.extInputs = append(set.extInputs, ExternalBinding{Mem: m, Index: desc.Index})
		case ClassExternalOutput:
			set.extOutputs = append(set.extOutputs, ExternalBinding{Mem: m, Index: desc.Index})
		case ClassTemporary:
			set.temporaries = append(set.temporaries, OffsetBinding{Mem: m, Offset: desc.Offset, Size: desc.Size})
		case ClassPersistent:
			set.persistents = append(set.persistents, OffsetBinding{Mem: m, Offset: desc.Offset, Size: desc.Size})
		}
		return m
	}

	for _, op := range sg.Ops() {
		args := make(backends.Args, len(op.Inputs)+1)
		for i, in := range op.Inputs {
			args[backends.ArgSrc(i)] = memFor(in)
		}
		args[backends.ArgDst] = memFor(op.Output)
		set.kernelArgs = append(set.kernelArgs, args)
	}
	p.argsSet = set
}

// hashPersistentLayout digests the persistent pool's descriptor layout.
// Together with the artifact identity it keys the constant cache: the same
// graph compiled to a different persistent layout never aliases an entry.
func (p *Planner) hashPersistentLayout(sg *ir.Subgraph) uint64 {
	h := xxhash.New()
	var scratch [8]byte
	writeInt := func(x int64) {
		binary.LittleEndian.PutUint64(scratch[:], uint64(x))
		_, _ = h.Write(scratch[:])
	}
	for _, op := range sg.Ops() {
		v := op.Output
		desc := p.descs[v]
		if desc.Class != ClassPersistent {
			continue
		}
		writeInt(int64(v.Shape.DType))
		writeInt(int64(v.Layout))
		writeInt(desc.Offset)
		writeInt(desc.Size)
		for _, dim := range v.Shape.Dimensions {
			writeInt(int64(dim))
		}
	}
	return h.Sum64()
}

// TotalTemporarySize returns the scratch bytes one execute call needs.
func (p *Planner) TotalTemporarySize() int64 { return p.tempSize }

// TotalPersistentSize returns the bytes of the constant-folded pool.
func (p *Planner) TotalPersistentSize() int64 { return p.persistSize }

// ExecArgsSet returns the immutable binding template. Callers clone it.
func (p *Planner) ExecArgsSet() *ExecArgsSet { return p.argsSet }

// PersistentLayoutHash returns the digest of the persistent descriptors.
func (p *Planner) PersistentLayoutHash() uint64 { return p.layoutHash }

// TemporaryGrantor binds the temporary pool to one call's scratch buffer.
func (p *Planner) TemporaryGrantor(base []byte) Grantor { return Grantor{base: base} }

// PersistentGrantor binds the persistent pool to a constant buffer.
func (p *Planner) PersistentGrantor(base []byte) Grantor { return Grantor{base: base} }

// Describe returns the allocation descriptor of v, for introspection and the
// pipeline's visualization hook.
func (p *Planner) Describe(v *ir.Value) (Desc, bool) {
	d, ok := p.descs[v]
	if !ok {
		return Desc{}, false
	}
	return *d, true
}

// MemoryInfo formats Describe for the visualizer.
func (p *Planner) MemoryInfo(v *ir.Value) string {
	d, ok := p.descs[v]
	if !ok {
		return "unplanned"
	}
	switch d.Class {
	case ClassExternalInput, ClassExternalOutput:
		return fmt.Sprintf("%s[%d]", d.Class, d.Index)
	default:
		return fmt.Sprintf("%s@%d+%d", d.Class, d.Offset, d.Size)
	}
}
