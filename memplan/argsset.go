package memplan

import (
	"github.com/graphvm/graphvm/backends"
)

// ExternalBinding ties a memory handle to a caller-supplied input or output
// tensor, identified by its position in the Execute call.
type ExternalBinding struct {
	Mem   *backends.Mem
	Index int
}

// OffsetBinding ties a memory handle to an offset range within one of the
// two internal pools.
type OffsetBinding struct {
	Mem    *backends.Mem
	Offset int64
	Size   int64
}

// ExecArgsSet is the resolved table of kernel-operand bindings produced once
// at compile time. The planner builds the template; the runtime clones it
// per concurrent call (clones are recycled, see runtime), rebinding the
// handles to physical addresses before the kernels run.
//
// The same *backends.Mem appears both in a kernel's Args and in exactly one
// of the four binding category lists; Clone preserves that aliasing.
type ExecArgsSet struct {
	kernelArgs []backends.Args

	extInputs   []ExternalBinding
	extOutputs  []ExternalBinding
	temporaries []OffsetBinding
	persistents []OffsetBinding
}

// KernelArgs returns the args of the i-th kernel, parallel to the compiled
// kernel list.
func (s *ExecArgsSet) KernelArgs(i int) backends.Args { return s.kernelArgs[i] }

// NumKernels returns the number of kernel arg tables.
func (s *ExecArgsSet) NumKernels() int { return len(s.kernelArgs) }

// MemsUseExternalInputs lists handles bound to caller-supplied inputs.
func (s *ExecArgsSet) MemsUseExternalInputs() []ExternalBinding { return s.extInputs }

// MemsUseExternalOutputs lists handles bound to caller-supplied outputs.
func (s *ExecArgsSet) MemsUseExternalOutputs() []ExternalBinding { return s.extOutputs }

// MemsUseInternalTemporary lists handles bound into the temporary pool.
func (s *ExecArgsSet) MemsUseInternalTemporary() []OffsetBinding { return s.temporaries }

// MemsUseInternalPersistent lists handles bound into the persistent pool.
func (s *ExecArgsSet) MemsUseInternalPersistent() []OffsetBinding { return s.persistents }

// Clone returns an independent copy safe for exclusive use by one call.
// It is a shallow structural copy: the binding tables are copied and every
// Mem handle is duplicated (unbound), preserving aliasing between kernel
// args and the category lists. No device memory is allocated.
func (s *ExecArgsSet) Clone() *ExecArgsSet {
	remap := make(map[*backends.Mem]*backends.Mem)
	dup := func(m *backends.Mem) *backends.Mem {
		if d, ok := remap[m]; ok {
			return d
		}
		d := &backends.Mem{}
		remap[m] = d
		return d
	}

	clone := &ExecArgsSet{
		kernelArgs:  make([]backends.Args, len(s.kernelArgs)),
		extInputs:   make([]ExternalBinding, len(s.extInputs)),
		extOutputs:  make([]ExternalBinding, len(s.extOutputs)),
		temporaries: make([]OffsetBinding, len(s.temporaries)),
		persistents: make([]OffsetBinding, len(s.persistents)),
	}
	for i, args := range s.kernelArgs {
		cloned := make(backends.Args, len(args))
		for slot, mem := range args {
			cloned[slot] = dup(mem)
		}
		clone.kernelArgs[i] = cloned
	}
	for i, b := range s.extInputs {
		clone.extInputs[i] = ExternalBinding{Mem: dup(b.Mem), Index: b.Index}
	}
	for i, b := range s.extOutputs {
		clone.extOutputs[i] = ExternalBinding{Mem: dup(b.Mem), Index: b.Index}
	}
	for i, b := range s.temporaries {
		clone.temporaries[i] = OffsetBinding{Mem: dup(b.Mem), Offset: b.Offset, Size: b.Size}
	}
	for i, b := range s.persistents {
		clone.persistents[i] = OffsetBinding{Mem: dup(b.Mem), Offset: b.Offset, Size: b.Size}
	}
	return clone
}
