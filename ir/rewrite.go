package ir

import (
	"slices"
	"unsafe"

	"github.com/gomlx/exceptions"

	"github.com/graphvm/graphvm/types/shapes"
)

// Rewrite helpers used by the pass pipeline. They keep the two structural
// invariants intact: ops stay topologically ordered, and every value keeps a
// consistent producer/consumers view.

// InsertOpAt splices a new op of the given kind at position idx of the op
// list, consuming inputs, and returns it. Its output value starts with an
// invalid shape (to be filled by shape inference). All inputs must already
// be produced by ops before idx, which the caller guarantees by inserting at
// the position of the op being replaced.
func (sg *Subgraph) InsertOpAt(idx int, kind OpKind, inputs ...*Value) *Op {
	sg.checkMutable("InsertOpAt")
	if idx < 0 || idx > len(sg.ops) {
		exceptions.Panicf("Subgraph %q: InsertOpAt(%d) out of range (%d ops)", sg.Name, idx, len(sg.ops))
	}
	op := sg.newOp(kind)
	op.Inputs = append(op.Inputs, inputs...)
	for _, in := range inputs {
		in.consumers = append(in.consumers, op)
	}
	sg.bindOutput(op, sg.newValue(shapes.Invalid()))
	sg.ops = slices.Insert(sg.ops, idx, op)
	return op
}

// RebindOutput makes out the output of op, discarding op's current output
// value. Used when an expansion's last op must keep producing the value the
// replaced op produced (preserving external output bindings and consumers).
func (sg *Subgraph) RebindOutput(op *Op, out *Value) {
	sg.checkMutable("RebindOutput")
	old := op.Output
	if old == out {
		return
	}
	if len(old.consumers) > 0 || old.IsExternalOutput() {
		exceptions.Panicf("Subgraph %q: RebindOutput would orphan a used value", sg.Name)
	}
	sg.removeValue(old)
	sg.bindOutput(op, out)
}

// DropOp removes op from the subgraph, detaching it from its inputs'
// consumer lists. Its output value is removed too, unless another op took it
// over via RebindOutput. The output must be unused.
func (sg *Subgraph) DropOp(op *Op) {
	sg.checkMutable("DropOp")
	if op.Output != nil && op.Output.producer == op {
		if len(op.Output.consumers) > 0 || op.Output.IsExternalOutput() {
			exceptions.Panicf("Subgraph %q: DropOp(%s) with a used output", sg.Name, op.Kind)
		}
		sg.removeValue(op.Output)
	}
	for _, in := range op.Inputs {
		in.consumers = removeConsumer(in.consumers, op)
	}
	op.Inputs = nil
	op.Output = nil
	idx := slices.Index(sg.ops, op)
	if idx < 0 {
		exceptions.Panicf("Subgraph %q: DropOp on an op not in the subgraph", sg.Name)
	}
	sg.ops = slices.Delete(sg.ops, idx, idx+1)
}

// FusePostOp folds eltwise into producer as a trailing post-op. The eltwise
// op must be the sole consumer of producer's output, and that intermediate
// value must not be an external output. After the call, producer writes
// directly into the value eltwise used to produce.
func (sg *Subgraph) FusePostOp(producer, eltwise *Op, post PostOp) {
	sg.checkMutable("FusePostOp")
	mid := producer.Output
	if len(eltwise.Inputs) != 1 || eltwise.Inputs[0] != mid {
		exceptions.Panicf("Subgraph %q: FusePostOp: %s does not consume %s's output", sg.Name, eltwise.Kind, producer.Kind)
	}
	if len(mid.consumers) != 1 || mid.IsExternalOutput() {
		exceptions.Panicf("Subgraph %q: FusePostOp: intermediate value is still in use", sg.Name)
	}
	producer.Attrs.PostOps = append(producer.Attrs.PostOps, post)

	out := eltwise.Output
	eltwise.Output = nil // keeps DropOp from removing the value we are stealing
	sg.bindOutput(producer, out)
	sg.removeValue(mid)
	mid.consumers = nil

	idx := slices.Index(sg.ops, eltwise)
	sg.ops = slices.Delete(sg.ops, idx, idx+1)
	eltwise.Inputs = nil
}

// InsertReorder places a Reorder op converting in to the given layout right
// before consumer, rewiring consumer to read the reordered value. The
// reordered value inherits shape and constness from in, so a reorder of
// constant data is itself constant-foldable.
func (sg *Subgraph) InsertReorder(in *Value, consumer *Op, layout shapes.Layout) *Value {
	sg.checkMutable("InsertReorder")
	at := slices.Index(sg.ops, consumer)
	if at < 0 {
		exceptions.Panicf("Subgraph %q: InsertReorder: consumer not in the subgraph", sg.Name)
	}
	argIdx := slices.Index(consumer.Inputs, in)
	if argIdx < 0 {
		exceptions.Panicf("Subgraph %q: InsertReorder: consumer does not read the value", sg.Name)
	}

	reorder := sg.newOp(OpReorder)
	reorder.Inputs = []*Value{in}
	out := sg.newValue(in.Shape.Clone())
	out.Layout = layout
	out.IsConstant = in.IsConstant
	sg.bindOutput(reorder, out)

	in.consumers = removeConsumer(in.consumers, consumer)
	in.consumers = append(in.consumers, reorder)
	consumer.Inputs[argIdx] = out
	out.consumers = []*Op{consumer}

	sg.ops = slices.Insert(sg.ops, at, reorder)
	return out
}

// OpIndex returns the map from op to its topological position. It is
// recomputed on each call; passes cache it per run.
func (sg *Subgraph) OpIndex() map[*Op]int {
	idx := make(map[*Op]int, len(sg.ops))
	for i, op := range sg.ops {
		idx[op] = i
	}
	return idx
}

func (sg *Subgraph) removeValue(v *Value) {
	i := slices.Index(sg.values, v)
	if i >= 0 {
		sg.values = slices.Delete(sg.values, i, i+1)
	}
	v.producer = nil
}

func removeConsumer(consumers []*Op, op *Op) []*Op {
	i := slices.Index(consumers, op)
	if i < 0 {
		return consumers
	}
	return slices.Delete(consumers, i, i+1)
}

// copyFlatToBytes copies a flat slice of fixed-size elements into dst.
func copyFlatToBytes[T float32 | float64 | int32 | int64](dst []byte, flat []T) {
	var t T
	src := unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*int(unsafe.Sizeof(t)))
	copy(dst, src)
}
