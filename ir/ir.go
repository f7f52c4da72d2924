// Package ir holds the mutable operator subgraph the pass pipeline rewrites
// during compilation.
//
// A Subgraph is a DAG of operator nodes (Op) and value nodes (Value, one
// logical tensor each). Ops are only created once all their inputs exist, so
// the op list is always in a valid topological order -- the planner and the
// runtime rely on this invariant. Every value has exactly one producer (or
// is an external input) and zero or more consumers.
//
// The subgraph is owned exclusively by one compile call: it is mutated in
// place by the passes and frozen when compilation finishes. Construction API
// misuse (wrong builder, frozen graph, shape mismatches detectable at build
// time) panics, as these are programming errors of the caller; conditions
// that depend on the data being compiled surface as errors from the passes.
package ir

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/graphvm/graphvm/types/shapes"
)

// OpKind enumerates the primitive and composite operators the pipeline
// understands. Composite kinds (Dense) are expanded by the lowering pass and
// never reach kernel instantiation.
type OpKind int

const (
	OpInvalid OpKind = iota

	// OpConstant materializes a literal into its output value.
	OpConstant

	// OpMatMul is a 2D matrix multiplication.
	OpMatMul

	// OpAdd is elementwise addition; a rank-1 right-hand side broadcasts
	// over the last axis (bias addition).
	OpAdd

	// OpMul is elementwise multiplication of same-shaped operands.
	OpMul

	// OpReLU is the elementwise max(x, 0).
	OpReLU

	// OpReorder copies its input into the layout assigned to its output.
	OpReorder

	// OpDense is the composite MatMul+bias(+activation); lowering expands it.
	OpDense
)

// String implements fmt.Stringer.
func (k OpKind) String() string {
	switch k {
	case OpConstant:
		return "Constant"
	case OpMatMul:
		return "MatMul"
	case OpAdd:
		return "Add"
	case OpMul:
		return "Mul"
	case OpReLU:
		return "ReLU"
	case OpReorder:
		return "Reorder"
	case OpDense:
		return "Dense"
	default:
		return "Invalid"
	}
}

// PostOpKind enumerates eltwise operations fusable into a producer.
type PostOpKind int

const (
	// PostReLU applies ReLU to the producer's result before it is stored.
	PostReLU PostOpKind = iota
)

// String implements fmt.Stringer.
func (k PostOpKind) String() string {
	if k == PostReLU {
		return "ReLU"
	}
	return "Invalid"
}

// PostOp is one fused trailing eltwise operation.
type PostOp struct {
	Kind PostOpKind
}

// Attrs carries the per-op attributes the kernels compile against.
type Attrs struct {
	// Literal is set for OpConstant only.
	Literal *Literal

	// PostOps are trailing fused eltwise operations, applied in order.
	PostOps []PostOp

	// Activation marks the composite Dense activation; consumed by lowering.
	Activation    PostOpKind
	HasActivation bool
}

// Literal is immutable host-side tensor data owned by a Constant op.
type Literal struct {
	Shape shapes.Shape
	Data  []byte
}

// LiteralFromFlat builds a Literal from a flat Go slice. The slice length
// must match the shape size and the element type must match the shape dtype.
func LiteralFromFlat[T float32 | float64 | int32 | int64](shape shapes.Shape, flat []T) *Literal {
	if len(flat) != shape.Size() {
		exceptions.Panicf("LiteralFromFlat: %d elements given for shape %s", len(flat), shape)
	}
	if dtypes.FromGoType(reflect.TypeOf(flat).Elem()) != shape.DType {
		exceptions.Panicf("LiteralFromFlat: flat type %T does not match shape %s", flat, shape)
	}
	data := make([]byte, shape.Memory())
	copyFlatToBytes(data, flat)
	return &Literal{Shape: shape, Data: data}
}

// Value is one logical tensor: an edge of the subgraph DAG.
type Value struct {
	id int
	sg *Subgraph

	// Shape is mutated in place by shape inference; Invalid until then for
	// op outputs created without an explicit shape.
	Shape shapes.Shape

	// Layout is assigned by layout propagation; RequestedLayout is the hint
	// consumers may set before that.
	Layout          shapes.Layout
	RequestedLayout shapes.Layout

	// IsConstant marks values whose content is fixed across executions:
	// external inputs flagged constant at construction, and outputs of ops
	// the constant-propagation pass marked constant.
	IsConstant bool

	producer  *Op // nil for external inputs
	consumers []*Op

	// inputIdx/outputIdx are the external binding indices, or -1.
	inputIdx, outputIdx int
}

// ID is the value's dense index within its subgraph.
func (v *Value) ID() int { return v.id }

// Producer returns the op producing this value, or nil for external inputs.
func (v *Value) Producer() *Op { return v.producer }

// Consumers returns the ops reading this value.
func (v *Value) Consumers() []*Op { return v.consumers }

// IsExternalInput reports whether the value is a subgraph input.
func (v *Value) IsExternalInput() bool { return v.inputIdx >= 0 }

// InputIndex returns the external input index, or -1.
func (v *Value) InputIndex() int { return v.inputIdx }

// IsExternalOutput reports whether the value is a subgraph output.
func (v *Value) IsExternalOutput() bool { return v.outputIdx >= 0 }

// OutputIndex returns the external output index, or -1.
func (v *Value) OutputIndex() int { return v.outputIdx }

// Op is one operator node.
type Op struct {
	id   int
	sg   *Subgraph
	Kind OpKind

	Inputs []*Value
	Output *Value

	Attrs Attrs

	// IsConstant is set by constant propagation: the op depends only on
	// constant data, so its result can be computed once and kept in the
	// persistent pool.
	IsConstant bool
}

// ID is the op's dense index; ids follow creation order but are not
// guaranteed contiguous after rewrites -- use Subgraph.Ops for topological
// iteration.
func (op *Op) ID() int { return op.id }

// Subgraph is the compile unit. See the package documentation.
type Subgraph struct {
	Name string

	ops     []*Op
	values  []*Value
	inputs  []*Value
	outputs []*Value

	frozen      bool
	nextOpID    int
	nextValueID int
}

// NewSubgraph returns an empty subgraph.
func NewSubgraph(name string) *Subgraph {
	return &Subgraph{Name: name}
}

// InputOption configures Subgraph.Input.
type InputOption func(*Value)

// AsConstant marks an external input as constant across executions (weights
// and similar). Its runtime content becomes part of the constant-cache key.
func AsConstant() InputOption {
	return func(v *Value) { v.IsConstant = true }
}

// Input declares an external input value with the given (concrete) shape.
func (sg *Subgraph) Input(shape shapes.Shape, opts ...InputOption) *Value {
	sg.checkMutable("Input")
	if !shape.Ok() {
		exceptions.Panicf("Subgraph %q: Input requires a valid shape", sg.Name)
	}
	v := sg.newValue(shape)
	for _, opt := range opts {
		opt(v)
	}
	v.inputIdx = len(sg.inputs)
	sg.inputs = append(sg.inputs, v)
	return v
}

// Constant declares a Constant op holding the given literal and returns its
// output value.
func (sg *Subgraph) Constant(lit *Literal) *Value {
	sg.checkMutable("Constant")
	if lit == nil || !lit.Shape.Ok() {
		exceptions.Panicf("Subgraph %q: Constant requires a literal with a valid shape", sg.Name)
	}
	op := sg.newOp(OpConstant)
	op.Attrs.Literal = lit
	op.IsConstant = true
	out := sg.newValue(lit.Shape.Clone())
	out.IsConstant = true
	sg.bindOutput(op, out)
	sg.ops = append(sg.ops, op)
	return out
}

// AddOp appends an op of the given kind consuming inputs, returning its
// output value. The output shape is left invalid, to be resolved by shape
// inference. All inputs must belong to this subgraph.
func (sg *Subgraph) AddOp(kind OpKind, inputs ...*Value) *Value {
	sg.checkMutable(kind.String())
	if kind == OpConstant {
		exceptions.Panicf("Subgraph %q: use Constant to create constant ops", sg.Name)
	}
	for _, in := range inputs {
		if in == nil || in.sg != sg {
			exceptions.Panicf("Subgraph %q: op %s given a value from another subgraph", sg.Name, kind)
		}
	}
	op := sg.newOp(kind)
	op.Inputs = append(op.Inputs, inputs...)
	for _, in := range inputs {
		in.consumers = append(in.consumers, op)
	}
	out := sg.newValue(shapes.Invalid())
	sg.bindOutput(op, out)
	sg.ops = append(sg.ops, op)
	return out
}

// Dense is a convenience composite: x·w + bias with an optional fused
// activation, expanded by the lowering pass.
func (sg *Subgraph) Dense(x, w, bias *Value, activation ...PostOpKind) *Value {
	out := sg.AddOp(OpDense, x, w, bias)
	if len(activation) > 0 {
		op := out.producer
		op.Attrs.Activation = activation[0]
		op.Attrs.HasActivation = true
	}
	return out
}

// SetOutputs declares the subgraph's external outputs, in order.
func (sg *Subgraph) SetOutputs(vals ...*Value) {
	sg.checkMutable("SetOutputs")
	if len(sg.outputs) != 0 {
		exceptions.Panicf("Subgraph %q: outputs already set", sg.Name)
	}
	seen := make(map[*Value]bool, len(vals))
	for i, v := range vals {
		if v == nil || v.sg != sg {
			exceptions.Panicf("Subgraph %q: output %d belongs to another subgraph", sg.Name, i)
		}
		if seen[v] {
			exceptions.Panicf("Subgraph %q: repeated output %d", sg.Name, i)
		}
		seen[v] = true
		v.outputIdx = i
	}
	sg.outputs = append(sg.outputs, vals...)
}

// Ops returns the op list in topological order. Callers must not mutate it.
func (sg *Subgraph) Ops() []*Op { return sg.ops }

// Inputs returns the external input values in declaration order.
func (sg *Subgraph) Inputs() []*Value { return sg.inputs }

// Outputs returns the external output values in declaration order.
func (sg *Subgraph) Outputs() []*Value { return sg.outputs }

// Values returns all live values. Callers must not mutate it.
func (sg *Subgraph) Values() []*Value { return sg.values }

// Freeze marks the subgraph immutable; further structural mutation panics.
func (sg *Subgraph) Freeze() { sg.frozen = true }

// Frozen reports whether Freeze was called.
func (sg *Subgraph) Frozen() bool { return sg.frozen }

func (sg *Subgraph) checkMutable(what string) {
	if sg == nil {
		exceptions.Panicf("%s on a nil Subgraph", what)
	}
	if sg.frozen {
		exceptions.Panicf("Subgraph %q: %s after compilation finished", sg.Name, what)
	}
}

func (sg *Subgraph) newOp(kind OpKind) *Op {
	op := &Op{id: sg.nextOpID, sg: sg, Kind: kind}
	sg.nextOpID++
	return op
}

func (sg *Subgraph) newValue(shape shapes.Shape) *Value {
	v := &Value{id: sg.nextValueID, sg: sg, Shape: shape, inputIdx: -1, outputIdx: -1}
	sg.nextValueID++
	sg.values = append(sg.values, v)
	return v
}

func (sg *Subgraph) bindOutput(op *Op, out *Value) {
	op.Output = out
	out.producer = op
}
