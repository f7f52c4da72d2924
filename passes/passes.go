package passes

import (
	"slices"

	"github.com/graphvm/graphvm/backends"
	"github.com/graphvm/graphvm/ir"
	"github.com/graphvm/graphvm/memplan"
	"github.com/graphvm/graphvm/status"
	"github.com/graphvm/graphvm/types/shapes"
)

// Lower expands composite operators into primitives. Currently: Dense
// becomes MatMul + Add(bias) (+ReLU when an activation was attached).
func Lower() Pass {
	return Func("lower", func(sg *ir.Subgraph) error {
		for {
			dense := findFirst(sg, ir.OpDense)
			if dense == nil {
				return nil
			}
			if len(dense.Inputs) != 3 {
				return status.Errorf(status.Compile, "Dense op with %d inputs, want 3", len(dense.Inputs))
			}
			x, w, bias := dense.Inputs[0], dense.Inputs[1], dense.Inputs[2]
			idx := slices.Index(sg.Ops(), dense)

			matmul := sg.InsertOpAt(idx, ir.OpMatMul, x, w)
			add := sg.InsertOpAt(idx+1, ir.OpAdd, matmul.Output, bias)
			last := add
			if dense.Attrs.HasActivation {
				if dense.Attrs.Activation != ir.PostReLU {
					return status.Errorf(status.Compile, "unsupported Dense activation %s", dense.Attrs.Activation)
				}
				last = sg.InsertOpAt(idx+2, ir.OpReLU, add.Output)
			}
			sg.RebindOutput(last, dense.Output)
			sg.DropOp(dense)
		}
	})
}

// FusePostOps folds a trailing eltwise op into its producer when the
// producer supports post-ops, the eltwise is the intermediate value's only
// consumer, and the intermediate is not an external output.
func FusePostOps() Pass {
	return Func("fuse-post-ops", func(sg *ir.Subgraph) error {
		snapshot := slices.Clone(sg.Ops())
		for _, op := range snapshot {
			if op.Output == nil {
				continue // fused away earlier in this pass
			}
			if op.Kind != ir.OpMatMul && op.Kind != ir.OpAdd {
				continue
			}
			out := op.Output
			if len(out.Consumers()) != 1 || out.IsExternalOutput() {
				continue
			}
			consumer := out.Consumers()[0]
			if consumer.Kind != ir.OpReLU {
				continue
			}
			sg.FusePostOp(op, consumer, ir.PostOp{Kind: ir.PostReLU})
		}
		return nil
	})
}

// InferShapes propagates concrete shapes forward through the op list.
// An op whose output shape cannot be resolved is a fatal compile error.
func InferShapes() Pass {
	return Func("infer-shapes", func(sg *ir.Subgraph) error {
		for _, op := range sg.Ops() {
			inferred, err := outputShape(op)
			if err != nil {
				return err
			}
			if op.Output.Shape.Ok() && !op.Output.Shape.Equal(inferred) {
				return status.Errorf(status.Compile,
					"op %s output shape %s conflicts with inferred %s", op.Kind, op.Output.Shape, inferred)
			}
			op.Output.Shape = inferred
		}
		return nil
	})
}

func outputShape(op *ir.Op) (shapes.Shape, error) {
	for i, in := range op.Inputs {
		if !in.Shape.Ok() {
			return shapes.Invalid(), status.Errorf(status.Compile,
				"op %s input %d has an unresolved shape", op.Kind, i)
		}
	}
	switch op.Kind {
	case ir.OpConstant:
		return op.Attrs.Literal.Shape.Clone(), nil
	case ir.OpMatMul:
		a, b := op.Inputs[0].Shape, op.Inputs[1].Shape
		if a.Rank() != 2 || b.Rank() != 2 {
			return shapes.Invalid(), status.Errorf(status.Compile, "MatMul needs rank-2 operands, got %s x %s", a, b)
		}
		if a.DType != b.DType {
			return shapes.Invalid(), status.Errorf(status.Compile, "MatMul dtype mismatch: %s x %s", a, b)
		}
		if a.Dim(1) != b.Dim(0) {
			return shapes.Invalid(), status.Errorf(status.Compile, "MatMul contraction mismatch: %s x %s", a, b)
		}
		return shapes.Make(a.DType, a.Dim(0), b.Dim(1)), nil
	case ir.OpAdd:
		a, b := op.Inputs[0].Shape, op.Inputs[1].Shape
		if a.Equal(b) {
			return a.Clone(), nil
		}
		// Bias broadcast: rank-1 rhs over the last axis.
		if b.Rank() == 1 && a.Rank() >= 1 && b.Dim(0) == a.Dim(-1) && a.DType == b.DType {
			return a.Clone(), nil
		}
		return shapes.Invalid(), status.Errorf(status.Compile, "Add operands not broadcastable: %s + %s", a, b)
	case ir.OpMul:
		a, b := op.Inputs[0].Shape, op.Inputs[1].Shape
		if !a.Equal(b) {
			return shapes.Invalid(), status.Errorf(status.Compile, "Mul needs same-shaped operands, got %s * %s", a, b)
		}
		return a.Clone(), nil
	case ir.OpReLU, ir.OpReorder:
		return op.Inputs[0].Shape.Clone(), nil
	default:
		return shapes.Invalid(), status.Errorf(status.Compile, "composite op %s reached shape inference unlowered", op.Kind)
	}
}

// PropagateConstants marks ops whose inputs are all constant (and constant
// external inputs' downstream ops) as constant-only, so their results move
// to the persistent pool and are computed at most once per cache key. Ops
// writing external outputs are never marked: their result must materialize
// on every call. The pipeline schedules this pass twice, before and after
// layout propagation, because layout propagation may insert reorders of
// constant data.
func PropagateConstants() Pass {
	return Func("propagate-constants", func(sg *ir.Subgraph) error {
		for _, op := range sg.Ops() {
			if op.Kind == ir.OpConstant {
				op.Output.IsConstant = true
				continue
			}
			if op.Output.IsExternalOutput() {
				continue
			}
			allConst := len(op.Inputs) > 0
			for _, in := range op.Inputs {
				if !in.IsConstant {
					allConst = false
					break
				}
			}
			if allConst {
				op.IsConstant = true
				op.Output.IsConstant = true
			}
		}
		return nil
	})
}

// PropagateLayouts assigns a concrete layout to every value and reconciles
// producer/consumer disagreements by inserting Reorder ops. External values
// are always row-major (the caller-facing contract); a MatMul with a
// constant right-hand side gets it repacked, which the second
// constant-propagation run then folds into the persistent pool.
func PropagateLayouts() Pass {
	return Func("propagate-layouts", func(sg *ir.Subgraph) error {
		for _, v := range sg.Values() {
			if v.IsExternalInput() || v.IsExternalOutput() {
				v.Layout = shapes.LayoutRowMajor
				continue
			}
			if !v.Layout.IsConcrete() {
				if v.RequestedLayout.IsConcrete() {
					v.Layout = v.RequestedLayout
				} else {
					v.Layout = shapes.LayoutRowMajor
				}
			}
		}
		snapshot := slices.Clone(sg.Ops())
		for _, op := range snapshot {
			if op.Kind != ir.OpMatMul {
				continue
			}
			rhs := op.Inputs[1]
			if rhs.IsConstant && rhs.Layout == shapes.LayoutRowMajor {
				sg.InsertReorder(rhs, op, shapes.LayoutPacked)
			}
		}
		return nil
	})
}

// PlanMemory wraps the memory planner as a pipeline pass.
func PlanMemory(planner *memplan.Planner) Pass {
	return Func("plan-memory", planner.Run)
}

// InstantiateKernels is the pipeline's final pass: it asks the engine to
// compile every op into an executable kernel, in topological order, and
// appends them to dst (parallel to the planner's per-kernel args).
func InstantiateKernels(engine backends.Engine, dst *[]backends.Kernel) Pass {
	return Func("instantiate-kernels", func(sg *ir.Subgraph) error {
		for _, op := range sg.Ops() {
			kernel, err := engine.CompileOp(op)
			if err != nil {
				return status.Wrapf(status.Compile, err, "compiling op %s", op.Kind)
			}
			*dst = append(*dst, kernel)
		}
		return nil
	})
}

func findFirst(sg *ir.Subgraph, kind ir.OpKind) *ir.Op {
	for _, op := range sg.Ops() {
		if op.Kind == kind {
			return op
		}
	}
	return nil
}
