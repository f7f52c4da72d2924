package goeng

import (
	"github.com/gomlx/gopjrt/dtypes"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/graphvm/graphvm/backends"
	"github.com/graphvm/graphvm/ir"
	"github.com/graphvm/graphvm/status"
	"github.com/graphvm/graphvm/types/shapes"
)

// kernel is one compiled op: a closure over the compile-time facts (shapes,
// layouts, literals, fused post-ops), executed against rebindable args.
type kernel struct {
	kind     ir.OpKind
	constant bool
	run      func(args backends.Args) error
}

var _ backends.Kernel = (*kernel)(nil)

func (k *kernel) IsConstant() bool { return k.constant }

// Execute implements backends.Kernel: the kernel runs on the calling
// goroutine, after deps-free inline dispatch on the stream.
func (k *kernel) Execute(str backends.Stream, args backends.Args) error {
	s, ok := str.(*stream)
	if !ok {
		return status.Errorf(status.InvalidArgument, "kernel %s given a stream from another engine", k.kind)
	}
	return s.runInline(nil, func() error { return k.run(args) })
}

// ExecuteAsync implements backends.Kernel. On a synchronous stream it
// degenerates to inline execution with an already-completed event.
func (k *kernel) ExecuteAsync(str backends.Stream, args backends.Args, deps []backends.Event) (backends.Event, error) {
	s, ok := str.(*stream)
	if !ok {
		return nil, status.Errorf(status.InvalidArgument, "kernel %s given a stream from another engine", k.kind)
	}
	if !s.kind.IsAsync() {
		return backends.ReadyEvent(s.runInline(deps, func() error { return k.run(args) })), nil
	}
	return s.submit(deps, func() error { return k.run(args) }), nil
}

// CompileOp implements backends.Engine. It is called after shape inference,
// layout propagation and memory planning, so every shape and layout involved
// is concrete.
func (e *Engine) CompileOp(op *ir.Op) (backends.Kernel, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if op.Output == nil || !op.Output.Shape.Ok() {
		return nil, status.Errorf(status.Compile, "op %s reached the engine with an unresolved output shape", op.Kind)
	}
	if err := checkPostOps(op); err != nil {
		return nil, err
	}

	var run func(args backends.Args) error
	var err error
	switch op.Kind {
	case ir.OpConstant:
		run, err = compileConstant(op)
	case ir.OpMatMul:
		run, err = compileMatMul(op)
	case ir.OpAdd:
		run, err = compileAdd(op)
	case ir.OpMul:
		run, err = compileMul(op)
	case ir.OpReLU:
		run, err = compileEltwiseReLU(op)
	case ir.OpReorder:
		run, err = compileReorder(op)
	default:
		err = status.Errorf(status.Compile, "op %s has no kernel in engine %q", op.Kind, EngineName)
	}
	if err != nil {
		return nil, err
	}
	return &kernel{kind: op.Kind, constant: op.IsConstant, run: run}, nil
}

func checkPostOps(op *ir.Op) error {
	for _, po := range op.Attrs.PostOps {
		if po.Kind != ir.PostReLU {
			return status.Errorf(status.Compile, "op %s: unsupported post-op %s", op.Kind, po.Kind)
		}
	}
	return nil
}

// operand returns the bytes bound to one operand slot, checked for presence
// and size. Binding errors are caller mistakes, not device failures.
func operand(args backends.Args, a backends.Arg, size int64) ([]byte, error) {
	m := args[a]
	if m == nil || !m.Bound() {
		return nil, status.Errorf(status.InvalidArgument, "operand %d is not bound", a)
	}
	b := m.Data()
	if int64(len(b)) < size {
		return nil, status.Errorf(status.InvalidArgument, "operand %d bound to %d bytes, kernel needs %d", a, len(b), size)
	}
	return b[:size], nil
}

func compileConstant(op *ir.Op) (func(backends.Args) error, error) {
	lit := op.Attrs.Literal
	if lit == nil {
		return nil, status.Errorf(status.Compile, "Constant op without a literal")
	}
	data := lit.Data
	return func(args backends.Args) error {
		dst, err := operand(args, backends.ArgDst, int64(len(data)))
		if err != nil {
			return err
		}
		copy(dst, data)
		return nil
	}, nil
}

func compileMatMul(op *ir.Op) (func(backends.Args) error, error) {
	a, b, out := op.Inputs[0].Shape, op.Inputs[1].Shape, op.Output.Shape
	m, k, n := a.Dim(0), a.Dim(1), b.Dim(1)
	packed := op.Inputs[1].Layout == shapes.LayoutPacked
	postOps := op.Attrs.PostOps
	dt := out.DType

	switch dt {
	case dtypes.Float32, dtypes.Float64:
	default:
		return nil, status.Errorf(status.Compile, "MatMul not implemented for dtype %s", dt)
	}

	return func(args backends.Args) error {
		src0, err := operand(args, backends.ArgSrc(0), a.Memory())
		if err != nil {
			return err
		}
		src1, err := operand(args, backends.ArgSrc(1), b.Memory())
		if err != nil {
			return err
		}
		dst, err := operand(args, backends.ArgDst, out.Memory())
		if err != nil {
			return err
		}
		// A packed right-hand side is stored column-major, which is the
		// transpose of the same buffer read row-major.
		tB := blas.NoTrans
		if packed {
			tB = blas.Trans
		}
		switch dt {
		case dtypes.Float32:
			bMat := blas32.General{Rows: k, Cols: n, Stride: n, Data: view[float32](src1, k*n)}
			if packed {
				bMat = blas32.General{Rows: n, Cols: k, Stride: k, Data: bMat.Data}
			}
			blas32.Gemm(blas.NoTrans, tB, 1,
				blas32.General{Rows: m, Cols: k, Stride: k, Data: view[float32](src0, m*k)},
				bMat, 0,
				blas32.General{Rows: m, Cols: n, Stride: n, Data: view[float32](dst, m*n)})
		case dtypes.Float64:
			bMat := blas64.General{Rows: k, Cols: n, Stride: n, Data: view[float64](src1, k*n)}
			if packed {
				bMat = blas64.General{Rows: n, Cols: k, Stride: k, Data: bMat.Data}
			}
			blas64.Gemm(blas.NoTrans, tB, 1,
				blas64.General{Rows: m, Cols: k, Stride: k, Data: view[float64](src0, m*k)},
				bMat, 0,
				blas64.General{Rows: m, Cols: n, Stride: n, Data: view[float64](dst, m*n)})
		}
		return applyPostOps(dt, dst, m*n, postOps)
	}, nil
}

func compileAdd(op *ir.Op) (func(backends.Args) error, error) {
	a, b, out := op.Inputs[0].Shape, op.Inputs[1].Shape, op.Output.Shape
	bias := !a.Equal(b)
	n := out.Size()
	yN := b.Size()
	postOps := op.Attrs.PostOps
	dt := out.DType

	return func(args backends.Args) error {
		src0, src1, dst, err := binaryOperands(args, a.Memory(), b.Memory(), out.Memory())
		if err != nil {
			return err
		}
		switch dt {
		case dtypes.Float32:
			addTyped(view[float32](dst, n), view[float32](src0, n), view[float32](src1, yN), bias)
		case dtypes.Float64:
			addTyped(view[float64](dst, n), view[float64](src0, n), view[float64](src1, yN), bias)
		case dtypes.Int32:
			addTyped(view[int32](dst, n), view[int32](src0, n), view[int32](src1, yN), bias)
		case dtypes.Int64:
			addTyped(view[int64](dst, n), view[int64](src0, n), view[int64](src1, yN), bias)
		case dtypes.Float16:
			addF16(view[uint16](dst, n), view[uint16](src0, n), view[uint16](src1, yN), bias)
		default:
			return status.Errorf(status.Compile, "Add not implemented for dtype %s", dt)
		}
		return applyPostOps(dt, dst, n, postOps)
	}, nil
}

func compileMul(op *ir.Op) (func(backends.Args) error, error) {
	out := op.Output.Shape
	n := out.Size()
	postOps := op.Attrs.PostOps
	dt := out.DType

	return func(args backends.Args) error {
		src0, src1, dst, err := binaryOperands(args, out.Memory(), out.Memory(), out.Memory())
		if err != nil {
			return err
		}
		switch dt {
		case dtypes.Float32:
			mulTyped(view[float32](dst, n), view[float32](src0, n), view[float32](src1, n))
		case dtypes.Float64:
			mulTyped(view[float64](dst, n), view[float64](src0, n), view[float64](src1, n))
		case dtypes.Int32:
			mulTyped(view[int32](dst, n), view[int32](src0, n), view[int32](src1, n))
		case dtypes.Int64:
			mulTyped(view[int64](dst, n), view[int64](src0, n), view[int64](src1, n))
		case dtypes.Float16:
			mulF16(view[uint16](dst, n), view[uint16](src0, n), view[uint16](src1, n))
		default:
			return status.Errorf(status.Compile, "Mul not implemented for dtype %s", dt)
		}
		return applyPostOps(dt, dst, n, postOps)
	}, nil
}

func compileEltwiseReLU(op *ir.Op) (func(backends.Args) error, error) {
	out := op.Output.Shape
	n := out.Size()
	dt := out.DType

	return func(args backends.Args) error {
		src, err := operand(args, backends.ArgSrc(0), out.Memory())
		if err != nil {
			return err
		}
		dst, err := operand(args, backends.ArgDst, out.Memory())
		if err != nil {
			return err
		}
		return reluBytes(dt, dst, src, n)
	}, nil
}

func compileReorder(op *ir.Op) (func(backends.Args) error, error) {
	in, out := op.Inputs[0], op.Output
	srcLayout, dstLayout := in.Layout, out.Layout
	shape := out.Shape
	elemSize := shape.DType.Size()

	if srcLayout == dstLayout || shape.Rank() != 2 {
		size := shape.Memory()
		return func(args backends.Args) error {
			src, err := operand(args, backends.ArgSrc(0), size)
			if err != nil {
				return err
			}
			dst, err := operand(args, backends.ArgDst, size)
			if err != nil {
				return err
			}
			copy(dst, src)
			return nil
		}, nil
	}

	rows, cols := shape.Dim(0), shape.Dim(1)
	toPacked := dstLayout == shapes.LayoutPacked
	size := shape.Memory()
	return func(args backends.Args) error {
		src, err := operand(args, backends.ArgSrc(0), size)
		if err != nil {
			return err
		}
		dst, err := operand(args, backends.ArgDst, size)
		if err != nil {
			return err
		}
		transpose2D(dst, src, rows, cols, elemSize, toPacked)
		return nil
	}, nil
}

// transpose2D copies a rows x cols matrix between row-major and column-major
// storage, elementwise by elemSize bytes.
func transpose2D(dst, src []byte, rows, cols, elemSize int, toPacked bool) {
	for i := range rows {
		for j := range cols {
			rm := (i*cols + j) * elemSize
			cm := (j*rows + i) * elemSize
			if toPacked {
				copy(dst[cm:cm+elemSize], src[rm:rm+elemSize])
			} else {
				copy(dst[rm:rm+elemSize], src[cm:cm+elemSize])
			}
		}
	}
}

func binaryOperands(args backends.Args, size0, size1, sizeDst int64) (src0, src1, dst []byte, err error) {
	if src0, err = operand(args, backends.ArgSrc(0), size0); err != nil {
		return
	}
	if src1, err = operand(args, backends.ArgSrc(1), size1); err != nil {
		return
	}
	dst, err = operand(args, backends.ArgDst, sizeDst)
	return
}

// applyPostOps runs the fused trailing eltwise ops in place on dst.
func applyPostOps(dt dtypes.DType, dst []byte, n int, postOps []ir.PostOp) error {
	for _, po := range postOps {
		switch po.Kind {
		case ir.PostReLU:
			if err := reluBytes(dt, dst, dst, n); err != nil {
				return err
			}
		default:
			return status.Errorf(status.Compile, "unsupported post-op %s", po.Kind)
		}
	}
	return nil
}

func reluBytes(dt dtypes.DType, dst, src []byte, n int) error {
	switch dt {
	case dtypes.Float32:
		reluTyped(view[float32](dst, n), view[float32](src, n))
	case dtypes.Float64:
		reluTyped(view[float64](dst, n), view[float64](src, n))
	case dtypes.Int32:
		reluTyped(view[int32](dst, n), view[int32](src, n))
	case dtypes.Int64:
		reluTyped(view[int64](dst, n), view[int64](src, n))
	case dtypes.Float16:
		reluF16(view[uint16](dst, n), view[uint16](src, n))
	default:
		return status.Errorf(status.Compile, "ReLU not implemented for dtype %s", dt)
	}
	return nil
}
