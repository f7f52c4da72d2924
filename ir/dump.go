package ir

import (
	"fmt"
	"strings"
)

// Dump serializes the subgraph's current shape/layout/constness state for
// the pipeline's visualization hook. It is purely observational: the output
// feeds logs and test assertions, never the compilation itself.
func (sg *Subgraph) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "subgraph %q: %d ops, %d values, %d inputs, %d outputs\n",
		sg.Name, len(sg.ops), len(sg.values), len(sg.inputs), len(sg.outputs))
	for i, in := range sg.inputs {
		fmt.Fprintf(&b, "  in%d: %s%s\n", i, describeValue(in), constSuffix(in.IsConstant))
	}
	for i, op := range sg.ops {
		args := make([]string, len(op.Inputs))
		for j, in := range op.Inputs {
			args[j] = fmt.Sprintf("%%%d", in.id)
		}
		fmt.Fprintf(&b, "  #%d %%%d = %s(%s)", i, op.Output.id, op.Kind, strings.Join(args, ", "))
		for _, post := range op.Attrs.PostOps {
			fmt.Fprintf(&b, "+%s", post.Kind)
		}
		fmt.Fprintf(&b, " : %s%s\n", describeValue(op.Output), constSuffix(op.IsConstant))
	}
	for i, out := range sg.outputs {
		fmt.Fprintf(&b, "  out%d: %%%d %s\n", i, out.id, describeValue(out))
	}
	return b.String()
}

func describeValue(v *Value) string {
	if !v.Shape.Ok() {
		return "(unresolved)"
	}
	return fmt.Sprintf("%s/%s", v.Shape, v.Layout)
}

func constSuffix(isConst bool) string {
	if isConst {
		return " const"
	}
	return ""
}
