// Package graphvm compiles small tensor-operator graphs into executable
// kernel sequences for an accelerator engine, and runs those sequences
// repeatedly with minimal per-call overhead.
//
// It sits below a deep-learning framework: the framework hands over an
// operator subgraph once per distinct graph/shape signature, and then calls
// the compiled artifact once per inference or training step.
//
// The main entry points are:
//
//   - ir: build the operator subgraph to compile.
//   - runtime.Compile: run the pass pipeline (lowering, fusion, layout and
//     constant propagation, memory planning, kernel instantiation) and get a
//     runtime.Artifact back.
//   - Artifact.Execute / Artifact.ExecuteAsync: run the kernel sequence
//     against caller-supplied input/output tensors, synchronously or with
//     device-event chaining.
//
// Engines (devices) register themselves with the backends package; the
// reference pure-Go engine lives in backends/goeng.
package graphvm
