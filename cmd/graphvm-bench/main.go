// graphvm-bench compiles a stack of dense layers and measures execution
// throughput on the selected engine, for the synchronous and asynchronous
// execution models.
//
// Example:
//
//	graphvm-bench -batch 64 -features 256 -layers 4 -runs 200 -stream queue
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/graphvm/graphvm/backends"
	_ "github.com/graphvm/graphvm/backends/goeng"
	"github.com/graphvm/graphvm/ir"
	"github.com/graphvm/graphvm/runtime"
	"github.com/graphvm/graphvm/types/shapes"

	"github.com/gomlx/gopjrt/dtypes"
)

var (
	flagEngine   = flag.String("engine", "", "engine configuration, e.g. \"go\"; empty picks the default")
	flagBatch    = flag.Int("batch", 32, "batch size (rows of the input)")
	flagFeatures = flag.Int("features", 128, "feature width of every layer")
	flagLayers   = flag.Int("layers", 3, "number of dense layers")
	flagRuns     = flag.Int("runs", 100, "timed executions per model")
	flagStream   = flag.String("stream", "sync", "execution model: sync, queue or fence")
	flagDump     = flag.Bool("dump", false, "print the graph after every compiler pass")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "graphvm-bench: %+v\n", err)
		os.Exit(1)
	}
}

func streamKind() (backends.StreamKind, error) {
	switch *flagStream {
	case "sync":
		return backends.StreamSync, nil
	case "queue":
		return backends.StreamAsyncQueue, nil
	case "fence":
		return backends.StreamAsyncFence, nil
	default:
		return 0, fmt.Errorf("unknown -stream %q", *flagStream)
	}
}

func run() error {
	kind, err := streamKind()
	if err != nil {
		return err
	}
	engine, err := backends.NewWithConfig(*flagEngine)
	if err != nil {
		return err
	}
	defer engine.Finalize()
	fmt.Printf("engine: %s (%s)\n", engine.Name(), engine.Description())

	batch, features, layers := *flagBatch, *flagFeatures, *flagLayers
	sg := ir.NewSubgraph(fmt.Sprintf("mlp-%dx%dx%d", batch, features, layers))
	x := sg.Input(shapes.Make(dtypes.Float32, batch, features))
	weights := make([]*ir.Value, layers)
	biases := make([]*ir.Value, layers)
	h := x
	for l := range layers {
		weights[l] = sg.Input(shapes.Make(dtypes.Float32, features, features), ir.AsConstant())
		biases[l] = sg.Input(shapes.Make(dtypes.Float32, features), ir.AsConstant())
		h = sg.Dense(h, weights[l], biases[l], ir.PostReLU)
	}
	sg.SetOutputs(h)

	var opts []runtime.Option
	if *flagDump {
		opts = append(opts, runtime.WithVisualizer(func(passName, snapshot string) {
			fmt.Printf("--- after %s ---\n%s\n", passName, snapshot)
		}))
	}
	start := time.Now()
	artifact, err := runtime.Compile(engine, sg, opts...)
	if err != nil {
		return err
	}
	defer artifact.Finalize()
	fmt.Printf("compiled in %s: scratch %s, persistent %s\n", time.Since(start),
		humanize.IBytes(uint64(artifact.ScratchSize())), humanize.IBytes(uint64(artifact.PersistentSize())))

	rng := rand.New(rand.NewSource(1))
	randomTensor := func(shape shapes.Shape) *runtime.Tensor {
		flat := make([]float32, shape.Size())
		for i := range flat {
			flat[i] = rng.Float32() - 0.5
		}
		return runtime.TensorFromFlat(shape, flat)
	}
	inputs := make([]*runtime.Tensor, 0, 1+2*layers)
	inputs = append(inputs, randomTensor(x.Shape))
	for l := range layers {
		inputs = append(inputs, randomTensor(weights[l].Shape), randomTensor(biases[l].Shape))
	}
	out := runtime.NewTensor(artifact.OutputShapes()[0])

	stream, err := engine.NewStream(kind)
	if err != nil {
		return err
	}

	// Warmup run populates the constant cache.
	if err := artifact.Execute(stream, inputs, []*runtime.Tensor{out}); err != nil {
		return err
	}

	runs := *flagRuns
	start = time.Now()
	if kind.IsAsync() {
		// Pipeline through a ring of output tensors: a slot is reused only
		// after the run that wrote it completed.
		const depth = 8
		ring := make([]*runtime.Tensor, depth)
		events := make([]backends.Event, depth)
		for i := range ring {
			ring[i] = runtime.NewTensor(artifact.OutputShapes()[0])
		}
		for r := range runs {
			slot := r % depth
			if events[slot] != nil {
				if err := events[slot].Wait(); err != nil {
					return err
				}
			}
			if events[slot], err = artifact.ExecuteAsync(stream, inputs, []*runtime.Tensor{ring[slot]}, nil); err != nil {
				return err
			}
		}
		if err := stream.Sync(); err != nil {
			return err
		}
	} else {
		for range runs {
			if err := artifact.Execute(stream, inputs, []*runtime.Tensor{out}); err != nil {
				return err
			}
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("%d %s runs in %s (%.1f runs/s, %s/run)\n",
		runs, *flagStream, elapsed, float64(runs)/elapsed.Seconds(), elapsed/time.Duration(runs))
	return nil
}
