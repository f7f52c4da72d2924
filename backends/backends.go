// Package backends defines the interface an accelerator engine must
// implement to compile and run kernel sequences produced by this module, and
// the registry used to pick one.
//
// An Engine compiles individual subgraph ops into opaque Kernel objects and
// supplies device memory through Allocate; the pass pipeline and the
// execution runtime drive it. The reference pure-Go engine lives in the
// goeng sub-package.
//
// Kernels execute against one of three device-synchronization models,
// selected by the stream they run on: synchronous (Execute blocks the host
// until the device finished) and two event-chained asynchronous flavors
// (ExecuteAsync returns a completion Event and the caller threads the
// dependency chain through the kernel sequence).
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"

	"github.com/graphvm/graphvm/ir"
)

// Engine is a device: it compiles ops into kernels, allocates buffers and
// creates streams. Engines must be safe for concurrent use.
type Engine interface {
	// Name returns the engine's short registered name, e.g. "go".
	Name() string

	// Description is a longer human-readable description.
	Description() string

	// Allocate returns a buffer of at least size bytes. This is the only
	// path through which the runtime obtains scratch and persistent memory.
	Allocate(size int64) (Buffer, error)

	// CompileOp turns one primitive subgraph op into an executable kernel.
	// It is called by the pipeline's final pass, after layouts and memory
	// offsets are frozen.
	CompileOp(op *ir.Op) (Kernel, error)

	// NewStream creates an execution stream of the given kind. Engines that
	// do not support a kind return a status.InvalidArgument error.
	NewStream(kind StreamKind) (Stream, error)

	// Finalize releases engine resources; the engine is invalid afterwards.
	Finalize()
}

// Buffer is a device allocation. Data exposes the host-visible bytes (the
// reference engine is host memory; other engines may return a mapped view).
type Buffer interface {
	Data() []byte
	Size() int64

	// Release returns the buffer to its engine. The caller must drop all
	// views derived from Data first.
	Release()
}

// StreamKind selects the synchronization model of a stream.
type StreamKind int

const (
	// StreamSync runs kernels synchronously: each Execute call returns only
	// after the device finished.
	StreamSync StreamKind = iota

	// StreamAsyncQueue is an in-order asynchronous queue: submissions run
	// serially in submission order, completion is observed through events.
	StreamAsyncQueue

	// StreamAsyncFence is an out-of-order asynchronous model: each
	// submission starts as soon as its wait-for events fired.
	StreamAsyncFence
)

// String implements fmt.Stringer.
func (k StreamKind) String() string {
	switch k {
	case StreamSync:
		return "sync"
	case StreamAsyncQueue:
		return "async-queue"
	case StreamAsyncFence:
		return "async-fence"
	default:
		return "invalid"
	}
}

// IsAsync reports whether the kind uses event-chained execution.
func (k StreamKind) IsAsync() bool { return k != StreamSync }

// Stream is an execution context kernels are dispatched on.
type Stream interface {
	Engine() Engine
	Kind() StreamKind

	// Sync blocks the host until all work submitted so far completed, and
	// returns the first error any of it produced.
	Sync() error
}

// Event is a device-side completion handle. It is triggered exactly once.
type Event interface {
	// Done is closed when the work the event represents completed (or
	// failed).
	Done() <-chan struct{}

	// Err returns the failure, if any. Only meaningful after Done.
	Err() error

	// Wait blocks until completion and returns Err.
	Wait() error
}

// Kernel is an opaque compiled unit produced by Engine.CompileOp.
type Kernel interface {
	// Execute runs the kernel synchronously against the bound args.
	Execute(stream Stream, args Args) error

	// ExecuteAsync submits the kernel after the given wait-for events and
	// returns its completion event without blocking the host.
	ExecuteAsync(stream Stream, args Args, deps []Event) (Event, error)

	// IsConstant reports whether the kernel only depends on constant data,
	// so its result can be computed once and kept in the persistent pool.
	IsConstant() bool
}

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Constructor builds an Engine from an engine-specific config string.
type Constructor func(config string) (Engine, error)

// Register an engine constructor under name. Call from the engine package's
// init.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// GRAPHVM_ENGINE is the environment variable selecting the default engine.
// Format: "<engine_name>" or "<engine_name>:<engine_config>".
const GRAPHVM_ENGINE = "GRAPHVM_ENGINE"

// New returns the default Engine: the GRAPHVM_ENGINE configuration if set,
// otherwise the first registered engine with an empty config. It panics if
// no engine was registered (a build misconfiguration, not a runtime
// condition).
func New() (Engine, error) {
	if config, found := os.LookupEnv(GRAPHVM_ENGINE); found {
		return NewWithConfig(config)
	}
	return NewWithConfig("")
}

// NewWithConfig creates the engine selected by config, formatted as
// "<engine_name>:<engine_config>".
func NewWithConfig(config string) (Engine, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered engines -- import the reference one with import _ "github.com/graphvm/graphvm/backends/goeng"`)
	}
	name := firstRegistered
	engineConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		engineConfig = config[idx+1:]
	} else if config != "" {
		name = config
		engineConfig = ""
	}
	constructor, found := registeredConstructors[name]
	if !found {
		exceptions.Panicf("engine %q not registered (configuration %q)", name, config)
	}
	return constructor(engineConfig)
}
