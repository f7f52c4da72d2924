// Package goeng is the reference engine: a pure Go implementation of the
// backends.Engine contract, running kernels on host memory.
//
// It supports all three stream kinds. The synchronous stream runs each
// kernel inline on the calling goroutine. The two asynchronous kinds
// dispatch on goroutines gated by completion events: the in-order queue
// additionally threads an implicit gate from one submission to the next, so
// work runs serially in submission order, while the fence kind starts each
// submission as soon as its explicit dependencies fired.
//
// Buffers are 64-byte aligned host allocations recycled through per-size
// pools.
package goeng

import (
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/graphvm/graphvm/backends"
	"github.com/graphvm/graphvm/status"
)

// EngineName is the name under which this engine registers itself.
const EngineName = "go"

func init() {
	backends.Register(EngineName, New)
}

// Engine implements backends.Engine on host memory.
type Engine struct {
	pools     bufferPools
	finalized atomic.Bool
}

var _ backends.Engine = (*Engine)(nil)

// New creates the reference engine. It takes no configuration.
func New(config string) (backends.Engine, error) {
	if config != "" {
		return nil, status.Errorf(status.InvalidArgument,
			"engine %q takes no configuration, got %q", EngineName, config)
	}
	return &Engine{}, nil
}

// Name implements backends.Engine.
func (e *Engine) Name() string { return EngineName }

// Description implements backends.Engine.
func (e *Engine) Description() string {
	return "Portable pure Go engine running on host memory"
}

// NewStream implements backends.Engine. All stream kinds are supported.
func (e *Engine) NewStream(kind backends.StreamKind) (backends.Stream, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	switch kind {
	case backends.StreamSync, backends.StreamAsyncQueue, backends.StreamAsyncFence:
		return newStream(e, kind), nil
	default:
		return nil, status.Errorf(status.InvalidArgument, "unknown stream kind %d", kind)
	}
}

// Finalize implements backends.Engine: it drops the buffer pools. Using the
// engine afterwards returns status.InvalidArgument errors.
func (e *Engine) Finalize() {
	if e.finalized.Swap(true) {
		return
	}
	e.pools.drop()
	klog.V(1).Infof("engine %q finalized", EngineName)
}

func (e *Engine) check() error {
	if e.finalized.Load() {
		return status.Errorf(status.InvalidArgument, "engine %q already finalized", EngineName)
	}
	return nil
}
