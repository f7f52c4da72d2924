package goeng

import (
	"sync"

	"github.com/graphvm/graphvm/backends"
)

// event is a one-shot completion handle. err is written before done is
// closed, which orders it for every reader that went through Done or Wait.
type event struct {
	done chan struct{}
	err  error
}

var _ backends.Event = (*event)(nil)

func newEvent() *event { return &event{done: make(chan struct{})} }

func (e *event) trigger(err error) {
	e.err = err
	close(e.done)
}

func (e *event) Done() <-chan struct{} { return e.done }

func (e *event) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

func (e *event) Wait() error {
	<-e.done
	return e.err
}

// stream dispatches kernel work under one of the three synchronization
// models. The queue kind threads an implicit gate event from each submission
// to the next, which serializes them in submission order; the fence kind
// relies on the caller's explicit dependency events only.
type stream struct {
	engine *Engine
	kind   backends.StreamKind

	mu   sync.Mutex
	gate backends.Event // queue kind: completion of the latest submission

	wg sync.WaitGroup

	errOnce  sync.Once
	firstErr error
}

var _ backends.Stream = (*stream)(nil)

func newStream(e *Engine, kind backends.StreamKind) *stream {
	return &stream{engine: e, kind: kind}
}

func (s *stream) Engine() backends.Engine   { return s.engine }
func (s *stream) Kind() backends.StreamKind { return s.kind }

// Sync implements backends.Stream: it waits for everything submitted so far
// and returns the first error recorded on this stream.
func (s *stream) Sync() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *stream) record(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() {
		s.mu.Lock()
		s.firstErr = err
		s.mu.Unlock()
	})
}

// runInline executes fn on the calling goroutine after its dependencies
// fired. Used by the synchronous path.
func (s *stream) runInline(deps []backends.Event, fn func() error) error {
	err := backends.WaitAll(deps)
	if err == nil {
		err = fn()
	}
	s.record(err)
	return err
}

// submit schedules fn on its own goroutine, gated on deps (and, for the
// queue kind, on the previous submission). A failed gate or dependency
// propagates: fn does not run and the returned event carries the error.
func (s *stream) submit(deps []backends.Event, fn func() error) backends.Event {
	ev := newEvent()
	var gate backends.Event
	if s.kind == backends.StreamAsyncQueue {
		s.mu.Lock()
		gate = s.gate
		s.gate = ev
		s.mu.Unlock()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if gate != nil {
			err = gate.Wait()
		}
		if err == nil {
			err = backends.WaitAll(deps)
		}
		if err == nil {
			err = fn()
		}
		s.record(err)
		ev.trigger(err)
	}()
	return ev
}
