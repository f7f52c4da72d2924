// Package xsync implements the small synchronization tools the constant
// cache and the engines build on: one-shot latches (the promise/future used
// for single-flight handoff) and a typed wrapper over sync.Map.
package xsync

import "sync"

// Latch is a one-shot signal: it can be waited on until triggered, and once
// triggered it stays triggered forever.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{wait: make(chan struct{})}
}

// Trigger the latch. Triggering more than once is a no-op.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return
	}
	close(l.wait)
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() { <-l.wait }

// Test reports whether the latch has been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel closed when the latch triggers, for use in
// select statements.
func (l *Latch) WaitChan() <-chan struct{} { return l.wait }

// LatchWithValue is a Latch carrying a value published at trigger time: a
// single-producer/multiple-waiter promise. The constant cache hands one of
// these to every waiter of an in-flight constant computation.
type LatchWithValue[T any] struct {
	value T
	latch *Latch
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{latch: NewLatch()}
}

// Trigger publishes value and releases all waiters. Later triggers are
// no-ops and their value is discarded.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.latch.muTrigger.Lock()
	defer l.latch.muTrigger.Unlock()
	if l.latch.Test() {
		return
	}
	l.value = value
	close(l.latch.wait)
}

// Wait blocks until triggered and returns the published value.
func (l *LatchWithValue[T]) Wait() T {
	l.latch.Wait()
	return l.value
}

// Test reports whether the latch has been triggered.
func (l *LatchWithValue[T]) Test() bool { return l.latch.Test() }

// WaitChan returns a channel closed once the value is published.
func (l *LatchWithValue[T]) WaitChan() <-chan struct{} { return l.latch.WaitChan() }

// Pool is a typed wrapper over sync.Pool.
type Pool[T any] struct {
	p sync.Pool
}

// NewPool returns a pool producing fresh values with newFn when empty.
func NewPool[T any](newFn func() T) *Pool[T] {
	return &Pool[T]{p: sync.Pool{New: func() any { return newFn() }}}
}

// Get takes a value from the pool, creating one if needed.
func (p *Pool[T]) Get() T { return p.p.Get().(T) }

// Put returns a value to the pool.
func (p *Pool[T]) Put(v T) { p.p.Put(v) }

// SyncMap is a typed wrapper over sync.Map. As with sync.Map, it is ready to
// use when declared and must not be copied after first use.
type SyncMap[K comparable, V any] struct {
	m sync.Map
}

// Load returns the value stored for key, if any.
func (m *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.m.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// Store sets the value for key.
func (m *SyncMap[K, V]) Store(key K, value V) { m.m.Store(key, value) }

// LoadOrStore returns the existing value for key if present, otherwise it
// stores and returns the given value. loaded is true if the value was
// already present.
func (m *SyncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := m.m.LoadOrStore(key, value)
	return v.(V), loaded
}

// Delete removes the value for key.
func (m *SyncMap[K, V]) Delete(key K) { m.m.Delete(key) }

// Range calls f for each key/value pair; iteration stops if f returns false.
func (m *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.m.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}
