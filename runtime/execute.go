package runtime

import (
	"github.com/graphvm/graphvm/backends"
	"github.com/graphvm/graphvm/ccache"
	"github.com/graphvm/graphvm/status"
)

// Execute runs the artifact synchronously: it binds the caller's tensors,
// allocates scratch, resolves the constant-folded pool (computing it on the
// first call per constant-input content) and runs the kernels in order. It
// returns once the outputs are fully written.
//
// Execute is safe for concurrent use with any mix of streams of the same
// engine.
func (a *Artifact) Execute(stream backends.Stream, inputs, outputs []*Tensor) error {
	if err := a.checkCall(stream, inputs, outputs); err != nil {
		return err
	}
	st := a.states.Get()
	defer a.putState(st)
	a.bindExternals(st, inputs, outputs)

	scratch, err := a.allocScratch(st)
	if err != nil {
		return err
	}
	if scratch != nil {
		defer scratch.Release()
	}

	release, err := a.resolveConstantsSync(stream, st, inputs)
	if err != nil {
		return err
	}
	if release != nil {
		defer release()
	}

	for _, i := range a.mainIdx {
		if err := a.kernels[i].Execute(stream, st.args.KernelArgs(i)); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteAsync submits the artifact's kernels on an asynchronous stream,
// gated on the caller's deps events (may be nil), and returns the completion
// event of the last one without blocking the host. Scratch memory and the
// per-call binding state are released when that event fires. On a
// synchronous stream it degenerates to Execute after waiting for deps.
func (a *Artifact) ExecuteAsync(stream backends.Stream, inputs, outputs []*Tensor, deps []backends.Event) (backends.Event, error) {
	if err := a.checkCall(stream, inputs, outputs); err != nil {
		return nil, err
	}
	if !stream.Kind().IsAsync() {
		if err := backends.WaitAll(deps); err != nil {
			return nil, err
		}
		return backends.ReadyEvent(a.Execute(stream, inputs, outputs)), nil
	}

	st := a.states.Get()
	a.bindExternals(st, inputs, outputs)
	scratch, err := a.allocScratch(st)
	if err != nil {
		a.putState(st)
		return nil, err
	}

	deps, release, err := a.resolveConstantsAsync(stream, st, inputs, deps)
	if err != nil {
		if scratch != nil {
			scratch.Release()
		}
		a.putState(st)
		return nil, err
	}

	var last backends.Event
	for _, i := range a.mainIdx {
		ev, kerr := a.kernels[i].ExecuteAsync(stream, st.args.KernelArgs(i), deps)
		if kerr != nil {
			// Already-submitted work may still touch the call state; defer
			// the teardown to its completion.
			a.deferCleanup(deps, scratch, release, st)
			return nil, kerr
		}
		deps = []backends.Event{ev}
		last = ev
	}
	if last == nil {
		last = backends.ReadyEvent(nil)
	}
	a.deferCleanup([]backends.Event{last}, scratch, release, st)
	return last, nil
}

// checkCall validates the call arguments against the compiled signature.
func (a *Artifact) checkCall(stream backends.Stream, inputs, outputs []*Tensor) error {
	if a.finalized.Load() {
		return status.Errorf(status.InvalidArgument, "artifact %q was finalized", a.name)
	}
	if stream == nil {
		return status.Errorf(status.InvalidArgument, "artifact %q executed without a stream", a.name)
	}
	if stream.Engine() != a.engine {
		return status.Errorf(status.InvalidArgument,
			"artifact %q compiled for engine %q, executed on a stream of %q", a.name, a.engine.Name(), stream.Engine().Name())
	}
	if len(inputs) != len(a.inShapes) {
		return status.Errorf(status.InvalidArgument, "artifact %q takes %d inputs, got %d", a.name, len(a.inShapes), len(inputs))
	}
	if len(outputs) != len(a.outShapes) {
		return status.Errorf(status.InvalidArgument, "artifact %q writes %d outputs, got %d", a.name, len(a.outShapes), len(outputs))
	}
	for i, in := range inputs {
		if in == nil || !in.Shape.Equal(a.inShapes[i]) {
			return status.Errorf(status.InvalidArgument, "input %d: want shape %s", i, a.inShapes[i])
		}
		if int64(len(in.Data)) < in.Shape.Memory() {
			return status.Errorf(status.InvalidArgument, "input %d: %d bytes for shape %s", i, len(in.Data), in.Shape)
		}
	}
	for i, out := range outputs {
		if out == nil || !out.Shape.Equal(a.outShapes[i]) {
			return status.Errorf(status.InvalidArgument, "output %d: want shape %s", i, a.outShapes[i])
		}
		if int64(len(out.Data)) < out.Shape.Memory() {
			return status.Errorf(status.InvalidArgument, "output %d: %d bytes for shape %s", i, len(out.Data), out.Shape)
		}
	}
	return nil
}

func (a *Artifact) bindExternals(st *execState, inputs, outputs []*Tensor) {
	for _, b := range st.args.MemsUseExternalInputs() {
		b.Mem.SetData(inputs[b.Index].Data)
	}
	for _, b := range st.args.MemsUseExternalOutputs() {
		b.Mem.SetData(outputs[b.Index].Data)
	}
}

// allocScratch allocates the call's temporary pool and binds the temporary
// handles through a grantor. A nil buffer means the plan needs no scratch.
// Allocation happens before any kernel runs, so a failed call has no side
// effects.
func (a *Artifact) allocScratch(st *execState) (backends.Buffer, error) {
	size := a.planner.TotalTemporarySize()
	if size == 0 {
		return nil, nil
	}
	buf, err := a.engine.Allocate(size)
	if err != nil {
		return nil, status.Wrapf(status.ResourceExhausted, err,
			"allocating %d scratch bytes for artifact %q", size, a.name)
	}
	if buf.Size() < size {
		buf.Release()
		return nil, status.Errorf(status.ResourceExhausted,
			"engine granted %d scratch bytes of %d for artifact %q", buf.Size(), size, a.name)
	}
	g := a.planner.TemporaryGrantor(buf.Data())
	for _, b := range st.args.MemsUseInternalTemporary() {
		b.Mem.SetData(g.Get(b.Offset, b.Size))
	}
	return buf, nil
}

func (a *Artifact) bindPersistents(st *execState, base []byte) {
	g := a.planner.PersistentGrantor(base)
	for _, b := range st.args.MemsUseInternalPersistent() {
		b.Mem.SetData(g.Get(b.Offset, b.Size))
	}
}

// constantKey derives the cache key of this call's constant-folded pool from
// the artifact identity, the persistent layout and the content of the
// constant inputs.
func (a *Artifact) constantKey(inputs []*Tensor) ccache.Key {
	datas := make([][]byte, 0, len(a.constInput))
	for _, idx := range a.constInput {
		datas = append(datas, inputs[idx].Data)
	}
	return ccache.EncodeKey(a.id[:], a.planner.PersistentLayoutHash(), datas...)
}

// resolveConstantsSync materializes the persistent pool for one synchronous
// call and binds it. The returned release function (possibly nil) must be
// called after the main kernels finished.
func (a *Artifact) resolveConstantsSync(stream backends.Stream, st *execState, inputs []*Tensor) (func(), error) {
	size := a.planner.TotalPersistentSize()
	if size == 0 {
		return nil, nil
	}

	if !a.cacheEnabled || a.cache == nil {
		// Cache disabled: compute the constants into a per-call buffer.
		buf, err := a.allocPersistent(size)
		if err != nil {
			return nil, err
		}
		a.bindPersistents(st, buf.Data())
		if err := a.runConstKernels(stream, st); err != nil {
			buf.Release()
			return nil, err
		}
		return buf.Release, nil
	}

	key := a.constantKey(inputs)
	h, producer := a.cache.GetOrAdd(key, size)
	if !producer {
		cbuf, err := h.Wait()
		if err != nil {
			return nil, err
		}
		a.bindPersistents(st, cbuf.Data())
		return cbuf.Release, nil
	}

	buf, err := a.allocPersistent(size)
	if err != nil {
		h.Fail(err)
		return nil, err
	}
	a.bindPersistents(st, buf.Data())
	if err := a.runConstKernels(stream, st); err != nil {
		h.Fail(err)
		buf.Release()
		return nil, err
	}
	// The bytes now belong to the cache; the engine-pool reference is
	// dropped and the collector reclaims them after eviction.
	cbuf := ccache.NewBuffer(buf.Data())
	h.Publish(cbuf)
	a.recordKey(key)
	return cbuf.Release, nil
}

// resolveConstantsAsync is the event-chained variant: a producer submits the
// constant kernels on the stream (gated on the caller's deps) and publishes
// once their chain completed; the returned deps gate the first main kernel.
func (a *Artifact) resolveConstantsAsync(stream backends.Stream, st *execState, inputs []*Tensor, deps []backends.Event) ([]backends.Event, func(), error) {
	size := a.planner.TotalPersistentSize()
	if size == 0 {
		return deps, nil, nil
	}

	if !a.cacheEnabled || a.cache == nil {
		buf, err := a.allocPersistent(size)
		if err != nil {
			return nil, nil, err
		}
		a.bindPersistents(st, buf.Data())
		last, err := a.submitConstKernels(stream, st, deps)
		if err != nil {
			buf.Release()
			return nil, nil, err
		}
		return []backends.Event{last}, buf.Release, nil
	}

	key := a.constantKey(inputs)
	h, producer := a.cache.GetOrAdd(key, size)
	if !producer {
		// Waiting for an in-flight producer blocks the host; the published
		// buffer is already complete, so only the caller's deps still gate
		// the main kernels.
		cbuf, err := h.Wait()
		if err != nil {
			return nil, nil, err
		}
		a.bindPersistents(st, cbuf.Data())
		return deps, cbuf.Release, nil
	}

	buf, err := a.allocPersistent(size)
	if err != nil {
		h.Fail(err)
		return nil, nil, err
	}
	a.bindPersistents(st, buf.Data())
	last, err := a.submitConstKernels(stream, st, deps)
	if err != nil {
		h.Fail(err)
		buf.Release()
		return nil, nil, err
	}
	cbuf := ccache.NewBuffer(buf.Data())
	go func() {
		// Publishing only after the chain's final event keeps waiters from
		// observing a partially computed pool.
		if werr := last.Wait(); werr != nil {
			h.Fail(werr)
			return
		}
		h.Publish(cbuf)
		a.recordKey(key)
	}()
	return []backends.Event{last}, cbuf.Release, nil
}

// recordKey remembers a published cache key so Finalize can evict it. A
// producer that finishes only after Finalize already swept the keys evicts
// its own entry instead of leaving it behind.
func (a *Artifact) recordKey(key ccache.Key) {
	a.keys.Store(key, true)
	if a.finalized.Load() {
		a.cache.Remove(key)
		a.keys.Delete(key)
	}
}

func (a *Artifact) allocPersistent(size int64) (backends.Buffer, error) {
	buf, err := a.engine.Allocate(size)
	if err != nil {
		return nil, status.Wrapf(status.ResourceExhausted,
			err, "allocating %d persistent bytes for artifact %q", size, a.name)
	}
	if buf.Size() < size {
		buf.Release()
		return nil, status.Errorf(status.ResourceExhausted,
			"engine granted %d persistent bytes of %d for artifact %q", buf.Size(), size, a.name)
	}
	return buf, nil
}

func (a *Artifact) runConstKernels(stream backends.Stream, st *execState) error {
	for _, i := range a.constIdx {
		if err := a.kernels[i].Execute(stream, st.args.KernelArgs(i)); err != nil {
			return err
		}
	}
	return nil
}

// submitConstKernels chains the constant kernels on the stream, gated on
// deps, and returns the final event of the chain.
func (a *Artifact) submitConstKernels(stream backends.Stream, st *execState, deps []backends.Event) (backends.Event, error) {
	var last backends.Event
	for _, i := range a.constIdx {
		ev, err := a.kernels[i].ExecuteAsync(stream, st.args.KernelArgs(i), deps)
		if err != nil {
			if last != nil {
				_ = last.Wait() // drain submitted work before the caller tears down
			}
			return nil, err
		}
		deps = []backends.Event{ev}
		last = ev
	}
	if last == nil {
		last = backends.ReadyEvent(nil)
	}
	return last, nil
}

// deferCleanup releases the call's resources once events completed.
func (a *Artifact) deferCleanup(events []backends.Event, scratch backends.Buffer, release func(), st *execState) {
	go func() {
		_ = backends.WaitAll(events)
		if scratch != nil {
			scratch.Release()
		}
		if release != nil {
			release()
		}
		a.putState(st)
	}()
}

// putState unbinds every handle of the call state and recycles it, so a
// pooled clone never pins caller tensors or released pool memory.
func (a *Artifact) putState(st *execState) {
	for _, b := range st.args.MemsUseExternalInputs() {
		b.Mem.SetData(nil)
	}
	for _, b := range st.args.MemsUseExternalOutputs() {
		b.Mem.SetData(nil)
	}
	for _, b := range st.args.MemsUseInternalTemporary() {
		b.Mem.SetData(nil)
	}
	for _, b := range st.args.MemsUseInternalPersistent() {
		b.Mem.SetData(nil)
	}
	a.states.Put(st)
}
