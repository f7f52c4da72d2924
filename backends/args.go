package backends

// Mem is a rebindable memory handle: the indirection between a kernel's
// abstract operand and the physical bytes it reads or writes on a given
// call. The compile step wires one Mem per subgraph value into the kernel
// args; the runtime rebinds the data before each execution.
//
// A Mem is exclusively owned by one execution-args-set clone and must never
// be shared between concurrent calls.
type Mem struct {
	data []byte
}

// SetData rebinds the handle to the given bytes.
func (m *Mem) SetData(data []byte) { m.data = data }

// Data returns the currently bound bytes.
func (m *Mem) Data() []byte { return m.data }

// Bound reports whether the handle currently points at backing bytes.
func (m *Mem) Bound() bool { return m.data != nil }

// Arg identifies one operand slot of a kernel.
type Arg int

const (
	// ArgDst is the kernel's output operand.
	ArgDst Arg = -1
)

// ArgSrc returns the Arg for the i-th input operand.
func ArgSrc(i int) Arg { return Arg(i) }

// Args binds each operand slot of one kernel to a memory handle.
type Args map[Arg]*Mem

// readyEvent is an Event already in the completed state.
type readyEvent struct {
	err error
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

func (e readyEvent) Done() <-chan struct{} { return closedChan }
func (e readyEvent) Err() error            { return e.err }
func (e readyEvent) Wait() error           { return e.err }

// ReadyEvent returns an Event that is already complete with the given error
// (nil for success). The runtime uses it when a kernel sequence is empty,
// and engines may use it for host-side no-ops.
func ReadyEvent(err error) Event { return readyEvent{err: err} }

// WaitAll blocks until all events completed and returns the first error.
func WaitAll(events []Event) error {
	var first error
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if err := ev.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
