// Package status defines the error taxonomy shared by the compile pipeline
// and the execution runtime.
//
// Errors carry one of four codes:
//
//   - Compile: the pass pipeline could not produce an artifact (unresolved
//     shape, unsupported fusion, failing pass). Nothing is partially
//     published.
//   - InvalidArgument: the caller handed Execute mismatched inputs/outputs.
//     Fatal for that call only.
//   - ResourceExhausted: a scratch or persistent buffer was smaller than the
//     planner computed. This is a contract violation and is never tolerated
//     silently.
//   - Device: a kernel or the device reported an execution failure.
//
// Errors are built on github.com/pkg/errors, so they carry stack traces and
// compose with errors.Wrapf along the way; Code unwraps through wrapping.
package status

import (
	"github.com/pkg/errors"
)

// Code classifies an error produced by this module.
type Code int

const (
	// OK is the zero code; Code(nil) returns it.
	OK Code = iota

	// Compile indicates a fatal compilation failure.
	Compile

	// InvalidArgument indicates caller-supplied arguments were rejected.
	InvalidArgument

	// ResourceExhausted indicates a buffer smaller than required.
	ResourceExhausted

	// Device indicates a kernel/device execution failure.
	Device

	// Unknown is returned by Code for errors not created by this package.
	Unknown
)

// String implements fmt.Stringer.
func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case Compile:
		return "Compile"
	case InvalidArgument:
		return "InvalidArgument"
	case ResourceExhausted:
		return "ResourceExhausted"
	case Device:
		return "Device"
	default:
		return "Unknown"
	}
}

// coded is the error wrapper that carries the Code.
type coded struct {
	code Code
	err  error
}

func (c *coded) Error() string { return c.code.String() + ": " + c.err.Error() }
func (c *coded) Unwrap() error { return c.err }

// Errorf creates a new error with the given code and formatted message.
// The returned error carries a stack trace.
func Errorf(code Code, format string, args ...any) error {
	return &coded{code: code, err: errors.Errorf(format, args...)}
}

// Wrap annotates err with a code and message, keeping err as the cause.
// Returns nil if err is nil.
func Wrap(code Code, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &coded{code: code, err: errors.Wrap(err, msg)}
}

// Wrapf annotates err with a code and a formatted message.
// Returns nil if err is nil.
func Wrapf(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &coded{code: code, err: errors.Wrapf(err, format, args...)}
}

// GetCode returns the Code attached to err, unwrapping as needed.
// A nil error yields OK; an error without a code yields Unknown.
func GetCode(err error) Code {
	if err == nil {
		return OK
	}
	for err != nil {
		if c, ok := err.(*coded); ok {
			return c.code
		}
		err = errors.Unwrap(err)
	}
	return Unknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return GetCode(err) == code
}
