// Package errors is the error-handling package used throughout datumfetch.  It re-exports the
// stack-carrying constructors of github.com/pkg/errors alongside the standard library's inspection
// functions, so callers only ever import one errors package.
package errors

import (
	stderrors "errors"

	pkgerrors "github.com/pkg/errors"
)

// StackTracer is implemented by errors that carry a stack trace.
type StackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// New returns an error with the supplied message and the current stack.
func New(message string) error {
	return pkgerrors.New(message)
}

// Errorf formats according to a format specifier and returns the string as an error with the
// current stack.
func Errorf(format string, args ...interface{}) error {
	return pkgerrors.Errorf(format, args...)
}

// Wrap annotates err with a message and the current stack.  Wrap returns nil if err is nil.
func Wrap(err error, message string) error {
	return pkgerrors.Wrap(err, message)
}

// Wrapf is Wrap with a format specifier.
func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

// EnsureStack attaches a stack to err if no error in its chain already has one.  It is intended
// for errors returned by the standard library and third-party packages.
func EnsureStack(err error) error {
	if err == nil {
		return nil
	}
	var st StackTracer
	if As(err, &st) {
		return err
	}
	return pkgerrors.WithStack(err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// Unwrap returns the result of calling the Unwrap method on err, if any.
func Unwrap(err error) error { return stderrors.Unwrap(err) }

// Join returns an error that wraps the given errors, discarding nils.
func Join(errs ...error) error { return stderrors.Join(errs...) }

// Frame is a single program counter of a stack trace.
type Frame = pkgerrors.Frame

// ForEachStackFrame calls f on each frame of the innermost stack trace in err's chain.  It does
// nothing if no error in the chain carries a stack.
func ForEachStackFrame(err error, f func(Frame)) {
	var deepest StackTracer
	for e := err; e != nil; e = Unwrap(e) {
		if st, ok := e.(StackTracer); ok {
			deepest = st
		}
	}
	if deepest == nil {
		return
	}
	for _, frame := range deepest.StackTrace() {
		f(frame)
	}
}
