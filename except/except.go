// Package except turns programmer-bug conditions (an unknown typeinfo tag, a
// write attempted against an immutable ref) into panics that unwind to the
// nearest exported entry point and come back out as an error carrying a
// backtrace, rather than crashing the process outright.
//
// It is grounded on the backtrace-error idiom of the eio package's
// BacktraceError wrapper in this tree, consolidated here for the packages
// that throw.
package except

import (
	"fmt"

	"github.com/timtadh/data-structures/exc"
)

// BacktraceError is an error that also carries backtrace info from the point
// it was thrown.
type BacktraceError interface {
	error
	Backtrace() string
}

// Throw raises a fatal internal error. It never returns.
func Throw(format string, args ...interface{}) {
	exc.ThrowOnError(exc.Errorf(format, args...))
}

// ThrowOnError raises a fatal internal error derived from err, if err is
// non-nil. It never returns when err != nil.
func ThrowOnError(err error) {
	if err != nil {
		exc.ThrowOnError(err)
	}
}

// Recover must be deferred at an exported entry point that calls into code
// which may Throw. On a thrown exception it sets *errp to a BacktraceError
// describing the failure; otherwise it leaves *errp untouched and re-panics
// anything that isn't one of ours.
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if t, ok := r.(exc.Throwable); ok {
		*errp = wrap(t)
		return
	}
	panic(r)
}

func wrap(t exc.Throwable) BacktraceError {
	return &btErrImpl{t}
}

// Wrap turns a plain error into a BacktraceError whose Backtrace() is just
// its message; used when an error needs to satisfy BacktraceError but did
// not originate from a Throw.
func Wrap(e error) BacktraceError {
	if e == nil {
		return nil
	}
	return &btErrImpl{e}
}

type btErrImpl struct {
	error
}

func (e *btErrImpl) Backtrace() string {
	return e.error.Error()
}

func (e *btErrImpl) Error() string {
	if t, ok := e.error.(exc.Throwable); ok && len(t.Exc().Errors) > 0 {
		return fmt.Sprintf("%v", t.Exc().Errors[0])
	}
	return e.error.Error()
}
