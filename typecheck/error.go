// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package typecheck

import (
	"fmt"
	"runtime"

	"github.com/grailbio/base/errors"
)

// TestCalldepth may be overriden by a user to add call depths to
// errors that are constructed by NewError. This is useful for
// testing that error messages capture the correct locations.
var TestCalldepth = 0

// Error represents a registration error detected at definition
// time. It wraps an underlying error with the location of the
// offending registration, as captured by NewError.
type Error struct {
	Err  error
	File string
	Line int
}

// NewError creates a new registration error at the given calldepth.
// The returned Error wraps err with the caller's location.
func NewError(calldepth int, err error) *Error {
	e := &Error{Err: err}
	var ok bool
	_, e.File, e.Line, ok = runtime.Caller(calldepth + 1 + TestCalldepth)
	if !ok {
		e.File = "<unknown>"
	}
	return e
}

// Errorf constructs an error in the manner of fmt.Errorf. The
// underlying error is of kind errors.Invalid.
func Errorf(calldepth int, format string, args ...interface{}) *Error {
	return NewError(calldepth+1, errors.E(errors.Invalid, fmt.Sprintf(format, args...)))
}

// Panic wraps err with the caller's location and panics with it.
func Panic(calldepth int, err error) {
	panic(NewError(calldepth+1, err))
}

// Panicf constructs a new formatted registration error and then
// panics with it.
func Panicf(calldepth int, format string, args ...interface{}) {
	panic(Errorf(calldepth+1, format, args...))
}

// Error implements error.
func (err *Error) Error() string {
	return fmt.Sprintf("%s:%d: %v", err.File, err.Line, err.Err)
}

// Unwrap returns the underlying error.
func (err *Error) Unwrap() error { return err.Err }

// Location rewrites registration errors to use the provided location
// instead of the one computed by Panic. This allows a caller to
// attribute errors where appropriate. Location should only be used
// as a defer function, as it recovers (and rewrites) panics.
//
//	file, line := ...
//	defer Location(file, line)
func Location(file string, line int) {
	e := recover()
	if e == nil {
		return
	}
	err, ok := e.(*Error)
	if !ok {
		panic(e)
	}
	err.File = file
	err.Line = line
	panic(err)
}

// Recover converts a panic carrying an *Error into an error stored
// in *errp. Other panics are propagated. Recover must be called
// directly as a deferred function.
func Recover(errp *error) {
	e := recover()
	if e == nil {
		return
	}
	err, ok := e.(*Error)
	if !ok {
		panic(e)
	}
	*errp = err
}
