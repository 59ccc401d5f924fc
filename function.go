// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package opreg

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/opreg/dispatchkey"
	"github.com/grailbio/opreg/kernel"
)

// Fn is a kernel as it is handed to a Library: the kernel itself,
// together with an optional dispatch key and debug string. Fns are
// values; their methods return modified copies.
type Fn struct {
	kernel *kernel.Kernel
	// key is the kernel's dispatch key; Undefined if none was given.
	key   dispatchkey.Key
	debug string
	err   error
}

// Func returns an Fn for the kernel source src, which may be anything
// accepted by Options.Kernel. Construction errors are reported when
// the Fn is registered.
func Func(src interface{}) Fn {
	if f, ok := src.(Fn); ok {
		if f.kernel == nil && f.err == nil {
			f.err = errors.E(errors.Invalid, "kernel function cannot be nil")
		}
		return f
	}
	k, err := kernelOf(src, nil)
	return Fn{kernel: k, err: err}
}

// UnboxedOnly returns an Fn for the function fn without inferring its
// schema. The operator's schema must be defined explicitly.
func UnboxedOnly(fn interface{}) Fn {
	k, err := kernel.FromUnboxedOnly(fn)
	return Fn{kernel: k, err: err}
}

// Fallthrough returns an Fn that, registered as a fallback, makes
// dispatch proceed as if no kernel were registered for its key.
func Fallthrough() Fn {
	return Fn{kernel: kernel.Fallthrough()}
}

// Dispatch returns an Fn for src that is registered only for
// dispatch key key. Dispatching on CatchAll is the same as not
// specifying a key.
func Dispatch(key dispatchkey.Key, src interface{}) Fn {
	f := Func(src)
	if key == dispatchkey.CatchAll {
		f.key = dispatchkey.Undefined
	} else {
		f.key = key
	}
	if !key.Valid() && f.err == nil {
		f.err = errors.E(errors.Invalid, "invalid dispatch key "+key.String())
	}
	return f
}

// DispatchDevice returns an Fn for src that is registered for the
// dispatch key of the provided device. Only some device types map
// to dispatch keys; see dispatchkey.FromDevice.
func DispatchDevice(device dispatchkey.DeviceType, src interface{}) Fn {
	key, err := dispatchkey.FromDevice(device)
	if err != nil {
		f := Func(src)
		if f.err == nil {
			f.err = err
		}
		return f
	}
	return Dispatch(key, src)
}

// Debug returns a copy of f with the provided debug string, which is
// reported by the dispatcher in place of the registration location.
func (f Fn) Debug(debug string) Fn {
	f.debug = debug
	return f
}

// Key returns the dispatch key of f, if one was given.
func (f Fn) Key() (dispatchkey.Key, bool) {
	return f.key, f.key != dispatchkey.Undefined
}

// Err returns the error, if any, encountered while constructing f.
func (f Fn) Err() error {
	return f.err
}
