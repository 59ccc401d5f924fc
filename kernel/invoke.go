// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kernel

import (
	"context"
	"fmt"
	"math"
	"reflect"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/opreg/opschema"
)

var (
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
)

// InvokeBoxed invokes the kernel on the boxed calling convention.
// The stack must hold exactly the kernel's arguments, which are
// replaced by its results. If the arguments cannot be passed to the
// kernel, InvokeBoxed returns an error and leaves the stack intact.
func (k *Kernel) InvokeBoxed(ctx context.Context, op opschema.OperatorName, stack *Stack) error {
	if !k.IsValid() {
		return errors.E(errors.Invalid, fmt.Sprintf("invoke %s: invalid kernel", op))
	}
	if k.kind == Boxed {
		return k.boxed(ctx, op, stack)
	}
	if got, want := stack.Len(), len(k.sig.In); got != want {
		return errors.E(errors.Invalid,
			fmt.Sprintf("invoke %s: kernel takes %d arguments, stack holds %d", op, want, got))
	}
	args, err := stack.Peek(len(k.sig.In))
	if err != nil {
		return err
	}
	argv, err := convertArgs(op.String(), k.sig.In, args)
	if err != nil {
		return err
	}
	out, err := k.call(ctx, argv)
	if err != nil {
		return err
	}
	stack.drop(len(args))
	stack.Push(out...)
	return nil
}

// Call invokes the kernel with the provided arguments and returns its
// results. Call uses the boxed calling convention, so that all kernel
// kinds may be called uniformly.
func (k *Kernel) Call(ctx context.Context, args ...interface{}) ([]interface{}, error) {
	stack := NewStack(args...)
	if err := k.InvokeBoxed(ctx, opschema.OperatorName{}, stack); err != nil {
		return nil, err
	}
	return stack.Values(), nil
}

func (k *Kernel) call(ctx context.Context, argv []reflect.Value) ([]interface{}, error) {
	if k.sig.Context {
		if ctx == nil {
			ctx = context.Background()
		}
		argv = append([]reflect.Value{reflect.ValueOf(ctx)}, argv...)
	}
	outv := k.fn.Call(argv)
	if k.sig.Error {
		last := outv[len(outv)-1]
		outv = outv[:len(outv)-1]
		if !last.IsNil() {
			return nil, last.Interface().(error)
		}
	}
	out := make([]interface{}, len(outv))
	for i := range outv {
		out[i] = outv[i].Interface()
	}
	return out, nil
}

// Unboxed returns the kernel k as a native function of type F. The
// function type F must match the kernel's Go signature exactly. Boxed
// kernels are adapted to any function type F: arguments are pushed
// onto a stack and results popped from it. Such adapted functions
// report invocation errors through a trailing error result if F
// declares one, and panic otherwise.
func Unboxed[F any](k *Kernel) (F, error) {
	var zero F
	typ := reflect.TypeOf((*F)(nil)).Elem()
	if typ.Kind() != reflect.Func {
		return zero, errors.E(errors.Invalid, fmt.Sprintf("kernel.Unboxed: %s is not a function type", typ))
	}
	if !k.IsValid() {
		return zero, errors.E(errors.Invalid, "kernel.Unboxed: invalid kernel")
	}
	if k.kind != Boxed {
		if k.fn.Type() != typ {
			return zero, errors.E(errors.Invalid,
				fmt.Sprintf("kernel.Unboxed: kernel has type %s, not %s", k.fn.Type(), typ))
		}
		return k.fn.Interface().(F), nil
	}
	if typ.IsVariadic() {
		return zero, errors.E(errors.Invalid, fmt.Sprintf("kernel.Unboxed: %s is variadic", typ))
	}
	var (
		withContext = typ.NumIn() > 0 && typ.In(0) == typeOfContext
		withError   = typ.NumOut() > 0 && typ.Out(typ.NumOut()-1) == typeOfError
		nout        = typ.NumOut()
	)
	if withError {
		nout--
	}
	fn := reflect.MakeFunc(typ, func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		if withContext {
			if c, ok := in[0].Interface().(context.Context); ok && c != nil {
				ctx = c
			}
			in = in[1:]
		}
		stack := new(Stack)
		for _, v := range in {
			stack.Push(v.Interface())
		}
		err := k.boxed(ctx, opschema.OperatorName{}, stack)
		var out []interface{}
		if err == nil {
			out, err = stack.Pop(nout)
			if err == nil && stack.Len() != 0 {
				err = errors.E(errors.Invalid,
					fmt.Sprintf("boxed kernel left %d extra values on the stack", stack.Len()))
			}
		}
		results := make([]reflect.Value, typ.NumOut())
		for i := 0; i < nout; i++ {
			results[i] = reflect.Zero(typ.Out(i))
		}
		if err == nil {
			for i, v := range out {
				rv, cerr := convert(v, typ.Out(i))
				if cerr != nil {
					err = errors.E(errors.Invalid, fmt.Sprintf("return %d", i), cerr)
					break
				}
				results[i] = rv
			}
		}
		if err != nil && !withError {
			panic(err)
		}
		if withError {
			if err != nil {
				for i := 0; i < nout; i++ {
					results[i] = reflect.Zero(typ.Out(i))
				}
				results[nout] = reflect.ValueOf(&err).Elem()
			} else {
				results[nout] = reflect.Zero(typeOfError)
			}
		}
		return results
	})
	return fn.Interface().(F), nil
}

// convertArgs converts the provided arguments to the parameter types
// in. It is used to prepare both kernel and functor constructor
// calls.
func convertArgs(what string, in []reflect.Type, args []interface{}) ([]reflect.Value, error) {
	if got, want := len(args), len(in); got != want {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("%s: wrong number of arguments: got %d, want %d", what, got, want))
	}
	argv := make([]reflect.Value, len(args))
	for i, arg := range args {
		v, err := convert(arg, in[i])
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: argument %d", what, i), err)
		}
		argv[i] = v
	}
	return argv, nil
}

// convert returns the value x as a reflect.Value of type typ. Nil is
// accepted for nilable types. Numeric values are converted between
// Go types that share a schema type, so that, for example, an int64
// may be passed where an int is expected.
func convert(x interface{}, typ reflect.Type) (reflect.Value, error) {
	if x == nil {
		switch typ.Kind() {
		case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
			return reflect.Zero(typ), nil
		}
		return reflect.Value{}, errors.E(errors.Invalid, fmt.Sprintf("nil is not a valid %s", typ))
	}
	v := reflect.ValueOf(x)
	if v.Type().AssignableTo(typ) {
		if v.Type() == typ {
			return v, nil
		}
		nv := reflect.New(typ).Elem()
		nv.Set(v)
		return nv, nil
	}
	if numeric(v.Type()) && numeric(typ) && v.Type().ConvertibleTo(typ) {
		want, ok1 := opschema.TypeOf(typ)
		got, ok2 := opschema.TypeOf(v.Type())
		if ok1 && ok2 && want == got {
			if overflows(v, typ) {
				return reflect.Value{}, errors.E(errors.Invalid, fmt.Sprintf("value %v overflows %s", x, typ))
			}
			return v.Convert(typ), nil
		}
	}
	return reflect.Value{}, errors.E(errors.Invalid, fmt.Sprintf("expected %s, got %s", typ, v.Type()))
}

// overflows tells whether the numeric value v cannot be represented
// in type typ.
func overflows(v reflect.Value, typ reflect.Type) bool {
	z := reflect.Zero(typ)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch typ.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return z.OverflowInt(v.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return v.Int() < 0 || z.OverflowUint(uint64(v.Int()))
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		switch typ.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return v.Uint() > math.MaxInt64 || z.OverflowInt(int64(v.Uint()))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return z.OverflowUint(v.Uint())
		}
	case reflect.Float32, reflect.Float64:
		if typ.Kind() == reflect.Float32 || typ.Kind() == reflect.Float64 {
			return z.OverflowFloat(v.Float())
		}
	}
	return false
}

func numeric(typ reflect.Type) bool {
	switch typ.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
