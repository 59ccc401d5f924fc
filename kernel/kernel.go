// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kernel provides the type-erased representation of operator
// kernels. A Kernel wraps one callable behind a single invocation
// interface. Kernels are constructed from one of four sources:
//
//   - a typed Go function (FromFunc),
//   - a functor: a value with a Call method, minted per registration
//     by a constructor function (FromFunctor),
//   - a stateless lambda (FromLambda),
//   - a pre-boxed function operating on an argument Stack (FromBoxed).
//
// Every kernel can be invoked through the boxed calling convention
// (InvokeBoxed), and every kernel can be obtained as a natively typed
// function (Unboxed). Kernels built from typed sources also carry a
// schema inferred from their Go signature.
package kernel

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"runtime"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/opreg/opschema"
	"github.com/grailbio/opreg/typecheck"
)

// CallMethod is the name of the method that functors must implement.
const CallMethod = "Call"

// BoxedFunc is a kernel implemented on the boxed calling convention.
// It is handed the operator being invoked and a stack holding exactly
// the operator's arguments; it must replace them with its results.
type BoxedFunc func(ctx context.Context, op opschema.OperatorName, stack *Stack) error

var typeOfBoxedFunc = reflect.TypeOf(BoxedFunc(nil))

// Kind is the source variant a kernel was constructed from.
type Kind int

const (
	// Invalid is the kind of the zero Kernel.
	Invalid Kind = iota
	// Function kernels wrap a typed Go function.
	Function
	// Functor kernels wrap the Call method of a functor instance.
	Functor
	// Lambda kernels wrap a stateless closure.
	Lambda
	// Boxed kernels wrap a BoxedFunc.
	Boxed
)

func (k Kind) String() string {
	switch k {
	case Function:
		return "function"
	case Functor:
		return "functor"
	case Lambda:
		return "lambda"
	case Boxed:
		return "boxed"
	default:
		return "invalid"
	}
}

// A Kernel is a type-erased operator implementation. Kernels are
// immutable after construction and may be shared.
type Kernel struct {
	kind      Kind
	fn        reflect.Value
	sig       typecheck.Signature
	boxed     BoxedFunc
	through   bool
	schema    *opschema.FunctionSchema
	desc, loc string
}

// An Option configures kernel construction.
type Option func(o *options)

type options struct {
	noInference bool
}

// WithoutInference disables schema inference for the kernel. This is
// required for kernels whose argument types have no schema
// representation; the operator's schema must then be declared
// explicitly.
func WithoutInference() Option {
	return func(o *options) { o.noInference = true }
}

// FromFunc returns a kernel wrapping the typed function fn. Fn may
// take a leading context.Context and may return a trailing error;
// neither are part of the operator's signature.
func FromFunc(fn interface{}, opts ...Option) (*Kernel, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() {
		return nil, errors.E(errors.Invalid, "kernel function cannot be nil")
	}
	if v.Kind() != reflect.Func {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("kernel.FromFunc: argument is a %T, not a func", fn))
	}
	if v.IsNil() {
		return nil, errors.E(errors.Invalid, "kernel function cannot be nil")
	}
	if v.Type() == typeOfBoxedFunc {
		return nil, errors.E(errors.Invalid,
			"tried to register a boxed kernel function as a typed function; use kernel.FromBoxed instead")
	}
	return newUnboxed(Function, v, funcName(v), opts)
}

var typeOfBoxedSig = reflect.TypeOf((func(context.Context, opschema.OperatorName, *Stack) error)(nil))

// Of returns a kernel for the provided source, which may be a
// *Kernel, a BoxedFunc (or a function literal of the same type), a
// closure, or a top-level function. Closures are treated as lambdas
// and are subject to the same statefulness checks as FromLambda.
// Functor instances are rejected; use FromFunctor.
func Of(src interface{}, opts ...Option) (*Kernel, error) {
	switch src := src.(type) {
	case nil:
		return nil, errors.E(errors.Invalid, "kernel function cannot be nil")
	case *Kernel:
		if !src.IsValid() {
			return nil, errors.E(errors.Invalid, "invalid kernel")
		}
		return src, nil
	case BoxedFunc:
		return FromBoxed(src)
	}
	v := reflect.ValueOf(src)
	if v.Type() == typeOfBoxedSig {
		if v.IsNil() {
			return nil, errors.E(errors.Invalid, "kernel function cannot be nil")
		}
		return FromBoxed(BoxedFunc(src.(func(context.Context, opschema.OperatorName, *Stack) error)))
	}
	if v.Kind() != reflect.Func || v.IsNil() {
		return FromLambda(src, opts...)
	}
	if name := funcName(v); stateful(name) || closure.MatchString(name) {
		return FromLambda(src, opts...)
	}
	return FromFunc(src, opts...)
}

// closure matches the runtime names of function literals.
var closure = regexp.MustCompile(`\.func\d+(\.\d+)*$`)

// FromUnboxedOnly returns a kernel wrapping fn without inferring a
// schema for it.
func FromUnboxedOnly(fn interface{}) (*Kernel, error) {
	return FromFunc(fn, WithoutInference())
}

// FromLambda returns a kernel wrapping the stateless closure fn.
// Stateful callables are rejected: their state would be shared by
// every lookup of the kernel from the dispatch table. This includes
// method values, which are bound to (and share) their receiver, and
// functions constructed by reflect.MakeFunc. Kernels that need state
// must be written as functors and registered with FromFunctor, which
// mints a fresh instance per registration.
//
// Variables captured by a closure are not visible at runtime, so
// FromLambda cannot reject closures over mutable state. Such closures
// are accepted, and their captured state is shared by every call.
func FromLambda(fn interface{}, opts ...Option) (*Kernel, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() {
		return nil, errors.E(errors.Invalid, "kernel lambda cannot be nil")
	}
	if v.Kind() != reflect.Func {
		if _, ok := v.Type().MethodByName(CallMethod); ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf(
				"kernel.FromLambda is only meant to be used with lambdas, but %T is a functor; use kernel.FromFunctor instead", fn))
		}
		return nil, errors.E(errors.Invalid, fmt.Sprintf("kernel.FromLambda: argument is a %T, not a func", fn))
	}
	if v.IsNil() {
		return nil, errors.E(errors.Invalid, "kernel lambda cannot be nil")
	}
	if v.Type() == typeOfBoxedFunc {
		return nil, errors.E(errors.Invalid,
			"tried to register a boxed kernel function as a lambda; use kernel.FromBoxed instead")
	}
	name := funcName(v)
	if stateful(name) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"kernel lambdas must be stateless, but %s carries state; "+
				"if the kernel needs state, write it as a functor and use kernel.FromFunctor", name))
	}
	return newUnboxed(Lambda, v, name, opts)
}

// FromFunctor returns a kernel wrapping a new functor instance. The
// instance is constructed by calling ctor with the provided
// arguments; ctor must return the functor, optionally followed by an
// error. The functor must implement a Call method, which is the
// kernel's implementation. Each call to FromFunctor constructs a new
// instance, so kernels never share functor state.
func FromFunctor(ctor interface{}, args ...interface{}) (*Kernel, error) {
	v := reflect.ValueOf(ctor)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("kernel.FromFunctor: constructor is a %T, not a func", ctor))
	}
	typ := v.Type()
	if typ.IsVariadic() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("kernel.FromFunctor: constructor %s is variadic", typ))
	}
	switch {
	case typ.NumOut() == 1:
	case typ.NumOut() == 2 && typ.Out(1) == typeOfError:
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"kernel.FromFunctor: constructor %s must return the functor and an optional error", typ))
	}
	in := make([]reflect.Type, typ.NumIn())
	for i := range in {
		in[i] = typ.In(i)
	}
	argv, err := convertArgs("functor constructor", in, args)
	if err != nil {
		return nil, err
	}
	out := v.Call(argv)
	if len(out) == 2 && !out[1].IsNil() {
		return nil, errors.E(errors.Invalid, "kernel.FromFunctor: constructor failed", out[1].Interface().(error))
	}
	return FromFunctorValue(out[0].Interface())
}

// FromFunctorValue returns a kernel wrapping the provided functor
// instance. The caller must not share the instance with other
// kernels.
func FromFunctorValue(functor interface{}, opts ...Option) (*Kernel, error) {
	v := reflect.ValueOf(functor)
	if !v.IsValid() {
		return nil, errors.E(errors.Invalid, "kernel functor cannot be nil")
	}
	if v.Kind() == reflect.Func {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"kernel.FromFunctorValue: %T is a function; use kernel.FromFunc or kernel.FromLambda instead", functor))
	}
	method := v.MethodByName(CallMethod)
	if !method.IsValid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"kernel functor %T does not implement a %s method", functor, CallMethod))
	}
	return newUnboxed(Functor, method, fmt.Sprintf("%T", functor), opts)
}

// FromBoxed returns a kernel wrapping the boxed function fn. Boxed
// kernels carry no inferred schema.
func FromBoxed(fn BoxedFunc) (*Kernel, error) {
	if fn == nil {
		return nil, errors.E(errors.Invalid, "kernel function cannot be nil")
	}
	v := reflect.ValueOf(fn)
	return &Kernel{kind: Boxed, boxed: fn, desc: funcName(v), loc: funcLocation(v)}, nil
}

// Fallthrough returns a kernel which, when registered, indicates that
// dispatch should proceed as if no kernel were registered for its key.
func Fallthrough() *Kernel {
	return &Kernel{
		kind:    Boxed,
		through: true,
		desc:    "fallthrough",
		boxed:   invokeFallthrough,
	}
}

func invokeFallthrough(ctx context.Context, op opschema.OperatorName, stack *Stack) error {
	return errors.E(errors.Precondition, fmt.Sprintf("fallthrough kernel invoked for %s", op))
}

func newUnboxed(kind Kind, fn reflect.Value, desc string, opts []Option) (*Kernel, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	sig, err := typecheck.Split(fn.Type())
	if err != nil {
		return nil, err
	}
	k := &Kernel{kind: kind, fn: fn, sig: sig, desc: desc}
	if kind != Functor {
		k.loc = funcLocation(fn)
	}
	if !o.noInference {
		k.schema, err = typecheck.InferSchema(fn.Type())
		if err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Kind returns the source variant of the kernel.
func (k *Kernel) Kind() Kind { return k.kind }

// IsValid tells whether k was constructed by one of the
// constructors in this package.
func (k *Kernel) IsValid() bool { return k != nil && k.kind != Invalid }

// IsFallthrough tells whether k is a fallthrough kernel.
func (k *Kernel) IsFallthrough() bool { return k.through }

// IsBoxed tells whether k is implemented on the boxed convention.
func (k *Kernel) IsBoxed() bool { return k.kind == Boxed }

// Schema returns a copy of the kernel's inferred schema, or nil if
// the kernel has none.
func (k *Kernel) Schema() *opschema.FunctionSchema {
	if k.schema == nil {
		return nil
	}
	s := k.schema.Clone()
	return &s
}

// NumIn returns the number of operator arguments taken by the
// kernel, or -1 for boxed kernels.
func (k *Kernel) NumIn() int {
	if k.kind == Boxed {
		return -1
	}
	return len(k.sig.In)
}

// String returns a description of the kernel for debugging.
func (k *Kernel) String() string {
	s := fmt.Sprintf("%s %s", k.kind, k.desc)
	if k.schema != nil {
		s += k.schema.Signature()
	}
	if k.loc != "" {
		s += " (" + k.loc + ")"
	}
	return s
}

func funcName(v reflect.Value) string {
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return v.Type().String()
}

// funcLocation returns the source location of the function v, or the
// empty string if it is not known.
func funcLocation(v reflect.Value) string {
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return ""
	}
	file, line := f.FileLine(v.Pointer())
	return fmt.Sprintf("%s:%d", file, line)
}

// stateful tells whether the function with the provided runtime name
// is known to carry state: method values are compiled into wrappers
// whose names carry the "-fm" suffix, and reflect.MakeFunc closures
// all share the same stub.
func stateful(name string) bool {
	return strings.HasSuffix(name, "-fm") || strings.HasPrefix(name, "reflect.makeFuncStub")
}
