// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package opreg

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/opreg/dispatchkey"
	"github.com/grailbio/opreg/kernel"
	"github.com/grailbio/opreg/opschema"
)

// A FunctorSource names a functor constructor together with the
// arguments with which it is invoked. A new functor instance is
// constructed for each registration.
type FunctorSource struct {
	Ctor interface{}
	Args []interface{}
}

// Functor returns a kernel source that constructs its functor by
// calling ctor(args...).
func Functor(ctor interface{}, args ...interface{}) FunctorSource {
	return FunctorSource{ctor, args}
}

// kernelOf returns the kernel for source src. Src may be anything
// accepted by kernel.Of, or a FunctorSource. If ctorArgs are
// provided, src is taken to be a functor constructor.
func kernelOf(src interface{}, ctorArgs []interface{}) (*kernel.Kernel, error) {
	if len(ctorArgs) > 0 {
		return kernel.FromFunctor(src, ctorArgs...)
	}
	switch src := src.(type) {
	case FunctorSource:
		return kernel.FromFunctor(src.Ctor, src.Args...)
	case Fn:
		if src.err != nil {
			return nil, src.err
		}
		if src.kernel == nil {
			return nil, errors.E(errors.Invalid, "kernel function cannot be nil")
		}
		return src.kernel, nil
	}
	return kernel.Of(src)
}

type kernelEntry struct {
	key    dispatchkey.Key
	kernel *kernel.Kernel
	debug  string
}

// Options is a builder for a single operator registration: a schema
// (or operator name), a set of kernels keyed by dispatch key, and an
// optional alias analysis override. Options are built with chained
// calls and then consumed, exactly once, by Registrar.Op:
//
//	opts := opreg.NewOptions().
//		Schema("myops::add(int a, int b) -> int").
//		Kernel(dispatchkey.CPU, addCPU).
//		CatchAllKernel(addGeneric)
//
// Configuration errors are recorded rather than returned; the first
// is reported by Err and by the registrar that consumes the options.
// Options have no effect on any dispatcher until consumed.
type Options struct {
	schema      *opschema.NameOrSchema
	kernels     []kernelEntry
	alias       *opschema.AliasAnalysisKind
	err         errors.Once
	consumed    bool
	schemaDebug string
}

// NewOptions returns a new, empty set of registration options.
func NewOptions() *Options {
	return new(Options)
}

// Schema sets the operator's schema, parsed from text, which may be
// either a full schema or a bare operator name. With a bare name,
// the schema is inferred from the registered kernels. The schema may
// be set only once.
func (o *Options) Schema(text string) *Options {
	n, err := opschema.ParseNameOrSchema(text)
	if err != nil {
		o.err.Set(err)
		return o
	}
	o.setSchema(n, location(1))
	return o
}

// FunctionSchema sets the operator's schema to s. The schema may be
// set only once.
func (o *Options) FunctionSchema(s opschema.FunctionSchema) *Options {
	o.setSchema(opschema.OfSchema(s.Clone()), location(1))
	return o
}

func (o *Options) setSchema(n opschema.NameOrSchema, debug string) {
	if o.schema != nil {
		o.err.Set(errors.E(errors.Invalid, fmt.Sprintf(
			"tried to register operator %s but specified schema multiple times; "+
				"you can only specify the schema once per operator registration", n)))
		return
	}
	o.schema = &n
	o.schemaDebug = debug
}

// Kernel adds a kernel for dispatch key key. The kernel source src
// may be a function, a stateless closure, a *kernel.Kernel, a boxed
// function, or a FunctorSource. If ctorArgs are given, src must be a
// functor constructor which is invoked with them. Duplicate keys are
// reported when the options are consumed.
func (o *Options) Kernel(key dispatchkey.Key, src interface{}, ctorArgs ...interface{}) *Options {
	o.addKernel(key, src, ctorArgs, location(1))
	return o
}

// CatchAllKernel adds a kernel that is used for every dispatch key
// that has no specific kernel.
func (o *Options) CatchAllKernel(src interface{}, ctorArgs ...interface{}) *Options {
	o.addKernel(dispatchkey.CatchAll, src, ctorArgs, location(1))
	return o
}

func (o *Options) addKernel(key dispatchkey.Key, src interface{}, ctorArgs []interface{}, debug string) {
	if !key.Valid() {
		o.err.Set(errors.E(errors.Invalid, fmt.Sprintf("invalid dispatch key %s", key)))
		return
	}
	if f, ok := src.(Fn); ok {
		if fkey, ok := f.Key(); ok && fkey != key {
			o.err.Set(errors.E(errors.Invalid, fmt.Sprintf(
				"explicitly provided dispatch key (%s) is inconsistent with the dispatch key of the kernel registration (%s)",
				fkey, key)))
			return
		}
	}
	k, err := kernelOf(src, ctorArgs)
	if err != nil {
		o.err.Set(errors.E(errors.Invalid, fmt.Sprintf("kernel for dispatch key %s", key), err))
		return
	}
	o.kernels = append(o.kernels, kernelEntry{key, k, debug})
}

// AliasAnalysis overrides the alias analysis kind of the operator's
// schema. It may be called only once.
func (o *Options) AliasAnalysis(kind opschema.AliasAnalysisKind) *Options {
	if o.alias != nil {
		o.err.Set(errors.E(errors.Invalid,
			"you can only call AliasAnalysis once per operator registration"))
		return o
	}
	o.alias = &kind
	return o
}

// Err returns the first configuration error recorded by the options.
func (o *Options) Err() error {
	return o.err.Err()
}
