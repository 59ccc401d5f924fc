// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package typecheck contains the typechecking and inference utilities
// used when operators are registered: schema inference from Go
// function types, schema difference reports, and errors that carry
// the location of the offending registration.
package typecheck

import (
	"context"
	"fmt"
	"reflect"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/opreg/opschema"
)

var (
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
)

// Signature describes the calling convention of a kernel function
// type: which of its parameters and results make up the operator's
// arguments and returns.
type Signature struct {
	// In and Out are the operator's argument and return types.
	In, Out []reflect.Type
	// Context is true if the function takes a leading context.Context.
	Context bool
	// Error is true if the function returns a trailing error.
	Error bool
}

// Split splits the function type fn into its operator signature. A
// leading context.Context parameter and a trailing error result are
// part of the calling convention, not of the operator's signature.
func Split(fn reflect.Type) (Signature, error) {
	if fn.Kind() != reflect.Func {
		return Signature{}, errors.E(errors.Invalid, fmt.Sprintf("%s is not a function type", fn))
	}
	if fn.IsVariadic() {
		return Signature{}, errors.E(errors.Invalid,
			fmt.Sprintf("variadic function %s cannot be used as a kernel", fn))
	}
	var sig Signature
	for i := 0; i < fn.NumIn(); i++ {
		typ := fn.In(i)
		if i == 0 && typ == typeOfContext {
			sig.Context = true
			continue
		}
		sig.In = append(sig.In, typ)
	}
	for i := 0; i < fn.NumOut(); i++ {
		typ := fn.Out(i)
		if i == fn.NumOut()-1 && typ == typeOfError {
			sig.Error = true
			continue
		}
		sig.Out = append(sig.Out, typ)
	}
	return sig, nil
}

// InferSchema synthesizes a function schema from the function type
// fn. The returned schema has an empty operator name; its arguments
// are named by position (_0, _1, ...) and its returns are unnamed.
// InferSchema uses only type information. It fails if fn is not a
// function, is variadic, or uses types that have no schema
// representation (see opschema.RegisterType).
func InferSchema(fn reflect.Type) (*opschema.FunctionSchema, error) {
	sig, err := Split(fn)
	if err != nil {
		return nil, err
	}
	schema := new(opschema.FunctionSchema)
	for i, typ := range sig.In {
		t, ok := opschema.TypeOf(typ)
		if !ok {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("cannot infer schema for %s: argument %d has unsupported type %s", fn, i, typ))
		}
		schema.Arguments = append(schema.Arguments, opschema.Argument{
			Name: fmt.Sprintf("_%d", i),
			Type: t,
		})
	}
	for i, typ := range sig.Out {
		t, ok := opschema.TypeOf(typ)
		if !ok {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("cannot infer schema for %s: return %d has unsupported type %s", fn, i, typ))
		}
		schema.Returns = append(schema.Returns, opschema.Argument{Type: t})
	}
	return schema, nil
}

// Differences describes the structural differences between the
// expected and the actual schemas. It returns nil if the schemas are
// compatible.
func Differences(expected, actual opschema.FunctionSchema) []string {
	var diffs []string
	if got, want := len(actual.Arguments), len(expected.Arguments); got != want {
		diffs = append(diffs, fmt.Sprintf("The number of arguments is different. %d vs %d.", want, got))
	} else {
		for i := range expected.Arguments {
			if got, want := actual.Arguments[i].Type, expected.Arguments[i].Type; got != want {
				diffs = append(diffs, fmt.Sprintf("Type mismatch in argument %d: %s vs %s.", i+1, want, got))
			}
		}
	}
	if got, want := len(actual.Returns), len(expected.Returns); got != want {
		diffs = append(diffs, fmt.Sprintf("The number of returns is different. %d vs %d.", want, got))
	} else {
		for i := range expected.Returns {
			if got, want := actual.Returns[i].Type, expected.Returns[i].Type; got != want {
				diffs = append(diffs, fmt.Sprintf("Type mismatch in return %d: %s vs %s.", i+1, want, got))
			}
		}
	}
	return diffs
}
