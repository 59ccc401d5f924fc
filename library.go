// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package opreg

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/opreg/dispatcher"
	"github.com/grailbio/opreg/dispatchkey"
	"github.com/grailbio/opreg/opschema"
	"github.com/grailbio/opreg/typecheck"
)

// AllNamespaces is the namespace of Impl libraries whose fallbacks
// apply to every namespace.
const AllNamespaces = dispatcher.AllNamespaces

// Kind is the kind of a Library.
type Kind int

const (
	// Def libraries define the operators of a namespace. There may
	// be only one Def library per namespace.
	Def Kind = iota
	// Impl libraries provide kernels for operators defined elsewhere,
	// usually for a single dispatch key.
	Impl
	// Fragment libraries define operators of a namespace that is
	// split across multiple libraries.
	Fragment
)

func (k Kind) String() string {
	switch k {
	case Def:
		return "Def"
	case Impl:
		return "Impl"
	case Fragment:
		return "Fragment"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// A Library registers operator definitions, kernels, and fallbacks
// for a single namespace. Impl libraries may additionally be bound
// to a dispatch key, which is used for all of their kernels. Every
// registration performed through a library is released by Close.
//
// The registration methods of Library panic with a *typecheck.Error
// on failure, so that libraries may be written as straight-line
// initialization code:
//
//	lib.Def("add(int a, int b) -> int").
//		Impl("add", opreg.Dispatch(dispatchkey.CPU, addCPU))
//
// Their Try counterparts return errors instead.
type Library struct {
	kind     Kind
	ns       string
	key      dispatchkey.Key
	d        Dispatcher
	location string
	handles  handles
}

// NewLibrary returns a new library of the provided kind for
// namespace ns, registering into dispatcher d. Key is the dispatch
// key of an Impl library; it must be Undefined for Def and Fragment
// libraries, and may be Undefined for Impl libraries. Creating a Def
// library claims its namespace in the dispatcher.
func NewLibrary(kind Kind, ns string, key dispatchkey.Key, d Dispatcher) (*Library, error) {
	return newLibrary(kind, ns, key, d, location(1))
}

func newLibrary(kind Kind, ns string, key dispatchkey.Key, d Dispatcher, loc string) (*Library, error) {
	if ns == "" {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%s library at %s has no namespace", kind, loc))
	}
	switch kind {
	case Def, Fragment:
		if key != dispatchkey.Undefined {
			return nil, errors.E(errors.Invalid, fmt.Sprintf(
				"%s library for namespace %s at %s cannot have a dispatch key (got %s)", kind, ns, loc, key))
		}
		if ns == AllNamespaces {
			return nil, errors.E(errors.Invalid, fmt.Sprintf(
				"%s library at %s cannot be defined for all namespaces", kind, loc))
		}
	case Impl:
		if key != dispatchkey.Undefined && !key.Valid() {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid dispatch key %s for library at %s", key, loc))
		}
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid library kind %s", kind))
	}
	l := &Library{kind: kind, ns: ns, key: key, d: d, location: loc}
	if kind == Def {
		h, err := d.RegisterLibrary(ns, l.debug())
		if err != nil {
			return nil, err
		}
		l.handles.add(h)
	}
	return l, nil
}

// Namespace returns the library's namespace.
func (l *Library) Namespace() string { return l.ns }

// Kind returns the library's kind.
func (l *Library) Kind() Kind { return l.kind }

// Len returns the number of registrations held by the library.
func (l *Library) Len() int { return l.handles.len() }

// Close releases every registration performed by the library, in
// reverse order. Each registration is released even if others fail;
// the first failure is returned.
func (l *Library) Close() error {
	return l.handles.releaseAll()
}

// Def defines an operator from its full schema text. Def panics with
// a *typecheck.Error on failure.
func (l *Library) Def(schema string) *Library {
	if err := l.def(1, schema); err != nil {
		typecheck.Panic(1, err)
	}
	return l
}

// TryDef is a version of Def that returns an error.
func (l *Library) TryDef(schema string) error {
	return l.def(1, schema)
}

// DefSchema defines an operator from a constructed schema.
func (l *Library) DefSchema(schema opschema.FunctionSchema) *Library {
	if err := l.defSchema(1, schema); err != nil {
		typecheck.Panic(1, err)
	}
	return l
}

// DefFunc defines an operator and registers src as its kernel. If
// nameOrSchema is a bare name, the schema is inferred from src;
// otherwise src must be compatible with the provided schema. The
// kernel is registered for src's dispatch key, if it was given one
// by Dispatch, and as a catch-all kernel otherwise.
func (l *Library) DefFunc(nameOrSchema string, src interface{}) *Library {
	if err := l.defFunc(1, nameOrSchema, Func(src)); err != nil {
		typecheck.Panic(1, err)
	}
	return l
}

// TryDefFunc is a version of DefFunc that returns an error.
func (l *Library) TryDefFunc(nameOrSchema string, src interface{}) error {
	return l.defFunc(1, nameOrSchema, Func(src))
}

// Impl registers src as a kernel of the named operator. The kernel's
// dispatch key is the one given by Dispatch, if any; otherwise the
// library's key; otherwise the kernel is a catch-all kernel.
func (l *Library) Impl(name string, src interface{}) *Library {
	if err := l.impl(1, name, Func(src)); err != nil {
		typecheck.Panic(1, err)
	}
	return l
}

// TryImpl is a version of Impl that returns an error.
func (l *Library) TryImpl(name string, src interface{}) error {
	return l.impl(1, name, Func(src))
}

// ImplFor registers src as the kernel of the named operator for the
// provided dispatch key or device. KeyOrDevice must be a
// dispatchkey.Key or a dispatchkey.DeviceType.
func (l *Library) ImplFor(name string, keyOrDevice interface{}, src interface{}) *Library {
	if err := l.implFor(1, name, keyOrDevice, src); err != nil {
		typecheck.Panic(1, err)
	}
	return l
}

// TryImplFor is a version of ImplFor that returns an error.
func (l *Library) TryImplFor(name string, keyOrDevice interface{}, src interface{}) error {
	return l.implFor(1, name, keyOrDevice, src)
}

// Fallback registers src as the fallback kernel of the library's
// namespace and dispatch key. The fallback handles every operator of
// the namespace (or of all namespaces, for the namespace "_") for
// which no kernel is registered for the key. Fallbacks require a
// concrete dispatch key, given either by the library or by Dispatch.
func (l *Library) Fallback(src interface{}) *Library {
	if err := l.fallback(1, Func(src)); err != nil {
		typecheck.Panic(1, err)
	}
	return l
}

// TryFallback is a version of Fallback that returns an error.
func (l *Library) TryFallback(src interface{}) error {
	return l.fallback(1, Func(src))
}

func (l *Library) def(calldepth int, text string) error {
	schema, err := opschema.Parse(text)
	if err != nil {
		return typecheck.NewError(calldepth+1, err)
	}
	schema.AliasAnalysis = opschema.FromSchema
	return l.defSchema(calldepth+1, schema)
}

func (l *Library) defSchema(calldepth int, schema opschema.FunctionSchema) error {
	if l.kind == Impl {
		return typecheck.Errorf(calldepth+1,
			"cannot define an operator inside of an Impl library (defining %s in %s)", schema.Name, l)
	}
	name, err := l.qualify(schema.Name)
	if err != nil {
		return typecheck.NewError(calldepth+1, err)
	}
	schema.Name = name
	h, err := l.d.RegisterDef(schema, location(calldepth+1))
	if err != nil {
		return typecheck.NewError(calldepth+1, err)
	}
	l.handles.add(h)
	return nil
}

func (l *Library) defFunc(calldepth int, text string, f Fn) error {
	if l.kind == Impl {
		return typecheck.Errorf(calldepth+1,
			"cannot define an operator inside of an Impl library (defining %s in %s)", text, l)
	}
	if f.err != nil {
		return typecheck.NewError(calldepth+1, f.err)
	}
	n, err := opschema.ParseNameOrSchema(text)
	if err != nil {
		return typecheck.NewError(calldepth+1, err)
	}
	name, err := l.qualify(n.Name())
	if err != nil {
		return typecheck.NewError(calldepth+1, err)
	}
	inferred := f.kernel.Schema()
	var schema opschema.FunctionSchema
	if n.IsSchema() {
		schema = n.Schema().Clone()
		schema.AliasAnalysis = opschema.FromSchema
		if inferred != nil {
			if diffs := typecheck.Differences(schema, *inferred); diffs != nil {
				return typecheck.Errorf(calldepth+1,
					"in definition of %s: expected schema %q, but got inferred schema %q from the kernel: %s",
					name, schema, inferred.Signature(), strings.Join(diffs, " "))
			}
		}
	} else {
		if inferred == nil {
			return typecheck.Errorf(calldepth+1,
				"cannot infer the schema of %s from its kernel; specify the schema explicitly", name)
		}
		schema = *inferred
	}
	schema.Name = name
	key := dispatchkey.CatchAll
	if k, ok := f.Key(); ok {
		key = k
	}
	debug := f.debug
	if debug == "" {
		debug = location(calldepth + 1)
	}
	hdef, err := l.d.RegisterDef(schema, debug)
	if err != nil {
		return typecheck.NewError(calldepth+1, err)
	}
	himpl, err := l.d.RegisterImpl(name, key, f.kernel, inferred, debug)
	if err != nil {
		if rerr := hdef.Release(); rerr != nil {
			err = errors.E(err, fmt.Sprintf("release of definition failed: %v", rerr))
		}
		return typecheck.NewError(calldepth+1, err)
	}
	l.handles.add(hdef, himpl)
	return nil
}

func (l *Library) implFor(calldepth int, name string, keyOrDevice interface{}, src interface{}) error {
	var f Fn
	switch k := keyOrDevice.(type) {
	case dispatchkey.Key:
		f = Dispatch(k, src)
	case dispatchkey.DeviceType:
		f = DispatchDevice(k, src)
	default:
		return typecheck.Errorf(calldepth+1,
			"impl of %s: expected a dispatch key or device type, got %T", name, keyOrDevice)
	}
	return l.impl(calldepth+1, name, f)
}

func (l *Library) impl(calldepth int, text string, f Fn) error {
	if l.ns == AllNamespaces {
		return typecheck.Errorf(calldepth+1,
			"cannot register kernels for %s in %s; only fallbacks may be registered for all namespaces", text, l)
	}
	if f.err != nil {
		return typecheck.NewError(calldepth+1, f.err)
	}
	n, err := opschema.ParseName(text)
	if err != nil {
		return typecheck.NewError(calldepth+1, err)
	}
	name, err := l.qualify(n)
	if err != nil {
		return typecheck.NewError(calldepth+1, err)
	}
	key, err := l.resolveKey(f)
	if err != nil {
		return typecheck.NewError(calldepth+1, err)
	}
	if key == dispatchkey.Undefined {
		key = dispatchkey.CatchAll
	}
	debug := f.debug
	if debug == "" {
		debug = location(calldepth + 1)
	}
	h, err := l.d.RegisterImpl(name, key, f.kernel, f.kernel.Schema(), debug)
	if err != nil {
		return typecheck.NewError(calldepth+1, err)
	}
	l.handles.add(h)
	return nil
}

func (l *Library) fallback(calldepth int, f Fn) error {
	if l.kind != Impl {
		return typecheck.Errorf(calldepth+1,
			"fallbacks may only be registered in Impl libraries; %s is a %s library", l.ns, l.kind)
	}
	if f.err != nil {
		return typecheck.NewError(calldepth+1, f.err)
	}
	key, err := l.resolveKey(f)
	if err != nil {
		return typecheck.NewError(calldepth+1, err)
	}
	if key == dispatchkey.Undefined {
		return typecheck.Errorf(calldepth+1,
			"fallback for namespace %s must have a concrete dispatch key", l.ns)
	}
	debug := f.debug
	if debug == "" {
		debug = location(calldepth + 1)
	}
	h, err := l.d.RegisterFallback(l.ns, key, f.kernel, debug)
	if err != nil {
		return typecheck.NewError(calldepth+1, err)
	}
	l.handles.add(h)
	return nil
}

// qualify qualifies name with the library's namespace. Names that
// are already qualified must be qualified with the library's
// namespace.
func (l *Library) qualify(name opschema.OperatorName) (opschema.OperatorName, error) {
	ns, ok := name.Namespace()
	if !ok {
		return name.WithNamespace(l.ns), nil
	}
	if ns != l.ns {
		return name, errors.E(errors.Invalid, fmt.Sprintf(
			"explicitly provided namespace (%s) in operator name %s does not match the namespace of the enclosing %s library (%s)",
			ns, name, l.kind, l.ns))
	}
	return name, nil
}

// resolveKey returns the dispatch key for f: its own key if given,
// otherwise the library's. The two may not conflict.
func (l *Library) resolveKey(f Fn) (dispatchkey.Key, error) {
	key, ok := f.Key()
	if !ok {
		return l.key, nil
	}
	if l.key != dispatchkey.Undefined && key != l.key {
		return key, errors.E(errors.Invalid, fmt.Sprintf(
			"explicitly provided dispatch key (%s) is inconsistent with the dispatch key of the enclosing %s library (%s)",
			key, l.kind, l.key))
	}
	return key, nil
}

func (l *Library) debug() string {
	return fmt.Sprintf("%s library %s registered at %s", l.kind, l.ns, l.location)
}

// String returns a description of the library and where it was
// created.
func (l *Library) String() string {
	if l.key != dispatchkey.Undefined {
		return fmt.Sprintf("%s library %s[%s] at %s", l.kind, l.ns, l.key, l.location)
	}
	return fmt.Sprintf("%s library %s at %s", l.kind, l.ns, l.location)
}
