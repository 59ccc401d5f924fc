// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package opreg

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/opreg/dispatcher"
	"github.com/grailbio/opreg/dispatchkey"
	"github.com/grailbio/opreg/kernel"
	"github.com/grailbio/opreg/opschema"
	"github.com/grailbio/opreg/optest"
	"github.com/grailbio/opreg/typecheck"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

// opNameKernel is a boxed kernel that replaces its arguments with the
// name of the operator it was invoked for.
func opNameKernel(ctx context.Context, op opschema.OperatorName, stack *kernel.Stack) error {
	if _, err := stack.Pop(stack.Len()); err != nil {
		return err
	}
	stack.Push(op.String())
	return nil
}

func mustLibrary(t *testing.T, kind Kind, ns string, key dispatchkey.Key, d Dispatcher) *Library {
	t.Helper()
	l, err := NewLibrary(kind, ns, key, d)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestLibraryDefImpl(t *testing.T) {
	d := dispatcher.New()
	def := mustLibrary(t, Def, "ns", dispatchkey.Undefined, d)
	def.Def("add(int a, int b) -> int")
	implA := mustLibrary(t, Impl, "ns", dispatchkey.CPU, d)
	implA.Impl("add", addA)
	implB := mustLibrary(t, Impl, "ns", dispatchkey.CUDA, d)
	implB.Impl("ns::add", addB)

	add := opName("ns::add")
	expect.EQ(t, d.Keys(add), []dispatchkey.Key{dispatchkey.CPU, dispatchkey.CUDA})
	s, ok := d.Schema(add)
	if !ok {
		t.Fatal("operator not defined")
	}
	if got, want := s.AliasAnalysis, opschema.FromSchema; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	out, err := d.Call(context.Background(), add, dispatchkey.CUDA, 1, 2)
	assert.NoError(t, err)
	expect.EQ(t, out, []interface{}{12})

	assert.NoError(t, implA.Close())
	expect.EQ(t, d.Keys(add), []dispatchkey.Key{dispatchkey.CUDA})
	if _, err := d.Lookup(add, dispatchkey.CPU); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
	assert.NoError(t, implB.Close())
	assert.NoError(t, def.Close())
	if got, want := d.Stats().Operators, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLibraryDefFunc(t *testing.T) {
	var d optest.Dispatcher
	l := mustLibrary(t, Def, "m", dispatchkey.Undefined, &d)
	l.DefFunc("mul", mul).
		DefFunc("sub(int a, int b) -> int", Dispatch(dispatchkey.CPU, func(a, b int) int { return a - b })).
		DefFunc("neg(int a) -> int", UnboxedOnly(func(a int) int { return -a }))
	expect.EQ(t, d.Strings(), []string{
		"library m",
		"def m::mul(int _0, int _1) -> int",
		"impl m::mul[CatchAll]",
		"def m::sub(int a, int b) -> int",
		"impl m::sub[CPU]",
		"def m::neg(int a) -> int",
		"impl m::neg[CatchAll]",
	})
	if got, want := l.Len(), 7; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, c := range []struct {
		schema string
		src    interface{}
		err    string
	}{
		{"div(int a) -> int", mul, "The number of arguments is different. 1 vs 2."},
		{"div", UnboxedOnly(mul), "cannot infer the schema of m::div"},
		{"other::div", mul, "does not match the namespace"},
		{"div", nil, "kernel function cannot be nil"},
		{"div", Fn{}, "kernel function cannot be nil"},
	} {
		err := l.TryDefFunc(c.schema, c.src)
		if err == nil || !strings.Contains(err.Error(), c.err) {
			t.Errorf("%s: got %v, want error containing %q", c.schema, err, c.err)
		}
	}
	if got, want := d.Len(), 7; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLibraryDefFuncPartialFailure(t *testing.T) {
	var d optest.Dispatcher
	d.FailOn(optest.RegisterImpl, 0)
	l := mustLibrary(t, Def, "m", dispatchkey.Undefined, &d)
	if err := l.TryDefFunc("mul", mul); err == nil {
		t.Fatal("expected error")
	}
	expect.EQ(t, d.Strings(), []string{"library m"})
	if got, want := l.Len(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNewLibraryErrors(t *testing.T) {
	for _, c := range []struct {
		kind Kind
		ns   string
		key  dispatchkey.Key
		err  string
	}{
		{Def, "", dispatchkey.Undefined, "has no namespace"},
		{Def, "ns", dispatchkey.CPU, "cannot have a dispatch key"},
		{Fragment, "ns", dispatchkey.CatchAll, "cannot have a dispatch key"},
		{Def, AllNamespaces, dispatchkey.Undefined, "cannot be defined for all namespaces"},
		{Fragment, AllNamespaces, dispatchkey.Undefined, "cannot be defined for all namespaces"},
		{Impl, "ns", dispatchkey.Key(1000), "invalid dispatch key"},
		{Kind(7), "ns", dispatchkey.Undefined, "invalid library kind"},
	} {
		var d optest.Dispatcher
		_, err := NewLibrary(c.kind, c.ns, c.key, &d)
		if err == nil || !strings.Contains(err.Error(), c.err) {
			t.Errorf("%s %q: got %v, want error containing %q", c.kind, c.ns, err, c.err)
		}
		if got, want := d.Len(), 0; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestLibraryDefUnique(t *testing.T) {
	d := dispatcher.New()
	first := mustLibrary(t, Def, "ns", dispatchkey.Undefined, d)
	_, err := NewLibrary(Def, "ns", dispatchkey.Undefined, d)
	if !errors.Is(errors.Exists, err) {
		t.Errorf("got %v, want Exists", err)
	}
	// Fragments may share a namespace with the Def library and with
	// each other.
	frag1 := mustLibrary(t, Fragment, "ns", dispatchkey.Undefined, d)
	frag2 := mustLibrary(t, Fragment, "ns", dispatchkey.Undefined, d)
	frag1.Def("f(int a) -> int")
	frag2.Def("g(int a) -> int")
	// Identical definitions are shared.
	first.Def("f(int a) -> int")
	if err := frag2.TryDef("f(str a) -> int"); err == nil || !strings.Contains(err.Error(), "ns::f") {
		t.Errorf("bad error %v", err)
	}
	assert.NoError(t, frag1.Close())
	if _, ok := d.Schema(opName("ns::f")); !ok {
		t.Error("shared definition was released")
	}
	assert.NoError(t, first.Close())
	if _, ok := d.Schema(opName("ns::f")); ok {
		t.Error("definition was not released")
	}
	second := mustLibrary(t, Def, "ns", dispatchkey.Undefined, d)
	assert.NoError(t, second.Close())
	assert.NoError(t, frag2.Close())
}

func TestLibraryErrors(t *testing.T) {
	var d optest.Dispatcher
	def := mustLibrary(t, Def, "ns", dispatchkey.Undefined, &d)
	impl := mustLibrary(t, Impl, "ns", dispatchkey.CPU, &d)
	all := mustLibrary(t, Impl, AllNamespaces, dispatchkey.CPU, &d)
	for _, c := range []struct {
		name string
		err  error
		want string
	}{
		{"def in impl", impl.TryDef("f(int a) -> int"), "cannot define an operator inside of an Impl library"},
		{"deffunc in impl", impl.TryDefFunc("f", mul), "cannot define an operator inside of an Impl library"},
		{"bad schema", def.TryDef("f(int a -> int"), "f(int a -> int"},
		{"namespace", def.TryDef("other::f(int a) -> int"), "explicitly provided namespace (other)"},
		{"impl namespace", impl.TryImpl("other::f", mul), "does not match the namespace of the enclosing Impl library (ns)"},
		{"key conflict", impl.TryImplFor("f", dispatchkey.CUDA, mul), "inconsistent with the dispatch key"},
		{"key type", impl.TryImplFor("f", "CPU", mul), "expected a dispatch key or device type, got string"},
		{"all namespaces", all.TryImpl("f", mul), "only fallbacks may be registered for all namespaces"},
		{"fallback in def", def.TryFallback(opNameKernel), "fallbacks may only be registered in Impl libraries"},
		{"nil kernel", impl.TryImpl("f", nil), "kernel function cannot be nil"},
		{"zero Fn", impl.TryImpl("f", Fn{}), "kernel function cannot be nil"},
		{"zero Fn for key", impl.TryImplFor("f", dispatchkey.CPU, Fn{}), "kernel function cannot be nil"},
		{"zero Fn fallback", impl.TryFallback(Fn{}), "kernel function cannot be nil"},
	} {
		if c.err == nil || !strings.Contains(c.err.Error(), c.want) {
			t.Errorf("%s: got %v, want error containing %q", c.name, c.err, c.want)
		}
		if _, ok := c.err.(*typecheck.Error); !ok {
			t.Errorf("%s: got %T, want *typecheck.Error", c.name, c.err)
		}
	}
	expect.EQ(t, d.Strings(), []string{"library ns"})
}

func TestLibraryErrorLocation(t *testing.T) {
	var d optest.Dispatcher
	l := mustLibrary(t, Def, "ns", dispatchkey.Undefined, &d)
	err := l.TryDef("f(")
	e, ok := err.(*typecheck.Error)
	if !ok {
		t.Fatalf("got %T, want *typecheck.Error", err)
	}
	if got, want := filepath.Base(e.File), "library_test.go"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	defer func() {
		e, ok := recover().(*typecheck.Error)
		if !ok {
			t.Fatal("expected *typecheck.Error")
		}
		if got, want := filepath.Base(e.File), "library_test.go"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}()
	l.Def("g(")
}

func TestLibraryImplKeys(t *testing.T) {
	var d optest.Dispatcher
	l := mustLibrary(t, Impl, "ns", dispatchkey.Undefined, &d)
	l.Impl("a", mul).
		Impl("b", Dispatch(dispatchkey.XLA, mul)).
		Impl("c", Dispatch(dispatchkey.CatchAll, mul)).
		ImplFor("d", dispatchkey.Autograd, mul).
		ImplFor("e", dispatchkey.DeviceHIP, mul).
		Impl("f", DispatchDevice(dispatchkey.DeviceCUDA, mul).Debug("custom kernel"))
	expect.EQ(t, d.Strings(), []string{
		"impl ns::a[CatchAll]",
		"impl ns::b[XLA]",
		"impl ns::c[CatchAll]",
		"impl ns::d[Autograd]",
		"impl ns::e[HIP]",
		"impl ns::f[CUDA]",
	})
	if got, want := d.Entries()[5].Debug, "custom kernel"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	err := l.TryImplFor("g", dispatchkey.DeviceOpenGL, mul)
	if err == nil || !strings.Contains(err.Error(), "cannot be overloaded at dispatch time") {
		t.Errorf("bad error %v", err)
	}
	err = l.TryImpl("g", Dispatch(dispatchkey.Undefined, mul))
	if err == nil || !strings.Contains(err.Error(), "invalid dispatch key") {
		t.Errorf("bad error %v", err)
	}
}

func TestLibraryFallback(t *testing.T) {
	var d optest.Dispatcher
	l := mustLibrary(t, Impl, "ns", dispatchkey.XLA, &d)
	l.Fallback(opNameKernel)
	for _, name := range []string{"ns::add", "ns::anything", "ns::mul.out", "ns::sub"} {
		k, ok := d.Lookup(opName(name), dispatchkey.XLA)
		if !ok {
			t.Errorf("%s: no kernel", name)
			continue
		}
		if !k.IsBoxed() {
			t.Errorf("%s: expected boxed kernel", name)
		}
	}
	if _, ok := d.Lookup(opName("ns::add"), dispatchkey.CPU); ok {
		t.Error("fallback applies to other keys")
	}
	if _, ok := d.Lookup(opName("other::add"), dispatchkey.XLA); ok {
		t.Error("fallback applies to other namespaces")
	}

	nokey := mustLibrary(t, Impl, "ns", dispatchkey.Undefined, &d)
	if err := nokey.TryFallback(opNameKernel); err == nil || !strings.Contains(err.Error(), "concrete dispatch key") {
		t.Errorf("bad error %v", err)
	}
	nokey.Fallback(Dispatch(dispatchkey.CUDA, opNameKernel))
	expect.EQ(t, d.Strings(), []string{"fallback ns[XLA]", "fallback ns[CUDA]"})
}

func TestLibraryFallbackDispatch(t *testing.T) {
	d := dispatcher.New()
	ns := mustLibrary(t, Impl, "ns", dispatchkey.XLA, d)
	ns.Fallback(opNameKernel)
	all := mustLibrary(t, Impl, AllNamespaces, dispatchkey.Autograd, d)
	all.Fallback(opNameKernel)
	through := mustLibrary(t, Impl, "ns", dispatchkey.Autograd, d)
	through.Fallback(Fallthrough())

	for _, c := range []struct {
		name string
		key  dispatchkey.Key
	}{
		{"ns::add", dispatchkey.XLA},
		{"ns::add", dispatchkey.Autograd},
		{"other::sub", dispatchkey.Autograd},
		{"sub", dispatchkey.Autograd},
	} {
		out, err := d.Call(context.Background(), opName(c.name), c.key, 1, 2)
		assert.NoError(t, err)
		expect.EQ(t, out, []interface{}{c.name})
	}
	if _, err := d.Lookup(opName("other::sub"), dispatchkey.XLA); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}

	// Operator kernels take precedence over fallbacks.
	impl := mustLibrary(t, Impl, "ns", dispatchkey.Undefined, d)
	impl.Impl("add", addA)
	out, err := d.Call(context.Background(), opName("ns::add"), dispatchkey.XLA, 1, 2)
	assert.NoError(t, err)
	expect.EQ(t, out, []interface{}{3})

	dup := mustLibrary(t, Impl, "ns", dispatchkey.XLA, d)
	if err := dup.TryFallback(opNameKernel); err == nil {
		t.Error("expected duplicate fallback error")
	}
	for _, l := range []*Library{impl, through, all, ns} {
		assert.NoError(t, l.Close())
	}
	if got, want := d.Stats().Fallbacks, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLibraryClose(t *testing.T) {
	var d optest.Dispatcher
	l := mustLibrary(t, Def, "ns", dispatchkey.Undefined, &d)
	l.Def("f(int a) -> int").DefFunc("g", mul)
	d.FailRelease(2, errors.E("release failed"))
	if err := l.Close(); err == nil || !strings.Contains(err.Error(), "release failed") {
		t.Errorf("bad error %v", err)
	}
	expect.EQ(t, d.Released(), []int{3, 2, 1, 0})
	if got, want := l.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	assert.NoError(t, l.Close())
}
