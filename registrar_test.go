// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package opreg

import (
	"context"
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

func addA(a, b int) int { return a + b }
func addB(a, b int) int { return 10*a + b }
func mul(a, b int) int { return a * b }

type accumulator struct{ sum int }

func newAccumulator(start int) *accumulator { return &accumulator{start} }

func (a *accumulator) Call(x int) int {
	a.sum += x
	return a.sum
}

func (a *accumulator) Reset() int {
	a.sum = 0
	return 0
}

func opName(s string) opschema.OperatorName {
	n, err := opschema.ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func TestRegistrarKeys(t *testing.T) {
	d := dispatcher.New()
	r := NewRegistrar(d)
	err := r.Op(NewOptions().
		Schema("add(int a, int b) -> int").
		Kernel(dispatchkey.CPU, addA).
		Kernel(dispatchkey.CUDA, addB))
	assert.NoError(t, err)
	if got, want := r.Len(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	expect.EQ(t, d.Keys(opName("add")), []dispatchkey.Key{dispatchkey.CPU, dispatchkey.CUDA})
	for _, c := range []struct {
		key  dispatchkey.Key
		want int
	}{
		{dispatchkey.CPU, 5},
		{dispatchkey.CUDA, 23},
	} {
		out, err := d.Call(context.Background(), opName("add"), c.key, 2, 3)
		assert.NoError(t, err)
		expect.EQ(t, out, []interface{}{c.want})
	}
	s, ok := d.Schema(opName("add"))
	if !ok {
		t.Fatal("operator not defined")
	}
	if got, want := s.String(), "add(int a, int b) -> int"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	assert.NoError(t, r.Close())
	if got, want := len(d.Operators()), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Close is idempotent.
	assert.NoError(t, r.Close())
}

func TestRegistrarInference(t *testing.T) {
	d := dispatcher.New()
	r := NewRegistrar(d)
	assert.NoError(t, r.OpFunc("mul", mul))
	s, ok := d.Schema(opName("mul"))
	if !ok {
		t.Fatal("operator not defined")
	}
	if got, want := s.String(), "mul(int _0, int _1) -> int"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.AliasAnalysis, opschema.Conservative; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	out, err := d.Call(context.Background(), opName("mul"), dispatchkey.CPU, 6, 7)
	assert.NoError(t, err)
	expect.EQ(t, out, []interface{}{42})
	for _, args := range [][]interface{}{{6}, {6, 7, 8}} {
		if _, err := d.Call(context.Background(), opName("mul"), dispatchkey.CPU, args...); err == nil {
			t.Errorf("%v: expected arity error", args)
		}
	}
}

func TestRegistrarDuplicateKeys(t *testing.T) {
	var d optest.Dispatcher
	r := NewRegistrar(&d)
	err := r.Op(NewOptions().
		Schema("f(int a, int b) -> int").
		Kernel(dispatchkey.CPU, addA).
		Kernel(dispatchkey.CPU, addB))
	if err == nil || !strings.Contains(err.Error(), "multiple kernels registered for dispatch key CPU") {
		t.Errorf("bad error %v", err)
	}
	err = r.Op(NewOptions().
		Schema("f(int a, int b) -> int").
		CatchAllKernel(addA).
		Kernel(dispatchkey.CatchAll, addB))
	if err == nil || !strings.Contains(err.Error(), "multiple catch-all kernels") {
		t.Errorf("bad error %v", err)
	}
	if got, want := d.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(d.Log()), 0; got != want {
		t.Errorf("dispatcher was called: %v", d.Log())
	}
}

func TestOptionsErrors(t *testing.T) {
	opts := NewOptions().Schema("f(int a) -> int").Schema("f(int b) -> int")
	if err := opts.Err(); err == nil || !strings.Contains(err.Error(), "only specify the schema once") {
		t.Errorf("bad error %v", err)
	}
	opts = NewOptions().Schema("f").AliasAnalysis(opschema.PureFunction).AliasAnalysis(opschema.Conservative)
	if err := opts.Err(); err == nil || !strings.Contains(err.Error(), "AliasAnalysis once") {
		t.Errorf("bad error %v", err)
	}
	opts = NewOptions().Schema("f(int a -> int")
	if err := opts.Err(); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
	opts = NewOptions().Schema("f").CatchAllKernel(nil)
	if err := opts.Err(); err == nil || !strings.Contains(err.Error(), "kernel function cannot be nil") {
		t.Errorf("bad error %v", err)
	}
	opts = NewOptions().Schema("f").Kernel(dispatchkey.CPU, Dispatch(dispatchkey.CUDA, mul))
	if err := opts.Err(); err == nil || !strings.Contains(err.Error(), "explicitly provided dispatch key (CUDA)") {
		t.Errorf("bad error %v", err)
	}
	opts = NewOptions().Schema("f").CatchAllKernel(Dispatch(dispatchkey.CPU, mul))
	if err := opts.Err(); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
	opts = NewOptions().Schema("f").Kernel(dispatchkey.CPU, Fn{})
	if err := opts.Err(); err == nil || !strings.Contains(err.Error(), "kernel function cannot be nil") {
		t.Errorf("bad error %v", err)
	}
	// The first error wins.
	opts = NewOptions().Kernel(dispatchkey.Undefined, addA).Schema("g").Schema("h")
	if err := opts.Err(); err == nil || !strings.Contains(err.Error(), "invalid dispatch key") {
		t.Errorf("bad error %v", err)
	}

	var d optest.Dispatcher
	r := NewRegistrar(&d)
	if err := r.Op(opts); err == nil {
		t.Error("expected error")
	}
	if got, want := d.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestOptionsConsumedOnce(t *testing.T) {
	var d optest.Dispatcher
	r := NewRegistrar(&d)
	opts := NewOptions().Schema("f").CatchAllKernel(mul)
	assert.NoError(t, r.Op(opts))
	if err := r.Op(opts); err == nil {
		t.Error("expected error")
	}
	if got, want := d.Len(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRegistrarSchemaResolution(t *testing.T) {
	for _, c := range []struct {
		opts *Options
		err  string
	}{
		{NewOptions().CatchAllKernel(mul), "must specify a schema"},
		{NewOptions().Schema("f"), "no kernels were registered"},
		{
			NewOptions().Schema("f").
				Kernel(dispatchkey.CPU, mul).
				Kernel(dispatchkey.CUDA, func(a float64, b int) int { return b }),
			"mismatched kernel signatures",
		},
		{
			NewOptions().Schema("f(int a) -> int").Kernel(dispatchkey.CPU, mul),
			"The number of arguments is different. 1 vs 2.",
		},
		{
			NewOptions().Schema("f(int a, str b) -> int").Kernel(dispatchkey.CPU, mul),
			"Type mismatch in argument 2: str vs int.",
		},
		{NewOptions().Schema("f").CatchAllKernel(UnboxedOnly(mul)), "none of its kernels has an inferable schema"},
		{
			NewOptions().Schema("f").CatchAllKernel(mul).AliasAnalysis(opschema.FromSchema),
			"but the schema is inferred",
		},
	} {
		var d optest.Dispatcher
		err := NewRegistrar(&d).Op(c.opts)
		if err == nil || !strings.Contains(err.Error(), c.err) {
			t.Errorf("got %v, want error containing %q", err, c.err)
		}
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("got %v, want Invalid", err)
		}
		if got, want := d.Len(), 0; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestRegistrarExplicitSchema(t *testing.T) {
	var d optest.Dispatcher
	r := NewRegistrar(&d)
	// Kernels without inferable schemas are accepted when the schema
	// is explicit; so are definitions without kernels.
	assert.NoError(t, r.Op(NewOptions().
		Schema("ns::f(int a, int b) -> int").
		CatchAllKernel(UnboxedOnly(mul)).
		AliasAnalysis(opschema.PureFunction)))
	assert.NoError(t, r.Op(NewOptions().Schema("ns::g(Tensor(a!) self) -> Tensor(a!)")))
	expect.EQ(t, d.Strings(), []string{
		"def ns::f(int a, int b) -> int",
		"impl ns::f[CatchAll]",
		"def ns::g(Tensor(a!) self) -> Tensor(a!)",
	})
	if got, want := d.Entries()[0].Schema.AliasAnalysis, opschema.PureFunction; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRegistrarPartialFailure(t *testing.T) {
	var d optest.Dispatcher
	d.FailOn(optest.RegisterImpl, 2)
	r := NewRegistrar(&d)
	err := r.Op(NewOptions().
		Schema("f").
		Kernel(dispatchkey.CPU, addA).
		Kernel(dispatchkey.CUDA, addB).
		Kernel(dispatchkey.XLA, mul))
	if !errors.Is(errors.Exists, err) {
		t.Errorf("got %v, want Exists", err)
	}
	if got, want := d.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := r.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	expect.EQ(t, d.Log(), []string{
		"register def f(int _0, int _1) -> int",
		"register impl f[CPU]",
		"register impl f[CUDA]",
		"fail impl f[XLA]",
		"release impl f[CUDA]",
		"release impl f[CPU]",
		"release def f(int _0, int _1) -> int",
	})
}

func TestRegistrarCloseFailure(t *testing.T) {
	var d optest.Dispatcher
	r := NewRegistrar(&d)
	assert.NoError(t, r.Op(NewOptions().Schema("f").Kernel(dispatchkey.CPU, addA).Kernel(dispatchkey.CUDA, addB)))
	d.FailRelease(1, errors.E("cannot release"))
	if err := r.Close(); err == nil || !strings.Contains(err.Error(), "cannot release") {
		t.Errorf("bad error %v", err)
	}
	// Every handle was released, in reverse order.
	expect.EQ(t, d.Released(), []int{2, 1, 0})
	if got, want := d.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRegistrarIsolation(t *testing.T) {
	d := dispatcher.New()
	r1, r2 := NewRegistrar(d), NewRegistrar(d)
	assert.NoError(t, r1.Op(NewOptions().Schema("add(int a, int b) -> int").Kernel(dispatchkey.CPU, addA)))
	assert.NoError(t, r2.Op(NewOptions().Schema("add(int x, int y) -> int").Kernel(dispatchkey.CUDA, addB)))
	assert.NoError(t, r2.OpFunc("mul", mul))
	// A conflicting kernel fails without disturbing either registrar.
	if err := r2.Op(NewOptions().Schema("add").Kernel(dispatchkey.CPU, addB)); !errors.Is(errors.Exists, err) {
		t.Errorf("got %v, want Exists", err)
	}
	assert.NoError(t, r1.Close())
	expect.EQ(t, d.Keys(opName("add")), []dispatchkey.Key{dispatchkey.CUDA})
	if _, ok := d.Schema(opName("add")); !ok {
		t.Error("definition held by r2 was released")
	}
	if _, err := d.Lookup(opName("mul"), dispatchkey.CPU); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	assert.NoError(t, r2.Close())
	if got, want := d.Stats().Operators, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRegistrarKernelSources(t *testing.T) {
	d := dispatcher.New()
	r := NewRegistrar(d)
	boxed := func(ctx context.Context, op opschema.OperatorName, stack *kernel.Stack) error {
		args, err := stack.Pop(2)
		if err != nil {
			return err
		}
		stack.Push(args[0].(int) - args[1].(int))
		return nil
	}
	assert.NoError(t, r.Op(NewOptions().
		Schema("f(int a, int b) -> int").
		Kernel(dispatchkey.CPU, addA).
		Kernel(dispatchkey.CUDA, func(a, b int) int { return a * 100 }).
		Kernel(dispatchkey.XLA, boxed).
		Kernel(dispatchkey.HIP, Dispatch(dispatchkey.HIP, mul))))
	for _, c := range []struct {
		key  dispatchkey.Key
		want int
	}{
		{dispatchkey.CPU, 7},
		{dispatchkey.CUDA, 500},
		{dispatchkey.XLA, 3},
		{dispatchkey.HIP, 10},
	} {
		out, err := d.Call(context.Background(), opName("f"), c.key, 5, 2)
		assert.NoError(t, err)
		expect.EQ(t, out, []interface{}{c.want})
	}
}

func TestRegistrarFunctors(t *testing.T) {
	d := dispatcher.New()
	r := NewRegistrar(d)
	assert.NoError(t, r.Op(NewOptions().Schema("acc1").CatchAllKernel(newAccumulator, 100)))
	assert.NoError(t, r.Op(NewOptions().Schema("acc2").CatchAllKernel(Functor(newAccumulator, 100))))
	for i := 0; i < 3; i++ {
		_, err := d.Call(context.Background(), opName("acc1"), dispatchkey.CPU, 1)
		assert.NoError(t, err)
	}
	out, err := d.Call(context.Background(), opName("acc2"), dispatchkey.CPU, 1)
	assert.NoError(t, err)
	expect.EQ(t, out, []interface{}{101})
	out, err = d.Call(context.Background(), opName("acc1"), dispatchkey.CPU, 1)
	assert.NoError(t, err)
	expect.EQ(t, out, []interface{}{104})
}

func TestRegistrarStatefulLambda(t *testing.T) {
	acc := newAccumulator(0)
	for _, src := range []interface{}{acc.Call, acc} {
		opts := NewOptions().Schema("f").CatchAllKernel(src)
		err := opts.Err()
		if err == nil || !strings.Contains(err.Error(), "FromFunctor") {
			t.Errorf("%T: bad error %v", src, err)
		}
	}
}

func TestMustOp(t *testing.T) {
	var d optest.Dispatcher
	r := NewRegistrar(&d)
	r.MustOp(NewOptions().Schema("f").CatchAllKernel(mul))
	defer func() {
		e := recover()
		if _, ok := e.(*typecheck.Error); !ok {
			t.Errorf("got %v, want *typecheck.Error", e)
		}
	}()
	r.MustOp(NewOptions().Schema("g"))
}
