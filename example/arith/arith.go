// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package arith is a small operator library that illustrates the
// registration facilities of package opreg. Its libraries are
// declared at package initialization and registered by the
// application through an opreg.Loader; see arith_test.go.
package arith

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/opreg"
	"github.com/grailbio/opreg/dispatchkey"
	"github.com/grailbio/opreg/kernel"
	"github.com/grailbio/opreg/opschema"
)

// Namespace is the namespace of the arith operators.
const Namespace = "arith"

var (
	defs = opreg.Define(Namespace, func(lib *opreg.Library) {
		lib.Def("add(int a, int b) -> int").
			Def("scale(float[] x, float factor) -> float[]").
			DefFunc("mul", func(a, b int) int { return a * b }).
			DefFunc("neg(int a) -> int", opreg.Dispatch(dispatchkey.CPU, neg))
	})

	cpu = opreg.DefineImpl(Namespace, dispatchkey.CPU, func(lib *opreg.Library) {
		lib.Impl("add", add).
			Impl("scale", scale)
	})

	// Arith operators are not implemented on XLA; the fallback reports
	// the operator that was requested.
	xla = opreg.DefineImpl(Namespace, dispatchkey.XLA, func(lib *opreg.Library) {
		lib.Fallback(unsupported)
	})

	// The arith operators carry no autograd state; dispatch on
	// Autograd proceeds as if no kernel were registered.
	autograd = opreg.DefineImpl(opreg.AllNamespaces, dispatchkey.Autograd, func(lib *opreg.Library) {
		lib.Fallback(opreg.Fallthrough())
	})
)

func add(a, b int) int { return a + b }

func neg(a int) int { return -a }

func scale(x []float64, factor float64) []float64 {
	y := make([]float64, len(x))
	for i := range x {
		y[i] = x[i] * factor
	}
	return y
}

func unsupported(ctx context.Context, op opschema.OperatorName, stack *kernel.Stack) error {
	log.Debug.Printf("arith: %s called on XLA with %d arguments", op, stack.Len())
	return errors.E(errors.NotSupported, fmt.Sprintf("operator %s is not implemented on XLA", op))
}

// A counter is a functor that counts the values it is called with.
type counter struct {
	n int
}

func newCounter(start int) *counter {
	return &counter{start}
}

// Call adds x to the counter and returns the new count.
func (c *counter) Call(x int) int {
	c.n += x
	return c.n
}

// Clamp restricts x to the range [lo, hi].
func Clamp(x, lo, hi int) (int, error) {
	if lo > hi {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("clamp: empty range [%d, %d]", lo, hi))
	}
	switch {
	case x < lo:
		return lo, nil
	case x > hi:
		return hi, nil
	}
	return x, nil
}

// RegisterLegacy registers the arith_legacy operators with r, using
// the option-based registration interface. Operators registered this
// way are released when r is closed.
func RegisterLegacy(r *opreg.Registrar) error {
	err := r.Op(opreg.NewOptions().
		Schema("arith_legacy::clamp(int x, int lo, int hi) -> int").
		Kernel(dispatchkey.CPU, Clamp).
		AliasAnalysis(opschema.PureFunction))
	if err != nil {
		return err
	}
	return r.Op(opreg.NewOptions().
		Schema("arith_legacy::count").
		CatchAllKernel(newCounter, 0))
}
