// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package typecheck

import (
	"context"
	"reflect"
	"testing"

	"github.com/grailbio/opreg/opschema"
)

func TestInferSchema(t *testing.T) {
	for _, c := range []struct {
		fn   interface{}
		want string
	}{
		{func(a, b int) int { return a + b }, "(int _0, int _1) -> int"},
		{func(ctx context.Context, x float64) (float64, error) { return x, nil }, "(float _0) -> float"},
		{func() {}, "() -> ()"},
		{func(s string, xs []int) (int, bool) { return 0, false }, "(str _0, int[] _1) -> (int, bool)"},
		{func(m map[string]float64, p *int) error { return nil }, "(Dict(str, float) _0, int? _1) -> ()"},
	} {
		s, err := InferSchema(reflect.TypeOf(c.fn))
		if err != nil {
			t.Errorf("%T: %v", c.fn, err)
			continue
		}
		if got, want := s.String(), c.want; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if s.Name != (opschema.OperatorName{}) {
			t.Errorf("inferred schema has name %v", s.Name)
		}
	}
}

func TestInferSchemaErrors(t *testing.T) {
	for _, typ := range []reflect.Type{
		reflect.TypeOf(0),
		reflect.TypeOf(func(...int) int { return 0 }),
		reflect.TypeOf(func(chan int) int { return 0 }),
		reflect.TypeOf(func() struct{} { return struct{}{} }),
		// A context that is not the first argument is an ordinary,
		// unsupported, argument.
		reflect.TypeOf(func(int, context.Context) {}),
	} {
		if _, err := InferSchema(typ); err == nil {
			t.Errorf("%s: expected error", typ)
		}
	}
}

func TestSplit(t *testing.T) {
	sig, err := Split(reflect.TypeOf(func(context.Context, int) (string, error) { return "", nil }))
	if err != nil {
		t.Fatal(err)
	}
	if !sig.Context || !sig.Error {
		t.Errorf("got %+v", sig)
	}
	if got, want := len(sig.In), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(sig.Out), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// An error that is not the last result is a regular return value.
	sig, err = Split(reflect.TypeOf(func() (error, int) { return nil, 0 }))
	if err != nil {
		t.Fatal(err)
	}
	if sig.Error || len(sig.Out) != 2 {
		t.Errorf("got %+v", sig)
	}
}

func TestDifferences(t *testing.T) {
	a := opschema.MustParse("f(int a, float b) -> int")
	if diffs := Differences(a, opschema.MustParse("g(int x, float y) -> int")); diffs != nil {
		t.Errorf("unexpected differences %v", diffs)
	}
	diffs := Differences(a, opschema.MustParse("f(int a, int b) -> (int, int)"))
	want := []string{
		"Type mismatch in argument 2: float vs int.",
		"The number of returns is different. 1 vs 2.",
	}
	if !reflect.DeepEqual(diffs, want) {
		t.Errorf("got %v, want %v", diffs, want)
	}
	diffs = Differences(a, opschema.MustParse("f(int a) -> int"))
	if got, want := len(diffs), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
