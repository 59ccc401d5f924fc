// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kernel

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Stack is the argument stack of the boxed calling convention. A
// caller pushes an operator's arguments in order; a boxed kernel
// pops them and pushes its results in their place.
type Stack struct {
	vals []interface{}
}

// NewStack returns a stack holding the provided values, the last
// value being on top.
func NewStack(vals ...interface{}) *Stack {
	return &Stack{vals: append([]interface{}(nil), vals...)}
}

// Len returns the number of values on the stack.
func (s *Stack) Len() int { return len(s.vals) }

// Push pushes the provided values, in order.
func (s *Stack) Push(vals ...interface{}) {
	s.vals = append(s.vals, vals...)
}

// Peek returns the topmost n values, bottom first, without removing
// them. The returned slice aliases the stack.
func (s *Stack) Peek(n int) ([]interface{}, error) {
	if n < 0 || n > len(s.vals) {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("stack underflow: need %d values, have %d", n, len(s.vals)))
	}
	return s.vals[len(s.vals)-n:], nil
}

// Pop removes and returns the topmost n values, bottom first.
func (s *Stack) Pop(n int) ([]interface{}, error) {
	vals, err := s.Peek(n)
	if err != nil {
		return nil, err
	}
	vals = append([]interface{}(nil), vals...)
	s.drop(n)
	return vals, nil
}

// Values returns a copy of the stack's values, bottom first.
func (s *Stack) Values() []interface{} {
	return append([]interface{}(nil), s.vals...)
}

func (s *Stack) drop(n int) {
	for i := len(s.vals) - n; i < len(s.vals); i++ {
		s.vals[i] = nil
	}
	s.vals = s.vals[:len(s.vals)-n]
}
