// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package opschema implements operator names and function schemas:
// the typed signatures that operators are declared with and that
// kernels are checked against. It also includes a parser for the
// textual schema format, e.g.:
//
//	myops::add.Tensor(Tensor self, Tensor other, *, Scalar alpha=1) -> Tensor
package opschema

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/spaolacci/murmur3"
)

// AliasAnalysisKind describes how downstream optimizers should reason
// about the aliasing and mutation behavior of an operator.
type AliasAnalysisKind int

const (
	// Conservative assumes that the operator may alias and mutate
	// any of its inputs.
	Conservative AliasAnalysisKind = iota
	// FromSchema derives aliasing strictly from the alias
	// annotations in the schema.
	FromSchema
	// PureFunction asserts that the operator neither aliases nor
	// mutates its inputs.
	PureFunction
	// InternalSpecialCase is reserved for operators whose alias
	// behavior is special-cased by the optimizer.
	InternalSpecialCase
)

func (k AliasAnalysisKind) String() string {
	switch k {
	case Conservative:
		return "CONSERVATIVE"
	case FromSchema:
		return "FROM_SCHEMA"
	case PureFunction:
		return "PURE_FUNCTION"
	case InternalSpecialCase:
		return "INTERNAL_SPECIAL_CASE"
	default:
		return fmt.Sprintf("AliasAnalysisKind(%d)", int(k))
	}
}

// Argument is a single argument or return value of a schema.
type Argument struct {
	// Name is the argument's name. Return values and inferred
	// arguments may be unnamed.
	Name string
	// Type is the argument's schema type.
	Type Type
	// Default is the textual default value, if any.
	Default *string
	// KwargOnly is true for arguments following the "*" separator.
	KwargOnly bool
	// Alias is the alias set annotation, e.g. "a" in Tensor(a!).
	Alias string
	// IsWrite is true if the alias annotation marks a write.
	IsWrite bool
}

func (a Argument) String() string {
	var b strings.Builder
	if a.Alias == "" {
		b.WriteString(string(a.Type))
	} else {
		// Alias annotations bind to the base type: Tensor(a!)[].
		base, suffix := a.Type.split()
		b.WriteString(base)
		b.WriteString("(")
		b.WriteString(a.Alias)
		if a.IsWrite {
			b.WriteString("!")
		}
		b.WriteString(")")
		b.WriteString(suffix)
	}
	if a.Name != "" {
		b.WriteString(" ")
		b.WriteString(a.Name)
	}
	if a.Default != nil {
		b.WriteString("=")
		b.WriteString(*a.Default)
	}
	return b.String()
}

// FunctionSchema is the typed signature of an operator.
type FunctionSchema struct {
	Name          OperatorName
	Arguments     []Argument
	Returns       []Argument
	AliasAnalysis AliasAnalysisKind
}

// Clone returns a deep copy of s.
func (s FunctionSchema) Clone() FunctionSchema {
	s.Arguments = append([]Argument(nil), s.Arguments...)
	s.Returns = append([]Argument(nil), s.Returns...)
	return s
}

// String renders the schema in its textual form. Rendered schemas can
// be parsed back with Parse.
func (s FunctionSchema) String() string {
	var b strings.Builder
	b.WriteString(s.Name.String())
	b.WriteString("(")
	kwargs := false
	for i, arg := range s.Arguments {
		if i > 0 {
			b.WriteString(", ")
		}
		if arg.KwargOnly && !kwargs {
			b.WriteString("*, ")
			kwargs = true
		}
		b.WriteString(arg.String())
	}
	b.WriteString(") -> ")
	if len(s.Returns) == 1 && s.Returns[0].Name == "" {
		b.WriteString(s.Returns[0].String())
		return b.String()
	}
	b.WriteString("(")
	for i, ret := range s.Returns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ret.String())
	}
	b.WriteString(")")
	return b.String()
}

// Signature renders only the structural part of the schema: argument
// and return types, without names, defaults or annotations.
func (s FunctionSchema) Signature() string {
	args := make([]string, len(s.Arguments))
	for i := range args {
		args[i] = string(s.Arguments[i].Type)
	}
	rets := make([]string, len(s.Returns))
	for i := range rets {
		rets[i] = string(s.Returns[i].Type)
	}
	return "(" + strings.Join(args, ", ") + ") -> (" + strings.Join(rets, ", ") + ")"
}

// Fingerprint returns a hash of the schema's structural signature.
// Compatible schemas have equal fingerprints.
func (s FunctionSchema) Fingerprint() uint64 {
	h := murmur3.New64()
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(s.Arguments)))
	h.Write(n[:])
	for _, arg := range s.Arguments {
		h.Write([]byte(arg.Type))
		h.Write([]byte{0})
	}
	binary.LittleEndian.PutUint64(n[:], uint64(len(s.Returns)))
	h.Write(n[:])
	for _, ret := range s.Returns {
		h.Write([]byte(ret.Type))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// Compatible tells whether schemas a and b are structurally equal:
// they must agree on arity and on the type of every argument and
// return value. Names, defaults, kwarg-only markers and alias
// annotations are cosmetic and are ignored.
func Compatible(a, b FunctionSchema) bool {
	if len(a.Arguments) != len(b.Arguments) || len(a.Returns) != len(b.Returns) {
		return false
	}
	for i := range a.Arguments {
		if a.Arguments[i].Type != b.Arguments[i].Type {
			return false
		}
	}
	for i := range a.Returns {
		if a.Returns[i].Type != b.Returns[i].Type {
			return false
		}
	}
	return true
}
