// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package opschema

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
)

// Type is the canonical textual form of a schema type, for example
// "int", "Tensor?" or "float[]".
type Type string

// Builtin schema types.
const (
	Int    Type = "int"
	Float  Type = "float"
	Bool   Type = "bool"
	Str    Type = "str"
	Any    Type = "Any"
	Scalar Type = "Scalar"
)

// ListOf returns the list type with element type t.
func ListOf(t Type) Type { return t + "[]" }

// OptionalOf returns the optional type wrapping t.
func OptionalOf(t Type) Type { return t + "?" }

// DictOf returns the dictionary type from k to v.
func DictOf(k, v Type) Type { return Type(fmt.Sprintf("Dict(%s, %s)", k, v)) }

// IsList tells whether t is a list type.
func (t Type) IsList() bool { return strings.HasSuffix(string(t), "[]") }

// IsOptional tells whether t is an optional type.
func (t Type) IsOptional() bool { return strings.HasSuffix(string(t), "?") }

// split separates the base type from its list and optional suffixes.
func (t Type) split() (base, suffix string) {
	s := string(t)
	i := len(s)
	for i > 0 {
		switch {
		case s[i-1] == '?':
			i--
		case i >= 2 && s[i-2:i] == "[]":
			i -= 2
		default:
			return s[:i], s[i:]
		}
	}
	return s[:i], s[i:]
}

var (
	typesMu sync.RWMutex
	// goTypes maps Go types to schema types. Registration order does
	// not matter: each Go type maps to exactly one schema type.
	goTypes = map[reflect.Type]Type{
		reflect.TypeOf(int(0)):     Int,
		reflect.TypeOf(int32(0)):   Int,
		reflect.TypeOf(int64(0)):   Int,
		reflect.TypeOf(float32(0)): Float,
		reflect.TypeOf(float64(0)): Float,
		reflect.TypeOf(false):      Bool,
		reflect.TypeOf(""):         Str,
	}
	typeOfEmptyInterface = reflect.TypeOf((*interface{})(nil)).Elem()
)

// RegisterType associates the Go type typ with the schema type name,
// so that schema inference can describe functions that use typ.
// RegisterType fails if typ is already associated with a different
// schema type.
func RegisterType(name Type, typ reflect.Type) error {
	typesMu.Lock()
	defer typesMu.Unlock()
	if have, ok := goTypes[typ]; ok && have != name {
		return errors.E(errors.Exists,
			fmt.Sprintf("Go type %s is already registered as schema type %s", typ, have))
	}
	goTypes[typ] = name
	return nil
}

// TypeOf returns the schema type describing the Go type typ. Slices
// map to lists, pointers to optionals, maps to dictionaries and the
// empty interface to Any. TypeOf returns false if typ (or one of its
// components) has no schema representation.
func TypeOf(typ reflect.Type) (Type, bool) {
	typesMu.RLock()
	t, ok := goTypes[typ]
	typesMu.RUnlock()
	if ok {
		return t, true
	}
	switch typ.Kind() {
	case reflect.Slice:
		elem, ok := TypeOf(typ.Elem())
		if !ok {
			return "", false
		}
		return ListOf(elem), true
	case reflect.Ptr:
		elem, ok := TypeOf(typ.Elem())
		if !ok || elem.IsOptional() {
			return "", false
		}
		return OptionalOf(elem), true
	case reflect.Map:
		k, ok := TypeOf(typ.Key())
		if !ok {
			return "", false
		}
		v, ok := TypeOf(typ.Elem())
		if !ok {
			return "", false
		}
		return DictOf(k, v), true
	case reflect.Interface:
		if typ == typeOfEmptyInterface {
			return Any, true
		}
	}
	return "", false
}
