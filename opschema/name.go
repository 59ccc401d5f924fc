// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package opschema

import "strings"

// NamespaceSeparator separates an operator's namespace from its
// base name, as in "aten::add".
const NamespaceSeparator = "::"

// OperatorName identifies an operator. Name may be qualified with a
// namespace; OverloadName distinguishes overloads of the same base
// name and may be empty. OperatorNames are compared by value and may
// be used as map keys.
type OperatorName struct {
	Name         string
	OverloadName string
}

// Namespace returns the namespace of the operator name, if it is
// qualified.
func (n OperatorName) Namespace() (string, bool) {
	i := strings.Index(n.Name, NamespaceSeparator)
	if i < 0 {
		return "", false
	}
	return n.Name[:i], true
}

// BaseName returns the name without its namespace qualifier.
func (n OperatorName) BaseName() string {
	if i := strings.Index(n.Name, NamespaceSeparator); i >= 0 {
		return n.Name[i+len(NamespaceSeparator):]
	}
	return n.Name
}

// WithNamespace returns n qualified with namespace ns. Names which
// are already qualified are returned unchanged.
func (n OperatorName) WithNamespace(ns string) OperatorName {
	if _, ok := n.Namespace(); ok {
		return n
	}
	n.Name = ns + NamespaceSeparator + n.Name
	return n
}

// String renders the name as name[.overload].
func (n OperatorName) String() string {
	if n.OverloadName == "" {
		return n.Name
	}
	return n.Name + "." + n.OverloadName
}

// NameOrSchema holds either a bare operator name or a full
// function schema, as produced by ParseNameOrSchema.
type NameOrSchema struct {
	name   OperatorName
	schema *FunctionSchema
}

// OfName returns a NameOrSchema holding a bare name.
func OfName(name OperatorName) NameOrSchema {
	return NameOrSchema{name: name}
}

// OfSchema returns a NameOrSchema holding a full schema.
func OfSchema(schema FunctionSchema) NameOrSchema {
	return NameOrSchema{name: schema.Name, schema: &schema}
}

// IsSchema tells whether a full schema is held.
func (n NameOrSchema) IsSchema() bool { return n.schema != nil }

// Name returns the operator name, which is always present.
func (n NameOrSchema) Name() OperatorName { return n.name }

// Schema returns the held schema, or nil if only a name is held.
func (n NameOrSchema) Schema() *FunctionSchema { return n.schema }

// WithNamespace qualifies the held name (and schema) with ns.
func (n NameOrSchema) WithNamespace(ns string) NameOrSchema {
	n.name = n.name.WithNamespace(ns)
	if n.schema != nil {
		s := n.schema.Clone()
		s.Name = n.name
		n.schema = &s
	}
	return n
}

func (n NameOrSchema) String() string {
	if n.schema != nil {
		return n.schema.String()
	}
	return n.name.String()
}
