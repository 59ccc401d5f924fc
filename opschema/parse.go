// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package opschema

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/grailbio/base/errors"
)

// Parse parses a full function schema. The alias analysis kind of
// the returned schema is Conservative; callers that derive aliasing
// from the schema text must set FromSchema explicitly.
func Parse(text string) (FunctionSchema, error) {
	n, err := ParseNameOrSchema(text)
	if err != nil {
		return FunctionSchema{}, err
	}
	if !n.IsSchema() {
		return FunctionSchema{}, errors.E(errors.Invalid,
			fmt.Sprintf("parse schema %q: expected a full schema, got a bare operator name", text))
	}
	return *n.Schema(), nil
}

// ParseName parses a bare operator name.
func ParseName(text string) (OperatorName, error) {
	n, err := ParseNameOrSchema(text)
	if err != nil {
		return OperatorName{}, err
	}
	if n.IsSchema() {
		return OperatorName{}, errors.E(errors.Invalid,
			fmt.Sprintf("parse name %q: expected an operator name, got a schema", text))
	}
	return n.Name(), nil
}

// ParseNameOrSchema parses either a bare operator name, such as
// "myops::add", or a full schema.
func ParseNameOrSchema(text string) (NameOrSchema, error) {
	p := &parser{text: text}
	n, err := p.nameOrSchema()
	if err != nil {
		return NameOrSchema{}, err
	}
	return n, nil
}

// MustParse is a version of Parse that panics on error. It is
// intended for package-level schema declarations.
func MustParse(text string) FunctionSchema {
	s, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return s
}

type parser struct {
	text string
	pos  int
}

type parseError struct {
	msg string
	pos int
}

func (p *parser) nameOrSchema() (n NameOrSchema, err error) {
	defer func() {
		if e := recover(); e != nil {
			perr, ok := e.(parseError)
			if !ok {
				panic(e)
			}
			err = errors.E(errors.Invalid,
				fmt.Sprintf("parse schema %q: %s at column %d", p.text, perr.msg, perr.pos+1))
		}
	}()
	name := p.operatorName()
	p.space()
	if p.eof() {
		return OfName(name), nil
	}
	schema := FunctionSchema{Name: name}
	schema.Arguments = p.arguments()
	p.space()
	p.expect("->")
	schema.Returns = p.returns()
	p.space()
	if !p.eof() {
		p.fail("unexpected trailing input")
	}
	return OfSchema(schema), nil
}

func (p *parser) operatorName() OperatorName {
	p.space()
	var name OperatorName
	name.Name = p.ident()
	if p.accept(NamespaceSeparator) {
		name.Name += NamespaceSeparator + p.ident()
	}
	if p.accept(".") {
		name.OverloadName = p.ident()
	}
	return name
}

func (p *parser) arguments() []Argument {
	p.space()
	p.expect("(")
	var (
		args   []Argument
		kwargs bool
	)
	p.space()
	if p.accept(")") {
		return args
	}
	for {
		p.space()
		if p.accept("*") {
			if kwargs {
				p.fail("duplicate kwarg-only separator")
			}
			kwargs = true
		} else {
			arg := p.typ()
			p.space()
			arg.Name = p.ident()
			p.space()
			if p.accept("=") {
				def := p.defaultValue()
				arg.Default = &def
			}
			arg.KwargOnly = kwargs
			args = append(args, arg)
		}
		p.space()
		if p.accept(")") {
			return args
		}
		p.expect(",")
	}
}

func (p *parser) returns() []Argument {
	p.space()
	if !p.accept("(") {
		return []Argument{p.typ()}
	}
	var rets []Argument
	p.space()
	if p.accept(")") {
		return rets
	}
	for {
		ret := p.typ()
		p.space()
		if p.peekIdent() {
			ret.Name = p.ident()
		}
		rets = append(rets, ret)
		p.space()
		if p.accept(")") {
			return rets
		}
		p.expect(",")
		p.space()
	}
}

// typ parses a type with its optional alias annotation and suffixes.
func (p *parser) typ() Argument {
	p.space()
	var arg Argument
	base := p.ident()
	if base == "Dict" {
		p.expect("(")
		k := p.typ()
		p.space()
		p.expect(",")
		v := p.typ()
		p.space()
		p.expect(")")
		base = string(DictOf(k.Type, v.Type))
	} else if p.accept("(") {
		p.space()
		arg.Alias = p.ident()
		arg.IsWrite = p.accept("!")
		p.space()
		p.expect(")")
	}
	var suffix strings.Builder
	for {
		switch {
		case p.accept("?"):
			suffix.WriteString("?")
		case p.accept("["):
			// Fixed sizes, as in int[2], are not part of the type.
			for !p.eof() && unicode.IsDigit(rune(p.text[p.pos])) {
				p.pos++
			}
			p.expect("]")
			suffix.WriteString("[]")
		default:
			arg.Type = Type(base + suffix.String())
			return arg
		}
	}
}

// defaultValue scans a default value up to the next top-level comma
// or closing parenthesis.
func (p *parser) defaultValue() string {
	start := p.pos
	depth := 0
	for !p.eof() {
		switch c := p.text[p.pos]; c {
		case '"', '\'':
			p.pos++
			for !p.eof() && p.text[p.pos] != c {
				p.pos++
			}
			if p.eof() {
				p.fail("unterminated string")
			}
		case '[', '(':
			depth++
		case ']':
			depth--
		case ')':
			if depth == 0 {
				return p.trimmed(start)
			}
			depth--
		case ',':
			if depth == 0 {
				return p.trimmed(start)
			}
		}
		p.pos++
	}
	p.fail("unterminated default value")
	panic("not reached")
}

func (p *parser) trimmed(start int) string {
	s := strings.TrimSpace(p.text[start:p.pos])
	if s == "" {
		p.fail("empty default value")
	}
	return s
}

func (p *parser) ident() string {
	start := p.pos
	for !p.eof() {
		c := rune(p.text[p.pos])
		if c != '_' && !unicode.IsLetter(c) && !(p.pos > start && unicode.IsDigit(c)) {
			break
		}
		p.pos++
	}
	if p.pos == start {
		p.fail("expected identifier")
	}
	return p.text[start:p.pos]
}

func (p *parser) peekIdent() bool {
	if p.eof() {
		return false
	}
	c := rune(p.text[p.pos])
	return c == '_' || unicode.IsLetter(c)
}

func (p *parser) space() {
	for !p.eof() && unicode.IsSpace(rune(p.text[p.pos])) {
		p.pos++
	}
}

func (p *parser) accept(tok string) bool {
	if strings.HasPrefix(p.text[p.pos:], tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

func (p *parser) expect(tok string) {
	if !p.accept(tok) {
		p.fail(fmt.Sprintf("expected %q", tok))
	}
}

func (p *parser) eof() bool { return p.pos >= len(p.text) }

func (p *parser) fail(msg string) {
	panic(parseError{msg, p.pos})
}
