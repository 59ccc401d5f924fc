// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package opreg

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/opreg/dispatcher"
	"github.com/grailbio/opreg/dispatchkey"
	"github.com/grailbio/opreg/opschema"
	"github.com/grailbio/opreg/typecheck"
)

// A Registrar registers operators, described by Options, with a
// dispatcher. It owns the handles of every registration it performs;
// they are released together by Close.
type Registrar struct {
	d       Dispatcher
	handles handles
}

// NewRegistrar returns a new registrar that registers operators with
// dispatcher d.
func NewRegistrar(d Dispatcher) *Registrar {
	return &Registrar{d: d}
}

// Op validates the provided options and registers the operator they
// describe: its definition, followed by each of its kernels. Op is
// all or nothing: if any step fails, every registration performed
// by this call is released before the error is returned.
func (r *Registrar) Op(opts *Options) error {
	if opts.consumed {
		return errors.E(errors.Invalid, "operator options have already been used for a registration")
	}
	opts.consumed = true
	if err := opts.Err(); err != nil {
		return err
	}
	schema, inferred, err := resolveSchema(opts)
	if err != nil {
		return err
	}
	seen := make(map[dispatchkey.Key]string)
	for _, entry := range opts.kernels {
		if prev, ok := seen[entry.key]; ok {
			if entry.key == dispatchkey.CatchAll {
				return errors.E(errors.Invalid, fmt.Sprintf(
					"in registration for %s: multiple catch-all kernels registered, at %s and %s",
					schema.Name, prev, entry.debug))
			}
			return errors.E(errors.Invalid, fmt.Sprintf(
				"in registration for %s: multiple kernels registered for dispatch key %s, at %s and %s",
				schema.Name, entry.key, prev, entry.debug))
		}
		seen[entry.key] = entry.debug
	}
	if opts.alias != nil {
		if *opts.alias == opschema.FromSchema && inferred {
			return errors.E(errors.Invalid, fmt.Sprintf(
				"in registration for %s: tried to register operator with alias analysis %s, but the schema is inferred",
				schema.Name, opschema.FromSchema))
		}
		schema.AliasAnalysis = *opts.alias
	}

	debug := opts.schemaDebug
	if debug == "" && len(opts.kernels) > 0 {
		debug = opts.kernels[0].debug
	}
	var batch []*dispatcher.Handle
	h, err := r.d.RegisterDef(schema, debug)
	if err != nil {
		return err
	}
	batch = append(batch, h)
	for _, entry := range opts.kernels {
		h, err := r.d.RegisterImpl(schema.Name, entry.key, entry.kernel, entry.kernel.Schema(), entry.debug)
		if err != nil {
			if rerr := release(batch); rerr != nil {
				log.Error.Printf("opreg: releasing partial registration of %s: %v", schema.Name, rerr)
			}
			return err
		}
		batch = append(batch, h)
	}
	log.Debug.Printf("opreg: registered operator %s with %d kernels", schema, len(opts.kernels))
	r.handles.add(batch...)
	return nil
}

// OpFunc registers an operator with a single catch-all kernel fn. The
// operator's schema is parsed from nameOrSchema; if it is a bare
// name, the schema is inferred from fn.
func (r *Registrar) OpFunc(nameOrSchema string, fn interface{}) error {
	opts := NewOptions().Schema(nameOrSchema)
	opts.addKernel(dispatchkey.CatchAll, fn, nil, location(1))
	return r.Op(opts)
}

// MustOp is a version of Op that panics with a *typecheck.Error if
// the registration fails. It returns the registrar so that calls may
// be chained.
func (r *Registrar) MustOp(opts *Options) *Registrar {
	if err := r.Op(opts); err != nil {
		typecheck.Panic(1, err)
	}
	return r
}

// Len returns the number of registration handles held by the
// registrar.
func (r *Registrar) Len() int {
	return r.handles.len()
}

// Close releases every registration performed by the registrar, in
// reverse order. All handles are released even if some fail; the
// first failure is returned. Close may be called multiple times.
func (r *Registrar) Close() error {
	return r.handles.releaseAll()
}

// resolveSchema determines the schema of the operator described by
// opts. If a full schema was given, every kernel's inferred schema
// must be compatible with it. Otherwise the schema is inferred from
// the kernels, which must agree.
func resolveSchema(opts *Options) (schema opschema.FunctionSchema, inferred bool, err error) {
	if opts.schema == nil {
		return schema, false, errors.E(errors.Invalid,
			"in operator registration: you must specify a schema or an operator name")
	}
	if opts.schema.IsSchema() {
		schema = opts.schema.Schema().Clone()
		for _, entry := range opts.kernels {
			ks := entry.kernel.Schema()
			if ks == nil {
				continue
			}
			if diffs := typecheck.Differences(schema, *ks); diffs != nil {
				return schema, false, errors.E(errors.Invalid, fmt.Sprintf(
					"in registration for %s: expected schema of operator to be %q (specified at %s), "+
						"but got inferred schema %q from the kernel for %s at %s: %s",
					schema.Name, schema, opts.schemaDebug, ks.Signature(), entry.key, entry.debug,
					strings.Join(diffs, " ")))
			}
		}
		return schema, false, nil
	}
	name := opts.schema.Name()
	if len(opts.kernels) == 0 {
		return schema, false, errors.E(errors.Invalid, fmt.Sprintf(
			"cannot infer operator schema for %s: no kernels were registered", name))
	}
	var (
		found      *opschema.FunctionSchema
		foundDebug string
	)
	for _, entry := range opts.kernels {
		ks := entry.kernel.Schema()
		if ks == nil {
			continue
		}
		if found == nil {
			found, foundDebug = ks, entry.debug
			continue
		}
		if diffs := typecheck.Differences(*found, *ks); diffs != nil {
			return schema, false, errors.E(errors.Invalid, fmt.Sprintf(
				"in registration for %s: mismatched kernel signatures: kernel at %s has %s, kernel at %s has %s: %s",
				name, foundDebug, found.Signature(), entry.debug, ks.Signature(), strings.Join(diffs, " ")))
		}
	}
	if found == nil {
		return schema, false, errors.E(errors.Invalid, fmt.Sprintf(
			"cannot infer operator schema for %s: none of its kernels has an inferable schema; specify the schema explicitly",
			name))
	}
	schema = found.Clone()
	schema.Name = name
	return schema, true, nil
}
