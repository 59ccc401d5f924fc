// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dispatcher implements an in-process operator dispatch
// table. Operator definitions (schemas), kernels keyed by
// (operator, dispatch key), and per-namespace fallback kernels are
// registered with a Dispatcher; every registration returns a Handle
// whose release removes exactly that entry.
//
// Lookups resolve an (operator, key) pair to a kernel in the
// following order: the kernel registered for the exact pair; the
// operator's catch-all kernel; the fallback kernel for the operator's
// namespace and key; and finally the fallback kernel registered for
// all namespaces ("_") and key. Fallthrough kernels are skipped.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/opreg/dispatchkey"
	"github.com/grailbio/opreg/kernel"
	"github.com/grailbio/opreg/metrics"
	"github.com/grailbio/opreg/opschema"
	"github.com/grailbio/opreg/typecheck"
)

// AllNamespaces is the namespace that denotes a fallback kernel
// applying to operators in every namespace.
const AllNamespaces = "_"

var (
	registrations = metrics.NewCounter("dispatcher.registrations")
	releases      = metrics.NewCounter("dispatcher.releases")
	lookups       = metrics.NewCounter("dispatcher.lookups")
	misses        = metrics.NewCounter("dispatcher.misses")
	fallbackHits  = metrics.NewCounter("dispatcher.fallbackHits")
	calls         = metrics.NewCounter("dispatcher.calls")
)

// nextIndex is the index of the next dispatcher created by New.
var nextIndex int32

type entry struct {
	kernel   *kernel.Kernel
	inferred *opschema.FunctionSchema
	debug    string
}

type operator struct {
	name opschema.OperatorName
	// schema is the operator's definition, if any. It is set by the
	// first definition and remains until every definition has been
	// released.
	schema *opschema.FunctionSchema
	// fingerprint is the fingerprint of schema; definitions with equal
	// fingerprints are compatible without further comparison.
	fingerprint uint64
	defDebug    string
	defs        int
	kernels     map[dispatchkey.Key]*entry
}

func (o *operator) empty() bool {
	return o.defs == 0 && len(o.kernels) == 0
}

type fallbackKey struct {
	ns  string
	key dispatchkey.Key
}

// Dispatcher is a dispatch table. Dispatchers are safe for
// concurrent use.
type Dispatcher struct {
	index   int32
	strict  bool
	eventer eventlog.Eventer
	dumps   *dump.Registry
	scope   metrics.Scope

	mu        sync.RWMutex
	libraries map[string]string
	ops       map[opschema.OperatorName]*operator
	fallbacks map[fallbackKey]*entry
}

// An Option configures a Dispatcher.
type Option func(d *Dispatcher)

// Eventer configures the dispatcher with an Eventer to which
// registration events are logged.
func Eventer(e eventlog.Eventer) Option {
	return func(d *Dispatcher) {
		d.eventer = e
	}
}

// DumpTo registers the dispatcher's table as a part of the provided
// diagnostic dump registry. Registry parts cannot be removed, so the
// part, and the dispatcher it refers to, live as long as the
// registry. It is meant for long-lived dispatchers, such as the one
// configured by the opreg/dispatcher profile instance.
func DumpTo(reg *dump.Registry) Option {
	return func(d *Dispatcher) {
		d.dumps = reg
	}
}

// Strict configures the dispatcher to reject kernels for operators
// that have not (yet) been defined.
var Strict Option = func(d *Dispatcher) {
	d.strict = true
}

// New returns a new, empty, dispatcher configured with the provided
// options.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		index:     atomic.AddInt32(&nextIndex, 1) - 1,
		eventer:   eventlog.Nop{},
		libraries: make(map[string]string),
		ops:       make(map[opschema.OperatorName]*operator),
		fallbacks: make(map[fallbackKey]*entry),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.dumps != nil {
		d.dumps.Register(d.DumpName(), func(ctx context.Context, w io.Writer) error {
			return d.Dump(w)
		})
	}
	return d
}

// DumpName returns the name of the dispatcher's part in a diagnostic
// dump.
func (d *Dispatcher) DumpName() string {
	return fmt.Sprintf("opreg-dispatcher-%02d", d.index)
}

// RegisterLibrary registers the defining library for namespace ns.
// Each namespace may be defined by only one library at a time.
func (d *Dispatcher) RegisterLibrary(ns, debug string) (*Handle, error) {
	if ns == "" {
		return nil, errors.E(errors.Invalid, "library namespace cannot be empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.libraries[ns]; ok {
		return nil, errors.E(errors.Exists, fmt.Sprintf(
			"only a single library definition is allowed for namespace %s; "+
				"one was already registered at %s, another at %s", ns, prev, debug))
	}
	d.libraries[ns] = debug
	d.registered("opreg:registerLibrary", "namespace", ns, "debug", debug)
	return NewHandle("library "+ns, func() error {
		d.mu.Lock()
		delete(d.libraries, ns)
		d.mu.Unlock()
		d.released("opreg:releaseLibrary", "namespace", ns)
		return nil
	}), nil
}

// RegisterDef registers the definition of an operator. The first
// definition of an operator sets its schema; later definitions must
// be compatible with it. The schema must also be compatible with the
// inferred schemas of kernels already registered for the operator.
func (d *Dispatcher) RegisterDef(schema opschema.FunctionSchema, debug string) (*Handle, error) {
	if schema.Name.Name == "" {
		return nil, errors.E(errors.Invalid, "operator definition has no name")
	}
	schema = schema.Clone()
	name := schema.Name
	d.mu.Lock()
	defer d.mu.Unlock()
	op := d.op(name)
	if op.schema != nil {
		if schema.Fingerprint() != op.fingerprint && !opschema.Compatible(*op.schema, schema) {
			return nil, errors.E(errors.Exists, fmt.Sprintf(
				"operator %s was already defined with schema %s at %s; cannot redefine it as %s at %s",
				name, op.schema, op.defDebug, schema, debug))
		}
	} else {
		for key, e := range op.kernels {
			if e.inferred == nil {
				continue
			}
			if diffs := typecheck.Differences(schema, *e.inferred); diffs != nil {
				return nil, errors.E(errors.Invalid, fmt.Sprintf(
					"definition of %s at %s is inconsistent with the %s kernel registered at %s: %s",
					name, debug, key, e.debug, strings.Join(diffs, " ")))
			}
		}
		op.schema = &schema
		op.fingerprint = schema.Fingerprint()
		op.defDebug = debug
	}
	op.defs++
	d.registered("opreg:registerDef", "operator", name.String(), "schema", schema.String(), "debug", debug)
	return NewHandle("def "+name.String(), func() error {
		d.mu.Lock()
		op := d.ops[name]
		op.defs--
		if op.defs == 0 {
			op.schema = nil
			op.defDebug = ""
		}
		if op.empty() {
			delete(d.ops, name)
		}
		d.mu.Unlock()
		d.released("opreg:releaseDef", "operator", name.String())
		return nil
	}), nil
}

// RegisterImpl registers kernel k for the operator name and dispatch
// key. Only one kernel may be registered per (name, key). If
// inferred is non-nil, it must be compatible with the operator's
// definition, if any.
func (d *Dispatcher) RegisterImpl(name opschema.OperatorName, key dispatchkey.Key, k *kernel.Kernel, inferred *opschema.FunctionSchema, debug string) (*Handle, error) {
	if name.Name == "" {
		return nil, errors.E(errors.Invalid, "kernel registered for unnamed operator")
	}
	if !key.Valid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid dispatch key %s", key))
	}
	if !k.IsValid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid kernel for %s", name))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.strict {
		if op := d.ops[name]; op == nil || op.schema == nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf(
				"kernel for %s registered at %s, but the operator is not defined", name, debug))
		}
	}
	op := d.op(name)
	if prev := op.kernels[key]; prev != nil {
		if op.empty() {
			delete(d.ops, name)
		}
		return nil, errors.E(errors.Exists, fmt.Sprintf(
			"a kernel for %s and dispatch key %s was already registered at %s; cannot register another at %s",
			name, key, prev.debug, debug))
	}
	if op.schema != nil && inferred != nil {
		if diffs := typecheck.Differences(*op.schema, *inferred); diffs != nil {
			if op.empty() {
				delete(d.ops, name)
			}
			return nil, errors.E(errors.Invalid, fmt.Sprintf(
				"kernel for %s and dispatch key %s registered at %s is inconsistent with the definition at %s: %s",
				name, key, debug, op.defDebug, strings.Join(diffs, " ")))
		}
	}
	if inferred != nil {
		s := inferred.Clone()
		inferred = &s
	}
	e := &entry{kernel: k, inferred: inferred, debug: debug}
	op.kernels[key] = e
	log.Debug.Printf("dispatcher: registered %s kernel for %s at %s", key, name, debug)
	d.registered("opreg:registerImpl", "operator", name.String(), "key", key.String(), "debug", debug)
	return NewHandle(fmt.Sprintf("impl %s[%s]", name, key), func() error {
		d.mu.Lock()
		op := d.ops[name]
		if op.kernels[key] == e {
			delete(op.kernels, key)
		}
		if op.empty() {
			delete(d.ops, name)
		}
		d.mu.Unlock()
		d.released("opreg:releaseImpl", "operator", name.String(), "key", key.String())
		return nil
	}), nil
}

// RegisterFallback registers kernel k as the fallback for namespace
// ns and dispatch key key. The namespace AllNamespaces registers a
// fallback for every namespace. CatchAll is not a valid fallback key.
func (d *Dispatcher) RegisterFallback(ns string, key dispatchkey.Key, k *kernel.Kernel, debug string) (*Handle, error) {
	if ns == "" {
		return nil, errors.E(errors.Invalid, "fallback namespace cannot be empty")
	}
	if !key.Valid() || key == dispatchkey.CatchAll {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid fallback dispatch key %s", key))
	}
	if !k.IsValid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid fallback kernel for namespace %s", ns))
	}
	fk := fallbackKey{ns, key}
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev := d.fallbacks[fk]; prev != nil {
		return nil, errors.E(errors.Exists, fmt.Sprintf(
			"a fallback for namespace %s and dispatch key %s was already registered at %s; cannot register another at %s",
			ns, key, prev.debug, debug))
	}
	e := &entry{kernel: k, debug: debug}
	d.fallbacks[fk] = e
	d.registered("opreg:registerFallback", "namespace", ns, "key", key.String(), "debug", debug)
	return NewHandle(fmt.Sprintf("fallback %s[%s]", ns, key), func() error {
		d.mu.Lock()
		if d.fallbacks[fk] == e {
			delete(d.fallbacks, fk)
		}
		d.mu.Unlock()
		d.released("opreg:releaseFallback", "namespace", ns, "key", key.String())
		return nil
	}), nil
}

// Lookup returns the kernel that handles operator name for dispatch
// key key. Lookup returns an error of kind errors.NotExist if no
// kernel applies.
func (d *Dispatcher) Lookup(name opschema.OperatorName, key dispatchkey.Key) (*kernel.Kernel, error) {
	lookups.Incr(&d.scope, 1)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if op := d.ops[name]; op != nil {
		if e := op.kernels[key]; e != nil && !e.kernel.IsFallthrough() {
			return e.kernel, nil
		}
		if e := op.kernels[dispatchkey.CatchAll]; e != nil && !e.kernel.IsFallthrough() {
			return e.kernel, nil
		}
	}
	namespaces := []string{AllNamespaces}
	if ns, ok := name.Namespace(); ok {
		namespaces = []string{ns, AllNamespaces}
	}
	for _, ns := range namespaces {
		if e := d.fallbacks[fallbackKey{ns, key}]; e != nil && !e.kernel.IsFallthrough() {
			fallbackHits.Incr(&d.scope, 1)
			return e.kernel, nil
		}
	}
	misses.Incr(&d.scope, 1)
	return nil, errors.E(errors.NotExist, fmt.Sprintf("no kernel for operator %s and dispatch key %s", name, key))
}

// Call looks up the kernel for the operator name and key and invokes
// it with the provided arguments on the boxed calling convention.
// The kernel is passed a context carrying a fresh metrics scope. When
// the call completes, that scope is merged into the dispatcher's
// scope, and into the scope carried by ctx, if any.
func (d *Dispatcher) Call(ctx context.Context, name opschema.OperatorName, key dispatchkey.Key, args ...interface{}) ([]interface{}, error) {
	k, err := d.Lookup(name, key)
	if err != nil {
		return nil, err
	}
	calls.Incr(&d.scope, 1)
	if ctx == nil {
		ctx = context.Background()
	}
	var scope metrics.Scope
	defer func() {
		d.scope.Merge(&scope)
		if outer := metrics.ContextScope(ctx); outer != nil && outer != &d.scope {
			outer.Merge(&scope)
		}
	}()
	stack := kernel.NewStack(args...)
	if err := k.InvokeBoxed(metrics.ScopedContext(ctx, &scope), name, stack); err != nil {
		return nil, err
	}
	return stack.Values(), nil
}

// Schema returns the definition of operator name, if any.
func (d *Dispatcher) Schema(name opschema.OperatorName) (opschema.FunctionSchema, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	op := d.ops[name]
	if op == nil || op.schema == nil {
		return opschema.FunctionSchema{}, false
	}
	return op.schema.Clone(), true
}

// Keys returns the dispatch keys for which operator name has
// registered kernels, in key order.
func (d *Dispatcher) Keys(name opschema.OperatorName) []dispatchkey.Key {
	d.mu.RLock()
	defer d.mu.RUnlock()
	op := d.ops[name]
	if op == nil {
		return nil
	}
	keys := make([]dispatchkey.Key, 0, len(op.kernels))
	for key := range op.kernels {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Operators returns the names of all operators with either a
// definition or a kernel, sorted by name.
func (d *Dispatcher) Operators() []opschema.OperatorName {
	d.mu.RLock()
	names := make([]opschema.OperatorName, 0, len(d.ops))
	for name := range d.ops {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sortNames(names)
	return names
}

// Dangling returns the names of operators that have kernels but no
// definition, sorted by name.
func (d *Dispatcher) Dangling() []opschema.OperatorName {
	d.mu.RLock()
	var names []opschema.OperatorName
	for name, op := range d.ops {
		if op.schema == nil && len(op.kernels) > 0 {
			names = append(names, name)
		}
	}
	d.mu.RUnlock()
	sortNames(names)
	return names
}

// Stats summarizes the state of a dispatcher.
type Stats struct {
	// Libraries, Operators, Kernels, and Fallbacks count the current
	// registrations of each type.
	Libraries, Operators, Kernels, Fallbacks int
	// Counters holds the dispatcher's activity counters, keyed by
	// name.
	Counters map[string]int64
}

// Stats returns a summary of the dispatcher's current state.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	stats := Stats{
		Libraries: len(d.libraries),
		Operators: len(d.ops),
		Fallbacks: len(d.fallbacks),
	}
	for _, op := range d.ops {
		stats.Kernels += len(op.kernels)
	}
	d.mu.RUnlock()
	stats.Counters = d.scope.Snapshot()
	return stats
}

// ResetStats resets the dispatcher's activity counters to zero.
// Registrations are unaffected.
func (d *Dispatcher) ResetStats() {
	d.scope.Reset(nil)
}

// Scope returns the dispatcher's metrics scope.
func (d *Dispatcher) Scope() *metrics.Scope {
	return &d.scope
}

// op returns the operator named name, creating it if needed. It
// must be called with d.mu held.
func (d *Dispatcher) op(name opschema.OperatorName) *operator {
	op := d.ops[name]
	if op == nil {
		op = &operator{name: name, kernels: make(map[dispatchkey.Key]*entry)}
		d.ops[name] = op
	}
	return op
}

func (d *Dispatcher) registered(typ string, fields ...interface{}) {
	registrations.Incr(&d.scope, 1)
	d.eventer.Event(typ, fields...)
}

func (d *Dispatcher) released(typ string, fields ...interface{}) {
	releases.Incr(&d.scope, 1)
	d.eventer.Event(typ, fields...)
}

func sortNames(names []opschema.OperatorName) {
	sort.Slice(names, func(i, j int) bool {
		if names[i].Name != names[j].Name {
			return names[i].Name < names[j].Name
		}
		return names[i].OverloadName < names[j].OverloadName
	})
}
