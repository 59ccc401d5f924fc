// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package optest provides utilities for testing operator
// registration: a Dispatcher that records every registration and
// release, and that can be made to fail on demand.
package optest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/opreg/dispatcher"
	"github.com/grailbio/opreg/dispatchkey"
	"github.com/grailbio/opreg/kernel"
	"github.com/grailbio/opreg/opschema"
)

// Op is the type of a dispatcher operation.
type Op int

const (
	// RegisterLibrary is a library registration.
	RegisterLibrary Op = iota
	// RegisterDef is an operator definition.
	RegisterDef
	// RegisterImpl is a kernel registration.
	RegisterImpl
	// RegisterFallback is a fallback registration.
	RegisterFallback
)

func (op Op) String() string {
	switch op {
	case RegisterLibrary:
		return "library"
	case RegisterDef:
		return "def"
	case RegisterImpl:
		return "impl"
	case RegisterFallback:
		return "fallback"
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

// Entry is a recorded registration.
type Entry struct {
	ID        int
	Op        Op
	Namespace string
	Name      opschema.OperatorName
	Key       dispatchkey.Key
	Schema    *opschema.FunctionSchema
	Inferred  *opschema.FunctionSchema
	Kernel    *kernel.Kernel
	Debug     string
}

// String returns a terse description of the entry, suitable for
// comparison in tests.
func (e Entry) String() string {
	switch e.Op {
	case RegisterLibrary:
		return "library " + e.Namespace
	case RegisterDef:
		return "def " + e.Schema.String()
	case RegisterImpl:
		return fmt.Sprintf("impl %s[%s]", e.Name, e.Key)
	case RegisterFallback:
		return fmt.Sprintf("fallback %s[%s]", e.Namespace, e.Key)
	}
	return e.Op.String()
}

// Dispatcher is a recording dispatcher. It performs no validation of
// its own: every registration succeeds unless a failure has been
// injected with FailOn or FailRelease. The zero Dispatcher is ready
// to use.
type Dispatcher struct {
	mu       sync.Mutex
	nextID   int
	live     map[int]Entry
	log      []string
	failOn   map[Op]int
	failRel  map[int]error
	released []int
}

// FailOn makes the nth (from 0) subsequent registration of type op
// fail.
func (d *Dispatcher) FailOn(op Op, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOn == nil {
		d.failOn = make(map[Op]int)
	}
	d.failOn[op] = n
}

// FailRelease makes the release of the entry with the provided ID
// return err. The entry is still removed.
func (d *Dispatcher) FailRelease(id int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failRel == nil {
		d.failRel = make(map[int]error)
	}
	d.failRel[id] = err
}

// RegisterLibrary implements opreg.Dispatcher.
func (d *Dispatcher) RegisterLibrary(ns, debug string) (*dispatcher.Handle, error) {
	return d.register(Entry{Op: RegisterLibrary, Namespace: ns, Debug: debug})
}

// RegisterDef implements opreg.Dispatcher.
func (d *Dispatcher) RegisterDef(schema opschema.FunctionSchema, debug string) (*dispatcher.Handle, error) {
	s := schema.Clone()
	return d.register(Entry{Op: RegisterDef, Name: schema.Name, Schema: &s, Debug: debug})
}

// RegisterImpl implements opreg.Dispatcher.
func (d *Dispatcher) RegisterImpl(name opschema.OperatorName, key dispatchkey.Key, k *kernel.Kernel, inferred *opschema.FunctionSchema, debug string) (*dispatcher.Handle, error) {
	return d.register(Entry{Op: RegisterImpl, Name: name, Key: key, Kernel: k, Inferred: inferred, Debug: debug})
}

// RegisterFallback implements opreg.Dispatcher.
func (d *Dispatcher) RegisterFallback(ns string, key dispatchkey.Key, k *kernel.Kernel, debug string) (*dispatcher.Handle, error) {
	return d.register(Entry{Op: RegisterFallback, Namespace: ns, Key: key, Kernel: k, Debug: debug})
}

func (d *Dispatcher) register(e Entry) (*dispatcher.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.failOn[e.Op]; ok {
		if n == 0 {
			delete(d.failOn, e.Op)
			d.log = append(d.log, "fail "+e.String())
			return nil, errors.E(errors.Exists, fmt.Sprintf("injected failure: %s", e))
		}
		d.failOn[e.Op] = n - 1
	}
	if d.live == nil {
		d.live = make(map[int]Entry)
	}
	e.ID = d.nextID
	d.nextID++
	d.live[e.ID] = e
	d.log = append(d.log, "register "+e.String())
	return dispatcher.NewHandle(e.String(), func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.live, e.ID)
		d.released = append(d.released, e.ID)
		d.log = append(d.log, "release "+e.String())
		return d.failRel[e.ID]
	}), nil
}

// Entries returns the live registrations, in registration order.
func (d *Dispatcher) Entries() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := make([]Entry, 0, len(d.live))
	for _, e := range d.live {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Strings returns the descriptions of the live registrations, in
// registration order.
func (d *Dispatcher) Strings() []string {
	entries := d.Entries()
	strs := make([]string, len(entries))
	for i, e := range entries {
		strs[i] = e.String()
	}
	return strs
}

// Len returns the number of live registrations.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Log returns the log of all registrations, failures, and releases.
func (d *Dispatcher) Log() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.log...)
}

// Released returns the IDs of released entries, in release order.
func (d *Dispatcher) Released() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.released...)
}

// Lookup returns the kernel that handles the operator name for
// dispatch key key among the recorded registrations, following the
// same resolution order as package dispatcher. It does not skip
// fallthrough kernels.
func (d *Dispatcher) Lookup(name opschema.OperatorName, key dispatchkey.Key) (*kernel.Kernel, bool) {
	entries := d.Entries()
	for _, k := range []dispatchkey.Key{key, dispatchkey.CatchAll} {
		for _, e := range entries {
			if e.Op == RegisterImpl && e.Name == name && e.Key == k {
				return e.Kernel, true
			}
		}
	}
	ns, _ := name.Namespace()
	for _, n := range []string{ns, dispatcher.AllNamespaces} {
		for _, e := range entries {
			if e.Op == RegisterFallback && e.Namespace == n && e.Key == key {
				return e.Kernel, true
			}
		}
	}
	return nil, false
}
