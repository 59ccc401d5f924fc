// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package opreg

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/opreg/dispatchkey"
	"github.com/grailbio/opreg/typecheck"
)

var (
	// Inits is the global, ordered, list of library initialization
	// records. We rely on deterministic registration order, which Go's
	// package variable initialization provides.
	inits []*Init
	// InitsBusy is used to detect data races in registration.
	initsBusy int32
)

// An Init is a library initialization record: it names a library
// (its kind, namespace, and dispatch key) together with the function
// that populates it. Init records are created by Define, DefineImpl,
// and DefineFragment, usually as package-level variables, and are
// loaded into a dispatcher by a Loader.
type Init struct {
	kind     Kind
	ns       string
	key      dispatchkey.Key
	fn       func(*Library)
	location string
	// file and line locate the record's declaration; registration
	// errors that concern the library as a whole are attributed to it.
	file  string
	line  int
	index int
}

// Define declares the Def library for namespace ns, populated by fn.
func Define(ns string, fn func(*Library)) *Init {
	return define(Def, ns, dispatchkey.Undefined, fn)
}

// DefineImpl declares an Impl library for namespace ns and dispatch
// key key, populated by fn. Key may be Undefined.
func DefineImpl(ns string, key dispatchkey.Key, fn func(*Library)) *Init {
	return define(Impl, ns, key, fn)
}

// DefineFragment declares a Fragment library for namespace ns,
// populated by fn.
func DefineFragment(ns string, fn func(*Library)) *Init {
	return define(Fragment, ns, dispatchkey.Undefined, fn)
}

func define(kind Kind, ns string, key dispatchkey.Key, fn func(*Library)) *Init {
	if fn == nil {
		typecheck.Panicf(2, "opreg.Define: nil initialization function for namespace %s", ns)
	}
	rec := &Init{kind: kind, ns: ns, key: key, fn: fn, location: location(2)}
	_, rec.file, rec.line, _ = runtime.Caller(2)
	if atomic.AddInt32(&initsBusy, 1) != 1 {
		panic("opreg.Define: data race")
	}
	rec.index = len(inits)
	inits = append(inits, rec)
	if atomic.AddInt32(&initsBusy, -1) != 0 {
		panic("opreg.Define: data race")
	}
	return rec
}

// Inits returns all initialization records in the order in which
// they were defined.
func Inits() []*Init {
	if atomic.AddInt32(&initsBusy, 1) != 1 {
		panic("opreg.Inits: data race")
	}
	list := append([]*Init(nil), inits...)
	if atomic.AddInt32(&initsBusy, -1) != 0 {
		panic("opreg.Inits: data race")
	}
	return list
}

// Kind returns the kind of library initialized by the record.
func (i *Init) Kind() Kind { return i.kind }

// Namespace returns the namespace of the library initialized by the
// record.
func (i *Init) Namespace() string { return i.ns }

// String returns a description of the record.
func (i *Init) String() string {
	if i.key != dispatchkey.Undefined {
		return fmt.Sprintf("%s %s[%s] (%s)", i.kind, i.ns, i.key, i.location)
	}
	return fmt.Sprintf("%s %s (%s)", i.kind, i.ns, i.location)
}

// A LoaderOption configures a Loader.
type LoaderOption func(l *Loader)

// LoaderStatus configures the loader to report its progress to the
// provided status group.
func LoaderStatus(group *status.Group) LoaderOption {
	return func(l *Loader) {
		l.status = group
	}
}

// A Loader loads libraries, declared by initialization records, into
// a dispatcher. The application's startup code drives the loader
// explicitly, either record by record (RegisterNamespace) or for every
// record in the process (LoadAll).
type Loader struct {
	d      Dispatcher
	status *status.Group

	mu     sync.Mutex
	loaded map[*Init]*Library
	order  []*Init
}

// NewLoader returns a new loader that loads libraries into
// dispatcher d.
func NewLoader(d Dispatcher, opts ...LoaderOption) *Loader {
	l := &Loader{d: d, loaded: make(map[*Init]*Library)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RegisterNamespace loads the library declared by rec. Loading a
// library that is already loaded is a no-op. If the library's
// initialization fails, every registration it performed is released
// and the error is returned.
func (l *Loader) RegisterNamespace(rec *Init) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.loaded[rec]; ok {
		return nil
	}
	var task *status.Task
	if l.status != nil {
		task = l.status.Start(rec.String())
		defer task.Done()
	}
	lib, err := openLibrary(rec, l.d)
	if err != nil {
		if task != nil {
			task.Printf("error: %v", err)
		}
		return err
	}
	if err := populate(lib, rec.fn); err != nil {
		if rerr := lib.Close(); rerr != nil {
			log.Error.Printf("opreg: unloading failed library %s: %v", rec, rerr)
		}
		if task != nil {
			task.Printf("error: %v", err)
		}
		return err
	}
	l.loaded[rec] = lib
	l.order = append(l.order, rec)
	log.Debug.Printf("opreg: loaded %s: %d registrations", rec, lib.Len())
	if task != nil {
		task.Printf("%d registrations", lib.Len())
	}
	return nil
}

// openLibrary creates the library declared by rec. Errors are
// reported as *typecheck.Error, located at rec's declaration when it
// is known.
func openLibrary(rec *Init, d Dispatcher) (lib *Library, err error) {
	defer typecheck.Recover(&err)
	if rec.file != "" {
		defer typecheck.Location(rec.file, rec.line)
	}
	lib, err = newLibrary(rec.kind, rec.ns, rec.key, d, rec.location)
	if err != nil {
		typecheck.Panic(0, err)
	}
	return lib, nil
}

// populate runs the initialization function fn on lib, converting
// registration panics into errors.
func populate(lib *Library, fn func(*Library)) (err error) {
	defer typecheck.Recover(&err)
	fn(lib)
	return nil
}

// UnregisterNamespace unloads the library declared by rec,
// releasing all of its registrations. Unloading a library that is not
// loaded is a no-op.
func (l *Loader) UnregisterNamespace(rec *Init) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lib, ok := l.loaded[rec]
	if !ok {
		return nil
	}
	delete(l.loaded, rec)
	for i, loaded := range l.order {
		if loaded == rec {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return lib.Close()
}

// LoadAll loads every library declared in the process, in the order
// in which they were defined. LoadAll stops at the first failure;
// libraries loaded before it remain loaded.
func (l *Loader) LoadAll() error {
	all := Inits()
	if l.status != nil {
		l.status.Printf("loading %d libraries", len(all))
	}
	for _, rec := range all {
		if err := l.RegisterNamespace(rec); err != nil {
			return errors.E(fmt.Sprintf("load %s", rec), err)
		}
	}
	return nil
}

// Loaded returns the records of the currently loaded libraries, in
// load order.
func (l *Loader) Loaded() []*Init {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Init(nil), l.order...)
}

// Close unloads every loaded library, in reverse load order. All
// libraries are unloaded even if some fail; the first failure is
// returned.
func (l *Loader) Close() error {
	l.mu.Lock()
	order := l.order
	l.order = nil
	loaded := l.loaded
	l.loaded = make(map[*Init]*Library)
	l.mu.Unlock()
	var once errors.Once
	for i := len(order) - 1; i >= 0; i-- {
		if err := loaded[order[i]].Close(); err != nil {
			log.Error.Printf("opreg: unload %s: %v", order[i], err)
			once.Set(err)
		}
	}
	return once.Err()
}
