// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package opreg

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/opreg/dispatcher"
	"github.com/grailbio/opreg/dispatchkey"
	"github.com/grailbio/opreg/kernel"
	"github.com/grailbio/opreg/opschema"
)

// Dispatcher is the dispatch table into which operators are
// registered. It is implemented by *dispatcher.Dispatcher; tests may
// provide their own implementation (see package optest).
type Dispatcher interface {
	// RegisterLibrary registers the defining library of namespace ns.
	RegisterLibrary(ns, debug string) (*dispatcher.Handle, error)
	// RegisterDef registers an operator definition.
	RegisterDef(schema opschema.FunctionSchema, debug string) (*dispatcher.Handle, error)
	// RegisterImpl registers a kernel for an operator and dispatch key.
	RegisterImpl(name opschema.OperatorName, key dispatchkey.Key, k *kernel.Kernel, inferred *opschema.FunctionSchema, debug string) (*dispatcher.Handle, error)
	// RegisterFallback registers a fallback kernel for a namespace and
	// dispatch key.
	RegisterFallback(ns string, key dispatchkey.Key, k *kernel.Kernel, debug string) (*dispatcher.Handle, error)
}

var _ Dispatcher = (*dispatcher.Dispatcher)(nil)

// handles is an ordered list of registration handles that are
// released together.
type handles struct {
	mu   sync.Mutex
	list []*dispatcher.Handle
}

func (h *handles) add(hs ...*dispatcher.Handle) {
	h.mu.Lock()
	h.list = append(h.list, hs...)
	h.mu.Unlock()
}

func (h *handles) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.list)
}

// releaseAll releases all handles in reverse order of registration.
// Every handle is released even if others fail; the first failure is
// returned.
func (h *handles) releaseAll() error {
	h.mu.Lock()
	list := h.list
	h.list = nil
	h.mu.Unlock()
	return release(list)
}

func release(list []*dispatcher.Handle) error {
	var once errors.Once
	for i := len(list) - 1; i >= 0; i-- {
		if err := list[i].Release(); err != nil {
			log.Error.Printf("opreg: release %s: %v", list[i], err)
			once.Set(err)
		}
	}
	return once.Err()
}

// location returns the file:line of the caller at the provided
// calldepth.
func location(calldepth int) string {
	_, file, line, ok := runtime.Caller(calldepth + 1)
	if !ok {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d", file, line)
}
