// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dispatchkey defines the dispatch keys under which operator
// kernels are registered. A dispatch key names a backend or an
// execution context (autograd, tracing, ...). Keys are totally
// ordered by declaration, but the order carries no priority: it is
// used only to produce deterministic listings.
package dispatchkey

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Key is a dispatch key.
type Key int

// The set of known dispatch keys.
const (
	Undefined Key = iota

	CPU
	CUDA
	HIP
	FPGA
	MSNPU
	XLA
	Vulkan

	QuantizedCPU
	SparseCPU
	SparseCUDA
	MkldnnCPU

	BackendSelect
	Autograd
	Tracer
	Autocast
	Batched

	TestingOnlyGenericWrapper
	TestingOnlyGenericMode

	// CatchAll is the distinguished key of a kernel that is not
	// associated with any particular backend. It applies when no
	// key-specific kernel matches.
	CatchAll

	numKeys
)

var names = [...]string{
	Undefined:                 "Undefined",
	CPU:                       "CPU",
	CUDA:                      "CUDA",
	HIP:                       "HIP",
	FPGA:                      "FPGA",
	MSNPU:                     "MSNPU",
	XLA:                       "XLA",
	Vulkan:                    "Vulkan",
	QuantizedCPU:              "QuantizedCPU",
	SparseCPU:                 "SparseCPU",
	SparseCUDA:                "SparseCUDA",
	MkldnnCPU:                 "MkldnnCPU",
	BackendSelect:             "BackendSelect",
	Autograd:                  "Autograd",
	Tracer:                    "Tracer",
	Autocast:                  "Autocast",
	Batched:                   "Batched",
	TestingOnlyGenericWrapper: "TESTING_ONLY_GenericWrapper",
	TestingOnlyGenericMode:    "TESTING_ONLY_GenericMode",
	CatchAll:                  "CatchAll",
}

// String returns the canonical name of the key.
func (k Key) String() string {
	if k < 0 || k >= numKeys {
		return fmt.Sprintf("Key(%d)", int(k))
	}
	return names[k]
}

// Valid tells whether k is a declared key other than Undefined.
func (k Key) Valid() bool {
	return k > Undefined && k < numKeys
}

// IsBackend tells whether k names a concrete backend, as opposed to
// an execution context or the catch-all key.
func (k Key) IsBackend() bool {
	return k >= CPU && k <= MkldnnCPU
}

// All returns every valid key in declaration order.
func All() []Key {
	keys := make([]Key, 0, numKeys-1)
	for k := CPU; k < numKeys; k++ {
		keys = append(keys, k)
	}
	return keys
}

// Parse returns the key with the provided canonical name.
func Parse(name string) (Key, error) {
	for k, n := range names {
		if n == name && Key(k) != Undefined {
			return Key(k), nil
		}
	}
	return Undefined, errors.E(errors.Invalid, fmt.Sprintf("unknown dispatch key %q", name))
}

// Set implements flag.Value.
func (k *Key) Set(name string) error {
	key, err := Parse(name)
	if err != nil {
		return err
	}
	*k = key
	return nil
}
