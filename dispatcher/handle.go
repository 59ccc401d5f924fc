// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dispatcher

import "sync/atomic"

// A Handle represents one registration in a dispatch table: a
// library, an operator definition, a kernel, or a fallback. Releasing
// the handle removes exactly that registration. Handles may be
// released at most once; subsequent releases are no-ops.
type Handle struct {
	desc     string
	released int32
	release  func() error
}

// NewHandle returns a handle described by desc, whose release is
// performed by the provided function. NewHandle is exported so that
// alternative dispatcher implementations may mint handles.
func NewHandle(desc string, release func() error) *Handle {
	return &Handle{desc: desc, release: release}
}

// Release removes the handle's registration. Only the first call
// performs the release; later calls return nil.
func (h *Handle) Release() error {
	if h == nil || !atomic.CompareAndSwapInt32(&h.released, 0, 1) {
		return nil
	}
	if h.release == nil {
		return nil
	}
	return h.release()
}

// Released tells whether the handle has been released.
func (h *Handle) Released() bool {
	return atomic.LoadInt32(&h.released) == 1
}

// String returns the handle's description.
func (h *Handle) String() string {
	return h.desc
}
