// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics provides counters used to account for dispatch
// table activity. Counters are declared once, globally, and their
// values are kept in a Scope; each dispatcher keeps its own scope so
// that independent dispatchers do not share counts.
package metrics

import (
	"sync"
	"sync/atomic"
)

var (
	mu sync.Mutex
	// metrics maps all registered metrics by id. We reserve index 0 to minimize
	// the chances of zero-valued metrics instances begin used uninitialized.
	metrics = []Metric{nil}
	names   = []string{""}
)

func newMetric(name string, makeMetric func(id int) Metric) {
	mu.Lock()
	metrics = append(metrics, makeMetric(len(metrics)))
	names = append(names, name)
	mu.Unlock()
}

// Metric is the interface implemented by all metric types.
type Metric interface {
	metricID() int
	newInstance() interface{}

	merge(interface{}, interface{})
}

// Counter is a monotonically increasing count.
type Counter struct {
	id int
}

// NewCounter registers and returns a new counter with the provided
// name. Names are used only in scope snapshots.
func NewCounter(name string) Counter {
	var c Counter
	newMetric(name, func(id int) Metric {
		c.id = id
		return c
	})
	return c
}

// Value returns the counter's value in the provided scope.
func (c Counter) Value(scope *Scope) int64 {
	return atomic.LoadInt64(scope.instance(c).(*int64))
}

// Incr increments the counter's value in the provided scope by n.
func (c Counter) Incr(scope *Scope, n int64) {
	atomic.AddInt64(scope.instance(c).(*int64), n)
}

// Name returns the counter's name.
func (c Counter) Name() string {
	mu.Lock()
	defer mu.Unlock()
	return names[c.id]
}

func (c Counter) metricID() int { return c.id }
func (c Counter) newInstance() interface{} {
	return new(int64)
}
func (c Counter) merge(x, y interface{}) {
	atomic.AddInt64(x.(*int64), atomic.LoadInt64(y.(*int64)))
}
