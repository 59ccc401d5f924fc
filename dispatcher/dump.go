// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dispatcher

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/grailbio/opreg/dispatchkey"
)

// Dump writes a human-readable rendering of the dispatch table to w:
// each operator with its schema and kernels, followed by the
// registered fallbacks and libraries.
func (d *Dispatcher) Dump(w io.Writer) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var tw tabwriter.Writer
	tw.Init(w, 4, 4, 1, ' ', 0)
	fmt.Fprintln(&tw, "operators:")
	names := make([]string, 0, len(d.ops))
	byName := make(map[string]*operator, len(d.ops))
	for name, op := range d.ops {
		names = append(names, name.String())
		byName[name.String()] = op
	}
	sort.Strings(names)
	for _, name := range names {
		op := byName[name]
		if op.schema != nil {
			fmt.Fprintf(&tw, "\t%s\t%s\t[%s]\n", name, op.schema, op.defDebug)
		} else {
			fmt.Fprintf(&tw, "\t%s\t<undefined>\t\n", name)
		}
		for _, key := range sortedKeys(op.kernels) {
			e := op.kernels[key]
			fmt.Fprintf(&tw, "\t\t%s: %s\t[%s]\n", key, e.kernel, e.debug)
		}
	}
	if len(d.fallbacks) > 0 {
		fmt.Fprintln(&tw, "fallbacks:")
		fks := make([]fallbackKey, 0, len(d.fallbacks))
		for fk := range d.fallbacks {
			fks = append(fks, fk)
		}
		sort.Slice(fks, func(i, j int) bool {
			if fks[i].ns != fks[j].ns {
				return fks[i].ns < fks[j].ns
			}
			return fks[i].key < fks[j].key
		})
		for _, fk := range fks {
			e := d.fallbacks[fk]
			fmt.Fprintf(&tw, "\t%s\t%s: %s\t[%s]\n", fk.ns, fk.key, e.kernel, e.debug)
		}
	}
	if len(d.libraries) > 0 {
		fmt.Fprintln(&tw, "libraries:")
		nss := make([]string, 0, len(d.libraries))
		for ns := range d.libraries {
			nss = append(nss, ns)
		}
		sort.Strings(nss)
		for _, ns := range nss {
			fmt.Fprintf(&tw, "\t%s\t[%s]\n", ns, d.libraries[ns])
		}
	}
	return tw.Flush()
}

func sortedKeys(m map[dispatchkey.Key]*entry) []dispatchkey.Key {
	keys := make([]dispatchkey.Key, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
