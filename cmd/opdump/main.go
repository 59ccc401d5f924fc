// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command opdump loads every operator library linked into the binary
// and prints the resulting dispatch table.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/opreg"
	"github.com/grailbio/opreg/opconfig"

	_ "github.com/grailbio/opreg/example/arith"
)

func main() {
	log.AddFlags()
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: opdump [-stats] [-inits]

Command opdump loads the operator libraries linked into it, in
declaration order, and prints the dispatch table: every operator
with its schema and kernels, the registered fallbacks, and the
namespaces claimed by Def libraries.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	var (
		stats = flag.Bool("stats", false, "print dispatcher statistics after the table")
		inits = flag.Bool("inits", false, "list library declarations instead of loading them")
	)
	d := opconfig.Parse()
	if flag.NArg() != 0 {
		flag.Usage()
	}
	if *inits {
		for _, rec := range opreg.Inits() {
			fmt.Println(rec)
		}
		return
	}
	loader := opreg.NewLoader(d)
	must.Nil(loader.LoadAll(), "loading operator libraries")
	must.Nil(d.Dump(os.Stdout))
	if *stats {
		s := d.Stats()
		fmt.Printf("libraries %d operators %d kernels %d fallbacks %d\n",
			s.Libraries, s.Operators, s.Kernels, s.Fallbacks)
		names := make([]string, 0, len(s.Counters))
		for name := range s.Counters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%s %d\n", name, s.Counters[name])
		}
	}
	if err := loader.Close(); err != nil {
		log.Error.Printf("unloading libraries: %v", err)
	}
}
