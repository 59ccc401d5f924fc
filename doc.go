// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package opreg implements the registration of operators into a
dispatch table. An operator is identified by its name and typed by
its schema; it is implemented by kernels, each of which serves one
dispatch key (a backend such as CPU or CUDA, or a functionality
layer such as Autograd). A kernel registered for the CatchAll key
serves every key for which there is no specific kernel.

Operators may be registered in two ways. The first is with a
Registrar, which consumes Options describing one operator at a
time:

	r := opreg.NewRegistrar(d)
	err := r.Op(opreg.NewOptions().
		Schema("myops::add(int a, int b) -> int").
		Kernel(dispatchkey.CPU, addCPU).
		Kernel(dispatchkey.CUDA, addCUDA))

The second is with a Library, which is scoped to a namespace and
accumulates definitions, kernels, and fallbacks:

	var _ = opreg.Define("myops", func(lib *opreg.Library) {
		lib.Def("add(int a, int b) -> int")
		lib.DefFunc("mul", mul)
	})

	var _ = opreg.DefineImpl("myops", dispatchkey.XLA, func(lib *opreg.Library) {
		lib.Impl("add", addXLA)
	})

Libraries declared this way are not registered until the
application loads them, in declaration order, with a Loader:

	loader := opreg.NewLoader(d)
	if err := loader.LoadAll(); err != nil {
		log.Fatal(err)
	}

When an operator is registered with only a name, its schema is
inferred from the Go types of its kernels. Kernels may be plain
functions, stateless closures, functors (values with a Call method,
constructed anew for every registration), or boxed functions that
operate on a kernel.Stack.

Every registration yields a handle. Registrars, libraries, and
loaders own their handles, and release all of them, in reverse
order, when closed.
*/
package opreg
