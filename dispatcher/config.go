// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dispatcher

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/diagnostic/dump"
)

func init() {
	// The configured dispatcher is shared by the process, and is
	// included in its diagnostic dump.
	config.Register("opreg/dispatcher", func(constr *config.Constructor) {
		var strict bool
		constr.BoolVar(&strict, "strict", false, "reject kernels for operators that are not defined")
		constr.Doc = "opreg/dispatcher configures the operator dispatch table"
		constr.New = func() (interface{}, error) {
			opts := []Option{DumpTo(dump.DefaultRegistry)}
			if strict {
				opts = append(opts, Strict)
			}
			return New(opts...), nil
		}
	})
}
