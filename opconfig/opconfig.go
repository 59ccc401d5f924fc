// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package opconfig provides a mechanism to create an operator
// dispatcher from a shared configuration. Opconfig uses the
// configuration mechanism in package github.com/grailbio/base/config,
// and reads a default profile from $HOME/.opreg/config.
package opconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/opreg/dispatcher"
)

// Path determines the location of the profile read by Parse.
var Path = os.ExpandEnv("$HOME/.opreg/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// the configuration from Path defined in this package, and returns
// the dispatcher as configured by the profile and any flags
// provided. Parse panics if the dispatcher cannot be created.
func Parse() *dispatcher.Dispatcher {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	return Must()
}

// Must returns the dispatcher configured by the current profile,
// without processing flags. It panics if the dispatcher cannot be
// created.
func Must() *dispatcher.Dispatcher {
	var d *dispatcher.Dispatcher
	config.Must("opreg/dispatcher", &d)
	return d
}
