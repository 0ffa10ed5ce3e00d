// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/genomon/gtsurveil/lib/cmd"
	"github.com/genomon/gtsurveil/lib/config"
	"github.com/genomon/gtsurveil/lib/surveil"
)

var handler = cmd.WithDefaultSubcommand(cmd.Multi{
	"version":   cmd.Version,
	"-version":  cmd.Version,
	"--version": cmd.Version,

	"run":          surveil.Command,
	"config-check": config.CheckCommand,
	"config-dump":  config.DumpCommand,
}, "run")

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
