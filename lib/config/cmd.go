// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/genomon/gtsurveil/lib/cmd"
	"github.com/genomon/gtsurveil/sdk/go/ctxlog"
	"github.com/ghodss/yaml"
)

// DumpCommand loads a config file and writes the effective
// configuration (defaults included) to stdout as YAML.
var DumpCommand dumpCommand

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", ExistingDefaultPath(), "Configuration `file` (YAML or INI). Default: <executable>.cfg if it exists")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	log := ctxlog.New(stderr, "text", "info")
	cfg, err := Load(*configFile, log)
	if err != nil {
		return 1
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return 1
	}
	_, err = stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}

// CheckCommand loads a config file, reports unused keys and invalid
// values, and checks that the configured tools can be found.
var CheckCommand checkCommand

type checkCommand struct{}

func (checkCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", ExistingDefaultPath(), "Configuration `file` (YAML or INI). Default: <executable>.cfg if it exists")
	strict := flags.Bool("strict", true, "Exit non-zero if the config has unused keys or missing tools")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	warnings := &warnCounter{log: ctxlog.New(stderr, "text", "info")}
	cfg, err := Load(*configFile, warnings)
	if err != nil {
		return 1
	}
	if err = cfg.Check(); err != nil {
		return 1
	}
	if _, err := os.Stat(cfg.Tools.GTDownload); err != nil {
		warnings.Warnf("TOOLS.gtdownload: %s", err)
	}
	if _, err := exec.LookPath(schedulerSubmitCommand[cfg.JobControl.Scheduler]); err != nil {
		warnings.Warnf("JOB_CONTROL.scheduler %s: %s", cfg.JobControl.Scheduler, err)
	}
	if warnings.n > 0 && *strict {
		return 1
	}
	return 0
}

var schedulerSubmitCommand = map[string]string{
	"gridengine": "qsub",
	"slurm":      "sbatch",
	"local":      "bash",
}

type warnCounter struct {
	log logger
	n   int
}

func (w *warnCounter) Warnf(format string, args ...interface{}) {
	w.n++
	w.log.Warnf(format, args...)
}
