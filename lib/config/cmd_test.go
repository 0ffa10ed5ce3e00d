// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/genomon/gtsurveil/lib/cmdtest"
	"github.com/ghodss/yaml"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestDump(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	path := filepath.Join(c.MkDir(), "gt.cfg")
	c.Assert(os.WriteFile(path, []byte("[JOB_CONTROL]\nretry_max = 9\n"), 0644), check.IsNil)
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("config-dump", []string{"-config", path}, bytes.NewReader(nil), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
	var cfg Config
	c.Assert(yaml.Unmarshal(stdout.Bytes(), &cfg), check.IsNil)
	c.Check(cfg.JobControl.RetryMax, check.Equals, 9)
	c.Check(cfg.JobControl.Scheduler, check.Equals, "gridengine")
}

func (s *CommandSuite) TestCheckInvalid(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	path := filepath.Join(c.MkDir(), "gt.yml")
	c.Assert(os.WriteFile(path, []byte("TOOLS:\n  gtdownload: /bin/true\n"), 0644), check.IsNil)
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("config-check", []string{"-config", path}, bytes.NewReader(nil), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*TOOLS.xmlsplitter is not set.*`)
}

func (s *CommandSuite) TestCheckUnusedKeyNotStrict(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	path := filepath.Join(c.MkDir(), "gt.yml")
	c.Assert(os.WriteFile(path, []byte(`
TOOLS:
  gtdownload: /bin/true
  xmlsplitter: /bin/true
  extra: 1
JOB_CONTROL:
  scheduler: local
`), 0644), check.IsNil)
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("config-check", []string{"-config", path}, bytes.NewReader(nil), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*unused config key TOOLS.extra.*`)

	stderr.Reset()
	code = CheckCommand.RunCommand("config-check", []string{"-config", path, "-strict=false"}, bytes.NewReader(nil), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
}

func (s *CommandSuite) TestNoArgsUsesDefaults(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	// The test binary has no <executable>.cfg next to it.
	c.Assert(ExistingDefaultPath(), check.Equals, "")

	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("config-dump", nil, bytes.NewReader(nil), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
	var cfg Config
	c.Assert(yaml.Unmarshal(stdout.Bytes(), &cfg), check.IsNil)
	c.Check(cfg.JobControl.Scheduler, check.Equals, "gridengine")
	c.Check(cfg.JobControl.RetryMax, check.Equals, 3)

	// The defaults load, then fail validation (no tools set).
	stdout.Reset()
	stderr.Reset()
	code = CheckCommand.RunCommand("config-check", nil, bytes.NewReader(nil), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Not(check.Matches), `(?ms).*error loading config.*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*TOOLS.gtdownload is not set.*`)
}
