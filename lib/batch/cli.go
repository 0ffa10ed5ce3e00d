// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package batch

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/sirupsen/logrus"
)

type cli struct {
	logger       logrus.FieldLogger
	runSemaphore chan struct{}
	// (for testing) if non-nil, call stubCommand() instead of
	// exec.CommandContext() when running scheduler command line
	// programs.
	stubCommand func(string, ...string) *exec.Cmd
}

func newCLI(opts Options) *cli {
	return &cli{
		logger:       opts.Logger,
		runSemaphore: make(chan struct{}, opts.MaxCommands),
	}
}

func (c *cli) command(ctx context.Context, prog string, args ...string) *exec.Cmd {
	if f := c.stubCommand; f != nil {
		return f(prog, args...)
	}
	return exec.CommandContext(ctx, prog, args...)
}

// output runs prog and returns its stdout. If prog cannot be started
// or exits non-zero, the error is a *CommandError, and stdout is
// returned anyway.
func (c *cli) output(ctx context.Context, prog string, args ...string) ([]byte, error) {
	select {
	case c.runSemaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.runSemaphore }()

	var stdout, stderr bytes.Buffer
	cmd := c.command(ctx, prog, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	c.logger.WithFields(logrus.Fields{
		"stdout": stdout.String(),
		"stderr": stderr.String(),
	}).Debugf("%s %q", prog, args)
	if err != nil {
		cerr := &CommandError{
			Prog:     prog,
			Args:     args,
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Err:      err,
		}
		if exiterr, ok := err.(*exec.ExitError); ok {
			cerr.ExitCode = exiterr.ExitCode()
		}
		return stdout.Bytes(), cerr
	}
	return stdout.Bytes(), nil
}
