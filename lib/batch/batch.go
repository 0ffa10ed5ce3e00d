// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package batch submits job scripts to a cluster batch scheduler
// through its command line tools and waits for them to finish.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrWaitTimeout is returned by Wait when the job is still running
// after the given timeout.
var ErrWaitTimeout = errors.New("timed out waiting for job")

// A SubmitRequest describes one job submission.
type SubmitRequest struct {
	// Script is the path of an executable job script.
	Script string
	// Name is the scheduler job name.
	Name string
	// LogDir receives the job's stdout and stderr files.
	LogDir string
	// WorkDir is the job's working directory. Empty means the
	// current directory.
	WorkDir string
	// NativeOptions are passed to the submit command unchanged.
	NativeOptions []string
}

// JobStatus is the final state of a job. Exited is true if the job
// script ran to completion (it was not killed, and the scheduler did
// not fail it). ExitStatus is only meaningful if Exited is true.
type JobStatus struct {
	Exited     bool
	ExitStatus int
	State      string
}

func (st JobStatus) String() string {
	return fmt.Sprintf("exited=%v exit status=%d state=%s", st.Exited, st.ExitStatus, st.State)
}

// Success reports whether the job exited normally with status 0.
func (st JobStatus) Success() bool {
	return st.Exited && st.ExitStatus == 0
}

// Scheduler is a batch scheduler client.
type Scheduler interface {
	// Submit queues the job and returns the scheduler's job id.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// Wait blocks until the job finishes, ctx is done, or timeout
	// (if non-zero) passes, in which case the error is
	// ErrWaitTimeout.
	Wait(ctx context.Context, jobID string, timeout time.Duration) (JobStatus, error)
	// Cancel asks the scheduler to remove the job. Cancelling a
	// job that has already finished is not an error.
	Cancel(jobID string) error
}

// Options configure a Scheduler.
type Options struct {
	// PollInterval is the delay between job state queries.
	PollInterval time.Duration
	// MaxCommands limits concurrent invocations of scheduler
	// command line tools.
	MaxCommands int
	Logger      logrus.FieldLogger
}

// Names of the supported schedulers.
var Names = []string{"gridengine", "slurm", "local"}

// New returns a Scheduler for the named scheduler type.
func New(name string, opts Options) (Scheduler, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.MaxCommands <= 0 {
		opts.MaxCommands = 4
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	c := newCLI(opts)
	switch name {
	case "gridengine":
		return &GridEngine{cli: c, pollInterval: opts.PollInterval}, nil
	case "slurm":
		return &Slurm{cli: c, pollInterval: opts.PollInterval}, nil
	case "local":
		return NewLocal(opts.Logger), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q (supported: %s)", name, strings.Join(Names, ", "))
	}
}

// SubmissionError means the scheduler did not accept a job.
type SubmissionError struct {
	Name string
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %s", e.Name, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// CommandError means a scheduler command line tool failed or could
// not be run.
type CommandError struct {
	Prog     string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %q: %s (%q)", e.Prog, e.Args, e.Err, strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error { return e.Err }

// poll calls check until it reports the job done or fails, sleeping
// interval between calls.
func poll(ctx context.Context, timeout, interval time.Duration, check func() (JobStatus, bool, error)) (JobStatus, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, done, err := check()
		if err != nil || done {
			return st, err
		}
		select {
		case <-ctx.Done():
			return JobStatus{}, ctx.Err()
		case <-deadline:
			return JobStatus{}, ErrWaitTimeout
		case <-ticker.C:
		}
	}
}
