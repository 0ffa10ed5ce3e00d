// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobrunner downloads one work unit by submitting a
// gtdownload job script to the batch scheduler, retrying failed jobs
// up to a limit.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	"github.com/genomon/gtsurveil/lib/batch"
	"github.com/genomon/gtsurveil/lib/workunit"
	"github.com/genomon/gtsurveil/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Config holds the settings shared by all units of a run.
type Config struct {
	GTDownload        string
	GTDownloadOptions []string
	AuthKey           string
	DataDir           string
	LogDir            string
	ScriptDir         string
	WorkDir           string
	NativeOptions     []string

	// RetryMax is the maximum number of job submissions per unit.
	RetryMax int
	// WaitTime limits how long to wait for each job. Zero means
	// wait forever.
	WaitTime time.Duration
	// RetryBackoff is the initial delay between a failed attempt
	// and the next one, growing up to RetryBackoffMax. Zero means
	// retry immediately.
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration

	// Per-unit log lines are written to the unit's log file and
	// to Stderr, in the given format and level.
	Stderr    io.Writer
	LogFormat string
	LogLevel  string
}

// Outcome is the result of one job attempt.
type Outcome string

const (
	Succeeded     Outcome = "succeeded"
	FailedExit    Outcome = "failed_exit"
	FailedTimeout Outcome = "failed_timeout"
	FailedError   Outcome = "failed_error"
)

// An Attempt is one submission of a unit's job script.
type Attempt struct {
	Number   int
	JobID    string
	Outcome  Outcome
	Status   batch.JobStatus
	Err      error
	Log      string
	Started  time.Time
	Finished time.Time
}

// State is the final state of a unit.
type State string

const (
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
)

// Result is what Run did with one unit.
type Result struct {
	Unit     workunit.Unit
	State    State
	Attempts []Attempt
	// Cancelled is true if the context was cancelled before the
	// unit succeeded.
	Cancelled bool
	// Err is set if the unit could not be attempted at all, e.g.
	// the job script could not be written.
	Err error
	// LogPath is the unit's log file.
	LogPath string
}

// ExitCode is 0 if the unit succeeded, otherwise 1.
func (r Result) ExitCode() int {
	if r.State == StateSucceeded {
		return 0
	}
	return 1
}

// Runner runs units through a Scheduler. A Runner can run many units
// concurrently.
type Runner struct {
	Config
	scheduler batch.Scheduler
	logger    logrus.FieldLogger

	mAttempts *prometheus.CounterVec
	mUnits    *prometheus.CounterVec

	// (for testing) replaces the backoff delay
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Runner. Metrics are registered with reg if it is not
// nil.
func New(cfg Config, sched batch.Scheduler, reg *prometheus.Registry, logger logrus.FieldLogger) *Runner {
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.RetryMax < 1 {
		cfg.RetryMax = 1
	}
	r := &Runner{
		Config:    cfg,
		scheduler: sched,
		logger:    logger,
		sleep:     sleepCtx,
	}
	r.registerMetrics(reg)
	return r
}

func (r *Runner) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r.mAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gtsurveil",
		Subsystem: "jobrunner",
		Name:      "attempts_total",
		Help:      "Number of job submissions, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(r.mAttempts)
	r.mUnits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gtsurveil",
		Subsystem: "jobrunner",
		Name:      "units_total",
		Help:      "Number of units run to completion, by final state.",
	}, []string{"state"})
	reg.MustRegister(r.mUnits)
}

// LogPath returns the path of the unit's log file.
func (r *Runner) LogPath(u workunit.Unit) string {
	return filepath.Join(r.LogDir, u.Name+".log")
}

// ScriptPath returns the path of the unit's job script.
func (r *Runner) ScriptPath(u workunit.Unit) string {
	return filepath.Join(r.ScriptDir, u.Name+".sh")
}

// Run writes the unit's job script and submits it until a job
// succeeds, RetryMax attempts have failed, or ctx is cancelled.
// Attempts are made one at a time.
func (r *Runner) Run(ctx context.Context, u workunit.Unit) Result {
	res := Result{Unit: u, State: StateFailed, LogPath: r.LogPath(u)}
	defer func() {
		r.mUnits.WithLabelValues(string(res.State)).Inc()
	}()

	logf, err := os.Create(res.LogPath)
	if err != nil {
		r.logger.WithError(err).Errorf("%s: cannot create log file", u.Name)
		res.Err = err
		return res
	}
	defer logf.Close()
	logger := ctxlog.New(io.MultiWriter(logf, r.Stderr), r.LogFormat, r.LogLevel).WithField("unit", u.Name)

	script := r.ScriptPath(u)
	err = os.WriteFile(script, []byte(r.Script(u.DescriptorPath)), 0750)
	if err == nil {
		// WriteFile does not change the mode of an existing file.
		err = os.Chmod(script, 0750)
	}
	if err != nil {
		logger.WithError(err).Error("cannot write job script")
		res.Err = err
		logger.Infof("Subprocess has been finished: %d", res.ExitCode())
		return res
	}
	logger.Infof("Subprocess has been started, with script %s", script)

	var nextDelay func() time.Duration
	if r.RetryBackoff > 0 {
		max := r.RetryBackoffMax
		if max < r.RetryBackoff {
			max = r.RetryBackoff
		}
		bo := boff.New(r.RetryBackoff, max, time.Now().UnixNano())
		nextDelay = bo.Next
	}
	for n := 1; n <= r.RetryMax; n++ {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		att := r.attempt(ctx, logger.WithField("attempt", n), u, n)
		res.Attempts = append(res.Attempts, att)
		r.mAttempts.WithLabelValues(string(att.Outcome)).Inc()
		if att.Outcome == Succeeded {
			res.State = StateSucceeded
			break
		}
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		if n < r.RetryMax && nextDelay != nil {
			delay := nextDelay()
			logger.WithField("attempt", n).Infof("retrying in %s", delay)
			if r.sleep(ctx, delay) != nil {
				res.Cancelled = true
				break
			}
		}
	}
	if res.Cancelled {
		logger.Warn("cancelled, no further attempts")
	}
	logger.Infof("Subprocess has been finished: %d", res.ExitCode())
	return res
}

func (r *Runner) attempt(ctx context.Context, logger logrus.FieldLogger, u workunit.Unit, n int) Attempt {
	att := Attempt{Number: n, Started: time.Now()}
	jobID, err := r.scheduler.Submit(ctx, batch.SubmitRequest{
		Script:        r.ScriptPath(u),
		Name:          u.Name,
		LogDir:        r.LogDir,
		WorkDir:       r.WorkDir,
		NativeOptions: r.NativeOptions,
	})
	if err != nil {
		att.Outcome, att.Err = FailedError, err
		att.Log = fmt.Sprintf("Job submission failed with error %s", err)
		logger.WithError(err).Warn(att.Log)
		att.Finished = time.Now()
		return att
	}
	att.JobID = jobID
	logger = logger.WithField("job", jobID)
	logger.Infof("Job has been submitted with id: %s", jobID)

	st, err := r.scheduler.Wait(ctx, jobID, r.WaitTime)
	if err != nil {
		att.Err = err
		if errors.Is(err, batch.ErrWaitTimeout) {
			att.Outcome = FailedTimeout
		} else {
			att.Outcome = FailedError
		}
		if cerr := r.scheduler.Cancel(jobID); cerr != nil {
			logger.WithError(cerr).Warn("cancel failed")
		}
		att.Log = fmt.Sprintf("Job: %s finished with error %s", jobID, err)
		logger.Warn(att.Log)
	} else {
		att.Status = st
		if st.Success() {
			att.Outcome = Succeeded
		} else {
			att.Outcome = FailedExit
		}
		att.Log = fmt.Sprintf("Job: %s finished with status: %v and exit status: %d", jobID, st.Exited, st.ExitStatus)
		logger.WithField("state", st.State).Info(att.Log)
	}
	att.Finished = time.Now()
	return att
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
