// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Local runs job scripts as child processes of the current process.
// It is meant for workstations and tests.
type Local struct {
	logger logrus.FieldLogger

	mtx    sync.Mutex
	nextID int
	jobs   map[string]*localJob
}

type localJob struct {
	cmd  *exec.Cmd
	done chan struct{}
	st   JobStatus
}

// NewLocal returns a Local scheduler.
func NewLocal(logger logrus.FieldLogger) *Local {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Local{logger: logger, nextID: 1, jobs: map[string]*localJob{}}
}

// Submit starts "bash script". Native options are ignored. The job
// keeps running if ctx is cancelled; use Cancel to stop it.
func (l *Local) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if len(req.NativeOptions) > 0 {
		l.logger.Debugf("local scheduler ignores native options %q", req.NativeOptions)
	}
	l.mtx.Lock()
	id := strconv.Itoa(l.nextID)
	l.nextID++
	l.mtx.Unlock()

	cmd := exec.Command("bash", req.Script)
	cmd.Dir = req.WorkDir
	// Own process group, so Cancel reaches the script's children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if req.LogDir != "" {
		f, err := os.OpenFile(filepath.Join(req.LogDir, req.Name+".o"+id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return "", &SubmissionError{Name: req.Name, Err: err}
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		return "", &SubmissionError{Name: req.Name, Err: err}
	}
	job := &localJob{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(job.done)
		err := cmd.Wait()
		job.st = localStatus(cmd.ProcessState, err)
	}()
	l.mtx.Lock()
	l.jobs[id] = job
	l.mtx.Unlock()
	return id, nil
}

func localStatus(ps *os.ProcessState, err error) JobStatus {
	if ps == nil {
		return JobStatus{State: fmt.Sprintf("error: %s", err)}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return JobStatus{State: "killed: " + ws.Signal().String()}
	}
	return JobStatus{Exited: true, ExitStatus: ps.ExitCode(), State: "exited"}
}

func (l *Local) job(jobID string) (*localJob, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("no such job %q", jobID)
	}
	return job, nil
}

func (l *Local) Wait(ctx context.Context, jobID string, timeout time.Duration) (JobStatus, error) {
	job, err := l.job(jobID)
	if err != nil {
		return JobStatus{}, err
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-job.done:
		l.mtx.Lock()
		delete(l.jobs, jobID)
		l.mtx.Unlock()
		return job.st, nil
	case <-ctx.Done():
		return JobStatus{}, ctx.Err()
	case <-deadline:
		return JobStatus{}, fmt.Errorf("job %s: %w", jobID, ErrWaitTimeout)
	}
}

// Cancel kills the job's process group and forgets the job. The
// process is still reaped in the background.
func (l *Local) Cancel(jobID string) error {
	job, err := l.job(jobID)
	if err != nil {
		// Already reaped by Wait, or cancelled.
		return nil
	}
	select {
	case <-job.done:
	default:
		err = unix.Kill(-job.cmd.Process.Pid, unix.SIGTERM)
		if err != nil && !errors.Is(err, unix.ESRCH) {
			return err
		}
	}
	l.mtx.Lock()
	delete(l.jobs, jobID)
	l.mtx.Unlock()
	return nil
}
