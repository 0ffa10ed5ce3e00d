// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Slurm submits jobs with sbatch and tracks them with sacct.
type Slurm struct {
	*cli
	pollInterval time.Duration
}

func (sl *Slurm) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	args := []string{"--parsable", "--job-name=" + req.Name}
	if req.LogDir != "" {
		args = append(args,
			"--output="+filepath.Join(req.LogDir, req.Name+".o%j"),
			"--error="+filepath.Join(req.LogDir, req.Name+".e%j"))
	}
	if req.WorkDir != "" {
		args = append(args, "--chdir="+req.WorkDir)
	}
	args = append(args, req.NativeOptions...)
	args = append(args, req.Script)
	out, err := sl.output(ctx, "sbatch", args...)
	if err != nil {
		return "", &SubmissionError{Name: req.Name, Err: err}
	}
	// "--parsable" prints "jobid" or "jobid;cluster".
	id := strings.TrimSpace(string(out))
	if i := strings.IndexByte(id, ';'); i >= 0 {
		id = id[:i]
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", &SubmissionError{Name: req.Name, Err: fmt.Errorf("sbatch did not report a job id (output %q)", out)}
	}
	return id, nil
}

var slurmRunningStates = map[string]bool{
	"PENDING":      true,
	"CONFIGURING":  true,
	"RUNNING":      true,
	"COMPLETING":   true,
	"SUSPENDED":    true,
	"REQUEUED":     true,
	"RESIZING":     true,
	"REQUEUE_HOLD": true,
	"REQUEUE_FED":  true,
	"SIGNALING":    true,
	"STAGE_OUT":    true,
	"STOPPED":      true,
}

func (sl *Slurm) Wait(ctx context.Context, jobID string, timeout time.Duration) (JobStatus, error) {
	st, err := poll(ctx, timeout, sl.pollInterval, func() (JobStatus, bool, error) {
		out, err := sl.output(ctx, "sacct", "-j", jobID, "-X", "-n", "-P", "-o", "State,ExitCode")
		if err != nil {
			return JobStatus{}, false, err
		}
		return parseSacct(out)
	})
	if errors.Is(err, ErrWaitTimeout) {
		err = fmt.Errorf("job %s: %w", jobID, err)
	}
	return st, err
}

// parseSacct parses "State|ExitCode" output from sacct. Empty output
// means the job has not reached the accounting database yet.
func parseSacct(out []byte) (JobStatus, bool, error) {
	line := strings.TrimSpace(string(out))
	if line == "" {
		return JobStatus{}, false, nil
	}
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Split(line, "|")
	if len(fields) != 2 {
		return JobStatus{}, false, fmt.Errorf("cannot parse sacct output %q", out)
	}
	// "CANCELLED by 1234"
	state := strings.Fields(fields[0])
	if len(state) == 0 {
		return JobStatus{}, false, fmt.Errorf("cannot parse sacct output %q", out)
	}
	st := JobStatus{State: state[0]}
	if slurmRunningStates[st.State] {
		return st, false, nil
	}
	var code, signal int
	if _, err := fmt.Sscanf(fields[1], "%d:%d", &code, &signal); err != nil {
		return JobStatus{}, false, fmt.Errorf("cannot parse sacct exit code %q", fields[1])
	}
	st.ExitStatus = code
	st.Exited = signal == 0 && (st.State == "COMPLETED" || st.State == "FAILED")
	return st, true, nil
}

func (sl *Slurm) Cancel(jobID string) error {
	// scancel exits 0 if the job has already finished.
	_, err := sl.output(context.Background(), "scancel", jobID)
	return err
}
