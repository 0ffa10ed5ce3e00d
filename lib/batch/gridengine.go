// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package batch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// qacct can lag behind qstat by a few seconds after a job ends.
const qacctAttempts = 5

// GridEngine submits jobs with qsub and tracks them with qstat and
// qacct.
type GridEngine struct {
	*cli
	pollInterval time.Duration
}

func (ge *GridEngine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	args := []string{"-terse", "-N", req.Name}
	if req.LogDir != "" {
		args = append(args, "-o", req.LogDir, "-e", req.LogDir)
	}
	if req.WorkDir != "" {
		args = append(args, "-wd", req.WorkDir)
	}
	args = append(args, req.NativeOptions...)
	args = append(args, req.Script)
	out, err := ge.output(ctx, "qsub", args...)
	if err != nil {
		return "", &SubmissionError{Name: req.Name, Err: err}
	}
	id := parseQsubTerse(out)
	if id == "" {
		return "", &SubmissionError{Name: req.Name, Err: fmt.Errorf("qsub did not report a job id (output %q)", out)}
	}
	ge.logger.WithField("job", id).Debugf("qsub %s", req.Name)
	return id, nil
}

// parseQsubTerse returns the job id from "qsub -terse" output, which
// is "123" or, for an array job, "123.1-10:1".
func parseQsubTerse(out []byte) string {
	id := strings.TrimSpace(string(out))
	if i := strings.IndexByte(id, '.'); i >= 0 {
		id = id[:i]
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return ""
	}
	return id
}

func (ge *GridEngine) Wait(ctx context.Context, jobID string, timeout time.Duration) (JobStatus, error) {
	running := true
	acctTries := 0
	st, err := poll(ctx, timeout, ge.pollInterval, func() (JobStatus, bool, error) {
		if running {
			out, err := ge.output(ctx, "qstat", "-j", jobID)
			if err == nil {
				return JobStatus{}, false, nil
			}
			if !jobNotFound(out, err) {
				return JobStatus{}, false, err
			}
			running = false
		}
		out, err := ge.output(ctx, "qacct", "-j", jobID)
		if err != nil {
			if acctTries++; acctTries < qacctAttempts && jobNotFound(out, err) {
				return JobStatus{}, false, nil
			}
			return JobStatus{}, false, err
		}
		st, err := parseQacct(out)
		return st, err == nil, err
	})
	if errors.Is(err, ErrWaitTimeout) {
		err = fmt.Errorf("job %s: %w", jobID, err)
	}
	return st, err
}

// jobNotFound reports whether a failed qstat/qacct command said the
// job does not exist (any more, or yet).
func jobNotFound(stdout []byte, err error) bool {
	var cerr *CommandError
	if !errors.As(err, &cerr) || cerr.ExitCode < 0 {
		return false
	}
	msg := string(stdout) + cerr.Stderr
	return strings.Contains(msg, "do not exist") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "not found")
}

// parseQacct parses the "failed" and "exit_status" fields of a
// "qacct -j" report. If the job ran more than once, the last record
// wins.
func parseQacct(out []byte) (JobStatus, error) {
	var st JobStatus
	var haveFailed, haveExit bool
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "failed":
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return st, fmt.Errorf("cannot parse qacct line %q", scanner.Text())
			}
			st.Exited = n == 0
			if n == 0 {
				st.State = "done"
			} else {
				st.State = "failed: " + strings.Join(fields[1:], " ")
			}
			haveFailed = true
		case "exit_status":
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return st, fmt.Errorf("cannot parse qacct line %q", scanner.Text())
			}
			st.ExitStatus = n
			haveExit = true
		}
	}
	if err := scanner.Err(); err != nil {
		return st, err
	}
	if !haveFailed || !haveExit {
		return st, fmt.Errorf("qacct output has no failed/exit_status fields: %q", out)
	}
	return st, nil
}

func (ge *GridEngine) Cancel(jobID string) error {
	out, err := ge.output(context.Background(), "qdel", jobID)
	if err == nil || jobNotFound(out, err) {
		return nil
	}
	var cerr *CommandError
	if errors.As(err, &cerr) && strings.Contains(string(out)+cerr.Stderr, "already completed") {
		return nil
	}
	return err
}
