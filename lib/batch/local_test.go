// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/genomon/gtsurveil/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&localSuite{})

type localSuite struct{}

func (s *localSuite) writeScript(c *check.C, dir, body string) string {
	path := filepath.Join(dir, "job.sh")
	c.Assert(os.WriteFile(path, []byte("#!/bin/bash\n"+body+"\n"), 0750), check.IsNil)
	return path
}

func (s *localSuite) TestExitStatus(c *check.C) {
	dir := c.MkDir()
	sch := NewLocal(ctxlog.TestLogger(c))
	for _, trial := range []struct {
		body string
		st   JobStatus
	}{
		{"echo hello", JobStatus{Exited: true, ExitStatus: 0, State: "exited"}},
		{"exit 3", JobStatus{Exited: true, ExitStatus: 3, State: "exited"}},
		{"kill -KILL $$", JobStatus{State: "killed: killed"}},
	} {
		id, err := sch.Submit(context.Background(), SubmitRequest{
			Script: s.writeScript(c, dir, trial.body),
			Name:   "job",
			LogDir: dir,
		})
		c.Assert(err, check.IsNil)
		st, err := sch.Wait(context.Background(), id, 0)
		c.Check(err, check.IsNil)
		c.Check(st, check.DeepEquals, trial.st, check.Commentf("%s", trial.body))
	}
	buf, err := os.ReadFile(filepath.Join(dir, "job.o1"))
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "hello\n")
}

func (s *localSuite) TestTimeoutAndCancel(c *check.C) {
	dir := c.MkDir()
	sch := NewLocal(ctxlog.TestLogger(c))
	id, err := sch.Submit(context.Background(), SubmitRequest{
		Script: s.writeScript(c, dir, "exec sleep 10"),
		Name:   "job",
	})
	c.Assert(err, check.IsNil)
	_, err = sch.Wait(context.Background(), id, 10*time.Millisecond)
	c.Check(errors.Is(err, ErrWaitTimeout), check.Equals, true)

	job := sch.jobs[id]
	c.Assert(job, check.NotNil)
	c.Check(sch.Cancel(id), check.IsNil)
	select {
	case <-job.done:
	case <-time.After(5 * time.Second):
		c.Fatal("job was not killed")
	}
	c.Check(job.st.Exited, check.Equals, false)
	c.Check(job.st.State, check.Equals, "killed: terminated")

	// A cancelled job is forgotten, and cancelling it again is
	// not an error.
	c.Check(sch.jobs, check.HasLen, 0)
	_, err = sch.Wait(context.Background(), id, 0)
	c.Check(err, check.ErrorMatches, `no such job .*`)
	c.Check(sch.Cancel(id), check.IsNil)
}

func (s *localSuite) TestCancelAfterContextDone(c *check.C) {
	sch := NewLocal(ctxlog.TestLogger(c))
	ids := map[string]bool{}
	for _, body := range []string{"exec sleep 10", "true"} {
		id, err := sch.Submit(context.Background(), SubmitRequest{
			Script: s.writeScript(c, c.MkDir(), body),
			Name:   "job",
		})
		c.Assert(err, check.IsNil)
		ids[id] = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for id := range ids {
		job := sch.jobs[id]
		if _, err := sch.Wait(ctx, id, 0); err != nil {
			c.Check(err, check.Equals, context.Canceled)
		}
		c.Check(sch.Cancel(id), check.IsNil)
		<-job.done
	}
	c.Check(sch.jobs, check.HasLen, 0)
}

func (s *localSuite) TestWaitUnknownJob(c *check.C) {
	_, err := NewLocal(nil).Wait(context.Background(), "99", 0)
	c.Check(err, check.ErrorMatches, `no such job "99"`)
}
