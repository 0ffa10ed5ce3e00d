// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/genomon/gtsurveil/lib/jobrunner"
	"github.com/genomon/gtsurveil/lib/report"
	"github.com/genomon/gtsurveil/lib/workunit"
	"github.com/genomon/gtsurveil/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

type suite struct {
	logdir string
}

func (s *suite) SetUpTest(c *check.C) {
	s.logdir = c.MkDir()
}

// fakeRunner writes a one-line unit log, then blocks until the unit
// is released (or runs immediately if release is nil).
type fakeRunner struct {
	logdir  string
	release map[string]chan struct{}

	mtx     sync.Mutex
	started []string
	running map[string]bool
	live    int
	maxLive int
}

func (fr *fakeRunner) LogPath(u workunit.Unit) string {
	return filepath.Join(fr.logdir, u.Name+".log")
}

func (fr *fakeRunner) Run(ctx context.Context, u workunit.Unit) jobrunner.Result {
	fr.mtx.Lock()
	if fr.running == nil {
		fr.running = map[string]bool{}
	}
	if fr.running[u.ID] {
		panic("unit dispatched twice concurrently: " + u.ID)
	}
	fr.running[u.ID] = true
	fr.started = append(fr.started, u.ID)
	fr.live++
	if fr.live > fr.maxLive {
		fr.maxLive = fr.live
	}
	fr.mtx.Unlock()

	os.WriteFile(fr.LogPath(u), []byte(u.Name+": Subprocess has been finished: 0\n"), 0644)
	state := jobrunner.StateSucceeded
	if ch := fr.release[u.ID]; ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			state = jobrunner.StateFailed
		}
	}

	fr.mtx.Lock()
	fr.live--
	fr.running[u.ID] = false
	fr.mtx.Unlock()
	return jobrunner.Result{Unit: u, State: state, Cancelled: ctx.Err() != nil}
}

func makeUnits(n int) []workunit.Unit {
	var units []workunit.Unit
	for i := 1; i <= n; i++ {
		units = append(units, workunit.Unit{
			ID:   fmt.Sprintf("id-%d", i),
			Name: workunit.UnitName(i, "20151105_164430"),
		})
	}
	return units
}

func (s *suite) newPool(c *check.C, cfg Config, fr *fakeRunner, reg *prometheus.Registry) *Pool {
	rep := report.New(nil, nil, ctxlog.TestLogger(c))
	return New(cfg, fr, rep, reg, ctxlog.TestLogger(c))
}

func (s *suite) checkWaves(c *check.C, cfg Config, stats Stats) {
	total := 0
	for i, w := range stats.Waves {
		c.Check(w.Launched <= cfg.MaxOnce, check.Equals, true, check.Commentf("wave %d %+v", i, w))
		c.Check(w.Live+w.Launched <= cfg.MaxAll, check.Equals, true, check.Commentf("wave %d %+v", i, w))
		total += w.Launched
	}
	c.Check(total, check.Equals, stats.Launched)
}

func (s *suite) TestSingleUnitRunsSynchronously(c *check.C) {
	fr := &fakeRunner{logdir: s.logdir}
	reg := prometheus.NewRegistry()
	p := s.newPool(c, Config{MaxOnce: 2, Interval: time.Hour}, fr, reg)
	t0 := time.Now()
	rep, stats, err := p.Run(context.Background(), makeUnits(1))
	c.Check(err, check.IsNil)
	c.Check(time.Since(t0) < time.Minute, check.Equals, true)
	c.Check(stats.Waves, check.HasLen, 0)
	c.Check(stats.Launched, check.Equals, 1)
	c.Check(stats.Finished, check.Equals, 1)
	c.Check(stats.Results[0].State, check.Equals, jobrunner.StateSucceeded)
	c.Check(rep.Blocks(), check.HasLen, 1)
	_, err = os.Stat(fr.LogPath(makeUnits(1)[0]))
	c.Check(os.IsNotExist(err), check.Equals, true)
	c.Check(testutil.ToFloat64(p.mLaunched), check.Equals, float64(1))
	c.Check(testutil.ToFloat64(p.mLive), check.Equals, float64(0))
}

func (s *suite) TestNoUnits(c *check.C) {
	fr := &fakeRunner{logdir: s.logdir}
	rep, stats, err := s.newPool(c, Config{MaxOnce: 2}, fr, nil).Run(context.Background(), nil)
	c.Check(err, check.IsNil)
	c.Check(stats.Launched, check.Equals, 0)
	c.Check(rep.Blocks(), check.HasLen, 0)
}

func (s *suite) TestWaves(c *check.C) {
	// 5 units, at most 2 started per wave, at most 4 running.
	units := makeUnits(5)
	fr := &fakeRunner{logdir: s.logdir, release: map[string]chan struct{}{}}
	for _, u := range units {
		fr.release[u.ID] = make(chan struct{})
	}
	cfg := Config{MaxOnce: 2, MaxAll: 4, Interval: 10 * time.Millisecond}
	reg := prometheus.NewRegistry()
	p := s.newPool(c, cfg, fr, reg)

	go func() {
		time.Sleep(100 * time.Millisecond)
		for _, u := range units {
			close(fr.release[u.ID])
			time.Sleep(50 * time.Millisecond)
		}
	}()
	rep, stats, err := p.Run(context.Background(), units)
	c.Check(err, check.IsNil)
	s.checkWaves(c, cfg, stats)
	c.Assert(len(stats.Waves) >= 3, check.Equals, true)
	c.Check(stats.Waves[0], check.Equals, Wave{Live: 0, Launched: 2})
	c.Check(stats.Waves[1], check.Equals, Wave{Live: 2, Launched: 2})
	// The 5th unit waits until one of the first 4 finishes.
	c.Check(stats.Waves[2], check.Equals, Wave{Live: 4, Launched: 0})
	last := stats.Waves[len(stats.Waves)-1]
	c.Check(last.Launched, check.Equals, 1)
	c.Check(last.Live <= 3, check.Equals, true)
	c.Check(fr.maxLive, check.Equals, 4)

	c.Check(stats.Launched, check.Equals, 5)
	c.Check(stats.Finished, check.Equals, 5)
	c.Check(fr.started, check.DeepEquals, []string{"id-1", "id-2", "id-3", "id-4", "id-5"})
	// Results and log blocks are in launch order.
	blocks := rep.Blocks()
	c.Assert(blocks, check.HasLen, 5)
	for i, u := range units {
		c.Check(stats.Results[i].Unit.ID, check.Equals, u.ID)
		c.Check(blocks[i].Name, check.Equals, u.Name)
		c.Check(blocks[i].Text, check.Equals, u.Name+": Subprocess has been finished: 0\n")
	}
	c.Check(testutil.ToFloat64(p.mWaves), check.Equals, float64(len(stats.Waves)))
	c.Check(testutil.ToFloat64(p.mFinished), check.Equals, float64(5))
	c.Check(testutil.ToFloat64(p.mLive), check.Equals, float64(0))
}

// stateHook records pool state transitions, and how many units were
// still running at each.
type stateHook struct {
	fr           *fakeRunner
	states       []string
	live         []int
	drainingLive interface{}
}

func (h *stateHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *stateHook) Fire(e *logrus.Entry) error {
	if st, ok := e.Data["State"].(string); ok {
		h.fr.mtx.Lock()
		h.states = append(h.states, st)
		h.live = append(h.live, h.fr.live)
		h.fr.mtx.Unlock()
		if st == StateDraining {
			h.drainingLive = e.Data["Live"]
		}
	}
	return nil
}

func (s *suite) TestStates(c *check.C) {
	units := makeUnits(3)
	fr := &fakeRunner{logdir: s.logdir, release: map[string]chan struct{}{}}
	for _, u := range units {
		fr.release[u.ID] = make(chan struct{})
	}
	hook := &stateHook{fr: fr}
	logger := logrus.New()
	logger.Out = io.Discard
	logger.AddHook(hook)
	rep := report.New(nil, nil, ctxlog.TestLogger(c))
	p := New(Config{MaxOnce: 3, Interval: time.Millisecond}, fr, rep, nil, logger)

	go func() {
		time.Sleep(100 * time.Millisecond)
		for _, u := range units {
			close(fr.release[u.ID])
		}
	}()
	_, stats, err := p.Run(context.Background(), units)
	c.Check(err, check.IsNil)
	c.Check(stats.Finished, check.Equals, 3)
	c.Check(hook.states, check.DeepEquals, []string{StateFilling, StateDraining, StateJoining, StateDone})
	// Draining starts with all units running; Joining starts once
	// none are.
	c.Check(hook.drainingLive, check.Equals, 3)
	c.Check(hook.live[2:], check.DeepEquals, []int{0, 0})
}

func (s *suite) TestLimitsHold(c *check.C) {
	for _, cfg := range []Config{
		{MaxOnce: 1, Interval: time.Millisecond},
		{MaxOnce: 3, MaxAll: 3, Interval: time.Millisecond},
		{MaxOnce: 4, MaxAll: 5, Interval: time.Millisecond},
		{MaxOnce: 10, Interval: time.Millisecond},
	} {
		units := makeUnits(17)
		fr := &fakeRunner{logdir: s.logdir, release: map[string]chan struct{}{}}
		for _, u := range units {
			ch := make(chan struct{})
			fr.release[u.ID] = ch
			time.AfterFunc(time.Duration(len(fr.release))*3*time.Millisecond, func() { close(ch) })
		}
		p := s.newPool(c, cfg, fr, nil)
		_, stats, err := p.Run(context.Background(), units)
		c.Check(err, check.IsNil)
		s.checkWaves(c, p.Config, stats)
		c.Check(fr.maxLive <= p.MaxAll, check.Equals, true, check.Commentf("%+v maxLive %d", p.Config, fr.maxLive))
		c.Check(stats.Finished, check.Equals, 17)
	}
}

func (s *suite) TestCancel(c *check.C) {
	units := makeUnits(6)
	fr := &fakeRunner{logdir: s.logdir, release: map[string]chan struct{}{}}
	for _, u := range units {
		fr.release[u.ID] = make(chan struct{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	p := s.newPool(c, Config{MaxOnce: 2, Interval: time.Hour}, fr, nil)
	rep, stats, err := p.Run(ctx, units)
	c.Check(err, check.Equals, context.Canceled)
	// Only the first wave was started, and it was joined.
	c.Check(stats.Waves, check.DeepEquals, []Wave{{Live: 0, Launched: 2}})
	c.Check(stats.Launched, check.Equals, 2)
	c.Check(stats.Finished, check.Equals, 2)
	for _, res := range stats.Results {
		c.Check(res.Cancelled, check.Equals, true)
	}
	c.Check(rep.Blocks(), check.HasLen, 2)
	c.Check(fr.started, check.DeepEquals, []string{"id-1", "id-2"})
}
