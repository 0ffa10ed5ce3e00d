// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatch runs work units concurrently, starting them in
// waves so the number of outstanding scheduler jobs stays bounded.
package dispatch

import (
	"context"
	"time"

	"github.com/genomon/gtsurveil/lib/jobrunner"
	"github.com/genomon/gtsurveil/lib/report"
	"github.com/genomon/gtsurveil/lib/workunit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Runner runs one unit to completion. *jobrunner.Runner implements
// it.
type Runner interface {
	Run(ctx context.Context, u workunit.Unit) jobrunner.Result
	LogPath(u workunit.Unit) string
}

// Config limits how fast units are started.
type Config struct {
	// MaxOnce is the most units started in one wave.
	MaxOnce int
	// MaxAll is the most units running at once. Zero means
	// 2*MaxOnce.
	MaxAll int
	// Interval is the delay between waves.
	Interval time.Duration
}

// A Wave records one pass of the dispatch loop: how many units were
// still running, and how many were started.
type Wave struct {
	Live     int
	Launched int
}

// Stats describe a completed Run.
type Stats struct {
	Waves    []Wave
	Launched int
	Finished int
	// Results are in launch order.
	Results []jobrunner.Result
}

// Pool states, logged as Run progresses: Filling while units are
// being started, Draining while waiting for the last live workers,
// Joining while their logs are collected.
const (
	StateFilling  = "Filling"
	StateDraining = "Draining"
	StateJoining  = "Joining"
	StateDone     = "Done"
)

// Pool dispatches units to a Runner.
type Pool struct {
	Config
	runner Runner
	report *report.Report
	logger logrus.FieldLogger

	mLive     prometheus.Gauge
	mLaunched prometheus.Counter
	mFinished prometheus.Counter
	mWaves    prometheus.Counter
}

// New returns a Pool that adds each unit's log to rep. Metrics are
// registered with reg if it is not nil.
func New(cfg Config, runner Runner, rep *report.Report, reg *prometheus.Registry, logger logrus.FieldLogger) *Pool {
	if cfg.MaxOnce < 1 {
		cfg.MaxOnce = 1
	}
	if cfg.MaxAll <= 0 {
		cfg.MaxAll = 2 * cfg.MaxOnce
	}
	p := &Pool{Config: cfg, runner: runner, report: rep, logger: logger}
	p.registerMetrics(reg)
	return p
}

func (p *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p.mLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gtsurveil",
		Subsystem: "dispatch",
		Name:      "live_workers",
		Help:      "Number of units started and not yet finished.",
	})
	reg.MustRegister(p.mLive)
	p.mLaunched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gtsurveil",
		Subsystem: "dispatch",
		Name:      "launched_total",
		Help:      "Number of units started.",
	})
	reg.MustRegister(p.mLaunched)
	p.mFinished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gtsurveil",
		Subsystem: "dispatch",
		Name:      "finished_total",
		Help:      "Number of units finished and joined.",
	})
	reg.MustRegister(p.mFinished)
	p.mWaves = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gtsurveil",
		Subsystem: "dispatch",
		Name:      "waves_total",
		Help:      "Number of dispatch waves.",
	})
	reg.MustRegister(p.mWaves)
}

type worker struct {
	unit   workunit.Unit
	done   chan struct{}
	result jobrunner.Result
}

func (w *worker) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Run runs every unit and waits for all of them to finish. Units are
// started in the given order.
//
// If ctx is cancelled, Run stops starting units, waits for the
// started ones (which see the same ctx) to finish, and returns
// ctx.Err() along with the report and stats.
func (p *Pool) Run(ctx context.Context, units []workunit.Unit) (*report.Report, Stats, error) {
	var stats Stats
	if len(units) == 0 {
		p.setState(StateDone)
		return p.report, stats, ctx.Err()
	}
	if len(units) == 1 {
		// No goroutines needed.
		u := units[0]
		p.logger.WithField("unit", u.Name).Info("Start sub process")
		p.mLaunched.Inc()
		p.mLive.Inc()
		res := p.runner.Run(ctx, u)
		p.mLive.Dec()
		stats.Launched, stats.Finished = 1, 1
		stats.Results = []jobrunner.Result{res}
		p.join(u)
		p.mFinished.Inc()
		p.setState(StateDone)
		return p.report, stats, ctx.Err()
	}

	p.setState(StateFilling)
	queue := units
	var workers []*worker
	for len(queue) > 0 {
		if ctx.Err() != nil {
			p.logger.WithField("Undispatched", len(queue)).Warn("cancelled, not starting remaining units")
			break
		}
		live := 0
		for _, w := range workers {
			if w.alive() {
				live++
			}
		}
		capacity := p.MaxAll - live
		if capacity > p.MaxOnce {
			capacity = p.MaxOnce
		}
		launched := 0
		for ; launched < capacity && len(queue) > 0; launched++ {
			workers = append(workers, p.start(ctx, queue[0]))
			queue = queue[1:]
		}
		stats.Waves = append(stats.Waves, Wave{Live: live, Launched: launched})
		p.mWaves.Inc()
		p.logger.WithFields(logrus.Fields{
			"Live":     live,
			"Launched": launched,
			"Queued":   len(queue),
		}).Debug("dispatch wave")
		if len(queue) == 0 {
			break
		}
		select {
		case <-time.After(p.Interval):
		case <-ctx.Done():
		}
	}
	stats.Launched = len(workers)

	// Draining: nothing left to start, wait for the live workers.
	live := 0
	for _, w := range workers {
		if w.alive() {
			live++
		}
	}
	p.logger.WithFields(logrus.Fields{
		"State": StateDraining,
		"Live":  live,
	}).Info("dispatch pool state")
	for _, w := range workers {
		<-w.done
	}

	p.setState(StateJoining)
	for _, w := range workers {
		stats.Results = append(stats.Results, w.result)
		p.join(w.unit)
		stats.Finished++
		p.mFinished.Inc()
	}
	p.setState(StateDone)
	return p.report, stats, ctx.Err()
}

func (p *Pool) start(ctx context.Context, u workunit.Unit) *worker {
	w := &worker{unit: u, done: make(chan struct{})}
	p.mLaunched.Inc()
	p.mLive.Inc()
	go func() {
		defer close(w.done)
		defer p.mLive.Dec()
		w.result = p.runner.Run(ctx, u)
	}()
	p.logger.WithField("unit", u.Name).Info("Start sub process")
	return w
}

// join moves a finished unit's log into the report.
func (p *Pool) join(u workunit.Unit) {
	if err := p.report.AddLog(u.Name, p.runner.LogPath(u)); err != nil {
		p.logger.WithError(err).WithField("unit", u.Name).Error("cannot collect unit log")
	}
}

func (p *Pool) setState(state string) {
	p.logger.WithField("State", state).Info("dispatch pool state")
}
