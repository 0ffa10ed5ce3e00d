// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package report collects per-unit logs into the run log and decides,
// after all jobs have finished, which units are still incomplete.
package report

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/genomon/gtsurveil/lib/workunit"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
)

// IncompleteOutputError means a unit's output was not all present
// after the run, regardless of what its jobs reported.
type IncompleteOutputError struct {
	Unit workunit.Unit
	// Err is set if the completion check itself failed.
	Err error
}

func (e *IncompleteOutputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): output not verified: %s", e.Unit.Name, e.Unit.ID, e.Err)
	}
	return fmt.Sprintf("%s (%s): output incomplete", e.Unit.Name, e.Unit.ID)
}

func (e *IncompleteOutputError) Unwrap() error { return e.Err }

// Oracle checks unit output. *completion.Oracle implements it.
type Oracle interface {
	IsComplete(u workunit.Unit, destRoot string) (bool, error)
	OutputBytes(u workunit.Unit, destRoot string) (int64, error)
}

// A Block is the log of one unit.
type Block struct {
	Name string
	Text string
}

// Report is the outcome of a run.
type Report struct {
	runlog *RunLog
	logger logrus.FieldLogger

	mtx      sync.Mutex
	blocks   []Block
	units    int
	failures []*IncompleteOutputError
	bytes    int64

	mUnits  prometheus.Gauge
	mFailed prometheus.Gauge
	mBytes  prometheus.Gauge
}

// New returns an empty Report. Unit logs are appended to runlog if it
// is not nil. Metrics are registered with reg if it is not nil.
func New(runlog *RunLog, reg *prometheus.Registry, logger logrus.FieldLogger) *Report {
	r := &Report{runlog: runlog, logger: logger}
	r.registerMetrics(reg)
	return r
}

func (r *Report) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r.mUnits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gtsurveil",
		Subsystem: "report",
		Name:      "units",
		Help:      "Number of units checked at the end of the run.",
	})
	reg.MustRegister(r.mUnits)
	r.mFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gtsurveil",
		Subsystem: "report",
		Name:      "failed_units",
		Help:      "Number of units whose output is incomplete at the end of the run.",
	})
	reg.MustRegister(r.mFailed)
	r.mBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gtsurveil",
		Subsystem: "report",
		Name:      "output_bytes",
		Help:      "Total size of output files present at the end of the run.",
	})
	reg.MustRegister(r.mBytes)
}

// AddLog appends the unit log at path to the report and the run log,
// then deletes it. A log file that is missing or unreadable is
// recorded as an empty block, so there is one block per unit.
func (r *Report) AddLog(name, path string) error {
	buf, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		r.logger.WithField("unit", name).Warnf("log file %s is missing", path)
	} else if err != nil {
		r.mtx.Lock()
		r.blocks = append(r.blocks, Block{Name: name})
		r.mtx.Unlock()
		return err
	}
	r.mtx.Lock()
	r.blocks = append(r.blocks, Block{Name: name, Text: string(buf)})
	r.mtx.Unlock()
	if r.runlog != nil && len(buf) > 0 {
		if err := r.runlog.Append(string(buf)); err != nil {
			return err
		}
	}
	if err == nil {
		return os.Remove(path)
	}
	return nil
}

// Blocks returns the unit logs in the order they were added.
func (r *Report) Blocks() []Block {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]Block(nil), r.blocks...)
}

// Finalize checks the output of every unit with oracle. Units whose
// output is absent, or cannot be checked, are failures no matter how
// their jobs ended.
func (r *Report) Finalize(units []workunit.Unit, destRoot string, oracle Oracle) {
	var failures []*IncompleteOutputError
	var total int64
	for _, u := range units {
		done, err := oracle.IsComplete(u, destRoot)
		if err != nil || !done {
			failures = append(failures, &IncompleteOutputError{Unit: u, Err: err})
		}
		n, err := oracle.OutputBytes(u, destRoot)
		if err == nil {
			total += n
		}
	}
	r.mtx.Lock()
	r.units = len(units)
	r.failures = failures
	r.bytes = total
	r.mtx.Unlock()
	r.mUnits.Set(float64(len(units)))
	r.mFailed.Set(float64(len(failures)))
	r.mBytes.Set(float64(total))
	for _, f := range failures {
		r.logger.Warn(f.Error())
	}
}

// FailedCount returns the number of units whose output was incomplete
// when Finalize was called.
func (r *Report) FailedCount() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.failures)
}

// Failures returns the incomplete units found by Finalize.
func (r *Report) Failures() []*IncompleteOutputError {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]*IncompleteOutputError(nil), r.failures...)
}

// Summary returns a one-line description of the finalized report.
func (r *Report) Summary() string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return fmt.Sprintf("%d units, %d complete, %d incomplete, %s downloaded",
		r.units, r.units-len(r.failures), len(r.failures), humanize.IBytes(uint64(r.bytes)))
}

// WriteMetrics writes the current value of all metrics in g in the
// Prometheus text format.
func WriteMetrics(w io.Writer, g prometheus.Gatherer) error {
	var mfs []*dto.MetricFamily
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
