// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package report

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Stamp formats t the way run and unit names use it.
func Stamp(t time.Time) string {
	return t.Format("20060102_150405")
}

// RunLog is the durable log of one run. Writes from multiple
// goroutines do not interleave.
type RunLog struct {
	path string
	mtx  sync.Mutex
	f    *os.File
}

// OpenRunLog creates dir/gt_surveillance_<stamp>.log.
func OpenRunLog(dir string, now time.Time) (*RunLog, error) {
	path := filepath.Join(dir, "gt_surveillance_"+Stamp(now)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &RunLog{path: path, f: f}, nil
}

// Path returns the log file path.
func (rl *RunLog) Path() string {
	return rl.path
}

func (rl *RunLog) Write(p []byte) (int, error) {
	rl.mtx.Lock()
	defer rl.mtx.Unlock()
	return rl.f.Write(p)
}

// Append writes text as a raw block, adding a trailing newline if
// needed.
func (rl *RunLog) Append(text string) error {
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	_, err := rl.Write([]byte(text))
	return err
}

func (rl *RunLog) Close() error {
	rl.mtx.Lock()
	defer rl.mtx.Unlock()
	return rl.f.Close()
}
