// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Config is the gtsurveil configuration. Section and key names match
// the INI layout of the legacy gt_surveillance.cfg file.
type Config struct {
	Tools      ToolsConfig      `json:"TOOLS"`
	JobControl JobControlConfig `json:"JOB_CONTROL"`
	Logging    LoggingConfig    `json:"LOGGING"`
	Management ManagementConfig `json:"MANAGEMENT"`
}

type ToolsConfig struct {
	GTDownload        string `json:"gtdownload" ini:"gtdownload"`
	GTDownloadOptions string `json:"gtdownload_options" ini:"gtdownload_options"`
	XMLSplitter       string `json:"xmlsplitter" ini:"xmlsplitter"`
}

type JobControlConfig struct {
	Scheduler         string  `json:"scheduler" ini:"scheduler"`
	RetryMax          int     `json:"retry_max" ini:"retry_max"`
	QsubOption        string  `json:"qsub_option" ini:"qsub_option"`
	WaitTime          Seconds `json:"wait_time" ini:"wait_time"`
	MaxOnceJobs       int     `json:"max_once_jobs" ini:"max_once_jobs"`
	MaxAllJobs        int     `json:"max_all_jobs" ini:"max_all_jobs"`
	Interval          Seconds `json:"interval" ini:"interval"`
	PollInterval      Seconds `json:"poll_interval" ini:"poll_interval"`
	RetryBackoff      Seconds `json:"retry_backoff" ini:"retry_backoff"`
	RetryBackoffMax   Seconds `json:"retry_backoff_max" ini:"retry_backoff_max"`
	IgnoreListMode    string  `json:"ignore_list_mode" ini:"ignore_list_mode"`
	VerifySize        bool    `json:"verify_size" ini:"verify_size"`
	MaxCLIConcurrency int     `json:"max_cli_concurrency" ini:"max_cli_concurrency"`
}

// OutstandingLimit returns the configured max_all_jobs, or twice
// max_once_jobs if max_all_jobs is zero.
func (jc JobControlConfig) OutstandingLimit() int {
	if jc.MaxAllJobs > 0 {
		return jc.MaxAllJobs
	}
	return jc.MaxOnceJobs * 2
}

type LoggingConfig struct {
	Level  string `json:"level" ini:"level"`
	Format string `json:"format" ini:"format"`
}

type ManagementConfig struct {
	Listen string `json:"listen" ini:"listen"`
}

var (
	schedulers      = map[string]bool{"gridengine": true, "slurm": true, "local": true}
	ignoreListModes = map[string]bool{"exact": true, "substring": true}
	logFormats      = map[string]bool{"text": true, "json": true}
)

// Check returns an error describing the first invalid entry, if any.
func (cfg *Config) Check() error {
	jc := cfg.JobControl
	switch {
	case cfg.Tools.GTDownload == "":
		return fmt.Errorf("TOOLS.gtdownload is not set")
	case cfg.Tools.XMLSplitter == "":
		return fmt.Errorf("TOOLS.xmlsplitter is not set")
	case !schedulers[jc.Scheduler]:
		return fmt.Errorf("JOB_CONTROL.scheduler %q is not one of gridengine, slurm, local", jc.Scheduler)
	case jc.RetryMax < 1:
		return fmt.Errorf("JOB_CONTROL.retry_max must be at least 1 (got %d)", jc.RetryMax)
	case jc.MaxOnceJobs < 1:
		return fmt.Errorf("JOB_CONTROL.max_once_jobs must be at least 1 (got %d)", jc.MaxOnceJobs)
	case jc.MaxAllJobs < 0:
		return fmt.Errorf("JOB_CONTROL.max_all_jobs must not be negative (got %d)", jc.MaxAllJobs)
	case jc.WaitTime < 0:
		return fmt.Errorf("JOB_CONTROL.wait_time must not be negative (got %s)", jc.WaitTime)
	case jc.Interval < 0:
		return fmt.Errorf("JOB_CONTROL.interval must not be negative (got %s)", jc.Interval)
	case jc.PollInterval <= 0:
		return fmt.Errorf("JOB_CONTROL.poll_interval must be positive (got %s)", jc.PollInterval)
	case jc.RetryBackoff < 0 || jc.RetryBackoffMax < 0:
		return fmt.Errorf("JOB_CONTROL.retry_backoff and retry_backoff_max must not be negative")
	case !ignoreListModes[jc.IgnoreListMode]:
		return fmt.Errorf("JOB_CONTROL.ignore_list_mode %q is not one of exact, substring", jc.IgnoreListMode)
	case jc.MaxCLIConcurrency < 1:
		return fmt.Errorf("JOB_CONTROL.max_cli_concurrency must be at least 1 (got %d)", jc.MaxCLIConcurrency)
	case !logFormats[cfg.Logging.Format]:
		return fmt.Errorf("LOGGING.format %q is not one of text, json", cfg.Logging.Format)
	}
	return nil
}

// Seconds is a duration written in config files as a number of
// seconds, like the legacy config ("interval = 60"). A quoted Go
// duration string ("90s", "1h30m") is also accepted.
type Seconds float64

// Duration returns s as a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// String implements fmt.Stringer.
func (s Seconds) String() string {
	return s.Duration().String()
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Seconds) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if sec, err := strconv.ParseFloat(str, 64); err == nil {
			*s = Seconds(sec)
			return nil
		}
		dur, err := time.ParseDuration(str)
		if err != nil {
			return fmt.Errorf("duration must be a number of seconds or a string like \"600s\" or \"1h30m\": %w", err)
		}
		*s = Seconds(dur.Seconds())
		return nil
	}
	var sec float64
	if err := json.Unmarshal(data, &sec); err != nil {
		return err
	}
	*s = Seconds(sec)
	return nil
}

// Set implements flag.Value, so Seconds can be given on the command
// line.
func (s *Seconds) Set(str string) error {
	return s.UnmarshalJSON([]byte(strconv.Quote(str)))
}
