// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package surveil implements the gtsurveil run command: split a CGHub
// manifest, skip analyses that are ignored or already downloaded, and
// download the rest with one batch job per analysis.
package surveil

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/genomon/gtsurveil/lib/batch"
	"github.com/genomon/gtsurveil/lib/cmd"
	"github.com/genomon/gtsurveil/lib/completion"
	"github.com/genomon/gtsurveil/lib/config"
	"github.com/genomon/gtsurveil/lib/dispatch"
	"github.com/genomon/gtsurveil/lib/jobrunner"
	"github.com/genomon/gtsurveil/lib/report"
	"github.com/genomon/gtsurveil/lib/service"
	"github.com/genomon/gtsurveil/lib/skiplist"
	"github.com/genomon/gtsurveil/lib/workunit"
	"github.com/genomon/gtsurveil/sdk/go/ctxlog"
	"github.com/ghodss/yaml"
	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"rsc.io/getopt"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitSetup       = 1
	ExitUsage       = 2
	ExitIncomplete  = 3
	ExitInterrupted = 4
)

// Command is the "run" subcommand. SIGINT and SIGTERM stop new
// submissions, cancel the live jobs, and exit 4 once every started
// unit has finished.
var Command cmd.Handler = command{}

type command struct{}

func (c command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	ctx, cancel := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer cancel()
	return c.run(ctx, prog, args, stdout, stderr)
}

type options struct {
	configFile string
	ignoreList string
	dumpConfig bool
	version    bool
	overrides  config.Config
	outputDir  string
	authKey    string
	manifest   string
}

func parseArgs(prog string, args []string, stderr io.Writer) (*options, bool, int) {
	opts := &options{}
	flags := getopt.NewFlagSet(prog, flag.ContinueOnError)
	flags.StringVar(&opts.configFile, "config_file", "", "Configuration `file` (YAML, or legacy INI if named *.cfg). Default: <executable>.cfg if it exists")
	flags.Alias("c", "config_file")
	flags.StringVar(&opts.ignoreList, "ignore_list", "", "`file` listing analysis ids that must not be downloaded")
	flags.Alias("i", "ignore_list")
	flags.StringVar(&opts.overrides.JobControl.IgnoreListMode, "ignore_list_mode", "", "How ids are matched against the ignore list: exact or substring")
	flags.StringVar(&opts.overrides.JobControl.Scheduler, "scheduler", "", "Batch scheduler: gridengine, slurm, or local")
	flags.IntVar(&opts.overrides.JobControl.RetryMax, "retry_max", 0, "Maximum number of job submissions per analysis")
	flags.IntVar(&opts.overrides.JobControl.MaxOnceJobs, "max_once_jobs", 0, "Maximum number of jobs submitted in one wave")
	flags.Var(&opts.overrides.JobControl.Interval, "interval", "Seconds between submission waves")
	flags.Var(&opts.overrides.JobControl.WaitTime, "wait_time", "Seconds to wait for each job (0 = forever)")
	flags.BoolVar(&opts.dumpConfig, "dump_config", false, "Write the effective configuration to stdout as YAML and exit")
	flags.BoolVar(&opts.version, "version", false, "Write version information to stdout and exit 0")

	// Positional arguments may come before, between, or after
	// flags.
	var positional []string
	for rest := args; ; {
		if ok, code := cmd.ParseFlags(flags, prog, rest, "outputDir authKey manifest", stderr); !ok {
			return nil, false, code
		}
		if flags.NArg() == 0 {
			break
		}
		positional = append(positional, flags.Args()[0])
		rest = flags.Args()[1:]
	}
	if opts.version || opts.dumpConfig {
		return opts, true, 0
	}
	if len(positional) != 3 {
		fmt.Fprintf(stderr, "%s: expected 3 arguments (outputDir authKey manifest), got %d (try -help)\n", prog, len(positional))
		return nil, false, ExitUsage
	}
	opts.outputDir, opts.authKey, opts.manifest = positional[0], positional[1], positional[2]
	return opts, true, 0
}

func (command) run(ctx context.Context, prog string, args []string, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")

	opts, ok, code := parseArgs(prog, args, stderr)
	if !ok {
		return code
	}
	if opts.version {
		return cmd.Version.RunCommand(prog, args, nil, stdout, stderr)
	}

	configFile := opts.configFile
	if configFile == "" {
		configFile = config.ExistingDefaultPath()
	}
	cfg, err := config.Load(configFile, logger)
	if err != nil {
		logger.WithError(err).Error("cannot load configuration")
		return ExitSetup
	}
	if err := cfg.ApplyOverrides(opts.overrides); err != nil {
		logger.WithError(err).Error("cannot apply command line options")
		return ExitSetup
	}
	if opts.dumpConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			logger.WithError(err).Error("cannot encode configuration")
			return ExitSetup
		}
		stdout.Write(out)
		return ExitOK
	}
	if err := cfg.Check(); err != nil {
		logger.WithError(err).Error("invalid configuration")
		return ExitSetup
	}

	r, err := setup(cfg, opts, stderr)
	if err != nil {
		logger.WithError(err).Error("setup failed")
		return ExitSetup
	}
	defer r.close()
	return r.run(ctx)
}

// A runState holds everything one run needs after the config and
// arguments are validated.
type runState struct {
	cfg       *config.Config
	opts      *options
	runID     string
	stamp     string
	dirs      map[string]string
	runlog    *report.RunLog
	logger    logrus.FieldLogger
	stderr    io.Writer
	reg       *prometheus.Registry
	mgmt      *service.Server
	scheduler batch.Scheduler
	skip      *skiplist.List
}

var layout = []string{"log", "data", "scripts", "manifests"}

func setup(cfg *config.Config, opts *options, stderr io.Writer) (*runState, error) {
	r := &runState{cfg: cfg, opts: opts, stderr: stderr, dirs: map[string]string{}}
	for _, p := range []*string{&opts.outputDir, &opts.authKey, &opts.manifest} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, err
		}
		*p = abs
	}
	for _, name := range layout {
		r.dirs[name] = filepath.Join(opts.outputDir, name)
		if err := os.MkdirAll(r.dirs[name], 0755); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	r.stamp = report.Stamp(now)
	runlog, err := report.OpenRunLog(r.dirs["log"], now)
	if err != nil {
		return nil, err
	}
	r.runlog = runlog
	r.runID = uuid.NewString()
	r.logger = ctxlog.New(io.MultiWriter(stderr, runlog), cfg.Logging.Format, cfg.Logging.Level).WithFields(logrus.Fields{
		"PID":   os.Getpid(),
		"RunID": r.runID,
	})

	mode, err := skiplist.ParseMode(cfg.JobControl.IgnoreListMode)
	if err != nil {
		r.close()
		return nil, err
	}
	r.skip, err = skiplist.Load(opts.ignoreList, mode)
	if err != nil {
		r.close()
		return nil, err
	}
	if opts.ignoreList != "" {
		r.logger.WithFields(logrus.Fields{
			"IgnoreList": opts.ignoreList,
			"Entries":    r.skip.Len(),
			"Mode":       mode,
		}).Info("loaded ignore list")
	}

	r.scheduler, err = batch.New(cfg.JobControl.Scheduler, batch.Options{
		PollInterval: cfg.JobControl.PollInterval.Duration(),
		MaxCommands:  cfg.JobControl.MaxCLIConcurrency,
		Logger:       r.logger,
	})
	if err != nil {
		r.close()
		return nil, err
	}

	r.reg = prometheus.NewRegistry()
	// gtsurveil_version_running{version="1.2.3"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gtsurveil",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	r.reg.MustRegister(mVersion)
	return r, nil
}

func (r *runState) close() {
	if r.mgmt != nil {
		r.mgmt.Close()
	}
	if r.runlog != nil {
		r.runlog.Close()
	}
}

func (r *runState) run(ctx context.Context) int {
	logger := r.logger
	ctx = ctxlog.Context(ctx, logger)
	logger.WithFields(logrus.Fields{
		"OutputDir": r.opts.outputDir,
		"Manifest":  r.opts.manifest,
		"Scheduler": r.cfg.JobControl.Scheduler,
		"Version":   cmd.Version.String(),
	}).Info("Start main process.")

	if addr := r.cfg.Management.Listen; addr != "" {
		mgmt, err := service.Start(addr, service.Handler(r.reg, ctx.Err, logger), logger)
		if err != nil {
			logger.WithError(err).Error("cannot start management server")
			return ExitSetup
		}
		r.mgmt = mgmt
	}

	splitter := &workunit.Splitter{
		Command:   r.cfg.Tools.XMLSplitter,
		ScriptDir: r.dirs["scripts"],
		Name:      "xml_splitter" + r.stamp,
		Logger:    logger,
	}
	paths, err := splitter.Split(ctx, r.opts.manifest, filepath.Join(r.dirs["manifests"], "manifest"))
	if ctx.Err() != nil {
		logger.Warn("interrupted while splitting manifest")
		return ExitInterrupted
	}
	var serr *workunit.SplitterError
	if errors.As(err, &serr) {
		logger.WithField("Stderr", serr.Stderr).Error("xml_splitter error!")
		return ExitSetup
	} else if err != nil {
		logger.WithError(err).Error("cannot split manifest")
		return ExitSetup
	}

	oracle := &completion.Oracle{VerifySize: r.cfg.JobControl.VerifySize}
	source := &workunit.Source{Skip: r.skip, Oracle: oracle, Stamp: r.stamp, Logger: logger}
	units, bstats := source.Build(paths, r.dirs["data"])
	logger.WithFields(logrus.Fields{
		"Descriptors": bstats.Descriptors,
		"Malformed":   bstats.Malformed,
		"Duplicate":   bstats.Duplicate,
		"Skipped":     bstats.Skipped,
		"Complete":    bstats.Complete,
		"Eligible":    bstats.Eligible,
	}).Info("built work units")
	if bstats.Descriptors == 0 {
		logger.Warn("no manifests.")
	}

	runner, err := r.newRunner()
	if err != nil {
		logger.WithError(err).Error("invalid tool options")
		return ExitSetup
	}
	rep := report.New(r.runlog, r.reg, logger)
	pool := dispatch.New(dispatch.Config{
		MaxOnce:  r.cfg.JobControl.MaxOnceJobs,
		MaxAll:   r.cfg.JobControl.OutstandingLimit(),
		Interval: r.cfg.JobControl.Interval.Duration(),
	}, runner, rep, r.reg, logger)

	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Error("error notifying init daemon")
	}
	_, stats, runErr := pool.Run(ctx, units)
	logger.WithFields(logrus.Fields{
		"Launched": stats.Launched,
		"Finished": stats.Finished,
		"Waves":    len(stats.Waves),
	}).Info("all jobs finished")

	rep.Finalize(units, r.dirs["data"], oracle)
	logger.Info(rep.Summary())
	r.writeMetrics()
	logger.Info("End main process.")

	switch {
	case runErr != nil:
		logger.WithError(runErr).Warn("interrupted")
		return ExitInterrupted
	case rep.FailedCount() > 0:
		return ExitIncomplete
	default:
		return ExitOK
	}
}

func (r *runState) newRunner() (*jobrunner.Runner, error) {
	gtopts, err := shlex.Split(r.cfg.Tools.GTDownloadOptions)
	if err != nil {
		return nil, fmt.Errorf("TOOLS.gtdownload_options: %w", err)
	}
	native, err := shlex.Split(r.cfg.JobControl.QsubOption)
	if err != nil {
		return nil, fmt.Errorf("JOB_CONTROL.qsub_option: %w", err)
	}
	jc := r.cfg.JobControl
	return jobrunner.New(jobrunner.Config{
		GTDownload:        r.cfg.Tools.GTDownload,
		GTDownloadOptions: gtopts,
		AuthKey:           r.opts.authKey,
		DataDir:           r.dirs["data"],
		LogDir:            r.dirs["log"],
		ScriptDir:         r.dirs["scripts"],
		WorkDir:           r.opts.outputDir,
		NativeOptions:     native,
		RetryMax:          jc.RetryMax,
		WaitTime:          jc.WaitTime.Duration(),
		RetryBackoff:      jc.RetryBackoff.Duration(),
		RetryBackoffMax:   jc.RetryBackoffMax.Duration(),
		Stderr:            r.stderr,
		LogFormat:         r.cfg.Logging.Format,
		LogLevel:          r.cfg.Logging.Level,
	}, r.scheduler, r.reg, r.logger), nil
}

// writeMetrics saves the final metric values next to the run log.
func (r *runState) writeMetrics() {
	path := filepath.Join(r.dirs["log"], "gt_surveillance_"+r.stamp+".prom")
	f, err := os.Create(path)
	if err != nil {
		r.logger.WithError(err).Warn("cannot write metrics file")
		return
	}
	defer f.Close()
	if err := report.WriteMetrics(f, r.reg); err != nil {
		r.logger.WithError(err).Warn("cannot write metrics file")
	}
}
