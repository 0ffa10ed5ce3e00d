// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package workunit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/genomon/gtsurveil/lib/batch"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// SplitterError means the manifest splitter exited non-zero. Stderr
// is the splitter's stderr, verbatim.
type SplitterError struct {
	ExitCode int
	Stderr   string
}

func (e *SplitterError) Error() string {
	return fmt.Sprintf("manifest splitter exited %d: %s", e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Splitter runs the external manifest splitter, which writes one
// descriptor file per analysis.
type Splitter struct {
	// Command is the splitter command line, split with shell
	// word rules, e.g. "perl /opt/cghub/xmlsplitter.pl". A lone
	// "*.pl" path is run as "perl <path>".
	Command string
	// ScriptDir is where a copy of the splitter invocation is
	// written for debugging.
	ScriptDir string
	// Name is the base name of that script.
	Name   string
	Logger logrus.FieldLogger

	// (for testing) if non-nil, call stubCommand() instead of
	// exec.CommandContext().
	stubCommand func(ctx context.Context, prog string, args ...string) *exec.Cmd
}

// Split runs the splitter on manifest, writing descriptors named
// outputPrefix*, and returns the resulting file names in sorted
// order.
func (s *Splitter) Split(ctx context.Context, manifest, outputPrefix string) ([]string, error) {
	args, err := shlex.Split(s.Command)
	if err != nil {
		return nil, fmt.Errorf("cannot parse splitter command %q: %w", s.Command, err)
	}
	if len(args) == 0 {
		return nil, errors.New("splitter command is empty")
	}
	if len(args) == 1 && strings.HasSuffix(args[0], ".pl") {
		// Legacy configs name the script alone; it is run with perl.
		args = []string{"perl", args[0]}
	}
	args = append(args, manifest, outputPrefix, "1")

	if s.ScriptDir != "" {
		script := "#!/bin/bash\n#\n# split manifest\n#\n\n" + batch.QuoteCommand(args) + "\n"
		path := filepath.Join(s.ScriptDir, s.Name+".sh")
		if err := os.WriteFile(path, []byte(script), 0750); err != nil {
			return nil, err
		}
	}

	var stdout, stderr bytes.Buffer
	cmd := s.command(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	logger := s.logger()
	logger.Infof("running manifest splitter %q", args)
	err = cmd.Run()
	if exiterr, ok := err.(*exec.ExitError); ok {
		return nil, &SplitterError{ExitCode: exiterr.ExitCode(), Stderr: stderr.String()}
	} else if err != nil {
		return nil, fmt.Errorf("cannot run manifest splitter: %w", err)
	}
	logger.WithField("stdout", stdout.String()).Info("manifest splitter finished")

	dir, base := filepath.Split(outputPrefix)
	matches, err := doublestar.Glob(os.DirFS(filepath.Clean(dir)), escapeMeta(base)+"*")
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, filepath.Join(dir, m))
	}
	sort.Strings(paths)
	return paths, nil
}

// escapeMeta quotes glob metacharacters so the prefix only matches
// itself.
func escapeMeta(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`*?[]{}\\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Splitter) command(ctx context.Context, prog string, args ...string) *exec.Cmd {
	if f := s.stubCommand; f != nil {
		return f(ctx, prog, args...)
	}
	return exec.CommandContext(ctx, prog, args...)
}

func (s *Splitter) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}
