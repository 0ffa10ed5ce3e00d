// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package workunit

import (
	"sort"

	"github.com/genomon/gtsurveil/lib/descriptor"
	"github.com/sirupsen/logrus"
)

// Source builds work units from split descriptors.
type Source struct {
	// Skip holds analysis ids that are never dispatched. Nil
	// means skip nothing.
	Skip SkipSet
	// Oracle drops units whose output already exists. Nil means
	// every parsed unit is eligible.
	Oracle CompletionOracle
	// Stamp is the run timestamp used in unit names.
	Stamp  string
	Logger logrus.FieldLogger
}

// BuildStats counts what Build did with each descriptor.
type BuildStats struct {
	Descriptors int
	Malformed   int
	Duplicate   int
	Skipped     int
	Complete    int
	Eligible    int
}

// Build parses each descriptor and returns the units that still need
// to run, sorted by descriptor path. Descriptors that fail to parse,
// are in the skip list, or are already complete are logged and
// dropped. An empty result is not an error.
//
// Each analysis id yields at most one unit: a later descriptor (in
// path order) with an id already seen is dropped as a duplicate.
func (s *Source) Build(paths []string, destRoot string) ([]Unit, BuildStats) {
	paths = append([]string(nil), paths...)
	sort.Strings(paths)
	stats := BuildStats{Descriptors: len(paths)}
	var units []Unit
	seen := map[string]string{}
	for i, path := range paths {
		logger := s.logger().WithField("descriptor", path)
		d, err := descriptor.ParseFile(path)
		if err != nil {
			logger.WithError(err).Warn("dropping malformed descriptor")
			stats.Malformed++
			continue
		}
		logger = logger.WithField("analysis_id", d.AnalysisID)
		if first, ok := seen[d.AnalysisID]; ok {
			logger.WithField("first", first).Warn("dropping duplicate descriptor")
			stats.Duplicate++
			continue
		}
		seen[d.AnalysisID] = path
		if s.Skip != nil && s.Skip.Contains(d.AnalysisID) {
			logger.Info("skipping analysis in ignore list")
			stats.Skipped++
			continue
		}
		u := Unit{
			ID:             d.AnalysisID,
			DescriptorPath: path,
			Name:           UnitName(i+1, s.Stamp),
			Index:          i + 1,
		}
		for _, f := range d.Files {
			u.Files = append(u.Files, f.Name)
		}
		if s.Oracle != nil {
			done, err := s.Oracle.IsComplete(u, destRoot)
			if err != nil {
				logger.WithError(err).Warn("dropping descriptor: completion check failed")
				stats.Malformed++
				continue
			}
			if done {
				logger.Info("skipping analysis already downloaded")
				stats.Complete++
				continue
			}
		}
		units = append(units, u)
	}
	stats.Eligible = len(units)
	return units, stats
}

func (s *Source) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}
