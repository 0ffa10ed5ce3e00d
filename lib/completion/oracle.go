// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package completion decides whether a work unit's output is already
// present under the destination root.
package completion

import (
	"os"
	"path/filepath"

	"github.com/genomon/gtsurveil/lib/descriptor"
	"github.com/genomon/gtsurveil/lib/workunit"
)

// Oracle checks for downloaded files at
// destRoot/<analysis_id>/<filename>.
//
// The zero value is usable. An Oracle only reads the filesystem, so it
// is safe to use from multiple goroutines.
type Oracle struct {
	// If VerifySize is true, a file whose size differs from the
	// non-zero size given in the descriptor counts as absent.
	VerifySize bool
}

// IsComplete re-parses the unit's descriptor and reports whether every
// file it names exists as a regular file. A descriptor that cannot be
// parsed is returned as a *descriptor.ParseError.
func (o *Oracle) IsComplete(u workunit.Unit, destRoot string) (bool, error) {
	d, err := descriptor.ParseFile(u.DescriptorPath)
	if err != nil {
		return false, err
	}
	for _, f := range d.Files {
		fi, err := os.Stat(outputPath(destRoot, d, f))
		if err != nil || !fi.Mode().IsRegular() {
			return false, nil
		}
		if o.VerifySize && f.Size > 0 && fi.Size() != f.Size {
			return false, nil
		}
	}
	return true, nil
}

// OutputBytes returns the total size of the unit's files that are
// present under destRoot.
func (o *Oracle) OutputBytes(u workunit.Unit, destRoot string) (int64, error) {
	d, err := descriptor.ParseFile(u.DescriptorPath)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range d.Files {
		fi, err := os.Stat(outputPath(destRoot, d, f))
		if err == nil && fi.Mode().IsRegular() {
			total += fi.Size()
		}
	}
	return total, nil
}

// OutputPath returns the path where the download tool writes the
// named file of the given analysis.
func OutputPath(destRoot, analysisID, filename string) string {
	return filepath.Join(destRoot, analysisID, filename)
}

func outputPath(destRoot string, d *descriptor.Descriptor, f descriptor.File) string {
	return OutputPath(destRoot, d.AnalysisID, f.Name)
}
