// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package workunit turns a CGHub manifest into the ordered list of
// download units that still need to be dispatched.
package workunit

import (
	"fmt"
)

// A Unit is one analysis to download. Units are created by Source
// and never modified afterwards.
type Unit struct {
	// ID is the analysis id from the descriptor.
	ID string
	// DescriptorPath is the split manifest holding only this
	// analysis. It is passed to the download tool as-is.
	DescriptorPath string
	// Name identifies the unit in file names and log lines.
	Name string
	// Index is the 1-based position of the descriptor among all
	// descriptors produced by the splitter.
	Index int
	// Files are the file names expected under <data>/<ID>/.
	Files []string
}

func (u Unit) String() string {
	return u.Name
}

// UnitName returns the name used for the index'th unit of the run
// started at stamp.
func UnitName(index int, stamp string) string {
	return fmt.Sprintf("gt_surveillance_manifest%05d_%s", index, stamp)
}

// CompletionOracle reports whether a unit's output is already present
// under destRoot.
type CompletionOracle interface {
	IsComplete(u Unit, destRoot string) (bool, error)
}

// SkipSet reports whether an analysis id must not be dispatched.
type SkipSet interface {
	Contains(id string) bool
}
