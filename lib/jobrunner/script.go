// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobrunner

import (
	"fmt"

	"github.com/genomon/gtsurveil/lib/batch"
)

const scriptFormat = `#!/bin/bash
#
# download TCGA bam file
#
#$ -S /bin/bash
#$ -cwd
#$ -e %[1]s
#$ -o %[1]s
pwd
hostname
date
set -xv

%[2]s
`

// DownloadCommand returns the gtdownload command line for one
// descriptor.
func (cfg *Config) DownloadCommand(descriptorPath string) []string {
	args := append([]string{cfg.GTDownload}, cfg.GTDownloadOptions...)
	return append(args, "-d", descriptorPath, "-p", cfg.DataDir, "-c", cfg.AuthKey)
}

// Script returns the job script for one descriptor. The output
// depends only on the configuration and the descriptor path.
func (cfg *Config) Script(descriptorPath string) string {
	return fmt.Sprintf(scriptFormat, cfg.LogDir, batch.QuoteCommand(cfg.DownloadCommand(descriptorPath)))
}
