// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package batch

import (
	"strings"
)

// QuoteCommand returns a shell command line that runs args with no
// further expansion.
func QuoteCommand(args []string) string {
	words := make([]string, len(args))
	for i, w := range args {
		words[i] = `'` + strings.Replace(w, `'`, `'\''`, -1) + `'`
	}
	return strings.Join(words, " ")
}
