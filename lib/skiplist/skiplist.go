// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package skiplist loads the list of analysis ids that must not be
// downloaded.
package skiplist

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// Mode selects how ids are matched against the list.
type Mode string

const (
	// ModeExact matches an id against whole lines, ignoring
	// surrounding space, blank lines, and "#" comments.
	ModeExact Mode = "exact"
	// ModeSubstring matches an id that appears anywhere in the
	// file, so "abc" matches a line "xabcx".
	ModeSubstring Mode = "substring"
)

// ParseMode returns the Mode named by s. The empty string means
// ModeExact.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeExact:
		return ModeExact, nil
	case ModeSubstring:
		return ModeSubstring, nil
	}
	return "", fmt.Errorf("invalid ignore list mode %q (must be %q or %q)", s, ModeExact, ModeSubstring)
}

// List is a read-only set of ids. The zero value is an empty list.
type List struct {
	mode Mode
	ids  map[string]bool
	blob string
}

// Load reads the list at path. An empty path or a nonexistent file
// yields an empty list.
func Load(path string, mode Mode) (*List, error) {
	l := &List{mode: mode, ids: map[string]bool{}}
	if path == "" {
		return l, nil
	}
	buf, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return l, nil
	} else if err != nil {
		return nil, fmt.Errorf("error reading ignore list: %w", err)
	}
	l.blob = string(buf)
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		l.ids[line] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading ignore list %s: %w", path, err)
	}
	return l, nil
}

// Contains reports whether id is in the list. An empty id is never
// in the list.
func (l *List) Contains(id string) bool {
	if l == nil || id == "" {
		return false
	}
	if l.mode == ModeSubstring {
		return strings.Contains(l.blob, id)
	}
	return l.ids[id]
}

// Len returns the number of entries (non-blank, non-comment lines).
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.ids)
}
