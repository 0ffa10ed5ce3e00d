// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package descriptor parses the per-analysis manifest files written
// by the CGHub manifest splitter.
package descriptor

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
)

// A Descriptor is one analysis from a split CGHub manifest.
type Descriptor struct {
	AnalysisID     string
	State          string
	Disease        string
	LegacySampleID string
	DataURI        string
	Files          []File
}

// A File is one file of an analysis. Size is 0 and MD5 is "" if the
// manifest does not give them.
type File struct {
	Name string
	Size int64
	MD5  string
}

// ParseError reports a descriptor that cannot be used: unreadable,
// not XML, or missing a required field.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return "parse descriptor: " + e.Err.Error()
	}
	return fmt.Sprintf("parse descriptor %s: %s", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var (
	ErrNoResult     = errors.New("no Result element")
	ErrNoAnalysisID = errors.New("missing analysis_id")
	ErrNoFiles      = errors.New("missing files/file/filename")
)

type xmlFile struct {
	Filename string `xml:"filename"`
	Filesize string `xml:"filesize"`
	Checksum struct {
		Type  string `xml:"type,attr"`
		Value string `xml:",chardata"`
	} `xml:"checksum"`
}

type xmlResult struct {
	AnalysisID     string    `xml:"analysis_id"`
	State          string    `xml:"state"`
	Disease        string    `xml:"disease_abbr"`
	LegacySampleID string    `xml:"legacy_sample_id"`
	DataURI        string    `xml:"analysis_data_uri"`
	Files          []xmlFile `xml:"files>file"`
}

// ParseFile reads and parses the descriptor at path. Any failure is
// returned as a *ParseError.
func ParseFile(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	defer f.Close()
	d, err := Parse(f)
	if err, ok := err.(*ParseError); ok {
		err.Path = path
		return nil, err
	}
	return d, err
}

// Parse parses a descriptor: a ResultSet document holding one
// Result, or a bare Result document. If a ResultSet holds more than
// one Result, only the first is used.
//
// Parse rejects descriptors without an analysis_id or without at
// least one file name, and file names that are not plain base names,
// so every file maps to a unique path under its analysis directory.
func Parse(r io.Reader) (*Descriptor, error) {
	res, err := decodeResult(xml.NewDecoder(r))
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	d := &Descriptor{
		AnalysisID:     strings.TrimSpace(res.AnalysisID),
		State:          strings.TrimSpace(res.State),
		Disease:        strings.TrimSpace(res.Disease),
		LegacySampleID: strings.TrimSpace(res.LegacySampleID),
		DataURI:        strings.TrimSpace(res.DataURI),
	}
	if d.AnalysisID == "" {
		return nil, &ParseError{Err: ErrNoAnalysisID}
	}
	if !isBaseName(d.AnalysisID) {
		return nil, &ParseError{Err: fmt.Errorf("invalid analysis_id %q", d.AnalysisID)}
	}
	for _, xf := range res.Files {
		name := strings.TrimSpace(xf.Filename)
		if name == "" {
			continue
		}
		if !isBaseName(name) {
			return nil, &ParseError{Err: fmt.Errorf("invalid filename %q", name)}
		}
		f := File{Name: name}
		if s := strings.TrimSpace(xf.Filesize); s != "" {
			size, err := strconv.ParseInt(s, 10, 64)
			if err != nil || size < 0 {
				return nil, &ParseError{Err: fmt.Errorf("invalid filesize %q for %s", s, name)}
			}
			f.Size = size
		}
		if strings.EqualFold(xf.Checksum.Type, "MD5") {
			f.MD5 = strings.ToLower(strings.TrimSpace(xf.Checksum.Value))
		}
		d.Files = append(d.Files, f)
	}
	if len(d.Files) == 0 {
		return nil, &ParseError{Err: ErrNoFiles}
	}
	return d, nil
}

func decodeResult(dec *xml.Decoder) (*xmlResult, error) {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, ErrNoResult
		} else if err != nil {
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "ResultSet":
			// descend into children
		case "Result":
			var res xmlResult
			if err := dec.DecodeElement(&res, &se); err != nil {
				return nil, err
			}
			return &res, nil
		default:
			if err := dec.Skip(); err != nil {
				return nil, err
			}
		}
	}
}

func isBaseName(name string) bool {
	return name != "." && name != ".." && !strings.ContainsAny(name, `/\`) && path.Base(name) == name
}
