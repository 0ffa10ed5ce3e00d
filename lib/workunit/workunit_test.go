// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package workunit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/genomon/gtsurveil/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&sourceSuite{})

type sourceSuite struct{}

type fakeSkip map[string]bool

func (fs fakeSkip) Contains(id string) bool { return fs[id] }

// fakeOracle reports units complete by analysis id.
type fakeOracle struct {
	complete map[string]bool
	fail     map[string]bool
	checked  []string
}

func (fo *fakeOracle) IsComplete(u Unit, destRoot string) (bool, error) {
	fo.checked = append(fo.checked, u.ID)
	if fo.fail[u.ID] {
		return false, errors.New("stat failed")
	}
	return fo.complete[u.ID], nil
}

func writeDescriptor(c *check.C, dir, name, id string) string {
	path := filepath.Join(dir, name)
	doc := fmt.Sprintf(`<ResultSet><Result><analysis_id>%s</analysis_id><files><file><filename>%s.bam</filename></file></files></Result></ResultSet>`, id, id)
	c.Assert(os.WriteFile(path, []byte(doc), 0644), check.IsNil)
	return path
}

func (s *sourceSuite) TestBuild(c *check.C) {
	dir := c.MkDir()
	paths := []string{
		writeDescriptor(c, dir, "manifest3", "id-c"),
		writeDescriptor(c, dir, "manifest1", "id-a"),
		writeDescriptor(c, dir, "manifest2", "id-b"),
		writeDescriptor(c, dir, "manifest4", "id-d"),
		writeDescriptor(c, dir, "manifest5", "id-e"),
	}
	bad := filepath.Join(dir, "manifest0")
	c.Assert(os.WriteFile(bad, []byte("<Result/>"), 0644), check.IsNil)
	paths = append(paths, bad)

	oracle := &fakeOracle{complete: map[string]bool{"id-b": true}, fail: map[string]bool{"id-e": true}}
	src := &Source{
		Skip:   fakeSkip{"id-d": true},
		Oracle: oracle,
		Stamp:  "20151105_164430",
		Logger: ctxlog.TestLogger(c),
	}
	units, stats := src.Build(paths, "/dest")
	c.Check(stats, check.DeepEquals, BuildStats{Descriptors: 6, Malformed: 2, Skipped: 1, Complete: 1, Eligible: 2})
	c.Check(units, check.DeepEquals, []Unit{
		{ID: "id-a", DescriptorPath: filepath.Join(dir, "manifest1"), Name: "gt_surveillance_manifest00002_20151105_164430", Index: 2, Files: []string{"id-a.bam"}},
		{ID: "id-c", DescriptorPath: filepath.Join(dir, "manifest3"), Name: "gt_surveillance_manifest00004_20151105_164430", Index: 4, Files: []string{"id-c.bam"}},
	})
	// Skipped ids are never checked for completion.
	c.Check(oracle.checked, check.DeepEquals, []string{"id-a", "id-b", "id-c", "id-e"})
}

func (s *sourceSuite) TestDuplicateAnalysisID(c *check.C) {
	dir := c.MkDir()
	paths := []string{
		writeDescriptor(c, dir, "manifest2", "same-id"),
		writeDescriptor(c, dir, "manifest0", "same-id"),
		writeDescriptor(c, dir, "manifest1", "other-id"),
		writeDescriptor(c, dir, "manifest3", "same-id"),
	}
	oracle := &fakeOracle{}
	src := &Source{Oracle: oracle, Stamp: "s", Logger: ctxlog.TestLogger(c)}
	units, stats := src.Build(paths, "/dest")
	c.Check(stats, check.DeepEquals, BuildStats{Descriptors: 4, Duplicate: 2, Eligible: 2})
	c.Assert(units, check.HasLen, 2)
	c.Check(units[0].ID, check.Equals, "same-id")
	c.Check(units[0].DescriptorPath, check.Equals, filepath.Join(dir, "manifest0"))
	c.Check(units[1].ID, check.Equals, "other-id")
	c.Check(oracle.checked, check.DeepEquals, []string{"same-id", "other-id"})

	// The first descriptor claims the id even when it is not
	// dispatched.
	src.Oracle = &fakeOracle{complete: map[string]bool{"same-id": true}}
	units, stats = src.Build(paths, "/dest")
	c.Check(stats, check.DeepEquals, BuildStats{Descriptors: 4, Duplicate: 2, Complete: 1, Eligible: 1})
	c.Assert(units, check.HasLen, 1)
	c.Check(units[0].ID, check.Equals, "other-id")
}

func (s *sourceSuite) TestSkipBeatsCompletion(c *check.C) {
	dir := c.MkDir()
	paths := []string{writeDescriptor(c, dir, "manifest1", "id-a")}
	// Neither complete nor incomplete matters once skipped.
	for _, complete := range []bool{false, true} {
		src := &Source{
			Skip:   fakeSkip{"id-a": true},
			Oracle: &fakeOracle{complete: map[string]bool{"id-a": complete}},
			Logger: ctxlog.TestLogger(c),
		}
		units, stats := src.Build(paths, "/dest")
		c.Check(units, check.HasLen, 0)
		c.Check(stats.Skipped, check.Equals, 1)
	}
}

func (s *sourceSuite) TestBuildEmpty(c *check.C) {
	units, stats := (&Source{}).Build(nil, "/dest")
	c.Check(units, check.HasLen, 0)
	c.Check(stats, check.DeepEquals, BuildStats{})
}

func (s *sourceSuite) TestUnitName(c *check.C) {
	c.Check(UnitName(7, "20151105_164430"), check.Equals, "gt_surveillance_manifest00007_20151105_164430")
	c.Check(UnitName(123456, "x"), check.Equals, "gt_surveillance_manifest123456_x")
}

var _ = check.Suite(&splitterSuite{})

type splitterSuite struct{}

// fakeSplitter writes a script that imitates xmlsplitter.pl: it
// writes n descriptors named <prefix><k> and prints a summary.
func (s *splitterSuite) fakeSplitter(c *check.C, body string) string {
	path := filepath.Join(c.MkDir(), "fake splitter.sh")
	c.Assert(os.WriteFile(path, []byte("#!/bin/bash\nset -e\n"+body+"\n"), 0755), check.IsNil)
	return path
}

func (s *splitterSuite) TestSplit(c *check.C) {
	tmp := c.MkDir()
	for _, dir := range []string{"manifests", "scripts"} {
		c.Assert(os.Mkdir(filepath.Join(tmp, dir), 0755), check.IsNil)
	}
	script := s.fakeSplitter(c, `
[ "$3" = 1 ] || exit 9
for k in 2 0 1; do echo "<Result/>" > "$2$k"; done
touch "$(dirname "$2")/other"
echo "split $1 into 3"
`)
	sp := &Splitter{
		Command:   "bash '" + script + "'",
		ScriptDir: filepath.Join(tmp, "scripts"),
		Name:      "xml_splitter20151105_164430",
		Logger:    ctxlog.TestLogger(c),
	}
	prefix := filepath.Join(tmp, "manifests", "manifest")
	paths, err := sp.Split(context.Background(), "/in/manifest.xml", prefix)
	c.Assert(err, check.IsNil)
	c.Check(paths, check.DeepEquals, []string{prefix + "0", prefix + "1", prefix + "2"})

	buf, err := os.ReadFile(filepath.Join(tmp, "scripts", "xml_splitter20151105_164430.sh"))
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "#!/bin/bash\n#\n# split manifest\n#\n\n'bash' '"+script+"' '/in/manifest.xml' '"+prefix+"' '1'\n")
	fi, err := os.Stat(filepath.Join(tmp, "scripts", "xml_splitter20151105_164430.sh"))
	c.Assert(err, check.IsNil)
	c.Check(fi.Mode().Perm()&0700, check.Equals, os.FileMode(0700))
}

func (s *splitterSuite) TestSplitNoOutput(c *check.C) {
	tmp := c.MkDir()
	sp := &Splitter{Command: "true", Logger: ctxlog.TestLogger(c)}
	paths, err := sp.Split(context.Background(), "/in/manifest.xml", filepath.Join(tmp, "manifest"))
	c.Check(err, check.IsNil)
	c.Check(paths, check.HasLen, 0)
}

func (s *splitterSuite) TestSplitPrefixIsNotAPattern(c *check.C) {
	tmp := c.MkDir()
	c.Assert(os.WriteFile(filepath.Join(tmp, "manifestX0"), nil, 0644), check.IsNil)
	c.Assert(os.WriteFile(filepath.Join(tmp, "manifest[X]0"), nil, 0644), check.IsNil)
	sp := &Splitter{Command: "true", Logger: ctxlog.TestLogger(c)}
	paths, err := sp.Split(context.Background(), "/in/manifest.xml", filepath.Join(tmp, "manifest[X]"))
	c.Check(err, check.IsNil)
	c.Check(paths, check.DeepEquals, []string{filepath.Join(tmp, "manifest[X]0")})
}

func (s *splitterSuite) TestSplitterError(c *check.C) {
	script := s.fakeSplitter(c, `echo >&2 "cannot open $1: No such file"; exit 2`)
	sp := &Splitter{Command: "bash " + script, Logger: ctxlog.TestLogger(c)}
	_, err := sp.Split(context.Background(), "/in/missing.xml", filepath.Join(c.MkDir(), "manifest"))
	var serr *SplitterError
	c.Assert(errors.As(err, &serr), check.Equals, true)
	c.Check(serr.ExitCode, check.Equals, 2)
	c.Check(serr.Stderr, check.Equals, "cannot open /in/missing.xml: No such file\n")
	c.Check(err, check.ErrorMatches, `manifest splitter exited 2: cannot open /in/missing.xml: No such file`)
}

func (s *splitterSuite) TestPerlScriptAlone(c *check.C) {
	for cmd, want := range map[string][]string{
		"/opt/cghub/xmlsplitter.pl":      {"perl", "/opt/cghub/xmlsplitter.pl"},
		"perl /opt/cghub/xmlsplitter.pl": {"perl", "/opt/cghub/xmlsplitter.pl"},
		"/opt/cghub/xmlsplitter":         {"/opt/cghub/xmlsplitter"},
		"python3 split.pl":               {"python3", "split.pl"},
	} {
		var ran []string
		sp := &Splitter{
			Command: cmd,
			Logger:  ctxlog.TestLogger(c),
			stubCommand: func(ctx context.Context, prog string, args ...string) *exec.Cmd {
				ran = append([]string{prog}, args...)
				return exec.Command("true")
			},
		}
		_, err := sp.Split(context.Background(), "m.xml", filepath.Join(c.MkDir(), "manifest"))
		c.Check(err, check.IsNil)
		c.Assert(len(ran) > 3, check.Equals, true)
		c.Check(ran[:len(ran)-3], check.DeepEquals, want, check.Commentf("%q", cmd))
		c.Check(ran[len(ran)-3], check.Equals, "m.xml")
	}
}

func (s *splitterSuite) TestBadCommand(c *check.C) {
	for cmd, msg := range map[string]string{
		"":                         `splitter command is empty`,
		"perl 'unterminated":       `cannot parse splitter command .*`,
		"/nonexistent/xmlsplitter": `cannot run manifest splitter: .*`,
	} {
		sp := &Splitter{Command: cmd, Logger: ctxlog.TestLogger(c)}
		_, err := sp.Split(context.Background(), "m.xml", filepath.Join(c.MkDir(), "manifest"))
		c.Check(err, check.ErrorMatches, msg)
	}
}
