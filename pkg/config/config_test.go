// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "objmem.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
frames = 512
pager_frames = 64
disk = "/tmp/disk.img"
alloc_wait = "10ms"
log_level = "debug"
`)
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	want.Frames = 512
	want.PagerFrames = 64
	want.Disk = "/tmp/disk.img"
	want.AllocWait = 10 * time.Millisecond
	want.LogLevel = "debug"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		want     string
	}{
		{name: "unknown key", contents: "frame = 12\n", want: "unknown keys frame"},
		{name: "invalid", contents: "frames = 8\npager_frames = 8\n", want: "pager_frames"},
		{name: "syntax", contents: "frames = \n", want: "reading config"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.contents))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Load = %v, want an error containing %q", err, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
	}{
		{"no frames", func(c *Config) { c.Frames = 0 }},
		{"no cores", func(c *Config) { c.Cores = 0 }},
		{"all frames to pager", func(c *Config) { c.PagerFrames = c.Frames }},
		{"tiny disk", func(c *Config) { c.DiskBlocks = 8 }},
		{"no workers", func(c *Config) { c.PagerWorkers = 0 }},
		{"log format", func(c *Config) { c.LogFormat = "xml" }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.modify(c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate succeeded")
			}
		})
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeFile(t, "frames = 512\ncores = 8\n")
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"-config", path, "-cores", "2", "-probe_timeout", "1s"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if c.Frames != 512 {
		t.Errorf("Frames = %d, want 512 from the file", c.Frames)
	}
	if c.Cores != 2 {
		t.Errorf("Cores = %d, want 2 from the command line", c.Cores)
	}
	if c.ProbeTimeout != time.Second {
		t.Errorf("ProbeTimeout = %v, want 1s", c.ProbeTimeout)
	}
}

func TestToFlagsRoundTrip(t *testing.T) {
	want := Default()
	want.Disk = "disk.img"
	want.Readahead = 4

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(want.ToFlags()); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}
