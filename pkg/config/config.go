// Copyright 2020 The gVisor Authors.
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

// Package config holds the tunables of a simulated machine and its pager.
//
// A Config starts from Default, is optionally overlaid with a TOML file and
// then with command line flags. The flag names match the TOML keys.
package config

import (
	"flag"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"objmem.dev/objmem/pkg/log"
)

// Config is the configuration of a machine and its pager.
type Config struct {
	// Frames is the number of 4 KiB frames of physical memory.
	Frames int `toml:"frames"`

	// Cores is the number of simulated cores.
	Cores int `toml:"cores"`

	// TLBEntries is the TLB capacity of each core. Zero selects the
	// default.
	TLBEntries int `toml:"tlb_entries"`

	// PagerFrames is the number of frames handed to the pager for page
	// data.
	PagerFrames int `toml:"pager_frames"`

	// QueueDepth is the depth of each pager queue.
	QueueDepth int `toml:"queue_depth"`

	// PagerIDs is the size of the kernel's request id pool.
	PagerIDs int `toml:"pager_ids"`

	// Readahead is the number of pages requested per fault.
	Readahead uint64 `toml:"readahead"`

	// ReclaimBatch is the number of pages reclaim tries to free.
	ReclaimBatch int `toml:"reclaim_batch"`

	// Disk is the path of the disk image. Empty selects an in-memory disk.
	Disk string `toml:"disk"`

	// DiskBlocks is the size of a new disk image in 4 KiB blocks.
	DiskBlocks uint64 `toml:"disk_blocks"`

	// ProbeTimeout bounds the wait for the disk controller and the pager
	// queues at boot.
	ProbeTimeout time.Duration `toml:"probe_timeout"`

	// PagerWorkers is the number of kernel commands the pager handles at
	// once.
	PagerWorkers int `toml:"pager_workers"`

	// AllocWait bounds the pager's wait for a free DRAM frame.
	AllocWait time.Duration `toml:"alloc_wait"`

	// StatsInterval is the minimum time between pager statistics reports.
	StatsInterval time.Duration `toml:"stats_interval"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`

	// LogLevel is "warning", "info" or "debug".
	LogLevel string `toml:"log_level"`

	// DebugLog is a file pattern logs are written to instead of stderr.
	// %COMMAND% and %TIMESTAMP% are expanded.
	DebugLog string `toml:"debug_log"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Frames:        4096,
		Cores:         4,
		PagerFrames:   1024,
		QueueDepth:    64,
		PagerIDs:      64,
		Readahead:     1,
		ReclaimBatch:  16,
		DiskBlocks:    16384,
		ProbeTimeout:  5 * time.Second,
		PagerWorkers:  4,
		AllocWait:     50 * time.Millisecond,
		StatsInterval: 10 * time.Second,
		LogFormat:     "text",
		LogLevel:      "info",
	}
}

// Load reads a TOML file over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if und := md.Undecoded(); len(und) > 0 {
		keys := make([]string, 0, len(und))
		for _, k := range und {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("config %q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return c, nil
}

// bind registers a flag for every field of c, writing into c.
func (c *Config) bind(fs *flag.FlagSet) {
	fs.IntVar(&c.Frames, "frames", c.Frames, "number of 4 KiB frames of physical memory.")
	fs.IntVar(&c.Cores, "cores", c.Cores, "number of simulated cores.")
	fs.IntVar(&c.TLBEntries, "tlb_entries", c.TLBEntries, "TLB entries per core, 0 for the default.")
	fs.IntVar(&c.PagerFrames, "pager_frames", c.PagerFrames, "frames of physical memory given to the pager.")
	fs.IntVar(&c.QueueDepth, "queue_depth", c.QueueDepth, "depth of each pager queue.")
	fs.IntVar(&c.PagerIDs, "pager_ids", c.PagerIDs, "number of pager requests that may be outstanding.")
	fs.Uint64Var(&c.Readahead, "readahead", c.Readahead, "pages requested from the pager per fault.")
	fs.IntVar(&c.ReclaimBatch, "reclaim_batch", c.ReclaimBatch, "pages reclaim tries to free when memory runs out.")
	fs.StringVar(&c.Disk, "disk", c.Disk, "path of the disk image, empty for an in-memory disk.")
	fs.Uint64Var(&c.DiskBlocks, "disk_blocks", c.DiskBlocks, "size of a new disk image in 4 KiB blocks.")
	fs.DurationVar(&c.ProbeTimeout, "probe_timeout", c.ProbeTimeout, "time to wait for the disk and the pager queues at boot.")
	fs.IntVar(&c.PagerWorkers, "pager_workers", c.PagerWorkers, "kernel commands the pager handles at once.")
	fs.DurationVar(&c.AllocWait, "alloc_wait", c.AllocWait, "time the pager waits for a free frame.")
	fs.DurationVar(&c.StatsInterval, "stats_interval", c.StatsInterval, "minimum time between pager statistics reports.")
	fs.StringVar(&c.LogFormat, "log_format", c.LogFormat, "log format: text (default) or json.")
	fs.StringVar(&c.LogLevel, "log_level", c.LogLevel, "log level: warning, info (default) or debug.")
	fs.StringVar(&c.DebugLog, "debug_log", c.DebugLog, "file to write logs to instead of stderr. %COMMAND% and %TIMESTAMP% are expanded.")
}

// RegisterFlags registers the flags that populate a Config, plus -config
// naming a TOML file.
func RegisterFlags(fs *flag.FlagSet) {
	fs.String("config", "", "path of a TOML configuration file.")
	Default().bind(fs)
}

// NewFromFlags builds a Config from flags registered by RegisterFlags and
// parsed. Flags set on the command line override the -config file.
func NewFromFlags(fs *flag.FlagSet) (*Config, error) {
	c := Default()
	if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
		var err error
		if c, err = Load(f.Value.String()); err != nil {
			return nil, err
		}
	}
	fields := flag.NewFlagSet("config", flag.ContinueOnError)
	c.bind(fields)
	var err error
	fs.Visit(func(f *flag.Flag) {
		if err != nil || fields.Lookup(f.Name) == nil {
			return
		}
		err = fields.Set(f.Name, f.Value.String())
	})
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that the configuration describes a machine that can boot.
func (c *Config) Validate() error {
	switch {
	case c.Frames <= 0:
		return fmt.Errorf("frames must be positive, got %d", c.Frames)
	case c.Cores <= 0:
		return fmt.Errorf("cores must be positive, got %d", c.Cores)
	case c.TLBEntries < 0:
		return fmt.Errorf("tlb_entries must not be negative, got %d", c.TLBEntries)
	case c.PagerFrames < 0 || c.PagerFrames >= c.Frames:
		return fmt.Errorf("pager_frames must be in [0, %d), got %d", c.Frames, c.PagerFrames)
	case c.QueueDepth <= 0:
		return fmt.Errorf("queue_depth must be positive, got %d", c.QueueDepth)
	case c.PagerIDs <= 0:
		return fmt.Errorf("pager_ids must be positive, got %d", c.PagerIDs)
	case c.Readahead == 0:
		return fmt.Errorf("readahead must be positive")
	case c.ReclaimBatch <= 0:
		return fmt.Errorf("reclaim_batch must be positive, got %d", c.ReclaimBatch)
	case c.DiskBlocks < 32:
		return fmt.Errorf("disk_blocks must be at least 32, got %d", c.DiskBlocks)
	case c.ProbeTimeout <= 0:
		return fmt.Errorf("probe_timeout must be positive, got %v", c.ProbeTimeout)
	case c.PagerWorkers <= 0:
		return fmt.Errorf("pager_workers must be positive, got %d", c.PagerWorkers)
	case c.AllocWait < 0:
		return fmt.Errorf("alloc_wait must not be negative, got %v", c.AllocWait)
	case c.StatsInterval <= 0:
		return fmt.Errorf("stats_interval must be positive, got %v", c.StatsInterval)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("invalid log_format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() log.Level {
	l, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.Info
	}
	return l
}

// ToFlags returns c as command line flags, sorted by name.
func (c *Config) ToFlags() []string {
	fields := flag.NewFlagSet("config", flag.ContinueOnError)
	c.bind(fields)
	var out []string
	fields.VisitAll(func(f *flag.Flag) {
		out = append(out, fmt.Sprintf("--%s=%s", f.Name, f.Value.String()))
	})
	sort.Strings(out)
	return out
}

// Log logs the configuration at Info.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
}
