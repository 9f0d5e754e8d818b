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

package cmd

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"objmem.dev/objmem/cmd/objmem/boot"
	"objmem.dev/objmem/pkg/config"
	"objmem.dev/objmem/pkg/pagerd"
)

// Format implements subcommands.Command for the "format" command.
type Format struct{}

// Name implements subcommands.Command.Name.
func (*Format) Name() string {
	return "format"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Format) Synopsis() string {
	return "create or erase a disk image"
}

// Usage implements subcommands.Command.Usage.
func (*Format) Usage() string {
	return `format --disk=<path> [flags] - creates the image if needed and erases
every object on it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Format) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Format) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if conf.Disk == "" {
		Fatalf("--disk is required")
	}
	dev, err := boot.OpenDisk(conf, false)
	if err != nil {
		Fatalf("opening disk: %v", err)
	}
	defer dev.Close()
	ctrl, err := boot.StartController(ctx, conf, dev)
	if err != nil {
		Fatalf("%v", err)
	}
	defer ctrl.Stop()

	layout, err := pagerd.Format(ctx, ctrl)
	if err != nil {
		Fatalf("formatting %q: %v", conf.Disk, err)
	}
	fmt.Printf("formatted %s: %v, %d data blocks\n", conf.Disk, layout, layout.DataBlocks())
	return subcommands.ExitSuccess
}
