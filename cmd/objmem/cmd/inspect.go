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
	stderrors "errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"objmem.dev/objmem/cmd/objmem/boot"
	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/config"
	"objmem.dev/objmem/pkg/pagerd"
	"objmem.dev/objmem/pkg/pagerd/kvlog"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct {
	pages bool
}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "print what a disk image holds for some objects"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return `inspect --disk=<path> [flags] [object id...] - opens the image read-only
and prints its layout, and the stored info of each object named.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Inspect) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&i.pages, "pages", false, "list the block of every stored page.")
}

// Execute implements subcommands.Command.Execute.
func (i *Inspect) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if conf.Disk == "" {
		Fatalf("--disk is required")
	}
	ids := make([]pager.ObjID, 0, f.NArg())
	for _, a := range f.Args() {
		id, err := pager.ParseObjID(a)
		if err != nil {
			Fatalf("%v", err)
		}
		ids = append(ids, id)
	}

	dev, err := boot.OpenDisk(conf, true)
	if err != nil {
		Fatalf("opening disk: %v", err)
	}
	defer dev.Close()
	ctrl, err := boot.StartController(ctx, conf, dev)
	if err != nil {
		Fatalf("%v", err)
	}
	defer ctrl.Stop()
	data, err := pagerd.Mount(ctx, ctrl, false)
	if err != nil {
		Fatalf("mounting %q: %v", conf.Disk, err)
	}

	st := data.Stats()
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "layout\t%v\n", data.Layout())
	fmt.Fprintf(w, "log keys\t%d\n", st.Keys)
	fmt.Fprintf(w, "blocks claimed\t%d of %d\n", st.Claimed-data.Layout().DataStart, data.Layout().DataBlocks())
	for _, id := range ids {
		if err := i.object(ctx, w, data, id); err != nil {
			w.Flush()
			Fatalf("%v", err)
		}
	}
	w.Flush()
	return subcommands.ExitSuccess
}

func (i *Inspect) object(ctx context.Context, w *tabwriter.Writer, data *pagerd.DataManager, id pager.ObjID) error {
	info, err := data.LookupObjectInfo(ctx, id)
	if err != nil {
		fmt.Fprintf(w, "%v\t%v\n", id, err)
		return nil
	}
	stored := 0
	for pn := uint64(0); pn < info.Pages; pn++ {
		e, err := data.LookupPageEntry(ctx, id, pn)
		if stderrors.Is(err, kvlog.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("page %d of %v: %w", pn, id, err)
		}
		stored++
		if i.pages {
			fmt.Fprintf(w, "  page %d\tblock %d\n", pn, e.Block)
		}
	}
	fmt.Fprintf(w, "%v\t%v, prot %#x, %d pages, %d stored\n", id, info.Lifetime, uint8(info.DefProt), info.Pages, stored)
	return nil
}
