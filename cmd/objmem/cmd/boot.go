// Copyright 2018 The gVisor Authors.
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
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"objmem.dev/objmem/cmd/objmem/boot"
	"objmem.dev/objmem/pkg/config"
	"objmem.dev/objmem/pkg/log"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	pages  uint64
	rounds int
	keep   bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot a machine and pager and run a demand paging workload"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boots a kernel and a pager on the configured disk, then
writes an object, evicts it to storage, faults it back in and verifies it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&b.pages, "pages", 64, "size of the workload object in pages.")
	f.IntVar(&b.rounds, "rounds", 4, "number of evict and refault rounds.")
	f.BoolVar(&b.keep, "keep", false, "keep the workload object on storage.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if b.pages > uint64(conf.PagerFrames) {
		Fatalf("workload of %d pages does not fit in %d pager frames", b.pages, conf.PagerFrames)
	}

	l, err := boot.New(ctx, conf)
	if err != nil {
		Fatalf("booting: %v", err)
	}
	defer l.Destroy()

	res, err := boot.Workload{Pages: b.pages, Rounds: b.rounds, Keep: b.keep}.Run(ctx, l.Kernel())
	if err != nil {
		Fatalf("running workload: %v", err)
	}
	log.Infof("Workload on %v finished in %v", res.ID, res.Elapsed)

	ks := l.Kernel().Stats()
	ps := l.Pager().Stats().Total()
	ds := l.Data().Stats()
	cs := l.Controller().Stats()
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "object\t%v\n", res.ID)
	fmt.Fprintf(w, "rounds\t%d in %v\n", res.Rounds, res.Elapsed)
	fmt.Fprintf(w, "faults\t%d (%d restarted)\n", res.Faults, res.Restarts)
	fmt.Fprintf(w, "zero fills\t%d\n", ks.ZeroFills)
	fmt.Fprintf(w, "reclaimed\t%d\n", ks.Reclaimed)
	fmt.Fprintf(w, "phys copies\t%d\n", ks.PhysCopies)
	fmt.Fprintf(w, "pager pages read\t%d\n", ps.PagesRead)
	fmt.Fprintf(w, "pager pages written\t%d\n", ps.PagesWritten)
	fmt.Fprintf(w, "pager blocks allocated\t%d\n", ps.PagesAllocated)
	fmt.Fprintf(w, "pager errors\t%d read, %d write\n", ps.ReadErrors, ps.WriteErrors)
	fmt.Fprintf(w, "disk\t%d reads, %d writes, %d errors\n", cs.Reads, cs.Writes, cs.Errors)
	fmt.Fprintf(w, "log keys\t%d\n", ds.Keys)
	w.Flush()
	return subcommands.ExitSuccess
}
