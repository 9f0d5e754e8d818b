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

// Package kernel ties the demand paging pipeline together.
//
// A Kernel owns physical memory, the simulated cores, the table of objects
// and the kernel's end of the pager protocol. It supplies object pages to the
// fault handler, bringing them in from the pager when they are not resident,
// and carries out the physical memory requests the pager makes in return.
//
// Lock order:
//
//	Kernel.reclaimMu
//	  Kernel.mu
//	    obj.Object.mu
//	  mm.MemoryContext.mu
//	    obj.Object.mu
package kernel

import (
	"context"
	"fmt"
	"sync/atomic"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/log"
	"objmem.dev/objmem/pkg/queue"
	"objmem.dev/objmem/pkg/sentry/cpu"
	"objmem.dev/objmem/pkg/sentry/mm"
	"objmem.dev/objmem/pkg/sentry/obj"
	"objmem.dev/objmem/pkg/sentry/pagerctx"
	"objmem.dev/objmem/pkg/sentry/pgalloc"
	"objmem.dev/objmem/pkg/sync"
)

const (
	// DefaultQueueDepth is the depth of each pager queue.
	DefaultQueueDepth = 64

	// DefaultReclaimBatch is the number of pages reclaim tries to free.
	DefaultReclaimBatch = 16

	// physBase is the physical address of the first frame.
	physBase = hostarch.PhysAddr(0x100000)
)

// InitKernelArgs holds arguments to New.
type InitKernelArgs struct {
	// Frames is the number of frames of physical memory.
	Frames int

	// Cores is the number of simulated cores.
	Cores int

	// TLBEntries is the TLB capacity of each core. Zero selects
	// cpu.DefaultTLBEntries.
	TLBEntries int

	// PagerFrames is the number of frames given to the pager to hold page
	// data. They are reserved from Frames.
	PagerFrames int

	// QueueDepth is the depth of each pager queue.
	QueueDepth int

	// PagerIDs is the number of pager commands that may be in flight.
	PagerIDs int

	// Readahead is the number of pages requested from the pager per fault.
	Readahead uint64

	// ReclaimBatch is the number of pages reclaim tries to free when memory
	// runs out.
	ReclaimBatch int
}

// Kernel is the object memory kernel.
type Kernel struct {
	mem     *pgalloc.Memory
	machine *cpu.Machine
	objects *obj.Table
	pager   *pagerctx.PagerContext

	kq *pagerctx.KernelQueue
	pq *pagerctx.PagerQueue

	// kqID and pqID name the pager queues for bootstrap.
	kqID pager.ObjID
	pqID pager.ObjID

	// dram is the memory given to the pager.
	dram hostarch.PhysRange

	readahead    uint64
	reclaimBatch int

	// reclaimMu serializes reclaim.
	reclaimMu sync.Mutex

	mu sync.Mutex

	// contexts is the set of live memory contexts.
	//
	// +checklocks:mu
	contexts map[*mm.MemoryContext]struct{}

	// devices are the physical ranges registered by the pager.
	//
	// +checklocks:mu
	devices []hostarch.PhysRange

	// +checklocks:mu
	clock clock

	// +checklocks:mu
	started bool

	zeroFills  atomic.Uint64
	cowBreaks  atomic.Uint64
	reclaimed  atomic.Uint64
	physCopies atomic.Uint64
}

// New creates a kernel with fresh physical memory.
func New(args InitKernelArgs) (*Kernel, error) {
	if args.Frames <= 0 {
		return nil, fmt.Errorf("Frames is %d", args.Frames)
	}
	if args.Cores <= 0 {
		return nil, fmt.Errorf("Cores is %d", args.Cores)
	}
	if args.PagerFrames < 0 || args.PagerFrames >= args.Frames {
		return nil, fmt.Errorf("PagerFrames is %d of %d frames", args.PagerFrames, args.Frames)
	}
	if args.QueueDepth <= 0 {
		args.QueueDepth = DefaultQueueDepth
	}
	if args.Readahead == 0 {
		args.Readahead = 1
	}
	if args.ReclaimBatch <= 0 {
		args.ReclaimBatch = DefaultReclaimBatch
	}

	mem, err := pgalloc.New(pgalloc.Options{Frames: args.Frames, Base: physBase})
	if err != nil {
		return nil, err
	}
	machine, err := cpu.NewMachine(mem, args.Cores, args.TLBEntries)
	if err != nil {
		mem.Close()
		return nil, err
	}
	k := &Kernel{
		mem:          mem,
		machine:      machine,
		objects:      obj.NewTable(),
		kq:           pagerctx.NewKernelQueue(args.QueueDepth),
		pq:           pagerctx.NewPagerQueue(args.QueueDepth),
		kqID:         pager.NewObjID(),
		pqID:         pager.NewObjID(),
		readahead:    args.Readahead,
		reclaimBatch: args.ReclaimBatch,
		contexts:     make(map[*mm.MemoryContext]struct{}),
		clock:        newClock(),
	}
	k.pager = pagerctx.New(k.kq, k.pq, k, args.PagerIDs)
	if args.PagerFrames > 0 {
		k.dram, err = mem.Reserve(pgalloc.PoolPager, args.PagerFrames)
		if err != nil {
			mem.Close()
			return nil, fmt.Errorf("reserving %d frames for the pager: %w", args.PagerFrames, err)
		}
	}
	mem.SetReleaser(k.releaseFrame)
	return k, nil
}

// Start starts the cores and the pager protocol, and queues the pager's
// memory for delivery once the pager is ready.
func (k *Kernel) Start(ctx context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		panic("kernel started twice")
	}
	k.started = true
	k.machine.Start(ctx)
	k.pager.Start(ctx)
	if k.dram.Pages() > 0 {
		k.pager.GiveDram(physRange(k.dram))
	}
	log.Infof("Kernel started: %d cores, %d frames, %d for the pager", k.machine.NumCores(), k.mem.Stats().Total, k.dram.Pages())
}

// Stop stops the kernel's threads and closes the pager queues. Outstanding
// pager requests fail.
func (k *Kernel) Stop() error {
	perr := k.pager.Stop()
	merr := k.machine.Stop()
	k.kq.Close()
	k.pq.Close()
	if perr != nil {
		return perr
	}
	return merr
}

// Close releases physical memory. The kernel must be stopped.
func (k *Kernel) Close() error {
	return k.mem.Close()
}

// Memory returns physical memory.
func (k *Kernel) Memory() *pgalloc.Memory {
	return k.mem
}

// Machine returns the simulated cores.
func (k *Kernel) Machine() *cpu.Machine {
	return k.machine
}

// Pager returns the kernel's end of the pager protocol.
func (k *Kernel) Pager() *pagerctx.PagerContext {
	return k.pager
}

// QueueIDs returns the ids under which the kernel-to-pager and
// pager-to-kernel queues are published.
func (k *Kernel) QueueIDs() (kernelToPager, pagerToKernel pager.ObjID) {
	return k.kqID, k.pqID
}

// LookupQueue returns the queue published under id.
func (k *Kernel) LookupQueue(id pager.ObjID) (*queue.Queue, bool) {
	switch id {
	case k.kqID:
		return k.kq.Queue(), true
	case k.pqID:
		return k.pq.Queue(), true
	}
	return nil, false
}

// inv returns the invalidator for page table changes the kernel makes on
// its own behalf. Any core will do: a local invalidation bumps the
// generation of the page table root, and every core drops cached
// translations of that root tagged with an older generation.
func (k *Kernel) inv() *cpu.Core {
	return k.machine.Core(0)
}

func physRange(r hostarch.PhysRange) pager.PhysRange {
	return pager.PhysRange{Start: uint64(r.Start), End: uint64(r.End)}
}

// releaseFrame returns pager frames to the pager as they are freed.
func (k *Kernel) releaseFrame(pool pgalloc.Pool, addr hostarch.PhysAddr) {
	if pool != pgalloc.PoolPager {
		return
	}
	k.pager.GiveDram(pager.PhysRange{Start: uint64(addr), End: uint64(addr) + hostarch.PageSize})
}

// Stats are kernel-wide counters.
type Stats struct {
	Memory   pgalloc.Stats
	Cores    []cpu.Stats
	Pager    pagerctx.Stats
	Objects  int
	Contexts int

	// Faults, Restarts and Segvs are summed over live contexts.
	Faults   uint64
	Restarts uint64
	Segvs    uint64

	ZeroFills  uint64
	CoWBreaks  uint64
	Reclaimed  uint64
	PhysCopies uint64
}

// Stats returns a snapshot of the kernel's counters.
func (k *Kernel) Stats() Stats {
	s := Stats{
		Memory:     k.mem.Stats(),
		Cores:      k.machine.Stats(),
		Pager:      k.pager.Stats(),
		Objects:    len(k.objects.All()),
		ZeroFills:  k.zeroFills.Load(),
		CoWBreaks:  k.cowBreaks.Load(),
		Reclaimed:  k.reclaimed.Load(),
		PhysCopies: k.physCopies.Load(),
	}
	for _, mc := range k.liveContexts() {
		ms := mc.Stats()
		s.Contexts++
		s.Faults += ms.Faults
		s.Restarts += ms.Restarts
		s.Segvs += ms.Segvs
	}
	return s
}
