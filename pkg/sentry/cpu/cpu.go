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

// Package cpu simulates the processors of the machine: each core has a
// software TLB and translates virtual addresses by walking page tables held in
// physical memory, and cores exchange inter-processor interrupts to shoot down
// global translations.
//
// Invalidation of non-global translations is local to the issuing core. Other
// cores learn of it through a per-root generation number: the issuing core
// advances the generation of the root it changed, and a translation cached at
// an older generation is discarded the next time it is used.
package cpu

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/log"
	"objmem.dev/objmem/pkg/ring0/pagetables"
	"objmem.dev/objmem/pkg/sentry/pgalloc"
	"objmem.dev/objmem/pkg/sync"
)

// DefaultTLBEntries is the TLB capacity of each core.
const DefaultTLBEntries = 64

// Fault is returned by Translate for an access the page tables do not
// permit.
type Fault struct {
	// Addr is the faulting virtual address.
	Addr hostarch.Addr

	// Access is the attempted access.
	Access hostarch.AccessType

	// Present is true if a translation existed but did not permit the
	// access.
	Present bool

	// User is true if the access was made from user mode.
	User bool
}

// Error implements error.Error.
func (f *Fault) Error() string {
	return fmt.Sprintf("page fault at %v (access %v, present %t, user %t)", f.Addr, f.Access, f.Present, f.User)
}

// Is matches errors.ErrFault.
func (f *Fault) Is(target error) bool {
	return target == errors.ErrFault
}

// Stats are a core's counters.
type Stats struct {
	TLBHits       uint64
	TLBMisses     uint64
	Faults        uint64
	Invalidations uint64
	IPIsSent      uint64
	IPIsReceived  uint64
}

// ipi is an inter-processor interrupt.
type ipi struct {
	fn   func(*Core)
	done *sync.WaitGroup
}

// Core is one processor.
type Core struct {
	id      int
	machine *Machine

	// irq is held while interrupts are disabled on the core. Interrupt
	// handlers run with it held.
	irq sync.Mutex

	ipis chan ipi

	mu sync.Mutex

	// +checklocks:mu
	tlb tlb

	tlbHits       atomic.Uint64
	tlbMisses     atomic.Uint64
	faults        atomic.Uint64
	invalidations atomic.Uint64
	ipisSent      atomic.Uint64
	ipisReceived  atomic.Uint64
}

// Machine is a set of cores sharing physical memory.
type Machine struct {
	mem   *pgalloc.Memory
	cores []*Core

	// shootdown serializes interrupt broadcasts.
	shootdown sync.Mutex

	genMu sync.Mutex

	// gens holds the generation of each page table root.
	//
	// +checklocks:genMu
	gens map[hostarch.PhysAddr]uint64

	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewMachine returns a machine with n cores, each caching up to tlbEntries
// translations.
func NewMachine(mem *pgalloc.Memory, n, tlbEntries int) (*Machine, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid core count %d", n)
	}
	if tlbEntries <= 0 {
		tlbEntries = DefaultTLBEntries
	}
	m := &Machine{
		mem:  mem,
		gens: make(map[hostarch.PhysAddr]uint64),
	}
	for i := 0; i < n; i++ {
		m.cores = append(m.cores, &Core{
			id:      i,
			machine: m,
			ipis:    make(chan ipi),
			tlb:     newTLB(tlbEntries),
		})
	}
	return m, nil
}

// Start runs the interrupt loops of every core until Stop. Before Start, and
// after Stop, interrupts are delivered synchronously by the sender.
func (m *Machine) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.group, ctx = errgroup.WithContext(ctx)
	for _, c := range m.cores {
		m.group.Go(func() error {
			c.interruptLoop(ctx)
			return nil
		})
	}
	m.running.Store(true)
	log.Debugf("Machine started with %d cores", len(m.cores))
}

// Stop stops the interrupt loops.
func (m *Machine) Stop() error {
	if !m.running.Load() {
		return nil
	}
	// Take the broadcast lock so no broadcast is waiting on a stopped loop.
	m.shootdown.Lock()
	m.running.Store(false)
	m.shootdown.Unlock()
	m.cancel()
	return m.group.Wait()
}

// Memory returns the machine's physical memory.
func (m *Machine) Memory() *pgalloc.Memory {
	return m.mem
}

// NumCores returns the number of cores.
func (m *Machine) NumCores() int {
	return len(m.cores)
}

// Core returns core i.
func (m *Machine) Core(i int) *Core {
	return m.cores[i]
}

// Stats returns the counters of every core.
func (m *Machine) Stats() []Stats {
	s := make([]Stats, len(m.cores))
	for i, c := range m.cores {
		s[i] = c.Stats()
	}
	return s
}

func (m *Machine) generation(root hostarch.PhysAddr) uint64 {
	m.genMu.Lock()
	defer m.genMu.Unlock()
	return m.gens[root]
}

// bumpGeneration advances the generation of root and returns the old and new
// values.
func (m *Machine) bumpGeneration(root hostarch.PhysAddr) (uint64, uint64) {
	m.genMu.Lock()
	defer m.genMu.Unlock()
	old := m.gens[root]
	m.gens[root] = old + 1
	return old, old + 1
}

// ForgetRoot drops the generation of a released page table root, and every
// cached translation of it. The root frame may then be reused.
func (m *Machine) ForgetRoot(root hostarch.PhysAddr) {
	m.genMu.Lock()
	delete(m.gens, root)
	m.genMu.Unlock()
	for _, c := range m.cores {
		c.mu.Lock()
		c.tlb.flushRoot(root)
		c.mu.Unlock()
	}
}

// broadcast runs fn on every core except from and waits for all of them.
//
// Preconditions: m.shootdown is locked.
func (m *Machine) broadcast(from *Core, fn func(*Core)) {
	var wg sync.WaitGroup
	for _, c := range m.cores {
		if c == from {
			continue
		}
		from.ipisSent.Add(1)
		if !m.running.Load() {
			c.handleInterrupt(fn)
			continue
		}
		wg.Add(1)
		c.ipis <- ipi{fn: fn, done: &wg}
	}
	wg.Wait()
}

func (c *Core) interruptLoop(ctx context.Context) {
	for {
		select {
		case i := <-c.ipis:
			c.handleInterrupt(i.fn)
			i.done.Done()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Core) handleInterrupt(fn func(*Core)) {
	c.irq.Lock()
	defer c.irq.Unlock()
	c.ipisReceived.Add(1)
	fn(c)
}

// ID returns the core number.
func (c *Core) ID() int {
	return c.id
}

// Machine returns the machine c belongs to.
func (c *Core) Machine() *Machine {
	return c.machine
}

// DisableInterrupts blocks delivery of interrupts to c until the returned
// function is called.
func (c *Core) DisableInterrupts() (restore func()) {
	c.irq.Lock()
	return c.irq.Unlock
}

// Stats returns c's counters.
func (c *Core) Stats() Stats {
	return Stats{
		TLBHits:       c.tlbHits.Load(),
		TLBMisses:     c.tlbMisses.Load(),
		Faults:        c.faults.Load(),
		Invalidations: c.invalidations.Load(),
		IPIsSent:      c.ipisSent.Load(),
		IPIsReceived:  c.ipisReceived.Load(),
	}
}

// TLBEntries returns the number of translations cached by c.
func (c *Core) TLBEntries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlb.len()
}

// Translate translates va under the page tables pt for the given access. It
// returns a *Fault if the translation is missing or does not permit the
// access.
func (c *Core) Translate(pt *pagetables.PageTables, va hostarch.Addr, access hostarch.AccessType, user bool) (hostarch.PhysAddr, error) {
	root := pt.Root()
	page := va.RoundDown()
	gen := c.machine.generation(root)

	c.mu.Lock()
	e, ok := c.tlb.lookup(root, page, gen)
	if ok && permits(e.settings, access, user) {
		c.mu.Unlock()
		c.tlbHits.Add(1)
		return e.frame + hostarch.PhysAddr(va.PageOffset()), nil
	}
	if ok {
		// Permissions may have been raised since the entry was cached.
		c.tlb.drop(tlbKey{global: e.settings.Global(), root: root, page: page})
	}
	c.mu.Unlock()
	c.tlbMisses.Add(1)

	pa, settings, present := pt.Translate(page)
	if !present || !permits(settings, access, user) {
		c.faults.Add(1)
		return 0, &Fault{Addr: va, Access: access, Present: present, User: user}
	}
	c.mu.Lock()
	c.tlb.insert(root, page, tlbEntry{frame: pa, settings: settings, gen: gen})
	c.mu.Unlock()
	return pa + hostarch.PhysAddr(va.PageOffset()), nil
}

func permits(s pagetables.MappingSettings, access hostarch.AccessType, user bool) bool {
	if user && !s.User() {
		return false
	}
	return s.Perms.SupersetOf(access)
}

// InvalidateLocal implements pagetables.Invalidator.InvalidateLocal.
func (c *Core) InvalidateLocal(b *pagetables.TLBBatch) {
	old, gen := c.machine.bumpGeneration(b.Root)
	c.invalidations.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tlb.invalidate(b)
	c.tlb.retag(b.Root, old, gen)
}

// InvalidateGlobal implements pagetables.Invalidator.InvalidateGlobal.
func (c *Core) InvalidateGlobal(b *pagetables.TLBBatch) {
	m := c.machine
	m.shootdown.Lock()
	defer m.shootdown.Unlock()
	restore := c.DisableInterrupts()
	defer restore()

	c.InvalidateLocal(b)
	m.broadcast(c, func(other *Core) {
		other.invalidations.Add(1)
		other.mu.Lock()
		other.tlb.invalidate(b)
		other.mu.Unlock()
	})
}
