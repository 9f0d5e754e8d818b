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

// Package pagetables implements the machine's 4-level page tables.
//
// The tables themselves live in physical memory frames so that the simulated
// MMU can walk them exactly as hardware would. Modifications hold the write
// side of a per-table lock; walks by the MMU hold the read side, so a table
// frame is never released under a walk in progress.
//
// Every modification records the invalidations it requires in a Consistency,
// and frames that may still be referenced through stale TLB entries, including
// page-table frames that were unlinked, are only released by
// DeferredUnmappingOps.RunAll after Consistency.Finish.
package pagetables

import (
	"fmt"

	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/sentry/pgalloc"
	"objmem.dev/objmem/pkg/sync"
)

const (
	// entriesPerTable is the number of entries in one table frame.
	entriesPerTable = 512

	// entrySize is the size of one entry.
	entrySize = 8

	// topLevel is the level of the root table. Level 0 holds 4K entries.
	topLevel = 3

	// maxLeafLevel is the highest level that may hold a leaf (1G pages).
	maxLeafLevel = 2
)

// levelShift returns the binary log of the size mapped by one entry at level.
func levelShift(level int) uint {
	return hostarch.PageShift + 9*uint(level)
}

// levelSize returns the size mapped by one entry at level.
func levelSize(level int) uint64 {
	return 1 << levelShift(level)
}

// entryAddr returns the physical address of the entry for va in the table at
// table, which is a table at level.
func entryAddr(table hostarch.PhysAddr, va hostarch.Addr, level int) hostarch.PhysAddr {
	idx := (uint64(va) >> levelShift(level)) & (entriesPerTable - 1)
	return table + hostarch.PhysAddr(idx*entrySize)
}

// addrEnd returns the address of the next boundary of size after addr, or end
// if that comes first.
func addrEnd(addr, end hostarch.Addr, size uint64) hostarch.Addr {
	next := (addr + hostarch.Addr(size)) &^ hostarch.Addr(size-1)
	if next < addr || next > end || next == 0 {
		return end
	}
	return next
}

// PageTables is one address space's page tables.
type PageTables struct {
	mem *pgalloc.Memory

	root     pgalloc.FrameRef
	rootAddr hostarch.PhysAddr

	// mu serializes modifications against each other and against walks.
	mu sync.RWMutex

	// tables maps the address of every non-root table frame to its
	// reference.
	//
	// +checklocks:mu
	tables map[hostarch.PhysAddr]pgalloc.FrameRef
}

// New returns empty page tables whose frames are allocated from mem.
func New(mem *pgalloc.Memory) (*PageTables, error) {
	root, err := mem.Allocate(pgalloc.AllocOpts{Zero: true})
	if err != nil {
		return nil, fmt.Errorf("allocating page table root: %w", err)
	}
	return &PageTables{
		mem:      mem,
		root:     root,
		rootAddr: mem.Addr(root),
		tables:   make(map[hostarch.PhysAddr]pgalloc.FrameRef),
	}, nil
}

// Root returns the physical address of the root table, the value loaded into
// the page-table base register.
func (p *PageTables) Root() hostarch.PhysAddr {
	return p.rootAddr
}

// Memory returns the physical memory the tables live in.
func (p *PageTables) Memory() *pgalloc.Memory {
	return p.mem
}

// Release clears the tables and queues every table frame, including the
// root, for release through c. Leaf frames are not released; they belong to
// whoever mapped them. The tables must not be used afterward.
func (p *PageTables) Release(c *Consistency) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearTableLocked(c, p.rootAddr, topLevel)
	c.InvalidateAll()
	c.FreeFrame(p.root)
}

// clearTableLocked zeroes every entry of the table at addr and frees the
// tables below it.
//
// +checklocks:p.mu
func (p *PageTables) clearTableLocked(c *Consistency, addr hostarch.PhysAddr, level int) {
	for i := 0; i < entriesPerTable; i++ {
		ea := addr + hostarch.PhysAddr(i*entrySize)
		e := p.load(ea)
		if !e.Present() {
			continue
		}
		p.store(ea, 0)
		if level > 0 && !e.IsLeaf(level) {
			child := e.Address()
			p.clearTableLocked(c, child, level-1)
			p.freeTableLocked(c, child)
		}
	}
}

// TableFrames returns the number of frames used by the tables, including the
// root.
func (p *PageTables) TableFrames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tables) + 1
}

func (p *PageTables) load(ea hostarch.PhysAddr) Entry {
	return Entry(p.mem.LoadWord(ea))
}

func (p *PageTables) store(ea hostarch.PhysAddr, e Entry) {
	p.mem.StoreWord(ea, uint64(e))
}

// tableEmpty returns true if no entry of the table at addr is present.
func (p *PageTables) tableEmpty(addr hostarch.PhysAddr) bool {
	for i := 0; i < entriesPerTable; i++ {
		if p.load(addr + hostarch.PhysAddr(i*entrySize)).Present() {
			return false
		}
	}
	return true
}

// newTableLocked allocates a zeroed table frame.
//
// +checklocks:p.mu
func (p *PageTables) newTableLocked() (hostarch.PhysAddr, error) {
	ref, err := p.mem.Allocate(pgalloc.AllocOpts{Zero: true})
	if err != nil {
		return 0, fmt.Errorf("allocating page table: %w", err)
	}
	addr := p.mem.Addr(ref)
	p.tables[addr] = ref
	return addr, nil
}

// freeTableLocked queues the table at addr for release through c.
//
// +checklocks:p.mu
func (p *PageTables) freeTableLocked(c *Consistency, addr hostarch.PhysAddr) {
	ref, ok := p.tables[addr]
	if !ok {
		panic(fmt.Sprintf("freeing unknown page table %v", addr))
	}
	delete(p.tables, addr)
	c.FreeFrame(ref)
}
