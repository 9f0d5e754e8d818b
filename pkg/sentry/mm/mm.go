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

// Package mm implements memory contexts: the regions of objects mapped into
// an address space, the page tables translating it, and page fault handling.
//
// A fault is resolved by finding the region covering the faulting address,
// obtaining the object page from a PageSource (which may wait on the pager),
// and installing the page. The pages installed in a context are recorded
// alongside the page tables, each holding a reference on its Page, so that
// unmapping can release them through a Consistency once stale translations
// are gone.
//
// Lock order: MemoryContext.mu, then obj.Object.mu. MemoryContext.mu is never
// held across a call to a PageSource.
package mm

import (
	"fmt"
	"sync/atomic"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/log"
	"objmem.dev/objmem/pkg/ring0/pagetables"
	"objmem.dev/objmem/pkg/sentry/obj"
	"objmem.dev/objmem/pkg/sentry/pgalloc"
	"objmem.dev/objmem/pkg/sync"
)

const (
	// MapBase is the lowest address handed out for mappings without a
	// fixed address.
	MapBase = hostarch.Addr(0x10000000)

	// UserTop is the first address past the user half.
	UserTop = hostarch.Addr(1) << (hostarch.VirtualAddressBits - 1)
)

// MemoryContext is one address space.
type MemoryContext struct {
	mem *pgalloc.Memory
	pt  *pagetables.PageTables

	mu sync.RWMutex

	// +checklocks:mu
	regions *RegionManager

	// pmas holds the page installed at each mapped page address.
	//
	// +checklocks:mu
	pmas map[hostarch.Addr]*obj.Page

	// +checklocks:mu
	released bool

	faults   atomic.Uint64
	restarts atomic.Uint64
	segvs    atomic.Uint64
}

// NewMemoryContext returns an empty memory context whose page tables are
// allocated from mem.
func NewMemoryContext(mem *pgalloc.Memory) (*MemoryContext, error) {
	pt, err := pagetables.New(mem)
	if err != nil {
		return nil, err
	}
	return &MemoryContext{
		mem:     mem,
		pt:      pt,
		regions: NewRegionManager(),
		pmas:    make(map[hostarch.Addr]*obj.Page),
	}, nil
}

// PageTables returns the context's page tables.
func (mc *MemoryContext) PageTables() *pagetables.PageTables {
	return mc.pt
}

// Stats are a context's fault counters.
type Stats struct {
	Faults   uint64
	Restarts uint64
	Segvs    uint64
	Resident int
}

// Stats returns the context's counters.
func (mc *MemoryContext) Stats() Stats {
	mc.mu.RLock()
	resident := len(mc.pmas)
	mc.mu.RUnlock()
	return Stats{
		Faults:   mc.faults.Load(),
		Restarts: mc.restarts.Load(),
		Segvs:    mc.segvs.Load(),
		Resident: resident,
	}
}

func validateRegion(r *MapRegion) error {
	switch {
	case r.Object == nil:
		return errors.Newf(errors.CodeInvalid, "region %v maps no object", r.Range)
	case !r.Range.WellFormed() || r.Range.Length() == 0 || !r.Range.IsPageAligned():
		return errors.Newf(errors.CodeInvalid, "invalid region range %v", r.Range)
	case r.Range.End > UserTop:
		return errors.Newf(errors.CodeInvalid, "region %v outside the user half", r.Range)
	case !hostarch.Addr(r.Offset).IsPageAligned():
		return errors.Newf(errors.CodeInvalid, "unaligned object offset %#x", r.Offset)
	}
	return nil
}

// Map adds a mapping of r.Object. Pages are installed on demand by
// HandleFault.
func (mc *MemoryContext) Map(r MapRegion) (*MapRegion, error) {
	if err := validateRegion(&r); err != nil {
		return nil, err
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.released {
		return nil, errors.ErrShutdown
	}
	if err := mc.regions.Insert(&r); err != nil {
		return nil, err
	}
	log.Debugf("Mapped %v", &r)
	return &r, nil
}

// MapAnywhere maps r.Object at the lowest free range of length bytes and
// returns the region.
func (mc *MemoryContext) MapAnywhere(r MapRegion, length uint64) (*MapRegion, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.released {
		return nil, errors.ErrShutdown
	}
	length = (length + hostarch.PageSize - 1) &^ (hostarch.PageSize - 1)
	start, ok := mc.regions.FindGap(MapBase, UserTop, length)
	if !ok {
		return nil, errors.Newf(errors.CodeNoMemory, "no free range of %#x bytes", length)
	}
	r.Range = hostarch.AddrRange{Start: start, End: start + hostarch.Addr(length)}
	if err := validateRegion(&r); err != nil {
		return nil, err
	}
	if err := mc.regions.Insert(&r); err != nil {
		return nil, err
	}
	log.Debugf("Mapped %v", &r)
	return &r, nil
}

// Region returns a copy of the region containing va.
func (mc *MemoryContext) Region(va hostarch.Addr) (MapRegion, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	r, ok := mc.regions.Lookup(va)
	if !ok {
		return MapRegion{}, false
	}
	return *r, true
}

// Regions returns copies of every region in address order.
func (mc *MemoryContext) Regions() []MapRegion {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	rs := mc.regions.Regions()
	out := make([]MapRegion, len(rs))
	for i, r := range rs {
		out[i] = *r
	}
	return out
}

// unmapPagesLocked removes the installed pages in ar, queueing their release
// on c.
//
// +checklocks:mc.mu
func (mc *MemoryContext) unmapPagesLocked(c *pagetables.Consistency, ar hostarch.AddrRange) int {
	n := 0
	for va, p := range mc.pmas {
		if ar.Contains(va) {
			c.FreeSharedFrame(p)
			delete(mc.pmas, va)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	cursor, err := pagetables.CursorFor(ar)
	if err != nil {
		panic(fmt.Sprintf("unmapping %v: %v", ar, err))
	}
	mc.pt.Unmap(c, cursor)
	return n
}

// Unmap removes every mapping in ar, which must be page aligned, and releases
// the pages installed there once inv has invalidated their translations.
func (mc *MemoryContext) Unmap(inv pagetables.Invalidator, ar hostarch.AddrRange) error {
	if !ar.WellFormed() || !ar.IsPageAligned() {
		return errors.Newf(errors.CodeInvalid, "invalid unmap range %v", ar)
	}
	c := pagetables.NewConsistency(mc.pt.Root(), mc.mem, inv)
	mc.mu.Lock()
	removed := mc.regions.RemoveRange(ar)
	for _, r := range removed {
		mc.unmapPagesLocked(c, r.Range)
	}
	mc.mu.Unlock()
	c.Finish().RunAll()
	log.Debugf("Unmapped %v (%d regions)", ar, len(removed))
	return nil
}

// UnmapObjectPages removes the installed pages of object pages
// [first, first+n) of object id from every region mapping them, leaving the
// regions in place so the pages fault in again. It returns the number of
// pages removed.
func (mc *MemoryContext) UnmapObjectPages(inv pagetables.Invalidator, id pager.ObjID, first, n uint64) int {
	c := pagetables.NewConsistency(mc.pt.Root(), mc.mem, inv)
	mc.mu.Lock()
	total := 0
	for _, r := range mc.regions.ObjectRegions(id) {
		rFirst, rn := r.Pages()
		lo, hi := max(first, rFirst), min(first+n, rFirst+rn)
		if lo >= hi {
			continue
		}
		start, _ := r.AddrOf(lo)
		ar := hostarch.AddrRange{Start: start, End: start + hostarch.Addr((hi-lo)<<hostarch.PageShift)}
		total += mc.unmapPagesLocked(c, ar)
	}
	mc.mu.Unlock()
	c.Finish().RunAll()
	return total
}

// UnmapObject removes every region mapping object id.
func (mc *MemoryContext) UnmapObject(inv pagetables.Invalidator, id pager.ObjID) int {
	c := pagetables.NewConsistency(mc.pt.Root(), mc.mem, inv)
	mc.mu.Lock()
	regions := mc.regions.ObjectRegions(id)
	for _, r := range regions {
		mc.regions.RemoveRange(r.Range)
		mc.unmapPagesLocked(c, r.Range)
	}
	mc.mu.Unlock()
	c.Finish().RunAll()
	return len(regions)
}

// MapsObject returns true if any region maps object id.
func (mc *MemoryContext) MapsObject(id pager.ObjID) bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	_, ok := mc.regions.byObject[id]
	return ok
}

// Release unmaps everything and releases the page tables. The context must
// not be used afterward.
func (mc *MemoryContext) Release(inv pagetables.Invalidator) {
	c := pagetables.NewConsistency(mc.pt.Root(), mc.mem, inv)
	mc.mu.Lock()
	if mc.released {
		mc.mu.Unlock()
		return
	}
	mc.released = true
	for _, r := range mc.regions.Regions() {
		mc.regions.RemoveRange(r.Range)
	}
	for va, p := range mc.pmas {
		c.FreeSharedFrame(p)
		delete(mc.pmas, va)
	}
	mc.pt.Release(c)
	c.InvalidateAll()
	mc.mu.Unlock()
	c.Finish().RunAll()
}
