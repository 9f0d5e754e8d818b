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

package mm

import (
	"fmt"
	"slices"

	"github.com/google/btree"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/sentry/obj"
)

// ErrOverlap is returned when a new region overlaps an existing one.
var ErrOverlap = errors.New(errors.CodeInvalid, "region overlaps an existing mapping")

// MapRegion maps part of an object at a range of virtual addresses.
type MapRegion struct {
	// Object is the mapped object.
	Object *obj.Object

	// Offset is the byte offset in Object mapped at Range.Start.
	Offset uint64

	// Cache is the memory type of the mapping.
	Cache hostarch.MemoryType

	// Prot is the maximum access allowed through the mapping.
	Prot hostarch.AccessType

	// Range is the mapped range of virtual addresses.
	Range hostarch.AddrRange
}

// PageNumber returns the object page number mapped at va.
//
// Preconditions: r.Range.Contains(va).
func (r *MapRegion) PageNumber(va hostarch.Addr) uint64 {
	return (r.Offset + uint64(va-r.Range.Start)) >> hostarch.PageShift
}

// Pages returns the range of object pages r maps, as [first, first+n).
func (r *MapRegion) Pages() (first, n uint64) {
	return r.Offset >> hostarch.PageShift, r.Range.Length() >> hostarch.PageShift
}

// AddrOf returns the virtual address at which object page pn is mapped.
func (r *MapRegion) AddrOf(pn uint64) (hostarch.Addr, bool) {
	first, n := r.Pages()
	if pn < first || pn >= first+n {
		return 0, false
	}
	return r.Range.Start + hostarch.Addr((pn-first)<<hostarch.PageShift), true
}

func (r *MapRegion) String() string {
	return fmt.Sprintf("%v -> %v+%#x (%v, %v)", r.Range, r.Object.ID(), r.Offset, r.Prot, r.Cache)
}

// sub returns the part of r covering ar.
//
// Preconditions: r.Range.IsSupersetOf(ar).
func (r *MapRegion) sub(ar hostarch.AddrRange) *MapRegion {
	n := *r
	n.Offset += uint64(ar.Start - r.Range.Start)
	n.Range = ar
	return &n
}

func regionLess(a, b *MapRegion) bool {
	return a.Range.Start < b.Range.Start
}

func pivot(va hostarch.Addr) *MapRegion {
	return &MapRegion{Range: hostarch.AddrRange{Start: va, End: va}}
}

// RegionManager holds the non-overlapping regions of a memory context, with
// an index of the regions mapping each object.
//
// RegionManager is not synchronized; its owner serializes access.
type RegionManager struct {
	tree     *btree.BTreeG[*MapRegion]
	byObject map[pager.ObjID]map[*MapRegion]struct{}
}

// NewRegionManager returns an empty RegionManager.
func NewRegionManager() *RegionManager {
	return &RegionManager{
		tree:     btree.NewG(8, regionLess),
		byObject: make(map[pager.ObjID]map[*MapRegion]struct{}),
	}
}

// Len returns the number of regions.
func (rm *RegionManager) Len() int {
	return rm.tree.Len()
}

// Lookup returns the region containing va.
func (rm *RegionManager) Lookup(va hostarch.Addr) (*MapRegion, bool) {
	var found *MapRegion
	rm.tree.DescendLessOrEqual(pivot(va), func(r *MapRegion) bool {
		if r.Range.Contains(va) {
			found = r
		}
		return false
	})
	return found, found != nil
}

// overlapping returns the regions overlapping ar in address order.
func (rm *RegionManager) overlapping(ar hostarch.AddrRange) []*MapRegion {
	var out []*MapRegion
	rm.tree.DescendLessOrEqual(pivot(ar.Start), func(r *MapRegion) bool {
		if r.Range.Start < ar.Start && r.Range.End > ar.Start {
			out = append(out, r)
		}
		return false
	})
	rm.tree.AscendRange(pivot(ar.Start), pivot(ar.End), func(r *MapRegion) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Insert adds r. It fails with ErrOverlap if r overlaps an existing region.
func (rm *RegionManager) Insert(r *MapRegion) error {
	if !r.Range.WellFormed() || r.Range.Length() == 0 {
		return errors.Newf(errors.CodeInvalid, "invalid region range %v", r.Range)
	}
	if len(rm.overlapping(r.Range)) != 0 {
		return fmt.Errorf("inserting %v: %w", r, ErrOverlap)
	}
	rm.insert(r)
	return nil
}

func (rm *RegionManager) insert(r *MapRegion) {
	rm.tree.ReplaceOrInsert(r)
	id := r.Object.ID()
	set, ok := rm.byObject[id]
	if !ok {
		set = make(map[*MapRegion]struct{})
		rm.byObject[id] = set
	}
	set[r] = struct{}{}
}

func (rm *RegionManager) remove(r *MapRegion) {
	rm.tree.Delete(r)
	id := r.Object.ID()
	set := rm.byObject[id]
	delete(set, r)
	if len(set) == 0 {
		delete(rm.byObject, id)
	}
}

// RemoveRange unmaps ar, splitting regions that straddle its ends, and
// returns the removed parts.
func (rm *RegionManager) RemoveRange(ar hostarch.AddrRange) []*MapRegion {
	var removed []*MapRegion
	for _, r := range rm.overlapping(ar) {
		rm.remove(r)
		if r.Range.Start < ar.Start {
			rm.insert(r.sub(hostarch.AddrRange{Start: r.Range.Start, End: ar.Start}))
		}
		if r.Range.End > ar.End {
			rm.insert(r.sub(hostarch.AddrRange{Start: ar.End, End: r.Range.End}))
		}
		removed = append(removed, r.sub(r.Range.Intersect(ar)))
	}
	return removed
}

// ObjectRegions returns the regions mapping object id, in address order.
func (rm *RegionManager) ObjectRegions(id pager.ObjID) []*MapRegion {
	set := rm.byObject[id]
	out := make([]*MapRegion, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *MapRegion) int {
		switch {
		case a.Range.Start < b.Range.Start:
			return -1
		case a.Range.Start > b.Range.Start:
			return 1
		}
		return 0
	})
	return out
}

// Regions returns every region in address order.
func (rm *RegionManager) Regions() []*MapRegion {
	out := make([]*MapRegion, 0, rm.tree.Len())
	rm.tree.Ascend(func(r *MapRegion) bool {
		out = append(out, r)
		return true
	})
	return out
}

// FindGap returns the lowest address at or above min with length unmapped
// bytes before limit.
func (rm *RegionManager) FindGap(min, limit hostarch.Addr, length uint64) (hostarch.Addr, bool) {
	start := min
	var gap hostarch.Addr
	found := false
	rm.tree.Ascend(func(r *MapRegion) bool {
		if r.Range.End <= start {
			return true
		}
		end := r.Range.Start
		if end > limit {
			end = limit
		}
		if end > start && uint64(end-start) >= length {
			gap, found = start, true
			return false
		}
		start = r.Range.End
		return start < limit
	})
	if !found && start < limit && uint64(limit-start) >= length {
		gap, found = start, true
	}
	return gap, found
}
