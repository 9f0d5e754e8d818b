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

package pagetables

import (
	"objmem.dev/objmem/pkg/hostarch"
)

// visitor is the per-operation half of a walk.
type visitor interface {
	// requiresAlloc returns true if missing tables should be allocated
	// and visit called for empty slots.
	requiresAlloc() bool

	// requiresSplit returns true if a large page only partly covered by the
	// walk must be split into the next level.
	requiresSplit() bool

	// leafFits returns true if a leaf at level may be placed or kept at va,
	// which is aligned to the level's page size and fully covered by the
	// walk.
	leafFits(va hostarch.Addr, level int) bool

	// visit is called for each present leaf in the walked range, and for
	// allocating visitors for each empty slot where a leaf fits. ea is the
	// physical address of the entry and e its value. It returns false to
	// stop the walk.
	visit(va hostarch.Addr, ea hostarch.PhysAddr, e Entry, level int) bool
}

// walker walks the tables of pt over a range, calling v.
type walker struct {
	pt *PageTables
	c  *Consistency
	v  visitor

	// err is set if the walk stopped because a table could not be
	// allocated.
	err error
}

// iterateRange walks [start, end), which must lie within one canonical half.
//
// Preconditions: w.pt.mu must be locked for writing.
func (w *walker) iterateRange(start, end hostarch.Addr) bool {
	ok, _ := w.walk(w.pt.rootAddr, topLevel, start, end)
	return ok
}

// walk iterates over the entries of the table at table, a table at level,
// covering [start, end). It returns false if the walk was stopped, and the
// number of entries visited that are clear when it returns.
//
// When every entry of a lower table is clear after the walk, the table is
// unlinked and queued for release.
func (w *walker) walk(table hostarch.PhysAddr, level int, start, end hostarch.Addr) (bool, int) {
	size := levelSize(level)
	clear := 0
	for start < end {
		next := addrEnd(start, end, size)
		ea := entryAddr(table, start, level)
		e := w.pt.load(ea)
		covers := start.IsAligned(size) && uint64(next-start) == size

		switch {
		case !e.Present():
			if !w.v.requiresAlloc() {
				// Skip over this entry.
				clear++
				start = next
				continue
			}

			// Place a leaf directly if one fits here; large pages are
			// preferred whenever the range and the physical memory allow.
			if level == 0 || (level <= maxLeafLevel && covers && w.v.leafFits(start, level)) {
				if !w.v.visit(start, ea, e, level) {
					return false, clear
				}
				if !w.pt.load(ea).Present() {
					clear++
				}
				start = next
				continue
			}

			child, err := w.pt.newTableLocked()
			if err != nil {
				w.err = err
				return false, clear
			}
			e = tableEntry(child)
			w.pt.store(ea, e)
			w.flushEntry(ea)

		case e.IsLeaf(level):
			split := level > 0 && w.v.requiresSplit() && (!covers || !w.v.leafFits(start, level))
			if !split {
				// A page to be visited directly.
				if !w.v.visit(start.AlignDown(size), ea, e, level) {
					return false, clear
				}

				// Might have been cleared.
				if !w.pt.load(ea).Present() {
					clear++
				}
				start = next
				continue
			}
			if e = w.split(ea, e, start, level); !e.Present() {
				return false, clear
			}
		}

		// Walk the next level, since this is a valid table.
		ok, childClear := w.walk(e.Address(), level-1, start, next)
		if !ok {
			return false, clear
		}

		// Check if we no longer need this table.
		if childClear > 0 && w.pt.tableEmpty(e.Address()) {
			w.pt.store(ea, 0)
			w.flushEntry(ea)
			w.c.Enqueue(start.AlignDown(size), false, false, level)
			w.pt.freeTableLocked(w.c, e.Address())
			clear++
		}
		start = next
	}
	return true, clear
}

// split replaces the large leaf e at ea, mapping the page containing va,
// with a table of equivalent next-level leaves. It returns the new table
// entry, or a clear entry if no table could be allocated.
func (w *walker) split(ea hostarch.PhysAddr, e Entry, va hostarch.Addr, level int) Entry {
	child, err := w.pt.newTableLocked()
	if err != nil {
		w.err = err
		return 0
	}
	s := e.Settings()
	childSize := levelSize(level - 1)
	for i := 0; i < entriesPerTable; i++ {
		pa := e.Address() + hostarch.PhysAddr(uint64(i)*childSize)
		w.pt.store(child+hostarch.PhysAddr(i*entrySize), leafEntry(pa, s, level-1))
	}
	te := tableEntry(child)
	w.pt.store(ea, te)
	w.flushEntry(ea)
	w.c.Enqueue(va.AlignDown(levelSize(level)), s.Global(), true, level)
	return te
}

func (w *walker) flushEntry(ea hostarch.PhysAddr) {
	if flushTableWrites {
		w.c.Flush(ea)
	}
}
