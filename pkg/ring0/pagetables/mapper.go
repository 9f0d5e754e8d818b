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

package pagetables

import (
	"fmt"

	"objmem.dev/objmem/pkg/hostarch"
)

// mapVisitor installs memory supplied by a provider.
type mapVisitor struct {
	w        *walker
	provider PhysAddrProvider
	err      error
}

func (*mapVisitor) requiresAlloc() bool { return true }
func (*mapVisitor) requiresSplit() bool { return true }

func (v *mapVisitor) leafFits(va hostarch.Addr, level int) bool {
	f, _, err := v.provider.Peek()
	if err != nil {
		v.err = err
		return false
	}
	size := levelSize(level)
	return f.Addr.IsAligned(size) && f.Len >= size
}

func (v *mapVisitor) visit(va hostarch.Addr, ea hostarch.PhysAddr, old Entry, level int) bool {
	if v.err != nil {
		return false
	}
	f, s, err := v.provider.Peek()
	if err != nil {
		v.err = err
		return false
	}
	size := levelSize(level)
	if f.Len < size {
		v.err = fmt.Errorf("provider offered %#x bytes for a %#x page at %v", f.Len, size, va)
		return false
	}
	v.w.pt.store(ea, leafEntry(f.Addr, s, level))
	v.w.flushEntry(ea)
	if old.Present() {
		v.w.c.Enqueue(va, old.Settings().Global(), true, level)
	}
	v.provider.Consume(size)
	return true
}

// unmapVisitor clears leaves, optionally releasing the frames they map.
type unmapVisitor struct {
	w          *walker
	freeLeaves bool
	err        error
}

func (*unmapVisitor) requiresAlloc() bool { return false }
func (*unmapVisitor) requiresSplit() bool { return true }
func (*unmapVisitor) leafFits(hostarch.Addr, int) bool { return true }

func (v *unmapVisitor) visit(va hostarch.Addr, ea hostarch.PhysAddr, old Entry, level int) bool {
	v.w.pt.store(ea, 0)
	v.w.flushEntry(ea)
	v.w.c.Enqueue(va, old.Settings().Global(), true, level)
	if !v.freeLeaves {
		return true
	}
	mem := v.w.pt.mem
	for off := uint64(0); off < levelSize(level); off += hostarch.PageSize {
		ref, err := mem.RefAt(old.Address() + hostarch.PhysAddr(off))
		if err != nil {
			// Device memory and frames outside the arena are not ours
			// to free.
			if v.err == nil {
				v.err = err
			}
			continue
		}
		v.w.c.FreeFrame(ref)
	}
	return true
}

// changeVisitor rewrites the settings of present leaves.
type changeVisitor struct {
	w        *walker
	settings MappingSettings
}

func (*changeVisitor) requiresAlloc() bool { return false }
func (*changeVisitor) requiresSplit() bool { return true }
func (*changeVisitor) leafFits(hostarch.Addr, int) bool { return true }

func (v *changeVisitor) visit(va hostarch.Addr, ea hostarch.PhysAddr, old Entry, level int) bool {
	e := leafEntry(old.Address(), v.settings, level)
	if e == old {
		return true
	}
	v.w.pt.store(ea, e)
	v.w.flushEntry(ea)
	v.w.c.Enqueue(va, old.Settings().Global() || v.settings.Global(), true, level)
	return true
}

func (p *PageTables) checkConsistency(c *Consistency) {
	if c.Root() != p.rootAddr {
		panic(fmt.Sprintf("consistency for root %v used with page tables at %v", c.Root(), p.rootAddr))
	}
}

// Map maps the range of cursor to the memory supplied by provider, using
// large pages where both the range and the supplied memory allow. Existing
// mappings in the range are replaced; their frames are not released.
//
// If Map fails, a prefix of the range may have been mapped. Invalidations
// for replaced mappings are recorded in c either way.
func (p *PageTables) Map(c *Consistency, cursor MappingCursor, provider PhysAddrProvider) error {
	p.checkConsistency(c)
	p.mu.Lock()
	defer p.mu.Unlock()
	w := &walker{pt: p, c: c}
	v := &mapVisitor{w: w, provider: provider}
	w.v = v
	if !w.iterateRange(cursor.Start(), cursor.End()) {
		if v.err != nil {
			return fmt.Errorf("mapping %v: %w", cursor, v.err)
		}
		return fmt.Errorf("mapping %v: %w", cursor, w.err)
	}
	return nil
}

// Unmap removes all mappings in the range of cursor. The mapped frames are
// not released. Page table frames that become empty are released through c.
func (p *PageTables) Unmap(c *Consistency, cursor MappingCursor) {
	p.checkConsistency(c)
	p.mu.Lock()
	defer p.mu.Unlock()
	w := &walker{pt: p, c: c}
	w.v = &unmapVisitor{w: w}
	if !w.iterateRange(cursor.Start(), cursor.End()) {
		// Splitting a large page needs a table; the range may be
		// partially unmapped.
		panic(fmt.Sprintf("unmapping %v: %v", cursor, w.err))
	}
}

// UnmapAndFree removes all mappings in the range of cursor and queues the
// frames they mapped for release through c, as for memory mapped from a
// ZeroPageProvider.
func (p *PageTables) UnmapAndFree(c *Consistency, cursor MappingCursor) error {
	p.checkConsistency(c)
	p.mu.Lock()
	defer p.mu.Unlock()
	w := &walker{pt: p, c: c}
	v := &unmapVisitor{w: w, freeLeaves: true}
	w.v = v
	if !w.iterateRange(cursor.Start(), cursor.End()) {
		return fmt.Errorf("unmapping %v: %w", cursor, w.err)
	}
	return v.err
}

// Change rewrites the settings of every mapping in the range of cursor,
// leaving unmapped pages unmapped.
func (p *PageTables) Change(c *Consistency, cursor MappingCursor, settings MappingSettings) error {
	p.checkConsistency(c)
	p.mu.Lock()
	defer p.mu.Unlock()
	w := &walker{pt: p, c: c}
	w.v = &changeVisitor{w: w, settings: settings}
	if !w.iterateRange(cursor.Start(), cursor.End()) {
		return fmt.Errorf("changing %v: %w", cursor, w.err)
	}
	return nil
}

// lookup walks to the entry translating va. It returns the entry, its level
// and whether it is a present leaf.
//
// Preconditions: p.mu must be locked.
func (p *PageTables) lookup(va hostarch.Addr) (Entry, int, bool) {
	table := p.rootAddr
	for level := topLevel; ; level-- {
		e := p.load(entryAddr(table, va, level))
		if !e.Present() {
			return e, level, false
		}
		if e.IsLeaf(level) {
			return e, level, true
		}
		table = e.Address()
	}
}

// Lookup returns the mapping of the page containing va.
func (p *PageTables) Lookup(va hostarch.Addr) (MapInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, level, ok := p.lookup(va)
	if !ok {
		return MapInfo{}, false
	}
	size := levelSize(level)
	return MapInfo{
		Vaddr:    va.AlignDown(size),
		Paddr:    e.Address(),
		Settings: e.Settings(),
		PageSize: size,
	}, true
}

// Translate returns the physical address that va maps to, and the settings
// of its mapping.
func (p *PageTables) Translate(va hostarch.Addr) (hostarch.PhysAddr, MappingSettings, bool) {
	mi, ok := p.Lookup(va)
	if !ok {
		return 0, MappingSettings{}, false
	}
	return mi.Paddr + hostarch.PhysAddr(va-mi.Vaddr), mi.Settings, true
}

// MapReader iterates over the mappings in a range.
type MapReader struct {
	pt     *PageTables
	cursor MappingCursor
}

// ReadMap returns an iterator over the mappings in the range of cursor. Each
// mapping is reported once, at the start of its page, even if the cursor
// starts inside a large page.
func (p *PageTables) ReadMap(cursor MappingCursor) *MapReader {
	return &MapReader{pt: p, cursor: cursor}
}

// Next returns the next mapping, and false when there are no more.
func (r *MapReader) Next() (MapInfo, bool) {
	r.pt.mu.RLock()
	defer r.pt.mu.RUnlock()
	for !r.cursor.Done() {
		va := r.cursor.Start()
		e, level, ok := r.pt.lookup(va)
		size := levelSize(level)
		r.cursor.Advance(size)
		if ok {
			return MapInfo{
				Vaddr:    va.AlignDown(size),
				Paddr:    e.Address(),
				Settings: e.Settings(),
				PageSize: size,
			}, true
		}
	}
	return MapInfo{}, false
}

// Collect drains the iterator into a slice.
func (r *MapReader) Collect() []MapInfo {
	var out []MapInfo
	for {
		mi, ok := r.Next()
		if !ok {
			return out
		}
		out = append(out, mi)
	}
}
