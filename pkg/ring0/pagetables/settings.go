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

// MappingFlags are attributes of a mapping other than permissions and cache
// type.
type MappingFlags uint8

const (
	// FlagGlobal mappings are present in every address space and survive
	// address space switches in the TLB.
	FlagGlobal MappingFlags = 1 << iota

	// FlagUser mappings are accessible from user mode.
	FlagUser
)

// String implements fmt.Stringer.String.
func (f MappingFlags) String() string {
	s := ""
	if f&FlagGlobal != 0 {
		s += "G"
	}
	if f&FlagUser != 0 {
		s += "U"
	}
	if s == "" {
		return "-"
	}
	return s
}

// MappingSettings are the immutable attributes copied into every entry of a
// mapping.
type MappingSettings struct {
	// Perms are the access permissions.
	Perms hostarch.AccessType

	// Cache is the memory type.
	Cache hostarch.MemoryType

	// Flags are the global and user flags.
	Flags MappingFlags
}

// Global returns true if s describes a global mapping.
func (s MappingSettings) Global() bool {
	return s.Flags&FlagGlobal != 0
}

// User returns true if s describes a user-accessible mapping.
func (s MappingSettings) User() bool {
	return s.Flags&FlagUser != 0
}

// WithPerms returns s with its permissions replaced.
func (s MappingSettings) WithPerms(perms hostarch.AccessType) MappingSettings {
	s.Perms = perms
	return s
}

// String implements fmt.Stringer.String.
func (s MappingSettings) String() string {
	return fmt.Sprintf("%s/%s/%s", s.Perms, s.Cache.ShortString(), s.Flags)
}

// MapInfo describes one mapping read back from a page table.
type MapInfo struct {
	// Vaddr is the virtual address of the start of the page.
	Vaddr hostarch.Addr

	// Paddr is the physical address the page maps.
	Paddr hostarch.PhysAddr

	// Settings are the entry's attributes.
	Settings MappingSettings

	// PageSize is the size of the page: 4K, 2M or 1G.
	PageSize uint64
}

// Range returns the virtual range covered by the page.
func (mi MapInfo) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: mi.Vaddr, End: mi.Vaddr + hostarch.Addr(mi.PageSize)}
}

// MappingCursor is a region of virtual memory to operate on.
type MappingCursor struct {
	start  hostarch.Addr
	length uint64
}

// NewCursor returns a cursor over [start, start+length). start and length
// must be page aligned and the range must lie within one canonical half.
func NewCursor(start hostarch.Addr, length uint64) (MappingCursor, error) {
	if !start.IsPageAligned() || length%hostarch.PageSize != 0 {
		return MappingCursor{}, fmt.Errorf("cursor [%v, +%#x) is not page aligned", start, length)
	}
	if !start.IsCanonical() {
		return MappingCursor{}, fmt.Errorf("cursor start %v is not canonical", start)
	}
	end, err := start.CanonicalAdd(length)
	if err != nil {
		return MappingCursor{}, err
	}
	if end == 0 && length != 0 {
		return MappingCursor{}, fmt.Errorf("cursor [%v, +%#x) reaches the end of the address space", start, length)
	}
	return MappingCursor{start: start, length: length}, nil
}

// CursorFor returns a cursor over ar, which must be valid for NewCursor.
func CursorFor(ar hostarch.AddrRange) (MappingCursor, error) {
	return NewCursor(ar.Start, ar.Length())
}

// Start returns the current start of the cursor.
func (c MappingCursor) Start() hostarch.Addr {
	return c.start
}

// Len returns the remaining length of the cursor.
func (c MappingCursor) Len() uint64 {
	return c.length
}

// End returns the exclusive end of the cursor.
func (c MappingCursor) End() hostarch.Addr {
	return c.start + hostarch.Addr(c.length)
}

// Done returns true once the cursor has no length left.
func (c MappingCursor) Done() bool {
	return c.length == 0
}

// Advance moves the cursor past a page of size pageSize that contains its
// start. Advancing past a large page whose start precedes the cursor moves
// the cursor to the end of that page. ok is false once the cursor is
// exhausted.
func (c *MappingCursor) Advance(pageSize uint64) (ok bool) {
	next := c.start.AlignDown(pageSize) + hostarch.Addr(pageSize)
	if next <= c.start || uint64(next-c.start) >= c.length {
		c.start = c.End()
		c.length = 0
		return false
	}
	c.length -= uint64(next - c.start)
	c.start = next
	return true
}

// String implements fmt.Stringer.String.
func (c MappingCursor) String() string {
	return fmt.Sprintf("[%v, +%#x)", c.start, c.length)
}
