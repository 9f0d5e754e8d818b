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

//go:build !arm64

package pagetables

import (
	"objmem.dev/objmem/pkg/hostarch"
)

// x86-64 entry bits.
const (
	present        Entry = 1 << 0
	writable       Entry = 1 << 1
	user           Entry = 1 << 2
	writeThrough   Entry = 1 << 3
	cacheDisable   Entry = 1 << 4
	accessed       Entry = 1 << 5
	dirty          Entry = 1 << 6
	super          Entry = 1 << 7
	global         Entry = 1 << 8
	executeDisable Entry = 1 << 63

	addrMask Entry = 0x000f_ffff_ffff_f000
)

// The table walker is coherent with the data cache.
const flushTableWrites = false

// Present returns true if the entry maps anything.
func (e Entry) Present() bool {
	return e&present != 0
}

// Address returns the physical address of the next table or the page.
func (e Entry) Address() hostarch.PhysAddr {
	return hostarch.PhysAddr(e & addrMask)
}

// IsLeaf returns true if the entry at level maps a page rather than a table.
func (e Entry) IsLeaf(level int) bool {
	return level == 0 || e&super != 0
}

// Settings returns the attributes of a leaf entry. Present pages are always
// readable.
func (e Entry) Settings() MappingSettings {
	var s MappingSettings
	s.Perms = hostarch.AccessType{
		Read:    true,
		Write:   e&writable != 0,
		Execute: e&executeDisable == 0,
	}
	switch e & (writeThrough | cacheDisable) {
	case writeThrough:
		s.Cache = hostarch.MemoryTypeWriteThrough
	case cacheDisable:
		s.Cache = hostarch.MemoryTypeWriteCombine
	case writeThrough | cacheDisable:
		s.Cache = hostarch.MemoryTypeUncached
	}
	if e&global != 0 {
		s.Flags |= FlagGlobal
	}
	if e&user != 0 {
		s.Flags |= FlagUser
	}
	return s
}

// leafEntry encodes a leaf mapping pa at level.
func leafEntry(pa hostarch.PhysAddr, s MappingSettings, level int) Entry {
	checkLeaf(pa, level)
	e := Entry(pa)&addrMask | present | accessed
	if level > 0 {
		e |= super
	}
	if s.Perms.Write {
		e |= writable | dirty
	}
	if !s.Perms.Execute {
		e |= executeDisable
	}
	switch s.Cache {
	case hostarch.MemoryTypeWriteThrough:
		e |= writeThrough
	case hostarch.MemoryTypeWriteCombine:
		e |= cacheDisable
	case hostarch.MemoryTypeUncached:
		e |= writeThrough | cacheDisable
	}
	if s.Global() {
		e |= global
	}
	if s.User() {
		e |= user
	}
	return e
}

// tableEntry encodes a pointer to the next table. Intermediate entries are
// maximally permissive; leaves decide.
func tableEntry(pa hostarch.PhysAddr) Entry {
	return Entry(pa)&addrMask | present | writable | user
}
