// Copyright 2019 The gVisor Authors.
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

//go:build arm64

package pagetables

import (
	"objmem.dev/objmem/pkg/hostarch"
)

// ARMv8 stage 1 descriptor bits, 4K granule.
const (
	valid         Entry = 1 << 0
	tableOrPage   Entry = 1 << 1
	attrMask      Entry = 7 << attrShift
	apUser        Entry = 1 << 6
	apReadOnly    Entry = 1 << 7
	shareInner    Entry = 3 << 8
	accessFlag    Entry = 1 << 10
	notGlobal     Entry = 1 << 11
	privExecNever Entry = 1 << 53
	userExecNever Entry = 1 << 54

	addrMask Entry = 0x0000_ffff_ffff_f000
)

// attrShift is the position of the MAIR index in an entry.
const attrShift = 2

// MAIR indices.
const (
	mairWriteBack    = 0
	mairWriteThrough = 1
	mairNonCacheable = 2
	mairDevice       = 3
)

// Table walks do not snoop the data cache, so entry writes are cleaned to
// the point of coherency.
const flushTableWrites = true

// Present returns true if the entry maps anything.
func (e Entry) Present() bool {
	return e&valid != 0
}

// Address returns the physical address of the next table or the page.
func (e Entry) Address() hostarch.PhysAddr {
	return hostarch.PhysAddr(e & addrMask)
}

// IsLeaf returns true if the entry at level maps a page rather than a table.
// At level 0 the table bit marks a page; above it, a clear bit marks a block.
func (e Entry) IsLeaf(level int) bool {
	return level == 0 || e&tableOrPage == 0
}

// Settings returns the attributes of a leaf entry.
func (e Entry) Settings() MappingSettings {
	var s MappingSettings
	s.Perms = hostarch.AccessType{
		Read:    true,
		Write:   e&apReadOnly == 0,
		Execute: e&(privExecNever|userExecNever) != (privExecNever | userExecNever),
	}
	switch (e & attrMask) >> attrShift {
	case mairWriteThrough:
		s.Cache = hostarch.MemoryTypeWriteThrough
	case mairNonCacheable:
		s.Cache = hostarch.MemoryTypeWriteCombine
	case mairDevice:
		s.Cache = hostarch.MemoryTypeUncached
	}
	if e&notGlobal == 0 {
		s.Flags |= FlagGlobal
	}
	if e&apUser != 0 {
		s.Flags |= FlagUser
	}
	return s
}

// leafEntry encodes a leaf mapping pa at level.
func leafEntry(pa hostarch.PhysAddr, s MappingSettings, level int) Entry {
	checkLeaf(pa, level)
	e := Entry(pa)&addrMask | valid | accessFlag | shareInner
	if level == 0 {
		e |= tableOrPage
	}
	if !s.Perms.Write {
		e |= apReadOnly
	}
	if !s.Perms.Execute {
		e |= privExecNever | userExecNever
	} else if s.User() {
		e |= privExecNever
	} else {
		e |= userExecNever
	}
	var attr Entry
	switch s.Cache {
	case hostarch.MemoryTypeWriteThrough:
		attr = mairWriteThrough
	case hostarch.MemoryTypeWriteCombine:
		attr = mairNonCacheable
	case hostarch.MemoryTypeUncached:
		attr = mairDevice
	default:
		attr = mairWriteBack
	}
	e |= attr << attrShift
	if !s.Global() {
		e |= notGlobal
	}
	if s.User() {
		e |= apUser
	}
	return e
}

// tableEntry encodes a pointer to the next table.
func tableEntry(pa hostarch.PhysAddr) Entry {
	return Entry(pa)&addrMask | valid | tableOrPage
}
