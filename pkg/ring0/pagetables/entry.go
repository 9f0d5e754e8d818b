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

// Entry is a page table entry.
//
// The encoding is fixed per kernel image and selected at build time; each
// architecture file provides:
//
//	func (e Entry) Present() bool
//	func (e Entry) Address() hostarch.PhysAddr
//	func (e Entry) IsLeaf(level int) bool
//	func (e Entry) Settings() MappingSettings
//	func leafEntry(pa hostarch.PhysAddr, s MappingSettings, level int) Entry
//	func tableEntry(pa hostarch.PhysAddr) Entry
//
// and the constant flushTableWrites, true if the table walker does not snoop
// the data cache and entry writes must be flushed.
type Entry uint64

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	if !e.Present() {
		return "(none)"
	}
	return fmt.Sprintf("%v %v", e.Address(), e.Settings())
}

// checkLeaf panics if pa cannot be the target of a leaf at level.
func checkLeaf(pa hostarch.PhysAddr, level int) {
	if !pa.IsAligned(levelSize(level)) {
		panic(fmt.Sprintf("leaf address %v not aligned for level %d", pa, level))
	}
}
