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

package pgalloc

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"objmem.dev/objmem/pkg/hostarch"
)

type flushCounter struct {
	n atomic.Uint64
}

func (c *flushCounter) inc() {
	c.n.Add(1)
}

func (c *flushCounter) load() uint64 {
	return c.n.Load()
}

// word returns a pointer to the aligned 64-bit word at p.
func (m *Memory) word(p hostarch.PhysAddr) *uint64 {
	if !p.IsAligned(8) || !m.Range().Contains(p) {
		panic(fmt.Sprintf("bad word address %v", p))
	}
	return (*uint64)(unsafe.Pointer(&m.data[p-m.base]))
}

// LoadWord atomically loads the 64-bit word at p. Page-table walks read
// entries this way while other cores may be writing them.
func (m *Memory) LoadWord(p hostarch.PhysAddr) uint64 {
	return atomic.LoadUint64(m.word(p))
}

// StoreWord atomically stores v to the 64-bit word at p.
func (m *Memory) StoreWord(p hostarch.PhysAddr, v uint64) {
	atomic.StoreUint64(m.word(p), v)
}

// SwapWord atomically stores v to the word at p and returns the old value.
func (m *Memory) SwapWord(p hostarch.PhysAddr, v uint64) uint64 {
	return atomic.SwapUint64(m.word(p), v)
}
