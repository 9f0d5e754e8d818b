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

package cpu

import (
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/ring0/pagetables"
)

// tlbKey identifies a cached translation of one 4K page. Global translations
// have a zero root.
type tlbKey struct {
	global bool
	root   hostarch.PhysAddr
	page   hostarch.Addr
}

type tlbEntry struct {
	// frame is the physical address of the page.
	frame    hostarch.PhysAddr
	settings pagetables.MappingSettings

	// gen is the generation of the root when the translation was read.
	// Unused for global translations.
	gen uint64
}

// tlb is a core's translation cache. Entries are evicted in insertion order
// once the cache is full.
type tlb struct {
	capacity int
	entries  map[tlbKey]tlbEntry

	// order holds keys in insertion order. It may hold keys that have since
	// been dropped.
	order []tlbKey
}

func newTLB(capacity int) tlb {
	return tlb{
		capacity: capacity,
		entries:  make(map[tlbKey]tlbEntry, capacity),
	}
}

// lookup returns the translation of page under root, if cached and not older
// than gen.
func (t *tlb) lookup(root hostarch.PhysAddr, page hostarch.Addr, gen uint64) (tlbEntry, bool) {
	if e, ok := t.entries[tlbKey{global: true, page: page}]; ok {
		return e, true
	}
	k := tlbKey{root: root, page: page}
	e, ok := t.entries[k]
	if !ok {
		return tlbEntry{}, false
	}
	if e.gen != gen {
		delete(t.entries, k)
		return tlbEntry{}, false
	}
	return e, true
}

func (t *tlb) insert(root hostarch.PhysAddr, page hostarch.Addr, e tlbEntry) {
	k := tlbKey{root: root, page: page}
	if e.settings.Global() {
		k = tlbKey{global: true, page: page}
	}
	if _, ok := t.entries[k]; !ok {
		for len(t.entries) >= t.capacity {
			t.evictOldest()
		}
		t.order = append(t.order, k)
		if len(t.order) > 4*t.capacity {
			t.compact()
		}
	}
	t.entries[k] = e
}

func (t *tlb) drop(k tlbKey) {
	delete(t.entries, k)
}

func (t *tlb) evictOldest() {
	for len(t.order) > 0 {
		k := t.order[0]
		t.order = t.order[1:]
		if _, ok := t.entries[k]; ok {
			delete(t.entries, k)
			return
		}
	}
}

// compact drops keys of dropped entries from order.
func (t *tlb) compact() {
	out := make([]tlbKey, 0, len(t.entries))
	seen := make(map[tlbKey]bool, len(t.entries))
	for _, k := range t.order {
		if _, ok := t.entries[k]; ok && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	t.order = out
}

// invalidate drops the translations named by b. Global translations are only
// dropped for global batches.
func (t *tlb) invalidate(b *pagetables.TLBBatch) int {
	dropped := 0
	for k := range t.entries {
		if k.global && !b.Global {
			continue
		}
		if !k.global && k.root != b.Root {
			continue
		}
		if !b.All && !batchCovers(b, k.page) {
			continue
		}
		delete(t.entries, k)
		dropped++
	}
	return dropped
}

func batchCovers(b *pagetables.TLBBatch, page hostarch.Addr) bool {
	for _, inv := range b.Invalidations {
		if inv.Range().Contains(page) {
			return true
		}
	}
	return false
}

// retag moves the surviving translations of root from generation from to
// generation to, and drops any older ones.
func (t *tlb) retag(root hostarch.PhysAddr, from, to uint64) {
	for k, e := range t.entries {
		if k.global || k.root != root {
			continue
		}
		if e.gen != from {
			delete(t.entries, k)
			continue
		}
		e.gen = to
		t.entries[k] = e
	}
}

// flushRoot drops every non-global translation of root.
func (t *tlb) flushRoot(root hostarch.PhysAddr) {
	for k := range t.entries {
		if !k.global && k.root == root {
			delete(t.entries, k)
		}
	}
}

func (t *tlb) len() int {
	return len(t.entries)
}
