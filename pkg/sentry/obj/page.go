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

package obj

import (
	"fmt"
	"sync/atomic"

	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/sentry/pgalloc"
)

// Page is one physical page of object memory.
//
// A Page is reference counted. Each object holding the page owns one
// reference, and so does each installed mapping of it. The frame is released
// when the last reference is dropped, unless the page is wired.
type Page struct {
	mem   *pgalloc.Memory
	ref   pgalloc.FrameRef
	addr  hostarch.PhysAddr
	wired bool

	refs atomic.Int64

	// owners is the number of objects holding the page. A page with more
	// than one owner is shared copy-on-write.
	owners atomic.Int32
}

// NewPage returns a page owning the allocated frame ref, with one reference
// held by the caller.
func NewPage(mem *pgalloc.Memory, ref pgalloc.FrameRef) *Page {
	p := &Page{mem: mem, ref: ref, addr: mem.Addr(ref)}
	p.refs.Store(1)
	return p
}

// NewWiredPage returns a page of memory that is not managed by the frame
// allocator, such as device memory.
func NewWiredPage(mem *pgalloc.Memory, addr hostarch.PhysAddr) *Page {
	p := &Page{mem: mem, addr: addr, wired: true}
	p.refs.Store(1)
	return p
}

// Addr returns the physical address of the page.
func (p *Page) Addr() hostarch.PhysAddr {
	return p.addr
}

// Wired returns true if the page's memory is never released.
func (p *Page) Wired() bool {
	return p.wired
}

// Bytes returns the contents of the page.
func (p *Page) Bytes() []byte {
	b, err := p.mem.Bytes(p.addr, hostarch.PageSize)
	if err != nil {
		panic(fmt.Sprintf("page at %v: %v", p.addr, err))
	}
	return b
}

// IncRef takes a reference on p.
func (p *Page) IncRef() {
	if p.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("IncRef on released page at %v", p.addr))
	}
}

// DecRef drops a reference, releasing the frame with the last one. It
// implements pagetables.SharedFrame.
func (p *Page) DecRef() {
	switch n := p.refs.Add(-1); {
	case n == 0:
		if !p.wired {
			p.mem.Free(p.ref)
		}
	case n < 0:
		panic(fmt.Sprintf("DecRef on released page at %v", p.addr))
	}
}

// ReadRefs returns the current number of references.
func (p *Page) ReadRefs() int64 {
	return p.refs.Load()
}

// Shared returns true if more than one object holds p.
func (p *Page) Shared() bool {
	return p.owners.Load() > 1
}

func (p *Page) String() string {
	return fmt.Sprintf("Page{%v refs=%d owners=%d}", p.addr, p.refs.Load(), p.owners.Load())
}
