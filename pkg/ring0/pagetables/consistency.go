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
	"runtime"

	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/log"
	"objmem.dev/objmem/pkg/sentry/pgalloc"
)

// TLBBatchCapacity is the number of invalidations a Consistency records
// individually before falling back to invalidating everything.
const TLBBatchCapacity = 16

// Invalidation is one queued TLB invalidation.
type Invalidation struct {
	// Addr is the virtual address whose translation changed.
	Addr hostarch.Addr

	// Global is true if the translation was global.
	Global bool

	// Terminal is true if a leaf changed. Non-terminal invalidations also
	// drop cached intermediate entries.
	Terminal bool

	// Level is the level of the entry that changed.
	Level int
}

// Range returns the virtual addresses whose translations inv affects.
func (inv Invalidation) Range() hostarch.AddrRange {
	size := levelSize(inv.Level)
	start := inv.Addr.AlignDown(size)
	end := start + hostarch.Addr(size)
	if end < start {
		end = ^hostarch.Addr(0)
	}
	return hostarch.AddrRange{Start: start, End: end}
}

// TLBBatch is the TLB work of a finished Consistency.
type TLBBatch struct {
	// Root is the page table root whose translations changed.
	Root hostarch.PhysAddr

	// Invalidations are the individual invalidations, valid unless All.
	Invalidations []Invalidation

	// All requests that every translation be dropped.
	All bool

	// Global is true if any changed translation was global.
	Global bool
}

// Empty returns true if the batch requires no work.
func (b *TLBBatch) Empty() bool {
	return !b.All && len(b.Invalidations) == 0
}

// Invalidator performs TLB invalidation on the machine's cores.
type Invalidator interface {
	// InvalidateLocal carries out b on the calling core only.
	InvalidateLocal(b *TLBBatch)

	// InvalidateGlobal carries out b on every core, broadcasting to the
	// others by inter-processor interrupt, and returns once all have
	// acknowledged.
	InvalidateGlobal(b *TLBBatch)
}

// SharedFrame is a frame with more than one owner. Releasing it drops one
// reference.
type SharedFrame interface {
	DecRef()
}

// tlbManager batches TLB invalidations for one root.
type tlbManager struct {
	root   hostarch.PhysAddr
	buf    [TLBBatchCapacity]Invalidation
	n      int
	full   bool
	global bool
}

func (t *tlbManager) enqueue(inv Invalidation) {
	if inv.Global {
		t.global = true
	}
	if t.full {
		return
	}
	if t.n == len(t.buf) {
		t.full = true
		return
	}
	t.buf[t.n] = inv
	t.n++
}

func (t *tlbManager) batch() *TLBBatch {
	b := &TLBBatch{Root: t.root, All: t.full, Global: t.global}
	if !t.full {
		b.Invalidations = append([]Invalidation(nil), t.buf[:t.n]...)
	}
	return b
}

func (t *tlbManager) reset() {
	t.n = 0
	t.full = false
	t.global = false
}

// cacheLineManager coalesces cache-line flushes: a flush of the line already
// pending is dropped, and a pending line is flushed when a different line is
// requested or the manager is finished.
type cacheLineManager struct {
	mem     *pgalloc.Memory
	line    hostarch.PhysAddr
	pending bool
}

func (cl *cacheLineManager) flush(p hostarch.PhysAddr) {
	line := p.CacheLine()
	if cl.pending && cl.line == line {
		return
	}
	cl.doFlush()
	cl.line = line
	cl.pending = true
}

func (cl *cacheLineManager) doFlush() {
	if cl.pending {
		cl.mem.FlushLine(cl.line)
		cl.pending = false
	}
}

// Consistency collects the TLB invalidations, cache-line flushes and frame
// releases required by modifications to one page table.
//
// A Consistency must be finished before any frame queued on it is reused;
// Finish performs the invalidations and returns the releases as a
// DeferredUnmappingOps. A Consistency is not safe for concurrent use.
type Consistency struct {
	tlb    tlbManager
	cl     cacheLineManager
	inv    Invalidator
	frames []pgalloc.FrameRef
	shared []SharedFrame
	mem    *pgalloc.Memory
}

// NewConsistency returns a Consistency for changes to the tables rooted at
// root. Invalidations are carried out through inv.
func NewConsistency(root hostarch.PhysAddr, mem *pgalloc.Memory, inv Invalidator) *Consistency {
	return &Consistency{
		tlb: tlbManager{root: root},
		cl:  cacheLineManager{mem: mem},
		inv: inv,
		mem: mem,
	}
}

// Root returns the page table root this Consistency is bound to.
func (c *Consistency) Root() hostarch.PhysAddr {
	return c.tlb.root
}

// Enqueue records the invalidation of addr's translation.
func (c *Consistency) Enqueue(addr hostarch.Addr, global, terminal bool, level int) {
	c.tlb.enqueue(Invalidation{Addr: addr, Global: global, Terminal: terminal, Level: level})
}

// InvalidateAll makes Finish drop every translation of the root.
func (c *Consistency) InvalidateAll() {
	c.tlb.full = true
}

// Full returns true if the batch overflowed into a full invalidation.
func (c *Consistency) Full() bool {
	return c.tlb.full
}

// Pending returns the number of individually queued invalidations.
func (c *Consistency) Pending() int {
	return c.tlb.n
}

// Flush records a cache-line flush of the line containing p.
func (c *Consistency) Flush(p hostarch.PhysAddr) {
	c.cl.flush(p)
}

// FreeFrame queues ref for release after invalidation. The frame is marked
// deferred immediately so that it cannot be handed out again.
func (c *Consistency) FreeFrame(ref pgalloc.FrameRef) {
	c.mem.Defer(ref)
	c.frames = append(c.frames, ref)
}

// FreeSharedFrame queues a reference to a shared frame for release after
// invalidation.
func (c *Consistency) FreeSharedFrame(f SharedFrame) {
	c.shared = append(c.shared, f)
}

// Finish carries out all queued invalidations and flushes, and returns the
// queued releases. Finishing a Consistency with nothing queued does no
// invalidation work. The Consistency may be reused afterward.
func (c *Consistency) Finish() *DeferredUnmappingOps {
	if b := c.tlb.batch(); !b.Empty() {
		if b.Global {
			c.inv.InvalidateGlobal(b)
		} else {
			c.inv.InvalidateLocal(b)
		}
	}
	c.tlb.reset()
	c.cl.doFlush()

	ops := &DeferredUnmappingOps{mem: c.mem, frames: c.frames, shared: c.shared}
	c.frames = nil
	c.shared = nil
	if !ops.empty() {
		runtime.SetFinalizer(ops, func(ops *DeferredUnmappingOps) {
			log.Warningf("DeferredUnmappingOps dropped with %d frames and %d shared frames queued", len(ops.frames), len(ops.shared))
		})
	}
	return ops
}

// DeferredUnmappingOps releases the frames of a finished Consistency. It must
// be run; dropping it leaks its frames.
type DeferredUnmappingOps struct {
	mem    *pgalloc.Memory
	frames []pgalloc.FrameRef
	shared []SharedFrame
}

func (d *DeferredUnmappingOps) empty() bool {
	return len(d.frames) == 0 && len(d.shared) == 0
}

// Frames returns the number of frames queued for release.
func (d *DeferredUnmappingOps) Frames() int {
	return len(d.frames) + len(d.shared)
}

// RunAll releases every queued frame.
func (d *DeferredUnmappingOps) RunAll() {
	runtime.SetFinalizer(d, nil)
	for _, ref := range d.frames {
		d.mem.Free(ref)
	}
	for _, f := range d.shared {
		f.DecRef()
	}
	d.frames = nil
	d.shared = nil
}

// String implements fmt.Stringer.String.
func (d *DeferredUnmappingOps) String() string {
	return fmt.Sprintf("DeferredUnmappingOps{%d frames, %d shared}", len(d.frames), len(d.shared))
}
