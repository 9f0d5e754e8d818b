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

// Package pgalloc contains the physical memory of the simulated machine and
// its frame allocator.
//
// Physical memory is an anonymous host mapping divided into frames of
// hostarch.PageSize bytes. Frames are addressed by FrameRef, an index into
// the frame arena paired with the generation of the frame's current
// allocation, so that a stale reference to a frame that has since been freed
// and reallocated is detected instead of silently aliasing new data.
//
// Every frame carries an explicit state. A frame moves Free -> Allocated ->
// Deferred -> Free when it is unmapped: Deferred frames are borrowed by a
// deferred-release list until the TLB invalidation that covers them has
// completed, and are never handed out while in that state. Frames that belong
// to the pager's memory pool move Reserved -> Allocated -> Deferred -> Reserved
// instead, and are reported to the pool releaser when they come back.
package pgalloc

import (
	"fmt"

	"golang.org/x/sys/unix"

	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/log"
	"objmem.dev/objmem/pkg/sync"
)

// FrameState is the ownership state of a frame.
type FrameState uint8

const (
	// FrameFree frames are on the free list.
	FrameFree FrameState = iota

	// FrameAllocated frames are owned by exactly one user: a page table, an
	// object page or the kernel.
	FrameAllocated

	// FrameDeferred frames have been released by their owner but are
	// borrowed by a deferred-release list until TLB invalidation finishes.
	FrameDeferred

	// FrameReserved frames belong to a pool outside the general allocator,
	// such as the pager's memory.
	FrameReserved
)

// String implements fmt.Stringer.String.
func (s FrameState) String() string {
	switch s {
	case FrameFree:
		return "free"
	case FrameAllocated:
		return "allocated"
	case FrameDeferred:
		return "deferred"
	case FrameReserved:
		return "reserved"
	default:
		return fmt.Sprintf("FrameState(%d)", s)
	}
}

// Pool identifies where a frame returns when freed.
type Pool uint8

const (
	// PoolGeneral frames return to the free list.
	PoolGeneral Pool = iota

	// PoolPager frames return to the pager's memory.
	PoolPager
)

// FrameRef is a generation-checked reference to a frame.
//
// The zero FrameRef is invalid.
type FrameRef struct {
	index uint32
	gen   uint32
}

// Valid returns true if r was returned by an allocation.
func (r FrameRef) Valid() bool {
	return r.gen != 0
}

// String implements fmt.Stringer.String.
func (r FrameRef) String() string {
	return fmt.Sprintf("frame#%d.%d", r.index, r.gen)
}

// frame is an arena entry.
type frame struct {
	// gen is incremented every time the frame leaves the free or reserved
	// state. Generation 0 is never used.
	gen   uint32
	state FrameState
	pool  Pool
}

// AllocOpts are options to Allocate.
type AllocOpts struct {
	// Zero requests that the frame be zero filled.
	Zero bool
}

// ErrNoMemory is returned when no free frame is available.
var ErrNoMemory = errors.New(errors.CodeNoMemory, "out of physical memory")

// Options configure a Memory.
type Options struct {
	// Frames is the number of frames of physical memory.
	Frames int

	// Base is the physical address of the first frame. It must be page
	// aligned. A non-zero base keeps physical address 0 invalid.
	Base hostarch.PhysAddr
}

// Stats is a snapshot of frame accounting.
type Stats struct {
	Total     int
	Free      int
	Allocated int
	Deferred  int
	Reserved  int
	Flushes   uint64
}

// Memory is the machine's physical memory and frame allocator.
type Memory struct {
	base hostarch.PhysAddr
	data []byte

	mu sync.Mutex

	// frames is the frame arena, indexed by frame number.
	//
	// +checklocks:mu
	frames []frame

	// freeList is a stack of free frame numbers.
	//
	// +checklocks:mu
	freeList []uint32

	// reserved counts FrameReserved frames.
	//
	// +checklocks:mu
	reserved int

	// deferred counts FrameDeferred frames.
	//
	// +checklocks:mu
	deferred int

	// releaser is called with the address of every pool frame that returns
	// to its pool. It must not call back into Memory.
	releaser func(Pool, hostarch.PhysAddr)

	flushes flushCounter
}

// New allocates physical memory.
func New(opts Options) (*Memory, error) {
	if opts.Frames <= 0 {
		return nil, fmt.Errorf("invalid frame count %d", opts.Frames)
	}
	if !opts.Base.IsPageAligned() {
		return nil, fmt.Errorf("physical base %v is not page aligned", opts.Base)
	}
	size := uint64(opts.Frames) * hostarch.PageSize
	if _, err := opts.Base.Add(size); err != nil {
		return nil, err
	}
	// The host page size may exceed the frame size; round the mapping.
	hostPage := uint64(unix.Getpagesize())
	mapLen := (size + hostPage - 1) &^ (hostPage - 1)
	data, err := unix.Mmap(-1, 0, int(mapLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of physical memory: %w", mapLen, err)
	}
	m := &Memory{
		base:     opts.Base,
		data:     data[:size],
		frames:   make([]frame, opts.Frames),
		freeList: make([]uint32, 0, opts.Frames),
	}
	// Push in reverse so that low frames are allocated first.
	for i := opts.Frames - 1; i >= 0; i-- {
		m.freeList = append(m.freeList, uint32(i))
	}
	log.Debugf("Physical memory: %d frames at %v", opts.Frames, opts.Base)
	return m, nil
}

// Close releases the host mapping backing m. m must not be used afterward.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	data := m.data[:cap(m.data)]
	m.data = nil
	return unix.Munmap(data)
}

// SetReleaser installs the function told about pool frames returning to
// their pool. It must be called before any pool frame is freed.
func (m *Memory) SetReleaser(fn func(Pool, hostarch.PhysAddr)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaser = fn
}

// Range returns the physical address range of m.
func (m *Memory) Range() hostarch.PhysRange {
	return hostarch.PhysRange{Start: m.base, End: m.base + hostarch.PhysAddr(len(m.frames))*hostarch.PageSize}
}

// Allocate allocates a single frame from the general pool.
func (m *Memory) Allocate(opts AllocOpts) (FrameRef, error) {
	m.mu.Lock()
	n := len(m.freeList)
	if n == 0 {
		m.mu.Unlock()
		return FrameRef{}, ErrNoMemory
	}
	idx := m.freeList[n-1]
	m.freeList = m.freeList[:n-1]
	f := &m.frames[idx]
	f.gen++
	if f.gen == 0 {
		f.gen = 1
	}
	f.state = FrameAllocated
	f.pool = PoolGeneral
	ref := FrameRef{index: idx, gen: f.gen}
	m.mu.Unlock()

	if opts.Zero {
		clear(m.frameBytes(idx))
	}
	return ref, nil
}

// Reserve moves n physically contiguous free frames into the given pool and
// returns their range. Reserved frames are handed out with Adopt.
func (m *Memory) Reserve(pool Pool, n int) (hostarch.PhysRange, error) {
	if n <= 0 || pool == PoolGeneral {
		return hostarch.PhysRange{}, fmt.Errorf("invalid reservation of %d frames for pool %d", n, pool)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run := 0
	for i := range m.frames {
		if m.frames[i].state != FrameFree {
			run = 0
			continue
		}
		run++
		if run < n {
			continue
		}
		first := i - n + 1
		for j := first; j <= i; j++ {
			m.frames[j].state = FrameReserved
			m.frames[j].pool = pool
		}
		m.removeFreeLocked(uint32(first), uint32(i))
		m.reserved += n
		start := m.frameAddr(uint32(first))
		return hostarch.PhysRange{Start: start, End: start + hostarch.PhysAddr(n)*hostarch.PageSize}, nil
	}
	return hostarch.PhysRange{}, ErrNoMemory
}

// removeFreeLocked drops frame numbers [first, last] from the free list.
//
// +checklocks:m.mu
func (m *Memory) removeFreeLocked(first, last uint32) {
	out := m.freeList[:0]
	for _, idx := range m.freeList {
		if idx < first || idx > last {
			out = append(out, idx)
		}
	}
	m.freeList = out
}

// Adopt takes ownership of the reserved frame at p, as happens when the pager
// supplies a page of data in its memory.
func (m *Memory) Adopt(p hostarch.PhysAddr) (FrameRef, error) {
	idx, err := m.index(p)
	if err != nil {
		return FrameRef{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &m.frames[idx]
	if f.state != FrameReserved {
		return FrameRef{}, fmt.Errorf("adopting frame %v in state %v", p, f.state)
	}
	f.gen++
	if f.gen == 0 {
		f.gen = 1
	}
	f.state = FrameAllocated
	m.reserved--
	return FrameRef{index: idx, gen: f.gen}, nil
}

// Defer marks an allocated frame as borrowed by a deferred-release list. The
// frame is not reusable until Free is called.
func (m *Memory) Defer(ref FrameRef) {
	m.mu.Lock()
	f, err := m.lookupLocked(ref)
	if err == nil && f.state != FrameAllocated {
		err = fmt.Errorf("deferring %v in state %v", ref, f.state)
	}
	if err != nil {
		m.mu.Unlock()
		panic(err.Error())
	}
	f.state = FrameDeferred
	m.deferred++
	m.mu.Unlock()
}

// Free returns an allocated or deferred frame to its pool.
func (m *Memory) Free(ref FrameRef) {
	m.mu.Lock()
	f, err := m.lookupLocked(ref)
	if err == nil && f.state != FrameAllocated && f.state != FrameDeferred {
		err = fmt.Errorf("freeing %v in state %v", ref, f.state)
	}
	if err != nil {
		m.mu.Unlock()
		panic(err.Error())
	}
	if f.state == FrameDeferred {
		m.deferred--
	}
	pool := f.pool
	releaser := m.releaser
	if pool == PoolGeneral {
		f.state = FrameFree
		m.freeList = append(m.freeList, ref.index)
	} else {
		f.state = FrameReserved
		m.reserved++
	}
	m.mu.Unlock()

	if pool != PoolGeneral && releaser != nil {
		releaser(pool, m.frameAddr(ref.index))
	}
}

// lookupLocked returns the arena entry for ref, or an error if ref is stale.
// Callers treat the error as a programming error and panic after dropping
// m.mu.
//
// +checklocks:m.mu
func (m *Memory) lookupLocked(ref FrameRef) (*frame, error) {
	if int(ref.index) >= len(m.frames) {
		return nil, fmt.Errorf("%v out of range", ref)
	}
	f := &m.frames[ref.index]
	if f.gen != ref.gen || ref.gen == 0 {
		return nil, fmt.Errorf("stale %v, frame is at generation %d", ref, f.gen)
	}
	return f, nil
}

// State returns the state of the frame referenced by ref, and false if ref
// is stale.
func (m *Memory) State(ref FrameRef) (FrameState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(ref.index) >= len(m.frames) || m.frames[ref.index].gen != ref.gen {
		return 0, false
	}
	return m.frames[ref.index].state, true
}

// StateAt returns the state of the frame at p.
func (m *Memory) StateAt(p hostarch.PhysAddr) (FrameState, error) {
	idx, err := m.index(p)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames[idx].state, nil
}

// PoolAt returns the pool and state of the frame at p.
func (m *Memory) PoolAt(p hostarch.PhysAddr) (Pool, FrameState, error) {
	idx, err := m.index(p)
	if err != nil {
		return 0, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames[idx].pool, m.frames[idx].state, nil
}

// RefAt returns the reference to the allocated or deferred frame at p.
func (m *Memory) RefAt(p hostarch.PhysAddr) (FrameRef, error) {
	idx, err := m.index(p)
	if err != nil {
		return FrameRef{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &m.frames[idx]
	if f.state != FrameAllocated && f.state != FrameDeferred {
		return FrameRef{}, fmt.Errorf("frame %v is %v", p, f.state)
	}
	return FrameRef{index: idx, gen: f.gen}, nil
}

// Addr returns the physical address of ref.
func (m *Memory) Addr(ref FrameRef) hostarch.PhysAddr {
	return m.frameAddr(ref.index)
}

func (m *Memory) frameAddr(idx uint32) hostarch.PhysAddr {
	return m.base + hostarch.PhysAddr(idx)<<hostarch.PageShift
}

func (m *Memory) index(p hostarch.PhysAddr) (uint32, error) {
	if !m.Range().Contains(p) {
		return 0, errors.Newf(errors.CodeFault, "physical address %v outside %v", p, m.Range())
	}
	return uint32((p - m.base) >> hostarch.PageShift), nil
}

func (m *Memory) frameBytes(idx uint32) []byte {
	off := uint64(idx) << hostarch.PageShift
	return m.data[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Bytes returns the bytes of physical memory [p, p+length). The range must
// not cross out of m.
func (m *Memory) Bytes(p hostarch.PhysAddr, length uint64) ([]byte, error) {
	end, err := p.Add(length)
	if err != nil {
		return nil, err
	}
	r := m.Range()
	if p < r.Start || end > r.End {
		return nil, errors.Newf(errors.CodeFault, "physical range P[%#x, %#x) outside %v", uint64(p), uint64(end), r)
	}
	off := uint64(p - m.base)
	return m.data[off : off+length : off+length], nil
}

// FrameBytes returns the contents of the frame referenced by ref.
func (m *Memory) FrameBytes(ref FrameRef) []byte {
	return m.frameBytes(ref.index)
}

// CopyFrame copies the contents of src into dst.
func (m *Memory) CopyFrame(dst, src FrameRef) {
	copy(m.frameBytes(dst.index), m.frameBytes(src.index))
}

// FlushLine writes back and invalidates the cache line containing p.
func (m *Memory) FlushLine(p hostarch.PhysAddr) {
	m.flushes.inc()
}

// Flushes returns the number of cache lines flushed so far.
func (m *Memory) Flushes() uint64 {
	return m.flushes.load()
}

// Stats returns a snapshot of frame accounting.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	free := len(m.freeList)
	return Stats{
		Total:     len(m.frames),
		Free:      free,
		Allocated: len(m.frames) - free - m.reserved - m.deferred,
		Deferred:  m.deferred,
		Reserved:  m.reserved,
		Flushes:   m.flushes.load(),
	}
}
