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
	"objmem.dev/objmem/pkg/sentry/pgalloc"
)

// PhysFrame is a run of physical memory offered by a PhysAddrProvider.
type PhysFrame struct {
	// Addr is the start of the run.
	Addr hostarch.PhysAddr

	// Len is the length of the run in bytes.
	Len uint64
}

// PhysAddrProvider supplies the physical memory that a Map operation
// installs.
type PhysAddrProvider interface {
	// Peek returns the next available physical run and the settings to map
	// it with, without consuming it. Repeated calls without Consume return
	// the same run.
	Peek() (PhysFrame, MappingSettings, error)

	// Consume advances past the first n bytes of the last peeked run.
	Consume(n uint64)
}

// ErrProviderExhausted is returned by Peek when the provider has no memory
// left to offer.
var ErrProviderExhausted = fmt.Errorf("physical address provider exhausted")

// Allocator is the frame allocator used by ZeroPageProvider.
type Allocator interface {
	Allocate(opts pgalloc.AllocOpts) (pgalloc.FrameRef, error)
	Free(ref pgalloc.FrameRef)
	Addr(ref pgalloc.FrameRef) hostarch.PhysAddr
}

// ZeroPageProvider allocates a fresh zeroed frame for every page. A frame
// that was peeked but never consumed is freed by Release, so a Map that fails
// partway leaks nothing.
type ZeroPageProvider struct {
	alloc    Allocator
	settings MappingSettings
	pending  pgalloc.FrameRef
	consumed []pgalloc.FrameRef
}

// NewZeroPageProvider returns a provider of zeroed frames from alloc, to be
// mapped with settings.
func NewZeroPageProvider(alloc Allocator, settings MappingSettings) *ZeroPageProvider {
	return &ZeroPageProvider{alloc: alloc, settings: settings}
}

// Peek implements PhysAddrProvider.Peek.
func (z *ZeroPageProvider) Peek() (PhysFrame, MappingSettings, error) {
	if !z.pending.Valid() {
		ref, err := z.alloc.Allocate(pgalloc.AllocOpts{Zero: true})
		if err != nil {
			return PhysFrame{}, MappingSettings{}, err
		}
		z.pending = ref
	}
	return PhysFrame{Addr: z.alloc.Addr(z.pending), Len: hostarch.PageSize}, z.settings, nil
}

// Consume implements PhysAddrProvider.Consume.
func (z *ZeroPageProvider) Consume(n uint64) {
	if !z.pending.Valid() || n != hostarch.PageSize {
		panic(fmt.Sprintf("consuming %#x bytes of a zero page provider with pending frame %v", n, z.pending))
	}
	z.consumed = append(z.consumed, z.pending)
	z.pending = pgalloc.FrameRef{}
}

// Consumed returns the frames that were mapped, in order. Ownership passes
// to the caller.
func (z *ZeroPageProvider) Consumed() []pgalloc.FrameRef {
	return z.consumed
}

// Release frees the frame peeked but not consumed, if any.
func (z *ZeroPageProvider) Release() {
	if z.pending.Valid() {
		z.alloc.Free(z.pending)
		z.pending = pgalloc.FrameRef{}
	}
}

// ContiguousProvider walks a caller-supplied contiguous physical range, such
// as device memory. It never allocates or frees.
type ContiguousProvider struct {
	next     hostarch.PhysAddr
	rem      uint64
	settings MappingSettings
}

// NewContiguousProvider returns a provider of [start, start+length).
func NewContiguousProvider(start hostarch.PhysAddr, length uint64, settings MappingSettings) (*ContiguousProvider, error) {
	if _, err := start.Add(length); err != nil {
		return nil, err
	}
	if !start.IsPageAligned() || length%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("contiguous range %v+%#x is not page aligned", start, length)
	}
	return &ContiguousProvider{next: start, rem: length, settings: settings}, nil
}

// Peek implements PhysAddrProvider.Peek.
func (c *ContiguousProvider) Peek() (PhysFrame, MappingSettings, error) {
	if c.rem == 0 {
		return PhysFrame{}, MappingSettings{}, ErrProviderExhausted
	}
	return PhysFrame{Addr: c.next, Len: c.rem}, c.settings, nil
}

// Consume implements PhysAddrProvider.Consume.
func (c *ContiguousProvider) Consume(n uint64) {
	if n > c.rem {
		panic(fmt.Sprintf("consuming %#x bytes with %#x remaining", n, c.rem))
	}
	c.next += hostarch.PhysAddr(n)
	c.rem -= n
}

// Remaining returns the number of bytes not yet consumed.
func (c *ContiguousProvider) Remaining() uint64 {
	return c.rem
}

// FrameProvider maps a single existing frame, such as an object page. It is
// consumed after one page.
type FrameProvider struct {
	ContiguousProvider
}

// NewFrameProvider returns a provider of the single page at pa.
func NewFrameProvider(pa hostarch.PhysAddr, settings MappingSettings) *FrameProvider {
	return &FrameProvider{ContiguousProvider{next: pa, rem: hostarch.PageSize, settings: settings}}
}
