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

package hostarch

import (
	"fmt"
)

// PhysAddr is a physical address.
type PhysAddr uint64

// MaxPhysAddr is one past the largest physical address the machine supports.
const MaxPhysAddr = PhysAddr(1) << PhysicalAddressBits

// NewPhysAddr validates v as a physical address.
func NewPhysAddr(v uint64) (PhysAddr, error) {
	if PhysAddr(v) >= MaxPhysAddr {
		return 0, fmt.Errorf("physical address %#x exceeds %d bits", v, PhysicalAddressBits)
	}
	return PhysAddr(v), nil
}

// Add returns p+length, failing if the result exceeds MaxPhysAddr. The result
// may equal MaxPhysAddr when it is used as an exclusive end.
func (p PhysAddr) Add(length uint64) (PhysAddr, error) {
	end := p + PhysAddr(length)
	if end < p || end > MaxPhysAddr {
		return 0, fmt.Errorf("%#x + %#x exceeds the physical address space", uint64(p), length)
	}
	return end, nil
}

// Sub returns p-length, failing on underflow.
func (p PhysAddr) Sub(length uint64) (PhysAddr, error) {
	if uint64(p) < length {
		return 0, fmt.Errorf("%#x - %#x underflows", uint64(p), length)
	}
	return p - PhysAddr(length), nil
}

// RoundDown returns p rounded down to a page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p &^ PhysAddr(PageSize-1)
}

// RoundUp returns p rounded up to a page boundary. ok is false on overflow.
func (p PhysAddr) RoundUp() (PhysAddr, bool) {
	r := (p + PageSize - 1).RoundDown()
	return r, r >= p
}

// AlignDown rounds p down to a multiple of align, which must be a power of
// two.
func (p PhysAddr) AlignDown(align uint64) PhysAddr {
	return p &^ PhysAddr(align-1)
}

// IsAligned returns true if p is a multiple of align, a power of two.
func (p PhysAddr) IsAligned(align uint64) bool {
	return p&PhysAddr(align-1) == 0
}

// IsPageAligned returns true if p is page aligned.
func (p PhysAddr) IsPageAligned() bool {
	return p.IsAligned(PageSize)
}

// CacheLine returns the address of the cache line containing p.
func (p PhysAddr) CacheLine() PhysAddr {
	return p.AlignDown(CacheLineSize)
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("P%#x", uint64(p))
}

// PhysRange is a range of physical addresses [Start, End).
type PhysRange struct {
	Start PhysAddr
	End   PhysAddr
}

// Length returns the length of the range.
func (r PhysRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if r contains p.
func (r PhysRange) Contains(p PhysAddr) bool {
	return r.Start <= p && p < r.End
}

// Pages returns the number of pages in the range.
func (r PhysRange) Pages() uint64 {
	return r.Length() >> PageShift
}

// String implements fmt.Stringer.String.
func (r PhysRange) String() string {
	return fmt.Sprintf("P[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
