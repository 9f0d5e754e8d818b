// Copyright 2021 The gVisor Authors.
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

// Addr represents a virtual address.
//
// A valid Addr is canonical: bits 63 through VirtualAddressBits-1 are all
// equal. Addr values that are only ever range ends may be the first
// non-canonical address past the lower half; see AddrRange.
type Addr uintptr

const (
	// lowerHalfEnd is the first address past the canonical lower half.
	lowerHalfEnd = Addr(1) << (VirtualAddressBits - 1)

	// higherHalfStart is the first canonical address of the upper half.
	higherHalfStart = ^(lowerHalfEnd - 1)
)

// NewAddr validates v as a canonical virtual address.
func NewAddr(v uint64) (Addr, error) {
	a := Addr(v)
	if !a.IsCanonical() {
		return 0, fmt.Errorf("virtual address %#x is not canonical", v)
	}
	return a, nil
}

// IsCanonical returns true if v is a canonical address.
func (v Addr) IsCanonical() bool {
	return v < lowerHalfEnd || v >= higherHalfStart
}

// IsUser returns true if v lies in the lower, user-accessible half.
func (v Addr) IsUser() bool {
	return v < lowerHalfEnd
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
//
// Note: This function is usually used to get the end of an address range
// defined by its start address and length. Since the resulting end is
// exclusive, end == 0 is technically valid, and corresponds to a range that
// extends to the end of the address space, but ok will be false. This isn't
// expected to ever come up in practice.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the following check is needed in case uintptr is
	// smaller than 64 bits.
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// CanonicalAdd adds length to v and returns the result, failing if the
// addition overflows or the result leaves v's canonical half. The result may
// be the exclusive end of the lower half.
func (v Addr) CanonicalAdd(length uint64) (Addr, error) {
	end, ok := v.AddLength(length)
	if !ok {
		return 0, fmt.Errorf("%#x + %#x overflows", v, length)
	}
	if v.IsUser() {
		if end > lowerHalfEnd {
			return 0, fmt.Errorf("%#x + %#x leaves the lower half", v, length)
		}
	} else if !end.IsCanonical() && end != 0 {
		return 0, fmt.Errorf("%#x + %#x is not canonical", v, length)
	}
	return end, nil
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func (v Addr) AlignDown(align uint64) Addr {
	return v & ^Addr(align-1)
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
// ok is true iff rounding up did not wrap around.
func (v Addr) AlignUp(align uint64) (addr Addr, ok bool) {
	addr = Addr(v + Addr(align-1)).AlignDown(align)
	ok = addr >= v
	return
}

// IsAligned returns true if v is a multiple of align, a power of two.
func (v Addr) IsAligned(align uint64) bool {
	return v&Addr(align-1) == 0
}

// IsPageAligned returns true if v is aligned to a page boundary.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// AddrRange is a range of Addrs.
type AddrRange struct {
	// Start is the inclusive start of the range.
	Start Addr

	// End is the exclusive end of the range.
	End Addr
}

// WellFormed returns true if ar.Start <= ar.End.
func (ar AddrRange) WellFormed() bool {
	return ar.Start <= ar.End
}

// Length returns the length of the range.
func (ar AddrRange) Length() uint64 {
	return uint64(ar.End - ar.Start)
}

// Contains returns true if ar contains x.
func (ar AddrRange) Contains(x Addr) bool {
	return ar.Start <= x && x < ar.End
}

// Overlaps returns true if ar and ar2 overlap.
func (ar AddrRange) Overlaps(ar2 AddrRange) bool {
	return ar.Start < ar2.End && ar2.Start < ar.End
}

// IsSupersetOf returns true if ar is a superset of ar2; that is, the range ar2
// is contained within ar.
func (ar AddrRange) IsSupersetOf(ar2 AddrRange) bool {
	return ar.Start <= ar2.Start && ar.End >= ar2.End
}

// Intersect returns a range consisting of the intersection between ar and ar2.
// If ar and ar2 do not overlap, Intersect returns a range with unspecified
// bounds, but for which Length() == 0.
func (ar AddrRange) Intersect(ar2 AddrRange) AddrRange {
	if ar.Start < ar2.Start {
		ar.Start = ar2.Start
	}
	if ar.End > ar2.End {
		ar.End = ar2.End
	}
	if ar.End < ar.Start {
		ar.End = ar.Start
	}
	return ar
}

// IsPageAligned returns true if ar.Start.IsPageAligned() and
// ar.End.IsPageAligned().
func (ar AddrRange) IsPageAligned() bool {
	return ar.Start.IsPageAligned() && ar.End.IsPageAligned()
}

// String implements fmt.Stringer.String.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", ar.Start, ar.End)
}
