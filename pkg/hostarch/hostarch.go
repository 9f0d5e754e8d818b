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

// Package hostarch describes the simulated machine's architecture: page
// sizes, physical and virtual addresses, and access and memory types.
//
// The target is a 64-bit machine with 4-level page tables, 4K base pages and
// 2M and 1G large pages. Virtual addresses are 48-bit sign-extended.
package hostarch

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the 2M large page size.
	HugePageShift = 21

	// HugePageSize is the 2M large page size.
	HugePageSize = 1 << HugePageShift

	// GiantPageShift is the binary log of the 1G large page size.
	GiantPageShift = 30

	// GiantPageSize is the 1G large page size.
	GiantPageSize = 1 << GiantPageShift

	// CacheLineShift is the binary log of the cache line size.
	CacheLineShift = 6

	// CacheLineSize is the size of a cache line, the unit of cache flushes.
	CacheLineSize = 1 << CacheLineShift

	// VirtualAddressBits is the number of significant virtual address bits.
	VirtualAddressBits = 48

	// PhysicalAddressBits is the number of physical address bits.
	PhysicalAddressBits = 52
)

// PageSizes lists the supported page sizes, largest first.
var PageSizes = [...]uint64{GiantPageSize, HugePageSize, PageSize}
