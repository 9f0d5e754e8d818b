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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/sentry/pgalloc"
)

const (
	pteSize = hostarch.PageSize
	pmdSize = hostarch.HugePageSize
	pudSize = hostarch.GiantPageSize

	lowerTopAligned = hostarch.Addr(0x00007f0000000000)
	deviceBase      = hostarch.PhysAddr(0x40_0000_0000)
)

var (
	rw    = MappingSettings{Perms: hostarch.ReadWrite, Flags: FlagUser}
	ro    = MappingSettings{Perms: hostarch.Read, Flags: FlagUser}
	kglob = MappingSettings{Perms: hostarch.ReadWrite, Flags: FlagGlobal}
)

// recordingInvalidator records every batch it is asked to carry out.
type recordingInvalidator struct {
	local  []*TLBBatch
	global []*TLBBatch
	// during, if set, is called while each batch is carried out.
	during func(*TLBBatch)
}

func (r *recordingInvalidator) InvalidateLocal(b *TLBBatch) {
	if r.during != nil {
		r.during(b)
	}
	r.local = append(r.local, b)
}

func (r *recordingInvalidator) InvalidateGlobal(b *TLBBatch) {
	if r.during != nil {
		r.during(b)
	}
	r.global = append(r.global, b)
}

type env struct {
	mem *pgalloc.Memory
	pt  *PageTables
	inv *recordingInvalidator
}

func newEnv(t *testing.T, frames int) *env {
	t.Helper()
	mem, err := pgalloc.New(pgalloc.Options{Frames: frames, Base: 0x100000})
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	pt, err := New(mem)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &env{mem: mem, pt: pt, inv: &recordingInvalidator{}}
}

func (e *env) consistency() *Consistency {
	return NewConsistency(e.pt.Root(), e.mem, e.inv)
}

func cursor(t *testing.T, start hostarch.Addr, length uint64) MappingCursor {
	t.Helper()
	c, err := NewCursor(start, length)
	if err != nil {
		t.Fatalf("NewCursor(%v, %#x) failed: %v", start, length, err)
	}
	return c
}

func (e *env) mapDevice(t *testing.T, va hostarch.Addr, length uint64, pa hostarch.PhysAddr, s MappingSettings) {
	t.Helper()
	p, err := NewContiguousProvider(pa, length, s)
	if err != nil {
		t.Fatalf("NewContiguousProvider failed: %v", err)
	}
	c := e.consistency()
	if err := e.pt.Map(c, cursor(t, va, length), p); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	c.Finish().RunAll()
}

type mapping struct {
	start    hostarch.Addr
	length   uint64
	addr     hostarch.PhysAddr
	settings MappingSettings
}

// checkMappings reads back every mapping in the lower half and compares it
// with want.
func checkMappings(t *testing.T, pt *PageTables, want []mapping) {
	t.Helper()
	var got []mapping
	r := pt.ReadMap(cursor(t, 0, uint64(lowerTopAligned)+pudSize))
	for {
		mi, ok := r.Next()
		if !ok {
			break
		}
		got = append(got, mapping{mi.Vaddr, mi.PageSize, mi.Paddr, mi.Settings})
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(mapping{})); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestAllUnmapped(t *testing.T) {
	e := newEnv(t, 16)
	checkMappings(t, e.pt, nil)
}

func Test4KAnd2M(t *testing.T) {
	e := newEnv(t, 16)
	e.mapDevice(t, 0x400000, pteSize, deviceBase+pteSize*42, rw)
	e.mapDevice(t, lowerTopAligned, pmdSize, deviceBase+pmdSize*47, ro)

	checkMappings(t, e.pt, []mapping{
		{0x400000, pteSize, deviceBase + pteSize*42, rw},
		{lowerTopAligned, pmdSize, deviceBase + pmdSize*47, ro},
	})
}

func Test1GAnd4K(t *testing.T) {
	e := newEnv(t, 16)
	e.mapDevice(t, 0x400000, pteSize, deviceBase+pteSize*42, rw)
	e.mapDevice(t, lowerTopAligned, pudSize, deviceBase+pudSize*3, ro)

	checkMappings(t, e.pt, []mapping{
		{0x400000, pteSize, deviceBase + pteSize*42, rw},
		{lowerTopAligned, pudSize, deviceBase + pudSize*3, ro},
	})
}

func TestMisalignedPhysicalUsesSmallPages(t *testing.T) {
	e := newEnv(t, 16)
	// The virtual range is 2M aligned but the physical one is not.
	e.mapDevice(t, lowerTopAligned, 2*pteSize, deviceBase+pteSize, rw)

	checkMappings(t, e.pt, []mapping{
		{lowerTopAligned, pteSize, deviceBase + pteSize, rw},
		{lowerTopAligned + pteSize, pteSize, deviceBase + 2*pteSize, rw},
	})
}

func TestSplit2MPage(t *testing.T) {
	e := newEnv(t, 16)
	e.mapDevice(t, lowerTopAligned, pmdSize, deviceBase+pmdSize*42, ro)

	c := e.consistency()
	e.pt.Unmap(c, cursor(t, lowerTopAligned+pteSize, pmdSize-2*pteSize))
	c.Finish().RunAll()

	checkMappings(t, e.pt, []mapping{
		{lowerTopAligned, pteSize, deviceBase + pmdSize*42, ro},
		{lowerTopAligned + pmdSize - pteSize, pteSize, deviceBase + pmdSize*42 + pmdSize - pteSize, ro},
	})
}

func TestSplit1GPage(t *testing.T) {
	e := newEnv(t, 16)
	e.mapDevice(t, lowerTopAligned, pudSize, deviceBase+pudSize*2, ro)

	c := e.consistency()
	e.pt.Unmap(c, cursor(t, lowerTopAligned+pteSize, pudSize-2*pteSize))
	c.Finish().RunAll()

	checkMappings(t, e.pt, []mapping{
		{lowerTopAligned, pteSize, deviceBase + pudSize*2, ro},
		{lowerTopAligned + pudSize - pteSize, pteSize, deviceBase + pudSize*2 + pudSize - pteSize, ro},
	})
}

func TestUnmapReleasesTables(t *testing.T) {
	e := newEnv(t, 16)
	before := e.mem.Stats().Free
	e.mapDevice(t, 0x400000, 4*pteSize, deviceBase, rw)
	if got := e.pt.TableFrames(); got != 4 {
		t.Errorf("TableFrames after mapping = %d, want 4", got)
	}

	c := e.consistency()
	e.pt.Unmap(c, cursor(t, 0x400000, 4*pteSize))
	if got := e.mem.Stats().Deferred; got != 3 {
		t.Errorf("deferred frames before Finish = %d, want 3", got)
	}
	c.Finish().RunAll()

	if got := e.pt.TableFrames(); got != 1 {
		t.Errorf("TableFrames after unmapping = %d, want 1", got)
	}
	if got := e.mem.Stats().Free; got != before {
		t.Errorf("free frames = %d, want %d", got, before)
	}
	checkMappings(t, e.pt, nil)
}

func TestChangeSettings(t *testing.T) {
	e := newEnv(t, 16)
	e.mapDevice(t, 0x400000, 2*pteSize, deviceBase, rw)

	c := e.consistency()
	if err := e.pt.Change(c, cursor(t, 0x401000, pteSize), ro); err != nil {
		t.Fatalf("Change failed: %v", err)
	}
	if got := c.Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}
	c.Finish().RunAll()
	if len(e.inv.local) != 1 || len(e.inv.global) != 0 {
		t.Fatalf("got %d local and %d global batches, want 1 local", len(e.inv.local), len(e.inv.global))
	}
	want := []Invalidation{{Addr: 0x401000, Terminal: true}}
	if diff := cmp.Diff(want, e.inv.local[0].Invalidations); diff != "" {
		t.Errorf("invalidations mismatch (-want +got):\n%s", diff)
	}

	checkMappings(t, e.pt, []mapping{
		{0x400000, pteSize, deviceBase, rw},
		{0x401000, pteSize, deviceBase + pteSize, ro},
	})

	pa, s, ok := e.pt.Translate(0x401234)
	if !ok || pa != deviceBase+pteSize+0x234 || s.Perms.Write {
		t.Errorf("Translate(0x401234) = %v, %v, %v", pa, s, ok)
	}
}

func TestRemapInvalidatesOldTranslation(t *testing.T) {
	e := newEnv(t, 16)
	e.mapDevice(t, 0x400000, pteSize, deviceBase, ro)
	e.inv.local = nil

	c := e.consistency()
	if err := e.pt.Map(c, cursor(t, 0x400000, pteSize), NewFrameProvider(deviceBase+pteSize, rw)); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	c.Finish().RunAll()
	if len(e.inv.local) != 1 {
		t.Fatalf("got %d local batches, want 1", len(e.inv.local))
	}
	checkMappings(t, e.pt, []mapping{{0x400000, pteSize, deviceBase + pteSize, rw}})
}

func TestZeroPagesDoNotLeakOnFailure(t *testing.T) {
	// Root, three intermediate tables and four data frames.
	e := newEnv(t, 8)
	before := e.mem.Stats()

	z := NewZeroPageProvider(e.mem, rw)
	c := e.consistency()
	err := e.pt.Map(c, cursor(t, 0x400000, 16*pteSize), z)
	if !errors.Is(err, pgalloc.ErrNoMemory) {
		t.Fatalf("Map returned %v, want %v", err, pgalloc.ErrNoMemory)
	}
	z.Release()
	mapped := len(z.Consumed())
	if mapped != 4 {
		t.Errorf("mapped %d pages, want 4", mapped)
	}
	for _, ref := range z.Consumed() {
		if b := e.mem.FrameBytes(ref); b[0] != 0 || b[hostarch.PageSize-1] != 0 {
			t.Errorf("frame %v is not zeroed", ref)
		}
	}

	if err := e.pt.UnmapAndFree(c, cursor(t, 0x400000, 16*pteSize)); err != nil {
		t.Fatalf("UnmapAndFree failed: %v", err)
	}
	c.Finish().RunAll()
	if got := e.mem.Stats(); got.Free != before.Free {
		t.Errorf("free frames = %d, want %d", got.Free, before.Free)
	}
}

func TestReleaseFreesEverything(t *testing.T) {
	e := newEnv(t, 16)
	total := e.mem.Stats().Free + 1
	e.mapDevice(t, 0x400000, pteSize, deviceBase, rw)
	e.mapDevice(t, lowerTopAligned, pteSize, deviceBase, rw)

	c := e.consistency()
	e.pt.Release(c)
	if !c.Full() {
		t.Errorf("Release did not request a full invalidation")
	}
	c.Finish().RunAll()
	if got := e.mem.Stats().Free; got != total {
		t.Errorf("free frames = %d, want %d", got, total)
	}
}

func TestCursorAdvance(t *testing.T) {
	c := cursor(t, 0x1000, 3*pteSize)
	var starts []hostarch.Addr
	for {
		starts = append(starts, c.Start())
		if !c.Advance(pteSize) {
			break
		}
	}
	if diff := cmp.Diff([]hostarch.Addr{0x1000, 0x2000, 0x3000}, starts); diff != "" {
		t.Errorf("cursor starts mismatch (-want +got):\n%s", diff)
	}
	if !c.Done() {
		t.Errorf("cursor not done: %v", c)
	}

	// Advancing by a large page from inside it moves to its end.
	c = cursor(t, 0x1ff000, 2*pteSize)
	if !c.Advance(pmdSize) || c.Start() != 0x200000 || c.Len() != pteSize {
		t.Errorf("after large advance cursor = %v", c)
	}

	for _, tc := range []struct {
		start  hostarch.Addr
		length uint64
	}{
		{0x1001, pteSize},
		{0x1000, 100},
		{0x0000_8000_0000_0000, pteSize},
		{0x0000_7fff_ffff_f000, 2 * pteSize},
	} {
		if _, err := NewCursor(tc.start, tc.length); err == nil {
			t.Errorf("NewCursor(%v, %#x) succeeded", tc.start, tc.length)
		}
	}
}

func TestEntrySettingsRoundTrip(t *testing.T) {
	for _, s := range []MappingSettings{
		rw, ro, kglob,
		{Perms: hostarch.ReadExecute, Flags: FlagUser},
		{Perms: hostarch.ReadWrite, Cache: hostarch.MemoryTypeUncached},
		{Perms: hostarch.Read, Cache: hostarch.MemoryTypeWriteCombine, Flags: FlagGlobal},
		{Perms: hostarch.ReadWrite, Cache: hostarch.MemoryTypeWriteThrough, Flags: FlagUser},
	} {
		for _, level := range []int{0, 1, 2} {
			e := leafEntry(deviceBase, s, level)
			if !e.Present() || !e.IsLeaf(level) || e.Address() != deviceBase {
				t.Errorf("leafEntry(%v, level %d) = %#x is malformed", s, level, uint64(e))
			}
			if got := e.Settings(); got != s {
				t.Errorf("leafEntry(%v, level %d).Settings() = %v", s, level, got)
			}
		}
	}
	te := tableEntry(deviceBase)
	if !te.Present() || te.IsLeaf(1) || te.Address() != deviceBase {
		t.Errorf("tableEntry = %#x is malformed", uint64(te))
	}
}
