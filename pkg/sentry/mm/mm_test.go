// Copyright 2018 The gVisor Authors.
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

package mm

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/ring0/pagetables"
	"objmem.dev/objmem/pkg/sentry/obj"
	"objmem.dev/objmem/pkg/sentry/pgalloc"
)

var persistent = pager.ObjectInfo{Lifetime: pager.LifetimePersistent, DefProt: pager.ProtRead | pager.ProtWrite}

type nopInvalidator struct {
	batches int
}

func (n *nopInvalidator) InvalidateLocal(*pagetables.TLBBatch)  { n.batches++ }
func (n *nopInvalidator) InvalidateGlobal(*pagetables.TLBBatch) { n.batches++ }

// zeroSource fills missing pages with zeroed frames, as the pager does for
// pages that were never written.
type zeroSource struct {
	mem   *pgalloc.Memory
	calls int

	// during runs before each page is returned.
	during func()
}

func (z *zeroSource) GetPage(_ context.Context, o *obj.Object, pn uint64, write bool) (obj.PageResult, error) {
	z.calls++
	if z.during != nil {
		z.during()
	}
	if !o.Resident(pn) {
		ref, err := z.mem.Allocate(pgalloc.AllocOpts{Zero: true})
		if err != nil {
			return obj.PageResult{}, err
		}
		o.AddPage(pn, obj.NewPage(z.mem, ref))
	}
	return o.GetPage(z.mem, pn, write)
}

type env struct {
	mem *pgalloc.Memory
	mc  *MemoryContext
	inv *nopInvalidator
	src *zeroSource
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mem, err := pgalloc.New(pgalloc.Options{Frames: 64, Base: 0x100000})
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	mc, err := NewMemoryContext(mem)
	if err != nil {
		t.Fatalf("NewMemoryContext failed: %v", err)
	}
	return &env{mem: mem, mc: mc, inv: &nopInvalidator{}, src: &zeroSource{mem: mem}}
}

func (e *env) mapObject(t *testing.T, o *obj.Object, start hostarch.Addr, pages uint64, offset uint64, prot hostarch.AccessType) *MapRegion {
	t.Helper()
	r, err := e.mc.Map(MapRegion{
		Object: o,
		Offset: offset,
		Prot:   prot,
		Range:  hostarch.AddrRange{Start: start, End: start + hostarch.Addr(pages*hostarch.PageSize)},
	})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	return r
}

func (e *env) fault(va hostarch.Addr, cause FaultCause) error {
	return e.mc.HandleFault(context.Background(), e.src, e.inv, FaultInfo{Addr: va, Cause: cause, Flags: FaultUser})
}

func region(o *obj.Object, start, end hostarch.Addr, offset uint64) *MapRegion {
	return &MapRegion{Object: o, Offset: offset, Prot: hostarch.ReadWrite, Range: hostarch.AddrRange{Start: start, End: end}}
}

func TestRegionsDoNotOverlap(t *testing.T) {
	o := obj.New(pager.NewObjID(), persistent)
	rm := NewRegionManager()
	if err := rm.Insert(region(o, 0x10000, 0x20000, 0)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	for _, tc := range []struct {
		start, end hostarch.Addr
		wantErr    bool
	}{
		{start: 0x8000, end: 0x10000},
		{start: 0x20000, end: 0x21000},
		{start: 0xf000, end: 0x11000, wantErr: true},
		{start: 0x1f000, end: 0x30000, wantErr: true},
		{start: 0x12000, end: 0x13000, wantErr: true},
		{start: 0x0, end: 0x40000, wantErr: true},
	} {
		err := rm.Insert(region(o, tc.start, tc.end, 0))
		if gotErr := err != nil; gotErr != tc.wantErr {
			t.Errorf("Insert [%#x, %#x) = %v, want error %t", tc.start, tc.end, err, tc.wantErr)
		}
		if err != nil && !stderrors.Is(err, ErrOverlap) {
			t.Errorf("Insert error %v is not ErrOverlap", err)
		}
	}
	rs := rm.Regions()
	for i := 1; i < len(rs); i++ {
		if rs[i-1].Range.Overlaps(rs[i].Range) {
			t.Errorf("regions %v and %v overlap", rs[i-1], rs[i])
		}
	}
	if len(rs) != 3 {
		t.Errorf("got %d regions, want 3", len(rs))
	}
}

func TestRegionLookup(t *testing.T) {
	o := obj.New(pager.NewObjID(), persistent)
	rm := NewRegionManager()
	rm.Insert(region(o, 0x10000, 0x12000, 0))
	rm.Insert(region(o, 0x20000, 0x22000, 0x5000))
	for _, tc := range []struct {
		va     hostarch.Addr
		ok     bool
		pageNo uint64
	}{
		{va: 0xffff},
		{va: 0x10000, ok: true, pageNo: 0},
		{va: 0x11fff, ok: true, pageNo: 1},
		{va: 0x12000},
		{va: 0x21000, ok: true, pageNo: 6},
	} {
		r, ok := rm.Lookup(tc.va)
		if ok != tc.ok {
			t.Errorf("Lookup(%v) found %t, want %t", tc.va, ok, tc.ok)
			continue
		}
		if ok && r.PageNumber(tc.va) != tc.pageNo {
			t.Errorf("PageNumber(%v) = %d, want %d", tc.va, r.PageNumber(tc.va), tc.pageNo)
		}
	}
}

func TestRemoveRangeSplits(t *testing.T) {
	o := obj.New(pager.NewObjID(), persistent)
	rm := NewRegionManager()
	rm.Insert(region(o, 0x10000, 0x18000, 0x2000))

	removed := rm.RemoveRange(hostarch.AddrRange{Start: 0x12000, End: 0x14000})
	type span struct {
		Start, End hostarch.Addr
		Offset     uint64
	}
	spans := func(rs []*MapRegion) []span {
		var out []span
		for _, r := range rs {
			out = append(out, span{r.Range.Start, r.Range.End, r.Offset})
		}
		return out
	}
	if diff := cmp.Diff([]span{{0x12000, 0x14000, 0x4000}}, spans(removed)); diff != "" {
		t.Errorf("removed mismatch (-want +got):\n%s", diff)
	}
	want := []span{{0x10000, 0x12000, 0x2000}, {0x14000, 0x18000, 0x6000}}
	if diff := cmp.Diff(want, spans(rm.Regions())); diff != "" {
		t.Errorf("remaining mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, spans(rm.ObjectRegions(o.ID()))); diff != "" {
		t.Errorf("object index mismatch (-want +got):\n%s", diff)
	}
	rm.RemoveRange(hostarch.AddrRange{Start: 0, End: 0x100000})
	if rm.Len() != 0 || len(rm.ObjectRegions(o.ID())) != 0 {
		t.Errorf("regions left after removing everything: %v", rm.Regions())
	}
}

func TestFindGap(t *testing.T) {
	o := obj.New(pager.NewObjID(), persistent)
	rm := NewRegionManager()
	rm.Insert(region(o, 0x10000, 0x12000, 0))
	rm.Insert(region(o, 0x13000, 0x20000, 0))
	for _, tc := range []struct {
		length uint64
		want   hostarch.Addr
		ok     bool
	}{
		{length: 0x1000, want: 0x12000, ok: true},
		{length: 0x2000, want: 0x20000, ok: true},
		{length: 0x30000, ok: false},
	} {
		got, ok := rm.FindGap(0x10000, 0x40000, tc.length)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("FindGap(%#x) = %v, %t; want %v, %t", tc.length, got, ok, tc.want, tc.ok)
		}
	}
}

func TestFaultInstallsPage(t *testing.T) {
	e := newEnv(t)
	o := obj.New(pager.NewObjID(), persistent)
	e.mapObject(t, o, 0x400000, 4, 0x3000, hostarch.ReadWrite)

	if err := e.fault(0x401234, CauseRead); err != nil {
		t.Fatalf("read fault: %v", err)
	}
	st, ok := o.State(4)
	if !ok {
		t.Fatalf("page 4 not resident after fault")
	}
	pa, s, ok := e.mc.PageTables().Translate(0x401234)
	if !ok || pa != hostarch.PhysAddr(st.Addr)+0x234 {
		t.Fatalf("Translate = %v, %t; want %#x", pa, ok, st.Addr+0x234)
	}
	// Clean pages of persistent objects are mapped read-only.
	if s.Perms != hostarch.Read || !s.User() {
		t.Errorf("read fault mapped with %v, want user read-only", s)
	}

	if err := e.fault(0x401000, CauseWrite); err != nil {
		t.Fatalf("write fault: %v", err)
	}
	if _, s, _ := e.mc.PageTables().Translate(0x401000); s.Perms != hostarch.ReadWrite {
		t.Errorf("write fault mapped with %v, want read-write", s.Perms)
	}
	if diff := cmp.Diff([]uint64{4}, o.DirtyPages()); diff != "" {
		t.Errorf("DirtyPages mismatch (-want +got):\n%s", diff)
	}
	if got := e.mc.Stats(); got.Faults != 2 || got.Resident != 1 {
		t.Errorf("Stats() = %+v, want 2 faults and 1 resident page", got)
	}
}

func TestKernelFaultPanics(t *testing.T) {
	e := newEnv(t)
	defer func() {
		if recover() == nil {
			t.Errorf("kernel-mode fault did not panic")
		}
	}()
	e.mc.HandleFault(context.Background(), e.src, e.inv, FaultInfo{Addr: 0x1000, Cause: CauseRead})
}

func TestFaultNotification(t *testing.T) {
	e := newEnv(t)
	o := obj.New(pager.NewObjID(), persistent)
	e.mapObject(t, o, 0x400000, 1, 0, hostarch.Read)
	for _, tc := range []struct {
		name  string
		va    hostarch.Addr
		cause FaultCause
	}{
		{name: "unmapped", va: 0x800000, cause: CauseRead},
		{name: "write to read-only region", va: 0x400000, cause: CauseWrite},
		{name: "exec without permission", va: 0x400000, cause: CauseExec},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := e.fault(tc.va, tc.cause)
			var segv *SegvError
			if !stderrors.As(err, &segv) {
				t.Fatalf("fault = %v, want *SegvError", err)
			}
			if segv.Fault.Addr != tc.va || !stderrors.Is(err, errors.ErrFault) {
				t.Errorf("got %v", segv)
			}
		})
	}
	if e.src.calls != 0 {
		t.Errorf("page source called %d times for faults with no usable region", e.src.calls)
	}
}

func TestFaultRestartsWhenRegionChanges(t *testing.T) {
	e := newEnv(t)
	first := obj.New(pager.NewObjID(), persistent)
	second := obj.New(pager.NewObjID(), persistent)
	e.mapObject(t, first, 0x400000, 1, 0, hostarch.ReadWrite)

	e.src.during = func() {
		e.src.during = nil
		if err := e.mc.Unmap(e.inv, hostarch.AddrRange{Start: 0x400000, End: 0x401000}); err != nil {
			t.Errorf("Unmap failed: %v", err)
		}
		e.mapObject(t, second, 0x400000, 1, 0, hostarch.ReadWrite)
	}
	if err := e.fault(0x400000, CauseRead); err != nil {
		t.Fatalf("fault: %v", err)
	}
	if e.src.calls != 2 {
		t.Errorf("page source called %d times, want 2", e.src.calls)
	}
	st, ok := second.State(0)
	if !ok {
		t.Fatalf("page of the new mapping not resident")
	}
	if pa, _, _ := e.mc.PageTables().Translate(0x400000); pa != hostarch.PhysAddr(st.Addr) {
		t.Errorf("installed %v, want the new object's page at %#x", pa, st.Addr)
	}
	if got := e.mc.Stats().Restarts; got != 1 {
		t.Errorf("Restarts = %d, want 1", got)
	}
}

// evictingSource drops the page from its object after handing it out once,
// as a concurrent eviction would.
type evictingSource struct {
	*zeroSource
	evicted bool
}

func (s *evictingSource) GetPage(ctx context.Context, o *obj.Object, pn uint64, write bool) (obj.PageResult, error) {
	res, err := s.zeroSource.GetPage(ctx, o, pn, write)
	if err != nil || s.evicted {
		return res, err
	}
	s.evicted = true
	if p, ok := o.RemovePage(pn, true); ok {
		p.DecRef()
	}
	return res, nil
}

func TestFaultRestartsWhenPageEvicted(t *testing.T) {
	e := newEnv(t)
	o := obj.New(pager.NewObjID(), persistent)
	e.mapObject(t, o, 0x400000, 1, 0, hostarch.ReadWrite)

	src := &evictingSource{zeroSource: e.src}
	if err := e.mc.HandleFault(context.Background(), src, e.inv, FaultInfo{Addr: 0x400000, Cause: CauseRead, Flags: FaultUser}); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	st, ok := o.State(0)
	if !ok {
		t.Fatalf("page not resident after the fault")
	}
	if pa, _, _ := e.mc.PageTables().Translate(0x400000); pa != hostarch.PhysAddr(st.Addr) {
		t.Errorf("installed %v, want the resident page at %#x", pa, st.Addr)
	}
	if got := e.mc.Stats().Restarts; got != 1 {
		t.Errorf("Restarts = %d, want 1", got)
	}
}

func TestCopyOnWriteFault(t *testing.T) {
	e := newEnv(t)
	src := obj.New(pager.NewObjID(), persistent)
	dst := obj.New(pager.NewObjID(), persistent)
	e.mapObject(t, dst, 0x400000, 1, 0, hostarch.ReadWrite)
	ref, err := e.mem.Allocate(pgalloc.AllocOpts{Zero: true})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	shared := obj.NewPage(e.mem, ref)
	src.AddPage(0, shared)
	if _, err := dst.ShareFrom(src, 0, 0, 1); err != nil {
		t.Fatalf("ShareFrom failed: %v", err)
	}

	if err := e.fault(0x400000, CauseRead); err != nil {
		t.Fatalf("read fault: %v", err)
	}
	pa, s, _ := e.mc.PageTables().Translate(0x400000)
	if pa != shared.Addr() || s.Perms.Write {
		t.Errorf("shared page mapped at %v with %v, want %v without write", pa, s.Perms, shared.Addr())
	}

	if err := e.fault(0x400000, CauseWrite); err != nil {
		t.Fatalf("write fault: %v", err)
	}
	pa, s, _ = e.mc.PageTables().Translate(0x400000)
	if pa == shared.Addr() || !s.Perms.Write {
		t.Errorf("after write, mapped %v with %v; want a private writable copy", pa, s.Perms)
	}
	// Only the source object holds the shared page now.
	if got := shared.ReadRefs(); got != 1 {
		t.Errorf("shared page has %d references, want 1", got)
	}
}

func TestUnmapReleasesPages(t *testing.T) {
	e := newEnv(t)
	o := obj.New(pager.NewObjID(), persistent)
	e.mapObject(t, o, 0x400000, 4, 0, hostarch.ReadWrite)
	for i := 0; i < 4; i++ {
		if err := e.fault(0x400000+hostarch.Addr(i)*hostarch.PageSize, CauseRead); err != nil {
			t.Fatalf("fault: %v", err)
		}
	}
	if n := e.mc.UnmapObjectPages(e.inv, o.ID(), 1, 2); n != 2 {
		t.Errorf("UnmapObjectPages removed %d pages, want 2", n)
	}
	if _, _, ok := e.mc.PageTables().Translate(0x401000); ok {
		t.Errorf("page 1 still mapped")
	}
	if _, ok := e.mc.Region(0x401000); !ok {
		t.Errorf("UnmapObjectPages removed the region")
	}

	if err := e.mc.Unmap(e.inv, hostarch.AddrRange{Start: 0x400000, End: 0x404000}); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	for _, pn := range o.ResidentPages() {
		p, ok := o.RemovePage(pn, true)
		if !ok {
			t.Fatalf("RemovePage(%d) failed", pn)
		}
		if got := p.ReadRefs(); got != 1 {
			t.Errorf("page %d has %d references after unmap, want 1", pn, got)
		}
		p.DecRef()
	}
	if got := e.mc.Stats().Resident; got != 0 {
		t.Errorf("Resident = %d after unmapping everything", got)
	}
	if e.mc.MapsObject(o.ID()) {
		t.Errorf("object still mapped")
	}
}

func TestRelease(t *testing.T) {
	e := newEnv(t)
	o := obj.New(pager.NewObjID(), persistent)
	e.mapObject(t, o, 0x400000, 1, 0, hostarch.ReadWrite)
	if err := e.fault(0x400000, CauseWrite); err != nil {
		t.Fatalf("fault: %v", err)
	}
	e.mc.Release(e.inv)
	for _, p := range o.Kill() {
		p.DecRef()
	}
	if got := e.mem.Stats().Allocated; got != 0 {
		t.Errorf("%d frames still allocated after Release", got)
	}
	if _, err := e.mc.Map(MapRegion{Object: o, Prot: hostarch.Read, Range: hostarch.AddrRange{Start: 0x400000, End: 0x401000}}); err == nil {
		t.Errorf("Map succeeded on a released context")
	}
}
