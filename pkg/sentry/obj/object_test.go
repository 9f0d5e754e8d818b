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
	stderrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/sentry/pgalloc"
)

var (
	persistent = pager.ObjectInfo{Lifetime: pager.LifetimePersistent, DefProt: pager.ProtRead | pager.ProtWrite}
	volatile   = pager.ObjectInfo{Lifetime: pager.LifetimeVolatile, DefProt: pager.ProtRead | pager.ProtWrite}
)

func newMemory(t *testing.T, frames int) *pgalloc.Memory {
	t.Helper()
	mem, err := pgalloc.New(pgalloc.Options{Frames: frames})
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return mem
}

// fill adds page pn to o holding the byte b.
func fill(t *testing.T, mem *pgalloc.Memory, o *Object, pn uint64, b byte) *Page {
	t.Helper()
	ref, err := mem.Allocate(pgalloc.AllocOpts{})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	p := NewPage(mem, ref)
	for i := range p.Bytes() {
		p.Bytes()[i] = b
	}
	if !o.AddPage(pn, p) {
		t.Fatalf("AddPage(%d) did not install the page", pn)
	}
	return p
}

func get(t *testing.T, mem *pgalloc.Memory, o *Object, pn uint64, write bool) PageResult {
	t.Helper()
	res, err := o.GetPage(mem, pn, write)
	if err != nil {
		t.Fatalf("GetPage(%d, %t) failed: %v", pn, write, err)
	}
	return res
}

func TestGetPageNotPresent(t *testing.T) {
	mem := newMemory(t, 4)
	o := New(pager.NewObjID(), persistent)
	if _, err := o.GetPage(mem, 3, false); !stderrors.Is(err, ErrNotPresent) {
		t.Errorf("GetPage of a missing page = %v, want %v", err, ErrNotPresent)
	}
}

func TestDirtyTracking(t *testing.T) {
	mem := newMemory(t, 4)
	for _, tc := range []struct {
		name          string
		info          pager.ObjectInfo
		readWritable  bool
		dirtyAfterAdd bool
	}{
		{name: "persistent", info: persistent, readWritable: false, dirtyAfterAdd: false},
		{name: "volatile", info: volatile, readWritable: true, dirtyAfterAdd: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			o := New(pager.NewObjID(), tc.info)
			fill(t, mem, o, 0, 0)
			if got := len(o.DirtyPages()) == 1; got != tc.dirtyAfterAdd {
				t.Errorf("dirty after AddPage = %t, want %t", got, tc.dirtyAfterAdd)
			}
			res := get(t, mem, o, 0, false)
			res.Page.DecRef()
			if res.Writable != tc.readWritable {
				t.Errorf("read fault Writable = %t, want %t", res.Writable, tc.readWritable)
			}
			res = get(t, mem, o, 0, true)
			res.Page.DecRef()
			if !res.Writable {
				t.Errorf("write fault returned a read-only page")
			}
			if diff := cmp.Diff([]uint64{0}, o.DirtyPages()); diff != "" {
				t.Errorf("DirtyPages mismatch (-want +got):\n%s", diff)
			}
			if _, ok := o.RemovePage(0, false); ok {
				t.Fatalf("RemovePage removed a dirty page")
			}
			o.MarkClean(0, res.Page)
			p, ok := o.RemovePage(0, false)
			if !ok {
				t.Fatalf("RemovePage of a clean page failed")
			}
			p.DecRef()
		})
	}
}

func TestAddPageRace(t *testing.T) {
	mem := newMemory(t, 4)
	o := New(pager.NewObjID(), persistent)
	first := fill(t, mem, o, 1, 'a')
	ref, err := mem.Allocate(pgalloc.AllocOpts{})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if o.AddPage(1, NewPage(mem, ref)) {
		t.Fatalf("AddPage replaced a resident page")
	}
	if st, ok := mem.State(ref); ok && st != pgalloc.FrameFree {
		t.Errorf("losing frame is %v, want it freed", st)
	}
	res := get(t, mem, o, 1, false)
	defer res.Page.DecRef()
	if res.Page != first {
		t.Errorf("GetPage returned %v, want the first page %v", res.Page, first)
	}
	if got := o.Info().Pages; got != 2 {
		t.Errorf("Info().Pages = %d, want 2", got)
	}
}

func TestCopyOnWrite(t *testing.T) {
	mem := newMemory(t, 8)
	src := New(pager.NewObjID(), persistent)
	dst := New(pager.NewObjID(), persistent)
	orig := fill(t, mem, src, 0, 'x')

	if _, err := dst.ShareFrom(src, 0, 5, 1); err != nil {
		t.Fatalf("ShareFrom failed: %v", err)
	}
	for _, o := range []*Object{src, dst} {
		pn := uint64(0)
		if o == dst {
			pn = 5
		}
		st, _ := o.State(pn)
		if !st.CoW || st.Addr != uint64(orig.Addr()) {
			t.Errorf("%v page %d = %+v, want CoW at %v", o, pn, st, orig.Addr())
		}
		res := get(t, mem, o, pn, false)
		if res.Writable {
			t.Errorf("%v: shared page is writable", o)
		}
		res.Page.DecRef()
	}

	// The first write copies.
	res := get(t, mem, dst, 5, true)
	if !res.Copied || !res.Writable || res.Page == orig {
		t.Fatalf("first write: Copied %t, Writable %t, same page %t", res.Copied, res.Writable, res.Page == orig)
	}
	if res.Page.Bytes()[100] != 'x' {
		t.Errorf("copy holds %q, want 'x'", res.Page.Bytes()[100])
	}
	res.Page.Bytes()[100] = 'y'
	res.Page.DecRef()

	// The second write to the now private page does not.
	res = get(t, mem, dst, 5, true)
	if res.Copied {
		t.Errorf("second write copied again")
	}
	res.Page.DecRef()

	// The source is the only owner left, so its write just claims the page.
	res = get(t, mem, src, 0, true)
	if res.Copied || res.Page != orig {
		t.Errorf("source write: Copied %t, same page %t; want false, true", res.Copied, res.Page == orig)
	}
	if orig.Bytes()[100] != 'x' {
		t.Errorf("source page changed to %q by a write to the copy", orig.Bytes()[100])
	}
	res.Page.DecRef()
}

func TestShareFromMissingPage(t *testing.T) {
	mem := newMemory(t, 4)
	src := New(pager.NewObjID(), persistent)
	dst := New(pager.NewObjID(), persistent)
	fill(t, mem, src, 0, 0)
	if _, err := dst.ShareFrom(src, 0, 0, 2); !stderrors.Is(err, ErrNotPresent) {
		t.Errorf("ShareFrom with a missing page = %v, want %v", err, ErrNotPresent)
	}
	if dst.Resident(0) {
		t.Errorf("failed ShareFrom installed pages")
	}
}

func TestFrameReleasedWithLastReference(t *testing.T) {
	mem := newMemory(t, 4)
	o := New(pager.NewObjID(), volatile)
	p := fill(t, mem, o, 0, 0)
	res := get(t, mem, o, 0, false) // A mapping's reference.

	pages := o.Kill()
	if len(pages) != 1 || pages[0] != p {
		t.Fatalf("Kill returned %v, want [%v]", pages, p)
	}
	pages[0].DecRef()
	if got := mem.Stats().Allocated; got != 1 {
		t.Errorf("Allocated = %d while a mapping holds the page, want 1", got)
	}
	res.Page.DecRef()
	if got := mem.Stats().Allocated; got != 0 {
		t.Errorf("Allocated = %d after the last reference, want 0", got)
	}
	if _, err := o.GetPage(mem, 0, false); !stderrors.Is(err, ErrDead) {
		t.Errorf("GetPage on a deleted object = %v, want %v", err, ErrDead)
	}
}

func TestAge(t *testing.T) {
	mem := newMemory(t, 4)
	o := New(pager.NewObjID(), persistent)
	fill(t, mem, o, 0, 0)
	for i, want := range []bool{true, false} {
		ref, clean, ok := o.Age(0)
		if !ok || ref != want || !clean {
			t.Errorf("Age #%d = %t, %t, %t; want %t, true, true", i, ref, clean, ok, want)
		}
	}
	res := get(t, mem, o, 0, true)
	res.Page.DecRef()
	if ref, clean, _ := o.Age(0); !ref || clean {
		t.Errorf("Age after write = %t, %t; want true, false", ref, clean)
	}
}

func TestTable(t *testing.T) {
	tbl := NewTable()
	o := New(pager.NewObjID(), persistent)
	if got, ok := tbl.Register(o); !ok || got != o {
		t.Fatalf("Register = %v, %t", got, ok)
	}
	dup := New(o.ID(), volatile)
	if got, ok := tbl.Register(dup); ok || got != o {
		t.Errorf("Register of a duplicate id = %v, %t; want the original", got, ok)
	}
	if got, ok := tbl.Lookup(o.ID()); !ok || got != o {
		t.Errorf("Lookup = %v, %t", got, ok)
	}
	if _, ok := tbl.Remove(o.ID()); !ok {
		t.Errorf("Remove failed")
	}
	if _, ok := tbl.Lookup(o.ID()); ok {
		t.Errorf("Lookup found a removed object")
	}
}
