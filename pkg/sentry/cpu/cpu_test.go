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

package cpu

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/ring0/pagetables"
	"objmem.dev/objmem/pkg/sentry/pgalloc"
)

var (
	userRW = pagetables.MappingSettings{Perms: hostarch.ReadWrite, Flags: pagetables.FlagUser}
	userRO = pagetables.MappingSettings{Perms: hostarch.Read, Flags: pagetables.FlagUser}
	global = pagetables.MappingSettings{Perms: hostarch.ReadWrite, Flags: pagetables.FlagGlobal}
)

type env struct {
	mem *pgalloc.Memory
	m   *Machine
	pt  *pagetables.PageTables
}

func newEnv(t *testing.T, cores, tlbEntries int) *env {
	t.Helper()
	mem, err := pgalloc.New(pgalloc.Options{Frames: 64, Base: 0x200000})
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	m, err := NewMachine(mem, cores, tlbEntries)
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	m.Start(context.Background())
	t.Cleanup(func() {
		if err := m.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	pt, err := pagetables.New(mem)
	if err != nil {
		t.Fatalf("pagetables.New failed: %v", err)
	}
	return &env{mem: mem, m: m, pt: pt}
}

// mapPage maps a fresh frame at va and returns its address.
func (e *env) mapPage(t *testing.T, c *Core, va hostarch.Addr, s pagetables.MappingSettings) hostarch.PhysAddr {
	t.Helper()
	ref, err := e.mem.Allocate(pgalloc.AllocOpts{Zero: true})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	pa := e.mem.Addr(ref)
	e.apply(t, c, func(cons *pagetables.Consistency, cur pagetables.MappingCursor) error {
		return e.pt.Map(cons, cur, pagetables.NewFrameProvider(pa, s))
	}, va)
	return pa
}

func (e *env) apply(t *testing.T, c *Core, op func(*pagetables.Consistency, pagetables.MappingCursor) error, va hostarch.Addr) {
	t.Helper()
	cur, err := pagetables.NewCursor(va, hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewCursor failed: %v", err)
	}
	cons := pagetables.NewConsistency(e.pt.Root(), e.mem, c)
	if err := op(cons, cur); err != nil {
		t.Fatalf("page table operation failed: %v", err)
	}
	cons.Finish().RunAll()
}

func (e *env) unmap(t *testing.T, c *Core, va hostarch.Addr) {
	e.apply(t, c, func(cons *pagetables.Consistency, cur pagetables.MappingCursor) error {
		e.pt.Unmap(cons, cur)
		return nil
	}, va)
}

func TestTranslateFillsTLB(t *testing.T) {
	e := newEnv(t, 1, 0)
	c := e.m.Core(0)
	pa := e.mapPage(t, c, 0x400000, userRW)

	for i := 0; i < 2; i++ {
		got, err := c.Translate(e.pt, 0x400123, hostarch.Read, true)
		if err != nil {
			t.Fatalf("Translate failed: %v", err)
		}
		if want := pa + 0x123; got != want {
			t.Errorf("Translate = %v, want %v", got, want)
		}
	}
	s := c.Stats()
	if s.TLBMisses != 1 || s.TLBHits != 1 {
		t.Errorf("got %d misses and %d hits, want 1 and 1", s.TLBMisses, s.TLBHits)
	}
}

func TestTranslateFaults(t *testing.T) {
	e := newEnv(t, 1, 0)
	c := e.m.Core(0)
	e.mapPage(t, c, 0x400000, userRO)
	e.mapPage(t, c, 0x500000, global)

	for _, tc := range []struct {
		name   string
		va     hostarch.Addr
		access hostarch.AccessType
		user   bool
		want   Fault
	}{
		{
			name:   "unmapped",
			va:     0x600000,
			access: hostarch.Read,
			user:   true,
			want:   Fault{Addr: 0x600000, Access: hostarch.Read, User: true},
		},
		{
			name:   "write to read-only",
			va:     0x400008,
			access: hostarch.Write,
			user:   true,
			want:   Fault{Addr: 0x400008, Access: hostarch.Write, Present: true, User: true},
		},
		{
			name:   "user access to kernel page",
			va:     0x500000,
			access: hostarch.Read,
			user:   true,
			want:   Fault{Addr: 0x500000, Access: hostarch.Read, Present: true, User: true},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Translate(e.pt, tc.va, tc.access, tc.user)
			var f *Fault
			if !stderrors.As(err, &f) {
				t.Fatalf("Translate = %v, want *Fault", err)
			}
			if diff := cmp.Diff(tc.want, *f); diff != "" {
				t.Errorf("fault mismatch (-want +got):\n%s", diff)
			}
			if !stderrors.Is(err, errors.ErrFault) {
				t.Errorf("errors.Is(%v, ErrFault) = false", err)
			}
		})
	}
}

func TestRaisedPermissionsRewalk(t *testing.T) {
	e := newEnv(t, 1, 0)
	c := e.m.Core(0)
	e.mapPage(t, c, 0x400000, userRO)
	if _, err := c.Translate(e.pt, 0x400000, hostarch.Read, true); err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	// Upgrade the mapping in place, as the fault handler does for the first
	// write to a clean page.
	e.apply(t, c, func(cons *pagetables.Consistency, cur pagetables.MappingCursor) error {
		return e.pt.Change(cons, cur, userRW)
	}, 0x400000)
	if _, err := c.Translate(e.pt, 0x400000, hostarch.Write, true); err != nil {
		t.Errorf("write after upgrade: %v", err)
	}
}

func TestLocalInvalidationReachesOtherCores(t *testing.T) {
	e := newEnv(t, 2, 0)
	c0, c1 := e.m.Core(0), e.m.Core(1)
	e.mapPage(t, c0, 0x400000, userRW)
	e.mapPage(t, c0, 0x401000, userRW)
	for _, c := range []*Core{c0, c1} {
		for _, va := range []hostarch.Addr{0x400000, 0x401000} {
			if _, err := c.Translate(e.pt, va, hostarch.Read, true); err != nil {
				t.Fatalf("core %d: Translate(%v) failed: %v", c.ID(), va, err)
			}
		}
	}

	e.unmap(t, c0, 0x400000)
	if got := c1.Stats().IPIsReceived; got != 0 {
		t.Errorf("core 1 received %d interrupts for a local invalidation", got)
	}
	for _, c := range []*Core{c0, c1} {
		if _, err := c.Translate(e.pt, 0x400000, hostarch.Read, true); err == nil {
			t.Errorf("core %d still translates an unmapped page", c.ID())
		}
	}
	// The issuing core keeps translations the batch did not touch.
	hits := c0.Stats().TLBHits
	if _, err := c0.Translate(e.pt, 0x401000, hostarch.Read, true); err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if got := c0.Stats().TLBHits; got != hits+1 {
		t.Errorf("untouched translation missed the TLB on the issuing core")
	}
}

func TestGlobalInvalidationBroadcasts(t *testing.T) {
	e := newEnv(t, 4, 0)
	c0 := e.m.Core(0)
	e.mapPage(t, c0, 0x800000, global)
	for i := 0; i < e.m.NumCores(); i++ {
		if _, err := e.m.Core(i).Translate(e.pt, 0x800000, hostarch.Read, false); err != nil {
			t.Fatalf("core %d: Translate failed: %v", i, err)
		}
	}

	e.unmap(t, c0, 0x800000)
	if got := c0.Stats().IPIsSent; got != 3 {
		t.Errorf("core 0 sent %d interrupts, want 3", got)
	}
	for i := 0; i < e.m.NumCores(); i++ {
		c := e.m.Core(i)
		if i > 0 && c.Stats().IPIsReceived != 1 {
			t.Errorf("core %d received %d interrupts, want 1", i, c.Stats().IPIsReceived)
		}
		if c.TLBEntries() != 0 {
			t.Errorf("core %d still caches %d translations", i, c.TLBEntries())
		}
	}
}

func TestBroadcastWithoutInterruptLoops(t *testing.T) {
	e := newEnv(t, 2, 0)
	if err := e.m.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	c0, c1 := e.m.Core(0), e.m.Core(1)
	e.mapPage(t, c0, 0x800000, global)
	if _, err := c1.Translate(e.pt, 0x800000, hostarch.Read, false); err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	e.unmap(t, c0, 0x800000)
	if c1.TLBEntries() != 0 {
		t.Errorf("core 1 still caches %d translations", c1.TLBEntries())
	}
}

func TestTLBCapacity(t *testing.T) {
	e := newEnv(t, 1, 4)
	c := e.m.Core(0)
	for i := 0; i < 6; i++ {
		va := hostarch.Addr(0x400000 + i*hostarch.PageSize)
		e.mapPage(t, c, va, userRW)
		if _, err := c.Translate(e.pt, va, hostarch.Read, true); err != nil {
			t.Fatalf("Translate(%v) failed: %v", va, err)
		}
	}
	if got := c.TLBEntries(); got != 4 {
		t.Errorf("TLBEntries() = %d, want 4", got)
	}
	// The oldest translation was evicted.
	misses := c.Stats().TLBMisses
	if _, err := c.Translate(e.pt, 0x400000, hostarch.Read, true); err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if c.Stats().TLBMisses != misses+1 {
		t.Errorf("evicted translation hit the TLB")
	}
}

func TestForgetRoot(t *testing.T) {
	e := newEnv(t, 2, 0)
	e.mapPage(t, e.m.Core(0), 0x400000, userRW)
	for i := 0; i < 2; i++ {
		if _, err := e.m.Core(i).Translate(e.pt, 0x400000, hostarch.Read, true); err != nil {
			t.Fatalf("Translate failed: %v", err)
		}
	}
	e.m.ForgetRoot(e.pt.Root())
	for i := 0; i < 2; i++ {
		if n := e.m.Core(i).TLBEntries(); n != 0 {
			t.Errorf("core %d caches %d translations after ForgetRoot", i, n)
		}
	}
}
