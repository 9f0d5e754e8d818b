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

package pagerd

import (
	"bytes"
	"context"
	stderrors "errors"
	"testing"
	"time"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/pagerd/nvme"
	"objmem.dev/objmem/pkg/sentry/kernel"
	"objmem.dev/objmem/pkg/sentry/mm"
	"objmem.dev/objmem/pkg/sentry/obj"
)

type testSystem struct {
	k    *kernel.Kernel
	p    *Pager
	disk *testDisk
	data *DataManager
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newTestSystem boots a kernel and a pager serving it from an in-memory
// disk.
func newTestSystem(t *testing.T, frames, pagerFrames int) *testSystem {
	t.Helper()
	k, err := kernel.New(kernel.InitKernelArgs{Frames: frames, Cores: 2, PagerFrames: pagerFrames, ReclaimBatch: 4})
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	k.Start(ctx)
	t.Cleanup(func() {
		cancel()
		k.Stop()
		k.Close()
	})

	kid, pid := k.QueueIDs()
	kq, pq, err := Attach(ctx, k, kid.String(), pid.String(), time.Second)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	disk := newTestDisk(t, 512)
	data := disk.open(t)

	// The kernel serves the staging buffer itself, so it can be built
	// before the pager runs.
	staging, err := k.NewUserBuffer(ctx, 2)
	if err != nil {
		t.Fatalf("NewUserBuffer: %v", err)
	}
	p, err := New(Config{Workers: 2, AllocWait: 20 * time.Millisecond}, kq, pq, data, disk.ctrl, staging)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Stop() })
	return &testSystem{k: k, p: p, disk: disk, data: data}
}

// mapObject creates a persistent object of n pages and maps it.
func (s *testSystem) mapObject(t *testing.T, ctx context.Context, n uint64) (*obj.Object, *kernel.Thread, *mm.MapRegion) {
	t.Helper()
	o, err := s.k.CreateObject(ctx, pager.LifetimePersistent, pager.ProtRead|pager.ProtWrite)
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	mc, err := s.k.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	r, err := s.k.Map(mc, o, 0, 0, n*hostarch.PageSize, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	return o, s.k.NewThread(mc, 1), r
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*13) ^ seed
	}
	return b
}

func TestStagingTooSmall(t *testing.T) {
	ctx := testContext(t)
	k, err := kernel.New(kernel.InitKernelArgs{Frames: 16, Cores: 1})
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	defer k.Close()
	staging, err := k.NewUserBuffer(ctx, 1)
	if err != nil {
		t.Fatalf("NewUserBuffer: %v", err)
	}
	if _, err := New(Config{Workers: 2}, nil, nil, nil, nil, staging); err == nil {
		t.Errorf("New with one page of staging for two workers succeeded")
	}
}

func TestAttachUnknownQueue(t *testing.T) {
	ctx := testContext(t)
	k, err := kernel.New(kernel.InitKernelArgs{Frames: 16, Cores: 1})
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	defer k.Close()
	kid, _ := k.QueueIDs()
	if _, _, err := Attach(ctx, k, kid.String(), pager.NewObjID().String(), 20*time.Millisecond); err == nil {
		t.Errorf("Attach to an unpublished queue succeeded")
	}
	if _, _, err := Attach(ctx, k, "not-an-id", kid.String(), time.Second); err == nil {
		t.Errorf("Attach with a malformed id succeeded")
	}
}

func TestWriteSyncEvictRefault(t *testing.T) {
	s := newTestSystem(t, 128, 16)
	ctx := testContext(t)
	o, th, r := s.mapObject(t, ctx, 3)

	want := pattern(3*hostarch.PageSize-10, 3)
	if err := th.Write(ctx, r.Range.Start+5, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.k.SyncObject(ctx, o.ID()); err != nil {
		t.Fatalf("SyncObject: %v", err)
	}
	info, err := s.data.LookupObjectInfo(ctx, o.ID())
	if err != nil {
		t.Fatalf("LookupObjectInfo: %v", err)
	}
	if info.Pages != 3 {
		t.Errorf("stored object has %d pages, want 3", info.Pages)
	}
	st := s.p.Stats().Object(o.ID())
	if st.PagesWritten != 3 || st.PagesAllocated != 3 {
		t.Errorf("stats after sync = %+v, want 3 pages written and allocated", st)
	}

	// The bytes on disk are the bytes written.
	e, err := s.data.LookupPageEntry(ctx, o.ID(), 1)
	if err != nil {
		t.Fatalf("LookupPageEntry: %v", err)
	}
	blk := make([]byte, nvme.BlockSize)
	if err := s.disk.dev.ReadBlock(e.Block, blk); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if off := hostarch.PageSize - 5; !bytes.Equal(blk, want[off:off+hostarch.PageSize]) {
		t.Errorf("block %d does not hold page 1", e.Block)
	}

	if err := s.k.EvictObject(ctx, o.ID()); err != nil {
		t.Fatalf("EvictObject: %v", err)
	}
	got := make([]byte, len(want))
	if err := th.Read(ctx, r.Range.Start+5, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("bytes read back after eviction differ from bytes written")
	}
	if st := s.p.Stats().Object(o.ID()); st.PagesRead < 3 {
		t.Errorf("PagesRead = %d, want at least 3", st.PagesRead)
	}
	// Syncing again rewrites the same blocks.
	if err := th.Write(ctx, r.Range.Start, []byte{1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.k.SyncObject(ctx, o.ID()); err != nil {
		t.Fatalf("SyncObject: %v", err)
	}
	if st := s.p.Stats().Object(o.ID()); st.PagesAllocated != 3 {
		t.Errorf("PagesAllocated = %d after rewriting a page, want 3", st.PagesAllocated)
	}
}

func TestNeverWrittenPageIsZero(t *testing.T) {
	s := newTestSystem(t, 64, 8)
	ctx := testContext(t)
	o, th, r := s.mapObject(t, ctx, 2)

	got := make([]byte, 2*hostarch.PageSize)
	if err := th.Read(ctx, r.Range.Start, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, make([]byte, len(got))) {
		t.Errorf("never written object does not read as zeros")
	}
	st, ok := o.State(0)
	if !ok {
		t.Fatalf("page 0 not resident")
	}
	if st.Dirty {
		t.Errorf("page 0 dirty after a read")
	}
	if n := s.k.Stats().PhysCopies; n < 2 {
		t.Errorf("PhysCopies = %d, want one per page", n)
	}
}

func TestPageDataForNeverWrittenObject(t *testing.T) {
	s := newTestSystem(t, 64, 8)
	ctx := testContext(t)
	o, err := s.k.CreateObject(ctx, pager.LifetimePersistent, pager.ProtRead|pager.ProtWrite)
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}

	got := s.p.handle(ctx, pager.PageDataReq(o.ID(), pager.PageRange(0, 1)))
	if len(got) != 1 {
		t.Fatalf("got %d completions, want 1: %v", len(got), got)
	}
	c := got[0]
	if c.Kind != pager.ComplPageData {
		t.Fatalf("completion kind %v, want %v", c.Kind, pager.ComplPageData)
	}
	defer s.p.mem.Free(c.Phys.Start)
	if c.ID != o.ID() || c.Range != pager.PageRange(0, 1) {
		t.Errorf("completion for %v %v, want %v %v", c.ID, c.Range, o.ID(), pager.PageRange(0, 1))
	}
	if n := c.Phys.Len(); n != hostarch.PageSize {
		t.Errorf("completion covers %d bytes of memory, want %d", n, hostarch.PageSize)
	}
	if n := s.p.Stats().Object(o.ID()).PagesRead; n != 1 {
		t.Errorf("PagesRead = %d, want 1", n)
	}
}

func TestDeleteObjectFreesBlocks(t *testing.T) {
	s := newTestSystem(t, 64, 8)
	ctx := testContext(t)
	o, th, r := s.mapObject(t, ctx, 2)

	if err := th.Write(ctx, r.Range.Start, pattern(2*hostarch.PageSize, 9)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.k.SyncObject(ctx, o.ID()); err != nil {
		t.Fatalf("SyncObject: %v", err)
	}
	if err := s.k.DeleteObject(ctx, o.ID()); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if _, err := s.data.LookupObjectInfo(ctx, o.ID()); !stderrors.Is(err, errors.ErrNoSuchObject) {
		t.Errorf("LookupObjectInfo after delete = %v, want %v", err, errors.ErrNoSuchObject)
	}
	if got := s.data.Stats().FreeBlocks; got != 2 {
		t.Errorf("FreeBlocks = %d after deleting 2 stored pages, want 2", got)
	}
}

func TestPagerMemoryExhaustion(t *testing.T) {
	s := newTestSystem(t, 64, 2)
	ctx := testContext(t)
	o, th, r := s.mapObject(t, ctx, 4)
	va := func(pn uint64) hostarch.Addr { return r.Range.Start + hostarch.Addr(pn*hostarch.PageSize) }

	for pn := uint64(0); pn < 2; pn++ {
		if err := th.Write(ctx, va(pn), pattern(128, byte(pn))); err != nil {
			t.Fatalf("Write(page %d): %v", pn, err)
		}
	}
	if err := s.k.SyncObject(ctx, o.ID()); err != nil {
		t.Fatalf("SyncObject: %v", err)
	}
	// Every pager frame holds a page; the kernel must give clean ones back.
	for pn := uint64(2); pn < 4; pn++ {
		if err := th.Read(ctx, va(pn), make([]byte, 1)); err != nil {
			t.Fatalf("Read(page %d): %v", pn, err)
		}
	}
	if got := s.k.Stats().Reclaimed; got == 0 {
		t.Errorf("nothing reclaimed with %d pager frames and 4 pages", 2)
	}
	for pn := uint64(0); pn < 2; pn++ {
		got := make([]byte, 128)
		if err := th.Read(ctx, va(pn), got); err != nil {
			t.Fatalf("Read(page %d): %v", pn, err)
		}
		if !bytes.Equal(got, pattern(128, byte(pn))) {
			t.Errorf("page %d lost its contents across reclaim", pn)
		}
	}
}

func TestStorageReadError(t *testing.T) {
	s := newTestSystem(t, 64, 8)
	ctx := testContext(t)
	o, th, r := s.mapObject(t, ctx, 1)

	if err := th.Write(ctx, r.Range.Start, []byte("persist")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.k.EvictObject(ctx, o.ID()); err != nil {
		t.Fatalf("EvictObject: %v", err)
	}
	dataStart := s.disk.layout.DataStart
	s.disk.dev.InjectFault(func(op nvme.Op, lba uint64) error {
		if op == nvme.OpRead && lba >= dataStart {
			return errors.ErrIO
		}
		return nil
	})
	if err := th.Read(ctx, r.Range.Start, make([]byte, 7)); err == nil {
		t.Fatalf("Read of a page on a failing disk succeeded")
	}
	if st := s.p.Stats().Object(o.ID()); st.ReadErrors == 0 {
		t.Errorf("stats = %+v, want a read error", st)
	}

	s.disk.dev.InjectFault(nil)
	got := make([]byte, 7)
	if err := th.Read(ctx, r.Range.Start, got); err != nil {
		t.Fatalf("Read after the disk recovered: %v", err)
	}
	if string(got) != "persist" {
		t.Errorf("Read = %q, want %q", got, "persist")
	}
}
