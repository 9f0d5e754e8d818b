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

package kernel

import (
	"context"
	stderrors "errors"
	"fmt"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/sentry/cpu"
	"objmem.dev/objmem/pkg/sentry/mm"
	"objmem.dev/objmem/pkg/sentry/obj"
)

// maxAccessFaults bounds the faults taken by one page access before it is
// abandoned.
const maxAccessFaults = 16

// NewContext returns a new, empty address space.
func (k *Kernel) NewContext() (*mm.MemoryContext, error) {
	mc, err := mm.NewMemoryContext(k.mem)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.contexts[mc] = struct{}{}
	k.mu.Unlock()
	return mc, nil
}

// ReleaseContext tears down an address space created by NewContext.
func (k *Kernel) ReleaseContext(mc *mm.MemoryContext) {
	k.mu.Lock()
	_, ok := k.contexts[mc]
	delete(k.contexts, mc)
	k.mu.Unlock()
	if !ok {
		return
	}
	root := mc.PageTables().Root()
	mc.Release(k.inv())
	k.machine.ForgetRoot(root)
}

func (k *Kernel) liveContexts() []*mm.MemoryContext {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]*mm.MemoryContext, 0, len(k.contexts))
	for mc := range k.contexts {
		out = append(out, mc)
	}
	return out
}

// Map maps length bytes of object o, from byte offset off, into mc at va.
// If va is zero the lowest free range is used.
func (k *Kernel) Map(mc *mm.MemoryContext, o *obj.Object, off uint64, va hostarch.Addr, length uint64, prot hostarch.AccessType) (*mm.MapRegion, error) {
	r := mm.MapRegion{
		Object: o,
		Offset: off,
		Cache:  hostarch.MemoryTypeWriteBack,
		Prot:   prot,
	}
	if va == 0 {
		return mc.MapAnywhere(r, length)
	}
	end, ok := va.AddLength(length)
	if !ok {
		return nil, errors.Newf(errors.CodeInvalid, "mapping %#x bytes at %v overflows", length, va)
	}
	r.Range = hostarch.AddrRange{Start: va, End: end}
	return mc.Map(r)
}

// Unmap removes the mappings of ar from mc.
func (k *Kernel) Unmap(mc *mm.MemoryContext, ar hostarch.AddrRange) error {
	return mc.Unmap(k.inv(), ar)
}

// Thread is a thread of execution in a memory context, running on one core.
// Its memory accesses go through the core's MMU, and faults are handled as
// they occur. A thread suspended on the pager blocks only itself.
type Thread struct {
	k    *Kernel
	mc   *mm.MemoryContext
	core *cpu.Core
}

// NewThread returns a thread running in mc on core.
func (k *Kernel) NewThread(mc *mm.MemoryContext, core int) *Thread {
	return &Thread{k: k, mc: mc, core: k.machine.Core(core % k.machine.NumCores())}
}

// Context returns the thread's memory context.
func (t *Thread) Context() *mm.MemoryContext {
	return t.mc
}

// Read reads len(dst) bytes at va.
func (t *Thread) Read(ctx context.Context, va hostarch.Addr, dst []byte) error {
	return t.access(ctx, va, dst, mm.CauseRead)
}

// Write writes src at va.
func (t *Thread) Write(ctx context.Context, va hostarch.Addr, src []byte) error {
	return t.access(ctx, va, src, mm.CauseWrite)
}

func (t *Thread) access(ctx context.Context, va hostarch.Addr, buf []byte, cause mm.FaultCause) error {
	for done := 0; done < len(buf); {
		addr := va + hostarch.Addr(done)
		chunk := min(int(hostarch.PageSize-addr.PageOffset()), len(buf)-done)
		pa, err := t.translate(ctx, addr, cause)
		if err != nil {
			return err
		}
		mem, err := t.k.mem.Bytes(pa, uint64(chunk))
		if err != nil {
			return err
		}
		if cause == mm.CauseWrite {
			copy(mem, buf[done:done+chunk])
		} else {
			copy(buf[done:done+chunk], mem)
		}
		done += chunk
	}
	return nil
}

// translate translates va for cause, handling page faults until the access
// is permitted.
func (t *Thread) translate(ctx context.Context, va hostarch.Addr, cause mm.FaultCause) (hostarch.PhysAddr, error) {
	pt := t.mc.PageTables()
	for faults := 0; ; faults++ {
		pa, err := t.core.Translate(pt, va, cause.AccessType(), true)
		if err == nil {
			return pa, nil
		}
		var f *cpu.Fault
		if !stderrors.As(err, &f) {
			return 0, err
		}
		if faults >= maxAccessFaults {
			return 0, errors.Newf(errors.CodeFault, "%v still faults after %d attempts", va, faults)
		}
		flags := mm.FaultUser
		if f.Present {
			flags |= mm.FaultPresent
		}
		if err := t.mc.HandleFault(ctx, t.k, t.core, mm.FaultInfo{Addr: va, Cause: cause, Flags: flags}); err != nil {
			return 0, err
		}
	}
}

// UserBuffer is a volatile object mapped into a private context, accessed
// through a thread. The pager uses one as its staging memory for
// CopyUserPhys.
type UserBuffer struct {
	k      *Kernel
	obj    *obj.Object
	mc     *mm.MemoryContext
	thread *Thread
	region *mm.MapRegion
}

// NewUserBuffer returns a buffer of the given number of pages.
func (k *Kernel) NewUserBuffer(ctx context.Context, pages uint64) (*UserBuffer, error) {
	if pages == 0 {
		return nil, errors.Newf(errors.CodeInvalid, "empty buffer")
	}
	o, err := k.CreateObject(ctx, pager.LifetimeVolatile, pager.ProtRead|pager.ProtWrite)
	if err != nil {
		return nil, err
	}
	mc, err := k.NewContext()
	if err != nil {
		return nil, err
	}
	r, err := k.Map(mc, o, 0, 0, pages<<hostarch.PageShift, hostarch.ReadWrite)
	if err != nil {
		k.ReleaseContext(mc)
		return nil, err
	}
	return &UserBuffer{k: k, obj: o, mc: mc, thread: k.NewThread(mc, 0), region: r}, nil
}

// ID returns the id of the buffer's object.
func (b *UserBuffer) ID() pager.ObjID {
	return b.obj.ID()
}

// Size returns the size of the buffer in bytes.
func (b *UserBuffer) Size() uint64 {
	return b.region.Range.Length()
}

func (b *UserBuffer) check(off uint64, n int) error {
	if off > b.Size() || uint64(n) > b.Size()-off {
		return errors.Newf(errors.CodeInvalid, "access of %d bytes at %#x past buffer of %#x", n, off, b.Size())
	}
	return nil
}

// ReadAt reads len(p) bytes at offset off.
func (b *UserBuffer) ReadAt(ctx context.Context, p []byte, off uint64) error {
	if err := b.check(off, len(p)); err != nil {
		return err
	}
	return b.thread.Read(ctx, b.region.Range.Start+hostarch.Addr(off), p)
}

// WriteAt writes p at offset off.
func (b *UserBuffer) WriteAt(ctx context.Context, p []byte, off uint64) error {
	if err := b.check(off, len(p)); err != nil {
		return err
	}
	return b.thread.Write(ctx, b.region.Range.Start+hostarch.Addr(off), p)
}

// Release unmaps and deletes the buffer.
func (b *UserBuffer) Release(ctx context.Context) error {
	b.k.ReleaseContext(b.mc)
	if err := b.k.DeleteObject(ctx, b.obj.ID()); err != nil {
		return fmt.Errorf("releasing buffer: %w", err)
	}
	return nil
}
