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

package kernel

import (
	"context"
	"fmt"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/log"
	"objmem.dev/objmem/pkg/sentry/obj"
	"objmem.dev/objmem/pkg/sentry/pgalloc"
)

// CreateObject creates an object. Persistent objects are recorded by the
// pager before they are usable.
func (k *Kernel) CreateObject(ctx context.Context, lifetime pager.Lifetime, prot pager.Protections) (*obj.Object, error) {
	id := pager.NewObjID()
	info := pager.ObjectInfo{Lifetime: lifetime, DefProt: prot}
	if lifetime == pager.LifetimePersistent {
		if err := k.pager.CreateObject(ctx, id, info); err != nil {
			return nil, fmt.Errorf("creating %v: %w", id, err)
		}
	}
	o, _ := k.objects.Register(obj.New(id, info))
	log.Debugf("Created %v object %v", lifetime, id)
	return o, nil
}

// LookupObject returns the object with the given id, asking the pager for
// its info if the kernel has not seen it.
func (k *Kernel) LookupObject(ctx context.Context, id pager.ObjID) (*obj.Object, error) {
	if o, ok := k.objects.Lookup(id); ok {
		return o, nil
	}
	info, err := k.pager.ObjectInfo(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("looking up %v: %w", id, err)
	}
	o, _ := k.objects.Register(obj.New(id, info))
	return o, nil
}

// DeleteObject removes an object from every address space and from storage.
func (k *Kernel) DeleteObject(ctx context.Context, id pager.ObjID) error {
	persistent := true
	if o, ok := k.objects.Remove(id); ok {
		persistent = o.Persistent()
		pages := o.Kill()
		for _, mc := range k.liveContexts() {
			mc.UnmapObject(k.inv(), id)
		}
		for _, p := range pages {
			p.DecRef()
		}
	}
	if !persistent {
		return nil
	}
	if err := k.pager.DeleteObject(ctx, id); err != nil {
		return fmt.Errorf("deleting %v: %w", id, err)
	}
	return nil
}

// SyncObject writes the dirty pages of object id to storage and waits for
// them to be durable.
func (k *Kernel) SyncObject(ctx context.Context, id pager.ObjID) error {
	o, ok := k.objects.Lookup(id)
	if !ok {
		return k.pager.Sync(ctx, id)
	}
	if !o.Persistent() {
		return nil
	}
	return k.writeBack(ctx, o)
}

// EvictObject writes back and then drops every resident page of object id.
// The pages fault in from storage on their next access.
func (k *Kernel) EvictObject(ctx context.Context, id pager.ObjID) error {
	o, ok := k.objects.Lookup(id)
	if !ok {
		return nil
	}
	if !o.Persistent() {
		return errors.Newf(errors.CodeNotSupported, "evicting volatile %v", o)
	}
	if err := k.writeBack(ctx, o); err != nil {
		return err
	}
	dropped := 0
	for _, pn := range o.ResidentPages() {
		if k.dropPage(o, pn, false) {
			dropped++
		}
	}
	log.Debugf("Evicted %d pages of %v", dropped, o)
	return nil
}

// writeBack hands each dirty page of o to the pager, then fences.
//
// A page is marked clean before its mappings are write protected and before
// it is copied, so a write racing the copy faults and marks it dirty again.
func (k *Kernel) writeBack(ctx context.Context, o *obj.Object) error {
	id := o.ID()
	for _, pn := range o.DirtyPages() {
		p, ok := o.DirtyPage(pn)
		if !ok {
			continue
		}
		o.MarkClean(pn, p)
		k.unmapEverywhere(id, pn, 1)
		err := k.pager.Evict(ctx, pager.EvictInfo{
			ID:    id,
			Range: pager.PageRange(pn, 1),
			Phys:  pager.PhysRange{Start: uint64(p.Addr()), End: uint64(p.Addr()) + hostarch.PageSize},
			Flags: pager.EvictSync,
		})
		if err != nil {
			o.MarkDirty(pn, p)
			p.DecRef()
			return fmt.Errorf("writing back page %d of %v: %w", pn, o, err)
		}
		p.DecRef()
		k.track(o, pn)
	}
	if err := k.pager.Sync(ctx, id); err != nil {
		return fmt.Errorf("syncing %v: %w", o, err)
	}
	return nil
}

// CopyObject makes pages [dstPage, dstPage+n) of object dst copy-on-write
// copies of pages [srcPage, srcPage+n) of object src. No data is copied
// until one side writes.
func (k *Kernel) CopyObject(ctx context.Context, dst, src pager.ObjID, srcPage, dstPage, n uint64) error {
	so, err := k.LookupObject(ctx, src)
	if err != nil {
		return err
	}
	do, err := k.LookupObject(ctx, dst)
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		res, err := k.GetPage(ctx, so, srcPage+i, false)
		if err != nil {
			return fmt.Errorf("copying page %d of %v: %w", srcPage+i, so, err)
		}
		res.Page.DecRef()
	}
	// Source mappings may be writable; the pages must fault once shared.
	k.unmapEverywhere(src, srcPage, n)
	replaced, err := do.ShareFrom(so, srcPage, dstPage, n)
	if err != nil {
		return err
	}
	k.unmapEverywhere(src, srcPage, n)
	k.unmapEverywhere(dst, dstPage, n)
	for _, p := range replaced {
		p.DecRef()
	}
	log.Debugf("Shared %d pages of %v at %d into %v at %d", n, so, srcPage, do, dstPage)
	return nil
}

// unmapEverywhere removes the installed mappings of pages
// [first, first+n) of object id from every context.
func (k *Kernel) unmapEverywhere(id pager.ObjID, first, n uint64) int {
	total := 0
	for _, mc := range k.liveContexts() {
		total += mc.UnmapObjectPages(k.inv(), id, first, n)
	}
	return total
}

// HandlePagerRequest implements pagerctx.Kernel.HandlePagerRequest.
func (k *Kernel) HandlePagerRequest(ctx context.Context, req pager.PagerRequest) error {
	switch req.Kind {
	case pager.PReqCopyUserPhys:
		return k.copyUserPhys(ctx, req)
	case pager.PReqRegisterPhys:
		return k.registerPhys(req.Phys)
	default:
		return errors.Newf(errors.CodeNotSupported, "pager request %v", req)
	}
}

// copyUserPhys copies between object memory and physical memory. The object
// side must be resident or volatile, so the copy never waits on the pager
// that asked for it.
func (k *Kernel) copyUserPhys(ctx context.Context, req pager.PagerRequest) error {
	if req.Len > req.Phys.Len() {
		return errors.Newf(errors.CodeInvalid, "copying %#x bytes through %v", req.Len, req.Phys)
	}
	o, ok := k.objects.Lookup(req.Target)
	if !ok {
		return errors.ErrNoSuchObject
	}
	if req.WritePhys {
		if err := k.checkPagerWritable(req.Phys); err != nil {
			return err
		}
	}
	phys, err := k.mem.Bytes(hostarch.PhysAddr(req.Phys.Start), req.Phys.Len())
	if err != nil {
		return err
	}
	for done := uint64(0); done < req.Len; {
		off := req.Offset + done
		pn, po := off>>hostarch.PageShift, off&(hostarch.PageSize-1)
		chunk := min(hostarch.PageSize-po, req.Len-done)
		res, err := k.getPage(ctx, o, pn, !req.WritePhys, false)
		if err != nil {
			return err
		}
		page := res.Page.Bytes()
		if req.WritePhys {
			copy(phys[done:done+chunk], page[po:po+chunk])
		} else {
			copy(page[po:po+chunk], phys[done:done+chunk])
		}
		res.Page.DecRef()
		done += chunk
	}
	if req.WritePhys {
		clear(phys[req.Len:])
	}
	k.physCopies.Add(1)
	return nil
}

// checkPagerWritable returns an error unless every frame of r is pager
// memory not handed to the kernel yet, or r is registered device memory.
func (k *Kernel) checkPagerWritable(r pager.PhysRange) error {
	if k.isDeviceMemory(r) {
		return nil
	}
	for i := uint64(0); i < r.PageCount(); i++ {
		pool, state, err := k.mem.PoolAt(r.Page(i))
		if err != nil {
			return errors.Newf(errors.CodeInvalid, "copying to %v: %v", r, err)
		}
		if pool != pgalloc.PoolPager || state != pgalloc.FrameReserved {
			return errors.Newf(errors.CodeInvalid, "copying to %v: frame %v is %v and not pager memory", r, r.Page(i), state)
		}
	}
	return nil
}

func (k *Kernel) registerPhys(r pager.PhysRange) error {
	pr := hostarch.PhysRange{Start: hostarch.PhysAddr(r.Start), End: hostarch.PhysAddr(r.End)}
	mr := k.mem.Range()
	if r.Len() == 0 || !pr.Start.IsPageAligned() || !pr.End.IsPageAligned() || pr.Start < mr.Start || pr.End > mr.End {
		return errors.Newf(errors.CodeInvalid, "cannot register %v", r)
	}
	k.mu.Lock()
	k.devices = append(k.devices, pr)
	k.mu.Unlock()
	log.Infof("Pager registered physical memory %v", pr)
	return nil
}
