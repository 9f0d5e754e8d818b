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

package mm

import (
	"context"
	"fmt"
	"time"

	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/log"
	"objmem.dev/objmem/pkg/ring0/pagetables"
	"objmem.dev/objmem/pkg/sentry/obj"
)

// FaultCause is the kind of access that faulted.
type FaultCause uint8

// Fault causes.
const (
	CauseRead FaultCause = iota
	CauseWrite
	CauseExec
)

// AccessType returns the access c attempted.
func (c FaultCause) AccessType() hostarch.AccessType {
	switch c {
	case CauseWrite:
		return hostarch.Write
	case CauseExec:
		return hostarch.Execute
	default:
		return hostarch.Read
	}
}

func (c FaultCause) String() string {
	switch c {
	case CauseWrite:
		return "write"
	case CauseExec:
		return "exec"
	default:
		return "read"
	}
}

// FaultFlags are the hardware flags reported with a fault.
type FaultFlags uint8

// Fault flags.
const (
	// FaultUser is set for faults taken in user mode.
	FaultUser FaultFlags = 1 << iota

	// FaultPresent is set if a translation existed.
	FaultPresent

	// FaultInvalid is set for a malformed page table entry.
	FaultInvalid
)

// FaultInfo describes a page fault.
type FaultInfo struct {
	Addr  hostarch.Addr
	Cause FaultCause
	Flags FaultFlags
}

func (f FaultInfo) String() string {
	return fmt.Sprintf("%v fault at %v (flags %#x)", f.Cause, f.Addr, uint8(f.Flags))
}

// SegvError is the synchronous fault notification delivered to a thread
// whose access no region permits.
type SegvError struct {
	Fault  FaultInfo
	Reason string
}

// Error implements error.Error.
func (e *SegvError) Error() string {
	return fmt.Sprintf("segmentation fault: %v: %s", e.Fault, e.Reason)
}

// Is matches errors.ErrFault.
func (e *SegvError) Is(target error) bool {
	return target == errors.ErrFault
}

// PageSource supplies object pages to the fault handler.
type PageSource interface {
	// GetPage returns page pn of o with a reference for the caller, as
	// for obj.Object.GetPage, bringing it in from the pager if it is not
	// resident. It may block.
	GetPage(ctx context.Context, o *obj.Object, pn uint64, write bool) (obj.PageResult, error)
}

// segvLog rate limits fault notifications, which a misbehaving thread can
// raise in a loop.
var segvLog = log.BasicRateLimitedLogger(time.Second)

// maxFaultRestarts bounds the number of times a fault is retried because
// its region changed while the page was being obtained.
const maxFaultRestarts = 64

// HandleFault resolves a page fault in mc.
//
// A fault from kernel mode is a kernel bug and panics. A fault that no
// region permits returns a *SegvError for delivery to the faulting thread.
// Errors from src are returned as is.
func (mc *MemoryContext) HandleFault(ctx context.Context, src PageSource, inv pagetables.Invalidator, f FaultInfo) error {
	if f.Flags&FaultUser == 0 {
		panic(fmt.Sprintf("kernel-mode %v", f))
	}
	mc.faults.Add(1)
	va := f.Addr.RoundDown()
	access := f.Cause.AccessType()
	write := f.Cause == CauseWrite

	for restarts := 0; ; restarts++ {
		if restarts > maxFaultRestarts {
			return fmt.Errorf("%v: region changed %d times while faulting", f, restarts)
		}
		mc.mu.RLock()
		r, ok := mc.regions.Lookup(va)
		var region MapRegion
		if ok {
			region = *r
		}
		mc.mu.RUnlock()
		if !ok {
			return mc.segv(f, "no mapping")
		}
		if !region.Prot.SupersetOf(access) {
			return mc.segv(f, fmt.Sprintf("mapping allows only %v", region.Prot))
		}
		pn := region.PageNumber(va)

		// This may wait on the pager.
		res, err := src.GetPage(ctx, region.Object, pn, write)
		if err != nil {
			return fmt.Errorf("%v: page %d of %v: %w", f, pn, region.Object, err)
		}

		mc.mu.Lock()
		cur, ok := mc.regions.Lookup(va)
		// The page may have been evicted or copied while the lock was
		// dropped; installing it then would leave a stale mapping.
		if !ok || cur.Object != region.Object || cur.PageNumber(va) != pn || !cur.Object.Holds(pn, res.Page) {
			mc.mu.Unlock()
			res.Page.DecRef()
			mc.restarts.Add(1)
			log.Debugf("%v: mapping changed while faulting, restarting", f)
			continue
		}
		perms := cur.Prot
		if !res.Writable {
			perms = perms.WithoutWrite()
		}
		settings := pagetables.MappingSettings{Perms: perms, Cache: cur.Cache, Flags: pagetables.FlagUser}
		c := pagetables.NewConsistency(mc.pt.Root(), mc.mem, inv)
		err = mc.installLocked(c, va, res.Page, settings)
		mc.mu.Unlock()
		c.Finish().RunAll()
		if err != nil {
			return fmt.Errorf("%v: %w", f, err)
		}
		return nil
	}
}

// installLocked maps p at va, taking over the caller's reference to p.
//
// +checklocks:mc.mu
func (mc *MemoryContext) installLocked(c *pagetables.Consistency, va hostarch.Addr, p *obj.Page, settings pagetables.MappingSettings) error {
	cursor, err := pagetables.NewCursor(va, hostarch.PageSize)
	if err != nil {
		p.DecRef()
		return err
	}
	if err := mc.pt.Map(c, cursor, pagetables.NewFrameProvider(p.Addr(), settings)); err != nil {
		p.DecRef()
		return err
	}
	if old, ok := mc.pmas[va]; ok {
		c.FreeSharedFrame(old)
	}
	mc.pmas[va] = p
	return nil
}

func (mc *MemoryContext) segv(f FaultInfo, reason string) error {
	mc.segvs.Add(1)
	segvLog.Warningf("Fault notification: %v: %s", f, reason)
	return &SegvError{Fault: f, Reason: reason}
}
