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
	stderrors "errors"
	"fmt"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/log"
	"objmem.dev/objmem/pkg/sentry/obj"
	"objmem.dev/objmem/pkg/sentry/pgalloc"
)

// maxPageInAttempts bounds the number of times a page is requested before
// the fault gives up.
const maxPageInAttempts = 8

// GetPage implements mm.PageSource.GetPage.
func (k *Kernel) GetPage(ctx context.Context, o *obj.Object, pn uint64, write bool) (obj.PageResult, error) {
	return k.getPage(ctx, o, pn, write, true)
}

// getPage returns page pn of o. Missing pages of volatile objects are zero
// filled; missing pages of persistent objects are requested from the pager
// if fetch is set, and are an error otherwise.
func (k *Kernel) getPage(ctx context.Context, o *obj.Object, pn uint64, write, fetch bool) (obj.PageResult, error) {
	reclaimed := false
	for attempt := 0; ; attempt++ {
		res, err := o.GetPage(k.mem, pn, write)
		if err == nil {
			if res.Copied {
				k.cowBreaks.Add(1)
				// Other mappings of this page still point at the
				// shared frame.
				k.unmapEverywhere(o.ID(), pn, 1)
				if o.Persistent() {
					k.track(o, pn)
				}
			}
			return res, nil
		}
		switch {
		case err == obj.ErrNotPresent:
		case stderrors.Is(err, pgalloc.ErrNoMemory) && !reclaimed:
			reclaimed = true
			if k.reclaim() == 0 {
				return obj.PageResult{}, err
			}
			continue
		default:
			return obj.PageResult{}, err
		}

		if attempt >= maxPageInAttempts {
			return obj.PageResult{}, errors.Newf(errors.CodeIO, "page %d of %v not supplied after %d requests", pn, o, attempt)
		}
		if !o.Persistent() {
			err = k.zeroFill(o, pn)
		} else if !fetch {
			return obj.PageResult{}, errors.Newf(errors.CodeInvalid, "page %d of %v is not resident", pn, o)
		} else {
			err = k.pageIn(ctx, o, pn)
		}
		if err != nil {
			if stderrors.Is(err, pgalloc.ErrNoMemory) && !reclaimed {
				reclaimed = true
				if k.reclaim() > 0 {
					continue
				}
			}
			return obj.PageResult{}, err
		}
	}
}

func (k *Kernel) zeroFill(o *obj.Object, pn uint64) error {
	ref, err := k.mem.Allocate(pgalloc.AllocOpts{Zero: true})
	if err != nil {
		return err
	}
	if o.AddPage(pn, obj.NewPage(k.mem, ref)) {
		k.zeroFills.Add(1)
	}
	return nil
}

// pageIn requests page pn of o, and the readahead window after it, from the
// pager and waits for them.
func (k *Kernel) pageIn(ctx context.Context, o *obj.Object, pn uint64) error {
	n := uint64(1)
	if size := o.Info().Pages; pn < size {
		n = min(k.readahead, size-pn)
	}
	if _, err := k.pager.RequestPages(ctx, o.ID(), pn, n); err != nil {
		return fmt.Errorf("paging in %d pages of %v at %d: %w", n, o, pn, err)
	}
	return nil
}

// FillPages implements pagerctx.Kernel.FillPages.
func (k *Kernel) FillPages(id pager.ObjID, first uint64, phys pager.PhysRange, flags pager.PageFlags) (uint64, error) {
	wired := flags&pager.PageWired != 0
	o, ok := k.objects.Lookup(id)
	if !ok {
		if !wired {
			k.pager.GiveDram(phys)
		}
		return 0, errors.Newf(errors.CodeNoSuchObject, "filling pages of unknown object %v", id)
	}
	if wired && !k.isDeviceMemory(phys) {
		return 0, errors.Newf(errors.CodeInvalid, "wired pages %v outside registered memory", phys)
	}
	n := phys.PageCount()
	var added uint64
	for i := uint64(0); i < n; i++ {
		addr := hostarch.PhysAddr(phys.Page(i))
		var p *obj.Page
		if wired {
			p = obj.NewWiredPage(k.mem, addr)
		} else {
			ref, err := k.mem.Adopt(addr)
			if err != nil {
				k.pager.GiveDram(pager.PhysRange{Start: uint64(addr), End: phys.End})
				return added, fmt.Errorf("filling page %d of %v: %w", first+i, o, err)
			}
			p = obj.NewPage(k.mem, ref)
		}
		if !o.AddPage(first+i, p) {
			continue
		}
		added++
		if !wired && o.Persistent() {
			k.track(o, first+i)
		}
	}
	return added, nil
}

func (k *Kernel) isDeviceMemory(phys pager.PhysRange) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, r := range k.devices {
		if uint64(r.Start) <= phys.Start && phys.End <= uint64(r.End) {
			return true
		}
	}
	return false
}

type clockEntry struct {
	obj *obj.Object
	pn  uint64
}

// clock is the set of reclaimable pages, swept in order with a hand.
type clock struct {
	entries []clockEntry
	index   map[clockEntry]struct{}
	hand    int
}

func newClock() clock {
	return clock{index: make(map[clockEntry]struct{})}
}

func (c *clock) add(e clockEntry) {
	if _, ok := c.index[e]; ok {
		return
	}
	c.index[e] = struct{}{}
	c.entries = append(c.entries, e)
}

// removeAt drops entry i, moving the last entry into its place.
func (c *clock) removeAt(i int) {
	delete(c.index, c.entries[i])
	last := len(c.entries) - 1
	c.entries[i] = c.entries[last]
	c.entries[last] = clockEntry{}
	c.entries = c.entries[:last]
	if c.hand >= len(c.entries) {
		c.hand = 0
	}
}

// victims sweeps the clock for up to n clean pages that have not been
// referenced since the hand last passed them, and removes them from the
// clock. Entries for pages no longer resident are dropped.
func (c *clock) victims(n int) []clockEntry {
	var out []clockEntry
	for steps := 2 * len(c.entries); steps > 0 && len(out) < n && len(c.entries) > 0; steps-- {
		e := c.entries[c.hand]
		referenced, clean, ok := e.obj.Age(e.pn)
		switch {
		case !ok:
			c.removeAt(c.hand)
		case !referenced && clean:
			out = append(out, e)
			c.removeAt(c.hand)
		default:
			c.hand = (c.hand + 1) % len(c.entries)
		}
	}
	return out
}

// track makes page pn of o a reclaim candidate.
func (k *Kernel) track(o *obj.Object, pn uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.clock.add(clockEntry{o, pn})
}

// reclaim drops up to a batch of clean, unreferenced persistent pages and
// returns the number dropped. It never waits on the pager, so it is safe on
// every path that allocates memory.
func (k *Kernel) reclaim() int {
	k.reclaimMu.Lock()
	defer k.reclaimMu.Unlock()
	k.mu.Lock()
	victims := k.clock.victims(k.reclaimBatch)
	k.mu.Unlock()

	freed := 0
	for _, v := range victims {
		if k.dropPage(v.obj, v.pn, false) {
			freed++
		} else if v.obj.Resident(v.pn) {
			k.track(v.obj, v.pn)
		}
	}
	k.reclaimed.Add(uint64(freed))
	log.Debugf("Reclaimed %d of %d candidate pages", freed, len(victims))
	return freed
}

// dropPage removes page pn from o and from every mapping of it. Dirty pages
// are kept unless force is set.
func (k *Kernel) dropPage(o *obj.Object, pn uint64, force bool) bool {
	p, ok := o.RemovePage(pn, force)
	if !ok {
		return false
	}
	k.unmapEverywhere(o.ID(), pn, 1)
	p.DecRef()
	return true
}
