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

// Package obj implements objects and their page caches.
//
// An object's resident pages are held in a per-object map from page number to
// Page. Pages arrive from the pager (or are zero filled for volatile objects)
// and are looked up by the page fault handler. Pages may be shared between
// objects copy-on-write; the first write through either side gives the
// writer a private copy.
package obj

import (
	"fmt"
	"slices"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/sentry/pgalloc"
	"objmem.dev/objmem/pkg/sync"
)

// ErrNotPresent is returned for a page that is not resident.
var ErrNotPresent = errors.New(errors.CodeNoSuchObject, "page not resident")

// ErrDead is returned for operations on a deleted object.
var ErrDead = errors.New(errors.CodeNoSuchObject, "object deleted")

// slot is the cache entry for one page.
type slot struct {
	page *Page

	// cow is set while the page may be shared with another object.
	cow bool

	// dirty is set once the page has been written since it was last
	// stored.
	dirty bool

	// referenced is set by each lookup and cleared by Age.
	referenced bool
}

// Object is an object and its resident pages.
type Object struct {
	id pager.ObjID

	mu sync.Mutex

	// +checklocks:mu
	info pager.ObjectInfo

	// +checklocks:mu
	pages map[uint64]*slot

	// +checklocks:mu
	dead bool
}

// New returns an object with no resident pages.
func New(id pager.ObjID, info pager.ObjectInfo) *Object {
	return &Object{
		id:    id,
		info:  info,
		pages: make(map[uint64]*slot),
	}
}

// ID returns the object's id.
func (o *Object) ID() pager.ObjID {
	return o.id
}

// Info returns the object's info.
func (o *Object) Info() pager.ObjectInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.info
}

// Persistent returns true if the object's pages are backed by storage.
func (o *Object) Persistent() bool {
	return o.Info().Lifetime == pager.LifetimePersistent
}

func (o *Object) String() string {
	return fmt.Sprintf("object %v", o.id)
}

// PageResult is the outcome of GetPage.
type PageResult struct {
	// Page holds a reference owned by the caller.
	Page *Page

	// Writable is false if a write through a mapping of the page must
	// fault: the page is shared copy-on-write, or is a clean page of a
	// persistent object whose first write must be recorded.
	Writable bool

	// Copied is true if a copy-on-write page was copied.
	Copied bool
}

// GetPage returns resident page pn with a new reference. A write marks the
// page dirty, and breaks copy-on-write sharing, copying the page into a frame
// from mem if another object still holds it. It returns ErrNotPresent if the
// page is not resident.
func (o *Object) GetPage(mem *pgalloc.Memory, pn uint64, write bool) (PageResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dead {
		return PageResult{}, ErrDead
	}
	s, ok := o.pages[pn]
	if !ok {
		return PageResult{}, ErrNotPresent
	}
	s.referenced = true
	var res PageResult
	if write {
		if s.cow {
			if s.page.Shared() {
				ref, err := mem.Allocate(pgalloc.AllocOpts{})
				if err != nil {
					return PageResult{}, err
				}
				np := NewPage(mem, ref)
				np.owners.Store(1)
				copy(np.Bytes(), s.page.Bytes())
				old := s.page
				old.owners.Add(-1)
				old.DecRef()
				s.page = np
				res.Copied = true
			}
			s.cow = false
		}
		s.dirty = true
	}
	s.page.IncRef()
	res.Page = s.page
	res.Writable = !s.cow && (s.dirty || o.info.Lifetime == pager.LifetimeVolatile)
	return res, nil
}

// AddPage installs page pn, taking over the caller's reference to p. If the
// page is already resident p is released and the resident page kept; AddPage
// reports whether p was installed. Volatile pages start dirty.
func (o *Object) AddPage(pn uint64, p *Page) bool {
	o.mu.Lock()
	if o.dead || o.pages[pn] != nil {
		o.mu.Unlock()
		p.DecRef()
		return false
	}
	p.owners.Add(1)
	o.pages[pn] = &slot{page: p, dirty: o.info.Lifetime == pager.LifetimeVolatile, referenced: true}
	if pn >= o.info.Pages {
		o.info.Pages = pn + 1
	}
	o.mu.Unlock()
	return true
}

// Resident returns true if page pn is resident.
func (o *Object) Resident(pn uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pages[pn]
	return ok
}

// PageState describes a resident page.
type PageState struct {
	Addr  uint64
	CoW   bool
	Dirty bool
	Wired bool
}

// State returns the state of page pn.
func (o *Object) State(pn uint64) (PageState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.pages[pn]
	if !ok {
		return PageState{}, false
	}
	return PageState{Addr: uint64(s.page.Addr()), CoW: s.cow, Dirty: s.dirty, Wired: s.page.Wired()}, true
}

// RemovePage drops page pn from the cache and returns it; the object's
// reference passes to the caller, who must drop it only after every mapping
// of the page has been invalidated. Dirty pages are not removed unless force
// is set.
func (o *Object) RemovePage(pn uint64, force bool) (*Page, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.pages[pn]
	if !ok || (s.dirty && !force) {
		return nil, false
	}
	delete(o.pages, pn)
	s.page.owners.Add(-1)
	return s.page, true
}

// Age clears the referenced bit of page pn and returns its old value, along
// with whether the page may be dropped without being stored first.
func (o *Object) Age(pn uint64) (referenced, clean, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.pages[pn]
	if !ok {
		return false, false, false
	}
	referenced = s.referenced
	s.referenced = false
	clean = !s.dirty || o.info.Lifetime == pager.LifetimeVolatile
	return referenced, clean && !s.page.Wired(), true
}

// DirtyPages returns the dirty resident pages in increasing order.
func (o *Object) DirtyPages() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var pns []uint64
	for pn, s := range o.pages {
		if s.dirty {
			pns = append(pns, pn)
		}
	}
	slices.Sort(pns)
	return pns
}

// DirtyPage returns page pn with a new reference if it is resident and dirty.
func (o *Object) DirtyPage(pn uint64) (*Page, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.pages[pn]
	if !ok || !s.dirty {
		return nil, false
	}
	s.page.IncRef()
	return s.page, true
}

// MarkClean clears the dirty bit of page pn if it still holds p.
func (o *Object) MarkClean(pn uint64, p *Page) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.pages[pn]; ok && s.page == p {
		s.dirty = false
	}
}

// MarkDirty sets the dirty bit of page pn if it still holds p, undoing a
// MarkClean whose write back failed.
func (o *Object) MarkDirty(pn uint64, p *Page) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.pages[pn]; ok && s.page == p {
		s.dirty = true
	}
}

// Holds returns true if page pn is resident and is p.
func (o *Object) Holds(pn uint64, p *Page) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.pages[pn]
	return ok && s.page == p
}

// ResidentPages returns the resident page numbers in increasing order.
func (o *Object) ResidentPages() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	pns := make([]uint64, 0, len(o.pages))
	for pn := range o.pages {
		pns = append(pns, pn)
	}
	slices.Sort(pns)
	return pns
}

// Kill marks the object deleted and returns its resident pages, whose
// references pass to the caller.
func (o *Object) Kill() []*Page {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dead = true
	pages := make([]*Page, 0, len(o.pages))
	for pn, s := range o.pages {
		s.page.owners.Add(-1)
		pages = append(pages, s.page)
		delete(o.pages, pn)
	}
	return pages
}

// Dead returns true if the object was deleted.
func (o *Object) Dead() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dead
}

// lockPair locks a and b in a fixed order.
func lockPair(a, b *Object) func() {
	if a.id.Compare(b.id) > 0 {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

// ShareFrom makes pages [dstPage, dstPage+n) of o share the resident pages
// [srcPage, srcPage+n) of src copy-on-write. Pages of o in the range are
// replaced and returned; the caller drops them once their mappings are
// invalidated. Every source page must be resident.
//
// Writable mappings of the source pages must be write-protected by the
// caller, since the pages are copy-on-write on both sides afterward.
func (o *Object) ShareFrom(src *Object, srcPage, dstPage, n uint64) ([]*Page, error) {
	if src == o {
		return nil, errors.Newf(errors.CodeInvalid, "sharing %v with itself", o)
	}
	unlock := lockPair(o, src)
	defer unlock()
	if o.dead || src.dead {
		return nil, ErrDead
	}
	for i := uint64(0); i < n; i++ {
		if _, ok := src.pages[srcPage+i]; !ok {
			return nil, fmt.Errorf("page %d of %v: %w", srcPage+i, src, ErrNotPresent)
		}
	}
	var replaced []*Page
	for i := uint64(0); i < n; i++ {
		s := src.pages[srcPage+i]
		s.cow = true
		s.page.IncRef()
		s.page.owners.Add(1)
		pn := dstPage + i
		if old, ok := o.pages[pn]; ok {
			old.page.owners.Add(-1)
			replaced = append(replaced, old.page)
		}
		o.pages[pn] = &slot{page: s.page, cow: true, dirty: true, referenced: true}
		if pn >= o.info.Pages {
			o.info.Pages = pn + 1
		}
	}
	return replaced, nil
}
