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

package pagerctx

import (
	"context"
	"fmt"

	"github.com/google/btree"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/sync"
)

// ReqKind classifies requests for deduplication.
type ReqKind uint8

// Request kinds.
const (
	KindEcho ReqKind = iota
	KindInfo
	KindPageData
	KindCreate
	KindDel
	KindEvict
	KindSync
	KindDram
)

var kindNames = [...]string{
	KindEcho:     "echo",
	KindInfo:     "info",
	KindPageData: "page-data",
	KindCreate:   "create",
	KindDel:      "delete",
	KindEvict:    "evict",
	KindSync:     "sync",
	KindDram:     "dram",
}

func (k ReqKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ReqKind(%d)", k)
}

// deduplicated returns true for kinds that a second caller joins rather than
// reissues. Page data is deduplicated per page, separately.
func (k ReqKind) deduplicated() bool {
	return k == KindInfo || k == KindSync
}

// Result is what a completed request produced.
type Result struct {
	// Info is set by object info requests.
	Info pager.ObjectInfo

	// Pages is the number of pages filled by a page data request.
	Pages uint64
}

// Request is one command to the pager. Any number of callers may wait on it.
type Request struct {
	kind ReqKind
	cmd  pager.KernelCommand
	ev   *sync.Event[Result]

	// result and err are written only by the completion thread, before ev
	// is signalled.
	result Result
	err    error
}

func newRequest(kind ReqKind, cmd pager.KernelCommand) *Request {
	return &Request{kind: kind, cmd: cmd, ev: sync.NewEvent[Result]()}
}

// Kind returns the kind of r.
func (r *Request) Kind() ReqKind {
	return r.kind
}

// Command returns the command r sends.
func (r *Request) Command() pager.KernelCommand {
	return r.cmd
}

// Wait waits for the pager to complete r.
func (r *Request) Wait(ctx context.Context) (Result, error) {
	return r.ev.Wait(ctx)
}

// Done is closed once r completes.
func (r *Request) Done() <-chan struct{} {
	return r.ev.Done()
}

func (r *Request) String() string {
	return fmt.Sprintf("%v request %v", r.kind, r.cmd)
}

type reqKey struct {
	kind ReqKind
	id   pager.ObjID
}

// pendingPage records that page is being brought in by req.
type pendingPage struct {
	page uint64
	req  *Request
}

func pendingLess(a, b pendingPage) bool {
	return a.page < b.page
}

// InflightManager tracks outstanding requests: by queue id once sent, by
// (kind, object) for deduplicated kinds, and by page for page data.
type InflightManager struct {
	mu sync.Mutex

	// +checklocks:mu
	byID map[uint32]*Request

	// +checklocks:mu
	keyed map[reqKey]*Request

	// pages holds, per object, the pages requested and not yet completed.
	//
	// +checklocks:mu
	pages map[pager.ObjID]*btree.BTreeG[pendingPage]

	// +checklocks:mu
	joined uint64
}

// NewInflightManager returns an empty InflightManager.
func NewInflightManager() *InflightManager {
	return &InflightManager{
		byID:  make(map[uint32]*Request),
		keyed: make(map[reqKey]*Request),
		pages: make(map[pager.ObjID]*btree.BTreeG[pendingPage]),
	}
}

// lookupOrAdd returns the outstanding request of kind for id, or registers
// the one returned by mk. joined reports an existing request.
func (m *InflightManager) lookupOrAdd(kind ReqKind, id pager.ObjID, mk func() *Request) (req *Request, joined bool) {
	if !kind.deduplicated() {
		return mk(), false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := reqKey{kind, id}
	if r, ok := m.keyed[k]; ok {
		m.joined++
		return r, true
	}
	r := mk()
	m.keyed[k] = r
	return r, false
}

// addPages returns the request bringing in page first of id, joining an
// outstanding one if there is one. Otherwise it registers a request for up
// to n pages from first, stopping short of any page already requested.
func (m *InflightManager) addPages(id pager.ObjID, first, n uint64) (req *Request, joined bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.pages[id]
	if !ok {
		t = btree.NewG(16, pendingLess)
		m.pages[id] = t
	}
	if p, ok := t.Get(pendingPage{page: first}); ok {
		m.joined++
		return p.req, true
	}
	t.AscendRange(pendingPage{page: first}, pendingPage{page: first + n}, func(p pendingPage) bool {
		n = p.page - first
		return false
	})
	req = newRequest(KindPageData, pager.PageDataReq(id, pager.PageRange(first, n)))
	for pn := first; pn < first+n; pn++ {
		t.ReplaceOrInsert(pendingPage{page: pn, req: req})
	}
	return req, false
}

// pending returns the request bringing in page pn of id.
func (m *InflightManager) pending(id pager.ObjID, pn uint64) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.pages[id]
	if !ok {
		return nil, false
	}
	p, ok := t.Get(pendingPage{page: pn})
	return p.req, ok
}

func (m *InflightManager) bind(qid uint32, req *Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[qid]; ok {
		panic(fmt.Sprintf("queue id %d already in flight", qid))
	}
	m.byID[qid] = req
}

func (m *InflightManager) get(qid uint32) *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[qid]
}

// take unbinds queue id qid and forgets its request.
func (m *InflightManager) take(qid uint32) *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.byID[qid]
	if !ok {
		return nil
	}
	delete(m.byID, qid)
	m.forgetLocked(req)
	return req
}

// forget drops req from the deduplication indices.
func (m *InflightManager) forget(req *Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetLocked(req)
}

// +checklocks:m.mu
func (m *InflightManager) forgetLocked(req *Request) {
	id := req.cmd.ID
	switch {
	case req.kind.deduplicated():
		k := reqKey{req.kind, id}
		if m.keyed[k] == req {
			delete(m.keyed, k)
		}
	case req.kind == KindPageData:
		t, ok := m.pages[id]
		if !ok {
			return
		}
		first, n := req.cmd.Range.FirstPage(), req.cmd.Range.PageCount()
		for pn := first; pn < first+n; pn++ {
			if p, ok := t.Get(pendingPage{page: pn}); ok && p.req == req {
				t.Delete(p)
			}
		}
		if t.Len() == 0 {
			delete(m.pages, id)
		}
	}
}

// drain removes and returns every request bound to a queue id.
func (m *InflightManager) drain() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	reqs := make([]*Request, 0, len(m.byID))
	for qid, req := range m.byID {
		reqs = append(reqs, req)
		delete(m.byID, qid)
		m.forgetLocked(req)
	}
	return reqs
}

// Outstanding returns the number of requests sent and not yet completed.
func (m *InflightManager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Joined returns the number of callers that joined an outstanding request.
func (m *InflightManager) Joined() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined
}
