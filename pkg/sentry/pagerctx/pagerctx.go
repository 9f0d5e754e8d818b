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

// Package pagerctx is the kernel side of the pager protocol.
//
// A PagerContext owns the two queues shared with the pager: on the
// kernel-to-pager queue the kernel submits commands and receives their
// completions, and on the pager-to-kernel queue it receives the pager's
// requests and completes them. Three goroutines keep both directions live:
//
//   - the sender moves queued commands onto the kernel-to-pager queue,
//     assigning each a queue id;
//   - the completion thread matches completions to requests by id and wakes
//     their waiters;
//   - the receiver handles requests from the pager.
//
// Nothing is sent before the pager announces itself with a Ready request.
// A caller that needs a page suspends on its Request; other goroutines keep
// running.
package pagerctx

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/log"
	"objmem.dev/objmem/pkg/queue"
	"objmem.dev/objmem/pkg/requester"
	"objmem.dev/objmem/pkg/sync"
)

// ErrShutdown is returned for requests outstanding when the context stops.
var ErrShutdown = errors.New(errors.CodeShutdown, "pager context stopped")

// DefaultIDs is the number of commands that may be in flight at once.
const DefaultIDs = 64

var plog = log.Component("pager")

// Kernel is the part of the kernel the pager protocol calls into.
type Kernel interface {
	// FillPages installs pages of object id starting at page first, backed
	// by the frames of phys. It returns the number of pages installed.
	FillPages(id pager.ObjID, first uint64, phys pager.PhysRange, flags pager.PageFlags) (uint64, error)

	// HandlePagerRequest carries out a request made by the pager.
	HandlePagerRequest(ctx context.Context, req pager.PagerRequest) error
}

// Stats are cumulative protocol counters.
type Stats struct {
	Sent          uint64
	Completions   uint64
	PagerRequests uint64
	Joined        uint64
	Outstanding   int
}

// PagerContext is the kernel's end of the pager protocol.
type PagerContext struct {
	kq       *KernelQueue
	pq       *PagerQueue
	kernel   Kernel
	ids      *requester.IDPool[uint32]
	inflight *InflightManager
	ready    *sync.Event[struct{}]

	mu sync.Mutex

	// out holds requests waiting for the sender.
	//
	// +checklocks:mu
	out []*Request

	// +checklocks:mu
	stopped bool

	// +checklocks:mu
	cancel context.CancelFunc

	// +checklocks:mu
	group *errgroup.Group

	// notify has a token whenever out may be non-empty.
	notify chan struct{}

	sent          atomic.Uint64
	completions   atomic.Uint64
	pagerRequests atomic.Uint64
}

// New returns a PagerContext on the given queues with nids queue ids.
func New(kq *KernelQueue, pq *PagerQueue, kernel Kernel, nids int) *PagerContext {
	if nids <= 0 {
		nids = DefaultIDs
	}
	return &PagerContext{
		kq:       kq,
		pq:       pq,
		kernel:   kernel,
		ids:      requester.NewIDPool[uint32](nids),
		inflight: NewInflightManager(),
		ready:    sync.NewEvent[struct{}](),
		notify:   make(chan struct{}, 1),
	}
}

// Start starts the protocol threads.
func (p *PagerContext) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != nil {
		panic("pager context started twice")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	p.group.Go(func() error { return p.sendLoop(ctx) })
	p.group.Go(func() error { return p.completionLoop(ctx) })
	p.group.Go(func() error { return p.receiveLoop(ctx) })
}

// Stop stops the protocol threads and fails every outstanding request with
// ErrShutdown. The queues are left open.
func (p *PagerContext) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cancel, group := p.cancel, p.group
	queued := p.out
	p.out = nil
	p.mu.Unlock()

	var err error
	if group != nil {
		cancel()
		err = group.Wait()
	}
	for _, req := range queued {
		p.inflight.forget(req)
		req.ev.Signal(Result{}, ErrShutdown)
	}
	for _, req := range p.inflight.drain() {
		req.ev.Signal(Result{}, ErrShutdown)
	}
	return err
}

// WaitReady waits until the pager has announced itself.
func (p *PagerContext) WaitReady(ctx context.Context) error {
	_, err := p.ready.Wait(ctx)
	return err
}

// Ready returns true once the pager has announced itself.
func (p *PagerContext) Ready() bool {
	return p.ready.Ready()
}

// Stats returns a snapshot of the protocol counters.
func (p *PagerContext) Stats() Stats {
	return Stats{
		Sent:          p.sent.Load(),
		Completions:   p.completions.Load(),
		PagerRequests: p.pagerRequests.Load(),
		Joined:        p.inflight.Joined(),
		Outstanding:   p.inflight.Outstanding(),
	}
}

// enqueue hands req to the sender.
func (p *PagerContext) enqueue(req *Request) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.inflight.forget(req)
		req.ev.Signal(Result{}, ErrShutdown)
		return
	}
	p.out = append(p.out, req)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *PagerContext) pop() (*Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.out) == 0 {
		return nil, false
	}
	req := p.out[0]
	p.out[0] = nil
	p.out = p.out[1:]
	return req, true
}

func quiet(ctx context.Context, err error) error {
	if ctx.Err() != nil || stderrors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

func (p *PagerContext) sendLoop(ctx context.Context) error {
	if err := p.WaitReady(ctx); err != nil {
		return nil
	}
	plog.Debugf("pager ready, sending commands")
	for {
		req, ok := p.pop()
		if !ok {
			select {
			case <-p.notify:
				continue
			case <-ctx.Done():
				return nil
			}
		}
		qid, err := p.ids.Next(ctx)
		if err != nil {
			p.fail(req, ErrShutdown)
			return nil
		}
		p.inflight.bind(qid, req)
		plog.Debugf("send %d: %v", qid, req.cmd)
		if err := p.kq.Submit(ctx, qid, pager.RequestFromKernel{Cmd: req.cmd}); err != nil {
			if r := p.inflight.take(qid); r != nil {
				p.ids.Release(qid)
				r.ev.Signal(Result{}, fmt.Errorf("sending %v: %w", r.cmd, err))
			}
			return quiet(ctx, err)
		}
		p.sent.Add(1)
	}
}

func (p *PagerContext) fail(req *Request, err error) {
	p.inflight.forget(req)
	req.ev.Signal(Result{}, err)
}

func (p *PagerContext) completionLoop(ctx context.Context) error {
	for {
		qid, c, err := p.kq.RecvCompletion(ctx)
		if err != nil {
			return quiet(ctx, err)
		}
		p.completions.Add(1)
		req := p.inflight.get(qid)
		if req == nil {
			plog.Warningf("completion %v for unknown id %d", c.Data, qid)
			continue
		}
		plog.Debugf("complete %d: %v -> %v", qid, req.cmd, c.Data)
		if err := p.apply(req, c.Data); err != nil && req.err == nil {
			req.err = err
		}
		if !c.Done() {
			continue
		}
		p.inflight.take(qid)
		p.ids.Release(qid)
		req.ev.Signal(req.result, req.err)
	}
}

// apply records one completion of req.
func (p *PagerContext) apply(req *Request, d pager.KernelCompletionData) error {
	switch d.Kind {
	case pager.ComplOkay, pager.ComplEcho:
		return nil
	case pager.ComplPageData:
		n, err := p.kernel.FillPages(d.ID, d.Range.FirstPage(), d.Phys, d.Flags)
		req.result.Pages += n
		if err != nil {
			return fmt.Errorf("filling %v of %v from %v: %w", d.Range, d.ID, d.Phys, err)
		}
		return nil
	case pager.ComplObjectInfo:
		req.result.Info = d.Info
		return nil
	case pager.ComplError, pager.ComplNoSuchObject:
		return d.Err()
	default:
		return errors.Newf(errors.CodeInvalid, "unexpected completion %v", d)
	}
}

func (p *PagerContext) receiveLoop(ctx context.Context) error {
	for {
		qid, r, err := p.pq.Receive(ctx)
		if err != nil {
			return quiet(ctx, err)
		}
		p.pagerRequests.Add(1)
		var herr error
		switch r.Req.Kind {
		case pager.PReqReady:
			if p.ready.Signal(struct{}{}, nil) {
				plog.Infof("pager is ready")
			}
		default:
			herr = p.kernel.HandlePagerRequest(ctx, r.Req)
			if herr != nil {
				plog.Debugf("pager request %v: %v", r.Req, herr)
			}
		}
		if err := p.pq.Complete(ctx, qid, pager.CompletionToPager{Data: pager.PagerCompletion(herr)}); err != nil {
			return quiet(ctx, err)
		}
	}
}

func (p *PagerContext) submit(kind ReqKind, cmd pager.KernelCommand) *Request {
	req, joined := p.inflight.lookupOrAdd(kind, cmd.ID, func() *Request { return newRequest(kind, cmd) })
	if !joined {
		p.enqueue(req)
	}
	return req
}

// Echo sends an EchoReq and waits for the answer.
func (p *PagerContext) Echo(ctx context.Context) error {
	_, err := p.submit(KindEcho, pager.EchoReq()).Wait(ctx)
	return err
}

// ObjectInfo asks the pager for the info of object id. Concurrent callers
// for the same object share one command.
func (p *PagerContext) ObjectInfo(ctx context.Context, id pager.ObjID) (pager.ObjectInfo, error) {
	res, err := p.submit(KindInfo, pager.ObjectInfoReq(id)).Wait(ctx)
	return res.Info, err
}

// RequestPagesAsync asks the pager for up to n pages of object id from page
// first. If page first is already being brought in, the outstanding request
// is returned and joined is true. Otherwise the new request covers the pages
// up to the first one that is already requested.
func (p *PagerContext) RequestPagesAsync(id pager.ObjID, first, n uint64) (req *Request, joined bool) {
	if n == 0 {
		n = 1
	}
	req, joined = p.inflight.addPages(id, first, n)
	if !joined {
		p.enqueue(req)
	}
	return req, joined
}

// RequestPages brings in pages of object id and waits for them. It returns
// the number of pages the pager supplied.
func (p *PagerContext) RequestPages(ctx context.Context, id pager.ObjID, first, n uint64) (uint64, error) {
	req, _ := p.RequestPagesAsync(id, first, n)
	res, err := req.Wait(ctx)
	return res.Pages, err
}

// PagePending returns the request bringing in page pn of id, if any.
func (p *PagerContext) PagePending(id pager.ObjID, pn uint64) (*Request, bool) {
	return p.inflight.pending(id, pn)
}

// CreateObject tells the pager to persist a new object.
func (p *PagerContext) CreateObject(ctx context.Context, id pager.ObjID, info pager.ObjectInfo) error {
	_, err := p.submit(KindCreate, pager.ObjectCreate(id, info)).Wait(ctx)
	return err
}

// DeleteObject tells the pager to delete an object and all its pages.
func (p *PagerContext) DeleteObject(ctx context.Context, id pager.ObjID) error {
	_, err := p.submit(KindDel, pager.ObjectDel(id)).Wait(ctx)
	return err
}

// Evict hands the pager the frames of info.Phys holding info.Range of an
// object and waits for it to finish with them.
func (p *PagerContext) Evict(ctx context.Context, info pager.EvictInfo) error {
	_, err := p.submit(KindEvict, pager.ObjectEvict(info)).Wait(ctx)
	return err
}

// Sync asks the pager to make everything written for object id durable.
// Concurrent callers for the same object share one command.
func (p *PagerContext) Sync(ctx context.Context, id pager.ObjID) error {
	cmd := pager.ObjectEvict(pager.EvictInfo{ID: id, Flags: pager.EvictSync | pager.EvictFence})
	_, err := p.submit(KindSync, cmd).Wait(ctx)
	return err
}

// GiveDram gives the frames of r to the pager. It never blocks.
func (p *PagerContext) GiveDram(r pager.PhysRange) *Request {
	return p.submit(KindDram, pager.DramPages(r))
}
