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

// Package pagerd implements the pager: the service that supplies object
// pages from storage and writes evicted pages back.
//
// The pager attaches to the two queue objects named at start. It receives
// kernel commands on one and sends its own requests to the kernel on the
// other. The pager has no MMU of its own: it moves page contents between
// storage and physical memory through a staging buffer, asking the kernel
// to copy between the buffer and physical frames with CopyUserPhys.
//
// Page frames come from DRAM the kernel hands over with DramPages. A frame
// given to the kernel in a PageDataCompletion belongs to the kernel until it
// is handed back.
package pagerd

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/log"
	"objmem.dev/objmem/pkg/pagerd/kvlog"
	"objmem.dev/objmem/pkg/pagerd/nvme"
	"objmem.dev/objmem/pkg/queue"
	"objmem.dev/objmem/pkg/requester"
	"objmem.dev/objmem/pkg/sentry/pagerctx"
)

var plog = log.Component("pagerd")

// Defaults for Config.
const (
	DefaultWorkers       = 4
	DefaultAllocWait     = 50 * time.Millisecond
	DefaultStatsInterval = 10 * time.Second
	DefaultKernelIDs     = 16
)

// Config configures a Pager.
type Config struct {
	// Workers is the number of kernel commands handled at once.
	Workers int

	// AllocWait bounds how long a page request waits for a DRAM frame
	// before failing with ErrNoMemory.
	AllocWait time.Duration

	// StatsInterval is the minimum time between statistics reports.
	StatsInterval time.Duration

	// KernelIDs is the number of requests the pager may have outstanding
	// to the kernel.
	KernelIDs int
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.AllocWait == 0 {
		c.AllocWait = DefaultAllocWait
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	if c.KernelIDs <= 0 {
		c.KernelIDs = DefaultKernelIDs
	}
}

// Staging is memory the pager can read and write that the kernel can also
// reach as an object.
type Staging interface {
	// ID is the id of the object behind the buffer.
	ID() pager.ObjID

	// Size is the size of the buffer in bytes.
	Size() uint64

	ReadAt(ctx context.Context, p []byte, off uint64) error
	WriteAt(ctx context.Context, p []byte, off uint64) error
}

// QueueLookup finds queue objects by id.
type QueueLookup interface {
	LookupQueue(id pager.ObjID) (*queue.Queue, bool)
}

// Attach finds the queue objects named by the bootstrap ids, waiting up to
// timeout for them to be published.
func Attach(ctx context.Context, lookup QueueLookup, kernelToPager, pagerToKernel string, timeout time.Duration) (*pagerctx.KernelQueue, *pagerctx.PagerQueue, error) {
	kid, err := pager.ParseObjID(kernelToPager)
	if err != nil {
		return nil, nil, fmt.Errorf("kernel-to-pager queue id: %w", err)
	}
	pid, err := pager.ParseObjID(pagerToKernel)
	if err != nil {
		return nil, nil, fmt.Errorf("pager-to-kernel queue id: %w", err)
	}
	var kq, pq *queue.Queue
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxElapsedTime = timeout
	op := func() error {
		var ok bool
		if kq, ok = lookup.LookupQueue(kid); !ok {
			return errors.Newf(errors.CodeNoSuchObject, "queue %v", kid)
		}
		if pq, ok = lookup.LookupQueue(pid); !ok {
			return errors.Newf(errors.CodeNoSuchObject, "queue %v", pid)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, nil, fmt.Errorf("attaching to queues: %w", err)
	}
	kt, err := pagerctx.WrapKernelQueue(kq)
	if err != nil {
		return nil, nil, err
	}
	pt, err := pagerctx.WrapPagerQueue(pq)
	if err != nil {
		return nil, nil, err
	}
	return kt, pt, nil
}

// kernelLink submits pager requests on the pager-to-kernel queue.
type kernelLink struct {
	pq  *pagerctx.PagerQueue
	ids int
}

// NumIDs implements requester.Driver.NumIDs.
func (l kernelLink) NumIDs() int {
	return l.ids
}

// Submit implements requester.Driver.Submit.
func (l kernelLink) Submit(ctx context.Context, reqs []requester.SubmitRequest[pager.PagerRequest]) (int, error) {
	for i, r := range reqs {
		if err := l.pq.Submit(ctx, uint32(r.ID()), pager.RequestFromPager{Req: r.Data}); err != nil {
			return i, err
		}
	}
	return len(reqs), nil
}

// Pager is the pager service.
type Pager struct {
	cfg     Config
	kq      *pagerctx.KernelQueue
	pq      *pagerctx.PagerQueue
	data    *DataManager
	ctrl    *nvme.Controller
	staging Staging
	mem     *Memory
	stats   *Stats
	kernel  *requester.Requester[pager.PagerRequest, pager.PagerCompletionData]

	// slots holds the offsets of free page-sized slots of staging.
	slots chan uint64
	sem   *semaphore.Weighted

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New returns a pager serving kq and pq from data and ctrl.
func New(cfg Config, kq *pagerctx.KernelQueue, pq *pagerctx.PagerQueue, data *DataManager, ctrl *nvme.Controller, staging Staging) (*Pager, error) {
	cfg.setDefaults()
	if staging.Size() < uint64(cfg.Workers)*hostarch.PageSize {
		return nil, errors.Newf(errors.CodeInvalid, "staging buffer of %d bytes for %d workers", staging.Size(), cfg.Workers)
	}
	p := &Pager{
		cfg:     cfg,
		kq:      kq,
		pq:      pq,
		data:    data,
		ctrl:    ctrl,
		staging: staging,
		mem:     NewMemory(),
		stats:   newStats(cfg.StatsInterval),
		slots:   make(chan uint64, cfg.Workers),
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
	}
	p.kernel = requester.New[pager.PagerRequest, pager.PagerCompletionData](kernelLink{pq: pq, ids: cfg.KernelIDs})
	for i := 0; i < cfg.Workers; i++ {
		p.slots <- uint64(i) * hostarch.PageSize
	}
	return p, nil
}

// Memory returns the pager's DRAM allocator.
func (p *Pager) Memory() *Memory {
	return p.mem
}

// Stats returns the pager's per-object counters.
func (p *Pager) Stats() *Stats {
	return p.stats
}

// Start announces the pager to the kernel and starts serving commands.
func (p *Pager) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	p.group.Go(func() error { return p.completionLoop(ctx) })
	if err := p.call(ctx, pager.Ready()); err != nil {
		p.cancel()
		p.group.Wait()
		return fmt.Errorf("announcing pager: %w", err)
	}
	p.group.Go(func() error { return p.receiveLoop(ctx) })
	plog.Infof("Pager started: %d workers, %d blocks of storage", p.cfg.Workers, p.ctrl.Device().NumBlocks())
	return nil
}

// Stop stops serving and waits for outstanding commands.
func (p *Pager) Stop() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	err := p.group.Wait()
	p.kernel.Shutdown()
	p.stats.report()
	return err
}

func quiet(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil || stderrors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

// completionLoop matches the kernel's completions to pager requests.
func (p *Pager) completionLoop(ctx context.Context) error {
	for {
		id, c, err := p.pq.RecvCompletion(ctx)
		if err != nil {
			return quiet(ctx, err)
		}
		p.kernel.Finish([]requester.ResponseInfo[pager.PagerCompletionData]{
			requester.NewResponse(uint64(id), c.Data, c.Data.Err()),
		})
	}
}

// call sends req to the kernel and waits for its completion.
func (p *Pager) call(ctx context.Context, req pager.PagerRequest) error {
	f, err := p.kernel.Submit(ctx, []requester.SubmitRequest[pager.PagerRequest]{requester.NewRequest(req)})
	if err != nil {
		return err
	}
	sum, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	if sum.Failed() {
		return fmt.Errorf("%v: %w", req, sum.Err)
	}
	return nil
}

// receiveLoop takes kernel commands. DramPages is handled before the next
// command is taken, so frames the kernel returns are seen by every later
// command. Everything else runs on a worker.
func (p *Pager) receiveLoop(ctx context.Context) error {
	for {
		id, req, err := p.kq.Receive(ctx)
		if err != nil {
			return quiet(ctx, err)
		}
		if req.Cmd.Kind == pager.CmdDramPages {
			p.mem.Add(req.Cmd.Phys)
			plog.Debugf("Tracking %d KB of memory", req.Cmd.Phys.Len()/1024)
			if err := p.complete(ctx, id, []pager.KernelCompletionData{pager.Okay()}); err != nil {
				return err
			}
			continue
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return quiet(ctx, err)
		}
		cmd := req.Cmd
		p.group.Go(func() error {
			defer p.sem.Release(1)
			compls := p.handle(ctx, cmd)
			p.stats.report()
			return p.complete(ctx, id, compls)
		})
	}
}

func (p *Pager) complete(ctx context.Context, id uint32, compls []pager.KernelCompletionData) error {
	for i, d := range compls {
		c := pager.CompletionToKernel{Data: d}
		if i == len(compls)-1 {
			c.Flags = pager.CompletionDone
		}
		if err := p.kq.Complete(ctx, id, c); err != nil {
			return quiet(ctx, err)
		}
	}
	return nil
}

func one(d pager.KernelCompletionData) []pager.KernelCompletionData {
	return []pager.KernelCompletionData{d}
}

// handle carries out one kernel command and returns its completions.
func (p *Pager) handle(ctx context.Context, cmd pager.KernelCommand) []pager.KernelCompletionData {
	plog.Debugf("Handling %v", cmd)
	switch cmd.Kind {
	case pager.CmdEcho:
		return one(pager.EchoResp())
	case pager.CmdPageData:
		return p.pageData(ctx, cmd.ID, cmd.Range)
	case pager.CmdObjectInfo:
		info, err := p.data.LookupObjectInfo(ctx, cmd.ID)
		if err != nil {
			return one(pager.Error(err))
		}
		return one(pager.ObjectInfoCompletion(cmd.ID, info))
	case pager.CmdObjectCreate:
		if err := p.data.CreateObject(ctx, cmd.ID, cmd.Info); err != nil {
			plog.Warningf("Creating %v: %v", cmd.ID, err)
			return one(pager.Error(err))
		}
		return one(pager.Okay())
	case pager.CmdObjectDel:
		if err := p.data.DeleteObject(ctx, cmd.ID); err != nil {
			return one(pager.Error(err))
		}
		return one(pager.Okay())
	case pager.CmdObjectEvict:
		if err := p.evict(ctx, cmd.EvictInfo()); err != nil {
			plog.Warningf("Evicting %v %v: %v", cmd.ID, cmd.Range, err)
			return one(pager.Error(err))
		}
		return one(pager.Okay())
	}
	return one(pager.Error(errors.Newf(errors.CodeNotSupported, "command %v", cmd)))
}

// pageData brings pages of r into DRAM frames, one completion per page. If
// a page fails, the pages before it are still completed.
func (p *Pager) pageData(ctx context.Context, id pager.ObjID, r pager.ObjectRange) []pager.KernelCompletionData {
	info, err := p.data.LookupObjectInfo(ctx, id)
	if err != nil {
		return one(pager.Error(err))
	}
	slot := <-p.slots
	defer func() { p.slots <- slot }()

	var out []pager.KernelCompletionData
	buf := make([]byte, hostarch.PageSize)
	for pn := r.FirstPage(); pn < r.FirstPage()+r.PageCount(); pn++ {
		addr, err := p.mem.Alloc(ctx, p.cfg.AllocWait)
		if err != nil {
			return append(out, pager.Error(err))
		}
		phys := pager.PhysRange{Start: addr, End: addr + hostarch.PageSize}
		if err := p.readPage(ctx, id, pn, pn < info.Pages, buf, slot, phys); err != nil {
			p.mem.Free(addr)
			p.stats.failed(id, true)
			plog.Warningf("Reading page %d of %v: %v", pn, id, err)
			return append(out, pager.Error(err))
		}
		p.stats.read(id)
		out = append(out, pager.PageDataCompletion(id, pager.PageRange(pn, 1), phys, 0))
	}
	return out
}

// readPage fills phys with page pn of object id. A page never written is
// zero filled by copying nothing.
func (p *Pager) readPage(ctx context.Context, id pager.ObjID, pn uint64, stored bool, buf []byte, slot uint64, phys pager.PhysRange) error {
	length := uint64(0)
	if stored {
		e, err := p.data.LookupPageEntry(ctx, id, pn)
		switch {
		case err == nil:
			if err := p.ctrl.Read(ctx, e.Block, buf); err != nil {
				return err
			}
			if err := p.staging.WriteAt(ctx, buf, slot); err != nil {
				return err
			}
			length = hostarch.PageSize
		case err != kvlog.ErrKeyNotFound:
			return err
		}
	}
	return p.call(ctx, pager.CopyUserPhys(p.staging.ID(), slot, length, phys, true))
}

// evict writes the pages held in info.Phys to storage.
func (p *Pager) evict(ctx context.Context, info pager.EvictInfo) error {
	if info.Flags&pager.EvictSync == 0 {
		return errors.Newf(errors.CodeNotSupported, "evicting without sync")
	}
	if _, err := p.data.LookupObjectInfo(ctx, info.ID); err != nil {
		return err
	}
	n := info.Phys.PageCount()
	if n > info.Range.PageCount() {
		return errors.Newf(errors.CodeInvalid, "%d pages of memory for %v", n, info.Range)
	}
	if n > 0 {
		slot := <-p.slots
		defer func() { p.slots <- slot }()
		buf := make([]byte, hostarch.PageSize)
		first := info.Range.FirstPage()
		for i := uint64(0); i < n; i++ {
			if err := p.writePage(ctx, info.ID, first+i, buf, slot, info.Phys.Page(i)); err != nil {
				p.stats.failed(info.ID, false)
				return fmt.Errorf("page %d: %w", first+i, err)
			}
		}
		if err := p.data.ExtendObject(ctx, info.ID, first+n); err != nil {
			return err
		}
	}
	if info.Flags&pager.EvictFence != 0 {
		return p.ctrl.Flush(ctx)
	}
	return nil
}

func (p *Pager) writePage(ctx context.Context, id pager.ObjID, pn uint64, buf []byte, slot uint64, addr hostarch.PhysAddr) error {
	phys := pager.PhysRange{Start: uint64(addr), End: uint64(addr) + hostarch.PageSize}
	if err := p.call(ctx, pager.CopyUserPhys(p.staging.ID(), slot, hostarch.PageSize, phys, false)); err != nil {
		return err
	}
	if err := p.staging.ReadAt(ctx, buf, slot); err != nil {
		return err
	}
	block, allocated, err := p.data.PageBlock(ctx, id, pn)
	if err != nil {
		return err
	}
	if err := p.ctrl.Write(ctx, block, buf); err != nil {
		return err
	}
	p.stats.written(id, allocated)
	return nil
}
