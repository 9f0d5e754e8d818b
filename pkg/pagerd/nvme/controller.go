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

package nvme

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/log"
	"objmem.dev/objmem/pkg/requester"
	"objmem.dev/objmem/pkg/sync"
)

// Defaults for Options.
const (
	DefaultQueueDepth = 32
	DefaultWorkers    = 4
)

// ErrNotReady is returned by Probe when the controller does not become ready
// in time.
var ErrNotReady = errors.New(errors.CodeIO, "controller not ready")

// Command is one entry on the submission queue.
type Command struct {
	Op  Op
	LBA uint64

	// Buf is the block read into or written from. It is nil for OpFlush.
	Buf []byte
}

func (c Command) String() string {
	return fmt.Sprintf("%v@%d", c.Op, c.LBA)
}

// Options configure a Controller.
type Options struct {
	// QueueDepth is the number of commands that may be outstanding.
	QueueDepth int

	// Workers is the number of commands the device executes at once.
	// Commands with more than one worker complete out of order.
	Workers int

	// StartDelay is how long the controller takes to become ready after
	// Start.
	StartDelay time.Duration
}

type submission struct {
	id  uint64
	cmd Command
}

// Controller drives a BlockDevice through a queue pair. Commands are tagged
// by the request engine and the device completes them in any order.
type Controller struct {
	dev  BlockDevice
	opts Options
	req  *requester.Requester[Command, struct{}]
	sq   chan submission

	ready   atomic.Bool
	started atomic.Bool
	stopped chan struct{}
	stop    sync.Once
	cancel  context.CancelFunc
	group   *errgroup.Group

	reads  atomic.Uint64
	writes atomic.Uint64
	errs   atomic.Uint64
}

// NewController returns a controller for dev. It does nothing until Start.
func NewController(dev BlockDevice, opts Options) *Controller {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	c := &Controller{
		dev:     dev,
		opts:    opts,
		sq:      make(chan submission, opts.QueueDepth),
		stopped: make(chan struct{}),
	}
	c.req = requester.New[Command, struct{}](queuePair{c})
	return c
}

// queuePair is the requester's view of the submission queue.
type queuePair struct {
	c *Controller
}

// NumIDs implements requester.Driver.NumIDs.
func (q queuePair) NumIDs() int {
	return q.c.opts.QueueDepth
}

// Submit implements requester.Driver.Submit.
func (q queuePair) Submit(ctx context.Context, reqs []requester.SubmitRequest[Command]) (int, error) {
	for i, r := range reqs {
		select {
		case q.c.sq <- submission{id: r.ID(), cmd: r.Data}:
		case <-q.c.stopped:
			return i, requester.ErrShutdown
		case <-ctx.Done():
			return i, ctx.Err()
		}
	}
	return len(reqs), nil
}

// Device returns the device under c.
func (c *Controller) Device() BlockDevice {
	return c.dev
}

// Start starts the device's workers.
func (c *Controller) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		panic("controller started twice")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.group, ctx = errgroup.WithContext(ctx)
	c.group.Go(func() error {
		select {
		case <-time.After(c.opts.StartDelay):
			c.ready.Store(true)
			log.Debugf("Controller ready: %d blocks, queue depth %d", c.dev.NumBlocks(), c.opts.QueueDepth)
		case <-ctx.Done():
		}
		return nil
	})
	for i := 0; i < c.opts.Workers; i++ {
		c.group.Go(func() error { return c.work(ctx) })
	}
}

// Ready returns true once the controller accepts commands.
func (c *Controller) Ready() bool {
	return c.ready.Load()
}

// Probe waits up to timeout for the controller to become ready.
func (c *Controller) Probe(ctx context.Context, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = timeout
	op := func() error {
		if !c.started.Load() {
			return backoff.Permanent(errors.New(errors.CodeInvalid, "controller not started"))
		}
		if c.Ready() {
			return nil
		}
		return ErrNotReady
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("probing controller: %w", err)
	}
	return nil
}

func (c *Controller) work(ctx context.Context) error {
	for {
		select {
		case s := <-c.sq:
			err := c.execute(s.cmd)
			if err != nil {
				c.errs.Add(1)
				log.Warningf("Controller: %v failed: %v", s.cmd, err)
			}
			c.req.Finish([]requester.ResponseInfo[struct{}]{requester.NewResponse(s.id, struct{}{}, err)})
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Controller) execute(cmd Command) error {
	switch cmd.Op {
	case OpRead:
		c.reads.Add(1)
		return c.dev.ReadBlock(cmd.LBA, cmd.Buf)
	case OpWrite:
		c.writes.Add(1)
		return c.dev.WriteBlock(cmd.LBA, cmd.Buf)
	case OpFlush:
		return c.dev.Flush()
	}
	return errors.Newf(errors.CodeNotSupported, "command %v", cmd)
}

// submit runs cmds as one batch and waits for all of them.
func (c *Controller) submit(ctx context.Context, cmds []Command) error {
	if !c.Ready() {
		return ErrNotReady
	}
	reqs := make([]requester.SubmitRequest[Command], len(cmds))
	for i, cmd := range cmds {
		reqs[i] = requester.NewRequest(cmd)
	}
	f, err := c.req.Submit(ctx, reqs)
	if err != nil {
		return err
	}
	sum, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	if sum.Failed() {
		return fmt.Errorf("%v: %w", cmds[sum.ErrIndex], sum.Err)
	}
	return nil
}

func blockCommands(op Op, lba uint64, p []byte) ([]Command, error) {
	if len(p) == 0 || len(p)%BlockSize != 0 {
		return nil, errors.Newf(errors.CodeInvalid, "%v of %d bytes is not whole blocks", op, len(p))
	}
	cmds := make([]Command, 0, len(p)/BlockSize)
	for off := 0; off < len(p); off += BlockSize {
		cmds = append(cmds, Command{Op: op, LBA: lba + uint64(off/BlockSize), Buf: p[off : off+BlockSize]})
	}
	return cmds, nil
}

// Read reads len(p)/BlockSize blocks starting at lba into p.
func (c *Controller) Read(ctx context.Context, lba uint64, p []byte) error {
	cmds, err := blockCommands(OpRead, lba, p)
	if err != nil {
		return err
	}
	return c.submit(ctx, cmds)
}

// Write writes p to the blocks starting at lba.
func (c *Controller) Write(ctx context.Context, lba uint64, p []byte) error {
	cmds, err := blockCommands(OpWrite, lba, p)
	if err != nil {
		return err
	}
	return c.submit(ctx, cmds)
}

// Flush makes every completed write durable.
func (c *Controller) Flush(ctx context.Context) error {
	return c.submit(ctx, []Command{{Op: OpFlush}})
}

// Stats holds controller counters.
type Stats struct {
	Reads  uint64
	Writes uint64
	Errors uint64
}

// Stats returns the controller's counters.
func (c *Controller) Stats() Stats {
	return Stats{Reads: c.reads.Load(), Writes: c.writes.Load(), Errors: c.errs.Load()}
}

// Stop stops the workers and fails outstanding commands.
func (c *Controller) Stop() error {
	if !c.started.Load() {
		return nil
	}
	var err error
	c.stop.Do(func() {
		close(c.stopped)
		c.ready.Store(false)
		c.cancel()
		err = c.group.Wait()
		c.req.Shutdown()
	})
	return err
}
