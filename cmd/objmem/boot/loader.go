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

// Package boot assembles a simulated machine: the kernel, a disk behind its
// controller, and the pager serving the kernel from that disk.
package boot

import (
	"context"
	"fmt"
	"os"

	"objmem.dev/objmem/pkg/cleanup"
	"objmem.dev/objmem/pkg/config"
	"objmem.dev/objmem/pkg/log"
	"objmem.dev/objmem/pkg/pagerd"
	"objmem.dev/objmem/pkg/pagerd/nvme"
	"objmem.dev/objmem/pkg/sentry/kernel"
)

// stagingPagesPerWorker is the size of each pager worker's slot of the
// staging buffer.
const stagingPagesPerWorker = 1

// OpenDisk opens the disk named by conf. An empty path selects an in-memory
// disk. A missing image is created with conf.DiskBlocks blocks unless
// readOnly is set.
func OpenDisk(conf *config.Config, readOnly bool) (nvme.BlockDevice, error) {
	if conf.Disk == "" {
		if readOnly {
			return nil, fmt.Errorf("an in-memory disk cannot be opened read-only")
		}
		log.Infof("Using an in-memory disk of %d blocks", conf.DiskBlocks)
		return nvme.NewMemDevice(conf.DiskBlocks), nil
	}
	opts := nvme.FileOptions{ReadOnly: readOnly}
	if _, err := os.Stat(conf.Disk); os.IsNotExist(err) && !readOnly {
		opts.Create = true
		opts.Blocks = conf.DiskBlocks
		log.Infof("Creating disk image %q of %d blocks", conf.Disk, conf.DiskBlocks)
	}
	return nvme.OpenFile(conf.Disk, opts)
}

// StartController starts a controller for dev and waits for it to be ready.
func StartController(ctx context.Context, conf *config.Config, dev nvme.BlockDevice) (*nvme.Controller, error) {
	ctrl := nvme.NewController(dev, nvme.Options{})
	ctrl.Start(ctx)
	if err := ctrl.Probe(ctx, conf.ProbeTimeout); err != nil {
		ctrl.Stop()
		return nil, err
	}
	return ctrl, nil
}

// Loader keeps the state of a running machine.
type Loader struct {
	conf *config.Config

	// k is the kernel.
	k *kernel.Kernel

	dev  nvme.BlockDevice
	ctrl *nvme.Controller
	data *pagerd.DataManager

	// staging is the pager's window onto object memory.
	staging *kernel.UserBuffer

	pager *pagerd.Pager

	cancel  context.CancelFunc
	destroy func()
}

// New boots a machine configured by conf. The machine runs until Destroy.
func New(ctx context.Context, conf *config.Config) (*Loader, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	cu := cleanup.Make(cancel)
	defer cu.Clean()

	dev, err := OpenDisk(conf, false)
	if err != nil {
		return nil, fmt.Errorf("opening disk: %w", err)
	}
	cu.Add(func() { dev.Close() })

	ctrl, err := StartController(ctx, conf, dev)
	if err != nil {
		return nil, err
	}
	cu.Add(func() { ctrl.Stop() })

	data, err := pagerd.Mount(ctx, ctrl, true)
	if err != nil {
		return nil, fmt.Errorf("mounting storage: %w", err)
	}

	k, err := kernel.New(kernel.InitKernelArgs{
		Frames:       conf.Frames,
		Cores:        conf.Cores,
		TLBEntries:   conf.TLBEntries,
		PagerFrames:  conf.PagerFrames,
		QueueDepth:   conf.QueueDepth,
		PagerIDs:     conf.PagerIDs,
		Readahead:    conf.Readahead,
		ReclaimBatch: conf.ReclaimBatch,
	})
	if err != nil {
		return nil, fmt.Errorf("creating kernel: %w", err)
	}
	cu.Add(func() { k.Close() })
	k.Start(ctx)
	cu.Add(func() { k.Stop() })

	// The pager finds its queues by the ids the kernel publishes, the way
	// a separate process would be handed them.
	kid, pid := k.QueueIDs()
	kq, pq, err := pagerd.Attach(ctx, k, kid.String(), pid.String(), conf.ProbeTimeout)
	if err != nil {
		return nil, err
	}
	staging, err := k.NewUserBuffer(ctx, uint64(conf.PagerWorkers*stagingPagesPerWorker))
	if err != nil {
		return nil, fmt.Errorf("creating staging buffer: %w", err)
	}
	p, err := pagerd.New(pagerd.Config{
		Workers:       conf.PagerWorkers,
		AllocWait:     conf.AllocWait,
		StatsInterval: conf.StatsInterval,
		KernelIDs:     conf.QueueDepth,
	}, kq, pq, data, ctrl, staging)
	if err != nil {
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	cu.Add(func() { p.Stop() })

	log.Infof("Machine booted: %d frames, %d cores, storage %v", conf.Frames, conf.Cores, data.Layout())
	return &Loader{
		conf:    conf,
		k:       k,
		dev:     dev,
		ctrl:    ctrl,
		data:    data,
		staging: staging,
		pager:   p,
		cancel:  cancel,
		destroy: cu.Release(),
	}, nil
}

// Kernel returns the machine's kernel.
func (l *Loader) Kernel() *kernel.Kernel {
	return l.k
}

// Pager returns the machine's pager.
func (l *Loader) Pager() *pagerd.Pager {
	return l.pager
}

// Data returns the pager's data manager.
func (l *Loader) Data() *pagerd.DataManager {
	return l.data
}

// Controller returns the disk controller.
func (l *Loader) Controller() *nvme.Controller {
	return l.ctrl
}

// Destroy stops the machine and releases its disk. Data written back to the
// pager survives on a file-backed disk.
func (l *Loader) Destroy() {
	if err := l.ctrl.Flush(context.Background()); err != nil {
		log.Warningf("Flushing disk: %v", err)
	}
	l.destroy()
}
