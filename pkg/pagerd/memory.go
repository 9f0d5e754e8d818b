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

package pagerd

import (
	"context"
	"time"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/sync"
)

// ErrNoMemory is returned when no DRAM frame became free in time.
var ErrNoMemory = errors.New(errors.CodeNoMemory, "pager memory exhausted")

// Memory allocates page frames from the DRAM the kernel gives the pager.
// Frames handed to the kernel belong to it until it gives them back.
type Memory struct {
	mu sync.Mutex

	// ranges are the parts of given ranges never allocated from.
	//
	// +checklocks:mu
	ranges []pager.PhysRange

	// +checklocks:mu
	free []uint64

	// avail is closed when frames are added.
	//
	// +checklocks:mu
	avail chan struct{}

	// +checklocks:mu
	given uint64
}

// NewMemory returns an allocator with no memory.
func NewMemory() *Memory {
	return &Memory{avail: make(chan struct{})}
}

// Add gives the allocator the frames of r.
func (m *Memory) Add(r pager.PhysRange) {
	n := r.PageCount()
	if n == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n == 1 {
		m.free = append(m.free, uint64(r.Page(0)))
	} else {
		m.ranges = append(m.ranges, r)
	}
	m.given += n
	close(m.avail)
	m.avail = make(chan struct{})
}

// Free returns a frame that was allocated but never handed to the kernel.
func (m *Memory) Free(addr uint64) {
	m.Add(pager.PhysRange{Start: addr, End: addr + hostarch.PageSize})
}

// +checklocks:m.mu
func (m *Memory) takeLocked() (uint64, bool) {
	if n := len(m.free); n > 0 {
		a := m.free[n-1]
		m.free = m.free[:n-1]
		return a, true
	}
	for len(m.ranges) > 0 {
		r := &m.ranges[0]
		if r.PageCount() == 0 {
			m.ranges = m.ranges[1:]
			continue
		}
		a := r.Start
		r.Start += hostarch.PageSize
		return a, true
	}
	return 0, false
}

// Alloc returns a frame, waiting up to wait for one to be added.
func (m *Memory) Alloc(ctx context.Context, wait time.Duration) (uint64, error) {
	var deadline <-chan time.Time
	for {
		m.mu.Lock()
		a, ok := m.takeLocked()
		if ok {
			m.given--
		}
		avail := m.avail
		m.mu.Unlock()
		if ok {
			return a, nil
		}
		if deadline == nil {
			if wait <= 0 {
				return 0, ErrNoMemory
			}
			t := time.NewTimer(wait)
			defer t.Stop()
			deadline = t.C
		}
		select {
		case <-avail:
		case <-deadline:
			return 0, ErrNoMemory
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Available returns the number of frames that can be allocated.
func (m *Memory) Available() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.given
}
