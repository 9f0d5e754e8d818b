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

package requester

import (
	"context"
	"fmt"

	"golang.org/x/exp/constraints"
	"golang.org/x/sync/semaphore"

	"objmem.dev/objmem/pkg/sync"
)

// IDPool hands out up to a fixed number of distinct ids at a time. Callers
// wait in Next while all ids are outstanding.
type IDPool[T constraints.Unsigned] struct {
	sem *semaphore.Weighted

	mu sync.Mutex

	// free holds released ids for reuse.
	//
	// +checklocks:mu
	free []T

	// next is the lowest id never handed out.
	//
	// +checklocks:mu
	next T

	// inUse is the set of outstanding ids.
	//
	// +checklocks:mu
	inUse map[T]struct{}
}

// NewIDPool returns a pool of n ids.
func NewIDPool[T constraints.Unsigned](n int) *IDPool[T] {
	if n <= 0 {
		panic(fmt.Sprintf("invalid id pool size %d", n))
	}
	return &IDPool[T]{
		sem:   semaphore.NewWeighted(int64(n)),
		inUse: make(map[T]struct{}),
	}
}

// Next returns an id, waiting for one to be released if necessary.
func (p *IDPool[T]) Next(ctx context.Context) (T, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	return p.take(), nil
}

// TryNext returns an id if one is available without waiting.
func (p *IDPool[T]) TryNext() (T, bool) {
	if !p.sem.TryAcquire(1) {
		return 0, false
	}
	return p.take(), true
}

func (p *IDPool[T]) take() T {
	p.mu.Lock()
	defer p.mu.Unlock()
	var id T
	if n := len(p.free); n > 0 {
		id = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		id = p.next
		p.next++
	}
	p.inUse[id] = struct{}{}
	return id
}

// Release returns id to the pool.
func (p *IDPool[T]) Release(id T) {
	p.mu.Lock()
	if _, ok := p.inUse[id]; !ok {
		p.mu.Unlock()
		panic(fmt.Sprintf("releasing id %d that is not in use", id))
	}
	delete(p.inUse, id)
	p.free = append(p.free, id)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Outstanding returns the number of ids in use.
func (p *IDPool[T]) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
